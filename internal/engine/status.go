package engine

import "github.com/your-org/lanewatch/internal/models"

// StatusWatch derives stream status from successive Stats snapshots. A
// stream that faulted since the last snapshot is in error; one that ran
// cycles without faulting is running again.
type StatusWatch struct {
	last   map[string]Stats
	status map[string]models.StreamStatus
}

func NewStatusWatch() *StatusWatch {
	return &StatusWatch{
		last:   make(map[string]Stats),
		status: make(map[string]models.StreamStatus),
	}
}

// Update records a snapshot and returns the streams whose status changed.
func (w *StatusWatch) Update(cur map[string]Stats) map[string]models.StreamStatus {
	changed := make(map[string]models.StreamStatus)
	for id, s := range cur {
		prev := w.last[id]
		w.last[id] = s

		was, ok := w.status[id]
		if !ok {
			was = models.StreamStatusRunning
		}
		now := was
		switch {
		case s.Faults > prev.Faults:
			now = models.StreamStatusError
		case s.Cycles > prev.Cycles:
			now = models.StreamStatusRunning
		}
		w.status[id] = now
		if now != was {
			changed[id] = now
		}
	}
	return changed
}
