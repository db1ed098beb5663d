package tracking

import (
	"math"
	"slices"
	"time"

	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
)

// Config controls association, filtering and lifecycle.
type Config struct {
	IoUThreshold      float64
	Gains             Gains
	HistoryLength     int
	MaxMissed         int     // evict once Missed exceeds this
	MinHitsVehicle    int     // confirmations before a vehicle is counted
	MinHitsPedestrian int     // confirmations before a pedestrian is counted
	StationarySpeed   float64       // normalized units per cycle
	MotionReset       time.Duration // continuous motion that clears Dwell
}

func DefaultConfig() Config {
	return Config{
		IoUThreshold:      0.3,
		Gains:             DefaultGains,
		HistoryLength:     30,
		MaxMissed:         30,
		MinHitsVehicle:    3,
		MinHitsPedestrian: 5,
		StationarySpeed:   0.002,
		MotionReset:       3 * time.Second,
	}
}

// ConfigFrom builds a tracker config from the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		IoUThreshold:      cfg.Tracking.IoUThreshold,
		Gains:             Gains{Position: cfg.Tracking.PositionGain, Velocity: cfg.Tracking.VelocityGain},
		HistoryLength:     cfg.Tracking.HistoryLength,
		MaxMissed:         cfg.Engine.PersistenceThreshold,
		MinHitsVehicle:    cfg.Tracking.MinHitsVehicle,
		MinHitsPedestrian: cfg.Tracking.MinHitsPedestrian,
		StationarySpeed:   cfg.Rules.StationarySpeed,
		MotionReset:       cfg.Rules.MotionReset,
	}
}

// Stats are lifetime counters of one tracker.
type Stats struct {
	Created         int64 `json:"created"`
	Evicted         int64 `json:"evicted"`
	SeenVehicles    int64 `json:"seen_vehicles"`
	SeenPedestrians int64 `json:"seen_pedestrians"`
}

// UpdateResult lists the track ids touched by one Update.
type UpdateResult struct {
	Matched []int64
	Created []int64
	Coasted []int64
	Evicted []int64
}

// Tracker is an id-indexed arena of tracks. It is not safe for concurrent
// use; exactly one goroutine owns it.
type Tracker struct {
	cfg    Config
	tracks map[int64]*Track
	order  []int64 // live ids, ascending
	nextID int64
	stats  Stats
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		tracks: make(map[int64]*Track),
	}
}

// Update runs one association and lifecycle cycle. Matched tracks correct
// their filter, take the detection box and reset Missed; unmatched
// detections become new tracks; unmatched tracks coast. Tracks whose Missed
// count exceeds MaxMissed are evicted at the end.
//
// Dwell is measured on the raw detections: a matched cycle whose centroid
// moved less than StationarySpeed per cycle since the last match adds
// elapsed. Motion lasting longer than MotionReset clears it. Coasting
// leaves it unchanged.
func (t *Tracker) Update(detections []models.Detection, elapsed time.Duration) UpdateResult {
	var res UpdateResult

	trackBoxes := make([]models.Box, len(t.order))
	for i, id := range t.order {
		trackBoxes[i] = t.tracks[id].Box
	}
	detBoxes := make([]models.Box, len(detections))
	for i, d := range detections {
		detBoxes[i] = d.Box
	}

	asg := Associate(trackBoxes, detBoxes, t.cfg.IoUThreshold)

	for _, m := range asg.Matches {
		tr := t.tracks[t.order[m.Track]]
		det := detections[m.Detection]

		cx, cy := det.Box.Center()
		step := math.Hypot(cx-tr.seen.X, cy-tr.seen.Y) / float64(tr.Missed+1)
		t.dwell(tr, step < t.cfg.StationarySpeed, elapsed)
		tr.seen = geometry.Point{X: cx, Y: cy}

		tr.Filter.Correct(cx, cy, 1)
		tr.Box = det.Box
		tr.Score = det.Score
		tr.Missed = 0
		tr.Hits++
		tr.Age++
		tr.History.Push(geometry.Point{X: cx, Y: cy})
		t.count(tr)

		res.Matched = append(res.Matched, tr.ID)
	}

	for _, ti := range asg.UnmatchedTracks {
		tr := t.tracks[t.order[ti]]
		tr.Filter.Coast(1)
		tr.Box = tr.Box.Recenter(tr.Filter.X, tr.Filter.Y)
		tr.Missed++
		tr.Age++
		tr.History.Push(tr.Centroid())

		res.Coasted = append(res.Coasted, tr.ID)
	}

	for _, di := range asg.UnmatchedDets {
		t.nextID++
		tr := newTrack(t.nextID, detections[di], t.cfg.Gains, t.cfg.HistoryLength)
		t.tracks[tr.ID] = tr
		t.order = append(t.order, tr.ID)
		t.stats.Created++
		t.count(tr)

		res.Created = append(res.Created, tr.ID)
	}

	res.Evicted = t.sweep()
	return res
}

func (t *Tracker) dwell(tr *Track, stationary bool, elapsed time.Duration) {
	if stationary {
		tr.moving = 0
		tr.Dwell += elapsed
		return
	}
	tr.moving += elapsed
	if tr.moving > t.cfg.MotionReset {
		tr.Dwell = 0
	}
}

// Checkpoint is a deep copy of a tracker's state.
type Checkpoint struct {
	tracks map[int64]*Track
	order  []int64
	nextID int64
	stats  Stats
}

// Checkpoint copies the current state so a failed cycle can be undone.
func (t *Tracker) Checkpoint() Checkpoint {
	cp := Checkpoint{
		tracks: make(map[int64]*Track, len(t.tracks)),
		order:  slices.Clone(t.order),
		nextID: t.nextID,
		stats:  t.stats,
	}
	for id, tr := range t.tracks {
		cp.tracks[id] = tr.clone()
	}
	return cp
}

// Restore puts the tracker back to cp. Track pointers taken before the call
// are stale afterwards.
func (t *Tracker) Restore(cp Checkpoint) {
	t.tracks = cp.tracks
	t.order = cp.order
	t.nextID = cp.nextID
	t.stats = cp.stats
}

// sweep removes tracks past the persistence threshold.
func (t *Tracker) sweep() []int64 {
	var evicted []int64
	kept := t.order[:0]
	for _, id := range t.order {
		if t.tracks[id].Missed > t.cfg.MaxMissed {
			delete(t.tracks, id)
			evicted = append(evicted, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	t.stats.Evicted += int64(len(evicted))
	return evicted
}

func (t *Tracker) count(tr *Track) {
	if tr.Counted {
		return
	}
	need := t.cfg.MinHitsVehicle
	if tr.Class == models.ClassPedestrian {
		need = t.cfg.MinHitsPedestrian
	}
	if tr.Hits < need {
		return
	}
	tr.Counted = true
	if tr.Class == models.ClassPedestrian {
		t.stats.SeenPedestrians++
	} else {
		t.stats.SeenVehicles++
	}
}

// Tracks returns live tracks in ascending id order.
func (t *Tracker) Tracks() []*Track {
	out := make([]*Track, len(t.order))
	for i, id := range t.order {
		out[i] = t.tracks[id]
	}
	return out
}

func (t *Tracker) Get(id int64) (*Track, bool) {
	tr, ok := t.tracks[id]
	return tr, ok
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	return len(t.order)
}

func (t *Tracker) Stats() Stats {
	return t.stats
}

// Speed converts a normalized per-cycle velocity into pixels per cycle.
func Speed(vx, vy float64, width, height int) float64 {
	return math.Hypot(vx*float64(width), vy*float64(height))
}
