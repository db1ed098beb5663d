package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/tracking"
)

// TrackView is the render-side copy of one live track.
type TrackView struct {
	ID        int64            `json:"id"`
	Label     string           `json:"label"`
	Score     float64          `json:"score"`
	Box       models.Box       `json:"box"`
	Trail     []geometry.Point `json:"trail"`
	Velocity  geometry.Point   `json:"velocity"`  // normalized units per cycle
	Speed     float64          `json:"speed"`     // pixels per cycle
	Predicted geometry.Point   `json:"predicted"` // centroid after the lookahead
	Missed    int              `json:"missed"`
	Auditing  bool             `json:"auditing"`
}

// RenderFrame is published after every processed cycle. It shares no memory
// with the engine.
type RenderFrame struct {
	StreamID  uuid.UUID   `json:"stream_id"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Tracks    []TrackView `json:"tracks"`
	Stats     Stats       `json:"stats"`
}

func (e *Engine) render(batch models.DetectionBatch, at time.Time, stats Stats) RenderFrame {
	tracks := e.tracker.Tracks()
	f := RenderFrame{
		StreamID:  e.cfg.StreamID,
		Seq:       batch.Seq,
		Timestamp: at,
		Tracks:    make([]TrackView, 0, len(tracks)),
		Stats:     stats,
	}
	for _, tr := range tracks {
		px, py := tr.Filter.Predict(float64(e.cfg.PredictionLookahead))
		f.Tracks = append(f.Tracks, TrackView{
			ID:        tr.ID,
			Label:     tr.Label,
			Score:     tr.Score,
			Box:       tr.Box,
			Trail:     tr.History.Points(),
			Velocity:  geometry.Point{X: tr.Filter.VX, Y: tr.Filter.VY},
			Speed:     tracking.Speed(tr.Filter.VX, tr.Filter.VY, e.cfg.FrameWidth, e.cfg.FrameHeight),
			Predicted: geometry.Point{X: px, Y: py},
			Missed:    tr.Missed,
			Auditing:  tr.AuditPending,
		})
	}
	return f
}
