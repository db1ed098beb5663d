// Package engine drives the per-stream tracking cycle: detections in, tracks
// and infraction candidates out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/audit"
	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/observability"
	"github.com/your-org/lanewatch/internal/rules"
	"github.com/your-org/lanewatch/internal/tracking"
)

var (
	// ErrBusy is returned by Step when another cycle is still running.
	ErrBusy = errors.New("engine: cycle already running")
	// ErrFault wraps a recovered panic; the cycle was abandoned.
	ErrFault = errors.New("engine: cycle fault")
)

// Dispatcher accepts fired candidates for asynchronous audit.
type Dispatcher interface {
	Dispatch(job audit.Job) bool
}

// FrameCapturer stores evidence for an event taken from a given source frame.
type FrameCapturer interface {
	CaptureFrame(ctx context.Context, streamID uuid.UUID, frameRef string, req rules.EvidenceRequest) (models.Evidence, error)
}

type Config struct {
	StreamID            uuid.UUID
	ConfidenceThreshold float64
	DetectionSkip       int // process every Nth batch
	PredictionLookahead int
	FramePeriod         time.Duration
	FrameWidth          int
	FrameHeight         int
	Tracking            tracking.Config
	Rules               rules.Config
}

func ConfigFrom(cfg *config.Config, streamID uuid.UUID) Config {
	return Config{
		StreamID:            streamID,
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
		DetectionSkip:       cfg.Engine.DetectionSkip,
		PredictionLookahead: cfg.Engine.PredictionLookahead,
		FramePeriod:         cfg.Engine.FramePeriod(),
		FrameWidth:          cfg.Engine.FrameWidth,
		FrameHeight:         cfg.Engine.FrameHeight,
		Tracking:            tracking.ConfigFrom(cfg),
		Rules:               rules.ConfigFrom(cfg),
	}
}

// Stats are lifetime counters of one engine.
type Stats struct {
	Cycles          int64 `json:"cycles"`
	Skipped         int64 `json:"skipped"`
	Shed            int64 `json:"shed"`
	Faults          int64 `json:"faults"`
	TracksCreated   int64 `json:"tracks_created"`
	TracksEvicted   int64 `json:"tracks_evicted"`
	SeenVehicles    int64 `json:"seen_vehicles"`
	SeenPedestrians int64 `json:"seen_pedestrians"`
	Candidates      int64 `json:"candidates"`
	Compliant       int64 `json:"compliant"`
	CaptureFailures int64 `json:"capture_failures"`
}

// Engine exclusively owns one tracker. Other goroutines reach it only
// through Submit, SetGeometry, AuditDone and the OnFrame callback.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	tracker  *tracking.Tracker
	detector *rules.Detector
	capture  *cycleCapture
	dispatch Dispatcher
	onFrame  func(RenderFrame)

	geometry atomic.Pointer[geometry.Snapshot]
	running  atomic.Bool
	inbox    chan models.DetectionBatch

	// owned by the cycle
	batches uint64
	lastTS  time.Time

	mu    sync.Mutex
	stats Stats
	done  []int64 // track ids whose audit finished
}

func New(cfg Config, capture FrameCapturer, dispatch Dispatcher, log *slog.Logger) *Engine {
	if cfg.DetectionSkip < 1 {
		cfg.DetectionSkip = 1
	}
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = time.Second / 30
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream_id", cfg.StreamID)

	cc := &cycleCapture{fc: capture, streamID: cfg.StreamID}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		tracker:  tracking.NewTracker(cfg.Tracking),
		detector: rules.NewDetector(cfg.Rules, cc, log),
		capture:  cc,
		dispatch: dispatch,
		inbox:    make(chan models.DetectionBatch, 1),
	}
	e.geometry.Store(&geometry.Snapshot{})
	return e
}

// OnFrame registers the render callback. Call before Run.
func (e *Engine) OnFrame(fn func(RenderFrame)) {
	e.onFrame = fn
}

func (e *Engine) StreamID() uuid.UUID {
	return e.cfg.StreamID
}

// SetGeometry validates and installs a new primitive list. Invalid entries
// are dropped and returned; the rest takes effect from the next cycle.
func (e *Engine) SetGeometry(prims []geometry.Primitive) []error {
	snap, errs := geometry.NewSnapshot(prims)
	e.geometry.Store(snap)
	for _, err := range errs {
		e.log.Warn("geometry primitive rejected", "error", err)
	}
	e.log.Info("geometry updated", "primitives", snap.Len(), "rejected", len(errs))
	return errs
}

// Geometry returns the snapshot the next cycle will use.
func (e *Engine) Geometry() *geometry.Snapshot {
	return e.geometry.Load()
}

// AuditDone reports that the audit for a track completed. It is safe to call
// from any goroutine; the flag is cleared at the start of the next cycle.
func (e *Engine) AuditDone(trackID int64) {
	e.mu.Lock()
	e.done = append(e.done, trackID)
	e.mu.Unlock()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Submit offers a batch to the Run loop without blocking. A batch still
// waiting in the inbox is replaced and counted as shed.
func (e *Engine) Submit(batch models.DetectionBatch) {
	for i := 0; i < 2; i++ {
		select {
		case e.inbox <- batch:
			return
		default:
		}
		select {
		case <-e.inbox:
			e.shed()
		default:
		}
	}
	e.shed()
}

// Run processes submitted batches until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return ctx.Err()
		case batch := <-e.inbox:
			if _, err := e.Step(ctx, batch); err != nil && !errors.Is(err, ErrBusy) {
				e.log.Debug("cycle abandoned", "seq", batch.Seq, "error", err)
			}
		}
	}
}

// Step runs one cycle. A call that overlaps a running cycle returns ErrBusy
// and changes nothing. A skipped batch returns a nil frame and no error.
func (e *Engine) Step(ctx context.Context, batch models.DetectionBatch) (*RenderFrame, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.shed()
		return nil, ErrBusy
	}
	defer e.running.Store(false)
	return e.cycle(ctx, batch)
}

// cycle runs one batch. A panic before the candidates are handed off rolls
// the tracker back to where the cycle started.
func (e *Engine) cycle(ctx context.Context, batch models.DetectionBatch) (frame *RenderFrame, err error) {
	sid := e.cfg.StreamID.String()
	var rollback func()
	defer func() {
		if r := recover(); r != nil {
			if rollback != nil {
				rollback()
			}
			e.mu.Lock()
			e.stats.Faults++
			e.mu.Unlock()
			observability.CycleFaults.WithLabelValues(sid).Inc()
			e.log.Error("cycle panic", "seq", batch.Seq, "panic", r, "stack", string(debug.Stack()))
			frame, err = nil, fmt.Errorf("%w: %v", ErrFault, r)
		}
	}()

	e.batches++
	if (e.batches-1)%uint64(e.cfg.DetectionSkip) != 0 {
		e.mu.Lock()
		e.stats.Skipped++
		e.mu.Unlock()
		return nil, nil
	}

	start := time.Now()
	e.clearFinishedAudits()

	cp, batches, lastTS := e.tracker.Checkpoint(), e.batches-1, e.lastTS
	rollback = func() {
		e.tracker.Restore(cp)
		e.batches, e.lastTS = batches, lastTS
	}

	elapsed := e.elapsed(batch.Timestamp)
	now := batch.Timestamp
	if now.IsZero() {
		now = start
	}

	dets := e.filter(batch)
	res := e.tracker.Update(dets, elapsed)

	e.capture.frameRef = batch.FrameRef
	out := e.detector.Evaluate(ctx, e.tracker.Tracks(), e.geometry.Load(), elapsed, now)
	rollback = nil
	for _, c := range out.Candidates {
		e.dispatchCandidate(c)
		observability.Candidates.WithLabelValues(sid, c.Label).Inc()
	}

	ts := e.tracker.Stats()
	e.mu.Lock()
	e.stats.Cycles++
	e.stats.TracksCreated = ts.Created
	e.stats.TracksEvicted = ts.Evicted
	e.stats.SeenVehicles = ts.SeenVehicles
	e.stats.SeenPedestrians = ts.SeenPedestrians
	e.stats.Candidates += int64(len(out.Candidates))
	e.stats.Compliant += int64(out.Compliant)
	e.stats.CaptureFailures += int64(out.CaptureFailures)
	stats := e.stats
	e.mu.Unlock()

	observability.CyclesProcessed.WithLabelValues(sid).Inc()
	observability.ActiveTracks.WithLabelValues(sid).Set(float64(e.tracker.Len()))
	observability.TracksCreated.WithLabelValues(sid).Add(float64(len(res.Created)))
	observability.TracksEvicted.WithLabelValues(sid).Add(float64(len(res.Evicted)))
	if out.CaptureFailures > 0 {
		observability.EvidenceFailures.WithLabelValues(sid).Add(float64(out.CaptureFailures))
	}

	f := e.render(batch, now, stats)
	observability.CycleDuration.WithLabelValues(sid).Observe(time.Since(start).Seconds())

	if e.onFrame != nil {
		e.onFrame(f)
	}
	return &f, nil
}

// elapsed derives the cycle duration from batch timestamps, falling back to
// the nominal period (times the skip factor) when they are missing or not
// increasing.
func (e *Engine) elapsed(ts time.Time) time.Duration {
	nominal := e.cfg.FramePeriod * time.Duration(e.cfg.DetectionSkip)
	if ts.IsZero() {
		return nominal
	}
	prev := e.lastTS
	if ts.After(prev) {
		e.lastTS = ts
	}
	if prev.IsZero() || !ts.After(prev) {
		return nominal
	}
	return ts.Sub(prev)
}

// filter drops low-confidence and malformed detections. A detector error
// counts as a frame with no detections.
func (e *Engine) filter(batch models.DetectionBatch) []models.Detection {
	if batch.Error != "" {
		e.log.Warn("detector failed for frame", "seq", batch.Seq, "error", batch.Error)
		return nil
	}
	out := make([]models.Detection, 0, len(batch.Detections))
	for _, d := range batch.Detections {
		if math.IsNaN(d.Score) || d.Score < e.cfg.ConfidenceThreshold || !d.Box.Valid() {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (e *Engine) clearFinishedAudits() {
	e.mu.Lock()
	done := e.done
	e.done = nil
	e.mu.Unlock()

	for _, id := range done {
		if tr, ok := e.tracker.Get(id); ok {
			tr.AuditPending = false
		}
	}
}

func (e *Engine) dispatchCandidate(c rules.Candidate) {
	if e.dispatch == nil {
		e.clearPending(c.TrackID)
		return
	}
	ok := e.dispatch.Dispatch(audit.Job{
		StreamID:    e.cfg.StreamID,
		Candidate:   c,
		FrameWidth:  e.cfg.FrameWidth,
		FrameHeight: e.cfg.FrameHeight,
		Done: func(trackID int64, _ error) {
			e.AuditDone(trackID)
		},
	})
	if !ok {
		e.clearPending(c.TrackID)
	}
}

func (e *Engine) clearPending(trackID int64) {
	if tr, ok := e.tracker.Get(trackID); ok {
		tr.AuditPending = false
	}
}

func (e *Engine) shed() {
	e.mu.Lock()
	e.stats.Shed++
	e.mu.Unlock()
	observability.CyclesShed.WithLabelValues(e.cfg.StreamID.String()).Inc()
}

// cycleCapture binds the evidence capturer to the frame of the running cycle.
type cycleCapture struct {
	fc       FrameCapturer
	streamID uuid.UUID
	frameRef string
}

func (c *cycleCapture) Capture(ctx context.Context, req rules.EvidenceRequest) (models.Evidence, error) {
	if c.fc == nil {
		return models.Evidence{}, errors.New("no evidence capturer configured")
	}
	return c.fc.CaptureFrame(ctx, c.streamID, c.frameRef, req)
}
