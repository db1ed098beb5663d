package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/lanewatch/internal/audit"
	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/rules"
	"github.com/your-org/lanewatch/internal/tracking"
)

var (
	testStream = uuid.MustParse("6f1c2a9e-3b7d-4c10-9a55-1e2f3a4b5c6d")
	t0         = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
)

type fakeCapturer struct {
	mu        sync.Mutex
	frameRefs []string
	err       error
	panics    bool
}

func (f *fakeCapturer) CaptureFrame(_ context.Context, _ uuid.UUID, frameRef string, req rules.EvidenceRequest) (models.Evidence, error) {
	if f.panics {
		panic("codec exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Evidence{}, f.err
	}
	f.frameRefs = append(f.frameRefs, frameRef)
	return models.Evidence{SnapshotKey: "evidence/" + req.Key + ".jpg"}, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	jobs   []audit.Job
	reject bool
}

func (f *fakeDispatcher) Dispatch(job audit.Job) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.jobs = append(f.jobs, job)
	return true
}

func testConfig() Config {
	return Config{
		StreamID:            testStream,
		ConfidenceThreshold: 0.4,
		DetectionSkip:       1,
		PredictionLookahead: 15,
		FramePeriod:         33 * time.Millisecond,
		FrameWidth:          1280,
		FrameHeight:         720,
		Tracking:            tracking.DefaultConfig(),
		Rules:               rules.DefaultConfig(),
	}
}

func car(cx, cy float64) models.Detection {
	return models.Detection{Label: "car", Score: 0.9, Box: models.Box{X: cx - 0.05, Y: cy - 0.05, W: 0.1, H: 0.1}}
}

func batch(seq uint64, dets ...models.Detection) models.DetectionBatch {
	return models.DetectionBatch{
		StreamID:   testStream,
		Seq:        seq,
		Timestamp:  t0.Add(time.Duration(seq) * 33 * time.Millisecond),
		FrameRef:   fmt.Sprintf("frames/%s/%06d.jpg", testStream, seq),
		Detections: dets,
	}
}

func step(t *testing.T, e *Engine, b models.DetectionBatch) *RenderFrame {
	t.Helper()
	f, err := e.Step(context.Background(), b)
	require.NoError(t, err)
	return f
}

func TestStep_RenderFrame(t *testing.T) {
	e := New(testConfig(), &fakeCapturer{}, &fakeDispatcher{}, nil)

	det := models.Detection{Label: "car", Score: 0.9, Box: models.Box{X: 0.1, Y: 0.3, W: 0.2, H: 0.2}}
	got := step(t, e, batch(1, det))
	require.NotNil(t, got)

	want := RenderFrame{
		StreamID:  testStream,
		Seq:       1,
		Timestamp: t0.Add(33 * time.Millisecond),
		Tracks: []TrackView{{
			ID:        1,
			Label:     "car",
			Score:     0.9,
			Box:       det.Box,
			Trail:     []geometry.Point{{X: 0.2, Y: 0.4}},
			Predicted: geometry.Point{X: 0.2, Y: 0.4},
		}},
		Stats: Stats{Cycles: 1, TracksCreated: 1},
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("render frame mismatch (-want +got):\n%s", diff)
	}
}

func TestStep_RenderFrameIsACopy(t *testing.T) {
	e := New(testConfig(), &fakeCapturer{}, &fakeDispatcher{}, nil)
	first := step(t, e, batch(1, car(0.3, 0.3)))
	first.Tracks[0].Trail[0] = geometry.Point{X: 9, Y: 9}

	second := step(t, e, batch(2, car(0.31, 0.3)))
	assert.InDelta(t, 0.3, second.Tracks[0].Trail[0].X, 1e-9)
}

func TestStep_FiltersDetections(t *testing.T) {
	e := New(testConfig(), &fakeCapturer{}, &fakeDispatcher{}, nil)

	weak := car(0.7, 0.7)
	weak.Score = 0.2
	nan := car(0.2, 0.7)
	nan.Box.X = math.NaN()
	flat := car(0.5, 0.2)
	flat.Box.H = 0
	noScore := car(0.8, 0.2)
	noScore.Score = math.NaN()

	f := step(t, e, batch(1, car(0.3, 0.3), weak, nan, flat, noScore))
	require.Len(t, f.Tracks, 1)
	assert.Equal(t, int64(1), f.Tracks[0].ID)
}

func TestStep_DetectorErrorIsEmptyFrame(t *testing.T) {
	e := New(testConfig(), &fakeCapturer{}, &fakeDispatcher{}, nil)
	step(t, e, batch(1, car(0.3, 0.3)))

	b := batch(2, car(0.3, 0.3))
	b.Error = "inference timeout"
	f := step(t, e, b)

	require.Len(t, f.Tracks, 1)
	assert.Equal(t, 1, f.Tracks[0].Missed)
}

func TestStep_DetectionSkip(t *testing.T) {
	cfg := testConfig()
	cfg.DetectionSkip = 2
	e := New(cfg, &fakeCapturer{}, &fakeDispatcher{}, nil)

	assert.NotNil(t, step(t, e, batch(1, car(0.3, 0.3))))
	assert.Nil(t, step(t, e, batch(2, car(0.3, 0.3))))
	assert.NotNil(t, step(t, e, batch(3, car(0.3, 0.3))))

	s := e.Stats()
	assert.Equal(t, int64(2), s.Cycles)
	assert.Equal(t, int64(1), s.Skipped)
}

func TestStep_BusyIsShed(t *testing.T) {
	e := New(testConfig(), &fakeCapturer{}, &fakeDispatcher{}, nil)
	e.running.Store(true)

	f, err := e.Step(context.Background(), batch(1, car(0.3, 0.3)))
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, e.tracker.Len())
	assert.Equal(t, int64(1), e.Stats().Shed)
	assert.Zero(t, e.Stats().Cycles)

	e.running.Store(false)
	step(t, e, batch(2, car(0.3, 0.3)))
	assert.Equal(t, 1, e.tracker.Len())
}

func TestStep_PanicDegradesToNoOp(t *testing.T) {
	fc := &fakeCapturer{panics: true}
	d := &fakeDispatcher{}
	e := New(testConfig(), fc, d, nil)
	e.SetGeometry([]geometry.Primitive{{ID: "l1", Type: geometry.TypeForbiddenLine, X1: 0.5, Y1: 0, X2: 0.5, Y2: 1}})

	step(t, e, batch(1, car(0.46, 0.5)))
	step(t, e, batch(2, car(0.49, 0.5)))
	tr, ok := e.tracker.Get(1)
	require.True(t, ok)
	before := tr.Snapshot()

	_, err := e.Step(context.Background(), batch(3, car(0.52, 0.5), car(0.2, 0.2)))
	require.ErrorIs(t, err, ErrFault)
	assert.Equal(t, int64(1), e.Stats().Faults)
	assert.Equal(t, int64(2), e.Stats().Cycles)

	// Nothing from the faulted batch survives.
	require.Equal(t, 1, e.tracker.Len())
	tr, _ = e.tracker.Get(1)
	if diff := cmp.Diff(before, tr.Snapshot()); diff != "" {
		t.Errorf("track changed by faulted cycle (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, tr.Hits)
	assert.Equal(t, 2, tr.History.Len())
	assert.False(t, tr.IsProcessed("l1"))
	assert.False(t, e.running.Load())

	// The crossing still fires once the capturer recovers.
	fc.panics = false
	f := step(t, e, batch(4, car(0.52, 0.5)))
	require.NotNil(t, f)
	require.Len(t, d.jobs, 1)
	assert.Equal(t, int64(1), d.jobs[0].Candidate.TrackID)
	assert.Equal(t, "l1", d.jobs[0].Candidate.PrimitiveID)
}

func crossingEngine(t *testing.T, d *fakeDispatcher) (*Engine, *fakeCapturer) {
	t.Helper()
	fc := &fakeCapturer{}
	e := New(testConfig(), fc, d, nil)
	errs := e.SetGeometry([]geometry.Primitive{
		{ID: "l1", Label: "no entry", Type: geometry.TypeForbiddenLine, X1: 0.5, Y1: 0, X2: 0.5, Y2: 1},
	})
	require.Empty(t, errs)
	for i, cx := range []float64{0.40, 0.43, 0.46, 0.49} {
		step(t, e, batch(uint64(i+1), car(cx, 0.5)))
	}
	return e, fc
}

func TestStep_CandidateDispatchAndAuditDone(t *testing.T) {
	d := &fakeDispatcher{}
	e, fc := crossingEngine(t, d)

	f := step(t, e, batch(5, car(0.52, 0.5)))
	require.Len(t, d.jobs, 1)
	job := d.jobs[0]
	assert.Equal(t, testStream, job.StreamID)
	assert.Equal(t, "no entry", job.Candidate.Label)
	assert.Equal(t, "evidence/l1.jpg", job.Candidate.Evidence.SnapshotKey)
	assert.Equal(t, []string{batch(5).FrameRef}, fc.frameRefs)
	assert.True(t, f.Tracks[0].Auditing)
	assert.Equal(t, int64(1), f.Stats.Candidates)

	job.Done(job.Candidate.TrackID, nil)
	f = step(t, e, batch(6, car(0.55, 0.5)))
	assert.False(t, f.Tracks[0].Auditing)

	// One audit per track.
	step(t, e, batch(7, car(0.52, 0.5)))
	step(t, e, batch(8, car(0.49, 0.5)))
	assert.Len(t, d.jobs, 1)
}

func TestStep_DroppedAuditClearsPending(t *testing.T) {
	d := &fakeDispatcher{reject: true}
	e, _ := crossingEngine(t, d)

	f := step(t, e, batch(5, car(0.52, 0.5)))
	assert.False(t, f.Tracks[0].Auditing)
	assert.Equal(t, int64(1), f.Stats.Candidates)
}

func TestStep_CaptureFailureCounted(t *testing.T) {
	d := &fakeDispatcher{}
	e, fc := crossingEngine(t, d)
	fc.err = errors.New("frame expired")

	f := step(t, e, batch(5, car(0.52, 0.5)))
	assert.Empty(t, d.jobs)
	assert.Equal(t, int64(1), f.Stats.CaptureFailures)
	assert.False(t, f.Tracks[0].Auditing)
}

func TestSetGeometry_RejectsInvalid(t *testing.T) {
	e := New(testConfig(), &fakeCapturer{}, &fakeDispatcher{}, nil)
	errs := e.SetGeometry([]geometry.Primitive{
		{ID: "ok", Type: geometry.TypeStopLine, X1: 0, Y1: 0.5, X2: 1, Y2: 0.5},
		{ID: "bad", Type: geometry.TypeZone, Points: []geometry.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}},
	})
	assert.Len(t, errs, 1)
	assert.Equal(t, 1, e.Geometry().Len())
}

func TestElapsed(t *testing.T) {
	e := New(testConfig(), nil, nil, nil)

	assert.Equal(t, 33*time.Millisecond, e.elapsed(time.Time{}))
	assert.Equal(t, 33*time.Millisecond, e.elapsed(t0), "first timestamp has no predecessor")
	assert.Equal(t, 120*time.Millisecond, e.elapsed(t0.Add(120*time.Millisecond)))
	assert.Equal(t, 33*time.Millisecond, e.elapsed(t0), "going backwards falls back")
	assert.Equal(t, 80*time.Millisecond, e.elapsed(t0.Add(200*time.Millisecond)))
}

func TestSubmit_ShedsBacklog(t *testing.T) {
	e := New(testConfig(), &fakeCapturer{}, &fakeDispatcher{}, nil)

	e.Submit(batch(1, car(0.3, 0.3)))
	e.Submit(batch(2, car(0.3, 0.3)))
	e.Submit(batch(3, car(0.3, 0.3)))
	assert.Equal(t, int64(2), e.Stats().Shed)

	frames := make(chan RenderFrame, 1)
	e.OnFrame(func(f RenderFrame) { frames <- f })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	select {
	case f := <-frames:
		assert.Equal(t, uint64(3), f.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame rendered")
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, int64(1), e.Stats().Cycles)
}
