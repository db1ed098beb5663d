package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/tracking"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeCapture struct {
	fail  int
	calls int
	reqs  []EvidenceRequest
}

func (f *fakeCapture) Capture(_ context.Context, req EvidenceRequest) (models.Evidence, error) {
	f.calls++
	if f.fail > 0 {
		f.fail--
		return models.Evidence{}, errors.New("renderer busy")
	}
	f.reqs = append(f.reqs, req)
	return models.Evidence{SnapshotKey: fmt.Sprintf("evidence/%d/%s.jpg", req.TrackID, req.Key)}, nil
}

// scene drives one tracker and one detector the way the engine does.
type scene struct {
	t       *testing.T
	tracker *tracking.Tracker
	det     *Detector
	capture *fakeCapture
	snap    *geometry.Snapshot
	now     time.Time
	fired   []Candidate
	out     Outcome
}

func newScene(t *testing.T, prims ...geometry.Primitive) *scene {
	snap, errs := geometry.NewSnapshot(prims)
	require.Empty(t, errs)
	fc := &fakeCapture{}
	return &scene{
		t:       t,
		tracker: tracking.NewTracker(tracking.DefaultConfig()),
		det:     NewDetector(DefaultConfig(), fc, nil),
		capture: fc,
		snap:    snap,
		now:     t0,
	}
}

// step moves a single 0.1x0.1 car so its centroid is at (cx, cy).
func (s *scene) step(cx, cy float64, elapsed time.Duration) Outcome {
	s.now = s.now.Add(elapsed)
	det := models.Detection{Label: "car", Score: 0.9, Box: models.Box{X: cx - 0.05, Y: cy - 0.05, W: 0.1, H: 0.1}}
	s.tracker.Update([]models.Detection{det}, elapsed)
	return s.evaluate(elapsed)
}

func (s *scene) evaluate(elapsed time.Duration) Outcome {
	out := s.det.Evaluate(context.Background(), s.tracker.Tracks(), s.snap, elapsed, s.now)
	s.fired = append(s.fired, out.Candidates...)
	s.out.Compliant += out.Compliant
	s.out.CaptureFailures += out.CaptureFailures
	return out
}

func (s *scene) track() *tracking.Track {
	tracks := s.tracker.Tracks()
	require.Len(s.t, tracks, 1)
	return tracks[0]
}

// place moves the track's box without running the tracker.
func place(tr *tracking.Track, cx, cy float64) {
	tr.Box = tr.Box.Recenter(cx, cy)
}

var (
	verticalLine = geometry.Primitive{ID: "l1", Label: "no crossing", Type: geometry.TypeForbiddenLine, X1: 0.5, Y1: 0, X2: 0.5, Y2: 1}
	stopLine     = geometry.Primitive{ID: "s1", Label: "stop", Type: geometry.TypeStopLine, X1: 0.5, Y1: 0, X2: 0.5, Y2: 1}
	junction     = geometry.Primitive{ID: "j1", Label: "junction", Type: geometry.TypeBoxJunction,
		Points: []geometry.Point{{X: 0.3, Y: 0.3}, {X: 0.7, Y: 0.3}, {X: 0.7, Y: 0.7}, {X: 0.3, Y: 0.7}}}
)

func TestLineCrossing_FiresOncePerTrack(t *testing.T) {
	s := newScene(t, verticalLine)

	for _, cx := range []float64{0.40, 0.43, 0.46, 0.49} {
		s.step(cx, 0.5, 33*time.Millisecond)
	}
	require.Empty(t, s.fired)

	s.step(0.52, 0.5, 33*time.Millisecond)
	require.Len(t, s.fired, 1)
	c := s.fired[0]
	assert.Equal(t, "l1", c.PrimitiveID)
	assert.Equal(t, "l1", c.Key)
	assert.Equal(t, "no crossing", c.Label)
	assert.Equal(t, "car", c.ObjectLabel)
	assert.Equal(t, "evidence/1/l1.jpg", c.Evidence.SnapshotKey)
	assert.Equal(t, int64(1), c.Track.ID)

	tr := s.track()
	assert.True(t, tr.Audited)
	assert.True(t, tr.AuditPending)
	assert.True(t, tr.IsProcessed("l1"))

	// Crossing back and forth again never re-triggers.
	for _, cx := range []float64{0.49, 0.46, 0.49, 0.52, 0.55} {
		s.step(cx, 0.5, 33*time.Millisecond)
	}
	assert.Len(t, s.fired, 1)
	assert.Equal(t, 1, s.capture.calls)
}

func TestLineCrossing_SegmentNotInfiniteLine(t *testing.T) {
	short := geometry.Primitive{ID: "short", Type: geometry.TypeLaneDivider, X1: 0.5, Y1: 0, X2: 0.5, Y2: 0.2}
	s := newScene(t, short)

	for _, cx := range []float64{0.44, 0.47, 0.50, 0.53, 0.56} {
		s.step(cx, 0.5, 33*time.Millisecond)
	}
	assert.Empty(t, s.fired)
}

func TestLineCrossing_EachTrackFiresIndependently(t *testing.T) {
	s := newScene(t, verticalLine)

	move := func(cx float64) {
		dets := []models.Detection{
			{Label: "car", Score: 0.9, Box: models.Box{X: cx - 0.05, Y: 0.15, W: 0.1, H: 0.1}},
			{Label: "bus", Score: 0.9, Box: models.Box{X: cx - 0.05, Y: 0.65, W: 0.1, H: 0.1}},
		}
		s.tracker.Update(dets, 33*time.Millisecond)
		s.evaluate(33 * time.Millisecond)
	}
	for _, cx := range []float64{0.44, 0.47, 0.50, 0.53} {
		move(cx)
	}

	require.Len(t, s.fired, 2)
	assert.Equal(t, int64(1), s.fired[0].TrackID)
	assert.Equal(t, "bus", s.fired[1].ObjectLabel)
}

func crossStopLine(t *testing.T, dwell time.Duration) *scene {
	s := newScene(t, stopLine)
	for _, cx := range []float64{0.40, 0.43, 0.46, 0.49} {
		s.step(cx, 0.5, 33*time.Millisecond)
	}
	s.track().Dwell = dwell
	s.step(0.52, 0.5, 33*time.Millisecond)
	return s
}

func TestStopLine_ShortDwellIsViolation(t *testing.T) {
	s := crossStopLine(t, 2900*time.Millisecond)

	require.Len(t, s.fired, 1)
	assert.Equal(t, LabelStopViolation, s.fired[0].Label)
	assert.Equal(t, geometry.TypeStopLine, s.fired[0].PrimitiveType)
	assert.True(t, s.track().Audited)
}

func TestStopLine_LongDwellIsCompliant(t *testing.T) {
	s := crossStopLine(t, 3100*time.Millisecond)

	assert.Empty(t, s.fired)
	assert.Equal(t, 1, s.out.Compliant)
	assert.Zero(t, s.capture.calls)

	tr := s.track()
	assert.False(t, tr.Audited)
	assert.True(t, tr.IsProcessed("s1"))

	// A later crossing of the same line is not re-evaluated.
	s.step(0.49, 0.5, 33*time.Millisecond)
	s.step(0.52, 0.5, 33*time.Millisecond)
	assert.Equal(t, 1, s.out.Compliant)
	assert.Empty(t, s.fired)
}

func TestStopLine_ExactThresholdIsCompliant(t *testing.T) {
	s := crossStopLine(t, 3*time.Second)
	assert.Empty(t, s.fired)
	assert.Equal(t, 1, s.out.Compliant)
}

// stopAndGo approaches the stop line, halts for the given number of 33ms
// frames, then pulls across it.
func stopAndGo(t *testing.T, stopped int) *scene {
	s := newScene(t, stopLine)
	x := 0.38
	for k := 0; k < 20; k++ {
		x += 0.005
		s.step(x, 0.5, 33*time.Millisecond)
	}
	for k := 0; k < stopped; k++ {
		s.step(x, 0.5, 33*time.Millisecond)
	}
	for k := 0; k < 4; k++ {
		x += 0.007
		s.step(x, 0.5, 33*time.Millisecond)
	}
	require.Greater(t, x, 0.5)
	return s
}

func TestStopLine_TrackedStopIsCompliant(t *testing.T) {
	s := stopAndGo(t, 94) // 3102ms

	assert.Empty(t, s.fired)
	assert.Equal(t, 1, s.out.Compliant)
	assert.Equal(t, 3102*time.Millisecond, s.track().Dwell)
}

func TestStopLine_TrackedShortStopIsViolation(t *testing.T) {
	s := stopAndGo(t, 88) // 2904ms

	require.Len(t, s.fired, 1)
	assert.Equal(t, LabelStopViolation, s.fired[0].Label)
	assert.Zero(t, s.out.Compliant)
	assert.Equal(t, 2904*time.Millisecond, s.fired[0].Track.Dwell)
}

func TestStopLine_EarlierStopDoesNotCount(t *testing.T) {
	s := newScene(t, stopLine)
	for k := 0; k < 100; k++ {
		s.step(0.1, 0.5, 33*time.Millisecond)
	}
	require.Greater(t, s.track().Dwell, 3*time.Second)

	// Four seconds of driving before the line.
	x := 0.1
	for x < 0.52 {
		x += 0.003
		s.step(x, 0.5, 33*time.Millisecond)
	}

	require.Len(t, s.fired, 1)
	assert.Equal(t, LabelStopViolation, s.fired[0].Label)
}

func TestCaptureFailure_LeavesEventEligible(t *testing.T) {
	s := newScene(t, verticalLine)
	s.capture.fail = 1

	for _, cx := range []float64{0.43, 0.46, 0.49, 0.52} {
		s.step(cx, 0.5, 33*time.Millisecond)
	}
	assert.Empty(t, s.fired)
	assert.Equal(t, 1, s.out.CaptureFailures)

	tr := s.track()
	assert.False(t, tr.IsProcessed("l1"))
	assert.False(t, tr.Audited)

	// Staying on the far side does not re-fire; crossing again does.
	s.step(0.55, 0.5, 33*time.Millisecond)
	assert.Empty(t, s.fired)
	s.step(0.52, 0.5, 33*time.Millisecond)
	s.step(0.49, 0.5, 33*time.Millisecond)
	require.Len(t, s.fired, 1)
	assert.True(t, tr.Audited)
	assert.Equal(t, 2, s.capture.calls)
}

func TestZone_ContinuousDwellFiresOnce(t *testing.T) {
	s := newScene(t, junction)

	s.step(0.5, 0.5, 0)
	tr := s.track()
	require.NotNil(t, tr.LastZone)
	assert.Equal(t, "j1", *tr.LastZone)
	assert.Zero(t, tr.ZoneDwell)

	s.evaluate(2500 * time.Millisecond)
	s.evaluate(2500 * time.Millisecond)
	assert.Empty(t, s.fired, "exactly 5000ms does not exceed the threshold")

	s.evaluate(time.Millisecond)
	require.Len(t, s.fired, 1)
	c := s.fired[0]
	assert.Equal(t, LabelZoneBlocking, c.Label)
	assert.Equal(t, geometry.ZoneKey("j1"), c.Key)
	assert.Equal(t, 5001*time.Millisecond, c.Track.ZoneDwell)

	for i := 0; i < 5; i++ {
		s.evaluate(time.Second)
	}
	assert.Len(t, s.fired, 1)
}

func TestZone_ExitResetsDwell(t *testing.T) {
	s := newScene(t, junction)

	s.step(0.5, 0.5, 0)
	tr := s.track()
	s.evaluate(2500 * time.Millisecond)
	assert.Equal(t, 2500*time.Millisecond, tr.ZoneDwell)

	place(tr, 0.9, 0.5)
	s.evaluate(10 * time.Millisecond)
	assert.Nil(t, tr.LastZone)
	assert.Zero(t, tr.ZoneDwell)

	place(tr, 0.5, 0.5)
	s.evaluate(10 * time.Millisecond)
	assert.Zero(t, tr.ZoneDwell, "re-entry starts from zero")
	s.evaluate(2500 * time.Millisecond)

	assert.Empty(t, s.fired)
	assert.Equal(t, 2500*time.Millisecond, tr.ZoneDwell)
}

func TestZone_DerivedLabels(t *testing.T) {
	square := []geometry.Point{{X: 0.3, Y: 0.3}, {X: 0.7, Y: 0.3}, {X: 0.7, Y: 0.7}, {X: 0.3, Y: 0.7}}
	tests := []struct {
		typ  geometry.PrimitiveType
		want string
	}{
		{geometry.TypeBoxJunction, LabelZoneBlocking},
		{geometry.TypeZone, LabelZoneBlocking},
		{geometry.TypePedestrian, LabelCrosswalkBlocked},
		{geometry.TypeBusLane, LabelBusLane},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			s := newScene(t, geometry.Primitive{ID: "z", Type: tt.typ, Points: square})
			s.step(0.5, 0.5, 0)
			s.evaluate(6 * time.Second)
			require.Len(t, s.fired, 1)
			assert.Equal(t, tt.want, s.fired[0].Label)
		})
	}
}

func TestZoneAndLineKeysDoNotCollide(t *testing.T) {
	s := crossStopLine(t, 4*time.Second)
	require.True(t, s.track().IsProcessed("s1"))

	// The same id is later reconfigured as a zone around the track.
	zone, errs := geometry.NewSnapshot([]geometry.Primitive{{
		ID: "s1", Type: geometry.TypeBoxJunction,
		Points: []geometry.Point{{X: 0.4, Y: 0.4}, {X: 0.7, Y: 0.4}, {X: 0.7, Y: 0.6}, {X: 0.4, Y: 0.6}},
	}})
	require.Empty(t, errs)
	s.snap = zone

	s.evaluate(0)
	s.evaluate(6 * time.Second)
	require.Len(t, s.fired, 1)
	assert.Equal(t, "zone:s1", s.fired[0].Key)
}

func TestAuditedTracksAreSkipped(t *testing.T) {
	s := newScene(t, junction)
	s.step(0.5, 0.5, 0)
	tr := s.track()
	tr.Audited = true

	s.evaluate(10 * time.Second)
	assert.Empty(t, s.fired)
	assert.Zero(t, tr.ZoneDwell)
	assert.Zero(t, s.capture.calls)
}

func TestEvaluate_EmptyGeometry(t *testing.T) {
	s := newScene(t)
	s.step(0.5, 0.5, time.Second)
	assert.Empty(t, s.fired)

	var nilSnap *geometry.Snapshot
	out := s.det.Evaluate(context.Background(), s.tracker.Tracks(), nilSnap, time.Second, s.now)
	assert.Empty(t, out.Candidates)
}
