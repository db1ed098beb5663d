package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
)

var errUnknownStream = errors.New("unknown stream")

type fakeSource struct {
	mu      sync.Mutex
	streams map[uuid.UUID]*models.Stream
	prims   map[uuid.UUID][]geometry.Primitive
	gates   map[uuid.UUID]chan struct{}
	loads   int
}

func (f *fakeSource) GetStream(_ context.Context, id uuid.UUID) (*models.Stream, error) {
	f.mu.Lock()
	f.loads++
	st, ok := f.streams[id]
	gate := f.gates[id]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, errUnknownStream
	}
	return st, nil
}

func (f *fakeSource) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeSource) ListPrimitives(_ context.Context, id uuid.UUID) ([]geometry.Primitive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prims[id], nil
}

func newSource() *fakeSource {
	return &fakeSource{
		streams: map[uuid.UUID]*models.Stream{
			testStream: {ID: testStream, Name: "north gate", FrameWidth: 1920, FrameHeight: 1080},
		},
		prims: map[uuid.UUID][]geometry.Primitive{
			testStream: {{ID: "s1", Type: geometry.TypeStopLine, X1: 0.1, Y1: 0.5, X2: 0.9, Y2: 0.5}},
		},
	}
}

func TestRegistry_CreatesEngineOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newSource()
	r := NewRegistry(ctx, testConfig(), src, &fakeCapturer{}, &fakeDispatcher{}, nil, nil)

	e1, err := r.Get(ctx, testStream)
	require.NoError(t, err)
	e2, err := r.Get(ctx, testStream)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Equal(t, 1, src.loads)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, e1.Geometry().Len())
	assert.Equal(t, 1920, e1.cfg.FrameWidth)
	assert.Equal(t, 1080, e1.cfg.Rules.FrameHeight)

	cancel()
	r.Wait()
}

func TestRegistry_UnknownStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRegistry(ctx, testConfig(), newSource(), nil, nil, nil, nil)

	err := r.Submit(ctx, models.DetectionBatch{StreamID: uuid.New()})
	assert.ErrorIs(t, err, errUnknownStream)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RemembersUnknownStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := newSource()
	r := NewRegistry(ctx, testConfig(), src, nil, nil, nil, nil)
	clock := t0
	r.now = func() time.Time { return clock }

	id := uuid.New()
	for i := 0; i < 3; i++ {
		_, err := r.Get(ctx, id)
		assert.ErrorIs(t, err, errUnknownStream)
	}
	assert.Equal(t, 1, src.loadCount())

	// Registered in the meantime; picked up once the miss expires.
	src.mu.Lock()
	src.streams[id] = &models.Stream{ID: id}
	src.mu.Unlock()
	clock = clock.Add(missTTL)

	e, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, e.StreamID())
	assert.Equal(t, 2, src.loadCount())

	cancel()
	r.Wait()
}

func TestRegistry_SlowLoadDoesNotBlockOtherStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newSource()
	slow := uuid.New()
	gate := make(chan struct{})
	src.streams[slow] = &models.Stream{ID: slow}
	src.gates = map[uuid.UUID]chan struct{}{slow: gate}
	r := NewRegistry(ctx, testConfig(), src, nil, nil, nil, nil)

	slowDone := make(chan error, 1)
	go func() {
		_, err := r.Get(ctx, slow)
		slowDone <- err
	}()
	require.Eventually(t, func() bool { return src.loadCount() == 1 }, time.Second, 5*time.Millisecond)

	fast := make(chan error, 1)
	go func() {
		_, err := r.Get(ctx, testStream)
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("known stream blocked behind a slow load")
	}

	close(gate)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 2, r.Len())

	cancel()
	r.Wait()
}

func TestRegistry_SubmitRunsCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan RenderFrame, 8)
	r := NewRegistry(ctx, testConfig(), newSource(), &fakeCapturer{}, &fakeDispatcher{},
		func(f RenderFrame) { frames <- f }, nil)

	require.NoError(t, r.Submit(ctx, batch(1, car(0.5, 0.3))))

	select {
	case f := <-frames:
		assert.Equal(t, testStream, f.StreamID)
		assert.Len(t, f.Tracks, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no render frame")
	}
	assert.Equal(t, int64(1), r.Stats()[testStream.String()].Cycles)

	cancel()
	r.Wait()
	_, err := r.Get(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestRegistry_ApplyGeometry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx, testConfig(), newSource(), nil, nil, nil, nil)

	update := models.GeometryUpdate{StreamID: testStream, Primitives: []geometry.Primitive{
		{ID: "a", Type: geometry.TypeForbiddenLine, X1: 0, Y1: 0.2, X2: 1, Y2: 0.2},
		{ID: "b", Type: geometry.TypeLaneDivider, X1: 0.5, Y1: 0, X2: 0.5, Y2: 1},
	}}
	assert.False(t, r.ApplyGeometry(update), "no engine yet")

	e, err := r.Get(ctx, testStream)
	require.NoError(t, err)
	assert.True(t, r.ApplyGeometry(update))
	assert.Equal(t, 2, e.Geometry().Len())

	cancel()
	r.Wait()
}
