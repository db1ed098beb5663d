package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
)

// StreamSource loads the settings a new engine starts from.
type StreamSource interface {
	GetStream(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	ListPrimitives(ctx context.Context, streamID uuid.UUID) ([]geometry.Primitive, error)
}

// missTTL is how long a failed stream lookup is remembered.
const missTTL = 5 * time.Second

type miss struct {
	err   error
	until time.Time
}

// Registry owns one running Engine per stream. Engines are created on the
// first batch for their stream and stopped when the registry's context ends.
type Registry struct {
	base     Config
	source   StreamSource
	capture  FrameCapturer
	dispatch Dispatcher
	onFrame  func(RenderFrame)
	log      *slog.Logger
	now      func() time.Time

	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex
	engines map[uuid.UUID]*Engine
	misses  map[uuid.UUID]miss
}

// NewRegistry returns a registry whose engines run until ctx is done. base is
// copied for every engine; its StreamID is ignored.
func NewRegistry(ctx context.Context, base Config, source StreamSource, capture FrameCapturer, dispatch Dispatcher, onFrame func(RenderFrame), log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		base:     base,
		source:   source,
		capture:  capture,
		dispatch: dispatch,
		onFrame:  onFrame,
		log:      log,
		now:      time.Now,
		ctx:      ctx,
		engines:  make(map[uuid.UUID]*Engine),
		misses:   make(map[uuid.UUID]miss),
	}
}

// Get returns the engine of a stream, starting it if needed. Unknown streams
// return the source's error, which is served from memory for missTTL.
func (r *Registry) Get(ctx context.Context, streamID uuid.UUID) (*Engine, error) {
	if e, err := r.lookup(streamID); e != nil || err != nil {
		return e, err
	}

	// Load without holding mu; other streams keep flowing meanwhile.
	st, err := r.source.GetStream(ctx, streamID)
	if err != nil {
		err = fmt.Errorf("load stream %s: %w", streamID, err)
		r.mu.Lock()
		r.misses[streamID] = miss{err: err, until: r.now().Add(missTTL)}
		r.mu.Unlock()
		return nil, err
	}
	prims, err := r.source.ListPrimitives(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load geometry %s: %w", streamID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[streamID]; ok {
		return e, nil
	}
	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("registry closed: %w", r.ctx.Err())
	}
	return r.start(streamID, st, prims), nil
}

func (r *Registry) lookup(streamID uuid.UUID) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[streamID]; ok {
		return e, nil
	}
	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("registry closed: %w", r.ctx.Err())
	}
	if m, ok := r.misses[streamID]; ok {
		if r.now().Before(m.until) {
			return nil, m.err
		}
		delete(r.misses, streamID)
	}
	return nil, nil
}

// start creates and runs an engine. Call with mu held.
func (r *Registry) start(streamID uuid.UUID, st *models.Stream, prims []geometry.Primitive) *Engine {
	cfg := r.base
	cfg.StreamID = streamID
	if st.FrameWidth > 0 && st.FrameHeight > 0 {
		cfg.FrameWidth = st.FrameWidth
		cfg.FrameHeight = st.FrameHeight
		cfg.Rules.FrameWidth = st.FrameWidth
		cfg.Rules.FrameHeight = st.FrameHeight
	}

	e := New(cfg, r.capture, r.dispatch, r.log)
	e.SetGeometry(prims)
	if r.onFrame != nil {
		e.OnFrame(r.onFrame)
	}
	r.engines[streamID] = e

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := e.Run(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("engine exited", "stream_id", streamID, "error", err)
		}
	}()

	r.log.Info("engine created", "stream_id", streamID, "name", st.Name,
		"frame_width", cfg.FrameWidth, "frame_height", cfg.FrameHeight)
	return e
}

// Submit hands a batch to its stream's engine.
func (r *Registry) Submit(ctx context.Context, batch models.DetectionBatch) error {
	e, err := r.Get(ctx, batch.StreamID)
	if err != nil {
		return err
	}
	e.Submit(batch)
	return nil
}

// ApplyGeometry installs an update on a running engine. Streams without an
// engine pick up the stored geometry when they start.
func (r *Registry) ApplyGeometry(update models.GeometryUpdate) bool {
	r.mu.Lock()
	e, ok := r.engines[update.StreamID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.SetGeometry(update.Primitives)
	return true
}

// Stats reports every engine's counters keyed by stream id.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.engines))
	for id, e := range r.engines {
		out[id.String()] = e.Stats()
	}
	return out
}

// StreamIDs lists the streams with a running engine.
func (r *Registry) StreamIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Wait blocks until every engine has stopped. Cancel the registry's context
// first.
func (r *Registry) Wait() {
	r.wg.Wait()
}
