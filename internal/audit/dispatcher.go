// Package audit hands fired infraction candidates to the external forensic
// service without ever blocking the tracking cycle.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/observability"
	"github.com/your-org/lanewatch/internal/rules"
)

// Publisher delivers an audit request to the forensic service.
type Publisher interface {
	PublishAudit(ctx context.Context, req models.AuditRequest) error
}

// Job is one candidate queued for audit. Done, if set, is called from a
// worker goroutine once the request was published or failed.
// Frame size zero falls back to the dispatcher's.
type Job struct {
	StreamID    uuid.UUID
	Candidate   rules.Candidate
	FrameWidth  int
	FrameHeight int
	Done        func(trackID int64, err error)
}

type Config struct {
	Workers      int
	QueueSize    int
	Timeout      time.Duration
	AnomalySpeed float64 // pixels per frame
	FrameWidth   int
	FrameHeight  int
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Workers:      cfg.Audit.Workers,
		QueueSize:    cfg.Audit.QueueSize,
		Timeout:      cfg.Audit.Timeout,
		AnomalySpeed: cfg.Audit.AnomalySpeed,
		FrameWidth:   cfg.Engine.FrameWidth,
		FrameHeight:  cfg.Engine.FrameHeight,
	}
}

// Dispatcher is a bounded fire-and-forget worker pool. Audit outcomes never
// flow back into tracking beyond the Done callback.
type Dispatcher struct {
	cfg  Config
	pub  Publisher
	log  *slog.Logger
	jobs chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(cfg Config, pub Publisher, log *slog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:  cfg,
		pub:  pub,
		log:  log,
		jobs: make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. They exit when Close is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func(workerID int) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.jobs:
					if !ok {
						return
					}
					d.handle(ctx, workerID, job)
				}
			}
		}(i)
	}
	d.log.Info("audit dispatcher started", "workers", d.cfg.Workers, "queue", d.cfg.QueueSize)
}

// Dispatch enqueues a job without blocking. It returns false when the queue
// is full or the dispatcher is closed; the job is then dropped.
func (d *Dispatcher) Dispatch(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		observability.AuditsDropped.Inc()
		d.log.Warn("audit queue full, dropping request",
			"stream_id", job.StreamID, "track", job.Candidate.TrackID, "label", job.Candidate.Label)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

// Build turns a queued candidate into the wire request.
func (d *Dispatcher) Build(job Job) models.AuditRequest {
	c := job.Candidate
	w, h := job.FrameWidth, job.FrameHeight
	if w <= 0 || h <= 0 {
		w, h = d.cfg.FrameWidth, d.cfg.FrameHeight
	}
	return models.AuditRequest{
		ID:            uuid.New(),
		StreamID:      job.StreamID,
		TrackID:       c.TrackID,
		ObjectLabel:   c.ObjectLabel,
		PrimitiveID:   c.PrimitiveID,
		PrimitiveType: string(c.PrimitiveType),
		Label:         c.Label,
		Timestamp:     c.At,
		Evidence:      c.Evidence,
		Kinematics:    Summarize(c.Track, w, h, d.cfg.AnomalySpeed),
		Trajectory:    Descriptor(c.Track.Trail),
	}
}

func (d *Dispatcher) handle(ctx context.Context, workerID int, job Job) {
	req := d.Build(job)

	reqCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	err := d.publish(reqCtx, req)
	if err != nil {
		observability.AuditsFailed.Inc()
		d.log.Error("publish audit request", "worker", workerID, "request_id", req.ID,
			"stream_id", req.StreamID, "track", req.TrackID, "error", err)
	} else {
		observability.AuditsPublished.Inc()
		d.log.Info("audit request published", "request_id", req.ID, "stream_id", req.StreamID,
			"track", req.TrackID, "label", req.Label, "anomaly", req.Kinematics.Anomaly)
	}

	if job.Done != nil {
		job.Done(job.Candidate.TrackID, err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, req models.AuditRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return d.pub.PublishAudit(ctx, req)
}
