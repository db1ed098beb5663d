package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/lanewatch/internal/models"
)

const (
	DetectionsStreamName  = "DETECTIONS"
	DetectionsSubjectBase = "detections"
	AuditsStreamName      = "AUDITS"
	AuditsSubjectBase     = "audits"
	VerdictsStreamName    = "VERDICTS"
	VerdictsSubjectBase   = "verdicts"

	// Core NATS subjects, not persisted.
	GeometrySubject   = "geometry.update"
	RenderSubjectBase = "render"
)

func connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

// StreamConfigs lists the JetStream streams the services rely on.
func StreamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:        DetectionsStreamName,
			Subjects:    []string{DetectionsSubjectBase + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      time.Minute,
			MaxMsgs:     100000,
			MaxBytes:    256 * 1024 * 1024,
			Storage:     jetstream.MemoryStorage,
			Discard:     jetstream.DiscardOld,
			Duplicates:  30 * time.Second,
			Description: "Per-frame detection batches for tracking workers",
		},
		{
			Name:        AuditsStreamName,
			Subjects:    []string{AuditsSubjectBase + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      72 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Duplicates:  2 * time.Minute,
			Description: "Audit requests for the forensic service",
		},
		{
			Name:        VerdictsStreamName,
			Subjects:    []string{VerdictsSubjectBase + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      72 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Verdicts returned by the forensic service",
		},
	}
}

// EnsureStreams creates JetStream streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	streams := StreamConfigs()

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
			slog.Info("ensured NATS stream", "name", cfg.Name)
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

func DetectionsSubject(streamID uuid.UUID) string {
	return DetectionsSubjectBase + "." + streamID.String()
}

func AuditsSubject(streamID uuid.UUID) string {
	return AuditsSubjectBase + "." + streamID.String()
}

func VerdictsSubject(streamID uuid.UUID) string {
	return VerdictsSubjectBase + "." + streamID.String()
}

func RenderSubject(streamID uuid.UUID) string {
	return RenderSubjectBase + "." + streamID.String()
}

func (p *Producer) publishJSON(ctx context.Context, subject, what string, data any, opts ...jetstream.PublishOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", what, err)
	}
	if _, err := p.js.Publish(ctx, subject, payload, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", what, err)
	}
	return nil
}

// PublishDetections publishes one detection batch. The batch sequence is the
// dedup id, so a replayed batch within the window is stored once.
func (p *Producer) PublishDetections(ctx context.Context, batch models.DetectionBatch) error {
	msgID := fmt.Sprintf("%s-%d", batch.StreamID, batch.Seq)
	return p.publishJSON(ctx, DetectionsSubject(batch.StreamID), "detection batch", batch, jetstream.WithMsgID(msgID))
}

// PublishAudit hands an audit request to the forensic service.
func (p *Producer) PublishAudit(ctx context.Context, req models.AuditRequest) error {
	return p.publishJSON(ctx, AuditsSubject(req.StreamID), "audit request", req, jetstream.WithMsgID(req.ID.String()))
}

// PublishVerdict answers an audit request on the forensic service's behalf.
func (p *Producer) PublishVerdict(ctx context.Context, v models.Verdict) error {
	return p.publishJSON(ctx, VerdictsSubject(v.StreamID), "verdict", v)
}

// PublishRender sends a render frame via raw NATS (not JetStream).
// Frames are best-effort; a slow subscriber just misses some.
func (p *Producer) PublishRender(streamID uuid.UUID, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal render frame: %w", err)
	}
	return p.nc.Publish(RenderSubject(streamID), payload)
}

// PublishGeometry broadcasts a geometry replacement to the workers.
func (p *Producer) PublishGeometry(update models.GeometryUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal geometry update: %w", err)
	}
	return p.nc.Publish(GeometrySubject, payload)
}

// QueueDepth returns the number of pending messages in the DETECTIONS stream.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, DetectionsStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
