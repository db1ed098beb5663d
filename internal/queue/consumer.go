package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/lanewatch/internal/models"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

// ErrRetryLater marks a message that cannot be handled yet. It is
// redelivered after a delay that grows with each attempt.
var ErrRetryLater = errors.New("queue: retry later")

const (
	maxDeliver      = 5
	redeliveryDelay = 2 * time.Second
)

// RedeliveryDelay is the wait before the next attempt of a deferred message.
func RedeliveryDelay(delivered uint64) time.Duration {
	if delivered < 1 {
		delivered = 1
	}
	return time.Duration(delivered) * redeliveryDelay
}

// settle acks, defers or naks a message according to the handler result.
func settle(msg jetstream.Msg, streamName string, err error) {
	if err == nil {
		_ = msg.Ack()
		return
	}
	if !errors.Is(err, ErrRetryLater) {
		slog.Error("process message error", "stream", streamName, "error", err)
		_ = msg.Nak()
		return
	}

	delivered := uint64(1)
	if meta, merr := msg.Metadata(); merr == nil {
		delivered = meta.NumDelivered
	}
	if delivered >= maxDeliver {
		slog.Warn("dropping deferred message", "stream", streamName, "delivered", delivered, "error", err)
		_ = msg.Term()
		return
	}
	slog.Info("message deferred", "stream", streamName, "delivered", delivered, "error", err)
	_ = msg.NakWithDelay(RedeliveryDelay(delivered))
}

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeDetections starts consuming detection batches from the DETECTIONS
// stream. workerCount determines how many goroutines process messages
// concurrently. Batches are never redelivered.
func (c *Consumer) ConsumeDetections(ctx context.Context, consumerName string, handler MessageHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, DetectionsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", DetectionsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Second,
		MaxDeliver:    1,
		FilterSubject: DetectionsSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	go func() {
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(workerCount*4, jetstream.FetchMaxWait(time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch detections error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process detections error", "worker", workerID, "error", err, "subject", msg.Subject())
					_ = msg.Term()
				} else {
					_ = msg.Ack()
				}
			}
		}(i)
	}

	slog.Info("detection consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeAudits starts consuming audit requests (the API records them as
// pending infractions).
func (c *Consumer) ConsumeAudits(ctx context.Context, consumerName string, handler MessageHandler) error {
	return c.consume(ctx, AuditsStreamName, AuditsSubjectBase+".>", consumerName, handler)
}

// ConsumeVerdicts starts consuming verdicts from the forensic service.
func (c *Consumer) ConsumeVerdicts(ctx context.Context, consumerName string, handler MessageHandler) error {
	return c.consume(ctx, VerdictsStreamName, VerdictsSubjectBase+".>", consumerName, handler)
}

func (c *Consumer) consume(ctx context.Context, streamName, subject, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", streamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    maxDeliver,
		FilterSubject: subject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				settle(msg, streamName, handler(ctx, msg))
			}
		}
	}()

	slog.Info("consumer started", "stream", streamName, "consumer", consumerName)
	return nil
}

// SubscribeGeometry delivers geometry replacements published by the API.
func (c *Consumer) SubscribeGeometry(handler func(models.GeometryUpdate)) (*nats.Subscription, error) {
	return c.nc.Subscribe(GeometrySubject, func(m *nats.Msg) {
		var update models.GeometryUpdate
		if err := json.Unmarshal(m.Data, &update); err != nil {
			slog.Warn("bad geometry update", "error", err)
			return
		}
		handler(update)
	})
}

// SubscribeRender delivers raw render frames of every stream.
func (c *Consumer) SubscribeRender(handler func(streamID uuid.UUID, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(RenderSubjectBase+".*", func(m *nats.Msg) {
		id, err := StreamIDFromSubject(m.Subject)
		if err != nil {
			return
		}
		handler(id, m.Data)
	})
}

// StreamIDFromSubject extracts the stream id from "<base>.<uuid>".
func StreamIDFromSubject(subject string) (uuid.UUID, error) {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return uuid.Nil, fmt.Errorf("subject %q has no stream id", subject)
	}
	id, err := uuid.Parse(subject[i+1:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("subject %q: %w", subject, err)
	}
	return id, nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
