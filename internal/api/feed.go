package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/api/handlers"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/observability"
	"github.com/your-org/lanewatch/internal/queue"
	"github.com/your-org/lanewatch/internal/storage"
	"github.com/your-org/lanewatch/pkg/dto"
)

// InfractionRecorder persists audit requests and verdicts.
type InfractionRecorder interface {
	CreateInfraction(ctx context.Context, req models.AuditRequest) (*models.Infraction, bool, error)
	ApplyVerdict(ctx context.Context, v models.Verdict) (*models.Infraction, error)
}

// Broadcaster pushes events to WebSocket clients.
type Broadcaster interface {
	Broadcast(typ string, streamID uuid.UUID, v any)
	BroadcastRaw(typ string, streamID uuid.UUID, data []byte)
}

// Feed turns queue messages into stored infractions and WebSocket events.
type Feed struct {
	store InfractionRecorder
	hub   Broadcaster
}

func NewFeed(store InfractionRecorder, hub Broadcaster) *Feed {
	return &Feed{store: store, hub: hub}
}

// RecordAudit stores an audit request as a pending infraction. A
// redelivered request is acknowledged without a second broadcast.
func (f *Feed) RecordAudit(ctx context.Context, data []byte) error {
	var req models.AuditRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("drop malformed audit request", "error", err)
		return nil
	}

	inf, created, err := f.store.CreateInfraction(ctx, req)
	if err != nil {
		return fmt.Errorf("record infraction %s: %w", req.ID, err)
	}
	if !created {
		return nil
	}
	f.hub.Broadcast(dto.WSTypeInfraction, inf.StreamID, handlers.InfractionToResponse(inf))
	return nil
}

// ApplyVerdict updates the infraction a verdict answers. A verdict for a
// request not recorded yet is deferred; its audit may still be queued.
func (f *Feed) ApplyVerdict(ctx context.Context, data []byte) error {
	var v models.Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("drop malformed verdict", "error", err)
		return nil
	}
	inf, err := f.store.ApplyVerdict(ctx, v)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("verdict for unrecorded request %s: %w", v.RequestID, queue.ErrRetryLater)
	}
	if err != nil {
		return fmt.Errorf("apply verdict %s: %w", v.RequestID, err)
	}
	observability.VerdictsReceived.WithLabelValues(strconv.FormatBool(v.Infraction)).Inc()
	f.hub.Broadcast(dto.WSTypeVerdict, inf.StreamID, handlers.InfractionToResponse(inf))
	return nil
}

// RelayRender forwards an encoded render frame unchanged.
func (f *Feed) RelayRender(streamID uuid.UUID, data []byte) {
	f.hub.BroadcastRaw(dto.WSTypeRender, streamID, data)
}
