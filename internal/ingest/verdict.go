package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/your-org/lanewatch/internal/models"
)

type VerdictPublisher interface {
	PublishVerdict(ctx context.Context, v models.Verdict) error
}

// StubVerdict confirms every audit request. Anomalous motion is rated high,
// everything else medium.
func StubVerdict(req models.AuditRequest) models.Verdict {
	severity := "medium"
	if req.Kinematics.Anomaly {
		severity = "high"
	}
	return models.Verdict{
		RequestID:  req.ID,
		StreamID:   req.StreamID,
		Infraction: true,
		Severity:   severity,
		Narrative: fmt.Sprintf("track %d (%s) %s at %s, %.1f px/frame",
			req.TrackID, req.ObjectLabel, req.Label, req.PrimitiveID, req.Kinematics.Speed),
	}
}

// AnswerAudit decodes an audit request and publishes a stub verdict for it.
// Undecodable requests are dropped.
func AnswerAudit(ctx context.Context, pub VerdictPublisher, data []byte) error {
	var req models.AuditRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("drop malformed audit request", "error", err)
		return nil
	}
	if err := pub.PublishVerdict(ctx, StubVerdict(req)); err != nil {
		return fmt.Errorf("answer audit %s: %w", req.ID, err)
	}
	return nil
}
