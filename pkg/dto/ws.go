package dto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// WebSocket event types.
const (
	WSTypeRender     = "render"
	WSTypeInfraction = "infraction"
	WSTypeVerdict    = "verdict"
)

// WSEvent is the envelope pushed to WebSocket clients.
type WSEvent struct {
	Type     string          `json:"type"`
	StreamID uuid.UUID       `json:"stream_id"`
	Data     json.RawMessage `json:"data"`
}
