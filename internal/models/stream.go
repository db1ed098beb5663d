package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/geometry"
)

type StreamStatus string

const (
	StreamStatusIdle    StreamStatus = "idle"
	StreamStatusRunning StreamStatus = "running"
	StreamStatusError   StreamStatus = "error"
)

// Stream is one camera scene whose detections are tracked by a worker.
type Stream struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	FrameWidth  int          `json:"frame_width" db:"frame_width"`
	FrameHeight int          `json:"frame_height" db:"frame_height"`
	Status      StreamStatus `json:"status" db:"status"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// GeometryUpdate replaces the full primitive list of one stream.
type GeometryUpdate struct {
	StreamID   uuid.UUID            `json:"stream_id"`
	Primitives []geometry.Primitive `json:"primitives"`
}
