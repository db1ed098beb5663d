package dto

import "github.com/google/uuid"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Primitive is a line (x1..y2) or, when it has three or more points, a zone.
// Coordinates are normalized to [0,1].
type Primitive struct {
	ID     string  `json:"id" binding:"required"`
	Label  string  `json:"label"`
	Type   string  `json:"type" binding:"required"`
	X1     float64 `json:"x1"`
	Y1     float64 `json:"y1"`
	X2     float64 `json:"x2"`
	Y2     float64 `json:"y2"`
	Points []Point `json:"points,omitempty"`
}

type GeometryRequest struct {
	Primitives []Primitive `json:"primitives" binding:"dive"`
}

type GeometryResponse struct {
	StreamID   uuid.UUID   `json:"stream_id"`
	Primitives []Primitive `json:"primitives"`
}
