package models

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Box is an axis-aligned box in normalized [0,1] scene coordinates.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Center returns the box centroid.
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Recenter returns a box of the same size centered on (cx, cy).
func (b Box) Recenter(cx, cy float64) Box {
	return Box{X: cx - b.W/2, Y: cy - b.H/2, W: b.W, H: b.H}
}

// Valid reports whether every coordinate is finite and the size is positive.
func (b Box) Valid() bool {
	for _, v := range [...]float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.W > 0 && b.H > 0
}

// Detection is one object reported by the external detector for a single frame.
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   Box     `json:"box"`
}

// DetectionBatch is the message published to NATS for one detector cycle.
type DetectionBatch struct {
	StreamID   uuid.UUID   `json:"stream_id"`
	Seq        uint64      `json:"seq"`
	Timestamp  time.Time   `json:"timestamp"`
	FrameRef   string      `json:"frame_ref,omitempty"` // MinIO key of the source frame
	Error      string      `json:"error,omitempty"`     // detector failure for this cycle
	Detections []Detection `json:"detections"`
}

// ObjectClass groups detector labels by how many confirmations they need.
type ObjectClass int

const (
	ClassVehicle ObjectClass = iota
	ClassPedestrian
)

var pedestrianLabels = map[string]bool{
	"person":     true,
	"pedestrian": true,
	"people":     true,
}

// ClassOf maps a detector label to its object class.
func ClassOf(label string) ObjectClass {
	if pedestrianLabels[strings.ToLower(label)] {
		return ClassPedestrian
	}
	return ClassVehicle
}
