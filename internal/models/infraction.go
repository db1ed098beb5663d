package models

import (
	"time"

	"github.com/google/uuid"
)

// Evidence references captured images for one candidate.
type Evidence struct {
	SnapshotKey string   `json:"snapshot_key"`
	ClipKeys    []string `json:"clip_keys,omitempty"`
}

// Kinematics summarizes a track's motion at the time it fired.
type Kinematics struct {
	Speed            float64 `json:"speed"`   // pixels per frame
	Heading          float64 `json:"heading"` // degrees, 0 = +x, clockwise in image space
	DwellMS          int64   `json:"dwell_ms"`
	TrajectoryLength float64 `json:"trajectory_length"` // pixels
	Anomaly          bool    `json:"anomaly"`
}

// AuditRequest is the message handed to the external forensic service.
type AuditRequest struct {
	ID            uuid.UUID  `json:"id"`
	StreamID      uuid.UUID  `json:"stream_id"`
	TrackID       int64      `json:"track_id"`
	ObjectLabel   string     `json:"object_label"`
	PrimitiveID   string     `json:"primitive_id"`
	PrimitiveType string     `json:"primitive_type"`
	Label         string     `json:"label"` // derived label, e.g. stop-violation
	Timestamp     time.Time  `json:"timestamp"`
	Evidence      Evidence   `json:"evidence"`
	Kinematics    Kinematics `json:"kinematics"`
	Trajectory    []float32  `json:"trajectory"` // resampled descriptor, see audit.Descriptor
}

// Verdict is returned by the forensic service for one AuditRequest.
type Verdict struct {
	RequestID  uuid.UUID `json:"request_id"`
	StreamID   uuid.UUID `json:"stream_id"`
	Infraction bool      `json:"infraction"`
	Severity   string    `json:"severity"`
	Narrative  string    `json:"narrative"`
}

type InfractionStatus string

const (
	InfractionPending   InfractionStatus = "pending"
	InfractionConfirmed InfractionStatus = "confirmed"
	InfractionRejected  InfractionStatus = "rejected"
)

// Infraction is the stored record of an audit request and its verdict.
type Infraction struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	StreamID    uuid.UUID        `json:"stream_id" db:"stream_id"`
	TrackID     int64            `json:"track_id" db:"track_id"`
	ObjectLabel string           `json:"object_label" db:"object_label"`
	PrimitiveID string           `json:"primitive_id" db:"primitive_id"`
	Label       string           `json:"label" db:"label"`
	Timestamp   time.Time        `json:"timestamp" db:"timestamp"`
	SnapshotKey string           `json:"snapshot_key" db:"snapshot_key"`
	Kinematics  Kinematics       `json:"kinematics" db:"kinematics"`
	Trajectory  []float32        `json:"-" db:"trajectory"`
	Status      InfractionStatus `json:"status" db:"status"`
	Severity    string           `json:"severity,omitempty" db:"severity"`
	Narrative   string           `json:"narrative,omitempty" db:"narrative"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}
