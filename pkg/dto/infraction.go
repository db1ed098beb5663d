package dto

import "github.com/google/uuid"

type Kinematics struct {
	Speed            float64 `json:"speed"`
	Heading          float64 `json:"heading"`
	DwellMS          int64   `json:"dwell_ms"`
	TrajectoryLength float64 `json:"trajectory_length"`
	Anomaly          bool    `json:"anomaly"`
}

type InfractionResponse struct {
	ID          uuid.UUID  `json:"id"`
	StreamID    uuid.UUID  `json:"stream_id"`
	TrackID     int64      `json:"track_id"`
	ObjectLabel string     `json:"object_label"`
	PrimitiveID string     `json:"primitive_id"`
	Label       string     `json:"label"`
	Timestamp   string     `json:"timestamp"`
	Status      string     `json:"status"`
	Severity    string     `json:"severity,omitempty"`
	Narrative   string     `json:"narrative,omitempty"`
	Kinematics  Kinematics `json:"kinematics"`
	EvidenceURL string     `json:"evidence_url,omitempty"`
	CreatedAt   string     `json:"created_at"`
}

type InfractionListResponse struct {
	Infractions []InfractionResponse `json:"infractions"`
	Total       int                  `json:"total"`
}

type SimilarInfraction struct {
	Infraction InfractionResponse `json:"infraction"`
	Distance   float64            `json:"distance"`
}

type SimilarResponse struct {
	ID      uuid.UUID           `json:"id"`
	Matches []SimilarInfraction `json:"matches"`
}
