package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/storage"
	"github.com/your-org/lanewatch/pkg/dto"
)

type InfractionHandler struct {
	db      InfractionStore
	objects ObjectStore
}

func NewInfractionHandler(db InfractionStore, objects ObjectStore) *InfractionHandler {
	return &InfractionHandler{db: db, objects: objects}
}

// List returns a stream's infractions, newest first.
// Query: status=pending|confirmed|rejected, limit, offset.
func (h *InfractionHandler) List(c *gin.Context) {
	streamID, ok := parseID(c, "stream")
	if !ok {
		return
	}

	status := models.InfractionStatus(c.Query("status"))
	switch status {
	case "", models.InfractionPending, models.InfractionConfirmed, models.InfractionRejected:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	infractions, total, err := h.db.ListInfractions(c.Request.Context(), storage.InfractionFilter{
		StreamID: streamID,
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.InfractionResponse, 0, len(infractions))
	for i := range infractions {
		resp = append(resp, InfractionToResponse(&infractions[i]))
	}
	c.JSON(http.StatusOK, dto.InfractionListResponse{Infractions: resp, Total: total})
}

func (h *InfractionHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "infraction")
	if !ok {
		return
	}

	inf, err := h.db.GetInfraction(c.Request.Context(), id)
	if err != nil {
		storeError(c, "infraction", err)
		return
	}
	c.JSON(http.StatusOK, InfractionToResponse(inf))
}

// Evidence proxies the evidence snapshot from MinIO.
func (h *InfractionHandler) Evidence(c *gin.Context) {
	id, ok := parseID(c, "infraction")
	if !ok {
		return
	}

	inf, err := h.db.GetInfraction(c.Request.Context(), id)
	if err != nil {
		storeError(c, "infraction", err)
		return
	}
	if inf.SnapshotKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no evidence for infraction"})
		return
	}

	data, contentType, err := h.objects.GetObject(c.Request.Context(), inf.SnapshotKey)
	if err != nil {
		storeError(c, "evidence", err)
		return
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	c.Data(http.StatusOK, contentType, data)
}

// Similar ranks other infractions by trajectory similarity. Query: limit.
func (h *InfractionHandler) Similar(c *gin.Context) {
	id, ok := parseID(c, "infraction")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit > 100 {
		limit = 100
	}

	matches, err := h.db.SimilarInfractions(c.Request.Context(), id, limit)
	if err != nil {
		storeError(c, "infraction", err)
		return
	}

	resp := dto.SimilarResponse{ID: id, Matches: make([]dto.SimilarInfraction, 0, len(matches))}
	for i := range matches {
		resp.Matches = append(resp.Matches, dto.SimilarInfraction{
			Infraction: InfractionToResponse(&matches[i].Infraction),
			Distance:   matches[i].Distance,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// InfractionToResponse is shared with the WebSocket feed.
func InfractionToResponse(inf *models.Infraction) dto.InfractionResponse {
	r := dto.InfractionResponse{
		ID:          inf.ID,
		StreamID:    inf.StreamID,
		TrackID:     inf.TrackID,
		ObjectLabel: inf.ObjectLabel,
		PrimitiveID: inf.PrimitiveID,
		Label:       inf.Label,
		Timestamp:   inf.Timestamp.UTC().Format(time.RFC3339Nano),
		Status:      string(inf.Status),
		Severity:    inf.Severity,
		Narrative:   inf.Narrative,
		Kinematics: dto.Kinematics{
			Speed:            inf.Kinematics.Speed,
			Heading:          inf.Kinematics.Heading,
			DwellMS:          inf.Kinematics.DwellMS,
			TrajectoryLength: inf.Kinematics.TrajectoryLength,
			Anomaly:          inf.Kinematics.Anomaly,
		},
		CreatedAt: inf.CreatedAt.UTC().Format(time.RFC3339),
	}
	if inf.SnapshotKey != "" {
		r.EvidenceURL = "/v1/infractions/" + inf.ID.String() + "/evidence"
	}
	return r
}
