package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/storage"
	"github.com/your-org/lanewatch/pkg/dto"
)

type StreamHandler struct {
	db             StreamStore
	objects        ObjectStore
	evidencePrefix string
	frameWidth     int
	frameHeight    int
}

// NewStreamHandler creates stream handlers. Width and height are the frame
// size used when a create request leaves it out.
func NewStreamHandler(db StreamStore, objects ObjectStore, evidencePrefix string, width, height int) *StreamHandler {
	return &StreamHandler{
		db:             db,
		objects:        objects,
		evidencePrefix: evidencePrefix,
		frameWidth:     width,
		frameHeight:    height,
	}
}

func (h *StreamHandler) Create(c *gin.Context) {
	var req dto.CreateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st := &models.Stream{
		Name:        req.Name,
		FrameWidth:  req.FrameWidth,
		FrameHeight: req.FrameHeight,
	}
	if st.FrameWidth == 0 {
		st.FrameWidth = h.frameWidth
	}
	if st.FrameHeight == 0 {
		st.FrameHeight = h.frameHeight
	}

	if err := h.db.CreateStream(c.Request.Context(), st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, streamToResponse(st))
}

func (h *StreamHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}

	st, err := h.db.GetStream(c.Request.Context(), id)
	if err != nil {
		storeError(c, "stream", err)
		return
	}

	c.JSON(http.StatusOK, streamToResponse(st))
}

func (h *StreamHandler) List(c *gin.Context) {
	streams, err := h.db.ListStreams(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.StreamResponse, 0, len(streams))
	for _, st := range streams {
		resp = append(resp, streamToResponse(&st))
	}

	c.JSON(http.StatusOK, dto.StreamListResponse{Streams: resp, Total: len(resp)})
}

// Delete removes the stream, its geometry and infractions, then purges its
// evidence objects. A purge failure is logged only.
func (h *StreamHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}

	if err := h.db.DeleteStream(c.Request.Context(), id); err != nil {
		storeError(c, "stream", err)
		return
	}

	if h.objects != nil {
		n, err := h.objects.DeletePrefix(c.Request.Context(), storage.StreamPrefix(h.evidencePrefix, id))
		if err != nil {
			slog.Warn("purge stream evidence", "stream_id", id, "error", err)
		} else if n > 0 {
			slog.Info("purged stream evidence", "stream_id", id, "objects", n)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func streamToResponse(st *models.Stream) dto.StreamResponse {
	return dto.StreamResponse{
		ID:          st.ID,
		Name:        st.Name,
		FrameWidth:  st.FrameWidth,
		FrameHeight: st.FrameHeight,
		Status:      string(st.Status),
		CreatedAt:   st.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   st.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
