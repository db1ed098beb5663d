package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/pkg/dto"
)

type GeometryHandler struct {
	db        GeometryStore
	publisher GeometryPublisher
}

func NewGeometryHandler(db GeometryStore, publisher GeometryPublisher) *GeometryHandler {
	return &GeometryHandler{db: db, publisher: publisher}
}

func (h *GeometryHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}
	if _, err := h.db.GetStream(c.Request.Context(), id); err != nil {
		storeError(c, "stream", err)
		return
	}

	prims, err := h.db.ListPrimitives(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.GeometryResponse{StreamID: id, Primitives: primitivesToDTO(prims)})
}

// Put replaces the stream's whole primitive list. The list is rejected with
// 422 if any primitive is invalid; otherwise it is stored and broadcast to
// the workers.
func (h *GeometryHandler) Put(c *gin.Context) {
	id, ok := parseID(c, "stream")
	if !ok {
		return
	}

	var req dto.GeometryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prims, errs := geometry.Sanitize(primitivesFromDTO(req.Primitives))
	if len(errs) > 0 {
		rejected := make([]string, len(errs))
		for i, err := range errs {
			rejected[i] = err.Error()
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid geometry", "rejected": rejected})
		return
	}

	if _, err := h.db.GetStream(c.Request.Context(), id); err != nil {
		storeError(c, "stream", err)
		return
	}
	if err := h.db.ReplacePrimitives(c.Request.Context(), id, prims); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.publisher.PublishGeometry(models.GeometryUpdate{StreamID: id, Primitives: prims}); err != nil {
		slog.Warn("broadcast geometry update", "stream_id", id, "error", err)
	}

	c.JSON(http.StatusOK, dto.GeometryResponse{StreamID: id, Primitives: primitivesToDTO(prims)})
}

func primitivesFromDTO(in []dto.Primitive) []geometry.Primitive {
	out := make([]geometry.Primitive, len(in))
	for i, p := range in {
		out[i] = geometry.Primitive{
			ID:    p.ID,
			Label: p.Label,
			Type:  geometry.PrimitiveType(p.Type),
			X1:    p.X1,
			Y1:    p.Y1,
			X2:    p.X2,
			Y2:    p.Y2,
		}
		for _, pt := range p.Points {
			out[i].Points = append(out[i].Points, geometry.Point{X: pt.X, Y: pt.Y})
		}
	}
	return out
}

func primitivesToDTO(in []geometry.Primitive) []dto.Primitive {
	out := make([]dto.Primitive, len(in))
	for i, p := range in {
		out[i] = dto.Primitive{
			ID:    p.ID,
			Label: p.Label,
			Type:  string(p.Type),
			X1:    p.X1,
			Y1:    p.Y1,
			X2:    p.X2,
			Y2:    p.Y2,
		}
		for _, pt := range p.Points {
			out[i].Points = append(out[i].Points, dto.Point{X: pt.X, Y: pt.Y})
		}
	}
	return out
}
