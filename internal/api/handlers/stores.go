package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/storage"
)

// StreamStore is the stream part of storage.PostgresStore.
type StreamStore interface {
	CreateStream(ctx context.Context, st *models.Stream) error
	GetStream(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	ListStreams(ctx context.Context) ([]models.Stream, error)
	DeleteStream(ctx context.Context, id uuid.UUID) error
}

type GeometryStore interface {
	GetStream(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	ReplacePrimitives(ctx context.Context, streamID uuid.UUID, prims []geometry.Primitive) error
	ListPrimitives(ctx context.Context, streamID uuid.UUID) ([]geometry.Primitive, error)
}

type InfractionStore interface {
	GetInfraction(ctx context.Context, id uuid.UUID) (*models.Infraction, error)
	ListInfractions(ctx context.Context, f storage.InfractionFilter) ([]models.Infraction, int, error)
	SimilarInfractions(ctx context.Context, id uuid.UUID, limit int) ([]storage.SimilarMatch, error)
}

// ObjectStore is the part of storage.MinIOStore the API reads and purges.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, string, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type GeometryPublisher interface {
	PublishGeometry(update models.GeometryUpdate) error
}

func parseID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id"})
		return uuid.Nil, false
	}
	return id, true
}

// storeError writes 404 for storage.ErrNotFound and 500 otherwise.
func storeError(c *gin.Context, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
