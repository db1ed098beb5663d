package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/lanewatch/internal/api/handlers"
	"github.com/your-org/lanewatch/internal/auth"
)

// Store is everything the handlers need from storage.PostgresStore.
type Store interface {
	handlers.StreamStore
	handlers.GeometryStore
	handlers.InfractionStore
}

type RouterConfig struct {
	APIKey         string
	DB             Store
	Objects        handlers.ObjectStore
	Publisher      handlers.GeometryPublisher
	Checks         map[string]handlers.Check
	WS             gin.HandlerFunc
	EvidencePrefix string
	FrameWidth     int
	FrameHeight    int
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.New(corsConfig()))

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.WS != nil {
		v1.GET("/ws", cfg.WS)
	}

	streamH := handlers.NewStreamHandler(cfg.DB, cfg.Objects, cfg.EvidencePrefix, cfg.FrameWidth, cfg.FrameHeight)
	v1.POST("/streams", streamH.Create)
	v1.GET("/streams", streamH.List)
	v1.GET("/streams/:id", streamH.Get)
	v1.DELETE("/streams/:id", streamH.Delete)

	geomH := handlers.NewGeometryHandler(cfg.DB, cfg.Publisher)
	v1.GET("/streams/:id/geometry", geomH.Get)
	v1.PUT("/streams/:id/geometry", geomH.Put)

	infH := handlers.NewInfractionHandler(cfg.DB, cfg.Objects)
	v1.GET("/streams/:id/infractions", infH.List)
	v1.GET("/infractions/:id", infH.Get)
	v1.GET("/infractions/:id/evidence", infH.Evidence)
	v1.GET("/infractions/:id/similar", infH.Similar)

	return r
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-API-Key")
	return cfg
}
