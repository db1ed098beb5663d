package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/lanewatch/internal/api"
	"github.com/your-org/lanewatch/internal/api/handlers"
	"github.com/your-org/lanewatch/internal/api/ws"
	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/observability"
	"github.com/your-org/lanewatch/internal/queue"
	"github.com/your-org/lanewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting lanewatch API service", "port", cfg.Server.Port)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		slog.Error("migrate schema", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	feed := api.NewFeed(db, hub)

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit requests become pending infractions
	err = consumer.ConsumeAudits(ctx, "api-audits", func(ctx context.Context, msg jetstream.Msg) error {
		return feed.RecordAudit(ctx, msg.Data())
	})
	if err != nil {
		slog.Warn("start audit consumer", "error", err)
	}

	// Verdicts from the forensic service
	err = consumer.ConsumeVerdicts(ctx, "api-verdicts", func(ctx context.Context, msg jetstream.Msg) error {
		return feed.ApplyVerdict(ctx, msg.Data())
	})
	if err != nil {
		slog.Warn("start verdict consumer", "error", err)
	}

	// Live render frames from the workers
	renderSub, err := consumer.SubscribeRender(func(streamID uuid.UUID, data []byte) {
		feed.RelayRender(streamID, data)
	})
	if err != nil {
		slog.Warn("subscribe render frames", "error", err)
	} else {
		defer func() { _ = renderSub.Unsubscribe() }()
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:    cfg.Server.APIKey,
		DB:        db,
		Objects:   minioStore,
		Publisher: producer,
		Checks: map[string]handlers.Check{
			"postgres": db.Ping,
			"minio":    minioStore.Ping,
			"nats":     func(context.Context) error { return producer.Ping() },
		},
		WS:             hub.HandleWS,
		EvidencePrefix: cfg.Audit.EvidencePrefix,
		FrameWidth:     cfg.Engine.FrameWidth,
		FrameHeight:    cfg.Engine.FrameHeight,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
