package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/lanewatch/internal/audit"
	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/engine"
	"github.com/your-org/lanewatch/internal/models"
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

	slog.Info("starting lanewatch worker",
		"audit_workers", cfg.Audit.Workers,
		"detection_skip", cfg.Engine.DetectionSkip,
		"cpu_cores", runtime.NumCPU(),
	)

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
	evidence := storage.NewEvidenceStore(minioStore, cfg.Audit.EvidencePrefix, cfg.Audit.CaptureTimeout)

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit dispatch runs beside the engines and outlives their cycles.
	auditCtx, auditCancel := context.WithCancel(context.Background())
	defer auditCancel()
	dispatcher := audit.NewDispatcher(audit.ConfigFrom(cfg), producer, slog.Default())
	dispatcher.Start(auditCtx)

	onFrame := func(f engine.RenderFrame) {
		if err := producer.PublishRender(f.StreamID, f); err != nil {
			slog.Debug("publish render frame", "stream_id", f.StreamID, "error", err)
		}
	}
	registry := engine.NewRegistry(ctx, engine.ConfigFrom(cfg, uuid.Nil), db, evidence, dispatcher, onFrame, slog.Default())

	// Geometry updates from the API
	geomSub, err := consumer.SubscribeGeometry(func(update models.GeometryUpdate) {
		if registry.ApplyGeometry(update) {
			slog.Info("geometry applied", "stream_id", update.StreamID, "primitives", len(update.Primitives))
		}
	})
	if err != nil {
		slog.Error("subscribe geometry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = geomSub.Unsubscribe() }()

	// Detection batches. One handler keeps each stream's batches in order;
	// Submit never blocks.
	err = consumer.ConsumeDetections(ctx, "lanewatch-workers", func(ctx context.Context, msg jetstream.Msg) error {
		var batch models.DetectionBatch
		if err := json.Unmarshal(msg.Data(), &batch); err != nil {
			slog.Error("unmarshal detection batch", "error", err)
			return nil
		}

		known := registry.Len()
		if err := registry.Submit(ctx, batch); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				slog.Warn("batch for unknown stream", "stream_id", batch.StreamID, "seq", batch.Seq)
				return nil
			}
			return fmt.Errorf("submit batch %d: %w", batch.Seq, err)
		}
		if registry.Len() > known {
			if err := db.UpdateStreamStatus(ctx, batch.StreamID, models.StreamStatusRunning); err != nil {
				slog.Warn("update stream status", "stream_id", batch.StreamID, "error", err)
			}
		}
		return nil
	}, 1)
	if err != nil {
		slog.Error("start detection consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		mux.HandleFunc("/engines", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(registry.Stats())
		})
		metricsSrv.Handler = mux
		slog.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth and stream health
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		watch := engine.NewStatusWatch()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
				for key, status := range watch.Update(registry.Stats()) {
					id, err := uuid.Parse(key)
					if err != nil {
						continue
					}
					slog.Info("stream status changed", "stream_id", id, "status", status)
					if err := db.UpdateStreamStatus(ctx, id, status); err != nil {
						slog.Warn("update stream status", "stream_id", id, "error", err)
					}
				}
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	registry.Wait()

	// Let in-flight audits finish before the producer closes.
	dispatcher.Close()
	auditCancel()

	statusCtx, statusCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer statusCancel()
	for _, id := range registry.StreamIDs() {
		if err := db.UpdateStreamStatus(statusCtx, id, models.StreamStatusIdle); err != nil {
			slog.Warn("update stream status", "stream_id", id, "error", err)
		}
	}

	if err := metricsSrv.Shutdown(statusCtx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}
	slog.Info("worker stopped")
}
