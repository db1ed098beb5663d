package main

import (
	"context"
	"errors"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/ingest"
	"github.com/your-org/lanewatch/internal/observability"
	"github.com/your-org/lanewatch/internal/queue"
	"github.com/your-org/lanewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	logPath := flag.String("file", "", "JSONL detection log to replay")
	streamFlag := flag.String("stream", "", "stream id to publish under (default: recorded id)")
	rate := flag.Float64("rate", 0, "batches per second (default: engine fps)")
	loop := flag.Bool("loop", false, "replay the log until interrupted")
	retime := flag.Bool("retime", true, "stamp batches with the replay clock")
	frameDir := flag.String("frames", "", "directory holding recorded frames to upload")
	retain := flag.Int("retain", 0, "frames to keep per stream in object storage (0 keeps all)")
	metricsAddr := flag.String("metrics", ":8081", "metrics listen address")
	answer := flag.Bool("answer", false, "confirm every audit request with a stub verdict")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if *logPath == "" {
		slog.Error("missing -file")
		os.Exit(2)
	}
	var streamID uuid.UUID
	if *streamFlag != "" {
		if streamID, err = uuid.Parse(*streamFlag); err != nil {
			slog.Error("invalid -stream", "error", err)
			os.Exit(2)
		}
	}
	if *rate <= 0 {
		*rate = float64(cfg.Engine.FPS)
	}

	slog.Info("starting lanewatch replay", "file", *logPath, "rate", *rate, "loop", *loop)

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

	// Connect to MinIO only when frames are uploaded
	var minioStore *storage.MinIOStore
	if *frameDir != "" {
		minioStore, err = storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := minioStore.EnsureBucket(context.Background()); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var frames ingest.FrameUploader
	if minioStore != nil {
		frames = minioStore
	}
	replayer := ingest.NewReplayer(producer, frames, ingest.Options{
		StreamID:   streamID,
		Rate:       *rate,
		Retime:     *retime,
		FrameDir:   *frameDir,
		Retries:    3,
		RetryDelay: 2 * time.Second,
	})

	// Stub forensic responder
	if *answer {
		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect consumer to nats", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		if err := consumer.ConsumeAudits(ctx, "replay-verdicts", func(ctx context.Context, msg jetstream.Msg) error {
			return ingest.AnswerAudit(ctx, producer, msg.Data())
		}); err != nil {
			slog.Error("consume audits", "error", err)
			os.Exit(1)
		}
		slog.Info("answering audit requests with stub verdicts")
	}

	// Frame cleanup
	if minioStore != nil && *retain > 0 && streamID != uuid.Nil {
		slog.Info("frame cleanup enabled", "retain", *retain)
		go func() {
			ticker := time.NewTicker(60 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := ingest.PruneFrames(ctx, minioStore, streamID, *retain)
					if err != nil {
						slog.Warn("cleanup: prune frames", "stream_id", streamID, "error", err)
					} else if n > 0 {
						slog.Info("cleanup: deleted old frames", "stream_id", streamID, "deleted", n)
					}
				}
			}
		}()
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		slog.Info("replay metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	total := 0
	for pass := 1; ; pass++ {
		n, err := replayFile(ctx, replayer, *logPath)
		total += n
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			slog.Error("replay failed", "pass", pass, "published", total, "error", err)
			os.Exit(1)
		}
		slog.Info("replay pass complete", "pass", pass, "batches", n)
		if !*loop || ctx.Err() != nil {
			break
		}
	}

	if *answer && ctx.Err() == nil {
		slog.Info("replay done, still answering audits", "published", total)
		<-ctx.Done()
	}

	slog.Info("replay stopped", "published", total)
}

func replayFile(ctx context.Context, r *ingest.Replayer, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open detection log: %w", err)
	}
	defer f.Close()
	return r.Replay(ctx, f)
}
