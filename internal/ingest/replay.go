// Package ingest feeds recorded detection logs into the detection stream in
// place of the live detector.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/observability"
)

type BatchPublisher interface {
	PublishDetections(ctx context.Context, batch models.DetectionBatch) error
}

type FrameUploader interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// FrameStore is the part of storage.MinIOStore used to prune frames.
type FrameStore interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObjects(ctx context.Context, keys []string) error
}

// ParseBatch decodes one detection log record.
func ParseBatch(data []byte) (models.DetectionBatch, error) {
	var batch models.DetectionBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return batch, fmt.Errorf("parse batch: %w", err)
	}
	return batch, nil
}

// Reader yields batches from a JSONL detection log. Blank lines and lines
// starting with '#' are skipped.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next batch, or io.EOF after the last one.
func (r *Reader) Next() (models.DetectionBatch, error) {
	for r.sc.Scan() {
		r.line++
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		batch, err := ParseBatch(line)
		if err != nil {
			return batch, fmt.Errorf("line %d: %w", r.line, err)
		}
		return batch, nil
	}
	if err := r.sc.Err(); err != nil {
		return models.DetectionBatch{}, fmt.Errorf("read detection log: %w", err)
	}
	return models.DetectionBatch{}, io.EOF
}

type Options struct {
	StreamID   uuid.UUID     // replaces the recorded stream id when set
	Rate       float64       // batches per second; <= 0 publishes without pacing
	Retime     bool          // stamp batches with the replay clock
	FrameDir   string        // local directory holding the recorded frame_ref files
	Retries    int           // publish attempts after the first
	RetryDelay time.Duration // doubles after every failed attempt
}

// Replayer publishes recorded batches. Sequence numbers are reassigned so a
// log can be replayed repeatedly without tripping duplicate detection.
type Replayer struct {
	pub    BatchPublisher
	frames FrameUploader
	opts   Options
	now    func() time.Time
	seq    uint64
}

func NewReplayer(pub BatchPublisher, frames FrameUploader, opts Options) *Replayer {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Replayer{pub: pub, frames: frames, opts: opts, now: time.Now}
}

// Replay publishes every batch in src and returns how many were published.
func (p *Replayer) Replay(ctx context.Context, src io.Reader) (int, error) {
	r := NewReader(src)

	var tick <-chan time.Time
	if p.opts.Rate > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / p.opts.Rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	published := 0
	for {
		batch, err := r.Next()
		if errors.Is(err, io.EOF) {
			return published, nil
		}
		if err != nil {
			return published, err
		}

		if published > 0 && tick != nil {
			select {
			case <-ctx.Done():
				return published, ctx.Err()
			case <-tick:
			}
		}

		batch, err = p.prepare(ctx, batch)
		if err != nil {
			return published, err
		}
		if err := p.publish(ctx, batch); err != nil {
			return published, err
		}

		published++
		observability.BatchesReplayed.WithLabelValues(batch.StreamID.String()).Inc()
	}
}

func (p *Replayer) prepare(ctx context.Context, batch models.DetectionBatch) (models.DetectionBatch, error) {
	if p.opts.StreamID != uuid.Nil {
		batch.StreamID = p.opts.StreamID
	}
	if batch.StreamID == uuid.Nil {
		return batch, fmt.Errorf("batch %d has no stream id", batch.Seq)
	}

	p.seq++
	batch.Seq = p.seq
	if p.opts.Retime || batch.Timestamp.IsZero() {
		batch.Timestamp = p.now()
	}

	if p.opts.FrameDir != "" && batch.FrameRef != "" {
		batch.FrameRef = p.uploadFrame(ctx, batch)
	}
	return batch, nil
}

// uploadFrame copies the recorded frame into object storage and returns its
// key. A frame that cannot be uploaded leaves the batch without one.
func (p *Replayer) uploadFrame(ctx context.Context, batch models.DetectionBatch) string {
	if p.frames == nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(p.opts.FrameDir, filepath.FromSlash(batch.FrameRef)))
	if err != nil {
		slog.Warn("read recorded frame", "stream_id", batch.StreamID, "frame_ref", batch.FrameRef, "error", err)
		return ""
	}
	key := FrameKey(batch.StreamID, batch.Seq)
	if err := p.frames.PutObject(ctx, key, data, "image/jpeg"); err != nil {
		slog.Warn("upload frame", "stream_id", batch.StreamID, "key", key, "error", err)
		return ""
	}
	return key
}

func (p *Replayer) publish(ctx context.Context, batch models.DetectionBatch) error {
	var err error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := p.opts.RetryDelay << (attempt - 1)
			slog.Warn("retrying batch publish",
				"stream_id", batch.StreamID,
				"seq", batch.Seq,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = p.pub.PublishDetections(ctx, batch); err == nil {
			return nil
		}
	}
	return fmt.Errorf("publish batch %d: %w", batch.Seq, err)
}

// FrameKey is the object key of a replayed frame.
func FrameKey(streamID uuid.UUID, seq uint64) string {
	return fmt.Sprintf("frames/%s/%010d.jpg", streamID, seq)
}

// PruneFrames keeps the newest retain frames of a stream and deletes the
// rest. Frame keys sort by sequence number.
func PruneFrames(ctx context.Context, store FrameStore, streamID uuid.UUID, retain int) (int, error) {
	prefix := fmt.Sprintf("frames/%s/", streamID)
	keys, err := store.ListObjects(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) <= retain {
		return 0, nil
	}
	sort.Strings(keys)
	stale := keys[:len(keys)-retain]
	if err := store.DeleteObjects(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}
