package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/rules"
)

// ErrNoFrame means the cycle had no source frame to take evidence from.
var ErrNoFrame = errors.New("no source frame for evidence")

type objectCopier interface {
	CopyObject(ctx context.Context, src, dst string) error
}

// EvidenceStore captures evidence by copying the source frame of the current
// cycle to a stable key under prefix.
type EvidenceStore struct {
	objects objectCopier
	prefix  string
	timeout time.Duration
}

func NewEvidenceStore(objects objectCopier, prefix string, timeout time.Duration) *EvidenceStore {
	return &EvidenceStore{objects: objects, prefix: strings.Trim(prefix, "/"), timeout: timeout}
}

// CaptureFrame copies frameRef to the evidence key of req. It fails, leaving
// no evidence, when the frame is missing or the copy exceeds the timeout.
func (e *EvidenceStore) CaptureFrame(ctx context.Context, streamID uuid.UUID, frameRef string, req rules.EvidenceRequest) (models.Evidence, error) {
	if frameRef == "" {
		return models.Evidence{}, ErrNoFrame
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	key := EvidenceKey(e.prefix, streamID, req)
	if err := e.objects.CopyObject(ctx, frameRef, key); err != nil {
		return models.Evidence{}, fmt.Errorf("capture evidence: %w", err)
	}
	return models.Evidence{SnapshotKey: key}, nil
}

// EvidenceKey is <prefix>/<stream>/<track>/<rule key>-<unix ms>.jpg with
// separators in the rule key replaced by dashes.
func EvidenceKey(prefix string, streamID uuid.UUID, req rules.EvidenceRequest) string {
	name := strings.NewReplacer(":", "-", "/", "-").Replace(req.Key)
	return path.Join(prefix, streamID.String(), fmt.Sprint(req.TrackID),
		fmt.Sprintf("%s-%d.jpg", name, req.At.UnixMilli()))
}

// StreamPrefix is the evidence prefix of one stream.
func StreamPrefix(prefix string, streamID uuid.UUID) string {
	return path.Join(strings.Trim(prefix, "/"), streamID.String()) + "/"
}
