// Package rules evaluates track trajectories against the scene geometry and
// fires infraction candidates.
package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/tracking"
)

// Derived labels.
const (
	LabelStopViolation    = "stop-violation"
	LabelZoneBlocking     = "zone-blocking"
	LabelCrosswalkBlocked = "crosswalk-blocking"
	LabelBusLane          = "bus-lane-occupancy"
)

type Config struct {
	StopDwell   time.Duration // dwell at or above this before a stop-line crossing is compliant
	ZoneDwell   time.Duration // continuous occupancy above this fires a zone event
	FrameWidth  int
	FrameHeight int
}

func DefaultConfig() Config {
	return Config{
		StopDwell:   3 * time.Second,
		ZoneDwell:   5 * time.Second,
		FrameWidth:  1280,
		FrameHeight: 720,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		StopDwell:   cfg.Rules.StopDwell,
		ZoneDwell:   cfg.Rules.ZoneDwell,
		FrameWidth:  cfg.Engine.FrameWidth,
		FrameHeight: cfg.Engine.FrameHeight,
	}
}

// EvidenceRequest asks the rendering side for a snapshot of one event.
type EvidenceRequest struct {
	TrackID     int64
	PrimitiveID string
	Key         string
	Label       string
	At          time.Time
}

// EvidenceCapturer captures snapshot/clip evidence. An error means nothing
// was captured and the event must stay eligible to fire again.
type EvidenceCapturer interface {
	Capture(ctx context.Context, req EvidenceRequest) (models.Evidence, error)
}

// Candidate is one qualifying crossing or dwell event.
type Candidate struct {
	TrackID       int64
	ObjectLabel   string
	PrimitiveID   string
	PrimitiveType geometry.PrimitiveType
	Key           string
	Label         string
	At            time.Time
	Evidence      models.Evidence
	Track         tracking.Snapshot
}

// Outcome is the result of one evaluation pass.
type Outcome struct {
	Candidates      []Candidate
	Compliant       int
	CaptureFailures int
}

type Detector struct {
	cfg     Config
	capture EvidenceCapturer
	log     *slog.Logger
}

func NewDetector(cfg Config, capture EvidenceCapturer, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{cfg: cfg, capture: capture, log: log}
}

// Evaluate checks every live, non-audited track against every primitive it
// has not yet processed. Firing marks the primitive processed and latches
// Audited before the candidate leaves this call. Tracks are never removed.
func (d *Detector) Evaluate(ctx context.Context, tracks []*tracking.Track, snap *geometry.Snapshot, elapsed time.Duration, now time.Time) Outcome {
	var out Outcome
	prims := snap.Primitives()
	if len(prims) == 0 {
		return out
	}

	for _, tr := range tracks {
		if tr.Audited {
			continue
		}
		d.updateOccupancy(tr, prims, elapsed)

		for _, p := range prims {
			var fired bool
			if p.IsZone() {
				fired = d.evaluateZone(ctx, tr, p, now, &out)
			} else {
				fired = d.evaluateLine(ctx, tr, p, now, &out)
			}
			if fired {
				break
			}
		}
	}
	return out
}

// updateOccupancy maintains LastZone and ZoneDwell. While the centroid stays
// inside the last zone only that zone is tested.
func (d *Detector) updateOccupancy(tr *tracking.Track, prims []geometry.Primitive, elapsed time.Duration) {
	c := tr.Centroid()

	if tr.LastZone != nil {
		for _, p := range prims {
			if p.IsZone() && p.ID == *tr.LastZone && geometry.PointInPolygon(c, p.Points) {
				tr.ZoneDwell += elapsed
				return
			}
		}
	}

	tr.LastZone = nil
	tr.ZoneDwell = 0
	for _, p := range prims {
		if p.IsZone() && geometry.PointInPolygon(c, p.Points) {
			id := p.ID
			tr.LastZone = &id
			return
		}
	}
}

func (d *Detector) evaluateZone(ctx context.Context, tr *tracking.Track, p geometry.Primitive, now time.Time, out *Outcome) bool {
	key := geometry.ZoneKey(p.ID)
	if tr.IsProcessed(key) || tr.LastZone == nil || *tr.LastZone != p.ID {
		return false
	}
	if tr.ZoneDwell <= d.cfg.ZoneDwell {
		return false
	}
	return d.fire(ctx, tr, p, key, zoneLabel(p), now, out)
}

func (d *Detector) evaluateLine(ctx context.Context, tr *tracking.Track, p geometry.Primitive, now time.Time, out *Outcome) bool {
	key := geometry.LineKey(p.ID)
	if tr.IsProcessed(key) {
		return false
	}
	prev, cur, ok := tr.History.LastTwo()
	if !ok {
		return false
	}

	w, h := float64(d.cfg.FrameWidth), float64(d.cfg.FrameHeight)
	a, b := p.Segment()
	if _, crossed := geometry.SegmentIntersection(prev.Scale(w, h), cur.Scale(w, h), a.Scale(w, h), b.Scale(w, h)); !crossed {
		return false
	}

	label := p.Label
	if label == "" {
		label = string(p.Type)
	}
	if p.Type == geometry.TypeStopLine {
		if tr.Dwell >= d.cfg.StopDwell {
			tr.MarkProcessed(key)
			out.Compliant++
			d.log.Debug("compliant stop", "track", tr.ID, "primitive", p.ID, "dwell", tr.Dwell)
			return false
		}
		label = LabelStopViolation
	}
	return d.fire(ctx, tr, p, key, label, now, out)
}

func (d *Detector) fire(ctx context.Context, tr *tracking.Track, p geometry.Primitive, key, label string, now time.Time, out *Outcome) bool {
	ev, err := d.capture.Capture(ctx, EvidenceRequest{
		TrackID:     tr.ID,
		PrimitiveID: p.ID,
		Key:         key,
		Label:       label,
		At:          now,
	})
	if err != nil {
		out.CaptureFailures++
		d.log.Warn("evidence capture failed", "track", tr.ID, "primitive", p.ID, "label", label, "error", err)
		return false
	}

	tr.MarkProcessed(key)
	tr.Audited = true
	tr.AuditPending = true

	out.Candidates = append(out.Candidates, Candidate{
		TrackID:       tr.ID,
		ObjectLabel:   tr.Label,
		PrimitiveID:   p.ID,
		PrimitiveType: p.Type,
		Key:           key,
		Label:         label,
		At:            now,
		Evidence:      ev,
		Track:         tr.Snapshot(),
	})
	return true
}

func zoneLabel(p geometry.Primitive) string {
	switch p.Type {
	case geometry.TypePedestrian:
		return LabelCrosswalkBlocked
	case geometry.TypeBusLane:
		return LabelBusLane
	default:
		return LabelZoneBlocking
	}
}
