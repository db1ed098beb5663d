package tracking

import (
	"maps"
	"slices"
	"time"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
)

// Trail is a fixed-capacity ring of centroids; the oldest point is dropped
// once it is full.
type Trail struct {
	buf   []geometry.Point
	start int
	n     int
}

func NewTrail(capacity int) Trail {
	if capacity < 2 {
		capacity = 2
	}
	return Trail{buf: make([]geometry.Point, capacity)}
}

func (r *Trail) Push(p geometry.Point) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Trail) Len() int { return r.n }

func (r *Trail) Cap() int { return len(r.buf) }

// At returns the i-th point, 0 being the oldest retained.
func (r *Trail) At(i int) geometry.Point {
	return r.buf[(r.start+i)%len(r.buf)]
}

// LastTwo returns the previous and current points.
func (r *Trail) LastTwo() (prev, cur geometry.Point, ok bool) {
	if r.n < 2 {
		return geometry.Point{}, geometry.Point{}, false
	}
	return r.At(r.n - 2), r.At(r.n - 1), true
}

func (r Trail) clone() Trail {
	r.buf = slices.Clone(r.buf)
	return r
}

// Points copies the trail oldest first.
func (r *Trail) Points() []geometry.Point {
	out := make([]geometry.Point, r.n)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Tail copies the newest k points, oldest first.
func (r *Trail) Tail(k int) []geometry.Point {
	if k > r.n {
		k = r.n
	}
	out := make([]geometry.Point, k)
	for i := range out {
		out[i] = r.At(r.n - k + i)
	}
	return out
}

// Track is one persistent object identity.
type Track struct {
	ID      int64
	Label   string
	Class   models.ObjectClass
	Score   float64
	Box     models.Box
	Filter  *Filter
	History Trail

	Missed int // consecutive cycles without a match
	Hits   int // total matches
	Age    int // cycles since creation

	// Processed holds the rule keys this track already fired or was cleared
	// against. Keys are only ever added.
	Processed map[string]struct{}
	// Audited latches once an audit-triggering event fired; the track is then
	// skipped by the event detector for the rest of its life.
	Audited      bool
	AuditPending bool

	Dwell     time.Duration // stationary time, see Tracker.Update
	ZoneDwell time.Duration // continuous time inside LastZone
	LastZone  *string

	Counted bool // included in the seen statistic

	seen   geometry.Point // centroid of the last matched detection
	moving time.Duration  // continuous motion since the last stationary match
}

func newTrack(id int64, det models.Detection, gains Gains, history int) *Track {
	cx, cy := det.Box.Center()
	tr := &Track{
		ID:        id,
		Label:     det.Label,
		Class:     models.ClassOf(det.Label),
		Score:     det.Score,
		Box:       det.Box,
		Filter:    NewFilter(cx, cy, gains),
		History:   NewTrail(history),
		Hits:      1,
		Processed: make(map[string]struct{}),
		seen:      geometry.Point{X: cx, Y: cy},
	}
	tr.History.Push(geometry.Point{X: cx, Y: cy})
	return tr
}

func (t *Track) clone() *Track {
	c := *t
	f := *t.Filter
	c.Filter = &f
	c.History = t.History.clone()
	c.Processed = maps.Clone(t.Processed)
	if t.LastZone != nil {
		z := *t.LastZone
		c.LastZone = &z
	}
	return &c
}

func (t *Track) IsProcessed(key string) bool {
	_, ok := t.Processed[key]
	return ok
}

func (t *Track) MarkProcessed(key string) {
	t.Processed[key] = struct{}{}
}

// Centroid is the current box center.
func (t *Track) Centroid() geometry.Point {
	cx, cy := t.Box.Center()
	return geometry.Point{X: cx, Y: cy}
}

// Snapshot is a copy of a track's observable state, safe to hand to other
// goroutines.
type Snapshot struct {
	ID        int64            `json:"id"`
	Label     string           `json:"label"`
	Score     float64          `json:"score"`
	Box       models.Box       `json:"box"`
	Trail     []geometry.Point `json:"trail"`
	VX        float64          `json:"vx"`
	VY        float64          `json:"vy"`
	Missed    int              `json:"missed"`
	Hits      int              `json:"hits"`
	Dwell     time.Duration    `json:"dwell"`
	ZoneDwell time.Duration    `json:"zone_dwell"`
	Auditing  bool             `json:"auditing"`
}

func (t *Track) Snapshot() Snapshot {
	return Snapshot{
		ID:        t.ID,
		Label:     t.Label,
		Score:     t.Score,
		Box:       t.Box,
		Trail:     t.History.Points(),
		VX:        t.Filter.VX,
		VY:        t.Filter.VY,
		Missed:    t.Missed,
		Hits:      t.Hits,
		Dwell:     t.Dwell,
		ZoneDwell: t.ZoneDwell,
		Auditing:  t.AuditPending,
	}
}
