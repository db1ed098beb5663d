// Package geometry holds the scene rule primitives and the planar predicates
// evaluated against them.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalid marks a primitive rejected by Sanitize.
var ErrInvalid = errors.New("invalid primitive")

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Scale maps a normalized point into pixel space.
func (p Point) Scale(w, h float64) Point {
	return Point{X: p.X * w, Y: p.Y * h}
}

type PrimitiveType string

const (
	TypeForbiddenLine PrimitiveType = "forbidden-line"
	TypeLaneDivider   PrimitiveType = "lane-divider"
	TypeStopLine      PrimitiveType = "stop-line"
	TypeBoxJunction   PrimitiveType = "box-junction"
	TypeZone          PrimitiveType = "zone" // alias of box-junction
	TypePedestrian    PrimitiveType = "pedestrian"
	TypeBusLane       PrimitiveType = "bus-lane"
)

func (t PrimitiveType) Known() bool {
	switch t {
	case TypeForbiddenLine, TypeLaneDivider, TypeStopLine, TypeBoxJunction, TypeZone, TypePedestrian, TypeBusLane:
		return true
	}
	return false
}

// Primitive is one externally configured line or polygon in normalized
// scene coordinates. A primitive with three or more Points is a zone;
// otherwise X1,Y1 -> X2,Y2 is a line segment.
type Primitive struct {
	ID     string        `json:"id"`
	Label  string        `json:"label"`
	Type   PrimitiveType `json:"type"`
	X1     float64       `json:"x1"`
	Y1     float64       `json:"y1"`
	X2     float64       `json:"x2"`
	Y2     float64       `json:"y2"`
	Points []Point       `json:"points,omitempty"`
}

func (p Primitive) IsZone() bool {
	return len(p.Points) >= 3
}

// Segment returns the line endpoints.
func (p Primitive) Segment() (Point, Point) {
	return Point{X: p.X1, Y: p.Y1}, Point{X: p.X2, Y: p.Y2}
}

// LineKey and ZoneKey are the processed-set keys for a primitive. Zone keys
// are prefixed so a line crossing and a zone block on the same id never collide.
func LineKey(id string) string { return id }

func ZoneKey(id string) string { return "zone:" + id }

// Snapshot is an immutable, ordered view of the scene geometry read once per cycle.
type Snapshot struct {
	primitives []Primitive
}

// NewSnapshot sanitizes and copies primitives. Rejected entries are returned
// as errors alongside the usable snapshot.
func NewSnapshot(primitives []Primitive) (*Snapshot, []error) {
	clean, errs := Sanitize(primitives)
	return &Snapshot{primitives: clean}, errs
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.primitives)
}

// Primitives returns the snapshot contents. Callers must not modify the result.
func (s *Snapshot) Primitives() []Primitive {
	if s == nil {
		return nil
	}
	return s.primitives
}

// Sanitize drops primitives with non-finite coordinates, degenerate shapes,
// unknown types or duplicate ids. The surviving primitives are deep copies in
// their original order.
func Sanitize(in []Primitive) ([]Primitive, []error) {
	out := make([]Primitive, 0, len(in))
	var errs []error
	seen := make(map[string]bool, len(in))

	for i, p := range in {
		if err := validate(p); err != nil {
			errs = append(errs, fmt.Errorf("primitive %d (%q): %w", i, p.ID, err))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("primitive %d (%q): %w: duplicate id", i, p.ID, ErrInvalid))
			continue
		}
		seen[p.ID] = true

		if len(p.Points) > 0 {
			p.Points = append([]Point(nil), p.Points...)
		}
		out = append(out, p)
	}
	return out, errs
}

func validate(p Primitive) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if !p.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, p.Type)
	}
	if len(p.Points) > 0 {
		if len(p.Points) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 points, got %d", ErrInvalid, len(p.Points))
		}
		for _, pt := range p.Points {
			if !pt.finite() {
				return fmt.Errorf("%w: non-finite polygon point", ErrInvalid)
			}
		}
		if polygonArea(p.Points) == 0 {
			return fmt.Errorf("%w: zero-area polygon", ErrInvalid)
		}
		return nil
	}
	a, b := p.Segment()
	if !a.finite() || !b.finite() {
		return fmt.Errorf("%w: non-finite endpoint", ErrInvalid)
	}
	if a == b {
		return fmt.Errorf("%w: zero-length line", ErrInvalid)
	}
	return nil
}

func polygonArea(pts []Point) float64 {
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(sum) / 2
}
