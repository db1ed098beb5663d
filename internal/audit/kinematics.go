package audit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
	"github.com/your-org/lanewatch/internal/tracking"
)

// DescriptorPoints is the number of resampled trail points in a trajectory
// descriptor. The vector length is twice this (x, y interleaved).
const DescriptorPoints = 16

// Anomaly needs at least this many earlier steps to estimate a spread.
const minAnomalySteps = 3

// minAnomalyJump keeps perfectly smooth trails from flagging sub-pixel jitter.
const minAnomalyJump = 1.0 // pixels

// Summarize computes the motion summary of a track snapshot in pixel space.
func Summarize(snap tracking.Snapshot, width, height int, anomalySpeed float64) models.Kinematics {
	w, h := float64(width), float64(height)
	vx, vy := snap.VX*w, snap.VY*h

	k := models.Kinematics{
		Speed:   tracking.Speed(snap.VX, snap.VY, width, height),
		DwellMS: snap.Dwell.Milliseconds(),
	}
	if k.Speed > 0 {
		k.Heading = math.Mod(math.Atan2(vy, vx)*180/math.Pi+360, 360)
	}

	steps := stepLengths(snap.Trail, w, h)
	if len(steps) > 0 {
		k.TrajectoryLength = floats.Sum(steps)
	}
	k.Anomaly = (anomalySpeed > 0 && k.Speed > anomalySpeed) || jumped(steps)
	return k
}

func stepLengths(trail []geometry.Point, w, h float64) []float64 {
	if len(trail) < 2 {
		return nil
	}
	steps := make([]float64, len(trail)-1)
	for i := 1; i < len(trail); i++ {
		steps[i-1] = math.Hypot((trail[i].X-trail[i-1].X)*w, (trail[i].Y-trail[i-1].Y)*h)
	}
	return steps
}

// jumped reports whether the latest step lies more than three standard
// deviations above the mean of the steps before it.
func jumped(steps []float64) bool {
	if len(steps) < minAnomalySteps+1 {
		return false
	}
	prior, last := steps[:len(steps)-1], steps[len(steps)-1]
	mean, std := stat.MeanStdDev(prior, nil)
	return last-mean > math.Max(3*std, minAnomalyJump)
}

// Descriptor resamples a normalized trail to DescriptorPoints points evenly
// spaced by arc length. An empty trail yields a zero vector.
func Descriptor(trail []geometry.Point) []float32 {
	out := make([]float32, 2*DescriptorPoints)
	if len(trail) == 0 {
		return out
	}

	seg := make([]float64, len(trail))
	for i := 1; i < len(trail); i++ {
		seg[i] = math.Hypot(trail[i].X-trail[i-1].X, trail[i].Y-trail[i-1].Y)
	}
	cum := floats.CumSum(make([]float64, len(seg)), seg)
	total := cum[len(cum)-1]

	for k := 0; k < DescriptorPoints; k++ {
		var p geometry.Point
		if total == 0 {
			p = trail[len(trail)-1]
		} else {
			p = along(trail, cum, total*float64(k)/float64(DescriptorPoints-1))
		}
		out[2*k] = float32(p.X)
		out[2*k+1] = float32(p.Y)
	}
	return out
}

// along interpolates the point at arc length s.
func along(trail []geometry.Point, cum []float64, s float64) geometry.Point {
	i := sort.SearchFloat64s(cum, s)
	if i <= 0 {
		return trail[0]
	}
	if i >= len(cum) {
		return trail[len(trail)-1]
	}
	span := cum[i] - cum[i-1]
	if span == 0 {
		return trail[i]
	}
	t := (s - cum[i-1]) / span
	a, b := trail[i-1], trail[i]
	return geometry.Point{X: a.X + t*(b.X-a.X), Y: a.Y + t*(b.Y-a.Y)}
}
