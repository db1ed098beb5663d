package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/tracking"
)

func trailOf(xs ...float64) []geometry.Point {
	pts := make([]geometry.Point, len(xs))
	for i, x := range xs {
		pts[i] = geometry.Point{X: x, Y: 0.5}
	}
	return pts
}

func TestSummarize_SpeedAndHeading(t *testing.T) {
	tests := []struct {
		name    string
		vx, vy  float64
		speed   float64
		heading float64
	}{
		{"rightward", 0.01, 0, 12.8, 0},
		{"downward", 0, 0.01, 7.2, 90},
		{"leftward", -0.01, 0, 12.8, 180},
		{"upward", 0, -0.01, 7.2, 270},
		{"stationary", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := Summarize(tracking.Snapshot{VX: tt.vx, VY: tt.vy}, 1280, 720, 0)
			assert.InDelta(t, tt.speed, k.Speed, 1e-9)
			assert.InDelta(t, tt.heading, k.Heading, 1e-9)
		})
	}
}

func TestSummarize_TrajectoryAndDwell(t *testing.T) {
	snap := tracking.Snapshot{
		Trail: trailOf(0.1, 0.2, 0.4),
		Dwell: 3200 * time.Millisecond,
	}
	k := Summarize(snap, 1000, 1000, 0)
	assert.InDelta(t, 300, k.TrajectoryLength, 1e-9)
	assert.Equal(t, int64(3200), k.DwellMS)
	assert.False(t, k.Anomaly)
}

func TestSummarize_Anomaly(t *testing.T) {
	tests := []struct {
		name  string
		snap  tracking.Snapshot
		limit float64
		want  bool
	}{
		{"steady trail", tracking.Snapshot{Trail: trailOf(0, 0.01, 0.02, 0.03, 0.04, 0.05)}, 0, false},
		{"sudden jump", tracking.Snapshot{Trail: trailOf(0, 0.01, 0.02, 0.03, 0.04, 0.09)}, 0, true},
		{"too short to judge", tracking.Snapshot{Trail: trailOf(0, 0.01, 0.09)}, 0, false},
		{"over speed limit", tracking.Snapshot{VX: 0.1}, 60, true},
		{"under speed limit", tracking.Snapshot{VX: 0.01}, 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.snap, 1000, 1000, tt.limit).Anomaly)
		})
	}
}

func TestDescriptor(t *testing.T) {
	t.Run("empty trail is zero", func(t *testing.T) {
		d := Descriptor(nil)
		require.Len(t, d, 2*DescriptorPoints)
		for _, v := range d {
			assert.Zero(t, v)
		}
	})

	t.Run("single point repeats", func(t *testing.T) {
		d := Descriptor([]geometry.Point{{X: 0.25, Y: 0.75}})
		for k := 0; k < DescriptorPoints; k++ {
			assert.Equal(t, float32(0.25), d[2*k])
			assert.Equal(t, float32(0.75), d[2*k+1])
		}
	})

	t.Run("resampled evenly by arc length", func(t *testing.T) {
		// Uneven input spacing along a straight line.
		d := Descriptor(trailOf(0, 0.05, 0.06, 0.3))
		require.Len(t, d, 2*DescriptorPoints)
		for k := 0; k < DescriptorPoints; k++ {
			assert.InDelta(t, 0.3*float64(k)/float64(DescriptorPoints-1), float64(d[2*k]), 1e-6)
			assert.InDelta(t, 0.5, float64(d[2*k+1]), 1e-6)
		}
	})

	t.Run("repeated points are harmless", func(t *testing.T) {
		d := Descriptor(trailOf(0.1, 0.1, 0.1, 0.2, 0.2))
		assert.InDelta(t, 0.1, float64(d[0]), 1e-6)
		assert.InDelta(t, 0.2, float64(d[2*(DescriptorPoints-1)]), 1e-6)
	})
}
