package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/lanewatch/internal/models"
)

func TestIoU(t *testing.T) {
	a := models.Box{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}

	t.Run("identity", func(t *testing.T) {
		assert.InDelta(t, 1.0, IoU(a, a), 1e-12)
	})
	t.Run("disjoint", func(t *testing.T) {
		assert.Zero(t, IoU(a, models.Box{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}))
	})
	t.Run("touching edges", func(t *testing.T) {
		assert.Zero(t, IoU(a, models.Box{X: 0.3, Y: 0.1, W: 0.2, H: 0.2}))
	})
	t.Run("half overlap", func(t *testing.T) {
		b := models.Box{X: 0.2, Y: 0.1, W: 0.2, H: 0.2}
		// intersection 0.02, union 0.06
		assert.InDelta(t, 1.0/3.0, IoU(a, b), 1e-12)
	})
	t.Run("zero area", func(t *testing.T) {
		z := models.Box{X: 0.1, Y: 0.1, W: 0, H: 0.2}
		assert.Zero(t, IoU(z, z))
		assert.Zero(t, IoU(a, z))
	})
	t.Run("symmetric", func(t *testing.T) {
		b := models.Box{X: 0.15, Y: 0.05, W: 0.3, H: 0.1}
		assert.Equal(t, IoU(a, b), IoU(b, a))
	})
}

func TestAssociate(t *testing.T) {
	box := models.Box{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}
	shifted := models.Box{X: 0.12, Y: 0.1, W: 0.2, H: 0.2}
	far := models.Box{X: 0.7, Y: 0.7, W: 0.1, H: 0.1}

	t.Run("best match wins", func(t *testing.T) {
		got := Associate([]models.Box{box}, []models.Box{far, shifted}, 0.3)
		assert.Equal(t, []Match{{Track: 0, Detection: 1, IoU: IoU(box, shifted)}}, got.Matches)
		assert.Equal(t, []int{0}, got.UnmatchedDets)
		assert.Empty(t, got.UnmatchedTracks)
	})

	t.Run("ties keep the first detection", func(t *testing.T) {
		got := Associate([]models.Box{box}, []models.Box{box, box}, 0.3)
		assert.Equal(t, 0, got.Matches[0].Detection)
		assert.Equal(t, []int{1}, got.UnmatchedDets)
	})

	t.Run("detections are used once", func(t *testing.T) {
		got := Associate([]models.Box{box, box}, []models.Box{box}, 0.3)
		assert.Len(t, got.Matches, 1)
		assert.Equal(t, 0, got.Matches[0].Track)
		assert.Equal(t, []int{1}, got.UnmatchedTracks)
	})

	t.Run("threshold is strict", func(t *testing.T) {
		b := models.Box{X: 0.2, Y: 0.1, W: 0.2, H: 0.2} // IoU 1/3 with box
		assert.Len(t, Associate([]models.Box{box}, []models.Box{b}, IoU(box, b)).Matches, 0)
		assert.Len(t, Associate([]models.Box{box}, []models.Box{b}, 0.3).Matches, 1)
	})

	t.Run("no detections", func(t *testing.T) {
		got := Associate([]models.Box{box, far}, nil, 0.3)
		assert.Empty(t, got.Matches)
		assert.Equal(t, []int{0, 1}, got.UnmatchedTracks)
	})

	t.Run("no tracks", func(t *testing.T) {
		got := Associate(nil, []models.Box{box, far}, 0.3)
		assert.Empty(t, got.Matches)
		assert.Equal(t, []int{0, 1}, got.UnmatchedDets)
	})
}
