package tracking

import "github.com/your-org/lanewatch/internal/models"

// IoU returns the intersection-over-union of two boxes. Degenerate boxes and
// an empty union yield 0.
func IoU(a, b models.Box) float64 {
	areaA, areaB := a.Area(), b.Area()
	if areaA == 0 || areaB == 0 {
		return 0
	}

	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)

	inter := max(0, x2-x1) * max(0, y2-y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Match pairs a track index with a detection index.
type Match struct {
	Track     int
	Detection int
	IoU       float64
}

// Assignment is the outcome of one association pass.
type Assignment struct {
	Matches         []Match
	UnmatchedTracks []int
	UnmatchedDets   []int
}

// Associate greedily matches tracks to detections by IoU. Tracks are visited
// in slice order; each picks the still-unmatched detection with strictly the
// highest IoU (ties keep the lowest detection index) and keeps it only when
// that IoU exceeds threshold.
func Associate(tracks, detections []models.Box, threshold float64) Assignment {
	var out Assignment
	taken := make([]bool, len(detections))

	for ti, tb := range tracks {
		best := -1
		bestIoU := 0.0
		for di, db := range detections {
			if taken[di] {
				continue
			}
			v := IoU(tb, db)
			if best == -1 || v > bestIoU {
				best = di
				bestIoU = v
			}
		}

		if best >= 0 && bestIoU > threshold {
			taken[best] = true
			out.Matches = append(out.Matches, Match{Track: ti, Detection: best, IoU: bestIoU})
			continue
		}
		out.UnmatchedTracks = append(out.UnmatchedTracks, ti)
	}

	for di := range detections {
		if !taken[di] {
			out.UnmatchedDets = append(out.UnmatchedDets, di)
		}
	}
	return out
}
