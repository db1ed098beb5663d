package tracking

import "math"

// Gains are the fixed blend factors of the alpha-beta filter.
type Gains struct {
	Position float64 // alpha
	Velocity float64 // beta
}

var DefaultGains = Gains{Position: 0.85, Velocity: 0.05}

// Filter is a fixed-gain position/velocity estimator for one track.
// Position is the box centroid in normalized coordinates; velocity is in
// normalized units per cycle.
type Filter struct {
	X, Y   float64
	VX, VY float64

	gains  Gains
	primed bool // velocity seeded from a second measurement
	gap    int  // steps coasted before priming
}

// NewFilter starts a filter at the first measurement with zero velocity.
func NewFilter(x, y float64, gains Gains) *Filter {
	return &Filter{X: x, Y: y, gains: gains}
}

// Correct folds a measurement into the state. The first call after
// construction seeds velocity from the two-point displacement; later calls
// predict one step and blend the residual with the fixed gains.
func (f *Filter) Correct(mx, my, dt float64) {
	dt = safeDt(dt)

	if !f.primed {
		span := dt * float64(f.gap+1)
		f.VX = (mx - f.X) / span
		f.VY = (my - f.Y) / span
		f.X, f.Y = mx, my
		f.primed = true
		f.gap = 0
		return
	}

	px := f.X + f.VX*dt
	py := f.Y + f.VY*dt
	rx := mx - px
	ry := my - py

	f.X = px + f.gains.Position*rx
	f.Y = py + f.gains.Position*ry
	f.VX += f.gains.Velocity * rx / dt
	f.VY += f.gains.Velocity * ry / dt
}

// Coast advances the state by prediction alone.
func (f *Filter) Coast(dt float64) {
	dt = safeDt(dt)
	if !f.primed {
		f.gap++
		return
	}
	f.X += f.VX * dt
	f.Y += f.VY * dt
}

// Predict projects the position steps cycles ahead without changing state.
func (f *Filter) Predict(steps float64) (float64, float64) {
	if steps < 0 || math.IsNaN(steps) {
		steps = 0
	}
	return f.X + f.VX*steps, f.Y + f.VY*steps
}

func safeDt(dt float64) float64 {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return 1
	}
	return dt
}
