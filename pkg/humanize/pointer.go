package humanize

import (
	"math"
	"time"
)

const (
	minPathSteps = 4
	maxPathSteps = 8
	pathJitter   = 3.0
	maxBow       = 20.0
)

// PlanPointer returns a path from the current pointer position to a point
// inside target, followed by a click. Each path step waits a delay drawn
// from [DelayMin, DelayMax] divided by the step count, so the whole move
// takes about as long as one random delay.
func (d *Driver) PlanPointer(target Region) []Step {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.Enabled || !d.cfg.MouseMovements {
		c := target.Center()
		d.pos = c
		return []Step{{Event: Event{Kind: KindClick, X: c.X, Y: c.Y}}}
	}

	// aim inside the central half of the target
	end := Point{
		X: target.X + target.Width*(0.25+0.5*d.rng.Float64()),
		Y: target.Y + target.Height*(0.25+0.5*d.rng.Float64()),
	}
	start := d.pos
	n := minPathSteps + d.rng.Intn(maxPathSteps-minPathSteps+1)
	bow := (d.rng.Float64()*2 - 1) * maxBow

	dx, dy := end.X-start.X, end.Y-start.Y
	length := math.Hypot(dx, dy)
	// unit normal to the straight line, for the curve offset
	nx, ny := 0.0, 0.0
	if length > 0 {
		nx, ny = -dy/length, dx/length
	}

	steps := make([]Step, 0, n+2)
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		off := math.Sin(t*math.Pi) * bow
		p := Point{
			X: start.X + dx*t + nx*off,
			Y: start.Y + dy*t + ny*off,
		}
		if i < n {
			p.X += (d.rng.Float64()*2 - 1) * pathJitter
			p.Y += (d.rng.Float64()*2 - 1) * pathJitter
		} else {
			p = end
		}
		p = d.clampLocked(p)
		steps = append(steps, Step{
			Event: Event{Kind: KindMove, X: p.X, Y: p.Y},
			Delay: d.uniformDelayLocked() / time.Duration(n),
		})
	}

	end = d.clampLocked(end)
	steps = append(steps,
		Step{Event: Event{Kind: KindClick, X: end.X, Y: end.Y}, Delay: d.randomDelayLocked()},
		Step{Event: Event{Kind: KindPause}, Delay: d.randomDelayLocked()},
	)
	d.pos = end
	return steps
}

func (d *Driver) clampLocked(p Point) Point {
	if d.cfg.ViewportWidth > 0 {
		p.X = math.Max(0, math.Min(d.cfg.ViewportWidth-1, p.X))
	}
	if d.cfg.ViewportHeight > 0 {
		p.Y = math.Max(0, math.Min(d.cfg.ViewportHeight-1, p.Y))
	}
	return p
}
