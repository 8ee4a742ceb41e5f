package humanize

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/config"
)

// EventKind names a primitive input action.
type EventKind string

const (
	KindKey    EventKind = "key"    // KindKey presses one key: a character or a named key such as "Backspace".
	KindInsert EventKind = "insert" // KindInsert inserts text in one step.
	KindMove   EventKind = "move"   // KindMove moves the pointer to X,Y.
	KindClick  EventKind = "click"  // KindClick clicks at X,Y.
	KindPause  EventKind = "pause"  // KindPause sends nothing; only its delay matters.
)

// Event is one primitive input action delivered to an InputSink.
type Event struct {
	Kind EventKind
	Key  string
	Text string
	X, Y float64
}

// Step pairs an event with the delay that precedes it.
type Step struct {
	Event Event
	Delay time.Duration
}

// Point is a pointer position in page coordinates.
type Point struct{ X, Y float64 }

// Region is a target rectangle in page coordinates.
type Region struct{ X, Y, Width, Height float64 }

// Center returns the midpoint of r.
func (r Region) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// InputSink receives primitive events. Browser surfaces implement it.
type InputSink interface {
	SendInput(ctx context.Context, ev Event) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config controls the humanization model. With Enabled false every plan
// collapses to a single zero-delay action.
type Config struct {
	Enabled        bool
	RandomDelays   bool
	HumanTyping    bool
	MouseMovements bool

	WPMMin, WPMMax     int
	DelayMin, DelayMax time.Duration

	// Probabilities per character
	TypoRate  float64
	PauseRate float64

	ViewportWidth, ViewportHeight float64

	// Seed fixes the random sequence; 0 picks a time-based seed.
	Seed int64
}

// FromStealth builds a driver config from the stealth settings.
func FromStealth(s config.StealthConfig, vp config.Viewport) Config {
	return Config{
		Enabled:        s.Enabled,
		RandomDelays:   s.RandomDelays,
		HumanTyping:    s.HumanTyping,
		MouseMovements: s.MouseMovements,
		WPMMin:         s.TypingWPMMin,
		WPMMax:         s.TypingWPMMax,
		DelayMin:       s.DelayMin,
		DelayMax:       s.DelayMax,
		TypoRate:       defaultTypoRate,
		PauseRate:      defaultPauseRate,
		ViewportWidth:  float64(vp.Width),
		ViewportHeight: float64(vp.Height),
	}
}

const (
	defaultTypoRate  = 0.003
	defaultPauseRate = 0.05
)

// Driver turns logical requests into timed primitive steps. A Driver is
// safe for concurrent use, but plans are only reproducible when produced
// in the same order from the same seed.
type Driver struct {
	mu    sync.Mutex
	cfg   Config
	rng   *rand.Rand
	pos   Point
	sleep Sleeper
}

// New creates a driver. The pointer starts at the viewport center.
func New(cfg Config) *Driver {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.WPMMax < cfg.WPMMin {
		cfg.WPMMax = cfg.WPMMin
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Driver{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		pos:   Point{X: cfg.ViewportWidth / 2, Y: cfg.ViewportHeight / 2},
		sleep: contextSleep,
	}
}

// WithSleeper replaces the wait function, for tests.
func (d *Driver) WithSleeper(s Sleeper) *Driver {
	d.mu.Lock()
	d.sleep = s
	d.mu.Unlock()
	return d
}

// Config returns the active configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// Position returns the last planned pointer position.
func (d *Driver) Position() Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

func contextSleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RandomDelay draws a pause from a normal distribution skewed towards the
// upper part of [DelayMin, DelayMax] and clamped to it.
func (d *Driver) RandomDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.randomDelayLocked()
}

func (d *Driver) randomDelayLocked() time.Duration {
	if !d.cfg.Enabled || !d.cfg.RandomDelays {
		return 0
	}
	lo := float64(d.cfg.DelayMin)
	span := float64(d.cfg.DelayMax - d.cfg.DelayMin)
	if span <= 0 {
		return d.cfg.DelayMin
	}
	v := d.rng.NormFloat64()*0.2*span + lo + 0.6*span
	v = math.Max(lo, math.Min(lo+span, v))
	return time.Duration(v)
}

func (d *Driver) uniformDelayLocked() time.Duration {
	if !d.cfg.Enabled || !d.cfg.RandomDelays {
		return 0
	}
	span := int64(d.cfg.DelayMax - d.cfg.DelayMin)
	if span <= 0 {
		return d.cfg.DelayMin
	}
	return d.cfg.DelayMin + time.Duration(d.rng.Int63n(span+1))
}

// Play executes steps against sink, waiting each step's delay first.
func (d *Driver) Play(ctx context.Context, sink InputSink, steps []Step) error {
	d.mu.Lock()
	sleep := d.sleep
	d.mu.Unlock()

	for _, st := range steps {
		if err := sleep(ctx, st.Delay); err != nil {
			return err
		}
		if st.Event.Kind == KindPause {
			continue
		}
		if err := sink.SendInput(ctx, st.Event); err != nil {
			return err
		}
	}
	return nil
}

// Type plans and plays text entry.
func (d *Driver) Type(ctx context.Context, sink InputSink, text string) error {
	return d.Play(ctx, sink, d.PlanTyping(text))
}

// Click plans and plays a pointer approach and click on target.
func (d *Driver) Click(ctx context.Context, sink InputSink, target Region) error {
	return d.Play(ctx, sink, d.PlanPointer(target))
}

// Pause waits for one random delay.
func (d *Driver) Pause(ctx context.Context) error {
	d.mu.Lock()
	delay := d.randomDelayLocked()
	sleep := d.sleep
	d.mu.Unlock()
	return sleep(ctx, delay)
}

// TotalDelay sums the delays of a plan.
func TotalDelay(steps []Step) time.Duration {
	var total time.Duration
	for _, s := range steps {
		total += s.Delay
	}
	return total
}
