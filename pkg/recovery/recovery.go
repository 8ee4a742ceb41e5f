// Package recovery wraps interactions on a browser surface so that a surface
// dying underneath a session is rebuilt once and the interaction replayed
// once, instead of failing the caller.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// Binding is the session side of recovery: the current surface and a way
// to replace it under the same session and profile. Rebuild must also
// restore the notebook the session was on.
type Binding interface {
	ID() string
	Surface() browser.Surface
	Rebuild(ctx context.Context) (browser.Surface, error)
}

// Action is one interaction against a surface. It must be safe to replay
// on a rebuilt surface.
type Action func(ctx context.Context, s browser.Surface) error

// Outcome reports how an interaction completed.
type Outcome struct {
	// Recovered is set when the surface was rebuilt and the action replayed.
	// The remote side may have recorded the first attempt too.
	Recovered bool
}

// Controller runs actions with at most one rebuild-and-replay.
type Controller struct {
	log *logging.Logger
	// OnRecovery, if set, is told whether each recovery attempt succeeded.
	OnRecovery func(ok bool)
}

// New creates a Controller.
func New(log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Discard()
	}
	return &Controller{log: log}
}

// Crashed reports whether err (or the surface state after it) means the
// surface is gone.
func Crashed(err error, s browser.Surface) bool {
	if browser.IsSurfaceClosed(err) {
		return true
	}
	return s == nil || !s.IsAlive()
}

// Run executes act against b's surface. A dead surface, found before the
// action or after it failed, is rebuilt once and the action replayed once.
// If the rebuild or the replay fails the result is SurfaceUnrecoverable.
// Context errors are returned unchanged and never trigger recovery.
func (c *Controller) Run(ctx context.Context, b Binding, act Action) (Outcome, error) {
	s := b.Surface()
	if s != nil && s.IsAlive() {
		err := act(ctx, s)
		if err == nil {
			return Outcome{}, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Outcome{}, err
		}
		if !Crashed(err, s) {
			return Outcome{}, err
		}
		c.log.Warnf("session %s: surface lost during interaction: %v", b.ID(), err)
	} else {
		c.log.Warnf("session %s: surface dead before interaction", b.ID())
	}
	return c.recover(ctx, b, act)
}

func (c *Controller) recover(ctx context.Context, b Binding, act Action) (Outcome, error) {
	fresh, err := b.Rebuild(ctx)
	if err != nil {
		c.report(false)
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, c.unrecoverable(b, fmt.Errorf("rebuild failed: %w", err))
	}
	c.log.Infof("session %s: surface rebuilt, replaying interaction", b.ID())

	if err := act(ctx, fresh); err != nil {
		c.report(false)
		if ctx.Err() != nil {
			return Outcome{Recovered: true}, ctx.Err()
		}
		return Outcome{Recovered: true}, c.unrecoverable(b, fmt.Errorf("replay failed: %w", err))
	}
	c.report(true)
	return Outcome{Recovered: true}, nil
}

func (c *Controller) unrecoverable(b Binding, err error) error {
	c.log.Errorf("session %s: %v", b.ID(), err)
	return types.NewError(types.KindSurfaceUnrecoverable, err).WithSession(b.ID())
}

func (c *Controller) report(ok bool) {
	if c.OnRecovery != nil {
		c.OnRecovery(ok)
	}
}
