package session

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/recovery"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

type result struct {
	out recovery.Outcome
	err error
}

// Execute runs act on the session's surface. Calls on one session run one
// at a time in submission order. The profile's auth state is checked first
// and a refusal returns without touching the browser. The action is wrapped
// in recovery and bounded by the browser timeout; on timeout the action is
// abandoned and the slot is freed once it returns.
func (p *Pool) Execute(ctx context.Context, id string, act recovery.Action) (recovery.Outcome, error) {
	s, ok := p.Get(id)
	if !ok {
		return recovery.Outcome{}, types.Errorf(types.KindNotFound, "session %s not found", id).WithSession(id)
	}
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return recovery.Outcome{}, p.contextError(ctx, s, err)
	}
	if !s.begin() {
		s.slot.Release(1)
		return recovery.Outcome{}, types.Errorf(types.KindNotFound, "session %s was closed", id).WithSession(id)
	}
	if err := p.auth.Require(s.profile.ID); err != nil {
		s.finish(StatusActive, false, p.now())
		s.slot.Release(1)
		return recovery.Outcome{}, annotate(err, s.id, s.profile.ID)
	}

	timeout := s.settings.Browser.Timeout
	tctx, cancel := context.WithTimeout(ctx, timeout)
	started := p.now()
	done := make(chan result, 1)

	go func() {
		defer cancel()
		out, err := p.recovery.Run(tctx, s, act)
		p.complete(s, err)
		s.slot.Release(1)
		done <- result{out: out, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-tctx.Done():
		select {
		case r = <-done:
		default:
			p.log.Warnf("session %s: interaction abandoned after %s", s.id, timeout)
			p.metrics.Interaction("timeout", p.now().Sub(started))
			return recovery.Outcome{}, p.contextError(ctx, s, tctx.Err())
		}
	}

	if r.err != nil && (errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled)) {
		p.metrics.Interaction("timeout", p.now().Sub(started))
		return r.out, p.contextError(ctx, s, r.err)
	}
	p.metrics.Interaction(outcomeLabel(r.err), p.now().Sub(started))
	if r.err != nil {
		return r.out, annotate(r.err, s.id, s.profile.ID)
	}
	return r.out, nil
}

// complete updates the session after an interaction. The caller holds the
// slot.
func (p *Pool) complete(s *Session, err error) {
	now := p.now()
	switch {
	case err == nil:
		s.finish(StatusActive, true, now)
	case types.KindOf(err) == types.KindSurfaceUnrecoverable:
		s.finish(StatusFailed, false, now)
		p.evictFailed(s)
		// the slot is held here, so destroy directly
		s.destroy()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		// the surface is checked again before the next interaction
		s.finish(StatusActive, false, now)
	default:
		s.finish(StatusActive, true, now)
	}
}

// contextError maps a caller cancellation to ctx.Err() and anything else
// to a Timeout naming the session.
func (p *Pool) contextError(ctx context.Context, s *Session, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return types.NewError(types.KindTimeout, err).WithSession(s.id).WithProfile(s.profile.ID)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := types.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// CleanupInterval is how often the janitor looks for idle sessions:
// half the idle timeout, clamped to [1m, 5m].
func CleanupInterval(idleTimeout time.Duration) time.Duration {
	interval := idleTimeout / 2
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

// Run evicts idle sessions periodically until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	p.runEvery(ctx, CleanupInterval(p.Settings().Sessions.IdleTimeout))
}

func (p *Pool) runEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.log.Debugf("idle janitor running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.EvictIdle(); n > 0 {
				p.log.Infof("janitor evicted %d idle sessions (%d active)", n, p.Len())
			}
		}
	}
}
