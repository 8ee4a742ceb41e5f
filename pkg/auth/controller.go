// Package auth tracks the login phase of every browser profile and gates
// content interactions on it.
//
// A profile moves LoggedOut -> AwaitingManualLogin -> LoggedIn while a human
// completes a login in a visible browser window. A remote quota message
// moves LoggedIn -> RateLimited until a cooldown elapses or the account is
// switched. Any phase drops back to LoggedOut on re-authentication. Whether
// a surface is logged in is decided by an injected probe; this package never
// looks at page content itself.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// LoginProbe decides whether a surface is logged in.
type LoginProbe interface {
	LoggedIn(ctx context.Context, s browser.Surface) (bool, error)
}

// RateLimitProbe detects a remote quota refusal on a surface.
type RateLimitProbe interface {
	RateLimited(ctx context.Context, s browser.Surface) (bool, string, error)
}

// Probe combines both signals.
type Probe interface {
	LoginProbe
	RateLimitProbe
}

// Options configures a Controller.
type Options struct {
	Store        StateStore // nil keeps states in memory only
	Cooldown     time.Duration
	LoginTimeout time.Duration
	PollInterval time.Duration
	Logger       *logging.Logger
	Now          func() time.Time
	// OnTransition is called after every phase change, outside the lock.
	OnTransition func(profileID string, from, to Phase)
}

// Controller owns the auth state machine of all profiles.
type Controller struct {
	mu     sync.Mutex
	states map[string]*State
	opts   Options
	log    *logging.Logger
}

// NewController restores persisted states. A profile that was waiting for a
// manual login when the process stopped comes back LoggedOut, since its login
// window is gone.
func NewController(opts Options) (*Controller, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	c := &Controller{states: make(map[string]*State), opts: opts, log: opts.Logger}
	if opts.Store == nil {
		return c, nil
	}
	saved, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load auth states: %w", err)
	}
	for i := range saved {
		st := saved[i]
		if st.Phase == PhaseAwaitingManualLogin {
			st.Phase = PhaseLoggedOut
		}
		c.states[st.ProfileID] = &st
	}
	c.log.Debugf("restored %d auth states", len(saved))
	return c, nil
}

func (c *Controller) stateLocked(profileID string) *State {
	st, ok := c.states[profileID]
	if !ok {
		st = &State{ProfileID: profileID, Phase: PhaseLoggedOut, UpdatedAt: c.opts.Now()}
		c.states[profileID] = st
	}
	return st
}

// State returns the current state of profileID. Unknown profiles are
// LoggedOut.
func (c *Controller) State(profileID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[profileID]; ok {
		return *st
	}
	return State{ProfileID: profileID, Phase: PhaseLoggedOut}
}

// States returns every known state, sorted by profile.
func (c *Controller) States() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]State, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// transition moves profileID to phase `to` and applies mutate to the new
// state. It persists the result and notifies OnTransition.
func (c *Controller) transition(profileID string, to Phase, mutate func(*State)) (State, error) {
	c.mu.Lock()
	st := c.stateLocked(profileID)
	from := st.Phase
	if !allowed(from, to) {
		c.mu.Unlock()
		return *st, &TransitionError{ProfileID: profileID, From: from, To: to}
	}
	st.Phase = to
	st.UpdatedAt = c.opts.Now()
	if to != PhaseRateLimited {
		st.CooldownUntil = time.Time{}
		st.LimitHint = ""
	}
	if mutate != nil {
		mutate(st)
	}
	snapshot := *st
	c.mu.Unlock()

	if c.opts.Store != nil {
		if err := c.opts.Store.Save(snapshot); err != nil {
			c.log.Warnf("failed to persist auth state of %s: %v", profileID, err)
		}
	}
	if from != to {
		c.log.Infof("profile %s: %s -> %s", profileID, from, to)
		if c.opts.OnTransition != nil {
			c.opts.OnTransition(profileID, from, to)
		}
	}
	return snapshot, nil
}

// Require fails fast unless profileID may run content interactions. An
// elapsed rate-limit cooldown returns the profile to LoggedIn.
func (c *Controller) Require(profileID string) error {
	now := c.opts.Now()
	st := c.State(profileID)
	switch st.Phase {
	case PhaseLoggedIn:
		return nil
	case PhaseRateLimited:
		if now.Before(st.CooldownUntil) {
			hint := fmt.Sprintf("retry after %s or switch accounts with re_auth", st.CooldownUntil.Format(time.RFC3339))
			if st.LimitHint != "" {
				hint = st.LimitHint + "; " + hint
			}
			return types.Errorf(types.KindRateLimited, "profile is rate limited").WithProfile(profileID).WithHint(hint)
		}
		if _, err := c.transition(profileID, PhaseLoggedIn, nil); err != nil {
			return err
		}
		return nil
	case PhaseAwaitingManualLogin:
		return types.Errorf(types.KindAuthRequired, "waiting for manual login").WithProfile(profileID).
			WithHint("complete the login in the open browser window")
	default:
		return types.Errorf(types.KindAuthRequired, "profile is not logged in").WithProfile(profileID)
	}
}

// Observe records what a probe saw on a surface of profileID. A logged-in
// surface restores LoggedOut profiles; a logged-out one ends LoggedIn and
// RateLimited phases. A pending manual login is left to AwaitLogin.
func (c *Controller) Observe(profileID string, loggedIn bool) (State, error) {
	st := c.State(profileID)
	switch {
	case loggedIn && st.Phase == PhaseLoggedOut:
		return c.transition(profileID, PhaseLoggedIn, nil)
	case !loggedIn && (st.Phase == PhaseLoggedIn || st.Phase == PhaseRateLimited):
		return c.transition(profileID, PhaseLoggedOut, nil)
	default:
		return st, nil
	}
}

// BeginManualLogin marks that a login window is open for profileID.
func (c *Controller) BeginManualLogin(profileID string) (State, error) {
	st := c.State(profileID)
	if st.Phase == PhaseAwaitingManualLogin {
		return st, nil
	}
	return c.transition(profileID, PhaseAwaitingManualLogin, nil)
}

// AwaitLogin polls probe on surface until the login completes, the login
// timeout passes or ctx ends. Anything but success reverts the profile to
// LoggedOut and returns AuthRequired.
func (c *Controller) AwaitLogin(ctx context.Context, profileID string, surface browser.Surface, probe LoginProbe) (State, error) {
	if _, err := c.BeginManualLogin(profileID); err != nil {
		return c.State(profileID), err
	}

	deadline := time.NewTimer(c.opts.LoginTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	fail := func(reason error) (State, error) {
		st, err := c.transition(profileID, PhaseLoggedOut, nil)
		if err != nil {
			return st, err
		}
		return st, types.NewError(types.KindAuthRequired, reason).WithProfile(profileID)
	}

	c.log.Infof("waiting up to %s for manual login on profile %s", c.opts.LoginTimeout, profileID)
	for {
		ok, err := probe.LoggedIn(ctx, surface)
		switch {
		case err != nil && browser.IsSurfaceClosed(err):
			return fail(errors.New("login window was closed before the login completed"))
		case err != nil:
			c.log.Debugf("login probe on %s: %v", profileID, err)
		case ok:
			return c.transition(profileID, PhaseLoggedIn, nil)
		}

		select {
		case <-ctx.Done():
			return fail(fmt.Errorf("login aborted: %w", ctx.Err()))
		case <-deadline.C:
			return fail(fmt.Errorf("login not completed within %s", c.opts.LoginTimeout))
		case <-ticker.C:
		}
	}
}

// MarkRateLimited records a remote quota refusal and starts the cooldown.
func (c *Controller) MarkRateLimited(profileID, hint string) (State, error) {
	until := c.opts.Now().Add(c.opts.Cooldown)
	return c.transition(profileID, PhaseRateLimited, func(st *State) {
		st.CooldownUntil = until
		st.LimitHint = hint
	})
}

// Reset drops profileID to LoggedOut, as on re-authentication.
func (c *Controller) Reset(profileID string) (State, error) {
	return c.transition(profileID, PhaseLoggedOut, nil)
}

// ReAuth resets profileID and opens it for a manual login.
func (c *Controller) ReAuth(profileID string) (State, error) {
	if _, err := c.Reset(profileID); err != nil {
		return State{}, err
	}
	return c.BeginManualLogin(profileID)
}

// SwitchAccount forces a new manual login for another account on
// profileID. It clears a rate limit.
func (c *Controller) SwitchAccount(profileID, accountHint string) (State, error) {
	if _, err := c.transition(profileID, PhaseLoggedOut, func(st *State) { st.AccountHint = accountHint }); err != nil {
		return State{}, err
	}
	return c.transition(profileID, PhaseAwaitingManualLogin, nil)
}

// Forget drops all knowledge about profileID, for removed profiles.
func (c *Controller) Forget(profileID string) error {
	c.mu.Lock()
	delete(c.states, profileID)
	c.mu.Unlock()
	if c.opts.Store != nil {
		return c.opts.Store.Delete(profileID)
	}
	return nil
}

// Authenticated reports whether any profile is currently usable.
func (c *Controller) Authenticated() bool {
	now := c.opts.Now()
	for _, st := range c.States() {
		if st.Usable(now) {
			return true
		}
	}
	return false
}
