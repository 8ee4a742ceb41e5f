// Package session owns the pool of live browser sessions.
//
// The pool bounds the number of sessions (live plus being created) by
// MaxSessions, evicting the least recently active idle session when full.
// Every session holds exactly one profile lock from the allocator for its
// whole life. Interactions on one session run strictly one at a time in
// submission order; interactions on different sessions run concurrently.
//
// Pool-wide state (the session map and pending creations) is guarded by a
// single mutex. Per-session state is owned by the holder of that session's
// execution slot.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/entrhq/notebook-bridge/pkg/auth"
	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/metrics"
	"github.com/entrhq/notebook-bridge/pkg/profile"
	"github.com/entrhq/notebook-bridge/pkg/recovery"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// Options wires a Pool to its collaborators.
type Options struct {
	Settings  config.Settings
	Launcher  browser.Launcher
	Allocator *profile.Allocator
	Auth      *auth.Controller
	Artifacts *auth.ArtifactStore // optional
	Probe     auth.LoginProbe     // defaults to browser.DefaultProbe()
	Metrics   *metrics.Metrics    // optional
	Logger    *logging.Logger
	Now       func() time.Time
}

// AcquireRequest names the session to resolve or the notebook to open.
type AcquireRequest struct {
	SessionID   string
	NotebookRef string
	// Target is the resolved navigation target of NotebookRef.
	Target string
	// Settings are the effective launch settings for a new session. Nil
	// uses the pool's settings and skips the visibility check on reuse.
	Settings *config.Settings
}

// Stats summarizes the pool.
type Stats struct {
	Live          int           `json:"active_sessions"`
	Max           int           `json:"max_sessions"`
	IdleTimeout   time.Duration `json:"session_timeout"`
	OldestAge     time.Duration `json:"oldest_session"`
	TotalMessages int           `json:"total_messages"`
}

// Pool owns all live sessions.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
	closed   bool
	settings config.Settings

	launcher  browser.Launcher
	allocator *profile.Allocator
	auth      *auth.Controller
	artifacts *auth.ArtifactStore
	probe     auth.LoginProbe
	recovery  *recovery.Controller
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	log       *logging.Logger
	now       func() time.Time
}

// NewPool creates an empty pool.
func NewPool(opts Options) (*Pool, error) {
	if opts.Launcher == nil || opts.Allocator == nil || opts.Auth == nil {
		return nil, fmt.Errorf("session pool needs a launcher, an allocator and an auth controller")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool settings: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Probe == nil {
		opts.Probe = browser.DefaultProbe()
	}
	rec := recovery.New(opts.Logger.With("recovery"))
	rec.OnRecovery = opts.Metrics.Recovery

	return &Pool{
		sessions:  make(map[string]*Session),
		settings:  opts.Settings,
		launcher:  opts.Launcher,
		allocator: opts.Allocator,
		auth:      opts.Auth,
		artifacts: opts.Artifacts,
		probe:     opts.Probe,
		recovery:  rec,
		limiter:   rate.NewLimiter(rate.Limit(opts.Settings.Browser.LaunchRate), opts.Settings.Browser.LaunchBurst),
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
	}, nil
}

// Reconfigure applies new capacity, timeout and launch settings. Existing
// sessions keep the settings they were launched with.
func (p *Pool) Reconfigure(s config.Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s
	p.limiter.SetLimit(rate.Limit(s.Browser.LaunchRate))
	p.limiter.SetBurst(s.Browser.LaunchBurst)
	p.log.Infof("pool reconfigured: max_sessions=%d idle_timeout=%s", s.Sessions.MaxSessions, s.Sessions.IdleTimeout)
}

// Settings returns the pool's current settings.
func (p *Pool) Settings() config.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Get returns the live session with id.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Acquire returns the live session named by req.SessionID, or creates a new
// one with a fresh id. A live session opened on another notebook or with a
// different visibility is replaced. The returned session is reserved: it is
// not evicted until the caller calls Release.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) (*Session, error) {
	if req.SessionID != "" {
		if s, ok := p.Get(req.SessionID); ok {
			if !p.matches(s, req) {
				p.log.Warnf("replacing session %s: notebook or visibility changed", s.id)
				if err := p.Close(req.SessionID); err != nil && !errors.Is(err, types.ErrNotFound) {
					return nil, err
				}
			} else if s.reserve() {
				return s, nil
			}
		}
	}
	return p.create(ctx, req)
}

func (p *Pool) matches(s *Session, req AcquireRequest) bool {
	if req.NotebookRef != "" && req.NotebookRef != s.notebookRef {
		return false
	}
	if req.Settings != nil && req.Settings.Browser.Headless != s.settings.Browser.Headless {
		return false
	}
	return true
}

func (p *Pool) create(ctx context.Context, req AcquireRequest) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("session pool is shut down")
	}
	settings := p.settings
	if req.Settings != nil {
		settings = *req.Settings
	}
	maxSessions := p.settings.Sessions.MaxSessions

	expired := p.expiredLocked()
	var evicted []*Session
	for len(p.sessions)+p.pending >= maxSessions {
		victim := p.lruLocked()
		if victim == nil {
			p.mu.Unlock()
			p.teardownAll(expired, "idle")
			p.teardownAll(evicted, "capacity")
			return nil, types.Errorf(types.KindCapacityExceeded, "all %d sessions are busy", maxSessions)
		}
		p.log.Warnf("max sessions (%d) reached, evicting least recently active session %s", maxSessions, victim.id)
		evicted = append(evicted, victim)
	}
	p.pending++
	id := p.newIDLocked()
	p.mu.Unlock()

	p.teardownAll(expired, "idle")
	p.teardownAll(evicted, "capacity")

	s, err := p.open(ctx, id, req, settings)

	p.mu.Lock()
	p.pending--
	if err == nil && p.closed {
		err = fmt.Errorf("session pool is shut down")
		defer s.destroy()
	}
	if err == nil {
		p.sessions[id] = s
	}
	live := len(p.sessions)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	p.metrics.SessionCreated()
	p.metrics.SetLive(live)
	p.log.Infof("session %s created on profile %s (%d/%d active)", id, s.profile.ID, live, maxSessions)
	return s, nil
}

// expiredLocked removes sessions idle past the timeout from the map and
// returns them.
func (p *Pool) expiredLocked() []*Session {
	timeout := p.settings.Sessions.IdleTimeout
	now := p.now()
	var out []*Session
	for id, s := range p.sessions {
		last, idle := s.idleSince()
		if !idle || now.Sub(last) <= timeout {
			continue
		}
		if s.markClosed(false) {
			delete(p.sessions, id)
			out = append(out, s)
		}
	}
	return out
}

// lruLocked removes and returns the least recently active idle session.
// Ties go to the oldest session.
func (p *Pool) lruLocked() *Session {
	var candidates []*Session
	for _, s := range p.sessions {
		if _, idle := s.idleSince(); idle {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, _ := candidates[i].idleSince()
		lj, _ := candidates[j].idleSince()
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})
	for _, s := range candidates {
		if s.markClosed(false) {
			delete(p.sessions, s.id)
			return s
		}
	}
	return nil
}

func (p *Pool) newIDLocked() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := p.sessions[id]; !taken {
			return id
		}
	}
}

// open allocates a profile, launches a surface on it and prepares it.
func (p *Pool) open(ctx context.Context, id string, req AcquireRequest, settings config.Settings) (*Session, error) {
	prof, err := p.allocator.Allocate(id)
	if err != nil {
		return nil, annotate(err, id, profileOf(err))
	}

	if err := p.gate(prof.ID); err != nil {
		p.allocator.Release(prof.ID)
		return nil, annotate(err, id, prof.ID)
	}

	surface, err := p.launch(ctx, *prof, settings)
	if err != nil && browser.IsProfileInUse(err) && prof.Origin == profile.OriginBase && p.allocator.Strategy() == config.StrategyAuto {
		p.log.Warnf("base profile in use by another browser, retrying %s on an isolated profile", id)
		p.allocator.Release(prof.ID)
		if prof, err = p.allocator.Isolated(id); err != nil {
			return nil, annotate(err, id, "")
		}
		surface, err = p.launch(ctx, *prof, settings)
	}
	if err != nil {
		p.allocator.Release(prof.ID)
		if browser.IsProfileInUse(err) {
			return nil, types.NewError(types.KindProfileLockContention, err).WithSession(id).WithProfile(prof.ID)
		}
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	if err := p.prepare(ctx, prof.ID, surface, req.Target); err != nil {
		surface.Close()
		p.allocator.Release(prof.ID)
		return nil, annotate(err, id, prof.ID)
	}

	now := p.now()
	return &Session{
		id:           id,
		profile:      *prof,
		notebookRef:  req.NotebookRef,
		target:       req.Target,
		settings:     settings,
		createdAt:    now,
		pool:         p,
		slot:         semaphore.NewWeighted(1),
		status:       StatusActive,
		lastActivity: now,
		reserved:     1,
		surface:      surface,
	}, nil
}

// gate refuses profiles in a rate-limit cooldown or with a login in
// progress before any browser is launched for them.
func (p *Pool) gate(profileID string) error {
	st := p.auth.State(profileID)
	switch {
	case st.Phase == auth.PhaseAwaitingManualLogin:
		return p.auth.Require(profileID)
	case st.Phase == auth.PhaseRateLimited && !st.Usable(p.now()):
		return p.auth.Require(profileID)
	}
	return nil
}

func (p *Pool) launch(ctx context.Context, prof profile.Profile, settings config.Settings) (browser.Surface, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for launch slot: %w", err)
	}
	surface, err := p.launcher.Launch(ctx, browser.LaunchOptionsFrom(settings, prof.Path))
	p.metrics.Launch(string(prof.Origin), err)
	return surface, err
}

// prepare imports saved login cookies, opens the target and records the
// login state seen on the surface. It fails when the profile may not be
// used for content.
func (p *Pool) prepare(ctx context.Context, profileID string, surface browser.Surface, target string) error {
	if p.artifacts != nil {
		if jar, ok := surface.(browser.CookieJar); ok {
			p.importLogin(ctx, profileID, jar)
		}
	}
	if target != "" {
		if err := surface.Navigate(ctx, target); err != nil {
			return err
		}
	}
	loggedIn, err := p.probe.LoggedIn(ctx, surface)
	if err != nil {
		return err
	}
	if _, err := p.auth.Observe(profileID, loggedIn); err != nil {
		return err
	}
	return p.auth.Require(profileID)
}

// importLogin adds the saved login of profileID to jar. Isolated profiles
// without their own export inherit the base profile's.
func (p *Pool) importLogin(ctx context.Context, profileID string, jar browser.CookieJar) {
	for _, source := range []string{profileID, profile.BaseID} {
		imported, err := p.artifacts.Import(ctx, source, jar)
		if err != nil {
			p.log.Warnf("profile %s: importing saved login of %s: %v", profileID, source, err)
			return
		}
		if imported {
			p.log.Debugf("profile %s: saved login of %s imported", profileID, source)
			return
		}
		if profileID == profile.BaseID {
			return
		}
	}
}

// Release drops the caller's reservation from Acquire. The session stays
// live and becomes eligible for eviction once no caller holds it.
func (p *Pool) Release(id string) error {
	s, ok := p.Get(id)
	if !ok {
		return types.Errorf(types.KindNotFound, "session %s not found", id).WithSession(id)
	}
	s.unreserve()
	return nil
}

// Close tears a session down and releases its profile. A busy session's
// surface is closed at once; its profile is released when the in-flight
// interaction returns.
func (p *Pool) Close(id string) error {
	s, err := p.detach(id)
	if err != nil {
		return err
	}
	p.teardown(context.Background(), s, false)
	p.log.Infof("session %s closed", id)
	return nil
}

// Reset closes a session and drops its conversation. The returned snapshot
// is taken before the reset, so it carries the discarded message count. The
// id is gone afterwards; the next question opens a fresh session.
func (p *Pool) Reset(id string) (Info, error) {
	s, err := p.detach(id)
	if err != nil {
		return Info{}, err
	}
	info := s.Info()
	p.teardown(context.Background(), s, false)
	p.log.Infof("session %s reset after %d messages", id, info.MessageCount)
	return info, nil
}

func (p *Pool) detach(id string) (*Session, error) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return nil, types.Errorf(types.KindNotFound, "session %s not found", id).WithSession(id)
	}
	s.markClosed(true)
	delete(p.sessions, id)
	live := len(p.sessions)
	p.mu.Unlock()
	p.metrics.SetLive(live)
	return s, nil
}

// teardown destroys a detached session. With wait it blocks until an
// in-flight interaction returns or ctx ends; otherwise the profile is
// released in the background once the slot frees up.
func (p *Pool) teardown(ctx context.Context, s *Session, wait bool) error {
	if s.slot.TryAcquire(1) {
		s.destroy()
		s.slot.Release(1)
		return nil
	}
	s.interrupt()
	if !wait {
		go func() {
			if err := s.slot.Acquire(context.Background(), 1); err == nil {
				defer s.slot.Release(1)
			}
			s.destroy()
		}()
		return nil
	}
	if err := s.slot.Acquire(ctx, 1); err != nil {
		s.destroy()
		return fmt.Errorf("session %s: forced close: %w", s.id, err)
	}
	s.destroy()
	s.slot.Release(1)
	return nil
}

func (p *Pool) teardownAll(sessions []*Session, reason string) {
	for _, s := range sessions {
		p.metrics.SessionEvicted(reason)
		p.teardown(context.Background(), s, false)
	}
	if len(sessions) > 0 {
		p.metrics.SetLive(p.Len())
	}
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// List returns a snapshot of all live sessions, oldest first.
func (p *Pool) List() []Info {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats summarizes the pool.
func (p *Pool) Stats() Stats {
	infos := p.List()
	settings := p.Settings()
	st := Stats{
		Live:        len(infos),
		Max:         settings.Sessions.MaxSessions,
		IdleTimeout: settings.Sessions.IdleTimeout,
	}
	for _, info := range infos {
		st.TotalMessages += info.MessageCount
		if age := time.Duration(info.AgeSeconds * float64(time.Second)); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	return st
}

// EvictIdle closes every idle session not touched within the idle timeout
// and returns how many were closed.
func (p *Pool) EvictIdle() int {
	p.mu.Lock()
	victims := p.expiredLocked()
	p.mu.Unlock()
	if len(victims) == 0 {
		return 0
	}
	p.log.Infof("evicting %d idle sessions", len(victims))
	p.teardownAll(victims, "idle")
	return len(victims)
}

// CloseProfile closes every session bound to profileID and waits until the
// profile lock is released.
func (p *Pool) CloseProfile(ctx context.Context, profileID string) (int, error) {
	n, err := p.closeWhere(ctx, func(s *Session) bool { return s.profile.ID == profileID })
	if err == nil && n > 0 {
		p.log.Infof("closed %d sessions on profile %s", n, profileID)
	}
	return n, err
}

// Drain closes every live session and waits for their profiles to be
// released. The pool stays open.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n, err := p.closeWhere(ctx, func(*Session) bool { return true })
	if err == nil && n > 0 {
		p.log.Infof("drained %d sessions", n)
	}
	return n, err
}

func (p *Pool) closeWhere(ctx context.Context, match func(*Session) bool) (int, error) {
	p.mu.Lock()
	var victims []*Session
	for id, s := range p.sessions {
		if match(s) {
			s.markClosed(true)
			delete(p.sessions, id)
			victims = append(victims, s)
		}
	}
	live := len(p.sessions)
	p.mu.Unlock()
	p.metrics.SetLive(live)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range victims {
		s := s
		g.Go(func() error { return p.teardown(gctx, s, true) })
	}
	return len(victims), g.Wait()
}

// CloseAll shuts the pool down, closing all sessions concurrently. New
// acquisitions fail afterwards.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	victims := make([]*Session, 0, len(p.sessions))
	for id, s := range p.sessions {
		s.markClosed(true)
		delete(p.sessions, id)
		victims = append(victims, s)
	}
	p.mu.Unlock()
	p.metrics.SetLive(0)

	if len(victims) > 0 {
		p.log.Infof("closing all %d sessions", len(victims))
	}
	var g errgroup.Group
	for _, s := range victims {
		s := s
		g.Go(func() error { return p.teardown(ctx, s, true) })
	}
	return g.Wait()
}

// evictFailed removes a session whose surface could not be recovered. The
// caller holds the session's slot.
func (p *Pool) evictFailed(s *Session) {
	p.mu.Lock()
	cur, ok := p.sessions[s.id]
	present := ok && cur == s
	if present {
		delete(p.sessions, s.id)
	}
	live := len(p.sessions)
	p.mu.Unlock()
	s.markClosed(true)
	if !present {
		return
	}
	p.metrics.SessionEvicted("failed")
	p.metrics.SetLive(live)
	p.log.Errorf("session %s failed and was evicted", s.id)
}

// annotate names the session and profile on a typed error that lacks them.
func annotate(err error, sessionID, profileID string) error {
	var e *types.Error
	if !errors.As(err, &e) {
		return err
	}
	if e.SessionID == "" {
		e = e.WithSession(sessionID)
	}
	if e.ProfileID == "" {
		e = e.WithProfile(profileID)
	}
	return e
}

func profileOf(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		return e.ProfileID
	}
	return ""
}
