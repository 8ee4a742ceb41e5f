// Package notebook implements the operations exposed to agents: asking a
// notebook a question through a pooled browser session, inspecting and
// closing sessions, and running the login flows.
package notebook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/auth"
	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/humanize"
	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/profile"
	"github.com/entrhq/notebook-bridge/pkg/session"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// ProgressFunc receives coarse progress of a long operation.
type ProgressFunc func(message string, step, total int)

func (f ProgressFunc) report(message string, step, total int) {
	if f != nil {
		f(message, step, total)
	}
}

// Options wires a Service.
type Options struct {
	Pool      *session.Pool
	Auth      *auth.Controller
	Artifacts *auth.ArtifactStore // optional
	Allocator *profile.Allocator
	Launcher  browser.Launcher
	Probe     auth.Probe // defaults to browser.DefaultProbe()
	Resolver  Resolver   // defaults to named notebooks, then URLs
	// Settings returns the current configuration. Defaults to the pool's.
	Settings func() config.Settings
	// Sleeper replaces the humanized delays, for tests.
	Sleeper humanize.Sleeper
	// Seed fixes the humanization model; 0 is random.
	Seed   int64
	Logger *logging.Logger
	Now    func() time.Time
}

// Service is the operation surface over the session pool and the auth
// controller.
type Service struct {
	pool      *session.Pool
	auth      *auth.Controller
	artifacts *auth.ArtifactStore
	alloc     *profile.Allocator
	launcher  browser.Launcher
	probe     auth.Probe
	resolver  Resolver
	settings  func() config.Settings
	sleeper   humanize.Sleeper
	seed      int64
	log       *logging.Logger
	now       func() time.Time
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Pool == nil || opts.Auth == nil || opts.Allocator == nil || opts.Launcher == nil {
		return nil, fmt.Errorf("notebook service needs a pool, an auth controller, an allocator and a launcher")
	}
	if opts.Settings == nil {
		opts.Settings = opts.Pool.Settings
	}
	if opts.Probe == nil {
		opts.Probe = browser.DefaultProbe()
	}
	if opts.Resolver == nil {
		settings := opts.Settings
		opts.Resolver = Chain(
			NamedResolver{Names: func() map[string]string { return settings().Notebooks }},
			URLResolver{Default: func() string { return settings().NotebookURL }},
		)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		pool:      opts.Pool,
		auth:      opts.Auth,
		artifacts: opts.Artifacts,
		alloc:     opts.Allocator,
		launcher:  opts.Launcher,
		probe:     opts.Probe,
		resolver:  opts.Resolver,
		settings:  opts.Settings,
		sleeper:   opts.Sleeper,
		seed:      opts.Seed,
		log:       opts.Logger,
		now:       opts.Now,
	}, nil
}

// InteractRequest is one question to a notebook.
type InteractRequest struct {
	Question string
	// SessionID continues an existing session. Unknown ids open a new
	// session under a fresh id.
	SessionID string
	// NotebookRef names the notebook; empty uses the session's notebook or
	// the configured default.
	NotebookRef string
	// ShowBrowser is the legacy visibility switch; it wins over Options.
	ShowBrowser *bool
	Options     *config.BrowserOptions
	Progress    ProgressFunc
}

// InteractResult is the answer and the session it came from.
type InteractResult struct {
	Answer      string       `json:"answer"`
	SessionID   string       `json:"session_id"`
	NotebookURL string       `json:"notebook_url"` // resolved address the session is on
	NotebookRef string       `json:"notebook_ref"` // notebook name or URL the session was opened with
	Recovered   bool         `json:"recovered,omitempty"`
	Session     session.Info `json:"session_info"`
}

// Interact asks req.Question in a pooled session and returns the answer
// with the follow-up reminder appended.
func (s *Service) Interact(ctx context.Context, req InteractRequest) (InteractResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return InteractResult{}, types.Errorf(types.KindInvalidInput, "question is required")
	}

	base := s.settings()
	effective := req.Options.Apply(base, req.ShowBrowser)
	if err := effective.Validate(); err != nil {
		return InteractResult{}, types.NewError(types.KindInvalidInput, err)
	}

	acq, err := s.acquireRequest(ctx, req)
	if err != nil {
		return InteractResult{}, err
	}
	if req.ShowBrowser != nil || req.Options != nil {
		acq.Settings = &effective
	}

	req.Progress.report("Getting or creating browser session...", 1, 5)
	sess, err := s.pool.Acquire(ctx, acq)
	if err != nil {
		return InteractResult{}, err
	}
	defer s.pool.Release(sess.ID())
	s.log.Infof("asking session %s (%d chars)", sess.ID(), len(question))

	req.Progress.report("Asking question to notebook...", 2, 5)
	var answer string
	out, err := s.pool.Execute(ctx, sess.ID(), s.ask(sess.ProfileID(), question, sess.Settings(), &answer, req.Progress))
	if err != nil {
		return InteractResult{}, err
	}
	sess.CountMessage()

	if reminder := base.Response.FollowUpReminder; reminder != "" {
		answer = strings.TrimRight(answer, " \n") + reminder
	}
	req.Progress.report("Question answered successfully!", 5, 5)
	return InteractResult{
		Answer:      answer,
		SessionID:   sess.ID(),
		NotebookURL: sess.Target(),
		NotebookRef: sess.NotebookRef(),
		Recovered:   out.Recovered,
		Session:     sess.Info(),
	}, nil
}

// acquireRequest resolves the notebook of req. A live session named
// without a notebook keeps its own.
func (s *Service) acquireRequest(ctx context.Context, req InteractRequest) (session.AcquireRequest, error) {
	acq := session.AcquireRequest{SessionID: req.SessionID, NotebookRef: req.NotebookRef}
	if req.NotebookRef == "" && req.SessionID != "" {
		if _, ok := s.pool.Get(req.SessionID); ok {
			return acq, nil
		}
	}
	target, err := s.resolver.Resolve(ctx, req.NotebookRef)
	if err != nil {
		return acq, err
	}
	acq.Target = target
	if acq.NotebookRef == "" {
		acq.NotebookRef = target
	}
	return acq, nil
}

// ask types question into the chat input and waits for the new response.
// A quota message on the page marks the profile rate limited.
func (s *Service) ask(profileID, question string, settings config.Settings, answer *string, progress ProgressFunc) func(context.Context, browser.Surface) error {
	return func(ctx context.Context, surface browser.Surface) error {
		cfg := humanize.FromStealth(settings.Stealth, settings.Browser.Viewport)
		cfg.Seed = s.seed
		driver := humanize.New(cfg)
		if s.sleeper != nil {
			driver.WithSleeper(s.sleeper)
		}

		before, err := surface.Snapshot(ctx)
		if err != nil {
			return err
		}
		input, err := surface.InputRegion(ctx)
		if err != nil {
			return err
		}
		if err := driver.Click(ctx, surface, input); err != nil {
			return err
		}
		if err := driver.Type(ctx, surface, question); err != nil {
			return err
		}
		if err := driver.Pause(ctx); err != nil {
			return err
		}
		if err := surface.SendInput(ctx, humanize.Event{Kind: humanize.KindKey, Key: "Enter"}); err != nil {
			return err
		}

		progress.report("Waiting for the answer...", 3, 5)
		text, readErr := surface.ReadLatestResponse(ctx, before)
		if limitErr := s.checkRateLimit(ctx, profileID, surface); limitErr != nil {
			return limitErr
		}
		if readErr != nil {
			return readErr
		}
		progress.report("Answer received", 4, 5)
		*answer = text
		return nil
	}
}

func (s *Service) checkRateLimit(ctx context.Context, profileID string, surface browser.Surface) error {
	if !surface.IsAlive() || ctx.Err() != nil {
		return nil
	}
	limited, hint, err := s.probe.RateLimited(ctx, surface)
	if err != nil {
		s.log.Debugf("rate limit probe on %s: %v", profileID, err)
		return nil
	}
	if !limited {
		return nil
	}
	s.log.Warnf("profile %s hit the notebook quota: %s", profileID, hint)
	if _, err := s.auth.MarkRateLimited(profileID, hint); err != nil {
		s.log.Warnf("failed to record rate limit on %s: %v", profileID, err)
	}
	return types.Errorf(types.KindRateLimited, "notebook daily query limit reached").WithProfile(profileID).
		WithHint("use re_auth to switch to another account, wait until tomorrow, or upgrade the plan")
}

// SessionList is the list_sessions view.
type SessionList struct {
	Stats    session.Stats
	Sessions []session.Info
}

// ListSessions returns every live session and the pool stats.
func (s *Service) ListSessions() SessionList {
	return SessionList{Stats: s.pool.Stats(), Sessions: s.pool.List()}
}

// CloseSession destroys session id.
func (s *Service) CloseSession(id string) error {
	if id == "" {
		return types.Errorf(types.KindInvalidInput, "session_id is required")
	}
	return s.pool.Close(id)
}

// ResetSession closes session id and discards its conversation. The
// returned snapshot carries the message count from before the reset.
func (s *Service) ResetSession(id string) (session.Info, error) {
	if id == "" {
		return session.Info{}, types.Errorf(types.KindInvalidInput, "session_id is required")
	}
	return s.pool.Reset(id)
}

// Health is the get_health view.
type Health struct {
	Status             string       `json:"status"`
	Authenticated      bool         `json:"authenticated"`
	NotebookURL        string       `json:"notebook_url"`
	ActiveSessions     int          `json:"active_sessions"`
	MaxSessions        int          `json:"max_sessions"`
	SessionTimeout     int          `json:"session_timeout"`
	TotalMessages      int          `json:"total_messages"`
	Headless           bool         `json:"headless"`
	StealthEnabled     bool         `json:"stealth_enabled"`
	ProfileStrategy    string       `json:"profile_strategy"`
	Profiles           []auth.State `json:"profiles,omitempty"`
	TroubleshootingTip string       `json:"troubleshooting_tip,omitempty"`
}

// Health reports authentication, pool usage and the main settings.
func (s *Service) Health() Health {
	cfg := s.settings()
	stats := s.pool.Stats()
	h := Health{
		Status:          "ok",
		Authenticated:   s.auth.Authenticated() || (s.artifacts != nil && s.artifacts.Valid(profile.BaseID)),
		NotebookURL:     cfg.NotebookURL,
		ActiveSessions:  stats.Live,
		MaxSessions:     stats.Max,
		SessionTimeout:  int(stats.IdleTimeout / time.Second),
		TotalMessages:   stats.TotalMessages,
		Headless:        cfg.Browser.Headless,
		StealthEnabled:  cfg.Stealth.Enabled,
		ProfileStrategy: string(cfg.Profiles.Strategy),
		Profiles:        s.auth.States(),
	}
	if h.NotebookURL == "" {
		h.NotebookURL = "not configured"
	}
	if !h.Authenticated {
		h.TroubleshootingTip = "For a fresh start with a clean browser session: close all Chrome instances, " +
			"run the cleanup command, then setup_auth"
	}
	return h
}

// Close shuts every session down.
func (s *Service) Close(ctx context.Context) error {
	return s.pool.CloseAll(ctx)
}
