package notebook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/notebook-bridge/pkg/auth"
	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/browser/browsertest"
	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/profile"
	"github.com/entrhq/notebook-bridge/pkg/session"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

const notebookURL = "https://notebooklm.google.com/notebook/abc"

var loginCookies = []browser.Cookie{{Name: "SID", Value: "v", Domain: ".google.com", Path: "/"}}

type fixture struct {
	svc       *Service
	pool      *session.Pool
	auth      *auth.Controller
	artifacts *auth.ArtifactStore
	alloc     *profile.Allocator
	launcher  *browsertest.Launcher
	probe     *browsertest.StaticProbe
	settings  config.Settings
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()
	s := config.Default()
	s.DataDir = t.TempDir()
	s.NotebookURL = notebookURL
	s.Browser.LaunchRate = 1000
	s.Browser.LaunchBurst = 100
	s.Auth.LoginTimeout = 100 * time.Millisecond
	s.Auth.PollInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&s)
	}

	alloc, err := profile.NewAllocator(profile.OptionsFromSettings(s))
	require.NoError(t, err)
	ctrl, err := auth.NewController(auth.Options{
		LoginTimeout: s.Auth.LoginTimeout,
		PollInterval: s.Auth.PollInterval,
	})
	require.NoError(t, err)
	artifacts, err := auth.NewArtifactStore(s.StateDir(), s.Auth.StateMaxAge, browser.DefaultProbe().HasCriticalCookies)
	require.NoError(t, err)

	f := &fixture{
		auth:      ctrl,
		artifacts: artifacts,
		alloc:     alloc,
		launcher:  browsertest.NewLauncher(),
		probe:     browsertest.NewStaticProbe(true),
		settings:  s,
	}
	f.launcher.Prepare = func(surface *browsertest.Surface) {
		surface.AddCookies(context.Background(), loginCookies)
	}
	f.pool, err = session.NewPool(session.Options{
		Settings:  s,
		Launcher:  f.launcher,
		Allocator: alloc,
		Auth:      ctrl,
		Artifacts: artifacts,
		Probe:     f.probe,
	})
	require.NoError(t, err)
	f.svc, err = New(Options{
		Pool:      f.pool,
		Auth:      ctrl,
		Artifacts: artifacts,
		Allocator: alloc,
		Launcher:  f.launcher,
		Probe:     f.probe,
		Sleeper:   noSleep,
		Seed:      7,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.svc.Close(context.Background()) })
	return f
}

func boolPtr(v bool) *bool { return &v }

func TestInteract_AnswersWithReminder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var steps []int
	res, err := f.svc.Interact(ctx, InteractRequest{
		Question: "What is the main finding?",
		Progress: func(_ string, step, _ int) { steps = append(steps, step) },
	})
	require.NoError(t, err)

	assert.Equal(t, "answer: What is the main finding?"+config.DefaultFollowUpReminder, res.Answer)
	assert.Len(t, res.SessionID, 8)
	assert.Equal(t, notebookURL, res.NotebookRef)
	assert.Equal(t, 1, res.Session.MessageCount)
	assert.False(t, res.Recovered)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, steps)
	assert.Equal(t, []string{notebookURL}, f.launcher.Last().Navigations())

	again, err := f.svc.Interact(ctx, InteractRequest{Question: "And the second?", SessionID: res.SessionID})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, again.SessionID)
	assert.Equal(t, 2, again.Session.MessageCount)
	assert.Equal(t, 1, f.launcher.Count(), "the session is reused")
}

func TestInteract_ReminderDisabled(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Response.FollowUpReminder = "" })

	res, err := f.svc.Interact(context.Background(), InteractRequest{Question: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "answer: hi", res.Answer)
}

func TestInteract_InvalidInput(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.NotebookURL = "" })
	ctx := context.Background()

	_, err := f.svc.Interact(ctx, InteractRequest{Question: "   "})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = f.svc.Interact(ctx, InteractRequest{Question: "hi"})
	assert.ErrorIs(t, err, types.ErrInvalidInput, "no notebook and no default")

	_, err = f.svc.Interact(ctx, InteractRequest{Question: "hi", NotebookRef: "not a url"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	bad := 0
	_, err = f.svc.Interact(ctx, InteractRequest{
		Question:    "hi",
		NotebookRef: notebookURL,
		Options:     &config.BrowserOptions{Viewport: &config.Viewport{}, Stealth: &config.StealthOptions{TypingWPMMin: &bad}},
	})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Zero(t, f.launcher.Count())
}

func TestInteract_NamedNotebook(t *testing.T) {
	target := "https://notebooklm.google.com/notebook/research"
	f := newFixture(t, func(s *config.Settings) {
		s.Notebooks = map[string]string{"research": target}
	})

	res, err := f.svc.Interact(context.Background(), InteractRequest{Question: "hi", NotebookRef: "research"})
	require.NoError(t, err)
	assert.Equal(t, target, res.NotebookURL)
	assert.Equal(t, "research", res.NotebookRef)

	// a follow-up without a notebook stays on the session's
	again, err := f.svc.Interact(context.Background(), InteractRequest{Question: "more", SessionID: res.SessionID})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, again.SessionID)
	assert.Equal(t, target, again.NotebookURL)
	assert.Equal(t, "research", again.NotebookRef)
	assert.Equal(t, []string{target}, f.launcher.Last().Navigations())
}

func TestInteract_RateLimitMarksProfile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Interact(ctx, InteractRequest{Question: "one"})
	require.NoError(t, err)
	profileID := first.Session.ProfileID

	f.probe.SetRateLimited(true, "You have reached your daily limit")
	_, err = f.svc.Interact(ctx, InteractRequest{Question: "two", SessionID: first.SessionID})
	require.ErrorIs(t, err, types.ErrRateLimited)
	assert.Contains(t, types.HintOf(err), "re_auth")
	assert.Equal(t, auth.PhaseRateLimited, f.auth.State(profileID).Phase)

	events := len(f.launcher.Last().Events())
	_, err = f.svc.Interact(ctx, InteractRequest{Question: "three", SessionID: first.SessionID})
	require.ErrorIs(t, err, types.ErrRateLimited)
	assert.Len(t, f.launcher.Last().Events(), events, "refused before any input")
}

func TestInteract_VisibilityChangeReplacesSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Interact(ctx, InteractRequest{Question: "one"})
	require.NoError(t, err)
	assert.True(t, first.Session.Headless)

	second, err := f.svc.Interact(ctx, InteractRequest{Question: "two", SessionID: first.SessionID, ShowBrowser: boolPtr(true)})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.False(t, second.Session.Headless)
	assert.Equal(t, 2, f.launcher.Count())
	assert.False(t, f.launcher.Surfaces()[0].IsAlive())
}

func TestInteract_RecoversCrashedSurface(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Interact(ctx, InteractRequest{Question: "one"})
	require.NoError(t, err)
	f.launcher.Last().Kill()

	second, err := f.svc.Interact(ctx, InteractRequest{Question: "two", SessionID: first.SessionID})
	require.NoError(t, err)
	assert.True(t, second.Recovered)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.True(t, strings.HasPrefix(second.Answer, "answer: two"))
	assert.Equal(t, 2, f.launcher.Count())
}

func TestSessions_ListResetClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Interact(ctx, InteractRequest{Question: "one"})
	require.NoError(t, err)

	list := f.svc.ListSessions()
	assert.Equal(t, 1, list.Stats.Live)
	assert.Equal(t, 10, list.Stats.Max)
	assert.Equal(t, 1, list.Stats.TotalMessages)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, res.SessionID, list.Sessions[0].ID)

	info, err := f.svc.ResetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.MessageCount)
	assert.Empty(t, f.svc.ListSessions().Sessions)

	assert.ErrorIs(t, f.svc.CloseSession(res.SessionID), types.ErrNotFound)
	assert.ErrorIs(t, f.svc.CloseSession(""), types.ErrInvalidInput)
	_, err = f.svc.ResetSession("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.NotebookURL = "" })

	h := f.svc.Health()
	assert.Equal(t, "ok", h.Status)
	assert.False(t, h.Authenticated)
	assert.NotEmpty(t, h.TroubleshootingTip)
	assert.Equal(t, "not configured", h.NotebookURL)
	assert.Equal(t, 900, h.SessionTimeout)
	assert.True(t, h.Headless)
	assert.True(t, h.StealthEnabled)

	_, err := f.svc.Interact(context.Background(), InteractRequest{Question: "hi", NotebookRef: notebookURL})
	require.NoError(t, err)

	h = f.svc.Health()
	assert.True(t, h.Authenticated)
	assert.Empty(t, h.TroubleshootingTip)
	assert.Equal(t, 1, h.ActiveSessions)
	assert.Equal(t, 1, h.TotalMessages)
	assert.NotEmpty(t, h.Profiles)
}

func TestSetupAuth_SavesLogin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.SetupAuth(ctx, AuthRequest{})
	require.NoError(t, err)
	assert.Equal(t, "authenticated", res.Status)
	assert.True(t, res.Authenticated)
	assert.Equal(t, profile.BaseID, res.ProfileID)
	assert.Equal(t, auth.PhaseLoggedIn, res.Phase)

	surface := f.launcher.Last()
	assert.False(t, surface.Headless, "login window is visible")
	assert.Equal(t, []string{f.settings.Auth.LoginURL}, surface.Navigations())
	assert.Equal(t, 1, surface.Closes())
	assert.True(t, f.artifacts.Valid(profile.BaseID))
	_, held := f.alloc.Lookup(profile.BaseID)
	assert.False(t, held)

	again, err := f.svc.SetupAuth(ctx, AuthRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Already authenticated", again.Message)
	assert.Equal(t, 1, f.launcher.Count())
}

func TestSetupAuth_TimeoutLeavesLoggedOut(t *testing.T) {
	f := newFixture(t, nil)
	f.probe.SetLoggedIn(false)

	_, err := f.svc.SetupAuth(context.Background(), AuthRequest{ShowBrowser: boolPtr(false)})
	require.ErrorIs(t, err, types.ErrAuthRequired)
	assert.Equal(t, auth.PhaseLoggedOut, f.auth.State(profile.BaseID).Phase)
	assert.True(t, f.launcher.Last().Headless)
	assert.Equal(t, 1, f.launcher.Last().Closes())
	assert.False(t, f.artifacts.Valid(profile.BaseID))
}

func TestSetupAuth_RateLimitedIsRefused(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.auth.Observe(profile.BaseID, true)
	require.NoError(t, err)
	_, err = f.auth.MarkRateLimited(profile.BaseID, "daily limit")
	require.NoError(t, err)

	_, err = f.svc.SetupAuth(context.Background(), AuthRequest{})
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Zero(t, f.launcher.Count())
}

func TestReAuth_ClearsAndLogsInAgain(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Profiles.Strategy = config.StrategySingle })
	ctx := context.Background()

	res, err := f.svc.Interact(ctx, InteractRequest{Question: "one"})
	require.NoError(t, err)
	require.Equal(t, profile.BaseID, res.Session.ProfileID)
	sessionSurface := f.launcher.Last()
	require.NoError(t, f.artifacts.Save(profile.BaseID, loginCookies))
	_, err = f.auth.MarkRateLimited(profile.BaseID, "daily limit")
	require.NoError(t, err)

	stale := filepath.Join(f.settings.ProfileDir(), "Cookies")
	require.NoError(t, os.WriteFile(stale, []byte("old account"), 0600))

	out, err := f.svc.ReAuth(ctx, AuthRequest{})
	require.NoError(t, err)
	assert.True(t, out.Authenticated)
	assert.Equal(t, auth.PhaseLoggedIn, f.auth.State(profile.BaseID).Phase)
	assert.Zero(t, f.pool.Len(), "sessions are closed")
	assert.False(t, sessionSurface.IsAlive())
	assert.NoFileExists(t, stale)
	assert.True(t, f.artifacts.Valid(profile.BaseID), "new login is saved")

	// the pool is still usable afterwards
	_, err = f.svc.Interact(ctx, InteractRequest{Question: "two"})
	assert.NoError(t, err)
}

func TestReAuth_RefusesNewSessionsDuringLogin(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Profiles.Strategy = config.StrategySingle })
	ctx := context.Background()

	_, err := f.svc.Interact(ctx, InteractRequest{Question: "one"})
	require.NoError(t, err)
	launched := f.launcher.Count()

	// a login in progress on the profile keeps new sessions off it
	_, err = f.auth.ReAuth(profile.BaseID)
	require.NoError(t, err)
	_, err = f.pool.Drain(ctx)
	require.NoError(t, err)
	_, err = f.svc.Interact(ctx, InteractRequest{Question: "two"})
	require.ErrorIs(t, err, types.ErrAuthRequired)
	assert.Equal(t, launched, f.launcher.Count(), "no browser is launched")
	_, held := f.alloc.Lookup(profile.BaseID)
	assert.False(t, held)
}

func TestReAuth_FailureBeforeLoginResetsPhase(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Profiles.Strategy = config.StrategySingle })
	f.launcher.FailProfile(f.settings.ProfileDir(), fmt.Errorf("%w: ProcessSingleton", browser.ErrProfileInUse))

	_, err := f.svc.ReAuth(context.Background(), AuthRequest{})
	require.ErrorIs(t, err, types.ErrProfileLockContention)
	assert.Equal(t, auth.PhaseLoggedOut, f.auth.State(profile.BaseID).Phase)
	_, held := f.alloc.Lookup(profile.BaseID)
	assert.False(t, held)
}

func TestInteract_ReleasesSession(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.Sessions.MaxSessions = 1
		s.Profiles.Strategy = config.StrategyIsolated
	})
	ctx := context.Background()

	first, err := f.svc.Interact(ctx, InteractRequest{Question: "one"})
	require.NoError(t, err)
	second, err := f.svc.Interact(ctx, InteractRequest{Question: "two"})
	require.NoError(t, err, "an answered session may be evicted for a new one")
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, f.pool.Len())
}

func TestSwitchAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SwitchAccount(ctx, AuthRequest{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	res, err := f.svc.SwitchAccount(ctx, AuthRequest{AccountHint: "work"})
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	st := f.auth.State(profile.BaseID)
	assert.Equal(t, "work", st.AccountHint)
	assert.Equal(t, auth.PhaseLoggedIn, st.Phase)
}

func TestResolvers(t *testing.T) {
	ctx := context.Background()

	r := URLResolver{Default: func() string { return notebookURL }}
	target, err := r.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, notebookURL, target)

	_, err = r.Resolve(ctx, "ftp://example.com/nb")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	named := NamedResolver{Names: func() map[string]string { return map[string]string{"a": "https://x.test/a"} }}
	chain := Chain(named, URLResolver{})
	target, err = chain.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/a", target)

	target, err = chain.Resolve(ctx, "https://x.test/b")
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/b", target)

	_, err = chain.Resolve(ctx, "b")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
