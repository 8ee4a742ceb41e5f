package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/browser/browsertest"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(t *testing.T, store StateStore) (*Controller, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := NewController(Options{
		Store:        store,
		Cooldown:     time.Hour,
		LoginTimeout: 200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Now:          clock.Now,
	})
	require.NoError(t, err)
	return c, clock
}

func TestRequire_LoggedOutFailsFast(t *testing.T) {
	c, _ := newTestController(t, nil)

	err := c.Require("base")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAuthRequired)

	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "base", e.ProfileID)
	assert.NotEmpty(t, e.Hint)
}

func TestTransitions(t *testing.T) {
	c, _ := newTestController(t, nil)

	_, err := c.MarkRateLimited("base", "")
	var te *TransitionError
	require.ErrorAs(t, err, &te, "LoggedOut cannot become RateLimited")
	assert.Equal(t, PhaseLoggedOut, te.From)

	st, err := c.BeginManualLogin("base")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingManualLogin, st.Phase)

	// a pending manual login is not completed by Observe
	st, err = c.Observe("base", true)
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingManualLogin, st.Phase)

	st, err = c.Reset("base")
	require.NoError(t, err)
	assert.Equal(t, PhaseLoggedOut, st.Phase)

	st, err = c.Observe("base", true)
	require.NoError(t, err)
	assert.Equal(t, PhaseLoggedIn, st.Phase)
	assert.NoError(t, c.Require("base"))

	st, err = c.Observe("base", false)
	require.NoError(t, err)
	assert.Equal(t, PhaseLoggedOut, st.Phase)
}

func TestRateLimit_CooldownElapses(t *testing.T) {
	var seen []Phase
	c, clock := newTestController(t, nil)
	c.opts.OnTransition = func(_ string, _, to Phase) { seen = append(seen, to) }

	_, err := c.Observe("base", true)
	require.NoError(t, err)
	_, err = c.MarkRateLimited("base", "daily limit reached")
	require.NoError(t, err)

	err = c.Require("base")
	require.ErrorIs(t, err, types.ErrRateLimited)
	assert.Contains(t, types.HintOf(err), "daily limit reached")
	assert.False(t, c.Authenticated())

	clock.Advance(time.Hour)
	require.NoError(t, c.Require("base"))
	assert.Equal(t, PhaseLoggedIn, c.State("base").Phase)
	assert.True(t, c.Authenticated())

	assert.Equal(t, []Phase{PhaseLoggedIn, PhaseRateLimited, PhaseLoggedIn}, seen)
}

func TestSwitchAccount_ClearsRateLimit(t *testing.T) {
	c, _ := newTestController(t, nil)
	_, err := c.Observe("base", true)
	require.NoError(t, err)
	_, err = c.MarkRateLimited("base", "")
	require.NoError(t, err)

	st, err := c.SwitchAccount("base", "second@example.com")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingManualLogin, st.Phase)
	assert.Equal(t, "second@example.com", st.AccountHint)
	assert.True(t, st.CooldownUntil.IsZero())
	assert.ErrorIs(t, c.Require("base"), types.ErrAuthRequired)
}

func TestAwaitLogin_Succeeds(t *testing.T) {
	c, _ := newTestController(t, nil)
	c.opts.LoginTimeout = 2 * time.Second
	probe := browsertest.NewStaticProbe(false)
	surface := browsertest.NewSurface()

	go func() {
		time.Sleep(30 * time.Millisecond)
		probe.SetLoggedIn(true)
	}()

	st, err := c.AwaitLogin(context.Background(), "base", surface, probe)
	require.NoError(t, err)
	assert.Equal(t, PhaseLoggedIn, st.Phase)
}

func TestAwaitLogin_TimeoutRevertsToLoggedOut(t *testing.T) {
	c, _ := newTestController(t, nil)
	probe := browsertest.NewStaticProbe(false)

	st, err := c.AwaitLogin(context.Background(), "base", browsertest.NewSurface(), probe)
	require.ErrorIs(t, err, types.ErrAuthRequired)
	assert.Equal(t, PhaseLoggedOut, st.Phase)
	assert.Contains(t, err.Error(), "not completed")
}

func TestAwaitLogin_WindowClosed(t *testing.T) {
	c, _ := newTestController(t, nil)
	surface := browsertest.NewSurface()
	surface.Kill()

	st, err := c.AwaitLogin(context.Background(), "base", surface, browsertest.NewStaticProbe(false))
	require.ErrorIs(t, err, types.ErrAuthRequired)
	assert.Equal(t, PhaseLoggedOut, st.Phase)
	assert.Contains(t, err.Error(), "closed")
}

func TestBoltStore_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)

	c, _ := newTestController(t, store)
	_, err = c.Observe("base", true)
	require.NoError(t, err)
	_, err = c.MarkRateLimited("base", "quota")
	require.NoError(t, err)
	_, err = c.BeginManualLogin("instance-abc")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()
	restored, _ := newTestController(t, store)

	base := restored.State("base")
	assert.Equal(t, PhaseRateLimited, base.Phase)
	assert.Equal(t, "quota", base.LimitHint)
	assert.Equal(t, PhaseLoggedOut, restored.State("instance-abc").Phase, "pending logins do not survive a restart")

	require.NoError(t, restored.Forget("base"))
	states, err := store.Load()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "instance-abc", states[0].ProfileID)
}

func TestArtifactStore(t *testing.T) {
	probe := browser.DefaultProbe()
	store, err := NewArtifactStore(t.TempDir(), 24*time.Hour, probe.HasCriticalCookies)
	require.NoError(t, err)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err = store.Load("base")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, store.Save("base", []browser.Cookie{{Name: "NID", Value: "x", Domain: ".google.com"}}))
	assert.False(t, store.Valid("base"), "no critical cookie")

	src := browsertest.NewSurface()
	require.NoError(t, src.AddCookies(ctx, []browser.Cookie{{Name: "SID", Value: "s", Domain: ".google.com"}}))
	require.NoError(t, store.Export(ctx, "base", src))
	assert.True(t, store.Valid("base"))

	dst := browsertest.NewSurface()
	ok, err := store.Import(ctx, "base", dst)
	require.NoError(t, err)
	assert.True(t, ok)
	cookies, err := dst.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "SID", cookies[0].Name)

	now = now.Add(25 * time.Hour)
	assert.False(t, store.Valid("base"), "stale export")
	ok, err = store.Import(ctx, "base", browsertest.NewSurface())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Clear("base"))
	require.NoError(t, store.Clear("base"))
	_, err = store.Load("../escape")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
