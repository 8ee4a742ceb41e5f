package browser_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/browser/browsertest"
	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

func TestIsSurfaceClosed(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Target page, context or browser has been closed"), true},
		{errors.New("Browser has been closed"), true},
		{errors.New("Context 4f2 closed unexpectedly"), true},
		{errors.New("Target closed"), true},
		{fmt.Errorf("input: %w", browser.ErrSurfaceClosed), true},
		{types.NewError(types.KindSurfaceCrashed, nil), true},
		{errors.New("timeout 30000ms exceeded"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, browser.IsSurfaceClosed(tt.err), "%v", tt.err)
	}
}

func TestIsProfileInUse(t *testing.T) {
	assert.True(t, browser.IsProfileInUse(errors.New("Failed to create a ProcessSingleton for your profile directory")))
	assert.True(t, browser.IsProfileInUse(errors.New("SingletonLock: File exists")))
	assert.True(t, browser.IsProfileInUse(fmt.Errorf("launch: %w", browser.ErrProfileInUse)))
	assert.False(t, browser.IsProfileInUse(errors.New("executable doesn't exist")))
	assert.False(t, browser.IsProfileInUse(nil))
}

func TestSiteMatching(t *testing.T) {
	assert.Equal(t, "google.com", browser.SiteOf("https://accounts.google.com/signin"))
	assert.Equal(t, "google.com", browser.SiteOf("https://notebooklm.google.com/notebook/x"))
	assert.Equal(t, "example.co.uk", browser.SiteOf("https://www.example.co.uk/"))

	cookies := []browser.Cookie{
		{Name: "SID", Domain: ".google.com"},
		{Name: "SID", Domain: "evil-google.com"},
		{Name: "NID", Domain: "accounts.google.com"},
	}
	kept := browser.FilterSite(cookies, "google.com")
	require.Len(t, kept, 2)
	assert.Equal(t, ".google.com", kept[0].Domain)
	assert.Equal(t, "accounts.google.com", kept[1].Domain)
}

func TestNotebookProbe_LoggedIn(t *testing.T) {
	probe := browser.DefaultProbe()
	ctx := context.Background()

	s := browsertest.NewSurface()
	s.SetURL("https://accounts.google.com/v3/signin/identifier")
	ok, err := probe.LoggedIn(ctx, s)
	require.NoError(t, err)
	assert.False(t, ok, "login page")

	s.SetURL("https://notebooklm.google.com/notebook/abc")
	ok, err = probe.LoggedIn(ctx, s)
	require.NoError(t, err)
	assert.False(t, ok, "no auth cookies yet")

	require.NoError(t, s.AddCookies(ctx, []browser.Cookie{{Name: "__Secure-1PSID", Value: "x", Domain: ".google.com"}}))
	ok, err = probe.LoggedIn(ctx, s)
	require.NoError(t, err)
	assert.True(t, ok)

	s.Kill()
	_, err = probe.LoggedIn(ctx, s)
	assert.ErrorIs(t, err, browser.ErrSurfaceClosed)
}

func TestNotebookProbe_RateLimited(t *testing.T) {
	probe := browser.DefaultProbe()
	ctx := context.Background()
	s := browsertest.NewSurface()

	limited, _, err := probe.RateLimited(ctx, s)
	require.NoError(t, err)
	assert.False(t, limited)

	s.SetAlerts("Something went wrong", "You have reached your daily limit of chats. Come back tomorrow.")
	limited, hint, err := probe.RateLimited(ctx, s)
	require.NoError(t, err)
	assert.True(t, limited)
	assert.Contains(t, hint, "daily limit")
}

func TestLaunchOptionsFrom(t *testing.T) {
	s := config.Default()
	s.Browser.Headless = false
	opts := browser.LaunchOptionsFrom(s, "/tmp/profile")

	assert.Equal(t, "/tmp/profile", opts.ProfileDir)
	assert.False(t, opts.Headless)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, s.Browser.Viewport, opts.Viewport)
}

func TestSnapshot(t *testing.T) {
	snap := browser.NewSnapshot([]string{"a", "b"})
	assert.Equal(t, 2, snap.Count)
	assert.True(t, snap.Contains("a"))
	assert.False(t, snap.Contains("c"))
}

func TestRuntime_LaunchBeforeInitialize(t *testing.T) {
	rt := browser.NewRuntime(nil)
	_, err := rt.Launch(context.Background(), browser.LaunchOptions{ProfileDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
	assert.NoError(t, rt.Close())
}
