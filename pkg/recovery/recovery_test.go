package recovery

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
	"github.com/entrhq/notebook-bridge/pkg/types"
)

type binding struct {
	surface    *browsertest.Surface
	rebuilds   int
	rebuildErr error
	prepare    func(*browsertest.Surface)
}

func (b *binding) ID() string                { return "abcd1234" }
func (b *binding) Surface() browser.Surface { return b.surface }

func (b *binding) Rebuild(ctx context.Context) (browser.Surface, error) {
	b.rebuilds++
	if b.rebuildErr != nil {
		return nil, b.rebuildErr
	}
	b.surface = browsertest.NewSurface()
	if b.prepare != nil {
		b.prepare(b.surface)
	}
	return b.surface, nil
}

func navigate(ctx context.Context, s browser.Surface) error {
	return s.Navigate(ctx, "https://notebooklm.google.com/notebook/x")
}

func TestRun_HealthySurface(t *testing.T) {
	b := &binding{surface: browsertest.NewSurface()}
	out, err := New(nil).Run(context.Background(), b, navigate)
	require.NoError(t, err)
	assert.False(t, out.Recovered)
	assert.Zero(t, b.rebuilds)
}

func TestRun_DeadBeforeInteraction(t *testing.T) {
	b := &binding{surface: browsertest.NewSurface()}
	b.surface.Kill()

	var reports []bool
	c := New(nil)
	c.OnRecovery = func(ok bool) { reports = append(reports, ok) }

	out, err := c.Run(context.Background(), b, navigate)
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, 1, b.rebuilds)
	assert.Equal(t, []bool{true}, reports)
	assert.Len(t, b.surface.Navigations(), 1)
}

func TestRun_CrashDuringInteractionReplaysOnce(t *testing.T) {
	first := browsertest.NewSurface()
	b := &binding{surface: first}
	calls := 0
	act := func(ctx context.Context, s browser.Surface) error {
		calls++
		if s == first {
			first.Kill()
			return fmt.Errorf("page.fill: Target page, context or browser has been closed")
		}
		return navigate(ctx, s)
	}

	out, err := New(nil).Run(context.Background(), b, act)
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, b.rebuilds)
}

func TestRun_ReplayFailureIsUnrecoverable(t *testing.T) {
	b := &binding{surface: browsertest.NewSurface()}
	b.surface.Kill()
	b.prepare = func(s *browsertest.Surface) { s.Kill() }

	out, err := New(nil).Run(context.Background(), b, navigate)
	require.Error(t, err)
	assert.True(t, out.Recovered)
	assert.ErrorIs(t, err, types.ErrSurfaceUnrecoverable)
	assert.Equal(t, 1, b.rebuilds, "only one rebuild is attempted")

	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "abcd1234", e.SessionID)
}

func TestRun_RebuildFailureIsUnrecoverable(t *testing.T) {
	b := &binding{surface: browsertest.NewSurface(), rebuildErr: errors.New("launch failed")}
	b.surface.Kill()

	_, err := New(nil).Run(context.Background(), b, navigate)
	assert.ErrorIs(t, err, types.ErrSurfaceUnrecoverable)
	assert.Contains(t, err.Error(), "launch failed")
}

func TestRun_OrdinaryFailureIsNotRecovered(t *testing.T) {
	b := &binding{surface: browsertest.NewSurface()}
	boom := errors.New("chat input not found")

	_, err := New(nil).Run(context.Background(), b, func(context.Context, browser.Surface) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, b.rebuilds)
}

func TestRun_TimeoutIsNotRecovered(t *testing.T) {
	b := &binding{surface: browsertest.NewSurface()}
	b.surface.ReadBlock = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(nil).Run(ctx, b, func(ctx context.Context, s browser.Surface) error {
		_, err := s.ReadLatestResponse(ctx, browser.Snapshot{})
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.rebuilds)
}
