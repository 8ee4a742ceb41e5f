package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

func newTestAllocator(t *testing.T, strategy config.ProfileStrategy) *Allocator {
	t.Helper()
	root := t.TempDir()
	a, err := NewAllocator(Options{
		Strategy:     strategy,
		BaseDir:      filepath.Join(root, "chrome_profile"),
		InstancesDir: filepath.Join(root, "chrome_profile_instances"),
		Retention:    time.Hour,
	})
	require.NoError(t, err)
	return a
}

// lockExternally simulates another process holding dir.
func lockExternally(t *testing.T, dir string) {
	t.Helper()
	// pid 1 is always alive on unix
	content := fmt.Sprintf("owner = \"other\"\npid = 1\nacquired_at = %s\n", time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte(content), 0600))
}

func TestAllocate_Single(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)

	p, err := a.Allocate("s1")
	require.NoError(t, err)
	assert.Equal(t, BaseID, p.ID)
	assert.Equal(t, OriginBase, p.Origin)
	assert.Equal(t, "s1", p.LockOwner)
	assert.FileExists(t, filepath.Join(p.Path, lockFileName))

	_, err = a.Allocate("s2")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProfileLockContention)
}

func TestAllocate_ReleaseRoundTrip(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)

	p, err := a.Allocate("s1")
	require.NoError(t, err)
	require.NoError(t, a.Release(p.ID))
	assert.NoFileExists(t, filepath.Join(p.Path, lockFileName))
	assert.False(t, a.Locked(p.ID))

	again, err := a.Allocate("s2")
	require.NoError(t, err)
	assert.Equal(t, p.Path, again.Path)
	assert.Equal(t, "s2", again.LockOwner)
}

func TestAllocate_Isolated(t *testing.T) {
	a := newTestAllocator(t, config.StrategyIsolated)

	p1, err := a.Allocate("s1")
	require.NoError(t, err)
	p2, err := a.Allocate("s2")
	require.NoError(t, err)

	assert.NotEqual(t, p1.Path, p2.Path)
	assert.Equal(t, OriginIsolated, p1.Origin)
	assert.FileExists(t, filepath.Join(p1.Path, tagFileName))
	assert.True(t, instancePattern.Match(p1.ID))
}

func TestAllocate_AutoFallsBackWhenBaseHeld(t *testing.T) {
	a := newTestAllocator(t, config.StrategyAuto)

	base, err := a.Allocate("s1")
	require.NoError(t, err)
	assert.Equal(t, BaseID, base.ID)

	next, err := a.Allocate("s2")
	require.NoError(t, err)
	assert.Equal(t, OriginIsolated, next.Origin)
}

func TestAllocate_AutoFallsBackWhenLockedExternally(t *testing.T) {
	a := newTestAllocator(t, config.StrategyAuto)
	lockExternally(t, a.opts.BaseDir)

	p, err := a.Allocate("s1")
	require.NoError(t, err)
	assert.Equal(t, OriginIsolated, p.Origin)

	single, err := a.AllocateWith(config.StrategySingle, "s2")
	assert.Nil(t, single)
	assert.ErrorIs(t, err, types.ErrProfileLockContention)
}

func TestAllocate_StaleMarkerReclaimed(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)
	stale := "owner = \"ghost\"\npid = -1\n"
	require.NoError(t, os.WriteFile(filepath.Join(a.opts.BaseDir, lockFileName), []byte(stale), 0600))

	p, err := a.Allocate("s1")
	require.NoError(t, err)
	info, err := readLock(filepath.Join(p.Path, lockFileName))
	require.NoError(t, err)
	assert.Equal(t, "s1", info.Owner)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestAllocate_UnwrittenMarkerHeldUntilSettled(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)
	path := filepath.Join(a.opts.BaseDir, lockFileName)
	// created by another process that has not written its pid yet
	require.NoError(t, os.WriteFile(path, nil, 0600))

	_, err := a.Allocate("s1")
	require.ErrorIs(t, err, types.ErrProfileLockContention)
	assert.FileExists(t, path)
	assert.True(t, markerHeld(a.opts.BaseDir))

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	assert.False(t, markerHeld(a.opts.BaseDir))

	p, err := a.Allocate("s1")
	require.NoError(t, err)
	info, err := readLock(filepath.Join(p.Path, lockFileName))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestAllocate_ChromeSingletonCountsAsLock(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)
	host, err := os.Hostname()
	require.NoError(t, err)
	require.NoError(t, os.Symlink(fmt.Sprintf("%s-%d", host, os.Getpid()), filepath.Join(a.opts.BaseDir, chromeSingleton)))

	_, err = a.Allocate("s1")
	assert.ErrorIs(t, err, types.ErrProfileLockContention)
}

func TestAllocate_ConcurrentSingleHasOneWinner(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := a.Allocate(fmt.Sprintf("s%d", i)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRelease_UnknownProfile(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)
	assert.ErrorIs(t, a.Release("instance-missing"), types.ErrNotFound)
}

func TestRelease_MarksExpiredIsolated(t *testing.T) {
	a := newTestAllocator(t, config.StrategyIsolated)
	now := time.Now()
	a.opts.Now = func() time.Time { return now }

	p, err := a.Allocate("s1")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	require.NoError(t, a.Release(p.ID))
	assert.DirExists(t, p.Path, "marked, not deleted")

	insts, err := a.Instances()
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.True(t, insts[0].Marked)
	assert.False(t, insts[0].Locked)
}

func TestClone_ExcludesLiveState(t *testing.T) {
	root := t.TempDir()
	a, err := NewAllocator(Options{
		Strategy:        config.StrategyIsolated,
		BaseDir:         filepath.Join(root, "base"),
		InstancesDir:    filepath.Join(root, "inst"),
		CloneOnIsolated: true,
	})
	require.NoError(t, err)

	base := a.opts.BaseDir
	require.NoError(t, os.MkdirAll(filepath.Join(base, "Default"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(base, "Default", "Cookies"), []byte("c"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "Local State"), []byte("{}"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "SingletonCookie"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "Default", "LOCK"), []byte(""), 0600))
	lockExternally(t, base)

	p, err := a.Allocate("s1")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(p.Path, "Default", "Cookies"))
	assert.FileExists(t, filepath.Join(p.Path, "Local State"))
	assert.NoFileExists(t, filepath.Join(p.Path, "SingletonCookie"))
	assert.NoFileExists(t, filepath.Join(p.Path, "Default", "LOCK"))

	info, err := readLock(filepath.Join(p.Path, lockFileName))
	require.NoError(t, err)
	assert.Equal(t, "s1", info.Owner, "base lock marker must not be copied")
}

func TestClaimAndWipe(t *testing.T) {
	a := newTestAllocator(t, config.StrategySingle)
	require.NoError(t, os.WriteFile(filepath.Join(a.opts.BaseDir, "Cookies"), []byte("c"), 0600))

	p, err := a.Claim(BaseID, "auth")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Wipe(BaseID, "someone-else"), types.ErrProfileLockContention)
	require.NoError(t, a.Wipe(BaseID, "auth"))
	assert.NoFileExists(t, filepath.Join(p.Path, "Cookies"))
	assert.FileExists(t, filepath.Join(p.Path, lockFileName))
}

func TestRemove(t *testing.T) {
	a := newTestAllocator(t, config.StrategyIsolated)

	p, err := a.Allocate("s1")
	require.NoError(t, err)
	assert.ErrorIs(t, a.Remove(p.ID), types.ErrProfileLockContention)

	require.NoError(t, a.Release(p.ID))
	require.NoError(t, a.Remove(p.ID))
	assert.NoDirExists(t, p.Path)

	assert.ErrorIs(t, a.Remove(BaseID), types.ErrInvalidInput)
}

func TestPathFor_RejectsTraversal(t *testing.T) {
	a := newTestAllocator(t, config.StrategyAuto)
	_, err := a.PathFor("instance-../../etc")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = a.PathFor("random")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
