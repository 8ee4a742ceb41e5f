// Package profile owns the filesystem-backed browser identities used by
// sessions and guarantees that no two owners ever hold the same profile
// directory at once.
//
// Two kinds of profiles exist. The base profile is the one shared directory
// that keeps the user's login between runs. Isolated profiles are fresh
// directories named instance-<id>, created per session and optionally
// seeded from the base profile. Every held profile carries a lock marker
// file, so a second process using the same data directory sees the lock too.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// Origin tells where a profile came from.
type Origin string

const (
	OriginBase     Origin = "base"
	OriginIsolated Origin = "isolated"
)

// BaseID identifies the shared base profile.
const BaseID = "base"

const instancePrefix = "instance-"

var instancePattern = glob.MustCompile(instancePrefix + "*")

// Profile is a browser identity directory and its current lock holder.
type Profile struct {
	ID        string
	Path      string
	Origin    Origin
	LockOwner string
	CreatedAt time.Time
}

// Instance describes an isolated profile found on disk.
type Instance struct {
	ID        string
	Path      string
	CreatedAt time.Time
	Locked    bool
	Marked    bool
}

// Options configures an Allocator.
type Options struct {
	Strategy        config.ProfileStrategy
	BaseDir         string
	InstancesDir    string
	CloneOnIsolated bool
	// Isolated profiles released after this age are marked for cleanup.
	Retention time.Duration

	Logger *logging.Logger
	Now    func() time.Time
}

// OptionsFromSettings maps settings onto allocator options.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Strategy:        s.Profiles.Strategy,
		BaseDir:         s.ProfileDir(),
		InstancesDir:    s.InstancesDir(),
		CloneOnIsolated: s.Profiles.CloneOnIsolated,
		Retention:       s.Profiles.InstanceTTL,
	}
}

// Allocator grants and revokes profile locks. It is the only component that
// writes lock markers.
type Allocator struct {
	mu     sync.Mutex
	opts   Options
	log    *logging.Logger
	held   map[string]*Profile
	marked map[string]bool
}

// NewAllocator prepares the profile directories.
func NewAllocator(opts Options) (*Allocator, error) {
	if opts.BaseDir == "" || opts.InstancesDir == "" {
		return nil, fmt.Errorf("profile directories are required")
	}
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyAuto
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	for _, dir := range []string{opts.BaseDir, opts.InstancesDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create profile directory %s: %w", dir, err)
		}
	}
	return &Allocator{
		opts:   opts,
		log:    opts.Logger,
		held:   make(map[string]*Profile),
		marked: make(map[string]bool),
	}, nil
}

// Strategy returns the configured strategy.
func (a *Allocator) Strategy() config.ProfileStrategy {
	return a.opts.Strategy
}

// Allocate returns a profile locked for owner using the configured strategy.
func (a *Allocator) Allocate(owner string) (*Profile, error) {
	return a.AllocateWith(a.opts.Strategy, owner)
}

// AllocateWith returns a profile locked for owner. The returned profile was
// unlocked immediately before the call.
func (a *Allocator) AllocateWith(strategy config.ProfileStrategy, owner string) (*Profile, error) {
	switch strategy {
	case config.StrategySingle:
		return a.claimBase(owner)
	case config.StrategyIsolated:
		return a.newIsolated(owner)
	case config.StrategyAuto:
		p, err := a.claimBase(owner)
		if err == nil {
			return p, nil
		}
		if types.KindOf(err) != types.KindProfileLockContention {
			return nil, err
		}
		a.log.Infof("base profile busy (%v), falling back to isolated profile for %s", err, owner)
		return a.newIsolated(owner)
	default:
		return nil, types.Errorf(types.KindInvalidInput, "unknown profile strategy %q", strategy)
	}
}

// Isolated always returns a fresh isolated profile locked for owner.
func (a *Allocator) Isolated(owner string) (*Profile, error) {
	return a.newIsolated(owner)
}

func (a *Allocator) claimBase(owner string) (*Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.held[BaseID]; ok {
		return nil, types.Errorf(types.KindProfileLockContention, "base profile held by session %s", p.LockOwner).WithProfile(BaseID)
	}
	if chromeLocked(a.opts.BaseDir) {
		return nil, types.Errorf(types.KindProfileLockContention, "base profile is open in another browser process").WithProfile(BaseID)
	}
	if err := acquireLock(a.opts.BaseDir, owner, a.opts.Now()); err != nil {
		return nil, a.lockError(BaseID, err)
	}

	created := a.opts.Now()
	if info, err := os.Stat(a.opts.BaseDir); err == nil {
		created = info.ModTime()
	}
	p := &Profile{ID: BaseID, Path: a.opts.BaseDir, Origin: OriginBase, LockOwner: owner, CreatedAt: created}
	a.held[BaseID] = p
	a.log.Debugf("base profile locked by %s", owner)
	return copyOf(p), nil
}

func (a *Allocator) newIsolated(owner string) (*Profile, error) {
	a.mu.Lock()
	id := instancePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	dir := filepath.Join(a.opts.InstancesDir, id)
	now := a.opts.Now()
	if err := os.MkdirAll(dir, 0700); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to create isolated profile: %w", err)
	}
	if err := acquireLock(dir, owner, now); err != nil {
		a.mu.Unlock()
		os.RemoveAll(dir)
		return nil, a.lockError(id, err)
	}
	p := &Profile{ID: id, Path: dir, Origin: OriginIsolated, LockOwner: owner, CreatedAt: now}
	a.held[id] = p
	a.mu.Unlock()

	// the new directory is already locked, so cloning happens outside a.mu
	cloned := false
	if a.opts.CloneOnIsolated {
		if err := cloneTree(a.opts.BaseDir, dir); err != nil {
			a.log.Warnf("could not clone base profile into %s, continuing with empty profile: %v", id, err)
		} else {
			cloned = true
		}
	}
	if err := writeTag(dir, tagInfo{CreatedAt: now, Origin: OriginIsolated, Cloned: cloned}); err != nil {
		a.log.Warnf("failed to tag profile %s: %v", id, err)
	}
	a.log.Infof("isolated profile %s created for %s (cloned=%t)", id, owner, cloned)
	return copyOf(p), nil
}

func (a *Allocator) lockError(id string, err error) error {
	if held, ok := err.(*errLockHeld); ok {
		return types.NewError(types.KindProfileLockContention, held).WithProfile(id)
	}
	return fmt.Errorf("failed to lock profile %s: %w", id, err)
}

// Claim locks a specific existing profile for owner.
func (a *Allocator) Claim(id, owner string) (*Profile, error) {
	if id == "" || id == BaseID {
		return a.claimBase(owner)
	}
	dir, err := a.pathFor(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.held[id]; ok {
		return nil, types.Errorf(types.KindProfileLockContention, "profile held by session %s", p.LockOwner).WithProfile(id)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, types.Errorf(types.KindNotFound, "profile %s does not exist", id).WithProfile(id)
	}
	if err := acquireLock(dir, owner, a.opts.Now()); err != nil {
		return nil, a.lockError(id, err)
	}
	created := a.opts.Now()
	if tag, err := readTag(dir); err == nil {
		created = tag.CreatedAt
	}
	p := &Profile{ID: id, Path: dir, Origin: OriginIsolated, LockOwner: owner, CreatedAt: created}
	a.held[id] = p
	return copyOf(p), nil
}

// Release clears the lock on id. Isolated profiles older than the
// retention window are marked for cleanup instead of being deleted, since
// the browser that used them may still be shutting down.
func (a *Allocator) Release(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.held[id]
	if !ok {
		return types.Errorf(types.KindNotFound, "profile %s is not locked", id).WithProfile(id)
	}
	delete(a.held, id)
	if err := releaseLock(p.Path); err != nil {
		a.log.Warnf("release %s: %v", id, err)
	}

	if p.Origin == OriginIsolated && a.opts.Retention > 0 && a.opts.Now().Sub(p.CreatedAt) > a.opts.Retention {
		a.marked[id] = true
		if tag, err := readTag(p.Path); err == nil {
			tag.Marked = true
			if err := writeTag(p.Path, tag); err != nil {
				a.log.Warnf("failed to mark %s for cleanup: %v", id, err)
			}
		}
		a.log.Infof("profile %s past retention, marked for cleanup", id)
	}
	a.log.Debugf("profile %s released by %s", id, p.LockOwner)
	return nil
}

// Lookup returns the held profile with id.
func (a *Allocator) Lookup(id string) (Profile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.held[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Held returns a snapshot of all locked profiles, sorted by ID.
func (a *Allocator) Held() []Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Profile, 0, len(a.held))
	for _, p := range a.held {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Locked reports whether id is held by this allocator or by another live
// process.
func (a *Allocator) Locked(id string) bool {
	a.mu.Lock()
	_, ok := a.held[id]
	a.mu.Unlock()
	if ok {
		return true
	}
	dir, err := a.pathFor(id)
	if err != nil {
		return false
	}
	if id == BaseID && chromeLocked(dir) {
		return true
	}
	return markerHeld(dir)
}

// PathFor returns the directory backing id.
func (a *Allocator) PathFor(id string) (string, error) {
	return a.pathFor(id)
}

func (a *Allocator) pathFor(id string) (string, error) {
	if id == "" || id == BaseID {
		return a.opts.BaseDir, nil
	}
	if !instancePattern.Match(id) || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", types.Errorf(types.KindInvalidInput, "invalid profile id %q", id).WithProfile(id)
	}
	return filepath.Join(a.opts.InstancesDir, id), nil
}

// Wipe clears the contents of an unlocked profile, or of a profile held by
// owner. Used when re-authenticating.
func (a *Allocator) Wipe(id, owner string) error {
	dir, err := a.pathFor(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p, held := a.held[id]
	if held && p.LockOwner != owner {
		return types.Errorf(types.KindProfileLockContention, "profile held by %s", p.LockOwner).WithProfile(id)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profile %s: %w", id, err)
	}
	for _, e := range entries {
		if e.Name() == lockFileName || e.Name() == tagFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to wipe profile %s: %w", id, err)
		}
	}
	a.log.Infof("profile %s wiped", id)
	return nil
}

// Instances lists isolated profiles on disk, oldest first.
func (a *Allocator) Instances() ([]Instance, error) {
	entries, err := os.ReadDir(a.opts.InstancesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list isolated profiles: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !instancePattern.Match(e.Name()) {
			continue
		}
		dir := filepath.Join(a.opts.InstancesDir, e.Name())
		inst := Instance{ID: e.Name(), Path: dir, Marked: a.marked[e.Name()]}
		if tag, err := readTag(dir); err == nil && !tag.CreatedAt.IsZero() {
			inst.CreatedAt = tag.CreatedAt
			inst.Marked = inst.Marked || tag.Marked
		} else if info, err := e.Info(); err == nil {
			inst.CreatedAt = info.ModTime()
		}
		_, held := a.held[inst.ID]
		inst.Locked = held || markerHeld(dir) || chromeLocked(dir)
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Remove deletes an unlocked isolated profile.
func (a *Allocator) Remove(id string) error {
	if id == "" || id == BaseID {
		return types.Errorf(types.KindInvalidInput, "the base profile is never removed").WithProfile(BaseID)
	}
	dir, err := a.pathFor(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, held := a.held[id]; held || markerHeld(dir) || chromeLocked(dir) {
		return types.Errorf(types.KindProfileLockContention, "profile %s is locked", id).WithProfile(id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove profile %s: %w", id, err)
	}
	delete(a.marked, id)
	return nil
}

func copyOf(p *Profile) *Profile {
	c := *p
	return &c
}
