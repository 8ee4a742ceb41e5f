package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	lockFileName      = ".bridge.lock"
	tagFileName       = ".profile.toml"
	chromeSingleton   = "SingletonLock"
	maxLockAcquireTry = 2

	// lockSettle is how long a marker without an owner counts as held; its
	// creator may not have written it yet.
	lockSettle = 5 * time.Second
)

// lockInfo is the body of a lock marker.
type lockInfo struct {
	Owner      string    `toml:"owner"`
	PID        int       `toml:"pid"`
	AcquiredAt time.Time `toml:"acquired_at"`
}

// tagInfo records an isolated profile's creation time.
type tagInfo struct {
	CreatedAt time.Time `toml:"created_at"`
	Origin    Origin    `toml:"origin"`
	Cloned    bool      `toml:"cloned"`
	Marked    bool      `toml:"marked_for_cleanup"`
}

// errLockHeld reports a live marker owned by someone else.
type errLockHeld struct {
	info lockInfo
}

func (e *errLockHeld) Error() string {
	if e.info.PID == 0 {
		return "profile is being locked by another process"
	}
	return fmt.Sprintf("profile locked by %q (pid %d) since %s", e.info.Owner, e.info.PID, e.info.AcquiredAt.Format(time.RFC3339))
}

func acquireLock(dir, owner string, now time.Time) error {
	path := filepath.Join(dir, lockFileName)
	for i := 0; i < maxLockAcquireTry; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			data, merr := toml.Marshal(lockInfo{Owner: owner, PID: os.Getpid(), AcquiredAt: now})
			if merr == nil {
				_, merr = f.Write(data)
			}
			cerr := f.Close()
			if merr != nil || cerr != nil {
				os.Remove(path)
				return fmt.Errorf("failed to write lock marker: %w", errors.Join(merr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock marker: %w", err)
		}

		if info, held := heldMarker(path); held {
			return &errLockHeld{info: info}
		}
		// stale marker from a dead process
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock marker: %w", err)
		}
	}
	return fmt.Errorf("lock marker at %s keeps reappearing", path)
}

func releaseLock(dir string) error {
	err := os.Remove(filepath.Join(dir, lockFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock marker: %w", err)
	}
	return nil
}

func readLock(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := toml.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("corrupt lock marker %s: %w", path, err)
	}
	return info, nil
}

// heldMarker reports whether the marker at path belongs to a live process.
// An empty or unreadable marker is held while it is younger than
// lockSettle.
func heldMarker(path string) (lockInfo, bool) {
	info, err := readLock(path)
	if errors.Is(err, os.ErrNotExist) {
		return info, false
	}
	if err == nil && (info.Owner != "" || info.PID != 0) {
		return info, processAlive(info.PID)
	}
	st, serr := os.Stat(path)
	if serr != nil {
		return lockInfo{}, false
	}
	return lockInfo{}, time.Since(st.ModTime()) < lockSettle
}

// markerHeld reports whether dir carries a lock marker of a live process.
func markerHeld(dir string) bool {
	_, held := heldMarker(filepath.Join(dir, lockFileName))
	return held
}

// chromeLocked reports whether a browser process currently has dir open.
// Chrome leaves a SingletonLock symlink pointing at "<host>-<pid>".
func chromeLocked(dir string) bool {
	path := filepath.Join(dir, chromeSingleton)
	if _, err := os.Lstat(path); err != nil {
		return false
	}
	target, err := os.Readlink(path)
	if err != nil {
		return true
	}
	idx := strings.LastIndex(target, "-")
	if idx < 0 {
		return true
	}
	host, pidText := target[:idx], target[idx+1:]
	pid, err := strconv.Atoi(pidText)
	if err != nil {
		return true
	}
	if h, err := os.Hostname(); err == nil && h != host {
		// another machine on a shared home; assume live
		return true
	}
	return processAlive(pid)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}

func writeTag(dir string, tag tagInfo) error {
	data, err := toml.Marshal(tag)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tagFileName), data, 0600)
}

func readTag(dir string) (tagInfo, error) {
	var tag tagInfo
	data, err := os.ReadFile(filepath.Join(dir, tagFileName))
	if err != nil {
		return tag, err
	}
	err = toml.Unmarshal(data, &tag)
	return tag, err
}
