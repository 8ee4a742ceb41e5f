package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/entrhq/notebook-bridge/pkg/logging"
)

// Source holds the current settings and reloads them when the config file
// changes. Components read a snapshot with Current and never keep pointers
// into it.
type Source struct {
	path string

	mu        sync.RWMutex
	current   Settings
	listeners []func(Settings)
}

// NewSource loads settings from path (may be empty) and the environment.
func NewSource(path string) (*Source, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Source{path: path, current: s}, nil
}

// StaticSource wraps fixed settings, mostly for tests.
func StaticSource(s Settings) *Source {
	return &Source{current: s}
}

// Current returns a copy of the active settings.
func (s *Source) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Path returns the config file path, or "".
func (s *Source) Path() string {
	return s.path
}

// OnChange registers fn to be called with the new settings after a reload.
func (s *Source) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reload re-reads the file and environment. Invalid files keep the previous
// settings in place.
func (s *Source) Reload() error {
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = next
	listeners := append([]func(Settings){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// Watch reloads settings whenever the config file is written, until ctx is
// done. Editors often replace files, so the parent directory is watched and
// events are filtered by name. Bursts are debounced.
func (s *Source) Watch(ctx context.Context, log *logging.Logger) error {
	if s.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer fsw.Close()
		const debounce = 200 * time.Millisecond
		var timer *time.Timer
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if err := s.Reload(); err != nil {
						log.Warnf("config reload failed, keeping previous settings: %v", err)
						return
					}
					log.Infof("config reloaded from %s", s.path)
				})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", err)
			}
		}
	}()
	return nil
}
