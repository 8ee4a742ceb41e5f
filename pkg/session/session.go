package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/profile"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusBusy   Status = "busy"
	StatusFailed Status = "failed"
)

// Info is a snapshot of a session without browser handles.
type Info struct {
	ID              string    `json:"id"`
	ProfileID       string    `json:"profile_id"`
	NotebookRef     string    `json:"notebook_ref"`
	NotebookURL     string    `json:"notebook_url"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	MessageCount    int       `json:"message_count"`
	Headless        bool      `json:"headless"`
	AgeSeconds      float64   `json:"age_seconds"`
	InactiveSeconds float64   `json:"inactive_seconds"`
}

// Session binds a caller-visible id to one browser surface and the profile
// it runs on. Its surface is only touched by the holder of the execution
// slot.
type Session struct {
	id          string
	profile     profile.Profile
	notebookRef string
	target      string
	settings    config.Settings
	createdAt   time.Time
	pool        *Pool

	// slot serializes interactions in submission order
	slot *semaphore.Weighted

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
	messages     int
	reserved     int // callers holding the session between Acquire and Release
	surface      browser.Surface
	closed       bool
	destroyOnce  sync.Once
}

func (s *Session) ID() string { return s.id }

// ProfileID returns the profile the session holds.
func (s *Session) ProfileID() string { return s.profile.ID }

// NotebookRef returns the notebook reference the session was created for.
func (s *Session) NotebookRef() string { return s.notebookRef }

// Target returns the resolved address the session navigates to.
func (s *Session) Target() string { return s.target }

// Settings returns the effective settings the session was launched with.
func (s *Session) Settings() config.Settings { return s.settings }

// Surface returns the current browser surface.
func (s *Session) Surface() browser.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface
}

// CountMessage records one completed question.
func (s *Session) CountMessage() {
	s.mu.Lock()
	s.messages++
	s.mu.Unlock()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	now := s.pool.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.id,
		ProfileID:       s.profile.ID,
		NotebookRef:     s.notebookRef,
		NotebookURL:     s.target,
		Status:          s.status,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivity,
		MessageCount:    s.messages,
		Headless:        s.settings.Browser.Headless,
		AgeSeconds:      now.Sub(s.createdAt).Seconds(),
		InactiveSeconds: now.Sub(s.lastActivity).Seconds(),
	}
}

// Rebuild replaces the surface with a fresh one on the same profile and
// notebook. It refuses once the session is closed, so a closing session
// never relaunches on a profile that is about to be released.
func (s *Session) Rebuild(ctx context.Context) (browser.Surface, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.Errorf(types.KindNotFound, "session was closed").WithSession(s.id)
	}
	old := s.surface
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.pool.log.Debugf("closing dead surface of %s: %v", s.id, err)
		}
	}

	fresh, err := s.pool.launch(ctx, s.profile, s.settings)
	if err != nil {
		return nil, err
	}
	if err := s.pool.prepare(ctx, s.profile.ID, fresh, s.target); err != nil {
		fresh.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		fresh.Close()
		return nil, types.Errorf(types.KindNotFound, "session was closed").WithSession(s.id)
	}
	s.surface = fresh
	return fresh, nil
}

// markClosed flags the session as closed unless it is busy and force is
// false. It reports whether the flag was set by this call.
func (s *Session) markClosed(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (!force && (s.status == StatusBusy || s.reserved > 0)) {
		return false
	}
	s.closed = true
	return true
}

// reserve holds the session for a caller until unreserve. A reserved
// session is never evicted.
func (s *Session) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.reserved++
	return true
}

func (s *Session) unreserve() {
	s.mu.Lock()
	if s.reserved > 0 {
		s.reserved--
	}
	s.mu.Unlock()
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// begin takes the session for an interaction. The caller holds the slot.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.status = StatusBusy
	return true
}

func (s *Session) finish(st Status, touch bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	if touch {
		s.lastActivity = now
	}
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.status != StatusBusy && s.reserved == 0 && !s.closed
}

// destroy closes the surface and releases the profile, once.
func (s *Session) destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		surface := s.surface
		s.surface = nil
		s.mu.Unlock()
		if surface != nil {
			if err := surface.Close(); err != nil {
				s.pool.log.Warnf("session %s: closing surface: %v", s.id, err)
			}
		}
		if err := s.pool.allocator.Release(s.profile.ID); err != nil {
			s.pool.log.Warnf("session %s: releasing profile %s: %v", s.id, s.profile.ID, err)
		}
	})
}

// interrupt closes the surface without releasing the profile, so an
// in-flight interaction fails fast.
func (s *Session) interrupt() {
	if surface := s.Surface(); surface != nil {
		surface.Close()
	}
}
