// Package browsertest provides in-memory browser surfaces for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/humanize"
)

// Surface is a scriptable browser.Surface. It answers every Enter key with
// the next queued response, or with Echo applied to the typed text.
type Surface struct {
	mu sync.Mutex

	ProfileDir string
	Headless   bool

	alive     bool
	url       string
	typed     []rune
	events    []humanize.Event
	navigated []string
	responses []string
	queued    []string
	alerts    []string
	cookies   []browser.Cookie
	closes    int

	// Echo builds the answer for a submitted question when nothing is queued.
	Echo func(question string) string
	// InputErr, if set, fails the next SendInput and is then cleared.
	InputErr error
	// NavigateHook runs on every Navigate and may rewrite the resulting URL.
	NavigateHook func(target string) string
	// ReadBlock makes ReadLatestResponse wait for ctx to end.
	ReadBlock bool
}

// NewSurface returns a live fake surface.
func NewSurface() *Surface {
	return &Surface{
		alive: true,
		Echo:  func(q string) string { return "answer: " + q },
	}
}

// Kill simulates the browser dying underneath the session.
func (s *Surface) Kill() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

// QueueResponse sets the answer for the next submitted question.
func (s *Surface) QueueResponse(text string) {
	s.mu.Lock()
	s.queued = append(s.queued, text)
	s.mu.Unlock()
}

// SetAlerts sets the alert banner texts.
func (s *Surface) SetAlerts(texts ...string) {
	s.mu.Lock()
	s.alerts = texts
	s.mu.Unlock()
}

// SetReadBlock toggles ReadBlock.
func (s *Surface) SetReadBlock(v bool) {
	s.mu.Lock()
	s.ReadBlock = v
	s.mu.Unlock()
}

// SetURL sets the current URL.
func (s *Surface) SetURL(u string) {
	s.mu.Lock()
	s.url = u
	s.mu.Unlock()
}

// Events returns the input events received so far.
func (s *Surface) Events() []humanize.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]humanize.Event(nil), s.events...)
}

// Navigations returns the targets passed to Navigate.
func (s *Surface) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigated...)
}

// Responses returns all responses on the page.
func (s *Surface) Responses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.responses...)
}

// Closes returns how often Close was called.
func (s *Surface) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Surface) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *Surface) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Surface) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.alive {
		return fmt.Errorf("page.goto: %w", browser.ErrSurfaceClosed)
	}
	return nil
}

func (s *Surface) Navigate(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	s.navigated = append(s.navigated, target)
	s.url = target
	if s.NavigateHook != nil {
		s.url = s.NavigateHook(target)
	}
	return nil
}

func (s *Surface) SendInput(ctx context.Context, ev humanize.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	if s.InputErr != nil {
		err := s.InputErr
		s.InputErr = nil
		return err
	}
	s.events = append(s.events, ev)
	switch ev.Kind {
	case humanize.KindInsert:
		s.typed = append(s.typed, []rune(ev.Text)...)
	case humanize.KindKey:
		switch ev.Key {
		case "Backspace":
			if len(s.typed) > 0 {
				s.typed = s.typed[:len(s.typed)-1]
			}
		case "Enter":
			s.submitLocked()
		default:
			s.typed = append(s.typed, []rune(ev.Key)...)
		}
	}
	return nil
}

func (s *Surface) submitLocked() {
	question := string(s.typed)
	s.typed = nil
	if len(s.queued) > 0 {
		s.responses = append(s.responses, s.queued[0])
		s.queued = s.queued[1:]
		return
	}
	if s.Echo != nil {
		s.responses = append(s.responses, s.Echo(question))
	}
}

func (s *Surface) Snapshot(ctx context.Context) (browser.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return browser.Snapshot{}, err
	}
	return browser.NewSnapshot(s.responses), nil
}

func (s *Surface) ReadLatestResponse(ctx context.Context, since browser.Snapshot) (string, error) {
	s.mu.Lock()
	block := s.ReadBlock
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return "", err
	}
	if len(s.responses) > since.Count {
		return s.responses[len(s.responses)-1], nil
	}
	return "", errors.New("no new response")
}

func (s *Surface) InputRegion(ctx context.Context) (humanize.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return humanize.Region{}, err
	}
	return humanize.Region{X: 100, Y: 600, Width: 600, Height: 48}, nil
}

func (s *Surface) AlertTexts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), s.alerts...), nil
}

func (s *Surface) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	return append([]browser.Cookie(nil), s.cookies...), nil
}

func (s *Surface) AddCookies(ctx context.Context, cookies []browser.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	s.cookies = append(s.cookies, cookies...)
	return nil
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	s.closes++
	return nil
}

// Launcher hands out fake surfaces and records launches.
type Launcher struct {
	mu       sync.Mutex
	surfaces []*Surface
	fail     map[string]error

	// Prepare runs on every new surface before it is returned.
	Prepare func(s *Surface)
	// Err, if set, fails every launch.
	Err error
}

// NewLauncher returns a launcher with no scripted failures.
func NewLauncher() *Launcher {
	return &Launcher{fail: make(map[string]error)}
}

// FailProfile makes launches on dir fail with err until cleared with nil.
func (l *Launcher) FailProfile(dir string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.fail, dir)
		return
	}
	l.fail[dir] = err
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	if err := l.fail[opts.ProfileDir]; err != nil {
		return nil, err
	}
	s := NewSurface()
	s.ProfileDir = opts.ProfileDir
	s.Headless = opts.Headless
	if l.Prepare != nil {
		l.Prepare(s)
	}
	l.surfaces = append(l.surfaces, s)
	return s, nil
}

// Surfaces returns every surface launched so far.
func (l *Launcher) Surfaces() []*Surface {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Surface(nil), l.surfaces...)
}

// Last returns the most recently launched surface.
func (l *Launcher) Last() *Surface {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.surfaces) == 0 {
		return nil
	}
	return l.surfaces[len(l.surfaces)-1]
}

// Count returns the number of launches.
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.surfaces)
}

// StaticProbe is a login and rate-limit probe with fixed answers.
type StaticProbe struct {
	mu        sync.Mutex
	loggedIn  bool
	limited   bool
	limitHint string
}

// NewStaticProbe returns a probe that reports loggedIn.
func NewStaticProbe(loggedIn bool) *StaticProbe {
	return &StaticProbe{loggedIn: loggedIn}
}

// SetLoggedIn changes the login answer.
func (p *StaticProbe) SetLoggedIn(v bool) {
	p.mu.Lock()
	p.loggedIn = v
	p.mu.Unlock()
}

// SetRateLimited changes the rate-limit answer.
func (p *StaticProbe) SetRateLimited(v bool, hint string) {
	p.mu.Lock()
	p.limited, p.limitHint = v, hint
	p.mu.Unlock()
}

func (p *StaticProbe) LoggedIn(_ context.Context, s browser.Surface) (bool, error) {
	if !s.IsAlive() {
		return false, browser.ErrSurfaceClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loggedIn, nil
}

func (p *StaticProbe) RateLimited(_ context.Context, _ browser.Surface) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limited, p.limitHint, nil
}
