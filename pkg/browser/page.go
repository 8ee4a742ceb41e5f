package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/notebook-bridge/pkg/humanize"
	"github.com/entrhq/notebook-bridge/pkg/logging"
)

// Selectors locate the page elements a surface touches.
type Selectors struct {
	ChatInput []string
	Responses string
	Thinking  string
	Alerts    []string
}

// DefaultSelectors returns the selectors of the notebook web app.
func DefaultSelectors() Selectors {
	return Selectors{
		ChatInput: []string{
			"textarea.query-box-input",
			`textarea[aria-label="Feld für Anfragen"]`,
			`textarea[aria-label="Query box"]`,
		},
		Responses: ".to-user-container .message-text-content",
		Thinking:  "div.thinking-message",
		Alerts: []string{
			".error-message",
			".error-container",
			"[role='alert']",
			".rate-limit-message",
			"[data-error]",
		},
	}
}

const (
	responsePollInterval = 500 * time.Millisecond
	responseStablePolls  = 3
)

// pageSurface implements Surface on a Playwright persistent context.
type pageSurface struct {
	bctx playwright.BrowserContext
	page playwright.Page
	sel  Selectors
	log  *logging.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newPageSurface(bctx playwright.BrowserContext, page playwright.Page, sel Selectors, log *logging.Logger) *pageSurface {
	s := &pageSurface{bctx: bctx, page: page, sel: sel, log: log}
	// close and crash callbacks only flip the flag; callers poll IsAlive
	markClosed := func() { s.closed.Store(true) }
	page.OnClose(func(playwright.Page) { markClosed() })
	page.OnCrash(func(playwright.Page) { markClosed() })
	bctx.OnClose(func(playwright.BrowserContext) { markClosed() })
	return s
}

func (s *pageSurface) IsAlive() bool {
	return !s.closed.Load() && !s.page.IsClosed()
}

func (s *pageSurface) URL() string {
	if !s.IsAlive() {
		return ""
	}
	return s.page.URL()
}

func (s *pageSurface) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.IsAlive() {
		return ErrSurfaceClosed
	}
	return nil
}

func (s *pageSurface) Navigate(ctx context.Context, target string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	waitUntil := playwright.WaitUntilStateDomcontentloaded
	if _, err := s.page.Goto(target, playwright.PageGotoOptions{WaitUntil: waitUntil}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (s *pageSurface) SendInput(ctx context.Context, ev humanize.Event) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	var err error
	switch ev.Kind {
	case humanize.KindKey:
		if utf8.RuneCountInString(ev.Key) == 1 {
			err = s.page.Keyboard().Type(ev.Key)
		} else {
			err = s.page.Keyboard().Press(ev.Key)
		}
	case humanize.KindInsert:
		err = s.page.Keyboard().InsertText(ev.Text)
	case humanize.KindMove:
		err = s.page.Mouse().Move(ev.X, ev.Y)
	case humanize.KindClick:
		err = s.page.Mouse().Click(ev.X, ev.Y)
	case humanize.KindPause:
		return nil
	default:
		return fmt.Errorf("unsupported input event %q", ev.Kind)
	}
	if err != nil {
		return fmt.Errorf("input %s failed: %w", ev.Kind, err)
	}
	return nil
}

func (s *pageSurface) responseTexts() ([]string, error) {
	els, err := s.page.QuerySelectorAll(s.sel.Responses)
	if err != nil {
		return nil, fmt.Errorf("response query failed: %w", err)
	}
	texts := make([]string, 0, len(els))
	for _, el := range els {
		text, err := el.InnerText()
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}
	}
	return texts, nil
}

func (s *pageSurface) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.check(ctx); err != nil {
		return Snapshot{}, err
	}
	texts, err := s.responseTexts()
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(texts), nil
}

func (s *pageSurface) thinking() bool {
	if s.sel.Thinking == "" {
		return false
	}
	el, err := s.page.QuerySelector(s.sel.Thinking)
	if err != nil || el == nil {
		return false
	}
	visible, err := el.IsVisible()
	return err == nil && visible
}

// ReadLatestResponse polls until a new response has kept the same text for
// several consecutive polls, or ctx ends.
func (s *pageSurface) ReadLatestResponse(ctx context.Context, since Snapshot) (string, error) {
	ticker := time.NewTicker(responsePollInterval)
	defer ticker.Stop()

	var candidate string
	stable := 0
	for {
		if err := s.check(ctx); err != nil {
			return "", err
		}
		if !s.thinking() {
			texts, err := s.responseTexts()
			if err != nil {
				return "", err
			}
			latest := ""
			if n := len(texts); n > since.Count {
				latest = texts[n-1]
			} else if n > 0 && !since.Contains(texts[n-1]) {
				latest = texts[n-1]
			}
			switch {
			case latest == "":
				candidate, stable = "", 0
			case latest == candidate:
				stable++
			default:
				candidate, stable = latest, 1
			}
			if stable >= responseStablePolls {
				return candidate, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *pageSurface) InputRegion(ctx context.Context) (humanize.Region, error) {
	if err := s.check(ctx); err != nil {
		return humanize.Region{}, err
	}
	for _, sel := range s.sel.ChatInput {
		el, err := s.page.QuerySelector(sel)
		if err != nil || el == nil {
			continue
		}
		if visible, err := el.IsVisible(); err != nil || !visible {
			continue
		}
		box, err := el.BoundingBox()
		if err != nil || box == nil {
			continue
		}
		return humanize.Region{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
	}
	return humanize.Region{}, fmt.Errorf("chat input not found on %s", s.page.URL())
}

func (s *pageSurface) AlertTexts(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []string
	for _, sel := range s.sel.Alerts {
		els, err := s.page.QuerySelectorAll(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if text, err := el.InnerText(); err == nil && strings.TrimSpace(text) != "" {
				out = append(out, strings.TrimSpace(text))
			}
		}
	}
	return out, nil
}

func (s *pageSurface) Cookies(ctx context.Context) ([]Cookie, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	cookies, err := s.bctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return fromPlaywright(cookies), nil
}

func (s *pageSurface) AddCookies(ctx context.Context, cookies []Cookie) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}
	if err := s.bctx.AddCookies(toPlaywright(cookies)); err != nil {
		return fmt.Errorf("failed to add cookies: %w", err)
	}
	return nil
}

// Close closes the context, which also ends the browser process of a
// persistent context.
func (s *pageSurface) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.bctx.Close(); err != nil && !IsSurfaceClosed(err) {
			s.closeErr = fmt.Errorf("failed to close browser context: %w", err)
		}
	})
	return s.closeErr
}
