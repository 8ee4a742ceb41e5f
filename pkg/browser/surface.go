package browser

import (
	"context"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/humanize"
)

// Surface is a live browser context and page.
type Surface interface {
	humanize.InputSink

	// Navigate opens target and waits for the page to settle.
	Navigate(ctx context.Context, target string) error

	// Snapshot records the responses currently on the page.
	Snapshot(ctx context.Context) (Snapshot, error)

	// ReadLatestResponse waits for a response that is not part of since and
	// returns it once its text stops changing.
	ReadLatestResponse(ctx context.Context, since Snapshot) (string, error)

	// InputRegion locates the chat input on the page.
	InputRegion(ctx context.Context) (humanize.Region, error)

	// IsAlive reports whether the context and page are still open.
	IsAlive() bool

	// URL returns the current page URL.
	URL() string

	// Close tears the surface down. Safe to call more than once.
	Close() error
}

// Snapshot identifies the responses that existed at some point in time.
type Snapshot struct {
	Known map[string]bool
	Count int
}

// Contains reports whether text was already present.
func (s Snapshot) Contains(text string) bool {
	return s.Known[text]
}

// NewSnapshot builds a snapshot from response texts.
func NewSnapshot(texts []string) Snapshot {
	known := make(map[string]bool, len(texts))
	for _, t := range texts {
		known[t] = true
	}
	return Snapshot{Known: known, Count: len(texts)}
}

// CookieJar is implemented by surfaces that can export and import cookies.
type CookieJar interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	AddCookies(ctx context.Context, cookies []Cookie) error
}

// AlertReader is implemented by surfaces that can read visible error and
// alert banners.
type AlertReader interface {
	AlertTexts(ctx context.Context) ([]string, error)
}

// LaunchOptions configures a new surface.
type LaunchOptions struct {
	ProfileDir string
	Headless   bool
	Viewport   config.Viewport
	Timeout    time.Duration
	Channel    string
	Locale     string
}

// LaunchOptionsFrom derives launch options from settings for a profile.
func LaunchOptionsFrom(s config.Settings, profileDir string) LaunchOptions {
	return LaunchOptions{
		ProfileDir: profileDir,
		Headless:   s.Browser.Headless,
		Viewport:   s.Browser.Viewport,
		Timeout:    s.Browser.Timeout,
		Channel:    s.Browser.Channel,
		Locale:     "en-US",
	}
}

// Launcher starts surfaces on profile directories.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Surface, error)
}
