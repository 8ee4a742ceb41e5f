package browser

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/notebook-bridge/pkg/logging"
)

// launchArgs hide the most obvious automation switches.
var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-dev-shm-usage",
}

// Runtime owns the Playwright driver and launches persistent contexts.
type Runtime struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	initialized bool
	install     bool
	log         *logging.Logger
}

// NewRuntime creates a runtime. Initialize must be called before Launch.
func NewRuntime(log *logging.Logger) *Runtime {
	if log == nil {
		log = logging.Discard()
	}
	return &Runtime{log: log, install: true}
}

// SkipInstall disables the driver download on Initialize, for environments
// where the driver is provisioned separately.
func (r *Runtime) SkipInstall() *Runtime {
	r.install = false
	return r
}

// Initialize installs (if needed) and starts the Playwright driver.
func (r *Runtime) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}

	// driver output would corrupt a stdio tool transport
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if r.install {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	r.playwright = pw
	r.initialized = true
	r.log.Infof("playwright driver started")
	return nil
}

// Launch starts a persistent Chromium context on opts.ProfileDir.
func (r *Runtime) Launch(ctx context.Context, opts LaunchOptions) (Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	pw := r.playwright
	ready := r.initialized
	r.mu.Unlock()
	if !ready {
		return nil, fmt.Errorf("browser runtime not initialized")
	}

	timeoutMs := float64(opts.Timeout.Milliseconds())
	launch := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:          playwright.Bool(opts.Headless),
		Args:              launchArgs,
		IgnoreDefaultArgs: []string{"--enable-automation"},
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	if opts.Channel != "" {
		launch.Channel = playwright.String(opts.Channel)
	}
	if opts.Locale != "" {
		launch.Locale = playwright.String(opts.Locale)
	}
	if timeoutMs > 0 {
		launch.Timeout = playwright.Float(timeoutMs)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, launch)
	if err != nil {
		if IsProfileInUse(err) {
			return nil, fmt.Errorf("%w: %v", ErrProfileInUse, err)
		}
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			_ = bctx.Close()
			return nil, fmt.Errorf("failed to create page: %w", err)
		}
	}
	if timeoutMs > 0 {
		page.SetDefaultTimeout(timeoutMs)
	}

	r.log.Debugf("launched browser on %s (headless=%t)", opts.ProfileDir, opts.Headless)
	return newPageSurface(bctx, page, DefaultSelectors(), r.log), nil
}

// Close stops the Playwright driver.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized || r.playwright == nil {
		return nil
	}
	if err := r.playwright.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	r.initialized = false
	r.log.Infof("playwright driver stopped")
	return nil
}
