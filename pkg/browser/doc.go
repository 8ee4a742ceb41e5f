// Package browser defines the surface capability the session core drives and
// its Playwright implementation.
//
// # Surface
//
// A Surface is one live browser context and page bound to a profile
// directory. The core only needs a handful of operations from it:
//
//   - Navigate: open the notebook target
//   - SendInput: deliver one primitive input event (key, text, pointer)
//   - Snapshot / ReadLatestResponse: wait for an answer that was not on the
//     page before the question was sent
//   - IsAlive: polled liveness instead of close callbacks
//
// Anything that reads page specifics (selectors, error banners, cookies)
// lives behind optional interfaces so that recovery and pooling logic can be
// tested with browsertest fakes.
//
// # Runtime
//
// Runtime owns the Playwright driver process. Each Launch starts a persistent
// Chromium context on a profile directory, so cookies and local storage
// survive between sessions that reuse the same profile:
//
//	rt := browser.NewRuntime(log)
//	if err := rt.Initialize(); err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	surf, err := rt.Launch(ctx, browser.LaunchOptions{
//	    ProfileDir: profile.Path,
//	    Headless:   true,
//	    Viewport:   config.Viewport{Width: 1024, Height: 768},
//	    Timeout:    30 * time.Second,
//	})
//
// # Failure classification
//
// IsSurfaceClosed recognizes errors raised by a context or page that went
// away underneath an operation. IsProfileInUse recognizes Chrome refusing a
// profile directory that another browser process holds.
package browser
