package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/entrhq/notebook-bridge/pkg/auth"
	"github.com/entrhq/notebook-bridge/pkg/browser"
	"github.com/entrhq/notebook-bridge/pkg/cleanup"
	"github.com/entrhq/notebook-bridge/pkg/config"
	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/metrics"
	"github.com/entrhq/notebook-bridge/pkg/notebook"
	"github.com/entrhq/notebook-bridge/pkg/profile"
	"github.com/entrhq/notebook-bridge/pkg/session"
	"github.com/entrhq/notebook-bridge/pkg/tools"
	notebooktools "github.com/entrhq/notebook-bridge/pkg/tools/notebook"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath  string
	dataDir     string
	logLevel    string
	skipInstall bool
}

// app is the wired object graph shared by the commands.
type app struct {
	source    *config.Source
	log       *logging.Logger
	metrics   *metrics.Metrics
	store     *auth.BoltStore
	auth      *auth.Controller
	artifacts *auth.ArtifactStore
	alloc     *profile.Allocator
	runtime   *browser.Runtime
	pool      *session.Pool
	service   *notebook.Service
	registry  *tools.Registry
}

// loadSettings resolves the settings with the command-line overrides on top.
func loadSettings(flags *globalFlags) (*config.Source, error) {
	if flags.dataDir != "" {
		if err := os.Setenv("NOTEBOOK_DATA_DIR", flags.dataDir); err != nil {
			return nil, err
		}
	}
	if flags.logLevel != "" {
		if err := os.Setenv("LOG_LEVEL", flags.logLevel); err != nil {
			return nil, err
		}
	}
	return config.NewSource(flags.configPath)
}

// newApp wires every component. The browser driver is started only when
// withBrowser is set; commands that merely read state skip it.
func newApp(flags *globalFlags, withBrowser bool) (*app, error) {
	source, err := loadSettings(flags)
	if err != nil {
		return nil, err
	}
	s := source.Current()

	if err := logging.SetDirectory(s.LogDir()); err != nil {
		return nil, err
	}
	logging.SetLevel(logging.ParseLevel(s.Logging.Level))
	log := logging.MustLogger("bridge")

	a := &app{source: source, log: log, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	a.store, err = auth.OpenBoltStore(s.AuthDBPath())
	if err != nil {
		return nil, err
	}
	a.auth, err = auth.NewController(auth.Options{
		Store:        a.store,
		Cooldown:     s.Auth.RateLimitCooldown,
		LoginTimeout: s.Auth.LoginTimeout,
		PollInterval: s.Auth.PollInterval,
		Logger:       log.With("auth"),
		OnTransition: func(profileID string, from, to auth.Phase) {
			a.metrics.AuthTransition(string(from), string(to))
		},
	})
	if err != nil {
		return nil, err
	}
	a.artifacts, err = auth.NewArtifactStore(s.StateDir(), s.Auth.StateMaxAge, browser.DefaultProbe().HasCriticalCookies)
	if err != nil {
		return nil, err
	}
	a.alloc, err = profile.NewAllocator(profile.OptionsFromSettings(s))
	if err != nil {
		return nil, err
	}

	a.runtime = browser.NewRuntime(log.With("browser"))
	if flags.skipInstall {
		a.runtime.SkipInstall()
	}
	if withBrowser {
		if err := a.runtime.Initialize(); err != nil {
			return nil, err
		}
	}

	a.pool, err = session.NewPool(session.Options{
		Settings:  s,
		Launcher:  a.runtime,
		Allocator: a.alloc,
		Auth:      a.auth,
		Artifacts: a.artifacts,
		Metrics:   a.metrics,
		Logger:    log.With("pool"),
	})
	if err != nil {
		return nil, err
	}
	a.service, err = notebook.New(notebook.Options{
		Pool:      a.pool,
		Auth:      a.auth,
		Artifacts: a.artifacts,
		Allocator: a.alloc,
		Launcher:  a.runtime,
		Logger:    log.With("notebook"),
	})
	if err != nil {
		return nil, err
	}

	a.registry = tools.NewRegistry(log.With("tools"))
	if err := a.registry.Register(notebooktools.All(a.service)...); err != nil {
		return nil, err
	}

	source.OnChange(func(next config.Settings) {
		logging.SetLevel(logging.ParseLevel(next.Logging.Level))
		a.pool.Reconfigure(next)
		log.Infof("configuration reloaded from %s", source.Path())
	})

	ok = true
	return a, nil
}

// cleaner returns a profile cleanup run over the isolated profiles.
func (a *app) cleaner(dryRun bool) *cleanup.Scheduler {
	s := a.source.Current()
	return cleanup.New(a.alloc, cleanup.Options{
		TTL:      s.Profiles.InstanceTTL,
		MaxCount: s.Profiles.InstanceMaxCount,
		DryRun:   dryRun,
		OnRemove: func(profileID string) {
			if err := a.auth.Forget(profileID); err != nil {
				a.log.Warnf("failed to forget auth state of %s: %v", profileID, err)
			}
			if err := a.artifacts.Clear(profileID); err != nil {
				a.log.Warnf("failed to clear saved login of %s: %v", profileID, err)
			}
		},
		Logger:  a.log.With("cleanup"),
		Metrics: a.metrics,
	})
}

// sweep runs a cleanup pass and logs the outcome.
func (a *app) sweep(ctx context.Context, when string) {
	report, err := a.cleaner(false).Run(ctx)
	if err != nil {
		a.log.Warnf("%s cleanup failed: %v", when, err)
		return
	}
	if len(report.Deleted) > 0 {
		a.log.Infof("%s cleanup removed %d profiles, freed %s", when, len(report.Deleted), cleanup.FormatBytes(report.FreedBytes))
	}
}

// Close tears everything down in reverse order of construction.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.service != nil {
		errs = append(errs, a.service.Close(ctx))
	}
	if a.runtime != nil {
		errs = append(errs, a.runtime.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
