package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/notebook-bridge/pkg/types"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve tool calls from stdin, writing JSON-line events to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags, true)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

// jsonLines writes one event per line. Events come from many tool calls at
// once, so writes are serialized.
func jsonLines(w io.Writer, log func(string, ...interface{})) func(*types.Event) {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(e *types.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(e); err != nil {
			log("failed to write event: %v", err)
		}
	}
}

func serve(ctx context.Context, a *app, in io.Reader, out io.Writer, metricsAddr string) error {
	settings := a.source.Current()
	if settings.Profiles.CleanupOnStartup {
		a.sweep(ctx, "startup")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.service.Close(shutdownCtx); err != nil {
			a.log.Warnf("failed to close sessions: %v", err)
		}
		if a.source.Current().Profiles.CleanupOnShutdown {
			a.sweep(shutdownCtx, "shutdown")
		}
		a.Close(shutdownCtx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if err := a.source.Watch(gctx, a.log.With("config")); err != nil {
		a.log.Warnf("config reload disabled: %v", err)
	}

	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(a), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		a.log.Infof("metrics listening on %s", metricsAddr)
	}

	emit := jsonLines(out, a.log.Warnf)
	g.Go(func() error {
		// stdin EOF ends the server
		defer cancel()
		return a.registry.Serve(gctx, in, emit)
	})
	emit(types.NewReadyEvent(a.registry.Names()))
	a.log.Infof("serving %d tools (run %s)", len(a.registry.Names()), a.log.RunID())

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.service.Health())
	})
	return mux
}
