package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the approval expiry and rate-limit sweepers and serve /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("shutdown", zap.Error(err))
		}
	}()

	a.svc.Start()
	go watchConfig(ctx, a)

	var srv *http.Server
	errCh := make(chan error, 1)
	if a.cfg.Metrics.Enabled {
		srv = newMetricsServer(a)
		go func() {
			a.logger.Info("metrics listening", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.logger.Info("guardrail server started",
		zap.String("version", appVersion),
		zap.String("database", a.cfg.Database.SQLitePath),
	)

	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case err = <-errCh:
		a.logger.Error("server failed", zap.Error(err))
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("metrics server shutdown", zap.Error(serr))
		}
	}
	return err
}

func newMetricsServer(a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              a.cfg.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// watchConfig logs config file changes. Workspace defaults only seed new
// workspaces and sweep intervals are fixed at start, so a restart applies
// the rest.
func watchConfig(ctx context.Context, a *app) {
	ch := a.mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-ch:
			if errs := cfg.Validate(); len(errs) > 0 {
				a.logger.Warn("reloaded config is invalid", zap.Errors("errors", errs))
				continue
			}
			a.logger.Info("config file changed; restart to apply",
				zap.String("log_level", cfg.Logging.Level),
				zap.String("database", cfg.Database.SQLitePath),
			)
		}
	}
}
