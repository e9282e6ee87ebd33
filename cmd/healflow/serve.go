package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rendis/healflow/internal/scheduler"
	"github.com/rendis/healflow/pkg/mcp"
)

// serve runs the long-lived process: recovery sweeps on the configured
// schedule (the first immediately), the MCP stdio server and, when an
// address is configured, the Prometheus endpoint.
func (c *cli) serve(ctx context.Context) int {
	a := c.app

	sweeper, err := scheduler.NewSweeper(a.engine, a.cfg.SweepCron, a.logger)
	if err != nil {
		return c.fail(err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return c.fail(err)
	}
	defer sweeper.Stop()

	var metricsSrv *http.Server
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
		a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Runner:  a.engine,
		Loader:  a.loader,
		Version: version,
		Logger:  a.logger,
	})
	a.logger.Info("mcp server ready", "transport", "stdio", "version", version)
	err = srv.Serve(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return c.fail(err)
	}
	a.logger.Info("shutting down")
	return exitOK
}
