// Package server wires the chi router and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/viewport-lod/internal/core/config"
	"github.com/mohammed-shakir/viewport-lod/internal/core/health"
	middleware "github.com/mohammed-shakir/viewport-lod/internal/core/middleware"
	"github.com/mohammed-shakir/viewport-lod/internal/core/router"
	"github.com/mohammed-shakir/viewport-lod/internal/metrics"
)

type Deps struct {
	Service router.QueryService
	Ready   health.ReadinessReporter
	Checks  []health.Check
	Metrics *metrics.Provider
}

// NewHandler builds the route table.
func NewHandler(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger, router.SessionHeader))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready, d.Checks...))
	if d.Metrics != nil && d.Metrics.Enabled() {
		r.Method(http.MethodGet, d.Metrics.Path(), d.Metrics.Handler())
	}
	r.Post("/query", router.HandleQuery(logger, d.Service))
	r.Get("/query", router.HandleQuery(logger, d.Service))
	r.Post("/cache/reset", router.HandleReset(logger, d.Service))
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
