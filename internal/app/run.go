package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/config"
	"github.com/oxide-admin/server/internal/metrics"
	"github.com/oxide-admin/server/internal/telemetry"
)

// Run starts tracing, the metrics endpoint and the application, blocks until ctx is
// cancelled and then shuts everything down within cfg.ShutdownTimeout.
func Run(ctx context.Context, cfg config.Config, logger zerolog.Logger, version string, opts ...Option) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	a, err := New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}

	metricsErr := make(chan error, 1)
	if cfg.Metrics.Addr != "" {
		go func() { metricsErr <- metrics.Serve(ctx, cfg.Metrics.Addr, logger) }()
	}

	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Shutdown(shutdownCtx))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case runErr = <-metricsErr:
		logger.Error().Err(runErr).Msg("metrics endpoint failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}
