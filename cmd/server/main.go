// Package main runs the Soft Agar Colony Counter server: REST API, colony
// detection, annotation reconciliation, and CSV export for counting
// experiments.
//
// Configuration layers (highest priority wins): SOFTAGAR_* environment
// variables, an optional YAML file (SOFTAGAR_CONFIG_PATH or ./softagar.yaml),
// built-in defaults. Storage backends are selected by environment:
//
//	SOFTAGAR_STORAGE_DRIVER=memory|sqlite|postgres (default sqlite)
//	SOFTAGAR_BLOB_DRIVER=fs|s3|memory (default fs)
//
// The server shuts down gracefully on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"softagar/internal/blob"
	"softagar/internal/config"
	"softagar/internal/core"
	"softagar/internal/detect"
	"softagar/internal/httpapi"
	"softagar/pkg/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load configuration")
	}

	logger := newLogger(cfg.Log)
	logger.Info().Str("addr", cfg.Server.Addr).Str("engine", cfg.Detect.Engine).Msg("starting softagar server")

	store, err := core.OpenPersistentStore(domain.DefaultRulesEngine())
	if err != nil {
		logger.Fatal().Err(err).Msg("open record store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := blob.Open(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("open blob store")
	}
	logger.Info().Str("driver", string(blobs.Driver())).Msg("blob store ready")

	engine, err := detect.NewEngine(cfg.Detect.Engine)
	if err != nil {
		logger.Fatal().Err(err).Msg("select detection engine")
	}

	opts := []core.Option{core.WithLogger(logger)}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder, err := core.NewPrometheusMetricsRecorder(registry)
		if err != nil {
			logger.Fatal().Err(err).Msg("register metrics")
		}
		opts = append(opts, core.WithMetricsRecorder(recorder))
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	svc := core.NewService(store, blobs, engine, opts...)
	router := httpapi.NewRouter(svc, httpapi.Options{
		Logger:       logger,
		CORSOrigins:  cfg.Server.CORSOrigins,
		FrontendDist: cfg.Server.FrontendDist,
		Metrics:      metricsHandler,
		MetricsPath:  cfg.Metrics.Path,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal().Err(err).Msg("http server failed")
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown incomplete")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out zerolog.ConsoleWriter
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
