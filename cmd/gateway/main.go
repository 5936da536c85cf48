// Package main is the entry point for the API gateway. It loads
// configuration, connects the shared store and the platform backend,
// assembles the filter pipeline, starts the HTTP server, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaoxin/api-gateway/internal/admin"
	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/gateway"
	"github.com/xiaoxin/api-gateway/internal/health"
	"github.com/xiaoxin/api-gateway/internal/logging"
	"github.com/xiaoxin/api-gateway/internal/metrics"
	"github.com/xiaoxin/api-gateway/internal/platform"
	"github.com/xiaoxin/api-gateway/internal/store"
	"github.com/xiaoxin/api-gateway/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if closeLog != nil {
		defer closeLog()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"redis", cfg.Redis.Addr,
		"platform", cfg.Platform.BaseURL,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"circuit_breaker_enabled", cfg.CircuitBreaker.IsEnabled(),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	rdb, err := store.NewRedis(context.Background(), cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	backend := platform.NewClient(cfg.Platform.BaseURL, cfg.Platform.Timeout, logger)

	gw := gateway.New(cfg, rdb, backend, logger)
	defer gw.Stop()

	// Operational endpoints bypass the filter pipeline.
	mux := http.NewServeMux()
	healthHandler := health.New(rdb, backend, logger)
	healthHandler.RegisterRoutes(mux)

	reserved := []string{"/health", "/ready"}

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		reserved = append(reserved, cfg.Metrics.Path)
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, gw.Breaker, cfg.Admin, logger)
		adminHandler.RegisterRoutes(mux)
		reserved = append(reserved, "/admin")
		logger.Info("admin endpoints registered")
	}

	reloader.OnReload(func(newCfg *config.Config) {
		if gw.Edge != nil {
			gw.Edge.UpdateConfig(newCfg.RateLimit.Edge)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gateway.Combine(gw.Handler, mux, reserved),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var serveErr error
		if cfg.Server.TLS.Enabled {
			serveErr = serveTLS(srv, cfg.Server.TLS, logger)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("server error", "error", serveErr)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// buildLogger constructs the process logger per the logging config. The
// returned close function is non-nil when output goes to a rotating file.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	var out io.Writer
	var closeFn func() error

	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out = rw
		closeFn = rw.Close
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// serveTLS starts the server with hot-reloading certificates.
func serveTLS(srv *http.Server, cfg config.TLSConfig, logger *slog.Logger) error {
	loader, err := tlsutil.New(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return fmt.Errorf("loading TLS certificate: %w", err)
	}
	defer loader.Stop()

	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	srv.TLSConfig = &tls.Config{
		MinVersion:     minVersion,
		GetCertificate: loader.GetCertificate,
	}
	return srv.ListenAndServeTLS("", "")
}
