// MEW gateway entrypoint. Loads configuration, opens the audit sinks,
// and serves the WebSocket fabric plus the inspection and metrics HTTP
// surface until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mew/gateway/internal/audit"
	"github.com/mew/gateway/internal/config"
	"github.com/mew/gateway/internal/gateway"
	"github.com/mew/gateway/internal/metrics"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("MEW_CONFIG"), "path to YAML config (optional)")
	spacesPath := flag.String("spaces", os.Getenv("MEW_SPACES_CONFIG"), "path to per-space directory YAML (optional)")
	flag.Parse()

	// Local development convenience; absence of a .env file is fine.
	if err := godotenv.Load(); err == nil {
		slog.Info("[Gateway] Loaded environment from .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Gateway] Invalid configuration", "error", err)
		os.Exit(1)
	}

	var mirror audit.Mirror
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rm, err := audit.NewRedisMirror(ctx, cfg.Redis.Addr, cfg.Redis.Prefix)
		cancel()
		if err != nil {
			slog.Warn("[Gateway] Redis audit mirror unavailable, continuing file-only",
				"addr", cfg.Redis.Addr, "error", err)
		} else {
			defer rm.Close()
			mirror = rm
			slog.Info("[Gateway] Redis audit mirror connected", "addr", cfg.Redis.Addr)
		}
	}

	auditLog, err := audit.New(audit.Options{
		Dir:              cfg.Logging.Dir,
		Enabled:          cfg.Logging.Enabled,
		HistoryEnabled:   cfg.Logging.EnvelopeHistoryEnabled,
		DecisionsEnabled: cfg.Logging.CapabilityDecisionsEnabled,
		Mirror:           mirror,
	})
	if err != nil {
		slog.Error("[Gateway] Failed to open audit logs", "dir", cfg.Logging.Dir, "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	hub := gateway.NewHub(cfg, auditLog, metrics.New())

	if *spacesPath != "" {
		directory, err := config.NewManager(*spacesPath)
		if err != nil {
			slog.Error("[Gateway] Invalid spaces configuration", "path", *spacesPath, "error", err)
			os.Exit(1)
		}
		hub.UseDirectory(directory)
		slog.Info("[Gateway] Space directory loaded", "path", *spacesPath)
	}

	router := hub.Router()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// No read/write timeouts: long-lived WebSocket connections must not be
	// cut by the HTTP server.
	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[Gateway] Listening", "addr", cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("[Gateway] Shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("[Gateway] Server failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	hub.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("[Gateway] HTTP shutdown incomplete", "error", err)
	}
	slog.Info("[Gateway] Goodbye")
}
