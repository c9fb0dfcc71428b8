// Command clip-tender polls Twitch for new clips of subscribed broadcasters and
// relays each one to its Telegram destination. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Applies the optional subscriptions seed file.
//   - Starts the poll scheduler and a proactive app-token refresher.
//   - Exposes an ops HTTP server with /healthz, /readyz, /status, /subscriptions,
//     /metrics, and POST /admin/poll.
//
// Shutdown is graceful on SIGINT/SIGTERM; a cycle in progress finishes first.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/clip-tender/app"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/oauth"
	"github.com/onnwee/clip-tender/server"
	"github.com/onnwee/clip-tender/telemetry"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	telemetry.SetupLogging(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("clip-tender", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("database setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	if err := a.Seed(ctx); err != nil {
		slog.Error("subscription seed failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := a.BuildRelay(); err != nil {
		slog.Error("relay setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	a.Scheduler.Start(ctx)
	oauth.StartRefresher(ctx, a.Tokens, 5*time.Minute, 15*time.Minute)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	handlers := server.NewHandlers(a.Store, a.Scheduler, a.Tokens, cfg.PollInterval)
	router := server.NewRouter(ctx, handlers, server.AuthConfig{
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
		Token:    cfg.AdminToken,
	})
	go func() {
		if err := server.Start(ctx, router, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down; waiting for in-progress poll cycle")
	a.Scheduler.Stop()
	slog.Info("shutdown complete")
}
