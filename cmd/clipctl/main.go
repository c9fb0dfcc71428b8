// Command clipctl is the operator CLI for clip-tender.
//
// Usage:
//
//	clipctl subs add <broadcaster> <destination> [--paused]
//	clipctl subs list
//	clipctl subs pause|resume <id>
//	clipctl poll once
//	clipctl migrate up|down|version
//
// It reads the same environment as the service (DB_DSN, TWITCH_*, TELEGRAM_*).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/clip-tender/cli"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/telemetry"
)

func main() {
	_ = godotenv.Load()
	if os.Getenv("LOG_LEVEL") == "" {
		_ = os.Setenv("LOG_LEVEL", "warn")
	}
	telemetry.SetupLogging(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCommandError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	env := &cli.AppEnv{Config: cfg}
	err = cli.NewRootCommand(env).ExecuteContext(ctx)
	_ = env.Close()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
