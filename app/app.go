// Package app assembles the relay from configuration: database, Twitch client,
// clip fetcher, Telegram dispatcher, and scheduler. Both the service binary and
// clipctl build through it so they run the same pipeline.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/notify"
	"github.com/onnwee/clip-tender/relay"
	"github.com/onnwee/clip-tender/twitchapi"
)

// App holds the long-lived components.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Store     *db.Store
	Tokens    *twitchapi.TokenSource
	Scheduler *relay.Scheduler
}

// Open connects to Postgres and migrates the schema. It does not require
// Twitch or Telegram credentials, so subscription management works without them.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(ctx, database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return &App{Config: cfg, DB: database, Store: db.NewStore(database)}, nil
}

// migrate runs versioned migrations and falls back to the embedded idempotent
// schema for databases that predate schema_migrations.
func migrate(ctx context.Context, database *sql.DB) error {
	log := slog.Default().With(slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		log.Warn("versioned migrations failed, attempting fallback to embedded SQL", slog.Any("err", err))
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate db (both versioned and embedded SQL failed): %w", err)
		}
		log.Info("embedded SQL migration completed")
	}
	return nil
}

// BuildRelay validates credentials and wires the poll pipeline.
func (a *App) BuildRelay() error {
	cfg := a.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	policy, err := relay.ParsePolicy(cfg.DeliveryFailurePolicy)
	if err != nil {
		return err
	}

	upstream := &http.Client{Timeout: cfg.UpstreamTimeout}
	a.Tokens = &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HTTPClient:   upstream,
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: a.Tokens,
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     upstream,
	}
	fetcher := &clips.Fetcher{
		Helix:       helix,
		PageSize:    cfg.ClipPageSize,
		MaxPages:    cfg.ClipMaxPages,
		Lookback:    cfg.ClipLookback,
		MaxLookback: cfg.ClipMaxLookback,
	}

	sender, err := notify.NewTelegramSender(notify.TelegramConfig{
		Token:   cfg.TelegramBotToken,
		APIURL:  cfg.TelegramAPIURL,
		Timeout: cfg.TelegramTimeout,
	})
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(sender, loc, cfg.DeliveryRatePerSec)

	a.Scheduler = relay.New(a.Store, fetcher, dispatcher, relay.Config{
		Interval:    cfg.PollInterval,
		Concurrency: cfg.PollConcurrency,
		Policy:      policy,
	})
	return nil
}

// Seed applies SUBSCRIPTIONS_FILE when one is configured.
func (a *App) Seed(ctx context.Context) error {
	if a.Config.SubscriptionsFile == "" {
		return nil
	}
	seed, err := config.LoadSeed(a.Config.SubscriptionsFile)
	if err != nil {
		return err
	}
	created, err := relay.ApplySeed(ctx, a.Store, seed)
	if err != nil {
		return err
	}
	slog.Info("subscription seed applied", slog.String("file", a.Config.SubscriptionsFile), slog.Int("created", created))
	return nil
}

// Close releases the database handle.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
