package cli

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/onnwee/clip-tender/app"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/relay"
)

// AppEnv is the production Env backed by the configured Postgres database.
type AppEnv struct {
	Config *config.Config

	mu  sync.Mutex
	app *app.App
	raw *sql.DB
}

func (e *AppEnv) open(ctx context.Context) (*app.App, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.app != nil {
		return e.app, nil
	}
	a, err := app.Open(ctx, e.Config)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

// Subscriptions opens (and migrates) the database.
func (e *AppEnv) Subscriptions(ctx context.Context) (SubscriptionAdmin, error) {
	a, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	return a.Store, nil
}

// RunCycle builds the full relay and runs one cycle.
func (e *AppEnv) RunCycle(ctx context.Context) (relay.CycleReport, error) {
	a, err := e.open(ctx)
	if err != nil {
		return relay.CycleReport{}, err
	}
	if a.Scheduler == nil {
		if err := a.BuildRelay(); err != nil {
			return relay.CycleReport{}, err
		}
	}
	return a.Scheduler.RunCycle(ctx), nil
}

// Migrate runs a migration action on a plain connection, so "down" and
// "version" do not apply pending migrations first.
func (e *AppEnv) Migrate(ctx context.Context, action string) (string, error) {
	e.mu.Lock()
	if e.raw == nil {
		database, err := db.Connect(e.Config.DBDsn)
		if err != nil {
			e.mu.Unlock()
			return "", err
		}
		e.raw = database
	}
	database := e.raw
	e.mu.Unlock()

	if err := database.PingContext(ctx); err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	switch action {
	case "up":
		if err := db.RunMigrations(database); err != nil {
			return "", err
		}
	case "down":
		if err := db.MigrateDown(database); err != nil {
			return "", err
		}
	case "version":
	default:
		return "", fmt.Errorf("unknown migrate action %q", action)
	}
	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return "", err
	}
	if dirty {
		return fmt.Sprintf("version %d (dirty)", v), nil
	}
	return fmt.Sprintf("version %d", v), nil
}

// Close releases any opened connections.
func (e *AppEnv) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.app != nil {
		err = e.app.Close()
	}
	if e.raw != nil {
		if cerr := e.raw.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
