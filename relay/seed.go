package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
)

// SeedStore creates subscriptions.
type SeedStore interface {
	AddSubscription(ctx context.Context, handle, destinationID string) (db.Subscription, bool, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// ApplySeed inserts seed entries that do not exist yet. Existing subscriptions,
// their watermarks and their active flags are left alone.
func ApplySeed(ctx context.Context, store SeedStore, seed *config.SeedFile) (created int, err error) {
	if seed == nil {
		return 0, nil
	}
	for _, e := range seed.Subscriptions {
		sub, isNew, err := store.AddSubscription(ctx, e.Broadcaster, e.Destination)
		if err != nil {
			return created, fmt.Errorf("seed %s -> %s: %w", e.Broadcaster, e.Destination, err)
		}
		if !isNew {
			continue
		}
		created++
		if e.Paused {
			if err := store.SetActive(ctx, sub.ID, false); err != nil {
				return created, fmt.Errorf("pause seeded subscription %d: %w", sub.ID, err)
			}
		}
		slog.Info("subscription seeded",
			slog.Int64("id", sub.ID),
			slog.String("broadcaster", sub.BroadcasterHandle),
			slog.String("destination", sub.DestinationID),
			slog.Bool("paused", e.Paused),
			slog.String("component", "seed"))
	}
	return created, nil
}
