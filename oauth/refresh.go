// Package oauth schedules proactive refreshes of the Twitch app access token.
// It performs jittered checks and refreshes when expiry falls within a
// configured window, so poll cycles rarely pay for a refresh inline.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// TokenRefresher is implemented by twitchapi.TokenSource.
type TokenRefresher interface {
	ExpiresAt() time.Time
	Refresh(ctx context.Context) (string, error)
}

// StartRefresher launches a goroutine that periodically checks the token expiry and refreshes it.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window. A token that was never fetched counts as expiring.
func StartRefresher(ctx context.Context, src TokenRefresher, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "token_refresher"))
	// Randomize initial delay so a restart loop does not hammer the token endpoint.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if time.Until(src.ExpiresAt()) <= window {
				ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
				_, err := src.Refresh(ctx2)
				cancel()
				if err != nil {
					log.Warn("app token refresh failed", slog.Any("err", err))
				} else {
					log.Info("app token refreshed ahead of expiry", slog.Time("expires_at", src.ExpiresAt()))
				}
			}

			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
