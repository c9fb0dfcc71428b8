package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/clip-tender/telemetry"
)

// TokenURL is the Twitch client-credentials endpoint.
const TokenURL = "https://id.twitch.tv/oauth2/token"

const (
	expiryBuffer   = 60 * time.Second
	refreshTimeout = 15 * time.Second
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// It holds at most one token and at most one in-flight refresh; concurrent callers
// that find the slot empty or expired share the same refresh.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}
	ch := ts.group.DoChan("app-token", func() (interface{}, error) {
		// Another caller may have completed a refresh between our check and here.
		if tok, ok := ts.cached(); ok {
			return tok, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return ts.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token if it is still the one the upstream rejected.
// A token that was already replaced by a concurrent refresh is left alone, so a
// burst of rejections for the same token results in a single refresh.
func (ts *TokenSource) Invalidate(rejected string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && ts.token == rejected {
		ts.token = ""
		ts.expiresAt = time.Time{}
		slog.Debug("twitch app token invalidated", slog.String("component", "twitch_token"))
	}
}

// SetToken seeds the cache (used by tests and by callers restoring a known token).
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
}

// ExpiresAt reports the expiry of the cached token; zero when none is cached.
func (ts *TokenSource) ExpiresAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token == "" {
		return time.Time{}
	}
	return ts.expiresAt
}

// Refresh forces a new token through the shared refresh path. The current token
// is invalidated first so that the single-flight does not short-circuit.
func (ts *TokenSource) Refresh(ctx context.Context) (string, error) {
	ts.mu.RLock()
	cur := ts.token
	ts.mu.RUnlock()
	ts.Invalidate(cur)
	return ts.Get(ctx)
}

func (ts *TokenSource) cached() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token != "" && time.Until(ts.expiresAt) > expiryBuffer {
		return ts.token, true
	}
	return "", false
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", fmt.Errorf("%w: missing client id/secret for twitch app token", ErrCredential)
	}
	cc := &clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if telemetry.TokenRefreshes != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		telemetry.TokenRefreshes.WithLabelValues(result).Inc()
	}
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", fmt.Errorf("%w: twitch token request failed: %s: %s", ErrCredential, re.Response.Status, string(re.Body))
		}
		return "", fmt.Errorf("%w: twitch token request failed: %v", ErrCredential, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access_token in twitch response", ErrCredential)
	}
	exp := tok.Expiry
	if exp.IsZero() {
		exp = ComputeExpiry(0)
	}
	ts.mu.Lock()
	ts.token = tok.AccessToken
	ts.expiresAt = exp
	ts.mu.Unlock()
	slog.Info("twitch app token refreshed", slog.Time("expires_at", exp), slog.String("component", "twitch_token"))
	return tok.AccessToken, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
