// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user id resolution and clip listing, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HelixBaseURL is the root of the Helix REST API.
const HelixBaseURL = "https://api.twitch.tv/helix"

// HelixClient provides the methods needed for clip discovery.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// get performs an authenticated GET and decodes the JSON body into out.
// A 401 invalidates the token and the request is retried exactly once with a
// refreshed token; a second 401 is returned as ErrCredential.
func (hc *HelixClient) get(ctx context.Context, endpoint string, q url.Values, out interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		status, body, err := hc.do(ctx, endpoint, q, tok)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusUnauthorized:
			if attempt == 0 {
				slog.Debug("helix rejected app token; refreshing", slog.String("endpoint", endpoint), slog.String("component", "helix"))
				hc.AppTokenSource.Invalidate(tok)
				continue
			}
			return fmt.Errorf("%w: helix %s rejected refreshed token", ErrCredential, endpoint)
		case status < 200 || status > 299:
			return &StatusError{Endpoint: endpoint, StatusCode: status, Body: truncate(string(body), 256)}
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode helix %s: %v", ErrUpstreamUnavailable, endpoint, err)
		}
		return nil
	}
	return fmt.Errorf("%w: helix %s: retries exhausted", ErrCredential, endpoint)
}

func (hc *HelixClient) do(ctx context.Context, endpoint string, q url.Values, tok string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HelixBaseURL+endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read helix %s: %v", ErrUpstreamUnavailable, endpoint, err)
	}
	return resp.StatusCode, body, nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", errors.New("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", q, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", fmt.Errorf("%w: user not found: %s", ErrUnknownBroadcaster, login)
	}
	return body.Data[0].ID, nil
}

// ClipMeta is a clip as returned by Helix, before validation.
type ClipMeta struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	BroadcasterID   string `json:"broadcaster_id"`
	BroadcasterName string `json:"broadcaster_name"`
	CreatorID       string `json:"creator_id"`
	CreatorName     string `json:"creator_name"`
	Title           string `json:"title"`
	ThumbnailURL    string `json:"thumbnail_url"`
	CreatedAt       string `json:"created_at"`
}

// ClipQuery parameterizes ListClips.
type ClipQuery struct {
	BroadcasterID string
	StartedAt     time.Time
	EndedAt       time.Time
	After         string
	First         int
}

// ListClips returns one page of clips for a broadcaster and the cursor for the next page.
func (hc *HelixClient) ListClips(ctx context.Context, cq ClipQuery) ([]ClipMeta, string, error) {
	if cq.BroadcasterID == "" {
		return nil, "", errors.New("broadcasterID empty")
	}
	first := cq.First
	if first <= 0 {
		first = 20
	}
	if first > 100 {
		first = 100
	}
	q := url.Values{}
	q.Set("broadcaster_id", cq.BroadcasterID)
	q.Set("first", strconv.Itoa(first))
	if !cq.StartedAt.IsZero() {
		q.Set("started_at", cq.StartedAt.UTC().Format(time.RFC3339))
	}
	if !cq.EndedAt.IsZero() {
		q.Set("ended_at", cq.EndedAt.UTC().Format(time.RFC3339))
	}
	if cq.After != "" {
		q.Set("after", cq.After)
	}
	var body struct {
		Data       []ClipMeta `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "/clips", q, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
