package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/twitchapi"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	// TokenRequests counts calls to the OAuth token endpoint.
	TokenRequests atomic.Int32

	mu         sync.Mutex
	reject401  int
	validToken string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if strings.HasPrefix(key, "/helix/") && m.shouldReject(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`))
			return
		}
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// RejectNext makes the next n Helix requests fail with 401.
func (m *MockTwitchServer) RejectNext(n int) {
	m.mu.Lock()
	m.reject401 = n
	m.mu.Unlock()
}

// RequireToken makes Helix requests carrying any other bearer token fail with 401.
func (m *MockTwitchServer) RequireToken(token string) {
	m.mu.Lock()
	m.validToken = token
	m.mu.Unlock()
}

func (m *MockTwitchServer) shouldReject(r *http.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject401 > 0 {
		m.reject401--
		return true
	}
	return m.validToken != "" && r.Header.Get("Authorization") != "Bearer "+m.validToken
}

// MockUsers adds a /helix/users handler resolving logins from the map.
// Unknown logins get an empty data array, as Twitch does.
func (m *MockTwitchServer) MockUsers(users map[string]string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		login := r.URL.Query().Get("login")
		if id, ok := users[login]; ok {
			data = append(data, map[string]string{"id": id, "login": login})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	}
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.MockUsers(map[string]string{login: userID})
}

// MockClipsResponse adds a handler for /helix/clips endpoint
func (m *MockTwitchServer) MockClipsResponse(clips []map[string]string, cursor string) {
	m.Handlers["/helix/clips"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": clips,
			"pagination": map[string]string{
				"cursor": cursor,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		m.TokenRequests.Add(1)
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// Clip builds a Helix clip object for MockClipsResponse.
func Clip(id, broadcasterName string, createdAt time.Time) map[string]string {
	return map[string]string{
		"id":               id,
		"url":              "https://clips.twitch.tv/" + id,
		"broadcaster_id":   "1",
		"broadcaster_name": broadcasterName,
		"creator_id":       "2",
		"creator_name":     "clipper",
		"title":            "clip " + id,
		"thumbnail_url":    "https://clips-media-assets2.twitch.tv/" + id + "-preview-480x272.jpg",
		"created_at":       createdAt.UTC().Format(time.RFC3339),
	}
}

// RewriteTransport sends every request to the mock server regardless of host.
type RewriteTransport struct {
	Transport http.RoundTripper
	Host      string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(strings.TrimPrefix(t.Host, "http://"), "https://")
	return t.Transport.RoundTrip(req)
}

// NewHelixClient returns a Helix client, with its own token source, pointed at the mock.
func (m *MockTwitchServer) NewHelixClient() *twitchapi.HelixClient {
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &RewriteTransport{Transport: http.DefaultTransport, Host: m.URL},
	}
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     "test-client-id",
			ClientSecret: "test-secret",
			HTTPClient:   client,
		},
		ClientID:   "test-client-id",
		HTTPClient: client,
	}
}
