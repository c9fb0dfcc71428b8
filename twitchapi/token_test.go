package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writeToken(w http.ResponseWriter, token string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": token,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}

func TestTokenSource_GetCached(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.PostForm.Get("client_id"); got != "test-client" {
			t.Errorf("client_id = %q, want test-client", got)
		}
		writeToken(w, "test-token-123", 3600)
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	ctx := context.Background()

	token1, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token1 != "test-token-123" {
		t.Errorf("Get() = %s, want test-token-123", token1)
	}

	token2, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token2 != token1 {
		t.Errorf("cached token = %s, want %s", token2, token1)
	}
	if n := atomic.LoadInt32(&callCount); n != 1 {
		t.Errorf("expected 1 API call (cached), got %d", n)
	}
	if ts.ExpiresAt().IsZero() {
		t.Error("ExpiresAt() is zero after successful refresh")
	}
}

func TestTokenSource_GetRefreshesNearExpiry(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		writeToken(w, "fresh-token", 3600)
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}
	// Inside the 60s buffer: must be treated as expired.
	ts.SetToken("old-token", time.Now().Add(30*time.Second))

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "fresh-token" {
		t.Errorf("Get() = %s, want fresh-token", tok)
	}
	if n := atomic.LoadInt32(&callCount); n != 1 {
		t.Errorf("expected 1 refresh, got %d", n)
	}
}

func TestTokenSource_GetMissingCredentials(t *testing.T) {
	ts := &TokenSource{}

	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with missing credentials should return error")
	}
	if !errors.Is(err, ErrCredential) {
		t.Errorf("Get() error = %v, want ErrCredential", err)
	}
	if !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("Get() error = %v, want error about missing credentials", err)
	}
}

func TestTokenSource_GetServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "bad-client",
		ClientSecret: "bad-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with server error should return error")
	}
	if !errors.Is(err, ErrCredential) {
		t.Errorf("Get() error = %v, want ErrCredential", err)
	}
}

func TestTokenSource_GetEmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "", 3600)
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with empty access_token should return error")
	}
	if !errors.Is(err, ErrCredential) {
		t.Errorf("Get() error = %v, want ErrCredential", err)
	}
	if !strings.Contains(err.Error(), "access_token") {
		t.Errorf("Get() error = %v, want error about access_token", err)
	}
}

func TestTokenSource_ConcurrentAccessSingleRefresh(t *testing.T) {
	var callCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		time.Sleep(100 * time.Millisecond)
		writeToken(w, "test-token", 3600)
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	ctx := context.Background()
	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Get(ctx)
			if err != nil {
				errs <- err
				return
			}
			if tok != "test-token" {
				errs <- errors.New("unexpected token " + tok)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Get() error = %v", err)
	}
	if n := atomic.LoadInt32(&callCount); n != 1 {
		t.Errorf("expected exactly 1 token request with concurrent callers, got %d", n)
	}
}

func TestTokenSource_InvalidateOnlyMatchingToken(t *testing.T) {
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret"}
	ts.SetToken("current", time.Now().Add(time.Hour))

	ts.Invalidate("older")
	if tok, ok := ts.cached(); !ok || tok != "current" {
		t.Fatalf("Invalidate with stale token cleared the slot; got %q ok=%v", tok, ok)
	}

	ts.Invalidate("current")
	if _, ok := ts.cached(); ok {
		t.Fatal("Invalidate with current token left it cached")
	}
	if !ts.ExpiresAt().IsZero() {
		t.Error("ExpiresAt() should be zero after invalidation")
	}
}

func TestTokenSource_GetHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeToken(w, "late-token", 3600)
	}))
	defer server.Close()
	defer close(release)

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ts.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get() error = %v, want deadline exceeded", err)
	}
}

func TestComputeExpiry(t *testing.T) {
	now := time.Now()
	if got := ComputeExpiry(0); got.Before(now.Add(59 * time.Minute)) {
		t.Errorf("ComputeExpiry(0) = %v, want ~+60m", got)
	}
	if got := ComputeExpiry(120); got.After(now.Add(3 * time.Minute)) {
		t.Errorf("ComputeExpiry(120) = %v, want ~+2m", got)
	}
}

// tokenTransport is a custom transport for redirecting token requests
type tokenTransport struct {
	host string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		req.URL.Host = strings.TrimPrefix(t.host, "http://")
	}
	return http.DefaultTransport.RoundTrip(req)
}
