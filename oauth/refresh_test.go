package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	exp     time.Time
	calls   atomic.Int32
	err     error
	newLife time.Duration
}

func (f *fakeSource) ExpiresAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exp
}

func (f *fakeSource) Refresh(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.exp = time.Now().Add(f.newLife)
	f.mu.Unlock()
	return "new-token", nil
}

func TestStartRefresherOutsideWindow(t *testing.T) {
	src := &fakeSource{exp: time.Now().Add(1 * time.Hour)}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, src, 20*time.Millisecond, 30*time.Minute)
	<-ctx.Done()

	if n := src.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times for token outside window", n)
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	src := &fakeSource{exp: time.Now().Add(5 * time.Minute), newLife: 2 * time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, src, 20*time.Millisecond, 15*time.Minute)
	<-ctx.Done()

	// After one refresh the token is outside the window again.
	if n := src.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
}

func TestStartRefresherNeverFetched(t *testing.T) {
	src := &fakeSource{newLife: 2 * time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, src, 20*time.Millisecond, time.Minute)
	<-ctx.Done()

	if src.calls.Load() != 1 {
		t.Errorf("expected warm-up refresh, got %d", src.calls.Load())
	}
}

func TestStartRefresherKeepsRetryingOnError(t *testing.T) {
	src := &fakeSource{exp: time.Now().Add(time.Minute), err: errors.New("token endpoint down")}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, src, 20*time.Millisecond, 15*time.Minute)
	<-ctx.Done()

	if src.calls.Load() < 2 {
		t.Errorf("expected repeated attempts after failure, got %d", src.calls.Load())
	}
}

func TestStartRefresherDefaults(t *testing.T) {
	src := &fakeSource{exp: time.Now().Add(time.Hour)}
	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, src, 0, 0)
	cancel()
	time.Sleep(10 * time.Millisecond)
	if src.calls.Load() != 0 {
		t.Error("no refresh expected")
	}
}
