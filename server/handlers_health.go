package server

import (
	"fmt"
	"net/http"
	"time"
)

// staleCycles is how many poll intervals may pass without a finished cycle
// before the relay reports not ready.
const staleCycles = 3

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"poll_cycle", h.checkCycleFresh},
		{"credentials", h.checkToken},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) checkCycleFresh() error {
	limit := staleCycles * h.pollInterval
	rep, ok := h.poller.LastReport()
	if !ok {
		if h.now().Sub(h.startedAt) > limit {
			return fmt.Errorf("no poll cycle finished since start")
		}
		return nil
	}
	if age := h.now().Sub(rep.FinishedAt); age > limit {
		return fmt.Errorf("last poll cycle finished %s ago", age.Truncate(time.Second))
	}
	return nil
}

func (h *Handlers) checkToken() error {
	if h.tokens == nil {
		return nil
	}
	exp := h.tokens.ExpiresAt()
	if exp.IsZero() {
		// The first cycle acquires the token.
		if _, ok := h.poller.LastReport(); ok {
			return fmt.Errorf("no app access token")
		}
		return nil
	}
	if !h.now().Before(exp) {
		return fmt.Errorf("app access token expired at %s", exp.UTC().Format(time.RFC3339))
	}
	return nil
}
