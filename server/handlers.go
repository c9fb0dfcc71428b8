// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/relay"
	"github.com/onnwee/clip-tender/telemetry"
)

// Store is the read side of persistence the API needs.
type Store interface {
	Ping(ctx context.Context) error
	ListSubscriptions(ctx context.Context) ([]db.Subscription, error)
	GetKV(ctx context.Context, key string) (string, error)
}

// Poller is the scheduler surface the API needs.
type Poller interface {
	LastReport() (relay.CycleReport, bool)
	Trigger()
}

// TokenStatus reports when the current app token expires. A zero time means no
// token has been acquired yet.
type TokenStatus interface {
	ExpiresAt() time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store        Store
	poller       Poller
	tokens       TokenStatus
	pollInterval time.Duration
	startedAt    time.Time
	now          func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// tokens may be nil, in which case readiness skips the credentials check.
func NewHandlers(store Store, poller Poller, tokens TokenStatus, pollInterval time.Duration) *Handlers {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Minute
	}
	return &Handlers{
		store:        store,
		poller:       poller,
		tokens:       tokens,
		pollInterval: pollInterval,
		startedAt:    time.Now(),
		now:          time.Now,
	}
}

type statusResponse struct {
	LastCycle      *relay.CycleReport `json:"last_cycle"`
	CycleStarted   string             `json:"cycle_started_at,omitempty"`
	CycleFinished  string             `json:"cycle_finished_at,omitempty"`
	TokenExpiresAt *time.Time         `json:"token_expires_at,omitempty"`
}

// HandleStatus returns the most recent cycle report and the persisted heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if rep, ok := h.poller.LastReport(); ok {
		resp.LastCycle = &rep
	}
	var err error
	if resp.CycleStarted, err = h.store.GetKV(r.Context(), relay.KeyCycleStarted); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("status: read heartbeat", slog.Any("err", err))
	}
	if resp.CycleFinished, err = h.store.GetKV(r.Context(), relay.KeyCycleFinished); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("status: read heartbeat", slog.Any("err", err))
	}
	if h.tokens != nil {
		if exp := h.tokens.ExpiresAt(); !exp.IsZero() {
			resp.TokenExpiresAt = &exp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSubscriptions lists every subscription, active or paused, with its watermark.
func (h *Handlers) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list subscriptions", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []db.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs, "count": len(subs)})
}

// HandleAdminPoll requests an immediate poll cycle. Requests made while a
// cycle is pending coalesce into one.
func (h *Handlers) HandleAdminPoll(w http.ResponseWriter, r *http.Request) {
	h.poller.Trigger()
	telemetry.LoggerWithCorr(r.Context()).Info("poll cycle triggered", slog.String("component", "http"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}
