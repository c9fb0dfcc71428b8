package twitchapi

import (
	"errors"
	"fmt"
)

var (
	// ErrCredential means no usable app token could be obtained, or the upstream
	// rejected a freshly refreshed token.
	ErrCredential = errors.New("twitch credential error")
	// ErrUpstreamUnavailable covers transport failures and non-2xx Helix responses.
	ErrUpstreamUnavailable = errors.New("twitch upstream unavailable")
	// ErrUnknownBroadcaster is returned when a login does not resolve to a user.
	ErrUnknownBroadcaster = errors.New("unknown broadcaster")
)

// StatusError carries the HTTP status of a failed Helix call.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrUpstreamUnavailable.
func (e *StatusError) Unwrap() error { return ErrUpstreamUnavailable }
