package relay

import (
	"context"
	"errors"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/notify"
	"github.com/onnwee/clip-tender/twitchapi"
)

// ErrorClass groups failures by how the poll cycle reacts to them.
type ErrorClass int

const (
	// ErrorClassCredential means the Twitch app token could not be obtained or was rejected twice.
	ErrorClassCredential ErrorClass = iota
	// ErrorClassUpstream covers network failures and non-2xx Helix responses.
	ErrorClassUpstream
	// ErrorClassUnknownBroadcaster means a handle did not resolve to a Twitch user.
	ErrorClassUnknownBroadcaster
	// ErrorClassDelivery covers failed Telegram pushes.
	ErrorClassDelivery
	// ErrorClassPersistence covers store reads and writes.
	ErrorClassPersistence
	// ErrorClassCanceled is a context cancellation or deadline.
	ErrorClassCanceled
	// ErrorClassUnknown is anything else, including recovered panics.
	ErrorClassUnknown
)

// String returns the metric label for the class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassCredential:
		return "credential"
	case ErrorClassUpstream:
		return "upstream"
	case ErrorClassUnknownBroadcaster:
		return "unknown_broadcaster"
	case ErrorClassDelivery:
		return "delivery"
	case ErrorClassPersistence:
		return "persistence"
	case ErrorClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the relay's error taxonomy. Delivery errors are
// checked first because a DeliveryError may wrap a context error.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, notify.ErrDelivery):
		return ErrorClassDelivery
	case errors.Is(err, twitchapi.ErrCredential):
		return ErrorClassCredential
	case errors.Is(err, twitchapi.ErrUnknownBroadcaster):
		return ErrorClassUnknownBroadcaster
	case errors.Is(err, twitchapi.ErrUpstreamUnavailable):
		return ErrorClassUpstream
	case errors.Is(err, db.ErrPersistence), errors.Is(err, db.ErrNotAdvanced):
		return ErrorClassPersistence
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassCanceled
	default:
		return ErrorClassUnknown
	}
}
