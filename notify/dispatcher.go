package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/telemetry"
)

// ErrDelivery is matched by every DeliveryError.
var ErrDelivery = errors.New("delivery failed")

// DeliveryError reports a failed push of one clip to one destination.
type DeliveryError struct {
	Destination string
	ClipID      string
	Permanent   bool
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver clip %s to %s: %v", e.ClipID, e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDelivery) true for any DeliveryError.
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// Sender pushes a rendered notification to a destination.
type Sender interface {
	Send(ctx context.Context, destinationID string, n Notification) error
}

// Dispatcher renders clips and hands them to a Sender at a bounded rate.
type Dispatcher struct {
	sender  Sender
	loc     *time.Location
	limiter *rate.Limiter
}

// NewDispatcher returns a dispatcher. ratePerSec <= 0 disables rate limiting.
func NewDispatcher(sender Sender, loc *time.Location, ratePerSec int) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	d := &Dispatcher{sender: sender, loc: loc}
	if ratePerSec > 0 {
		// burst = rate so a short batch is not throttled
		d.limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return d
}

// Deliver renders c and pushes it to destinationID. Failures are returned as
// *DeliveryError and never panic the caller.
func (d *Dispatcher) Deliver(ctx context.Context, c clips.Candidate, destinationID string) error {
	fail := func(err error) error {
		telemetry.Inc(telemetry.DeliveriesFailed)
		return &DeliveryError{
			Destination: destinationID,
			ClipID:      c.ID,
			Permanent:   errors.Is(err, ErrDestinationGone),
			Err:         err,
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	n := Render(c, d.loc)
	var err error
	telemetry.TimeFunc(telemetry.DeliveryDuration, func() {
		err = d.sender.Send(ctx, destinationID, n)
	})
	if err != nil {
		return fail(err)
	}
	telemetry.Inc(telemetry.DeliveriesSucceeded)
	telemetry.LoggerWithCorr(ctx).Debug("clip delivered",
		slog.String("component", "dispatcher"),
		slog.String("clip_id", c.ID),
		slog.String("destination", destinationID))
	return nil
}
