package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/notify"
	"github.com/onnwee/clip-tender/telemetry"
)

// FailurePolicy decides what a failed delivery does to the rest of a batch.
type FailurePolicy string

const (
	// PolicyHalt stops the batch at the first failed delivery. The watermark
	// advances only through clips created before the failed one, so the failed
	// clip is retried next cycle.
	PolicyHalt FailurePolicy = "halt"
	// PolicySkip logs the failure and moves on. The failed clip is counted as
	// processed and will not be retried. A gone destination still stops the
	// batch and pauses the subscription.
	PolicySkip FailurePolicy = "skip"
)

// ParsePolicy parses a DELIVERY_FAILURE_POLICY value.
func ParsePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyHalt:
		return PolicyHalt, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown delivery failure policy %q (want halt or skip)", s)
	}
}

// SubscriptionReport summarizes one subscription's part of a cycle.
type SubscriptionReport struct {
	SubscriptionID int64     `json:"subscription_id"`
	Broadcaster    string    `json:"broadcaster"`
	Fetched        int       `json:"fetched"`
	Delivered      int       `json:"delivered"`
	Skipped        int       `json:"skipped"`
	Failed         int       `json:"failed"`
	Advanced       bool      `json:"advanced"`
	Paused         bool      `json:"paused,omitempty"`
	WatermarkID    string    `json:"watermark_clip_id,omitempty"`
	WatermarkAt    time.Time `json:"watermark_created_at"`
	Err            string    `json:"error,omitempty"`
}

// CycleReport summarizes a poll cycle.
type CycleReport struct {
	ID            string               `json:"id"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Subscriptions int                  `json:"subscriptions"`
	Fetched       int                  `json:"fetched"`
	Delivered     int                  `json:"delivered"`
	Skipped       int                  `json:"skipped"`
	Failed        int                  `json:"failed"`
	Errors        int                  `json:"errors"`
	Err           string               `json:"error,omitempty"`
	Results       []SubscriptionReport `json:"results,omitempty"`
}

// processSubscription runs fetch, deliver, and advance for one subscription.
// It never panics and never returns an error; problems land in the report.
func (s *Scheduler) processSubscription(ctx context.Context, sub db.Subscription) (rep SubscriptionReport) {
	rep = SubscriptionReport{
		SubscriptionID: sub.ID,
		Broadcaster:    sub.BroadcasterHandle,
		WatermarkID:    sub.WatermarkClipID,
		WatermarkAt:    sub.WatermarkCreatedAt,
	}
	ctx, span := telemetry.StartSpan(ctx, "relay.subscription",
		telemetry.SubscriptionAttr(sub.ID), telemetry.BroadcasterAttr(sub.BroadcasterHandle))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "scheduler"),
		slog.Int64("subscription_id", sub.ID),
		slog.String("broadcaster", sub.BroadcasterHandle))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Sprintf("panic: %v", r)
			telemetry.CountError(ErrorClassUnknown.String())
			log.Error("panic processing subscription", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
		if telemetry.SubscriptionDuration != nil {
			telemetry.SubscriptionDuration.Observe(time.Since(start).Seconds())
		}
	}()

	since := sub.WatermarkCreatedAt
	batch, err := s.fetcher.Fetch(ctx, sub.BroadcasterHandle, since)
	if err != nil {
		class := Classify(err)
		rep.Err = err.Error()
		telemetry.CountError(class.String())
		telemetry.RecordError(span, err)
		log.Warn("fetch clips", slog.String("class", class.String()), slog.Any("err", err))
		return rep
	}

	// Guard against fetchers that leak clips at or below the watermark.
	fresh := batch[:0:0]
	for _, c := range batch {
		if c.CreatedAt.After(since) {
			fresh = append(fresh, c)
		}
	}
	clips.SortCandidates(fresh)
	rep.Fetched = len(fresh)
	telemetry.Add(telemetry.ClipsFetched, len(fresh))

	var last *clips.Candidate
	for i := range fresh {
		c := fresh[i]
		clog := log.With(slog.String("clip_id", c.ID))

		if err := s.store.RecordClip(ctx, c.ToRecord(sub.BroadcasterHandle)); err != nil {
			telemetry.CountError(Classify(err).String())
			clog.Warn("record clip", slog.Any("err", err))
		}

		delivered, err := s.store.WasDelivered(ctx, sub.ID, c.ID)
		if err != nil {
			telemetry.CountError(Classify(err).String())
			clog.Warn("check delivery log", slog.Any("err", err))
		}
		if delivered {
			rep.Skipped++
			telemetry.Inc(telemetry.DeliveriesSkipped)
			clog.Debug("clip already delivered, skipping")
			last = &fresh[i]
			continue
		}

		if err := s.dispatcher.Deliver(ctx, c, sub.DestinationID); err != nil {
			rep.Failed++
			telemetry.CountError(Classify(err).String())
			var de *notify.DeliveryError
			permanent := errors.As(err, &de) && de.Permanent
			clog.Warn("deliver clip",
				slog.String("destination", sub.DestinationID),
				slog.Bool("permanent", permanent),
				slog.String("policy", string(s.cfg.Policy)),
				slog.Any("err", err))
			if permanent {
				s.pause(ctx, clog, sub, &rep)
			}
			if permanent || s.cfg.Policy == PolicyHalt {
				// The watermark must stay below the failed clip, including
				// clips that share its timestamp, or the strict > filter
				// would hide it from the next cycle.
				last = lastBefore(fresh[:i], c.CreatedAt)
				break
			}
			last = &fresh[i]
			continue
		}
		rep.Delivered++
		if err := s.store.MarkDelivered(ctx, sub.ID, c.ID); err != nil {
			telemetry.CountError(Classify(err).String())
			clog.Warn("mark delivered", slog.Any("err", err))
		}
		last = &fresh[i]
	}

	if last == nil {
		return rep
	}
	if err := s.store.AdvanceWatermark(ctx, sub.ID, last.ID, last.CreatedAt); err != nil {
		telemetry.CountError(Classify(err).String())
		if errors.Is(err, db.ErrNotAdvanced) {
			log.Warn("watermark not advanced", slog.Any("err", err))
		} else {
			rep.Err = err.Error()
			telemetry.RecordError(span, err)
			log.Error("advance watermark", slog.Any("err", err))
		}
		return rep
	}
	rep.Advanced = true
	rep.WatermarkID = last.ID
	rep.WatermarkAt = last.CreatedAt
	telemetry.Inc(telemetry.WatermarkAdvances)
	log.Info("watermark advanced",
		slog.String("clip_id", last.ID),
		slog.Time("created_at", last.CreatedAt),
		slog.Int("delivered", rep.Delivered),
		slog.Int("failed", rep.Failed))
	telemetry.SetSpanSuccess(span)
	return rep
}

// lastBefore returns the last clip in processed created strictly before t.
func lastBefore(processed []clips.Candidate, t time.Time) *clips.Candidate {
	for j := len(processed) - 1; j >= 0; j-- {
		if processed[j].CreatedAt.Before(t) {
			return &processed[j]
		}
	}
	return nil
}

// pause deactivates a subscription whose destination no longer accepts
// messages. Resuming it retries from the unchanged watermark.
func (s *Scheduler) pause(ctx context.Context, log *slog.Logger, sub db.Subscription, rep *SubscriptionReport) {
	if err := s.store.SetActive(ctx, sub.ID, false); err != nil {
		telemetry.CountError(Classify(err).String())
		log.Error("pause subscription with gone destination", slog.Any("err", err))
		return
	}
	rep.Paused = true
	log.Error("destination gone, subscription paused; resume with clipctl subs resume",
		slog.String("destination", sub.DestinationID))
}
