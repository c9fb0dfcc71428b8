// Package relay drives the poll cycle: for every active subscription it fetches
// clips newer than the watermark, delivers them oldest first, and advances the
// watermark through the last clip processed.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/telemetry"
)

// KV keys written by the scheduler.
const (
	KeyCycleStarted  = "job_poll_last"
	KeyCycleFinished = "job_poll_last_ok"
)

// SubscriptionStore is the persistence the cycle needs.
type SubscriptionStore interface {
	ListActive(ctx context.Context) ([]db.Subscription, error)
	AdvanceWatermark(ctx context.Context, subscriptionID int64, clipID string, createdAt time.Time) error
	RecordClip(ctx context.Context, c db.ClipRecord) error
	WasDelivered(ctx context.Context, subscriptionID int64, clipID string) (bool, error)
	MarkDelivered(ctx context.Context, subscriptionID int64, clipID string) error
	SetKV(ctx context.Context, key, value string) error
	SetActive(ctx context.Context, id int64, active bool) error
}

// ClipFetcher returns clips newer than since, oldest first.
type ClipFetcher interface {
	Fetch(ctx context.Context, handle string, since time.Time) ([]clips.Candidate, error)
}

// Dispatcher pushes one clip to one destination.
type Dispatcher interface {
	Deliver(ctx context.Context, c clips.Candidate, destinationID string) error
}

// Config tunes the scheduler.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Policy      FailurePolicy
}

// Scheduler runs poll cycles on a fixed delay measured from the end of the
// previous cycle. Cycles never overlap.
type Scheduler struct {
	store      SubscriptionStore
	fetcher    ClipFetcher
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time

	cycleMu sync.Mutex // held for the duration of a cycle

	mu       sync.Mutex
	last     *CycleReport
	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// New builds a scheduler. Zero config values fall back to a 2 minute interval,
// sequential processing, and the halt policy.
func New(store SubscriptionStore, fetcher ClipFetcher, dispatcher Dispatcher, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyHalt
	}
	return &Scheduler{
		store:      store,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs one cycle immediately and then keeps cycling until ctx is done or
// Stop is called. It returns at once; the loop runs in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	log := slog.Default().With(slog.String("component", "scheduler"))
	log.Info("poll scheduler starting",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("concurrency", s.cfg.Concurrency),
		slog.String("policy", string(s.cfg.Policy)))

	// An in-progress cycle is never cancelled; shutdown waits for it.
	cycleCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("poll scheduler stopped")
			return
		case <-s.stop:
			log.Info("poll scheduler stopped")
			return
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.RunCycle(cycleCtx)
		timer.Reset(s.cfg.Interval)
	}
}

// Trigger asks the loop to start the next cycle now. Requests made while a
// cycle is running collapse into one follow-up cycle.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the loop after any in-progress cycle completes and waits for it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// LastReport returns the most recent cycle report, if any.
func (s *Scheduler) LastReport() (CycleReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return CycleReport{}, false
	}
	return *s.last, true
}

// RunCycle performs one full cycle synchronously. Concurrent calls are
// serialized. Failures are recorded in the report and never returned.
func (s *Scheduler) RunCycle(ctx context.Context) (report CycleReport) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report.ID = uuid.NewString()
	report.StartedAt = s.now().UTC()
	ctx = telemetry.WithCorrelation(ctx, report.ID)
	ctx, span := telemetry.StartSpan(ctx, "relay.cycle")
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "scheduler"))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Sprintf("panic: %v", r)
			telemetry.CountError(ErrorClassUnknown.String())
			log.Error("panic in poll cycle", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
		report.FinishedAt = s.now().UTC()
		if telemetry.CycleDuration != nil {
			telemetry.CycleDuration.Observe(time.Since(start).Seconds())
		}
		telemetry.Inc(telemetry.PollCycles)
		if report.Err == "" {
			telemetry.MarkCycleCompleted(report.FinishedAt)
			telemetry.SetSpanSuccess(span)
		}
		span.End()
		s.mu.Lock()
		r := report
		s.last = &r
		s.mu.Unlock()
	}()

	if err := s.store.SetKV(ctx, KeyCycleStarted, report.StartedAt.Format(time.RFC3339Nano)); err != nil {
		log.Warn("write cycle heartbeat", slog.Any("err", err))
	}

	subs, err := s.store.ListActive(ctx)
	if err != nil {
		report.Err = err.Error()
		telemetry.CountError(Classify(err).String())
		telemetry.RecordError(span, err)
		log.Error("list active subscriptions", slog.Any("err", err))
		return report
	}
	telemetry.SetActiveSubscriptions(len(subs))
	report.Subscriptions = len(subs)
	report.Results = make([]SubscriptionReport, len(subs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range subs {
		i := i
		g.Go(func() error {
			report.Results[i] = s.processSubscription(ctx, subs[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Results {
		report.Fetched += r.Fetched
		report.Delivered += r.Delivered
		report.Skipped += r.Skipped
		report.Failed += r.Failed
		if r.Err != "" {
			report.Errors++
		}
	}

	if err := s.store.SetKV(ctx, KeyCycleFinished, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		log.Warn("write cycle heartbeat", slog.Any("err", err))
	}
	log.Info("poll cycle complete",
		slog.Int("subscriptions", report.Subscriptions),
		slog.Int("delivered", report.Delivered),
		slog.Int("failed", report.Failed),
		slog.Int("errors", report.Errors),
		slog.Duration("took", time.Since(start)))
	return report
}
