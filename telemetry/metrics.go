// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles          prometheus.Counter
	ClipsFetched        prometheus.Counter
	DeliveriesSucceeded prometheus.Counter
	DeliveriesFailed    prometheus.Counter
	DeliveriesSkipped   prometheus.Counter
	WatermarkAdvances   prometheus.Counter
	Errors              *prometheus.CounterVec // by class
	TokenRefreshes      *prometheus.CounterVec // by result

	// Histograms (seconds)
	CycleDuration        prometheus.Observer
	SubscriptionDuration prometheus.Observer
	DeliveryDuration     prometheus.Observer

	// Gauges
	ActiveSubscriptions prometheus.Gauge
	LastCycleSuccess    prometheus.Gauge // unix seconds
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "cliptender_poll_cycles_total", Help: "Number of poll cycles run"})
		ClipsFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "cliptender_clips_fetched_total", Help: "Number of new clips returned by the fetcher"})
		DeliveriesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "cliptender_deliveries_succeeded_total", Help: "Number of clip notifications delivered"})
		DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "cliptender_deliveries_failed_total", Help: "Number of clip notifications that failed"})
		DeliveriesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "cliptender_deliveries_skipped_total", Help: "Number of clips skipped because the delivery log already had them"})
		WatermarkAdvances = promauto.NewCounter(prometheus.CounterOpts{Name: "cliptender_watermark_advances_total", Help: "Number of committed watermark advances"})
		Errors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cliptender_errors_total", Help: "Errors by class"}, []string{"class"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cliptender_token_refreshes_total", Help: "Twitch app token refresh attempts by result"}, []string{"result"})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cliptender_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		SubscriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cliptender_subscription_duration_seconds", Help: "Per-subscription processing duration seconds", Buckets: prometheus.DefBuckets})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cliptender_delivery_duration_seconds", Help: "Single notification push duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Name: "cliptender_active_subscriptions", Help: "Active subscriptions seen by the last cycle"})
		LastCycleSuccess = promauto.NewGauge(prometheus.GaugeOpts{Name: "cliptender_last_cycle_completed_timestamp_seconds", Help: "Unix time the last poll cycle completed"})
	})
}

// CountError increments the error counter for a class.
func CountError(class string) {
	if Errors != nil {
		Errors.WithLabelValues(class).Inc()
	}
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c when metrics are initialized.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// SetActiveSubscriptions records the number of active subscriptions.
func SetActiveSubscriptions(n int) {
	if ActiveSubscriptions != nil {
		ActiveSubscriptions.Set(float64(n))
	}
}

// MarkCycleCompleted records the completion time of a cycle.
func MarkCycleCompleted(t time.Time) {
	if LastCycleSuccess != nil {
		LastCycleSuccess.Set(float64(t.Unix()))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
