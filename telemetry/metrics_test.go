package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if CycleDuration == nil || SubscriptionDuration == nil || DeliveryDuration == nil {
		t.Fatal("histograms not initialized")
	}
	if PollCycles == nil || DeliveriesSucceeded == nil || DeliveriesFailed == nil || WatermarkAdvances == nil {
		t.Fatal("counters not initialized")
	}
	if Errors == nil || TokenRefreshes == nil {
		t.Fatal("counter vecs not initialized")
	}

	// A second Init must not re-register (which would panic).
	Init()
}

func TestCountError(t *testing.T) {
	Init()

	before := testutil.ToFloat64(Errors.WithLabelValues("delivery"))
	CountError("delivery")
	CountError("delivery")
	after := testutil.ToFloat64(Errors.WithLabelValues("delivery"))
	if after-before != 2 {
		t.Errorf("errors{class=delivery} delta = %v, want 2", after-before)
	}
}

func TestIncAndAdd(t *testing.T) {
	Init()

	before := testutil.ToFloat64(ClipsFetched)
	Add(ClipsFetched, 3)
	Add(ClipsFetched, 0)
	Inc(ClipsFetched)
	if got := testutil.ToFloat64(ClipsFetched) - before; got != 4 {
		t.Errorf("clips fetched delta = %v, want 4", got)
	}

	// nil counters are ignored
	Inc(nil)
	Add(nil, 5)
}

func TestGauges(t *testing.T) {
	Init()

	SetActiveSubscriptions(7)
	if got := testutil.ToFloat64(ActiveSubscriptions); got != 7 {
		t.Errorf("active subscriptions = %v, want 7", got)
	}

	now := time.Unix(1700000000, 0)
	MarkCycleCompleted(now)
	if got := testutil.ToFloat64(LastCycleSuccess); got != 1700000000 {
		t.Errorf("last cycle gauge = %v, want 1700000000", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
