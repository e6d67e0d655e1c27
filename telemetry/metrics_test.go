package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestHelpersAreNilSafe(t *testing.T) {
	// must not panic before Init; other tests in this package may have
	// already initialized, which is also fine
	ObservePacket("chat")
	ObserveDuplicate()
	ObserveDonation("balloon")
	ObserveResult(true)
	ObserveCorrelation("mission", "pending")
	ObserveRosterEntry()
	ObserveRosterRejected("kind")
	ObserveSnapshot(time.Millisecond, nil)
	ObservePanic()
	SetSSESubscribers(1)
	UpdateSourceGauge(true)
}

func TestCountersIncrement(t *testing.T) {
	Init()

	before := testutil.ToFloat64(PacketsTotal.WithLabelValues("donation"))
	ObservePacket("donation")
	if got := testutil.ToFloat64(PacketsTotal.WithLabelValues("donation")); got != before+1 {
		t.Errorf("packets{donation} = %v, want %v", got, before+1)
	}

	beforeAuto := testutil.ToFloat64(ResultsCreated.WithLabelValues("auto"))
	ObserveResult(true)
	if got := testutil.ToFloat64(ResultsCreated.WithLabelValues("auto")); got != beforeAuto+1 {
		t.Errorf("results{auto} = %v, want %v", got, beforeAuto+1)
	}
}

func TestObserveSnapshotCountsFailures(t *testing.T) {
	Init()

	writes := testutil.ToFloat64(SnapshotWrites)
	failures := testutil.ToFloat64(SnapshotFailures)
	ObserveSnapshot(5*time.Millisecond, nil)
	ObserveSnapshot(5*time.Millisecond, errors.New("disk full"))

	if got := testutil.ToFloat64(SnapshotWrites); got != writes+2 {
		t.Errorf("writes = %v, want %v", got, writes+2)
	}
	if got := testutil.ToFloat64(SnapshotFailures); got != failures+1 {
		t.Errorf("failures = %v, want %v", got, failures+1)
	}
}

func TestGauges(t *testing.T) {
	Init()

	SetSSESubscribers(3)
	if got := testutil.ToFloat64(SSESubscribers); got != 3 {
		t.Errorf("subscribers = %v, want 3", got)
	}
	UpdateSourceGauge(true)
	if got := testutil.ToFloat64(SourceConnected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	UpdateSourceGauge(false)
	if got := testutil.ToFloat64(SourceConnected); got != 0 {
		t.Errorf("connected = %v, want 0", got)
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

func TestCorrelationContext(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context corr = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("corr = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
