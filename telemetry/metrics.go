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
	PacketsTotal         *prometheus.CounterVec // by outcome
	DuplicatesSuppressed prometheus.Counter
	DonationsTotal       *prometheus.CounterVec // by kind
	ResultsCreated       *prometheus.CounterVec // by mode (template|auto)
	CorrelationsTotal    *prometheus.CounterVec // by consumer and source (pending|lookback)
	RosterEntries        prometheus.Counter
	RosterRejected       *prometheus.CounterVec // by reason
	SnapshotWrites       prometheus.Counter
	SnapshotFailures     prometheus.Counter
	PanicsRecovered      prometheus.Counter

	// Histograms (seconds)
	SnapshotDuration prometheus.Observer

	// Gauges
	SSESubscribers  prometheus.Gauge
	SourceConnected prometheus.Gauge // 1=connected,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mission_packets_total", Help: "Packets processed by normalizer outcome"}, []string{"outcome"})
		DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "mission_duplicates_suppressed_total", Help: "Packets dropped as re-deliveries"})
		DonationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mission_donations_total", Help: "Donations observed by kind"}, []string{"kind"})
		ResultsCreated = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mission_results_created_total", Help: "Mission results created"}, []string{"mode"})
		CorrelationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mission_correlations_total", Help: "Chat messages attached to donations"}, []string{"consumer", "source"})
		RosterEntries = promauto.NewCounter(prometheus.CounterOpts{Name: "mission_roster_entries_total", Help: "Roster entries accepted"})
		RosterRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mission_roster_rejected_total", Help: "Donations the roster rejected"}, []string{"reason"})
		SnapshotWrites = promauto.NewCounter(prometheus.CounterOpts{Name: "mission_snapshot_writes_total", Help: "Snapshot writes attempted"})
		SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "mission_snapshot_failures_total", Help: "Snapshot writes that failed"})
		PanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{Name: "mission_panics_recovered_total", Help: "Panics recovered while processing input"})
		SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "mission_snapshot_duration_seconds", Help: "Snapshot write duration seconds", Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5}})
		SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "mission_sse_subscribers", Help: "Connected event stream clients"})
		SourceConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "mission_source_connected", Help: "Chat source connected=1 disconnected=0"})
	})
}

// ObservePacket counts a packet by normalizer outcome.
func ObservePacket(outcome string) {
	if PacketsTotal != nil {
		PacketsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveDuplicate counts a suppressed re-delivery.
func ObserveDuplicate() {
	if DuplicatesSuppressed != nil {
		DuplicatesSuppressed.Inc()
	}
}

// ObserveDonation counts a donation by kind.
func ObserveDonation(kind string) {
	if DonationsTotal != nil {
		DonationsTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveResult counts a created result.
func ObserveResult(auto bool) {
	if ResultsCreated == nil {
		return
	}
	mode := "template"
	if auto {
		mode = "auto"
	}
	ResultsCreated.WithLabelValues(mode).Inc()
}

// ObserveCorrelation counts an attached message.
func ObserveCorrelation(consumer, source string) {
	if CorrelationsTotal != nil {
		CorrelationsTotal.WithLabelValues(consumer, source).Inc()
	}
}

// ObserveRosterEntry counts an accepted roster entry.
func ObserveRosterEntry() {
	if RosterEntries != nil {
		RosterEntries.Inc()
	}
}

// ObserveRosterRejected counts a rejected roster donation.
func ObserveRosterRejected(reason string) {
	if RosterRejected != nil {
		RosterRejected.WithLabelValues(reason).Inc()
	}
}

// ObserveSnapshot records one snapshot write.
func ObserveSnapshot(d time.Duration, err error) {
	if SnapshotWrites == nil {
		return
	}
	SnapshotWrites.Inc()
	SnapshotDuration.Observe(d.Seconds())
	if err != nil {
		SnapshotFailures.Inc()
	}
}

// ObservePanic counts a recovered panic.
func ObservePanic() {
	if PanicsRecovered != nil {
		PanicsRecovered.Inc()
	}
}

// SetSSESubscribers records the current stream client count.
func SetSSESubscribers(n int) {
	if SSESubscribers != nil {
		SSESubscribers.Set(float64(n))
	}
}

// UpdateSourceGauge sets gauge to 1 if connected else 0.
func UpdateSourceGauge(connected bool) {
	if SourceConnected == nil {
		return
	}
	if connected {
		SourceConnected.Set(1)
	} else {
		SourceConnected.Set(0)
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
	if s, ok := ctx.Value(corrKey).(string); ok {
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
