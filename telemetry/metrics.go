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
	ResolveAttempts    prometheus.Counter
	ResolveExhausted   prometheus.Counter
	ResolveSucceeded   prometheus.Counter
	RoomLookups        *prometheus.CounterVec // label: outcome
	ClaimsAcquired     prometheus.Counter
	ClaimsContended    prometheus.Counter
	ClaimsReleased     prometheus.Counter
	ClaimsSwept        prometheus.Counter
	CapturesStarted    prometheus.Counter
	RecorderFailures   prometheus.Counter
	AssembliesByMode   *prometheus.CounterVec // label: mode (copy|concat|none|failed)
	PublishesSucceeded prometheus.Counter
	PublishesFailed    prometheus.Counter
	OrchestratorCycles prometheus.Counter
	SnapshotReadErrors prometheus.Counter

	// Histograms (seconds)
	ResolveDuration  prometheus.Observer
	CaptureDuration  prometheus.Observer
	AssembleDuration prometheus.Observer

	// Gauges
	ActiveCapturesGauge prometheus.Gauge
	ThrottledGauge      prometheus.Gauge // 1 when the last room lookup cycle saw NoUrlInResponse
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ResolveAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_resolve_attempts_total", Help: "Number of resolution HTTP attempts"})
		ResolveExhausted = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_resolve_exhausted_total", Help: "Number of resolutions that exhausted all retries"})
		ResolveSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_resolve_succeeded_total", Help: "Number of identities resolved to a room id"})
		RoomLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "farm_room_lookups_total", Help: "Room info lookups by classification"}, []string{"outcome"})
		ClaimsAcquired = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_claims_acquired_total", Help: "Claims successfully created"})
		ClaimsContended = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_claims_contended_total", Help: "Claim attempts that found an existing marker"})
		ClaimsReleased = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_claims_released_total", Help: "Claims released by finished workers"})
		ClaimsSwept = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_claims_swept_total", Help: "Stale claims removed by the startup sweep"})
		CapturesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_captures_started_total", Help: "Recorder subprocesses launched"})
		RecorderFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_recorder_failures_total", Help: "Recorder runs that exited non-zero or failed to start"})
		AssembliesByMode = promauto.NewCounterVec(prometheus.CounterOpts{Name: "farm_assemblies_total", Help: "Assembly outcomes by mode"}, []string{"mode"})
		PublishesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_publishes_succeeded_total", Help: "Artifacts uploaded"})
		PublishesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_publishes_failed_total", Help: "Artifact uploads that failed"})
		OrchestratorCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_orchestrator_cycles_total", Help: "Capture loop cycles"})
		SnapshotReadErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "farm_snapshot_read_errors_total", Help: "Identity snapshot reads that failed"})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "farm_resolve_duration_seconds", Help: "Resolution duration seconds (all attempts)", Buckets: prometheus.DefBuckets})
		CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "farm_capture_duration_seconds", Help: "Recorder run duration seconds", Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800}})
		AssembleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "farm_assemble_duration_seconds", Help: "Assembly duration seconds", Buckets: prometheus.DefBuckets})
		ActiveCapturesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "farm_active_captures", Help: "Captures currently in flight"})
		ThrottledGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "farm_throttled", Help: "1 when room lookups returned no URL (likely rate limited)"})
	})
}

// SetActiveCaptures records the number of in-flight captures.
func SetActiveCaptures(n int) {
	if ActiveCapturesGauge != nil {
		ActiveCapturesGauge.Set(float64(n))
	}
}

// UpdateThrottledGauge sets gauge to 1 if throttled else 0.
func UpdateThrottledGauge(throttled bool) {
	if ThrottledGauge == nil {
		return
	}
	if throttled {
		ThrottledGauge.Set(1)
	} else {
		ThrottledGauge.Set(0)
	}
}

// Inc increments c when metrics are initialized. Packages call it so they work in tests without Init.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncLabel increments the labelled counter when initialized.
func IncLabel(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
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

// Observe records d in obs if non-nil.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
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
