package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync cycle
var (
	SyncCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "osu_sync_cycles_total",
		Help: "Number of completed leaderboard sync cycles",
	})
	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osu_sync_failures_total",
		Help: "Sync cycle failures by stage",
	}, []string{"stage"})
	SyncSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "osu_sync_skipped_total",
		Help: "Sync cycles skipped because the previous cycle was still running",
	})
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "osu_sync_duration_seconds",
		Help:    "Sync cycle duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	BulkLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "osu_bulk_lookups_total",
		Help: "Bulk user lookup calls issued",
	})
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osu_cache_entries",
		Help: "Entries in the live leaderboard generation",
	})
	CacheRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osu_cache_rooms",
		Help: "Rooms in the live room snapshot",
	})
)

// Tokens
var (
	TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osu_token_exchanges_total",
		Help: "Token exchanges attempted by grant type",
	}, []string{"grant"})
	TokenExchangeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osu_token_exchange_failures_total",
		Help: "Token exchanges failed by grant type",
	}, []string{"grant"})
	CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osu_api_circuit_open",
		Help: "Statistics API circuit breaker open=1 closed=0",
	})
)

// Render pipeline
var (
	RendersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "render_jobs_submitted_total",
		Help: "Render jobs accepted into the pending queue",
	})
	RendersDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_jobs_dispatched_total",
		Help: "Render dispatch attempts by synchronous result (accepted|rejected)",
	}, []string{"result"})
	RendersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_jobs_resolved_total",
		Help: "In-flight render jobs resolved by outcome (done|failed|expired)",
	}, []string{"outcome"})
	RenderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "render_completion_seconds",
		Help:    "Seconds from dispatch to completion event",
		Buckets: []float64{15, 30, 60, 120, 300, 600, 1200, 3600},
	})
	PendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_queue_pending",
		Help: "Render jobs waiting for dispatch",
	})
	InFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_queue_inflight",
		Help: "Render jobs dispatched and awaiting a completion event",
	})
	ListenerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "render_listener_reconnects_total",
		Help: "Completion socket reconnect attempts",
	})
	ListenerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_listener_connected",
		Help: "Completion socket connected=1 disconnected=0",
	})
)

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
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
