// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and correlation-id aware logging helpers.
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
	ProbesTotal       *prometheus.CounterVec // result=ok|transient|fatal
	TransitionsTotal  *prometheus.CounterVec // from, to
	BonusesClaimed    *prometheus.CounterVec // channel
	RestartsTotal     *prometheus.CounterVec // reason
	ReconcilesTotal   prometheus.Counter
	RaidsNotFollowed  prometheus.Counter
	ChannelsCooled    prometheus.Counter

	// Histograms (seconds)
	TickDuration    prometheus.Observer
	RestartDuration prometheus.Observer

	// Gauges
	OpenSessionsGauge *prometheus.GaugeVec // state
	CooldownGauge     prometheus.Gauge
	GenerationGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "points_probes_total", Help: "Session evaluations by outcome"}, []string{"result"})
		TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "points_session_transitions_total", Help: "Session state transitions"}, []string{"from", "to"})
		BonusesClaimed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "points_bonuses_claimed_total", Help: "Bonus chests clicked"}, []string{"channel"})
		RestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "points_restarts_total", Help: "Full browser restarts by reason"}, []string{"reason"})
		ReconcilesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "points_reconciles_total", Help: "Channel set reconcile passes"})
		RaidsNotFollowed = promauto.NewCounter(prometheus.CounterOpts{Name: "points_raids_not_followed_total", Help: "Raids observed whose target was not opened"})
		ChannelsCooled = promauto.NewCounter(prometheus.CounterOpts{Name: "points_channels_cooled_total", Help: "Channels put on offline cool-down"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "points_tick_duration_seconds", Help: "Probe tick duration seconds", Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300}})
		RestartDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "points_restart_duration_seconds", Help: "Teardown and rebuild duration seconds", Buckets: prometheus.DefBuckets})
		OpenSessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "points_open_sessions", Help: "Sessions in the table by state"}, []string{"state"})
		CooldownGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "points_cooldown_channels", Help: "Channels currently cooling down"})
		GenerationGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "points_generation", Help: "Current restart generation"})
	})
}

// RecordProbe counts one session evaluation outcome.
func RecordProbe(result string) {
	if ProbesTotal != nil {
		ProbesTotal.WithLabelValues(result).Inc()
	}
}

// RecordTransition counts a state change.
func RecordTransition(from, to string) {
	if TransitionsTotal != nil {
		TransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

// RecordBonus counts a claimed bonus for channel.
func RecordBonus(channel string) {
	if BonusesClaimed != nil {
		BonusesClaimed.WithLabelValues(channel).Inc()
	}
}

// RecordRestart counts a restart and its duration.
func RecordRestart(reason string, d time.Duration) {
	if RestartsTotal != nil {
		RestartsTotal.WithLabelValues(reason).Inc()
	}
	if RestartDuration != nil {
		RestartDuration.Observe(d.Seconds())
	}
}

// RecordReconcile counts one reconcile pass.
func RecordReconcile() {
	if ReconcilesTotal != nil {
		ReconcilesTotal.Inc()
	}
}

// RecordRaidNotFollowed counts a raid whose target was left closed.
func RecordRaidNotFollowed() {
	if RaidsNotFollowed != nil {
		RaidsNotFollowed.Inc()
	}
}

// RecordCooled counts a channel put on offline cool-down.
func RecordCooled() {
	if ChannelsCooled != nil {
		ChannelsCooled.Inc()
	}
}

// SetSessionCounts replaces the per-state session gauge.
func SetSessionCounts(counts map[string]int, states []string) {
	if OpenSessionsGauge == nil {
		return
	}
	for _, s := range states {
		OpenSessionsGauge.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// SetCooldowns records how many channels are cooling down.
func SetCooldowns(n int) {
	if CooldownGauge != nil {
		CooldownGauge.Set(float64(n))
	}
}

// SetGeneration records the current restart generation.
func SetGeneration(g uint64) {
	if GenerationGauge != nil {
		GenerationGauge.Set(float64(g))
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
