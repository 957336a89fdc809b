package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orgmirror/orgmirror/internal/state"
)

// Metrics aggregates the worker fabric's instrumentation on one
// registry.
type Metrics struct {
	tickTotal    *prometheus.CounterVec
	tickErrors   *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec

	reposByStatus     *prometheus.GaugeVec
	enqueueTotal      *prometheus.CounterVec
	migrationDuration prometheus.Histogram
}

// NewMetrics creates and registers the worker metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tickTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmirror",
			Subsystem: "worker",
			Name:      "ticks_total",
			Help:      "Completed worker ticks.",
		}, []string{"worker"}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmirror",
			Subsystem: "worker",
			Name:      "tick_errors_total",
			Help:      "Worker ticks that ended in an error.",
		}, []string{"worker"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orgmirror",
			Subsystem: "worker",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one worker tick.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"worker"}),
		reposByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orgmirror",
			Name:      "repos",
			Help:      "Tracked repositories by status.",
		}, []string{"status"}),
		enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgmirror",
			Subsystem: "migration",
			Name:      "enqueues_total",
			Help:      "Migration enqueue attempts by outcome.",
		}, []string{"outcome"}),
		migrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orgmirror",
			Subsystem: "migration",
			Name:      "duration_seconds",
			Help:      "Elapsed time of completed migrations.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tickTotal, m.tickErrors, m.tickDuration,
			m.reposByStatus, m.enqueueTotal, m.migrationDuration)
	}
	return m
}

// instrument wraps a tick with counters and timing.
func (m *Metrics) instrument(worker string, tick tickFunc) tickFunc {
	if m == nil {
		return tick
	}
	return func(ctx context.Context, run *Run) (bool, error) {
		start := time.Now()
		rerun, err := tick(ctx, run)
		m.tickDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
		m.tickTotal.WithLabelValues(worker).Inc()
		if err != nil {
			m.tickErrors.WithLabelValues(worker).Inc()
		}
		return rerun, err
	}
}

// ObserveEnqueue counts one enqueue attempt. Outcomes: "queued",
// "collision_retry", "failed".
func (m *Metrics) ObserveEnqueue(outcome string) {
	if m == nil {
		return
	}
	m.enqueueTotal.WithLabelValues(outcome).Inc()
}

// ObserveMigrationDuration records the elapsed seconds of a terminal
// migration.
func (m *Metrics) ObserveMigrationDuration(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.migrationDuration.Observe(elapsed.Seconds())
}

// ObserveStatusCounts refreshes the per-status repo gauge from a full
// listing.
func (m *Metrics) ObserveStatusCounts(repos []state.RepoRecord) {
	if m == nil {
		return
	}
	counts := map[state.Status]int{}
	for _, r := range repos {
		if !r.Archived {
			counts[r.Status]++
		}
	}
	for _, s := range []state.Status{
		state.StatusUnknown, state.StatusUnsynced, state.StatusQueued,
		state.StatusSyncing, state.StatusSynced, state.StatusFailed,
		state.StatusDeleted,
	} {
		m.reposByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
