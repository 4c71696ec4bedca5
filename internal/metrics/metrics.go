// Package metrics holds the Prometheus collectors for the caching layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statcache"

type Metrics struct {
	lookups       *prometheus.CounterVec
	writes        *prometheus.CounterVec
	pathErrors    *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	dedupe        *prometheus.CounterVec
	warm          *prometheus.CounterVec
	purged        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Orchestrator results by provenance and category.",
		}, []string{"provenance", "category"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Write-through outcomes by tier and category.",
		}, []string{"tier", "result", "category"}),
		pathErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_path_errors_total",
			Help:      "Shared cache path failures downgraded to a miss.",
		}, []string{"path", "op"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Upstream HTTP attempts by outcome.",
		}, []string{"outcome"}),
		dedupe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedupe_events_total",
			Help:      "Deduplicator leader and shared results.",
		}, []string{"event"}),
		warm: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warm_tasks_total",
			Help:      "Background warm tasks by outcome.",
		}, []string{"outcome"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_entries_total",
			Help:      "Shared cache entries removed after retention.",
		}, []string{"path"}),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.writes, m.pathErrors, m.fetchAttempts, m.dedupe, m.warm, m.purged)
	}
	return m
}

func (m *Metrics) Lookup(provenance, category string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(provenance, category).Inc()
}

func (m *Metrics) Write(tier, result, category string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(tier, result, category).Inc()
}

func (m *Metrics) PathError(path, op string) {
	if m == nil {
		return
	}
	m.pathErrors.WithLabelValues(path, op).Inc()
}

func (m *Metrics) FetchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Dedupe(event string) {
	if m == nil {
		return
	}
	m.dedupe.WithLabelValues(event).Inc()
}

func (m *Metrics) Warm(outcome string) {
	if m == nil {
		return
	}
	m.warm.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Purged(path string, n int64) {
	if m == nil {
		return
	}
	m.purged.WithLabelValues(path).Add(float64(n))
}
