package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters the lease manager, tasks and sweeps emit.
// Sweep and timeout failures are invisible to callers, so these counters are
// the primary alerting signal for stuck-lease growth.
type Metrics struct {
	reg *prometheus.Registry

	LeaseAcquired  prometheus.Counter
	LeaseConflicts prometheus.Counter
	LeaseReleased  *prometheus.CounterVec
	ReleaseNoops   *prometheus.CounterVec
	TaskOutcomes   *prometheus.CounterVec
	SweepReleases  *prometheus.CounterVec
	SweepSkips     *prometheus.CounterVec
	HangupFailures prometheus.Counter
}

// New builds a Metrics set on its own registry so tests can construct
// independent instances without duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		LeaseAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_lease_acquired_total",
			Help: "Leases acquired.",
		}),
		LeaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_lease_conflicts_total",
			Help: "Acquire attempts rejected because the provider was busy.",
		}),
		LeaseReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_lease_released_total",
			Help: "Leases released, by reason.",
		}, []string{"reason"}),
		ReleaseNoops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_lease_release_noops_total",
			Help: "Release attempts that were deliberate no-ops, by cause.",
		}, []string{"cause"}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_task_outcomes_total",
			Help: "Scheduled-task handler outcomes, by task and outcome.",
		}, []string{"task", "outcome"}),
		SweepReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_sweep_releases_total",
			Help: "Providers released or marked offline by sweeps, by sweep and cause.",
		}, []string{"sweep", "cause"}),
		SweepSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_sweep_skips_total",
			Help: "Providers a sweep inspected but left alone, by sweep and cause.",
		}, []string{"sweep", "cause"}),
		HangupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_hangup_failures_total",
			Help: "Best-effort call-leg hangups that failed.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		m.LeaseAcquired,
		m.LeaseConflicts,
		m.LeaseReleased,
		m.ReleaseNoops,
		m.TaskOutcomes,
		m.SweepReleases,
		m.SweepSkips,
		m.HangupFailures,
	)
	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
