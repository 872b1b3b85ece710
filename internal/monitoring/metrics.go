// Package monitoring exposes Prometheus metrics for reconciliation runs and
// evaluates run health against alert thresholds.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecademy/leadfunnel/internal/model"
)

const namespace = "leadfunnel"

// Metrics holds the Prometheus collectors of one process.
type Metrics struct {
	reg prometheus.Gatherer

	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	leads       *prometheus.CounterVec
	matched     *prometheus.CounterVec
	violations  *prometheus.CounterVec
	partial     *prometheus.CounterVec
	upstream    *prometheus.CounterVec
	upstreamDur *prometheus.HistogramVec
	health      *prometheus.GaugeVec
	alerts      *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Finished reconciliation runs by cohort and status.",
		}, []string{"cohort", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of reconciliation runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"cohort"}),
		leads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leads_total",
			Help: "Leads reconciled by cohort.",
		}, []string{"cohort"}),
		matched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leads_matched_total",
			Help: "Leads matched to a CRM record by cohort.",
		}, []string{"cohort"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invariant_violations_total",
			Help: "Funnel invariant violations by kind.",
		}, []string{"kind"}),
		partial: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "partial_sources_total",
			Help: "Upstream sources that returned incomplete data.",
		}, []string{"source"}),
		upstream: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_requests_total",
			Help: "Upstream HTTP attempts by host and status code.",
		}, []string{"host", "code"}),
		upstreamDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "upstream_request_duration_seconds",
			Help:    "Upstream HTTP attempt latency by host.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		health: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_health",
			Help: "Last run-health snapshot over the lookback window.",
		}, []string{"measure"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_triggered_total",
			Help: "Run-health alerts triggered by type.",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(run model.Run, elapsed time.Duration) {
	cohort := string(run.Cohort)
	m.runs.WithLabelValues(cohort, string(run.Status)).Inc()
	m.runDuration.WithLabelValues(cohort).Observe(elapsed.Seconds())
	if run.Status == model.RunStatusSuccess {
		m.leads.WithLabelValues(cohort).Add(float64(run.LeadsCount))
		m.matched.WithLabelValues(cohort).Add(float64(run.MatchedCount))
	}
}

// Violation counts one funnel invariant violation.
func (m *Metrics) Violation(kind string) {
	m.violations.WithLabelValues(kind).Inc()
}

// Partial counts one incomplete upstream source.
func (m *Metrics) Partial(source string) {
	m.partial.WithLabelValues(source).Inc()
}

// ObserveUpstream records one upstream HTTP attempt. status is 0 when the
// attempt failed before a response arrived.
func (m *Metrics) ObserveUpstream(host string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.upstream.WithLabelValues(host, code).Inc()
	m.upstreamDur.WithLabelValues(host).Observe(elapsed.Seconds())
}

// ObserveHealth publishes a run-health snapshot and the alerts it raised.
func (m *Metrics) ObserveHealth(snap *RunSnapshot, alerts []Alert) {
	m.health.WithLabelValues("failed").Set(float64(snap.Failed))
	m.health.WithLabelValues("stuck").Set(float64(snap.Stuck))
	m.health.WithLabelValues("fail_rate").Set(snap.FailRate)
	m.health.WithLabelValues("match_rate").Set(snap.MatchRate)
	for _, a := range alerts {
		m.alerts.WithLabelValues(string(a.Type)).Inc()
	}
}
