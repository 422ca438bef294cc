// Package metrics exposes waitpoint, wait and debounce activity as Prometheus
// metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/debounce"
	"github.com/goliatone/go-waitpoint/wait"
)

const DefaultNamespace = "waitpoint"

// Collector implements the metrics hooks of the waitpoint, wait and debounce
// packages.
type Collector struct {
	registry *prometheus.Registry

	tokensCreated    *prometheus.CounterVec
	tokenTransitions *prometheus.CounterVec
	waitsStarted     *prometheus.CounterVec
	jobsEnqueued     *prometheus.CounterVec
	jobOutcomes      *prometheus.CounterVec
	jobLag           prometheus.Histogram
	waitingSuspended prometheus.Gauge
}

var (
	_ waitpoint.Metrics = (*Collector)(nil)
	_ wait.Metrics      = (*Collector)(nil)
	_ debounce.Metrics  = (*Collector)(nil)
)

// NewCollector registers every metric under namespace on a new registry.
// Go runtime and process collectors are included.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tokensCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_created_total",
			Help:      "Waitpoint tokens returned by create, split by type and idempotency cache hits.",
		}, []string{"type", "cached"}),
		tokenTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_transitions_total",
			Help:      "Terminal transitions attempted on waitpoint tokens.",
		}, []string{"status", "applied"}),
		waitsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waits_started_total",
			Help:      "Waits started by tasks, split into local delays and durable suspensions.",
		}, []string{"kind", "durable"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_jobs_enqueued_total",
			Help:      "Debounce triggers, split into new jobs and absorbed triggers.",
		}, []string{"selector", "absorbed"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_job_outcomes_total",
			Help:      "Debounced job executions by outcome.",
		}, []string{"selector", "outcome"}),
		jobLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debounce_job_lag_seconds",
			Help:      "Delay between a job becoming due and a worker claiming it.",
			Buckets:   prometheus.DefBuckets,
		}),
		waitingSuspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_runs",
			Help:      "Runs currently blocked on a waiting token.",
		}),
	}
	c.registry.MustRegister(
		c.tokensCreated,
		c.tokenTransitions,
		c.waitsStarted,
		c.jobsEnqueued,
		c.jobOutcomes,
		c.jobLag,
		c.waitingSuspended,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) TokenCreated(tokenType string, cached bool) {
	c.tokensCreated.WithLabelValues(tokenType, boolLabel(cached)).Inc()
}

func (c *Collector) TokenTransitioned(status string, applied bool) {
	c.tokenTransitions.WithLabelValues(status, boolLabel(applied)).Inc()
}

func (c *Collector) WaitStarted(kind string, durable bool) {
	c.waitsStarted.WithLabelValues(kind, boolLabel(durable)).Inc()
}

func (c *Collector) JobEnqueued(selector string, absorbed bool) {
	c.jobsEnqueued.WithLabelValues(selector, boolLabel(absorbed)).Inc()
}

func (c *Collector) JobOutcome(selector string, outcome debounce.Outcome) {
	c.jobOutcomes.WithLabelValues(selector, string(outcome)).Inc()
}

func (c *Collector) JobLag(lag time.Duration) {
	c.jobLag.Observe(lag.Seconds())
}

// SetWaiters records how many runs are blocked on waiting tokens.
func (c *Collector) SetWaiters(n int) {
	c.waitingSuspended.Set(float64(n))
}

// Registry exposes the private registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
