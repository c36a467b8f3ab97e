// Package metrics wraps a prometheus registry with the counters and gauges
// the validator worker exposes: tick outcomes, propagation results, and
// follower health scores.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric this worker registers.
const Namespace = "validator_worker"

// Registry wraps prometheus.Registry with the worker's named metrics,
// created lazily and cached by name so callers can call the accessor from
// any tick goroutine without racing on registration.
type Registry struct {
	reg *prometheus.Registry
	mu  sync.RWMutex

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

func (r *Registry) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}

// Handler exposes the registry over HTTP in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// TickDurationBuckets are used to time per-channel ticks, spanning 10ms up
// to a slow 10-second tick.
var TickDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Worker bundles the specific metrics the tick loop reports against, built
// once at startup from a shared Registry.
type Worker struct {
	TicksTotal         *prometheus.CounterVec
	TickDuration       *prometheus.HistogramVec
	PropagationResults *prometheus.CounterVec
	FollowerHealth     *prometheus.GaugeVec
	ChannelsObserved   *prometheus.GaugeVec
}

// NewWorker registers and returns the worker's metric set on reg.
func NewWorker(reg *Registry) *Worker {
	return &Worker{
		TicksTotal: reg.Counter("ticks_total", "Total channel ticks by role and outcome.",
			"role", "outcome"),
		TickDuration: reg.Histogram("tick_duration_seconds", "Per-channel tick duration.",
			TickDurationBuckets, "role"),
		PropagationResults: reg.Counter("propagation_results_total", "Message propagation results by peer and status.",
			"peer", "status"),
		FollowerHealth: reg.Gauge("follower_health_promilles", "Most recent follower health score per channel.",
			"channel"),
		ChannelsObserved: reg.Gauge("channels_observed", "Number of channels currently observed from the sentry.",
			"validator"),
	}
}
