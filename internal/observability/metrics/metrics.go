// Package metrics exposes control loop health as Prometheus metrics.
package metrics

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"DeFi-Sentry/internal/engine"
)

// Collector holds every metric the agent exports. It implements engine.Observer.
type Collector struct {
	registry *prometheus.Registry

	FeeBid         prometheus.Gauge
	WindowFailures prometheus.Gauge
	Allowing       prometheus.Gauge
	Halted         prometheus.Gauge
	Ticks          prometheus.Counter
	ActionFailures *prometheus.CounterVec
	TickDuration   prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates a collector backed by its own registry, including Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		FeeBid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_fee_bid_wei",
			Help: "Current gas price bid in wei.",
		}),
		WindowFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_breaker_window_failures",
			Help: "Failures recorded inside the breaker window.",
		}),
		Allowing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_breaker_allowing",
			Help: "1 when the breaker allowed actions on the last tick.",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_halted",
			Help: "1 once the kill switch has been triggered.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentry_ticks_total",
			Help: "Control loop ticks executed.",
		}),
		ActionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_action_failures_total",
			Help: "Failed actions by provider.",
		}, []string{"provider"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentry_tick_duration_seconds",
			Help:    "Wall time of a single tick.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentry_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	c.registry.MustRegister(
		c.FeeBid, c.WindowFailures, c.Allowing, c.Halted, c.Ticks,
		c.ActionFailures, c.TickDuration, c.HTTPRequests, c.HTTPLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveTick implements engine.Observer.
func (c *Collector) ObserveTick(_ context.Context, report engine.TickReport) {
	c.Ticks.Inc()
	c.TickDuration.Observe(report.Duration.Seconds())
	if report.FeeBid != nil {
		wei, _ := new(big.Float).SetInt(report.FeeBid).Float64()
		c.FeeBid.Set(wei)
	}
	c.WindowFailures.Set(float64(report.Breaker.WindowFailures))
	c.Allowing.Set(boolGauge(report.Allowed))
	c.Halted.Set(boolGauge(report.Halted || !report.Breaker.ContinueRunning))
	for _, f := range report.Failures {
		c.ActionFailures.WithLabelValues(f.Source).Inc()
	}
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.HTTPLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
