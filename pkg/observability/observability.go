// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

// Package observability provides structured metrics for Handraise
// deployments, exported in Prometheus exposition format. The metrics are
// purely observational: nothing in the request lifecycle reads them back.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freitascorp/handraise/pkg/ask"
)

// ------------------------------------------------------------------
// Metrics primitives
// ------------------------------------------------------------------

// MetricsRegistry collects and exposes application metrics.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64
}

// Histogram tracks value distributions with pre-defined buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// GetCounter returns (or creates) a counter metric.
func (r *MetricsRegistry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

// GetGauge returns (or creates) a gauge metric.
func (r *MetricsRegistry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

// GetHistogram returns (or creates) a histogram metric.
func (r *MetricsRegistry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	sort.Float64s(buckets)
	h = &Histogram{name: name, desc: description, buckets: buckets, counts: make([]int64, len(buckets)+1)}
	r.histograms[name] = h
	return h
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments a counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Set sets the gauge value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++ // +Inf bucket
}

// ------------------------------------------------------------------
// Handraise metrics suite
// ------------------------------------------------------------------

// AskMetrics holds the standard Handraise metrics.
type AskMetrics struct {
	Registry *MetricsRegistry

	AsksOpened       *Counter
	AsksAnswered     *Counter
	AsksTimedOut     *Counter
	AsksCancelled    *Counter
	AsksDisconnected *Counter
	AsksStopped      *Counter
	AsksInFlight     *Gauge
	AskDuration      *Histogram

	PanelClients *Gauge
	RPCRequests  *Counter
	RPCErrors    *Counter
}

// NewAskMetrics creates the standard metrics suite.
func NewAskMetrics() *AskMetrics {
	r := NewMetricsRegistry()

	// Humans answer on a human timescale; buckets run from seconds to the
	// better part of an hour.
	durationBuckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}

	return &AskMetrics{
		Registry: r,

		AsksOpened:       r.GetCounter("handraise_asks_opened_total", "Total asks opened"),
		AsksAnswered:     r.GetCounter("handraise_asks_answered_total", "Asks settled by a human answer"),
		AsksTimedOut:     r.GetCounter("handraise_asks_timeout_total", "Asks settled by countdown expiry"),
		AsksCancelled:    r.GetCounter("handraise_asks_cancelled_total", "Asks cancelled by the agent"),
		AsksDisconnected: r.GetCounter("handraise_asks_disconnected_total", "Asks settled by caller disconnection"),
		AsksStopped:      r.GetCounter("handraise_asks_stopped_total", "Asks force-settled at server stop"),
		AsksInFlight:     r.GetGauge("handraise_asks_in_flight", "Currently pending asks"),
		AskDuration:      r.GetHistogram("handraise_ask_duration_seconds", "Time from open to settlement", durationBuckets),

		PanelClients: r.GetGauge("handraise_panel_clients", "Connected panel clients"),
		RPCRequests:  r.GetCounter("handraise_rpc_requests_total", "Total JSON-RPC requests"),
		RPCErrors:    r.GetCounter("handraise_rpc_errors_total", "JSON-RPC requests answered with a protocol error"),
	}
}

// Observer adapts AskMetrics to the coordinator's lifecycle events. It
// implements ask.Observer and is chained alongside the history recorder.
type Observer struct {
	metrics *AskMetrics

	mu     sync.Mutex
	opened map[string]time.Time
}

// NewObserver wires the metrics suite into the request lifecycle.
func NewObserver(metrics *AskMetrics) *Observer {
	return &Observer{metrics: metrics, opened: make(map[string]time.Time)}
}

// Open implements ask.Observer.
func (o *Observer) Open(req ask.Request) {
	o.metrics.AsksOpened.Inc()
	o.metrics.AsksInFlight.Inc()
	o.mu.Lock()
	o.opened[req.ID] = time.Now()
	o.mu.Unlock()
}

// Close implements ask.Observer.
func (o *Observer) Close(id string, status ask.Status, _ any, _ string) {
	o.metrics.AsksInFlight.Dec()
	switch status {
	case ask.StatusAnswered:
		o.metrics.AsksAnswered.Inc()
	case ask.StatusTimeout:
		o.metrics.AsksTimedOut.Inc()
	case ask.StatusCancelled:
		o.metrics.AsksCancelled.Inc()
	case ask.StatusDisconnected:
		o.metrics.AsksDisconnected.Inc()
	case ask.StatusStopped:
		o.metrics.AsksStopped.Inc()
	}

	o.mu.Lock()
	started, ok := o.opened[id]
	delete(o.opened, id)
	o.mu.Unlock()
	if ok {
		o.metrics.AskDuration.Observe(time.Since(started).Seconds())
	}
}

// ------------------------------------------------------------------
// Metrics HTTP endpoint (Prometheus-compatible)
// ------------------------------------------------------------------

// MetricsHandler returns an HTTP handler that exports metrics in
// Prometheus exposition format.
func MetricsHandler(registry *MetricsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		registry.mu.RLock()
		defer registry.mu.RUnlock()

		for _, c := range registry.counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.desc)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
		}
		for _, g := range registry.gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.desc)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %d\n", g.name, g.value.Load())
		}
		for _, h := range registry.histograms {
			fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.desc)
			fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
			h.mu.Lock()
			cumulative := int64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
			}
			cumulative += h.counts[len(h.buckets)]
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
			fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
			fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
			h.mu.Unlock()
		}
	}
}
