// Package rest – Prometheus metrics for the control plane.
//
// # Overview
//
// Metrics tracks operational counters for the REST and WebSocket surfaces.
// All fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock. Live gauges (connection
// counts, queue depth) are sampled at scrape time through caller-provided
// functions so the metrics layer never holds references into component
// internals.
//
// # Metric catalogue
//
//	controlplane_commands_submitted_total – counter: commands accepted via REST or WS
//	controlplane_submit_errors_total      – counter: command submissions rejected
//	controlplane_auth_failures_total      – counter: failed token verifications
//	controlplane_frames_dropped_total     – counter: outbound WS frames shed under backpressure
//	controlplane_connected_agents         – gauge:   currently connected agents
//	controlplane_connected_dashboards     – gauge:   currently connected dashboards
//	controlplane_queue_depth              – gauge:   commands waiting across all agent queues
package rest

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters for the control plane. The zero value
// is ready to use; all counters start at zero.
type Metrics struct {
	// Counters
	CommandsSubmitted atomic.Int64
	SubmitErrors      atomic.Int64
	AuthFailures      atomic.Int64
	FramesDropped     atomic.Int64

	// Gauge sources, sampled at scrape time. Nil funcs read as zero.
	ConnectedAgents     func() int
	ConnectedDashboards func() int
	QueueDepth          func() int
}

// NewMetrics allocates a new [Metrics] value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

func sample(fn func() int) int64 {
	if fn == nil {
		return 0
	}
	return int64(fn())
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of commands accepted for dispatch.",
			kind:  "counter",
			name:  "controlplane_commands_submitted_total",
			value: m.CommandsSubmitted.Load(),
		},
		{
			help:  "Total number of command submissions rejected with an error.",
			kind:  "counter",
			name:  "controlplane_submit_errors_total",
			value: m.SubmitErrors.Load(),
		},
		{
			help:  "Total number of token verifications that failed.",
			kind:  "counter",
			name:  "controlplane_auth_failures_total",
			value: m.AuthFailures.Load(),
		},
		{
			help:  "Total number of outbound WebSocket frames dropped under backpressure.",
			kind:  "counter",
			name:  "controlplane_frames_dropped_total",
			value: m.FramesDropped.Load(),
		},
		{
			help:  "Number of agents currently connected to the hub.",
			kind:  "gauge",
			name:  "controlplane_connected_agents",
			value: sample(m.ConnectedAgents),
		},
		{
			help:  "Number of dashboards currently connected to the hub.",
			kind:  "gauge",
			name:  "controlplane_connected_dashboards",
			value: sample(m.ConnectedDashboards),
		},
		{
			help:  "Number of commands waiting across all agent queues.",
			kind:  "gauge",
			name:  "controlplane_queue_depth",
			value: sample(m.QueueDepth),
		},
	}
}

// Handler returns an [http.Handler] that writes all control-plane metrics in
// the Prometheus text exposition format on every GET request.
//
// The content type is set to "text/plain; version=0.0.4" as required by
// the Prometheus specification so that a vanilla Prometheus scraper will
// parse the output correctly.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
