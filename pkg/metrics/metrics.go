// Package metrics exposes session counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client counters. Fields are updated with atomic ops and
// read by gauge funcs at scrape time.
type Metrics struct {
	// Capture
	FramesCaptured atomic.Uint64
	FramesSent     atomic.Uint64
	FramesSkipped  atomic.Uint64
	FramesDropped  atomic.Uint64
	CaptureErrors  atomic.Uint64

	// Results
	ResultsApplied   atomic.Uint64
	ResultsDiscarded atomic.Uint64
	BackendErrors    atomic.Uint64
	Timeouts         atomic.Uint64
	Detections       atomic.Uint64
	ClipsPlayed      atomic.Uint64

	// Connection
	Reconnects       atomic.Uint64
	HeartbeatMisses  atomic.Uint64
	ConnectionState  atomic.Int64
	LastRTTMs        atomic.Uint64
	ConnectedTotal   atomic.Uint64
	DisconnectsTotal atomic.Uint64

	registry *prometheus.Registry
}

// New creates a metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) gauge(name, help string, v func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "sightline_" + name, Help: help},
		v,
	))
}

func load(a *atomic.Uint64) func() float64 {
	return func() float64 { return float64(a.Load()) }
}

func (m *Metrics) register() {
	m.gauge("frames_captured_total", "Captures started", load(&m.FramesCaptured))
	m.gauge("frames_sent_total", "Frames sent to the backend", load(&m.FramesSent))
	m.gauge("frames_skipped_total", "Ticks that did not capture (interval, min interval, in flight)", load(&m.FramesSkipped))
	m.gauge("frames_dropped_total", "Captured frames dropped before or while sending", load(&m.FramesDropped))
	m.gauge("capture_errors_total", "Failed captures", load(&m.CaptureErrors))

	m.gauge("results_applied_total", "Detection results applied", load(&m.ResultsApplied))
	m.gauge("results_discarded_total", "Stale or uncorrelated results discarded", load(&m.ResultsDiscarded))
	m.gauge("backend_errors_total", "detection_error messages received", load(&m.BackendErrors))
	m.gauge("processing_timeouts_total", "Requests abandoned after the processing timeout", load(&m.Timeouts))
	m.gauge("detections_current", "Detections in the current result", load(&m.Detections))
	m.gauge("audio_clips_total", "Audio clips started", load(&m.ClipsPlayed))

	m.gauge("reconnects_total", "Successful reconnections", load(&m.Reconnects))
	m.gauge("heartbeat_misses_total", "Pings without a pong in time", load(&m.HeartbeatMisses))
	m.gauge("connection_state", "Connection state (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 failed, 5 closed)",
		func() float64 { return float64(m.ConnectionState.Load()) })
	m.gauge("last_rtt_ms", "Last heartbeat round trip in milliseconds", load(&m.LastRTTMs))
	m.gauge("connects_total", "Links established", load(&m.ConnectedTotal))
	m.gauge("disconnects_total", "Links lost", load(&m.DisconnectsTotal))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
