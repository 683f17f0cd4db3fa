// Package metrics provides Prometheus instrumentation for the Turbo client.
// It exposes a gauge for connection state, counters for frame throughput and
// drop conditions, and a handler for scraping. Transport failures are never
// surfaced to users beyond the connectivity indicator, so these counters are
// the only place silent-drop policies become observable.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 1 while the relay connection is open, 0 otherwise.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "turbo_connection_open",
		Help: "Whether the relay WebSocket connection is currently open",
	})

	// FramesTotal counts frames crossing the transport, labeled by
	// direction: "sent" or "received".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "turbo_frames_total",
		Help: "Total number of frames sent to and received from the relay",
	}, []string{"direction"})

	// SendsDropped counts frames discarded because the connection was not
	// open at send time (the best-effort send policy).
	SendsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turbo_sends_dropped_total",
		Help: "Frames dropped because the connection was not open",
	})

	// Reconnects counts scheduled reconnection attempts.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turbo_reconnects_total",
		Help: "Total number of scheduled reconnection attempts",
	})

	// UnrecognizedFrames counts inbound frames the codec could not type.
	UnrecognizedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turbo_unrecognized_frames_total",
		Help: "Inbound frames dropped at the codec boundary",
	})

	// EventsMerged counts reconciler merges by event kind.
	EventsMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "turbo_events_merged_total",
		Help: "Events merged into conversation state, by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		FramesTotal,
		SendsDropped,
		Reconnects,
		UnrecognizedFrames,
		EventsMerged,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
