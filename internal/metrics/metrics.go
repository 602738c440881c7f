// Package metrics registers the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Envelope pipeline
	EnvelopesRouted *prometheus.CounterVec
	EnvelopesDenied *prometheus.CounterVec
	EnvelopesFailed *prometheus.CounterVec
	RoutingDuration *prometheus.HistogramVec

	// Stream side channel
	StreamFrames  *prometheus.CounterVec
	StreamsActive *prometheus.GaugeVec

	// Connections
	ParticipantsConnected *prometheus.GaugeVec
	ConnectionsTotal      *prometheus.CounterVec
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		EnvelopesRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_envelopes_routed_total",
				Help: "Envelopes accepted and fanned out, by space and kind",
			},
			[]string{"space", "kind"},
		),
		EnvelopesDenied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_envelopes_denied_total",
				Help: "Envelopes rejected by the capability matcher",
			},
			[]string{"space", "kind"},
		),
		EnvelopesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_envelopes_failed_total",
				Help: "Envelopes rejected before routing, by error code",
			},
			[]string{"space", "error"},
		),
		RoutingDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mew_routing_duration_seconds",
				Help:    "Time from envelope receipt to fan-out completion",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"space"},
		),
		StreamFrames: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_stream_frames_total",
				Help: "Stream data frames processed, by result",
			},
			[]string{"space", "result"}, // result: forwarded, unauthorized, unknown_stream
		),
		StreamsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mew_streams_active",
				Help: "Currently open streams per space",
			},
			[]string{"space"},
		),
		ParticipantsConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mew_participants_connected",
				Help: "Currently connected participants per space",
			},
			[]string{"space"},
		),
		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_connections_total",
				Help: "WebSocket connections accepted, by outcome",
			},
			[]string{"space", "outcome"}, // outcome: accepted, rejected_full, rejected_duplicate, evicted_prior
		),
	}
}
