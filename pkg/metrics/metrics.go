// Package metrics exposes observability of the NetTask/AlertFlow transport
// as Prometheus collectors. None of this appears on the wire; it is a
// side channel for the hosting process, grounded on the exporter shape in
// runZeroInc-sockstats's pkg/exporter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DropReason labels why an inbound datagram never reached reassembly.
type DropReason string

const (
	DropMalformed    DropReason = "malformed"
	DropWrongVersion DropReason = "wrong_version"
	DropChecksum     DropReason = "checksum"
	DropDuplicate    DropReason = "duplicate"
	DropUnknownPeer  DropReason = "unknown_peer"
)

// Registry bundles every collector the transport updates. The zero value
// is not usable; construct with New.
type Registry struct {
	PacketsSent         prometheus.Counter
	PacketsReceived     prometheus.Counter
	PacketsRetransmitted prometheus.Counter
	PacketsDropped      *prometheus.CounterVec

	ReorderBufferOccupancy *prometheus.GaugeVec
	PeerWindow             *prometheus.GaugeVec

	EOCDrainOutcomes *prometheus.CounterVec
	AlertsAccepted   prometheus.Counter
}

// New registers every collector against reg and returns the Registry
// handle used to update them.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nettask",
			Name:      "packets_sent_total",
			Help:      "NetTask packets written to the outgoing socket.",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nettask",
			Name:      "packets_received_total",
			Help:      "NetTask datagrams read off the socket, before any drop decision.",
		}),
		PacketsRetransmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nettask",
			Name:      "packets_retransmitted_total",
			Help:      "Packets re-sent by the retransmitter.",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nettask",
			Name:      "packets_dropped_total",
			Help:      "Inbound datagrams dropped, by reason.",
		}, []string{"reason"}),
		ReorderBufferOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nettask",
			Name:      "reorder_buffer_fragments",
			Help:      "Fragments currently held in a peer's reorder buffer.",
		}, []string{"peer"}),
		PeerWindow: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nettask",
			Name:      "peer_window",
			Help:      "Last window_size advertised by a peer.",
		}, []string{"peer"}),
		EOCDrainOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nettask",
			Name:      "eoc_drain_outcomes_total",
			Help:      "Connection-close drains, by outcome (drained, timed_out).",
		}, []string{"outcome"}),
		AlertsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alertflow",
			Name:      "records_accepted_total",
			Help:      "AlertFlow records successfully decoded by the listener.",
		}),
	}
}

// DropCounter returns the counter for a specific drop reason, creating the
// label series on first use.
func (r *Registry) DropCounter(reason DropReason) prometheus.Counter {
	return r.PacketsDropped.WithLabelValues(string(reason))
}

// Handler returns the net/http handler to mount at /metrics, serving
// whatever gatherer the collectors were registered against. Pass nil to
// serve the default global registry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
