// Package metrics holds the prometheus collectors exported by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayAllocations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cordon_relay_allocations",
		Help: "Number of live TURN allocations",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cordon_connections",
		Help: "Number of peer connections",
	})

	PacketsEncapsulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cordon_packets_encapsulated_total",
		Help: "IP packets encrypted and sent toward a peer",
	})

	PacketsDecapsulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cordon_packets_decapsulated_total",
		Help: "IP packets received and decrypted from a peer",
	})

	PortalReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cordon_portal_reconnects_total",
		Help: "Times the portal connection was re-established",
	})

	PortalMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cordon_portal_messages_sent_total",
		Help: "Signaling messages sent to the portal",
	})
)
