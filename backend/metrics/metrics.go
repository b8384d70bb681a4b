// Package metrics declares the Prometheus collectors this server
// exposes on /metrics. Naming convention: namespace "jumpjumpjump",
// subsystem per feature area, matching the
// RoseWrightdev-Video-Conferencing metrics package this is grounded on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveRooms is the current size of the room registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jumpjumpjump",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms held in the registry.",
	})

	// ActiveSessions is the current number of live websocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jumpjumpjump",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of live websocket sessions.",
	})

	// MessagesRouted counts inbound protocol messages by type.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jumpjumpjump",
		Subsystem: "protocol",
		Name:      "messages_routed_total",
		Help:      "Total inbound messages routed by type.",
	}, []string{"type"})

	// CollectionRaces records the outcome of the single-flight
	// collect_item and enemy_killed races: "won" for the caller that
	// flips the state, "lost" for every caller that finds it already
	// flipped.
	CollectionRaces = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jumpjumpjump",
		Subsystem: "room",
		Name:      "collection_races_total",
		Help:      "Outcomes of single-flight collect_item/enemy_killed races.",
	}, []string{"kind", "outcome"})
)
