// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes Prometheus instrumentation for the client and
// server engines: PDU/command traffic, lobby and membership gauges, and
// eviction counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PDUsSent and PDUsReceived count multicast Announcer traffic, split
	// by the local role emitting/consuming them.
	PDUsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "instantsoup",
		Subsystem: "pdu",
		Name:      "sent_total",
		Help:      "Multicast PDUs sent, by role.",
	}, []string{"role"})

	PDUsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "instantsoup",
		Subsystem: "pdu",
		Name:      "received_total",
		Help:      "Multicast PDUs received, by role.",
	}, []string{"role"})

	PDUsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "instantsoup",
		Subsystem: "pdu",
		Name:      "dropped_total",
		Help:      "Multicast PDUs dropped during parsing, by reason.",
	}, []string{"reason"})

	// CommandsSent and CommandsReceived count TCP command-frame traffic
	// by verb (JOIN, SAY, EXIT, STANDBY, INVITE).
	CommandsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "instantsoup",
		Subsystem: "command",
		Name:      "sent_total",
		Help:      "TCP command frames sent, by verb.",
	}, []string{"verb"})

	CommandsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "instantsoup",
		Subsystem: "command",
		Name:      "received_total",
		Help:      "TCP command frames received, by verb.",
	}, []string{"verb"})

	// KnownPeers and KnownServers are lobby-state gauges updated by the
	// client engine; ChannelMembers is updated by the server engine.
	KnownPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "instantsoup",
		Subsystem: "lobby",
		Name:      "known_peers",
		Help:      "Peers currently present in the lobby (not yet timed out).",
	})

	KnownServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "instantsoup",
		Subsystem: "lobby",
		Name:      "known_servers",
		Help:      "Servers currently present in the lobby.",
	})

	ChannelMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "instantsoup",
		Subsystem: "channel",
		Name:      "members",
		Help:      "Members of a channel this process is a server for, by channel.",
	}, []string{"channel"})

	// Evictions counts liveness-timeout removals, by the kind of entity
	// evicted (peer, server, lobby_user).
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "instantsoup",
		Subsystem: "lobby",
		Name:      "evictions_total",
		Help:      "Entries removed from lobby/membership state after a timeout.",
	}, []string{"kind"})
)

// MustRegister registers every metric in this package with reg. Called once
// from cmd/instantsoup's main; tests construct their own throwaway registry
// rather than pollute prometheus.DefaultRegisterer across table-driven runs.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		PDUsSent,
		PDUsReceived,
		PDUsDropped,
		CommandsSent,
		CommandsReceived,
		KnownPeers,
		KnownServers,
		ChannelMembers,
		Evictions,
	)
}
