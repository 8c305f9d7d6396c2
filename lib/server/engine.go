// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package server implements the InstantSOUP server engine: the TCP
// channel/membership registry and the JOIN/SAY/EXIT/INVITE command
// dispatch, plus the periodic SERVER/SERVER_CHANNELS announcements.
package server

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/anopheles/instantsoup/lib/beacon"
	"github.com/anopheles/instantsoup/lib/command"
	"github.com/anopheles/instantsoup/lib/events"
	"github.com/anopheles/instantsoup/lib/metrics"
	"github.com/anopheles/instantsoup/lib/pdu"
	"github.com/anopheles/instantsoup/lib/timer"
	"github.com/anopheles/instantsoup/lib/xlog"
)

// Timing constants from the protocol (spec §5, §6).
const (
	RegularPDUInterval = 15 * time.Second
	DefaultWaitingTime = 1 * time.Second
	DefaultTimeout     = 2*RegularPDUInterval + DefaultWaitingTime

	// CommandRateLimit bounds how many command frames a single
	// connection may submit per second; frames from a connection bursting
	// past it are silently discarded, and the connection itself stays open
	// (spec §7 has no ConnectionAbuse error kind).
	CommandRateLimit = 50
)

func isPrivate(channel string) bool {
	return strings.HasPrefix(channel, "@")
}

// member is one socket holding a channel membership: the owning client's ID
// and the TCP connection to it.
type member struct {
	clientID string
	conn     net.Conn
}

// Engine is one server-role participant: it listens for TCP connections,
// tracks which lobby address announced which client ID, and maintains the
// channel -> members registry that JOIN/SAY/EXIT/INVITE mutate.
//
// All mutable state below the "owner-loop-only" marker is touched
// exclusively by the goroutine running Run's action loop; every other
// goroutine (the announcer reader, the TCP accept loop, per-connection
// readers) communicates with it by posting a closure on actions. lobby is
// held in a concurrency-safe map, but its reads and writes (CLIENT_NICK
// handling, JOIN/SAY attribution, expiry) also all run on the action loop.
type Engine struct {
	ID       string
	listener net.Listener

	beacon beacon.Interface
	timers *timer.Service
	events *events.Logger

	actions chan func()

	lobby *xsync.MapOf[string, string] // peer address -> client ID

	// owner-loop-only:
	channels    map[string]map[string]*member // channel -> clientID -> member
	provisioned map[string]struct{}           // channels configured to survive having zero members
	sockConn    map[net.Conn]string            // conn -> channel it currently belongs to
	connLimit   map[net.Conn]*rate.Limiter     // per-connection command rate limiter
	pduCounter  uint32
}

var l = xlog.Default

// New constructs a server engine bound to listener, with a fresh random ID.
func New(listener net.Listener, b beacon.Interface, ts *timer.Service, ev *events.Logger) *Engine {
	return &Engine{
		ID:       uuid.NewString(),
		listener: listener,
		beacon:   b,
		timers:   ts,
		events:   ev,

		actions: make(chan func()),

		lobby: xsync.NewMapOf[string, string](),

		channels:    make(map[string]map[string]*member),
		provisioned: make(map[string]struct{}),
		sockConn:    make(map[net.Conn]string),
		connLimit:   make(map[net.Conn]*rate.Limiter),
	}
}

// Provision pre-creates channels so they are advertised in SERVER_CHANNELS
// and accept JOINs from startup, before any client has joined them
// (config.ServerConfiguration.Channels, spec §9). Provisioned channels are
// exempt from the usual "destroy when empty" rule in removeFromChannel.
func (e *Engine) Provision(channels []string) {
	e.post(func() {
		for _, ch := range channels {
			if isPrivate(ch) {
				continue
			}
			if _, ok := e.channels[ch]; !ok {
				e.channels[ch] = make(map[string]*member)
			}
			e.provisioned[ch] = struct{}{}
		}
		e.emitChannelsIfAny()
	})
}

// Port returns the TCP port this engine's listener is bound to, for
// advertising in SERVER PDUs.
func (e *Engine) Port() uint16 {
	return uint16(e.listener.Addr().(*net.TCPAddr).Port)
}

// Run drives the engine until ctx is cancelled: the multicast receive loop,
// the TCP accept loop, the regular PDU ticker, the eviction-timer consumer,
// and the single state-owning action loop all run for the duration of the
// call.
func (e *Engine) Run(ctx context.Context) error {
	go e.recvLoop(ctx)
	go e.acceptLoop(ctx)
	go e.tickLoop(ctx)
	go e.evictLoop(ctx)

	e.sendPDU(pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.Server{Port: e.Port()}}})

	for {
		select {
		case fn := <-e.actions:
			fn()
		case <-ctx.Done():
			e.closeAll()
			return ctx.Err()
		}
	}
}

func (e *Engine) post(fn func()) {
	e.actions <- fn
}

// --- UDP announcer ingestion ---

func (e *Engine) recvLoop(ctx context.Context) {
	for {
		data, addr := e.beacon.Recv()
		if ctx.Err() != nil {
			return
		}
		p, err := pdu.Parse(data)
		if err != nil {
			metrics.PDUsDropped.WithLabelValues("malformed").Inc()
			continue
		}
		if p.ID == e.ID {
			continue
		}
		metrics.PDUsReceived.WithLabelValues("server").Inc()
		for _, opt := range p.Options {
			if nick, ok := opt.(pdu.ClientNick); ok {
				e.post(func() { e.handleClientNick(p.ID, addr, nick) })
			}
		}
	}
}

func lobbyTimerKey(addr string) string { return "lobbyuser:" + addr }

// lobbyKey identifies a lobby entrant by IP only, not IP:port: the
// announcer's UDP socket and each TCP channel socket a client opens are
// independent sockets with independently assigned ports, so JOIN/SAY
// attribution (clientIDFor, keyed the same way from conn.RemoteAddr()) can
// only match on host (the original instantsoupdata.py keys lobby_users by
// QHostAddress, which is likewise port-less).
func lobbyKey(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (e *Engine) handleClientNick(clientID string, addr net.Addr, _ pdu.ClientNick) {
	key := lobbyKey(addr)
	if _, known := e.lobby.Load(key); !known {
		e.lobby.Store(key, clientID)
		e.timers.Reset(lobbyTimerKey(key), DefaultTimeout)

		// Accelerate discovery: an eager SERVER now, and a one-shot
		// SERVER_CHANNELS shortly after (spec §4.4).
		e.sendPDU(pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.Server{Port: e.Port()}}})
		go func() {
			time.Sleep(DefaultWaitingTime)
			e.post(e.emitChannelsIfAny)
		}()
		return
	}
	e.lobby.Store(key, clientID)
	e.timers.Reset(lobbyTimerKey(key), DefaultTimeout)
}

// --- periodic emission (owner loop only) ---

func (e *Engine) tickLoop(ctx context.Context) {
	t := time.NewTicker(RegularPDUInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.post(e.emitPeriodic)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) emitPeriodic() {
	e.sendPDU(pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.Server{Port: e.Port()}}})
	if e.pduCounter%4 == 0 {
		e.emitChannelsIfAny()
	}
	e.pduCounter++
}

func (e *Engine) emitChannelsIfAny() {
	public := e.publicChannelNames()
	if len(public) == 0 {
		return
	}
	e.sendPDU(pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.ServerChannels{Channels: public}}})
}

func (e *Engine) publicChannelNames() []string {
	var out []string
	for ch := range e.channels {
		if isPrivate(ch) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (e *Engine) sendPDU(p pdu.PDU) {
	e.beacon.Send(pdu.Build(p))
	metrics.PDUsSent.WithLabelValues("server").Inc()
}

// --- eviction (owner loop only) ---

func (e *Engine) evictLoop(ctx context.Context) {
	for {
		select {
		case key := <-e.timers.Expired():
			e.post(func() { e.handleExpiry(key) })
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleExpiry(key string) {
	const prefix = "lobbyuser:"
	if !strings.HasPrefix(key, prefix) {
		return
	}
	addr := key[len(prefix):]
	// The lobby binding is simply forgotten; any open TCP sockets for
	// that client are cleaned up independently by their own
	// disconnection (spec §4.4 "User lifecycle").
	e.lobby.Delete(addr)
	metrics.Evictions.WithLabelValues("lobby_user").Inc()
}

func (e *Engine) closeAll() {
	e.listener.Close()
	for conn := range e.sockConn {
		conn.Close()
	}
}

// --- TCP acceptance ---

func (e *Engine) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warnln("server: accept:", err)
			continue
		}
		e.post(func() {
			e.connLimit[conn] = rate.NewLimiter(rate.Limit(CommandRateLimit), CommandRateLimit)
		})
		go e.readConnection(conn)
	}
}

func (e *Engine) readConnection(conn net.Conn) {
	defer func() {
		e.post(func() { e.handleDisconnect(conn) })
	}()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)
		for {
			payload, consumed, derr := command.Decode(buf)
			if derr != nil {
				break
			}
			rest := make([]byte, len(buf)-consumed)
			copy(rest, buf[consumed:])
			buf = rest

			frame := payload
			e.post(func() { e.handleFrame(conn, frame) })
		}
	}
}

// handleFrame dispatches one decoded command frame (owner loop only).
func (e *Engine) handleFrame(conn net.Conn, payload []byte) {
	limiter, ok := e.connLimit[conn]
	if !ok || !limiter.Allow() {
		return
	}

	parsed := command.ParsePayload(payload)
	switch parsed.Verb {
	case command.Join:
		if len(parsed.Fields) != 1 {
			return
		}
		e.handleJoin(conn, parsed.Fields[0])
	case command.Say:
		if len(parsed.Fields) != 1 {
			return
		}
		e.handleSay(conn, parsed.Fields[0])
	case command.Exit:
		e.handleExit(conn)
	case command.Invite:
		e.handleInvite(conn, parsed.Fields)
	case command.Standby:
		metrics.CommandsReceived.WithLabelValues(string(command.Standby)).Inc()
		if xlog.Debug("server") {
			l.Debugln("server: STANDBY from", conn.RemoteAddr(), "(no-op)")
		}
	default:
		metrics.CommandsReceived.WithLabelValues("unknown").Inc()
	}
}

func (e *Engine) clientIDFor(addr net.Addr) (string, bool) {
	return e.lobby.Load(lobbyKey(addr))
}

func (e *Engine) handleJoin(conn net.Conn, channel string) {
	metrics.CommandsReceived.WithLabelValues(string(command.Join)).Inc()

	clientID, ok := e.clientIDFor(conn.RemoteAddr())
	if !ok {
		l.Warnln("server: JOIN from unregistered address", conn.RemoteAddr())
		return
	}

	members, exists := e.channels[channel]
	isNew := !exists
	if !exists {
		members = make(map[string]*member)
		e.channels[channel] = members
	}
	members[clientID] = &member{clientID: clientID, conn: conn}
	e.sockConn[conn] = channel
	metrics.ChannelMembers.WithLabelValues(channel).Set(float64(len(members)))
	e.events.Log(events.MembershipChanged, MembershipEvent{Channel: channel})

	if !isNew {
		return
	}
	if isPrivate(channel) {
		e.sendInviteOverTCP(conn, channel, []string{clientID})
		return
	}
	e.emitChannelsIfAny()
}

func (e *Engine) handleSay(conn net.Conn, text string) {
	metrics.CommandsReceived.WithLabelValues(string(command.Say)).Inc()

	channel, ok := e.sockConn[conn]
	if !ok {
		return
	}
	members, ok := e.channels[channel]
	if !ok {
		return
	}
	authorID, ok := e.clientIDFor(conn.RemoteAddr())
	if !ok {
		return
	}

	frame := command.Encode(command.BuildSayRelay(authorID, text))
	for _, m := range members {
		if _, err := m.conn.Write(frame); err != nil {
			l.Warnln("server: say fan-out to", m.clientID, "on", channel, ":", err)
			continue
		}
	}
	metrics.CommandsSent.WithLabelValues(string(command.Say)).Inc()
}

func (e *Engine) handleExit(conn net.Conn) {
	metrics.CommandsReceived.WithLabelValues(string(command.Exit)).Inc()
	e.removeFromChannel(conn)
}

// handleInvite implements spec §4.4's INVITE dispatch: for each named cid,
// find any socket already a member of some channel, and tell it (over its
// own TCP socket) that it is invited into the inviter's current channel,
// alongside the full invitee list.
func (e *Engine) handleInvite(conn net.Conn, clientIDs []string) {
	metrics.CommandsReceived.WithLabelValues(string(command.Invite)).Inc()

	currentChannel, ok := e.sockConn[conn]
	if !ok {
		return
	}
	for _, cid := range clientIDs {
		target, ok := e.findMember(cid)
		if !ok {
			continue
		}
		e.sendInviteOverTCP(target.conn, currentChannel, clientIDs)
	}
}

// findMember locates any socket currently a member of any channel under
// clientID, so an INVITE can be delivered to it.
func (e *Engine) findMember(clientID string) (*member, bool) {
	for _, members := range e.channels {
		if m, ok := members[clientID]; ok {
			return m, true
		}
	}
	return nil, false
}

func (e *Engine) sendInviteOverTCP(conn net.Conn, channel string, clientIDs []string) {
	p := pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.ServerInvite{ChannelID: channel, ClientIDs: clientIDs}}}
	frame := command.Encode(pdu.Build(p))
	if _, err := conn.Write(frame); err != nil {
		l.Warnln("server: invite delivery:", err)
	}
}

func (e *Engine) handleDisconnect(conn net.Conn) {
	e.removeFromChannel(conn)
	delete(e.connLimit, conn)
	conn.Close()
}

func (e *Engine) removeFromChannel(conn net.Conn) {
	channel, ok := e.sockConn[conn]
	if !ok {
		return
	}
	delete(e.sockConn, conn)

	members, ok := e.channels[channel]
	if !ok {
		return
	}
	for cid, m := range members {
		if m.conn == conn {
			delete(members, cid)
			break
		}
	}

	if len(members) == 0 {
		if _, keep := e.provisioned[channel]; !keep {
			delete(e.channels, channel)
		}
		if !isPrivate(channel) {
			e.emitChannelsIfAny()
		}
		return
	}
	metrics.ChannelMembers.WithLabelValues(channel).Set(float64(len(members)))
}

// Events returns the event logger presentation layers subscribe to for
// MembershipChanged (spec §6; the server engine only ever logs that one
// event kind, unlike the client's full set).
func (e *Engine) Events() *events.Logger {
	return e.events
}

// MembershipEvent is the Data payload for events.MembershipChanged as
// logged by this engine. Unlike lib/client's MembershipEvent, the server
// has no separate notion of "which remote server" — it is the server.
type MembershipEvent struct {
	Channel string
}

// ChannelMembers returns the client IDs currently joined to channel, for
// presentation-layer inspection and tests.
func (e *Engine) ChannelMembers(channel string) []string {
	result := make(chan []string, 1)
	e.post(func() {
		members := e.channels[channel]
		out := make([]string, 0, len(members))
		for cid := range members {
			out = append(out, cid)
		}
		result <- out
	})
	return <-result
}
