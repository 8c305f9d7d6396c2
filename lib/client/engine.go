// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package client implements the InstantSOUP client engine: lobby tracking,
// server/channel discovery, TCP channel sessions, and liveness eviction.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

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
)

var l = xlog.Default

// Engine is one client-role participant: it tracks lobby peers and
// discovered servers/channels, owns the TCP sockets to servers it has
// learned about, and exposes the user-issued commands (Join/Say/Standby/
// Invite/Exit).
//
// All mutable state below the "owner-loop-only" marker is touched
// exclusively by the goroutine running Run's action loop; every other
// goroutine (the announcer reader, per-socket readers, the public command
// methods) communicates with it by posting a closure on actions. membership
// is held in a concurrency-safe table, but it too is only read and written
// from the action loop (CLIENT_MEMBERSHIP and SERVER_INVITE handling, Join,
// Exit).
type Engine struct {
	ID       string
	Nickname string

	beacon beacon.Interface
	timers *timer.Service
	events *events.Logger

	actions chan func()

	membership *xsync.MapOf[slot, *memberSet]

	// owner-loop-only:
	users          map[string]string
	sockets        map[slot]net.Conn
	serverAddrs    map[string]*net.TCPAddr
	joined         map[slot]struct{}
	channelHistory map[slot][]string
	pduCounter     uint32
	autoJoin       []glob.Glob
	localAddr      net.Addr
}

// New constructs a client engine with a fresh random ID.
func New(nickname string, b beacon.Interface, ts *timer.Service, ev *events.Logger) *Engine {
	return &Engine{
		ID:       uuid.NewString(),
		Nickname: nickname,
		beacon:   b,
		timers:   ts,
		events:   ev,

		actions: make(chan func()),

		membership: xsync.NewMapOf[slot, *memberSet](),

		users:          make(map[string]string),
		sockets:        make(map[slot]net.Conn),
		serverAddrs:    make(map[string]*net.TCPAddr),
		joined:         make(map[slot]struct{}),
		channelHistory: make(map[slot][]string),
	}
}

// Run drives the engine until ctx is cancelled: the multicast receive loop,
// the regular PDU ticker, the eviction-timer consumer, and the single
// state-owning action loop all run for the duration of the call.
func (e *Engine) Run(ctx context.Context) error {
	go e.recvLoop(ctx)
	go e.tickLoop(ctx)
	go e.evictLoop(ctx)

	e.sendPDU(pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.ClientNick{Nickname: e.Nickname}}})

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

// dial opens a channel-socket connection, honoring SetLocalAddr if the
// caller pinned an egress address.
func (e *Engine) dial(addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DefaultWaitingTime, LocalAddr: e.localAddr}
	return d.Dial("tcp", addr)
}

// SetLocalAddr pins the local address used for all future channel-socket
// dials (net.Dialer.LocalAddr) — useful on a multi-homed host that needs a
// specific egress interface, and for running more than one simulated
// client on a single test host with distinguishable lobby identities.
func (e *Engine) SetLocalAddr(addr net.Addr) {
	e.post(func() {
		e.localAddr = addr
	})
}

func (e *Engine) recvLoop(ctx context.Context) {
	for {
		data, addr := e.beacon.Recv()
		if ctx.Err() != nil {
			return
		}
		p, err := pdu.Parse(data)
		if err != nil {
			metrics.PDUsDropped.WithLabelValues("malformed").Inc()
			if xlog.Debug("client") {
				l.Debugln("client: dropping malformed PDU from", addr, ":", err)
			}
			continue
		}
		if p.ID == e.ID {
			continue
		}
		metrics.PDUsReceived.WithLabelValues("client").Inc()
		e.post(func() { e.handlePDU(p, addr) })
	}
}

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

func userTimerKey(id string) string   { return "user:" + id }
func serverTimerKey(sid string) string { return "server:" + sid }

// --- PDU ingestion (owner loop only) ---

func (e *Engine) handlePDU(p pdu.PDU, addr net.Addr) {
	for _, opt := range p.Options {
		switch o := opt.(type) {
		case pdu.ClientNick:
			e.handleClientNick(p.ID, o.Nickname)
		case pdu.ClientMembership:
			e.handleClientMembership(p.ID, o)
		case pdu.Server:
			e.handleServer(p.ID, addr, o)
		case pdu.ServerChannels:
			e.handleServerChannels(p.ID, o)
		case pdu.ServerInvite:
			// Spec §9 standardizes SERVER_INVITE delivery over TCP; a copy
			// arriving over the multicast announcer is not acted on.
		}
	}
}

func (e *Engine) handleClientNick(id, nick string) {
	old, known := e.users[id]
	e.users[id] = nick
	e.timers.Reset(userTimerKey(id), DefaultTimeout)

	switch {
	case !known:
		metrics.KnownPeers.Inc()
		e.events.Log(events.ClientNew, PeerEvent{ID: id, Nickname: nick})
	case old != nick:
		e.events.Log(events.NickChanged, PeerEvent{ID: id, Nickname: nick})
	}
}

func (e *Engine) handleClientMembership(senderID string, o pdu.ClientMembership) {
	for _, srv := range o.Servers {
		for _, ch := range srv.Channels {
			sl := slot{ServerID: srv.ServerID, Channel: ch}
			e.addMember(sl, senderID)
			e.events.Log(events.MembershipChanged, MembershipEvent{ServerID: srv.ServerID, Channel: ch})
		}
	}
}

func (e *Engine) handleServer(sid string, addr net.Addr, o pdu.Server) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}

	control := slot{ServerID: sid}
	if _, exists := e.sockets[control]; !exists {
		tcpAddr := &net.TCPAddr{IP: udpAddr.IP, Port: int(o.Port)}
		conn, err := e.dial(tcpAddr.String())
		if err != nil {
			l.Warnln("client: connect to server", sid, "at", tcpAddr, ":", err)
			return
		}
		e.sockets[control] = conn
		e.serverAddrs[sid] = tcpAddr
		e.spawnReader(sid, "", conn)
		metrics.KnownServers.Inc()
		e.events.Log(events.ServerNew, ServerEvent{ServerID: sid})
	}
	e.timers.Reset(serverTimerKey(sid), DefaultTimeout)
}

func (e *Engine) handleServerChannels(sid string, o pdu.ServerChannels) {
	addr, ok := e.serverAddrs[sid]
	if !ok {
		// SERVER_CHANNELS arrived before SERVER; it will be re-sent.
		return
	}
	for _, ch := range o.Channels {
		sl := slot{ServerID: sid, Channel: ch}
		if _, exists := e.sockets[sl]; exists {
			continue
		}
		conn, err := e.dial(addr.String())
		if err != nil {
			l.Warnln("client: connect to channel", ch, "on server", sid, ":", err)
			continue
		}
		e.sockets[sl] = conn
		e.spawnReader(sid, ch, conn)
		e.events.Log(events.ServerNew, ServerEvent{ServerID: sid})
		e.autoJoinIfMatch(sl, conn)
	}
}

// autoJoinIfMatch sends JOIN over a freshly opened channel socket when ch
// matches one of the globs installed by SetAutoJoin, so a configured
// pattern behaves like an immediate user Join() (spec §9 open question on
// unattended clients).
func (e *Engine) autoJoinIfMatch(sl slot, conn net.Conn) {
	matched := false
	for _, g := range e.autoJoin {
		if g.Match(sl.Channel) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	conn.Write(command.Encode(command.BuildJoin(sl.Channel)))
	metrics.CommandsSent.WithLabelValues(string(command.Join)).Inc()
	e.joined[sl] = struct{}{}
	e.addMember(sl, e.ID)
	e.sendMembershipPDU()
}

// SetAutoJoin installs the channel-name glob patterns that trigger an
// automatic Join whenever a matching public channel is discovered via
// SERVER_CHANNELS (config.Configuration.AutoJoin, spec §9).
func (e *Engine) SetAutoJoin(globs []glob.Glob) {
	e.post(func() {
		e.autoJoin = globs
	})
}

func (e *Engine) spawnReader(sid, ch string, conn net.Conn) {
	go e.readChannelSocket(sid, ch, conn)
}

func (e *Engine) readChannelSocket(sid, ch string, conn net.Conn) {
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
			e.post(func() { e.handleFrame(sid, ch, frame) })
		}
	}
}

func (e *Engine) handleFrame(sid, ch string, payload []byte) {
	parsed := command.ParsePayload(payload)
	if parsed.Verb == command.Say && len(parsed.Fields) == 2 {
		metrics.CommandsReceived.WithLabelValues(string(command.Say)).Inc()
		authorID, text := parsed.Fields[0], parsed.Fields[1]
		nick := authorID
		if n, ok := e.users[authorID]; ok {
			nick = n
		}
		line := fmt.Sprintf("[%s] %s: %s", time.Now().UTC().Format("2006-01-02 15:04:05"), nick, text)
		sl := slot{ServerID: sid, Channel: ch}
		e.channelHistory[sl] = append(e.channelHistory[sl], line)
		e.events.Log(events.MessageReceived, MessageEvent{ServerID: sid, Channel: ch, Line: line})
		return
	}

	// Not a recognized command verb: fall back to peer-PDU interpretation,
	// the channel through which a server delivers SERVER_INVITE (spec §3,
	// §4.3 — "this is how the server asynchronously invites clients into
	// private channels").
	p, err := pdu.Parse(payload)
	if err != nil {
		metrics.PDUsDropped.WithLabelValues("malformed_frame").Inc()
		l.Warnln("client: unrecognized TCP frame on", sid, ch, ":", err)
		return
	}
	for _, opt := range p.Options {
		if inv, ok := opt.(pdu.ServerInvite); ok {
			e.handleServerInvite(sid, inv)
		}
	}
}

func (e *Engine) handleServerInvite(sid string, inv pdu.ServerInvite) {
	addr, ok := e.serverAddrs[sid]
	if !ok {
		return
	}
	sl := slot{ServerID: sid, Channel: inv.ChannelID}
	if _, exists := e.sockets[sl]; !exists {
		conn, err := e.dial(addr.String())
		if err != nil {
			l.Warnln("client: connect for invite into", inv.ChannelID, "on", sid, ":", err)
			return
		}
		e.sockets[sl] = conn
		e.spawnReader(sid, inv.ChannelID, conn)
		e.events.Log(events.ServerNew, ServerEvent{ServerID: sid})

		// An invite is an implicit join (spec §4.3): tell the server so it
		// actually registers this socket as a member, the same as Join().
		conn.Write(command.Encode(command.BuildJoin(inv.ChannelID)))
		metrics.CommandsSent.WithLabelValues(string(command.Join)).Inc()
		e.joined[sl] = struct{}{}
		e.addMember(sl, e.ID)
		e.sendMembershipPDU()
	}
	for _, cid := range inv.ClientIDs {
		e.addMember(sl, cid)
	}
	e.events.Log(events.MembershipChanged, MembershipEvent{ServerID: sid, Channel: inv.ChannelID})
}

// --- periodic emission (owner loop only) ---

func (e *Engine) emitPeriodic() {
	e.sendPDU(pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.ClientNick{Nickname: e.Nickname}}})

	if e.pduCounter%4 == 0 {
		e.sendMembershipPDU()
	}
	e.pduCounter++
}

func (e *Engine) sendMembershipPDU() {
	byServer := make(map[string][]string)
	for sl := range e.joined {
		if isPrivate(sl.Channel) {
			continue
		}
		byServer[sl.ServerID] = append(byServer[sl.ServerID], sl.Channel)
	}

	servers := make([]pdu.MembershipServer, 0, len(byServer))
	for sid, channels := range byServer {
		servers = append(servers, pdu.MembershipServer{ServerID: sid, Channels: channels})
	}
	e.sendPDU(pdu.PDU{ID: e.ID, Options: []pdu.Option{pdu.ClientMembership{Servers: servers}}})
}

func (e *Engine) sendPDU(p pdu.PDU) {
	e.beacon.Send(pdu.Build(p))
	metrics.PDUsSent.WithLabelValues("client").Inc()
}

// --- eviction (owner loop only) ---

func (e *Engine) handleExpiry(key string) {
	switch {
	case len(key) > 5 && key[:5] == "user:":
		id := key[5:]
		if _, ok := e.users[id]; !ok {
			return
		}
		delete(e.users, id)
		metrics.KnownPeers.Dec()
		metrics.Evictions.WithLabelValues("peer").Inc()
		e.events.Log(events.ClientRemoved, PeerEvent{ID: id})

	case len(key) > 7 && key[:7] == "server:":
		sid := key[7:]
		if _, ok := e.serverAddrs[sid]; !ok {
			return
		}
		for sl, conn := range e.sockets {
			if sl.ServerID != sid {
				continue
			}
			conn.Close()
			delete(e.sockets, sl)
			delete(e.joined, sl)
		}
		delete(e.serverAddrs, sid)
		metrics.KnownServers.Dec()
		metrics.Evictions.WithLabelValues("server").Inc()
		e.events.Log(events.ServerRemoved, ServerEvent{ServerID: sid})
	}
}

func (e *Engine) closeAll() {
	for _, conn := range e.sockets {
		conn.Close()
	}
}

func (e *Engine) addMember(sl slot, id string) {
	ms, _ := e.membership.LoadOrStore(sl, newMemberSet())
	ms.add(id)
}

// --- user-issued commands (public API; safe to call from any goroutine) ---

// Join opens (if needed) a channel socket to sid, sends JOIN, and marks the
// channel as locally joined so it is included in future CLIENT_MEMBERSHIP
// PDUs (unless private).
func (e *Engine) Join(sid, channel string) {
	e.post(func() {
		addr, ok := e.serverAddrs[sid]
		if !ok {
			l.Warnln("client: join requested for unknown server", sid)
			return
		}
		sl := slot{ServerID: sid, Channel: channel}
		conn, exists := e.sockets[sl]
		if !exists {
			var err error
			conn, err = e.dial(addr.String())
			if err != nil {
				l.Warnln("client: join", channel, "on", sid, ":", err)
				return
			}
			e.sockets[sl] = conn
			e.spawnReader(sid, channel, conn)
		}

		conn.Write(command.Encode(command.BuildJoin(channel)))
		metrics.CommandsSent.WithLabelValues(string(command.Join)).Inc()

		e.joined[sl] = struct{}{}
		e.addMember(sl, e.ID)
		e.sendMembershipPDU()
	})
}

// Say sends a chat message on an already-joined (sid, channel) socket.
func (e *Engine) Say(sid, channel, text string) {
	e.post(func() {
		sl := slot{ServerID: sid, Channel: channel}
		conn, ok := e.sockets[sl]
		if !ok {
			l.Warnln("client: say on unknown server/channel", sid, channel)
			return
		}
		conn.Write(command.Encode(command.BuildSay(text)))
		metrics.CommandsSent.WithLabelValues(string(command.Say)).Inc()
	})
}

// Standby sends STANDBY; the protocol leaves server-side handling
// unspecified (spec §9 Open Questions).
func (e *Engine) Standby(sid, channel, peerID string) {
	e.post(func() {
		sl := slot{ServerID: sid, Channel: channel}
		conn, ok := e.sockets[sl]
		if !ok {
			return
		}
		conn.Write(command.Encode(command.BuildStandby(peerID)))
		metrics.CommandsSent.WithLabelValues(string(command.Standby)).Inc()
	})
}

// Invite sends INVITE listing clientIDs on an already-joined socket.
func (e *Engine) Invite(sid, channel string, clientIDs ...string) {
	e.post(func() {
		sl := slot{ServerID: sid, Channel: channel}
		conn, ok := e.sockets[sl]
		if !ok {
			l.Warnln("client: invite on unknown server/channel", sid, channel)
			return
		}
		conn.Write(command.Encode(command.BuildInvite(clientIDs...)))
		metrics.CommandsSent.WithLabelValues(string(command.Invite)).Inc()
	})
}

// Exit leaves a channel: sends EXIT, forgets the local join, and refreshes
// CLIENT_MEMBERSHIP.
func (e *Engine) Exit(sid, channel string) {
	e.post(func() {
		sl := slot{ServerID: sid, Channel: channel}
		conn, ok := e.sockets[sl]
		if !ok {
			return
		}
		conn.Write(command.Encode(command.BuildExit()))
		metrics.CommandsSent.WithLabelValues(string(command.Exit)).Inc()

		delete(e.joined, sl)
		if ms, ok := e.membership.Load(sl); ok {
			ms.remove(e.ID)
		}
		e.sendMembershipPDU()
	})
}

// Events returns the event logger presentation layers subscribe to for
// ClientNew/ClientRemoved/NickChanged/ServerNew/ServerRemoved/
// MembershipChanged/MessageReceived (spec §6).
func (e *Engine) Events() *events.Logger {
	return e.events
}

// ChannelHistory returns a snapshot of the rendered lines received on
// (sid, channel) so far. Safe to call concurrently by funneling through
// actions like any other command.
func (e *Engine) ChannelHistory(sid, channel string) []string {
	result := make(chan []string, 1)
	e.post(func() {
		sl := slot{ServerID: sid, Channel: channel}
		hist := e.channelHistory[sl]
		out := make([]string, len(hist))
		copy(out, hist)
		result <- out
	})
	return <-result
}
