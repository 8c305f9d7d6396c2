// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package beacon

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/greatroar/blobloom"
	"github.com/thejerf/suture/v4"
	"golang.org/x/net/ipv4"

	"github.com/anopheles/instantsoup/lib/xlog"
)

var l = xlog.Default

// Multicast is the production Announcer: a suture-supervised pair of
// goroutines (reader, writer) sharing one multicast group. One Multicast
// per process is enough for both a client and a server engine to share -
// cmd/instantsoup passes the same instance to both.
type Multicast struct {
	sup    *suture.Supervisor
	inbox  chan []byte
	outbox chan recv
}

// NewMulticast constructs the Announcer. addr is normally
// "239.255.99.63:55555" (beacon.GroupAddress, beacon.Port); tests pass an
// alternate address to avoid colliding with other InstantSOUP processes on
// the same host. Run must be called to actually start the reader/writer.
func NewMulticast(addr string) *Multicast {
	m := &Multicast{
		sup: suture.New("beacon.Multicast", suture.Spec{
			// An error opening a socket is usually either permanent or takes
			// a while to clear; don't retry frenetically.
			FailureThreshold: 2,
			FailureBackoff:   60 * time.Second,
		}),
		inbox:  make(chan []byte),
		outbox: make(chan recv, 16),
	}

	dedup := newDedup()

	m.sup.Add(&multicastReader{addr: addr, outbox: m.outbox, dedup: dedup})
	m.sup.Add(&multicastWriter{addr: addr, inbox: m.inbox})

	return m
}

// Run starts the reader and writer and blocks until ctx is cancelled,
// restarting either on failure per the supervisor's backoff policy.
func (m *Multicast) Run(ctx context.Context) error {
	return m.sup.Serve(ctx)
}

func (m *Multicast) Send(data []byte) {
	m.inbox <- data
}

func (m *Multicast) Recv() ([]byte, net.Addr) {
	r := <-m.outbox
	return r.data, r.src
}

// dedup suppresses datagrams this process has already delivered upward, so
// loopback echoes of a peer's own periodic PDU, or duplicates introduced by
// an unreliable LAN segment, don't cost the engine a redundant map write
// (spec §5: a client must be idempotent under duplicates and reordering).
type dedup struct {
	filter *blobloom.SyncFilter
}

func newDedup() *dedup {
	return &dedup{
		filter: blobloom.NewSyncFilter(blobloom.Config{
			Capacity: 4096,
			FPRate:   0.01,
		}),
	}
}

func (d *dedup) seen(data []byte) bool {
	h := xxhash.Sum64(data)
	if d.filter.Has(h) {
		return true
	}
	d.filter.Add(h)
	return false
}

type multicastWriter struct {
	addr  string
	inbox <-chan []byte
}

func (w *multicastWriter) Serve(ctx context.Context) error {
	gaddr, err := net.ResolveUDPAddr("udp4", w.addr)
	if err != nil {
		l.Warnln("beacon: resolve:", err)
		return err
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		l.Warnln("beacon: listen:", err)
		return err
	}
	defer conn.Close()

	pconn := ipv4.NewPacketConn(conn)
	pconn.SetMulticastLoopback(true)
	pconn.SetMulticastTTL(1)

	cm := &ipv4.ControlMessage{TTL: 1}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bs, ok := <-w.inbox:
			if !ok {
				return nil
			}
			w.writeToAllInterfaces(pconn, cm, gaddr, bs)
		}
	}
}

func (w *multicastWriter) writeToAllInterfaces(pconn *ipv4.PacketConn, cm *ipv4.ControlMessage, gaddr *net.UDPAddr, bs []byte) {
	intfs, err := net.Interfaces()
	if err != nil {
		l.Warnln("beacon: interfaces:", err)
		return
	}

	var sent int
	for _, intf := range intfs {
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		cm.IfIndex = intf.Index
		pconn.SetWriteDeadline(time.Now().Add(time.Second))
		_, err := pconn.WriteTo(bs, cm, gaddr)
		pconn.SetWriteDeadline(time.Time{})
		if err != nil {
			if xlog.Debug("beacon") {
				l.Debugln("beacon: write to", gaddr, "on", intf.Name, ":", err)
			}
			continue
		}
		sent++
	}
	if sent == 0 {
		l.Warnln("beacon: no usable multicast interface for send")
	}
}

type multicastReader struct {
	addr   string
	outbox chan<- recv
	dedup  *dedup
}

func (r *multicastReader) Serve(ctx context.Context) error {
	gaddr, err := net.ResolveUDPAddr("udp4", r.addr)
	if err != nil {
		l.Warnln("beacon: resolve:", err)
		return err
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(gaddr.Port)))
	if err != nil {
		l.Warnln("beacon: listen:", err)
		return err
	}
	defer conn.Close()

	pconn := ipv4.NewPacketConn(conn)

	intfs, err := net.Interfaces()
	if err != nil {
		l.Warnln("beacon: interfaces:", err)
		return err
	}

	var joined int
	for _, intf := range intfs {
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(&intf, &net.UDPAddr{IP: gaddr.IP}); err != nil {
			if xlog.Debug("beacon") {
				l.Debugln("beacon: join group on", intf.Name, ":", err)
			}
			continue
		}
		joined++
	}
	if joined == 0 {
		l.Warnln("beacon: no multicast interfaces available")
		return errNoInterfaces
	}
	pconn.SetMulticastLoopback(true)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	bs := make([]byte, 65536)
	for {
		n, _, addr, err := pconn.ReadFrom(bs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.Warnln("beacon: read:", err)
			return err
		}

		c := make([]byte, n)
		copy(c, bs[:n])

		if r.dedup.seen(c) {
			continue
		}

		select {
		case r.outbox <- recv{c, addr}:
		default:
			if xlog.Debug("beacon") {
				l.Debugln("beacon: dropping message, receiver not keeping up")
			}
		}
	}
}
