// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anopheles/instantsoup/lib/events"
	"github.com/anopheles/instantsoup/lib/pdu"
	"github.com/anopheles/instantsoup/lib/timer"
)

// fakeLink is an in-memory multicast fabric for tests: every message Sent by
// one participant is delivered (with loopback, like real IP multicast) to
// every participant's Recv, itself included.
type fakeLink struct {
	participants []*fakeBeacon
}

func newFakeLink() *fakeLink {
	return &fakeLink{}
}

func (f *fakeLink) join() *fakeBeacon {
	b := &fakeBeacon{link: f, inbox: make(chan fakeDatagram, 64)}
	f.participants = append(f.participants, b)
	return b
}

type fakeDatagram struct {
	data []byte
	src  net.Addr
}

type fakeBeacon struct {
	link  *fakeLink
	inbox chan fakeDatagram
	addr  net.Addr
}

func (b *fakeBeacon) Send(data []byte) {
	for _, p := range b.link.participants {
		p.inbox <- fakeDatagram{data: data, src: b.addr}
	}
}

func (b *fakeBeacon) Recv() ([]byte, net.Addr) {
	d := <-b.inbox
	return d.data, d.src
}

func newTestEngine(t *testing.T, nickname string, link *fakeLink, addr net.Addr) *Engine {
	t.Helper()
	b := link.join()
	b.addr = addr
	ts := timer.NewService()
	t.Cleanup(ts.Stop)
	e := New(nickname, b, ts, events.NewLogger())
	return e
}

func runEngine(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func addrFor(ip string) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 55555}
}

// TestLobbyDiscovery is Scenario A: two clients learn each other's nickname
// from the periodic CLIENT_NICK each emits on startup.
func TestLobbyDiscovery(t *testing.T) {
	link := newFakeLink()
	alice := newTestEngine(t, "alice", link, addrFor("10.0.0.1"))
	bob := newTestEngine(t, "bob", link, addrFor("10.0.0.2"))

	runEngine(t, alice)
	runEngine(t, bob)

	require.Eventually(t, func() bool {
		n, ok := lookupUser(alice, bob.ID)
		return ok && n == "bob"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		n, ok := lookupUser(bob, alice.ID)
		return ok && n == "alice"
	}, time.Second, 5*time.Millisecond)
}

func lookupUser(e *Engine, id string) (string, bool) {
	result := make(chan struct {
		nick string
		ok   bool
	}, 1)
	e.post(func() {
		n, ok := e.users[id]
		result <- struct {
			nick string
			ok   bool
		}{n, ok}
	})
	r := <-result
	return r.nick, r.ok
}

func TestNickChangeEmitsEvent(t *testing.T) {
	link := newFakeLink()
	alice := newTestEngine(t, "alice", link, addrFor("10.0.0.1"))
	bob := newTestEngine(t, "bob", link, addrFor("10.0.0.2"))

	runEngine(t, alice)
	runEngine(t, bob)

	sub := bob.events.Subscribe(events.NickChanged)
	defer bob.events.Unsubscribe(sub)

	require.Eventually(t, func() bool {
		_, ok := lookupUser(bob, alice.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	alice.post(func() {
		alice.Nickname = "alice2"
		alice.emitPeriodic()
	})

	ev, err := sub.Poll(time.Second)
	require.NoError(t, err)
	pe, ok := ev.Data.(PeerEvent)
	require.True(t, ok)
	assert.Equal(t, "alice2", pe.Nickname)
}

func TestMembershipOmitsPrivateChannels(t *testing.T) {
	link := newFakeLink()
	alice := newTestEngine(t, "alice", link, addrFor("10.0.0.1"))

	alice.joined[slot{ServerID: "s1", Channel: "#general"}] = struct{}{}
	alice.joined[slot{ServerID: "s1", Channel: "@secret"}] = struct{}{}

	var captured []byte
	alice.beacon = &capturingBeacon{out: &captured}

	alice.sendMembershipPDU()
	require.NotNil(t, captured)

	p, err := pdu.Parse(captured)
	require.NoError(t, err)
	require.Len(t, p.Options, 1)

	cm, ok := p.Options[0].(pdu.ClientMembership)
	require.True(t, ok)
	require.Len(t, cm.Servers, 1)
	assert.Equal(t, []string{"#general"}, cm.Servers[0].Channels)
}

type capturingBeacon struct {
	out *[]byte
}

func (c *capturingBeacon) Send(data []byte)         { *c.out = data }
func (c *capturingBeacon) Recv() ([]byte, net.Addr) { select {} }
