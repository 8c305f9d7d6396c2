// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anopheles/instantsoup/lib/command"
	"github.com/anopheles/instantsoup/lib/events"
	"github.com/anopheles/instantsoup/lib/pdu"
	"github.com/anopheles/instantsoup/lib/timer"
)

type nullBeacon struct{}

func (nullBeacon) Send([]byte)              {}
func (nullBeacon) Recv() ([]byte, net.Addr) { select {} }

func newTestEngine(t *testing.T) (*Engine, net.Addr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ts := timer.NewService()
	t.Cleanup(ts.Stop)

	e := New(ln, nullBeacon{}, ts, events.NewLogger())

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

	return e, ln.Addr()
}

// dialAndRegister opens a TCP connection to the server and registers it in
// the lobby as clientID, the way a real client's prior CLIENT_NICK receipt
// by the server would (spec §4.4 "Reactive emissions"). Each connection is
// dialed from its own 127.0.0.x source address, since the lobby attributes
// connections by IP alone (lobbyKey).
func dialAndRegister(t *testing.T, e *Engine, addr net.Addr, clientID string) net.Conn {
	t.Helper()
	n := nextLoopback.Add(1) + 1
	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, byte(n))}}
	conn, err := d.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	registered := make(chan struct{})
	e.post(func() {
		e.lobby.Store(lobbyKey(conn.LocalAddr()), clientID)
		close(registered)
	})
	<-registered
	return conn
}

// nextLoopback numbers the source addresses handed out by dialAndRegister.
var nextLoopback atomic.Uint32

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 4)
	_, err := readFull(conn, header)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint32(header)
	body := make([]byte, n)
	_, err = readFull(conn, body)
	require.NoError(t, err)
	return body
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestJoinPublicChannelFansOutSay is Scenario B: two clients join the same
// public channel; a SAY from one is relayed, author-tagged, to both
// (including the sender).
func TestJoinPublicChannelFansOutSay(t *testing.T) {
	e, addr := newTestEngine(t)

	alice := dialAndRegister(t, e, addr, "alice-id")
	bob := dialAndRegister(t, e, addr, "bob-id")

	_, err := alice.Write(command.Encode(command.BuildJoin("#general")))
	require.NoError(t, err)
	_, err = bob.Write(command.Encode(command.BuildJoin("#general")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.ChannelMembers("#general")) == 2
	}, time.Second, 5*time.Millisecond)

	_, err = alice.Write(command.Encode(command.BuildSay("hello")))
	require.NoError(t, err)

	for _, conn := range []net.Conn{alice, bob} {
		body := readFrame(t, conn)
		parsed := command.ParsePayload(body)
		assert.Equal(t, command.Say, parsed.Verb)
		assert.Equal(t, []string{"alice-id", "hello"}, parsed.Fields)
	}
}

// TestJoinPrivateChannelSendsInviteNotChannels is Scenario C: joining a
// `@`-prefixed channel delivers a SERVER_INVITE to the joiner over TCP and
// never advertises the channel in SERVER_CHANNELS.
func TestJoinPrivateChannelSendsInviteNotChannels(t *testing.T) {
	e, addr := newTestEngine(t)

	alice := dialAndRegister(t, e, addr, "alice-id")

	_, err := alice.Write(command.Encode(command.BuildJoin("@secret")))
	require.NoError(t, err)

	body := readFrame(t, alice)
	p, err := pdu.Parse(body)
	require.NoError(t, err)
	require.Len(t, p.Options, 1)
	inv, ok := p.Options[0].(pdu.ServerInvite)
	require.True(t, ok)
	assert.Equal(t, "@secret", inv.ChannelID)
	assert.Equal(t, []string{"alice-id"}, inv.ClientIDs)

	require.Eventually(t, func() bool {
		return len(e.ChannelMembers("@secret")) == 1
	}, time.Second, 5*time.Millisecond)

	names := make(chan []string, 1)
	e.post(func() { names <- e.publicChannelNames() })
	assert.NotContains(t, <-names, "@secret")
}

// TestExitRemovesMembershipAndDestroysEmptyChannel covers the channel
// lifecycle half of spec §4.4: a channel's member set is destroyed when it
// becomes empty.
func TestExitRemovesMembershipAndDestroysEmptyChannel(t *testing.T) {
	e, addr := newTestEngine(t)

	alice := dialAndRegister(t, e, addr, "alice-id")
	_, err := alice.Write(command.Encode(command.BuildJoin("#general")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.ChannelMembers("#general")) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = alice.Write(command.Encode(command.BuildExit()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		done := make(chan bool, 1)
		e.post(func() {
			_, exists := e.channels["#general"]
			done <- !exists
		})
		return <-done
	}, time.Second, 5*time.Millisecond)
}

// TestInviteDeliversToExistingMember is property-adjacent to Scenario C:
// INVITE locates an already-joined client and hands it a SERVER_INVITE for
// the inviter's current channel.
func TestInviteDeliversToExistingMember(t *testing.T) {
	e, addr := newTestEngine(t)

	alice := dialAndRegister(t, e, addr, "alice-id")
	bob := dialAndRegister(t, e, addr, "bob-id")

	_, err := alice.Write(command.Encode(command.BuildJoin("@secret")))
	require.NoError(t, err)
	readFrame(t, alice) // the self-invite from joining a new private channel

	_, err = bob.Write(command.Encode(command.BuildJoin("#general")))
	require.NoError(t, err)

	_, err = alice.Write(command.Encode(command.BuildInvite("bob-id")))
	require.NoError(t, err)

	body := readFrame(t, bob)
	p, err := pdu.Parse(body)
	require.NoError(t, err)
	require.Len(t, p.Options, 1)
	inv, ok := p.Options[0].(pdu.ServerInvite)
	require.True(t, ok)
	assert.Equal(t, "@secret", inv.ChannelID)
	assert.Equal(t, []string{"bob-id"}, inv.ClientIDs)
}

// TestJoinFromUnregisteredAddressIsDropped covers the ErrUnknownServer-
// adjacent policy in spec §7: a JOIN from a socket whose address was never
// seen in a CLIENT_NICK is dropped (logged, no membership recorded).
func TestJoinFromUnregisteredAddressIsDropped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ts := timer.NewService()
	defer ts.Stop()
	e := New(ln, nullBeacon{}, ts, events.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(command.Encode(command.BuildJoin("#general")))
	require.NoError(t, err)

	require.Never(t, func() bool {
		return len(e.ChannelMembers("#general")) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}
