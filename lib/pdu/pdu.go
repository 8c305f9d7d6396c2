// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package pdu implements the InstantSOUP peer PDU wire format: the
// multicast datagram that every client and server periodically emits to
// announce itself and its state to the lobby.
//
// The format is NUL-terminated cstrings and little-endian integers, not
// XDR — see DESIGN.md for why this is hand-rolled with encoding/binary
// instead of reusing the teacher's calmh/xdr helpers.
package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedPDU is returned (optionally wrapped with more context via
// fmt.Errorf("...: %w", ErrMalformedPDU)) whenever a datagram truncates,
// names an unknown option, or declares a body shorter than its counts say.
var ErrMalformedPDU = errors.New("malformed pdu")

type OptionID byte

const (
	ClientNickOptionID       OptionID = 0x01
	ClientMembershipOptionID OptionID = 0x02
	ServerOptionID           OptionID = 0x10
	ServerChannelsOptionID   OptionID = 0x11
	ServerInviteOptionID     OptionID = 0x12
)

func (o OptionID) String() string {
	switch o {
	case ClientNickOptionID:
		return "CLIENT_NICK"
	case ClientMembershipOptionID:
		return "CLIENT_MEMBERSHIP"
	case ServerOptionID:
		return "SERVER"
	case ServerChannelsOptionID:
		return "SERVER_CHANNELS"
	case ServerInviteOptionID:
		return "SERVER_INVITE"
	default:
		return fmt.Sprintf("OPTION(0x%02x)", byte(o))
	}
}

// Option is one option record within a PDU. Each concrete type below
// implements it.
type Option interface {
	OptionID() OptionID
}

type ClientNick struct {
	Nickname string
}

func (ClientNick) OptionID() OptionID { return ClientNickOptionID }

type MembershipServer struct {
	ServerID string
	Channels []string
}

type ClientMembership struct {
	Servers []MembershipServer
}

func (ClientMembership) OptionID() OptionID { return ClientMembershipOptionID }

type Server struct {
	Port uint16
}

func (Server) OptionID() OptionID { return ServerOptionID }

type ServerChannels struct {
	Channels []string
}

func (ServerChannels) OptionID() OptionID { return ServerChannelsOptionID }

type ServerInvite struct {
	ChannelID string
	ClientIDs []string
}

func (ServerInvite) OptionID() OptionID { return ServerInviteOptionID }

// PDU is a decoded peer PDU: a sender ID followed by zero or more options.
type PDU struct {
	ID      string
	Options []Option
}

// RecommendedMaxSize is the spec's guidance (§4.2) for keeping a PDU inside
// one unfragmented IP datagram. Build does not enforce it; callers that
// aggregate large option lists (CLIENT_MEMBERSHIP, SERVER_CHANNELS) should
// check len(Build(p)) against it before sending.
const RecommendedMaxSize = 1400

// Build is the exact inverse of Parse: Parse(Build(p)) == p for any
// well-formed PDU.
func Build(p PDU) []byte {
	var buf bytes.Buffer
	writeCString(&buf, p.ID)
	for _, opt := range p.Options {
		buf.WriteByte(byte(opt.OptionID()))
		switch o := opt.(type) {
		case ClientNick:
			writeCString(&buf, o.Nickname)
		case ClientMembership:
			buf.WriteByte(byte(len(o.Servers)))
			for _, srv := range o.Servers {
				writeCString(&buf, srv.ServerID)
				buf.WriteByte(byte(len(srv.Channels)))
				for _, ch := range srv.Channels {
					writeCString(&buf, ch)
				}
			}
		case Server:
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], o.Port)
			buf.Write(b[:])
		case ServerChannels:
			buf.WriteByte(byte(len(o.Channels)))
			for _, ch := range o.Channels {
				writeCString(&buf, ch)
			}
		case ServerInvite:
			writeCString(&buf, o.ChannelID)
			buf.WriteByte(byte(len(o.ClientIDs)))
			for _, cid := range o.ClientIDs {
				writeCString(&buf, cid)
			}
		}
	}
	return buf.Bytes()
}

// Parse consumes an entire datagram. Options are read greedily until the
// buffer is exhausted; any truncation, unknown option ID, or short count
// field yields ErrMalformedPDU.
func Parse(data []byte) (PDU, error) {
	r := &cReader{buf: data}

	id, err := r.readCString()
	if err != nil {
		return PDU{}, fmt.Errorf("reading sender id: %w", ErrMalformedPDU)
	}
	if !utf8.ValidString(id) {
		return PDU{}, fmt.Errorf("sender id not valid utf-8: %w", ErrMalformedPDU)
	}

	p := PDU{ID: id}
	for r.remaining() > 0 {
		opt, err := parseOption(r)
		if err != nil {
			return PDU{}, err
		}
		p.Options = append(p.Options, opt)
	}
	return p, nil
}

func parseOption(r *cReader) (Option, error) {
	idByte, ok := r.readByte()
	if !ok {
		return nil, fmt.Errorf("reading option id: %w", ErrMalformedPDU)
	}

	switch OptionID(idByte) {
	case ClientNickOptionID:
		nick, err := r.readCString()
		if err != nil {
			return nil, fmt.Errorf("CLIENT_NICK body: %w", ErrMalformedPDU)
		}
		return ClientNick{Nickname: nick}, nil

	case ClientMembershipOptionID:
		numServers, ok := r.readByte()
		if !ok {
			return nil, fmt.Errorf("CLIENT_MEMBERSHIP num_servers: %w", ErrMalformedPDU)
		}
		var servers []MembershipServer
		for i := byte(0); i < numServers; i++ {
			sid, err := r.readCString()
			if err != nil {
				return nil, fmt.Errorf("CLIENT_MEMBERSHIP server_id: %w", ErrMalformedPDU)
			}
			numCh, ok := r.readByte()
			if !ok {
				return nil, fmt.Errorf("CLIENT_MEMBERSHIP num_channels: %w", ErrMalformedPDU)
			}
			var channels []string
			for j := byte(0); j < numCh; j++ {
				ch, err := r.readCString()
				if err != nil {
					return nil, fmt.Errorf("CLIENT_MEMBERSHIP channel: %w", ErrMalformedPDU)
				}
				channels = append(channels, ch)
			}
			servers = append(servers, MembershipServer{ServerID: sid, Channels: channels})
		}
		return ClientMembership{Servers: servers}, nil

	case ServerOptionID:
		portBytes, ok := r.readN(2)
		if !ok {
			return nil, fmt.Errorf("SERVER port: %w", ErrMalformedPDU)
		}
		return Server{Port: binary.LittleEndian.Uint16(portBytes)}, nil

	case ServerChannelsOptionID:
		numCh, ok := r.readByte()
		if !ok {
			return nil, fmt.Errorf("SERVER_CHANNELS num_channels: %w", ErrMalformedPDU)
		}
		var channels []string
		for i := byte(0); i < numCh; i++ {
			ch, err := r.readCString()
			if err != nil {
				return nil, fmt.Errorf("SERVER_CHANNELS channel: %w", ErrMalformedPDU)
			}
			channels = append(channels, ch)
		}
		return ServerChannels{Channels: channels}, nil

	case ServerInviteOptionID:
		chID, err := r.readCString()
		if err != nil {
			return nil, fmt.Errorf("SERVER_INVITE channel_id: %w", ErrMalformedPDU)
		}
		numClients, ok := r.readByte()
		if !ok {
			return nil, fmt.Errorf("SERVER_INVITE num_clients: %w", ErrMalformedPDU)
		}
		var clients []string
		for i := byte(0); i < numClients; i++ {
			cid, err := r.readCString()
			if err != nil {
				return nil, fmt.Errorf("SERVER_INVITE client_id: %w", ErrMalformedPDU)
			}
			clients = append(clients, cid)
		}
		return ServerInvite{ChannelID: chID, ClientIDs: clients}, nil

	default:
		return nil, fmt.Errorf("unknown option id 0x%02x: %w", idByte, ErrMalformedPDU)
	}
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// cReader is a forward-only cursor over a datagram buffer.
type cReader struct {
	buf []byte
	pos int
}

func (r *cReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *cReader) readByte() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *cReader) readN(n int) ([]byte, bool) {
	if r.remaining() < n {
		return nil, false
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, true
}

func (r *cReader) readCString() (string, error) {
	idx := bytes.IndexByte(r.buf[r.pos:], 0)
	if idx < 0 {
		return "", ErrMalformedPDU
	}
	s := string(r.buf[r.pos : r.pos+idx])
	r.pos += idx + 1
	return s, nil
}
