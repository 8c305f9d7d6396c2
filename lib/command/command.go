// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package command implements the InstantSOUP TCP command frame: a u32
// little-endian length prefix followed by that many bytes of payload, the
// payload itself being an ASCII verb followed by NUL-separated fields.
package command

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned by Decode when fewer bytes are available than
// the declared frame length; the caller should keep accumulating bytes
// from the stream and retry.
var ErrTruncated = errors.New("truncated command frame")

const headerLen = 4

// Encode frames a raw payload for writing to a TCP channel socket.
func Encode(payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[headerLen:], payload)
	return out
}

// Decode reads one frame from the front of buf. On success it returns the
// payload and the number of bytes consumed from buf. If buf does not yet
// contain a full frame, it returns ErrTruncated and the caller should wait
// for more bytes before retrying with a longer buf.
func Decode(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < headerLen {
		return nil, 0, ErrTruncated
	}
	length := binary.LittleEndian.Uint32(buf)
	total := headerLen + int(length)
	if len(buf) < total {
		return nil, 0, ErrTruncated
	}
	return buf[headerLen:total], total, nil
}

// Verb is the leading token of a command payload.
type Verb string

const (
	Join    Verb = "JOIN"
	Say     Verb = "SAY"
	Exit    Verb = "EXIT"
	Standby Verb = "STANDBY"
	Invite  Verb = "INVITE"
)

// Parsed is a command payload split into its verb and NUL-separated
// fields.
type Parsed struct {
	Verb   Verb
	Fields []string
}

// ParsePayload splits a decoded frame payload into verb + fields. A single
// trailing NUL (as produced by BuildSayRelay) is a terminator, not a field
// separator, and is stripped before splitting.
func ParsePayload(payload []byte) Parsed {
	payload = bytes.TrimSuffix(payload, []byte{0})
	parts := bytes.Split(payload, []byte{0})
	fields := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		fields = append(fields, string(p))
	}
	return Parsed{Verb: Verb(parts[0]), Fields: fields}
}

// BuildJoin constructs a client->server "JOIN\0<channel>" payload.
func BuildJoin(channel string) []byte {
	return joinNUL(string(Join), channel)
}

// BuildSay constructs a client->server "SAY\0<text>" payload.
func BuildSay(text string) []byte {
	return joinNUL(string(Say), text)
}

// BuildSayRelay constructs the server->member fan-out payload
// "SAY\0<author_id>\0<text>\0".
func BuildSayRelay(authorID, text string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s\x00", Say, authorID, text))
}

// BuildExit constructs a bare "EXIT" payload.
func BuildExit() []byte {
	return []byte(Exit)
}

// BuildStandby constructs a "STANDBY\0<peer_id>" payload. The spec leaves
// STANDBY's semantics undefined; the engine accepts and ignores it.
func BuildStandby(peerID string) []byte {
	return joinNUL(string(Standby), peerID)
}

// BuildInvite constructs an "INVITE\0<id1>\0<id2>..." payload.
func BuildInvite(clientIDs ...string) []byte {
	parts := append([]string{string(Invite)}, clientIDs...)
	return []byte(bytesJoin(parts))
}

func joinNUL(verb, field string) []byte {
	return []byte(verb + "\x00" + field)
}

func bytesJoin(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\x00" + p
	}
	return out
}
