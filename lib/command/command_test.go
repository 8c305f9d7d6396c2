// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		BuildJoin("#general"),
		BuildSay("hi there"),
		BuildSayRelay("alice-id", "hi there"),
		BuildExit(),
		BuildStandby("peer-1"),
		BuildInvite("bob", "carol"),
		{},
	}

	for _, want := range payloads {
		framed := Encode(want)
		got, consumed, err := Decode(framed)
		require.NoError(t, err)
		assert.Equal(t, len(framed), consumed)
		assert.Equal(t, want, got)
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, _, err := Decode([]byte{1, 2})
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestDecodeTruncatedBody(t *testing.T) {
	framed := Encode([]byte("SAY\x00hello"))
	_, _, err := Decode(framed[:len(framed)-2])
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestDecodeAccumulation(t *testing.T) {
	framed := Encode([]byte("JOIN\x00#general"))
	// Simulate bytes arriving one at a time: every prefix shorter than the
	// full frame must report ErrTruncated, never a false decode.
	for i := 0; i < len(framed); i++ {
		_, _, err := Decode(framed[:i])
		assert.True(t, errors.Is(err, ErrTruncated), "prefix length %d", i)
	}
	payload, consumed, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, len(framed), consumed)
	assert.Equal(t, []byte("JOIN\x00#general"), payload)
}

func TestParsePayload(t *testing.T) {
	p := ParsePayload(BuildJoin("#general"))
	assert.Equal(t, Join, p.Verb)
	assert.Equal(t, []string{"#general"}, p.Fields)

	p = ParsePayload(BuildSayRelay("alice", "hello world"))
	assert.Equal(t, Say, p.Verb)
	assert.Equal(t, []string{"alice", "hello world"}, p.Fields)

	p = ParsePayload(BuildExit())
	assert.Equal(t, Exit, p.Verb)
	assert.Empty(t, p.Fields)

	p = ParsePayload(BuildInvite("bob", "carol"))
	assert.Equal(t, Invite, p.Verb)
	assert.Equal(t, []string{"bob", "carol"}, p.Fields)
}
