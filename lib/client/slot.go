// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

import (
	"strings"
	"sync"
)

// slot identifies one of a client's TCP sockets to a server: either the
// control connection (Channel == "") or a channel connection.
//
// State machine per slot: Unknown -> Discovered(control) -> Channel-Open ->
// Removed. Entry to Discovered is a SERVER PDU; entry to Channel-Open is
// either a local Join or an observed SERVER_CHANNELS/SERVER_INVITE; entry to
// Removed is server-timer expiry.
type slot struct {
	ServerID string
	Channel  string
}

func isPrivate(channel string) bool {
	return strings.HasPrefix(channel, "@")
}

// memberSet is a concurrency-safe set of client IDs, looked up from
// lib/client's membership table. The engine only touches it from its action
// loop (CLIENT_MEMBERSHIP and SERVER_INVITE handling, Join, Exit); the set
// carries its own lock regardless.
type memberSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newMemberSet() *memberSet {
	return &memberSet{ids: make(map[string]struct{})}
}

func (s *memberSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *memberSet) remove(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *memberSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}
