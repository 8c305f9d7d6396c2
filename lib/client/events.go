// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

// PeerEvent is the Data payload for events.ClientNew, events.ClientRemoved,
// and events.NickChanged.
type PeerEvent struct {
	ID       string
	Nickname string
}

// ServerEvent is the Data payload for events.ServerNew and
// events.ServerRemoved.
type ServerEvent struct {
	ServerID string
}

// MembershipEvent is the Data payload for events.MembershipChanged.
type MembershipEvent struct {
	ServerID string
	Channel  string
}

// MessageEvent is the Data payload for events.MessageReceived.
type MessageEvent struct {
	ServerID string
	Channel  string
	Line     string
}
