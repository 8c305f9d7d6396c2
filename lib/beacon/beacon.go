// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package beacon implements the InstantSOUP Announcer: it binds the fixed
// multicast group/port (spec §4.2, §6), joins the group with loopback
// enabled on every up, multicast-capable interface, and exposes Send/Recv
// to the client and server engines.
package beacon

import (
	"errors"
	"net"
)

// GroupAddress and Port are the spec's fixed multicast rendezvous point.
const (
	GroupAddress = "239.255.99.63"
	Port         = 55555
)

var errNoInterfaces = errors.New("no multicast interfaces available")

type recv struct {
	data []byte
	src  net.Addr
}

// Interface is what client and server engines depend on; it is satisfied
// by Multicast and can be faked in tests.
type Interface interface {
	Send(data []byte)
	Recv() ([]byte, net.Addr)
}
