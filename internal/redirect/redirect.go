// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package redirect is the Redirector: it installs/removes the
// kernel packet-filter rules that divert inbound traffic for a port to
// the engine's listening socket, and recovers the pre-redirection
// destination from an accepted socket. It's a small interface
// abstracting a kernel-level binding mechanism, with a pluggable
// in-memory double so the port-subscription layer stays generic over
// the concrete implementation and tests can supply a fake.
package redirect

import (
	"errors"
	"net"
	"net/netip"

	"github.com/relaysteal/agent/internal/wire"
)

// ErrNotTCPConn is returned by OrigDst when the socket isn't a real
// *net.TCPConn (e.g. a test double's in-memory pipe that didn't supply
// one).
var ErrNotTCPConn = errors.New("redirect: not a *net.TCPConn")

// ErrNoRedirection names the case of a port with no installed rule. No
// Redirector in this package returns it: RemoveRedirection on such a
// port is a no-op that returns nil, to keep the call idempotent.
var ErrNoRedirection = errors.New("redirect: no redirection installed for port")

// Redirector installs/removes kernel redirection rules for a port and
// recovers the pre-redirection destination from an accepted socket.
// All mutations must be idempotent; on error, implementations must
// leave no partial rules behind (best-effort rollback).
type Redirector interface {
	// AddRedirection installs a rule diverting inbound traffic for
	// port to this Redirector's listening socket. Idempotent.
	AddRedirection(port wire.Port) error
	// RemoveRedirection removes the rule for port. Idempotent: removing
	// an unrecognized port is a no-op, not an error.
	RemoveRedirection(port wire.Port) error
	// RemoveAll removes every installed rule.
	RemoveAll() error
	// OrigDst recovers the pre-redirection destination address of an
	// accepted connection.
	OrigDst(conn net.Conn) (netip.AddrPort, error)
	// Accept yields the next connection on the listening socket, along
	// with the peer's address.
	Accept() (net.Conn, netip.AddrPort, error)
	// Close shuts down the listening socket and removes all rules.
	Close() error
}
