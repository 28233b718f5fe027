// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package redirect

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/relaysteal/agent/internal/wire"
)

// Fake is an in-memory Redirector double, so the port-subscription
// layer stays generic over the concrete implementation and tests can
// supply this instead of touching real iptables rules. Tests dial in
// via Inject and record the address the dialed connection should
// appear to have originally targeted.
type Fake struct {
	mu      sync.Mutex
	ports   map[wire.Port]struct{}
	closed  bool
	conns   chan fakeConn
	origDst map[net.Conn]netip.AddrPort
}

type fakeConn struct {
	conn net.Conn
	peer netip.AddrPort
}

// NewFake returns an empty Fake redirector.
func NewFake() *Fake {
	return &Fake{
		ports:   make(map[wire.Port]struct{}),
		conns:   make(chan fakeConn, 16),
		origDst: make(map[net.Conn]netip.AddrPort),
	}
}

// Inject hands conn to a pending or future Accept call, as if it had
// arrived on the redirected listener from peer and had originally been
// addressed to origDst.
func (f *Fake) Inject(conn net.Conn, peer, origDst netip.AddrPort) {
	f.mu.Lock()
	f.origDst[conn] = origDst
	f.mu.Unlock()
	f.conns <- fakeConn{conn: conn, peer: peer}
}

func (f *Fake) AddRedirection(port wire.Port) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports[port] = struct{}{}
	return nil
}

func (f *Fake) RemoveRedirection(port wire.Port) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ports, port)
	return nil
}

func (f *Fake) RemoveAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = make(map[wire.Port]struct{})
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.conns)
	}
	f.ports = make(map[wire.Port]struct{})
	return nil
}

func (f *Fake) Accept() (net.Conn, netip.AddrPort, error) {
	fc, ok := <-f.conns
	if !ok {
		return nil, netip.AddrPort{}, errors.New("redirect: fake closed")
	}
	return fc.conn, fc.peer, nil
}

func (f *Fake) OrigDst(conn net.Conn) (netip.AddrPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.origDst[conn]
	if !ok {
		return netip.AddrPort{}, ErrNotTCPConn
	}
	return addr, nil
}

// IsRedirected reports whether port currently has a rule installed;
// test-only introspection the real iptables-backed implementation has
// no equivalent for.
func (f *Fake) IsRedirected(port wire.Port) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ports[port]
	return ok
}

var _ Redirector = (*Fake)(nil)
