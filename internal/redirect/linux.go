// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package redirect

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/relaysteal/agent/internal/wire"
	"github.com/relaysteal/agent/internal/xlog"
)

// soOriginalDst is SO_ORIGINAL_DST from linux/netfilter_ipv4.h; x/sys
// doesn't export it, so we keep the raw numeric value here.
const soOriginalDst = 80

// IPTablesRedirector redirects inbound TCP traffic for a set of ports
// to a single listening socket using iptables NAT rules, and recovers
// the pre-redirection destination via SO_ORIGINAL_DST: one shared
// listener, one NAT rule per stolen port, conntrack-flush of existing
// connections on install when flushExisting is set.
type IPTablesRedirector struct {
	mu            sync.Mutex
	listener      *net.TCPListener
	listenPort    int
	ports         map[wire.Port]struct{}
	flushExisting bool
}

// NewIPTablesRedirector binds a loopback listener and returns a
// Redirector backed by it. flushExisting mirrors
// MIRRORD_AGENT_STEALER_FLUSH_CONNECTIONS: when true, installing a
// redirection also flushes conntrack state for that port so
// already-established connections get redirected too, not just new
// ones.
func NewIPTablesRedirector(flushExisting bool) (*IPTablesRedirector, error) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("redirect: listen: %w", err)
	}
	return &IPTablesRedirector{
		listener:      l,
		listenPort:    l.Addr().(*net.TCPAddr).Port,
		ports:         make(map[wire.Port]struct{}),
		flushExisting: flushExisting,
	}, nil
}

func (r *IPTablesRedirector) AddRedirection(port wire.Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ports[port]; ok {
		return nil // already installed: idempotent
	}

	if err := r.runIptables("-C", port); err == nil {
		// rule already present outside our own bookkeeping (e.g. a
		// leftover from a prior crashed run); adopt it.
		r.ports[port] = struct{}{}
		return nil
	}
	if err := r.runIptables("-A", port); err != nil {
		return fmt.Errorf("redirect: install rule for port %s: %w", port, err)
	}
	r.ports[port] = struct{}{}

	if r.flushExisting {
		if err := r.flushConntrack(port); err != nil {
			xlog.W("redirect: conntrack flush for port %s failed: %v", port, err)
		}
	}
	return nil
}

func (r *IPTablesRedirector) RemoveRedirection(port wire.Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(port)
}

func (r *IPTablesRedirector) removeLocked(port wire.Port) error {
	if _, ok := r.ports[port]; !ok {
		return nil // idempotent: nothing to remove
	}
	if err := r.runIptables("-D", port); err != nil {
		return fmt.Errorf("redirect: remove rule for port %s: %w", port, err)
	}
	delete(r.ports, port)
	return nil
}

func (r *IPTablesRedirector) RemoveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var joined error
	for port := range r.ports {
		if err := r.removeLocked(port); err != nil {
			joined = errors.Join(joined, err)
		}
	}
	return joined
}

func (r *IPTablesRedirector) Close() error {
	err := r.RemoveAll()
	if cerr := r.listener.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (r *IPTablesRedirector) Accept() (net.Conn, netip.AddrPort, error) {
	conn, err := r.listener.AcceptTCP()
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	peer, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.TCPAddr).IP)
	if !ok {
		conn.Close()
		return nil, netip.AddrPort{}, fmt.Errorf("redirect: unparseable peer address %v", conn.RemoteAddr())
	}
	return conn, netip.AddrPortFrom(peer.Unmap(), uint16(conn.RemoteAddr().(*net.TCPAddr).Port)), nil
}

// OrigDst recovers the destination the peer originally dialed, before
// the NAT rule rewrote it to our listening port, via the
// SO_ORIGINAL_DST getsockopt netfilter exposes on redirected sockets.
func (r *IPTablesRedirector) OrigDst(conn net.Conn) (netip.AddrPort, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, ErrNotTCPConn
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("redirect: syscall conn: %w", err)
	}

	var addr netip.AddrPort
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		var sa unix.RawSockaddrInet4
		size := uint32(unsafe.Sizeof(sa))
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.IPPROTO_IP),
			uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&sa)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			sockErr = fmt.Errorf("redirect: getsockopt SO_ORIGINAL_DST: %w", errno)
			return
		}
		ip := netip.AddrFrom4([4]byte{sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]})
		port := uint16(sa.Port>>8) | uint16(sa.Port<<8) // network byte order
		addr = netip.AddrPortFrom(ip, port)
	})
	if ctlErr != nil {
		return netip.AddrPort{}, fmt.Errorf("redirect: control: %w", ctlErr)
	}
	if sockErr != nil {
		return netip.AddrPort{}, sockErr
	}
	return addr, nil
}

var _ Redirector = (*IPTablesRedirector)(nil)

func (r *IPTablesRedirector) runIptables(action string, port wire.Port) error {
	args := []string{
		"-t", "nat", action, "PREROUTING",
		"-p", "tcp",
		"--dport", port.String(),
		"-j", "REDIRECT",
		"--to-port", fmt.Sprintf("%d", r.listenPort),
	}
	cmd := exec.Command("iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %v: %w: %s", args, err, out)
	}
	return nil
}

func (r *IPTablesRedirector) flushConntrack(port wire.Port) error {
	cmd := exec.Command("conntrack", "-D", "-p", "tcp", "--dport", port.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		// conntrack returns non-zero when there's simply nothing to
		// delete; that's not a real failure.
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("conntrack -D: %w: %s", err, out)
	}
	return nil
}
