// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package subscribe is Port Subscriptions: the per-port
// arbitration between one unfiltered subscriber or a set of filtered
// subscribers, sitting on top of a Redirector and its listening
// socket: a small guarded registry wrapping an ordered inner
// collection, since first-match-wins arbitration depends on insertion
// order.
package subscribe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/relaysteal/agent/internal/redirect"
	"github.com/relaysteal/agent/internal/wire"
	"github.com/relaysteal/agent/internal/xlog"
)

// DefaultAcceptQueueDepth is the default bound on the fan-in accept
// queue: deep enough to absorb a burst without unbounded memory,
// shallow enough that a stalled Core applies backpressure quickly.
const DefaultAcceptQueueDepth = 4

// Kind tags the two PortSubscription variants. Go has no sum
// types, so Subscriptions.Get returns this tag alongside the payload
// rather than a single interface value.
type Kind int

const (
	// Unfiltered: one exclusive raw-TCP subscriber.
	Unfiltered Kind = iota
	// Filtered: a shared, ordered set of (client, filter) pairs.
	Filtered
	// None: nothing is subscribed to this port.
	None
)

// filterEntry is one slot of a Filtered subscription. The slice
// preserves insertion order rather than a map, because the
// first-match-wins rule is order-sensitive and Go map iteration order
// is undefined.
type filterEntry struct {
	client wire.ClientID
	filter *wire.HttpFilter
}

type portState struct {
	kind       Kind
	unfiltered wire.ClientID
	filtered   []filterEntry
}

// Accepted is one item out of the fan-in accept queue.
type Accepted struct {
	Conn net.Conn
	Peer netip.AddrPort
}

// Subscriptions owns the Redirector and the listening socket, and
// arbitrates per-port subscriptions.
type Subscriptions struct {
	redirector redirect.Redirector

	mu    sync.Mutex
	ports map[wire.Port]*portState

	accepted chan Accepted
	acceptWg sync.WaitGroup
	cancel   context.CancelFunc
}

// New returns a Subscriptions backed by redirector, with a fan-in
// accept queue of the given depth (DefaultAcceptQueueDepth if <= 0). It
// immediately starts a background goroutine pumping the Redirector's
// Accept loop into the fan-in queue.
func New(redirector redirect.Redirector, queueDepth int) *Subscriptions {
	if queueDepth <= 0 {
		queueDepth = DefaultAcceptQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriptions{
		redirector: redirector,
		ports:      make(map[wire.Port]*portState),
		accepted:   make(chan Accepted, queueDepth),
		cancel:     cancel,
	}
	s.acceptWg.Add(1)
	go s.acceptLoop(ctx)
	return s
}

func (s *Subscriptions) acceptLoop(ctx context.Context) {
	defer s.acceptWg.Done()
	for {
		conn, peer, err := s.redirector.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A genuine accept-side error on the listening socket is
			// fatal (§7): close the fan-in queue so Core's `ok == false`
			// path fires instead of the Core running on forever, starved
			// of all future connections with no indication anything died.
			xlog.E("subscribe: fatal accept error, closing accept queue: %v", err)
			close(s.accepted)
			return
		}
		select {
		case s.accepted <- Accepted{Conn: conn, Peer: peer}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Accepted exposes the fan-in accept queue directly, for callers (the
// Stealer Core) that want to multiplex it into a larger select alongside
// other channels rather than polling NextConnection in a loop.
func (s *Subscriptions) Accepted() <-chan Accepted {
	return s.accepted
}

// NextConnection yields the next accepted connection. It is cancel-safe:
// abandoning a NextConnection call (e.g. a select picking a different
// branch) drops nothing, since the value hasn't left the channel.
func (s *Subscriptions) NextConnection(ctx context.Context) (Accepted, error) {
	select {
	case a := <-s.accepted:
		return a, nil
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	}
}

// Add registers client's interest in port, optionally under filter
// (nil means an unfiltered, exclusive claim). A new port gets its
// redirection installed; an Unfiltered port rejects with ErrPortTaken; a
// Filtered port rejects a nil filter with ErrPortNeedsFilter and a
// client already in its set with ErrClientAlreadySubscribed.
func (s *Subscriptions) Add(client wire.ClientID, port wire.Port, filter *wire.HttpFilter) *wire.SubscribeError {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.ports[port]
	if !exists {
		if err := s.redirector.AddRedirection(port); err != nil {
			return &wire.SubscribeError{Kind: wire.ErrRedirectionFailed, Detail: err.Error()}
		}
		st = &portState{}
		if filter == nil {
			st.kind = Unfiltered
			st.unfiltered = client
		} else {
			st.kind = Filtered
			st.filtered = []filterEntry{{client: client, filter: filter}}
		}
		s.ports[port] = st
		return nil
	}

	switch st.kind {
	case Unfiltered:
		return &wire.SubscribeError{Kind: wire.ErrPortTaken}
	case Filtered:
		if filter == nil {
			return &wire.SubscribeError{Kind: wire.ErrPortNeedsFilter}
		}
		for _, e := range st.filtered {
			if e.client == client {
				return &wire.SubscribeError{Kind: wire.ErrClientAlreadySubscribed}
			}
		}
		st.filtered = append(st.filtered, filterEntry{client: client, filter: filter})
		return nil
	default:
		return &wire.SubscribeError{Kind: wire.ErrPortTaken, Detail: "unreachable port state"}
	}
}

// Remove drops client's stake in port. When the port is left with no
// subscribers, its redirection is torn down. A client removing a stake
// it never held is a no-op.
func (s *Subscriptions) Remove(client wire.ClientID, port wire.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(client, port)
}

func (s *Subscriptions) removeLocked(client wire.ClientID, port wire.Port) {
	st, ok := s.ports[port]
	if !ok {
		return
	}

	empty := false
	switch st.kind {
	case Unfiltered:
		if st.unfiltered == client {
			empty = true
		}
	case Filtered:
		out := st.filtered[:0]
		for _, e := range st.filtered {
			if e.client != client {
				out = append(out, e)
			}
		}
		st.filtered = out
		empty = len(st.filtered) == 0
	}

	if empty {
		delete(s.ports, port)
		if err := s.redirector.RemoveRedirection(port); err != nil {
			xlog.W("subscribe: remove redirection for port %s: %v", port, err)
		}
	}
}

// RemoveAll drops every stake client holds, across all ports.
func (s *Subscriptions) RemoveAll(client wire.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for port, st := range s.ports {
		switch st.kind {
		case Unfiltered:
			if st.unfiltered == client {
				s.removeLocked(client, port)
			}
		case Filtered:
			for _, e := range st.filtered {
				if e.client == client {
					s.removeLocked(client, port)
					break
				}
			}
		}
	}
}

// Snapshot is a point-in-time copy of a port's subscription, safe to
// read without holding Subscriptions' lock.
type Snapshot struct {
	Kind       Kind
	Unfiltered wire.ClientID
	// Filtered is ordered: first-match-wins evaluation must walk it in
	// this order.
	Filtered []FilteredEntry
}

// FilteredEntry is one (client, filter) pair of a Filtered snapshot.
type FilteredEntry struct {
	Client wire.ClientID
	Filter *wire.HttpFilter
}

// Get returns a snapshot of port's current subscription state.
func (s *Subscriptions) Get(port wire.Port) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.ports[port]
	if !ok {
		return Snapshot{Kind: None}
	}
	switch st.kind {
	case Unfiltered:
		return Snapshot{Kind: Unfiltered, Unfiltered: st.unfiltered}
	case Filtered:
		out := make([]FilteredEntry, len(st.filtered))
		for i, e := range st.filtered {
			out[i] = FilteredEntry{Client: e.client, Filter: e.filter}
		}
		return Snapshot{Kind: Filtered, Filtered: out}
	default:
		return Snapshot{Kind: None}
	}
}

// OrigDst recovers the pre-redirection destination of an accepted
// connection.
func (s *Subscriptions) OrigDst(conn net.Conn) (netip.AddrPort, error) {
	addr, err := s.redirector.OrigDst(conn)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("subscribe: orig dst: %w", err)
	}
	return addr, nil
}

// Close tears down the accept loop and every installed redirection.
func (s *Subscriptions) Close() error {
	s.cancel()
	err := s.redirector.Close()
	s.acceptWg.Wait()
	return err
}
