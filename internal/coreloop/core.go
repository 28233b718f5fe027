// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package coreloop is the Stealer Core: the single event loop
// that owns every per-connection and per-client table and multiplexes
// commands, accepted connections, remote reads, filter requests, and
// filter closes, one struct holding every shared table and built once
// via NewCore. Each raw-TCP connection gets its own read-pump goroutine
// forwarding chunks onto a shared channel, standing in for a
// single-threaded fan-in read multiplex.
package coreloop

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/relaysteal/agent/internal/alloc"
	"github.com/relaysteal/agent/internal/httpfilter"
	"github.com/relaysteal/agent/internal/idle"
	"github.com/relaysteal/agent/internal/redirect"
	"github.com/relaysteal/agent/internal/registry"
	"github.com/relaysteal/agent/internal/subscribe"
	"github.com/relaysteal/agent/internal/wire"
	"github.com/relaysteal/agent/internal/xlog"
)

// ConnectionIDCap is the fixed index-allocator cap.
const ConnectionIDCap = 100

// RequestChannelDepth is the bound on the Filter Task -> Core request
// channel.
const RequestChannelDepth = 1024

// CloseChannelDepth is the bound on the Filter Task -> Core close
// channel.
const CloseChannelDepth = 1024

// HTTPIdleTimeout closes a filtered connection that has gone this long
// without a new request. It is an implementation choice, not a steal
// protocol requirement: the Filter Task always emits exactly one close
// notification regardless of whether it fired from idle, EOF, or error.
const HTTPIdleTimeout = 2 * time.Minute

type readEvent struct {
	id   wire.ConnectionID
	data []byte
	err  error
}

type responseKey struct {
	conn wire.ConnectionID
	req  wire.RequestID
}

// rawConnection is the per-connection state for a raw-TCP (Unfiltered)
// connection: the split socket plus the owning client.
type rawConnection struct {
	conn   net.Conn
	client wire.ClientID
}

// Core is the Stealer Core. Build one with NewCore and run it with Run;
// Run blocks until ctx is canceled, the command channel closes, or the
// accept queue closes.
type Core struct {
	subs     *subscribe.Subscriptions
	ids      *alloc.Allocator
	clients  *registry.Registry
	commands <-chan wire.Envelope

	httpRequestCh chan httpfilter.Request
	httpCloseCh   chan wire.ConnectionID
	readCh        chan readEvent
	httpIdle      *idle.Tracker[wire.ConnectionID]

	mu sync.Mutex // guards everything below; Core is single-threaded logically but tests/pumps touch it from goroutines

	rawConns        map[wire.ConnectionID]*rawConnection
	httpConnClients map[wire.ConnectionID]map[wire.ClientID]struct{}
	responseSenders map[responseKey]chan<- *wire.SerializedResponse
	clientConns     map[wire.ClientID]map[wire.ConnectionID]struct{}

	// filterConns is teardown-only bookkeeping: the Core never reads or
	// writes a filtered connection's socket (the Filter Task owns it
	// outright, per §4.D), but Run's shutdown still needs a handle on it
	// to force-close the socket, since a blocked http.ReadRequest has no
	// ctx-awareness of its own.
	filterConns map[wire.ConnectionID]net.Conn
}

// NewCore builds a Core on top of redirector, with commands as the
// inbound command channel. queueDepth is the Port Subscriptions' accept
// queue depth (subscribe.DefaultAcceptQueueDepth if <= 0).
func NewCore(redirector redirect.Redirector, commands <-chan wire.Envelope, queueDepth int) *Core {
	return &Core{
		subs:            subscribe.New(redirector, queueDepth),
		ids:             alloc.New(ConnectionIDCap),
		clients:         registry.New(),
		commands:        commands,
		httpRequestCh:   make(chan httpfilter.Request, RequestChannelDepth),
		httpCloseCh:     make(chan wire.ConnectionID, CloseChannelDepth),
		readCh:          make(chan readEvent, RequestChannelDepth),
		httpIdle:        idle.New[wire.ConnectionID](),
		rawConns:        make(map[wire.ConnectionID]*rawConnection),
		httpConnClients: make(map[wire.ConnectionID]map[wire.ClientID]struct{}),
		responseSenders: make(map[responseKey]chan<- *wire.SerializedResponse),
		clientConns:     make(map[wire.ClientID]map[wire.ConnectionID]struct{}),
		filterConns:     make(map[wire.ConnectionID]net.Conn),
	}
}

// Run is the six-armed cancel-safe multiplex. It returns when
// ctx is canceled, the command channel is closed by the outer agent, or
// the accept queue is closed after a fatal accept error.
// On every exit path every table is dropped and every socket the Core
// knows about — raw-TCP connections and Filter Task connections alike
// — is force-closed, so no goroutine or fd survives the loop.
func (c *Core) Run(ctx context.Context) {
	// The context handed to read pumps and Filter Tasks is canceled when
	// Run returns, whichever way it exits.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-c.commands:
			if !ok {
				return
			}
			c.handleCommand(env)

		case a, ok := <-c.subs.Accepted():
			if !ok {
				return
			}
			c.handleAccept(ctx, a)

		case ev := <-c.readCh:
			c.handleRead(ev)

		case req := <-c.httpRequestCh:
			c.handleHTTPRequest(req)

		case id := <-c.httpCloseCh:
			c.handleHTTPClose(id)
		}
	}
}

// shutdown tears the Core down: it stops the Redirector's accept loop
// and removes every installed redirection, then force-closes every
// live raw-TCP and filtered socket the Core is still holding a handle
// on. A Filter Task blocked in http.ReadRequest has no ctx-awareness of
// its own, so closing its socket here is what actually unblocks it;
// pumpReads goroutines unblock the same way.
func (c *Core) shutdown() {
	c.subs.Close()

	c.mu.Lock()
	conns := make([]net.Conn, 0, len(c.rawConns)+len(c.filterConns))
	for _, rc := range c.rawConns {
		conns = append(conns, rc.conn)
	}
	for _, conn := range c.filterConns {
		conns = append(conns, conn)
	}
	c.rawConns = make(map[wire.ConnectionID]*rawConnection)
	c.filterConns = make(map[wire.ConnectionID]net.Conn)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// handleAccept fans accepted connections out to either a raw-TCP steal or a filter task spawn.
func (c *Core) handleAccept(ctx context.Context, a subscribe.Accepted) {
	origDst, err := c.subs.OrigDst(a.Conn)
	if err != nil {
		xlog.W("coreloop: orig dst lookup failed: %v", err)
		a.Conn.Close()
		return
	}
	// Only the original destination's port is used, for the subscription
	// lookup; its address is not rewritten to loopback and is never
	// dialed from here.
	port := wire.Port(origDst.Port())

	snap := c.subs.Get(port)
	switch snap.Kind {
	case subscribe.Unfiltered:
		c.stealConnection(ctx, snap.Unfiltered, a, port)
	case subscribe.Filtered:
		c.spawnFilterTask(ctx, a, port, snap.Filtered)
	default:
		a.Conn.Close() // race with port_unsubscribe: legitimate, silent drop
	}
}

func (c *Core) stealConnection(ctx context.Context, client wire.ClientID, a subscribe.Accepted, port wire.Port) {
	id, err := c.ids.Next()
	if err != nil {
		xlog.Warn().Str("port", port.String()).Err(err).Msg("coreloop: connection id exhausted, dropping accepted socket")
		a.Conn.Close()
		return
	}

	localAddr, _ := addrFromNet(a.Conn.LocalAddr())

	c.mu.Lock()
	c.rawConns[wire.ConnectionID(id)] = &rawConnection{conn: a.Conn, client: client}
	if c.clientConns[client] == nil {
		c.clientConns[client] = make(map[wire.ConnectionID]struct{})
	}
	c.clientConns[client][wire.ConnectionID(id)] = struct{}{}
	c.mu.Unlock()

	go c.pumpReads(ctx, wire.ConnectionID(id), a.Conn)

	msg := wire.NewConnection{
		ConnectionID:    wire.ConnectionID(id),
		DestinationPort: port,
		SourcePort:      wire.Port(a.Peer.Port()),
		RemoteAddress:   a.Peer.Addr(),
		LocalAddress:    localAddr,
	}
	if err := c.clients.Send(client, msg); err != nil {
		// Race against client close: revoke and clean up.
		xlog.Warn().Str("client_id", client.String()).Int("connection_id", id).
			Msg("coreloop: client gone right after accept, rolling back connection")
		c.removeConnection(wire.ConnectionID(id))
		c.closeClient(client)
	}
}

func (c *Core) spawnFilterTask(ctx context.Context, a subscribe.Accepted, port wire.Port, filters []subscribe.FilteredEntry) {
	id, err := c.ids.Next()
	if err != nil {
		xlog.W("coreloop: connection id exhausted, dropping filtered socket: %v", err)
		a.Conn.Close()
		return
	}

	c.mu.Lock()
	c.filterConns[wire.ConnectionID(id)] = a.Conn
	c.mu.Unlock()

	task := httpfilter.New(a.Conn, wire.ConnectionID(id), port, a.Peer, filters, c.httpRequestCh, c.httpCloseCh, HTTPIdleTimeout, c.httpIdle)
	go task.Run(ctx)
}

// handleRead implements the remote-read branch.
func (c *Core) handleRead(ev readEvent) {
	c.mu.Lock()
	rc, ok := c.rawConns[ev.id]
	c.mu.Unlock()
	if !ok {
		return // already torn down (ConnectionUnsubscribe/ClientClose raced ahead)
	}

	if ev.err == nil {
		if sendErr := c.clients.Send(rc.client, wire.Data{ConnectionID: ev.id, Bytes: ev.data}); sendErr != nil {
			xlog.Debug().Int("connection_id", int(ev.id)).Err(sendErr).Msg("coreloop: send data for connection")
		}
		return
	}

	if ev.err != io.EOF {
		xlog.Debug().Int("connection_id", int(ev.id)).Err(ev.err).Msg("coreloop: connection read error")
	}
	if sendErr := c.clients.Send(rc.client, wire.Close{ConnectionID: ev.id}); sendErr != nil {
		xlog.D("coreloop: send close for connection %d: %v", ev.id, sendErr)
	}
	c.removeConnection(ev.id)
}

// handleHTTPRequest implements the filter-request branch.
func (c *Core) handleHTTPRequest(req httpfilter.Request) {
	if !c.clients.Has(req.ClientID) {
		close(req.ResponseCh) // client gone: the task's select sees a closed sink
		return
	}

	c.mu.Lock()
	if c.httpConnClients[req.ConnectionID] == nil {
		c.httpConnClients[req.ConnectionID] = make(map[wire.ClientID]struct{})
	}
	c.httpConnClients[req.ConnectionID][req.ClientID] = struct{}{}
	c.responseSenders[responseKey{conn: req.ConnectionID, req: req.RequestID}] = req.ResponseCh
	c.mu.Unlock()

	version, _ := c.clients.Version(req.ClientID)

	var msg wire.DaemonTcp
	if wire.SupportsFramedHttp(version) {
		msg = wire.HttpRequestFramed{ConnectionID: req.ConnectionID, RequestID: req.RequestID, Port: req.Port, Request: req.Request}
	} else {
		msg = wire.HttpRequestFallback{ConnectionID: req.ConnectionID, RequestID: req.RequestID, Port: req.Port, Request: req.Request}
	}

	if err := c.clients.Send(req.ClientID, msg); err != nil {
		xlog.D("coreloop: forward http request for connection %d: %v", req.ConnectionID, err)
	}
}

// handleHTTPClose implements the filter-close branch.
func (c *Core) handleHTTPClose(id wire.ConnectionID) {
	c.mu.Lock()
	clientSet := c.httpConnClients[id]
	delete(c.httpConnClients, id)
	delete(c.filterConns, id)
	for k := range c.responseSenders {
		if k.conn == id {
			delete(c.responseSenders, k)
		}
	}
	c.mu.Unlock()

	for client := range clientSet {
		if err := c.clients.Send(client, wire.Close{ConnectionID: id}); err != nil {
			xlog.D("coreloop: send filtered close for connection %d to client %s: %v", id, client, err)
		}
	}
	c.ids.Free(int(id))
}

// pumpReads forwards conn's bytes onto the shared read-event channel
// until EOF, a read error, or ctx is canceled. Every send is guarded by
// ctx.Done() so that, once Run has exited and stopped draining readCh,
// this goroutine still exits instead of blocking on a full buffer
// forever — closing conn (via Core.shutdown) unblocks the Read itself.
func (c *Core) pumpReads(ctx context.Context, id wire.ConnectionID, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.readCh <- readEvent{id: id, data: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case c.readCh <- readEvent{id: id, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// removeConnection drops every table entry for id and frees it (shared
// by read-EOF, ConnectionUnsubscribe, and ClientClose handling).
func (c *Core) removeConnection(id wire.ConnectionID) {
	c.mu.Lock()
	rc, ok := c.rawConns[id]
	if ok {
		delete(c.rawConns, id)
		if set := c.clientConns[rc.client]; set != nil {
			delete(set, id)
		}
	}
	c.mu.Unlock()

	if ok {
		// Write half first, then the rest of the socket.
		if hc, isHalfCloser := rc.conn.(interface{ CloseWrite() error }); isHalfCloser {
			hc.CloseWrite()
		}
		rc.conn.Close()
	}
	c.ids.Free(int(id))
}

func addrFromNet(a net.Addr) (netip.Addr, bool) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
