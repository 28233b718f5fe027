// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package coreloop

import (
	"github.com/relaysteal/agent/internal/wire"
	"github.com/relaysteal/agent/internal/xlog"
)

// handleCommand dispatches one inbound Envelope (the command
// handlers, (enumerated in the external command set).
func (c *Core) handleCommand(env wire.Envelope) {
	switch cmd := env.Cmd.(type) {
	case wire.NewClientCmd:
		c.clients.Add(env.ClientID, cmd.Sender, cmd.ProtocolVersion)

	case wire.PortSubscribeCmd:
		c.portSubscribe(env.ClientID, cmd.Steal)

	case wire.PortUnsubscribeCmd:
		c.subs.Remove(env.ClientID, cmd.Port)

	case wire.ConnectionUnsubscribeCmd:
		c.removeConnection(cmd.ConnectionID)

	case wire.ClientCloseCmd:
		c.closeClient(env.ClientID)

	case wire.ResponseDataCmd:
		c.responseData(cmd.Data)

	case wire.HttpResponseCmd:
		c.httpResponse(cmd.ConnectionID, cmd.RequestID, cmd.Response)

	case wire.SwitchProtocolVersionCmd:
		c.clients.SwitchVersion(env.ClientID, cmd.Version)

	default:
		xlog.W("coreloop: unrecognized command %T from client %s", cmd, env.ClientID)
	}
}

// portSubscribe compiles the requested filter (if any) and calls
// Subscriptions.Add, replying with a SubscribeResult either way — the
// client is always informed.
func (c *Core) portSubscribe(client wire.ClientID, steal wire.StealType) {
	var filter *wire.HttpFilter
	var compileErr *wire.SubscribeError

	switch steal.Kind {
	case wire.StealAll:
		// no filter.
	case wire.StealFilteredHttp:
		f, err := wire.NewHeaderFilter(steal.Regex)
		if err != nil {
			compileErr = &wire.SubscribeError{Kind: wire.ErrBadHttpFilterRegex, Detail: err.Error()}
		} else {
			filter = f
		}
	case wire.StealFilteredHttpEx:
		f, err := wire.NewExtendedFilter(steal.Ex)
		if err != nil {
			compileErr = &wire.SubscribeError{Kind: wire.ErrBadHttpFilterExRegex, Detail: err.Error()}
		} else {
			filter = f
		}
	}

	var result wire.SubscribeResult
	if compileErr != nil {
		result.Err = compileErr
	} else {
		result.Err = c.subs.Add(client, steal.Port, filter)
	}

	if err := c.clients.Send(client, result); err != nil {
		xlog.D("coreloop: send subscribe result to client %s: %v", client, err)
	}
}

// closeClient is the ClientClose handler: unsubscribe from every
// port, close and remove every raw-TCP connection the client owned,
// then drop it from the registry.
func (c *Core) closeClient(client wire.ClientID) {
	c.subs.RemoveAll(client)

	c.mu.Lock()
	owned := c.clientConns[client]
	delete(c.clientConns, client)
	ids := make([]wire.ConnectionID, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.removeConnection(id)
	}

	c.clients.Remove(client)
}

// responseData is the ResponseData handler: write bytes back out the
// raw-TCP connection's original socket. A missing id is a log-and-drop
// (the client raced with a close).
func (c *Core) responseData(data wire.TcpData) {
	c.mu.Lock()
	rc, ok := c.rawConns[data.ConnectionID]
	c.mu.Unlock()

	if !ok {
		xlog.Debug().Int("connection_id", int(data.ConnectionID)).Msg("coreloop: response data for unknown connection")
		return
	}
	if _, err := rc.conn.Write(data.Bytes); err != nil {
		xlog.Debug().Int("connection_id", int(data.ConnectionID)).Err(err).Msg("coreloop: write response data for connection")
	}
}

// httpResponse is the HttpResponse handler: pop the one-shot sink for
// (connectionID, requestID) and forward. Warns but never propagates if
// the sink is already gone (the Filter Task gave up waiting).
func (c *Core) httpResponse(connectionID wire.ConnectionID, requestID wire.RequestID, resp *wire.SerializedResponse) {
	key := responseKey{conn: connectionID, req: requestID}

	c.mu.Lock()
	sender, ok := c.responseSenders[key]
	if ok {
		delete(c.responseSenders, key)
	}
	c.mu.Unlock()

	if !ok {
		xlog.Warn().Int("connection_id", int(connectionID)).Int("request_id", int(requestID)).
			Msg("coreloop: http response for unknown connection/request")
		return
	}
	sender <- resp
}
