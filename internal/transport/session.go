// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/relaysteal/agent/internal/wire"
	"github.com/relaysteal/agent/internal/xlog"
)

// Session pumps one websocket connection's frames into a
// wire.Envelope channel and drains a wire.DaemonTcp channel back out
// to it. One Session exists per connected client.
type Session struct {
	client wire.ClientID
	conn   *websocket.Conn
}

// Accept upgrades an incoming HTTP request to a websocket and returns
// a Session for it. The caller is expected to have already assigned
// client (the outer agent owns ClientId allocation).
func Accept(w http.ResponseWriter, r *http.Request, client wire.ClientID) (*Session, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return &Session{client: client, conn: conn}, nil
}

// Dial connects to a listening Session as a client, for tests and for
// agents that reach the stealer over a network hop rather than an
// in-process channel.
func Dial(ctx context.Context, url string, client wire.ClientID) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return &Session{client: client, conn: conn}, nil
}

// Close closes the underlying websocket with a normal-closure code.
func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// PumpIn reads frames off the websocket, decodes them into commands,
// and delivers them as Envelopes on out until ctx is canceled or the
// connection closes.
func (s *Session) PumpIn(ctx context.Context, out chan<- wire.Envelope) {
	for {
		var f frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			if ctx.Err() == nil {
				xlog.D("transport: client %s read: %v", s.client, err)
			}
			return
		}
		cmd, err := unmarshalCommand(f)
		if err != nil {
			xlog.W("transport: client %s: %v", s.client, err)
			continue
		}
		select {
		case out <- wire.Envelope{ClientID: s.client, Cmd: cmd}:
		case <-ctx.Done():
			return
		}
	}
}

// PumpOut drains in and writes each message out as a frame until ctx
// is canceled or in is closed.
func (s *Session) PumpOut(ctx context.Context, in <-chan wire.DaemonTcp) {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			f, err := marshalMessage(msg)
			if err != nil {
				xlog.W("transport: client %s: %v", s.client, err)
				continue
			}
			if err := wsjson.Write(ctx, s.conn, f); err != nil {
				xlog.D("transport: client %s write: %v", s.client, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
