// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transport carries wire.Envelope commands and wire.DaemonTcp
// messages between the Stealer Core and one outer-agent client over a
// websocket, standing in for the outer RPC/control-plane plumbing a
// full agent would provide. Built on nhooyr.io/websocket.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/relaysteal/agent/internal/wire"
)

// frame is the wire envelope for every JSON message: a discriminant
// tag plus the type-specific payload. Go's marker-interface commands
// and messages have no native discriminant, so the codec supplies one.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func marshalCommand(cmd wire.Command) (frame, error) {
	// NewClientCmd carries a live Go channel that has no JSON form; the
	// session itself supplies Sender on the receiving end, so only the
	// negotiated version crosses the wire.
	if nc, ok := cmd.(wire.NewClientCmd); ok {
		payload, err := json.Marshal(clientHello{ProtocolVersion: nc.ProtocolVersion})
		if err != nil {
			return frame{}, fmt.Errorf("transport: marshal new_client: %w", err)
		}
		return frame{Type: "new_client", Payload: payload}, nil
	}

	var typ string
	switch cmd.(type) {
	case wire.PortSubscribeCmd:
		typ = "port_subscribe"
	case wire.PortUnsubscribeCmd:
		typ = "port_unsubscribe"
	case wire.ConnectionUnsubscribeCmd:
		typ = "connection_unsubscribe"
	case wire.ClientCloseCmd:
		typ = "client_close"
	case wire.ResponseDataCmd:
		typ = "response_data"
	case wire.HttpResponseCmd:
		typ = "http_response"
	case wire.SwitchProtocolVersionCmd:
		typ = "switch_protocol_version"
	default:
		return frame{}, fmt.Errorf("transport: unrecognized command %T", cmd)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return frame{}, fmt.Errorf("transport: marshal %s: %w", typ, err)
	}
	return frame{Type: typ, Payload: payload}, nil
}

func unmarshalCommand(f frame) (wire.Command, error) {
	switch f.Type {
	case "new_client":
		var c clientHello
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, err
		}
		return wire.NewClientCmd{ProtocolVersion: c.ProtocolVersion}, nil
	case "port_subscribe":
		var c struct {
			Steal wire.StealType `json:"steal"`
		}
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, err
		}
		return wire.PortSubscribeCmd{Steal: c.Steal}, nil
	case "port_unsubscribe":
		var c wire.PortUnsubscribeCmd
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "connection_unsubscribe":
		var c wire.ConnectionUnsubscribeCmd
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "client_close":
		return wire.ClientCloseCmd{}, nil
	case "response_data":
		var c wire.ResponseDataCmd
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "http_response":
		var c wire.HttpResponseCmd
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "switch_protocol_version":
		var c wire.SwitchProtocolVersionCmd
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("transport: unrecognized command frame type %q", f.Type)
	}
}

// clientHello is new_client's payload; the sender channel has no wire
// representation, it's supplied by the session itself.
type clientHello struct {
	ProtocolVersion string `json:"protocol_version"`
}

func marshalMessage(msg wire.DaemonTcp) (frame, error) {
	var typ string
	switch msg.(type) {
	case wire.NewConnection:
		typ = "new_connection"
	case wire.Data:
		typ = "data"
	case wire.Close:
		typ = "close"
	case wire.HttpRequestFallback:
		typ = "http_request_fallback"
	case wire.HttpRequestFramed:
		typ = "http_request_framed"
	case wire.SubscribeResult:
		typ = "subscribe_result"
	default:
		return frame{}, fmt.Errorf("transport: unrecognized message %T", msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return frame{}, fmt.Errorf("transport: marshal %s: %w", typ, err)
	}
	return frame{Type: typ, Payload: payload}, nil
}
