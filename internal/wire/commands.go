// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

// Command is the inbound command set. Go has no sum types, so
// each variant is its own struct implementing this sealed marker
// interface instead of an enum.
type Command interface {
	isCommand()
}

// Envelope pairs a Command with the client it came from. ClientID is
// implicit on the wire for every command except NewClient, whose
// ClientID is assigned by the caller rather than pre-existing.
type Envelope struct {
	ClientID ClientID
	Cmd      Command
}

// NewClientCmd registers a new layer instance and its outbound
// channel.
type NewClientCmd struct {
	Sender          chan<- DaemonTcp
	ProtocolVersion string // semver, e.g. "v1.4.0"
}

// PortSubscribeCmd asks to subscribe the issuing client to a port,
// optionally with an HTTP filter.
type PortSubscribeCmd struct {
	Steal StealType
}

// PortUnsubscribeCmd removes the issuing client's stake in a port.
type PortUnsubscribeCmd struct {
	Port Port
}

// ConnectionUnsubscribeCmd removes one connection from all tables and
// frees its id, regardless of which client issued the command.
type ConnectionUnsubscribeCmd struct {
	ConnectionID ConnectionID
}

// ClientCloseCmd tears down everything owned by the issuing client.
type ClientCloseCmd struct{}

// TcpData is raw bytes addressed to one connection.
type TcpData struct {
	ConnectionID ConnectionID
	Bytes        []byte
}

// ResponseDataCmd writes bytes back out a raw-TCP connection's
// original socket.
type ResponseDataCmd struct {
	Data TcpData
}

// HttpResponseCmd carries a layer's response to a previously-forwarded
// HTTP request, identified by (ConnectionID, RequestID).
type HttpResponseCmd struct {
	ConnectionID ConnectionID
	RequestID    RequestID
	Response     *SerializedResponse
}

// SwitchProtocolVersionCmd updates a client's negotiated wire version.
type SwitchProtocolVersionCmd struct {
	Version string
}

func (NewClientCmd) isCommand()             {}
func (PortSubscribeCmd) isCommand()         {}
func (PortUnsubscribeCmd) isCommand()       {}
func (ConnectionUnsubscribeCmd) isCommand() {}
func (ClientCloseCmd) isCommand()           {}
func (ResponseDataCmd) isCommand()          {}
func (HttpResponseCmd) isCommand()          {}
func (SwitchProtocolVersionCmd) isCommand() {}
