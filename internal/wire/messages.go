// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

import "net/netip"

// DaemonTcp is the outbound message set sent to a single client.
type DaemonTcp interface {
	isDaemonTcp()
}

// NewConnection announces a freshly-stolen raw-TCP connection.
type NewConnection struct {
	ConnectionID    ConnectionID
	DestinationPort Port
	SourcePort      Port
	RemoteAddress   netip.Addr
	LocalAddress    netip.Addr
}

// Data carries bytes read from a raw-TCP connection's remote peer.
type Data struct {
	ConnectionID ConnectionID
	Bytes        []byte
}

// Close announces that a connection id is gone; exactly one is sent
// per id, to every client that ever saw that id.
type Close struct {
	ConnectionID ConnectionID
}

// SerializedRequest is the HTTP codec's handoff shape: the request
// line, headers, and a fully-buffered body (buffering the body is what
// lets the request cross the channel to a remote client and back,
// since net/http.Request's body is a one-shot io.ReadCloser tied to
// the accepted connection).
type SerializedRequest struct {
	Method  string
	Path    string
	Version string // e.g. "HTTP/1.1"
	Headers map[string][]string
	Body    []byte
}

// SerializedResponse is the corresponding response handoff shape.
type SerializedResponse struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// HttpRequestFallback is the pre-framed-version form of a stolen HTTP
// request (sent to clients below HTTP_FRAMED_VERSION).
type HttpRequestFallback struct {
	ConnectionID ConnectionID
	RequestID    RequestID
	Port         Port
	Request      SerializedRequest
}

// HttpRequestFramed is the framed-protocol-version form of the same
// event (sent to clients at/above HTTP_FRAMED_VERSION).
type HttpRequestFramed struct {
	ConnectionID ConnectionID
	RequestID    RequestID
	Port         Port
	Request      SerializedRequest
}

// SubscribeResult answers exactly one PortSubscribeCmd.
type SubscribeResult struct {
	Err *SubscribeError // nil on success
}

func (NewConnection) isDaemonTcp()       {}
func (Data) isDaemonTcp()                {}
func (Close) isDaemonTcp()               {}
func (HttpRequestFallback) isDaemonTcp() {}
func (HttpRequestFramed) isDaemonTcp()   {}
func (SubscribeResult) isDaemonTcp()     {}
