// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package httpfilter is the HTTP Filter Task: a per-connection
// state machine that owns an accepted raw socket outright, parses
// HTTP/1.1 requests off it, matches them against a port's filters in
// insertion order, forwards the first match into the Core's request
// channel, and writes back whatever response eventually arrives
// (parse -> match -> forward -> await response -> write -> repeat).
// Parsing and serialization run on stdlib net/http's own
// ReadRequest/Response.Write rather than a hand-rolled HTTP/1.1 codec.
package httpfilter

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/relaysteal/agent/internal/idle"
	"github.com/relaysteal/agent/internal/subscribe"
	"github.com/relaysteal/agent/internal/wire"
	"github.com/relaysteal/agent/internal/xlog"
)

// Request is what the task hands to the Core for each matched request.
// ResponseCh is the one-shot sink the task blocks on afterward.
type Request struct {
	ConnectionID wire.ConnectionID
	RequestID    wire.RequestID
	ClientID     wire.ClientID
	Port         wire.Port
	Request      wire.SerializedRequest
	ResponseCh   chan<- *wire.SerializedResponse
}

// Task runs one accepted, filtered connection end to end. It is the
// sole writer and reader of conn.
type Task struct {
	conn         net.Conn
	connectionID wire.ConnectionID
	port         wire.Port
	realAddr     netip.AddrPort
	filters      []subscribe.FilteredEntry

	requestCh chan<- Request
	closeCh   chan<- wire.ConnectionID

	// idleTracker, if non-nil and idleTimeout > 0, force-closes conn
	// when no request has arrived for idleTimeout.
	idleTimeout time.Duration
	idleTracker *idle.Tracker[wire.ConnectionID]

	nextRequestID atomic.Uint32
}

// New constructs a Task. filters must already be the port's ordered
// snapshot at accept time: a later PortSubscribe/PortUnsubscribe does
// not retroactively affect an in-flight connection. idleTimeout, if
// non-zero, force-closes the connection after that long without a new
// request arriving; zero disables the idle timeout.
func New(conn net.Conn, connectionID wire.ConnectionID, port wire.Port, realAddr netip.AddrPort, filters []subscribe.FilteredEntry, requestCh chan<- Request, closeCh chan<- wire.ConnectionID, idleTimeout time.Duration, idleTracker *idle.Tracker[wire.ConnectionID]) *Task {
	return &Task{
		conn:         conn,
		connectionID: connectionID,
		port:         port,
		realAddr:     realAddr,
		filters:      filters,
		requestCh:    requestCh,
		closeCh:      closeCh,
		idleTimeout:  idleTimeout,
		idleTracker:  idleTracker,
	}
}

// Run drives the task until EOF, a fatal protocol error, or ctx is
// canceled. It sends at most one close notification before returning:
// exactly one unless ctx is canceled, in which case the send may be
// skipped.
func (t *Task) Run(ctx context.Context) {
	defer func() {
		if t.idleTracker != nil {
			t.idleTracker.Remove(t.connectionID)
		}
		t.conn.Close()
		select {
		case t.closeCh <- t.connectionID:
		case <-ctx.Done():
		}
	}()

	br := bufio.NewReader(t.conn)
	for {
		if t.idleTracker != nil && t.idleTimeout > 0 {
			t.idleTracker.Touch(t.connectionID, t.idleTimeout, func() { t.conn.Close() })
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF {
				xlog.D("httpfilter: connection %s: read request: %v", t.connectionID, err)
			}
			return
		}
		req.RemoteAddr = t.realAddr.String()

		if !t.handleOne(ctx, req) {
			return
		}
	}
}

// handleOne processes a single request; it returns false if the
// connection should be closed afterward (no match, dropped response
// sink, or a write failure).
func (t *Task) handleOne(ctx context.Context, req *http.Request) bool {
	client, filter, matched := t.match(req)
	if !matched {
		writeMinimalError(t.conn, req, http.StatusNotFound)
		return false
	}
	_ = filter // used only for matching; nothing more to record here

	reqID := wire.RequestID(t.nextRequestID.Add(1))
	serialized, err := serializeRequest(req)
	if err != nil {
		xlog.W("httpfilter: connection %s: serialize request: %v", t.connectionID, err)
		writeMinimalError(t.conn, req, http.StatusBadGateway)
		return false
	}

	responseCh := make(chan *wire.SerializedResponse, 1)
	out := Request{
		ConnectionID: t.connectionID,
		RequestID:    reqID,
		ClientID:     client,
		Port:         t.port,
		Request:      serialized,
		ResponseCh:   responseCh,
	}

	select {
	case t.requestCh <- out:
	case <-ctx.Done():
		return false
	}

	select {
	case resp, ok := <-responseCh:
		if !ok || resp == nil {
			// the Core dropped the sink (client gone): gateway error, close.
			writeMinimalError(t.conn, req, http.StatusBadGateway)
			return false
		}
		if err := writeResponse(t.conn, req, resp); err != nil {
			xlog.D("httpfilter: connection %s: write response: %v", t.connectionID, err)
			return false
		}
		return !req.Close && req.ProtoAtLeast(1, 1)
	case <-ctx.Done():
		return false
	}
}

// match evaluates every (client, filter) in insertion order; the first
// match wins.
func (t *Task) match(req *http.Request) (wire.ClientID, *wire.HttpFilter, bool) {
	for _, e := range t.filters {
		if e.Filter.Matches(req) {
			return e.Client, e.Filter, true
		}
	}
	return 0, nil, false
}

func serializeRequest(req *http.Request) (wire.SerializedRequest, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return wire.SerializedRequest{}, err
		}
	}
	return wire.SerializedRequest{
		Method:  req.Method,
		Path:    req.URL.RequestURI(),
		Version: req.Proto,
		Headers: map[string][]string(req.Header),
		Body:    body,
	}, nil
}

func writeResponse(w io.Writer, req *http.Request, resp *wire.SerializedResponse) error {
	httpResp := &http.Response{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header(resp.Headers),
		Body:       io.NopCloser(bytes.NewReader(resp.Body)),
		Request:    req,
	}
	if httpResp.Header == nil {
		httpResp.Header = make(http.Header)
	}
	httpResp.ContentLength = int64(len(resp.Body))
	return httpResp.Write(w)
}

func writeMinimalError(w io.Writer, req *http.Request, status int) {
	resp := &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
	if err := resp.Write(w); err != nil {
		xlog.D("httpfilter: write minimal error response: %v", err)
	}
}
