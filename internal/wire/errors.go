// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

import "fmt"

// SubscribeErrorKind enumerates the non-fatal subscription errors a
// client can receive in a SubscribeResult.
type SubscribeErrorKind int

const (
	// ErrPortTaken: an Unfiltered subscriber already holds this port.
	ErrPortTaken SubscribeErrorKind = iota
	// ErrClientAlreadySubscribed: this client already has a filter on
	// this (Filtered) port.
	ErrClientAlreadySubscribed
	// ErrPortNeedsFilter: the port is Filtered already and this
	// subscribe attempt didn't supply a filter (would collide with the
	// Filtered holders).
	ErrPortNeedsFilter
	// ErrBadHttpFilterRegex: the header-regex form failed to compile.
	ErrBadHttpFilterRegex
	// ErrBadHttpFilterExRegex: the extended form failed to compile.
	ErrBadHttpFilterExRegex
	// ErrRedirectionFailed: the Redirector refused to install/remove a
	// rule for this port.
	ErrRedirectionFailed
)

// SubscribeError is the structured error reported inside a
// SubscribeResult. It is never fatal to the event loop.
type SubscribeError struct {
	Kind   SubscribeErrorKind
	Detail string
}

func (e *SubscribeError) Error() string {
	switch e.Kind {
	case ErrPortTaken:
		return "port already taken by an unfiltered subscriber"
	case ErrClientAlreadySubscribed:
		return "client already subscribed to this port"
	case ErrPortNeedsFilter:
		return "port is filtered; an unfiltered subscribe would collide"
	case ErrBadHttpFilterRegex:
		return fmt.Sprintf("bad http filter regex: %s", e.Detail)
	case ErrBadHttpFilterExRegex:
		return fmt.Sprintf("bad extended http filter: %s", e.Detail)
	case ErrRedirectionFailed:
		return fmt.Sprintf("redirection failed: %s", e.Detail)
	default:
		return "subscribe failed"
	}
}
