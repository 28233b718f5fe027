// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package registry is the Client Registry: a mutex-guarded map keyed
// by ClientID holding each client's outbound sender and negotiated
// protocol version.
package registry

import (
	"errors"
	"sync"

	"github.com/relaysteal/agent/internal/wire"
)

// ErrClientNotFound is returned by Send and Version when the id isn't
// registered (e.g. a race against a concurrent close).
var ErrClientNotFound = errors.New("registry: client not found")

// ErrClientGone is returned by Send when the client was removed
// concurrently with the send attempt.
var ErrClientGone = errors.New("registry: client gone")

type entry struct {
	sender  chan<- wire.DaemonTcp
	version string
	done    chan struct{} // closed by Remove; lets Send fail instead of blocking forever
}

// Registry is the sole owner of the client table; only the Stealer
// Core touches it.
type Registry struct {
	mu sync.RWMutex
	m  map[wire.ClientID]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{m: make(map[wire.ClientID]*entry, 8)}
}

// Add registers a new client, replacing any prior entry under the same
// id (the prior entry's done channel is closed so any in-flight Send
// against it unblocks).
func (r *Registry) Add(id wire.ClientID, sender chan<- wire.DaemonTcp, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.m[id]; ok {
		close(old.done)
	}
	r.m[id] = &entry{sender: sender, version: version, done: make(chan struct{})}
}

// Remove drops id from the registry, unblocking any Send in flight
// against it. Removing an id that isn't present is a no-op.
func (r *Registry) Remove(id wire.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.m[id]; ok {
		close(e.done)
		delete(r.m, id)
	}
}

// Has reports whether id is currently registered.
func (r *Registry) Has(id wire.ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[id]
	return ok
}

// Version returns id's negotiated protocol version.
func (r *Registry) Version(id wire.ClientID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.m[id]
	if !ok {
		return "", ErrClientNotFound
	}
	return e.version, nil
}

// SwitchVersion updates id's negotiated protocol version. A no-op if
// the id isn't registered (the client disconnected first).
func (r *Registry) SwitchVersion(id wire.ClientID, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.m[id]; ok {
		e.version = version
	}
}

// Send delivers msg to id's channel. It returns ErrClientNotFound if id
// isn't registered, and ErrClientGone if the client was removed while
// the send was blocked, so callers never hang forever on a dead
// client's channel.
func (r *Registry) Send(id wire.ClientID, msg wire.DaemonTcp) error {
	r.mu.RLock()
	e, ok := r.m[id]
	r.mu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}

	select {
	case e.sender <- msg:
		return nil
	case <-e.done:
		return ErrClientGone
	}
}

// Len reports how many clients are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
