// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package alloc hands out and recycles small dense integer ids with a
// fixed cap. It backs connection-id allocation for the stealer core: a
// small sync.Mutex-guarded struct with plain accessors, always
// returning the smallest currently-unused id.
package alloc

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrExhausted is returned by Next when every id in [0, cap) is live.
// Callers are expected to drop the accepted socket and move on, rather
// than treat exhaustion as fatal.
var ErrExhausted = errors.New("alloc: index pool exhausted")

// minHeap is a small min-heap of ints, used so Next always returns the
// smallest currently-unused id (O(log cap)).
type minHeap []int

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)         { *h = append(*h, x.(int)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Allocator hands out ids in [0, cap) and recycles them on Free.
type Allocator struct {
	mu    sync.Mutex
	cap   int
	next  int     // smallest id never yet handed out
	free  minHeap // freed ids below `next`, ready for reuse
	live  map[int]struct{}
}

// New returns an Allocator with the given fixed capacity.
func New(cap int) *Allocator {
	return &Allocator{
		cap:  cap,
		live: make(map[int]struct{}, cap),
	}
}

// Next returns the smallest unused id, or ErrExhausted if the pool is
// fully live. O(log cap) via the free-id heap.
func (a *Allocator) Next() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id int
	if len(a.free) > 0 {
		id = heap.Pop(&a.free).(int)
	} else if a.next < a.cap {
		id = a.next
		a.next++
	} else {
		return 0, ErrExhausted
	}

	a.live[id] = struct{}{}
	return id, nil
}

// Free returns id to the pool. Freeing an id that isn't currently live
// (already free, or never allocated) is a no-op.
func (a *Allocator) Free(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[id]; !ok {
		return
	}
	delete(a.live, id)
	heap.Push(&a.free, id)
}

// Len reports the number of currently live ids.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Cap reports the fixed capacity this allocator was constructed with.
func (a *Allocator) Cap() int {
	return a.cap
}
