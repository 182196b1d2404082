// Package transport provides the multiplexed, long-lived native-protocol
// connection: negotiation, stream-id allocation, inbound demultiplexing,
// and idle heartbeats.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package transport

import (
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/kumulus-db/kumulus-go/cmn/debug"
)

// streamAlloc hands out stream ids from a bounded space (128 for v3/v4,
// 32768 for v5+). Stream 0 is reserved for connection-internal requests
// issued before Ready (negotiation, auth); -1 is the event stream.
type streamAlloc struct {
	free *bitset.BitSet // set bit = free
	mu   sync.Mutex
	next uint
	used int
}

func newStreamAlloc(size int) *streamAlloc {
	a := &streamAlloc{free: bitset.New(uint(size))}
	for i := 1; i < size; i++ {
		a.free.Set(uint(i))
	}
	a.next = 1
	return a
}

// alloc returns (stream, true), or false when the space is exhausted.
func (a *streamAlloc) alloc() (int16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.free.NextSet(a.next)
	if !ok {
		// wrap around
		if id, ok = a.free.NextSet(1); !ok {
			return 0, false
		}
	}
	a.free.Clear(id)
	a.next = id + 1
	if a.next >= a.free.Len() {
		a.next = 1
	}
	a.used++
	return int16(id), true
}

func (a *streamAlloc) release(id int16) {
	debug.Assert(id > 0, id)
	a.mu.Lock()
	if !a.free.Test(uint(id)) {
		a.free.Set(uint(id))
		a.used--
	}
	a.mu.Unlock()
}

func (a *streamAlloc) inUse() int {
	a.mu.Lock()
	n := a.used
	a.mu.Unlock()
	return n
}

// capacity excludes the reserved stream 0
func (a *streamAlloc) capacity() int { return int(a.free.Len()) - 1 }

func (a *streamAlloc) exhausted() bool {
	a.mu.Lock()
	full := a.used >= a.capacity()
	a.mu.Unlock()
	return full
}
