// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// pendingWrite is one application write not yet handed to the engine.
type pendingWrite struct {
	// data contains the bytes to write. The handle copies the caller
	// buffer so the entry stays valid after the call returns.
	data []byte

	// dest is the destination address for datagram entries.
	dest netip.AddrPort

	// datagram indicates this entry is one datagram rather than a
	// stream chunk.
	datagram bool

	// accepted counts the bytes the engine has taken so far.
	accepted atomic.Int64

	// abandoned is set when the submitting goroutine gave up; the
	// reactor drops abandoned entries at flush time.
	abandoned atomic.Bool

	// err is the flush error, if any. Written before flushed is
	// closed, so readers of flushed observe it safely.
	err error

	// flushed is closed once the engine accepted the whole entry or
	// the flush failed.
	flushed chan struct{}
}

// newPendingWrite creates an entry owning a copy of data.
func newPendingWrite(data []byte, dest netip.AddrPort, datagram bool) *pendingWrite {
	owned := make([]byte, len(data))
	copy(owned, data)
	return &pendingWrite{
		data:      owned,
		dest:      dest,
		datagram:  datagram,
		accepted:  atomic.Int64{},
		abandoned: atomic.Bool{},
		err:       nil,
		flushed:   make(chan struct{}),
	}
}

// pendingWrites is the per-socket FIFO of writes submitted by the
// application but not yet merged into the engine send buffer.
//
// Invariant: entries flush in submission order; an entry the engine
// cannot fully take stays at the head and blocks the entries behind it
// until a later run-step finds capacity.
type pendingWrites struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// q is the underlying ring buffer holding [*pendingWrite].
	q *queue.Queue
}

// newPendingWrites creates a new empty [*pendingWrites].
func newPendingWrites() *pendingWrites {
	return &pendingWrites{
		mu: sync.Mutex{},
		q:  queue.New(),
	}
}

// push appends an entry to the queue.
func (pw *pendingWrites) push(entry *pendingWrite) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.q.Add(entry)
}

// peek returns the head entry without removing it, or nil when empty.
func (pw *pendingWrites) peek() *pendingWrite {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.q.Length() <= 0 {
		return nil
	}
	return pw.q.Peek().(*pendingWrite)
}

// pop removes and returns the head entry, or nil when empty.
func (pw *pendingWrites) pop() *pendingWrite {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.q.Length() <= 0 {
		return nil
	}
	return pw.q.Remove().(*pendingWrite)
}

// size returns the number of queued entries.
func (pw *pendingWrites) size() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.q.Length()
}
