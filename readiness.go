// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import "sync"

// interest enumerates the per-socket readiness conditions tracked by
// the readiness registry.
type interest int

const (
	interestReadable = interest(iota)
	interestWritable
	interestConnected
	interestAccepted
	interestClosed
	numInterests
)

// readySlot is the wake cell for one socket and one interest.
//
// Invariant: gate is closed if and only if ready is true. The reactor
// transfers readiness by closing the gate, which wakes every goroutine
// blocked on it exactly once per transition; a handle consumes the
// readiness by calling clear, which replaces the gate with a fresh open
// channel. A goroutine that stops waiting simply drops its reference to
// the gate, so there is no waiter registration to undo on cancellation.
type readySlot struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// ready is the readiness flag.
	ready bool

	// gate is closed when ready becomes true.
	gate chan struct{}
}

// newReadySlot creates a new not-ready [*readySlot].
func newReadySlot() *readySlot {
	return &readySlot{
		mu:    sync.Mutex{},
		ready: false,
		gate:  make(chan struct{}),
	}
}

// markReady marks the slot ready and wakes any waiters. Marking an
// already-ready slot is a no-op, so waiters observe at most one wake
// per not-ready to ready transition.
func (s *readySlot) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		s.ready = true
		close(s.gate)
	}
}

// clear consumes the readiness, arming the slot for the next
// transition. Clearing a not-ready slot is a no-op.
func (s *readySlot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		s.ready = false
		s.gate = make(chan struct{})
	}
}

// watch returns the current readiness flag along with the gate channel
// to block on. When the flag is already true the gate is already closed
// and a receive on it returns immediately.
func (s *readySlot) watch() (bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready, s.gate
}
