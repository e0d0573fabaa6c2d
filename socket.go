// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// reactorSocket is the reactor-side record for one engine socket: the
// readiness slots, the pending-writes queue, and the status snapshot
// the reactor compares against after each poll.
type reactorSocket struct {
	// handle is the engine handle.
	handle EngineHandle

	// reactor is the owning reactor.
	reactor *Reactor

	// slots contains one readiness slot per interest.
	slots [numInterests]*readySlot

	// pending is the pending-writes queue.
	pending *pendingWrites

	// localClosed is set once the handle's Close ran.
	localClosed atomic.Bool

	// before is the status snapshot recorded before the last poll.
	// Owned by the reactor: only touched under the engine guard.
	before SocketStatus
}

// newReactorSocket creates the record for the given handle.
func newReactorSocket(reactor *Reactor, handle EngineHandle) *reactorSocket {
	sk := &reactorSocket{
		handle:      handle,
		reactor:     reactor,
		slots:       [numInterests]*readySlot{},
		pending:     newPendingWrites(),
		localClosed: atomic.Bool{},
		before:      SocketStatus{},
	}
	for idx := range sk.slots {
		sk.slots[idx] = newReadySlot()
	}
	return sk
}

// dispatchLocked compares the post-poll status against the pre-poll
// snapshot and marks ready every interest whose condition transitioned
// from not-ready to ready. Called by the reactor under the engine guard.
func (sk *reactorSocket) dispatchLocked(after SocketStatus) {
	before := sk.before
	if after.Readable && !before.Readable {
		sk.slots[interestReadable].markReady()
	}
	if after.Writable && !before.Writable {
		sk.slots[interestWritable].markReady()
	}
	if after.Connected && !before.Connected {
		sk.slots[interestConnected].markReady()
	}
	if after.AcceptPending && !before.AcceptPending {
		sk.slots[interestAccepted].markReady()
	}
	if after.Closed && !before.Closed {
		sk.slots[interestClosed].markReady()
	}

	// A new socket-level error wakes every interest so that whatever
	// operation is in flight observes it on its next engine check.
	if after.Err != nil && before.Err == nil {
		for _, slot := range sk.slots {
			slot.markReady()
		}
	}
}

// wakeAll marks every slot ready. Used on local close so that blocked
// operations resume and observe the closed state.
func (sk *reactorSocket) wakeAll() {
	for _, slot := range sk.slots {
		slot.markReady()
	}
}

// await blocks until the given interest is ready, the socket closes,
// the deadline or context expires, or the reactor shuts down. A nil ctx
// means no context and a nil dl means no deadline.
func (sk *reactorSocket) await(ctx context.Context, dl *deadlineCell, in interest) error {
	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}

	for {
		// optimistic fast path: the condition may already be ready
		ready, gate := sk.slots[in].watch()
		if ready {
			return nil
		}
		if sk.localClosed.Load() {
			return net.ErrClosed
		}

		// also watch teardown unless that is what we await
		var closedGate <-chan struct{}
		if in != interestClosed {
			closedReady, cgate := sk.slots[interestClosed].watch()
			if closedReady {
				return net.ErrClosed
			}
			closedGate = cgate
		}

		// arm the caller deadline, if any
		var timerC <-chan time.Time
		var changed <-chan struct{}
		var timer *time.Timer
		if dl != nil {
			when, ch := dl.watch()
			changed = ch
			if !when.IsZero() {
				delta := time.Until(when)
				if delta <= 0 {
					return os.ErrDeadlineExceeded
				}
				timer = time.NewTimer(delta)
				timerC = timer.C
			}
		}

		var err error
		select {
		case <-gate:
			// readiness transferred; recheck in the loop
		case <-closedGate:
			// teardown observed; recheck in the loop, where the
			// awaited interest is consulted before the closed one, so
			// that an interest firing in the same poll as the close
			// (connect failure, final data) wins over the teardown
		case <-timerC:
			err = os.ErrDeadlineExceeded
		case <-changed:
			// deadline replaced; recompute in the loop
		case <-ctxDone:
			err = ctx.Err()
		case <-sk.reactor.stopch:
			err = net.ErrClosed
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

// ioLoop runs op under the engine guard until it stops failing with
// [ErrAgain], awaiting the given interest between attempts. This is the
// shared "clear the readiness token, try the engine, wait" protocol of
// every socket handle operation.
func (sk *reactorSocket) ioLoop(ctx context.Context, dl *deadlineCell, in interest, op func(eng Engine) error) error {
	for {
		// 1. consume the readiness token before checking the engine so
		// that a wake arriving after the check is never lost
		sk.slots[in].clear()

		// 2. refuse to run after a local close
		if sk.localClosed.Load() {
			return net.ErrClosed
		}

		// 3. optimistically try the engine operation
		sk.reactor.mu.Lock()
		err := op(sk.reactor.engine)
		sk.reactor.mu.Unlock()
		if !errors.Is(err, ErrAgain) {
			return errorsRemap(err)
		}

		// 4. wait for the condition to become ready again
		if err := sk.await(ctx, dl, in); err != nil {
			return err
		}
	}
}

// deadlineCell holds a mutable caller deadline. Replacing the deadline
// wakes in-flight waiters so they recompute their timers, matching the
// stdlib semantics of SetDeadline during a blocked Read or Write.
type deadlineCell struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// when is the deadline; the zero value means none.
	when time.Time

	// changed is closed and replaced whenever when changes.
	changed chan struct{}
}

// newDeadlineCell creates a cell with no deadline set.
func newDeadlineCell() *deadlineCell {
	return &deadlineCell{
		mu:      sync.Mutex{},
		when:    time.Time{},
		changed: make(chan struct{}),
	}
}

// set replaces the deadline.
func (c *deadlineCell) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.when = t
	close(c.changed)
	c.changed = make(chan struct{})
}

// watch returns the current deadline and the channel closed on change.
func (c *deadlineCell) watch() (time.Time, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.when, c.changed
}
