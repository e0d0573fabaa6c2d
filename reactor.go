// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollTimeout is the housekeeping poll interval used when the
// engine reports no deadline.
const DefaultPollTimeout = 60 * time.Second

// DefaultInboundBatch is the default maximum number of inbound frames
// ingested by a single run-step.
const DefaultInboundBatch = 128

// Reactor drives a poll-driven [Engine]: it is the single owner of the
// engine, the single consumer of the [Transport], and the dispatcher of
// readiness wakes to the socket handles.
//
// Each iteration of its loop is one run-step: drain inbound frames from
// the transport, flush the sockets' pending writes into the engine send
// buffers, poll the engine once, compare every socket's status against
// the pre-poll snapshot and wake the interests that transitioned to
// ready, then transmit the outbound frames the poll produced. The loop
// then sleeps until a frame arrives, a handle submits an intent, or the
// engine deadline elapses, whichever comes first.
//
// Construct using [NewReactor].
type Reactor struct {
	// engine is the protocol engine. Guarded by mu.
	engine Engine

	// frames is the inbound side of the transport; set to nil once the
	// transport closes its channel. Only the loop touches it.
	frames <-chan Frame

	// backlog holds a frame received while sleeping, consumed by the
	// next run-step. Only the loop touches it.
	backlog []Frame

	// done is closed when the loop returns.
	done chan struct{}

	// logger is the structured logger.
	logger logrus.FieldLogger

	// maxBatch limits frames ingested per run-step.
	maxBatch int

	// mu is the exclusive-access guard serializing every engine call
	// and protecting the sockets map. Never held across a wait.
	mu sync.Mutex

	// notify wakes the loop after an intent submission.
	notify chan struct{}

	// pollTimeout bounds the sleep when the engine has no deadline.
	pollTimeout time.Duration

	// sockets maps engine handles to their reactor records. Guarded
	// by mu.
	sockets map[EngineHandle]*reactorSocket

	// stopch is closed by Close to stop the loop.
	stopch chan struct{}

	// stopOnce provides "once" semantics for Close.
	stopOnce sync.Once

	// trace optionally captures frames crossing the transport.
	trace *PCAPTrace

	// transport is the frame transport.
	transport Transport
}

// ReactorOption is an option for [NewReactor].
type ReactorOption func(r *Reactor)

// ReactorOptionLogger sets the structured logger. The default is
// [logrus.StandardLogger].
func ReactorOptionLogger(logger logrus.FieldLogger) ReactorOption {
	return func(r *Reactor) {
		r.logger = logger
	}
}

// ReactorOptionTrace attaches a [*PCAPTrace] dumping every frame the
// reactor receives from or sends to the transport. The caller retains
// ownership of the trace and must close it after closing the reactor.
func ReactorOptionTrace(trace *PCAPTrace) ReactorOption {
	return func(r *Reactor) {
		r.trace = trace
	}
}

// ReactorOptionPollTimeout sets the housekeeping poll interval used
// when the engine reports no deadline. The default is
// [DefaultPollTimeout].
func ReactorOptionPollTimeout(timeout time.Duration) ReactorOption {
	return func(r *Reactor) {
		r.pollTimeout = timeout
	}
}

// ReactorOptionInboundBatch sets the maximum number of inbound frames
// ingested by a single run-step. The default is [DefaultInboundBatch].
func ReactorOptionInboundBatch(max int) ReactorOption {
	return func(r *Reactor) {
		r.maxBatch = max
	}
}

// NewReactor creates a [*Reactor] owning the given engine and starts
// its loop in a background goroutine. The engine must not be used by
// anyone else from this point on.
func NewReactor(transport Transport, engine Engine, options ...ReactorOption) *Reactor {
	r := &Reactor{
		engine:      engine,
		frames:      transport.Frames(),
		backlog:     nil,
		done:        make(chan struct{}),
		logger:      logrus.StandardLogger(),
		maxBatch:    DefaultInboundBatch,
		mu:          sync.Mutex{},
		notify:      make(chan struct{}, 1),
		pollTimeout: DefaultPollTimeout,
		sockets:     make(map[EngineHandle]*reactorSocket),
		stopch:      make(chan struct{}),
		stopOnce:    sync.Once{},
		trace:       nil,
		transport:   transport,
	}
	for _, opt := range options {
		opt(r)
	}
	go r.run()
	return r
}

// Close stops the loop and waits for it to join. The engine and the
// transport are not touched after Close returns.
func (r *Reactor) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopch)
	})
	<-r.done
	return nil
}

// wakeLoop notifies the loop that an intent was submitted. The notify
// channel has capacity one: a wake that is already pending is enough.
func (r *Reactor) wakeLoop() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// run is the reactor loop.
func (r *Reactor) run() {
	defer close(r.done)
	r.logger.Debug("upn: reactor loop starting")
	defer r.logger.Debug("upn: reactor loop stopped")

	timer := time.NewTimer(r.pollTimeout)
	defer timer.Stop()

	for {
		// collect the inbound frames that are already available
		inbound := r.collectInbound()

		// execute one run-step
		deadline := r.step(time.Now(), inbound)

		// figure out how long we may sleep
		wait := r.pollTimeout
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				// the deadline already elapsed: poll again right away
				continue
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		// sleep until a frame arrives, an intent is submitted, or the
		// deadline elapses, whichever comes first
		select {
		case <-r.stopch:
			return

		case <-r.notify:

		case <-timer.C:

		case frame, ok := <-r.frames:
			if !ok {
				// the transport shut down: keep serving timers and
				// intents so sockets can observe their teardown
				r.logger.Warn("upn: transport closed its inbound channel")
				r.frames = nil
				continue
			}
			r.backlog = append(r.backlog, frame)
		}
	}
}

// collectInbound drains the frames already available without blocking,
// up to the configured batch size.
func (r *Reactor) collectInbound() []Frame {
	frames := r.backlog
	r.backlog = nil
	for len(frames) < r.maxBatch {
		select {
		case frame, ok := <-r.frames:
			if !ok {
				r.frames = nil
				return frames
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
	return frames
}

// step executes one run-step and returns the engine deadline.
func (r *Reactor) step(now time.Time, inbound []Frame) time.Time {
	if r.trace != nil {
		for _, frame := range inbound {
			r.trace.Dump(frame.Payload)
		}
	}

	r.mu.Lock()

	// 1. flush the pending writes into the engine send buffers so that
	// bytes submitted before this step are visible to this poll
	r.flushLocked()

	// 2. snapshot every socket's status before polling
	for _, sk := range r.sockets {
		sk.before = r.engine.Status(sk.handle)
	}

	// 3. ingest the inbound frames and poll the engine once
	outbound, deadline := r.engine.Poll(now, inbound)

	// 4. wake the interests that transitioned to ready
	rearm := false
	for _, sk := range r.sockets {
		after := r.engine.Status(sk.handle)
		sk.dispatchLocked(after)
		// writes left queued by backpressure need another run-step as
		// soon as the engine has capacity again
		if after.Writable && sk.pending.size() > 0 {
			rearm = true
		}
	}

	r.mu.Unlock()

	if rearm {
		r.wakeLoop()
	}

	// 5. transmit the outbound frames; a failed send is logged and the
	// loop continues, because one bad frame must not stop the reactor
	for _, frame := range outbound {
		if r.trace != nil {
			r.trace.Dump(frame.Payload)
		}
		if err := r.transport.Send(frame); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"len": len(frame.Payload),
			}).Warn("upn: transport send failed")
		}
	}

	return deadline
}

// flushLocked merges each socket's pending-writes queue into the engine
// send buffers, in submission order, up to the engine capacity. Bytes
// beyond capacity remain queued for a later run-step. Called under mu.
func (r *Reactor) flushLocked() {
	for _, sk := range r.sockets {
		r.flushSocketLocked(sk)
	}
}

// flushSocketLocked flushes one socket's queue until it empties or the
// engine reports no capacity.
func (r *Reactor) flushSocketLocked(sk *reactorSocket) {
	for {
		entry := sk.pending.peek()
		if entry == nil {
			return
		}
		if entry.abandoned.Load() {
			sk.pending.pop()
			continue
		}

		if entry.datagram {
			if !r.flushDatagramLocked(sk, entry) {
				return
			}
			continue
		}
		if !r.flushStreamLocked(sk, entry) {
			return
		}
	}
}

// flushDatagramLocked hands one datagram to the engine. It returns
// false when the engine has no capacity and flushing must stop.
func (r *Reactor) flushDatagramLocked(sk *reactorSocket, entry *pendingWrite) bool {
	n, err := r.engine.SendTo(sk.handle, entry.data, entry.dest)
	if errors.Is(err, ErrAgain) {
		return false
	}
	if err == nil {
		entry.accepted.Store(int64(n))
	}
	entry.err = err
	close(entry.flushed)
	sk.pending.pop()
	return true
}

// flushStreamLocked pushes as much of one stream chunk as the engine
// accepts. It returns false when the chunk is not yet fully accepted.
func (r *Reactor) flushStreamLocked(sk *reactorSocket, entry *pendingWrite) bool {
	offset := int(entry.accepted.Load())
	n, err := r.engine.Write(sk.handle, entry.data[offset:])
	if errors.Is(err, ErrAgain) {
		return false
	}
	if err != nil {
		entry.err = err
		close(entry.flushed)
		sk.pending.pop()
		return true
	}
	offset += n
	entry.accepted.Store(int64(offset))
	if offset < len(entry.data) {
		return false
	}
	close(entry.flushed)
	sk.pending.pop()
	return true
}

// register creates an engine socket and its reactor record.
func (r *Reactor) register(spec SocketSpec) (*reactorSocket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, err := r.engine.Register(spec)
	if err != nil {
		return nil, err
	}
	sk := r.adoptLocked(handle)
	r.wakeLoop()
	return sk, nil
}

// adoptLocked creates the reactor record for an already-registered
// engine handle, such as one returned by an engine accept. Called
// under mu.
func (r *Reactor) adoptLocked(handle EngineHandle) *reactorSocket {
	sk := newReactorSocket(r, handle)
	sk.before = r.engine.Status(handle)
	r.sockets[handle] = sk
	return sk
}

// deregister removes the socket from the engine and the registry. Any
// operation still blocked on the socket is woken and observes the
// closed state.
func (r *Reactor) deregister(sk *reactorSocket) {
	r.mu.Lock()
	r.engine.Deregister(sk.handle)
	delete(r.sockets, sk.handle)
	r.mu.Unlock()
	sk.localClosed.Store(true)
	sk.wakeAll()
	r.wakeLoop()
}
