// SPDX-License-Identifier: GPL-3.0-or-later

package upn_test

import (
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/upn"
)

// fakeTransport is an in-memory [upn.Transport] recording sent frames.
type fakeTransport struct {
	inbound chan upn.Frame
	mu      sync.Mutex
	sent    []upn.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan upn.Frame, 128),
		mu:      sync.Mutex{},
		sent:    nil,
	}
}

func (tx *fakeTransport) Frames() <-chan upn.Frame {
	return tx.inbound
}

func (tx *fakeTransport) Send(frame upn.Frame) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.sent = append(tx.sent, frame)
	return nil
}

func (tx *fakeTransport) MTU() uint32 {
	return upn.MTUEthernet
}

// fakeEngine is a scripted [upn.Engine] for exercising the reactor. All
// protocol activity is simulated by closures queued with atNextPoll,
// which run inside the next Poll so that status changes look exactly
// like the ones a real engine produces while polling.
type fakeEngine struct {
	mu        sync.Mutex
	deadline  time.Duration
	next      upn.EngineHandle
	ops       []func() bool
	everyPoll []func()
	polls     atomic.Int64
	sockets   map[upn.EngineHandle]*fakeSocket
}

// fakeSocket is the per-socket scripted state.
type fakeSocket struct {
	spec     upn.SocketSpec
	status   upn.SocketStatus
	readBuf  []byte
	written  []byte
	capacity int
	acceptq  []upn.EngineHandle
	peer     netip.AddrPort
	eof      bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		mu:        sync.Mutex{},
		deadline:  0,
		next:      1,
		ops:       nil,
		everyPoll: nil,
		polls:     atomic.Int64{},
		sockets:   make(map[upn.EngineHandle]*fakeSocket),
	}
}

// atNextPoll schedules fn to run inside upcoming Polls until it
// reports done. Running scripted changes inside Poll makes them look
// exactly like the status changes a real engine produces while
// polling, which is what the reactor's transition accounting expects.
func (fe *fakeEngine) atNextPoll(fn func() bool) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.ops = append(fe.ops, fn)
}

// atEveryPoll schedules fn to run inside every Poll.
func (fe *fakeEngine) atEveryPoll(fn func()) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.everyPoll = append(fe.everyPoll, fn)
}

// setDeadline makes every Poll report now+delta as its deadline.
func (fe *fakeEngine) setDeadline(delta time.Duration) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.deadline = delta
}

// newPeerSocketLocked creates an already-connected socket outside
// Register, for accept queues. Only call from scripted closures, which
// run with the engine lock held.
func (fe *fakeEngine) newPeerSocketLocked(peer netip.AddrPort) upn.EngineHandle {
	handle := fe.next
	fe.next++
	fe.sockets[handle] = &fakeSocket{
		status:   upn.SocketStatus{Connected: true, Writable: true},
		capacity: 1 << 20,
		peer:     peer,
	}
	return handle
}

// get looks up a socket without locking. Only call from scripted
// closures, which run with the engine lock held.
func (fe *fakeEngine) get(handle upn.EngineHandle) *fakeSocket {
	return fe.sockets[handle]
}

// setCapacity replaces the write capacity of a socket.
func (fe *fakeEngine) setCapacity(handle upn.EngineHandle, capacity int) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk := fe.sockets[handle]
	sk.capacity = capacity
	sk.status.Writable = capacity > 0
}

var _ upn.Engine = &fakeEngine{}

func (fe *fakeEngine) Register(spec upn.SocketSpec) (upn.EngineHandle, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	handle := fe.next
	fe.next++
	fe.sockets[handle] = &fakeSocket{spec: spec, capacity: 1 << 20}
	return handle, nil
}

func (fe *fakeEngine) Deregister(handle upn.EngineHandle) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	delete(fe.sockets, handle)
}

func (fe *fakeEngine) Poll(now time.Time, inbound []upn.Frame) ([]upn.Frame, time.Time) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.polls.Add(1)
	var kept []func() bool
	for _, fn := range fe.ops {
		if !fn() {
			kept = append(kept, fn)
		}
	}
	fe.ops = kept
	for _, fn := range fe.everyPoll {
		fn()
	}
	var deadline time.Time
	if fe.deadline > 0 {
		deadline = now.Add(fe.deadline)
	}
	return nil, deadline
}

func (fe *fakeEngine) Status(handle upn.EngineHandle) upn.SocketStatus {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return upn.SocketStatus{Closed: true}
	}
	return sk.status
}

func (fe *fakeEngine) Connect(handle upn.EngineHandle, raddr netip.AddrPort) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return upn.ErrClosed
	}
	sk.peer = raddr
	return nil
}

func (fe *fakeEngine) Accept(handle upn.EngineHandle) (upn.EngineHandle, netip.AddrPort, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return 0, netip.AddrPort{}, upn.ErrClosed
	}
	if len(sk.acceptq) <= 0 {
		return 0, netip.AddrPort{}, upn.ErrAgain
	}
	accepted := sk.acceptq[0]
	sk.acceptq = sk.acceptq[1:]
	sk.status.AcceptPending = len(sk.acceptq) > 0
	return accepted, fe.sockets[accepted].peer, nil
}

func (fe *fakeEngine) Read(handle upn.EngineHandle, buf []byte) (int, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return 0, upn.ErrClosed
	}
	if len(sk.readBuf) <= 0 {
		if sk.eof {
			return 0, io.EOF
		}
		return 0, upn.ErrAgain
	}
	count := copy(buf, sk.readBuf)
	sk.readBuf = sk.readBuf[count:]
	sk.status.Readable = len(sk.readBuf) > 0
	return count, nil
}

func (fe *fakeEngine) Write(handle upn.EngineHandle, data []byte) (int, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return 0, upn.ErrClosed
	}
	if sk.status.Err != nil {
		return 0, sk.status.Err
	}
	if sk.capacity <= 0 {
		return 0, upn.ErrAgain
	}
	count := min(len(data), sk.capacity)
	sk.written = append(sk.written, data[:count]...)
	sk.capacity -= count
	sk.status.Writable = sk.capacity > 0
	return count, nil
}

func (fe *fakeEngine) RecvFrom(handle upn.EngineHandle, buf []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, upn.ErrAgain
}

func (fe *fakeEngine) SendTo(handle upn.EngineHandle, data []byte, raddr netip.AddrPort) (int, error) {
	return 0, upn.ErrAgain
}

func (fe *fakeEngine) Shutdown(handle upn.EngineHandle) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return upn.ErrClosed
	}
	sk.status.Closed = true
	return nil
}

func (fe *fakeEngine) LocalAddr(handle upn.EngineHandle) netip.AddrPort {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return netip.AddrPort{}
	}
	return sk.spec.LocalAddr
}

func (fe *fakeEngine) RemoteAddr(handle upn.EngineHandle) netip.AddrPort {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return netip.AddrPort{}
	}
	return sk.peer
}

func (fe *fakeEngine) UpdateInterface(state upn.InterfaceState) {
	// the fake has no use for interface configuration
}

// written returns a copy of the bytes the engine accepted so far.
func (fe *fakeEngine) writtenBytes(handle upn.EngineHandle) []byte {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	sk, found := fe.sockets[handle]
	if !found {
		return nil
	}
	out := make([]byte, len(sk.written))
	copy(out, sk.written)
	return out
}
