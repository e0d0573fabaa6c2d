// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"net/netip"
	"time"
)

// SocketKind enumerates the socket types an [Engine] can register.
type SocketKind int

const (
	// SocketStream is a connection-oriented byte-stream socket.
	SocketStream = SocketKind(iota)

	// SocketListener is a stream socket accepting inbound connections.
	SocketListener

	// SocketDatagram is a message-oriented socket.
	SocketDatagram
)

// EngineHandle identifies one engine-registered socket. The value is
// opaque to this package: only the engine assigns meaning to it.
type EngineHandle int64

// SocketSpec describes the socket to register with an [Engine].
type SocketSpec struct {
	// Kind is the socket kind.
	Kind SocketKind

	// LocalAddr is the local address to bind. A zero port asks the
	// engine to allocate an ephemeral port; an unspecified address
	// binds to all configured interface addresses.
	LocalAddr netip.AddrPort

	// RecvBufferSize is the receive buffer size in bytes (streams) or
	// datagrams (datagram sockets). Zero means the engine default.
	RecvBufferSize int

	// SendBufferSize is like RecvBufferSize for the send direction.
	SendBufferSize int

	// Backlog is the maximum number of not-yet-accepted pending
	// connections for listeners. Zero means the engine default.
	Backlog int
}

// SocketStatus is the per-socket readiness snapshot reported by an
// [Engine] after a poll.
type SocketStatus struct {
	// Readable indicates data (or a datagram) is available to read.
	Readable bool

	// Writable indicates there is capacity to accept more bytes.
	Writable bool

	// Connected indicates a stream socket completed its handshake.
	Connected bool

	// AcceptPending indicates a listener has pending connections.
	AcceptPending bool

	// Closed indicates the socket has been torn down.
	Closed bool

	// Err is the sticky socket-level protocol error, or nil.
	Err error
}

// Engine is a poll-driven userspace protocol stack. The engine owns all
// socket protocol state and only advances when Poll is invoked.
//
// An engine is not safe for concurrent use: the [Reactor] is its single
// owner and serializes every call below behind its own guard, so
// implementations need no internal locking.
//
// Buffer-level primitives (Read, Write, Accept, RecvFrom, SendTo) never
// block: when they cannot make progress they fail with [ErrAgain] and
// the caller awaits the corresponding readiness condition instead.
type Engine interface {
	// Register creates a new engine socket and returns its handle.
	Register(spec SocketSpec) (EngineHandle, error)

	// Deregister releases the handle. The engine remains free to complete
	// any in-progress protocol teardown after the handle is gone.
	Deregister(handle EngineHandle)

	// Poll ingests the inbound frames, advances all socket state given
	// the current time, and returns the outbound frames to transmit.
	//
	// The returned deadline is the next time at which the engine must be
	// polled again even without new frames, so that protocol timers fire;
	// the zero time means no deadline is pending.
	Poll(now time.Time, inbound []Frame) (outbound []Frame, deadline time.Time)

	// Status reports the current readiness snapshot for the handle. An
	// unknown handle reports a Closed status.
	Status(handle EngineHandle) SocketStatus

	// Connect starts connecting a stream socket to the remote address.
	// Completion is observed through Status, not through this call.
	Connect(handle EngineHandle, raddr netip.AddrPort) error

	// Accept dequeues one pending connection from a listener, returning
	// the handle of the new connected socket and its remote address.
	Accept(handle EngineHandle) (EngineHandle, netip.AddrPort, error)

	// Read copies available stream bytes into buf. It fails with
	// [ErrAgain] when no data is buffered yet and returns [io.EOF]
	// once the peer closed the stream and the buffer drained.
	Read(handle EngineHandle, buf []byte) (int, error)

	// Write copies bytes into the socket send buffer, up to the available
	// capacity, returning how many bytes it accepted. It fails with
	// [ErrAgain] only when it cannot accept any byte at all.
	Write(handle EngineHandle, data []byte) (int, error)

	// RecvFrom dequeues one datagram into buf, returning its size and
	// the sender address.
	RecvFrom(handle EngineHandle, buf []byte) (int, netip.AddrPort, error)

	// SendTo enqueues one datagram for the given destination.
	SendTo(handle EngineHandle, data []byte, raddr netip.AddrPort) (int, error)

	// Shutdown starts a graceful teardown of the socket.
	Shutdown(handle EngineHandle) error

	// LocalAddr returns the bound local address of the handle.
	LocalAddr(handle EngineHandle) netip.AddrPort

	// RemoteAddr returns the remote address of a connected handle, or
	// the zero value when not connected.
	RemoteAddr(handle EngineHandle) netip.AddrPort

	// UpdateInterface replaces the interface configuration consumed by
	// the engine. The new state takes effect from the next poll.
	UpdateInterface(state InterfaceState)
}
