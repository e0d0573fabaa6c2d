//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package upn

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"
)

// streamState enumerates the stream socket states.
type streamState int32

const (
	streamClosed = streamState(iota)
	streamConnecting
	streamConnected
	streamClosing
	streamFailed
)

// StreamConn is a connected stream socket backed by a reactor-driven
// engine. It implements [net.Conn].
//
// Construct using [*Network.DialStream] or by accepting from a
// [*StreamListener].
type StreamConn struct {
	// sk is the reactor-side socket record.
	sk *reactorSocket

	// state is the current [streamState].
	state atomic.Int32

	// laddr and raddr are the engine-reported endpoint addresses.
	laddr netip.AddrPort
	raddr netip.AddrPort

	// rd and wd are the read and write deadlines.
	rd *deadlineCell
	wd *deadlineCell
}

var _ net.Conn = &StreamConn{}

// newStreamConn wraps an already-connected reactor socket.
func newStreamConn(sk *reactorSocket, laddr, raddr netip.AddrPort) *StreamConn {
	conn := &StreamConn{
		sk:    sk,
		state: atomic.Int32{},
		laddr: laddr,
		raddr: raddr,
		rd:    newDeadlineCell(),
		wd:    newDeadlineCell(),
	}
	conn.state.Store(int32(streamConnected))
	return conn
}

// dialStream registers a stream socket, submits the connect intent, and
// waits until the engine reports the socket connected or failed.
func dialStream(ctx context.Context, r *Reactor, laddr, raddr netip.AddrPort) (*StreamConn, error) {
	// 1. register the engine socket
	sk, err := r.register(SocketSpec{Kind: SocketStream, LocalAddr: laddr})
	if err != nil {
		return nil, errorsRemap(err)
	}

	// 2. submit the connect intent and wake the loop so the engine
	// emits the handshake promptly
	r.mu.Lock()
	err = r.engine.Connect(sk.handle, raddr)
	r.mu.Unlock()
	if err != nil {
		r.deregister(sk)
		return nil, errorsRemap(err)
	}
	r.wakeLoop()

	// 3. wait for the connected readiness to fire
	if err := sk.await(ctx, nil, interestConnected); err != nil {
		r.deregister(sk)
		return nil, err
	}

	// 4. re-check the engine: the wake may have fired because the
	// connect failed rather than because it completed
	r.mu.Lock()
	status := r.engine.Status(sk.handle)
	local := r.engine.LocalAddr(sk.handle)
	remote := r.engine.RemoteAddr(sk.handle)
	r.mu.Unlock()
	if status.Err != nil {
		r.deregister(sk)
		return nil, errorsRemap(status.Err)
	}
	if !status.Connected || status.Closed {
		r.deregister(sk)
		return nil, ErrConnectionRefused
	}

	return newStreamConn(sk, local, remote), nil
}

// Read implements [net.Conn]. It blocks until data is available, the
// peer closes the stream, the read deadline expires, or the connection
// fails.
func (c *StreamConn) Read(buf []byte) (int, error) {
	switch streamState(c.state.Load()) {
	case streamConnected, streamClosing:
	default:
		return 0, net.ErrClosed
	}

	var count int
	err := c.sk.ioLoop(nil, c.rd, interestReadable, func(eng Engine) error {
		n, err := eng.Read(c.sk.handle, buf)
		count = n
		return err
	})
	return count, err
}

// Write implements [net.Conn]. The bytes are queued for the reactor and
// the call returns once the engine accepted all of them; on deadline
// expiry it reports how many bytes the engine took so far.
func (c *StreamConn) Write(data []byte) (int, error) {
	if streamState(c.state.Load()) != streamConnected {
		return 0, net.ErrClosed
	}
	if len(data) <= 0 {
		return 0, nil
	}

	// 1. submit the write intent and wake the loop
	entry := newPendingWrite(data, netip.AddrPort{}, false)
	c.sk.pending.push(entry)
	c.sk.reactor.wakeLoop()

	// 2. wait until the whole chunk is merged into the engine buffer
	for {
		when, changed := c.wd.watch()
		var timerC <-chan time.Time
		var timer *time.Timer
		if !when.IsZero() {
			delta := time.Until(when)
			if delta <= 0 {
				entry.abandoned.Store(true)
				return int(entry.accepted.Load()), os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(delta)
			timerC = timer.C
		}

		var err error
		done := false
		select {
		case <-entry.flushed:
			done = true
		case <-timerC:
			err = os.ErrDeadlineExceeded
		case <-changed:
			// deadline replaced: recompute the timer
		case <-c.sk.reactor.stopch:
			err = net.ErrClosed
		}
		if timer != nil {
			timer.Stop()
		}
		if done {
			return int(entry.accepted.Load()), errorsRemap(entry.err)
		}
		if err != nil {
			entry.abandoned.Store(true)
			return int(entry.accepted.Load()), err
		}
	}
}

// Close implements [net.Conn]. It submits the half-close intent to the
// engine and releases the handle; the engine completes any protocol
// teardown during subsequent polls.
func (c *StreamConn) Close() error {
	switch streamState(c.state.Swap(int32(streamClosing))) {
	case streamClosing, streamClosed, streamFailed:
		return net.ErrClosed
	default:
	}

	r := c.sk.reactor
	r.mu.Lock()
	_ = r.engine.Shutdown(c.sk.handle)
	r.mu.Unlock()
	r.deregister(c.sk)
	c.state.Store(int32(streamClosed))
	return nil
}

// LocalAddr implements [net.Conn].
func (c *StreamConn) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.laddr)
}

// RemoteAddr implements [net.Conn].
func (c *StreamConn) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.raddr)
}

// SetDeadline implements [net.Conn].
func (c *StreamConn) SetDeadline(t time.Time) error {
	c.rd.set(t)
	c.wd.set(t)
	return nil
}

// SetReadDeadline implements [net.Conn].
func (c *StreamConn) SetReadDeadline(t time.Time) error {
	c.rd.set(t)
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	c.wd.set(t)
	return nil
}
