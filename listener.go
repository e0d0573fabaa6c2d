//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package upn

import (
	"net"
	"net/netip"
	"sync/atomic"
)

// StreamListener is a listening stream socket backed by a reactor-driven
// engine. It implements [net.Listener].
//
// Construct using [*Network.ListenStream].
type StreamListener struct {
	// sk is the reactor-side socket record.
	sk *reactorSocket

	// laddr is the bound local address.
	laddr netip.AddrPort

	// closed is set once Close ran.
	closed atomic.Bool
}

var _ net.Listener = &StreamListener{}

// listenStream registers a listening engine socket.
func listenStream(r *Reactor, laddr netip.AddrPort, backlog int) (*StreamListener, error) {
	sk, err := r.register(SocketSpec{Kind: SocketListener, LocalAddr: laddr, Backlog: backlog})
	if err != nil {
		return nil, errorsRemap(err)
	}
	r.mu.Lock()
	bound := r.engine.LocalAddr(sk.handle)
	r.mu.Unlock()
	return &StreamListener{
		sk:     sk,
		laddr:  bound,
		closed: atomic.Bool{},
	}, nil
}

// Accept implements [net.Listener]. It blocks until a pending
// connection is available and hands it off as a connected [*StreamConn].
//
// Several goroutines may call Accept concurrently: each pending
// connection resolves exactly one of them and the others keep waiting.
func (lx *StreamListener) Accept() (net.Conn, error) {
	if lx.closed.Load() {
		return nil, net.ErrClosed
	}

	var conn *StreamConn
	err := lx.sk.ioLoop(nil, nil, interestAccepted, func(eng Engine) error {
		handle, raddr, err := eng.Accept(lx.sk.handle)
		if err != nil {
			return err
		}
		// adopt the accepted engine socket into the registry while we
		// still hold the engine guard
		sk := lx.sk.reactor.adoptLocked(handle)
		conn = newStreamConn(sk, eng.LocalAddr(handle), raddr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close implements [net.Listener]. Pending Accept calls are woken and
// fail with [net.ErrClosed]; connections already accepted stay open.
func (lx *StreamListener) Close() error {
	if lx.closed.Swap(true) {
		return net.ErrClosed
	}
	r := lx.sk.reactor
	r.mu.Lock()
	_ = r.engine.Shutdown(lx.sk.handle)
	r.mu.Unlock()
	r.deregister(lx.sk)
	return nil
}

// Addr implements [net.Listener].
func (lx *StreamListener) Addr() net.Addr {
	return net.TCPAddrFromAddrPort(lx.laddr)
}
