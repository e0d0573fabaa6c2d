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
	"syscall"
	"time"
)

// DatagramConn is a datagram socket backed by a reactor-driven engine.
// It implements [net.PacketConn].
//
// Construct using [*Network.OpenDatagram].
type DatagramConn struct {
	// sk is the reactor-side socket record.
	sk *reactorSocket

	// laddr is the bound local address.
	laddr netip.AddrPort

	// closed is set once Close ran.
	closed atomic.Bool

	// rd and wd are the read and write deadlines.
	rd *deadlineCell
	wd *deadlineCell
}

var _ net.PacketConn = &DatagramConn{}

// openDatagram registers a datagram engine socket.
func openDatagram(r *Reactor, laddr netip.AddrPort) (*DatagramConn, error) {
	sk, err := r.register(SocketSpec{Kind: SocketDatagram, LocalAddr: laddr})
	if err != nil {
		return nil, errorsRemap(err)
	}
	r.mu.Lock()
	bound := r.engine.LocalAddr(sk.handle)
	r.mu.Unlock()
	return &DatagramConn{
		sk:     sk,
		laddr:  bound,
		closed: atomic.Bool{},
		rd:     newDeadlineCell(),
		wd:     newDeadlineCell(),
	}, nil
}

// ReadFrom implements [net.PacketConn]. It blocks until a datagram is
// available or the read deadline expires.
func (dc *DatagramConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	if dc.closed.Load() {
		return 0, nil, net.ErrClosed
	}

	var count int
	var peer netip.AddrPort
	err := dc.sk.ioLoop(nil, dc.rd, interestReadable, func(eng Engine) error {
		n, from, err := eng.RecvFrom(dc.sk.handle, buf)
		count, peer = n, from
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return count, net.UDPAddrFromAddrPort(peer), nil
}

// WriteTo implements [net.PacketConn]. The datagram is queued for the
// reactor in submission order and the call returns immediately; the
// engine picks it up during the next run-step.
func (dc *DatagramConn) WriteTo(pkt []byte, addr net.Addr) (int, error) {
	if dc.closed.Load() {
		return 0, net.ErrClosed
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, syscall.EAFNOSUPPORT
	}

	// unmap so a 16-byte net.IP holding an IPv4 address stays IPv4
	// rather than becoming an IPv4-mapped IPv6 destination
	dest := udpAddr.AddrPort()
	dest = netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port())

	entry := newPendingWrite(pkt, dest, true)
	dc.sk.pending.push(entry)
	dc.sk.reactor.wakeLoop()
	return len(pkt), nil
}

// Close implements [net.PacketConn].
func (dc *DatagramConn) Close() error {
	if dc.closed.Swap(true) {
		return net.ErrClosed
	}
	r := dc.sk.reactor
	r.mu.Lock()
	_ = r.engine.Shutdown(dc.sk.handle)
	r.mu.Unlock()
	r.deregister(dc.sk)
	return nil
}

// LocalAddr implements [net.PacketConn].
func (dc *DatagramConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(dc.laddr)
}

// SetDeadline implements [net.PacketConn].
func (dc *DatagramConn) SetDeadline(t time.Time) error {
	dc.rd.set(t)
	dc.wd.set(t)
	return nil
}

// SetReadDeadline implements [net.PacketConn].
func (dc *DatagramConn) SetReadDeadline(t time.Time) error {
	dc.rd.set(t)
	return nil
}

// SetWriteDeadline implements [net.PacketConn].
func (dc *DatagramConn) SetWriteDeadline(t time.Time) error {
	dc.wd.set(t)
	return nil
}
