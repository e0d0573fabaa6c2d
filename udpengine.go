// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"errors"
	"fmt"
	"net/netip"
	"syscall"
	"time"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// UDPEngine is a small poll-driven [Engine] implementing UDP over raw
// IPv4/IPv6 packets. It supports datagram sockets only: registering a
// stream or listener socket fails with [ErrStreamNotSupported].
//
// Inbound packets are accepted when their destination address matches a
// configured interface address, or unconditionally when the any-IP flag
// is set. Outbound datagrams become checksummed UDP/IP packets; the
// source address is the socket's bound address or, when unspecified,
// the first configured address of the destination's family.
//
// Like any [Engine], a UDPEngine must be driven by a single [*Reactor]
// and performs no internal locking.
//
// Construct using [NewUDPEngine].
type UDPEngine struct {
	// nextHandle is the next handle to allocate.
	nextHandle EngineHandle

	// nextPort is the next ephemeral port candidate.
	nextPort uint16

	// ports maps bound ports to socket handles.
	ports map[uint16]EngineHandle

	// sockets maps handles to socket state.
	sockets map[EngineHandle]*udpEngineSocket

	// state is the interface configuration.
	state InterfaceState
}

// ErrStreamNotSupported is returned by [*UDPEngine.Register] for stream
// and listener socket specs.
var ErrStreamNotSupported = errors.New("upn: udp engine does not support stream sockets")

// udpQueueLenDefault is the default per-socket queue length in
// datagrams, used when the spec does not say otherwise.
const udpQueueLenDefault = 128

// udpEphemeralStart is the first ephemeral port candidate.
const udpEphemeralStart = 49152

// udpDatagram is one queued datagram along with its peer address: the
// destination when queued for sending, the source when received.
type udpDatagram struct {
	payload []byte
	peer    netip.AddrPort
}

// udpEngineSocket is the engine-side state of one datagram socket.
type udpEngineSocket struct {
	// closed indicates the socket was shut down.
	closed bool

	// local is the bound local address.
	local netip.AddrPort

	// recvq and sendq are the datagram queues.
	recvq []udpDatagram
	sendq []udpDatagram

	// recvmax and sendmax bound the queues.
	recvmax int
	sendmax int
}

// NewUDPEngine creates a new [*UDPEngine] instance.
func NewUDPEngine() *UDPEngine {
	return &UDPEngine{
		nextHandle: 1,
		nextPort:   udpEphemeralStart,
		ports:      make(map[uint16]EngineHandle),
		sockets:    make(map[EngineHandle]*udpEngineSocket),
		state:      InterfaceState{},
	}
}

var _ Engine = &UDPEngine{}

// Register implements [Engine].
func (ux *UDPEngine) Register(spec SocketSpec) (EngineHandle, error) {
	if spec.Kind != SocketDatagram {
		return 0, ErrStreamNotSupported
	}

	// bind the requested or an ephemeral port
	port := spec.LocalAddr.Port()
	if port == 0 {
		allocated, err := ux.allocatePort()
		if err != nil {
			return 0, err
		}
		port = allocated
	} else if _, inuse := ux.ports[port]; inuse {
		return 0, syscall.EADDRINUSE
	}

	recvmax := spec.RecvBufferSize
	if recvmax <= 0 {
		recvmax = udpQueueLenDefault
	}
	sendmax := spec.SendBufferSize
	if sendmax <= 0 {
		sendmax = udpQueueLenDefault
	}

	handle := ux.nextHandle
	ux.nextHandle++
	ux.ports[port] = handle
	ux.sockets[handle] = &udpEngineSocket{
		closed:  false,
		local:   netip.AddrPortFrom(spec.LocalAddr.Addr(), port),
		recvq:   nil,
		sendq:   nil,
		recvmax: recvmax,
		sendmax: sendmax,
	}
	return handle, nil
}

// allocatePort finds a free ephemeral port.
func (ux *UDPEngine) allocatePort() (uint16, error) {
	for attempt := 0; attempt < 65536; attempt++ {
		candidate := ux.nextPort
		ux.nextPort++
		if ux.nextPort == 0 {
			ux.nextPort = udpEphemeralStart
		}
		if candidate == 0 {
			continue
		}
		if _, inuse := ux.ports[candidate]; !inuse {
			return candidate, nil
		}
	}
	return 0, syscall.EADDRINUSE
}

// Deregister implements [Engine].
func (ux *UDPEngine) Deregister(handle EngineHandle) {
	sk, found := ux.sockets[handle]
	if !found {
		return
	}
	delete(ux.ports, sk.local.Port())
	delete(ux.sockets, handle)
}

// Poll implements [Engine]. It delivers the inbound packets to the
// bound sockets and encodes the queued outbound datagrams. The engine
// keeps no timers, so the returned deadline is always zero.
func (ux *UDPEngine) Poll(now time.Time, inbound []Frame) ([]Frame, time.Time) {
	for _, frame := range inbound {
		ux.deliver(frame)
	}

	var outbound []Frame
	for _, sk := range ux.sockets {
		for _, dgram := range sk.sendq {
			frame, err := ux.encode(sk, dgram)
			if err != nil {
				continue
			}
			outbound = append(outbound, frame)
		}
		sk.sendq = nil
	}
	return outbound, time.Time{}
}

// deliver enqueues one inbound packet to the matching socket, if any.
func (ux *UDPEngine) deliver(frame Frame) {
	src, dst, payload, ok := udpDecodeFrame(frame.Payload)
	if !ok {
		return
	}

	// only accept packets for configured addresses, unless any-IP
	if !ux.state.HasAddr(dst.Addr()) {
		return
	}

	// match on the destination port, then on the bound address
	handle, found := ux.ports[dst.Port()]
	if !found {
		return
	}
	sk := ux.sockets[handle]
	if sk.closed {
		return
	}
	boundAddr := sk.local.Addr()
	if boundAddr.IsValid() && !boundAddr.IsUnspecified() && boundAddr != dst.Addr() {
		return
	}

	// drop when the receive queue is full
	if len(sk.recvq) >= sk.recvmax {
		return
	}
	sk.recvq = append(sk.recvq, udpDatagram{payload: payload, peer: src})
}

// encode builds the raw packet for one outbound datagram.
func (ux *UDPEngine) encode(sk *udpEngineSocket, dgram udpDatagram) (Frame, error) {
	src := sk.local.Addr()
	if !src.IsValid() || src.IsUnspecified() {
		picked, ok := ux.pickSourceAddr(dgram.peer.Addr())
		if !ok {
			return Frame{}, ErrUnreachable
		}
		src = picked
	}
	if src.Is4() != dgram.peer.Addr().Is4() {
		return Frame{}, ErrUnreachable
	}
	pkt := udpEncodeFrame(
		netip.AddrPortFrom(src, sk.local.Port()),
		dgram.peer,
		dgram.payload,
	)
	return pkt, nil
}

// pickSourceAddr returns the first configured address with the same
// family as the destination.
func (ux *UDPEngine) pickSourceAddr(dst netip.Addr) (netip.Addr, bool) {
	for _, prefix := range ux.state.Addresses {
		if prefix.Addr().Is4() == dst.Is4() {
			return prefix.Addr(), true
		}
	}
	return netip.Addr{}, false
}

// Status implements [Engine].
func (ux *UDPEngine) Status(handle EngineHandle) SocketStatus {
	sk, found := ux.sockets[handle]
	if !found {
		return SocketStatus{Closed: true}
	}
	return SocketStatus{
		Readable:      len(sk.recvq) > 0,
		Writable:      !sk.closed && len(sk.sendq) < sk.sendmax,
		Connected:     false,
		AcceptPending: false,
		Closed:        sk.closed,
		Err:           nil,
	}
}

// Connect implements [Engine].
func (ux *UDPEngine) Connect(handle EngineHandle, raddr netip.AddrPort) error {
	return ErrStreamNotSupported
}

// Accept implements [Engine].
func (ux *UDPEngine) Accept(handle EngineHandle) (EngineHandle, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, ErrStreamNotSupported
}

// Read implements [Engine].
func (ux *UDPEngine) Read(handle EngineHandle, buf []byte) (int, error) {
	return 0, ErrStreamNotSupported
}

// Write implements [Engine].
func (ux *UDPEngine) Write(handle EngineHandle, data []byte) (int, error) {
	return 0, ErrStreamNotSupported
}

// RecvFrom implements [Engine].
func (ux *UDPEngine) RecvFrom(handle EngineHandle, buf []byte) (int, netip.AddrPort, error) {
	sk, found := ux.sockets[handle]
	if !found || sk.closed {
		return 0, netip.AddrPort{}, ErrClosed
	}
	if len(sk.recvq) <= 0 {
		return 0, netip.AddrPort{}, ErrAgain
	}
	dgram := sk.recvq[0]
	sk.recvq = sk.recvq[1:]
	count := copy(buf, dgram.payload)
	return count, dgram.peer, nil
}

// SendTo implements [Engine].
func (ux *UDPEngine) SendTo(handle EngineHandle, data []byte, raddr netip.AddrPort) (int, error) {
	sk, found := ux.sockets[handle]
	if !found || sk.closed {
		return 0, ErrClosed
	}
	if len(sk.sendq) >= sk.sendmax {
		return 0, ErrAgain
	}
	// unmap IPv4-mapped destinations so encode sees the real family
	raddr = netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port())
	owned := make([]byte, len(data))
	copy(owned, data)
	sk.sendq = append(sk.sendq, udpDatagram{payload: owned, peer: raddr})
	return len(data), nil
}

// Shutdown implements [Engine].
func (ux *UDPEngine) Shutdown(handle EngineHandle) error {
	sk, found := ux.sockets[handle]
	if !found {
		return ErrClosed
	}
	sk.closed = true
	return nil
}

// LocalAddr implements [Engine].
func (ux *UDPEngine) LocalAddr(handle EngineHandle) netip.AddrPort {
	sk, found := ux.sockets[handle]
	if !found {
		return netip.AddrPort{}
	}
	local := sk.local
	if !local.Addr().IsValid() {
		// bound to the unspecified address of no particular family:
		// report the IPv4 unspecified address like kernels do
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}
	return local
}

// RemoteAddr implements [Engine].
func (ux *UDPEngine) RemoteAddr(handle EngineHandle) netip.AddrPort {
	return netip.AddrPort{}
}

// UpdateInterface implements [Engine].
func (ux *UDPEngine) UpdateInterface(state InterfaceState) {
	ux.state = state.Clone()
}

// udpDecodeFrame parses a raw IPv4/IPv6 packet carrying UDP. It returns
// the source and destination endpoints and A COPY OF the UDP payload.
func udpDecodeFrame(pkt []byte) (src, dst netip.AddrPort, payload []byte, ok bool) {
	if len(pkt) < 1 {
		return netip.AddrPort{}, netip.AddrPort{}, nil, false
	}

	var (
		srcAddr   tcpip.Address
		dstAddr   tcpip.Address
		transport []byte
	)
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < header.IPv4MinimumSize {
			return netip.AddrPort{}, netip.AddrPort{}, nil, false
		}
		hdr := header.IPv4(pkt)
		if !hdr.IsValid(len(pkt)) || hdr.TransportProtocol() != header.UDPProtocolNumber {
			return netip.AddrPort{}, netip.AddrPort{}, nil, false
		}
		srcAddr, dstAddr, transport = hdr.SourceAddress(), hdr.DestinationAddress(), hdr.Payload()

	case 6:
		if len(pkt) < header.IPv6MinimumSize {
			return netip.AddrPort{}, netip.AddrPort{}, nil, false
		}
		hdr := header.IPv6(pkt)
		if !hdr.IsValid(len(pkt)) || hdr.TransportProtocol() != header.UDPProtocolNumber {
			return netip.AddrPort{}, netip.AddrPort{}, nil, false
		}
		srcAddr, dstAddr, transport = hdr.SourceAddress(), hdr.DestinationAddress(), hdr.Payload()

	default:
		return netip.AddrPort{}, netip.AddrPort{}, nil, false
	}

	if len(transport) < header.UDPMinimumSize {
		return netip.AddrPort{}, netip.AddrPort{}, nil, false
	}
	udp := header.UDP(transport)
	if int(udp.Length()) < header.UDPMinimumSize || int(udp.Length()) > len(transport) {
		return netip.AddrPort{}, netip.AddrPort{}, nil, false
	}

	srcIP, okSrc := netip.AddrFromSlice(srcAddr.AsSlice())
	dstIP, okDst := netip.AddrFromSlice(dstAddr.AsSlice())
	if !okSrc || !okDst {
		return netip.AddrPort{}, netip.AddrPort{}, nil, false
	}

	body := udp.Payload()[:int(udp.Length())-header.UDPMinimumSize]
	copied := make([]byte, len(body))
	copy(copied, body)
	return netip.AddrPortFrom(srcIP, udp.SourcePort()),
		netip.AddrPortFrom(dstIP, udp.DestinationPort()),
		copied, true
}

// udpEncodeFrame builds a raw IPv4/IPv6 packet carrying one UDP
// datagram, with both checksums computed.
//
// This function PANICs when src and dst belong to different families.
func udpEncodeFrame(src, dst netip.AddrPort, payload []byte) Frame {
	runtimex.Assert(src.Addr().Is4() == dst.Addr().Is4())
	if src.Addr().Is4() {
		return udpEncodeFrame4(src, dst, payload)
	}
	return udpEncodeFrame6(src, dst, payload)
}

func udpEncodeFrame4(src, dst netip.AddrPort, payload []byte) Frame {
	udpLen := header.UDPMinimumSize + len(payload)
	totalLen := header.IPv4MinimumSize + udpLen
	buf := make([]byte, totalLen)

	srcAddr := tcpip.AddrFromSlice(src.Addr().AsSlice())
	dstAddr := tcpip.AddrFromSlice(dst.Addr().AsSlice())

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLen),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     srcAddr,
		DstAddr:     dstAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udpEncodeTransport(buf[header.IPv4MinimumSize:], src, dst, srcAddr, dstAddr, payload)
	return Frame{Payload: buf}
}

func udpEncodeFrame6(src, dst netip.AddrPort, payload []byte) Frame {
	udpLen := header.UDPMinimumSize + len(payload)
	buf := make([]byte, header.IPv6MinimumSize+udpLen)

	srcAddr := tcpip.AddrFromSlice(src.Addr().AsSlice())
	dstAddr := tcpip.AddrFromSlice(dst.Addr().AsSlice())

	ip := header.IPv6(buf)
	ip.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(udpLen),
		TransportProtocol: header.UDPProtocolNumber,
		HopLimit:          64,
		SrcAddr:           srcAddr,
		DstAddr:           dstAddr,
	})

	udpEncodeTransport(buf[header.IPv6MinimumSize:], src, dst, srcAddr, dstAddr, payload)
	return Frame{Payload: buf}
}

// udpEncodeTransport fills in the UDP header and payload.
func udpEncodeTransport(buf []byte, src, dst netip.AddrPort,
	srcAddr, dstAddr tcpip.Address, payload []byte) {
	udpLen := header.UDPMinimumSize + len(payload)
	udp := header.UDP(buf)
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(udpLen),
	})
	copy(buf[header.UDPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(
		header.UDPProtocolNumber, srcAddr, dstAddr, uint16(udpLen))
	xsum = checksum.Checksum(payload, xsum)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))
}

// String returns a short description useful in logs.
func (ux *UDPEngine) String() string {
	return fmt.Sprintf("udpengine[%d sockets]", len(ux.sockets))
}
