// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Mesh is an in-memory frame fabric connecting [*MeshTransport]
// instances: frames sent by one transport are routed to another one
// based on the destination IP address of the raw packet.
//
// Frames do not move on their own. You either read them from
// [*Mesh.InFlight] and forward the ones you like via [*Mesh.Deliver],
// which gives tests full control over delays, losses, and inspection,
// or you run [*Mesh.Forward] in a background goroutine to route
// everything unconditionally.
//
// Construct using [NewMesh].
type Mesh struct {
	// inflight is the channel receiving in-flight frames.
	inflight chan Frame

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// routes contains the known routes.
	routes map[netip.Addr]*MeshTransport
}

// MeshOption is an option for [NewMesh].
type MeshOption func(cfg *meshConfig)

// meshConfig is the internal type modified by [MeshOption].
type meshConfig struct {
	maxInFlight int
}

// DefaultMaxInFlight is the default maximum number of in-flight frames.
const DefaultMaxInFlight = 1024

// MeshOptionMaxInFlight sets the maximum number of in-flight frames.
//
// The default is [DefaultMaxInFlight] frames. When the channel is full,
// additional frames are silently dropped.
func MeshOptionMaxInFlight(max int) MeshOption {
	return func(cfg *meshConfig) {
		cfg.maxInFlight = max
	}
}

// NewMesh creates and returns a new [*Mesh] instance.
func NewMesh(options ...MeshOption) *Mesh {
	cfg := &meshConfig{
		maxInFlight: DefaultMaxInFlight,
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Mesh{
		inflight: make(chan Frame, cfg.maxInFlight),
		mu:       sync.RWMutex{},
		routes:   make(map[netip.Addr]*MeshTransport),
	}
}

// NewTransport creates a new [*MeshTransport] attached to the mesh.
//
// The mtu parameter sets the MTU in bytes. Common values:
//
// - [MTUEthernet]
// - [MTUMinimumIPv6]
// - [MTUJumbo]
func (mx *Mesh) NewTransport(mtu uint32) *MeshTransport {
	return &MeshTransport{
		closed:  false,
		inbound: make(chan Frame, DefaultMaxInFlight),
		mesh:    mx,
		mtu:     mtu,
		mu:      sync.Mutex{},
	}
}

// AddRoute registers the given [*MeshTransport] to have the given
// addresses such that it is possible to route frames to it.
//
// This method fails if the claimed addresses are already in use.
func (mx *Mesh) AddRoute(tx *MeshTransport, addrs ...netip.Addr) error {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	for _, addr := range addrs {
		if _, found := mx.routes[addr]; found {
			return fmt.Errorf("duplicate address detected: %s", addr.String())
		}
		mx.routes[addr] = tx
	}
	return nil
}

// InFlight returns the channel where in-flight frames are posted.
func (mx *Mesh) InFlight() <-chan Frame {
	return mx.inflight
}

// Deliver routes a frame to the appropriate transport based on the
// destination IP address of the raw packet.
//
// Returns false if the destination IP cannot be parsed, is not routable
// (no transport registered for that address), or injection fails.
func (mx *Mesh) Deliver(frame Frame) bool {
	// Parse the destination IP from the raw packet
	dstIP, ok := meshParseDestinationIP(frame.Payload)
	if !ok {
		return false
	}

	// Look up the transport for this destination
	mx.mu.RLock()
	tx := mx.routes[dstIP]
	mx.mu.RUnlock()

	// Drop if no route exists (including broadcast/multicast/unknown)
	if tx == nil {
		return false
	}

	// Inject the frame into the destination transport
	return tx.inject(frame)
}

// Forward routes frames unconditionally until the context is done.
func (mx *Mesh) Forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-mx.inflight:
			_ = mx.Deliver(frame)
		}
	}
}

// meshParseDestinationIP extracts the destination IP from a raw packet
// using the gVisor header views.
func meshParseDestinationIP(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}

	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < header.IPv4MinimumSize {
			return netip.Addr{}, false
		}
		dstAddr := header.IPv4(pkt).DestinationAddress()
		return netip.AddrFromSlice(dstAddr.AsSlice())

	case 6:
		if len(pkt) < header.IPv6MinimumSize {
			return netip.Addr{}, false
		}
		dstAddr := header.IPv6(pkt).DestinationAddress()
		return netip.AddrFromSlice(dstAddr.AsSlice())

	default:
		return netip.Addr{}, false
	}
}

// MeshTransport is one attachment point on a [*Mesh]. It implements the
// [Transport] interface, so a [*Reactor] can use it as its link.
//
// Construct using [*Mesh.NewTransport].
type MeshTransport struct {
	// closed indicates this transport should not accept more work.
	closed bool

	// inbound posts the frames routed to this transport.
	inbound chan Frame

	// mesh is the mesh we are attached to.
	mesh *Mesh

	// mtu holds the link MTU.
	mtu uint32

	// mu provides mutual exclusion.
	mu sync.Mutex
}

var _ Transport = &MeshTransport{}

// Frames implements [Transport].
func (tx *MeshTransport) Frames() <-chan Frame {
	return tx.inbound
}

// Send implements [Transport]. A frame larger than the MTU or sent
// after Close is an error; a frame dropped because the mesh in-flight
// buffer is full is silently lost, like on a congested link.
func (tx *MeshTransport) Send(frame Frame) error {
	tx.mu.Lock()
	closed := tx.closed
	tx.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	if len(frame.Payload) <= 0 {
		return fmt.Errorf("refusing to send an empty frame")
	}
	if uint32(len(frame.Payload)) > tx.mtu {
		return fmt.Errorf("frame size %d exceeds the MTU %d", len(frame.Payload), tx.mtu)
	}
	select {
	case tx.mesh.inflight <- frame:
	default:
	}
	return nil
}

// MTU implements [Transport].
func (tx *MeshTransport) MTU() uint32 {
	return tx.mtu
}

// inject delivers A COPY OF the raw packet to this transport's inbound
// channel. Returns false if the transport is closed, the frame exceeds
// the MTU, or the inbound buffer is full.
func (tx *MeshTransport) inject(frame Frame) bool {
	if len(frame.Payload) <= 0 || uint32(len(frame.Payload)) > tx.mtu {
		return false
	}
	copied := make([]byte, len(frame.Payload))
	copy(copied, frame.Payload)
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false
	}
	select {
	case tx.inbound <- Frame{Payload: copied}:
		return true
	default:
		return false
	}
}

// Close detaches the transport from the mesh and closes the inbound
// channel, which the reactor observes as link teardown.
func (tx *MeshTransport) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.closed {
		tx.closed = true
		close(tx.inbound)
	}
	return nil
}
