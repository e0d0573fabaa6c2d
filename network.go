// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"context"
	"net"
	"net/netip"
)

// Network is the construction surface tying together a [Transport], an
// [Engine], and an [InterfaceState]: it owns the [*Reactor] driving the
// engine and exposes the socket creation operations plus the interface
// mutators.
//
// Construct using [NewNetwork].
type Network struct {
	// reactor is the reactor driving the engine.
	reactor *Reactor

	// state is the authoritative interface state. Guarded by the
	// reactor's engine guard so mutations never interleave with polls.
	state InterfaceState
}

// NewNetwork creates a [*Network]. The engine is configured with the
// given interface state and then handed to a new reactor, which starts
// polling immediately.
func NewNetwork(transport Transport, engine Engine, state InterfaceState, options ...ReactorOption) *Network {
	state = state.Clone()
	engine.UpdateInterface(state.Clone())
	return &Network{
		reactor: NewReactor(transport, engine, options...),
		state:   state,
	}
}

// DialStream opens a stream socket connected to the given address. The
// context bounds the connection handshake.
func (nx *Network) DialStream(ctx context.Context, raddr netip.AddrPort) (net.Conn, error) {
	return dialStream(ctx, nx.reactor, netip.AddrPort{}, raddr)
}

// ListenStream opens a listening stream socket bound to the given
// address.
func (nx *Network) ListenStream(laddr netip.AddrPort) (net.Listener, error) {
	return listenStream(nx.reactor, laddr, 0)
}

// OpenDatagram opens a datagram socket bound to the given address.
func (nx *Network) OpenDatagram(laddr netip.AddrPort) (net.PacketConn, error) {
	return openDatagram(nx.reactor, laddr)
}

// UpdateAddresses replaces the interface addresses. The change takes
// effect from the next poll and generates no socket-level event.
func (nx *Network) UpdateAddresses(addrs []netip.Prefix) {
	nx.mutateState(func(state *InterfaceState) {
		state.Addresses = append([]netip.Prefix{}, addrs...)
	})
}

// UpdateRoutes replaces the routing table. The change takes effect from
// the next poll and generates no socket-level event.
func (nx *Network) UpdateRoutes(routes []Route) {
	nx.mutateState(func(state *InterfaceState) {
		state.Routes = append([]Route{}, routes...)
	})
}

// UpdateNeighbors replaces the neighbor cache. The change takes effect
// from the next poll and generates no socket-level event.
func (nx *Network) UpdateNeighbors(neighbors map[netip.Addr]net.HardwareAddr) {
	nx.mutateState(func(state *InterfaceState) {
		state.Neighbors = make(map[netip.Addr]net.HardwareAddr, len(neighbors))
		for addr, hw := range neighbors {
			state.Neighbors[addr] = hw
		}
	})
}

// SetAnyIP sets the flag making the engine accept packets for any
// destination address.
func (nx *Network) SetAnyIP(flag bool) {
	nx.mutateState(func(state *InterfaceState) {
		state.AnyIP = flag
	})
}

// mutateState applies fn to the interface state and pushes the result
// to the engine under the engine guard, so the update is atomic
// relative to a poll.
func (nx *Network) mutateState(fn func(state *InterfaceState)) {
	nx.reactor.mu.Lock()
	fn(&nx.state)
	nx.reactor.engine.UpdateInterface(nx.state.Clone())
	nx.reactor.mu.Unlock()
	nx.reactor.wakeLoop()
}

// Close shuts down the reactor. Blocked socket operations are woken and
// fail with [net.ErrClosed].
func (nx *Network) Close() error {
	return nx.reactor.Close()
}
