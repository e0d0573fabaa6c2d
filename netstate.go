// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"net"
	"net/netip"
)

// Route is one routing table entry consumed by the [Engine].
type Route struct {
	// Destination is the subnet this route covers.
	Destination netip.Prefix

	// Gateway is the next hop, or the zero value for on-link routes.
	Gateway netip.Addr
}

// InterfaceState is the mutable interface configuration consumed by the
// [Engine]: local addresses, a routing table, a neighbor cache, and the
// any-IP flag. The [*Network] owns the authoritative copy and mutates it
// under the same exclusive-access guard that serializes engine polls, so
// the engine never observes a half-updated state.
type InterfaceState struct {
	// Addresses contains the local interface addresses.
	Addresses []netip.Prefix

	// Routes contains the routing table.
	Routes []Route

	// Neighbors maps on-link IP addresses to link-layer addresses.
	Neighbors map[netip.Addr]net.HardwareAddr

	// AnyIP makes the engine accept packets for any destination
	// address, not just the configured ones.
	AnyIP bool
}

// Clone returns a deep copy of the state.
func (st InterfaceState) Clone() InterfaceState {
	out := InterfaceState{
		Addresses: make([]netip.Prefix, len(st.Addresses)),
		Routes:    make([]Route, len(st.Routes)),
		Neighbors: make(map[netip.Addr]net.HardwareAddr, len(st.Neighbors)),
		AnyIP:     st.AnyIP,
	}
	copy(out.Addresses, st.Addresses)
	copy(out.Routes, st.Routes)
	for addr, hw := range st.Neighbors {
		out.Neighbors[addr] = hw
	}
	return out
}

// HasAddr reports whether addr matches one of the configured local
// addresses, or whether the any-IP flag is set.
func (st InterfaceState) HasAddr(addr netip.Addr) bool {
	if st.AnyIP {
		return true
	}
	for _, prefix := range st.Addresses {
		if prefix.Addr() == addr {
			return true
		}
	}
	return false
}
