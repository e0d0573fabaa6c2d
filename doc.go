// SPDX-License-Identifier: GPL-3.0-or-later

// Package upn (Userspace Polled Networking) provides asynchronous TCP/UDP
// style networking over a poll-driven userspace protocol engine.
//
// A poll-driven engine (see [Engine]) owns all protocol state and only
// advances when its Poll method is invoked with the current time and any
// newly arrived frames. The heart of this package is the [Reactor]: the
// single owner of the engine that decides when to poll, moves raw frames
// between the engine and a [Transport], and wakes the goroutines blocked
// on per-socket readiness conditions.
//
// The typical usage is to create a [*Network] from a [Transport], an
// [Engine], and an [InterfaceState]. The network exposes socket creation
// operations such as [*Network.DialStream], [*Network.ListenStream], and
// [*Network.OpenDatagram], returning the familiar [net.Conn], [net.Listener]
// and [net.PacketConn] types. Many goroutines may use these sockets
// concurrently; all of them funnel through the one reactor, which is the
// only caller of engine operations.
//
// The package bundles a [*UDPEngine], a small poll-driven datagram engine
// speaking UDP over raw IPv4/IPv6 packets, and a [*Mesh], an in-memory
// frame fabric routing packets between transports by destination address.
// Together they let tests and examples run complete networks in memory
// with full control over packet flow.
//
// The [*PCAPTrace] type allows you to capture the frames crossing the
// reactor boundary in the PCAP format so that you can inspect what
// happened using tools such as wireshark.
package upn
