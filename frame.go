// SPDX-License-Identifier: GPL-3.0-or-later

package upn

// Frame models one link-layer frame exchanged with a [Transport].
//
// The reactor treats the payload as opaque bytes; only engines and
// transports ever look inside it.
type Frame struct {
	// Payload contains the raw frame bytes.
	Payload []byte
}

// Transport moves raw frames over an underlying link. Implementations
// include packet-capture devices, virtual NICs, and the in-memory
// [*MeshTransport] bundled with this package.
//
// A transport is single-consumer: only the [Reactor] reads frames from
// it and only the reactor sends frames through it.
type Transport interface {
	// Frames returns the channel posting inbound frames. A non-blocking
	// receive is a select with a default case on this channel; the reactor
	// also uses it to learn that a frame arrived while it was sleeping.
	// The channel is closed when the transport shuts down.
	Frames() <-chan Frame

	// Send transmits a frame over the link. A failed send is a transport
	// error: the reactor logs it and continues with the next frame.
	Send(frame Frame) error

	// MTU returns the maximum payload size in bytes. The value is
	// queried once at setup and must not change afterwards.
	MTU() uint32
}
