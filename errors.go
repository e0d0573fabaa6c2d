//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package upn

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrAgain indicates that an [Engine] buffer primitive cannot make
// progress yet. This error never escapes the package API: socket handles
// consume it and await the corresponding readiness condition instead.
var ErrAgain = errors.New("upn: operation would block")

// Errors returned by socket handle operations. We alias stdlib and
// syscall errors so that callers can keep using errors.Is and the
// net.Error interface the way they would with kernel sockets.
var (
	// ErrClosed indicates the operation ran after socket teardown.
	ErrClosed = net.ErrClosed

	// ErrTimeout indicates the caller deadline elapsed while awaiting
	// readiness. It satisfies net.Error with Timeout() == true.
	ErrTimeout = os.ErrDeadlineExceeded

	// ErrNotConnected indicates the stream socket is not connected.
	ErrNotConnected = syscall.ENOTCONN

	// ErrConnectionReset indicates the peer reset the connection.
	ErrConnectionReset = syscall.ECONNRESET

	// ErrConnectionRefused indicates the peer refused the connection.
	ErrConnectionRefused = syscall.ECONNREFUSED

	// ErrUnreachable indicates no route leads to the destination.
	ErrUnreachable = syscall.ENETUNREACH
)

// errorsMap maps engine error suffixes to stdlib errors.
//
// Engines written outside this package typically surface their own
// protocol errors as strings; this mapping lets the socket handles
// emulate stdlib errors regardless of the engine in use.
var errorsMap = map[string]error{
	"endpoint is closed for receive": net.ErrClosed,
	"endpoint is closed for send":    net.ErrClosed,
	"connection aborted":             syscall.ECONNABORTED,
	"connection was refused":         syscall.ECONNREFUSED,
	"connection refused":             syscall.ECONNREFUSED,
	"connection reset by peer":       syscall.ECONNRESET,
	"network is unreachable":         syscall.ENETUNREACH,
	"no route to host":               syscall.EHOSTUNREACH,
	"host is down":                   syscall.EHOSTDOWN,
	"machine is not on the network":  syscall.ENETDOWN,
	"operation timed out":            syscall.ETIMEDOUT,
	"endpoint is in invalid state":   syscall.EINVAL,
}

// errorsRemap maps an engine error to a stdlib error.
func errorsRemap(err error) error {
	if err != nil {
		estring := err.Error()
		for suffix, remapped := range errorsMap {
			if strings.HasSuffix(estring, suffix) {
				return remapped
			}
		}
	}
	return err
}
