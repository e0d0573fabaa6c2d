// SPDX-License-Identifier: GPL-3.0-or-later

package upn_test

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/iotest"
	"github.com/bassosimone/upn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCAPTraceCloseHeaderWriteError(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func([]byte) (int, error) {
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}
	trace := upn.NewPCAPTrace(wc, upn.MTUEthernet)
	err := trace.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, writeErr))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPCAPTraceDroppedWhenBufferFull(t *testing.T) {
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := upn.NewPCAPTrace(wc, upn.MTUEthernet, upn.PCAPTraceOptionBuffer(1))
	trace.Dump([]byte{0x00})
	trace.Dump([]byte{0x01})
	assert.Equal(t, uint64(1), trace.Dropped())
	close(gate)
	require.NoError(t, trace.Close())
}

func TestPCAPTraceFirstPacketWriteFails(t *testing.T) {
	// prepare the mock for failing during the first write
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	var countWrites uint32
	packetWrite := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			if atomic.AddUint32(&countWrites, 1) == 1 {
				return len(b), nil
			}
			close(packetWrite)
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}

	// create the dumper and dump the first packet whose write should fail
	trace := upn.NewPCAPTrace(wc, upn.MTUEthernet)
	trace.Dump([]byte{0x00})

	// wait for the first write to happen before continuing
	<-packetWrite

	// close the dumper and check we see both errors
	err := trace.Close()
	t.Log(err)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), writeErr.Error()))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPCAPTraceSnapshotting(t *testing.T) {
	var (
		mu  sync.Mutex
		out bytes.Buffer
	)
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			return out.Write(b)
		},
		CloseFunc: func() error {
			return nil
		},
	}

	// a packet longer than the snap size is truncated in the capture
	trace := upn.NewPCAPTrace(wc, 16)
	trace.Dump(make([]byte, 512))
	require.NoError(t, trace.Close())

	// pcap global header (24) + record header (16) + snapped bytes (16)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 24+16+16, out.Len())
}

func TestReactorTracesInboundFrames(t *testing.T) {
	var (
		mu  sync.Mutex
		out bytes.Buffer
	)
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			return out.Write(b)
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := upn.NewPCAPTrace(wc, upn.MTUEthernet)

	tx := newFakeTransport()
	nx := upn.NewNetwork(
		tx,
		newFakeEngine(),
		upn.InterfaceState{},
		upn.ReactorOptionTrace(trace),
		upn.ReactorOptionLogger(testLogger()),
	)
	defer nx.Close()

	// inject a frame: the reactor must hand it to the trace
	tx.inbound <- upn.Frame{Payload: []byte{0x45, 0x00, 0x00, 0x14}}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		size := out.Len()
		mu.Unlock()
		if size > 24 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("the trace never received the frame")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, nx.Close())
	require.NoError(t, trace.Close())
}