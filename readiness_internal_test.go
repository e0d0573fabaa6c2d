// SPDX-License-Identifier: GPL-3.0-or-later

package upn

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadySlotMarkReadyIsIdempotent(t *testing.T) {
	slot := newReadySlot()

	var wakes atomic.Uint32
	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, gate := slot.watch()
		close(started)
		<-gate
		wakes.Add(1)
	}()
	<-started

	// marking twice without consumption must wake at most once
	slot.markReady()
	slot.markReady()
	<-finished
	assert.Equal(t, uint32(1), wakes.Load())

	ready, _ := slot.watch()
	assert.True(t, ready)
}

func TestReadySlotClearRearmsTheGate(t *testing.T) {
	slot := newReadySlot()

	slot.markReady()
	ready, gate := slot.watch()
	require.True(t, ready)
	select {
	case <-gate:
	default:
		t.Fatal("expected a closed gate while ready")
	}

	slot.clear()
	ready, gate = slot.watch()
	require.False(t, ready)
	select {
	case <-gate:
		t.Fatal("expected an open gate after clear")
	default:
	}

	// clearing a not-ready slot is a no-op
	slot.clear()
	ready, _ = slot.watch()
	assert.False(t, ready)
}

func TestReadySlotWakesEveryWaiterOnce(t *testing.T) {
	slot := newReadySlot()

	const numWaiters = 4
	var wakes atomic.Uint32
	wg := &sync.WaitGroup{}
	ready := &sync.WaitGroup{}
	for idx := 0; idx < numWaiters; idx++ {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()
			_, gate := slot.watch()
			ready.Done()
			<-gate
			wakes.Add(1)
		}()
	}
	ready.Wait()

	slot.markReady()
	wg.Wait()
	assert.Equal(t, uint32(numWaiters), wakes.Load())
}

func TestReadySlotAbandonedWaiterIsHarmless(t *testing.T) {
	slot := newReadySlot()

	// a goroutine that stops waiting simply drops its gate reference;
	// a later mark must neither panic nor wake anything stale
	_, gate := slot.watch()
	_ = gate

	require.NotPanics(t, slot.markReady)
	require.NotPanics(t, slot.markReady)
}

func TestDeadlineCellReplacementWakesWatchers(t *testing.T) {
	cell := newDeadlineCell()

	when, changed := cell.watch()
	require.True(t, when.IsZero())

	go cell.set(time.Now().Add(time.Hour))
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the change notification")
	}

	when, _ = cell.watch()
	assert.False(t, when.IsZero())
}
