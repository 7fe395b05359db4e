package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestAllocatorMonotonic(t *testing.T) {
	a := NewBlockAllocator(testLogger())

	var prev int64
	for i := 0; i < 100; i++ {
		b := a.Allocate(OpInsert)
		require.Greater(t, b.Number, prev, "allocation order is visibility order")
		prev = b.Number
		a.Release(b)
	}
}

func TestAllocatorRaiseFloor(t *testing.T) {
	a := NewBlockAllocator(testLogger())
	a.RaiseFloor(41)
	require.Equal(t, int64(42), a.Allocate(OpInsert).Number)

	a.RaiseFloor(10) // never lowers
	require.Equal(t, int64(43), a.Allocate(OpInsert).Number)
}

func TestWaitUntilSettled(t *testing.T) {
	a := NewBlockAllocator(testLogger())

	insert := a.Allocate(OpInsert)
	update := a.Allocate(OpUpdate)
	waitBelow := a.Allocate(OpUpdate).Number

	skipUpdates := func(b CommittingBlock) bool { return b.Op == OpUpdate }

	done := make(chan error, 1)
	go func() {
		done <- a.WaitUntilSettled(waitBelow, 5*time.Second, skipUpdates)
	}()

	// The in-flight insert below the wait point must hold the waiter.
	select {
	case <-done:
		t.Fatal("waiter returned while an insert was still committing")
	case <-time.After(50 * time.Millisecond):
	}

	a.Release(insert)
	select {
	case err := <-done:
		require.NoError(t, err, "other updates are skipped by the filter")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake after the insert settled")
	}
	a.Release(update)
}

func TestWaitUntilSettledTimeout(t *testing.T) {
	a := NewBlockAllocator(testLogger())
	insert := a.Allocate(OpInsert)
	defer a.Release(insert)
	below := a.Allocate(OpUpdate)
	defer a.Release(below)

	err := a.WaitUntilSettled(below.Number, 50*time.Millisecond, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTimeoutExceeded))
}

func TestBlockHolderReleaseIdempotent(t *testing.T) {
	a := NewBlockAllocator(testLogger())
	h := a.Hold(OpMutation)
	require.Len(t, a.Inflight(), 1)
	h.Release()
	h.Release()
	require.Empty(t, a.Inflight())
}

func TestAllocatorConcurrentOrder(t *testing.T) {
	a := NewBlockAllocator(testLogger())

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := a.Allocate(OpInsert)
			mu.Lock()
			require.False(t, seen[b.Number], "numbers are unique")
			seen[b.Number] = true
			mu.Unlock()
			a.Release(b)
		}()
	}
	wg.Wait()
	require.Len(t, seen, 50)
}
