package storage

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestUpdateGateColumnConflict(t *testing.T) {
	g := newUpdateGate()

	release, err := g.acquireColumns([]string{"b", "a"}, 100*time.Millisecond)
	require.NoError(t, err)

	_, err = g.acquireColumns([]string{"a"}, 30*time.Millisecond)
	require.True(t, errors.Is(err, ErrTimeoutExceeded), "held column blocks a second update")

	// Disjoint columns proceed concurrently.
	release2, err := g.acquireColumns([]string{"c"}, 30*time.Millisecond)
	require.NoError(t, err)
	release2()

	release()
	release3, err := g.acquireColumns([]string{"a", "b"}, 30*time.Millisecond)
	require.NoError(t, err)
	release3()
}

func TestUpdateGateTimeoutReleasesPartialLocks(t *testing.T) {
	g := newUpdateGate()

	release, err := g.acquireColumns([]string{"b"}, 100*time.Millisecond)
	require.NoError(t, err)

	// Wants a then b; b is held, so the acquired a must be given back.
	_, err = g.acquireColumns([]string{"a", "b"}, 30*time.Millisecond)
	require.Error(t, err)

	releaseA, err := g.acquireColumns([]string{"a"}, 30*time.Millisecond)
	require.NoError(t, err, "partial acquisition was rolled back")
	releaseA()
	release()
}

func TestUpdateGateTableLock(t *testing.T) {
	g := newUpdateGate()

	release, err := g.acquireTable(50 * time.Millisecond)
	require.NoError(t, err)
	_, err = g.acquireTable(30 * time.Millisecond)
	require.True(t, errors.Is(err, ErrTimeoutExceeded))
	release()

	release2, err := g.acquireTable(50 * time.Millisecond)
	require.NoError(t, err)
	release2()
}
