package storage_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/harshithgowdakt/mergetree/internal/storage"
)

func TestLightweightUpdateWritesPatchPart(t *testing.T) {
	table := newTestTable(t, nil, nil)
	require.NoError(t, table.Insert(makeBlock([]uint64{1, 2, 3, 4}, []int64{0, 0, 0, 0})))

	err := table.UpdateLightweight(context.Background(),
		parseCommands(t, "UPDATE v = 7 WHERE id <= 2"), storage.UpdateAuto)
	require.NoError(t, err)

	snap := table.Snapshot()
	require.Len(t, snap.Parts, 1, "base part unchanged")
	require.Len(t, snap.Patches, 1, "one patch part per affected partition")
	patch := snap.Patches[0]
	require.Equal(t, uint64(2), patch.RowCount, "patch holds only the touched rows")
	require.True(t, patch.IsPatch())
	snap.Release()
}

func TestMutationMaterializesPatches(t *testing.T) {
	table := newTestTable(t, nil, nil)
	startScheduler(t, table)
	require.NoError(t, table.Insert(makeBlock([]uint64{1, 2, 3, 4}, []int64{0, 0, 0, 0})))

	require.NoError(t, table.UpdateLightweight(context.Background(),
		parseCommands(t, "UPDATE v = 7 WHERE id <= 2"), storage.UpdateAuto))

	// Any mutation rewrites the part; patch overrides must be folded in.
	_, err := table.Mutate(parseCommands(t, "UPDATE v = 9 WHERE id = 999"), true)
	require.NoError(t, err)

	vals := readPartColumn(t, table, "v")
	require.Equal(t, int64(7), vals[0])
	require.Equal(t, int64(7), vals[1])
	require.Equal(t, int64(0), vals[2])
	require.Equal(t, int64(0), vals[3])

	snap := table.Snapshot()
	defer snap.Release()
	require.Empty(t, snap.Patches, "materialized patch parts are removed")
}

func TestUpdateStackedPatches(t *testing.T) {
	table := newTestTable(t, nil, nil)
	startScheduler(t, table)
	require.NoError(t, table.Insert(makeBlock([]uint64{1, 2, 3}, []int64{0, 0, 0})))

	require.NoError(t, table.UpdateLightweight(context.Background(),
		parseCommands(t, "UPDATE v = 5 WHERE id <= 2"), storage.UpdateAuto))
	require.NoError(t, table.UpdateLightweight(context.Background(),
		parseCommands(t, "UPDATE v = 6 WHERE id = 2"), storage.UpdateSync))

	_, err := table.Mutate(parseCommands(t, "UPDATE v = 9 WHERE id = 999"), true)
	require.NoError(t, err)

	vals := readPartColumn(t, table, "v")
	require.Equal(t, int64(5), vals[0], "first patch survives")
	require.Equal(t, int64(6), vals[1], "later patch wins on overlap")
	require.Equal(t, int64(0), vals[2])
}

func TestUpdateRejectsNonUpdateCommands(t *testing.T) {
	table := newTestTable(t, nil, nil)
	require.NoError(t, table.Insert(seqBlock(1, 3)))

	err := table.UpdateLightweight(context.Background(),
		parseCommands(t, "DELETE WHERE id = 1"), storage.UpdateAuto)
	require.True(t, errors.Is(err, storage.ErrBadArguments))
}
