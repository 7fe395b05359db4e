package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/merge"
	"github.com/harshithgowdakt/mergetree/internal/storage"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

func startScheduler(t *testing.T, table *storage.MergeTreeTable) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := merge.NewBackgroundScheduler(table, 5*time.Millisecond, quietLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		table.Shutdown()
		cancel()
		<-done
	})
}

// Insert -> merge -> mutate -> drop, the end-to-end lifecycle.
func TestInsertMergeMutateDrop(t *testing.T) {
	table := newTestTable(t, nil, nil)
	startScheduler(t, table)

	require.NoError(t, table.Insert(seqBlock(1, 10)))
	require.NoError(t, table.Insert(seqBlock(11, 20)))
	require.NoError(t, table.Insert(seqBlock(21, 30)))

	require.NoError(t, table.Optimize(context.Background(), storage.OptimizeOptions{
		PartitionID: "all", Final: true,
	}))

	snap := table.Snapshot()
	require.Len(t, snap.Parts, 1, "OPTIMIZE FINAL leaves one part")
	merged := snap.Parts[0]
	require.Equal(t, uint64(30), merged.RowCount)
	require.GreaterOrEqual(t, merged.Info.Level, uint32(1))
	require.Equal(t, int64(1), merged.Info.MinBlock)
	require.Equal(t, int64(3), merged.Info.MaxBlock)
	snap.Release()

	version, err := table.Mutate(parseCommands(t, "DELETE WHERE id > 15"), true)
	require.NoError(t, err)

	snap = table.Snapshot()
	require.Len(t, snap.Parts, 1)
	mutated := snap.Parts[0]
	require.Equal(t, uint64(15), mutated.RowCount)
	require.Equal(t, version, mutated.Info.Mutation, "result carries the mutation version")
	require.Equal(t, version, mutated.DataVersion())
	mutatedLevel := mutated.Info.Level
	snap.Release()

	require.NoError(t, table.DropPartition("all", false))

	snap = table.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 1, "drop commits one empty covering part")
	cover := snap.Parts[0]
	require.True(t, cover.IsEmpty())
	require.Equal(t, mutatedLevel+1, cover.Info.Level)
}

// Killing a mutation removes its entry and leaves the part untouched.
func TestKillMutationInFlight(t *testing.T) {
	table := newTestTable(t, nil, nil) // no scheduler: the mutation stays queued
	require.NoError(t, table.Insert(seqBlock(1, 10)))

	version, err := table.StartMutation(parseCommands(t, "DELETE WHERE id >= 1"))
	require.NoError(t, err)
	mutationID := fmt.Sprintf("mutation_%d.txt", version)

	waitErr := make(chan error, 1)
	go func() { waitErr <- table.WaitForMutation(version) }()

	// Give the waiter time to block.
	time.Sleep(20 * time.Millisecond)

	found, err := table.KillMutation(mutationID)
	require.NoError(t, err)
	require.True(t, found)

	select {
	case err := <-waitErr:
		require.Error(t, err)
		require.True(t, errors.Is(err, storage.ErrAborted), "sync waiter observes the kill")
	case <-time.After(2 * time.Second):
		t.Fatal("sync waiter did not wake after kill")
	}

	require.Empty(t, table.GetMutationsStatus(), "no mutation entries remain")
	_, err = os.Stat(filepath.Join(table.DataDir, mutationID))
	require.True(t, os.IsNotExist(err), "entry file removed")

	snap := table.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 1)
	require.Equal(t, int64(1), snap.Parts[0].DataVersion(), "source part keeps its data version")

	found, err = table.KillMutation(mutationID)
	require.NoError(t, err)
	require.False(t, found, "second kill reports not found")
}

// A barrier command runs alone and a waiter on the last mutation waits for
// all of them.
func TestBarrierMutationOrdering(t *testing.T) {
	schema := simpleSchema()
	schema.Columns = append(schema.Columns, storage.ColumnDef{Name: "b", DataType: types.TypeInt64})
	table := newTestTable(t, nil, schema)
	startScheduler(t, table)

	block := makeBlock([]uint64{1, 2, 3, 4}, []int64{0, 0, 0, 0})
	bCol := column.NewColumnWithCapacity(types.TypeInt64, 4)
	for i := 0; i < 4; i++ {
		bCol.Append(int64(9))
	}
	block.ColumnNames = append(block.ColumnNames, "b")
	block.Columns = append(block.Columns, bCol)
	require.NoError(t, table.Insert(block))

	v1, err := table.StartMutation(parseCommands(t, "UPDATE v = 1"))
	require.NoError(t, err)
	_, err = table.Mutate(parseCommands(t, "DROP COLUMN b"), false) // barrier: waits for v1 first
	require.NoError(t, err)
	v3, err := table.Mutate(parseCommands(t, "UPDATE v = 2"), true)
	require.NoError(t, err)
	require.Greater(t, v3, v1)

	snap := table.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 1)
	p := snap.Parts[0]
	require.Equal(t, v3, p.DataVersion(), "waiter returned only after the last mutation")

	block, err = storage.NewPartReader(p).ReadAll()
	require.NoError(t, err)
	require.False(t, block.HasColumn("b"), "barrier drop-column applied")
	vCol, _ := block.GetColumn("v")
	for i := 0; i < vCol.Len(); i++ {
		require.Equal(t, int64(2), vCol.Value(i))
	}

	for _, st := range table.GetMutationsStatus() {
		require.True(t, st.IsDone)
	}
}

func TestTooManyPartsThrows(t *testing.T) {
	settings := quietSettings()
	settings.PartsToThrowInsert = 2
	table := newTestTable(t, settings, nil)

	require.NoError(t, table.Insert(seqBlock(1, 1)))
	require.NoError(t, table.Insert(seqBlock(2, 2)))
	err := table.Insert(seqBlock(3, 3))
	require.Error(t, err)
	require.True(t, errors.Is(err, storage.ErrTooManyParts))
}

func TestInsertDeduplication(t *testing.T) {
	settings := quietSettings()
	settings.NonReplicatedDeduplicationWindow = 8
	table := newTestTable(t, settings, nil)

	require.NoError(t, table.Insert(seqBlock(1, 5)))
	require.NoError(t, table.Insert(seqBlock(1, 5)), "duplicate insert is dropped, not an error")

	snap := table.Snapshot()
	require.Len(t, snap.Parts, 1)
	snap.Release()

	require.NoError(t, table.Insert(seqBlock(6, 9)))
	snap = table.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 2)
}

func TestReadOnlyTableRejectsWrites(t *testing.T) {
	table := newTestTable(t, nil, nil)
	table.SetReadOnly(true)

	require.True(t, errors.Is(table.Insert(seqBlock(1, 2)), storage.ErrTableIsReadOnly))
	_, err := table.Mutate(parseCommands(t, "DELETE"), false)
	require.True(t, errors.Is(err, storage.ErrTableIsReadOnly))
	require.True(t, errors.Is(table.Truncate(), storage.ErrTableIsReadOnly))
}

func TestRestartRecoversState(t *testing.T) {
	dir := t.TempDir()
	settings := quietSettings()

	table, err := storage.NewMergeTreeTable("events", simpleSchema(), dir, settings,
		storage.WithLogger(quietLogger()))
	require.NoError(t, err)
	table.Startup()

	require.NoError(t, table.Insert(seqBlock(1, 5)))
	require.NoError(t, table.Insert(seqBlock(6, 9)))
	_, err = table.StartMutation(parseCommands(t, "UPDATE v = 0"))
	require.NoError(t, err)
	table.Shutdown()

	reopened, err := storage.NewMergeTreeTable("events", nil, dir, settings,
		storage.WithLogger(quietLogger()))
	require.NoError(t, err)
	reopened.Startup()
	defer reopened.Shutdown()

	snap := reopened.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 2, "parts reload at startup")

	status := reopened.GetMutationsStatus()
	require.Len(t, status, 1, "mutation log reloads at startup")
	require.Len(t, status[0].PartsToDo, 2)

	// New block numbers continue above everything seen on disk.
	require.NoError(t, reopened.Insert(seqBlock(10, 11)))
	snap2 := reopened.Snapshot()
	defer snap2.Release()
	var maxBlock int64
	for _, p := range snap2.Parts {
		if p.Info.MaxBlock > maxBlock {
			maxBlock = p.Info.MaxBlock
		}
	}
	require.Equal(t, int64(4), maxBlock, "allocator floor raised past parts and mutations")
}

func TestBackupMutationsRoundTrip(t *testing.T) {
	table := newTestTable(t, nil, nil)
	require.NoError(t, table.Insert(seqBlock(1, 3)))

	_, err := table.StartMutation(parseCommands(t, "DELETE WHERE id = 1"))
	require.NoError(t, err)
	_, err = table.StartMutation(parseCommands(t, "UPDATE v = 5 WHERE id = 2"))
	require.NoError(t, err)

	entries := table.BackupMutations(0)
	require.Len(t, entries, 2)
	for _, e := range entries {
		parsed, err := storage.ParseMutationEntry(t.TempDir(), e.Name, e.Data)
		require.NoError(t, err)
		require.Equal(t, e.Data, parsed.Serialize(), "backup entries round-trip")
	}
}

func TestCheckParts(t *testing.T) {
	table := newTestTable(t, nil, nil)
	require.NoError(t, table.Insert(seqBlock(1, 8)))

	results, err := table.CheckParts(storage.CheckScope{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Passed)

	// Damage a data file: the recorded checksum no longer matches.
	snap := table.Snapshot()
	damaged := snap.Parts[0]
	snap.Release()
	require.NoError(t, os.WriteFile(filepath.Join(damaged.Dir, "count.txt"), []byte("999\n"), 0o644))

	results, err = table.CheckParts(storage.CheckScope{PartName: damaged.Name()})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Passed)

	_, err = table.CheckParts(storage.CheckScope{PartName: "all_99_99_0"})
	require.True(t, errors.Is(err, storage.ErrNoSuchDataPart))
}

// Drain: after StopMergesAndWaitForPartition returns, no tagged part is in
// the partition, and new merges are blocked until release.
func TestStopMergesAndWaitForPartition(t *testing.T) {
	table := newTestTable(t, nil, nil)
	require.NoError(t, table.Insert(seqBlock(1, 5)))
	require.NoError(t, table.Insert(seqBlock(6, 9)))

	lock, err := table.StopMergesAndWaitForPartition("all")
	require.NoError(t, err)

	err = table.Optimize(context.Background(), storage.OptimizeOptions{PartitionID: "all", ThrowIfNoop: true})
	require.Error(t, err, "merges on the partition are blocked")

	lock.Release()
	require.NoError(t, table.Optimize(context.Background(), storage.OptimizeOptions{PartitionID: "all", ThrowIfNoop: true}))

	snap := table.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 1)
}
