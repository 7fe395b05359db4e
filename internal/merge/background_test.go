package merge_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/command"
	"github.com/harshithgowdakt/mergetree/internal/merge"
	"github.com/harshithgowdakt/mergetree/internal/storage"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func testTable(t *testing.T, settings *storage.Settings) *storage.MergeTreeTable {
	t.Helper()
	schema := &storage.TableSchema{
		Columns: []storage.ColumnDef{
			{Name: "id", DataType: types.TypeUInt64},
			{Name: "v", DataType: types.TypeInt64},
		},
		OrderBy: []string{"id"},
	}
	table, err := storage.NewMergeTreeTable("events", schema, t.TempDir(), settings,
		storage.WithLogger(quietLogger()))
	require.NoError(t, err)
	table.Startup()
	t.Cleanup(table.Shutdown)
	return table
}

func block(from, to uint64) *column.Block {
	idCol := column.NewColumnWithCapacity(types.TypeUInt64, int(to-from+1))
	vCol := column.NewColumnWithCapacity(types.TypeInt64, int(to-from+1))
	for i := from; i <= to; i++ {
		idCol.Append(i)
		vCol.Append(int64(i))
	}
	return column.NewBlock([]string{"id", "v"}, []column.Column{idCol, vCol})
}

func activeParts(table *storage.MergeTreeTable) int {
	snap := table.Snapshot()
	defer snap.Release()
	return len(snap.Parts)
}

// The scheduler merges small parts down without any explicit OPTIMIZE.
func TestSchedulerMergesInBackground(t *testing.T) {
	settings := &storage.Settings{
		ClearOldPartsInterval:         time.Hour,
		ClearOldTemporaryDirsInterval: time.Hour,
	}
	table := testTable(t, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := merge.NewBackgroundScheduler(table, 5*time.Millisecond, quietLogger())
	go s.Run(ctx)

	for i := uint64(0); i < 6; i++ {
		require.NoError(t, table.Insert(block(i*10+1, i*10+10)))
	}

	require.Eventually(t, func() bool { return activeParts(table) == 1 },
		5*time.Second, 10*time.Millisecond, "background merges converge to one part")

	snap := table.Snapshot()
	defer snap.Release()
	require.Equal(t, uint64(60), snap.Parts[0].RowCount)
}

// The scheduler applies queued mutations and records progress for waiters.
func TestSchedulerAppliesMutations(t *testing.T) {
	settings := &storage.Settings{
		ClearOldPartsInterval:         time.Hour,
		ClearOldTemporaryDirsInterval: time.Hour,
	}
	table := testTable(t, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := merge.NewBackgroundScheduler(table, 5*time.Millisecond, quietLogger())
	go s.Run(ctx)

	require.NoError(t, table.Insert(block(1, 10)))

	cmds, err := command.Parse("DELETE WHERE id > 5")
	require.NoError(t, err)
	version, err := table.Mutate(cmds, true)
	require.NoError(t, err)

	snap := table.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 1)
	require.Equal(t, uint64(5), snap.Parts[0].RowCount)
	require.Equal(t, version, snap.Parts[0].DataVersion())
}

// Old part directories disappear from disk after the grace window.
func TestSchedulerCleansOldParts(t *testing.T) {
	settings := &storage.Settings{
		OldPartsLifetime:              time.Millisecond,
		ClearOldPartsInterval:         10 * time.Millisecond,
		ClearOldTemporaryDirsInterval: 10 * time.Millisecond,
	}
	table := testTable(t, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := merge.NewBackgroundScheduler(table, 5*time.Millisecond, quietLogger())
	go s.Run(ctx)

	require.NoError(t, table.Insert(block(1, 10)))
	require.NoError(t, table.Insert(block(11, 20)))
	require.NoError(t, table.Optimize(ctx, storage.OptimizeOptions{PartitionID: "all", Final: true}))

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(table.DataDir)
		require.NoError(t, err)
		dirs := 0
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), "detached") &&
				e.Name() != "deduplication_logs" {
				dirs++
			}
		}
		return dirs == 1
	}, 5*time.Second, 20*time.Millisecond, "outdated part directories are removed")
}

// Finished mutations are trimmed down to the retention count.
func TestSchedulerClearsFinishedMutations(t *testing.T) {
	settings := &storage.Settings{
		FinishedMutationsToKeep:       1,
		ClearOldPartsInterval:         10 * time.Millisecond,
		ClearOldTemporaryDirsInterval: time.Hour,
	}
	table := testTable(t, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := merge.NewBackgroundScheduler(table, 5*time.Millisecond, quietLogger())
	go s.Run(ctx)

	require.NoError(t, table.Insert(block(1, 10)))

	for _, text := range []string{"UPDATE v = 1", "UPDATE v = 2", "UPDATE v = 3"} {
		cmds, err := command.Parse(text)
		require.NoError(t, err)
		_, err = table.Mutate(cmds, true)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(table.GetMutationsStatus()) == 1
	}, 5*time.Second, 20*time.Millisecond, "finished mutations beyond the retention count are erased")
}
