package storage_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/command"
	"github.com/harshithgowdakt/mergetree/internal/storage"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// quietSettings disables periodic cleanups so tests control them.
func quietSettings() *storage.Settings {
	return &storage.Settings{
		ClearOldPartsInterval:         time.Hour,
		ClearOldTemporaryDirsInterval: time.Hour,
	}
}

func simpleSchema() *storage.TableSchema {
	return &storage.TableSchema{
		Columns: []storage.ColumnDef{
			{Name: "id", DataType: types.TypeUInt64},
			{Name: "v", DataType: types.TypeInt64},
		},
		OrderBy: []string{"id"},
	}
}

func newTestTable(t *testing.T, settings *storage.Settings, schema *storage.TableSchema) *storage.MergeTreeTable {
	t.Helper()
	if settings == nil {
		settings = quietSettings()
	}
	if schema == nil {
		schema = simpleSchema()
	}
	table, err := storage.NewMergeTreeTable("events", schema, t.TempDir(), settings,
		storage.WithLogger(quietLogger()))
	require.NoError(t, err)
	table.Startup()
	t.Cleanup(table.Shutdown)
	return table
}

func makeBlock(ids []uint64, vals []int64) *column.Block {
	idCol := column.NewColumnWithCapacity(types.TypeUInt64, len(ids))
	for _, id := range ids {
		idCol.Append(id)
	}
	vCol := column.NewColumnWithCapacity(types.TypeInt64, len(vals))
	for _, v := range vals {
		vCol.Append(v)
	}
	return column.NewBlock([]string{"id", "v"}, []column.Column{idCol, vCol})
}

func seqBlock(from, to uint64) *column.Block {
	var ids []uint64
	var vals []int64
	for i := from; i <= to; i++ {
		ids = append(ids, i)
		vals = append(vals, int64(i)*10)
	}
	return makeBlock(ids, vals)
}

func parseCommands(t *testing.T, s string) command.Commands {
	t.Helper()
	cmds, err := command.Parse(s)
	require.NoError(t, err)
	return cmds
}

func readPartColumn(t *testing.T, table *storage.MergeTreeTable, name string) []types.Value {
	t.Helper()
	snap := table.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 1, "expected exactly one active part")

	block, err := storage.NewPartReader(snap.Parts[0]).ReadAll()
	require.NoError(t, err)
	col, ok := block.GetColumn(name)
	require.True(t, ok, "column %s", name)

	out := make([]types.Value, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out
}
