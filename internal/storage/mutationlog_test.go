package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harshithgowdakt/mergetree/internal/command"
)

func mustCommands(t *testing.T, s string) command.Commands {
	cmds, err := command.Parse(s)
	require.NoError(t, err)
	return cmds
}

func TestMutationEntryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entry := &MutationEntry{
		BlockNumber: 12,
		Commands:    mustCommands(t, "UPDATE v = 0 WHERE k = 1, DELETE WHERE k = 2"),
		TID:         77,
		CreateTime:  time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC),
		CSN:         1001,
		dir:         dir,
	}
	entry.LatestFailedPart = "p_1_1_0"
	entry.LatestFailReason = "not enough space"
	entry.LatestFailErrorCode = "NOT_ENOUGH_SPACE"
	entry.LatestFailTime = time.Unix(1754400000, 0)

	require.NoError(t, entry.write())

	data, err := os.ReadFile(filepath.Join(dir, "mutation_12.txt"))
	require.NoError(t, err)

	parsed, err := ParseMutationEntry(dir, "mutation_12.txt", data)
	require.NoError(t, err)
	require.Equal(t, entry.BlockNumber, parsed.BlockNumber)
	require.Equal(t, entry.Commands.String(), parsed.Commands.String())
	require.Equal(t, entry.TID, parsed.TID)
	require.Equal(t, entry.CreateTime, parsed.CreateTime)
	require.Equal(t, entry.CSN, parsed.CSN)
	require.Equal(t, entry.LatestFailedPart, parsed.LatestFailedPart)
	require.Equal(t, entry.LatestFailReason, parsed.LatestFailReason)
	require.Equal(t, entry.LatestFailErrorCode, parsed.LatestFailErrorCode)
	require.Equal(t, entry.LatestFailTime.Unix(), parsed.LatestFailTime.Unix())

	// Backup uses the same serialization.
	require.Equal(t, entry.Serialize(), parsed.Serialize())
}

func TestMutationVersionFromFileName(t *testing.T) {
	v, err := MutationVersionFromFileName("mutation_42.txt")
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	for _, bad := range []string{"mutation_.txt", "mutation_x.txt", "m_42.txt", "mutation_42", "mutation_0.txt"} {
		_, err := MutationVersionFromFileName(bad)
		require.Error(t, err, bad)
	}
}

func TestMutationLogLoad(t *testing.T) {
	dir := t.TempDir()

	for _, e := range []*MutationEntry{
		{BlockNumber: 3, Commands: mustCommands(t, "DELETE WHERE id = 1"), CreateTime: time.Now().UTC(), dir: dir},
		{BlockNumber: 5, Commands: mustCommands(t, "DROP COLUMN v"), TID: 9, CreateTime: time.Now().UTC(), dir: dir},
		{BlockNumber: 8, Commands: mustCommands(t, "UPDATE v = 1"), TID: 10, CreateTime: time.Now().UTC(), dir: dir},
	} {
		require.NoError(t, e.write())
	}
	// Stale tmp entries are discarded at load.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp_mutation_9.txt"), []byte("x"), 0o644))

	aborted := func(tid uint64) TxStatus {
		if tid == 9 {
			return TxAborted
		}
		return TxCommitted
	}

	reloaded := NewMutationLog(dir, testLogger())
	maxVersion, err := reloaded.Load(aborted)
	require.NoError(t, err)
	require.Equal(t, int64(8), maxVersion)
	require.Equal(t, 2, reloaded.Len(), "aborted transaction entry is dropped")

	_, ok := reloaded.Get(5)
	require.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "mutation_5.txt"))
	require.True(t, os.IsNotExist(err), "aborted entry file removed")
	_, err = os.Stat(filepath.Join(dir, "tmp_mutation_9.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestMutationLogOrdering(t *testing.T) {
	log := NewMutationLog(t.TempDir(), testLogger())
	for _, v := range []int64{7, 3, 9} {
		require.NoError(t, log.Add(&MutationEntry{BlockNumber: v, Commands: mustCommands(t, "DELETE")}))
	}
	require.Error(t, log.Add(&MutationEntry{BlockNumber: 7, Commands: mustCommands(t, "DELETE")}),
		"duplicate version is a logical error")

	require.Equal(t, int64(9), log.Latest())

	after := log.EntriesAfter(3)
	require.Len(t, after, 2)
	require.Equal(t, int64(7), after[0].BlockNumber)
	require.Equal(t, int64(9), after[1].BlockNumber)

	ranged := log.EntriesInRange(3, 7)
	require.Len(t, ranged, 1)
	require.Equal(t, int64(7), ranged[0].BlockNumber)

	removed := log.Remove(7)
	require.NotNil(t, removed)
	require.Nil(t, log.Remove(7))
	require.Equal(t, 2, log.Len())
}
