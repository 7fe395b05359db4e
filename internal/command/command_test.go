package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, text := range []string{
		"DELETE",
		"DELETE WHERE id >= 5",
		"UPDATE v = 0 WHERE k = 1",
		"UPDATE name = 'x, y' WHERE id != 3",
		"DROP COLUMN v",
		"RENAME COLUMN a TO b",
		"DROP INDEX idx_v",
		"MATERIALIZE TTL",
		"UPDATE a = 1, UPDATE b = 2 WHERE a < 10",
		"DELETE WHERE id <= 2, DROP COLUMN junk",
	} {
		cmds, err := Parse(text)
		require.NoError(t, err, text)
		require.Equal(t, text, cmds.String(), "round trip of %q", text)
	}
}

func TestParseErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"SELECT 1",
		"UPDATE v",
		"RENAME COLUMN a",
		"DELETE WHERE",
	} {
		_, err := Parse(text)
		require.Error(t, err, text)
	}
}

func TestBarriers(t *testing.T) {
	barrier, err := Parse("DROP COLUMN v")
	require.NoError(t, err)
	require.True(t, barrier.ContainsBarrier())

	barrier, err = Parse("RENAME COLUMN a TO b")
	require.NoError(t, err)
	require.True(t, barrier.ContainsBarrier())

	barrier, err = Parse("DROP INDEX i")
	require.NoError(t, err)
	require.True(t, barrier.ContainsBarrier())

	plain, err := Parse("UPDATE v = 1, DELETE WHERE id = 0")
	require.NoError(t, err)
	require.False(t, plain.ContainsBarrier())
}

func TestUpdatedColumns(t *testing.T) {
	cmds, err := Parse("UPDATE a = 1, UPDATE b = 2, UPDATE a = 3")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, cmds.UpdatedColumns())
}

func TestASTSizeGrows(t *testing.T) {
	small, err := Parse("DROP COLUMN v")
	require.NoError(t, err)
	large, err := Parse("UPDATE a = 1 WHERE b = 2, UPDATE c = 3 WHERE d = 4")
	require.NoError(t, err)
	require.Greater(t, large.ASTSize(), small.ASTSize())
}
