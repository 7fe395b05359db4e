package part

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	info, err := ParseName("202608_1_5_2")
	require.NoError(t, err)
	require.Equal(t, Info{PartitionID: "202608", MinBlock: 1, MaxBlock: 5, Level: 2}, info)
	require.Equal(t, "202608_1_5_2", info.Name())

	info, err = ParseName("all_3_3_0_7")
	require.NoError(t, err)
	require.Equal(t, Info{PartitionID: "all", MinBlock: 3, MaxBlock: 3, Mutation: 7}, info)
	require.Equal(t, "all_3_3_0_7", info.Name())

	_, err = ParseName("junk")
	require.Error(t, err)
	_, err = ParseName("p_1_2")
	require.Error(t, err)
	_, err = ParseName("p_5_1_0")
	require.Error(t, err, "min_block above max_block")
}

func TestParseNamePatchPartition(t *testing.T) {
	info, err := ParseName("patch-all_9_9_0")
	require.NoError(t, err)
	require.True(t, info.IsPatch())
	require.Equal(t, "patch-all", info.PartitionID)
}

func TestDataVersion(t *testing.T) {
	require.Equal(t, int64(4), Info{PartitionID: "p", MinBlock: 4, MaxBlock: 6, Level: 1}.DataVersion())
	require.Equal(t, int64(9), Info{PartitionID: "p", MinBlock: 4, MaxBlock: 6, Level: 1, Mutation: 9}.DataVersion())
}

func TestContains(t *testing.T) {
	outer := Info{PartitionID: "p", MinBlock: 1, MaxBlock: 10, Level: 2}
	inner := Info{PartitionID: "p", MinBlock: 3, MaxBlock: 5, Level: 1}
	require.True(t, outer.Contains(inner))
	require.False(t, inner.Contains(outer))

	otherPartition := Info{PartitionID: "q", MinBlock: 3, MaxBlock: 5, Level: 1}
	require.False(t, outer.Contains(otherPartition))

	// A mutated version of the same range covers the unmutated one.
	mutated := Info{PartitionID: "p", MinBlock: 3, MaxBlock: 5, Level: 1, Mutation: 8}
	require.True(t, mutated.Contains(inner))
	require.False(t, inner.Contains(mutated))
}

func TestIsDisjoint(t *testing.T) {
	a := Info{PartitionID: "p", MinBlock: 1, MaxBlock: 3}
	b := Info{PartitionID: "p", MinBlock: 4, MaxBlock: 6}
	c := Info{PartitionID: "p", MinBlock: 3, MaxBlock: 4}
	require.True(t, a.IsDisjoint(b))
	require.False(t, a.IsDisjoint(c))
	require.False(t, b.IsDisjoint(c))
}

func TestRemovalClock(t *testing.T) {
	p := &Part{Info: Info{PartitionID: "p", MinBlock: 1, MaxBlock: 1}}
	require.False(t, p.RemovalDue(0))

	p.ScheduleRemoval(true)
	require.True(t, p.RemovalDue(1e9))

	q := &Part{Info: Info{PartitionID: "p", MinBlock: 2, MaxBlock: 2}}
	q.ScheduleRemoval(false)
	require.False(t, q.RemovalDue(1e9))
	require.True(t, q.RemovalDue(0))
}

func TestRefs(t *testing.T) {
	p := &Part{Info: Info{PartitionID: "p", MinBlock: 1, MaxBlock: 1}}
	p.Retain()
	p.Retain()
	require.Equal(t, int32(2), p.Refs())
	p.Release()
	p.Release()
	require.Equal(t, int32(0), p.Refs())
}
