package storage

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/harshithgowdakt/mergetree/internal/part"
)

func mkPart(name string, rows uint64) *part.Part {
	info, err := part.ParseName(name)
	if err != nil {
		panic(err)
	}
	return &part.Part{Info: info, RowCount: rows, BytesOnDisk: rows * 8, CreatedAt: time.Now()}
}

func activeNames(s *PartSet) []string {
	var names []string
	for _, p := range s.ActiveParts() {
		names = append(names, p.Name())
	}
	return names
}

func TestCommitNewPartCoverage(t *testing.T) {
	s := NewPartSet()
	for _, name := range []string{"p_1_1_0", "p_2_2_0", "p_3_3_0"} {
		_, err := s.CommitNewPart(mkPart(name, 10))
		require.NoError(t, err)
	}

	merged := mkPart("p_1_3_1", 30)
	covered, err := s.CommitNewPart(merged)
	require.NoError(t, err)
	require.Len(t, covered, 3, "merge result covers exactly its sources")
	for _, c := range covered {
		require.Equal(t, part.Outdated, c.State)
	}

	// The active set stays a non-overlapping cover.
	require.Equal(t, []string{"p_1_3_1"}, activeNames(s))
}

func TestCommitOverlapIsLogicalError(t *testing.T) {
	s := NewPartSet()
	_, err := s.CommitNewPart(mkPart("p_1_4_1", 10))
	require.NoError(t, err)

	_, err = s.CommitNewPart(mkPart("p_3_6_0", 10))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLogical), "partial overlap breaks the invariant")

	_, err = s.CommitNewPart(mkPart("p_2_3_0", 10))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLogical), "a covered candidate is rejected")

	require.Equal(t, []string{"p_1_4_1"}, activeNames(s))
}

func TestMutatedPartCoversBase(t *testing.T) {
	s := NewPartSet()
	base := mkPart("p_1_3_1", 30)
	_, err := s.CommitNewPart(base)
	require.NoError(t, err)

	mutated := mkPart("p_1_3_1_7", 15)
	covered, err := s.CommitNewPart(mutated)
	require.NoError(t, err)
	require.Equal(t, []*part.Part{base}, covered)
	require.Equal(t, []string{"p_1_3_1_7"}, activeNames(s))
}

func TestSnapshotStability(t *testing.T) {
	s := NewPartSet()
	_, err := s.CommitNewPart(mkPart("p_1_1_0", 10))
	require.NoError(t, err)
	_, err = s.CommitNewPart(mkPart("p_2_2_0", 10))
	require.NoError(t, err)

	snap := s.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Parts, 2)

	// A commit after the snapshot neither retracts nor adds parts to it.
	_, err = s.CommitNewPart(mkPart("p_1_2_1", 20))
	require.NoError(t, err)
	require.Len(t, snap.Parts, 2)
	for _, p := range snap.Parts {
		require.Equal(t, part.Outdated, p.State, "parts were replaced under the snapshot")
	}

	// Referenced parts are not removable until the snapshot is released.
	require.Empty(t, s.GrabOldParts(0, true))
	snap.Release()
	require.Len(t, s.GrabOldParts(0, true), 2)
}

func TestRemoveInRange(t *testing.T) {
	s := NewPartSet()
	for _, name := range []string{"p_1_1_0", "p_2_2_0", "p_5_5_0"} {
		_, err := s.CommitNewPart(mkPart(name, 10))
		require.NoError(t, err)
	}

	dropRange := part.Info{PartitionID: "p", MinBlock: 0, MaxBlock: 3, Level: ^uint32(0), Mutation: 1 << 40}
	removed := s.RemoveInRange(dropRange, true)
	require.Len(t, removed, 2)
	require.Equal(t, []string{"p_5_5_0"}, activeNames(s))
}

func TestOutdateAndGrab(t *testing.T) {
	s := NewPartSet()
	p := mkPart("p_1_1_0", 10)
	_, err := s.CommitNewPart(p)
	require.NoError(t, err)

	require.NoError(t, s.Outdate(p, true))
	require.Error(t, s.Outdate(p, true), "double outdate is a logical error")

	grabbed := s.GrabOldParts(time.Hour, false)
	require.Equal(t, []*part.Part{p}, grabbed, "clear_now skips the grace window")
	require.Equal(t, part.Deleting, p.State)

	s.Forget(p)
	_, ok := s.Lookup(p.Name())
	require.False(t, ok)
}

func TestGraceWindowHoldsParts(t *testing.T) {
	s := NewPartSet()
	p := mkPart("p_1_1_0", 10)
	_, err := s.CommitNewPart(p)
	require.NoError(t, err)
	require.NoError(t, s.Outdate(p, false))

	require.Empty(t, s.GrabOldParts(time.Hour, false), "grace window not elapsed")
	require.Len(t, s.GrabOldParts(time.Hour, true), 1, "force ignores the window")
}

func TestMinDataVersion(t *testing.T) {
	s := NewPartSet()
	_, ok := s.MinDataVersion()
	require.False(t, ok)

	_, err := s.CommitNewPart(mkPart("p_2_2_0", 1))
	require.NoError(t, err)
	_, err = s.CommitNewPart(mkPart("p_3_3_0_9", 1))
	require.NoError(t, err)

	v, ok := s.MinDataVersion()
	require.True(t, ok)
	require.Equal(t, int64(2), v)
}
