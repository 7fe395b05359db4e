package compaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harshithgowdakt/mergetree/internal/part"
)

func mkPart(name string, bytes uint64, age time.Duration) *part.Part {
	info, err := part.ParseName(name)
	if err != nil {
		panic(err)
	}
	return &part.Part{Info: info, BytesOnDisk: bytes, RowCount: bytes / 8, CreatedAt: time.Now().Add(-age)}
}

func TestSimpleSelectorPicksUniformRun(t *testing.T) {
	s := NewSimpleSelector(10)

	small := PartsRange{
		mkPart("p_1_1_0", 100, 0),
		mkPart("p_2_2_0", 100, 0),
		mkPart("p_3_3_0", 100, 0),
	}
	lopsided := PartsRange{
		mkPart("q_1_1_0", 1000000, 0),
		mkPart("q_2_2_0", 10, 0),
	}

	chosen := s.Select([]PartsRange{lopsided, small}, 0)
	require.NotNil(t, chosen)
	require.Equal(t, "p", chosen[0].Info.PartitionID, "uniform sizes beat lopsided runs")
	require.Len(t, chosen, 3)
}

func TestSimpleSelectorRespectsSizeCap(t *testing.T) {
	s := NewSimpleSelector(10)
	run := PartsRange{
		mkPart("p_1_1_0", 600, 0),
		mkPart("p_2_2_0", 600, 0),
	}
	require.Nil(t, s.Select([]PartsRange{run}, 1000), "range over the size budget is skipped")
	require.NotNil(t, s.Select([]PartsRange{run}, 2000))
}

func TestSimpleSelectorNeedsTwoParts(t *testing.T) {
	s := NewSimpleSelector(10)
	require.Nil(t, s.Select([]PartsRange{{mkPart("p_1_1_0", 10, 0)}}, 0))
}

func TestSimpleSelectorWindowBound(t *testing.T) {
	s := NewSimpleSelector(3)
	var run PartsRange
	for i := int64(1); i <= 6; i++ {
		run = append(run, mkPart(part.Info{PartitionID: "p", MinBlock: i, MaxBlock: i}.Name(), 100, 0))
	}
	chosen := s.Select([]PartsRange{run}, 0)
	require.NotNil(t, chosen)
	require.LessOrEqual(t, len(chosen), 3)
}

func TestTTLSelectorPicksExpired(t *testing.T) {
	now := time.Now()
	expired := mkPart("p_1_1_0", 100, 0)
	expired.TTLMax = now.Add(-time.Hour)
	expired2 := mkPart("p_2_2_0", 100, 0)
	expired2.TTLMax = now.Add(-time.Minute)
	fresh := mkPart("p_3_3_0", 100, 0)
	fresh.TTLMax = now.Add(time.Hour)

	s := &TTLSelector{Now: func() time.Time { return now }}
	chosen := s.Select([]PartsRange{{expired, expired2, fresh}}, 0)
	require.Len(t, chosen, 2)
	require.Equal(t, int64(1), chosen[0].Info.MinBlock)
	require.Equal(t, int64(2), chosen[1].Info.MinBlock)

	require.Nil(t, s.Select([]PartsRange{{fresh}}, 0))
}

func TestMergedInfo(t *testing.T) {
	r := PartsRange{
		mkPart("p_1_2_1", 10, 0),
		mkPart("p_3_3_0_5", 10, 0),
		mkPart("p_4_6_2", 10, 0),
	}
	info := MergedInfo(r)
	require.Equal(t, part.Info{PartitionID: "p", MinBlock: 1, MaxBlock: 6, Level: 3, Mutation: 5}, info)
}
