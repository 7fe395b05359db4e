package part

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PatchPartitionPrefix marks partitions holding lightweight-update patch
// parts. A patch for partition "p" lives in partition "patch-p".
const PatchPartitionPrefix = "patch-"

// Info identifies a part: <partition_id>_<min_block>_<max_block>_<level>[_<mutation>].
// Two parts with identical (partition, min, max, level) but different
// mutation are two versions of the same physical range.
type Info struct {
	PartitionID string
	MinBlock    int64
	MaxBlock    int64
	Level       uint32
	Mutation    int64
}

// Name returns the directory name for this part.
func (pi Info) Name() string {
	if pi.Mutation != 0 {
		return fmt.Sprintf("%s_%d_%d_%d_%d", pi.PartitionID, pi.MinBlock, pi.MaxBlock, pi.Level, pi.Mutation)
	}
	return fmt.Sprintf("%s_%d_%d_%d", pi.PartitionID, pi.MinBlock, pi.MaxBlock, pi.Level)
}

// TmpName returns the in-progress directory name.
func (pi Info) TmpName() string { return "tmp_" + pi.Name() }

// DataVersion returns the mutation applied to the part, or MinBlock if none.
func (pi Info) DataVersion() int64 {
	if pi.Mutation != 0 {
		return pi.Mutation
	}
	return pi.MinBlock
}

// Contains reports whether this part's version of the data covers other's.
func (pi Info) Contains(other Info) bool {
	return pi.PartitionID == other.PartitionID &&
		pi.MinBlock <= other.MinBlock &&
		pi.MaxBlock >= other.MaxBlock &&
		pi.Level >= other.Level &&
		pi.Mutation >= other.Mutation
}

// IsDisjoint reports whether the block ranges do not intersect.
func (pi Info) IsDisjoint(other Info) bool {
	return pi.PartitionID != other.PartitionID ||
		pi.MaxBlock < other.MinBlock ||
		other.MaxBlock < pi.MinBlock
}

// IsPatch reports whether the part belongs to a patch partition.
func (pi Info) IsPatch() bool { return strings.HasPrefix(pi.PartitionID, PatchPartitionPrefix) }

func (pi Info) String() string { return pi.Name() }

// ParseName parses a part directory name. The partition ID must not contain
// underscores; the numeric suffix has either 3 fields (min, max, level) or 4
// (min, max, level, mutation).
func ParseName(name string) (Info, error) {
	fields := strings.Split(name, "_")
	// A patch partition id is "patch-<pid>" and still underscore-free.
	if len(fields) != 4 && len(fields) != 5 {
		return Info{}, errors.Errorf("invalid part name %q", name)
	}

	nums := make([]int64, 0, 4)
	for _, f := range fields[1:] {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Info{}, errors.Errorf("invalid part name %q: bad number %q", name, f)
		}
		nums = append(nums, n)
	}

	pi := Info{
		PartitionID: fields[0],
		MinBlock:    nums[0],
		MaxBlock:    nums[1],
		Level:       uint32(nums[2]),
	}
	if len(nums) == 4 {
		pi.Mutation = nums[3]
	}
	if pi.MinBlock > pi.MaxBlock {
		return Info{}, errors.Errorf("invalid part name %q: min_block > max_block", name)
	}
	return pi, nil
}
