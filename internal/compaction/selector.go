// Package compaction holds the pure merge-selection policies. Selectors
// never mutate state: they score contiguous runs of parts and return the
// chosen range; the caller consumes the result under its own lock.
package compaction

import (
	"time"

	"github.com/harshithgowdakt/mergetree/internal/part"
)

// PartsRange is a contiguous run of active parts inside one partition,
// ordered by MinBlock.
type PartsRange []*part.Part

// TotalBytes sums the on-disk sizes of the range.
func (r PartsRange) TotalBytes() uint64 {
	var total uint64
	for _, p := range r {
		total += p.BytesOnDisk
	}
	return total
}

// Selector proposes one range to merge out of the eligible runs. A nil
// result means nothing is worth merging now.
type Selector interface {
	Select(ranges []PartsRange, maxTotalBytes uint64) PartsRange
}

// SimpleSelector scores sliding windows over each run, preferring many
// similarly-sized parts; ties favor smaller total size, older parts, and
// lower level.
type SimpleSelector struct {
	MinPartsToMerge int
	MaxPartsToMerge int
}

// NewSimpleSelector returns a selector with the default window bounds.
func NewSimpleSelector(maxPartsToMerge int) *SimpleSelector {
	return &SimpleSelector{MinPartsToMerge: 2, MaxPartsToMerge: maxPartsToMerge}
}

func (s *SimpleSelector) Select(ranges []PartsRange, maxTotalBytes uint64) PartsRange {
	var best PartsRange
	var bestScore float64

	for _, run := range ranges {
		if len(run) < s.MinPartsToMerge {
			continue
		}
		maxLen := s.MaxPartsToMerge
		if maxLen > len(run) {
			maxLen = len(run)
		}
		for windowLen := s.MinPartsToMerge; windowLen <= maxLen; windowLen++ {
			for start := 0; start+windowLen <= len(run); start++ {
				candidate := run[start : start+windowLen]
				if maxTotalBytes > 0 && candidate.TotalBytes() > maxTotalBytes {
					continue
				}
				score := scoreRange(candidate)
				if best == nil || score > bestScore || (score == bestScore && tieBreak(candidate, best)) {
					bestScore = score
					best = candidate
				}
			}
		}
	}
	return best
}

// scoreRange prefers merging many parts of similar size. The ratio of total
// to max size approaches the part count when sizes are uniform.
func scoreRange(r PartsRange) float64 {
	var total, maxSize uint64
	for _, p := range r {
		size := p.BytesOnDisk
		if size == 0 {
			size = p.RowCount
		}
		total += size
		if size > maxSize {
			maxSize = size
		}
	}
	if maxSize == 0 {
		maxSize = 1
	}
	return float64(total) / float64(maxSize) * float64(len(r))
}

func tieBreak(a, b PartsRange) bool {
	if at, bt := a.TotalBytes(), b.TotalBytes(); at != bt {
		return at < bt
	}
	if ao, bo := oldest(a), oldest(b); !ao.Equal(bo) {
		return ao.Before(bo)
	}
	return maxLevel(a) < maxLevel(b)
}

func oldest(r PartsRange) time.Time {
	t := r[0].CreatedAt
	for _, p := range r[1:] {
		if p.CreatedAt.Before(t) {
			t = p.CreatedAt
		}
	}
	return t
}

func maxLevel(r PartsRange) uint32 {
	var level uint32
	for _, p := range r {
		if p.Info.Level > level {
			level = p.Info.Level
		}
	}
	return level
}

// TTLSelector picks ranges whose rows have all expired, so the merge can
// drop them. It ignores the size cap: TTL merges are bounded separately by
// the TTL pool slots.
type TTLSelector struct {
	Now func() time.Time
}

func (s *TTLSelector) Select(ranges []PartsRange, _ uint64) PartsRange {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	deadline := now()

	var best PartsRange
	for _, run := range ranges {
		start := -1
		for i, p := range run {
			expired := !p.TTLMax.IsZero() && p.TTLMax.Before(deadline)
			if expired && start < 0 {
				start = i
			}
			if (!expired || i == len(run)-1) && start >= 0 {
				end := i
				if expired {
					end = i + 1
				}
				candidate := run[start:end]
				if len(candidate) > 0 && (best == nil || candidate.TotalBytes() > best.TotalBytes()) {
					best = candidate
				}
				start = -1
			}
		}
	}
	return best
}

// MergedInfo computes the result part identity for a merge: the union of
// the source ranges, one level above the deepest source, preserving the
// highest applied mutation.
func MergedInfo(r PartsRange) part.Info {
	info := part.Info{
		PartitionID: r[0].Info.PartitionID,
		MinBlock:    r[0].Info.MinBlock,
		MaxBlock:    r[0].Info.MaxBlock,
		Level:       r[0].Info.Level,
		Mutation:    r[0].Info.Mutation,
	}
	for _, p := range r[1:] {
		if p.Info.MinBlock < info.MinBlock {
			info.MinBlock = p.Info.MinBlock
		}
		if p.Info.MaxBlock > info.MaxBlock {
			info.MaxBlock = p.Info.MaxBlock
		}
		if p.Info.Level > info.Level {
			info.Level = p.Info.Level
		}
		if p.Info.Mutation > info.Mutation {
			info.Mutation = p.Info.Mutation
		}
	}
	info.Level++
	return info
}
