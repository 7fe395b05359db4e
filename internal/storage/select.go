package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harshithgowdakt/mergetree/internal/command"
	"github.com/harshithgowdakt/mergetree/internal/compaction"
	"github.com/harshithgowdakt/mergetree/internal/part"
)

// MergeType classifies a selected merge.
type MergeType uint8

const (
	MergeRegular MergeType = iota
	MergeTTLDelete
)

// FutureMergedMutatedPart is the transient description of a background job's
// output; its lifetime is bounded by the job.
type FutureMergedMutatedPart struct {
	Parts     []*part.Part
	Info      part.Info
	Name      string
	MergeType MergeType
	Reserved  *Reservation
	UUID      uuid.UUID
}

// MergeMutateSelectedEntry couples a future part with its scoped
// acquisitions. Commands is non-empty for mutations.
type MergeMutateSelectedEntry struct {
	Future   *FutureMergedMutatedPart
	Tagger   *Tagger
	Commands command.Commands
}

// SelectFailureReason is the typed outcome of a selection that chose
// nothing.
type SelectFailureReason uint8

const (
	CannotSelect SelectFailureReason = iota
	NothingToMerge
)

// SelectFailure explains why no merge was selected.
type SelectFailure struct {
	Reason      SelectFailureReason
	Explanation string
}

// Reservation is scoped disk space held for one background job.
type Reservation struct {
	bytes uint64
	t     *MergeTreeTable
	once  sync.Once
}

// Release returns the reserved space.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() { r.t.reservedBytes.Add(^uint64(r.bytes - 1)) })
}

// reserveSpace reserves disk space for one job against the free-space hook.
// On a single local disk the balanced and TTL-preferring reservation
// attempts collapse into the same check.
func (t *MergeTreeTable) reserveSpace(bytes uint64) (*Reservation, error) {
	if t.settings.DiskFreeBytes == nil {
		t.reservedBytes.Add(bytes)
		return &Reservation{bytes: bytes, t: t}, nil
	}

	free := t.settings.DiskFreeBytes()
	reserved := t.reservedBytes.Load()

	if free >= reserved+bytes {
		t.reservedBytes.Add(bytes)
		return &Reservation{bytes: bytes, t: t}, nil
	}
	return nil, errors.Wrapf(ErrNotEnoughSpace,
		"cannot reserve %d bytes (free %d, already reserved %d)", bytes, free, reserved)
}

// Tagger marks the future's source parts as currently merging/mutating.
// The tag is released exactly once when the job finishes, together with the
// disk reservation and any TTL pool slot.
type Tagger struct {
	t       *MergeTreeTable
	future  *FutureMergedMutatedPart
	ttlSlot bool
	once    sync.Once
}

// newTaggerLocked runs with backgroundMu held.
func (t *MergeTreeTable) newTaggerLocked(future *FutureMergedMutatedPart, ttlSlot bool) (*Tagger, error) {
	if err := t.registry.add(future.Parts); err != nil {
		return nil, err
	}
	if ttlSlot {
		t.ttlMergesInPool++
	}
	return &Tagger{t: t, future: future, ttlSlot: ttlSlot}, nil
}

// Release untags the parts and wakes drain waiters.
func (tg *Tagger) Release() {
	tg.once.Do(func() {
		tg.t.backgroundMu.Lock()
		tg.t.registry.remove(tg.future.Parts)
		if tg.ttlSlot {
			tg.t.ttlMergesInPool--
		}
		tg.t.processingCond.Broadcast()
		tg.t.backgroundMu.Unlock()
		tg.future.Reserved.Release()
	})
}

// maxSourcePartsSizeForMerge derives the per-tick merge size budget from the
// free share of the background pool; zero means "no merges now".
func (t *MergeTreeTable) maxSourcePartsSizeForMerge() uint64 {
	pool := t.settings.BackgroundPoolSize
	busy := int(t.busyJobs.Load())
	free := pool - busy
	if free <= 0 {
		return 0
	}
	threshold := t.settings.FreeEntriesToLowerMaxMergeSize
	maxSize := t.settings.MaxBytesToMergeAtMaxSpaceInPool
	if free >= threshold {
		return maxSize
	}
	// Interpolate down quadratically as the pool fills up.
	ratio := float64(free) / float64(threshold)
	return uint64(float64(maxSize) * ratio * ratio)
}

func (t *MergeTreeTable) maxSourcePartSizeForMutation() uint64 {
	if int(t.busyJobs.Load()) >= t.settings.BackgroundPoolSize {
		return 0
	}
	return t.settings.MaxBytesToMutate
}

func (t *MergeTreeTable) backgroundMemoryOK() (bool, string) {
	if t.settings.BackgroundMemory == nil {
		return true, ""
	}
	used, soft := t.settings.BackgroundMemory()
	if soft == 0 || used <= soft {
		return true, ""
	}
	return false, "background tasks memory usage is over the soft limit"
}

// eligibleRangesLocked collects contiguous runs of mergeable active parts, split
// at tagged parts. Runs with backgroundMu held.
func (t *MergeTreeTable) eligibleRangesLocked(partitionID string) []compaction.PartsRange {
	var ranges []compaction.PartsRange

	pids := t.parts.PartitionIDs()
	for _, pid := range pids {
		if partitionID != "" && pid != partitionID {
			continue
		}
		if t.mergesBlocker.IsCancelledForPartition(pid) {
			continue
		}
		var run compaction.PartsRange
		for _, p := range t.parts.ActiveInPartition(pid) {
			if t.registry.contains(p) {
				if len(run) > 0 {
					ranges = append(ranges, run)
					run = nil
				}
				continue
			}
			run = append(run, p)
		}
		if len(run) > 0 {
			ranges = append(ranges, run)
		}
	}
	return ranges
}

// selectPartsToMergeLocked proposes one merge. partitionID narrows the
// search; final forces selection of all parts of the partition and waits
// for in-flight jobs on them. Runs with backgroundMu held.
func (t *MergeTreeTable) selectPartsToMergeLocked(partitionID string, final bool) (*MergeMutateSelectedEntry, *SelectFailure, error) {
	if partitionID == "" {
		return t.selectWithoutHintLocked()
	}
	return t.selectInPartitionLocked(partitionID, final)
}

func (t *MergeTreeTable) selectWithoutHintLocked() (*MergeMutateSelectedEntry, *SelectFailure, error) {
	if ok, reason := t.backgroundMemoryOK(); !ok {
		return nil, &SelectFailure{Reason: CannotSelect, Explanation: reason}, nil
	}

	maxSize := t.maxSourcePartsSizeForMerge()
	if maxSize == 0 {
		return nil, &SelectFailure{Reason: CannotSelect, Explanation: "current value of max_source_parts_size is zero"}, nil
	}

	ranges := t.eligibleRangesLocked("")
	if len(ranges) == 0 {
		return nil, &SelectFailure{Reason: NothingToMerge, Explanation: "no eligible parts"}, nil
	}

	// TTL merges are bookkept separately and bounded by the TTL pool.
	if t.Schema.HasTTL() && t.ttlMergesInPool < t.settings.MaxNumberOfMergesWithTTLInPool {
		ttl := &compaction.TTLSelector{}
		if chosen := ttl.Select(ranges, 0); chosen != nil {
			return t.buildMergeEntryLocked(chosen, MergeTTLDelete)
		}
	}

	selector := compaction.NewSimpleSelector(t.settings.MaxPartsToMerge)
	chosen := selector.Select(ranges, maxSize)
	if chosen == nil {
		return nil, &SelectFailure{Reason: NothingToMerge, Explanation: "no ranges worth merging"}, nil
	}
	return t.buildMergeEntryLocked(chosen, MergeRegular)
}

func (t *MergeTreeTable) selectInPartitionLocked(partitionID string, final bool) (*MergeMutateSelectedEntry, *SelectFailure, error) {
	timeout := t.settings.LockAcquireTimeoutBackground
	deadline := time.Now().Add(timeout)

	// The memory gate polls at one-second cadence for in-partition
	// selection before giving up.
	for {
		ok, reason := t.backgroundMemoryOK()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, &SelectFailure{Reason: CannotSelect, Explanation: reason}, nil
		}
		time.Sleep(time.Second)
	}

	for {
		all := t.parts.ActiveInPartition(partitionID)
		var eligible compaction.PartsRange
		tagged := 0
		for _, p := range all {
			if t.registry.contains(p) {
				tagged++
				continue
			}
			eligible = append(eligible, p)
		}

		if tagged > 0 && final {
			// OPTIMIZE FINAL waits for in-flight merges to finish so that
			// the final merge covers their results too.
			t.log.WithFields(logrus.Fields{"partition": partitionID, "merging": tagged}).
				Debug("waiting for running merges before OPTIMIZE FINAL")
			if !t.waitProcessingLocked(deadline) {
				return nil, &SelectFailure{
					Reason:      CannotSelect,
					Explanation: "timeout while waiting for already running merges before OPTIMIZE FINAL",
				}, nil
			}
			continue
		}

		if len(eligible) == 0 {
			return nil, &SelectFailure{Reason: NothingToMerge, Explanation: "no parts in partition"}, nil
		}
		if len(eligible) == 1 && eligible[0].Info.Level > 0 && eligible[0].Info.Mutation == 0 {
			return nil, &SelectFailure{Reason: NothingToMerge, Explanation: "partition is already merged into one part"}, nil
		}
		return t.buildMergeEntryLocked(eligible, MergeRegular)
	}
}

// waitProcessingLocked waits on the processing condition until deadline.
// Returns false on timeout. backgroundMu is held on entry and exit.
func (t *MergeTreeTable) waitProcessingLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		t.backgroundMu.Lock()
		t.processingCond.Broadcast()
		t.backgroundMu.Unlock()
	})
	defer timer.Stop()

	t.processingCond.Wait()
	return time.Now().Before(deadline) && !t.shutdownCalled.Load()
}

func (t *MergeTreeTable) buildMergeEntryLocked(chosen compaction.PartsRange, mergeType MergeType) (*MergeMutateSelectedEntry, *SelectFailure, error) {
	future := &FutureMergedMutatedPart{
		Parts:     chosen,
		Info:      compaction.MergedInfo(chosen),
		MergeType: mergeType,
	}
	future.Name = future.Info.Name()
	if t.settings.AssignPartUUIDs {
		future.UUID = uuid.New()
	}

	reservation, err := t.reserveSpace(chosen.TotalBytes())
	if err != nil {
		return nil, nil, err
	}
	future.Reserved = reservation

	tagger, err := t.newTaggerLocked(future, mergeType == MergeTTLDelete)
	if err != nil {
		reservation.Release()
		return nil, nil, err
	}
	return &MergeMutateSelectedEntry{Future: future, Tagger: tagger}, nil, nil
}

// selectPartsToMutateLocked proposes at most one mutation job: the oldest
// applicable run of coalescable entries for some part. Runs with
// backgroundMu held.
func (t *MergeTreeTable) selectPartsToMutateLocked() (*MergeMutateSelectedEntry, string) {
	if t.mutations.Len() == 0 {
		return nil, "no mutations"
	}

	maxSize := t.maxSourcePartSizeForMutation()
	if maxSize == 0 {
		return nil, "not enough free entries in the background pool to apply mutations"
	}

	maxAST := t.settings.MaxExpandedASTElements

	for _, p := range t.parts.ActiveParts() {
		if p.IsPatch() || t.registry.contains(p) {
			continue
		}
		entries := t.mutations.EntriesAfter(p.DataVersion())
		if len(entries) == 0 {
			continue
		}
		if p.BytesOnDisk > maxSize {
			t.log.WithFields(logrus.Fields{"part": p.Name(), "size": p.BytesOnDisk}).
				Debug("part is larger than the mutation size budget, will not mutate it yet")
			continue
		}
		if !t.backoff.PartCanBeMutated(p.Name()) {
			t.log.WithField("part", p.Name()).
				Debug("postponing mutation of part per backoff policy")
			continue
		}

		firstTID := entries[0].TID
		var commands command.Commands
		lastVersion := int64(0)
		astSize := 0
		for _, e := range entries {
			// Entries of different transactions commit or roll back
			// independently; never squash them into one job.
			if e.TID != firstTID {
				break
			}
			size := e.Commands.ASTSize()
			if astSize+size >= maxAST {
				break
			}
			if e.Commands.ContainsBarrier() {
				// A barrier is applied alone.
				if len(commands) == 0 {
					commands = append(commands, e.Commands...)
					lastVersion = e.BlockNumber
				}
				break
			}
			astSize += size
			commands = append(commands, e.Commands...)
			lastVersion = e.BlockNumber
		}

		if len(commands) == 0 {
			continue
		}

		newInfo := p.Info
		newInfo.Mutation = lastVersion
		future := &FutureMergedMutatedPart{
			Parts: []*part.Part{p},
			Info:  newInfo,
			Name:  newInfo.Name(),
		}
		if t.settings.AssignPartUUIDs {
			future.UUID = uuid.New()
		}

		reservation, err := t.reserveSpace(p.BytesOnDisk)
		if err != nil {
			return nil, err.Error()
		}
		future.Reserved = reservation

		tagger, err := t.newTaggerLocked(future, false)
		if err != nil {
			reservation.Release()
			return nil, err.Error()
		}
		return &MergeMutateSelectedEntry{Future: future, Tagger: tagger, Commands: commands}, ""
	}
	return nil, "no parts to mutate"
}
