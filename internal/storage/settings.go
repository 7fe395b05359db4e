package storage

import "time"

// MergeMode selects the merging algorithm family.
type MergeMode uint8

const (
	MergeModeOrdinary MergeMode = iota
	MergeModeReplacing
)

// Settings holds the per-table knobs. Zero values are replaced by
// DefaultSettings at construction; callers override individual fields.
type Settings struct {
	// Merge selection.
	MaxPartsToMerge                 int
	MaxBytesToMergeAtMaxSpaceInPool uint64
	BackgroundPoolSize              int
	FreeEntriesToLowerMaxMergeSize  int
	MaxNumberOfMergesWithTTLInPool  int

	// Mutation selection.
	MaxBytesToMutate                  uint64
	MaxExpandedASTElements            int
	MaxPostponeTimeForFailedMutations time.Duration
	FinishedMutationsToKeep           int

	// Lifecycle and cleanup.
	OldPartsLifetime              time.Duration
	TemporaryDirectoriesLifetime  time.Duration
	ClearOldPartsInterval         time.Duration
	ClearOldTemporaryDirsInterval time.Duration

	// Locking.
	LockAcquireTimeout           time.Duration
	LockAcquireTimeoutBackground time.Duration

	// Insert back-pressure.
	PartsToThrowInsert int

	// Partition operations.
	MaxPartsToMove int

	// Deduplication window for inserts; 0 disables the log.
	NonReplicatedDeduplicationWindow int

	// Merging behavior.
	MergeMode       MergeMode
	AssignPartUUIDs bool

	// StoragePolicy names the disk policy; partition ops between tables
	// require compatible policies.
	StoragePolicy string

	// DiskFreeBytes reports free space for reservations. Nil means
	// unlimited (tests, single local disk).
	DiskFreeBytes func() uint64

	// BackgroundMemory reports (used, softLimit) for the background memory
	// gate. Nil disables the gate.
	BackgroundMemory func() (used, softLimit uint64)

	// TxResolver resolves a TID recorded on a mutation entry at load time.
	// Nil treats every TID as committed.
	TxResolver func(tid uint64) TxStatus
}

// TxStatus is the load-time resolution of a mutation entry's transaction.
type TxStatus uint8

const (
	TxCommitted TxStatus = iota
	TxAborted
	TxRunning
)

// DefaultSettings returns the defaults mirroring the original engine.
func DefaultSettings() *Settings {
	return &Settings{
		MaxPartsToMerge:                 10,
		MaxBytesToMergeAtMaxSpaceInPool: 150 * 1024 * 1024 * 1024,
		BackgroundPoolSize:              16,
		FreeEntriesToLowerMaxMergeSize:  8,
		MaxNumberOfMergesWithTTLInPool:  2,

		MaxBytesToMutate:                  64 * 1024 * 1024 * 1024,
		MaxExpandedASTElements:            500000,
		MaxPostponeTimeForFailedMutations: 5 * time.Minute,
		FinishedMutationsToKeep:           100,

		OldPartsLifetime:              8 * time.Minute,
		TemporaryDirectoriesLifetime:  86400 * time.Second,
		ClearOldPartsInterval:         1 * time.Second,
		ClearOldTemporaryDirsInterval: 60 * time.Second,

		LockAcquireTimeout:           120 * time.Second,
		LockAcquireTimeoutBackground: 120 * time.Second,

		PartsToThrowInsert: 3000,

		MaxPartsToMove: 1000,

		NonReplicatedDeduplicationWindow: 0,

		MergeMode: MergeModeOrdinary,
	}
}

func (s *Settings) withDefaults() *Settings {
	if s == nil {
		return DefaultSettings()
	}
	d := DefaultSettings()
	if s.MaxPartsToMerge == 0 {
		s.MaxPartsToMerge = d.MaxPartsToMerge
	}
	if s.MaxBytesToMergeAtMaxSpaceInPool == 0 {
		s.MaxBytesToMergeAtMaxSpaceInPool = d.MaxBytesToMergeAtMaxSpaceInPool
	}
	if s.BackgroundPoolSize == 0 {
		s.BackgroundPoolSize = d.BackgroundPoolSize
	}
	if s.FreeEntriesToLowerMaxMergeSize == 0 {
		s.FreeEntriesToLowerMaxMergeSize = d.FreeEntriesToLowerMaxMergeSize
	}
	if s.MaxNumberOfMergesWithTTLInPool == 0 {
		s.MaxNumberOfMergesWithTTLInPool = d.MaxNumberOfMergesWithTTLInPool
	}
	if s.MaxBytesToMutate == 0 {
		s.MaxBytesToMutate = d.MaxBytesToMutate
	}
	if s.MaxExpandedASTElements == 0 {
		s.MaxExpandedASTElements = d.MaxExpandedASTElements
	}
	if s.MaxPostponeTimeForFailedMutations == 0 {
		s.MaxPostponeTimeForFailedMutations = d.MaxPostponeTimeForFailedMutations
	}
	if s.FinishedMutationsToKeep == 0 {
		s.FinishedMutationsToKeep = d.FinishedMutationsToKeep
	}
	if s.OldPartsLifetime == 0 {
		s.OldPartsLifetime = d.OldPartsLifetime
	}
	if s.TemporaryDirectoriesLifetime == 0 {
		s.TemporaryDirectoriesLifetime = d.TemporaryDirectoriesLifetime
	}
	if s.ClearOldPartsInterval == 0 {
		s.ClearOldPartsInterval = d.ClearOldPartsInterval
	}
	if s.ClearOldTemporaryDirsInterval == 0 {
		s.ClearOldTemporaryDirsInterval = d.ClearOldTemporaryDirsInterval
	}
	if s.LockAcquireTimeout == 0 {
		s.LockAcquireTimeout = d.LockAcquireTimeout
	}
	if s.LockAcquireTimeoutBackground == 0 {
		s.LockAcquireTimeoutBackground = d.LockAcquireTimeoutBackground
	}
	if s.PartsToThrowInsert == 0 {
		s.PartsToThrowInsert = d.PartsToThrowInsert
	}
	if s.MaxPartsToMove == 0 {
		s.MaxPartsToMove = d.MaxPartsToMove
	}
	return s
}
