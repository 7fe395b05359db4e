package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ScheduleBackgroundJob runs one tick of the per-table background protocol:
// try a merge, else a mutation, else due cleanups. Returns true when any
// work ran. The background scheduler drives this periodically.
func (t *MergeTreeTable) ScheduleBackgroundJob(ctx context.Context) bool {
	if t.shutdownCalled.Load() {
		return false
	}

	var mergeEntry, mutateEntry *MergeMutateSelectedEntry
	var hasMutations bool

	t.backgroundMu.Lock()
	if t.mergesBlocker.IsCancelled() {
		t.backgroundMu.Unlock()
		return false
	}

	entry, failure, err := t.selectPartsToMergeLocked("", false)
	switch {
	case err != nil:
		t.log.WithError(err).Debug("merge selection failed")
	case entry != nil:
		mergeEntry = entry
	case failure != nil:
		t.log.WithField("reason", failure.Explanation).Trace("did not start merge")
	}

	if mergeEntry == nil && t.mutations.Len() > 0 {
		var reason string
		mutateEntry, reason = t.selectPartsToMutateLocked()
		if mutateEntry == nil {
			t.log.WithField("reason", reason).Trace("did not start mutation")
		}
	}
	hasMutations = t.mutations.Len() > 0
	t.backgroundMu.Unlock()

	if mergeEntry != nil {
		if t.mergesBlocker.IsCancelledForPartition(mergeEntry.Future.Info.PartitionID) {
			mergeEntry.Tagger.Release()
			return false
		}
		t.runMergeJob(ctx, mergeEntry, MergeOptions{})
		return true
	}
	if mutateEntry != nil {
		if t.mergesBlocker.IsCancelledForPartition(mutateEntry.Future.Info.PartitionID) {
			mutateEntry.Tagger.Release()
			return false
		}
		t.runMutationJob(ctx, mutateEntry)
		return true
	}
	if hasMutations {
		// No mutation could be selected; wake sync waiters so recorded
		// failures propagate.
		t.notifyMutationWaiters()
	}

	return t.runDueCleanups()
}

func (t *MergeTreeTable) restartCleanupTimers() {
	now := time.Now().UnixNano()
	t.lastCleanupParts.Store(now)
	t.lastCleanupTemp.Store(now)
}

// runDueCleanups fires the periodic cleanups whose interval elapsed.
func (t *MergeTreeTable) runDueCleanups() bool {
	now := time.Now()
	ran := false

	lastTemp := t.lastCleanupTemp.Load()
	if now.Sub(time.Unix(0, lastTemp)) >= t.settings.ClearOldTemporaryDirsInterval &&
		t.lastCleanupTemp.CompareAndSwap(lastTemp, now.UnixNano()) {
		t.clearOldTemporaryDirectories(t.settings.TemporaryDirectoriesLifetime)
		ran = true
	}

	lastParts := t.lastCleanupParts.Load()
	if now.Sub(time.Unix(0, lastParts)) >= t.settings.ClearOldPartsInterval &&
		t.lastCleanupParts.CompareAndSwap(lastParts, now.UnixNano()) {
		t.ClearOldParts(false)
		t.ClearOldMutations(false)
		t.ClearEmptyParts()
		t.ClearUnusedPatchParts()
		t.metrics.CleanupRuns.Inc()
		ran = true
	}
	return ran
}

// runMergeJob executes a selected merge outside the table locks and commits
// the result. Failures are logged; selection retries at the next tick.
func (t *MergeTreeTable) runMergeJob(ctx context.Context, entry *MergeMutateSelectedEntry, opts MergeOptions) error {
	t.busyJobs.Add(1)
	defer t.busyJobs.Add(-1)
	defer entry.Tagger.Release()

	fut := entry.Future
	log := t.log.WithFields(logrus.Fields{"result": fut.Name, "sources": len(fut.Parts)})

	sealed, err := t.mergeParts(fut, opts)
	if err == nil {
		_, err = t.commitPart(sealed)
	}
	if err != nil {
		t.metrics.FailedJobsTotal.Inc()
		log.WithError(err).Error("merge failed")
		return err
	}

	t.outdatePatchSources(fut)
	t.metrics.MergesTotal.Inc()
	log.WithField("rows", sealed.RowCount).Info("merged parts")
	return nil
}

// runMutationJob executes a selected mutation, records the outcome on the
// covered mutation entries and wakes sync waiters.
func (t *MergeTreeTable) runMutationJob(ctx context.Context, entry *MergeMutateSelectedEntry) error {
	t.busyJobs.Add(1)
	defer t.busyJobs.Add(-1)
	defer entry.Tagger.Release()

	fut := entry.Future
	version := fut.Info.Mutation

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.backgroundMu.Lock()
	t.runningMutations[version] = append(t.runningMutations[version], cancel)
	t.backgroundMu.Unlock()
	defer func() {
		t.backgroundMu.Lock()
		delete(t.runningMutations, version)
		t.backgroundMu.Unlock()
	}()

	log := t.log.WithFields(logrus.Fields{"part": fut.Parts[0].Name(), "mutation": version})

	sealed, err := t.mutatePart(jobCtx, fut, entry.Commands)
	if err == nil {
		_, err = t.commitPart(sealed)
	}

	if err != nil {
		if errors.Is(err, ErrAborted) || jobCtx.Err() != nil {
			// Killed: the entry is already gone, nothing to record.
			log.Info("mutation cancelled")
			t.notifyMutationWaiters()
			return err
		}
		t.metrics.FailedJobsTotal.Inc()
		log.WithError(err).Error("mutation failed")
		t.updateMutationEntriesErrors(fut, err)
		return err
	}

	t.outdatePatchSources(fut)
	t.metrics.MutationsTotal.Inc()
	log.Info("mutated part")
	t.updateMutationEntriesErrors(fut, nil)
	return nil
}

// OptimizeOptions mirror OPTIMIZE [PARTITION p] [FINAL] [DEDUPLICATE [BY
// cols]] [CLEANUP].
type OptimizeOptions struct {
	PartitionID string
	Final       bool
	Deduplicate bool
	DedupBy     []string
	Cleanup     bool
	ThrowIfNoop bool
}

// Optimize forces merge selection. With Final and no partition every
// partition is merged; Final also waits for in-flight merges on the chosen
// partitions.
func (t *MergeTreeTable) Optimize(ctx context.Context, opts OptimizeOptions) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	if opts.Cleanup && t.settings.MergeMode != MergeModeReplacing {
		return errors.Wrap(ErrCannotAssignOptimize, "CLEANUP is only allowed for the replacing merge mode")
	}

	if opts.PartitionID == "" && opts.Final {
		snap := t.Snapshot()
		pids := map[string]bool{}
		for _, p := range snap.Parts {
			pids[p.Info.PartitionID] = true
		}
		snap.Release()

		for pid := range pids {
			if err := t.mergeNow(ctx, pid, true, opts); err != nil {
				return err
			}
		}
		return nil
	}
	return t.mergeNow(ctx, opts.PartitionID, opts.Final, opts)
}

// mergeNow selects under lock and executes the merge synchronously.
func (t *MergeTreeTable) mergeNow(ctx context.Context, partitionID string, final bool, opts OptimizeOptions) error {
	t.backgroundMu.Lock()
	if t.mergesBlocker.IsCancelledForPartition(partitionID) {
		t.backgroundMu.Unlock()
		return errors.Wrap(ErrAborted, "cancelled merging parts")
	}
	entry, failure, err := t.selectPartsToMergeLocked(partitionID, final)
	t.backgroundMu.Unlock()

	if err != nil {
		return err
	}
	if entry == nil {
		if failure.Reason == NothingToMerge {
			// Nothing to merge counts as success for OPTIMIZE.
			return nil
		}
		if opts.ThrowIfNoop {
			return errors.Wrapf(ErrCannotAssignOptimize, "cannot OPTIMIZE table: %s", failure.Explanation)
		}
		t.log.WithField("reason", failure.Explanation).Info("cannot OPTIMIZE table")
		return nil
	}

	return t.runMergeJob(ctx, entry, MergeOptions{
		Deduplicate: opts.Deduplicate,
		DedupBy:     opts.DedupBy,
		Cleanup:     opts.Cleanup,
	})
}
