package storage

import (
	"os"
	"path/filepath"
	"time"
)

// ClearOldParts removes outdated part directories past their grace window
// and not referenced by any snapshot. I/O errors are logged and retried on
// the next pass; cleanup never aborts the scheduler.
func (t *MergeTreeTable) ClearOldParts(force bool) int {
	grabbed := t.parts.GrabOldParts(t.settings.OldPartsLifetime, force)
	cleared := 0
	for _, p := range grabbed {
		if err := os.RemoveAll(p.Dir); err != nil {
			t.log.WithError(err).WithField("part", p.Name()).Warn("cannot remove old part")
			t.parts.Rollback(p)
			continue
		}
		t.parts.Forget(p)
		cleared++
	}
	if cleared > 0 {
		t.log.WithField("parts", cleared).Debug("removed old parts")
		t.refreshPartGauges()
	}
	return cleared
}

// clearOldTemporaryDirectories removes orphaned tmp_*, delete_tmp_* and
// tmp-fetch_* directories older than lifetime.
func (t *MergeTreeTable) clearOldTemporaryDirectories(lifetime time.Duration) int {
	entries, err := os.ReadDir(t.DataDir)
	if err != nil {
		t.log.WithError(err).Warn("cannot scan data dir for temporary directories")
		return 0
	}

	cleared := 0
	for _, e := range entries {
		if !e.IsDir() || !hasTempPrefix(e.Name()) {
			continue
		}
		full := filepath.Join(t.DataDir, e.Name())
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if lifetime > 0 && time.Since(fi.ModTime()) < lifetime {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			t.log.WithError(err).WithField("dir", e.Name()).Warn("cannot remove temporary directory")
			continue
		}
		t.log.WithField("dir", e.Name()).Debug("removed temporary directory")
		cleared++
	}
	return cleared
}

// ClearEmptyParts outdates zero-row active parts that are not participating
// in a background job.
func (t *MergeTreeTable) ClearEmptyParts() int {
	cleared := 0
	t.backgroundMu.Lock()
	for _, p := range t.parts.ActiveParts() {
		if !p.IsEmpty() || t.registry.contains(p) {
			continue
		}
		if err := t.parts.Outdate(p, false); err == nil {
			cleared++
		}
	}
	t.backgroundMu.Unlock()

	if cleared > 0 {
		t.log.WithField("parts", cleared).Debug("outdated empty parts")
		t.refreshPartGauges()
	}
	return cleared
}

// ClearOldMutations erases finished mutation entries beyond the retention
// count. With truncate every finished entry goes.
func (t *MergeTreeTable) ClearOldMutations(truncate bool) int {
	keep := t.settings.FinishedMutationsToKeep
	if truncate {
		keep = 0
	} else if keep == 0 {
		return 0
	}

	var toDelete []*MutationEntry
	t.backgroundMu.Lock()
	minVersion, ok := t.parts.MinDataVersion()
	if !ok {
		minVersion = t.alloc.Current() + 1 // no parts: everything is finished
	}

	// An entry is finished once every active part has data version >= it.
	var done []*MutationEntry
	for _, e := range t.mutations.All() {
		if e.BlockNumber > minVersion {
			break
		}
		e.IsDone = true
		done = append(done, e)
	}
	if len(done) > keep {
		for _, e := range done[:len(done)-keep] {
			t.mutations.Remove(e.BlockNumber)
			toDelete = append(toDelete, e)
		}
	}
	t.backgroundMu.Unlock()

	for _, e := range toDelete {
		t.log.WithField("mutation", e.FileName()).Debug("removing finished mutation")
		if err := e.RemoveFile(); err != nil {
			t.log.WithError(err).WithField("mutation", e.FileName()).Warn("cannot remove mutation file")
		}
	}
	return len(toDelete)
}

// CleanupNow runs every cleanup immediately (admin/test hook).
func (t *MergeTreeTable) CleanupNow() {
	t.clearOldTemporaryDirectories(t.settings.TemporaryDirectoriesLifetime)
	t.ClearOldParts(false)
	t.ClearOldMutations(false)
	t.ClearEmptyParts()
	t.ClearUnusedPatchParts()
	t.metrics.CleanupRuns.Inc()
	t.log.Debug("cleanup pass finished")
}
