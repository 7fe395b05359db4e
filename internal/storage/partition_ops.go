package storage

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harshithgowdakt/mergetree/internal/part"
)

// StopMergesAndWait blocks new merges table-wide and drains every in-flight
// background job. The returned lock re-enables merges on release.
func (t *MergeTreeTable) StopMergesAndWait() (*ActionLock, error) {
	t.backgroundMu.Lock()
	defer t.backgroundMu.Unlock()

	blocker := t.mergesBlocker.Cancel()
	deadline := time.Now().Add(t.settings.LockAcquireTimeout)

	for t.registry.size() > 0 {
		t.log.WithField("merging", t.registry.size()).
			Debug("waiting for currently running merges")
		if !t.waitProcessingLocked(deadline) {
			blocker.Release()
			return nil, errors.Wrap(ErrTimeoutExceeded, "timeout while waiting for already running merges")
		}
	}
	return blocker, nil
}

// StopMergesAndWaitForPartition is the partition-scoped drain: new merges on
// the partition are blocked, and the call returns once no tagged part
// intersects it.
func (t *MergeTreeTable) StopMergesAndWaitForPartition(partitionID string) (*ActionLock, error) {
	t.backgroundMu.Lock()
	defer t.backgroundMu.Unlock()

	blocker := t.mergesBlocker.CancelForPartition(partitionID)
	deadline := time.Now().Add(t.settings.LockAcquireTimeout)

	for t.registry.intersectsPartition(partitionID) {
		t.log.WithFields(logrus.Fields{"partition": partitionID, "merging": t.registry.size()}).
			Debug("waiting for currently running merges on partition")
		if !t.waitProcessingLocked(deadline) {
			blocker.Release()
			return nil, errors.Wrap(ErrTimeoutExceeded, "timeout while waiting for already running merges")
		}
	}
	return blocker, nil
}

// coverWithEmptyParts commits one empty covering part per target part,
// reusing the merge commit path; the targets become Outdated atomically
// with the commit.
func (t *MergeTreeTable) coverWithEmptyParts(targets []*part.Part) error {
	writer := NewPartWriter(t.Schema, t.DataDir, t.codec)
	for _, old := range targets {
		info := old.Info
		info.Level++

		sealed, err := writer.WriteEmptyPart(info)
		if err != nil {
			return errors.Wrapf(err, "creating empty covering part %s", info.Name())
		}
		covered, err := t.commitPart(sealed)
		if err != nil {
			return err
		}
		if len(covered) > 1 {
			return errors.Wrapf(ErrLogical,
				"empty part %s expected to cover at most 1 part, covered %d", info.Name(), len(covered))
		}
		// Skip the grace window for parts dropped on purpose.
		for _, c := range covered {
			c.ScheduleRemoval(true)
			t.dedup.DropPart(c.Name())
		}
	}
	return nil
}

// DropPartition drops (or detaches) every visible part of the partition by
// committing empty covering parts.
func (t *MergeTreeTable) DropPartition(partitionID string, detach bool) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}

	blocker, err := t.StopMergesAndWaitForPartition(partitionID)
	if err != nil {
		return err
	}
	defer blocker.Release()

	targets := t.parts.ActiveInPartition(partitionID)
	patches := t.parts.ActiveInPartition(part.PatchPartitionPrefix + partitionID)
	if detach {
		for _, p := range targets {
			if err := t.detachPart(p); err != nil {
				return err
			}
		}
	}
	if err := t.coverWithEmptyParts(targets); err != nil {
		return err
	}
	for _, p := range patches {
		t.parts.Outdate(p, true)
	}

	t.log.WithFields(logrus.Fields{"partition": partitionID, "parts": len(targets), "detach": detach}).
		Info("dropped partition")
	t.ClearOldParts(false)
	return nil
}

// DropPart drops (or detaches) one named part.
func (t *MergeTreeTable) DropPart(partName string, detach bool) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	info, err := part.ParseName(partName)
	if err != nil {
		return errors.Wrapf(ErrBadArguments, "bad part name %q", partName)
	}

	blocker, err := t.StopMergesAndWaitForPartition(info.PartitionID)
	if err != nil {
		return err
	}
	defer blocker.Release()

	p, ok := t.parts.GetActive(partName)
	if !ok {
		return errors.Wrapf(ErrNoSuchDataPart, "part %s not found, won't try to drop it", partName)
	}
	if detach {
		if err := t.detachPart(p); err != nil {
			return err
		}
	}
	if err := t.coverWithEmptyParts([]*part.Part{p}); err != nil {
		return err
	}

	t.log.WithFields(logrus.Fields{"part": partName, "detach": detach}).Info("dropped part")
	t.ClearOldParts(false)
	return nil
}

// Truncate drops every visible part of the table and erases finished
// mutation entries.
func (t *MergeTreeTable) Truncate() error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}

	blocker, err := t.StopMergesAndWait()
	if err != nil {
		return err
	}
	defer blocker.Release()

	var targets, patches []*part.Part
	for _, p := range t.parts.ActiveParts() {
		if p.IsPatch() {
			patches = append(patches, p)
		} else {
			targets = append(targets, p)
		}
	}
	if err := t.coverWithEmptyParts(targets); err != nil {
		return err
	}
	for _, p := range patches {
		t.parts.Outdate(p, true)
	}
	t.log.WithField("parts", len(targets)).Info("truncated table")

	t.ClearOldMutations(true)
	t.ClearOldParts(false)
	t.ClearEmptyParts()
	return nil
}

// detachPart clones a part directory into detached/ before it is dropped.
func (t *MergeTreeTable) detachPart(p *part.Part) error {
	dst := filepath.Join(t.DataDir, "detached", p.Name())
	t.log.WithField("part", p.Name()).Info("detaching part")
	if err := clonePartDir(p.Dir, dst, false); err != nil {
		return errors.Wrapf(err, "detaching part %s", p.Name())
	}
	return nil
}

// AttachPartition loads quarantined parts back from detached/: every
// detached part of the partition (or only the part named by partName)
// gets a fresh block number, a reset level and a cleared mutation.
func (t *MergeTreeTable) AttachPartition(partitionID string, partName string) ([]string, error) {
	if err := t.assertNotReadonly(); err != nil {
		return nil, err
	}

	detachedDir := filepath.Join(t.DataDir, "detached")
	entries, err := os.ReadDir(detachedDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning detached dir")
	}

	var attached []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := part.ParseName(e.Name())
		if err != nil {
			continue
		}
		if partName != "" && e.Name() != partName {
			continue
		}
		if partName == "" && info.PartitionID != partitionID {
			continue
		}

		holder := t.alloc.Hold(OpNewPart)
		newInfo := part.Info{
			PartitionID: info.PartitionID,
			MinBlock:    holder.Block.Number,
			MaxBlock:    holder.Block.Number,
		}

		tmpDir := filepath.Join(t.DataDir, newInfo.TmpName())
		if err := clonePartDir(filepath.Join(detachedDir, e.Name()), tmpDir, true); err != nil {
			holder.Release()
			return attached, errors.Wrapf(err, "attaching part %s", e.Name())
		}
		sealed, err := LoadPartMeta(tmpDir, newInfo)
		if err != nil {
			holder.Release()
			return attached, err
		}
		sealed.State = part.Temporary
		if _, err := t.commitPart(sealed); err != nil {
			holder.Release()
			return attached, err
		}
		holder.Release()

		os.RemoveAll(filepath.Join(detachedDir, e.Name()))
		attached = append(attached, sealed.Name())
		t.log.WithFields(logrus.Fields{"part": sealed.Name(), "from": e.Name()}).Info("attached part")
	}
	t.trigger()
	return attached, nil
}

// ReplacePartitionFrom clones the partition's parts from a source table
// under fresh block numbers. With replace, existing destination parts in
// the range are dropped after the commit.
func (t *MergeTreeTable) ReplacePartitionFrom(src *MergeTreeTable, partitionID string, replace bool) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}

	blocker, err := t.StopMergesAndWaitForPartition(partitionID)
	if err != nil {
		return err
	}
	defer blocker.Release()

	srcSnap := src.Snapshot()
	defer srcSnap.Release()

	var srcParts []*part.Part
	for _, p := range srcSnap.Parts {
		if p.Info.PartitionID == partitionID {
			srcParts = append(srcParts, p)
		}
	}
	if !replace && len(srcParts) == 0 {
		return nil
	}

	hardlink := t.settings.StoragePolicy == src.settings.StoragePolicy

	// The drop range upper bound is allocated before the new parts so the
	// replaced range is strictly below every clone.
	var dropRange part.Info
	if replace {
		rangeHolder := t.alloc.Hold(OpNewPart)
		defer rangeHolder.Release()
		dropRange = part.Info{
			PartitionID: partitionID,
			MinBlock:    0,
			MaxBlock:    rangeHolder.Block.Number,
			Level:       ^uint32(0),
			Mutation:    rangeHolder.Block.Number,
		}
	}

	for _, sp := range srcParts {
		holder := t.alloc.Hold(OpNewPart)
		newInfo := part.Info{
			PartitionID: partitionID,
			MinBlock:    holder.Block.Number,
			MaxBlock:    holder.Block.Number,
			Level:       sp.Info.Level,
		}
		tmpDir := filepath.Join(t.DataDir, "tmp_replace_from_"+newInfo.Name())
		if err := clonePartDir(sp.Dir, tmpDir, hardlink); err != nil {
			holder.Release()
			return errors.Wrapf(err, "cloning part %s", sp.Name())
		}
		sealed, err := LoadPartMeta(tmpDir, newInfo)
		if err != nil {
			holder.Release()
			return err
		}
		sealed.State = part.Temporary

		if _, err := t.commitPart(sealed); err != nil {
			holder.Release()
			return err
		}
		holder.Release()
		t.log.WithFields(logrus.Fields{"part": sealed.Name(), "from": sp.Name()}).
			Info("cloned part from source table")
	}

	if replace {
		removed := t.parts.RemoveInRange(dropRange, true)
		for _, p := range removed {
			t.dedup.DropPart(p.Name())
		}
		t.log.WithFields(logrus.Fields{"partition": partitionID, "removed": len(removed)}).
			Info("removed replaced parts")
		t.refreshPartGauges()
	}
	t.trigger()
	return nil
}

// MovePartitionToTable moves the partition into dst. Policies must be
// compatible and the part count bounded by MaxPartsToMove. The move is not
// atomic across tables: destination commit happens before source outdating.
func (t *MergeTreeTable) MovePartitionToTable(dst *MergeTreeTable, partitionID string) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	if t.settings.StoragePolicy != dst.settings.StoragePolicy {
		return errors.Wrapf(ErrBadArguments,
			"destination table storage policy %q is incompatible with %q",
			dst.settings.StoragePolicy, t.settings.StoragePolicy)
	}

	blocker, err := t.StopMergesAndWait()
	if err != nil {
		return err
	}
	defer blocker.Release()

	srcParts := t.parts.ActiveInPartition(partitionID)
	if len(srcParts) > t.settings.MaxPartsToMove {
		return errors.Wrapf(ErrTooManyParts,
			"cannot move %d parts at once, the limit is %d; wait until some parts are merged and retry",
			len(srcParts), t.settings.MaxPartsToMove)
	}

	for _, sp := range srcParts {
		holder := dst.alloc.Hold(OpNewPart)
		newInfo := part.Info{
			PartitionID: partitionID,
			MinBlock:    holder.Block.Number,
			MaxBlock:    holder.Block.Number,
			Level:       sp.Info.Level,
		}
		tmpDir := filepath.Join(dst.DataDir, "tmp_move_from_"+newInfo.Name())
		if err := clonePartDir(sp.Dir, tmpDir, true); err != nil {
			holder.Release()
			return errors.Wrapf(err, "cloning part %s into destination", sp.Name())
		}
		sealed, err := LoadPartMeta(tmpDir, newInfo)
		if err != nil {
			holder.Release()
			return err
		}
		sealed.State = part.Temporary
		if _, err := dst.commitPart(sealed); err != nil {
			holder.Release()
			return err
		}
		holder.Release()
	}

	for _, sp := range srcParts {
		t.parts.Outdate(sp, true)
		t.dedup.DropPart(sp.Name())
	}
	t.refreshPartGauges()
	t.ClearOldParts(false)

	t.log.WithFields(logrus.Fields{"partition": partitionID, "parts": len(srcParts), "dest": dst.Name}).
		Info("moved partition to table")
	dst.trigger()
	return nil
}

// clonePartDir copies a part directory, hardlinking files when allowed.
func clonePartDir(srcDir, dstDir string, hardlink bool) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, e.Name())
		dst := filepath.Join(dstDir, e.Name())
		if hardlink {
			if err := os.Link(src, dst); err == nil {
				continue
			}
			// Fall back to a copy when the link fails (cross-device).
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
