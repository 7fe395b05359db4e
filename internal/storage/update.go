package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/command"
	"github.com/harshithgowdakt/mergetree/internal/part"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

// UpdateMode selects the lightweight-update locking strategy.
type UpdateMode uint8

const (
	// UpdateSync takes a single table-wide update lock.
	UpdateSync UpdateMode = iota
	// UpdateAuto locks only the columns the update writes, in name order.
	UpdateAuto
)

// Patch part service columns: each patch row records which base part and row
// it overrides.
const (
	patchPartColumn   = "_part"
	patchOffsetColumn = "_part_offset"
)

// updateGate grants an update exclusive access to the columns it writes.
type updateGate struct {
	tableSem chan struct{}

	mu   sync.Mutex // protects cols
	cols map[string]chan struct{}
}

func newUpdateGate() *updateGate {
	return &updateGate{
		tableSem: make(chan struct{}, 1),
		cols:     make(map[string]chan struct{}),
	}
}

func (g *updateGate) colSem(name string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.cols[name]
	if !ok {
		sem = make(chan struct{}, 1)
		g.cols[name] = sem
	}
	return sem
}

func acquireSem(sem chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (g *updateGate) acquireTable(timeout time.Duration) (func(), error) {
	if !acquireSem(g.tableSem, time.Now().Add(timeout)) {
		return nil, errors.Wrapf(ErrTimeoutExceeded,
			"failed to get lock in %v for lightweight update in sync mode", timeout)
	}
	return func() { <-g.tableSem }, nil
}

// acquireColumns locks the given columns exclusively. Columns are always
// taken in sorted name order so concurrent updates cannot deadlock.
func (g *updateGate) acquireColumns(cols []string, timeout time.Duration) (func(), error) {
	sorted := append([]string(nil), cols...)
	sort.Strings(sorted)

	deadline := time.Now().Add(timeout)
	var held []chan struct{}
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, name := range sorted {
		sem := g.colSem(name)
		if !acquireSem(sem, deadline) {
			releaseAll()
			return nil, errors.Wrapf(ErrTimeoutExceeded,
				"failed to lock column %s in %v for lightweight update", name, timeout)
		}
		held = append(held, sem)
	}
	return releaseAll, nil
}

// UpdateLightweight applies UPDATE commands by writing patch parts instead
// of rewriting base parts. After taking its lock the update allocates an
// Update committing block and waits for every smaller-numbered non-Update
// block to settle, so it sees all prior inserts and mutations.
func (t *MergeTreeTable) UpdateLightweight(ctx context.Context, commands command.Commands, mode UpdateMode) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	for _, c := range commands {
		if c.Kind != command.Update {
			return errors.Wrap(ErrBadArguments, "lightweight update supports only UPDATE commands")
		}
	}
	updatedCols := commands.UpdatedColumns()
	if len(updatedCols) == 0 {
		return errors.Wrap(ErrBadArguments, "lightweight update writes no columns")
	}

	timeout := t.settings.LockAcquireTimeout
	var release func()
	var err error
	switch mode {
	case UpdateSync:
		release, err = t.updates.acquireTable(timeout)
	case UpdateAuto:
		release, err = t.updates.acquireColumns(updatedCols, timeout)
	default:
		return errors.Wrap(ErrBadArguments, "unknown update mode")
	}
	if err != nil {
		return err
	}
	defer release()
	t.log.WithField("columns", updatedCols).Debug("got lock for lightweight update")

	holder := t.alloc.Hold(OpUpdate)
	defer holder.Release()

	skipUpdates := func(b CommittingBlock) bool { return b.Op == OpUpdate }
	if err := t.alloc.WaitUntilSettled(holder.Block.Number, timeout, skipUpdates); err != nil {
		return err
	}

	snap := t.Snapshot()
	defer snap.Release()

	writer := NewPartWriter(t.Schema, t.DataDir, t.codec)

	byPartition := make(map[string][]*part.Part)
	for _, p := range snap.Parts {
		byPartition[p.Info.PartitionID] = append(byPartition[p.Info.PartitionID], p)
	}

	for pid, parts := range byPartition {
		patchBlock, err := t.buildPatchBlock(ctx, parts, commands, updatedCols)
		if err != nil {
			return err
		}
		if patchBlock.NumRows() == 0 {
			continue
		}

		info := part.Info{
			PartitionID: part.PatchPartitionPrefix + pid,
			MinBlock:    holder.Block.Number,
			MaxBlock:    holder.Block.Number,
		}
		sealed, err := writer.WritePart(patchBlock, info)
		if err != nil {
			return errors.Wrapf(err, "writing patch part %s", info.Name())
		}
		sealed.OverrideColumns = updatedCols
		if _, err := t.commitPart(sealed); err != nil {
			return err
		}
		t.log.WithFields(logrus.Fields{"patch": sealed.Name(), "rows": sealed.RowCount}).
			Info("committed patch part")
	}
	return nil
}

// buildPatchBlock computes the override rows for one partition.
func (t *MergeTreeTable) buildPatchBlock(ctx context.Context, parts []*part.Part, commands command.Commands, updatedCols []string) (*column.Block, error) {
	names := append([]string{patchPartColumn, patchOffsetColumn}, updatedCols...)
	cols := make([]column.Column, len(names))
	cols[0] = column.NewColumn(types.TypeString)
	cols[1] = column.NewColumn(types.TypeUInt64)

	colTypes := make([]types.DataType, len(updatedCols))
	for i, name := range updatedCols {
		def, ok := t.Schema.GetColumnDef(name)
		if !ok {
			return nil, errors.Wrapf(ErrBadArguments, "unknown column %s", name)
		}
		colTypes[i] = def.DataType
		cols[i+2] = column.NewColumn(def.DataType)
	}
	patch := column.NewBlock(names, cols)

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(ErrAborted, "update cancelled")
		}
		base, err := t.readWithPatches(p)
		if err != nil {
			return nil, err
		}

		// Rows matched by any command's predicate carry override values.
		touched := make([]bool, base.NumRows())
		updated := base
		for _, cmd := range commands {
			mask, err := evalPredicate(updated, cmd.Predicate)
			if err != nil {
				return nil, err
			}
			for i, m := range mask {
				touched[i] = touched[i] || m
			}
			updated, err = applyCommand(updated, cmd)
			if err != nil {
				return nil, err
			}
		}

		for row, hit := range touched {
			if !hit {
				continue
			}
			patch.Columns[0].Append(p.Name())
			patch.Columns[1].Append(uint64(row))
			for i, name := range updatedCols {
				src, ok := updated.GetColumn(name)
				if !ok {
					return nil, errors.Wrapf(ErrBadArguments, "part %s has no column %s", p.Name(), name)
				}
				patch.Columns[i+2].Append(src.Value(row))
			}
		}
	}
	return patch, nil
}

// readWithPatches reads a base part and overlays every live patch row
// addressed to it, ascending by patch block number.
func (t *MergeTreeTable) readWithPatches(p *part.Part) (*column.Block, error) {
	block, err := NewPartReader(p).ReadAll()
	if err != nil {
		return nil, err
	}
	if p.IsPatch() {
		return block, nil
	}

	patches := t.parts.ActiveInPartition(part.PatchPartitionPrefix + p.Info.PartitionID)
	for _, patch := range patches {
		pblock, err := NewPartReader(patch).ReadAll()
		if err != nil {
			return nil, err
		}
		partCol, ok := pblock.GetColumn(patchPartColumn)
		if !ok {
			return nil, errors.Wrapf(ErrLogical, "patch part %s has no %s column", patch.Name(), patchPartColumn)
		}
		offsetCol, _ := pblock.GetColumn(patchOffsetColumn)

		for row := 0; row < pblock.NumRows(); row++ {
			if partCol.Value(row).(string) != p.Name() {
				continue
			}
			offset := int(offsetCol.Value(row).(uint64))
			if offset >= block.NumRows() {
				return nil, errors.Wrapf(ErrLogical,
					"patch %s addresses row %d beyond part %s", patch.Name(), offset, p.Name())
			}
			for i, name := range pblock.ColumnNames {
				if name == patchPartColumn || name == patchOffsetColumn {
					continue
				}
				dst, ok := block.GetColumn(name)
				if !ok {
					continue // column dropped from the base part since
				}
				dst.Set(offset, pblock.Columns[i].Value(row))
			}
		}
	}
	return block, nil
}

// outdatePatchSources drops patch parts that no longer address any active
// base part after a merge or mutation materialized them.
func (t *MergeTreeTable) outdatePatchSources(fut *FutureMergedMutatedPart) {
	t.clearUnusedPatchPartsIn(part.PatchPartitionPrefix + fut.Info.PartitionID)
}

// ClearUnusedPatchParts removes stale lightweight-update patch parts across
// all partitions.
func (t *MergeTreeTable) ClearUnusedPatchParts() {
	seen := map[string]bool{}
	for _, p := range t.parts.ActiveParts() {
		if p.IsPatch() && !seen[p.Info.PartitionID] {
			seen[p.Info.PartitionID] = true
			t.clearUnusedPatchPartsIn(p.Info.PartitionID)
		}
	}
}

func (t *MergeTreeTable) clearUnusedPatchPartsIn(patchPid string) {
	for _, patch := range t.parts.ActiveInPartition(patchPid) {
		block, err := NewPartReader(patch).ReadColumns([]string{patchPartColumn})
		if err != nil {
			t.log.WithError(err).WithField("patch", patch.Name()).Warn("cannot read patch part")
			continue
		}
		col, _ := block.GetColumn(patchPartColumn)
		live := false
		for i := 0; i < col.Len(); i++ {
			if _, ok := t.parts.GetActive(col.Value(i).(string)); ok {
				live = true
				break
			}
		}
		if !live {
			if err := t.parts.Outdate(patch, true); err == nil {
				t.log.WithField("patch", patch.Name()).Debug("removed fully materialized patch part")
			}
		}
	}
	t.refreshPartGauges()
}
