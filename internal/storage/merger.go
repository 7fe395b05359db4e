package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/command"
	"github.com/harshithgowdakt/mergetree/internal/part"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

// MergeOptions carry the OPTIMIZE modifiers down to the executor.
type MergeOptions struct {
	Deduplicate bool
	DedupBy     []string // empty means all columns
	Cleanup     bool
}

// mergeParts reads the future's sources, materializes their patch parts,
// merge-sorts the rows and seals the result part. No table lock is held.
func (t *MergeTreeTable) mergeParts(fut *FutureMergedMutatedPart, opts MergeOptions) (*part.Part, error) {
	blocks := make([]*column.Block, 0, len(fut.Parts))
	for _, src := range fut.Parts {
		block, err := t.readWithPatches(src)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
		t.metrics.RowsMerged.Add(float64(block.NumRows()))
	}

	merged, err := mergeSortBlocks(blocks, t.Schema.OrderBy)
	if err != nil {
		return nil, err
	}

	if t.settings.MergeMode == MergeModeReplacing {
		merged = collapseReplacing(merged, t.Schema.OrderBy, opts.Cleanup)
	}
	if opts.Deduplicate {
		merged = deduplicateRows(merged, opts.DedupBy)
	}
	if t.Schema.HasTTL() {
		merged = dropExpiredRows(merged, t.Schema, time.Now())
	}

	writer := NewPartWriter(t.Schema, t.DataDir, t.codec)
	sealed, err := writer.WritePart(merged, fut.Info)
	if err != nil {
		return nil, errors.Wrapf(err, "writing merged part %s", fut.Name)
	}
	if fut.UUID != uuid.Nil {
		sealed.UUID = fut.UUID
	}
	return sealed, nil
}

// mutatePart applies the coalesced commands of one mutation job to the
// single source part and seals the new version.
func (t *MergeTreeTable) mutatePart(ctx context.Context, fut *FutureMergedMutatedPart, commands command.Commands) (*part.Part, error) {
	src := fut.Parts[0]
	block, err := t.readWithPatches(src)
	if err != nil {
		return nil, err
	}

	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(ErrAborted, "mutation cancelled")
		}
		block, err = applyCommand(block, cmd)
		if err != nil {
			return nil, errors.Wrapf(err, "applying %q to part %s", cmd.String(), src.Name())
		}
	}

	writer := NewPartWriter(t.Schema, t.DataDir, t.codec)
	sealed, err := writer.WritePart(block, fut.Info)
	if err != nil {
		return nil, errors.Wrapf(err, "writing mutated part %s", fut.Name)
	}
	return sealed, nil
}

func applyCommand(block *column.Block, cmd command.Command) (*column.Block, error) {
	switch cmd.Kind {
	case command.Delete:
		mask, err := evalPredicate(block, cmd.Predicate)
		if err != nil {
			return nil, err
		}
		for i := range mask {
			mask[i] = !mask[i] // keep rows the predicate does not match
		}
		return block.Filter(mask), nil

	case command.Update:
		col, ok := block.GetColumn(cmd.Column)
		if !ok {
			return nil, errors.Wrapf(ErrBadArguments, "unknown column %s", cmd.Column)
		}
		value, err := types.ParseValue(col.DataType(), cmd.Literal)
		if err != nil {
			return nil, errors.Wrapf(ErrBadArguments, "bad literal %q for column %s", cmd.Literal, cmd.Column)
		}
		mask, err := evalPredicate(block, cmd.Predicate)
		if err != nil {
			return nil, err
		}
		updated := column.NewColumnWithCapacity(col.DataType(), col.Len())
		for i := 0; i < col.Len(); i++ {
			if mask[i] {
				updated.Append(value)
			} else {
				updated.Append(col.Value(i))
			}
		}
		out := block.Clone()
		replaced, _ := out.GetColumn(cmd.Column)
		for i, c := range out.Columns {
			if c == replaced {
				out.Columns[i] = updated
			}
		}
		return out, nil

	case command.DropColumn:
		out := block.Clone()
		out.DropColumn(cmd.Column)
		if out.NumColumns() == 0 {
			return nil, errors.Wrap(ErrBadArguments, "cannot drop the last column")
		}
		return out, nil

	case command.RenameColumn:
		out := block.Clone()
		out.RenameColumn(cmd.Column, cmd.RenameTo)
		return out, nil

	case command.DropIndex, command.MaterializeTTL:
		// No row data changes; the part is rewritten under the new version.
		return block, nil
	}
	return nil, errors.Wrapf(ErrBadArguments, "unsupported command kind %d", cmd.Kind)
}

// evalPredicate returns a row mask; a nil predicate matches every row.
func evalPredicate(block *column.Block, pred *command.Predicate) ([]bool, error) {
	n := block.NumRows()
	mask := make([]bool, n)
	if pred == nil {
		for i := range mask {
			mask[i] = true
		}
		return mask, nil
	}

	col, ok := block.GetColumn(pred.Column)
	if !ok {
		return nil, errors.Wrapf(ErrBadArguments, "unknown column %s in predicate", pred.Column)
	}
	dt := col.DataType()
	ref, err := types.ParseValue(dt, pred.Literal)
	if err != nil {
		return nil, errors.Wrapf(ErrBadArguments, "bad literal %q in predicate", pred.Literal)
	}

	for i := 0; i < n; i++ {
		c := types.CompareValues(dt, col.Value(i), ref)
		switch pred.Op {
		case "=":
			mask[i] = c == 0
		case "!=":
			mask[i] = c != 0
		case "<":
			mask[i] = c < 0
		case "<=":
			mask[i] = c <= 0
		case ">":
			mask[i] = c > 0
		case ">=":
			mask[i] = c >= 0
		default:
			return nil, errors.Wrapf(ErrBadArguments, "unknown operator %q", pred.Op)
		}
	}
	return mask, nil
}

// mergeSortBlocks concatenates pre-sorted blocks and re-sorts by the sort
// key. Sources may disagree on columns after per-part mutations; the merge
// keeps the columns common to all sources.
func mergeSortBlocks(blocks []*column.Block, orderBy []string) (*column.Block, error) {
	if len(blocks) == 0 {
		return nil, errors.New("no blocks to merge")
	}

	common := blocks[0].ColumnNames
	for _, b := range blocks[1:] {
		var kept []string
		for _, name := range common {
			if b.HasColumn(name) {
				kept = append(kept, name)
			}
		}
		common = kept
	}
	if len(common) == 0 {
		return nil, errors.New("merge sources share no columns")
	}

	result := column.NewBlock(nil, nil)
	for _, name := range common {
		src, _ := blocks[0].GetColumn(name)
		result.ColumnNames = append(result.ColumnNames, name)
		result.Columns = append(result.Columns, src.Clone())
	}
	for _, b := range blocks[1:] {
		if err := result.AppendBlock(b); err != nil {
			return nil, err
		}
	}

	var sortKeys []string
	for _, k := range orderBy {
		if result.HasColumn(k) {
			sortKeys = append(sortKeys, k)
		}
	}
	if len(sortKeys) > 0 {
		if err := result.SortByColumns(sortKeys); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// collapseReplacing keeps the last row of each consecutive sort-key group.
// With cleanup, rows flagged in a "_deleted" column are dropped entirely.
func collapseReplacing(block *column.Block, orderBy []string, cleanup bool) *column.Block {
	n := block.NumRows()
	if n == 0 {
		return block
	}

	var keyCols []column.Column
	for _, k := range orderBy {
		if c, ok := block.GetColumn(k); ok {
			keyCols = append(keyCols, c)
		}
	}

	sameKey := func(i, j int) bool {
		for _, c := range keyCols {
			if types.CompareValues(c.DataType(), c.Value(i), c.Value(j)) != 0 {
				return false
			}
		}
		return true
	}

	deleted, hasDeleted := block.GetColumn("_deleted")

	var rows []int
	for i := 0; i < n; i++ {
		if i+1 < n && sameKey(i, i+1) {
			continue // a later version of the same key follows
		}
		if cleanup && hasDeleted && deleted.Value(i).(uint8) != 0 {
			continue
		}
		rows = append(rows, i)
	}
	return block.Gather(rows)
}

// deduplicateRows drops full duplicates over by (or all columns).
func deduplicateRows(block *column.Block, by []string) *column.Block {
	if len(by) == 0 {
		by = block.ColumnNames
	}
	var cols []column.Column
	for _, name := range by {
		if c, ok := block.GetColumn(name); ok {
			cols = append(cols, c)
		}
	}

	seen := make(map[string]bool)
	var rows []int
	for i := 0; i < block.NumRows(); i++ {
		var key string
		for _, c := range cols {
			key += types.ValueToString(c.DataType(), c.Value(i)) + "\x00"
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, i)
	}
	return block.Gather(rows)
}

// dropExpiredRows removes rows past their TTL.
func dropExpiredRows(block *column.Block, schema *TableSchema, now time.Time) *column.Block {
	col, ok := block.GetColumn(schema.TTLColumn)
	if !ok {
		return block
	}
	mask := make([]bool, block.NumRows())
	cutoff := now.Unix() - schema.TTLDelta
	for i := range mask {
		mask[i] = int64(col.Value(i).(uint32)) > cutoff
	}
	return block.Filter(mask)
}
