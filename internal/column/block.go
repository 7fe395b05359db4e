package column

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/types"
)

// Block is a set of equally-sized columns, the unit of in-memory data flow.
type Block struct {
	ColumnNames []string
	Columns     []Column
}

// NewBlock creates a block from parallel name/column slices.
func NewBlock(names []string, cols []Column) *Block {
	return &Block{ColumnNames: names, Columns: cols}
}

// NumRows returns the row count (0 for an empty block).
func (b *Block) NumRows() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return b.Columns[0].Len()
}

// NumColumns returns the column count.
func (b *Block) NumColumns() int { return len(b.Columns) }

// GetColumn returns the column with the given name.
func (b *Block) GetColumn(name string) (Column, bool) {
	for i, n := range b.ColumnNames {
		if n == name {
			return b.Columns[i], true
		}
	}
	return nil, false
}

// HasColumn reports whether the block carries the named column.
func (b *Block) HasColumn(name string) bool {
	_, ok := b.GetColumn(name)
	return ok
}

// Clone deep-copies the block.
func (b *Block) Clone() *Block {
	names := make([]string, len(b.ColumnNames))
	copy(names, b.ColumnNames)
	cols := make([]Column, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = c.Clone()
	}
	return NewBlock(names, cols)
}

// Gather builds a new block containing only the given rows, in order.
func (b *Block) Gather(rows []int) *Block {
	names := make([]string, len(b.ColumnNames))
	copy(names, b.ColumnNames)
	cols := make([]Column, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = c.Gather(rows)
	}
	return NewBlock(names, cols)
}

// Filter keeps only rows where mask[i] is true.
func (b *Block) Filter(mask []bool) *Block {
	rows := make([]int, 0, len(mask))
	for i, keep := range mask {
		if keep {
			rows = append(rows, i)
		}
	}
	return b.Gather(rows)
}

// DropColumn removes the named column; missing columns are ignored.
func (b *Block) DropColumn(name string) {
	for i, n := range b.ColumnNames {
		if n == name {
			b.ColumnNames = append(b.ColumnNames[:i], b.ColumnNames[i+1:]...)
			b.Columns = append(b.Columns[:i], b.Columns[i+1:]...)
			return
		}
	}
}

// RenameColumn renames a column in place.
func (b *Block) RenameColumn(from, to string) {
	for i, n := range b.ColumnNames {
		if n == from {
			b.ColumnNames[i] = to
			return
		}
	}
}

// AppendBlock appends all rows of other; column sets must match by name.
func (b *Block) AppendBlock(other *Block) error {
	for i, name := range b.ColumnNames {
		src, ok := other.GetColumn(name)
		if !ok {
			return errors.Errorf("append block: column %s missing", name)
		}
		dst := b.Columns[i]
		for j := 0; j < src.Len(); j++ {
			dst.Append(src.Value(j))
		}
	}
	return nil
}

// SortByColumns stably sorts all columns by the given key columns, ascending.
func (b *Block) SortByColumns(keys []string) error {
	type keyCol struct {
		col Column
		dt  types.DataType
	}
	kcs := make([]keyCol, 0, len(keys))
	for _, k := range keys {
		c, ok := b.GetColumn(k)
		if !ok {
			return errors.Errorf("sort: column %s not found", k)
		}
		kcs = append(kcs, keyCol{col: c, dt: c.DataType()})
	}

	n := b.NumRows()
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(x, y int) bool {
		i, j := perm[x], perm[y]
		for _, kc := range kcs {
			c := types.CompareValues(kc.dt, kc.col.Value(i), kc.col.Value(j))
			if c != 0 {
				return c < 0
			}
		}
		return false
	})

	for i, c := range b.Columns {
		b.Columns[i] = c.Gather(perm)
	}
	return nil
}
