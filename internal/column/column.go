package column

import (
	"github.com/harshithgowdakt/mergetree/internal/types"
)

// Column is an in-memory columnar array of a single type.
type Column interface {
	DataType() types.DataType
	Len() int
	Value(i int) types.Value
	Append(v types.Value)
	Set(i int, v types.Value)
	Slice(from, to int) Column
	Clone() Column
	// Gather builds a new column from the given row indices.
	Gather(rows []int) Column
}

// NewColumn creates an empty column of the given type.
func NewColumn(dt types.DataType) Column {
	return NewColumnWithCapacity(dt, 0)
}

// NewColumnWithCapacity creates a column pre-allocated for n rows.
func NewColumnWithCapacity(dt types.DataType, n int) Column {
	switch dt {
	case types.TypeUInt8:
		return &NumericColumn[uint8]{dt: dt, Data: make([]uint8, 0, n)}
	case types.TypeUInt16:
		return &NumericColumn[uint16]{dt: dt, Data: make([]uint16, 0, n)}
	case types.TypeUInt32, types.TypeDateTime:
		return &NumericColumn[uint32]{dt: dt, Data: make([]uint32, 0, n)}
	case types.TypeUInt64:
		return &NumericColumn[uint64]{dt: dt, Data: make([]uint64, 0, n)}
	case types.TypeInt8:
		return &NumericColumn[int8]{dt: dt, Data: make([]int8, 0, n)}
	case types.TypeInt16:
		return &NumericColumn[int16]{dt: dt, Data: make([]int16, 0, n)}
	case types.TypeInt32:
		return &NumericColumn[int32]{dt: dt, Data: make([]int32, 0, n)}
	case types.TypeInt64:
		return &NumericColumn[int64]{dt: dt, Data: make([]int64, 0, n)}
	case types.TypeFloat32:
		return &NumericColumn[float32]{dt: dt, Data: make([]float32, 0, n)}
	case types.TypeFloat64:
		return &NumericColumn[float64]{dt: dt, Data: make([]float64, 0, n)}
	case types.TypeString:
		return &StringColumn{Data: make([]string, 0, n)}
	default:
		panic("unsupported data type")
	}
}

// NumericColumn stores fixed-width values of type T.
type NumericColumn[T uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64] struct {
	dt   types.DataType
	Data []T
}

func (c *NumericColumn[T]) DataType() types.DataType { return c.dt }
func (c *NumericColumn[T]) Len() int                 { return len(c.Data) }
func (c *NumericColumn[T]) Value(i int) types.Value  { return c.Data[i] }
func (c *NumericColumn[T]) Append(v types.Value)     { c.Data = append(c.Data, v.(T)) }
func (c *NumericColumn[T]) Set(i int, v types.Value) { c.Data[i] = v.(T) }

func (c *NumericColumn[T]) Slice(from, to int) Column {
	d := make([]T, to-from)
	copy(d, c.Data[from:to])
	return &NumericColumn[T]{dt: c.dt, Data: d}
}

func (c *NumericColumn[T]) Clone() Column {
	d := make([]T, len(c.Data))
	copy(d, c.Data)
	return &NumericColumn[T]{dt: c.dt, Data: d}
}

func (c *NumericColumn[T]) Gather(rows []int) Column {
	d := make([]T, 0, len(rows))
	for _, i := range rows {
		d = append(d, c.Data[i])
	}
	return &NumericColumn[T]{dt: c.dt, Data: d}
}

// StringColumn stores variable-length string values.
type StringColumn struct{ Data []string }

func (c *StringColumn) DataType() types.DataType { return types.TypeString }
func (c *StringColumn) Len() int                 { return len(c.Data) }
func (c *StringColumn) Value(i int) types.Value  { return c.Data[i] }
func (c *StringColumn) Append(v types.Value)     { c.Data = append(c.Data, v.(string)) }
func (c *StringColumn) Set(i int, v types.Value) { c.Data[i] = v.(string) }

func (c *StringColumn) Slice(from, to int) Column {
	d := make([]string, to-from)
	copy(d, c.Data[from:to])
	return &StringColumn{Data: d}
}

func (c *StringColumn) Clone() Column {
	d := make([]string, len(c.Data))
	copy(d, c.Data)
	return &StringColumn{Data: d}
}

func (c *StringColumn) Gather(rows []int) Column {
	d := make([]string, 0, len(rows))
	for _, i := range rows {
		d = append(d, c.Data[i])
	}
	return &StringColumn{Data: d}
}
