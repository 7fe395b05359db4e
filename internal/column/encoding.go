package column

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/types"
)

// EncodeColumn serializes a column to raw bytes. Fixed-width types are
// little-endian packed; strings are length-prefixed (uvarint).
func EncodeColumn(col Column) ([]byte, error) {
	dt := col.DataType()
	n := col.Len()

	if dt == types.TypeString {
		var out []byte
		var lenBuf [binary.MaxVarintLen64]byte
		for i := 0; i < n; i++ {
			s := col.Value(i).(string)
			w := binary.PutUvarint(lenBuf[:], uint64(len(s)))
			out = append(out, lenBuf[:w]...)
			out = append(out, s...)
		}
		return out, nil
	}

	size := dt.FixedSize()
	out := make([]byte, 0, n*size)
	for i := 0; i < n; i++ {
		out = appendFixed(out, dt, col.Value(i))
	}
	return out, nil
}

func appendFixed(dst []byte, dt types.DataType, v types.Value) []byte {
	switch dt {
	case types.TypeUInt8:
		return append(dst, v.(uint8))
	case types.TypeInt8:
		return append(dst, byte(v.(int8)))
	case types.TypeUInt16:
		return binary.LittleEndian.AppendUint16(dst, v.(uint16))
	case types.TypeInt16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v.(int16)))
	case types.TypeUInt32, types.TypeDateTime:
		return binary.LittleEndian.AppendUint32(dst, v.(uint32))
	case types.TypeInt32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.(int32)))
	case types.TypeUInt64:
		return binary.LittleEndian.AppendUint64(dst, v.(uint64))
	case types.TypeInt64:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.(int64)))
	case types.TypeFloat32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.(float32)))
	case types.TypeFloat64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.(float64)))
	}
	panic("encode: unsupported data type")
}

// DecodeColumn deserializes numRows values of type dt from data.
func DecodeColumn(dt types.DataType, data []byte, numRows int) (Column, error) {
	col := NewColumnWithCapacity(dt, numRows)

	if dt == types.TypeString {
		off := 0
		for i := 0; i < numRows; i++ {
			l, w := binary.Uvarint(data[off:])
			if w <= 0 {
				return nil, errors.Errorf("decode string: bad length prefix at row %d", i)
			}
			off += w
			if off+int(l) > len(data) {
				return nil, errors.Errorf("decode string: truncated value at row %d", i)
			}
			col.Append(string(data[off : off+int(l)]))
			off += int(l)
		}
		return col, nil
	}

	size := dt.FixedSize()
	if len(data) < numRows*size {
		return nil, errors.Errorf("decode %s: need %d bytes, have %d", dt.Name(), numRows*size, len(data))
	}
	for i := 0; i < numRows; i++ {
		col.Append(readFixed(dt, data[i*size:]))
	}
	return col, nil
}

func readFixed(dt types.DataType, data []byte) types.Value {
	switch dt {
	case types.TypeUInt8:
		return data[0]
	case types.TypeInt8:
		return int8(data[0])
	case types.TypeUInt16:
		return binary.LittleEndian.Uint16(data)
	case types.TypeInt16:
		return int16(binary.LittleEndian.Uint16(data))
	case types.TypeUInt32, types.TypeDateTime:
		return binary.LittleEndian.Uint32(data)
	case types.TypeInt32:
		return int32(binary.LittleEndian.Uint32(data))
	case types.TypeUInt64:
		return binary.LittleEndian.Uint64(data)
	case types.TypeInt64:
		return int64(binary.LittleEndian.Uint64(data))
	case types.TypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data))
	case types.TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data))
	}
	panic("decode: unsupported data type")
}
