package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a single cell value. The dynamic type must match the column's
// DataType (uint8, int64, float64, string, ...).
type Value any

// ParseValue converts a textual literal to a typed Value for dt.
// String literals may be single-quoted.
func ParseValue(dt DataType, s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch dt {
	case TypeUInt8:
		v, err := strconv.ParseUint(s, 10, 8)
		return uint8(v), err
	case TypeUInt16:
		v, err := strconv.ParseUint(s, 10, 16)
		return uint16(v), err
	case TypeUInt32, TypeDateTime:
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	case TypeUInt64:
		return strconv.ParseUint(s, 10, 64)
	case TypeInt8:
		v, err := strconv.ParseInt(s, 10, 8)
		return int8(v), err
	case TypeInt16:
		v, err := strconv.ParseInt(s, 10, 16)
		return int16(v), err
	case TypeInt32:
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	case TypeInt64:
		return strconv.ParseInt(s, 10, 64)
	case TypeFloat32:
		v, err := strconv.ParseFloat(s, 32)
		return float32(v), err
	case TypeFloat64:
		return strconv.ParseFloat(s, 64)
	case TypeString:
		if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
			s = s[1 : len(s)-1]
		}
		return s, nil
	}
	return nil, fmt.Errorf("cannot parse literal for type %s", dt.Name())
}

// ValueToString renders a typed Value in the canonical text form used for
// partition IDs and command literals.
func ValueToString(dt DataType, v Value) string {
	switch dt {
	case TypeString:
		return v.(string)
	case TypeFloat32:
		return strconv.FormatFloat(float64(v.(float32)), 'g', -1, 32)
	case TypeFloat64:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CompareValues orders two values of the same type: -1, 0, or +1.
func CompareValues(dt DataType, a, b Value) int {
	switch dt {
	case TypeUInt8:
		return cmpOrdered(a.(uint8), b.(uint8))
	case TypeUInt16:
		return cmpOrdered(a.(uint16), b.(uint16))
	case TypeUInt32, TypeDateTime:
		return cmpOrdered(a.(uint32), b.(uint32))
	case TypeUInt64:
		return cmpOrdered(a.(uint64), b.(uint64))
	case TypeInt8:
		return cmpOrdered(a.(int8), b.(int8))
	case TypeInt16:
		return cmpOrdered(a.(int16), b.(int16))
	case TypeInt32:
		return cmpOrdered(a.(int32), b.(int32))
	case TypeInt64:
		return cmpOrdered(a.(int64), b.(int64))
	case TypeFloat32:
		return cmpOrdered(a.(float32), b.(float32))
	case TypeFloat64:
		return cmpOrdered(a.(float64), b.(float64))
	case TypeString:
		return strings.Compare(a.(string), b.(string))
	}
	panic("compare: unsupported data type")
}

func cmpOrdered[T uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
