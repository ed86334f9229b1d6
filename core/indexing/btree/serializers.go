package btree

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
)

// DefaultKeyOrder compares any naturally ordered key type.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// BoolKeyOrder orders false before true.
func BoolKeyOrder(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

// DecimalKeyOrder compares arbitrary-precision decimals by value.
func DecimalKeyOrder(a, b decimal.Decimal) int {
	return a.Cmp(b)
}

func SerializeInt64(k int64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(k))
	return buf, nil
}

func DeserializeInt64(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, errors.New("int64 data must be 8 bytes")
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

func SerializeString(s string) ([]byte, error) {
	return []byte(s), nil
}

func DeserializeString(data []byte) (string, error) {
	return string(data), nil
}

func SerializeFloat64(f float64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	return buf, nil
}

func DeserializeFloat64(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, errors.New("float64 data must be 8 bytes")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
}

func SerializeBool(b bool) ([]byte, error) {
	if b {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func DeserializeBool(data []byte) (bool, error) {
	if len(data) != 1 {
		return false, errors.New("bool data must be 1 byte")
	}
	return data[0] != 0, nil
}

func SerializeDecimal(d decimal.Decimal) ([]byte, error) {
	return d.MarshalBinary()
}

func DeserializeDecimal(data []byte) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := d.UnmarshalBinary(data); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

func SerializeRowLocation(loc pagestore.RowLocation) ([]byte, error) {
	return pagestore.EncodeRowLocation(nil, loc), nil
}

func DeserializeRowLocation(data []byte) (pagestore.RowLocation, error) {
	return pagestore.DecodeRowLocation(data)
}

// SerializeRowLocations encodes a duplicate chain: u16 count then the
// fixed-size entries. Secondary indexes store these lists as values.
func SerializeRowLocations(locs []pagestore.RowLocation) ([]byte, error) {
	if len(locs) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d locations under one key", dberror.ErrValueTooLargeForPage, len(locs))
	}
	buf := make([]byte, 2, 2+len(locs)*pagestore.RowLocationSize)
	binary.LittleEndian.PutUint16(buf, uint16(len(locs)))
	for _, loc := range locs {
		buf = pagestore.EncodeRowLocation(buf, loc)
	}
	return buf, nil
}

func DeserializeRowLocations(data []byte) ([]pagestore.RowLocation, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: location list truncated", dberror.ErrDeserialization)
	}
	count := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) != count*pagestore.RowLocationSize {
		return nil, fmt.Errorf("%w: location list claims %d entries in %d bytes",
			dberror.ErrDeserialization, count, len(data))
	}
	locs := make([]pagestore.RowLocation, 0, count)
	for i := 0; i < count; i++ {
		loc, err := pagestore.DecodeRowLocation(data[i*pagestore.RowLocationSize:])
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, nil
}
