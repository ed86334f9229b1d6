// Package catalog defines column types, typed values and their codecs, table
// schemas, and the persistent table catalog kept on chained pages in the data
// file.
package catalog

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

// Type identifies a column type.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeInt          // int64
	TypeText         // string
	TypeFloat        // float64
	TypeBool         // bool
	TypeDecimal      // arbitrary-precision decimal
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeText:
		return "TEXT"
	case TypeFloat:
		return "FLOAT"
	case TypeBool:
		return "BOOL"
	case TypeDecimal:
		return "DECIMAL"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// ParseType resolves a type name or one of its aliases, case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(s) {
	case "INT", "INTEGER":
		return TypeInt, nil
	case "TEXT", "STRING":
		return TypeText, nil
	case "FLOAT", "REAL":
		return TypeFloat, nil
	case "BOOL", "BOOLEAN":
		return TypeBool, nil
	case "DECIMAL", "NUMERIC":
		return TypeDecimal, nil
	default:
		return TypeInvalid, fmt.Errorf("%w: unsupported data type %q", dberror.ErrSchemaViolation, s)
	}
}

// ParseValue parses a literal as a value of type t, the inverse of
// Value.String. The literal NULL, any case, parses as the typed null.
func ParseValue(t Type, s string) (Value, error) {
	if strings.EqualFold(s, "null") {
		return NewNull(t), nil
	}
	switch t {
	case TypeInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an INT", dberror.ErrSchemaViolation, s)
		}
		return NewInt(i), nil
	case TypeText:
		return NewText(s), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a FLOAT", dberror.ErrSchemaViolation, s)
		}
		return NewFloat(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a BOOL", dberror.ErrSchemaViolation, s)
		}
		return NewBool(b), nil
	case TypeDecimal:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a DECIMAL", dberror.ErrSchemaViolation, s)
		}
		return NewDecimal(d), nil
	default:
		return Value{}, fmt.Errorf("%w: cannot parse a %s literal", dberror.ErrSchemaViolation, t)
	}
}

// MarshalJSON writes the type as its canonical name so the persisted catalog
// stays readable.
func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Type) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value is one typed cell. The zero Value is an untyped null; typed values
// come from the constructors.
type Value struct {
	typ  Type
	null bool
	i    int64
	s    string
	f    float64
	b    bool
	d    decimal.Decimal
}

func NewInt(v int64) Value               { return Value{typ: TypeInt, i: v} }
func NewText(v string) Value             { return Value{typ: TypeText, s: v} }
func NewFloat(v float64) Value           { return Value{typ: TypeFloat, f: v} }
func NewBool(v bool) Value               { return Value{typ: TypeBool, b: v} }
func NewDecimal(v decimal.Decimal) Value { return Value{typ: TypeDecimal, d: v} }

// NewNull returns the null of the given type.
func NewNull(t Type) Value { return Value{typ: t, null: true} }

func (v Value) Type() Type   { return v.typ }
func (v Value) IsNull() bool { return v.null }

func (v Value) Int() int64               { return v.i }
func (v Value) Text() string             { return v.s }
func (v Value) Float() float64           { return v.f }
func (v Value) Bool() bool               { return v.b }
func (v Value) Decimal() decimal.Decimal { return v.d }

// String renders the value the way the shell prints it.
func (v Value) String() string {
	if v.null {
		return "NULL"
	}
	switch v.typ {
	case TypeInt:
		return fmt.Sprintf("%d", v.i)
	case TypeText:
		return v.s
	case TypeFloat:
		return fmt.Sprintf("%g", v.f)
	case TypeBool:
		return fmt.Sprintf("%t", v.b)
	case TypeDecimal:
		return v.d.String()
	default:
		return "?"
	}
}

// Compare orders v against o. Values of different types do not compare;
// nulls sort before everything and equal to each other.
func (v Value) Compare(o Value) (int, error) {
	if v.typ != o.typ {
		return 0, fmt.Errorf("%w: cannot compare %s with %s", dberror.ErrSchemaViolation, v.typ, o.typ)
	}
	switch {
	case v.null && o.null:
		return 0, nil
	case v.null:
		return -1, nil
	case o.null:
		return 1, nil
	}
	switch v.typ {
	case TypeInt:
		switch {
		case v.i < o.i:
			return -1, nil
		case v.i > o.i:
			return 1, nil
		}
		return 0, nil
	case TypeText:
		return strings.Compare(v.s, o.s), nil
	case TypeFloat:
		switch {
		case v.f < o.f:
			return -1, nil
		case v.f > o.f:
			return 1, nil
		}
		return 0, nil
	case TypeBool:
		switch {
		case !v.b && o.b:
			return -1, nil
		case v.b && !o.b:
			return 1, nil
		}
		return 0, nil
	case TypeDecimal:
		return v.d.Cmp(o.d), nil
	default:
		return 0, fmt.Errorf("%w: cannot compare values of %s", dberror.ErrSchemaViolation, v.typ)
	}
}

// canonicalDecimal renders d without trailing fractional zeros, so 1.5 and
// 1.50 come out identical.
func canonicalDecimal(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

// KeyBytes is the canonical byte form used as a hash key. Decimals are
// rendered in canonical form so numerically equal values with different
// exponents map to the same bytes.
func (v Value) KeyBytes() []byte {
	out := []byte{byte(v.typ)}
	if v.null {
		return append(out, 0xFF)
	}
	switch v.typ {
	case TypeInt:
		return binary.LittleEndian.AppendUint64(out, uint64(v.i))
	case TypeText:
		return append(out, v.s...)
	case TypeFloat:
		return binary.LittleEndian.AppendUint64(out, math.Float64bits(v.f))
	case TypeBool:
		if v.b {
			return append(out, 1)
		}
		return append(out, 0)
	case TypeDecimal:
		return append(out, canonicalDecimal(v.d)...)
	default:
		return out
	}
}

const (
	valueFlagNull = 1 << 0
)

// EncodeValue appends the binary form of v: type byte, flag byte, then the
// payload unless null.
func EncodeValue(dst []byte, v Value) ([]byte, error) {
	dst = append(dst, byte(v.typ))
	var flags byte
	if v.null {
		flags |= valueFlagNull
	}
	dst = append(dst, flags)
	if v.null {
		return dst, nil
	}
	switch v.typ {
	case TypeInt:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.i)), nil
	case TypeText:
		if len(v.s) > int(^uint16(0)) {
			return nil, fmt.Errorf("%w: text value of %d bytes", dberror.ErrValueTooLargeForPage, len(v.s))
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(v.s)))
		return append(dst, v.s...), nil
	case TypeFloat:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.f)), nil
	case TypeBool:
		if v.b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case TypeDecimal:
		raw, err := v.d.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: decimal: %v", dberror.ErrSerialization, err)
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(raw)))
		return append(dst, raw...), nil
	default:
		return nil, fmt.Errorf("%w: value of type %s", dberror.ErrSerialization, v.typ)
	}
}

// DecodeValue parses one value from the front of data, returning it and the
// number of bytes consumed.
func DecodeValue(data []byte) (Value, int, error) {
	if len(data) < 2 {
		return Value{}, 0, fmt.Errorf("%w: truncated value", dberror.ErrDeserialization)
	}
	typ := Type(data[0])
	flags := data[1]
	n := 2
	if flags&valueFlagNull != 0 {
		return NewNull(typ), n, nil
	}
	rest := data[n:]
	switch typ {
	case TypeInt:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("%w: truncated int value", dberror.ErrDeserialization)
		}
		return NewInt(int64(binary.LittleEndian.Uint64(rest))), n + 8, nil
	case TypeText:
		s, consumed, err := decodeSized(rest, "text")
		if err != nil {
			return Value{}, 0, err
		}
		return NewText(string(s)), n + consumed, nil
	case TypeFloat:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("%w: truncated float value", dberror.ErrDeserialization)
		}
		return NewFloat(math.Float64frombits(binary.LittleEndian.Uint64(rest))), n + 8, nil
	case TypeBool:
		if len(rest) < 1 {
			return Value{}, 0, fmt.Errorf("%w: truncated bool value", dberror.ErrDeserialization)
		}
		return NewBool(rest[0] != 0), n + 1, nil
	case TypeDecimal:
		raw, consumed, err := decodeSized(rest, "decimal")
		if err != nil {
			return Value{}, 0, err
		}
		var d decimal.Decimal
		if err := d.UnmarshalBinary(raw); err != nil {
			return Value{}, 0, fmt.Errorf("%w: decimal: %v", dberror.ErrDeserialization, err)
		}
		return NewDecimal(d), n + consumed, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown value type %d", dberror.ErrDeserialization, typ)
	}
}

func decodeSized(data []byte, what string) ([]byte, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("%w: truncated %s length", dberror.ErrDeserialization, what)
	}
	size := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+size {
		return nil, 0, fmt.Errorf("%w: truncated %s value", dberror.ErrDeserialization, what)
	}
	return data[2 : 2+size], 2 + size, nil
}

// EncodeRow appends the binary form of a full row: column count then each
// value in schema order.
func EncodeRow(dst []byte, row []Value) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(row)))
	var err error
	for _, v := range row {
		if dst, err = EncodeValue(dst, v); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// DecodeRow parses a row encoded by EncodeRow.
func DecodeRow(data []byte) ([]Value, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated row", dberror.ErrDeserialization)
	}
	count := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	row := make([]Value, 0, count)
	for i := 0; i < count; i++ {
		v, n, err := DecodeValue(data)
		if err != nil {
			return nil, err
		}
		row = append(row, v)
		data = data[n:]
	}
	return row, nil
}
