// Package attrs provides the typed attribute model shared by experiments,
// trials, nodes and plugins: tagged values, typed ranges, ordered scopes
// and the ordered value sets validated against them.
package attrs

import (
	"fmt"
	"strconv"
)

// Kind tags the concrete type carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindUInt32
	KindUInt64
	KindDouble
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUInt32:
		return "uint32"
	case KindUInt64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a tagged union over the scalar types an attribute may hold.
// Equality and ordering are defined per tag; comparing values of different
// kinds is not meaningful and Less reports false for such pairs.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
}

func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func Int32(v int32) Value    { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value    { return Value{kind: KindInt64, i: v} }
func UInt32(v uint32) Value  { return Value{kind: KindUInt32, u: uint64(v)} }
func UInt64(v uint64) Value  { return Value{kind: KindUInt64, u: v} }
func Double(v float64) Value { return Value{kind: KindDouble, f: v} }
func String(v string) Value  { return Value{kind: KindString, s: v} }

// IsValid reports whether the value carries a concrete type.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() bool { return v.b }

// AsInt returns the signed integer payload. Valid for the int kinds.
func (v Value) AsInt() int { return int(v.i) }

func (v Value) AsInt64() int64    { return v.i }
func (v Value) AsUInt64() uint64  { return v.u }
func (v Value) AsDouble() float64 { return v.f }
func (v Value) AsString() string  { return v.s }

// String renders the canonical text form, the same form ParseValue accepts.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindUInt32, KindUInt64:
		return strconv.FormatUint(v.u, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		return ""
	}
}

// Equal reports per-tag equality. Values of different kinds are never equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt32, KindInt64:
		return v.i == o.i
	case KindUInt32, KindUInt64:
		return v.u == o.u
	case KindDouble:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	default:
		return true
	}
}

// Less reports the per-tag total order. Cross-kind comparison is undefined
// and reports false.
func (v Value) Less(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return !v.b && o.b
	case KindInt32, KindInt64:
		return v.i < o.i
	case KindUInt32, KindUInt64:
		return v.u < o.u
	case KindDouble:
		return v.f < o.f
	case KindString:
		return v.s < o.s
	default:
		return false
	}
}

// ParseValue decodes the canonical text form of a value of the given kind.
func ParseValue(kind Kind, text string) (Value, error) {
	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, fmt.Errorf("parse bool %q: %w", text, err)
		}
		return Bool(b), nil
	case KindInt32:
		i, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("parse int32 %q: %w", text, err)
		}
		return Int32(int32(i)), nil
	case KindInt64:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse int64 %q: %w", text, err)
		}
		return Int64(i), nil
	case KindUInt32:
		u, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("parse uint32 %q: %w", text, err)
		}
		return UInt32(uint32(u)), nil
	case KindUInt64:
		u, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse uint64 %q: %w", text, err)
		}
		return UInt64(u), nil
	case KindDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse double %q: %w", text, err)
		}
		return Double(f), nil
	case KindString:
		return String(text), nil
	default:
		return Value{}, fmt.Errorf("cannot parse value of kind %s", kind)
	}
}
