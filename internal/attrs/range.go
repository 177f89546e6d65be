package attrs

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Range describes the type and valid domain of a single attribute. It is
// parsed from a compact text descriptor:
//
//	bool
//	string
//	string{a,b,c}
//	int[0,100]      int[min,max]
//	int64[0,max]
//	uint[0,300]     uint64[...]
//	double[0,1.0]   double[min,max]
//	int{1,2,3}      double{0.5,1.5}
//
// A Range is immutable after parsing.
type Range struct {
	text string
	kind Kind

	// interval bounds, valid for the numeric interval forms
	min, max Value
	bounded  bool

	// discrete alternatives, valid for the {..} forms
	set []Value
}

// ParseRange parses a range descriptor. The descriptor is kept verbatim and
// returned by String, so scopes round-trip through text.
func ParseRange(text string) (*Range, error) {
	r := &Range{text: text}
	switch {
	case text == "bool":
		r.kind = KindBool
		r.min, r.max = Bool(false), Bool(true)
		return r, nil
	case text == "string":
		r.kind = KindString
		r.min, r.max = String(""), String("")
		return r, nil
	}

	open := strings.IndexAny(text, "[{")
	if open < 0 {
		return nil, fmt.Errorf("malformed attribute range %q", text)
	}
	kind, err := kindFromName(text[:open])
	if err != nil {
		return nil, fmt.Errorf("attribute range %q: %w", text, err)
	}
	r.kind = kind

	body := text[open+1 : len(text)-1]
	switch {
	case text[open] == '[' && strings.HasSuffix(text, "]"):
		parts := strings.SplitN(body, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("attribute range %q: interval needs two bounds", text)
		}
		r.min, err = parseBound(kind, strings.TrimSpace(parts[0]), true)
		if err != nil {
			return nil, fmt.Errorf("attribute range %q: %w", text, err)
		}
		r.max, err = parseBound(kind, strings.TrimSpace(parts[1]), false)
		if err != nil {
			return nil, fmt.Errorf("attribute range %q: %w", text, err)
		}
		if r.max.Less(r.min) {
			return nil, fmt.Errorf("attribute range %q: max < min", text)
		}
		r.bounded = true
		return r, nil
	case text[open] == '{' && strings.HasSuffix(text, "}"):
		for _, tok := range strings.Split(body, ",") {
			v, err := ParseValue(kind, strings.TrimSpace(tok))
			if err != nil {
				return nil, fmt.Errorf("attribute range %q: %w", text, err)
			}
			r.set = append(r.set, v)
		}
		if len(r.set) == 0 {
			return nil, fmt.Errorf("attribute range %q: empty set", text)
		}
		r.min, r.max = r.set[0], r.set[0]
		for _, v := range r.set[1:] {
			if v.Less(r.min) {
				r.min = v
			}
			if r.max.Less(v) {
				r.max = v
			}
		}
		return r, nil
	}
	return nil, fmt.Errorf("malformed attribute range %q", text)
}

func kindFromName(name string) (Kind, error) {
	switch name {
	case "int":
		return KindInt32, nil
	case "int64":
		return KindInt64, nil
	case "uint":
		return KindUInt32, nil
	case "uint64":
		return KindUInt64, nil
	case "double":
		return KindDouble, nil
	case "string":
		return KindString, nil
	}
	return KindInvalid, fmt.Errorf("unknown attribute type %q", name)
}

// parseBound accepts the literal tokens "min" and "max" besides plain values.
func parseBound(kind Kind, tok string, lower bool) (Value, error) {
	switch tok {
	case "min":
		return kindMin(kind), nil
	case "max":
		return kindMax(kind), nil
	}
	_ = lower
	return ParseValue(kind, tok)
}

func kindMin(kind Kind) Value {
	switch kind {
	case KindInt32:
		return Int32(math.MinInt32)
	case KindInt64:
		return Int64(math.MinInt64)
	case KindUInt32:
		return UInt32(0)
	case KindUInt64:
		return UInt64(0)
	case KindDouble:
		return Double(-math.MaxFloat64)
	}
	return Value{}
}

func kindMax(kind Kind) Value {
	switch kind {
	case KindInt32:
		return Int32(math.MaxInt32)
	case KindInt64:
		return Int64(math.MaxInt64)
	case KindUInt32:
		return UInt32(math.MaxUint32)
	case KindUInt64:
		return UInt64(math.MaxUint64)
	case KindDouble:
		return Double(math.MaxFloat64)
	}
	return Value{}
}

func (r *Range) Kind() Kind     { return r.kind }
func (r *Range) String() string { return r.text }
func (r *Range) Min() Value     { return r.min }
func (r *Range) Max() Value     { return r.max }

// Contains reports whether v is of the range's kind and inside its domain.
func (r *Range) Contains(v Value) bool {
	if v.Kind() != r.kind {
		return false
	}
	if r.set != nil {
		for _, s := range r.set {
			if s.Equal(v) {
				return true
			}
		}
		return false
	}
	if r.kind == KindBool || r.kind == KindString {
		return true
	}
	return !v.Less(r.min) && !r.max.Less(v)
}

// Validate parses text as a value of the range's kind and checks the domain.
func (r *Range) Validate(text string) (Value, error) {
	v, err := ParseValue(r.kind, text)
	if err != nil {
		return Value{}, err
	}
	if !r.Contains(v) {
		return Value{}, fmt.Errorf("value %q outside range %s", text, r.text)
	}
	return v, nil
}

// Rand draws a uniformly distributed value from the range's domain.
func (r *Range) Rand(rng *rand.Rand) Value {
	if r.set != nil {
		return r.set[rng.Intn(len(r.set))]
	}
	switch r.kind {
	case KindBool:
		return Bool(rng.Intn(2) == 1)
	case KindString:
		return r.min
	case KindInt32, KindInt64:
		lo, hi := r.min.AsInt64(), r.max.AsInt64()
		span := hi - lo + 1
		if span <= 0 { // full-width interval
			return valueOfInt(r.kind, rng.Int63())
		}
		return valueOfInt(r.kind, lo+rng.Int63n(span))
	case KindUInt32, KindUInt64:
		lo, hi := r.min.AsUInt64(), r.max.AsUInt64()
		span := int64(hi - lo + 1)
		if span <= 0 {
			return valueOfUint(r.kind, rng.Uint64())
		}
		return valueOfUint(r.kind, lo+uint64(rng.Int63n(span)))
	case KindDouble:
		lo, hi := r.min.AsDouble(), r.max.AsDouble()
		return Double(lo + rng.Float64()*(hi-lo))
	}
	return Value{}
}

func valueOfInt(kind Kind, v int64) Value {
	if kind == KindInt32 {
		return Int32(int32(v))
	}
	return Int64(v)
}

func valueOfUint(kind Kind, v uint64) Value {
	if kind == KindUInt32 {
		return UInt32(uint32(v))
	}
	return UInt64(v)
}
