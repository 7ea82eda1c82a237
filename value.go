// value.go: Typed parameter values and their wire and text representations
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agilira/go-errors"
)

// ValueType is the logical type of a parameter as declared by the remote
// system or by the metadata catalog.
type ValueType uint8

const (
	TypeUnknown ValueType = iota
	TypeUint8
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat
	TypeDouble
)

var valueTypeNames = [...]string{
	TypeUnknown: "unknown",
	TypeUint8:   "uint8",
	TypeInt8:    "int8",
	TypeUint16:  "uint16",
	TypeInt16:   "int16",
	TypeUint32:  "uint32",
	TypeInt32:   "int32",
	TypeFloat:   "float",
	TypeDouble:  "double",
}

// String returns the canonical lower-case name of the type
func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return "unknown"
}

// IsInteger reports whether the type is one of the fixed-width integer types
func (t ValueType) IsInteger() bool {
	return t >= TypeUint8 && t <= TypeInt32
}

// IsValid reports whether t names a concrete type
func (t ValueType) IsValid() bool {
	return t >= TypeUint8 && t <= TypeDouble
}

// bounds returns the representable integer range of an integer type
func (t ValueType) bounds() (int64, int64) {
	switch t {
	case TypeUint8:
		return 0, math.MaxUint8
	case TypeInt8:
		return math.MinInt8, math.MaxInt8
	case TypeUint16:
		return 0, math.MaxUint16
	case TypeInt16:
		return math.MinInt16, math.MaxInt16
	case TypeUint32:
		return 0, math.MaxUint32
	case TypeInt32:
		return math.MinInt32, math.MaxInt32
	default:
		return 0, 0
	}
}

// bitSize returns the width of the type in bits
func (t ValueType) bitSize() int {
	switch t {
	case TypeUint8, TypeInt8:
		return 8
	case TypeUint16, TypeInt16:
		return 16
	case TypeUint32, TypeInt32, TypeFloat:
		return 32
	case TypeDouble:
		return 64
	default:
		return 0
	}
}

// ParseValueType maps a type name to a ValueType. Common aliases used by
// descriptor files (int32_t, real32, float32, float64) are accepted.
func ParseValueType(name string) (ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "uint8", "uint8_t":
		return TypeUint8, nil
	case "int8", "int8_t":
		return TypeInt8, nil
	case "uint16", "uint16_t":
		return TypeUint16, nil
	case "int16", "int16_t":
		return TypeInt16, nil
	case "uint32", "uint32_t":
		return TypeUint32, nil
	case "int32", "int32_t":
		return TypeInt32, nil
	case "float", "float32", "real32":
		return TypeFloat, nil
	case "double", "float64", "real64":
		return TypeDouble, nil
	}
	return TypeUnknown, errors.New(ErrCodeConversionError, "unknown value type").
		WithContext("type", name)
}

// Value is an immutable typed parameter value. Integer types keep their
// exact value; floats are stored widened to float64 but always hold a
// value representable in float32.
type Value struct {
	typ ValueType
	i   int64
	f   float64
}

// Type returns the logical type of the value
func (v Value) Type() ValueType { return v.typ }

// IsZero reports whether v is the zero Value (no type)
func (v Value) IsZero() bool { return v.typ == TypeUnknown }

// Int returns the value as an integer, truncating floats toward zero
func (v Value) Int() int64 {
	if v.typ.IsInteger() {
		return v.i
	}
	return int64(v.f)
}

// Float returns the value as a float64
func (v Value) Float() float64 {
	if v.typ.IsInteger() {
		return float64(v.i)
	}
	return v.f
}

// Any returns the value as the closest native Go type
func (v Value) Any() interface{} {
	switch v.typ {
	case TypeUint8:
		return uint8(v.i) // #nosec G115 -- range enforced at construction
	case TypeInt8:
		return int8(v.i) // #nosec G115 -- range enforced at construction
	case TypeUint16:
		return uint16(v.i) // #nosec G115 -- range enforced at construction
	case TypeInt16:
		return int16(v.i) // #nosec G115 -- range enforced at construction
	case TypeUint32:
		return uint32(v.i) // #nosec G115 -- range enforced at construction
	case TypeInt32:
		return int32(v.i) // #nosec G115 -- range enforced at construction
	case TypeFloat:
		return float32(v.f)
	case TypeDouble:
		return v.f
	default:
		return nil
	}
}

// String formats the value in its canonical text form. Floats use the
// shortest representation that parses back to the same bits.
func (v Value) String() string {
	switch {
	case v.typ.IsInteger():
		return strconv.FormatInt(v.i, 10)
	case v.typ == TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case v.typ == TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return ""
	}
}

// Equal reports whether two values have the same type and value.
// Floats compare at their declared precision.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch {
	case v.typ.IsInteger():
		return v.i == other.i
	case v.typ == TypeFloat:
		return math.Float32bits(float32(v.f)) == math.Float32bits(float32(other.f))
	default:
		return math.Float64bits(v.f) == math.Float64bits(other.f)
	}
}

// IntValue builds an integer value, failing if n does not fit in t
func IntValue(n int64, t ValueType) (Value, error) {
	if !t.IsValid() {
		return Value{}, conversionError("", t, "invalid target type")
	}
	if !t.IsInteger() {
		return FloatValue(float64(n), t)
	}
	lo, hi := t.bounds()
	if n < lo || n > hi {
		return Value{}, conversionError(strconv.FormatInt(n, 10), t, "integer out of range")
	}
	return Value{typ: t, i: n}, nil
}

// FloatValue builds a value from a float. Integer targets accept only
// integral inputs; float targets reject values outside float32 range.
func FloatValue(f float64, t ValueType) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, conversionError(strconv.FormatFloat(f, 'g', -1, 64), t, "not a finite number")
	}
	switch {
	case t.IsInteger():
		if f != math.Trunc(f) {
			return Value{}, conversionError(strconv.FormatFloat(f, 'g', -1, 64), t, "not an integral value")
		}
		if math.Abs(f) > math.MaxUint32 {
			return Value{}, conversionError(strconv.FormatFloat(f, 'g', -1, 64), t, "integer out of range")
		}
		return IntValue(int64(f), t)
	case t == TypeFloat:
		if math.Abs(f) > math.MaxFloat32 {
			return Value{}, conversionError(strconv.FormatFloat(f, 'g', -1, 64), t, "float out of range")
		}
		return Value{typ: t, f: float64(float32(f))}, nil
	case t == TypeDouble:
		return Value{typ: t, f: f}, nil
	}
	return Value{}, conversionError("", t, "invalid target type")
}

// ParseValue converts text to a value of type t in strict mode: integers
// must be plain base-10 literals within range, floats must parse cleanly.
// This is the mode used for write payloads and enum codes.
func ParseValue(s string, t ValueType) (Value, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return Value{}, conversionError(s, t, "empty value")
	}
	switch {
	case t.IsInteger():
		lo, _ := t.bounds()
		if lo == 0 {
			u, err := strconv.ParseUint(text, 10, t.bitSize())
			if err != nil {
				return Value{}, conversionError(s, t, "not a valid unsigned integer")
			}
			return Value{typ: t, i: int64(u)}, nil // #nosec G115 -- bitSize <= 32
		}
		n, err := strconv.ParseInt(text, 10, t.bitSize())
		if err != nil {
			return Value{}, conversionError(s, t, "not a valid integer")
		}
		return Value{typ: t, i: n}, nil
	case t == TypeFloat || t == TypeDouble:
		f, err := strconv.ParseFloat(text, t.bitSize())
		if err != nil {
			return Value{}, conversionError(s, t, "not a valid floating point number")
		}
		return FloatValue(f, t)
	}
	return Value{}, conversionError(s, t, "invalid target type")
}

// ParseValueLenient is the best-effort counterpart of ParseValue, used for
// optional descriptor fields such as default, min and max. It accepts hex
// and octal integer literals, integral floats for integer types, and
// rounds floats to the target precision. It never returns an error; ok is
// false when nothing sensible could be produced.
func ParseValueLenient(s string, t ValueType) (Value, bool) {
	if v, err := ParseValue(s, t); err == nil {
		return v, true
	}
	text := strings.TrimSpace(s)
	if text == "" || !t.IsValid() {
		return Value{}, false
	}
	if t.IsInteger() {
		if n, err := strconv.ParseInt(text, 0, 64); err == nil {
			v, err := IntValue(n, t)
			return v, err == nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) {
		return Value{}, false
	}
	if t.IsInteger() {
		f = math.Round(f)
	}
	v, err := FloatValue(f, t)
	return v, err == nil
}

// ConvertValue converts an arbitrary Go value to type t in strict mode.
// Strings go through ParseValue; numbers must be representable without
// loss (floats into integer types must be integral).
func ConvertValue(in interface{}, t ValueType) (Value, error) {
	switch v := in.(type) {
	case Value:
		if v.typ == t {
			return v, nil
		}
		if v.typ.IsInteger() {
			return IntValue(v.i, t)
		}
		return FloatValue(v.f, t)
	case string:
		return ParseValue(v, t)
	case []byte:
		return ParseValue(string(v), t)
	case bool:
		if v {
			return IntValue(1, t)
		}
		return IntValue(0, t)
	case int:
		return IntValue(int64(v), t)
	case int8:
		return IntValue(int64(v), t)
	case int16:
		return IntValue(int64(v), t)
	case int32:
		return IntValue(int64(v), t)
	case int64:
		return IntValue(v, t)
	case uint:
		if uint64(v) > math.MaxInt64 {
			return Value{}, conversionError(fmt.Sprint(v), t, "integer out of range")
		}
		return IntValue(int64(v), t) // #nosec G115 -- checked above
	case uint8:
		return IntValue(int64(v), t)
	case uint16:
		return IntValue(int64(v), t)
	case uint32:
		return IntValue(int64(v), t)
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, conversionError(fmt.Sprint(v), t, "integer out of range")
		}
		return IntValue(int64(v), t) // #nosec G115 -- checked above
	case float32:
		return FloatValue(float64(v), t)
	case float64:
		return FloatValue(v, t)
	case nil:
		return Value{}, conversionError("nil", t, "nil value")
	}
	return Value{}, conversionError(fmt.Sprintf("%T", in), t, "unsupported input type")
}

// WireValue is the primitive representation of a value on the transport:
// the declared type plus the raw bits. Integer types are stored two's
// complement in the low bits, floats as IEEE-754 bits.
type WireValue struct {
	Type ValueType
	Bits uint64
}

// ToWire encodes v into its wire representation
func (v Value) ToWire() WireValue {
	switch {
	case v.typ.IsInteger():
		mask := uint64(1)<<uint(v.typ.bitSize()) - 1
		return WireValue{Type: v.typ, Bits: uint64(v.i) & mask} // #nosec G115 -- two's complement truncation
	case v.typ == TypeFloat:
		return WireValue{Type: v.typ, Bits: uint64(math.Float32bits(float32(v.f)))}
	case v.typ == TypeDouble:
		return WireValue{Type: v.typ, Bits: math.Float64bits(v.f)}
	}
	return WireValue{}
}

// FromWire decodes a wire value. Bits above the type width must be zero.
func FromWire(w WireValue) (Value, error) {
	if !w.Type.IsValid() {
		return Value{}, errors.New(ErrCodeProtocolError, "wire value has no valid type").
			WithContext("type", uint8(w.Type))
	}
	width := w.Type.bitSize()
	if width < 64 && w.Bits>>uint(width) != 0 {
		return Value{}, errors.New(ErrCodeProtocolError, "wire value exceeds declared width").
			WithContext("type", w.Type.String()).
			WithContext("bits", w.Bits)
	}
	switch w.Type {
	case TypeUint8, TypeUint16, TypeUint32:
		return Value{typ: w.Type, i: int64(w.Bits)}, nil // #nosec G115 -- width <= 32
	case TypeInt8:
		return Value{typ: w.Type, i: int64(int8(w.Bits))}, nil // #nosec G115 -- sign extension
	case TypeInt16:
		return Value{typ: w.Type, i: int64(int16(w.Bits))}, nil // #nosec G115 -- sign extension
	case TypeInt32:
		return Value{typ: w.Type, i: int64(int32(w.Bits))}, nil // #nosec G115 -- sign extension
	case TypeFloat:
		f := math.Float32frombits(uint32(w.Bits)) // #nosec G115 -- width checked above
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return Value{}, errors.New(ErrCodeProtocolError, "wire value is not finite")
		}
		return Value{typ: w.Type, f: float64(f)}, nil
	default:
		f := math.Float64frombits(w.Bits)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, errors.New(ErrCodeProtocolError, "wire value is not finite")
		}
		return Value{typ: w.Type, f: f}, nil
	}
}

func conversionError(input string, t ValueType, reason string) error {
	return errors.New(ErrCodeConversionError, reason).
		WithContext("input", input).
		WithContext("type", t.String())
}
