package logix

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a tag value of one atomic Logix type. The zero Value has type
// TypeUnknown and holds nothing.
//
// Integers are stored sign- or zero-extended to 64 bits, floats as their
// IEEE 754 bit pattern of the type's own width.
type Value struct {
	typ  DataType
	bits uint64
}

func BoolValue(b bool) Value {
	if b {
		return Value{typ: TypeBOOL, bits: 1}
	}
	return Value{typ: TypeBOOL}
}

func SintValue(v int8) Value    { return Value{typ: TypeSINT, bits: uint64(int64(v))} }
func IntValue(v int16) Value    { return Value{typ: TypeINT, bits: uint64(int64(v))} }
func DintValue(v int32) Value   { return Value{typ: TypeDINT, bits: uint64(int64(v))} }
func LintValue(v int64) Value   { return Value{typ: TypeLINT, bits: uint64(v)} }
func UsintValue(v uint8) Value  { return Value{typ: TypeUSINT, bits: uint64(v)} }
func UintValue(v uint16) Value  { return Value{typ: TypeUINT, bits: uint64(v)} }
func UdintValue(v uint32) Value { return Value{typ: TypeUDINT, bits: uint64(v)} }
func UlintValue(v uint64) Value { return Value{typ: TypeULINT, bits: v} }
func RealValue(v float32) Value { return Value{typ: TypeREAL, bits: uint64(math.Float32bits(v))} }
func LrealValue(v float64) Value {
	return Value{typ: TypeLREAL, bits: math.Float64bits(v)}
}

func (v Value) Type() DataType { return v.typ }

// Valid reports whether v holds a value.
func (v Value) Valid() bool { return v.typ != TypeUnknown }

func (v Value) Bool() bool { return v.bits != 0 }

// Int returns the value as int64. Floats are truncated; ULINT values above
// math.MaxInt64 wrap.
func (v Value) Int() int64 {
	if v.typ.float() {
		return int64(v.Float())
	}
	return int64(v.bits)
}

// Uint returns the value as uint64. Negative integers wrap.
func (v Value) Uint() uint64 {
	if v.typ.float() {
		return uint64(v.Float())
	}
	return v.bits
}

func (v Value) Float() float64 {
	switch {
	case v.typ == TypeREAL:
		return float64(math.Float32frombits(uint32(v.bits)))
	case v.typ == TypeLREAL:
		return math.Float64frombits(v.bits)
	case v.typ.unsigned():
		return float64(v.bits)
	default:
		return float64(int64(v.bits))
	}
}

// Interface returns the value as the Go type matching its Logix type.
func (v Value) Interface() any {
	switch v.typ {
	case TypeBOOL:
		return v.Bool()
	case TypeSINT:
		return int8(v.bits)
	case TypeINT:
		return int16(v.bits)
	case TypeDINT:
		return int32(v.bits)
	case TypeLINT:
		return int64(v.bits)
	case TypeUSINT:
		return uint8(v.bits)
	case TypeUINT:
		return uint16(v.bits)
	case TypeUDINT:
		return uint32(v.bits)
	case TypeULINT:
		return v.bits
	case TypeREAL:
		return math.Float32frombits(uint32(v.bits))
	case TypeLREAL:
		return math.Float64frombits(v.bits)
	default:
		return nil
	}
}

func (v Value) String() string {
	if !v.Valid() {
		return "<none>"
	}
	return fmt.Sprint(v.Interface())
}

// Encode returns the little-endian wire bytes. BOOL encodes as a full byte,
// 0x01 or 0x00.
func (v Value) Encode() []byte {
	n := v.typ.Size()
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v.bits)
	if v.typ == TypeBOOL && v.bits != 0 {
		out[0] = 0x01
	}
	return out[:n]
}

// DecodeValue reads one value of type t from the start of b.
func DecodeValue(t DataType, b []byte) (Value, error) {
	n := t.Size()
	if n == 0 {
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if len(b) < n {
		return Value{}, fmt.Errorf("%s needs %d bytes, have %d", t, n, len(b))
	}

	var bits uint64
	switch n {
	case 1:
		bits = uint64(b[0])
		if t.signed() {
			bits = uint64(int64(int8(b[0])))
		}
	case 2:
		u := binary.LittleEndian.Uint16(b)
		bits = uint64(u)
		if t.signed() {
			bits = uint64(int64(int16(u)))
		}
	case 4:
		u := binary.LittleEndian.Uint32(b)
		bits = uint64(u)
		if t.signed() {
			bits = uint64(int64(int32(u)))
		}
	case 8:
		bits = binary.LittleEndian.Uint64(b)
	}
	if t == TypeBOOL && bits != 0 {
		bits = 1
	}
	return Value{typ: t, bits: bits}, nil
}

// DecodeValues reads count consecutive values of type t.
func DecodeValues(t DataType, b []byte, count int) ([]Value, error) {
	n := t.Size()
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if len(b) < n*count {
		return nil, fmt.Errorf("%d x %s needs %d bytes, have %d", count, t, n*count, len(b))
	}
	out := make([]Value, count)
	for i := range out {
		v, err := DecodeValue(t, b[i*n:])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Convert coerces a host value into type t. Integers must fit the target
// width; negative values never convert to unsigned types; floats convert to
// integer types only when integral. NaN and infinities pass through to
// float types unchanged.
func Convert(host any, t DataType) (Value, error) {
	if !t.Supported() {
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if v, ok := host.(Value); ok {
		if v.typ == t {
			return v, nil
		}
		host = v.Interface()
	}

	switch h := host.(type) {
	case bool:
		if h {
			return fromInt(1, t)
		}
		return fromInt(0, t)
	case int:
		return fromInt(int64(h), t)
	case int8:
		return fromInt(int64(h), t)
	case int16:
		return fromInt(int64(h), t)
	case int32:
		return fromInt(int64(h), t)
	case int64:
		return fromInt(h, t)
	case uint:
		return fromUint(uint64(h), t)
	case uint8:
		return fromUint(uint64(h), t)
	case uint16:
		return fromUint(uint64(h), t)
	case uint32:
		return fromUint(uint64(h), t)
	case uint64:
		return fromUint(h, t)
	case float32:
		if t == TypeREAL {
			return RealValue(h), nil
		}
		return fromFloat(float64(h), t)
	case float64:
		return fromFloat(h, t)
	case nil:
		return Value{}, fmt.Errorf("%w: nil value", ErrUnsupportedType)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, host)
	}
}

func outOfRange(host any, t DataType) error {
	return fmt.Errorf("%w: %v does not fit %s", ErrValueOutOfRange, host, t)
}

func fromInt(i int64, t DataType) (Value, error) {
	switch {
	case t == TypeBOOL:
		if i != 0 && i != 1 {
			return Value{}, outOfRange(i, t)
		}
		return BoolValue(i == 1), nil
	case t.signed():
		bits := uint(t.Size() * 8)
		lo, hi := int64(-1)<<(bits-1), int64(1)<<(bits-1)-1
		if bits == 64 {
			lo, hi = math.MinInt64, math.MaxInt64
		}
		if i < lo || i > hi {
			return Value{}, outOfRange(i, t)
		}
		return Value{typ: t, bits: uint64(i)}, nil
	case t.unsigned():
		if i < 0 {
			return Value{}, outOfRange(i, t)
		}
		return fromUint(uint64(i), t)
	case t == TypeREAL:
		return RealValue(float32(i)), nil
	default:
		return LrealValue(float64(i)), nil
	}
}

func fromUint(u uint64, t DataType) (Value, error) {
	switch {
	case t.signed():
		if u > math.MaxInt64 {
			return Value{}, outOfRange(u, t)
		}
		return fromInt(int64(u), t)
	case t.unsigned():
		bits := uint(t.Size() * 8)
		if bits < 64 && u > uint64(1)<<bits-1 {
			return Value{}, outOfRange(u, t)
		}
		return Value{typ: t, bits: u}, nil
	case t == TypeBOOL:
		if u > 1 {
			return Value{}, outOfRange(u, t)
		}
		return BoolValue(u == 1), nil
	case t == TypeREAL:
		return RealValue(float32(u)), nil
	default:
		return LrealValue(float64(u)), nil
	}
}

func fromFloat(f float64, t DataType) (Value, error) {
	switch t {
	case TypeLREAL:
		return LrealValue(f), nil
	case TypeREAL:
		if !math.IsNaN(f) && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return Value{}, outOfRange(f, t)
		}
		return RealValue(float32(f)), nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return Value{}, outOfRange(f, t)
	}
	if f >= math.MinInt64 && f < math.MaxInt64 {
		return fromInt(int64(f), t)
	}
	if f >= 0 && f < math.MaxUint64 {
		return fromUint(uint64(f), t)
	}
	return Value{}, outOfRange(f, t)
}

// Infer picks a type from the shape of a host value: bool is BOOL, integers
// take the smallest signed type that holds them (ULINT for unsigned values
// above the LINT range) and floats are LREAL.
func Infer(host any) (Value, error) {
	switch h := host.(type) {
	case Value:
		if !h.Valid() {
			return Value{}, fmt.Errorf("%w: empty value", ErrUnsupportedType)
		}
		return h, nil
	case bool:
		return BoolValue(h), nil
	case int:
		return smallestSigned(int64(h)), nil
	case int8:
		return smallestSigned(int64(h)), nil
	case int16:
		return smallestSigned(int64(h)), nil
	case int32:
		return smallestSigned(int64(h)), nil
	case int64:
		return smallestSigned(h), nil
	case uint:
		return inferUint(uint64(h)), nil
	case uint8:
		return inferUint(uint64(h)), nil
	case uint16:
		return inferUint(uint64(h)), nil
	case uint32:
		return inferUint(uint64(h)), nil
	case uint64:
		return inferUint(h), nil
	case float32:
		return LrealValue(float64(h)), nil
	case float64:
		return LrealValue(h), nil
	case string:
		return Value{}, fmt.Errorf("%w: strings cannot be written", ErrUnsupportedType)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, host)
	}
}

func smallestSigned(i int64) Value {
	switch {
	case i >= math.MinInt8 && i <= math.MaxInt8:
		return SintValue(int8(i))
	case i >= math.MinInt16 && i <= math.MaxInt16:
		return IntValue(int16(i))
	case i >= math.MinInt32 && i <= math.MaxInt32:
		return DintValue(int32(i))
	default:
		return LintValue(i)
	}
}

func inferUint(u uint64) Value {
	if u > math.MaxInt64 {
		return UlintValue(u)
	}
	return smallestSigned(int64(u))
}

// ParseValue parses text into a value of type t. With TypeUnknown the text
// decides: true/false, then integer, then float.
func ParseValue(s string, t DataType) (Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case t == TypeUnknown:
		if b, err := strconv.ParseBool(s); err == nil && !isDigits(s) {
			return BoolValue(b), nil
		}
		if i, err := strconv.ParseInt(s, 0, 64); err == nil {
			return Infer(i)
		}
		if u, err := strconv.ParseUint(s, 0, 64); err == nil {
			return Infer(u)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Infer(f)
		}
		return Value{}, fmt.Errorf("%w: cannot interpret %q", ErrUnsupportedType, s)
	case t == TypeBOOL:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid BOOL %q", s)
		}
		return BoolValue(b), nil
	case t.signed():
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a %s", ErrValueOutOfRange, s, t)
		}
		return fromInt(i, t)
	case t.unsigned():
		u, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a %s", ErrValueOutOfRange, s, t)
		}
		return fromUint(u, t)
	case t.float():
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid %s %q", t, s)
		}
		return fromFloat(f, t)
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
