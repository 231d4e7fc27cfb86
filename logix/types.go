package logix

import (
	"fmt"
	"strings"
)

// DataType is a Logix CIP data type code.
type DataType uint16

const (
	TypeUnknown DataType = 0

	TypeBOOL  DataType = 0x00C1 // 1 byte, nonzero = true
	TypeSINT  DataType = 0x00C2 // 1 byte signed
	TypeINT   DataType = 0x00C3 // 2 bytes signed
	TypeDINT  DataType = 0x00C4 // 4 bytes signed
	TypeLINT  DataType = 0x00C5 // 8 bytes signed
	TypeUSINT DataType = 0x00C6 // 1 byte unsigned
	TypeUINT  DataType = 0x00C7 // 2 bytes unsigned
	TypeUDINT DataType = 0x00C8 // 4 bytes unsigned
	TypeULINT DataType = 0x00C9 // 8 bytes unsigned
	TypeREAL  DataType = 0x00CA // IEEE 754 binary32
	TypeLREAL DataType = 0x00CB // IEEE 754 binary64

	TypeSTRING DataType = 0x00D0
	TypeBYTE   DataType = 0x00D1 // 8 bit string
	TypeWORD   DataType = 0x00D2 // 16 bit string
	TypeDWORD  DataType = 0x00D3 // 32 bit string
	TypeLWORD  DataType = 0x00D4 // 64 bit string

	// TypeStructure is the structure flag; the low 12 bits hold the template id.
	TypeStructure DataType = 0x8000
)

// Symbol type word layout as reported by the Symbol object.
const (
	symbolStructFlag uint16 = 0x8000
	symbolDimMask    uint16 = 0x6000
	symbolSystemFlag uint16 = 0x1000
)

// structHandleTag prefixes the type word of a structure in Read Tag replies.
const structHandleTag uint16 = 0x02A0

// typeFromSymbol reduces a Symbol object type word to a DataType and the
// number of array dimensions. Atomic BOOL aliases carry a bit position in
// bits 8-10, which is dropped.
func typeFromSymbol(word uint16) (DataType, int) {
	dims := int(word&symbolDimMask) >> 13
	if word&symbolStructFlag != 0 {
		return TypeStructure | DataType(word&0x0FFF), dims
	}
	return DataType(word & 0x00FF), dims
}

// Size is the wire width in bytes, 0 for types without a fixed width.
func (t DataType) Size() int {
	switch t {
	case TypeBOOL, TypeSINT, TypeUSINT:
		return 1
	case TypeINT, TypeUINT:
		return 2
	case TypeDINT, TypeUDINT, TypeREAL:
		return 4
	case TypeLINT, TypeULINT, TypeLREAL:
		return 8
	default:
		return 0
	}
}

// Supported reports whether values of t can be read and written.
func (t DataType) Supported() bool {
	return t.Size() != 0
}

// IsStructure reports the structure flag.
func (t DataType) IsStructure() bool {
	return t&TypeStructure != 0
}

// TemplateID returns the structure template id, or 0 for atomic types.
func (t DataType) TemplateID() uint16 {
	if !t.IsStructure() {
		return 0
	}
	return uint16(t & 0x0FFF)
}

func (t DataType) signed() bool {
	switch t {
	case TypeSINT, TypeINT, TypeDINT, TypeLINT:
		return true
	}
	return false
}

func (t DataType) unsigned() bool {
	switch t {
	case TypeUSINT, TypeUINT, TypeUDINT, TypeULINT:
		return true
	}
	return false
}

// IsFloat reports whether t is REAL or LREAL.
func (t DataType) IsFloat() bool { return t.float() }

func (t DataType) float() bool {
	return t == TypeREAL || t == TypeLREAL
}

var typeNames = map[DataType]string{
	TypeBOOL:   "BOOL",
	TypeSINT:   "SINT",
	TypeINT:    "INT",
	TypeDINT:   "DINT",
	TypeLINT:   "LINT",
	TypeUSINT:  "USINT",
	TypeUINT:   "UINT",
	TypeUDINT:  "UDINT",
	TypeULINT:  "ULINT",
	TypeREAL:   "REAL",
	TypeLREAL:  "LREAL",
	TypeSTRING: "STRING",
	TypeBYTE:   "BYTE",
	TypeWORD:   "WORD",
	TypeDWORD:  "DWORD",
	TypeLWORD:  "LWORD",
}

func (t DataType) String() string {
	if t.IsStructure() {
		return fmt.Sprintf("STRUCT(%d)", t.TemplateID())
	}
	if name, ok := typeNames[t]; ok {
		return name
	}
	if t == TypeUnknown {
		return "UNKNOWN"
	}
	return fmt.Sprintf("TYPE(0x%04X)", uint16(t))
}

// ParseDataType accepts a type name such as "DINT" (case-insensitive).
func ParseDataType(name string) (DataType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == upper {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown data type %q", name)
}

// SupportedTypeNames lists the types accepted for reads and writes.
func SupportedTypeNames() []string {
	return []string{"BOOL", "SINT", "INT", "DINT", "LINT", "USINT", "UINT", "UDINT", "ULINT", "REAL", "LREAL"}
}
