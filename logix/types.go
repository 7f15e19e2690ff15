package logix

import (
	"fmt"
	"strings"
)

// Logix CIP data type codes as reported by symbol metadata, template members
// and Read Tag replies.
const (
	TypeBOOL  uint16 = 0x00C1
	TypeSINT  uint16 = 0x00C2
	TypeINT   uint16 = 0x00C3
	TypeDINT  uint16 = 0x00C4
	TypeLINT  uint16 = 0x00C5
	TypeUSINT uint16 = 0x00C6
	TypeUINT  uint16 = 0x00C7
	TypeUDINT uint16 = 0x00C8
	TypeULINT uint16 = 0x00C9
	TypeREAL  uint16 = 0x00CA
	TypeLREAL uint16 = 0x00CB

	// TypeSTRING is the atomic 88-byte string some firmware reports instead
	// of the STRING structure.
	TypeSTRING uint16 = 0x00D0

	// TypeBitString32 is a DWORD; BOOL arrays are stored as these.
	TypeBitString32 uint16 = 0x00D3

	// TypeStructHandle prefixes a Read Tag reply for a structure and is
	// followed by the 16-bit structure handle.
	TypeStructHandle uint16 = 0x02A0

	// TypeStructureMask marks a structure; the low 12 bits are the template ID.
	TypeStructureMask uint16 = 0x8000
	// TypeArrayMask carries the dimension count (0..3) in bits 13-14.
	TypeArrayMask uint16 = 0x6000
	// TypeSystemMask marks controller-defined types.
	TypeSystemMask uint16 = 0x1000
)

// Logix STRING layout: LEN DINT followed by DATA SINT[82], padded to 88.
const (
	StringCapacity = 82
	StringSize     = 88
)

// BaseType strips the array and system bits. Structure codes keep the
// structure flag and template ID.
func BaseType(code uint16) uint16 {
	if IsStructure(code) {
		return code & (TypeStructureMask | 0x0FFF)
	}
	return code & 0x0FFF
}

// TypeSize returns the byte size of atomic types, 0 for anything else.
func TypeSize(code uint16) int {
	switch BaseType(code) {
	case TypeBOOL, TypeSINT, TypeUSINT:
		return 1
	case TypeINT, TypeUINT:
		return 2
	case TypeDINT, TypeUDINT, TypeREAL, TypeBitString32:
		return 4
	case TypeLINT, TypeULINT, TypeLREAL:
		return 8
	case TypeSTRING:
		return StringSize
	default:
		return 0
	}
}

// TemplateID extracts the template instance ID, 0 if code is not a structure.
func TemplateID(code uint16) uint16 {
	if !IsStructure(code) {
		return 0
	}
	return code & 0x0FFF
}

func IsStructure(code uint16) bool {
	return code&TypeStructureMask != 0
}

// ArrayDimensions returns the dimension count encoded in a symbol type.
func ArrayDimensions(code uint16) int {
	return int(code&TypeArrayMask) >> 13
}

// IsInteger reports whether code is a signed or unsigned integer type.
func IsInteger(code uint16) bool {
	switch BaseType(code) {
	case TypeSINT, TypeINT, TypeDINT, TypeLINT, TypeUSINT, TypeUINT, TypeUDINT, TypeULINT, TypeBitString32:
		return true
	}
	return false
}

func isSigned(code uint16) bool {
	switch BaseType(code) {
	case TypeSINT, TypeINT, TypeDINT, TypeLINT:
		return true
	}
	return false
}

// IsAtomic reports whether code has a fixed-width decoder.
func IsAtomic(code uint16) bool {
	return !IsStructure(code) && TypeSize(code) > 0
}

// TypeName returns a human-readable name for the data type.
func TypeName(code uint16) string {
	if IsStructure(code) {
		return fmt.Sprintf("STRUCT(%d)", TemplateID(code))
	}
	switch BaseType(code) {
	case TypeBOOL:
		return "BOOL"
	case TypeSINT:
		return "SINT"
	case TypeINT:
		return "INT"
	case TypeDINT:
		return "DINT"
	case TypeLINT:
		return "LINT"
	case TypeUSINT:
		return "USINT"
	case TypeUINT:
		return "UINT"
	case TypeUDINT:
		return "UDINT"
	case TypeULINT:
		return "ULINT"
	case TypeREAL:
		return "REAL"
	case TypeLREAL:
		return "LREAL"
	case TypeSTRING:
		return "STRING"
	case TypeBitString32:
		return "DWORD"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", code)
	}
}

// TypeCodeFromName returns the atomic type code for a name such as "DINT".
func TypeCodeFromName(name string) (uint16, bool) {
	switch strings.ToUpper(name) {
	case "BOOL":
		return TypeBOOL, true
	case "SINT":
		return TypeSINT, true
	case "INT":
		return TypeINT, true
	case "DINT":
		return TypeDINT, true
	case "LINT":
		return TypeLINT, true
	case "USINT":
		return TypeUSINT, true
	case "UINT":
		return TypeUINT, true
	case "UDINT":
		return TypeUDINT, true
	case "ULINT":
		return TypeULINT, true
	case "REAL":
		return TypeREAL, true
	case "LREAL":
		return TypeLREAL, true
	case "STRING":
		return TypeSTRING, true
	case "DWORD":
		return TypeBitString32, true
	default:
		return 0, false
	}
}
