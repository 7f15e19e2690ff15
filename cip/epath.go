package cip

import (
	"encoding/binary"
	"fmt"
)

type LogicalType byte
type LogicalFormat byte
type SegmentType byte

const (
	CipPortSegment     SegmentType = 0b000
	CipLogicalSegment  SegmentType = 0b001
	CipSymbolicSegment SegmentType = 0b011

	CipLogicalTypeClassId     LogicalType = 0b000
	CipLogicalTypeInstanceId  LogicalType = 0b001
	CipLogicalTypeMemberId    LogicalType = 0b010
	CipLogicalTypeAttributeId LogicalType = 0b100

	CipLogicalFormat8bit  LogicalFormat = 0b00
	CipLogicalFormat16bit LogicalFormat = 0b01
	CipLogicalFormat32bit LogicalFormat = 0b10
)

// ANSI extended symbolic segment type.
const symbolicSegment byte = 0x91

// EPath_t is an encoded, word-aligned CIP path.
type EPath_t []byte

// WordLen is the path size in 16-bit words.
func (p EPath_t) WordLen() byte {
	return byte(len(p) / 2)
}

// PathBuilder assembles an EPATH. The first error sticks and is returned by Build.
type PathBuilder struct {
	err   error
	epath EPath_t
}

// EPath starts a padded EPATH.
func EPath() *PathBuilder {
	return &PathBuilder{}
}

func (b *PathBuilder) add(p EPath_t, err error) *PathBuilder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.epath = append(b.epath, p...)
	return b
}

func (b *PathBuilder) Class(id uint16) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeClassId, uint32(id)))
}

func (b *PathBuilder) Instance(id uint32) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, id))
}

func (b *PathBuilder) Attribute(id uint16) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeAttributeId, uint32(id)))
}

// Symbol appends one ANSI extended symbolic segment. Dots are not split.
func (b *PathBuilder) Symbol(name string) *PathBuilder {
	return b.add(symbolicSegmentAsciiExt(name))
}

// Element appends a member (array element) segment of the smallest width
// that holds index.
func (b *PathBuilder) Element(index uint32) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeMemberId, index))
}

// Port appends a port segment such as {backplane, slot}.
func (b *PathBuilder) Port(port byte, link byte) *PathBuilder {
	if port == 0 || port > 14 {
		return b.add(nil, fmt.Errorf("epath: port %d outside 1..14", port))
	}
	return b.add(EPath_t{byte(CipPortSegment)<<5 | port, link}, nil)
}

// Build returns a copy of the path so the builder may keep growing.
func (b *PathBuilder) Build() (EPath_t, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := append(EPath_t{}, b.epath...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// MustBuild is Build for constant paths.
func (b *PathBuilder) MustBuild() EPath_t {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// logicalSegment encodes value in the narrowest format. 16 and 32-bit values
// get a pad byte after the segment type, as padded EPATHs require.
func logicalSegment(t LogicalType, value uint32) (EPath_t, error) {
	head := byte(CipLogicalSegment)<<5 | byte(t)<<2
	switch {
	case value <= 0xFF:
		return EPath_t{head | byte(CipLogicalFormat8bit), byte(value)}, nil
	case value <= 0xFFFF:
		out := EPath_t{head | byte(CipLogicalFormat16bit), 0x00}
		return binary.LittleEndian.AppendUint16(out, uint16(value)), nil
	default:
		if t == CipLogicalTypeClassId || t == CipLogicalTypeAttributeId {
			return nil, fmt.Errorf("epath: logical type %d does not take a 32-bit value", t)
		}
		out := EPath_t{head | byte(CipLogicalFormat32bit), 0x00}
		return binary.LittleEndian.AppendUint32(out, value), nil
	}
}

func symbolicSegmentAsciiExt(symbol string) (EPath_t, error) {
	if len(symbol) == 0 {
		return nil, fmt.Errorf("epath: empty symbol")
	}
	if len(symbol) > 255 {
		return nil, fmt.Errorf("epath: symbol %q longer than 255 bytes", symbol[:16]+"...")
	}
	out := EPath_t{symbolicSegment, byte(len(symbol))}
	out = append(out, symbol...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}
