package logix

import (
	"context"
	"encoding/binary"
	"fmt"

	"taglink/cip"
	"taglink/eip"
	"taglink/logging"
)

// Hints are caller-supplied array expectations for a tag. Zero means "not
// given". They are checked against controller metadata, never used to
// correct it.
type Hints struct {
	ArrayDims int
	ArraySize int
}

// Symbol is the metadata of a controller or program scoped symbol.
type Symbol struct {
	Type uint16 // element type; structures keep the flag and template ID
	Dims []int  // array dimensions, empty for a scalar
}

// symbol attribute list request: count, then type and dimensions
var symbolAttrRequest = []byte{0x02, 0x00, symbolAttrType, 0x00, symbolAttrDimensions, 0x00}

// GetSymbol reads the type and dimensions of the root symbol of a.
func (c *Client) GetSymbol(ctx context.Context, a *Address) (*Symbol, error) {
	path, err := a.Base().EPath()
	if err != nil {
		return nil, &AddressError{Path: a.String(), Msg: err.Error()}
	}
	resp, err := c.Exchange(ctx, cip.Request{
		Service: cip.SvcGetAttributeList,
		Path:    path,
		Data:    symbolAttrRequest,
	})
	if err != nil {
		return nil, tagError(err)
	}
	return parseSymbolAttributes(resp.Data)
}

func parseSymbolAttributes(data []byte) (*Symbol, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: symbol attribute reply of %d bytes", eip.ErrMalformedFrame, len(data))
	}
	count := int(binary.LittleEndian.Uint16(data))
	var (
		code    uint16
		hasType bool
		raw     [3]uint32
	)
	off := 2
	for i := 0; i < count; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: symbol attribute %d truncated", eip.ErrMalformedFrame, i)
		}
		id := binary.LittleEndian.Uint16(data[off:])
		status := binary.LittleEndian.Uint16(data[off+2:])
		off += 4
		if status != 0 {
			continue
		}
		switch id {
		case symbolAttrType:
			if off+2 > len(data) {
				return nil, fmt.Errorf("%w: symbol type truncated", eip.ErrMalformedFrame)
			}
			code = binary.LittleEndian.Uint16(data[off:])
			hasType = true
			off += 2
		case symbolAttrDimensions:
			if off+12 > len(data) {
				return nil, fmt.Errorf("%w: symbol dimensions truncated", eip.ErrMalformedFrame)
			}
			for d := range raw {
				raw[d] = binary.LittleEndian.Uint32(data[off+4*d:])
			}
			off += 12
		default:
			return nil, fmt.Errorf("%w: unexpected symbol attribute %d", eip.ErrMalformedFrame, id)
		}
	}
	if !hasType {
		return nil, fmt.Errorf("%w: symbol reply without a type", eip.ErrMalformedFrame)
	}

	s := &Symbol{}
	n := ArrayDimensions(code)
	for d := 0; d < n; d++ {
		if raw[d] == 0 {
			return nil, fmt.Errorf("%w: symbol dimension %d is zero", eip.ErrMalformedFrame, d)
		}
		s.Dims = append(s.Dims, int(raw[d]))
	}
	if IsStructure(code) {
		s.Type = BaseType(code)
	} else {
		// atomic BOOL symbols carry their bit position in bits 8-10
		s.Type = code & 0x00FF
	}
	return s, nil
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// ResolveType determines the read type of a: the root symbol metadata is
// fetched, then the address is walked through member templates. Array
// subscripts are bounds-checked here, so an out-of-range index fails before
// any read. Hints that contradict the metadata give ErrTypeMismatch.
func (c *Client) ResolveType(ctx context.Context, a *Address, h Hints) (*TypeInfo, error) {
	if h.ArrayDims < 0 || h.ArrayDims > maxDims || h.ArraySize < 0 {
		return nil, mismatch("invalid hints dims=%d size=%d", h.ArrayDims, h.ArraySize)
	}
	sym, err := c.GetSymbol(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a, err)
	}

	code, dims := sym.Type, sym.Dims
	var tmpl *Template
	if IsStructure(code) {
		if tmpl, err = c.GetTemplate(ctx, TemplateID(code)); err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
	}

	// remaining counts the elements from an indexed position to the end
	remaining := 0
	info := &TypeInfo{}
	for _, seg := range a.Segments[1:] {
		remaining = 0
		switch seg.Kind {
		case SegIndex:
			if len(dims) == 0 {
				return nil, mismatch("%s: subscript on non-array", a)
			}
			if len(seg.Indices) != len(dims) {
				return nil, mismatch("%s: %d subscripts for %d dimensions", a, len(seg.Indices), len(dims))
			}
			flat := 0
			for i, idx := range seg.Indices {
				if int(idx) >= dims[i] {
					return nil, mismatch("%s: index %d outside dimension of %d", a, idx, dims[i])
				}
				flat = flat*dims[i] + int(idx)
			}
			remaining = product(dims) - flat
			dims = nil
		case SegName:
			if len(dims) > 0 {
				return nil, mismatch("%s: member %s of an array", a, seg.Name)
			}
			if tmpl == nil {
				return nil, mismatch("%s: member %s of %s", a, seg.Name, TypeName(code))
			}
			if tmpl.IsString() {
				return nil, mismatch("%s: member %s of a string", a, seg.Name)
			}
			m := tmpl.Member(seg.Name)
			if m == nil || m.Hidden {
				return nil, fmt.Errorf("%w: %s has no member %s", ErrTagNotFound, tmpl.Name, seg.Name)
			}
			code, dims, tmpl = BaseType(m.Type), m.ArrayDims, m.Template
			if IsStructure(code) && tmpl == nil {
				return nil, mismatch("%s: template for %s not loaded", a, m.Name)
			}
		case SegBit:
			if len(dims) > 0 || !IsInteger(code) {
				return nil, mismatch("%s: bit of %s", a, TypeName(code))
			}
			if seg.Bit >= TypeSize(code)*8 {
				return nil, mismatch("%s: bit %d of %d-bit %s", a, seg.Bit, TypeSize(code)*8, TypeName(code))
			}
			info.HasBit, info.Bit = true, seg.Bit
		}
	}

	if !IsStructure(code) && TypeSize(code) == 0 {
		return nil, fmt.Errorf("%s: %w", a, unsupported(code))
	}
	info.Code, info.Template = code, tmpl

	count, err := applyHints(a, h, dims, remaining, info.HasBit)
	if err != nil {
		return nil, err
	}
	info.Count = count

	logging.DebugLog("logix", "resolved %s as %s", a, info)
	return info, nil
}

// applyHints computes the element count of the read from the resolved shape
// and the caller's hints.
func applyHints(a *Address, h Hints, dims []int, remaining int, bit bool) (int, error) {
	if bit {
		if h.ArrayDims > 0 || h.ArraySize > 1 {
			return 0, mismatch("%s: array hints on a bit", a)
		}
		return 0, nil
	}

	if len(dims) > 0 {
		if h.ArrayDims > 0 && h.ArrayDims != len(dims) {
			return 0, mismatch("%s: %d dimensions hinted, controller has %d", a, h.ArrayDims, len(dims))
		}
		total := product(dims)
		switch {
		case h.ArraySize > total:
			return 0, mismatch("%s: %d elements hinted, controller has %d", a, h.ArraySize, total)
		case h.ArraySize > 0:
			return checkCount(a, h.ArraySize)
		case h.ArrayDims > 0:
			return 1, nil
		default:
			return checkCount(a, total)
		}
	}

	if h.ArrayDims > 0 {
		return 0, mismatch("%s: %d dimensions hinted on a scalar", a, h.ArrayDims)
	}
	if h.ArraySize <= 1 {
		return 0, nil
	}
	// a size on an indexed element reads a run of elements from there
	if remaining == 0 {
		return 0, mismatch("%s: %d elements hinted on a scalar", a, h.ArraySize)
	}
	if h.ArraySize > remaining {
		return 0, mismatch("%s: %d elements from here, controller has %d", a, h.ArraySize, remaining)
	}
	return checkCount(a, h.ArraySize)
}

func checkCount(a *Address, n int) (int, error) {
	if n > 0xFFFF {
		return 0, mismatch("%s: %d elements exceed one read", a, n)
	}
	return n, nil
}
