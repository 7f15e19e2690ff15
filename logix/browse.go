package logix

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"taglink/cip"
	"taglink/eip"
)

// SymbolInfo is one entry of the controller's symbol table.
type SymbolInfo struct {
	Name     string // as the controller lists it, e.g. "Counter" or "Program:Main"
	Program  string // scope the entry was listed under, "" for controller scope
	Type     uint16 // raw symbol type word
	Instance uint32
}

// IsProgram reports a program entry such as "Program:MainProgram".
func (s SymbolInfo) IsProgram() bool {
	return strings.HasPrefix(s.Name, "Program:") && !strings.Contains(s.Name, ".")
}

// IsSystem reports controller-internal entries (Map:, Cxn:, Task:, Routine:).
func (s SymbolInfo) IsSystem() bool {
	for _, p := range []string{"Map:", "Cxn:", "Task:", "Routine:"} {
		if strings.HasPrefix(s.Name, p) {
			return true
		}
	}
	return strings.HasPrefix(s.Name, "__") || s.Type&TypeSystemMask != 0
}

// IsReadable reports whether the entry is a data tag.
func (s SymbolInfo) IsReadable() bool { return !s.IsProgram() && !s.IsSystem() }

// Path is the tag path to register the symbol with.
func (s SymbolInfo) Path() string {
	if s.Program != "" {
		return "Program:" + s.Program + "." + s.Name
	}
	return s.Name
}

// TypeName names the element type.
func (s SymbolInfo) TypeName() string {
	code := s.Type
	if !IsStructure(code) {
		code &= 0x00FF
	}
	name := TypeName(BaseType(code))
	if n := ArrayDimensions(s.Type); n > 0 {
		name += fmt.Sprintf("[%dD]", n)
	}
	return name
}

// maxBrowsePages bounds the paging loop against a controller that keeps
// reporting partial transfer.
const maxBrowsePages = 1000

// Browse lists the symbols of the controller scope, or of one program when
// program is set.
func (c *Client) Browse(ctx context.Context, program string) ([]SymbolInfo, error) {
	var out []SymbolInfo
	instance := uint32(0)
	for page := 0; page < maxBrowsePages; page++ {
		syms, last, more, err := c.browsePage(ctx, program, instance)
		if err != nil {
			return nil, err
		}
		out = append(out, syms...)
		if !more || len(syms) == 0 {
			return out, nil
		}
		instance = last + 1
	}
	return out, fmt.Errorf("symbol browse stopped after %d pages", maxBrowsePages)
}

// BrowseAll lists controller-scope data tags plus the data tags of every program.
func (c *Client) BrowseAll(ctx context.Context) ([]SymbolInfo, error) {
	top, err := c.Browse(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []SymbolInfo
	for _, s := range top {
		if s.IsReadable() {
			out = append(out, s)
		}
	}
	for _, s := range top {
		if !s.IsProgram() {
			continue
		}
		prog := strings.TrimPrefix(s.Name, "Program:")
		syms, err := c.Browse(ctx, prog)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", prog, err)
		}
		for _, ps := range syms {
			if ps.IsReadable() {
				out = append(out, ps)
			}
		}
	}
	return out, nil
}

// browse attributes: count, then name and type
var browseAttrRequest = []byte{0x02, 0x00, 0x01, 0x00, symbolAttrType, 0x00}

func (c *Client) browsePage(ctx context.Context, program string, start uint32) ([]SymbolInfo, uint32, bool, error) {
	b := cip.EPath()
	if program != "" {
		b = b.Symbol("Program:" + program)
	}
	path, err := b.Class(ClassSymbol).Instance(start).Build()
	if err != nil {
		return nil, 0, false, err
	}

	resp, err := c.Exchange(ctx, cip.Request{
		Service: SvcGetInstanceAttributeList,
		Path:    path,
		Data:    browseAttrRequest,
	})
	if err != nil {
		return nil, 0, false, tagError(err)
	}
	syms, last, err := parseSymbolList(resp.Data, program)
	if err != nil {
		return nil, 0, false, err
	}
	return syms, last, resp.Partial(), nil
}

// parseSymbolList decodes Get Instance Attribute List entries: instance
// UDINT, name length UINT, name, type UINT.
func parseSymbolList(data []byte, program string) ([]SymbolInfo, uint32, error) {
	var (
		out  []SymbolInfo
		last uint32
	)
	for off := 0; off < len(data); {
		if off+6 > len(data) {
			return nil, 0, fmt.Errorf("%w: symbol entry at %d truncated", eip.ErrMalformedFrame, off)
		}
		inst := binary.LittleEndian.Uint32(data[off:])
		n := int(binary.LittleEndian.Uint16(data[off+4:]))
		off += 6
		if off+n+2 > len(data) {
			return nil, 0, fmt.Errorf("%w: symbol %d name truncated", eip.ErrMalformedFrame, inst)
		}
		name := string(data[off : off+n])
		typ := binary.LittleEndian.Uint16(data[off+n:])
		off += n + 2

		last = inst
		if name == "" {
			continue
		}
		out = append(out, SymbolInfo{Name: name, Program: program, Type: typ, Instance: inst})
	}
	return out, last, nil
}
