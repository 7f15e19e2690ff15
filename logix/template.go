package logix

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"taglink/cip"
	"taglink/eip"
	"taglink/logging"
)

// Template is a structure (UDT, AOI or system type) definition read from the
// Template object.
type Template struct {
	ID          uint16
	Name        string
	Size        uint32 // bytes per instance
	Handle      uint16 // structure handle echoed in Read Tag replies
	MemberCount uint16
	Members     []TemplateMember

	byName  map[string]int
	visible []*TemplateMember
}

// TemplateMember is one member of a Template.
type TemplateMember struct {
	Name      string
	Type      uint16
	Offset    uint32
	ArrayDims []int
	BitOffset uint8
	Hidden    bool

	// Template is set for structure members once loaded.
	Template *Template
}

func (m *TemplateMember) IsStructure() bool { return IsStructure(m.Type) }
func (m *TemplateMember) IsArray() bool     { return len(m.ArrayDims) > 0 }

// ElementCount returns the total number of elements (1 for scalar).
func (m *TemplateMember) ElementCount() int {
	n := 1
	for _, d := range m.ArrayDims {
		n *= d
	}
	return n
}

func (m *TemplateMember) elemSize() int {
	if m.IsStructure() {
		if m.Template == nil {
			return 0
		}
		return int(m.Template.Size)
	}
	return TypeSize(m.Type)
}

// NewTemplate builds a template from its members, as a controller would
// describe it. Structure members must carry their Template.
func NewTemplate(id uint16, name string, size uint32, members ...TemplateMember) *Template {
	t := &Template{
		ID:          id,
		Name:        name,
		Size:        size,
		MemberCount: uint16(len(members)),
		Members:     append([]TemplateMember(nil), members...),
	}
	for i := range t.Members {
		m := &t.Members[i]
		if m.Template != nil {
			m.Type = TypeStructureMask | m.Template.ID
		}
		if BaseType(m.Type) == 0 || strings.HasPrefix(m.Name, "__") || strings.HasPrefix(m.Name, "ZZZZZZZZZZ") {
			m.Hidden = true
		}
	}
	t.index()
	return t
}

// NewStringTemplate builds a Logix string type: LEN DINT then DATA SINT[capacity],
// padded to a 4-byte boundary.
func NewStringTemplate(id uint16, name string, capacity int) *Template {
	size := (4 + uint32(capacity) + 3) &^ 3
	return NewTemplate(id, name, size,
		TemplateMember{Name: "LEN", Type: TypeDINT},
		TemplateMember{Name: "DATA", Type: TypeSINT, Offset: 4, ArrayDims: []int{capacity}},
	)
}

// Member returns a member by name, compared case-insensitively, or nil.
func (t *Template) Member(name string) *TemplateMember {
	if idx, ok := t.byName[strings.ToLower(name)]; ok {
		return &t.Members[idx]
	}
	return nil
}

// Visible returns the non-hidden members ordered by offset, then bit.
func (t *Template) Visible() []*TemplateMember {
	return t.visible
}

// stringLayout recognises the Logix string shape: LEN DINT and DATA SINT[n].
func (t *Template) stringLayout() (lenM, dataM *TemplateMember, ok bool) {
	if len(t.visible) != 2 {
		return nil, nil, false
	}
	lenM, dataM = t.Member("LEN"), t.Member("DATA")
	if lenM == nil || dataM == nil || lenM.Hidden || dataM.Hidden {
		return nil, nil, false
	}
	if BaseType(lenM.Type) != TypeDINT || lenM.IsArray() {
		return nil, nil, false
	}
	if BaseType(dataM.Type) != TypeSINT || !dataM.IsArray() {
		return nil, nil, false
	}
	return lenM, dataM, true
}

// IsString reports whether the template has the Logix string shape.
func (t *Template) IsString() bool {
	_, _, ok := t.stringLayout()
	return ok
}

func (t *Template) index() {
	t.byName = make(map[string]int, len(t.Members))
	t.visible = t.visible[:0]
	for i := range t.Members {
		m := &t.Members[i]
		if m.Name == "" || m.Hidden {
			continue
		}
		t.byName[strings.ToLower(m.Name)] = i
		t.visible = append(t.visible, m)
	}
	sort.SliceStable(t.visible, func(i, j int) bool {
		a, b := t.visible[i], t.visible[j]
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.BitOffset < b.BitOffset
	})
}

// templateAttributes are the Template object attributes used to read a definition.
type templateAttributes struct {
	Handle         uint16 // attr 1
	MemberCount    uint16 // attr 2
	DefinitionSize uint32 // attr 4, in 32-bit words
	StructureSize  uint32 // attr 5, in bytes
}

// definitionBytes is how many definition bytes to request: the definition
// size in words times four, less the 23-byte header, rounded up to a word.
func (a *templateAttributes) definitionBytes() uint32 {
	n := a.DefinitionSize*4 - 23
	return (n + 3) &^ 3
}

// template attribute list request: count then attributes 5, 4, 3, 2, 1
var templateAttrRequest = []byte{
	0x05, 0x00,
	0x05, 0x00,
	0x04, 0x00,
	0x03, 0x00,
	0x02, 0x00,
	0x01, 0x00,
}

func parseTemplateAttributes(data []byte) (*templateAttributes, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: template attribute reply of %d bytes", eip.ErrMalformedFrame, len(data))
	}
	count := int(binary.LittleEndian.Uint16(data))
	attrs := &templateAttributes{}
	off := 2
	for i := 0; i < count; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: template attribute %d truncated", eip.ErrMalformedFrame, i)
		}
		id := binary.LittleEndian.Uint16(data[off:])
		status := binary.LittleEndian.Uint16(data[off+2:])
		off += 4

		width := 2
		if id == 4 || id == 5 {
			width = 4
		}
		if status != 0 {
			// failed attributes carry no value
			continue
		}
		if off+width > len(data) {
			return nil, fmt.Errorf("%w: template attribute %d value truncated", eip.ErrMalformedFrame, id)
		}
		switch id {
		case 1:
			attrs.Handle = binary.LittleEndian.Uint16(data[off:])
		case 2:
			attrs.MemberCount = binary.LittleEndian.Uint16(data[off:])
		case 3:
			// member byte count, a fallback for firmware without attr 5
			if attrs.StructureSize == 0 {
				attrs.StructureSize = uint32(binary.LittleEndian.Uint16(data[off:]))
			}
		case 4:
			attrs.DefinitionSize = binary.LittleEndian.Uint32(data[off:])
		case 5:
			attrs.StructureSize = binary.LittleEndian.Uint32(data[off:])
		}
		off += width
	}
	if attrs.DefinitionSize*4 <= 23 || attrs.MemberCount == 0 {
		return nil, fmt.Errorf("%w: template reports no definition", eip.ErrMalformedFrame)
	}
	return attrs, nil
}

// parseTemplate builds a Template from its attributes and definition bytes.
// The definition is one 8-byte entry per member (info UINT, type UINT, offset
// UDINT) followed by NUL-terminated names: the template name, then members.
func parseTemplate(id uint16, attrs *templateAttributes, def []byte) (*Template, error) {
	t := &Template{
		ID:          id,
		Size:        attrs.StructureSize,
		Handle:      attrs.Handle,
		MemberCount: attrs.MemberCount,
	}
	count := int(attrs.MemberCount)
	if len(def) < count*8 {
		return nil, fmt.Errorf("%w: template %d definition of %d bytes for %d members",
			eip.ErrMalformedFrame, id, len(def), count)
	}

	t.Members = make([]TemplateMember, count)
	bitAt := make(map[uint32]uint8)
	for i := range t.Members {
		e := def[i*8 : i*8+8]
		info := binary.LittleEndian.Uint16(e[0:2])
		code := binary.LittleEndian.Uint16(e[2:4])
		m := TemplateMember{Type: code, Offset: binary.LittleEndian.Uint32(e[4:8])}

		switch {
		case ArrayDimensions(code) > 0 && info > 0:
			m.ArrayDims = []int{int(info)}
			m.Type = code &^ TypeArrayMask
		case BaseType(code) == TypeBOOL:
			// info is the bit number within the host byte; counting
			// BOOLs per offset covers firmware that leaves it zero
			bit := bitAt[m.Offset]
			if info > 0 && info < 8 {
				bit = uint8(info)
			}
			m.BitOffset = bit
			bitAt[m.Offset] = bit + 1
		}
		if BaseType(code) == 0 {
			m.Hidden = true
		}
		t.Members[i] = m
	}

	names := splitNames(def[count*8:], count+1)
	if len(names) > 0 {
		t.Name, _, _ = strings.Cut(names[0], ";")
	}
	for i := range t.Members {
		if i+1 >= len(names) {
			break
		}
		name := names[i+1]
		t.Members[i].Name = name
		if strings.HasPrefix(name, "__") || strings.HasPrefix(name, ":") || strings.HasPrefix(name, "ZZZZZZZZZZ") {
			t.Members[i].Hidden = true
		}
	}

	t.index()
	return t, nil
}

// splitNames splits NUL-terminated strings. Empty names are kept so member
// positions stay aligned.
func splitNames(data []byte, max int) []string {
	var out []string
	for len(data) > 0 && len(out) < max {
		end := 0
		for end < len(data) && data[end] != 0 {
			end++
		}
		out = append(out, string(data[:end]))
		if end == len(data) {
			break
		}
		data = data[end+1:]
	}
	return out
}

// Definition encodes t as the Template object serves it: member entries and
// the name table.
func (t *Template) Definition() []byte {
	out := make([]byte, 0, len(t.Members)*8+64)
	for _, m := range t.Members {
		info := uint16(0)
		code := m.Type
		if m.IsArray() {
			info = uint16(m.ArrayDims[0])
			code |= 1 << 13
		} else if BaseType(m.Type) == TypeBOOL {
			info = uint16(m.BitOffset)
		}
		out = binary.LittleEndian.AppendUint16(out, info)
		out = binary.LittleEndian.AppendUint16(out, code)
		out = binary.LittleEndian.AppendUint32(out, m.Offset)
	}
	out = append(out, t.Name...)
	out = append(out, 0)
	for _, m := range t.Members {
		out = append(out, m.Name...)
		out = append(out, 0)
	}
	return out
}

// DefinitionWords is the Template object's definition size attribute for def.
func DefinitionWords(def []byte) uint32 {
	return (uint32(len(def)) + 23 + 3) / 4
}

// String returns a human-readable representation of the template.
func (t *Template) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Template %q (ID: %d, Size: %d bytes)\n", t.Name, t.ID, t.Size)
	for _, m := range t.visible {
		typeStr := TypeName(m.Type)
		if m.Template != nil {
			typeStr = m.Template.Name
		}
		if m.IsArray() {
			typeStr += fmt.Sprintf("[%d]", m.ArrayDims[0])
		}
		fmt.Fprintf(&sb, "  +%04X: %s %s\n", m.Offset, m.Name, typeStr)
	}
	return sb.String()
}

func templatePath(id uint16) cip.EPath_t {
	return cip.EPath().Class(ClassTemplate).Instance(uint32(id)).MustBuild()
}

// GetTemplate reads and caches a template and, recursively, the templates of
// its structure members.
func (c *Client) GetTemplate(ctx context.Context, id uint16) (*Template, error) {
	return c.getTemplate(ctx, id, 0)
}

const maxTemplateDepth = 8

func (c *Client) getTemplate(ctx context.Context, id uint16, depth int) (*Template, error) {
	if id == 0 {
		return nil, fmt.Errorf("invalid template ID 0")
	}
	if depth > maxTemplateDepth {
		return nil, fmt.Errorf("template %d nested deeper than %d", id, maxTemplateDepth)
	}

	c.tmplMu.Lock()
	t, ok := c.templates[id]
	c.tmplMu.Unlock()
	if ok {
		return t, nil
	}

	attrResp, err := c.Exchange(ctx, cip.Request{
		Service: cip.SvcGetAttributeList,
		Path:    templatePath(id),
		Data:    templateAttrRequest,
	})
	if err != nil {
		return nil, fmt.Errorf("template %d attributes: %w", id, err)
	}
	attrs, err := parseTemplateAttributes(attrResp.Data)
	if err != nil {
		return nil, fmt.Errorf("template %d attributes: %w", id, err)
	}

	def, err := c.readDefinition(ctx, id, attrs.definitionBytes())
	if err != nil {
		return nil, fmt.Errorf("template %d definition: %w", id, err)
	}
	t, err = parseTemplate(id, attrs, def)
	if err != nil {
		return nil, err
	}

	for i := range t.Members {
		m := &t.Members[i]
		if !m.IsStructure() || m.Hidden {
			continue
		}
		nested, err := c.getTemplate(ctx, TemplateID(m.Type), depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, m.Name, err)
		}
		m.Template = nested
	}

	logging.DebugLog("logix", "template %d %q: %d members, %d bytes", id, t.Name, len(t.Members), t.Size)

	c.tmplMu.Lock()
	c.templates[id] = t
	c.tmplMu.Unlock()
	return t, nil
}

// readDefinition reads total definition bytes with Read Tag on the template
// instance, following partial transfers.
func (c *Client) readDefinition(ctx context.Context, id uint16, total uint32) ([]byte, error) {
	var out []byte
	for uint32(len(out)) < total {
		chunk := total - uint32(len(out))
		if chunk > 0xFFFF {
			chunk = 0xFFFF
		}
		data := binary.LittleEndian.AppendUint32(nil, uint32(len(out)))
		data = binary.LittleEndian.AppendUint16(data, uint16(chunk))

		resp, err := c.Exchange(ctx, cip.Request{Service: SvcReadTag, Path: templatePath(id), Data: data})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			break
		}
		out = append(out, resp.Data...)
		if !resp.Partial() {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no definition data received")
	}
	return out, nil
}
