package plcsim

import (
	"encoding/binary"
	"fmt"
	"strings"

	"taglink/cip"
	"taglink/logix"
)

type simTag struct {
	name     string
	program  string
	typ      uint16 // element type; structures carry the flag and template ID
	dims     []int
	data     []byte
	instance uint32
}

type program struct {
	name     string
	instance uint32
}

func tagKey(program, name string) string {
	return strings.ToLower(program) + "\x00" + strings.ToLower(name)
}

func splitProgram(path string) (program, rest string) {
	const prefix = "program:"
	if len(path) > len(prefix) && strings.EqualFold(path[:len(prefix)], prefix) {
		if dot := strings.IndexByte(path, '.'); dot > 0 {
			return path[len(prefix):dot], path[dot+1:]
		}
	}
	return "", path
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// AddTemplate registers a structure type and the templates of its members.
func (s *Server) AddTemplate(t *logix.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addTemplateLocked(t)
}

func (s *Server) addTemplateLocked(t *logix.Template) {
	if _, ok := s.templates[t.ID]; ok {
		return
	}
	if t.Handle == 0 {
		t.Handle = t.ID ^ 0xA5A5
	}
	s.templates[t.ID] = t
	for i := range t.Members {
		if nested := t.Members[i].Template; nested != nil {
			s.addTemplateLocked(nested)
		}
	}
}

// AddTag creates a zeroed atomic tag. path may carry a "Program:Name." prefix.
func (s *Server) AddTag(path string, typ uint16, dims ...int) error {
	if logix.TypeSize(typ) == 0 {
		return fmt.Errorf("plcsim: no size for type 0x%04X", typ)
	}
	return s.addTag(path, logix.BaseType(typ), logix.TypeSize(typ), dims)
}

// AddStructTag creates a zeroed tag of structure type t, registering t.
func (s *Server) AddStructTag(path string, t *logix.Template, dims ...int) error {
	s.AddTemplate(t)
	return s.addTag(path, logix.TypeStructureMask|t.ID, int(t.Size), dims)
}

func (s *Server) addTag(path string, typ uint16, size int, dims []int) error {
	if len(dims) > 3 {
		return fmt.Errorf("plcsim: %d dimensions", len(dims))
	}
	for _, d := range dims {
		if d <= 0 {
			return fmt.Errorf("plcsim: dimension %d", d)
		}
	}
	prog, name := splitProgram(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	key := tagKey(prog, name)
	if _, ok := s.tags[key]; ok {
		return fmt.Errorf("plcsim: tag %s exists", path)
	}
	if prog != "" {
		if _, ok := s.programs[strings.ToLower(prog)]; !ok {
			s.programs[strings.ToLower(prog)] = s.nextInst
			s.progNames = append(s.progNames, program{name: prog, instance: s.nextInst})
			s.nextInst++
		}
	}
	t := &simTag{
		name:     name,
		program:  prog,
		typ:      typ,
		dims:     append([]int(nil), dims...),
		data:     make([]byte, size*product(dims)),
		instance: s.nextInst,
	}
	s.nextInst++
	s.tags[key] = t
	s.order = append(s.order, t)
	return nil
}

// RemoveTag deletes a tag, as a program download would.
func (s *Server) RemoveTag(path string) {
	prog, name := splitProgram(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tagKey(prog, name)
	t, ok := s.tags[key]
	if !ok {
		return
	}
	delete(s.tags, key)
	for i, o := range s.order {
		if o == t {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// FailTag makes every read and write of the tag named by path fail with the
// given CIP status. A zero status clears the failure.
func (s *Server) FailTag(path string, status byte, ext ...uint16) {
	prog, name := splitProgram(path)
	if dot := strings.IndexAny(name, ".["); dot > 0 {
		name = name[:dot]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tagKey(prog, name)
	if status == 0 {
		delete(s.failures, key)
		return
	}
	s.failures[key] = failure{status: status, ext: ext}
}

// view is the part of a tag a request path selects.
type view struct {
	tag      *simTag
	code     uint16
	tmpl     *logix.Template
	dims     []int // set when the whole array is selected
	off      int
	elemSize int
	elems    int // elements available from off
	bit      int // BOOL member bit within the byte at off, -1 otherwise
}

func (v *view) typeField() []byte {
	if logix.IsStructure(v.code) {
		out := binary.LittleEndian.AppendUint16(nil, logix.TypeStructHandle)
		return binary.LittleEndian.AppendUint16(out, v.tmpl.Handle)
	}
	return binary.LittleEndian.AppendUint16(nil, v.code)
}

func (v *view) bytes(count int) []byte {
	if v.bit >= 0 {
		return []byte{v.tag.data[v.off] >> v.bit & 1}
	}
	return append([]byte(nil), v.tag.data[v.off:v.off+count*v.elemSize]...)
}

func (v *view) typeInfo() *logix.TypeInfo {
	t := &logix.TypeInfo{Code: v.code, Template: v.tmpl}
	if v.dims != nil {
		t.Count = product(v.dims)
	}
	return t
}

func pathError(status byte, ext ...uint16) *failure {
	return &failure{status: status, ext: ext}
}

// resolve walks a symbolic request path. Must hold mu.
func (s *Server) resolve(segs []pathSeg) (*view, *failure) {
	if len(segs) == 0 || segs[0].kind != segSymbol {
		return nil, pathError(cip.StatusPathSegment)
	}
	prog := ""
	if n := segs[0].name; len(n) > 8 && strings.EqualFold(n[:8], "Program:") {
		prog = n[8:]
		segs = segs[1:]
		if len(segs) == 0 || segs[0].kind != segSymbol {
			return nil, pathError(cip.StatusPathSegment)
		}
	}
	key := tagKey(prog, segs[0].name)
	t, ok := s.tags[key]
	if !ok {
		return nil, pathError(cip.StatusPathUnknown)
	}
	if f, ok := s.failures[key]; ok {
		return nil, &f
	}

	v := &view{tag: t, code: t.typ, dims: t.dims, bit: -1}
	if logix.IsStructure(t.typ) {
		v.tmpl = s.templates[logix.TemplateID(t.typ)]
	}
	v.elemSize = s.elemSize(v.code, v.tmpl)
	v.elems = product(v.dims)
	if len(v.dims) == 0 {
		v.dims = nil
	}

	for i := 1; i < len(segs); {
		seg := segs[i]
		switch seg.kind {
		case segElement:
			var idx []uint32
			for i < len(segs) && segs[i].kind == segElement {
				idx = append(idx, segs[i].value)
				i++
			}
			if v.dims == nil || len(idx) != len(v.dims) {
				return nil, pathError(cip.StatusPathSegment)
			}
			flat := 0
			for d, n := range idx {
				if int(n) >= v.dims[d] {
					return nil, pathError(cip.StatusGeneralError, logix.ExtStatusCountBeyondEnd)
				}
				flat = flat*v.dims[d] + int(n)
			}
			v.off += flat * v.elemSize
			v.elems = product(v.dims) - flat
			v.dims = nil
			continue
		case segSymbol:
			if v.dims != nil || v.tmpl == nil {
				return nil, pathError(cip.StatusPathSegment)
			}
			m := v.tmpl.Member(seg.name)
			if m == nil || m.Hidden {
				return nil, pathError(cip.StatusPathUnknown)
			}
			v.off += int(m.Offset)
			v.code = logix.BaseType(m.Type)
			v.tmpl = nil
			if m.IsStructure() {
				v.tmpl = s.templates[logix.TemplateID(m.Type)]
			}
			v.elemSize = s.elemSize(v.code, v.tmpl)
			v.dims = nil
			v.elems = 1
			v.bit = -1
			if m.IsArray() {
				v.dims = append([]int(nil), m.ArrayDims...)
				v.elems = m.ElementCount()
			} else if v.code == logix.TypeBOOL {
				v.bit = int(m.BitOffset)
			}
		default:
			return nil, pathError(cip.StatusPathSegment)
		}
		i++
	}
	if v.elemSize == 0 {
		return nil, pathError(cip.StatusObjectNotExist)
	}
	return v, nil
}

func (s *Server) elemSize(code uint16, tmpl *logix.Template) int {
	if logix.IsStructure(code) {
		if tmpl == nil {
			return 0
		}
		return int(tmpl.Size)
	}
	return logix.TypeSize(code)
}

func (s *Server) lookup(path string) (*view, *logix.Address, error) {
	a, err := logix.ParseAddress(path, "")
	if err != nil {
		return nil, nil, err
	}
	ep, err := a.EPath()
	if err != nil {
		return nil, nil, err
	}
	segs, err := parsePath(ep)
	if err != nil {
		return nil, nil, err
	}
	v, f := s.resolve(segs)
	if f != nil {
		return nil, nil, fmt.Errorf("plcsim: %s: status 0x%02X", path, f.status)
	}
	return v, a, nil
}

// Set stores v at path. Whole arrays take an array value; a trailing bit
// index sets one bit of an integer.
func (s *Server) Set(path string, val logix.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, a, err := s.lookup(path)
	if err != nil {
		return err
	}
	if bit, ok := a.Bit(); ok {
		if val.Kind() != logix.KindBool || !logix.IsInteger(v.code) || bit >= v.elemSize*8 {
			return fmt.Errorf("plcsim: bit %d of %s", bit, path)
		}
		p := &v.tag.data[v.off+bit/8]
		if val.Bool() {
			*p |= 1 << (bit % 8)
		} else {
			*p &^= 1 << (bit % 8)
		}
		return nil
	}

	raw, err := logix.Encode(v.typeInfo(), val)
	if err != nil {
		return err
	}
	if v.bit >= 0 {
		if raw[0] != 0 {
			v.tag.data[v.off] |= 1 << v.bit
		} else {
			v.tag.data[v.off] &^= 1 << v.bit
		}
		return nil
	}
	copy(v.tag.data[v.off:], raw)
	return nil
}

// Get decodes the value at path.
func (s *Server) Get(path string) (logix.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, a, err := s.lookup(path)
	if err != nil {
		return logix.Value{}, err
	}
	t := v.typeInfo()
	if bit, ok := a.Bit(); ok {
		t.HasBit, t.Bit = true, bit
	}
	count := 1
	if t.Count > 0 {
		count = t.Count
	}
	return logix.Decode(t, v.bytes(count))
}
