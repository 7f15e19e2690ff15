package logix

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// TypeInfo is the resolved type of a tag read.
type TypeInfo struct {
	// Code is the element type. Structures carry the structure flag and
	// template ID.
	Code uint16
	// Count is 0 for a scalar, otherwise the number of elements read.
	Count int
	// Template describes Code when it is a structure.
	Template *Template
	// HasBit marks a bit-of-integer address; Code is then the host type.
	HasBit bool
	Bit    int
}

// ElemSize is the encoded size of one element.
func (t *TypeInfo) ElemSize() int {
	if IsStructure(t.Code) {
		if t.Template == nil {
			return 0
		}
		return int(t.Template.Size)
	}
	return TypeSize(t.Code)
}

// Size is the encoded size of the whole read.
func (t *TypeInfo) Size() int {
	return t.ElemSize() * int(t.ReadCount())
}

// ReadCount is the element count to request.
func (t *TypeInfo) ReadCount() uint16 {
	if t.Count <= 0 {
		return 1
	}
	return uint16(t.Count)
}

func (t *TypeInfo) String() string {
	name := TypeName(t.Code)
	if t.Template != nil {
		name = t.Template.Name
	}
	switch {
	case t.HasBit:
		return fmt.Sprintf("BOOL(%s.%d)", name, t.Bit)
	case t.Count > 0:
		return fmt.Sprintf("%s[%d]", name, t.Count)
	default:
		return name
	}
}

// Decode converts raw reply data into a Value of type t.
func Decode(t *TypeInfo, raw []byte) (Value, error) {
	if t.HasBit {
		host, err := decodeElem(t.Code, nil, raw)
		if err != nil {
			return Value{}, err
		}
		return bitOf(host, t.Bit)
	}

	size := t.ElemSize()
	if size == 0 {
		if IsStructure(t.Code) {
			return Value{}, mismatch("structure 0x%04X has no template", t.Code)
		}
		return Value{}, unsupported(t.Code)
	}
	if t.Count == 0 {
		if len(raw) < size {
			return Value{}, mismatch("%s needs %d bytes, got %d", t, size, len(raw))
		}
		return decodeElem(t.Code, t.Template, raw[:size])
	}

	if len(raw) < size*t.Count {
		return Value{}, mismatch("%s needs %d bytes, got %d", t, size*t.Count, len(raw))
	}
	elems := make([]Value, t.Count)
	for i := range elems {
		v, err := decodeElem(t.Code, t.Template, raw[i*size:(i+1)*size])
		if err != nil {
			return Value{}, fmt.Errorf("element %d: %w", i, err)
		}
		elems[i] = v
	}
	return Value{kind: KindArray, elems: elems}, nil
}

func bitOf(host Value, bit int) (Value, error) {
	switch host.Kind() {
	case KindInt, KindUint:
		return BoolValue(host.bits>>uint(bit)&1 == 1), nil
	case KindArray:
		if bit < host.Len() && host.Index(bit).Kind() == KindBool {
			return host.Index(bit), nil
		}
	}
	return Value{}, mismatch("bit %d of %s", bit, host.Kind())
}

func decodeElem(code uint16, tmpl *Template, b []byte) (Value, error) {
	if IsStructure(code) {
		if tmpl == nil {
			return Value{}, mismatch("structure 0x%04X has no template", code)
		}
		return decodeStruct(tmpl, b)
	}

	size := TypeSize(code)
	if size == 0 {
		return Value{}, unsupported(code)
	}
	if len(b) < size {
		return Value{}, mismatch("%s needs %d bytes, got %d", TypeName(code), size, len(b))
	}

	switch BaseType(code) {
	case TypeBOOL:
		return BoolValue(b[0] != 0), nil
	case TypeSINT:
		return IntValue(int64(int8(b[0]))), nil
	case TypeINT:
		return IntValue(int64(int16(binary.LittleEndian.Uint16(b)))), nil
	case TypeDINT:
		return IntValue(int64(int32(binary.LittleEndian.Uint32(b)))), nil
	case TypeLINT:
		return IntValue(int64(binary.LittleEndian.Uint64(b))), nil
	case TypeUSINT:
		return UintValue(uint64(b[0])), nil
	case TypeUINT:
		return UintValue(uint64(binary.LittleEndian.Uint16(b))), nil
	case TypeUDINT:
		return UintValue(uint64(binary.LittleEndian.Uint32(b))), nil
	case TypeULINT:
		return UintValue(binary.LittleEndian.Uint64(b)), nil
	case TypeREAL:
		return FloatValue(float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))), nil
	case TypeLREAL:
		return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case TypeBitString32:
		word := binary.LittleEndian.Uint32(b)
		bits := make([]Value, 32)
		for i := range bits {
			bits[i] = BoolValue(word>>uint(i)&1 == 1)
		}
		return Value{kind: KindArray, elems: bits}, nil
	case TypeSTRING:
		return decodeString(b, 0, 4, StringCapacity)
	}
	return Value{}, unsupported(code)
}

func decodeString(b []byte, lenOff, dataOff uint32, capacity int) (Value, error) {
	if int(dataOff)+capacity > len(b) || int(lenOff)+4 > len(b) {
		return Value{}, mismatch("string needs %d bytes, got %d", int(dataOff)+capacity, len(b))
	}
	n := int(int32(binary.LittleEndian.Uint32(b[lenOff:])))
	if n < 0 || n > capacity {
		return Value{}, mismatch("string length %d outside 0..%d", n, capacity)
	}
	return StringValue(string(b[dataOff : int(dataOff)+n])), nil
}

func decodeStruct(t *Template, b []byte) (Value, error) {
	if len(b) < int(t.Size) {
		return Value{}, mismatch("%s needs %d bytes, got %d", t.Name, t.Size, len(b))
	}
	if lenM, dataM, ok := t.stringLayout(); ok {
		return decodeString(b, lenM.Offset, dataM.Offset, dataM.ElementCount())
	}

	visible := t.Visible()
	members := make([]Member, 0, len(visible))
	for _, m := range visible {
		v, err := decodeMember(m, b)
		if err != nil {
			return Value{}, fmt.Errorf("%s.%s: %w", t.Name, m.Name, err)
		}
		members = append(members, Member{Name: m.Name, Value: v})
	}
	return Value{kind: KindStruct, members: members}, nil
}

func decodeMember(m *TemplateMember, b []byte) (Value, error) {
	off := int(m.Offset)
	if BaseType(m.Type) == TypeBOOL && !m.IsArray() {
		if off >= len(b) {
			return Value{}, mismatch("BOOL at offset %d past end", off)
		}
		return BoolValue(b[off]>>m.BitOffset&1 == 1), nil
	}

	size := m.elemSize()
	if size == 0 {
		if IsStructure(m.Type) {
			return Value{}, mismatch("member template 0x%04X not loaded", m.Type)
		}
		return Value{}, unsupported(m.Type)
	}
	if !m.IsArray() {
		if off+size > len(b) {
			return Value{}, mismatch("member at offset %d past end", off)
		}
		return decodeElem(m.Type, m.Template, b[off:off+size])
	}

	n := m.ElementCount()
	if off+n*size > len(b) {
		return Value{}, mismatch("array member at offset %d past end", off)
	}
	elems := make([]Value, n)
	for i := range elems {
		v, err := decodeElem(m.Type, m.Template, b[off+i*size:off+(i+1)*size])
		if err != nil {
			return Value{}, fmt.Errorf("[%d]: %w", i, err)
		}
		elems[i] = v
	}
	return Value{kind: KindArray, elems: elems}, nil
}

// Encode converts v into raw data for a write of type t. The value shape is
// checked in full; on error no bytes are returned.
func Encode(t *TypeInfo, v Value) ([]byte, error) {
	if t.HasBit {
		if v.Kind() != KindBool {
			return nil, mismatch("bit address needs bool, got %s", v.Kind())
		}
		if v.Bool() {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}

	size := t.ElemSize()
	if size == 0 {
		if IsStructure(t.Code) {
			return nil, mismatch("structure 0x%04X has no template", t.Code)
		}
		return nil, unsupported(t.Code)
	}

	if t.Count == 0 {
		out := make([]byte, size)
		if err := encodeElem(t.Code, t.Template, v, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	if v.Kind() != KindArray || v.Len() != t.Count {
		return nil, mismatch("%s needs an array of %d, got %s of %d", t, t.Count, v.Kind(), v.Len())
	}
	out := make([]byte, size*t.Count)
	for i := 0; i < t.Count; i++ {
		if err := encodeElem(t.Code, t.Template, v.Index(i), out[i*size:(i+1)*size]); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

func encodeElem(code uint16, tmpl *Template, v Value, dst []byte) error {
	if IsStructure(code) {
		if tmpl == nil {
			return mismatch("structure 0x%04X has no template", code)
		}
		return encodeStruct(tmpl, v, dst)
	}

	switch BaseType(code) {
	case TypeBOOL:
		if v.Kind() != KindBool {
			return mismatch("BOOL needs bool, got %s", v.Kind())
		}
		dst[0] = 0
		if v.Bool() {
			dst[0] = 1
		}
	case TypeSINT, TypeINT, TypeDINT, TypeLINT, TypeUSINT, TypeUINT, TypeUDINT, TypeULINT:
		bits, err := integerBits(code, v)
		if err != nil {
			return err
		}
		for i := 0; i < TypeSize(code); i++ {
			dst[i] = byte(bits >> (8 * i))
		}
	case TypeREAL:
		f, err := floatOf(v)
		if err != nil {
			return err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return mismatch("%g overflows REAL", f)
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
	case TypeLREAL:
		f, err := floatOf(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
	case TypeBitString32:
		if v.Kind() != KindArray || v.Len() != 32 {
			return mismatch("DWORD needs an array of 32 bools")
		}
		var word uint32
		for i := 0; i < 32; i++ {
			e := v.Index(i)
			if e.Kind() != KindBool {
				return mismatch("DWORD bit %d is %s", i, e.Kind())
			}
			if e.Bool() {
				word |= 1 << uint(i)
			}
		}
		binary.LittleEndian.PutUint32(dst, word)
	case TypeSTRING:
		return encodeString(v, dst, 0, 4, StringCapacity)
	default:
		return unsupported(code)
	}
	return nil
}

func encodeString(v Value, dst []byte, lenOff, dataOff uint32, capacity int) error {
	if v.Kind() != KindString {
		return mismatch("string needs string, got %s", v.Kind())
	}
	s := v.Str()
	if len(s) > capacity {
		return mismatch("string of %d bytes exceeds capacity %d", len(s), capacity)
	}
	binary.LittleEndian.PutUint32(dst[lenOff:], uint32(len(s)))
	copy(dst[dataOff:int(dataOff)+capacity], s)
	return nil
}

func encodeStruct(t *Template, v Value, dst []byte) error {
	if lenM, dataM, ok := t.stringLayout(); ok {
		return encodeString(v, dst, lenM.Offset, dataM.Offset, dataM.ElementCount())
	}
	if v.Kind() != KindStruct {
		return mismatch("%s needs struct, got %s", t.Name, v.Kind())
	}

	visible := t.Visible()
	if v.Len() != len(visible) {
		return mismatch("%s has %d members, value has %d", t.Name, len(visible), v.Len())
	}
	seen := make(map[string]bool, len(visible))
	for _, mv := range v.members {
		key := strings.ToLower(mv.Name)
		if seen[key] {
			return mismatch("%s: member %s given twice", t.Name, mv.Name)
		}
		seen[key] = true
		m := t.Member(mv.Name)
		if m == nil || m.Hidden {
			return mismatch("%s has no member %s", t.Name, mv.Name)
		}
		if err := encodeMember(m, mv.Value, dst); err != nil {
			return fmt.Errorf("%s.%s: %w", t.Name, m.Name, err)
		}
	}
	return nil
}

func encodeMember(m *TemplateMember, v Value, dst []byte) error {
	off := int(m.Offset)
	if BaseType(m.Type) == TypeBOOL && !m.IsArray() {
		if v.Kind() != KindBool {
			return mismatch("BOOL needs bool, got %s", v.Kind())
		}
		if v.Bool() {
			dst[off] |= 1 << m.BitOffset
		} else {
			dst[off] &^= 1 << m.BitOffset
		}
		return nil
	}

	size := m.elemSize()
	if size == 0 {
		return unsupported(m.Type)
	}
	if !m.IsArray() {
		return encodeElem(m.Type, m.Template, v, dst[off:off+size])
	}

	n := m.ElementCount()
	if v.Kind() != KindArray || v.Len() != n {
		return mismatch("needs an array of %d, got %s of %d", n, v.Kind(), v.Len())
	}
	for i := 0; i < n; i++ {
		if err := encodeElem(m.Type, m.Template, v.Index(i), dst[off+i*size:off+(i+1)*size]); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return nil
}

func integerBits(code uint16, v Value) (uint64, error) {
	width := uint(TypeSize(code) * 8)
	signed := isSigned(code)

	var (
		i   int64
		u   uint64
		neg bool
	)
	switch v.Kind() {
	case KindInt:
		i = v.Int()
		neg = i < 0
		u = uint64(i)
	case KindUint:
		u = v.Uint()
		if u > math.MaxInt64 && signed {
			return 0, mismatch("%d overflows %s", u, TypeName(code))
		}
		i = int64(u)
	case KindFloat:
		f := v.Float()
		if f != math.Trunc(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, mismatch("%g is not an integer", f)
		}
		i = int64(f)
		neg = i < 0
		u = uint64(i)
	default:
		return 0, mismatch("%s needs a number, got %s", TypeName(code), v.Kind())
	}

	if signed {
		lo, hi := -(int64(1) << (width - 1)), int64(1)<<(width-1)-1
		if width == 64 {
			lo, hi = math.MinInt64, math.MaxInt64
		}
		if i < lo || i > hi {
			return 0, mismatch("%d overflows %s", i, TypeName(code))
		}
		return uint64(i), nil
	}
	if neg {
		return 0, mismatch("%d is negative for %s", i, TypeName(code))
	}
	if width < 64 && u >= 1<<width {
		return 0, mismatch("%d overflows %s", u, TypeName(code))
	}
	return u, nil
}

func floatOf(v Value) (float64, error) {
	switch v.Kind() {
	case KindFloat:
		return v.Float(), nil
	case KindInt:
		return float64(v.Int()), nil
	case KindUint:
		return float64(v.Uint()), nil
	}
	return 0, mismatch("float needs a number, got %s", v.Kind())
}
