package logix

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTemplates builds STRING, TestUDT1 and TestUDT2 as a Logix project
// would lay them out.
func testTemplates() (str, udt1, udt2 *Template) {
	str = NewStringTemplate(0x0FCE, "STRING", StringCapacity)
	udt1 = NewTemplate(0x0101, "TestUDT1", 100,
		TemplateMember{Name: "ZZZZZZZZZZTestUDT10", Type: TypeSINT},
		TemplateMember{Name: "BOOL1", Type: TypeBOOL, BitOffset: 0},
		TemplateMember{Name: "BOOL2", Type: TypeBOOL, BitOffset: 1},
		TemplateMember{Name: "DINT1", Type: TypeDINT, Offset: 4},
		TemplateMember{Name: "REAL1", Type: TypeREAL, Offset: 8},
		TemplateMember{Name: "STRING1", Offset: 12, Template: str},
	)
	udt2 = NewTemplate(0x0102, "TestUDT2", 512,
		TemplateMember{Name: "ID", Type: TypeDINT},
		TemplateMember{Name: "UDT1", Offset: 4, ArrayDims: []int{5}, Template: udt1},
		TemplateMember{Name: "LREAL1", Type: TypeLREAL, Offset: 504},
	)
	return str, udt1, udt2
}

func structType(t *Template) *TypeInfo {
	return &TypeInfo{Code: TypeStructureMask | t.ID, Template: t}
}

func udt1Value(s string, dint int64) Value {
	return StructValue(
		Member{Name: "BOOL1", Value: BoolValue(false)},
		Member{Name: "BOOL2", Value: BoolValue(true)},
		Member{Name: "DINT1", Value: IntValue(dint)},
		Member{Name: "REAL1", Value: FloatValue(1.5)},
		Member{Name: "STRING1", Value: StringValue(s)},
	)
}

func TestTypeHelpers(t *testing.T) {
	assert.Equal(t, TypeDINT, BaseType(0x20C4))
	assert.Equal(t, 1, ArrayDimensions(0x20C4))
	assert.Equal(t, 3, ArrayDimensions(0x60C4))
	assert.Equal(t, 4, TypeSize(TypeDINT))
	assert.Equal(t, 8, TypeSize(TypeLREAL))
	assert.Equal(t, 4, TypeSize(TypeBitString32))
	assert.Equal(t, 0, TypeSize(0x00C0))

	assert.True(t, IsStructure(0x8FCE))
	assert.Equal(t, uint16(0x0FCE), TemplateID(0x8FCE))
	assert.Equal(t, uint16(0x8FCE), BaseType(0xAFCE))
	assert.Equal(t, "DINT", TypeName(TypeDINT))

	code, ok := TypeCodeFromName("lreal")
	require.True(t, ok)
	assert.Equal(t, TypeLREAL, code)
}

func TestCodec_AtomicRoundTrip(t *testing.T) {
	tests := []struct {
		code uint16
		v    Value
		raw  []byte
	}{
		{TypeBOOL, BoolValue(true), []byte{0x01}},
		{TypeSINT, IntValue(-2), []byte{0xFE}},
		{TypeINT, IntValue(-300), []byte{0xD4, 0xFE}},
		{TypeDINT, IntValue(123456), []byte{0x40, 0xE2, 0x01, 0x00}},
		{TypeLINT, IntValue(math.MinInt64), []byte{0, 0, 0, 0, 0, 0, 0, 0x80}},
		{TypeUSINT, UintValue(255), []byte{0xFF}},
		{TypeUINT, UintValue(65535), []byte{0xFF, 0xFF}},
		{TypeUDINT, UintValue(0xDEADBEEF), []byte{0xEF, 0xBE, 0xAD, 0xDE}},
		{TypeULINT, UintValue(math.MaxUint64), []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{TypeREAL, FloatValue(1.5), []byte{0x00, 0x00, 0xC0, 0x3F}},
		{TypeLREAL, FloatValue(-0.25), []byte{0, 0, 0, 0, 0, 0, 0xD0, 0xBF}},
	}

	for _, tt := range tests {
		t.Run(TypeName(tt.code), func(t *testing.T) {
			ti := &TypeInfo{Code: tt.code}
			raw, err := Encode(ti, tt.v)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, raw)

			got, err := Decode(ti, raw)
			require.NoError(t, err)
			assert.True(t, tt.v.Equal(got), "got %v want %v", got, tt.v)
		})
	}
}

func TestCodec_Array(t *testing.T) {
	ti := &TypeInfo{Code: TypeINT, Count: 3}
	v := ArrayValue(IntValue(1), IntValue(-1), IntValue(300))
	raw, err := Encode(ti, v)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0xFF, 0xFF, 0x2C, 0x01}, raw)

	got, err := Decode(ti, raw)
	require.NoError(t, err)
	assert.True(t, v.Equal(got))

	_, err = Decode(ti, raw[:4])
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestEncode_IntegerRange(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		v    Value
		ok   bool
	}{
		{"sint max", TypeSINT, IntValue(127), true},
		{"sint over", TypeSINT, IntValue(128), false},
		{"sint under", TypeSINT, IntValue(-129), false},
		{"usint negative", TypeUSINT, IntValue(-1), false},
		{"udint over", TypeUDINT, UintValue(1 << 32), false},
		{"dint from integral float", TypeDINT, FloatValue(3), true},
		{"dint from fraction", TypeDINT, FloatValue(1.5), false},
		{"lint from huge uint", TypeLINT, UintValue(math.MaxUint64), false},
		{"int from string", TypeINT, StringValue("1"), false},
		{"real overflow", TypeREAL, FloatValue(1e39), false},
		{"real from int", TypeREAL, IntValue(2), true},
		{"bool from int", TypeBOOL, IntValue(1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(&TypeInfo{Code: tt.code}, tt.v)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrTypeMismatch)
			assert.Nil(t, raw)
		})
	}
}

func TestCodec_String(t *testing.T) {
	str, _, _ := testTemplates()
	ti := structType(str)

	raw, err := Encode(ti, StringValue("Test Completed"))
	require.NoError(t, err)
	require.Len(t, raw, StringSize)
	assert.Equal(t, uint32(14), binary.LittleEndian.Uint32(raw))
	assert.Equal(t, "Test Completed", string(raw[4:18]))

	got, err := Decode(ti, raw)
	require.NoError(t, err)
	assert.Equal(t, KindString, got.Kind())
	assert.Equal(t, "Test Completed", got.Str())

	long := make([]byte, StringCapacity+1)
	for i := range long {
		long[i] = 'x'
	}
	raw, err = Encode(ti, StringValue(string(long)))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Nil(t, raw)

	// a corrupt length must not slice past the buffer
	bad := make([]byte, StringSize)
	binary.LittleEndian.PutUint32(bad, 200)
	_, err = Decode(ti, bad)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestCodec_AtomicString(t *testing.T) {
	ti := &TypeInfo{Code: TypeSTRING}
	raw, err := Encode(ti, StringValue("abc"))
	require.NoError(t, err)
	require.Len(t, raw, StringSize)

	got, err := Decode(ti, raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Str())
}

func TestCodec_Struct(t *testing.T) {
	_, udt1, _ := testTemplates()
	ti := structType(udt1)
	v := udt1Value("hello", 42)

	raw, err := Encode(ti, v)
	require.NoError(t, err)
	require.Len(t, raw, 100)
	assert.Equal(t, byte(0x02), raw[0], "BOOL2 is bit 1 of the host byte")
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(raw[4:]))

	got, err := Decode(ti, raw)
	require.NoError(t, err)
	assert.True(t, v.Equal(got), "got %v", got)

	names := []string{}
	for _, m := range got.Members() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"BOOL1", "BOOL2", "DINT1", "REAL1", "STRING1"}, names)
}

func TestCodec_UDT2Nested(t *testing.T) {
	_, udt1, udt2 := testTemplates()
	elems := make([]Value, 5)
	for i := range elems {
		elems[i] = udt1Value("", int64(i))
	}
	elems[0] = udt1Value("first", 0)
	v := StructValue(
		Member{Name: "ID", Value: IntValue(7)},
		Member{Name: "UDT1", Value: ArrayValue(elems...)},
		Member{Name: "LREAL1", Value: FloatValue(math.Pi)},
	)

	ti := structType(udt2)
	raw, err := Encode(ti, v)
	require.NoError(t, err)
	require.Len(t, raw, 512)

	got, err := Decode(ti, raw)
	require.NoError(t, err)
	assert.True(t, v.Equal(got))

	arr, ok := got.Field("udt1")
	require.True(t, ok)
	require.Equal(t, 5, arr.Len())
	s, ok := arr.Index(0).Field("STRING1")
	require.True(t, ok)
	assert.Equal(t, "first", s.Str())
	d, _ := arr.Index(4).Field("DINT1")
	assert.Equal(t, int64(4), d.Int())

	// one element of the member array decodes on its own
	first, err := Decode(&TypeInfo{Code: TypeStructureMask | udt1.ID, Template: udt1}, raw[4:104])
	require.NoError(t, err)
	assert.True(t, elems[0].Equal(first))

	// five elements as read through UDT1 with a size hint
	run, err := Decode(&TypeInfo{Code: TypeStructureMask | udt1.ID, Template: udt1, Count: 5}, raw[4:504])
	require.NoError(t, err)
	assert.Equal(t, 5, run.Len())
}

func TestEncode_ShapeMismatch(t *testing.T) {
	_, udt1, _ := testTemplates()
	ti := structType(udt1)
	full := udt1Value("x", 1).Members()

	tests := []struct {
		name string
		v    Value
	}{
		{"not a struct", IntValue(1)},
		{"missing member", StructValue(full[:4]...)},
		{"extra member", StructValue(append(full, Member{Name: "EXTRA", Value: IntValue(1)})...)},
		{"unknown member", StructValue(append(full[:4:4], Member{Name: "OTHER", Value: StringValue("x")})...)},
		{"duplicate member", StructValue(append(full[:4:4], full[0])...)},
		{"hidden member", StructValue(append(full[:4:4], Member{Name: "ZZZZZZZZZZTestUDT10", Value: IntValue(0)})...)},
		{"wrong member kind", StructValue(append(full[:4:4], Member{Name: "STRING1", Value: IntValue(3)})...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(ti, tt.v)
			assert.ErrorIs(t, err, ErrTypeMismatch)
			assert.Nil(t, raw)
		})
	}

	raw, err := Encode(&TypeInfo{Code: TypeDINT, Count: 3}, ArrayValue(IntValue(1), IntValue(2)))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Nil(t, raw)
}

func TestCodec_UnsupportedType(t *testing.T) {
	_, err := Decode(&TypeInfo{Code: 0x00C0}, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Encode(&TypeInfo{Code: 0x00DA}, IntValue(1))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Decode(&TypeInfo{Code: 0x8123}, make([]byte, 8))
	assert.ErrorIs(t, err, ErrTypeMismatch, "structure without a template")
}

func TestCodec_Bits(t *testing.T) {
	ti := &TypeInfo{Code: TypeDINT, HasBit: true, Bit: 5}
	got, err := Decode(ti, []byte{0x20, 0, 0, 0})
	require.NoError(t, err)
	assert.True(t, got.Bool())

	got, err = Decode(ti, []byte{0xDF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.False(t, got.Bool())

	raw, err := Encode(ti, BoolValue(true))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, raw)

	_, err = Encode(ti, IntValue(1))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	dword := &TypeInfo{Code: TypeBitString32}
	v, err := Decode(dword, []byte{0x01, 0x00, 0x00, 0x80})
	require.NoError(t, err)
	require.Equal(t, 32, v.Len())
	assert.True(t, v.Index(0).Bool())
	assert.False(t, v.Index(1).Bool())
	assert.True(t, v.Index(31).Bool())

	back, err := Encode(dword, v)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x80}, back)
}

func TestValue_Equal(t *testing.T) {
	nan := FloatValue(math.NaN())
	assert.True(t, nan.Equal(FloatValue(math.NaN())))
	assert.False(t, FloatValue(0).Equal(FloatValue(math.Copysign(0, -1))))
	assert.False(t, IntValue(1).Equal(UintValue(1)))
	assert.True(t, Value{}.Equal(Value{}))
	assert.False(t, Value{}.IsValid())

	a := StructValue(Member{"A", IntValue(1)}, Member{"B", IntValue(2)})
	b := StructValue(Member{"B", IntValue(2)}, Member{"A", IntValue(1)})
	assert.False(t, a.Equal(b), "member order is part of the value")
	assert.True(t, a.Equal(StructValue(a.Members()...)))

	assert.False(t, ArrayValue(IntValue(1)).Equal(ArrayValue(IntValue(1), IntValue(2))))
}

func TestValue_JSON(t *testing.T) {
	v := StructValue(
		Member{"Z", IntValue(-1)},
		Member{"A", ArrayValue(BoolValue(true), FloatValue(math.Inf(1)))},
		Member{"S", StringValue("hi")},
	)
	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Z":-1,"A":[true,"+Inf"],"S":"hi"}`, string(b))
	assert.Equal(t, `{"Z":-1,"A":[true,"+Inf"],"S":"hi"}`, string(b), "member order is kept")

	assert.Equal(t, `{Z:-1 A:[true +Inf] S:"hi"}`, v.String())
}

func TestValueOf(t *testing.T) {
	var decoded any
	require.NoError(t, json.Unmarshal([]byte(`{"a":[1,2.5],"b":"x","c":true}`), &decoded))

	v, err := ValueOf(decoded)
	require.NoError(t, err)
	require.Equal(t, KindStruct, v.Kind())
	a, _ := v.Field("a")
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2.5, a.Index(1).Float())

	n, err := ValueOf(json.Number("12"))
	require.NoError(t, err)
	assert.Equal(t, KindInt, n.Kind())

	_, err = ValueOf(struct{}{})
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}
