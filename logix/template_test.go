package logix

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attrReply(handle, members uint16, defWords, size uint32) []byte {
	b := binary.LittleEndian.AppendUint16(nil, 4)
	b = binary.LittleEndian.AppendUint16(b, 5)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, size)
	b = binary.LittleEndian.AppendUint16(b, 4)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, defWords)
	b = binary.LittleEndian.AppendUint16(b, 2)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint16(b, members)
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint16(b, 0)
	return binary.LittleEndian.AppendUint16(b, handle)
}

func TestParseTemplateAttributes(t *testing.T) {
	attrs, err := parseTemplateAttributes(attrReply(0xBEEF, 6, 40, 100))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), attrs.Handle)
	assert.Equal(t, uint16(6), attrs.MemberCount)
	assert.Equal(t, uint32(100), attrs.StructureSize)
	assert.Equal(t, uint32(140), attrs.definitionBytes())

	// a failed attribute carries no value
	b := binary.LittleEndian.AppendUint16(nil, 3)
	b = append(b, 0x03, 0x00, 0x14, 0x00)
	b = append(b, 0x04, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00)
	b = append(b, 0x02, 0x00, 0x00, 0x00, 0x01, 0x00)
	attrs, err = parseTemplateAttributes(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), attrs.DefinitionSize)

	_, err = parseTemplateAttributes(attrReply(1, 0, 40, 100))
	assert.Error(t, err, "no members")
	_, err = parseTemplateAttributes(attrReply(1, 2, 5, 100))
	assert.Error(t, err, "definition smaller than its header")
	_, err = parseTemplateAttributes(attrReply(1, 2, 40, 100)[:10])
	assert.Error(t, err)
}

func TestTemplate_DefinitionRoundTrip(t *testing.T) {
	_, udt1, udt2 := testTemplates()

	def := udt1.Definition()
	attrs := &templateAttributes{
		Handle:         0x1234,
		MemberCount:    uint16(len(udt1.Members)),
		DefinitionSize: DefinitionWords(def),
		StructureSize:  udt1.Size,
	}
	require.GreaterOrEqual(t, int(attrs.definitionBytes()), len(def))

	// the controller pads the definition to whole words
	padded := append(def, make([]byte, int(attrs.definitionBytes())-len(def))...)
	got, err := parseTemplate(udt1.ID, attrs, padded)
	require.NoError(t, err)

	assert.Equal(t, "TestUDT1", got.Name)
	assert.Equal(t, uint16(0x1234), got.Handle)
	assert.Equal(t, uint32(100), got.Size)
	require.Len(t, got.Members, 6)
	assert.True(t, got.Members[0].Hidden)

	b2 := got.Member("bool2")
	require.NotNil(t, b2)
	assert.Equal(t, uint8(1), b2.BitOffset)
	assert.Equal(t, uint32(0), b2.Offset)

	s := got.Member("STRING1")
	require.NotNil(t, s)
	assert.True(t, s.IsStructure())
	assert.Equal(t, uint16(0x0FCE), TemplateID(s.Type))

	names := []string{}
	for _, m := range got.Visible() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"BOOL1", "BOOL2", "DINT1", "REAL1", "STRING1"}, names)

	def2 := udt2.Definition()
	got2, err := parseTemplate(udt2.ID, &templateAttributes{MemberCount: 3, StructureSize: 512}, def2)
	require.NoError(t, err)
	arr := got2.Member("UDT1")
	require.NotNil(t, arr)
	assert.Equal(t, []int{5}, arr.ArrayDims)
	assert.Equal(t, 5, arr.ElementCount())
	assert.Equal(t, uint16(TypeStructureMask|udt1.ID), arr.Type, "array bits are stripped")
}

func TestParseTemplate_BoolCounting(t *testing.T) {
	// firmware that reports zero in the info word for every BOOL
	var def []byte
	for _, e := range []struct{ typ uint16 }{{TypeSINT}, {TypeBOOL}, {TypeBOOL}, {TypeBOOL}} {
		def = binary.LittleEndian.AppendUint16(def, 0)
		def = binary.LittleEndian.AppendUint16(def, e.typ)
		def = binary.LittleEndian.AppendUint32(def, 0)
	}
	def = append(def, "Flags;n\x00ZZZZZZZZZZFlags0\x00A\x00B\x00C\x00"...)

	got, err := parseTemplate(9, &templateAttributes{MemberCount: 4, StructureSize: 4}, def)
	require.NoError(t, err)
	assert.Equal(t, "Flags", got.Name)
	assert.Equal(t, uint8(0), got.Member("A").BitOffset)
	assert.Equal(t, uint8(1), got.Member("B").BitOffset)
	assert.Equal(t, uint8(2), got.Member("C").BitOffset)
	assert.Nil(t, got.Member("ZZZZZZZZZZFlags0"))
}

func TestParseTemplate_Truncated(t *testing.T) {
	_, err := parseTemplate(1, &templateAttributes{MemberCount: 3}, make([]byte, 16))
	assert.Error(t, err)
}

func TestTemplate_StringShape(t *testing.T) {
	str, udt1, _ := testTemplates()
	assert.True(t, str.IsString())
	assert.Equal(t, uint32(StringSize), str.Size)
	assert.False(t, udt1.IsString())

	short := NewStringTemplate(0x0ABC, "STRING20", 20)
	assert.True(t, short.IsString())
	assert.Equal(t, uint32(24), short.Size)
}

func TestSplitNames(t *testing.T) {
	assert.Equal(t, []string{"a", "", "b"}, splitNames([]byte("a\x00\x00b\x00"), 5))
	assert.Equal(t, []string{"a"}, splitNames([]byte("a\x00b\x00"), 1))
	assert.Equal(t, []string{"tail"}, splitNames([]byte("tail"), 3))
}
