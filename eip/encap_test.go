package eip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest_Layout(t *testing.T) {
	raw, err := EncodeRequest(RegisterSession, 0, 7, []byte{0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	want := []byte{
		0x65, 0x00, // command
		0x04, 0x00, // length
		0x00, 0x00, 0x00, 0x00, // session
		0x00, 0x00, 0x00, 0x00, // status
		0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // sender context
		0x00, 0x00, 0x00, 0x00, // options
		0x01, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, want, raw)
}

func TestDecodeFrame(t *testing.T) {
	raw, err := EncodeRequest(SendRRData, 0xCAFEBABE, 0x0102030405060708, []byte("payload"))
	require.NoError(t, err)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, SendRRData, f.Command)
	assert.Equal(t, uint32(0xCAFEBABE), f.Session)
	assert.Equal(t, uint64(0x0102030405060708), f.Sequence())
	assert.Equal(t, []byte("payload"), f.Payload)
	assert.Equal(t, raw, f.Bytes())
}

func TestDecodeFrame_Malformed(t *testing.T) {
	good, _ := EncodeRequest(SendRRData, 1, 1, []byte{1, 2, 3, 4})

	tooLong := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(tooLong[2:4], 0xFFFF)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", good[:10]},
		{"declared length exceeds available", good[:len(good)-1]},
		{"declared length over maximum", tooLong},
		{"trailing bytes", append(append([]byte(nil), good...), 0xFF)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.raw)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)
		})
	}
}

func TestEncodeRequest_TooLarge(t *testing.T) {
	_, err := EncodeRequest(SendRRData, 1, 1, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrame_Stream(t *testing.T) {
	a, _ := EncodeRequest(SendRRData, 1, 1, []byte{0xAA})
	b, _ := EncodeRequest(SendRRData, 1, 2, []byte{0xBB, 0xCC})
	r := bytes.NewReader(append(a, b...))

	f1, err := ReadFrame(r)
	require.NoError(t, err)
	f2, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.Sequence())
	assert.Equal(t, []byte{0xBB, 0xCC}, f2.Payload)

	_, err = ReadFrame(r)
	assert.Error(t, err)
}

func TestCommonPacket(t *testing.T) {
	p := UnconnectedPacket([]byte{0x4C, 0x02, 0x20, 0x6B})
	raw := p.Bytes()
	assert.Equal(t, []byte{
		0x02, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0xB2, 0x00, 0x04, 0x00, 0x4C, 0x02, 0x20, 0x6B,
	}, raw)

	parsed, err := ParseCommonPacket(raw)
	require.NoError(t, err)
	data, err := parsed.UnconnectedData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4C, 0x02, 0x20, 0x6B}, data)

	_, err = ParseCommonPacket(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrMalformedFrame)

	empty := CommonPacket{}
	_, err = empty.UnconnectedData()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCommandData(t *testing.T) {
	cd := CommandData{Timeout: 10, Packet: []byte{0x00, 0x00}}
	parsed, err := ParseCommandData(cd.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint16(10), parsed.Timeout)

	_, err = ParseCommandData([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestIdentityItem(t *testing.T) {
	id := Identity{
		EncapsulationVersion: 1,
		VendorID:             1,
		DeviceType:           0x0E,
		ProductCode:          0x96,
		RevisionMajor:        33,
		RevisionMinor:        11,
		SerialNumber:         0xDEADBEEF,
		ProductName:          "1756-L83E/B",
		State:                3,
		Port:                 DefaultPort,
	}
	p := CommonPacket{Items: []CommonPacketItem{{TypeId: CpfTypeListIdentityResponseId, Data: id.Bytes()}}}

	got, err := parseListIdentity(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "1756-L83E/B", got.ProductName)
	assert.Equal(t, uint32(0xDEADBEEF), got.SerialNumber)
	assert.Equal(t, uint16(DefaultPort), got.Port)
	assert.Equal(t, byte(3), got.State)

	_, err = parseIdentityItem(id.Bytes()[:20])
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
