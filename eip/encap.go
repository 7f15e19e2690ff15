package eip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encapsulation commands.
const (
	NOP               uint16 = 0x00
	ListIdentity      uint16 = 0x63
	RegisterSession   uint16 = 0x65
	UnRegisterSession uint16 = 0x66
	SendRRData        uint16 = 0x6F
	SendUnitData      uint16 = 0x70
)

const (
	// HeaderSize is the fixed encapsulation header length.
	HeaderSize = 24
	// MaxPayload is the largest payload an encapsulation frame may declare.
	MaxPayload = 65511
	// DefaultPort is the registered EtherNet/IP TCP port.
	DefaultPort = 44818
)

// Frame is one encapsulation message: the 24-byte header plus payload.
// All header fields are little-endian on the wire.
type Frame struct {
	Command uint16
	Session uint32
	Status  uint32
	Context [8]byte // sender context, echoed by the target
	Options uint32
	Payload []byte
}

// Sequence returns the sender context interpreted as a request sequence number.
func (f *Frame) Sequence() uint64 {
	return binary.LittleEndian.Uint64(f.Context[:])
}

// Bytes encodes the frame. The length field is derived from the payload.
func (f *Frame) Bytes() []byte {
	buf := make([]byte, 0, HeaderSize+len(f.Payload))
	buf = binary.LittleEndian.AppendUint16(buf, f.Command)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Payload)))
	buf = binary.LittleEndian.AppendUint32(buf, f.Session)
	buf = binary.LittleEndian.AppendUint32(buf, f.Status)
	buf = append(buf, f.Context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, f.Options)
	buf = append(buf, f.Payload...)
	return buf
}

// EncodeRequest builds a request frame carrying seq in the sender context.
func EncodeRequest(command uint16, session uint32, seq uint64, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedFrame, len(payload), MaxPayload)
	}
	f := Frame{Command: command, Session: session, Payload: payload}
	binary.LittleEndian.PutUint64(f.Context[:], seq)
	return f.Bytes(), nil
}

// decodeHeader parses a 24-byte header and returns the declared payload length.
func decodeHeader(h []byte) (Frame, int, error) {
	if len(h) < HeaderSize {
		return Frame{}, 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrMalformedFrame, HeaderSize, len(h))
	}
	length := int(binary.LittleEndian.Uint16(h[2:4]))
	if length > MaxPayload {
		return Frame{}, 0, fmt.Errorf("%w: declared length %d exceeds %d", ErrMalformedFrame, length, MaxPayload)
	}
	f := Frame{
		Command: binary.LittleEndian.Uint16(h[0:2]),
		Session: binary.LittleEndian.Uint32(h[4:8]),
		Status:  binary.LittleEndian.Uint32(h[8:12]),
		Options: binary.LittleEndian.Uint32(h[20:24]),
	}
	copy(f.Context[:], h[12:20])
	return f, length, nil
}

// DecodeFrame decodes exactly one frame from b. It fails with ErrMalformedFrame
// if the header is short, the declared length exceeds the bytes available, or
// trailing bytes follow the payload.
func DecodeFrame(b []byte) (*Frame, error) {
	f, length, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}
	have := len(b) - HeaderSize
	if length > have {
		return nil, fmt.Errorf("%w: declared length %d, only %d bytes available", ErrMalformedFrame, length, have)
	}
	if length < have {
		return nil, fmt.Errorf("%w: %d trailing bytes after payload", ErrMalformedFrame, have-length)
	}
	f.Payload = append([]byte(nil), b[HeaderSize:]...)
	return &f, nil
}

// ReadFrame reads one complete frame from a stream.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	f, length, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, err
	}
	return &f, nil
}

// CommandData is the SendRRData/SendUnitData wrapper around a CPF packet.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

func (c *CommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(make([]byte, 0, 6+len(c.Packet)), c.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, c.Timeout)
	return append(raw, c.Packet...)
}

func ParseCommandData(raw []byte) (*CommandData, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: command data needs at least 8 bytes, got %d", ErrMalformedFrame, len(raw))
	}
	return &CommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}
