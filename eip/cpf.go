package eip

// Common Packet Format items, ODVA Vol. 2 section 2-6.

import (
	"encoding/binary"
	"fmt"
)

const (
	CpfAddressNullId              uint16 = 0x00
	CpfTypeListIdentityResponseId uint16 = 0x0C
	CpfAddressConnectionId        uint16 = 0xA1
	CpfConnectedTransportPacketId uint16 = 0xB1
	CpfUnconnectedMessageId       uint16 = 0xB2
)

// CommonPacket is an ordered list of CPF items.
type CommonPacket struct {
	Items []CommonPacketItem
}

type CommonPacketItem struct {
	TypeId uint16
	Data   []byte
}

// UnconnectedPacket wraps an unconnected CIP message with a null address item.
func UnconnectedPacket(msg []byte) CommonPacket {
	return CommonPacket{Items: []CommonPacketItem{
		{TypeId: CpfAddressNullId},
		{TypeId: CpfUnconnectedMessageId, Data: msg},
	}}
}

// UnconnectedData returns the payload of the first unconnected data item.
func (p *CommonPacket) UnconnectedData() ([]byte, error) {
	for _, it := range p.Items {
		if it.TypeId == CpfUnconnectedMessageId {
			return it.Data, nil
		}
	}
	return nil, fmt.Errorf("%w: no unconnected data item in %d CPF items", ErrMalformedFrame, len(p.Items))
}

func (p *CommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, item := range p.Items {
		raw = binary.LittleEndian.AppendUint16(raw, item.TypeId)
		raw = binary.LittleEndian.AppendUint16(raw, uint16(len(item.Data)))
		raw = append(raw, item.Data...)
	}
	return raw
}

// ParseCommonPacket parses a CPF packet. Truncated items are errors.
func ParseCommonPacket(raw []byte) (*CommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: CPF needs at least 2 bytes, got %d", ErrMalformedFrame, len(raw))
	}

	count := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	items := make([]CommonPacketItem, 0, count)
	for i := 0; i < int(count); i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("%w: truncated CPF item header at item %d", ErrMalformedFrame, i)
		}
		typeID := binary.LittleEndian.Uint16(raw[:2])
		length := int(binary.LittleEndian.Uint16(raw[2:4]))
		if len(raw) < 4+length {
			return nil, fmt.Errorf("%w: CPF item %d declares %d bytes, have %d", ErrMalformedFrame, i, length, len(raw)-4)
		}
		items = append(items, CommonPacketItem{TypeId: typeID, Data: raw[4 : 4+length]})
		raw = raw[4+length:]
	}

	return &CommonPacket{Items: items}, nil
}
