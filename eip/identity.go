package eip

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Identity is the ListIdentity record a target reports about itself.
type Identity struct {
	EncapsulationVersion uint16
	VendorID             uint16
	DeviceType           uint16
	ProductCode          uint16
	RevisionMajor        byte
	RevisionMinor        byte
	Status               uint16
	SerialNumber         uint32
	ProductName          string
	State                byte

	IP   net.IP
	Port uint16
}

// Bytes encodes the identity as a CPF identity item body.
func (id *Identity) Bytes() []byte {
	b := binary.LittleEndian.AppendUint16(nil, id.EncapsulationVersion)
	// socket address: family and port are big-endian
	b = binary.BigEndian.AppendUint16(b, 2)
	b = binary.BigEndian.AppendUint16(b, id.Port)
	ip := id.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	b = append(b, ip...)
	b = append(b, make([]byte, 8)...)
	b = binary.LittleEndian.AppendUint16(b, id.VendorID)
	b = binary.LittleEndian.AppendUint16(b, id.DeviceType)
	b = binary.LittleEndian.AppendUint16(b, id.ProductCode)
	b = append(b, id.RevisionMajor, id.RevisionMinor)
	b = binary.LittleEndian.AppendUint16(b, id.Status)
	b = binary.LittleEndian.AppendUint32(b, id.SerialNumber)
	b = append(b, byte(len(id.ProductName)))
	b = append(b, id.ProductName...)
	return append(b, id.State)
}

// parseListIdentity returns the first identity item in a ListIdentity reply.
func parseListIdentity(payload []byte) (*Identity, error) {
	cpf, err := ParseCommonPacket(payload)
	if err != nil {
		return nil, err
	}
	for _, item := range cpf.Items {
		if item.TypeId == CpfTypeListIdentityResponseId {
			return parseIdentityItem(item.Data)
		}
	}
	return nil, fmt.Errorf("%w: ListIdentity reply has no identity item", ErrMalformedFrame)
}

func parseIdentityItem(b []byte) (*Identity, error) {
	// fixed part up to and including the product name length byte
	if len(b) < 33 {
		return nil, fmt.Errorf("%w: identity item too short: %d", ErrMalformedFrame, len(b))
	}

	id := &Identity{
		EncapsulationVersion: binary.LittleEndian.Uint16(b[0:2]),
		Port:                 binary.BigEndian.Uint16(b[4:6]),
		IP:                   net.IPv4(b[6], b[7], b[8], b[9]),
		VendorID:             binary.LittleEndian.Uint16(b[18:20]),
		DeviceType:           binary.LittleEndian.Uint16(b[20:22]),
		ProductCode:          binary.LittleEndian.Uint16(b[22:24]),
		RevisionMajor:        b[24],
		RevisionMinor:        b[25],
		Status:               binary.LittleEndian.Uint16(b[26:28]),
		SerialNumber:         binary.LittleEndian.Uint32(b[28:32]),
	}

	nameLen := int(b[32])
	off := 33
	if off+nameLen >= len(b) {
		return nil, fmt.Errorf("%w: product name of %d bytes truncated", ErrMalformedFrame, nameLen)
	}
	id.ProductName = string(b[off : off+nameLen])
	id.State = b[off+nameLen]
	return id, nil
}
