package cip

import (
	"encoding/binary"
	"fmt"

	"taglink/eip"
)

// MaxMultipleServices caps the embedded requests in one packet.
const MaxMultipleServices = 200

// MessageRouterPath is class 0x02 instance 1, the target of Multiple Service Packets.
var MessageRouterPath = EPath().Class(0x02).Instance(1).MustBuild()

// BuildMultipleServiceRequest packs requests into one Multiple Service Packet
// addressed to the Message Router. The body is a service count, one offset per
// service measured from the count, then the services back to back.
func BuildMultipleServiceRequest(requests []Request) ([]byte, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("multiple service packet: no requests")
	}
	if len(requests) > MaxMultipleServices {
		return nil, fmt.Errorf("multiple service packet: %d requests, max %d", len(requests), MaxMultipleServices)
	}

	body := binary.LittleEndian.AppendUint16(nil, uint16(len(requests)))
	offset := 2 + 2*len(requests)
	encoded := make([][]byte, len(requests))
	for i, r := range requests {
		encoded[i] = r.Marshal()
		if offset > 0xFFFF {
			return nil, fmt.Errorf("multiple service packet: offset %d overflows", offset)
		}
		body = binary.LittleEndian.AppendUint16(body, uint16(offset))
		offset += len(encoded[i])
	}
	for _, e := range encoded {
		body = append(body, e...)
	}

	return Request{Service: SvcMultipleServicePacket, Path: MessageRouterPath, Data: body}.Marshal(), nil
}

// MultipleServiceSize is the encoded size of a packet carrying services whose
// marshalled sizes sum to payload.
func MultipleServiceSize(count, payload int) int {
	return 2 + len(MessageRouterPath) + 2 + 2*count + payload
}

// ParseMultipleServiceResponse decodes the body of a Multiple Service Packet
// reply into one Response per embedded service. The outer status may be a
// general error (0x1E) when any embedded service failed; the per-service
// statuses are still returned.
func ParseMultipleServiceResponse(b []byte) ([]*Response, error) {
	outer, err := ParseReply(b, SvcMultipleServicePacket)
	if err != nil {
		return nil, err
	}
	if outer.GeneralStatus != StatusSuccess && outer.GeneralStatus != 0x1E {
		return nil, outer.Err()
	}

	data := outer.Data
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: multiple service reply has no count", eip.ErrMalformedFrame)
	}
	count := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+2*count {
		return nil, fmt.Errorf("%w: multiple service reply offsets truncated", eip.ErrMalformedFrame)
	}

	offsets := make([]int, count+1)
	for i := 0; i < count; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+2*i:]))
	}
	offsets[count] = len(data)

	out := make([]*Response, count)
	for i := 0; i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if start < 2+2*count || start > end || end > len(data) {
			return nil, fmt.Errorf("%w: multiple service reply %d spans [%d:%d] of %d bytes",
				eip.ErrMalformedFrame, i, start, end, len(data))
		}
		resp, err := ParseResponse(data[start:end])
		if err != nil {
			return nil, fmt.Errorf("multiple service reply %d: %w", i, err)
		}
		out[i] = resp
	}
	return out, nil
}
