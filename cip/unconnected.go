package cip

import (
	"encoding/binary"
	"fmt"
)

// ConnectionManagerPath is class 0x06 instance 1.
var ConnectionManagerPath = EPath().Class(0x06).Instance(1).MustBuild()

// Unconnected Send timing: 2^10 ms ticks, 5 ticks.
const (
	unconnectedPriorityTick byte = 0x0A
	unconnectedTimeoutTicks byte = 0x05
)

// BackplaneRoute is the route path to a CPU in a chassis slot.
func BackplaneRoute(slot byte) []byte {
	return []byte{0x01, slot}
}

// WrapUnconnectedSend embeds a marshalled request in an Unconnected Send to
// the Connection Manager so it is routed along route.
func WrapUnconnectedSend(req []byte, route []byte) []byte {
	body := make([]byte, 0, 6+len(req)+len(route))
	body = append(body, unconnectedPriorityTick, unconnectedTimeoutTicks)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(req)))
	body = append(body, req...)
	if len(req)%2 != 0 {
		body = append(body, 0x00)
	}
	body = append(body, byte(len(route)/2), 0x00)
	body = append(body, route...)

	return Request{Service: SvcUnconnectedSend, Path: ConnectionManagerPath, Data: body}.Marshal()
}

// UnwrapUnconnectedSend checks the reply to a routed request.
//
// On success the target answers with the embedded reply itself, so the reply
// is returned unchanged. A 0xD2 reply with an error status is either a routing
// failure or an error from an embedded fragmented read (same service code);
// both come back as *StatusError.
func UnwrapUnconnectedSend(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("unconnected send reply of %d bytes", len(b))
	}
	if b[0] != SvcUnconnectedSend|ReplyFlag {
		return b, nil
	}
	resp, err := ParseResponse(b)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return b, nil
}
