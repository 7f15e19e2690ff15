// Package cip encodes Message Router requests and responses, EPATHs,
// Multiple Service Packets and Unconnected Send envelopes.
package cip

import (
	"encoding/binary"
	"fmt"

	"taglink/eip"
)

// Common services.
const (
	SvcGetAttributeList      byte = 0x03
	SvcMultipleServicePacket byte = 0x0A
	SvcGetAttributeSingle    byte = 0x0E
	SvcUnconnectedSend       byte = 0x52

	// ReplyFlag is set on the service byte of every response.
	ReplyFlag byte = 0x80
)

// General status codes.
const (
	StatusSuccess         byte = 0x00
	StatusPathSegment     byte = 0x04
	StatusPathUnknown     byte = 0x05
	StatusPartialTransfer byte = 0x06
	StatusNotSupported    byte = 0x08
	StatusObjectNotExist  byte = 0x16
	StatusGeneralError    byte = 0xFF
)

// Request is a Message Router request.
type Request struct {
	Service byte
	Path    EPath_t
	Data    []byte
}

// Marshal encodes the request as service, path size in words, path, data.
func (r Request) Marshal() []byte {
	out := make([]byte, 0, 2+len(r.Path)+len(r.Data))
	out = append(out, r.Service, r.Path.WordLen())
	out = append(out, r.Path...)
	return append(out, r.Data...)
}

// Response is a Message Router response.
type Response struct {
	ReplyService     byte
	GeneralStatus    byte
	AdditionalStatus []uint16
	Data             []byte
}

// Service returns the request service this response answers.
func (r *Response) Service() byte { return r.ReplyService &^ ReplyFlag }

// Partial reports a partial-transfer status: data is valid and more follows.
func (r *Response) Partial() bool { return r.GeneralStatus == StatusPartialTransfer }

// Err returns nil for success or partial transfer, a *StatusError otherwise.
func (r *Response) Err() error {
	if r.GeneralStatus == StatusSuccess || r.GeneralStatus == StatusPartialTransfer {
		return nil
	}
	return &StatusError{Service: r.Service(), Status: r.GeneralStatus, Ext: r.AdditionalStatus}
}

// ParseResponse decodes a Message Router response.
// Layout: reply service, reserved, general status, additional status size in
// words, additional status, data.
func ParseResponse(b []byte) (*Response, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: CIP response of %d bytes", eip.ErrMalformedFrame, len(b))
	}
	if b[0]&ReplyFlag == 0 {
		return nil, fmt.Errorf("%w: service 0x%02X is not a reply", eip.ErrMalformedFrame, b[0])
	}
	resp := &Response{ReplyService: b[0], GeneralStatus: b[2]}

	words := int(b[3])
	start := 4 + words*2
	if start > len(b) {
		return nil, fmt.Errorf("%w: %d additional status words truncated", eip.ErrMalformedFrame, words)
	}
	for i := 0; i < words; i++ {
		resp.AdditionalStatus = append(resp.AdditionalStatus, binary.LittleEndian.Uint16(b[4+i*2:]))
	}
	resp.Data = b[start:]
	return resp, nil
}

// ParseReply decodes b and checks that it answers service.
func ParseReply(b []byte, service byte) (*Response, error) {
	resp, err := ParseResponse(b)
	if err != nil {
		return nil, err
	}
	if resp.Service() != service {
		return nil, fmt.Errorf("%w: reply to service 0x%02X, want 0x%02X", eip.ErrMalformedFrame, resp.Service(), service)
	}
	return resp, nil
}
