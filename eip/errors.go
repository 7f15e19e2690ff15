package eip

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame reports bytes that do not decode as a valid frame or packet.
	ErrMalformedFrame = errors.New("eip: malformed frame")
	// ErrTimeout reports a request that got no matching response before its deadline.
	ErrTimeout = errors.New("eip: request timed out")
	// ErrNotConnected is returned by requests issued outside the Connected state.
	ErrNotConnected = errors.New("eip: session not connected")
	// ErrConnectAborted is returned by a Connect that a Disconnect overtook.
	ErrConnectAborted = errors.New("eip: connect aborted by disconnect")
)

// TransportError wraps a socket-level failure. Timeouts are transport errors
// whose cause matches ErrTimeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("eip: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StatusError is a non-zero encapsulation status in a reply.
type StatusError struct {
	Command uint16
	Status  uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("eip: command 0x%02X returned encapsulation status 0x%08X (%s)", e.Command, e.Status, encapStatusName(e.Status))
}

func encapStatusName(status uint32) string {
	switch status {
	case 0x0001:
		return "invalid command"
	case 0x0002:
		return "insufficient memory"
	case 0x0003:
		return "incorrect data"
	case 0x0064:
		return "invalid session handle"
	case 0x0065:
		return "invalid length"
	case 0x0069:
		return "unsupported protocol revision"
	default:
		return "unknown"
	}
}
