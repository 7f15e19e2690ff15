package plcman

import (
	"errors"

	"taglink/eip"
	"taglink/logix"
)

var (
	// ErrTagExists is returned by AddTag when the controller already has a
	// tag with the same program scope and path.
	ErrTagExists = errors.New("tag already registered")

	// ErrControllerClosed is returned by operations on a removed controller.
	ErrControllerClosed = errors.New("controller closed")
)

// sessionFailure reports errors that belong to the session rather than to a
// tag: they count toward the failure threshold and end the cycle.
func sessionFailure(err error) bool {
	return eip.IsTransport(err) || errors.Is(err, eip.ErrTimeout) || errors.Is(err, eip.ErrNotConnected)
}

// terminal reports resolve errors that retrying cannot fix.
func terminal(err error) bool {
	return errors.Is(err, logix.ErrAddress) || errors.Is(err, logix.ErrTypeMismatch) ||
		errors.Is(err, logix.ErrUnsupportedType)
}
