package logix

import (
	"errors"
	"fmt"

	"taglink/cip"
)

var (
	// ErrTypeMismatch reports a value or reply whose shape does not fit the
	// resolved type, or array hints that contradict controller metadata.
	ErrTypeMismatch = errors.New("logix: type mismatch")
	// ErrUnsupportedType reports a type code with no decoder.
	ErrUnsupportedType = errors.New("logix: unsupported type")
	// ErrAddress reports a tag path that does not parse.
	ErrAddress = errors.New("logix: invalid address")
	// ErrTagNotFound reports a tag or member the controller does not have.
	ErrTagNotFound = errors.New("logix: tag not found")
)

// AddressError locates a syntax error in a tag path.
type AddressError struct {
	Path string
	Pos  int
	Msg  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("logix: invalid address %q at %d: %s", e.Path, e.Pos, e.Msg)
}

func (e *AddressError) Unwrap() error { return ErrAddress }

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeMismatch, fmt.Sprintf(format, args...))
}

func unsupported(code uint16) error {
	return fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, code)
}

// tagError classifies a CIP status from a tag service.
func tagError(err error) error {
	switch {
	case err == nil:
		return nil
	case cip.HasStatus(err, cip.StatusPathUnknown), cip.HasStatus(err, cip.StatusPathSegment):
		return fmt.Errorf("%w: %w", ErrTagNotFound, err)
	case cip.HasExtStatus(err, ExtStatusOffsetBeyondEnd), cip.HasExtStatus(err, ExtStatusCountBeyondEnd),
		cip.HasExtStatus(err, ExtStatusTypeMismatch):
		return fmt.Errorf("%w: %w", ErrTypeMismatch, err)
	default:
		return err
	}
}
