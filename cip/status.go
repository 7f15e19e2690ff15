package cip

import (
	"errors"
	"fmt"
)

// StatusError is a non-success general status in a CIP response.
type StatusError struct {
	Service byte
	Status  byte
	Ext     []uint16
}

func (e *StatusError) Error() string {
	if code, ok := e.ExtCode(); ok {
		return fmt.Sprintf("CIP error: %s (0x%02X), extended: %s (0x%04X)",
			StatusName(e.Status), e.Status, ExtStatusName(code), code)
	}
	return fmt.Sprintf("CIP error: %s (0x%02X)", StatusName(e.Status), e.Status)
}

// ExtCode returns the first non-zero extended status word.
func (e *StatusError) ExtCode() (uint16, bool) {
	if len(e.Ext) == 0 || e.Ext[0] == 0 {
		return 0, false
	}
	return e.Ext[0], true
}

// HasStatus reports whether err carries a CIP status error with the given
// general status.
func HasStatus(err error, status byte) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// HasExtStatus reports whether err carries a CIP status error with the given
// extended status.
func HasExtStatus(err error, ext uint16) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	code, ok := se.ExtCode()
	return ok && code == ext
}

// StatusName names a general status code.
func StatusName(status byte) string {
	switch status {
	case StatusSuccess:
		return "Success"
	case 0x01:
		return "Connection Failure"
	case 0x02:
		return "Resource Unavailable"
	case 0x03:
		return "Invalid Parameter"
	case StatusPathSegment:
		return "Path Segment Error"
	case StatusPathUnknown:
		return "Path Unknown"
	case StatusPartialTransfer:
		return "Partial Transfer"
	case 0x07:
		return "Connection Lost"
	case StatusNotSupported:
		return "Service Not Supported"
	case 0x09:
		return "Invalid Attribute Value"
	case 0x0D:
		return "Object Already Exists"
	case 0x0E:
		return "Attribute Not Settable"
	case 0x0F:
		return "Privilege Violation"
	case 0x10:
		return "Device State Conflict"
	case 0x11:
		return "Reply Data Too Large"
	case 0x13:
		return "Not Enough Data"
	case 0x14:
		return "Attribute Not Supported"
	case 0x15:
		return "Too Much Data"
	case StatusObjectNotExist:
		return "Object Does Not Exist"
	case 0x1C:
		return "Not Enough Data Received"
	case 0x1E:
		return "Embedded Service Error"
	case 0x20:
		return "Invalid Parameter Type"
	case 0x26:
		return "Invalid Path Size"
	case StatusGeneralError:
		return "General Error"
	default:
		return fmt.Sprintf("Status 0x%02X", status)
	}
}

// ExtStatusName names an extended status word. Codes 0x21xx are Logix
// tag-service codes, the rest come from the Connection Manager.
func ExtStatusName(ext uint16) string {
	switch ext {
	case 0x2101:
		return "Keyswitch Prevents Service"
	case 0x2104:
		return "Offset Beyond End of Tag"
	case 0x2105:
		return "Element Count Beyond End of Tag"
	case 0x2107:
		return "Data Type Does Not Match Tag"
	case 0x0100:
		return "Connection In Use"
	case 0x0106:
		return "Ownership Conflict"
	case 0x0107:
		return "Connection Not Found"
	case 0x0110:
		return "Module Not Found"
	case 0x0111:
		return "Connection Request Refused"
	case 0x0204:
		return "Unconnected Send Timed Out"
	case 0x0205:
		return "Parameter Error"
	case 0x0311:
		return "Invalid Port"
	case 0x0312:
		return "Invalid Link Address"
	case 0xFF00:
		return "Extended Link Error"
	default:
		return fmt.Sprintf("Extended Status 0x%04X", ext)
	}
}
