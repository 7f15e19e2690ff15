package logix

import (
	"fmt"
	"net"

	"taglink/eip"
)

// DeviceInfo describes the device behind a session, as reported by ListIdentity.
type DeviceInfo struct {
	IP          net.IP
	Port        uint16
	VendorID    uint16
	DeviceType  uint16
	ProductCode uint16
	Revision    string // major.minor
	Serial      uint32
	ProductName string
	Status      uint16
}

// NewDeviceInfo converts an identity record. host fills in the address when
// the record carries none, which is usual for replies over TCP.
func NewDeviceInfo(id *eip.Identity, host string) *DeviceInfo {
	d := &DeviceInfo{
		IP:          id.IP,
		Port:        id.Port,
		VendorID:    id.VendorID,
		DeviceType:  id.DeviceType,
		ProductCode: id.ProductCode,
		Revision:    fmt.Sprintf("%d.%d", id.RevisionMajor, id.RevisionMinor),
		Serial:      id.SerialNumber,
		ProductName: id.ProductName,
		Status:      id.Status,
	}
	if d.IP == nil || d.IP.Equal(net.IPv4zero) {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		d.IP = net.ParseIP(host)
	}
	return d
}

// VendorName returns the vendor for common IDs.
func (d *DeviceInfo) VendorName() string {
	switch d.VendorID {
	case 1:
		return "Rockwell Automation"
	case 2:
		return "Schneider Electric"
	case 5:
		return "Omron"
	case 283:
		return "Prosoft"
	default:
		return fmt.Sprintf("Vendor %d", d.VendorID)
	}
}

// DeviceTypeName names the CIP device profile.
func (d *DeviceInfo) DeviceTypeName() string {
	switch d.DeviceType {
	case 0x00:
		return "Generic Device"
	case 0x0C:
		return "Communications Adapter"
	case 0x0E:
		return "Programmable Logic Controller"
	case 0x2B:
		return "Generic Device (keyable)"
	default:
		return fmt.Sprintf("Device Type 0x%02X", d.DeviceType)
	}
}

// IsController reports whether the device is a PLC.
func (d *DeviceInfo) IsController() bool { return d.DeviceType == 0x0E }

func (d *DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s) at %s - %s v%s [SN: %d]",
		d.ProductName, d.DeviceTypeName(), d.IP, d.VendorName(), d.Revision, d.Serial)
}
