package registry

import "time"

// DeviceType classifies a linked device.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

// DeviceStatus is a device's liveness state.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusAway    DeviceStatus = "away"
)

// Trust bounds.
const (
	MinTrust = 0
	MaxTrust = 100

	// DefaultTrust is assigned to a freshly paired device.
	DefaultTrust = 50
)

// Device is one linked device as the hub sees it.
type Device struct {
	ID           string
	Name         string
	Type         DeviceType
	Platform     string
	Capabilities []string
	Trust        int
	Status       DeviceStatus
	LastSeen     time.Time
	Metadata     map[string]any
	PublicKey    string
}

// HasCapability reports whether the device advertises the capability.
func (d *Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// defaultCapabilities derives a capability set from the device type when
// registration did not supply one.
func defaultCapabilities(t DeviceType) []string {
	switch t {
	case DeviceMobile:
		return []string{"notify", "vibrate", "camera", "location"}
	case DeviceTablet:
		return []string{"notify", "display", "camera"}
	case DeviceDesktop:
		return []string{"notify", "display", "execute"}
	default:
		return []string{"notify"}
	}
}
