package store

import (
	"fmt"
	"time"
)

// Device classes as carried on the mesh wire.
const (
	ClassBulb   = "bulb"
	ClassSwitch = "switch"
)

// Functional categories exposed to the platform.
const (
	CategoryLight  = "light"
	CategorySwitch = "switch"
	CategoryDoor   = "door"
	CategoryToggle = "toggle"
)

// Connectivity statuses.
const (
	StatusConnected = "connected"
	StatusOffline   = "offline"
)

// Property bag keys.
const (
	PropSwitchState        = "switch_state"
	PropLightState         = "light_state"
	PropBrightness         = "brightness"
	PropSupportsBrightness = "supports_brightness"
	PropSubtypeCode        = "subtype_code"
)

// Switch activation codes stored under PropSubtypeCode. Momentary presses
// and sustained activation arrive as distinct codes and stay distinct here.
const (
	SubtypeInactive  = 0
	SubtypeMomentary = 1
	SubtypeSustained = 3
)

// Device is one registry record. Key is derived from class and mesh address
// once, at creation, and never recomputed.
type Device struct {
	Key        string         `json:"key"`
	Addr       uint32         `json:"addr"`
	Class      string         `json:"class"`
	Category   string         `json:"category"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastSeen   time.Time      `json:"last_seen"`
}

// DeviceKey renders the stable composite key for a class + mesh address.
func DeviceKey(class string, addr uint32) string {
	return fmt.Sprintf("mesh_%s_%d", class, addr)
}

// BoolProp reads a boolean from the property bag.
func (d *Device) BoolProp(name string) bool {
	v, ok := d.Properties[name]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IntProp reads an integer from the property bag. JSON decoding turns
// numbers into float64, so both forms are accepted.
func (d *Device) IntProp(name string) (int, bool) {
	v, ok := d.Properties[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// SetProp writes a property, allocating the bag on first use.
func (d *Device) SetProp(name string, value any) {
	if d.Properties == nil {
		d.Properties = make(map[string]any)
	}
	d.Properties[name] = value
}

// GatewayState records the last successful serial link parameters, so
// operators can see (and restarts can log) where the bridge was found.
type GatewayState struct {
	Port          string    `json:"port"`
	BaudRate      int       `json:"baud_rate"`
	LastConnected time.Time `json:"last_connected"`
}
