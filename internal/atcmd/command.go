// Package atcmd implements the gateway's line-oriented AT command grammar: the
// $AT-prefixed, CRLF-terminated text protocol spoken by the mesh bridge over
// the serial link. Two grammar generations co-exist on the wire; Parse tries
// the versioned state grammar first and falls back to the legacy positional
// grammar. All functions are pure; framing and I/O live in internal/gateway.
package atcmd

// Prefix starts every protocol line. Lines without it are unrelated link
// noise and are ignored.
const Prefix = "$AT"

// LineEnding terminates every built line.
const LineEnding = "\r\n"

// Kind identifies the command verb.
type Kind string

const (
	KindPair        Kind = "pair"
	KindAdd         Kind = "add"
	KindDelete      Kind = "del"
	KindStateUpdate Kind = "state"
)

// Class is the mesh device class carried on the wire.
type Class string

const (
	ClassBulb   Class = "bulb"
	ClassSwitch Class = "switch"
)

// Generation records which grammar produced a parsed command. The two
// generations assign different meaning to the same subtype code, so consumers
// must not discard it.
type Generation string

const (
	GenLegacy    Generation = "legacy"
	GenVersioned Generation = "versioned"
)

// Command is one decoded (or to-be-encoded) protocol line. Absent optional
// fields are reported through the Has* flags and are never defaulted.
type Command struct {
	Kind    Kind
	Class   Class
	Len     int // wire length field, verbatim
	Subtype int // type code (legacy) or state subtype (versioned)

	Addr    uint32
	HasAddr bool

	Brightness    int
	HasBrightness bool

	// SupportsBrightness is set when the line shape indicates the device
	// reports brightness: len==4 in the versioned grammar, a trailing
	// brightness field in the legacy one.
	SupportsBrightness bool

	Gen Generation
}

// TypeCode returns the wire type code for a device class (bulb=2, switch=3).
func TypeCode(class Class) int {
	if class == ClassSwitch {
		return 3
	}
	return 2
}

// ParseClass maps a wire class token to a Class. The shorthand "sw" is
// normalized to switch.
func ParseClass(tok string) (Class, bool) {
	switch tok {
	case "bulb":
		return ClassBulb, true
	case "switch", "sw":
		return ClassSwitch, true
	default:
		return "", false
	}
}

// ClampBrightness bounds a brightness value to [0,255].
func ClampBrightness(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// MaskAddr truncates an address to the unsigned 32-bit mesh address space.
func MaskAddr(v uint64) uint32 {
	return uint32(v & 0xFFFFFFFF)
}
