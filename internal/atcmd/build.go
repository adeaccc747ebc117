package atcmd

import "fmt"

// BuildPair encodes the pairing-window command.
func BuildPair() string {
	return Prefix + "+pair" + LineEnding
}

// BuildAdd encodes a device-add command for the given class and address.
func BuildAdd(class Class, addr uint32) string {
	return fmt.Sprintf("%s+add %s 2 %d %d%s", Prefix, class, TypeCode(class), addr, LineEnding)
}

// BuildDelete encodes a device-delete command for the given class.
func BuildDelete(class Class) string {
	return fmt.Sprintf("%s+del %s 1 %d%s", Prefix, class, TypeCode(class), LineEnding)
}

// BuildState encodes a state command in the versioned grammar. With
// brightness == nil the 3-field form is used; otherwise the 4-field form
// carries the brightness value clamped to [0,255].
func BuildState(class Class, addr uint32, on bool, brightness *int) string {
	state := 0
	if on {
		state = 1
	}
	if brightness == nil {
		return fmt.Sprintf("%s+state %s 3 %d %d%s", Prefix, class, addr, state, LineEnding)
	}
	return fmt.Sprintf("%s+state %s 4 %d %d %d%s",
		Prefix, class, addr, state, ClampBrightness(*brightness), LineEnding)
}
