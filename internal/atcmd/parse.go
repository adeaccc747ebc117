package atcmd

import (
	"strconv"
	"strings"
)

// Parse decodes one protocol line. ok is false when the line does not carry
// the protocol prefix or matches neither grammar; such lines are expected on
// the link and the caller discards them without treating it as an error.
//
// The versioned state grammar is tried first and is accepted only for the
// state verb; every other verb, and state lines that do not fit the versioned
// shape, go through the legacy grammar. Addresses are masked to 32 bits.
func Parse(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, Prefix) {
		return Command{}, false
	}
	body := line[len(Prefix):]
	if !strings.HasPrefix(body, "+") {
		return Command{}, false
	}

	fields := strings.Fields(body[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	verb := strings.ToLower(fields[0])

	if verb == string(KindStateUpdate) {
		if cmd, ok := parseVersionedState(fields); ok {
			return cmd, true
		}
	}
	return parseLegacy(verb, fields)
}

// parseVersionedState matches `state <class> <len> <addr> <subtype>
// [<brightness>]`. len==4 marks the device as brightness-capable; the
// trailing field is only taken as brightness in that case.
func parseVersionedState(fields []string) (Command, bool) {
	if len(fields) < 5 || len(fields) > 6 {
		return Command{}, false
	}
	class, ok := ParseClass(strings.ToLower(fields[1]))
	if !ok {
		return Command{}, false
	}
	cmdLen, ok := parseInt(fields[2])
	if !ok {
		return Command{}, false
	}
	addr, ok := parseAddr(fields[3])
	if !ok {
		return Command{}, false
	}
	subtype, ok := parseInt(fields[4])
	if !ok {
		return Command{}, false
	}

	cmd := Command{
		Kind:               KindStateUpdate,
		Class:              class,
		Len:                cmdLen,
		Addr:               addr,
		HasAddr:            true,
		Subtype:            subtype,
		SupportsBrightness: cmdLen == 4,
		Gen:                GenVersioned,
	}
	if len(fields) == 6 {
		extra, ok := parseInt(fields[5])
		if !ok {
			return Command{}, false
		}
		if cmd.SupportsBrightness {
			cmd.Brightness = ClampBrightness(extra)
			cmd.HasBrightness = true
		}
	}
	return cmd, true
}

// parseLegacy matches `<verb> <class> <len> <type_code> [<addr>]
// [<brightness>]`. Fields past the type code stay absent when not present on
// the wire. A bare pair verb is accepted with no arguments.
func parseLegacy(verb string, fields []string) (Command, bool) {
	kind, ok := parseKind(verb)
	if !ok {
		return Command{}, false
	}
	if kind == KindPair {
		if len(fields) != 1 {
			return Command{}, false
		}
		return Command{Kind: KindPair, Gen: GenLegacy}, true
	}

	if len(fields) < 4 || len(fields) > 6 {
		return Command{}, false
	}
	class, ok := ParseClass(strings.ToLower(fields[1]))
	if !ok {
		return Command{}, false
	}
	cmdLen, ok := parseInt(fields[2])
	if !ok {
		return Command{}, false
	}
	subtype, ok := parseInt(fields[3])
	if !ok {
		return Command{}, false
	}

	cmd := Command{
		Kind:    kind,
		Class:   class,
		Len:     cmdLen,
		Subtype: subtype,
		Gen:     GenLegacy,
	}
	if len(fields) >= 5 {
		addr, ok := parseAddr(fields[4])
		if !ok {
			return Command{}, false
		}
		cmd.Addr = addr
		cmd.HasAddr = true
	}
	if len(fields) == 6 {
		b, ok := parseInt(fields[5])
		if !ok {
			return Command{}, false
		}
		cmd.Brightness = ClampBrightness(b)
		cmd.HasBrightness = true
		cmd.SupportsBrightness = true
	}
	return cmd, true
}

func parseKind(verb string) (Kind, bool) {
	switch verb {
	case "pair":
		return KindPair, true
	case "add":
		return KindAdd, true
	case "del", "delete":
		return KindDelete, true
	case "state":
		return KindStateUpdate, true
	default:
		return "", false
	}
}

func parseInt(tok string) (int, bool) {
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseAddr(tok string) (uint32, bool) {
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, false
	}
	return MaskAddr(v), true
}
