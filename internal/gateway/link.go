// Package gateway owns the serial link to the mesh bridge: port discovery,
// byte-stream framing, the read loop, and the open/close/retry lifecycle.
// Decoded commands are handed to a registered handler; everything above this
// package works in terms of atcmd.Command, never raw bytes.
package gateway

import "meshgate/internal/atcmd"

// Link is the transport abstraction consumed by the coordinator.
type Link interface {
	// Start locates (if unpinned) and opens the port, then runs the read
	// loop. Returns an error and stays closed when no link can be
	// established; the caller decides whether to retry.
	Start() error

	// Stop cancels the read loop and closes the handle before returning.
	// Idempotent.
	Stop()

	// Send writes one encoded line. Fails when the link is not open.
	Send(line string) error

	// Connected reports whether the link is open.
	Connected() bool

	// Port returns the device path currently in use, or "" when closed.
	Port() string

	// OnCommand registers the handler invoked for every decoded inbound
	// command. Called from the read loop goroutine.
	OnCommand(handler func(atcmd.Command))

	// OnConnectionChange registers a handler for open/lost transitions.
	OnConnectionChange(handler func(connected bool))
}

// State is the link lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}
