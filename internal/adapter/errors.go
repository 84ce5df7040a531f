package adapter

import "errors"

// Error taxonomy for identification probes. The orchestrator's transition
// rules only distinguish these three classes, so every adapter folds its
// protocol-specific failures into one of them.
var (
	// ErrConnection: the channel could not be opened, or the device never
	// answered. Includes per-probe timeouts.
	ErrConnection = errors.New("adapter: connection failed")

	// ErrProtocol: something answered, but not in this family's protocol.
	// Usually a different device family sitting on the probed channel.
	ErrProtocol = errors.New("adapter: protocol mismatch")

	// ErrIdentification: the device speaks the protocol but would not
	// yield a usable serial number.
	ErrIdentification = errors.New("adapter: identification failed")

	// ErrUnknownFamily: no adapter is registered for the requested family.
	ErrUnknownFamily = errors.New("adapter: unknown device family")
)
