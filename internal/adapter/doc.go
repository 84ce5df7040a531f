// Package adapter implements per-family identification protocols for the
// discovery engine.
//
// An Adapter knows how to open one device family's protocol on a channel and
// interrogate whatever answers: a connectivity check, then a serial number
// read. The orchestrator never speaks a device protocol itself; it resolves
// the adapter for a family from the Registry and runs Identify under the
// configured per-probe timeout.
//
// # Families
//
//   - meter: IEC 62056-21 style ASCII sign-on
//   - battery: binary register reads (heartbeat + serial registers)
//   - inverter_g3, inverter_x1: shared framed protocol, per-generation commands
//
// # Error taxonomy
//
// Every probe failure is one of three sentinels: ErrConnection (nothing
// answered, or the probe timed out), ErrProtocol (something answered in the
// wrong protocol — typically a different family on that channel), or
// ErrIdentification (right protocol, no usable serial). The orchestrator's
// lifecycle transitions depend only on this classification.
package adapter
