// Package discovery implements the discovery and recovery engine for
// Voltlink Core.
//
// A discovery pass runs four strictly sequential phases:
//
//  1. Verify: every active device is probed on its current channel, and
//     nowhere else. A device that fails verification becomes missing and
//     backs off exponentially.
//  2. Search: missing devices whose retry time has elapsed are looked for
//     on every channel phase 1 did not settle, probing only their own
//     families.
//  3. Discover: channels still unclaimed are probed in the configured
//     family priority order; the first family to identify a device wins
//     the channel, and unknown serials become new registry records.
//  4. Finalize: devices that crossed the failure threshold are permanently
//     disabled, and the pass report is published.
//
// Probes run on a bounded worker pool; one channel is never probed by two
// workers at once. A pass holds an exclusive scan lock, so an overlapping
// trigger is a reported no-op rather than a queued pass.
//
// Permanently disabled devices are terminal for the engine: phase 3 will
// notice one answering and say so in the pass notes, but only the operator
// reactivation endpoint returns it to the rotation.
package discovery
