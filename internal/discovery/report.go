package discovery

import (
	"time"

	"github.com/nerrad567/voltlink-core/internal/device"
)

// Transition records one device lifecycle change made during a pass, with a
// human-readable reason for operators reading the report.
type Transition struct {
	DeviceID string        `json:"device_id"`
	From     device.Status `json:"from"`
	To       device.Status `json:"to"`
	Channel  string        `json:"channel,omitempty"`
	Reason   string        `json:"reason"`
}

// PhaseCounts summarises what each phase of a pass did.
type PhaseCounts struct {
	// Verified: active devices confirmed on their current channel (phase 1).
	Verified int `json:"verified"`

	// Missed: failed contact attempts — active devices that failed
	// verification (phase 1) and searched devices found nowhere (phase 2).
	Missed int `json:"missed"`

	// Recovered: missing devices found again on some channel (phase 2 or 3).
	Recovered int `json:"recovered"`

	// Discovered: brand-new devices registered (phase 3).
	Discovered int `json:"discovered"`

	// Disabled: devices that crossed the failure threshold this pass.
	Disabled int `json:"disabled"`
}

// Report is the outcome of one discovery pass.
type Report struct {
	// PassID uniquely identifies the pass in logs and event streams.
	PassID string `json:"pass_id"`

	// Scope lists the device IDs a targeted pass was restricted to.
	// Empty for a full pass.
	Scope []string `json:"scope,omitempty"`

	// Skipped is true when the pass was a no-op because another pass was
	// already running.
	Skipped bool `json:"skipped"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// ChannelsProbed counts distinct channels touched during the pass.
	ChannelsProbed int `json:"channels_probed"`

	Counts      PhaseCounts  `json:"counts"`
	Transitions []Transition `json:"transitions,omitempty"`

	// Notes collects non-fatal degradations: enumeration failures,
	// duplicate-serial conflicts, probe errors worth an operator's eye.
	Notes []string `json:"notes,omitempty"`

	// Error is set only when the pass could not run at all, which happens
	// solely when the registry is unreachable.
	Error string `json:"error,omitempty"`
}
