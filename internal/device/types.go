package device

import "time"

// Record is the unit of persisted knowledge about one physical energy device.
// It matches the devices table in migrations/20260312_100000_initial_schema.up.sql.
type Record struct {
	// Identity
	DeviceID     string `json:"device_id"`
	Family       Family `json:"family"`
	SerialNumber string `json:"serial_number"`

	// Channel tracking
	CurrentChannel   string               `json:"current_channel"`
	LastKnownChannel string               `json:"last_known_channel"`
	ChannelHistory   []ChannelObservation `json:"channel_history"`

	// AdapterConfig holds opaque, family-specific connection parameters
	// (baud rate, parity, network address) captured at identification time.
	AdapterConfig AdapterConfig `json:"adapter_config"`

	// Recovery state
	Status        Status     `json:"status"`
	FailureCount  int        `json:"failure_count"`
	NextRetryTime *time.Time `json:"next_retry_time,omitempty"`

	// Timestamps
	FirstDiscovered time.Time  `json:"first_discovered"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`

	// Version is incremented on every persisted write. Writers must present
	// the version they read; a mismatch surfaces as ErrConflict.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelObservation is one append-only audit trail entry recording that a
// device was identified on a channel at a point in time.
type ChannelObservation struct {
	Channel    string    `json:"channel"`
	ObservedAt time.Time `json:"observed_at"`
}

// AdapterConfig holds family-specific connection parameters as a JSON map.
//
// Examples:
//   - Serial meter: {"baud_rate": 9600, "data_bits": 7, "parity": "even"}
//   - Network battery: {"address": "192.168.1.40:502", "unit_id": 1}
type AdapterConfig map[string]any

// DeepCopy creates a complete independent copy of the Record.
// Map and slice fields are cloned so modifications to the copy do not
// affect the original. This is essential for cache isolation.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}

	cpy := *r // Shallow copy of value fields

	if r.ChannelHistory != nil {
		cpy.ChannelHistory = make([]ChannelObservation, len(r.ChannelHistory))
		copy(cpy.ChannelHistory, r.ChannelHistory)
	}

	cpy.AdapterConfig = deepCopyMap(r.AdapterConfig)

	// Pointer fields to immutable values (time.Time) are duplicated so the
	// copy cannot observe later reassignment on the original.
	if r.NextRetryTime != nil {
		t := *r.NextRetryTime
		cpy.NextRetryTime = &t
	}
	if r.LastSeen != nil {
		t := *r.LastSeen
		cpy.LastSeen = &t
	}

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// Status represents the lifecycle state of a device record.
type Status string

// Status constants.
const (
	// StatusActive means the device answered on CurrentChannel during the most
	// recent pass that touched it. Active implies a non-empty channel and a
	// zero failure count.
	StatusActive Status = "active"

	// StatusMissing means the device failed identification on its last known
	// channel and is awaiting recovery probes.
	StatusMissing Status = "missing"

	// StatusDiscovering is the transient state while a pass is actively probing
	// for the device. It never persists across a completed pass.
	StatusDiscovering Status = "discovering"

	// StatusDisabled is terminal for the automated engine: the device exceeded
	// the failure threshold. Only an explicit operator action revives it.
	StatusDisabled Status = "disabled"
)

// AllStatuses returns all valid status values.
func AllStatuses() []Status {
	return []Status{StatusActive, StatusMissing, StatusDiscovering, StatusDisabled}
}

// Family identifies which identification adapter owns a device.
type Family string

// Family constants. This is a closed set: adapters are enumerable at build
// time and dispatched through the configured priority order, not reflection.
const (
	FamilyMeter      Family = "meter"
	FamilyBattery    Family = "battery"
	FamilyInverterG3 Family = "inverter_g3"
	FamilyInverterX1 Family = "inverter_x1"
)

// AllFamilies returns all valid device family values.
func AllFamilies() []Family {
	return []Family{FamilyMeter, FamilyBattery, FamilyInverterG3, FamilyInverterX1}
}
