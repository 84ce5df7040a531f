package device

import (
	"fmt"
	"strings"
	"unicode"
)

// Validation constants.
const (
	maxSerialLength = 64
	maxChannelLen   = 256

	// deviceIDSuffixLen is how many trailing serial characters feed the
	// derived device ID. Long enough to avoid collisions within a fleet,
	// short enough to stay readable in logs and MQTT topics.
	deviceIDSuffixLen = 8

	// Size limits for the adapter config map to bound stored JSON.
	maxAdapterConfigKeys = 32
	maxStringValueLen    = 1024
)

// Pre-computed validation sets for O(1) lookups.
var (
	validStatuses map[Status]struct{}
	validFamilies map[Family]struct{}
)

func init() {
	validStatuses = make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		validStatuses[s] = struct{}{}
	}

	validFamilies = make(map[Family]struct{}, len(AllFamilies()))
	for _, f := range AllFamilies() {
		validFamilies[f] = struct{}{}
	}
}

// NormalizeSerial canonicalises a raw serial number as reported by a device:
// surrounding whitespace is trimmed, internal whitespace removed, and letters
// uppercased. Identification adapters may hand back serials with framing
// whitespace or inconsistent case; reconciliation must treat them as equal.
func NormalizeSerial(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// DeriveDeviceID produces the stable identifier for a device: the family tag
// plus a suffix of the normalised serial number. The same physical unit always
// maps to the same ID, even after it disappears and is re-discovered.
func DeriveDeviceID(family Family, serial string) string {
	s := NormalizeSerial(serial)

	// Keep only characters that are safe in URLs, topics and filenames.
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r - 'A' + 'a')
		} else if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	if len(cleaned) > deviceIDSuffixLen {
		cleaned = cleaned[len(cleaned)-deviceIDSuffixLen:]
	}
	return string(family) + "-" + cleaned
}

// ValidateRecord performs validation on a device record.
// Returns an error describing the first validation failure found.
func ValidateRecord(r *Record) error {
	if r == nil {
		return ErrInvalidRecord
	}

	if err := ValidateSerial(r.SerialNumber); err != nil {
		return err
	}

	if _, ok := validFamilies[r.Family]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidFamily, r.Family)
	}

	if _, ok := validStatuses[r.Status]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}

	// Active devices must be reachable: a non-empty channel and no
	// outstanding failures.
	if r.Status == StatusActive {
		if r.CurrentChannel == "" {
			return fmt.Errorf("%w: active device has no current channel", ErrInvalidRecord)
		}
		if r.FailureCount != 0 {
			return fmt.Errorf("%w: active device has failure count %d", ErrInvalidRecord, r.FailureCount)
		}
	}

	if len(r.CurrentChannel) > maxChannelLen {
		return fmt.Errorf("%w: current channel exceeds %d characters", ErrInvalidRecord, maxChannelLen)
	}

	if r.FailureCount < 0 {
		return fmt.Errorf("%w: negative failure count", ErrInvalidRecord)
	}

	if err := validateAdapterConfig(r.AdapterConfig); err != nil {
		return err
	}

	return nil
}

// ValidateSerial checks a serial number after normalisation.
func ValidateSerial(serial string) error {
	normalized := NormalizeSerial(serial)
	if normalized == "" {
		return ErrInvalidSerial
	}
	if len(normalized) > maxSerialLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidSerial, maxSerialLength)
	}
	return nil
}

// validateAdapterConfig bounds the stored adapter config map.
func validateAdapterConfig(cfg AdapterConfig) error {
	if len(cfg) > maxAdapterConfigKeys {
		return fmt.Errorf("%w: adapter config exceeds %d keys", ErrInvalidRecord, maxAdapterConfigKeys)
	}
	for k, v := range cfg {
		if len(k) > maxStringValueLen {
			return fmt.Errorf("%w: adapter config key too long", ErrInvalidRecord)
		}
		if s, ok := v.(string); ok && len(s) > maxStringValueLen {
			return fmt.Errorf("%w: adapter config value for %q too long", ErrInvalidRecord, k)
		}
	}
	return nil
}
