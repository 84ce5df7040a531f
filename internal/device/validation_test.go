package device

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeSerial(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"already clean", "M-0042", "M-0042"},
		{"surrounding whitespace", "  M-0042\t", "M-0042"},
		{"internal whitespace", "M 00 42", "M0042"},
		{"lowercase", "inv-g3-001", "INV-G3-001"},
		{"mixed", "  b- 7x ", "B-7X"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSerial(tt.raw); got != tt.want {
				t.Errorf("NormalizeSerial(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDeriveDeviceID(t *testing.T) {
	tests := []struct {
		name   string
		family Family
		serial string
		want   string
	}{
		{"short serial", FamilyMeter, "M-0042", "meter-m0042"},
		{"long serial keeps suffix", FamilyBattery, "BATTERYPACK123456789", "battery-23456789"},
		{"case and whitespace invariant", FamilyMeter, "  m-0042 ", "meter-m0042"},
		{"punctuation stripped", FamilyInverterG3, "INV/G3#001", "inverter_g3-invg3001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveDeviceID(tt.family, tt.serial); got != tt.want {
				t.Errorf("DeriveDeviceID(%q, %q) = %q, want %q", tt.family, tt.serial, got, tt.want)
			}
		})
	}

	// Stability: the same physical unit always derives the same ID.
	a := DeriveDeviceID(FamilyMeter, "M-0042")
	b := DeriveDeviceID(FamilyMeter, "m-0042")
	if a != b {
		t.Errorf("expected stable ID, got %q and %q", a, b)
	}
}

func TestValidateSerial(t *testing.T) {
	if err := ValidateSerial("M-0042"); err != nil {
		t.Errorf("expected valid serial, got %v", err)
	}
	if err := ValidateSerial("   "); !errors.Is(err, ErrInvalidSerial) {
		t.Errorf("expected ErrInvalidSerial for blank serial, got %v", err)
	}
	if err := ValidateSerial(strings.Repeat("X", 65)); !errors.Is(err, ErrInvalidSerial) {
		t.Errorf("expected ErrInvalidSerial for oversize serial, got %v", err)
	}
}

func TestValidateRecord(t *testing.T) {
	now := time.Now().UTC()

	valid := func() *Record {
		return &Record{
			DeviceID:       "meter-m0042",
			Family:         FamilyMeter,
			SerialNumber:   "M-0042",
			CurrentChannel: "/dev/ttyUSB0",
			Status:         StatusActive,
			LastSeen:       &now,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr error
	}{
		{"valid", func(r *Record) {}, nil},
		{"nil serial", func(r *Record) { r.SerialNumber = "" }, ErrInvalidSerial},
		{"unknown family", func(r *Record) { r.Family = "toaster" }, ErrInvalidFamily},
		{"unknown status", func(r *Record) { r.Status = "sleeping" }, ErrInvalidStatus},
		{"active without channel", func(r *Record) { r.CurrentChannel = "" }, ErrInvalidRecord},
		{"active with failures", func(r *Record) { r.FailureCount = 2 }, ErrInvalidRecord},
		{"negative failure count", func(r *Record) {
			r.Status = StatusMissing
			r.CurrentChannel = ""
			r.FailureCount = -1
		}, ErrInvalidRecord},
		{"missing without channel ok", func(r *Record) {
			r.Status = StatusMissing
			r.CurrentChannel = ""
			r.FailureCount = 3
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid()
			tt.mutate(rec)
			err := ValidateRecord(rec)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected valid record, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := ValidateRecord(nil); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for nil record, got %v", err)
	}
}

func TestValidateRecord_AdapterConfigLimits(t *testing.T) {
	now := time.Now().UTC()
	rec := &Record{
		DeviceID:       "meter-m0042",
		Family:         FamilyMeter,
		SerialNumber:   "M-0042",
		CurrentChannel: "/dev/ttyUSB0",
		Status:         StatusActive,
		LastSeen:       &now,
		AdapterConfig:  AdapterConfig{},
	}

	for i := 0; i < 33; i++ {
		rec.AdapterConfig[strings.Repeat("k", i+1)] = i
	}
	if err := ValidateRecord(rec); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for oversized adapter config, got %v", err)
	}

	rec.AdapterConfig = AdapterConfig{"note": strings.Repeat("v", 1025)}
	if err := ValidateRecord(rec); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for oversized string value, got %v", err)
	}
}
