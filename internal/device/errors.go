package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a device ID or serial number does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrSerialExists is returned when creating a record whose serial number
	// is already registered to another device.
	ErrSerialExists = errors.New("device: serial number already registered")

	// ErrConflict is returned when a write presents a stale version, meaning
	// a concurrent writer changed the record between read and write.
	ErrConflict = errors.New("device: concurrent modification")

	// ErrInvalidRecord is returned when record validation fails.
	ErrInvalidRecord = errors.New("device: invalid record")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidFamily is returned when a device family is not recognised.
	ErrInvalidFamily = errors.New("device: invalid family")

	// ErrInvalidSerial is returned when a serial number is empty after
	// normalisation or exceeds the length limit.
	ErrInvalidSerial = errors.New("device: invalid serial number")

	// ErrNotDisabled is returned when an operator reactivation targets a
	// device that is not in the disabled state.
	ErrNotDisabled = errors.New("device: not disabled")
)
