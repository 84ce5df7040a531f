package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// maxMutateAttempts bounds how many times Mutate re-reads and retries
// after a version conflict before giving up.
const maxMutateAttempts = 3

// Registry provides device record management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating mutations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Record // Cached records by device ID
	cacheMu sync.RWMutex       // Protects cache
	logger  Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Record),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all records from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with deep copies
	r.cache = make(map[string]*Record, len(records))
	for i := range records {
		rec := records[i]
		r.cache[rec.DeviceID] = rec.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(records))
	return nil
}

// Get retrieves a record by device ID.
// Returns ErrNotFound if the record does not exist.
// The returned record is a deep copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Record, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[deviceID]
	r.cacheMu.RUnlock()

	if ok {
		// Return a deep copy to prevent external mutation of cache
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new record not yet cached)
	record, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	// Cache for future lookups (store a deep copy)
	r.cacheMu.Lock()
	r.cache[deviceID] = record.DeepCopy()
	r.cacheMu.Unlock()

	return record, nil
}

// GetBySerial retrieves a record by serial number. The serial is normalised
// before lookup, so raw values read off a device wire are accepted.
// Returns ErrNotFound if no record carries that serial.
func (r *Registry) GetBySerial(ctx context.Context, serial string) (*Record, error) {
	normalized := NormalizeSerial(serial)

	r.cacheMu.RLock()
	for _, rec := range r.cache {
		if rec.SerialNumber == normalized {
			cpy := rec.DeepCopy()
			r.cacheMu.RUnlock()
			return cpy, nil
		}
	}
	r.cacheMu.RUnlock()

	record, err := r.repo.GetBySerial(ctx, normalized)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[record.DeviceID] = record.DeepCopy()
	r.cacheMu.Unlock()

	return record, nil
}

// List retrieves all records.
// The returned records are deep copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Return from cache if populated
	if len(r.cache) > 0 {
		records := make([]Record, 0, len(r.cache))
		for _, rec := range r.cache {
			// Deep copy to prevent external mutation of cache
			records = append(records, *rec.DeepCopy())
		}
		return records, nil
	}

	// Fall back to repository
	return r.repo.List(ctx)
}

// ListByStatus retrieves all records in a specific lifecycle state.
// The returned records are deep copies; callers can safely modify them.
func (r *Registry) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Filter from cache if populated
	if len(r.cache) > 0 {
		var records []Record
		for _, rec := range r.cache {
			if rec.Status == status {
				// Deep copy to prevent external mutation of cache
				records = append(records, *rec.DeepCopy())
			}
		}
		return records, nil
	}

	return r.repo.ListByStatus(ctx, status)
}

// Register reconciles an identified device against the registry, keyed by
// serial number. If the serial is unknown a new record is created with a
// derived device ID, the given channel and the connection parameters the
// identification actually used. If the serial is already known the existing
// record is returned unchanged; callers decide what a re-sighting means for
// that record's lifecycle.
//
// The returned record is a deep copy of what is now persisted.
func (r *Registry) Register(ctx context.Context, family Family, serial, channel string, cfg AdapterConfig) (*Record, bool, error) {
	normalized := NormalizeSerial(serial)
	if err := ValidateSerial(normalized); err != nil {
		return nil, false, err
	}

	existing, err := r.GetBySerial(ctx, normalized)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	deviceID := DeriveDeviceID(family, normalized)

	adapterCfg := AdapterConfig(deepCopyMap(cfg))
	if adapterCfg == nil {
		adapterCfg = AdapterConfig{}
	}

	now := time.Now().UTC()
	record := &Record{
		DeviceID:       deviceID,
		Family:         family,
		SerialNumber:   normalized,
		CurrentChannel: channel,
		ChannelHistory: []ChannelObservation{{Channel: channel, ObservedAt: now}},
		AdapterConfig:  adapterCfg,
		Status:         StatusActive,
		LastSeen:       &now,
	}

	if err := ValidateRecord(record); err != nil {
		return nil, false, err
	}

	if err := r.repo.Create(ctx, record); err != nil {
		if errors.Is(err, ErrSerialExists) {
			// Concurrent registration of the same serial; the winner's
			// record is authoritative.
			winner, getErr := r.repo.GetBySerial(ctx, normalized)
			if getErr != nil {
				return nil, false, getErr
			}
			r.cacheMu.Lock()
			r.cache[winner.DeviceID] = winner.DeepCopy()
			r.cacheMu.Unlock()
			return winner, false, nil
		}
		return nil, false, err
	}

	r.cacheMu.Lock()
	r.cache[record.DeviceID] = record.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device registered",
		"device_id", record.DeviceID,
		"family", record.Family,
		"serial", record.SerialNumber,
		"channel", channel)
	return record.DeepCopy(), true, nil
}

// Mutate applies fn to a fresh copy of the record and persists the result.
// On a version conflict the record is re-read and fn re-applied, up to
// maxMutateAttempts times; fn must therefore be idempotent over record
// state. Returns the persisted record.
func (r *Registry) Mutate(ctx context.Context, deviceID string, fn func(*Record) error) (*Record, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		record, err := r.repo.GetByID(ctx, deviceID)
		if err != nil {
			return nil, err
		}

		if err := fn(record); err != nil {
			return nil, err
		}

		if err := ValidateRecord(record); err != nil {
			return nil, err
		}

		err = r.repo.Update(ctx, record)
		if err == nil {
			r.cacheMu.Lock()
			r.cache[record.DeviceID] = record.DeepCopy()
			r.cacheMu.Unlock()
			return record, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		lastErr = err
		r.logger.Debug("device update conflict, retrying",
			"device_id", deviceID, "attempt", attempt+1)
	}

	return nil, fmt.Errorf("updating device %s after %d attempts: %w",
		deviceID, maxMutateAttempts, lastErr)
}

// RecordSighting marks a device as seen on a channel: status becomes
// active, the failure counter and retry schedule reset, and the channel
// history gains an entry when the channel changed. The history is the
// append-only audit trail; nothing here ever shortens it.
//
// A non-nil cfg replaces the stored adapter config with the connection
// parameters the successful identification actually used.
func (r *Registry) RecordSighting(ctx context.Context, deviceID, channel string, cfg AdapterConfig) (*Record, error) {
	now := time.Now().UTC()
	record, err := r.Mutate(ctx, deviceID, func(rec *Record) error {
		if rec.Status == StatusDisabled {
			// Permanently disabled devices never rejoin on their own.
			return nil
		}
		if rec.CurrentChannel != channel {
			if rec.CurrentChannel != "" {
				rec.LastKnownChannel = rec.CurrentChannel
			}
			rec.CurrentChannel = channel
			rec.ChannelHistory = append(rec.ChannelHistory, ChannelObservation{Channel: channel, ObservedAt: now})
		} else if len(rec.ChannelHistory) == 0 {
			rec.ChannelHistory = append(rec.ChannelHistory, ChannelObservation{Channel: channel, ObservedAt: now})
		}
		if cfg != nil {
			rec.AdapterConfig = AdapterConfig(deepCopyMap(cfg))
		}
		rec.Status = StatusActive
		rec.FailureCount = 0
		rec.NextRetryTime = nil
		seen := now
		rec.LastSeen = &seen
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("device sighted", "device_id", deviceID, "channel", channel)
	return record, nil
}

// RecordMiss marks a failed contact attempt: status becomes missing and the
// failure counter increments. The next retry time is computed by nextRetry
// from the incremented counter inside the mutation, so a concurrent write
// cannot leave the schedule lagging the count it was derived from.
// Once the counter reaches maxFailures the device is permanently disabled.
func (r *Registry) RecordMiss(ctx context.Context, deviceID string, nextRetry func(failureCount int) time.Time, maxFailures int) (*Record, error) {
	record, err := r.Mutate(ctx, deviceID, func(rec *Record) error {
		if rec.Status == StatusDisabled {
			return nil
		}
		if rec.CurrentChannel != "" {
			rec.LastKnownChannel = rec.CurrentChannel
			rec.CurrentChannel = ""
		}
		rec.FailureCount++
		if maxFailures > 0 && rec.FailureCount >= maxFailures {
			rec.Status = StatusDisabled
			rec.NextRetryTime = nil
			return nil
		}
		rec.Status = StatusMissing
		retry := nextRetry(rec.FailureCount).UTC()
		rec.NextRetryTime = &retry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if record.Status == StatusDisabled {
		r.logger.Warn("device permanently disabled",
			"device_id", deviceID, "failure_count", record.FailureCount)
	} else {
		r.logger.Debug("device missing",
			"device_id", deviceID,
			"failure_count", record.FailureCount,
			"next_retry", record.NextRetryTime)
	}
	return record, nil
}

// Reactivate is the operator action that returns a permanently disabled
// device to the search rotation. The failure counter resets and the device
// becomes eligible for the next scan immediately.
// Returns ErrNotDisabled when the device is not disabled.
func (r *Registry) Reactivate(ctx context.Context, deviceID string) (*Record, error) {
	record, err := r.Mutate(ctx, deviceID, func(rec *Record) error {
		if rec.Status != StatusDisabled {
			return ErrNotDisabled
		}
		rec.Status = StatusMissing
		rec.FailureCount = 0
		rec.NextRetryTime = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("device reactivated", "device_id", deviceID)
	return record, nil
}
