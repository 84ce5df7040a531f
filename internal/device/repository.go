package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device record persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a record by its derived device ID.
	// Returns ErrNotFound if the record does not exist.
	GetByID(ctx context.Context, deviceID string) (*Record, error)

	// GetBySerial retrieves a record by its normalised serial number.
	// Returns ErrNotFound if no record carries that serial.
	GetBySerial(ctx context.Context, serial string) (*Record, error)

	// List retrieves all records.
	List(ctx context.Context) ([]Record, error)

	// ListByStatus retrieves all records in a specific lifecycle state.
	ListByStatus(ctx context.Context, status Status) ([]Record, error)

	// Create inserts a new record.
	// Returns ErrSerialExists if the serial number is already registered.
	Create(ctx context.Context, record *Record) error

	// Update persists changes to an existing record. The record's Version
	// must match the persisted version; on mismatch ErrConflict is returned
	// and nothing is written. On success the Version field is incremented
	// in place.
	Update(ctx context.Context, record *Record) error

	// SetChannel atomically updates the current channel of a device.
	SetChannel(ctx context.Context, deviceID, channel string) error

	// SetStatus atomically updates the status of a device.
	SetStatus(ctx context.Context, deviceID string, status Status) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// recordColumns is the column list shared by every SELECT in this file.
const recordColumns = `device_id, family, serial_number, current_channel, last_known_channel,
	channel_history, adapter_config, status, failure_count, next_retry_time,
	first_discovered, last_seen, version, created_at, updated_at`

// GetByID retrieves a record by its derived device ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, deviceID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM devices WHERE device_id = ?`

	row := r.db.QueryRowContext(ctx, query, deviceID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return record, nil
}

// GetBySerial retrieves a record by its normalised serial number.
func (r *SQLiteRepository) GetBySerial(ctx context.Context, serial string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM devices WHERE serial_number = ?`

	row := r.db.QueryRowContext(ctx, query, NormalizeSerial(serial))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device by serial: %w", err)
	}
	return record, nil
}

// List retrieves all records.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM devices ORDER BY device_id`
	return r.queryRecords(ctx, query)
}

// ListByStatus retrieves all records in a specific lifecycle state.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM devices WHERE status = ? ORDER BY device_id`
	return r.queryRecords(ctx, query, string(status))
}

// Create inserts a new record.
func (r *SQLiteRepository) Create(ctx context.Context, record *Record) error {
	historyJSON, configJSON, err := marshalJSONFields(record)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.FirstDiscovered.IsZero() {
		record.FirstDiscovered = now
	}
	record.UpdatedAt = now
	record.Version = 1

	query := `
		INSERT INTO devices (
			device_id, family, serial_number, current_channel, last_known_channel,
			channel_history, adapter_config, status, failure_count, next_retry_time,
			first_discovered, last_seen, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		record.DeviceID,
		string(record.Family),
		NormalizeSerial(record.SerialNumber),
		record.CurrentChannel,
		record.LastKnownChannel,
		historyJSON,
		configJSON,
		string(record.Status),
		record.FailureCount,
		nullableTime(record.NextRetryTime),
		record.FirstDiscovered.Format(time.RFC3339),
		nullableTime(record.LastSeen),
		record.Version,
		record.CreatedAt.Format(time.RFC3339),
		record.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSerialExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Update persists changes to an existing record using optimistic concurrency.
// The WHERE clause matches on the version read by the caller; zero affected
// rows means either the record vanished or a concurrent writer got there
// first.
func (r *SQLiteRepository) Update(ctx context.Context, record *Record) error {
	historyJSON, configJSON, err := marshalJSONFields(record)
	if err != nil {
		return err
	}

	record.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices SET
			family = ?, serial_number = ?, current_channel = ?, last_known_channel = ?,
			channel_history = ?, adapter_config = ?, status = ?, failure_count = ?,
			next_retry_time = ?, first_discovered = ?, last_seen = ?,
			version = version + 1, updated_at = ?
		WHERE device_id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(record.Family),
		NormalizeSerial(record.SerialNumber),
		record.CurrentChannel,
		record.LastKnownChannel,
		historyJSON,
		configJSON,
		string(record.Status),
		record.FailureCount,
		nullableTime(record.NextRetryTime),
		record.FirstDiscovered.Format(time.RFC3339),
		nullableTime(record.LastSeen),
		record.UpdatedAt.Format(time.RFC3339),
		record.DeviceID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a stale version from a missing record.
		exists, existsErr := r.exists(ctx, record.DeviceID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	record.Version++
	return nil
}

// SetChannel atomically updates the current channel of a device.
// The previous channel is preserved as last_known_channel.
func (r *SQLiteRepository) SetChannel(ctx context.Context, deviceID, channel string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE devices
		SET last_known_channel = CASE WHEN current_channel != '' THEN current_channel ELSE last_known_channel END,
		    current_channel = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE device_id = ?`

	return r.execExpectingRow(ctx, query, channel, now, deviceID)
}

// SetStatus atomically updates the status of a device.
func (r *SQLiteRepository) SetStatus(ctx context.Context, deviceID string, status Status) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE devices
		SET status = ?, version = version + 1, updated_at = ?
		WHERE device_id = ?`

	return r.execExpectingRow(ctx, query, string(status), now, deviceID)
}

// execExpectingRow runs an UPDATE that must affect exactly one row.
func (r *SQLiteRepository) execExpectingRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// queryRecords executes a query and returns a slice of records.
func (r *SQLiteRepository) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return records, nil
}

// exists checks if a record with the given device ID exists.
func (r *SQLiteRepository) exists(ctx context.Context, deviceID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices WHERE device_id = ?", deviceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking device exists: %w", err)
	}
	return count > 0, nil
}

// marshalJSONFields marshals the channel history and adapter config columns.
func marshalJSONFields(record *Record) (history string, config string, err error) {
	h := record.ChannelHistory
	if h == nil {
		h = []ChannelObservation{}
	}
	historyJSON, err := json.Marshal(h)
	if err != nil {
		return "", "", fmt.Errorf("marshalling channel history: %w", err)
	}

	c := record.AdapterConfig
	if c == nil {
		c = AdapterConfig{}
	}
	configJSON, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("marshalling adapter config: %w", err)
	}

	return string(historyJSON), string(configJSON), nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a row or rows result into a Record.
func scanRecord(scanner rowScanner) (*Record, error) {
	var rec Record
	var family, status string
	var historyJSON, configJSON string
	var nextRetry, lastSeen sql.NullString
	var firstDiscovered, createdAt, updatedAt string

	err := scanner.Scan(
		&rec.DeviceID,
		&family,
		&rec.SerialNumber,
		&rec.CurrentChannel,
		&rec.LastKnownChannel,
		&historyJSON,
		&configJSON,
		&status,
		&rec.FailureCount,
		&nextRetry,
		&firstDiscovered,
		&lastSeen,
		&rec.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Family = Family(family)
	rec.Status = Status(status)

	if nextRetry.Valid {
		t, parseErr := time.Parse(time.RFC3339, nextRetry.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing next_retry_time: %w", parseErr)
		}
		rec.NextRetryTime = &t
	}
	if lastSeen.Valid {
		t, parseErr := time.Parse(time.RFC3339, lastSeen.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", parseErr)
		}
		rec.LastSeen = &t
	}

	var parseErr error
	rec.FirstDiscovered, parseErr = time.Parse(time.RFC3339, firstDiscovered)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing first_discovered: %w", parseErr)
	}
	rec.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	rec.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(historyJSON), &rec.ChannelHistory); err != nil {
		return nil, fmt.Errorf("unmarshalling channel history: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &rec.AdapterConfig); err != nil {
		return nil, fmt.Errorf("unmarshalling adapter config: %w", err)
	}

	return &rec, nil
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
