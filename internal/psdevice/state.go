package psdevice

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// State is this device's persisted sync watermarks.
type State struct {
	DeviceID               string
	LastUploadTimestampMs  int64
	LastDownloadTimestampMs int64
	LastSyncStatus         string
}

// Store persists device state in __pocketsync_device_state, a
// single-row-per-device table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load returns this device's state, creating a zero-valued row if this
// is the first time deviceID has been seen.
func (s *Store) Load(ctx context.Context, deviceID string) (State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, last_upload_timestamp, last_download_timestamp, last_sync_status
		FROM __pocketsync_device_state WHERE device_id = ?`, deviceID)

	var st State
	err := row.Scan(&st.DeviceID, &st.LastUploadTimestampMs, &st.LastDownloadTimestampMs, &st.LastSyncStatus)
	if err == sql.ErrNoRows {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO __pocketsync_device_state (device_id) VALUES (?)`, deviceID); err != nil {
			return State{}, fmt.Errorf("psdevice: init device state: %w", err)
		}
		return State{DeviceID: deviceID}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("psdevice: load device state: %w", err)
	}
	return st, nil
}

// RecordUpload advances the upload watermark. The new timestamp is
// rejected (no-op) if it is not strictly greater than the stored one,
// since an out-of-order ack must never move the watermark backwards.
func (s *Store) RecordUpload(ctx context.Context, deviceID string, timestampMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE __pocketsync_device_state
		SET last_upload_timestamp = ?
		WHERE device_id = ? AND last_upload_timestamp < ?`, timestampMs, deviceID, timestampMs)
	if err != nil {
		return fmt.Errorf("psdevice: record upload: %w", err)
	}
	return nil
}

// RecordDownload advances the download watermark under the same
// monotonic guard as RecordUpload.
func (s *Store) RecordDownload(ctx context.Context, deviceID string, timestampMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE __pocketsync_device_state
		SET last_download_timestamp = ?
		WHERE device_id = ? AND last_download_timestamp < ?`, timestampMs, deviceID, timestampMs)
	if err != nil {
		return fmt.Errorf("psdevice: record download: %w", err)
	}
	return nil
}

// SetStatus records the free-form outcome of the most recent sync pass
// (e.g. "ok", "transport_error", "auth_error") for introspection.
func (s *Store) SetStatus(ctx context.Context, deviceID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE __pocketsync_device_state SET last_sync_status = ? WHERE device_id = ?`, status, deviceID)
	if err != nil {
		return fmt.Errorf("psdevice: set status: %w", err)
	}
	return nil
}

// RecordHistory appends a row to the sync history audit trail.
func RecordHistory(ctx context.Context, db *sql.DB, direction, table, operation string, count int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO __pocketsync_sync_history (direction, table_name, operation, count, at)
		VALUES (?, ?, ?, ?, ?)`, direction, table, operation, count, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("psdevice: record history: %w", err)
	}
	return nil
}
