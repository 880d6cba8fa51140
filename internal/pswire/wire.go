// Package pswire defines the transport-agnostic wire format shared
// between internal/pstransport and internal/psscheduler.
package pswire

import "encoding/json"

// Row is a single row's worth of changed data on the wire.
type Row struct {
	PrimaryKey string          `json:"primary_key"` // = ps_global_id
	Data       json.RawMessage `json:"data"`        // column -> value
	Timestamp  int64           `json:"timestamp"`
	Version    int32           `json:"version"`
}

// ChangeSet groups a batch of changes by operation and table for transport.
type ChangeSet struct {
	Timestamp  int64             `json:"timestamp"`
	Version    int32             `json:"version"`
	Updates    map[string][]Row  `json:"updates"`
	Insertions map[string][]Row  `json:"insertions"`
	Deletions  map[string][]Row  `json:"deletions"`
}

// NewChangeSet returns an empty ChangeSet with initialized maps.
func NewChangeSet(timestamp int64) *ChangeSet {
	return &ChangeSet{
		Timestamp:  timestamp,
		Version:    1,
		Updates:    make(map[string][]Row),
		Insertions: make(map[string][]Row),
		Deletions:  make(map[string][]Row),
	}
}

// IsEmpty reports whether the change set carries no rows at all.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.Updates) == 0 && len(cs.Insertions) == 0 && len(cs.Deletions) == 0
}

// ChangeLog is a single durable, server-assigned log entry delivered to
// clients on download.
type ChangeLog struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"device_id"`
	ReceivedAt      int64     `json:"received_at"`
	ProcessedAt     int64     `json:"processed_at"`
	UserIdentifier  string    `json:"user_identifier"`
	ChangeSet       ChangeSet `json:"change_set"`
}

// RemoteNotification is a lightweight server-initiated event signaling
// that another device uploaded changes. It is never trusted as
// authoritative data — it only triggers a download task.
type RemoteNotification struct {
	SourceDeviceID string `json:"source_device_id"`
	ChangeCount    int32  `json:"change_count"`
}

// Ack is the server's acknowledgement of an uploaded change set.
type Ack struct {
	ServerAssignedIDs []string `json:"server_assigned_ids"`
}
