// Package pslog is the client-side change log: the durable queue of
// captured row mutations waiting to be uploaded, and the bookkeeping
// that marks them synced or prunes them once they're safe to discard.
package pslog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Operation is the kind of row mutation a change log entry records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Entry is one row out of __pocketsync_changes.
type Entry struct {
	ID          int64
	Table       string
	GlobalID    string
	Operation   Operation
	TimestampMs int64
	Synced      bool
}

// Store wraps the shared embedded database handle with change-log
// queries. It holds no connection of its own; callers share the
// single-writer *sql.DB the rest of the engine uses.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Unsynced returns up to limit unsynced entries ordered by id (insertion
// order), the order required for deterministic per-row folding.
func (s *Store) Unsynced(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_rowid, operation, timestamp
		FROM __pocketsync_changes
		WHERE synced = 0
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pslog: query unsynced: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		if err := rows.Scan(&e.ID, &e.Table, &e.GlobalID, &op, &e.TimestampMs); err != nil {
			return nil, fmt.Errorf("pslog: scan unsynced row: %w", err)
		}
		e.Operation = Operation(op)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountUnsynced reports how many rows are waiting to be uploaded.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM __pocketsync_changes WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pslog: count unsynced: %w", err)
	}
	return n, nil
}

// MarkSynced flags the given entry ids as synced so Prune can later
// reclaim them once their retention window elapses.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pslog: begin mark synced: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE __pocketsync_changes SET synced = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("pslog: prepare mark synced: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("pslog: mark synced id=%d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Prune deletes synced entries older than retention; then, if the table
// still holds more than hardCap rows, it deletes the oldest synced rows
// regardless of age until it fits or no synced row is left. Unsynced
// rows are never deleted, so a table whose unsynced rows alone exceed
// hardCap stays above it. inFlight is not consulted: rows awaiting an
// upload ack are unsynced and so are never deleted anyway.
func (s *Store) Prune(ctx context.Context, retention time.Duration, hardCap int, inFlight map[int64]bool) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pslog: begin prune: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM __pocketsync_changes
		WHERE synced = 1 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pslog: prune by age: %w", err)
	}
	removed, _ := res.RowsAffected()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM __pocketsync_changes`).Scan(&total); err != nil {
		return 0, fmt.Errorf("pslog: count after age prune: %w", err)
	}
	if total > hardCap {
		excess := total - hardCap
		res, err := tx.ExecContext(ctx, `
			DELETE FROM __pocketsync_changes
			WHERE id IN (
				SELECT id FROM __pocketsync_changes
				WHERE synced = 1
				ORDER BY id ASC
				LIMIT ?
			)`, excess)
		if err != nil {
			return 0, fmt.Errorf("pslog: prune by hard cap: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pslog: commit prune: %w", err)
	}
	return int(removed), nil
}

// RegisterRemoteApplied records that a server-assigned change log id has
// been applied locally, so a duplicate delivery (after a dropped ack) is
// a no-op instead of reapplying the row.
func (s *Store) RegisterRemoteApplied(ctx context.Context, changeLogID string) (alreadyApplied bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO __pocketsync_processed_changes (change_log_id, applied_at)
		VALUES (?, ?)
		ON CONFLICT(change_log_id) DO NOTHING`, changeLogID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("pslog: register applied: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}
