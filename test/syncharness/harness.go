// Package syncharness builds small, disposable SQLite databases for
// exercising the sync engine end to end, using the cgo sqlite3 driver
// for speed and its stricter trigger-semantics conformance; production
// code always runs on modernc.org/sqlite instead.
package syncharness

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/pocketsync/internal/psdb"
)

const sampleSchema = `
CREATE TABLE tasks (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	done  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE notes (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
);
`

// NewDB opens a fresh in-memory database with the sample schema
// already created, augments it, and registers cleanup on t.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(sampleSchema); err != nil {
		t.Fatalf("create sample schema: %v", err)
	}

	schema := psdb.Schema{Tables: []psdb.TableSpec{
		{Name: "tasks"},
		{Name: "notes"},
	}}
	if err := psdb.Augment(context.Background(), db, schema, slog.Default()); err != nil {
		t.Fatalf("augment: %v", err)
	}
	return db
}

// InsertTask inserts a row directly (simulating an app write captured
// by the AFTER INSERT trigger) and returns its assigned ps_global_id.
func InsertTask(t *testing.T, db *sql.DB, title string) string {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO tasks (title) VALUES (?)`, title); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	var id string
	if err := db.QueryRow(`SELECT ps_global_id FROM tasks WHERE title = ? ORDER BY id DESC LIMIT 1`, title).Scan(&id); err != nil {
		t.Fatalf("read ps_global_id: %v", err)
	}
	return id
}

// UnsyncedCount reports how many change log rows are pending upload.
func UnsyncedCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM __pocketsync_changes WHERE synced = 0`).Scan(&n); err != nil {
		t.Fatalf("count unsynced: %v", err)
	}
	return n
}

// Operations returns the operation sequence logged for globalID, oldest
// first, for asserting capture order in a test.
func Operations(t *testing.T, db *sql.DB, globalID string) []string {
	t.Helper()
	rows, err := db.Query(`
		SELECT operation FROM __pocketsync_changes
		WHERE record_rowid = ? ORDER BY id ASC`, globalID)
	if err != nil {
		t.Fatalf("query operations: %v", err)
	}
	defer rows.Close()
	var ops []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			t.Fatalf("scan operation: %v", err)
		}
		ops = append(ops, op)
	}
	return ops
}
