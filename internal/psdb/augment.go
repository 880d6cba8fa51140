// Package psdb turns a plain embedded SQLite database into one that
// captures its own row-level changes: it adds bookkeeping tables, a
// stable global identity column per syncable table, and AFTER triggers
// that append a row to the change log on every insert, update, and
// delete. Everything happens inside one transaction so a table is never
// left half-augmented.
package psdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Schema describes which user tables participate in sync and, per
// table, which columns the UPDATE trigger ignores (e.g. purely local UI
// state).
type Schema struct {
	Tables []TableSpec
}

// TableSpec names one syncable table and any columns left out of its
// UPDATE trigger's change guard: an update that changes only those
// columns logs no change. Uploaded row data still carries every column.
type TableSpec struct {
	Name           string
	ExcludeColumns []string
}

// Augment brings db's schema up to date with schema: creates internal
// bookkeeping tables if absent, adds a ps_global_id column and index to
// any table that lacks one, (re)installs the capture triggers, and
// seeds change-log rows for any pre-existing data the first time a
// table is augmented. Safe to call on every startup; idempotent.
func Augment(ctx context.Context, db *sql.DB, schema Schema, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("psdb: begin augment tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, internalSchema); err != nil {
		return fmt.Errorf("psdb: create bookkeeping tables: %w", err)
	}
	if err := ensureVersionRow(ctx, tx); err != nil {
		return err
	}

	for _, t := range schema.Tables {
		if err := augmentTable(ctx, tx, t); err != nil {
			return fmt.Errorf("psdb: augment table %q: %w", t.Name, err)
		}
		seeded, err := seedIfUnprocessed(ctx, tx, t)
		if err != nil {
			return fmt.Errorf("psdb: seed table %q: %w", t.Name, err)
		}
		if seeded > 0 {
			log.Info("seeded pre-existing rows into change log", "table", t.Name, "rows", seeded)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("psdb: commit augment tx: %w", err)
	}
	return nil
}

// Reset drops all change tracking state and reseeds every table in
// schema as if it had never been augmented before: the change log, the
// processed-tables and processed-changes gates are cleared, the reset
// timestamp is stamped on the version row, and seedIfUnprocessed reruns
// against every table now that its gate is clear. The triggers and
// ps_global_id columns installed by Augment are left in place; only the
// bookkeeping that tracks what has already been synced is wiped.
func Reset(ctx context.Context, db *sql.DB, schema Schema, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("psdb: begin reset tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM __pocketsync_changes`,
		`DELETE FROM __pocketsync_processed_tables`,
		`DELETE FROM __pocketsync_processed_changes`,
		`DELETE FROM __pocketsync_device_state`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("psdb: reset: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE __pocketsync_version SET last_reset_timestamp = %s WHERE id = 1`, nowMsExpr)); err != nil {
		return fmt.Errorf("psdb: stamp reset timestamp: %w", err)
	}

	for _, t := range schema.Tables {
		seeded, err := seedIfUnprocessed(ctx, tx, t)
		if err != nil {
			return fmt.Errorf("psdb: reset: reseed table %q: %w", t.Name, err)
		}
		log.Info("reseeded table after reset", "table", t.Name, "rows", seeded)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("psdb: commit reset tx: %w", err)
	}
	return nil
}

func ensureVersionRow(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO __pocketsync_version (id, schema_version, last_reset_timestamp)
		VALUES (1, ?, 0)
		ON CONFLICT(id) DO NOTHING`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("psdb: seed version row: %w", err)
	}
	return nil
}

func augmentTable(ctx context.Context, tx *sql.Tx, t TableSpec) error {
	cols, err := tableColumns(ctx, tx, t.Name)
	if err != nil {
		return err
	}
	if !containsColumn(cols, "ps_global_id") {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN ps_global_id TEXT`, quoteIdent(t.Name))); err != nil {
			return fmt.Errorf("add ps_global_id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_ps_global_id ON %s(ps_global_id)`,
			safeIndexSuffix(t.Name), quoteIdent(t.Name))); err != nil {
			return fmt.Errorf("index ps_global_id: %w", err)
		}
		cols = append(cols, "ps_global_id")
	}

	dataCols := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "ps_global_id" || containsColumn(t.ExcludeColumns, c) {
			continue
		}
		dataCols = append(dataCols, c)
	}
	sort.Strings(dataCols)

	for _, stmt := range []string{
		dropTriggerSQL(t.Name, "ai"),
		dropTriggerSQL(t.Name, "au"),
		dropTriggerSQL(t.Name, "ad"),
		insertTriggerSQL(t.Name),
		updateTriggerSQL(t.Name, dataCols),
		deleteTriggerSQL(t.Name),
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install trigger: %w", err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("pragma table_info: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func containsColumn(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}

func triggerName(table, suffix string) string {
	return fmt.Sprintf("trg_pocketsync_%s_%s", safeIndexSuffix(table), suffix)
}

func dropTriggerSQL(table, suffix string) string {
	return fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, triggerName(table, suffix))
}

func insertTriggerSQL(table string) string {
	q := quoteIdent(table)
	return fmt.Sprintf(`
CREATE TRIGGER %s AFTER INSERT ON %s
BEGIN
	UPDATE %s SET ps_global_id = lower(hex(randomblob(16)))
		WHERE rowid = NEW.rowid AND ps_global_id IS NULL;
	INSERT INTO __pocketsync_changes (table_name, record_rowid, operation, timestamp, synced)
	SELECT %s, ps_global_id, 'INSERT', %s, 0
	FROM %s
	WHERE rowid = NEW.rowid
	  AND NOT EXISTS (SELECT 1 FROM __pocketsync_suppress WHERE table_name = %s);
END`, triggerName(table, "ai"), q, q, sqlQuote(table), nowMsExpr, q, sqlQuote(table))
}

// updateTriggerSQL fires only when at least one captured column actually
// changed value, using IS NOT so NULL transitions aren't missed by a
// plain <> comparison.
func updateTriggerSQL(table string, dataCols []string) string {
	q := quoteIdent(table)
	if len(dataCols) == 0 {
		// Nothing but ps_global_id to compare; never fires.
		return fmt.Sprintf(`
CREATE TRIGGER %s AFTER UPDATE ON %s
WHEN 0
BEGIN SELECT 1; END`, triggerName(table, "au"), q)
	}
	conds := make([]string, 0, len(dataCols))
	for _, c := range dataCols {
		ci := quoteIdent(c)
		conds = append(conds, fmt.Sprintf("NEW.%s IS NOT OLD.%s", ci, ci))
	}
	return fmt.Sprintf(`
CREATE TRIGGER %s AFTER UPDATE ON %s
WHEN %s
BEGIN
	INSERT INTO __pocketsync_changes (table_name, record_rowid, operation, timestamp, synced)
	SELECT %s, NEW.ps_global_id, 'UPDATE', %s, 0
	WHERE NEW.ps_global_id IS NOT NULL
	  AND NOT EXISTS (SELECT 1 FROM __pocketsync_suppress WHERE table_name = %s);
END`, triggerName(table, "au"), q, strings.Join(conds, " OR "), sqlQuote(table), nowMsExpr, sqlQuote(table))
}

func deleteTriggerSQL(table string) string {
	q := quoteIdent(table)
	return fmt.Sprintf(`
CREATE TRIGGER %s AFTER DELETE ON %s
BEGIN
	INSERT INTO __pocketsync_changes (table_name, record_rowid, operation, timestamp, synced)
	SELECT %s, OLD.ps_global_id, 'DELETE', %s, 0
	WHERE OLD.ps_global_id IS NOT NULL
	  AND NOT EXISTS (SELECT 1 FROM __pocketsync_suppress WHERE table_name = %s);
END`, triggerName(table, "ad"), q, sqlQuote(table), nowMsExpr, sqlQuote(table))
}

// seedIfUnprocessed emits INSERT change-log rows for every pre-existing
// row in t the first time this schema version sees that table, so data
// written before the engine was ever initialized still syncs.
func seedIfUnprocessed(ctx context.Context, tx *sql.Tx, t TableSpec) (int, error) {
	var already int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM __pocketsync_processed_tables
		WHERE table_name = ? AND version = ?`, t.Name, SchemaVersion).Scan(&already)
	if err != nil {
		return 0, fmt.Errorf("check processed_tables: %w", err)
	}
	if already > 0 {
		return 0, nil
	}

	q := quoteIdent(t.Name)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET ps_global_id = lower(hex(randomblob(16))) WHERE ps_global_id IS NULL`, q)); err != nil {
		return 0, fmt.Errorf("backfill ps_global_id: %w", err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO __pocketsync_changes (table_name, record_rowid, operation, timestamp, synced)
		SELECT %s, ps_global_id, 'INSERT', %s, 0 FROM %s`, sqlQuote(t.Name), nowMsExpr, q))
	if err != nil {
		return 0, fmt.Errorf("seed change log: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO __pocketsync_processed_tables (table_name, version, processed_at)
		VALUES (?, ?, %s)`, nowMsExpr), t.Name, SchemaVersion); err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return int(n), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func safeIndexSuffix(table string) string {
	var b strings.Builder
	for _, r := range table {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
