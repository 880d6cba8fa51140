package psdb

// internalSchema creates the five (plus one audit, plus one suppression
// guard) internal bookkeeping tables as a single raw SQL constant,
// executed once at augmentation time.
const internalSchema = `
CREATE TABLE IF NOT EXISTS __pocketsync_changes (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name    TEXT NOT NULL,
	record_rowid  TEXT NOT NULL,
	operation     TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	synced        INTEGER NOT NULL DEFAULT 0,
	data          TEXT
);
CREATE INDEX IF NOT EXISTS idx_pocketsync_changes_table ON __pocketsync_changes(table_name);
CREATE INDEX IF NOT EXISTS idx_pocketsync_changes_synced ON __pocketsync_changes(synced);
CREATE INDEX IF NOT EXISTS idx_pocketsync_changes_timestamp ON __pocketsync_changes(timestamp);

CREATE TABLE IF NOT EXISTS __pocketsync_device_state (
	device_id               TEXT PRIMARY KEY,
	last_upload_timestamp   INTEGER NOT NULL DEFAULT 0,
	last_download_timestamp INTEGER NOT NULL DEFAULT 0,
	last_sync_status        TEXT NOT NULL DEFAULT '',
	last_cleanup_timestamp  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS __pocketsync_version (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	schema_version      INTEGER NOT NULL,
	last_reset_timestamp INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS __pocketsync_processed_tables (
	table_name   TEXT NOT NULL,
	version      INTEGER NOT NULL,
	processed_at INTEGER NOT NULL,
	PRIMARY KEY (table_name, version)
);

CREATE TABLE IF NOT EXISTS __pocketsync_processed_changes (
	change_log_id TEXT PRIMARY KEY,
	applied_at    INTEGER NOT NULL
);

-- Transaction-scoped suppression guard: the downloader inserts a row here
-- before writing a resolved row back and removes it before commit;
-- trigger bodies check for its absence before logging a change.
CREATE TABLE IF NOT EXISTS __pocketsync_suppress (
	table_name TEXT PRIMARY KEY
);

-- Supplemental audit trail; never read by sync logic itself.
CREATE TABLE IF NOT EXISTS __pocketsync_sync_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	direction  TEXT NOT NULL,
	table_name TEXT NOT NULL,
	operation  TEXT NOT NULL,
	count      INTEGER NOT NULL,
	at         INTEGER NOT NULL
);
`

// SchemaVersion is the current engine/schema version recorded in
// __pocketsync_version and used to gate re-seeding of pre-existing data.
const SchemaVersion = 1

// nowMsExpr is the SQL expression used inside triggers and seeding
// statements to compute milliseconds since epoch, since SQLite's
// strftime only has second resolution.
const nowMsExpr = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`
