// Package pocketsync turns a plain embedded SQLite database into one
// that syncs itself: every mutation made through the handle it returns
// is captured, queued, and shipped to a backend in the background, and
// changes from other devices flow back in and land in the same tables.
package pocketsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcus/pocketsync/internal/psconfig"
	"github.com/marcus/pocketsync/internal/psdb"
	"github.com/marcus/pocketsync/internal/psdevice"
	"github.com/marcus/pocketsync/internal/pslog"
	"github.com/marcus/pocketsync/internal/psnotify"
	"github.com/marcus/pocketsync/internal/psresolve"
	"github.com/marcus/pocketsync/internal/psscheduler"
	"github.com/marcus/pocketsync/internal/pstransport"
	"github.com/marcus/pocketsync/internal/pswatch"
)

// Schema is re-exported so callers don't need to import internal/psdb.
type Schema = psdb.Schema

// TableSpec is re-exported alongside Schema.
type TableSpec = psdb.TableSpec

// Options configures a new Engine. See internal/psconfig for field docs.
type Options = psconfig.Options

// ConflictStrategyKind names one of the built-in conflict policies.
type ConflictStrategyKind = psconfig.ConflictStrategyKind

const (
	LastWriteWins = psconfig.LastWriteWins
	ServerWins    = psconfig.ServerWins
	ClientWins    = psconfig.ClientWins
	Custom        = psconfig.Custom
)

// CustomResolver is supplied by the caller when Options.ConflictStrategy
// is Custom.
type CustomResolver func(table string, local, remote map[string]any) (map[string]any, error)

// Status is a read-only snapshot of the engine's current state, useful
// for a settings screen or health check.
type Status struct {
	DeviceID                string
	PendingChanges          int
	LastUploadTimestampMs   int64
	LastDownloadTimestampMs int64
	LastSyncStatus          string
}

// Engine is one running sync session bound to one embedded database.
type Engine struct {
	db       *sql.DB
	cfg      psconfig.Resolved
	log      *slog.Logger
	schema   Schema
	changes  *pslog.Store
	devices  *psdevice.Store
	watches  *pswatch.Registry
	notifier *psnotify.Notifier
	sched    *psscheduler.Scheduler
	tport    *pstransport.Client

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// Initialize augments db's schema per schema and readies an Engine. It
// does not start background sync; call Start for that. deviceID should
// be stable across runs (see internal/psdevice.Fingerprint).
func Initialize(ctx context.Context, db *sql.DB, schema Schema, deviceID string, opts Options, custom CustomResolver, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := psdb.Augment(ctx, db, schema, log); err != nil {
		return nil, fmt.Errorf("pocketsync: initialize: %w", err)
	}

	cfg := psconfig.Resolve(opts)
	changes := pslog.NewStore(db)
	devices := psdevice.NewStore(db)
	watches := pswatch.NewRegistry(db)
	notifier := psnotify.New(cfg.DebounceInterval)
	notifier.Subscribe(func(c psnotify.Change) {
		if c.IsRemote {
			watches.OnTablesChanged(context.Background(), []string{c.Table})
		}
	})

	resolver, err := resolverFor(cfg.ConflictStrategy, custom)
	if err != nil {
		return nil, fmt.Errorf("pocketsync: initialize: %w", err)
	}

	tport := pstransport.New(cfg.ServerURL, cfg.ProjectID, cfg.AuthToken, cfg.UserID, deviceID)

	if _, err := devices.Load(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("pocketsync: initialize device state: %w", err)
	}

	sched := psscheduler.New(db, changes, devices, tport, resolver, notifier, nil, psscheduler.Config{
		DeviceID:         deviceID,
		DebounceInterval: cfg.DebounceInterval,
		MaxBatchSize:     cfg.MaxBatchSize,
		RetentionWindow:  cfg.RetentionWindow,
		QueueHardCap:     cfg.QueueHardCap,
	}, log)

	return &Engine{
		db: db, cfg: cfg, log: log, schema: schema,
		changes: changes, devices: devices, watches: watches,
		notifier: notifier, sched: sched, tport: tport,
	}, nil
}

func resolverFor(kind ConflictStrategyKind, custom CustomResolver) (psresolve.Strategy, error) {
	if kind == psconfig.Custom {
		if custom == nil {
			return nil, fmt.Errorf("conflict strategy is custom but no resolver was supplied")
		}
		return psresolve.Custom(func(table string, local, remote psresolve.Row) (psresolve.Row, error) {
			winner, err := custom(table, local.Data, remote.Data)
			if err != nil {
				return psresolve.Row{}, err
			}
			out := remote
			out.Data = winner
			return out, nil
		}), nil
	}
	strat, ok := psresolve.ByKind(string(kind))
	if !ok {
		return nil, fmt.Errorf("unknown conflict strategy %q", kind)
	}
	return strat, nil
}

// Start begins the background upload/download loops and the remote
// event subscription. Local writes made via Notify automatically
// schedule an upload once Start has been called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.sched.Start(runCtx)
	e.sched.ScheduleDownload(runCtx)

	events := e.tport.Subscribe(runCtx, e.log)
	go func() {
		for range events {
			e.sched.ScheduleDownload(runCtx)
		}
	}()
}

// Stop halts background sync loops without releasing resources, so
// Start can be called again later.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.sched.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.started = false
}

// Dispose stops the engine; it does the same as Stop. Channels returned
// by Watch stay open until their own dispose funcs are called, and Start
// can still be called afterwards. The underlying *sql.DB is left open;
// the caller owns its lifecycle.
func (e *Engine) Dispose() {
	e.Stop()
}

// Notify informs the engine that table was changed locally by a write
// made outside Exec and Tx. The AFTER triggers installed by Initialize
// log the row change but cannot call back into Go, so without Notify
// such a write schedules no upload and re-runs no watch.
func (e *Engine) Notify(table string) {
	e.notifier.Notify(table, false)
	e.watches.OnTablesChanged(context.Background(), []string{table})
}

// ScheduleSync requests an upload and a download pass regardless of
// whether any local change triggered one. Both go through the
// scheduler's debounce timers, so they run one debounce interval after
// the last request, not immediately.
func (e *Engine) ScheduleSync(ctx context.Context) {
	e.sched.ScheduleUpload(ctx)
	e.sched.ScheduleDownload(ctx)
}

// Exec runs a mutating statement against table and then notifies
// watchers and the scheduler that table changed. The AFTER triggers
// installed by Initialize record the actual row-level change; Exec's
// job is only to drive the in-process notification path, since SQLite
// triggers have no way to call back into Go.
func (e *Engine) Exec(ctx context.Context, table, query string, args ...any) (sql.Result, error) {
	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pocketsync: exec: %w", err)
	}
	e.Notify(table)
	return res, nil
}

// Tx runs fn inside a transaction touching the given tables, then fires
// one coalesced notification per table afterward if fn succeeds.
func (e *Engine) Tx(ctx context.Context, tables []string, fn func(*sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pocketsync: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pocketsync: commit tx: %w", err)
	}
	for _, t := range tables {
		e.Notify(t)
	}
	return nil
}

// Watch subscribes to the live result of a query. The returned channel
// delivers a fresh Result whenever a table the query reads from
// changes, locally or remotely; call dispose when done.
func (e *Engine) Watch(ctx context.Context, query string, args ...any) (<-chan pswatch.Result, func()) {
	return e.watches.Watch(ctx, query, args...)
}

// SetUserID updates the user identity attached to outgoing sync
// traffic. Hosts that don't know the signed-in user at Initialize time
// can call this once login completes; already in-flight requests are
// unaffected, everything after picks up the new id.
func (e *Engine) SetUserID(id string) {
	e.tport.SetUserID(id)
}

// Reset drops all local change-tracking state and reseeds every synced
// table as if the engine were initializing for the first time: the
// pending change log, the per-table seeding gate, and the processed
// remote-change log are all cleared, and every table's pre-existing
// rows are re-queued for upload. This is destructive — any change this
// device hasn't already pushed is discarded, not retried — and is meant
// for flows like "sign out and wipe local state" or recovering from a
// corrupted sync history, not routine use.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	wasStarted := e.started
	e.mu.Unlock()
	if wasStarted {
		e.Stop()
	}
	if err := psdb.Reset(ctx, e.db, e.schema, e.log); err != nil {
		return fmt.Errorf("pocketsync: reset: %w", err)
	}
	if wasStarted {
		e.Start(ctx)
	}
	return nil
}

// Status returns a snapshot of the engine's current sync state.
func (e *Engine) Status(ctx context.Context, deviceID string) (Status, error) {
	st, err := e.devices.Load(ctx, deviceID)
	if err != nil {
		return Status{}, fmt.Errorf("pocketsync: status: %w", err)
	}
	pending, err := e.changes.CountUnsynced(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("pocketsync: status: %w", err)
	}
	return Status{
		DeviceID:                st.DeviceID,
		PendingChanges:          pending,
		LastUploadTimestampMs:   st.LastUploadTimestampMs,
		LastDownloadTimestampMs: st.LastDownloadTimestampMs,
		LastSyncStatus:          st.LastSyncStatus,
	}, nil
}
