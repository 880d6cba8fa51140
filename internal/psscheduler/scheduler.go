// Package psscheduler drives the actual sync passes: debounced,
// single-flight upload and download loops that fold pending local
// changes, ship them to the transport client, resolve conflicts on
// incoming rows, and write accepted rows back into the embedded
// database under the suppression guard so the write-back doesn't
// re-trigger capture.
package psscheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marcus/pocketsync/internal/psdevice"
	"github.com/marcus/pocketsync/internal/pserrors"
	"github.com/marcus/pocketsync/internal/pslog"
	"github.com/marcus/pocketsync/internal/psnotify"
	"github.com/marcus/pocketsync/internal/psresolve"
	"github.com/marcus/pocketsync/internal/pswire"
)

// Transport is the subset of pstransport.Client the scheduler depends
// on, narrowed to an interface so tests can fake the network.
type Transport interface {
	SendChanges(ctx context.Context, cs *pswire.ChangeSet) (*pswire.Ack, error)
	FetchChanges(ctx context.Context, sinceMs int64) ([]pswire.ChangeLog, error)
}

// Connectivity reports whether the host believes the network is up.
// When nil the scheduler assumes connectivity is always available.
type Connectivity func() bool

// Backoff-retry parameters for a failed upload or download pass. This
// is distinct from the circuit breaker: the breaker stops hammering a
// downed backend, while this timer is what brings a pass back to life
// on its own once the backend recovers, even if no local write ever
// calls ScheduleUpload again.
const (
	initialRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
	retryBackoffFactor  = 2
	retryJitterFraction = 0.2
)

// jitteredBackoff applies up to +-retryJitterFraction of random jitter
// to d so many devices retrying after the same outage don't all land on
// the backend in the same instant.
func jitteredBackoff(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * retryJitterFraction
	delta := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + delta)
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return initialRetryBackoff
	}
	next := cur * retryBackoffFactor
	if next > maxRetryBackoff {
		next = maxRetryBackoff
	}
	return next
}

type rowKey struct {
	Table, GlobalID string
}

// Scheduler owns the upload and download loops for one device.
type Scheduler struct {
	db        *sql.DB
	changes   *pslog.Store
	devices   *psdevice.Store
	transport Transport
	resolver  psresolve.Strategy
	notifier  *psnotify.Notifier
	connected Connectivity
	log       *slog.Logger

	deviceID        string
	debounce        time.Duration
	maxBatch        int
	retention       time.Duration
	hardCap         int
	uploadBreaker   *breaker
	downloadBreaker *breaker

	mu                 sync.Mutex
	uploadTimer        *time.Timer
	downloadTimer      *time.Timer
	uploadRetryTimer   *time.Timer
	downloadRetryTimer *time.Timer
	uploadBackoff      time.Duration
	downloadBackoff    time.Duration
	uploading          bool
	downloading        bool
	stopped            bool
	rowLocks           map[rowKey]*sync.Mutex

	unsubscribe func()
}

// Config carries the pieces of psconfig.Resolved the scheduler needs,
// kept separate so psscheduler doesn't import psconfig directly.
type Config struct {
	DeviceID         string
	DebounceInterval time.Duration
	MaxBatchSize     int
	RetentionWindow  time.Duration
	QueueHardCap     int
}

func New(db *sql.DB, changes *pslog.Store, devices *psdevice.Store, transport Transport,
	resolver psresolve.Strategy, notifier *psnotify.Notifier, connected Connectivity,
	cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		db:              db,
		changes:         changes,
		devices:         devices,
		transport:       transport,
		resolver:        resolver,
		notifier:        notifier,
		connected:       connected,
		log:             log,
		deviceID:        cfg.DeviceID,
		debounce:        cfg.DebounceInterval,
		maxBatch:        cfg.MaxBatchSize,
		retention:       cfg.RetentionWindow,
		hardCap:         cfg.QueueHardCap,
		uploadBreaker:   newBreaker(5, 30*time.Second),
		downloadBreaker: newBreaker(5, 30*time.Second),
		rowLocks:        make(map[rowKey]*sync.Mutex),
	}
}

// Start subscribes to local change notifications so a local write
// schedules an upload automatically. It undoes a previous Stop and
// resets both circuit breakers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	s.uploadBreaker.RecordSuccess()
	s.downloadBreaker.RecordSuccess()
	s.unsubscribe = s.notifier.Subscribe(func(c psnotify.Change) {
		if c.IsRemote {
			return
		}
		s.ScheduleUpload(ctx)
	})
}

// Stop cancels any pending debounced task without waiting for an
// in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.uploadTimer != nil {
		s.uploadTimer.Stop()
	}
	if s.downloadTimer != nil {
		s.downloadTimer.Stop()
	}
	if s.uploadRetryTimer != nil {
		s.uploadRetryTimer.Stop()
	}
	if s.downloadRetryTimer != nil {
		s.downloadRetryTimer.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// ScheduleUpload debounces an upload pass: repeated calls within the
// debounce window collapse into one pass.
func (s *Scheduler) ScheduleUpload(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.uploadTimer != nil {
		s.uploadTimer.Stop()
	}
	s.uploadTimer = time.AfterFunc(s.debounce, func() { s.runUpload(ctx) })
}

// ScheduleDownload debounces a download pass the same way.
func (s *Scheduler) ScheduleDownload(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.downloadTimer != nil {
		s.downloadTimer.Stop()
	}
	s.downloadTimer = time.AfterFunc(s.debounce, func() { s.runDownload(ctx) })
}

func (s *Scheduler) canRun() bool {
	if s.connected != nil && !s.connected() {
		return false
	}
	return true
}

// runUpload is single-flight per scheduler: if a pass is already
// running, this call re-arms the debounce timer instead of running, so
// a ScheduleUpload that fired during that pass runs another one once it
// finishes.
func (s *Scheduler) runUpload(ctx context.Context) {
	s.mu.Lock()
	if s.uploading {
		s.mu.Unlock()
		s.ScheduleUpload(ctx)
		return
	}
	if !s.canRun() || s.uploadBreaker.IsOpen() {
		s.mu.Unlock()
		return
	}
	s.uploading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.uploading = false
		s.mu.Unlock()
	}()

	if err := s.upload(ctx); err != nil {
		s.log.Warn("upload pass failed", "error", err)
		s.uploadBreaker.RecordFailure()
		if errors.Is(err, pserrors.ErrAuth) {
			return
		}
		s.scheduleUploadRetry(ctx)
		return
	}
	s.uploadBreaker.RecordSuccess()
	s.mu.Lock()
	s.uploadBackoff = 0
	s.mu.Unlock()
}

// scheduleUploadRetry arms a backoff-scheduled re-attempt so a failed
// pass recovers on its own once the backend is reachable again, even if
// no subsequent local write calls ScheduleUpload.
func (s *Scheduler) scheduleUploadRetry(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.uploadBackoff = nextBackoff(s.uploadBackoff)
	delay := jitteredBackoff(s.uploadBackoff)
	if s.uploadRetryTimer != nil {
		s.uploadRetryTimer.Stop()
	}
	s.uploadRetryTimer = time.AfterFunc(delay, func() { s.runUpload(ctx) })
}

func (s *Scheduler) upload(ctx context.Context) error {
	entries, err := s.changes.Unsynced(ctx, s.maxBatch)
	if err != nil {
		return fmt.Errorf("psscheduler: load unsynced: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	folded := pslog.FoldNetEffect(entries)
	cs := pswire.NewChangeSet(time.Now().UnixMilli())
	var allIDs []int64

	for _, f := range folded {
		allIDs = append(allIDs, f.SourceIDs...)
		switch f.Operation {
		case pslog.OpDelete:
			cs.Deletions[f.Table] = append(cs.Deletions[f.Table], pswire.Row{
				PrimaryKey: f.GlobalID,
				Timestamp:  cs.Timestamp,
			})
		case pslog.OpInsert, pslog.OpUpdate:
			data, ok, err := readRow(ctx, s.db, f.Table, f.GlobalID)
			if err != nil {
				return fmt.Errorf("psscheduler: read row for upload: %w", err)
			}
			if !ok {
				continue // row deleted again after the fold snapshot; skip
			}
			row := pswire.Row{PrimaryKey: f.GlobalID, Data: data, Timestamp: cs.Timestamp}
			if f.Operation == pslog.OpInsert {
				cs.Insertions[f.Table] = append(cs.Insertions[f.Table], row)
			} else {
				cs.Updates[f.Table] = append(cs.Updates[f.Table], row)
			}
		}
	}

	if cs.IsEmpty() {
		return s.changes.MarkSynced(ctx, allIDs)
	}

	ack, err := s.transport.SendChanges(ctx, cs)
	if err != nil {
		return fmt.Errorf("psscheduler: send changes: %w", err)
	}
	_ = ack

	if err := s.changes.MarkSynced(ctx, allIDs); err != nil {
		return fmt.Errorf("psscheduler: mark synced: %w", err)
	}
	if err := s.devices.RecordUpload(ctx, s.deviceID, cs.Timestamp); err != nil {
		return fmt.Errorf("psscheduler: record upload watermark: %w", err)
	}
	s.log.Info("uploaded changes", "rows", humanize.Comma(int64(len(allIDs))))
	_ = psdevice.RecordHistory(ctx, s.db, "upload", "*", "batch", len(allIDs))
	return nil
}

func (s *Scheduler) runDownload(ctx context.Context) {
	s.mu.Lock()
	if s.downloading || !s.canRun() || s.downloadBreaker.IsOpen() {
		s.mu.Unlock()
		return
	}
	s.downloading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.downloading = false
		s.mu.Unlock()
	}()

	if err := s.download(ctx); err != nil {
		s.log.Warn("download pass failed", "error", err)
		s.downloadBreaker.RecordFailure()
		if errors.Is(err, pserrors.ErrAuth) {
			return
		}
		s.scheduleDownloadRetry(ctx)
		return
	}
	s.downloadBreaker.RecordSuccess()
	s.mu.Lock()
	s.downloadBackoff = 0
	s.mu.Unlock()
}

// scheduleDownloadRetry is scheduleUploadRetry's download-side twin.
func (s *Scheduler) scheduleDownloadRetry(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.downloadBackoff = nextBackoff(s.downloadBackoff)
	delay := jitteredBackoff(s.downloadBackoff)
	if s.downloadRetryTimer != nil {
		s.downloadRetryTimer.Stop()
	}
	s.downloadRetryTimer = time.AfterFunc(delay, func() { s.runDownload(ctx) })
}

func (s *Scheduler) download(ctx context.Context) error {
	state, err := s.devices.Load(ctx, s.deviceID)
	if err != nil {
		return fmt.Errorf("psscheduler: load device state: %w", err)
	}

	logs, err := s.transport.FetchChanges(ctx, state.LastDownloadTimestampMs)
	if err != nil {
		return fmt.Errorf("psscheduler: fetch changes: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}

	var maxTs int64
	for _, cl := range logs {
		if cl.DeviceID == s.deviceID {
			continue // this device's own echoed upload
		}
		already, err := s.changes.RegisterRemoteApplied(ctx, cl.ID)
		if err != nil {
			return fmt.Errorf("psscheduler: register applied: %w", err)
		}
		if already {
			continue
		}
		if err := s.applyChangeSet(ctx, cl.ChangeSet); err != nil {
			// Unregister so the next pass retries this change log.
			_, _ = s.db.ExecContext(ctx, `DELETE FROM __pocketsync_processed_changes WHERE change_log_id = ?`, cl.ID)
			return fmt.Errorf("psscheduler: apply change set %s: %w", cl.ID, err)
		}
		if cl.ChangeSet.Timestamp > maxTs {
			maxTs = cl.ChangeSet.Timestamp
		}
	}

	if maxTs > 0 {
		if err := s.devices.RecordDownload(ctx, s.deviceID, maxTs); err != nil {
			return fmt.Errorf("psscheduler: record download watermark: %w", err)
		}
	}
	s.log.Info("applied remote changes", "entries", humanize.Comma(int64(len(logs))))
	_ = psdevice.RecordHistory(ctx, s.db, "download", "*", "batch", len(logs))
	return nil
}

func (s *Scheduler) applyChangeSet(ctx context.Context, cs pswire.ChangeSet) error {
	for table, rows := range cs.Insertions {
		for _, r := range rows {
			if err := s.applyRow(ctx, table, r, false); err != nil {
				return err
			}
		}
	}
	for table, rows := range cs.Updates {
		for _, r := range rows {
			if err := s.applyRow(ctx, table, r, false); err != nil {
				return err
			}
		}
	}
	for table, rows := range cs.Deletions {
		for _, r := range rows {
			if err := s.applyRow(ctx, table, r, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyRow resolves a potential conflict against the local version of
// the row (if any) and writes the winner back under the suppression
// guard, then notifies local watchers.
func (s *Scheduler) applyRow(ctx context.Context, table string, remote pswire.Row, deleted bool) error {
	lock := s.lockFor(table, remote.PrimaryKey)
	lock.Lock()
	defer lock.Unlock()

	localData, exists, err := readRow(ctx, s.db, table, remote.PrimaryKey)
	if err != nil {
		return err
	}

	remoteRow := psresolve.Row{
		Table: table, GlobalID: remote.PrimaryKey, TimestampMs: remote.Timestamp, Deleted: deleted,
	}
	if remote.Data != nil {
		_ = json.Unmarshal(remote.Data, &remoteRow.Data)
	}

	winner := remoteRow
	if exists {
		var localMap map[string]any
		_ = json.Unmarshal(localData, &localMap)
		localRow := psresolve.Row{Table: table, GlobalID: remote.PrimaryKey, Data: localMap, DeviceID: s.deviceID}
		resolved, err := s.resolver(table, localRow, remoteRow)
		if err != nil {
			return fmt.Errorf("%w: %v", pserrors.ErrConflict, err)
		}
		winner = resolved
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO __pocketsync_suppress (table_name) VALUES (?)`, table); err != nil {
		return fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}

	if winner.Deleted {
		if err := deleteRow(ctx, tx, table, remote.PrimaryKey); err != nil {
			return err
		}
	} else {
		if err := upsertRow(ctx, tx, table, remote.PrimaryKey, winner.Data); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM __pocketsync_suppress WHERE table_name = ?`, table); err != nil {
		return fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}

	s.notifier.Notify(table, true)
	return nil
}

func (s *Scheduler) lockFor(table, globalID string) *sync.Mutex {
	k := rowKey{table, globalID}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[k]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[k] = l
	}
	return l
}

// Prune discards synced change log entries per the retention policy.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	return s.changes.Prune(ctx, s.retention, s.hardCap, nil)
}

func readRow(ctx context.Context, db *sql.DB, table, globalID string) (json.RawMessage, bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE ps_global_id = ?`, quoteIdent(table)), globalID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}
	if !rows.Next() {
		return nil, false, rows.Err()
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		m[c] = vals[i]
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", pserrors.ErrStorage, err)
	}
	return data, true, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, table, globalID string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	data["ps_global_id"] = globalID

	cols := make([]string, 0, len(data))
	for c := range data {
		cols = append(cols, c)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	assignments := make([]string, 0, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = data[c]
		if c != "ps_global_id" {
			assignments = append(assignments, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
		}
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}

	stmt := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON CONFLICT(ps_global_id) DO UPDATE SET %s`,
		quoteIdent(table), joinComma(quotedCols), joinComma(placeholders), joinComma(assignments))

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("%w: upsert %s: %v", pserrors.ErrStorage, table, err)
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, table, globalID string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ps_global_id = ?`, quoteIdent(table)), globalID); err != nil {
		return fmt.Errorf("%w: delete %s: %v", pserrors.ErrStorage, table, err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
