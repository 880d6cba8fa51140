package psscheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus/pocketsync/internal/psdb"
	"github.com/marcus/pocketsync/internal/psdevice"
	"github.com/marcus/pocketsync/internal/pserrors"
	"github.com/marcus/pocketsync/internal/pslog"
	"github.com/marcus/pocketsync/internal/psnotify"
	"github.com/marcus/pocketsync/internal/psresolve"
	"github.com/marcus/pocketsync/internal/pswire"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []*pswire.ChangeSet
	fetched  []pswire.ChangeLog
	failNext int
	sendErr  error
}

func (f *fakeTransport) SendChanges(ctx context.Context, cs *pswire.ChangeSet) (*pswire.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, f.sendErr
	}
	f.sent = append(f.sent, cs)
	return &pswire.Ack{}, nil
}

func (f *fakeTransport) FetchChanges(ctx context.Context, sinceMs int64) ([]pswire.ChangeLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched, nil
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE tasks (id INTEGER PRIMARY KEY, title TEXT)`); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	schema := psdb.Schema{Tables: []psdb.TableSpec{{Name: "tasks"}}}
	if err := psdb.Augment(context.Background(), db, schema, nil); err != nil {
		t.Fatalf("augment: %v", err)
	}
	return db
}

func TestUploadSendsFoldedChangesAndMarksSynced(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO tasks (title) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	changes := pslog.NewStore(db)
	devices := psdevice.NewStore(db)
	transport := &fakeTransport{}
	notifier := psnotify.New(time.Millisecond)

	sched := New(db, changes, devices, transport, psresolve.LastWriteWins, notifier, nil, Config{
		DeviceID: "dev1", DebounceInterval: time.Millisecond, MaxBatchSize: 100,
		RetentionWindow: time.Hour, QueueHardCap: 1000,
	}, nil)

	sched.runUpload(context.Background())

	if len(transport.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(transport.sent))
	}
	if n := len(transport.sent[0].Insertions["tasks"]); n != 1 {
		t.Fatalf("expected 1 inserted row uploaded, got %d", n)
	}

	n, err := changes.CountUnsynced(context.Background())
	if err != nil {
		t.Fatalf("count unsynced: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 unsynced after upload, got %d", n)
	}
}

func TestUploadWithNoPendingChangesDoesNotCallTransport(t *testing.T) {
	db := newTestDB(t)
	changes := pslog.NewStore(db)
	devices := psdevice.NewStore(db)
	transport := &fakeTransport{}
	notifier := psnotify.New(time.Millisecond)

	sched := New(db, changes, devices, transport, psresolve.LastWriteWins, notifier, nil, Config{
		DeviceID: "dev1", DebounceInterval: time.Millisecond, MaxBatchSize: 100,
		RetentionWindow: time.Hour, QueueHardCap: 1000,
	}, nil)

	sched.runUpload(context.Background())
	if len(transport.sent) != 0 {
		t.Fatalf("expected no send when nothing is pending, got %d", len(transport.sent))
	}
}

func TestUploadFailureSchedulesBackoffRetryThatSucceeds(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO tasks (title) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	changes := pslog.NewStore(db)
	devices := psdevice.NewStore(db)
	transport := &fakeTransport{failNext: 1, sendErr: fmt.Errorf("%w: boom", pserrors.ErrTransport)}
	notifier := psnotify.New(time.Millisecond)

	sched := New(db, changes, devices, transport, psresolve.LastWriteWins, notifier, nil, Config{
		DeviceID: "dev1", DebounceInterval: time.Millisecond, MaxBatchSize: 100,
		RetentionWindow: time.Hour, QueueHardCap: 1000,
	}, nil)

	sched.runUpload(context.Background())
	if len(transport.sent) != 0 {
		t.Fatalf("expected the first attempt to fail without sending, got %d sends", len(transport.sent))
	}

	sched.mu.Lock()
	armed := sched.uploadRetryTimer != nil
	backoff := sched.uploadBackoff
	sched.mu.Unlock()
	if !armed {
		t.Fatal("expected a retry timer to be armed after a transient failure")
	}
	if backoff != initialRetryBackoff {
		t.Fatalf("expected backoff to start at %v, got %v", initialRetryBackoff, backoff)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(transport.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected the scheduled retry to eventually succeed, got %d sends", len(transport.sent))
	}

	sched.mu.Lock()
	resetBackoff := sched.uploadBackoff
	sched.mu.Unlock()
	if resetBackoff != 0 {
		t.Fatalf("expected backoff to reset to 0 after a successful retry, got %v", resetBackoff)
	}
}

func TestDownloadAppliesRemoteInsertUnderSuppression(t *testing.T) {
	db := newTestDB(t)
	changes := pslog.NewStore(db)
	devices := psdevice.NewStore(db)
	notifier := psnotify.New(time.Millisecond)

	transport := &fakeTransport{fetched: []pswire.ChangeLog{
		{
			ID:       "cl1",
			DeviceID: "other-device",
			ChangeSet: pswire.ChangeSet{
				Timestamp: 1000,
				Insertions: map[string][]pswire.Row{
					"tasks": {{PrimaryKey: "remote-1", Data: []byte(`{"id":1,"title":"from server"}`), Timestamp: 1000}},
				},
			},
		},
	}}

	sched := New(db, changes, devices, transport, psresolve.LastWriteWins, notifier, nil, Config{
		DeviceID: "dev1", DebounceInterval: time.Millisecond, MaxBatchSize: 100,
		RetentionWindow: time.Hour, QueueHardCap: 1000,
	}, nil)

	sched.runDownload(context.Background())

	var title string
	if err := db.QueryRow(`SELECT title FROM tasks WHERE ps_global_id = 'remote-1'`).Scan(&title); err != nil {
		t.Fatalf("expected applied remote row: %v", err)
	}
	if title != "from server" {
		t.Fatalf("unexpected title %q", title)
	}

	// Applying under suppression must not have logged a new local change.
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM __pocketsync_changes WHERE record_rowid = 'remote-1'`).Scan(&n); err != nil {
		t.Fatalf("count changes for remote row: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected remote write-back to be suppressed, found %d logged changes", n)
	}
}

func TestDownloadSkipsAlreadyAppliedChangeLog(t *testing.T) {
	db := newTestDB(t)
	changes := pslog.NewStore(db)
	devices := psdevice.NewStore(db)
	notifier := psnotify.New(time.Millisecond)

	cl := pswire.ChangeLog{
		ID:       "dup1",
		DeviceID: "other-device",
		ChangeSet: pswire.ChangeSet{
			Timestamp:  1000,
			Insertions: map[string][]pswire.Row{"tasks": {{PrimaryKey: "r1", Data: []byte(`{"title":"x"}`)}}},
		},
	}
	transport := &fakeTransport{fetched: []pswire.ChangeLog{cl}}

	sched := New(db, changes, devices, transport, psresolve.LastWriteWins, notifier, nil, Config{
		DeviceID: "dev1", DebounceInterval: time.Millisecond, MaxBatchSize: 100,
		RetentionWindow: time.Hour, QueueHardCap: 1000,
	}, nil)

	sched.runDownload(context.Background())
	if _, err := db.Exec(`DELETE FROM tasks WHERE ps_global_id = 'r1'`); err != nil {
		t.Fatalf("cleanup row: %v", err)
	}

	// Second delivery of the same change log id must be a no-op: the row
	// we just deleted should not reappear.
	sched.runDownload(context.Background())
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE ps_global_id = 'r1'`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected duplicate change log delivery to be ignored, row reappeared")
	}
}
