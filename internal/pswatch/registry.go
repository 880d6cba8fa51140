package pswatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Result is one delivery of a watched query's current rows, or an error
// if the re-run failed (the watch itself stays alive on error).
type Result struct {
	Rows []map[string]any
	Err  error
}

type watch struct {
	id     uint64
	sql    string
	args   []any
	tables map[string]bool
	ch     chan Result
}

// Registry tracks live query subscriptions and re-runs them when a
// table they depend on changes.
type Registry struct {
	db *sql.DB

	mu      sync.Mutex
	nextID  uint64
	watches map[uint64]*watch
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, watches: make(map[uint64]*watch)}
}

// Watch runs query once immediately and delivers a fresh Result on the
// returned channel every time OnTablesChanged reports a table the query
// reads from. The returned dispose func is idempotent; calling it closes
// the channel and stops further deliveries.
func (r *Registry) Watch(ctx context.Context, query string, args ...any) (<-chan Result, func()) {
	tables := make(map[string]bool)
	for _, t := range ExtractTables(query) {
		tables[t] = true
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	w := &watch{id: id, sql: query, args: args, tables: tables, ch: make(chan Result, 1)}
	r.watches[id] = w
	r.mu.Unlock()

	r.run(ctx, w)

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watches, id)
			r.mu.Unlock()
			close(w.ch)
		})
	}
	return w.ch, dispose
}

// OnTablesChanged re-runs every live watch whose table set intersects
// changedTables. Delivery is non-blocking per watch: if the subscriber
// hasn't drained the previous result, the new one replaces it so a slow
// consumer never backs up the notifier.
func (r *Registry) OnTablesChanged(ctx context.Context, changedTables []string) {
	r.mu.Lock()
	var affected []*watch
	for _, w := range r.watches {
		for _, t := range changedTables {
			if w.tables[t] {
				affected = append(affected, w)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, w := range affected {
		r.run(ctx, w)
	}
}

func (r *Registry) run(ctx context.Context, w *watch) {
	rows, err := queryRows(ctx, r.db, w.sql, w.args...)
	res := Result{Rows: rows, Err: err}

	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- res:
	default:
	}
}

func queryRows(ctx context.Context, db *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pswatch: run watched query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("pswatch: columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("pswatch: scan watched row: %w", err)
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
