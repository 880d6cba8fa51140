// Package psnotify fans out table-change events to subscribers after a
// short debounce window, so a burst of writes to the same table
// collapses into one notification instead of one per row.
package psnotify

import (
	"sync"
	"time"
)

// Change describes one coalesced notification: a table was touched,
// possibly by a remotely-applied write (is_remote), which callers use
// to avoid re-queuing an upload for data that just arrived from the
// server.
type Change struct {
	Table    string
	IsRemote bool
}

// Sink receives coalesced change notifications.
type Sink func(Change)

// Notifier coalesces per-table change signals behind a debounce timer.
// A table touched N times within the debounce window yields exactly one
// delivery once the window elapses with no further touches.
type Notifier struct {
	debounce time.Duration

	mu        sync.Mutex
	pending   map[string]bool // table -> isRemote (true wins over false within a window)
	timer     *time.Timer
	global    []Sink
	perTable  map[string][]Sink
}

func New(debounce time.Duration) *Notifier {
	return &Notifier{
		debounce: debounce,
		pending:  make(map[string]bool),
		perTable: make(map[string][]Sink),
	}
}

// Subscribe registers a sink invoked for every coalesced change.
func (n *Notifier) Subscribe(sink Sink) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := len(n.global)
	n.global = append(n.global, sink)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if idx < len(n.global) {
			n.global[idx] = nil
		}
	}
}

// SubscribeTable registers a sink invoked only for changes to table.
func (n *Notifier) SubscribeTable(table string, sink Sink) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.perTable[table] = append(n.perTable[table], sink)
	idx := len(n.perTable[table]) - 1
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if list := n.perTable[table]; idx < len(list) {
			list[idx] = nil
		}
	}
}

// Notify records that table changed. Delivery to subscribers is
// debounced: it happens once no Notify call for any table arrives for
// the configured debounce interval.
func (n *Notifier) Notify(table string, isRemote bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending[table] = n.pending[table] || isRemote

	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.debounce, n.flush)
}

func (n *Notifier) flush() {
	n.mu.Lock()
	pending := n.pending
	n.pending = make(map[string]bool)
	global := append([]Sink(nil), n.global...)
	perTable := make(map[string][]Sink, len(n.perTable))
	for t, sinks := range n.perTable {
		perTable[t] = append([]Sink(nil), sinks...)
	}
	n.mu.Unlock()

	for table, isRemote := range pending {
		c := Change{Table: table, IsRemote: isRemote}
		for _, s := range global {
			if s != nil {
				s(c)
			}
		}
		for _, s := range perTable[table] {
			if s != nil {
				s(c)
			}
		}
	}
}

// Flush forces immediate delivery of any pending notifications,
// bypassing the debounce window.
func (n *Notifier) Flush() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()
	n.flush()
}
