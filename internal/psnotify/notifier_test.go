package psnotify

import (
	"sync"
	"testing"
	"time"
)

func TestNotifyCoalescesBurstIntoOneDelivery(t *testing.T) {
	n := New(20 * time.Millisecond)

	var mu sync.Mutex
	var deliveries []Change
	n.Subscribe(func(c Change) {
		mu.Lock()
		deliveries = append(deliveries, c)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		n.Notify("tasks", false)
	}

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 1 {
		t.Fatalf("expected exactly one coalesced delivery, got %d: %+v", len(deliveries), deliveries)
	}
	if deliveries[0].Table != "tasks" || deliveries[0].IsRemote {
		t.Fatalf("unexpected delivery: %+v", deliveries[0])
	}
}

func TestNotifyIsRemoteSticky(t *testing.T) {
	n := New(20 * time.Millisecond)

	var mu sync.Mutex
	var got Change
	n.Subscribe(func(c Change) {
		mu.Lock()
		got = c
		mu.Unlock()
	})

	n.Notify("tasks", false)
	n.Notify("tasks", true)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !got.IsRemote {
		t.Fatalf("expected remote flag to stick once any touch in the window was remote, got %+v", got)
	}
}

func TestSubscribeTableOnlyFiresForItsTable(t *testing.T) {
	n := New(20 * time.Millisecond)

	var mu sync.Mutex
	var tasksFired, notesFired bool
	n.SubscribeTable("tasks", func(Change) {
		mu.Lock()
		tasksFired = true
		mu.Unlock()
	})
	n.SubscribeTable("notes", func(Change) {
		mu.Lock()
		notesFired = true
		mu.Unlock()
	})

	n.Notify("tasks", false)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !tasksFired || notesFired {
		t.Fatalf("expected only the tasks subscriber to fire, got tasks=%v notes=%v", tasksFired, notesFired)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	n := New(10 * time.Millisecond)

	var mu sync.Mutex
	count := 0
	unsub := n.Subscribe(func(Change) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()

	n.Notify("tasks", false)
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}
