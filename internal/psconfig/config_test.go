package psconfig

import (
	"testing"
	"time"
)

func TestResolveFillsDefaults(t *testing.T) {
	r := Resolve(Options{ProjectID: "p1"})
	if r.DebounceInterval != DefaultDebounceInterval {
		t.Fatalf("expected default debounce, got %v", r.DebounceInterval)
	}
	if r.MaxBatchSize != DefaultMaxBatchSize {
		t.Fatalf("expected default batch size, got %d", r.MaxBatchSize)
	}
	if r.ConflictStrategy != LastWriteWins {
		t.Fatalf("expected default conflict strategy, got %q", r.ConflictStrategy)
	}
}

func TestResolveHonorsExplicitOverrides(t *testing.T) {
	d := 7 * time.Second
	batchSize := 42
	r := Resolve(Options{DebounceInterval: &d, MaxBatchSize: &batchSize, ConflictStrategy: ServerWins})
	if r.DebounceInterval != d {
		t.Fatalf("expected explicit debounce to win, got %v", r.DebounceInterval)
	}
	if r.MaxBatchSize != 42 {
		t.Fatalf("expected explicit batch size to win, got %d", r.MaxBatchSize)
	}
	if r.ConflictStrategy != ServerWins {
		t.Fatalf("expected explicit conflict strategy to win, got %q", r.ConflictStrategy)
	}
}
