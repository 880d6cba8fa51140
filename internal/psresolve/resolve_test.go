package psresolve

import (
	"errors"
	"testing"
)

func TestLastWriteWinsPicksLaterTimestamp(t *testing.T) {
	local := Row{TimestampMs: 100, DeviceID: "a"}
	remote := Row{TimestampMs: 200, DeviceID: "b"}

	winner, err := LastWriteWins("tasks", local, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.TimestampMs != 200 {
		t.Fatalf("expected the later write to win, got timestamp %d", winner.TimestampMs)
	}
}

func TestLastWriteWinsTieBreaksByGlobalID(t *testing.T) {
	local := Row{TimestampMs: 100, GlobalID: "bbbb", DeviceID: "alpha"}
	remote := Row{TimestampMs: 100, GlobalID: "aaaa", DeviceID: "beta"}

	// "bbbb" sorts after "aaaa", so local wins regardless of which side
	// of the comparison it's passed on.
	w1, _ := LastWriteWins("tasks", local, remote)
	if w1.GlobalID != "bbbb" {
		t.Fatalf("expected the lexicographically later ps_global_id to win, got %q", w1.GlobalID)
	}
	w2, _ := LastWriteWins("tasks", remote, local)
	if w2.GlobalID != "bbbb" {
		t.Fatalf("tie-break must not depend on argument order: got %q", w2.GlobalID)
	}
}

func TestServerWinsAlwaysPicksRemote(t *testing.T) {
	local := Row{TimestampMs: 999, DeviceID: "a"}
	remote := Row{TimestampMs: 1, DeviceID: "b"}
	winner, _ := ServerWins("tasks", local, remote)
	if winner.DeviceID != "b" {
		t.Fatalf("expected remote to always win, got %q", winner.DeviceID)
	}
}

func TestClientWinsAlwaysPicksLocal(t *testing.T) {
	local := Row{TimestampMs: 1, DeviceID: "a"}
	remote := Row{TimestampMs: 999, DeviceID: "b"}
	winner, _ := ClientWins("tasks", local, remote)
	if winner.DeviceID != "a" {
		t.Fatalf("expected local to always win, got %q", winner.DeviceID)
	}
}

func TestCustomWrapsUnderlyingError(t *testing.T) {
	sentinel := errors.New("boom")
	strat := Custom(func(table string, local, remote Row) (Row, error) {
		return Row{}, sentinel
	})

	_, err := strat("tasks", Row{}, Row{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped error to unwrap to sentinel, got %v", err)
	}
}

func TestByKindLooksUpBuiltinStrategies(t *testing.T) {
	for _, kind := range []string{"last_write_wins", "server_wins", "client_wins"} {
		if _, ok := ByKind(kind); !ok {
			t.Fatalf("expected %q to resolve to a known strategy", kind)
		}
	}
	if _, ok := ByKind("nonsense"); ok {
		t.Fatal("expected unknown kind to report not-ok")
	}
}
