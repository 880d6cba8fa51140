// Package psresolve decides which of two conflicting row versions wins
// when a local and a remote change touch the same row.
package psresolve

import (
	"fmt"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Side names which version a strategy picked.
type Side int

const (
	Local Side = iota
	Remote
)

// Row is the minimal shape a resolver needs: the raw column data plus
// enough metadata to compare recency.
type Row struct {
	Table       string
	GlobalID    string
	Data        map[string]any
	TimestampMs int64
	Deleted     bool
	DeviceID    string // originating device; metadata for Custom resolvers, not used by the built-in strategies
}

// Strategy picks a winner between local and remote versions of the same
// row. Implementations run synchronously on the scheduler's goroutine
// and should not block on I/O.
type Strategy func(table string, local, remote Row) (Row, error)

// LastWriteWins picks the row with the later timestamp. Ties are broken
// by a lexicographic comparison of ps_global_id (locale-aware collation)
// so the choice is deterministic across devices regardless of which
// side runs the comparison.
func LastWriteWins(table string, local, remote Row) (Row, error) {
	if local.TimestampMs != remote.TimestampMs {
		if local.TimestampMs > remote.TimestampMs {
			return local, nil
		}
		return remote, nil
	}
	if collator.CompareString(local.GlobalID, remote.GlobalID) >= 0 {
		return local, nil
	}
	return remote, nil
}

// ServerWins always accepts the remote version, used when the backend
// is the source of truth (e.g. server-computed fields).
func ServerWins(table string, local, remote Row) (Row, error) {
	return remote, nil
}

// ClientWins always keeps the local version, used for fields only the
// originating device should ever set. The kept row is written back under
// the suppression guard, so it is not queued for upload again.
func ClientWins(table string, local, remote Row) (Row, error) {
	return local, nil
}

var collator = collate.New(language.Und)

// Custom wraps a user-supplied resolver function, surfacing its error
// (if any) wrapped for the caller to match with errors.Is against
// pserrors.ErrConflict.
func Custom(fn Strategy) Strategy {
	return func(table string, local, remote Row) (Row, error) {
		winner, err := fn(table, local, remote)
		if err != nil {
			return Row{}, fmt.Errorf("psresolve: custom strategy: %w", err)
		}
		return winner, nil
	}
}

// ByKind looks up one of the four built-in strategy kinds by name,
// returning a resolver ready to use as-is (Custom strategies are
// supplied directly by the caller, not looked up here).
func ByKind(kind string) (Strategy, bool) {
	switch kind {
	case "last_write_wins":
		return LastWriteWins, true
	case "server_wins":
		return ServerWins, true
	case "client_wins":
		return ClientWins, true
	default:
		return nil, false
	}
}
