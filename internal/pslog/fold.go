package pslog

import "golang.org/x/exp/slices"

// rowKey identifies a single syncable row across possibly several log
// entries accumulated between sync passes.
type rowKey struct {
	Table    string
	GlobalID string
}

// Folded is the single net effect computed for one row out of however
// many change-log entries it accumulated, plus the ids those entries
// occupied (needed so the caller can mark all of them synced together).
type Folded struct {
	Table     string
	GlobalID  string
	Operation Operation
	SourceIDs []int64
}

// FoldNetEffect collapses the per-row operation history in entries
// (already ordered oldest first) down to one net operation per row:
//
//	INSERT then DELETE   -> dropped entirely, the row never existed remotely
//	INSERT then UPDATE*  -> INSERT (final column state is read fresh at upload time)
//	UPDATE+ then DELETE  -> DELETE
//	UPDATE+              -> UPDATE
//	DELETE (terminal)    -> DELETE
//
// Order within a row's own history is preserved across the whole batch:
// the result order follows each row's first appearance in entries.
func FoldNetEffect(entries []Entry) []Folded {
	order := make([]rowKey, 0, len(entries))
	byRow := make(map[rowKey][]Entry, len(entries))

	for _, e := range entries {
		k := rowKey{Table: e.Table, GlobalID: e.GlobalID}
		if _, seen := byRow[k]; !seen {
			order = append(order, k)
		}
		byRow[k] = append(byRow[k], e)
	}

	out := make([]Folded, 0, len(order))
	for _, k := range order {
		hist := byRow[k]
		op, ok := foldRow(hist)
		if !ok {
			continue
		}
		ids := make([]int64, 0, len(hist))
		for _, e := range hist {
			ids = append(ids, e.ID)
		}
		out = append(out, Folded{Table: k.Table, GlobalID: k.GlobalID, Operation: op, SourceIDs: ids})
	}
	return out
}

func foldRow(hist []Entry) (Operation, bool) {
	hasInsert := slices.ContainsFunc(hist, func(e Entry) bool { return e.Operation == OpInsert })
	last := hist[len(hist)-1].Operation

	switch {
	case hasInsert && last == OpDelete:
		return "", false
	case hasInsert:
		return OpInsert, true
	case last == OpDelete:
		return OpDelete, true
	default:
		return OpUpdate, true
	}
}
