package pswatch

import (
	"reflect"
	"sort"
	"testing"
)

func extracted(sql string) []string {
	out := ExtractTables(sql)
	sort.Strings(out)
	return out
}

func TestExtractTablesSimpleSelect(t *testing.T) {
	got := extracted(`SELECT * FROM tasks WHERE done = 0`)
	want := []string{"tasks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractTablesJoin(t *testing.T) {
	got := extracted(`SELECT t.id FROM tasks t JOIN notes n ON n.task_id = t.id`)
	want := []string{"notes", "tasks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractTablesCommaJoinedFrom(t *testing.T) {
	got := extracted(`SELECT * FROM tasks, notes WHERE tasks.id = notes.task_id`)
	want := []string{"notes", "tasks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractTablesExcludesCTEAlias(t *testing.T) {
	got := extracted(`WITH recent AS (SELECT * FROM tasks WHERE done = 0) SELECT * FROM recent`)
	want := []string{"tasks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractTablesIgnoresComments(t *testing.T) {
	got := extracted("SELECT * FROM tasks -- join notes someday\n WHERE done = 0")
	want := []string{"tasks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractTablesSchemaQualified(t *testing.T) {
	got := extracted(`SELECT * FROM main.tasks`)
	want := []string{"tasks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
