package skiplog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	return rows
}

// TestOpen_CreatesDirFileAndHeader verifies that Open creates missing parent
// directories and writes the fixed header row immediately.
func TestOpen_CreatesDirFileAndHeader(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "rejects", "batch.csv")
	l, err := Open(target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readAll(t, target)
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 row (header), got %d: %#v", len(rows), rows)
	}
	if !reflect.DeepEqual(rows[0], Header) {
		t.Fatalf("header mismatch\ngot : %#v\nwant: %#v", rows[0], Header)
	}
}

// TestLog_Add_WritesRowsAndCounts ensures Add increments per-reason counters
// and appends rows whose raw_line decodes back to the original fields.
func TestLog_Add_WritesRowsAndCounts(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "rejects.csv")
	l, err := Open(target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	type in struct {
		reason string
		pos    int64
		pid    string
		raw    []string
	}
	inputs := []in{
		{"field_count", 2, "P1", []string{"P1", "Coca, 1L"}},
		{"parse_error", 3, "", []string{`bad "quote`}},
		{"field_count", 5, "P9", nil},
	}
	for _, x := range inputs {
		if err := l.Add(x.reason, x.pos, x.pid, x.raw); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	counts := l.Counts()
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readAll(t, target)
	if len(rows) != 1+len(inputs) {
		t.Fatalf("want %d rows, got %d: %#v", 1+len(inputs), len(rows), rows)
	}
	if got := rows[1]; !reflect.DeepEqual(got, []string{"field_count", "2", "P1", `P1,"Coca, 1L"`}) {
		t.Fatalf("row 1 = %#v", got)
	}
	if got := rows[3]; !reflect.DeepEqual(got, []string{"field_count", "5", "P9", ""}) {
		t.Fatalf("row 3 = %#v", got)
	}

	if counts["field_count"] != 2 || counts["parse_error"] != 1 || len(counts) != 2 {
		t.Fatalf("counts = %#v", counts)
	}
}

func TestLog_NilIsNoop(t *testing.T) {
	t.Parallel()

	var l *Log
	if err := l.Add("x", 1, "", nil); err != nil {
		t.Fatalf("nil Add: %v", err)
	}
	if l.Counts() != nil {
		t.Fatalf("nil Counts != nil")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}
