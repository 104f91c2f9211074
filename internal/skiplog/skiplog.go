// Package skiplog records rejected input rows in a CSV side file so operators
// can inspect and replay them after a run.
package skiplog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Header is the first row of every reject file.
var Header = []string{"reason", "position", "product_id", "raw_line"}

// Log appends rejected rows to a CSV file and counts them per reason.
// It is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	reasons map[string]int
	f       *os.File
	w       *csv.Writer
}

// Open creates (or truncates) the reject file at path, creating parent
// directories as needed, and writes the header row.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("skiplog: create dir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("skiplog: open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("skiplog: write header: %w", err)
	}
	return &Log{reasons: make(map[string]int), f: f, w: w}, nil
}

// Add records one rejected row. position is the row's index in the record
// stream; raw is the row as read, re-encoded as a single CSV line.
func (l *Log) Add(reason string, position int64, productID string, raw []string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reasons[reason]++
	return l.w.Write([]string{reason, strconv.FormatInt(position, 10), productID, encodeLine(raw)})
}

// Counts returns a copy of the per-reason counters.
func (l *Log) Counts() map[string]int {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.reasons))
	for k, v := range l.reasons {
		out[k] = v
	}
	return out
}

// Close flushes buffered rows and closes the file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w.Flush()
	if err := l.w.Error(); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("skiplog: flush: %w", err)
	}
	return l.f.Close()
}

func encodeLine(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimRight(buf.String(), "\r\n")
}
