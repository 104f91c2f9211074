package storage

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"pricesync/pkg/records"
)

// SeqColumn holds a row's absolute source position. Merges keep the row with
// the highest seq per key, i.e. the last one in source order.
const SeqColumn = "seq"

// StagingColumns is the column order of the staging relation and of the
// rows produced by StagingRows.
var StagingColumns = append(append([]string{}, records.Columns...), SeqColumn)

// StagingRows encodes a batch for ReplaceStaging. positions[i] is the source
// position of rows[i]. Empty strings become NULL.
func StagingRows(rows []records.Row, positions []int64) ([][]any, error) {
	if len(rows) != len(positions) {
		return nil, fmt.Errorf("storage: %d rows but %d positions", len(rows), len(positions))
	}
	out := make([][]any, len(rows))
	for i, r := range rows {
		vals := make([]any, 0, len(StagingColumns))
		for _, f := range r.Fields() {
			vals = append(vals, nullable(f))
		}
		out[i] = append(vals, positions[i])
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SplitStatements splits a DDL script on ";" at line ends and drops "--"
// comment lines. Scripts must not contain ";" inside literals.
func SplitStatements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
			out = append(out, stmt)
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// IsNetworkError reports errors any backend treats as transient: broken
// connections and truncated reads.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
