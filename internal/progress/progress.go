// Package progress reports per-batch progress of a run. A report is sent
// after every committed batch; reporters are best effort and a failing
// reporter never fails the run.
package progress

import (
	"context"
	"errors"
	"time"

	"pricesync/internal/logger"
	"pricesync/internal/metrics"
)

// Progress describes the state of a run right after a batch commit.
type Progress struct {
	Job   string `json:"job"`
	RunID string `json:"run_id"`

	// Batch is the 1-based sequence number of the committed batch in this run.
	Batch int `json:"batch"`
	// Rows is the number of rows in the batch.
	Rows int `json:"rows"`
	// Processed counts source records consumed so far, rows skipped on
	// resume and dropped records included. It is a valid resume offset.
	Processed int64 `json:"processed"`
	// Total is the estimated number of records in the source, 0 while unknown.
	Total int64 `json:"total"`
	// RowsPerSec is Rows over the time spent on the batch, sleep excluded.
	RowsPerSec float64 `json:"rows_per_sec"`
	// Offset is the checkpoint offset committed with the batch.
	Offset int64 `json:"offset"`
	// Malformed counts records dropped by the reader so far.
	Malformed int64     `json:"malformed"`
	At        time.Time `json:"at"`
}

// Percent returns Offset/Total in percent, or -1 when Total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	pct := float64(p.Offset) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Reporter receives progress after each commit.
type Reporter interface {
	Report(ctx context.Context, p Progress) error
}

// Func adapts a function to Reporter.
type Func func(ctx context.Context, p Progress) error

func (f Func) Report(ctx context.Context, p Progress) error { return f(ctx, p) }

// Nop discards reports.
type Nop struct{}

func (Nop) Report(context.Context, Progress) error { return nil }

// Log writes one structured line per batch.
type Log struct {
	log *logger.Logger
}

func NewLog(log *logger.Logger) *Log { return &Log{log: log} }

func (l *Log) Report(_ context.Context, p Progress) error {
	kv := []any{
		"job", p.Job,
		"batch", p.Batch,
		"rows", p.Rows,
		"processed", p.Processed,
		"offset", p.Offset,
		"rows_per_sec", int64(p.RowsPerSec),
		"malformed", p.Malformed,
	}
	if pct := p.Percent(); pct >= 0 {
		kv = append(kv, "total", p.Total, "percent", int(pct))
	}
	l.log.Info("loader: batch committed", kv...)
	return nil
}

// Metrics publishes batch and row counters and the offset gauge through the
// metrics facade.
type Metrics struct{}

func (Metrics) Report(_ context.Context, p Progress) error {
	metrics.RecordBatches(p.Job, 1)
	metrics.RecordRow(p.Job, "committed", int64(p.Rows))
	metrics.RecordOffset(p.Job, p.Offset)
	return nil
}

// Multi fans a report out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, p Progress) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
