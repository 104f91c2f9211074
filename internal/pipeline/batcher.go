package pipeline

import (
	"context"
	"errors"
	"io"

	"pricesync/pkg/records"
)

// RowReader yields well-formed rows with their source positions and io.EOF
// at the end. *csv.Reader implements it.
type RowReader interface {
	Next() (records.Row, int64, error)
}

// Batch is a run of consecutive well-formed rows.
type Batch struct {
	// Seq is the 1-based batch number within the run.
	Seq int
	// Start is the position of the first row. End is one past the position
	// of the last row and becomes the checkpoint offset once committed.
	Start, End int64
	Rows       []records.Row
	Positions  []int64
	// Last is set when the reader had no further row after this batch.
	Last bool
}

func (b Batch) Len() int { return len(b.Rows) }

// Batcher groups rows into batches of a fixed size. It reads one row ahead
// so the final batch is known before it is committed.
type Batcher struct {
	r    RowReader
	size int
	seq  int

	ahead   *aheadRow
	pending error // read error seen while looking ahead
	done    bool
}

type aheadRow struct {
	row records.Row
	pos int64
}

// NewBatcher panics if size < 1.
func NewBatcher(r RowReader, size int) *Batcher {
	if size < 1 {
		panic("pipeline: batch size must be >= 1")
	}
	return &Batcher{r: r, size: size}
}

// Next returns the next batch: exactly size rows, except possibly the last
// one, and never empty. It returns io.EOF once the reader is exhausted.
// A canceled ctx is observed between rows; the partial batch is discarded.
func (b *Batcher) Next(ctx context.Context) (Batch, error) {
	if b.pending != nil {
		err := b.pending
		b.pending = nil
		return Batch{}, err
	}
	batch := Batch{
		Rows:      make([]records.Row, 0, b.size),
		Positions: make([]int64, 0, b.size),
	}
	if b.ahead != nil {
		batch.Rows = append(batch.Rows, b.ahead.row)
		batch.Positions = append(batch.Positions, b.ahead.pos)
		b.ahead = nil
	}
	for len(batch.Rows) < b.size && !b.done {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		row, pos, err := b.r.Next()
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		}
		if err != nil {
			return Batch{}, err
		}
		batch.Rows = append(batch.Rows, row)
		batch.Positions = append(batch.Positions, pos)
	}
	if len(batch.Rows) == 0 {
		return Batch{}, io.EOF
	}
	if !b.done {
		b.peek(ctx)
	}
	b.seq++
	batch.Seq = b.seq
	batch.Start = batch.Positions[0]
	batch.End = batch.Positions[len(batch.Positions)-1] + 1
	batch.Last = b.done && b.ahead == nil
	return batch, nil
}

// peek reads the row after a full batch. Errors are held for the next call
// so they never fail the batch already assembled.
func (b *Batcher) peek(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		b.pending = err
		return
	}
	row, pos, err := b.r.Next()
	switch {
	case errors.Is(err, io.EOF):
		b.done = true
	case err != nil:
		b.pending = err
	default:
		b.ahead = &aheadRow{row: row, pos: pos}
	}
}
