package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"pricesync/internal/lock"
	"pricesync/internal/merge"
	"pricesync/internal/progress"
	"pricesync/internal/storage"
	"pricesync/internal/storage/storagetest"
	"pricesync/pkg/records"
)

// stringSource serves an in-memory CSV.
type stringSource string

func (s stringSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(s))), nil
}

func csvOf(rows ...records.Row) stringSource {
	var b strings.Builder
	b.WriteString(strings.Join(records.Columns, ","))
	b.WriteByte('\n')
	for _, r := range rows {
		b.WriteString(strings.Join(r.Fields(), ","))
		b.WriteByte('\n')
	}
	return stringSource(b.String())
}

func fiveRows() stringSource {
	return csvOf(
		storagetest.Row("P1", "S1", "1.00"),
		storagetest.Row("P2", "S1", "2.00"),
		storagetest.Row("P3", "S1", "3.00"),
		storagetest.Row("P4", "S2", "4.00"),
		storagetest.Row("P5", "S2", "5.00"),
	)
}

// fakeDest records what a run does to the destination.
type fakeDest struct {
	mu sync.Mutex

	prepareErr error
	lockErr    error
	stored     *storage.Checkpoint

	transientLeft int   // merges failing with errTransient before success
	failTx        int   // 1-based transaction whose merge fails permanently
	mergeErr      error // error used for failTx
	onCommit      func()

	txs       int
	staged    [][]int64 // seq column of each committed batch
	saved     []storage.Checkpoint
	rollbacks int
	unlocked  bool
}

func (d *fakeDest) Prepare(context.Context) error   { return d.prepareErr }
func (d *fakeDest) Provision(context.Context) error { return nil }
func (d *fakeDest) Close() error                    { return nil }

func (d *fakeDest) Lock(context.Context, string) (func(context.Context) error, error) {
	if d.lockErr != nil {
		return nil, d.lockErr
	}
	return func(context.Context) error {
		d.mu.Lock()
		d.unlocked = true
		d.mu.Unlock()
		return nil
	}, nil
}

func (d *fakeDest) Checkpoint(context.Context, string) (storage.Checkpoint, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stored == nil {
		return storage.Checkpoint{}, false, nil
	}
	return *d.stored, true, nil
}

func (d *fakeDest) Begin(context.Context) (storage.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txs++
	return &fakeTx{d: d, n: d.txs}, nil
}

func (d *fakeDest) Snapshot(context.Context) (storage.Snapshot, error) {
	return storage.Snapshot{}, nil
}

func (d *fakeDest) IsTransient(err error) bool { return errors.Is(err, errTransient) }

type fakeTx struct {
	d    *fakeDest
	n    int
	seqs []int64
	cp   *storage.Checkpoint
}

func (t *fakeTx) ReplaceStaging(_ context.Context, rows [][]any) (int64, error) {
	t.seqs = t.seqs[:0]
	for _, r := range rows {
		t.seqs = append(t.seqs, r[len(r)-1].(int64))
	}
	return int64(len(rows)), nil
}

func (t *fakeTx) Merge(_ context.Context, step merge.Step, _ bool) (int64, error) {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if step != merge.Category {
		return 1, nil
	}
	if t.d.transientLeft > 0 {
		t.d.transientLeft--
		return 0, errTransient
	}
	if t.n == t.d.failTx {
		return 0, t.d.mergeErr
	}
	return 1, nil
}

func (t *fakeTx) SaveCheckpoint(_ context.Context, cp storage.Checkpoint) error {
	t.cp = &cp
	return nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.d.mu.Lock()
	t.d.staged = append(t.d.staged, append([]int64(nil), t.seqs...))
	t.d.saved = append(t.d.saved, *t.cp)
	cp := *t.cp
	t.d.stored = &cp
	hook := t.d.onCommit
	t.d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.d.mu.Lock()
	t.d.rollbacks++
	t.d.mu.Unlock()
	return nil
}

func testOptions() Options {
	return Options{Job: "prices", BatchSize: 2, Mode: merge.InsertOnly, Retry: fastRetry(5)}
}

func newTestController(t *testing.T, opt Options, src stringSource, d *fakeDest, rep progress.Reporter) *Controller {
	t.Helper()
	if rep == nil {
		rep = progress.Nop{}
	}
	c, err := New(opt, Deps{Source: src, Destination: d, Reporter: rep})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func offsets(cps []storage.Checkpoint) []int64 {
	out := make([]int64, len(cps))
	for i, cp := range cps {
		out[i] = cp.Offset
	}
	return out
}

func TestController_CommitsBatchesInOrder(t *testing.T) {
	d := &fakeDest{}
	var reports []progress.Progress
	rep := progress.Func(func(_ context.Context, p progress.Progress) error {
		reports = append(reports, p)
		return nil
	})
	c := newTestController(t, testOptions(), fiveRows(), d, rep)

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := offsets(d.saved); !reflect.DeepEqual(got, []int64{2, 4, 5}) {
		t.Fatalf("checkpoint offsets = %v, want [2 4 5]", got)
	}
	if want := [][]int64{{0, 1}, {2, 3}, {4}}; !reflect.DeepEqual(d.staged, want) {
		t.Fatalf("staged seqs = %v, want %v", d.staged, want)
	}
	if sum.Batches != 3 || sum.Rows != 5 || sum.Offset != 5 || sum.StartOffset != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(reports) != 3 || reports[2].Offset != 5 || reports[2].Processed != 5 || reports[1].Batch != 2 {
		t.Fatalf("reports = %+v", reports)
	}
	for _, cp := range d.saved {
		if cp.Job != "prices" || cp.RunID != sum.RunID || cp.UpdatedAt.IsZero() {
			t.Fatalf("checkpoint = %+v", cp)
		}
	}
	if c.State() != Done {
		t.Fatalf("state = %s, want done", c.State())
	}
	if !d.unlocked {
		t.Fatal("lock not released")
	}
}

func TestController_ResumesFromCheckpoint(t *testing.T) {
	d := &fakeDest{stored: &storage.Checkpoint{Job: "prices", Offset: 2}}
	var processed []int64
	rep := progress.Func(func(_ context.Context, p progress.Progress) error {
		processed = append(processed, p.Processed)
		return nil
	})
	c := newTestController(t, testOptions(), fiveRows(), d, rep)

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := [][]int64{{2, 3}, {4}}; !reflect.DeepEqual(d.staged, want) {
		t.Fatalf("staged seqs = %v, want %v", d.staged, want)
	}
	if sum.StartOffset != 2 || sum.Skipped != 2 || sum.Offset != 5 {
		t.Fatalf("summary = %+v", sum)
	}
	// Processed includes the skipped rows, so it is a valid resume offset.
	if want := []int64{4, 5}; !reflect.DeepEqual(processed, want) {
		t.Fatalf("processed = %v, want %v", processed, want)
	}
}

func TestController_OverrideBeatsCheckpoint(t *testing.T) {
	d := &fakeDest{stored: &storage.Checkpoint{Job: "prices", Offset: 4}}
	opt := testOptions()
	one := int64(1)
	opt.ResumeOffset = &one
	c := newTestController(t, opt, fiveRows(), d, nil)

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := [][]int64{{1, 2}, {3, 4}}; !reflect.DeepEqual(d.staged, want) {
		t.Fatalf("staged seqs = %v, want %v", d.staged, want)
	}
}

func TestController_OffsetPastEnd(t *testing.T) {
	d := &fakeDest{stored: &storage.Checkpoint{Job: "prices", Offset: 50}}
	c := newTestController(t, testOptions(), fiveRows(), d, nil)

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Batches != 0 || d.txs != 0 || sum.Skipped != 5 {
		t.Fatalf("summary = %+v, txs = %d", sum, d.txs)
	}
}

func TestController_ReplaysTransientErrors(t *testing.T) {
	d := &fakeDest{transientLeft: 2}
	c := newTestController(t, testOptions(), fiveRows(), d, nil)

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := offsets(d.saved); !reflect.DeepEqual(got, []int64{2, 4, 5}) {
		t.Fatalf("checkpoint offsets = %v", got)
	}
	if d.rollbacks != 2 || d.txs != 5 {
		t.Fatalf("rollbacks = %d, txs = %d; want 2 and 5", d.rollbacks, d.txs)
	}
}

func TestController_TransientRetriesExhausted(t *testing.T) {
	d := &fakeDest{transientLeft: 100}
	opt := testOptions()
	opt.Retry = fastRetry(3)
	c := newTestController(t, opt, fiveRows(), d, nil)

	_, err := c.Run(context.Background())
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("Run = %v, want *RunError", err)
	}
	if re.Kind != MergeFailure || re.Offset != 0 || re.Batch != 1 || !errors.Is(err, errTransient) {
		t.Fatalf("RunError = %+v", re)
	}
	if d.txs != 3 || len(d.saved) != 0 {
		t.Fatalf("txs = %d, saved = %v", d.txs, d.saved)
	}
}

func TestController_PermanentMergeFailure(t *testing.T) {
	bad := errors.New(`invalid input syntax for type double precision: "abc"`)
	d := &fakeDest{failTx: 2, mergeErr: bad}
	c := newTestController(t, testOptions(), fiveRows(), d, nil)

	_, err := c.Run(context.Background())
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("Run = %v, want *RunError", err)
	}
	if re.Kind != MergeFailure || re.Offset != 2 || re.Batch != 2 || !errors.Is(err, bad) {
		t.Fatalf("RunError = %+v", re)
	}
	var se *merge.StepError
	if !errors.As(err, &se) || se.Step != merge.Category {
		t.Fatalf("step error = %v", se)
	}
	if got := offsets(d.saved); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("checkpoint offsets = %v, want [2]", got)
	}
	if d.stored.Offset != 2 || d.txs != 2 || d.rollbacks != 1 {
		t.Fatalf("stored = %+v, txs = %d, rollbacks = %d", d.stored, d.txs, d.rollbacks)
	}
	if c.State() != Failed {
		t.Fatalf("state = %s, want failed", c.State())
	}
	if !d.unlocked {
		t.Fatal("lock not released after failure")
	}
}

func TestController_StartupFailures(t *testing.T) {
	tests := []struct {
		name   string
		src    stringSource
		d      *fakeDest
		kind   Kind
		target error
	}{
		{"locked", fiveRows(), &fakeDest{lockErr: lock.ErrLocked}, DestinationUnavailable, lock.ErrLocked},
		{"schema missing", fiveRows(), &fakeDest{prepareErr: fmt.Errorf("%w: price", storage.ErrSchemaMissing)}, SchemaMissing, storage.ErrSchemaMissing},
		{"prepare failed", fiveRows(), &fakeDest{prepareErr: io.ErrUnexpectedEOF}, DestinationUnavailable, io.ErrUnexpectedEOF},
		{"empty source", "", &fakeDest{}, SourceUnavailable, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, testOptions(), tt.src, tt.d, nil)
			_, err := c.Run(context.Background())
			if KindOf(err) != tt.kind {
				t.Fatalf("Run = %v, want kind %s", err, tt.kind)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Fatalf("Run = %v, want %v in chain", err, tt.target)
			}
			if tt.d.txs != 0 {
				t.Fatalf("txs = %d, want none", tt.d.txs)
			}
		})
	}
}

func TestController_RateExcludesSleep(t *testing.T) {
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := &fakeDest{onCommit: func() { clock = clock.Add(time.Second) }}
	var reports []progress.Progress
	rep := progress.Func(func(_ context.Context, p progress.Progress) error {
		reports = append(reports, p)
		return nil
	})
	opt := testOptions()
	opt.InterBatchDelay = 10 * time.Second
	c := newTestController(t, opt, fiveRows(), d, rep)

	var slept []time.Duration
	c.now = func() time.Time { return clock }
	c.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		clock = clock.Add(dur)
		return nil
	}

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(slept, []time.Duration{10 * time.Second, 10 * time.Second}) {
		t.Fatalf("slept = %v, want two delays", slept)
	}
	want := []float64{2, 2, 1}
	for i, p := range reports {
		if p.RowsPerSec != want[i] {
			t.Fatalf("report %d rows/s = %v, want %v", i, p.RowsPerSec, want[i])
		}
	}
	if sum.Elapsed != 23*time.Second {
		t.Fatalf("elapsed = %s, want 23s", sum.Elapsed)
	}
}

func TestController_NoSleepAfterExactFinalBatch(t *testing.T) {
	d := &fakeDest{}
	var c *Controller
	var states []State
	rep := progress.Func(func(context.Context, progress.Progress) error {
		states = append(states, c.State())
		return nil
	})
	opt := testOptions()
	opt.InterBatchDelay = time.Second
	c = newTestController(t, opt, csvOf(
		storagetest.Row("P1", "S1", "1.00"),
		storagetest.Row("P2", "S1", "2.00"),
		storagetest.Row("P3", "S1", "3.00"),
		storagetest.Row("P4", "S2", "4.00"),
	), d, rep)

	var slept []time.Duration
	c.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Batches != 2 || sum.Offset != 4 {
		t.Fatalf("summary = %+v, want 2 batches to offset 4", sum)
	}
	if !reflect.DeepEqual(slept, []time.Duration{time.Second}) {
		t.Fatalf("slept = %v, want one delay between the two batches", slept)
	}
	if !reflect.DeepEqual(states, []State{Processing, Draining}) {
		t.Fatalf("states at report = %v, want [processing draining]", states)
	}
	if c.State() != Done {
		t.Fatalf("final state = %v, want done", c.State())
	}
}

func TestController_CanceledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &fakeDest{}
	rep := progress.Func(func(context.Context, progress.Progress) error {
		cancel()
		return nil
	})
	c := newTestController(t, testOptions(), fiveRows(), d, rep)

	_, err := c.Run(ctx)
	var re *RunError
	if !errors.As(err, &re) || re.Kind != Canceled || re.Offset != 2 {
		t.Fatalf("Run = %v, want canceled at offset 2", err)
	}
	if d.stored.Offset != 2 {
		t.Fatalf("stored offset = %d, want 2", d.stored.Offset)
	}
}

func TestController_ReporterFailureDoesNotFailRun(t *testing.T) {
	d := &fakeDest{}
	rep := progress.Func(func(context.Context, progress.Progress) error {
		return errors.New("broker down")
	})
	c := newTestController(t, testOptions(), fiveRows(), d, rep)
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.saved) != 3 {
		t.Fatalf("saved = %d, want 3", len(d.saved))
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(testOptions(), Deps{Destination: &fakeDest{}}); err == nil {
		t.Fatal("New without source: error = nil")
	}
	opt := testOptions()
	opt.BatchSize = 0
	if _, err := New(opt, Deps{Source: fiveRows(), Destination: &fakeDest{}}); err == nil {
		t.Fatal("New with batch size 0: error = nil")
	}
}
