// Package pipeline drives a run: it resumes from the durable checkpoint,
// cuts the CSV into batches and commits each batch (staging load, the four
// merges and the checkpoint) in one destination transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"pricesync/internal/datasource"
	"pricesync/internal/lock"
	"pricesync/internal/logger"
	"pricesync/internal/merge"
	"pricesync/internal/metrics"
	csvparser "pricesync/internal/parser/csv"
	"pricesync/internal/progress"
	"pricesync/internal/storage"
)

// fingerprintLimit is how many leading bytes of the source identify it.
const fingerprintLimit = 64 << 10

// Deps are the collaborators of a Controller. Source, Destination and
// Reader are required; everything else has a default.
type Deps struct {
	Source      datasource.Source
	Reader      csvparser.Options
	Destination storage.Destination

	// Locker guards the job; nil uses the destination's native lock.
	Locker         lock.Locker
	Reporter       progress.Reporter
	Logger         *logger.Logger
	TracerProvider trace.TracerProvider
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	StartOffset int64
	Offset      int64
	Skipped     int64
	Batches     int
	Rows        int64
	Malformed   int64
	Elapsed     time.Duration
}

// Controller runs one job. A Controller is single-use.
type Controller struct {
	opt      Options
	deps     Deps
	log      *logger.Logger
	tracer   trace.Tracer
	engine   *merge.Engine
	reporter progress.Reporter
	locker   lock.Locker

	state atomic.Int32

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates opt and wires defaults.
func New(opt Options, deps Deps) (*Controller, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Destination == nil {
		return nil, errors.New("pipeline: source and destination are required")
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("job", opt.Job)
	tp := deps.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = progress.NewLog(log)
	}
	locker := deps.Locker
	if locker == nil {
		dest, job := deps.Destination, opt.Job
		locker = lock.Func(func(ctx context.Context) (lock.Release, error) {
			release, err := dest.Lock(ctx, job)
			return release, err
		})
	}
	if deps.Reader.Job == "" {
		deps.Reader.Job = opt.Job
	}

	c := &Controller{
		opt:      opt,
		deps:     deps,
		log:      log,
		tracer:   tp.Tracer("pricesync/pipeline"),
		engine:   merge.NewEngine(opt.Job, tp),
		reporter: reporter,
		locker:   locker,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	c.state.Store(int32(Starting))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug("pipeline: state", "from", prev, "to", s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run carries the mutable state of one Run.
type run struct {
	id          string
	fingerprint string
	committed   int64
	batch       int
	total       atomic.Int64
	summary     Summary
}

func (r *run) fail(kind Kind, err error) error {
	return &RunError{Kind: kind, Offset: r.committed, Batch: r.batch, Err: err}
}

// Run executes the job until the source is exhausted, a batch fails, or
// ctx is canceled. Every failure is a *RunError carrying the offset to
// resume from.
func (c *Controller) Run(ctx context.Context) (sum Summary, err error) {
	start := c.now()
	r := &run{id: uuid.NewString()}
	if c.opt.ResumeOffset != nil {
		r.committed = *c.opt.ResumeOffset
	}
	defer func() {
		if err != nil {
			c.setState(Failed)
			c.log.Error("pipeline: run failed", "run_id", r.id, "err", err)
		}
	}()

	c.setState(Starting)
	c.log.Info("pipeline: starting", "run_id", r.id, "batch_size", c.opt.BatchSize,
		"mode", c.opt.Mode, "inter_batch_delay", c.opt.InterBatchDelay)

	reader, err := csvparser.Open(ctx, c.deps.Source, c.deps.Reader, c.log)
	if err != nil {
		return r.summary, r.fail(SourceUnavailable, err)
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			c.log.Warn("pipeline: close source", "err", cerr)
		}
	}()

	release, err := c.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			err = fmt.Errorf("job %q is already running: %w", c.opt.Job, err)
		}
		return r.summary, r.fail(DestinationUnavailable, err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			c.log.Warn("pipeline: release lock", "err", rerr)
		}
	}()

	if err := c.deps.Destination.Prepare(ctx); err != nil {
		if errors.Is(err, storage.ErrSchemaMissing) {
			return r.summary, r.fail(SchemaMissing, err)
		}
		return r.summary, r.fail(DestinationUnavailable, err)
	}

	skip, err := c.resumePoint(ctx, r)
	if err != nil {
		return r.summary, err
	}
	r.committed = skip
	r.summary.StartOffset = skip

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if est, ok := c.deps.Source.(datasource.Estimator); ok {
		g.Go(func() error {
			n, err := est.EstimateRows(gctx)
			if err != nil {
				c.log.Debug("pipeline: row estimate unavailable", "err", err)
				return nil
			}
			r.total.Store(n)
			return nil
		})
	}
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	c.setState(Skipping)
	skipped, err := reader.Skip(skip)
	if err != nil {
		return r.summary, r.fail(SourceUnavailable, err)
	}
	r.summary.Skipped = skipped
	if skipped < skip {
		c.log.Info("pipeline: resume offset is past the end of the source", "offset", skip, "records", skipped)
	} else if skip > 0 {
		c.log.Info("pipeline: skipped committed records", "offset", skip)
	}

	c.setState(Processing)
	if err := c.process(ctx, reader, r); err != nil {
		return r.summary, err
	}

	c.setState(Done)
	r.summary.RunID = r.id
	r.summary.Offset = r.committed
	r.summary.Malformed = reader.Malformed()
	r.summary.Elapsed = c.now().Sub(start)
	c.log.Info("pipeline: done",
		"run_id", r.id,
		"batches", r.summary.Batches,
		"rows", r.summary.Rows,
		"malformed", r.summary.Malformed,
		"offset", r.summary.Offset,
		"elapsed", r.summary.Elapsed.Truncate(time.Millisecond),
	)
	return r.summary, nil
}

// resumePoint decides how many records to skip and captures the source
// fingerprint written with each checkpoint.
func (c *Controller) resumePoint(ctx context.Context, r *run) (int64, error) {
	fp, _ := c.deps.Source.(datasource.Fingerprinter)
	if fp != nil {
		sum, _, err := fp.Fingerprint(ctx, fingerprintLimit)
		if err != nil {
			return 0, r.fail(SourceUnavailable, err)
		}
		r.fingerprint = sum
	}

	if c.opt.ResumeOffset != nil {
		c.log.Info("pipeline: resume offset override", "offset", *c.opt.ResumeOffset)
		return *c.opt.ResumeOffset, nil
	}

	cp, ok, err := c.deps.Destination.Checkpoint(ctx, c.opt.Job)
	if err != nil {
		return 0, r.fail(DestinationUnavailable, err)
	}
	if !ok {
		return 0, nil
	}
	r.committed = cp.Offset
	if fp != nil && cp.Fingerprint != "" {
		if err := matchFingerprint(ctx, fp, cp.Fingerprint); err != nil {
			return 0, r.fail(SourceMismatch, err)
		}
	}
	c.log.Info("pipeline: resuming from checkpoint", "offset", cp.Offset,
		"previous_run", cp.RunID, "updated_at", cp.UpdatedAt)
	return cp.Offset, nil
}

// matchFingerprint re-hashes as many bytes as the stored fingerprint covers,
// so a dataset that was only appended to still matches.
func matchFingerprint(ctx context.Context, fp datasource.Fingerprinter, stored string) error {
	_, nStr, ok := strings.Cut(stored, ":")
	n, err := strconv.ParseInt(nStr, 10, 64)
	if !ok || err != nil || n < 0 {
		return fmt.Errorf("stored fingerprint %q is unreadable", stored)
	}
	sum, err := fp.FingerprintN(ctx, n)
	if err != nil {
		return fmt.Errorf("source no longer matches checkpoint: %w", err)
	}
	if sum != stored {
		return fmt.Errorf("source fingerprint %s does not match checkpoint %s; pass an explicit resume offset to override", sum, stored)
	}
	return nil
}

func (c *Controller) process(ctx context.Context, reader *csvparser.Reader, r *run) error {
	batcher := NewBatcher(reader, c.opt.BatchSize)
	mark := c.now()

	for {
		b, err := batcher.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.fail(Canceled, err)
			}
			return r.fail(SourceUnavailable, err)
		}
		r.batch = b.Seq
		metrics.RecordRow(c.opt.Job, "processed", int64(b.Len()))
		if b.Last {
			c.setState(Draining)
		}

		if err := c.commit(ctx, b, r); err != nil {
			var pe *phaseError
			switch {
			case ctx.Err() != nil:
				return r.fail(Canceled, err)
			case errors.As(err, &pe):
				return r.fail(pe.kind, err)
			default:
				return r.fail(DestinationUnavailable, err)
			}
		}
		r.committed = b.End
		r.summary.Batches++
		r.summary.Rows += int64(b.Len())

		elapsed := c.now().Sub(mark)
		var rps float64
		if elapsed > 0 {
			rps = float64(b.Len()) / elapsed.Seconds()
		}
		p := progress.Progress{
			Job:        c.opt.Job,
			RunID:      r.id,
			Batch:      b.Seq,
			Rows:       b.Len(),
			Processed:  r.committed,
			Total:      r.total.Load(),
			RowsPerSec: rps,
			Offset:     r.committed,
			Malformed:  reader.Malformed(),
			At:         c.now(),
		}
		if err := c.reporter.Report(ctx, p); err != nil {
			c.log.Warn("pipeline: progress report failed", "batch", b.Seq, "err", err)
		}

		if c.opt.InterBatchDelay > 0 && !b.Last {
			if err := c.sleep(ctx, c.opt.InterBatchDelay); err != nil {
				return r.fail(Canceled, err)
			}
		}
		mark = c.now()
	}
}

// commit applies one batch, replaying the whole transaction on transient
// destination errors.
func (c *Controller) commit(ctx context.Context, b Batch, r *run) error {
	staged, err := storage.StagingRows(b.Rows, b.Positions)
	if err != nil {
		return inPhase(StagingFailure, err)
	}
	cp := storage.Checkpoint{Job: c.opt.Job, Offset: b.End, Fingerprint: r.fingerprint, RunID: r.id}

	attempt := 0
	return c.opt.Retry.do(ctx, c.deps.Destination.IsTransient,
		func(err error, wait time.Duration) {
			c.log.Warn("pipeline: transient destination error, replaying batch",
				"batch", b.Seq, "attempt", attempt, "wait", wait, "err", err)
		},
		func() error {
			attempt++
			return c.applyBatch(ctx, b, staged, cp)
		})
}

func (c *Controller) applyBatch(ctx context.Context, b Batch, staged [][]any, cp storage.Checkpoint) (err error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.batch", trace.WithAttributes(
		attribute.Int("batch.seq", b.Seq),
		attribute.Int("batch.rows", b.Len()),
		attribute.Int64("batch.start", b.Start),
		attribute.Int64("batch.end", b.End),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := c.deps.Destination.Begin(ctx)
	if err != nil {
		return inPhase(DestinationUnavailable, err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
				c.log.Debug("pipeline: rollback", "batch", b.Seq, "err", rerr)
			}
		}
	}()

	t0 := time.Now()
	_, err = tx.ReplaceStaging(ctx, staged)
	metrics.RecordStep(c.opt.Job, "staging", err, time.Since(t0))
	if err != nil {
		return inPhase(StagingFailure, err)
	}

	res, err := c.engine.Apply(ctx, tx, c.opt.Mode)
	if err != nil {
		return inPhase(MergeFailure, err)
	}

	cp.UpdatedAt = c.now().UTC()
	if err = tx.SaveCheckpoint(ctx, cp); err != nil {
		return inPhase(DestinationUnavailable, err)
	}

	t0 = time.Now()
	err = tx.Commit(ctx)
	metrics.RecordStep(c.opt.Job, "commit", err, time.Since(t0))
	if err != nil {
		return inPhase(DestinationUnavailable, err)
	}

	c.log.Debug("pipeline: batch merged",
		"batch", b.Seq,
		"categories", res.Affected[merge.Category],
		"stores", res.Affected[merge.Store],
		"products", res.Affected[merge.Product],
		"prices", res.Affected[merge.Price],
	)
	return nil
}
