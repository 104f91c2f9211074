package merge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"pricesync/internal/metrics"
)

// Result holds the rows affected per step, indexed by Step.
type Result struct {
	Affected [len(Order)]int64
}

// Total sums the affected rows of all steps.
func (r Result) Total() int64 {
	var n int64
	for _, a := range r.Affected {
		n += a
	}
	return n
}

// Engine applies the merges of one batch.
type Engine struct {
	job    string
	tracer trace.Tracer
}

// NewEngine returns an engine labelling metrics with job. A nil tp disables
// tracing.
func NewEngine(job string, tp trace.TracerProvider) *Engine {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Engine{job: job, tracer: tp.Tracer("pricesync/merge")}
}

// Apply runs every step in Order against exec, strictly one after another.
// The first failure stops the sequence and is returned as *StepError; the
// caller rolls back the surrounding transaction.
func (e *Engine) Apply(ctx context.Context, exec Executor, mode Mode) (Result, error) {
	var res Result
	for _, step := range Order {
		if err := ctx.Err(); err != nil {
			return res, &StepError{Step: step, Err: err}
		}
		n, err := e.run(ctx, exec, step, mode.UpdatesOnConflict(step))
		if err != nil {
			return res, &StepError{Step: step, Err: err}
		}
		res.Affected[step] = n
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, exec Executor, step Step, update bool) (int64, error) {
	ctx, span := e.tracer.Start(ctx, "merge."+step.String(),
		trace.WithAttributes(
			attribute.String("merge.step", step.String()),
			attribute.Bool("merge.update_on_conflict", update),
		),
	)
	defer span.End()

	start := time.Now()
	n, err := exec.Merge(ctx, step, update)
	metrics.RecordStep(e.job, "merge_"+step.String(), err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int64("merge.rows", n))
	return n, nil
}
