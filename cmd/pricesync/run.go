package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pricesync/internal/config"
	csvparser "pricesync/internal/parser/csv"
	"pricesync/internal/pipeline"
	"pricesync/internal/tracing"
)

type runFlags struct {
	batchSize    int
	resumeOffset int64
	mode         string
	delay        time.Duration
}

// apply copies the flags the user set over the file values.
func (f runFlags) apply(fs *pflag.FlagSet, p *config.Pipeline) {
	if fs.Changed("batch-size") {
		p.Runtime.BatchSize = f.batchSize
	}
	if fs.Changed("resume-offset") {
		off := f.resumeOffset
		p.Runtime.ResumeOffset = &off
	}
	if fs.Changed("mode") {
		p.Runtime.ConflictMode = f.mode
	}
	if fs.Changed("delay") {
		p.Runtime.InterBatchDelay = config.Duration(f.delay)
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the configured CSV into the destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &p)
			if err := g.check(cmd.ErrOrStderr(), p); err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cmd.OutOrStdout(), g, p)
		},
	}
	cmd.Flags().IntVar(&f.batchSize, "batch-size", config.DefaultBatchSize, "rows per batch")
	cmd.Flags().Int64Var(&f.resumeOffset, "resume-offset", 0, "records to skip, overriding the stored checkpoint")
	cmd.Flags().StringVar(&f.mode, "mode", config.DefaultConflictMode, "conflict mode: insert-only or refresh")
	cmd.Flags().DurationVar(&f.delay, "delay", 0, "pause between batches, e.g. 500ms")
	return cmd
}

func runPipeline(ctx context.Context, out io.Writer, g *globalFlags, p config.Pipeline) error {
	log, err := g.logger()
	if err != nil {
		return err
	}
	defer log.Sync()

	opt, err := pipeline.OptionsFrom(p)
	if err != nil {
		return withCode(exitUsage, err)
	}
	flush := setupMetrics(p, log)
	defer flush()

	tp, shutdown, err := tracing.Init(ctx, log, p.Tracing, p.Job)
	if err != nil {
		return withCode(exitUsage, err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracing: shutdown", "err", err)
		}
	}()

	src, err := openSource(p)
	if err != nil {
		return err
	}
	dest, err := openDestination(ctx, p, log)
	if err != nil {
		return err
	}
	defer dest.Close()

	locker, closeLock, err := buildLocker(p, dest, log)
	if err != nil {
		return err
	}
	defer closeLock()
	reporter, closeReporter, err := buildReporter(p, log)
	if err != nil {
		return err
	}
	defer closeReporter()

	c, err := pipeline.New(opt, pipeline.Deps{
		Source:         src,
		Reader:         csvparser.OptionsFrom(p.Job, p.Parser.Options),
		Destination:    dest,
		Locker:         locker,
		Reporter:       reporter,
		Logger:         log,
		TracerProvider: tp,
	})
	if err != nil {
		return withCode(exitUsage, err)
	}

	sum, err := c.Run(ctx)
	if err != nil {
		var re *pipeline.RunError
		if errors.As(err, &re) {
			fmt.Fprintf(out, "resume offset: %d\n", re.Offset)
		}
		return err
	}
	fmt.Fprintf(out, "done: %d batches, %d rows, %d malformed, offset %d (started at %d) in %s\n",
		sum.Batches, sum.Rows, sum.Malformed, sum.Offset, sum.StartOffset, sum.Elapsed.Truncate(time.Millisecond))
	return nil
}
