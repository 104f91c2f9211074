package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pricesync/internal/config"
	"pricesync/internal/lock"
	"pricesync/internal/logger"
	"pricesync/internal/storage"
)

// operatorRunID marks checkpoints written by "checkpoint set".
const operatorRunID = "operator"

func newCheckpointCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Show or force the durable checkpoint of the job",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDestination(cmd.Context(), g, func(ctx context.Context, p config.Pipeline, d storage.Destination, _ *logger.Logger) error {
				return showCheckpoint(ctx, cmd.OutOrStdout(), p.Job, d)
			})
		},
	})

	var offset int64
	set := &cobra.Command{
		Use:   "set",
		Short: "Overwrite the stored checkpoint (rewind or skip ahead)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if offset < 0 {
				return withCode(exitUsage, fmt.Errorf("--offset must not be negative"))
			}
			return withDestination(cmd.Context(), g, func(ctx context.Context, p config.Pipeline, d storage.Destination, log *logger.Logger) error {
				return setCheckpoint(ctx, cmd.OutOrStdout(), p, d, offset, log)
			})
		},
	}
	set.Flags().Int64Var(&offset, "offset", 0, "committed offset to store")
	_ = set.MarkFlagRequired("offset")
	cmd.AddCommand(set)
	return cmd
}

// withDestination loads the config, connects and runs fn.
func withDestination(ctx context.Context, g *globalFlags, fn func(context.Context, config.Pipeline, storage.Destination, *logger.Logger) error) error {
	p, err := g.load()
	if err != nil {
		return err
	}
	log, err := g.logger()
	if err != nil {
		return err
	}
	defer log.Sync()
	d, err := openDestination(ctx, p, log)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, p, d, log)
}

func prepare(ctx context.Context, d storage.Destination) error {
	if err := d.Prepare(ctx); err != nil {
		return withCode(exitDestination, err)
	}
	return nil
}

func showCheckpoint(ctx context.Context, w io.Writer, job string, d storage.Destination) error {
	if err := prepare(ctx, d); err != nil {
		return err
	}
	cp, ok, err := d.Checkpoint(ctx, job)
	if err != nil {
		return withCode(exitDestination, err)
	}
	if !ok {
		fmt.Fprintf(w, "job %s: no checkpoint\n", job)
		return nil
	}
	fmt.Fprintf(w, "job %s: offset %d, fingerprint %q, run %s, updated %s\n",
		cp.Job, cp.Offset, cp.Fingerprint, cp.RunID, cp.UpdatedAt.Format(time.RFC3339))
	return nil
}

// setCheckpoint takes the run lock so it cannot race a running job. The
// stored fingerprint is cleared; the next run trusts the new offset.
func setCheckpoint(ctx context.Context, w io.Writer, p config.Pipeline, d storage.Destination, offset int64, log *logger.Logger) error {
	if err := prepare(ctx, d); err != nil {
		return err
	}
	locker, closeLock, err := buildLocker(p, d, log)
	if err != nil {
		return err
	}
	defer closeLock()
	release, err := locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			err = fmt.Errorf("job %q is running: %w", p.Job, err)
		}
		return withCode(exitDestination, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("checkpoint: release lock", "err", err)
		}
	}()

	cp := storage.Checkpoint{Job: p.Job, Offset: offset, RunID: operatorRunID, UpdatedAt: time.Now().UTC()}
	if err := storage.ForceCheckpoint(ctx, d, cp); err != nil {
		return withCode(exitDestination, err)
	}
	log.Info("checkpoint: forced", "job", p.Job, "offset", offset)
	fmt.Fprintf(w, "job %s: checkpoint set to %d\n", p.Job, offset)
	return nil
}
