// Package storage contains the destination contract of the pipeline and the
// factory that resolves a configured storage kind to a backend.
//
// A Destination owns the target relations (category, store, product, price)
// plus two pipeline-owned relations: the scratch staging relation replaced by
// every batch and the checkpoint relation. Everything a batch writes, the
// checkpoint included, goes through one Tx so it commits or rolls back as a
// unit.
package storage

import (
	"context"
	"errors"
	"time"

	"pricesync/internal/config"
	"pricesync/internal/merge"
)

// ErrSchemaMissing is returned by Prepare when a target relation is absent.
// The pipeline never creates target relations itself; see Provision.
var ErrSchemaMissing = errors.New("storage: target schema missing")

// Target relation names, in merge order.
var TargetTables = []string{"category", "store", "product", "price"}

// Config is the backend-agnostic destination configuration.
type Config struct {
	Kind            string
	DSN             string
	StagingTable    string
	CheckpointTable string
	StoreChain      string
	ViaBouncer      bool
	MaxConns        int
	BusyTimeout     time.Duration
}

// ConfigFrom maps pipeline configuration to a storage Config.
func ConfigFrom(p config.Pipeline) Config {
	db := p.Storage.DB
	return Config{
		Kind:            p.Storage.Kind,
		DSN:             db.DSN,
		StagingTable:    db.StagingTable,
		CheckpointTable: db.CheckpointTable,
		StoreChain:      db.StoreChain,
		ViaBouncer:      db.ViaBouncer,
		MaxConns:        db.MaxConns,
		BusyTimeout:     db.BusyTimeout.D(),
	}
}

// Checkpoint is the durable resume point of a job. Offset is the number of
// source records (after the header) fully committed.
type Checkpoint struct {
	Job         string
	Offset      int64
	Fingerprint string
	RunID       string
	UpdatedAt   time.Time
}

// Destination is a connected target database.
type Destination interface {
	// Prepare disables statement timeouts where the backend has them,
	// creates the staging and checkpoint relations if missing and verifies
	// that every target relation exists (ErrSchemaMissing otherwise).
	Prepare(ctx context.Context) error

	// Provision creates the target relations. Used by "schema apply" and
	// tests, never by a run.
	Provision(ctx context.Context) error

	// Lock takes the backend's native single-writer lock for job. It returns
	// lock.ErrLocked when another session holds it.
	Lock(ctx context.Context, job string) (func(context.Context) error, error)

	// Checkpoint reads the stored checkpoint of job; ok is false if none.
	Checkpoint(ctx context.Context, job string) (cp Checkpoint, ok bool, err error)

	// Begin starts the transaction of one batch.
	Begin(ctx context.Context) (Tx, error)

	// Snapshot reads the business columns of every target relation.
	Snapshot(ctx context.Context) (Snapshot, error)

	// IsTransient reports whether err is worth replaying the batch for:
	// lost connections, serialization failures, deadlocks, busy databases.
	IsTransient(err error) bool

	Close() error
}

// Tx is one batch transaction. It runs the merge steps for merge.Engine.
type Tx interface {
	merge.Executor

	// ReplaceStaging empties the staging relation and bulk-loads rows,
	// aligned to StagingColumns.
	ReplaceStaging(ctx context.Context, rows [][]any) (int64, error)

	// SaveCheckpoint upserts the checkpoint row of cp.Job.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ForceCheckpoint writes cp in its own transaction. Operators use it to rewind
// or advance a job.
func ForceCheckpoint(ctx context.Context, d Destination, cp Checkpoint) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.SaveCheckpoint(ctx, cp); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
