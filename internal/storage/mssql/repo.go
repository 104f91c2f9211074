// Package mssql implements storage.Destination on Microsoft SQL Server with
// go-mssqldb.
//
// The staging table is loaded with the bulk copy API inside the batch
// transaction. Merges are MERGE .. WITH (HOLDLOCK) statements, one per step.
// The run lock is a session-owned application lock (sp_getapplock) held on a
// dedicated connection.
package mssql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"pricesync/internal/lock"
	"pricesync/internal/merge"
	"pricesync/internal/storage"
)

//go:embed ddl.sql
var targetDDL string

// Config holds MSSQL destination configuration.
type Config struct {
	DSN             string
	StagingTable    string
	CheckpointTable string
	StoreChain      string
	MaxConns        int
}

// Repository is an MSSQL-backed storage.Destination.
type Repository struct {
	db    *sql.DB
	cfg   Config
	stmts statements
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.StagingTable) == "" || strings.TrimSpace(cfg.CheckpointTable) == "" {
		return nil, nil, errors.New("mssql: staging and checkpoint table names are required")
	}
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("mssql: open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("mssql: ping: %w", err)
	}
	r := &Repository{db: db, cfg: cfg, stmts: buildStatements(cfg.StagingTable, cfg.CheckpointTable)}
	return r, func() { _ = db.Close() }, nil
}

func (r *Repository) Prepare(ctx context.Context) error {
	for _, q := range []string{r.stmts.createStaging, r.stmts.createCheckpoint} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: prepare: %w", err)
		}
	}
	var missing []string
	for _, t := range storage.TargetTables {
		var ok int
		if err := r.db.QueryRowContext(ctx, r.stmts.tableExists, t).Scan(&ok); err != nil {
			return fmt.Errorf("mssql: check %s: %w", t, err)
		}
		if ok == 0 {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", storage.ErrSchemaMissing, strings.Join(missing, ", "))
	}
	return nil
}

func (r *Repository) Provision(ctx context.Context) error {
	for _, q := range storage.SplitStatements(targetDDL) {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: provision: %w", err)
		}
	}
	return nil
}

const getAppLock = `DECLARE @r INT;
EXEC @r = sp_getapplock @Resource = @p1, @LockMode = 'Exclusive', @LockOwner = 'Session', @LockTimeout = 0;
SELECT @r;`

// Lock takes a session application lock. The connection stays out of the
// pool until release, since returning it would reset the session.
func (r *Repository) Lock(ctx context.Context, job string) (func(context.Context) error, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("mssql: lock: %w", err)
	}
	resource := "pricesync:" + job
	var status int
	if err := conn.QueryRowContext(ctx, getAppLock, resource).Scan(&status); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mssql: lock: %w", err)
	}
	if status < 0 {
		_ = conn.Close()
		if status == -1 {
			return nil, lock.ErrLocked
		}
		return nil, fmt.Errorf("mssql: sp_getapplock returned %d", status)
	}
	return func(ctx context.Context) error {
		defer conn.Close()
		_, err := conn.ExecContext(ctx, "EXEC sp_releaseapplock @Resource = @p1, @LockOwner = 'Session'", resource)
		return err
	}, nil
}

func (r *Repository) Checkpoint(ctx context.Context, job string) (storage.Checkpoint, bool, error) {
	cp := storage.Checkpoint{Job: job}
	err := r.db.QueryRowContext(ctx, r.stmts.readCheckpoint, job).
		Scan(&cp.Offset, &cp.Fingerprint, &cp.RunID, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Checkpoint{}, false, nil
	}
	if err != nil {
		return storage.Checkpoint{}, false, fmt.Errorf("mssql: read checkpoint: %w", err)
	}
	return cp, true, nil
}

func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	t, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin: %w", err)
	}
	return &tx{tx: t, r: r}, nil
}

func (r *Repository) Snapshot(ctx context.Context) (storage.Snapshot, error) {
	return storage.ReadSnapshot(ctx, func(ctx context.Context, query string, each func(storage.Rows) error) error {
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := each(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

type tx struct {
	tx *sql.Tx
	r  *Repository
}

// ReplaceStaging truncates the staging table and bulk-copies rows into it.
func (t *tx) ReplaceStaging(ctx context.Context, rows [][]any) (int64, error) {
	if _, err := t.tx.ExecContext(ctx, t.r.stmts.truncateStaging); err != nil {
		return 0, fmt.Errorf("mssql: truncate staging: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	stmt, err := t.tx.PrepareContext(ctx, mssql.CopyIn(t.r.cfg.StagingTable, mssql.BulkOptions{}, storage.StagingColumns...))
	if err != nil {
		return 0, fmt.Errorf("mssql: prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("mssql: bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx) // flush
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("mssql: bulk finalize: %w", err)
	}
	return res.RowsAffected()
}

func (t *tx) Merge(ctx context.Context, step merge.Step, update bool) (int64, error) {
	var args []any
	if step == merge.Store {
		args = append(args, t.r.cfg.StoreChain)
	}
	res, err := t.tx.ExecContext(ctx, t.r.stmts.merge[step][b2i(update)], args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *tx) SaveCheckpoint(ctx context.Context, cp storage.Checkpoint) error {
	at := cp.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := t.tx.ExecContext(ctx, t.r.stmts.upsertCheckpoint,
		cp.Job, cp.Offset, cp.Fingerprint, cp.RunID, at.UTC())
	if err != nil {
		return fmt.Errorf("mssql: save checkpoint: %w", err)
	}
	return nil
}

func (t *tx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *tx) Rollback(context.Context) error { return t.tx.Rollback() }
