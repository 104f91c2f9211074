// Package postgres implements storage.Destination on PostgreSQL with pgx.
//
// The staging relation is UNLOGGED and loaded with COPY. Merges are
// INSERT .. SELECT DISTINCT ON .. ON CONFLICT statements, one per step.
// The run lock is a session-level advisory lock held on a dedicated
// connection for the lifetime of the run.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/xxh3"

	"pricesync/internal/lock"
	"pricesync/internal/merge"
	"pricesync/internal/storage"
)

//go:embed ddl.sql
var targetDDL string

// Config is the Postgres-specific configuration.
type Config struct {
	DSN             string
	StagingTable    string
	CheckpointTable string
	StoreChain      string

	// ViaBouncer switches to the simple query protocol so the pool works
	// behind PgBouncer in transaction mode.
	ViaBouncer bool
	MaxConns   int
}

// Repository is a pooled Postgres destination.
type Repository struct {
	pool  *pgxpool.Pool
	cfg   Config
	stmts statements
}

// poolConfig builds the pgxpool configuration. Statement and idle-in-tx
// timeouts are disabled for the session; a large merge may legitimately
// run for minutes.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	pc.ConnConfig.RuntimeParams["statement_timeout"] = "0"
	pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "0"
	pc.ConnConfig.RuntimeParams["application_name"] = "pricesync"
	if cfg.ViaBouncer {
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	return pc, nil
}

// NewRepository connects and pings. The returned close func releases the pool.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.StagingTable) == "" || strings.TrimSpace(cfg.CheckpointTable) == "" {
		return nil, nil, errors.New("postgres: staging and checkpoint table names are required")
	}
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: ping: %w", err)
	}
	r := &Repository{
		pool:  pool,
		cfg:   cfg,
		stmts: buildStatements(cfg.StagingTable, cfg.CheckpointTable),
	}
	return r, pool.Close, nil
}

// Prepare creates the pipeline-owned relations and checks the targets.
func (r *Repository) Prepare(ctx context.Context) error {
	for _, q := range []string{r.stmts.createStaging, r.stmts.createCheckpoint} {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: prepare: %w", err)
		}
	}

	b := &pgx.Batch{}
	for _, t := range storage.TargetTables {
		b.Queue(r.stmts.tableExists, t)
	}
	br := r.pool.SendBatch(ctx, b)
	defer br.Close()

	var missing []string
	for _, t := range storage.TargetTables {
		var ok bool
		if err := br.QueryRow().Scan(&ok); err != nil {
			return fmt.Errorf("postgres: check %s: %w", t, err)
		}
		if !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", storage.ErrSchemaMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Provision applies the embedded target DDL.
func (r *Repository) Provision(ctx context.Context) error {
	for _, q := range storage.SplitStatements(targetDDL) {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: provision: %w", err)
		}
	}
	return nil
}

// advisoryKey maps a job name onto the bigint keyspace of advisory locks.
func advisoryKey(job string) int64 {
	return int64(xxh3.HashString("pricesync:" + job))
}

// Lock takes a session advisory lock on its own connection, outside the
// pool, so a pool of one connection still serves the batch loop. Closing the
// connection also drops the lock if the unlock fails.
func (r *Repository) Lock(ctx context.Context, job string) (func(context.Context) error, error) {
	conn, err := pgx.ConnectConfig(ctx, r.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("postgres: lock: connect: %w", err)
	}
	key := advisoryKey(job)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("postgres: lock: %w", err)
	}
	if !ok {
		_ = conn.Close(context.Background())
		return nil, lock.ErrLocked
	}
	return func(ctx context.Context) error {
		_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key)
		if cerr := conn.Close(ctx); err == nil {
			err = cerr
		}
		return err
	}, nil
}

func (r *Repository) Checkpoint(ctx context.Context, job string) (storage.Checkpoint, bool, error) {
	cp := storage.Checkpoint{Job: job}
	err := r.pool.QueryRow(ctx, r.stmts.readCheckpoint, job).
		Scan(&cp.Offset, &cp.Fingerprint, &cp.RunID, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Checkpoint{}, false, nil
	}
	if err != nil {
		return storage.Checkpoint{}, false, fmt.Errorf("postgres: read checkpoint: %w", err)
	}
	return cp, true, nil
}

func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	t, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &tx{tx: t, r: r}, nil
}

func (r *Repository) Snapshot(ctx context.Context) (storage.Snapshot, error) {
	return storage.ReadSnapshot(ctx, func(ctx context.Context, query string, each func(storage.Rows) error) error {
		rows, err := r.pool.Query(ctx, query)
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

// tx is one batch transaction.
type tx struct {
	tx pgx.Tx
	r  *Repository
}

// ReplaceStaging truncates the staging relation and COPYs rows into it.
func (t *tx) ReplaceStaging(ctx context.Context, rows [][]any) (int64, error) {
	if _, err := t.tx.Exec(ctx, t.r.stmts.truncateStaging); err != nil {
		return 0, fmt.Errorf("postgres: truncate staging: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := t.tx.CopyFrom(ctx, splitFQN(t.r.cfg.StagingTable), storage.StagingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("postgres: copy staging: %w", err)
	}
	return n, nil
}

func (t *tx) Merge(ctx context.Context, step merge.Step, update bool) (int64, error) {
	q := t.r.stmts.merge[step][b2i(update)]
	var args []any
	if step == merge.Store {
		args = append(args, t.r.cfg.StoreChain)
	}
	tag, err := t.tx.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *tx) SaveCheckpoint(ctx context.Context, cp storage.Checkpoint) error {
	at := cp.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := t.tx.Exec(ctx, t.r.stmts.upsertCheckpoint, cp.Job, cp.Offset, cp.Fingerprint, cp.RunID, at); err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// splitFQN turns "schema.table" into a pgx.Identifier.
func splitFQN(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}
