// Package sqlite implements storage.Destination on SQLite (modernc.org/sqlite,
// no cgo).
//
// Every connection runs with busy_timeout and BEGIN IMMEDIATE so that a batch
// takes the write lock up front instead of failing half-way. Staging rows are
// loaded with prepared multi-value INSERTs. Numeric coercion goes through the
// registered to_real function, which rejects text that is not a number.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricesync/internal/lock"
	"pricesync/internal/merge"
	"pricesync/internal/storage"
)

//go:embed ddl.sql
var targetDDL string

// Config holds SQLite destination configuration derived from storage.Config.
type Config struct {
	// DSN is a file path or URI, e.g. "prices.db" or "file:prices.db?cache=shared".
	DSN             string
	StagingTable    string
	CheckpointTable string
	StoreChain      string
	BusyTimeout     time.Duration
}

const defaultBusyTimeout = 5 * time.Second

// Repository is a SQLite destination.
type Repository struct {
	db     *sql.DB
	cfg    Config
	stmts  statements
	locker func(job string) lock.Locker
}

// withPragmas appends busy_timeout and the immediate transaction mode to dsn.
func withPragmas(dsn string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_txlock=immediate", dsn, sep, busy.Milliseconds())
}

// dbPath returns the file behind dsn, or "" for in-memory databases.
func dbPath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	query := ""
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p, query = p[:i], p[i+1:]
	}
	if p == "" || p == ":memory:" || strings.Contains(query, "mode=memory") {
		return ""
	}
	return p
}

// NewRepository opens the database and returns it with its close func.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	if strings.TrimSpace(cfg.StagingTable) == "" || strings.TrimSpace(cfg.CheckpointTable) == "" {
		return nil, nil, errors.New("sqlite: staging and checkpoint table names are required")
	}
	if err := registerFunctions(); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("sqlite", withPragmas(cfg.DSN, cfg.BusyTimeout))
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer; also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	r := &Repository{
		db:    db,
		cfg:   cfg,
		stmts: buildStatements(cfg.StagingTable, cfg.CheckpointTable),
	}
	if path := dbPath(cfg.DSN); path != "" {
		r.locker = func(job string) lock.Locker { return lock.NewFile(fmt.Sprintf("%s.%s.lock", path, job)) }
	} else {
		r.locker = func(string) lock.Locker { return lock.None{} }
	}
	return r, func() { db.Close() }, nil
}

func (r *Repository) Prepare(ctx context.Context) error {
	for _, q := range []string{r.stmts.createStaging, r.stmts.createCheckpoint} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: prepare: %w", err)
		}
	}
	var missing []string
	for _, t := range storage.TargetTables {
		var n int
		if err := r.db.QueryRowContext(ctx, r.stmts.tableExists, t).Scan(&n); err != nil {
			return fmt.Errorf("sqlite: check %s: %w", t, err)
		}
		if n == 0 {
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
			return fmt.Errorf("sqlite: provision: %w", err)
		}
	}
	return nil
}

// Lock takes an exclusive flock on a file next to the database. In-memory
// databases are private to the process and need no lock.
func (r *Repository) Lock(ctx context.Context, job string) (func(context.Context) error, error) {
	release, err := r.locker(job).Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (r *Repository) Checkpoint(ctx context.Context, job string) (storage.Checkpoint, bool, error) {
	cp := storage.Checkpoint{Job: job}
	var at string
	err := r.db.QueryRowContext(ctx, r.stmts.readCheckpoint, job).
		Scan(&cp.Offset, &cp.Fingerprint, &cp.RunID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Checkpoint{}, false, nil
	}
	if err != nil {
		return storage.Checkpoint{}, false, fmt.Errorf("sqlite: read checkpoint: %w", err)
	}
	if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return storage.Checkpoint{}, false, fmt.Errorf("sqlite: checkpoint updated_at %q: %w", at, err)
	}
	return cp, true, nil
}

func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	t, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
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

// ReplaceStaging clears the staging table and inserts rows in chunks, one
// prepared statement per chunk size.
func (t *tx) ReplaceStaging(ctx context.Context, rows [][]any) (int64, error) {
	if _, err := t.tx.ExecContext(ctx, t.r.stmts.clearStaging); err != nil {
		return 0, fmt.Errorf("sqlite: clear staging: %w", err)
	}

	var (
		inserted int64
		stmt     *sql.Stmt
		stmtRows int
	)
	defer func() {
		if stmt != nil {
			stmt.Close()
		}
	}()

	width := len(storage.StagingColumns)
	args := make([]any, 0, chunkRows*width)
	for start := 0; start < len(rows); start += chunkRows {
		end := min(start+chunkRows, len(rows))
		if end-start != stmtRows {
			if stmt != nil {
				stmt.Close()
			}
			var err error
			if stmt, err = t.tx.PrepareContext(ctx, t.r.stmts.insertSQL(end-start)); err != nil {
				return inserted, fmt.Errorf("sqlite: prepare staging insert: %w", err)
			}
			stmtRows = end - start
		}

		args = args[:0]
		for _, row := range rows[start:end] {
			if len(row) != width {
				return inserted, fmt.Errorf("sqlite: staging row has %d values, want %d", len(row), width)
			}
			args = append(args, row...)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return inserted, fmt.Errorf("sqlite: insert staging: %w", err)
		}
		inserted += int64(end - start)
	}
	return inserted, nil
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
		cp.Job, cp.Offset, cp.Fingerprint, cp.RunID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint: %w", err)
	}
	return nil
}

func (t *tx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *tx) Rollback(context.Context) error { return t.tx.Rollback() }
