package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pricesync/internal/merge"
	"pricesync/internal/storage"
	"pricesync/internal/storage/storagetest"
)

func openTemp(t *testing.T) storage.Destination {
	t.Helper()
	r, closeFn, err := NewRepository(context.Background(), Config{
		DSN:             filepath.Join(t.TempDir(), "prices.db"),
		StagingTable:    "ingest_staging",
		CheckpointTable: "ingest_checkpoint",
		StoreChain:      "Leclerc",
	})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(closeFn)
	return &wrappedRepo{Repository: r}
}

func TestRepository_Suite(t *testing.T) {
	storagetest.Run(t, openTemp)
}

func TestRepository_InMemory(t *testing.T) {
	r, closeFn, err := NewRepository(context.Background(), Config{
		DSN:             ":memory:",
		StagingTable:    "ingest_staging",
		CheckpointTable: "ingest_checkpoint",
		StoreChain:      "Leclerc",
	})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	if err := r.Provision(ctx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := r.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	storagetest.ApplyBatch(t, &wrappedRepo{Repository: r}, "job", 0, merge.Refresh, storagetest.Row("P1", "S1", "1.5"))

	s, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(s.Prices) != 1 {
		t.Fatalf("prices = %+v", s.Prices)
	}

	// In-memory databases lock nothing.
	rel1, err := r.Lock(ctx, "job")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	rel2, err := r.Lock(ctx, "job")
	if err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	_ = rel1(ctx)
	_ = rel2(ctx)
}

func TestReplaceStaging_Chunks(t *testing.T) {
	orig := chunkRows
	chunkRows = 2
	t.Cleanup(func() { chunkRows = orig })

	d := openTemp(t)
	ctx := context.Background()
	if err := d.Provision(ctx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := d.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	got := storagetest.ApplyBatch(t, d, "job", 0, merge.InsertOnly,
		storagetest.Row("P1", "S1", "1"),
		storagetest.Row("P2", "S1", "2"),
		storagetest.Row("P3", "S1", "3"),
		storagetest.Row("P4", "S1", "4"),
		storagetest.Row("P5", "S1", "5"),
	)
	if got[merge.Price] != 5 {
		t.Fatalf("prices inserted = %d, want 5", got[merge.Price])
	}
}

func TestCheckpoint_RoundTripsTime(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()
	if err := d.Provision(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	if err := storage.ForceCheckpoint(ctx, d, storage.Checkpoint{Job: "j", Offset: 7, UpdatedAt: at}); err != nil {
		t.Fatalf("ForceCheckpoint: %v", err)
	}
	cp, ok, err := d.Checkpoint(ctx, "j")
	if err != nil || !ok {
		t.Fatalf("Checkpoint: ok %v err %v", ok, err)
	}
	if cp.Offset != 7 || !cp.UpdatedAt.Equal(at) {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestWithPragmas(t *testing.T) {
	tests := []struct {
		dsn  string
		busy time.Duration
		want string
	}{
		{"prices.db", 0, "prices.db?_pragma=busy_timeout(5000)&_txlock=immediate"},
		{"file:prices.db?cache=shared", 2 * time.Second, "file:prices.db?cache=shared&_pragma=busy_timeout(2000)&_txlock=immediate"},
	}
	for _, tt := range tests {
		if got := withPragmas(tt.dsn, tt.busy); got != tt.want {
			t.Errorf("withPragmas(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestDBPath(t *testing.T) {
	tests := map[string]string{
		"prices.db":                  "prices.db",
		"file:/data/prices.db?_fk=1": "/data/prices.db",
		":memory:":                   "",
		"file::memory:?cache=shared": "",
		"file:x.db?mode=memory":      "",
	}
	for dsn, want := range tests {
		if got := dbPath(dsn); got != want {
			t.Errorf("dbPath(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestInsertSQL(t *testing.T) {
	s := buildStatements("ingest_staging", "ingest_checkpoint")
	q := s.insertSQL(2)
	if !strings.HasPrefix(q, `INSERT INTO "ingest_staging" ("product_id", `) {
		t.Fatalf("insertSQL = %q", q)
	}
	if n := strings.Count(q, "?"); n != 2*len(storage.StagingColumns) {
		t.Fatalf("placeholders = %d, want %d", n, 2*len(storage.StagingColumns))
	}
}

func TestMergeSQL_ConflictPolicy(t *testing.T) {
	s := buildStatements("ingest_staging", "ingest_checkpoint")
	for _, step := range merge.Order {
		ins := s.merge[step][0]
		upd := s.merge[step][1]
		if !strings.Contains(ins, "DO NOTHING") {
			t.Errorf("%s insert-only: %s", step, ins)
		}
		if !strings.Contains(upd, "DO UPDATE SET") {
			t.Errorf("%s update: %s", step, upd)
		}
		if !strings.Contains(ins, "ROW_NUMBER() OVER (PARTITION BY") || !strings.Contains(ins, "WHERE rn = 1") {
			t.Errorf("%s: no representative selection: %s", step, ins)
		}
	}
}

func TestAdapter_Registered(t *testing.T) {
	d, err := storage.New(context.Background(), storage.Config{
		Kind:            "sqlite",
		DSN:             filepath.Join(t.TempDir(), "a.db"),
		StagingTable:    "s",
		CheckpointTable: "c",
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
