// Package storagetest is a behavioural suite shared by the storage backends.
// SQLite runs it on every test run; Postgres and MSSQL run it when a DSN is
// provided through the environment.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricesync/internal/lock"
	"pricesync/internal/merge"
	"pricesync/internal/storage"
	"pricesync/pkg/records"
)

// Opener returns a connected destination over an empty database: no target
// relations, no pipeline-owned relations. The store chain must be "Leclerc".
// It registers its own cleanup.
type Opener func(t *testing.T) storage.Destination

// Row builds a record with product, store and category filled in.
func Row(product, store, price string) records.Row {
	return records.Row{
		ProductID:       product,
		Name:            "name-" + product,
		Price:           price,
		UnitPrice:       "1kg",
		CategoryID:      "c1",
		CategoryName:    "Fruits",
		StorePLID:       store,
		StorePRID:       "pr-" + store,
		StoreName:       "store-" + store,
		StoreCity:       "Paris",
		StorePostalCode: "75001",
		StoreLat:        "48.85",
		StoreLng:        "2.35",
	}
}

// ApplyBatch stages rows at positions from, from+1, ... and runs every merge
// step and the checkpoint write in one transaction.
func ApplyBatch(t *testing.T, d storage.Destination, job string, from int64, mode merge.Mode, rows ...records.Row) [4]int64 {
	t.Helper()
	ctx := context.Background()

	pos := make([]int64, len(rows))
	for i := range pos {
		pos[i] = from + int64(i)
	}
	staged, err := storage.StagingRows(rows, pos)
	if err != nil {
		t.Fatalf("StagingRows: %v", err)
	}

	tx, err := d.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if n, err := tx.ReplaceStaging(ctx, staged); err != nil || n != int64(len(rows)) {
		_ = tx.Rollback(ctx)
		t.Fatalf("ReplaceStaging = %d, %v; want %d", n, err, len(rows))
	}
	var affected [4]int64
	for _, step := range merge.Order {
		n, err := tx.Merge(ctx, step, mode.UpdatesOnConflict(step))
		if err != nil {
			_ = tx.Rollback(ctx)
			t.Fatalf("Merge(%s): %v", step, err)
		}
		affected[step] = n
	}
	cp := storage.Checkpoint{Job: job, Offset: from + int64(len(rows)), Fingerprint: "fp", RunID: "run", UpdatedAt: time.Now().UTC()}
	if err := tx.SaveCheckpoint(ctx, cp); err != nil {
		_ = tx.Rollback(ctx)
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return affected
}

func ready(t *testing.T, open Opener) storage.Destination {
	t.Helper()
	d := open(t)
	ctx := context.Background()
	if err := d.Provision(ctx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := d.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return d
}

func snapshot(t *testing.T, d storage.Destination) storage.Snapshot {
	t.Helper()
	s, err := d.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

func wantPrice(t *testing.T, s storage.Snapshot, product, store, value string) storage.PriceRow {
	t.Helper()
	p, ok := s.Price(product, store)
	if !ok {
		t.Fatalf("no price for (%s, %s)", product, store)
	}
	if !p.Value.Valid || !p.Value.Decimal.Equal(decimal.RequireFromString(value)) {
		t.Fatalf("price (%s, %s) = %v, want %s", product, store, p.Value, value)
	}
	return p
}

// Run executes the suite. Subtests run sequentially; each opens its own
// destination.
func Run(t *testing.T, open Opener) {
	t.Run("PrepareWithoutSchema", func(t *testing.T) {
		d := open(t)
		err := d.Prepare(context.Background())
		if !errors.Is(err, storage.ErrSchemaMissing) {
			t.Fatalf("Prepare error = %v, want ErrSchemaMissing", err)
		}
	})

	t.Run("ProvisionAndPrepareIdempotent", func(t *testing.T) {
		d := ready(t, open)
		ctx := context.Background()
		if err := d.Provision(ctx); err != nil {
			t.Fatalf("second Provision: %v", err)
		}
		if err := d.Prepare(ctx); err != nil {
			t.Fatalf("second Prepare: %v", err)
		}
		if _, ok, err := d.Checkpoint(ctx, "none"); err != nil || ok {
			t.Fatalf("Checkpoint(none) = ok %v, err %v", ok, err)
		}
	})

	t.Run("MergeBatch", func(t *testing.T) {
		d := ready(t, open)
		got := ApplyBatch(t, d, "job", 0, merge.InsertOnly,
			Row("P1", "S1", "1.00"),
			Row("P2", "S1", "2.50"),
			Row("P1", "S1", "1.20"),
		)
		if got != [4]int64{1, 1, 2, 2} {
			t.Fatalf("affected = %v, want [1 1 2 2]", got)
		}

		s := snapshot(t, d)
		wantPrice(t, s, "P1", "S1", "1.20")
		wantPrice(t, s, "P2", "S1", "2.5")
		if len(s.Prices) != 2 || len(s.Products) != 2 {
			t.Fatalf("prices=%d products=%d, want 2 and 2", len(s.Prices), len(s.Products))
		}
		st, ok := s.Store("S1")
		if !ok {
			t.Fatal("store S1 missing")
		}
		if st.Chain != "Leclerc" || st.PLID != "S1" || st.PRID != "pr-S1" || st.City != "Paris" {
			t.Fatalf("store = %+v", st)
		}
		if st.Lat == nil || *st.Lat != 48.85 || st.Lng == nil || *st.Lng != 2.35 {
			t.Fatalf("store coordinates = %v, %v", st.Lat, st.Lng)
		}
		if c, ok := s.Category("c1"); !ok || c.Name != "Fruits" {
			t.Fatalf("category = %+v, %v", c, ok)
		}

		cp, ok, err := d.Checkpoint(context.Background(), "job")
		if err != nil || !ok {
			t.Fatalf("Checkpoint: ok %v, err %v", ok, err)
		}
		if cp.Offset != 3 || cp.Fingerprint != "fp" || cp.RunID != "run" {
			t.Fatalf("checkpoint = %+v", cp)
		}
	})

	t.Run("NullKeysSkipEntities", func(t *testing.T) {
		d := ready(t, open)
		noStore := Row("P1", "", "1.00")
		noProduct := Row("", "S2", "2.00")
		noCategory := Row("P3", "S3", "3.00")
		noCategory.CategoryID = ""
		noCategory.CategoryName = ""
		ApplyBatch(t, d, "job", 0, merge.InsertOnly, noStore, noProduct, noCategory)

		s := snapshot(t, d)
		if len(s.Prices) != 1 {
			t.Fatalf("prices = %+v, want only (P3, S3)", s.Prices)
		}
		wantPrice(t, s, "P3", "S3", "3")
		if len(s.Stores) != 2 || len(s.Products) != 2 {
			t.Fatalf("stores=%d products=%d, want 2 and 2", len(s.Stores), len(s.Products))
		}
		if len(s.Categories) != 1 {
			t.Fatalf("categories = %+v, want only c1", s.Categories)
		}
	})

	t.Run("ConflictModes", func(t *testing.T) {
		d := ready(t, open)
		ApplyBatch(t, d, "job", 0, merge.InsertOnly, Row("P1", "S1", "1.00"))
		first := wantPrice(t, snapshot(t, d), "P1", "S1", "1")

		renamed := Row("P1", "S1", "9.99")
		renamed.Name = "renamed"
		renamed.CategoryName = "Renamed"
		renamed.StorePRID = "pr-other"
		ApplyBatch(t, d, "job", 1, merge.InsertOnly, renamed)
		s := snapshot(t, d)
		wantPrice(t, s, "P1", "S1", "9.99")
		if s.Products[0].Name != "name-P1" {
			t.Fatalf("insert-only overwrote product name: %q", s.Products[0].Name)
		}
		if c, _ := s.Category("c1"); c.Name != "Fruits" {
			t.Fatalf("insert-only overwrote category name: %q", c.Name)
		}
		if st, _ := s.Store("S1"); st.PRID != "pr-S1" {
			t.Fatalf("insert-only overwrote store pr_id: %q", st.PRID)
		}

		renamed.Price = "8.50"
		ApplyBatch(t, d, "job", 2, merge.Refresh, renamed)
		s = snapshot(t, d)
		p := wantPrice(t, s, "P1", "S1", "8.5")
		if p.ID != first.ID {
			t.Fatalf("refresh replaced price id %q with %q", first.ID, p.ID)
		}
		if s.Products[0].Name != "renamed" {
			t.Fatalf("refresh kept product name %q", s.Products[0].Name)
		}
		if c, _ := s.Category("c1"); c.Name != "Renamed" {
			t.Fatalf("refresh kept category name %q", c.Name)
		}
		if st, _ := s.Store("S1"); st.PRID != "pr-other" {
			t.Fatalf("refresh kept store pr_id %q", st.PRID)
		}
		if len(s.Prices) != 1 || len(s.Stores) != 1 || len(s.Categories) != 1 {
			t.Fatalf("prices=%d stores=%d categories=%d, want 1 each", len(s.Prices), len(s.Stores), len(s.Categories))
		}
	})

	t.Run("LastRowWinsWithinBatch", func(t *testing.T) {
		for _, mode := range []merge.Mode{merge.InsertOnly, merge.Refresh} {
			t.Run(string(mode), func(t *testing.T) {
				d := ready(t, open)
				later := Row("P2", "S1", "2.00")
				later.CategoryName = "Renamed"
				later.StorePRID = "pr-other"
				later.StoreName = "store-other"
				ApplyBatch(t, d, "job", 0, mode, Row("P1", "S1", "1.00"), later)

				s := snapshot(t, d)
				if c, _ := s.Category("c1"); c.Name != "Renamed" {
					t.Fatalf("category name = %q, want the later row", c.Name)
				}
				st, ok := s.Store("S1")
				if !ok || st.PRID != "pr-other" || st.Name != "store-other" {
					t.Fatalf("store = %+v, want the later row", st)
				}
				if len(s.Stores) != 1 || len(s.Prices) != 2 {
					t.Fatalf("stores=%d prices=%d, want 1 and 2", len(s.Stores), len(s.Prices))
				}
			})
		}
	})

	t.Run("RollbackDiscardsBatch", func(t *testing.T) {
		d := ready(t, open)
		ctx := context.Background()
		staged, _ := storage.StagingRows([]records.Row{Row("P1", "S1", "1.00")}, []int64{0})

		tx, err := d.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if _, err := tx.ReplaceStaging(ctx, staged); err != nil {
			t.Fatalf("ReplaceStaging: %v", err)
		}
		for _, step := range merge.Order {
			if _, err := tx.Merge(ctx, step, false); err != nil {
				t.Fatalf("Merge(%s): %v", step, err)
			}
		}
		if err := tx.SaveCheckpoint(ctx, storage.Checkpoint{Job: "job", Offset: 1}); err != nil {
			t.Fatalf("SaveCheckpoint: %v", err)
		}
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("Rollback: %v", err)
		}

		s := snapshot(t, d)
		if len(s.Prices)+len(s.Products)+len(s.Stores)+len(s.Categories) != 0 {
			t.Fatalf("rolled back batch is visible: %+v", s)
		}
		if _, ok, _ := d.Checkpoint(ctx, "job"); ok {
			t.Fatal("rolled back checkpoint is visible")
		}
	})

	t.Run("MalformedNumberFailsMerge", func(t *testing.T) {
		d := ready(t, open)
		ctx := context.Background()
		staged, _ := storage.StagingRows([]records.Row{Row("P1", "S1", "abc")}, []int64{0})

		tx, err := d.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		defer tx.Rollback(ctx)
		if _, err := tx.ReplaceStaging(ctx, staged); err != nil {
			t.Fatalf("ReplaceStaging: %v", err)
		}
		_, err = tx.Merge(ctx, merge.Price, false)
		if err == nil {
			t.Fatal("Merge(price) accepted a non-numeric price")
		}
		if d.IsTransient(err) {
			t.Fatalf("data error classified transient: %v", err)
		}
	})

	t.Run("Lock", func(t *testing.T) {
		d := ready(t, open)
		ctx := context.Background()
		release, err := d.Lock(ctx, "job")
		if err != nil {
			t.Fatalf("Lock: %v", err)
		}
		if _, err := d.Lock(ctx, "job"); !errors.Is(err, lock.ErrLocked) {
			t.Fatalf("second Lock error = %v, want ErrLocked", err)
		}
		if err := release(ctx); err != nil {
			t.Fatalf("release: %v", err)
		}
		again, err := d.Lock(ctx, "job")
		if err != nil {
			t.Fatalf("Lock after release: %v", err)
		}
		_ = again(ctx)
	})

	t.Run("ForceCheckpoint", func(t *testing.T) {
		d := ready(t, open)
		ctx := context.Background()
		ApplyBatch(t, d, "job", 0, merge.InsertOnly, Row("P1", "S1", "1"))
		if err := storage.ForceCheckpoint(ctx, d, storage.Checkpoint{Job: "job", Offset: 0, Fingerprint: "fp"}); err != nil {
			t.Fatalf("ForceCheckpoint: %v", err)
		}
		cp, ok, err := d.Checkpoint(ctx, "job")
		if err != nil || !ok || cp.Offset != 0 {
			t.Fatalf("checkpoint = %+v, ok %v, err %v", cp, ok, err)
		}
		if cp.UpdatedAt.IsZero() {
			t.Fatal("checkpoint updated_at not set")
		}
	})
}
