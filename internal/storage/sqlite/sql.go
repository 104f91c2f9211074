package sqlite

import (
	"fmt"
	"strings"

	"pricesync/internal/merge"
	"pricesync/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766 since 3.32).
const maxParams = 32000

// chunkRows is the number of staging rows per multi-value INSERT.
var chunkRows = maxParams / len(storage.StagingColumns)

type statements struct {
	merge [len(merge.Order)][2]string

	createStaging    string
	createCheckpoint string
	clearStaging     string
	upsertCheckpoint string
	readCheckpoint   string
	tableExists      string

	staging string
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func buildStatements(staging, checkpoint string) statements {
	st := quoteFQN(staging)
	ck := quoteFQN(checkpoint)

	cols := make([]string, 0, len(storage.StagingColumns))
	for _, c := range storage.StagingColumns {
		typ := "TEXT"
		if c == storage.SeqColumn {
			typ = "INTEGER NOT NULL"
		}
		cols = append(cols, quoteIdent(c)+" "+typ)
	}

	s := statements{staging: st}
	s.createStaging = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", st, strings.Join(cols, ",\n  "))
	s.createCheckpoint = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  job                TEXT PRIMARY KEY,
  committed_offset   INTEGER NOT NULL,
  source_fingerprint TEXT,
  run_id             TEXT,
  updated_at         TEXT NOT NULL
)`, ck)
	s.clearStaging = "DELETE FROM " + st
	s.upsertCheckpoint = fmt.Sprintf(`INSERT INTO %s (job, committed_offset, source_fingerprint, run_id, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (job) DO UPDATE SET
  committed_offset = excluded.committed_offset,
  source_fingerprint = excluded.source_fingerprint,
  run_id = excluded.run_id,
  updated_at = excluded.updated_at`, ck)
	s.readCheckpoint = fmt.Sprintf(
		"SELECT committed_offset, COALESCE(source_fingerprint, ''), COALESCE(run_id, ''), updated_at FROM %s WHERE job = ?", ck)
	s.tableExists = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"

	for _, step := range merge.Order {
		for _, update := range []bool{false, true} {
			s.merge[step][b2i(update)] = mergeSQL(step, update, st)
		}
	}
	return s
}

// insertSQL is the multi-value staging INSERT for n rows.
func (s statements) insertSQL(n int) string {
	cols := make([]string, len(storage.StagingColumns))
	for i, c := range storage.StagingColumns {
		cols[i] = quoteIdent(c)
	}
	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.staging, strings.Join(cols, ", "))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(one)
	}
	return b.String()
}

// latest selects the last staged row per key. The outer WHERE also resolves
// the INSERT .. SELECT .. ON CONFLICT parsing ambiguity.
func latest(st, partition, notNull string) string {
	return fmt.Sprintf(`FROM (
  SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY seq DESC) AS rn
  FROM %s
  WHERE %s
) WHERE rn = 1`, partition, st, notNull)
}

func mergeSQL(step merge.Step, update bool, st string) string {
	switch step {
	case merge.Category:
		return fmt.Sprintf(`INSERT INTO category (id, name)
SELECT category_id, category_name
%s
%s`, latest(st, "category_id", "category_id IS NOT NULL"), conflict("id", update, "name"))

	case merge.Store:
		return fmt.Sprintf(`INSERT INTO store (id, name, chain, pl_id, pr_id, city, postal_code, lat, lng, last_scraped_at)
SELECT store_pl_id, store_name, ?, store_pl_id, store_pr_id, store_city, store_postal_code,
  to_real(store_lat), to_real(store_lng), CURRENT_TIMESTAMP
%s
%s`, latest(st, "store_pl_id", "store_pl_id IS NOT NULL"),
			conflict("id", update, "name", "pr_id", "city", "postal_code", "lat", "lng", "last_scraped_at"))

	case merge.Product:
		return fmt.Sprintf(`INSERT INTO product (id, name, image, category_id)
SELECT product_id, name, image, category_id
%s
%s`, latest(st, "product_id", "product_id IS NOT NULL"), conflict("id", update, "name", "image", "category_id"))

	case merge.Price:
		return fmt.Sprintf(`INSERT INTO price (id, value, promo_value, unit_price, product_id, store_id, updated_at)
SELECT gen_uuid(), to_real(price), to_real(promo_price), unit_price, product_id, store_pl_id, CURRENT_TIMESTAMP
%s
%s`, latest(st, "product_id, store_pl_id", "product_id IS NOT NULL AND store_pl_id IS NOT NULL"),
			conflict("product_id, store_id", update, "value", "promo_value", "unit_price", "updated_at"))
	}
	panic(fmt.Sprintf("sqlite: no SQL for %s", step))
}

func conflict(target string, update bool, cols ...string) string {
	if !update {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}

// quoteIdent quotes a single identifier using SQLite double-quote rules.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// quoteFQN quotes each dot-separated segment, e.g. main.events.
func quoteFQN(fqn string) string {
	parts := strings.Split(fqn, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}
