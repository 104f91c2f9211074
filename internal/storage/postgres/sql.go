package postgres

import (
	"fmt"
	"strings"

	"pricesync/internal/merge"
	"pricesync/internal/storage"
)

// statements holds every statement a run issues, generated once per
// repository from the configured relation names.
type statements struct {
	merge [len(merge.Order)][2]string // [step][update]

	createStaging    string
	createCheckpoint string
	truncateStaging  string
	upsertCheckpoint string
	readCheckpoint   string
	tableExists      string
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func buildStatements(staging, checkpoint string) statements {
	st := pgFQN(staging)
	ck := pgFQN(checkpoint)

	cols := make([]string, 0, len(storage.StagingColumns))
	for _, c := range storage.StagingColumns {
		typ := "TEXT"
		if c == storage.SeqColumn {
			typ = "BIGINT NOT NULL"
		}
		cols = append(cols, pgIdent(c)+" "+typ)
	}

	var s statements
	s.createStaging = fmt.Sprintf("CREATE UNLOGGED TABLE IF NOT EXISTS %s (\n  %s\n)", st, strings.Join(cols, ",\n  "))
	s.createCheckpoint = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  job                TEXT PRIMARY KEY,
  committed_offset   BIGINT NOT NULL,
  source_fingerprint TEXT,
  run_id             TEXT,
  updated_at         TIMESTAMPTZ NOT NULL
)`, ck)
	s.truncateStaging = "TRUNCATE TABLE " + st
	s.upsertCheckpoint = fmt.Sprintf(`INSERT INTO %s (job, committed_offset, source_fingerprint, run_id, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job) DO UPDATE SET
  committed_offset = EXCLUDED.committed_offset,
  source_fingerprint = EXCLUDED.source_fingerprint,
  run_id = EXCLUDED.run_id,
  updated_at = EXCLUDED.updated_at`, ck)
	s.readCheckpoint = fmt.Sprintf(
		"SELECT committed_offset, COALESCE(source_fingerprint, ''), COALESCE(run_id, ''), updated_at FROM %s WHERE job = $1", ck)
	s.tableExists = `SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_name = $1 AND table_schema = ANY (current_schemas(false))
)`

	for _, step := range merge.Order {
		for _, update := range []bool{false, true} {
			s.merge[step][b2i(update)] = mergeSQL(step, update, st)
		}
	}
	return s
}

// mergeSQL builds the upsert of one step. DISTINCT ON with seq DESC keeps the
// last staged row per key. Empty values were staged as NULL, so the numeric
// casts only fail on genuinely malformed input.
func mergeSQL(step merge.Step, update bool, st string) string {
	switch step {
	case merge.Category:
		return fmt.Sprintf(`INSERT INTO category (id, name)
SELECT DISTINCT ON (category_id) category_id, category_name
FROM %s
WHERE category_id IS NOT NULL
ORDER BY category_id, seq DESC
%s`, st, conflict("id", update, "name"))

	case merge.Store:
		return fmt.Sprintf(`INSERT INTO store (id, name, chain, pl_id, pr_id, city, postal_code, lat, lng, last_scraped_at)
SELECT DISTINCT ON (store_pl_id)
  store_pl_id, store_name, $1::text, store_pl_id, store_pr_id, store_city, store_postal_code,
  store_lat::double precision, store_lng::double precision, now()
FROM %s
WHERE store_pl_id IS NOT NULL
ORDER BY store_pl_id, seq DESC
%s`, st, conflict("id", update, "name", "pr_id", "city", "postal_code", "lat", "lng", "last_scraped_at"))

	case merge.Product:
		return fmt.Sprintf(`INSERT INTO product (id, name, image, category_id)
SELECT DISTINCT ON (product_id) product_id, name, image, category_id
FROM %s
WHERE product_id IS NOT NULL
ORDER BY product_id, seq DESC
%s`, st, conflict("id", update, "name", "image", "category_id"))

	case merge.Price:
		return fmt.Sprintf(`INSERT INTO price (id, value, promo_value, unit_price, product_id, store_id, updated_at)
SELECT DISTINCT ON (product_id, store_pl_id)
  gen_random_uuid()::text, price::double precision, promo_price::double precision, unit_price,
  product_id, store_pl_id, now()
FROM %s
WHERE product_id IS NOT NULL AND store_pl_id IS NOT NULL
ORDER BY product_id, store_pl_id, seq DESC
%s`, st, conflict("product_id, store_id", update, "value", "promo_value", "unit_price", "updated_at"))
	}
	panic(fmt.Sprintf("postgres: no SQL for %s", step))
}

func conflict(target string, update bool, cols ...string) string {
	if !update {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}

// pgIdent safely quotes an identifier for Postgres ("name" with "" escaping).
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "public.ingest_staging".
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}
