package mssql

import (
	"fmt"
	"strings"

	"pricesync/internal/merge"
	"pricesync/internal/storage"
	"pricesync/pkg/records"
)

type statements struct {
	merge [len(merge.Order)][2]string

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

// keyColumns are the staging columns merges partition and join on; they get
// a bounded type so they can be compared against the target keys.
var keyColumns = map[string]bool{
	records.ProductID:  true,
	records.CategoryID: true,
	records.StorePLID:  true,
}

// msLiteral quotes s as an N'...' literal.
func msLiteral(s string) string { return "N'" + strings.ReplaceAll(s, "'", "''") + "'" }

func buildStatements(staging, checkpoint string) statements {
	st := msFQN(staging)
	ck := msFQN(checkpoint)

	cols := make([]string, 0, len(storage.StagingColumns))
	for _, c := range storage.StagingColumns {
		typ := "NVARCHAR(MAX) NULL"
		switch {
		case c == storage.SeqColumn:
			typ = "BIGINT NOT NULL"
		case keyColumns[c]:
			typ = "NVARCHAR(200) NULL"
		}
		cols = append(cols, msIdent(c)+" "+typ)
	}

	var s statements
	s.createStaging = fmt.Sprintf("IF OBJECT_ID(%s, N'U') IS NULL\nCREATE TABLE %s (\n  %s\n)",
		msLiteral(staging), st, strings.Join(cols, ",\n  "))
	s.createCheckpoint = fmt.Sprintf(`IF OBJECT_ID(%s, N'U') IS NULL
CREATE TABLE %s (
  job                NVARCHAR(200) NOT NULL PRIMARY KEY,
  committed_offset   BIGINT NOT NULL,
  source_fingerprint NVARCHAR(200) NULL,
  run_id             NVARCHAR(64) NULL,
  updated_at         DATETIME2 NOT NULL
)`, msLiteral(checkpoint), ck)
	s.truncateStaging = "TRUNCATE TABLE " + st
	s.upsertCheckpoint = fmt.Sprintf(`MERGE INTO %s WITH (HOLDLOCK) AS t
USING (SELECT @p1 AS job, @p2 AS committed_offset, @p3 AS source_fingerprint, @p4 AS run_id, @p5 AS updated_at) AS s
ON t.job = s.job
WHEN MATCHED THEN UPDATE SET
  t.committed_offset = s.committed_offset,
  t.source_fingerprint = s.source_fingerprint,
  t.run_id = s.run_id,
  t.updated_at = s.updated_at
WHEN NOT MATCHED BY TARGET THEN
  INSERT (job, committed_offset, source_fingerprint, run_id, updated_at)
  VALUES (s.job, s.committed_offset, s.source_fingerprint, s.run_id, s.updated_at);`, ck)
	s.readCheckpoint = fmt.Sprintf(
		"SELECT committed_offset, COALESCE(source_fingerprint, N''), COALESCE(run_id, N''), updated_at FROM %s WHERE job = @p1", ck)
	s.tableExists = "SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END"

	for _, step := range merge.Order {
		for _, update := range []bool{false, true} {
			s.merge[step][b2i(update)] = mergeSQL(step, update, st)
		}
	}
	return s
}

// source selects the last staged row per key as the MERGE source.
func source(st, partition, notNull string) string {
	return fmt.Sprintf(`(
  SELECT * FROM (
    SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY seq DESC) AS rn
    FROM %s
    WHERE %s
  ) AS ranked WHERE rn = 1
) AS s`, partition, st, notNull)
}

// matched renders the WHEN MATCHED branch; insert-only merges omit it.
func matched(update bool, sets ...string) string {
	if !update {
		return ""
	}
	return "WHEN MATCHED THEN UPDATE SET " + strings.Join(sets, ", ") + "\n"
}

func mergeSQL(step merge.Step, update bool, st string) string {
	switch step {
	case merge.Category:
		return fmt.Sprintf(`MERGE INTO category WITH (HOLDLOCK) AS t
USING %s
ON t.id = s.category_id
%sWHEN NOT MATCHED BY TARGET THEN
  INSERT (id, name) VALUES (s.category_id, s.category_name);`,
			source(st, "category_id", "category_id IS NOT NULL"),
			matched(update, "t.name = s.category_name"))

	case merge.Store:
		return fmt.Sprintf(`MERGE INTO store WITH (HOLDLOCK) AS t
USING %s
ON t.id = s.store_pl_id
%sWHEN NOT MATCHED BY TARGET THEN
  INSERT (id, name, chain, pl_id, pr_id, city, postal_code, lat, lng, last_scraped_at)
  VALUES (s.store_pl_id, s.store_name, @p1, s.store_pl_id, s.store_pr_id, s.store_city, s.store_postal_code,
    CAST(s.store_lat AS FLOAT), CAST(s.store_lng AS FLOAT), SYSUTCDATETIME());`,
			source(st, "store_pl_id", "store_pl_id IS NOT NULL"),
			matched(update,
				"t.name = s.store_name", "t.pr_id = s.store_pr_id", "t.city = s.store_city",
				"t.postal_code = s.store_postal_code", "t.lat = CAST(s.store_lat AS FLOAT)",
				"t.lng = CAST(s.store_lng AS FLOAT)", "t.last_scraped_at = SYSUTCDATETIME()"))

	case merge.Product:
		return fmt.Sprintf(`MERGE INTO product WITH (HOLDLOCK) AS t
USING %s
ON t.id = s.product_id
%sWHEN NOT MATCHED BY TARGET THEN
  INSERT (id, name, image, category_id) VALUES (s.product_id, s.name, s.image, s.category_id);`,
			source(st, "product_id", "product_id IS NOT NULL"),
			matched(update, "t.name = s.name", "t.image = s.image", "t.category_id = s.category_id"))

	case merge.Price:
		return fmt.Sprintf(`MERGE INTO price WITH (HOLDLOCK) AS t
USING %s
ON t.product_id = s.product_id AND t.store_id = s.store_pl_id
%sWHEN NOT MATCHED BY TARGET THEN
  INSERT (id, value, promo_value, unit_price, product_id, store_id, updated_at)
  VALUES (CONVERT(NVARCHAR(36), NEWID()), CAST(s.price AS FLOAT), CAST(s.promo_price AS FLOAT), s.unit_price,
    s.product_id, s.store_pl_id, SYSUTCDATETIME());`,
			source(st, "product_id, store_pl_id", "product_id IS NOT NULL AND store_pl_id IS NOT NULL"),
			matched(update,
				"t.value = CAST(s.price AS FLOAT)", "t.promo_value = CAST(s.promo_price AS FLOAT)",
				"t.unit_price = s.unit_price", "t.updated_at = SYSUTCDATETIME()"))
	}
	panic(fmt.Sprintf("mssql: no SQL for %s", step))
}

// msIdent safely quotes an identifier for SQL Server using brackets.
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// msFQN quotes a possibly schema-qualified name like "dbo.ingest_staging" to
// "[dbo].[ingest_staging]".
func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = msIdent(p)
	}
	return strings.Join(parts, ".")
}
