package csv

import (
	"fmt"
	"sort"
	"strings"

	"pricesync/internal/datasource"
	"pricesync/pkg/records"
)

// legacyAliases maps the header names written by the original French
// converter to canonical column names. Keys are lower-cased.
var legacyAliases = map[string]string{
	"nom":          records.Name,
	"prix":         records.Price,
	"promo":        records.PromoPrice,
	"category_nom": records.CategoryName,
	"store_nopl":   records.StorePLID,
	"store_nopr":   records.StorePRID,
	"store_nom":    records.StoreName,
	"store_ville":  records.StoreCity,
	"store_cp":     records.StorePostalCode,
}

// normalizeHeader trims a header cell, strips a stray BOM and lower-cases it.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	return strings.ToLower(strings.TrimSpace(h))
}

// mapHeader resolves every canonical column to its index in hdr.
// headerMap entries (source name -> column) win over the built-in aliases.
// Unknown source columns are ignored; the first occurrence of a column wins.
func mapHeader(hdr []string, headerMap map[string]string) ([records.NumColumns]int, error) {
	var ix [records.NumColumns]int
	for i := range ix {
		ix[i] = -1
	}

	user := make(map[string]string, len(headerMap))
	for k, v := range headerMap {
		user[normalizeHeader(k)] = v
	}
	canon := make(map[string]int, records.NumColumns)
	for i, c := range records.Columns {
		canon[c] = i
	}

	for si, raw := range hdr {
		h := normalizeHeader(raw)
		if m, ok := user[h]; ok {
			h = m
		} else if m, ok := legacyAliases[h]; ok {
			h = m
		}
		if ti, ok := canon[h]; ok && ix[ti] < 0 {
			ix[ti] = si
		}
	}

	var missing []string
	for ti, si := range ix {
		if si < 0 {
			missing = append(missing, records.Columns[ti])
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return ix, fmt.Errorf("%w: header is missing columns: %s",
			datasource.ErrSourceUnavailable, strings.Join(missing, ", "))
	}
	return ix, nil
}
