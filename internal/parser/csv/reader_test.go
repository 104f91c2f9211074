package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pricesync/internal/config"
	"pricesync/internal/datasource"
	"pricesync/internal/logger"
	"pricesync/pkg/records"
)

// stringSource is an in-memory datasource.Source.
type stringSource struct {
	body   string
	err    error
	closed bool
}

func (s *stringSource) Open(context.Context) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &closeTracker{Reader: strings.NewReader(s.body), s: s}, nil
}

type closeTracker struct {
	io.Reader
	s *stringSource
}

func (c *closeTracker) Close() error { c.s.closed = true; return nil }

const canonicalHeader = "product_id,name,price,promo_price,unit_price,image,category_id,category_name," +
	"store_pl_id,store_pr_id,store_name,store_city,store_postal_code,store_lat,store_lng\n"

const legacyHeader = "product_id,nom,prix,promo,unit_price,image,category_id,category_nom," +
	"store_noPL,store_noPR,store_nom,store_ville,store_cp,store_lat,store_lng\n"

func row(pid, price, pl string) string {
	return pid + ",Name " + pid + "," + price + ",,,,C1,Drinks," + pl + ",PR1,Leclerc X,Paris,75001,48.85,2.35\n"
}

func open(t *testing.T, body string, opt Options) *Reader {
	t.Helper()
	r, err := Open(context.Background(), &stringSource{body: body}, opt, logger.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func drain(t *testing.T, r *Reader) ([]records.Row, []int64) {
	t.Helper()
	var rows []records.Row
	var pos []int64
	for {
		row, p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows, pos
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, row)
		pos = append(pos, p)
	}
}

func TestOpen_HeaderVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		opt    Options
	}{
		{name: "canonical", header: canonicalHeader},
		{name: "legacy_french", header: legacyHeader},
		{name: "upper_and_spaces", header: strings.ToUpper(strings.ReplaceAll(canonicalHeader, ",", " , "))},
		{
			name:   "header_map",
			header: strings.Replace(canonicalHeader, "product_id", "EAN", 1),
			opt:    Options{HeaderMap: map[string]string{"EAN": "product_id"}},
		},
		{
			name:   "reordered_with_extra",
			header: "extra," + canonicalHeader,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := tt.header + row("P1", "1.50", "S1")
			if tt.name == "reordered_with_extra" {
				body = tt.header + "junk," + row("P1", "1.50", "S1")
			}
			opt := tt.opt
			opt.TrimSpace = true
			r := open(t, body, opt)
			rows, pos := drain(t, r)
			if len(rows) != 1 {
				t.Fatalf("rows = %d, want 1", len(rows))
			}
			got := rows[0]
			if got.ProductID != "P1" || got.Price != "1.50" || got.StorePLID != "S1" || got.CategoryName != "Drinks" {
				t.Fatalf("row = %+v", got)
			}
			if pos[0] != 0 {
				t.Fatalf("position = %d, want 0", pos[0])
			}
		})
	}
}

func TestOpen_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  *stringSource
	}{
		{name: "empty", src: &stringSource{body: ""}},
		{name: "missing_columns", src: &stringSource{body: "product_id,name,price\nP1,x,1\n"}},
		{name: "open_error", src: &stringSource{err: datasource.ErrSourceUnavailable}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Open(context.Background(), tt.src, Options{}, nil)
			if !errors.Is(err, datasource.ErrSourceUnavailable) {
				t.Fatalf("Open error = %v, want ErrSourceUnavailable", err)
			}
		})
	}
}

func TestOpen_MissingColumnsNamed(t *testing.T) {
	t.Parallel()

	hdr := strings.Replace(canonicalHeader, ",store_lng", "", 1)
	_, err := Open(context.Background(), &stringSource{body: hdr}, Options{}, nil)
	if err == nil || !strings.Contains(err.Error(), "store_lng") {
		t.Fatalf("Open error = %v, want mention of store_lng", err)
	}
}

func TestNext_DropsMalformedAndKeepsPositions(t *testing.T) {
	t.Parallel()

	body := canonicalHeader +
		row("P1", "1.00", "S1") + // 0
		"P2,too,few\n" + // 1: field count
		row("P3", "3.00", "S1") + // 2
		"P4,bad\"quote,1,,,,C1,Drinks,S1,PR1,L,Paris,75001,1,2\n" + // 3: bare quote
		row("P5", "5.00", "S2") // 4

	r := open(t, body, Options{TrimSpace: true})
	rows, pos := drain(t, r)

	var ids []string
	for _, rw := range rows {
		ids = append(ids, rw.ProductID)
	}
	if strings.Join(ids, ",") != "P1,P3,P5" {
		t.Fatalf("ids = %v, want [P1 P3 P5]", ids)
	}
	want := []int64{0, 2, 4}
	for i := range want {
		if pos[i] != want[i] {
			t.Fatalf("positions = %v, want %v", pos, want)
		}
	}
	if r.Malformed() != 2 {
		t.Fatalf("Malformed() = %d, want 2", r.Malformed())
	}
	if r.Position() != 5 {
		t.Fatalf("Position() = %d, want 5", r.Position())
	}
}

func TestNext_TrimSpace(t *testing.T) {
	t.Parallel()

	body := canonicalHeader + " P1 , Coca ,1.50,,,,C1,Drinks,S1,PR1,L,Paris,75001,1,2\n"

	trimmed, _ := drain(t, open(t, body, Options{TrimSpace: true}))
	if trimmed[0].ProductID != "P1" || trimmed[0].Name != "Coca" {
		t.Fatalf("trimmed row = %+v", trimmed[0])
	}
	raw, _ := drain(t, open(t, body, Options{}))
	if raw[0].ProductID != " P1 " {
		t.Fatalf("untrimmed product_id = %q", raw[0].ProductID)
	}
}

func TestNext_CustomComma(t *testing.T) {
	t.Parallel()

	body := strings.ReplaceAll(canonicalHeader, ",", ";") + strings.ReplaceAll(row("P1", "1.50", "S1"), ",", ";")
	rows, _ := drain(t, open(t, body, Options{Comma: ';'}))
	if len(rows) != 1 || rows[0].Price != "1.50" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestSkip(t *testing.T) {
	t.Parallel()

	body := canonicalHeader +
		row("P1", "1", "S1") +
		"broken\n" +
		row("P3", "3", "S1") +
		row("P4", "4", "S1")

	tests := []struct {
		name        string
		n           int64
		wantSkipped int64
		wantFirst   string
	}{
		{name: "zero", n: 0, wantSkipped: 0, wantFirst: "P1"},
		{name: "over_malformed", n: 2, wantSkipped: 2, wantFirst: "P3"},
		{name: "to_end", n: 4, wantSkipped: 4},
		{name: "past_end", n: 100, wantSkipped: 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := open(t, body, Options{})
			got, err := r.Skip(tt.n)
			if err != nil {
				t.Fatalf("Skip: %v", err)
			}
			if got != tt.wantSkipped {
				t.Fatalf("Skip(%d) = %d, want %d", tt.n, got, tt.wantSkipped)
			}
			if r.Malformed() != 0 {
				t.Fatalf("Malformed() after Skip = %d, want 0", r.Malformed())
			}
			row, pos, err := r.Next()
			if tt.wantFirst == "" {
				if !errors.Is(err, io.EOF) {
					t.Fatalf("Next after Skip = %v, want io.EOF", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if row.ProductID != tt.wantFirst || pos != tt.n {
				t.Fatalf("Next = %s@%d, want %s@%d", row.ProductID, pos, tt.wantFirst, tt.n)
			}
		})
	}
}

func TestRejectFile(t *testing.T) {
	t.Parallel()

	rejects := filepath.Join(t.TempDir(), "rejects.csv")
	body := canonicalHeader + row("P1", "1", "S1") + "P2,short\n"

	r, err := Open(context.Background(), &stringSource{body: body}, Options{RejectFile: rejects}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	drain(t, r)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(rejects)
	if err != nil {
		t.Fatalf("open rejects: %v", err)
	}
	defer f.Close()
	got, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read rejects: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("reject rows = %d, want header + 1: %v", len(got), got)
	}
	if got[1][0] != "field_count" || got[1][1] != "1" || got[1][2] != "P2" || got[1][3] != "P2,short" {
		t.Fatalf("reject row = %v", got[1])
	}
}

func TestClose_ClosesSource(t *testing.T) {
	t.Parallel()

	src := &stringSource{body: canonicalHeader}
	r, err := Open(context.Background(), src, Options{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !src.closed {
		t.Fatalf("source not closed")
	}
}

func TestOptionsFrom_Defaults(t *testing.T) {
	t.Parallel()

	o := OptionsFrom("job", config.Options{})
	if o.Comma != ',' || !o.TrimSpace || o.LazyQuotes || o.RejectFile != "" || o.Job != "job" {
		t.Fatalf("OptionsFrom defaults = %+v", o)
	}
	o = OptionsFrom("job", config.Options{
		"comma":       ";",
		"trim_space":  false,
		"lazy_quotes": true,
		"reject_file": "r.csv",
		"header_map":  map[string]any{"EAN": "product_id"},
	})
	if o.Comma != ';' || o.TrimSpace || !o.LazyQuotes || o.RejectFile != "r.csv" || o.HeaderMap["EAN"] != "product_id" {
		t.Fatalf("OptionsFrom = %+v", o)
	}
}
