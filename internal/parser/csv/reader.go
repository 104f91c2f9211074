// Package csv reads header-led CSV price observations into records.Row
// values. Records are streamed one at a time; the whole file is never
// buffered.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"pricesync/internal/config"
	"pricesync/internal/datasource"
	"pricesync/internal/logger"
	"pricesync/internal/metrics"
	"pricesync/internal/skiplog"
	"pricesync/pkg/records"
)

// Options configures the reader. The zero value reads comma-separated input
// without trimming; use OptionsFrom for configured defaults.
type Options struct {
	// Job labels the malformed-row metric.
	Job string

	Comma      rune
	LazyQuotes bool
	TrimSpace  bool

	// HeaderMap maps additional source header names to column names.
	HeaderMap map[string]string

	// RejectFile, when set, receives every malformed record.
	RejectFile string
}

// OptionsFrom reads parser options from a config bag. Defaults: comma ',',
// lazy_quotes false, trim_space true.
func OptionsFrom(job string, o config.Options) Options {
	return Options{
		Job:        job,
		Comma:      o.Rune("comma", ','),
		LazyQuotes: o.Bool("lazy_quotes", false),
		TrimSpace:  o.Bool("trim_space", true),
		HeaderMap:  o.StringMap("header_map"),
		RejectFile: o.String("reject_file", ""),
	}
}

// Reader yields well-formed rows in source order together with their
// position in the record stream. The header is not a record.
//
// Positions count every record after the header, malformed ones included,
// so a position stays valid as a resume offset even if the malformed-row
// policy changes.
type Reader struct {
	src     io.ReadCloser
	cr      *csv.Reader
	colIx   [records.NumColumns]int
	width   int
	trim    bool
	job     string
	log     *logger.Logger
	rejects *skiplog.Log

	pos       int64 // records consumed
	malformed int64
}

// Open opens src, reads and maps the header. Any failure to open the source
// or an unusable header is reported as datasource.ErrSourceUnavailable.
func Open(ctx context.Context, src datasource.Source, opt Options, log *logger.Logger) (*Reader, error) {
	if log == nil {
		log = logger.NewNop()
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(rc)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1 // width is enforced per record below
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err != nil {
		_ = rc.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty input, no header", datasource.ErrSourceUnavailable)
		}
		return nil, fmt.Errorf("%w: read header: %w", datasource.ErrSourceUnavailable, err)
	}
	ix, err := mapHeader(hdr, opt.HeaderMap)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}

	r := &Reader{
		src:   rc,
		cr:    cr,
		colIx: ix,
		width: len(hdr),
		trim:  opt.TrimSpace,
		job:   opt.Job,
		log:   log,
	}
	if opt.RejectFile != "" {
		r.rejects, err = skiplog.Open(opt.RejectFile)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
	}
	return r, nil
}

// Skip discards up to n records, well-formed or not, and returns how many
// were discarded. Reaching the end of input early is not an error.
func (r *Reader) Skip(n int64) (int64, error) {
	var skipped int64
	for skipped < n {
		_, err := r.cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !isParseError(err) {
			return skipped, fmt.Errorf("csv skip at %d: %w", r.pos, err)
		}
		r.pos++
		skipped++
	}
	metrics.RecordRow(r.job, "skipped", skipped)
	return skipped, nil
}

// Next returns the next well-formed row and its position. Malformed records
// are dropped, logged and counted. At end of input it returns io.EOF.
func (r *Reader) Next() (records.Row, int64, error) {
	for {
		rec, err := r.cr.Read()
		if errors.Is(err, io.EOF) {
			return records.Row{}, r.pos, io.EOF
		}
		pos := r.pos
		if err != nil {
			if !isParseError(err) {
				return records.Row{}, pos, fmt.Errorf("csv read at %d: %w", pos, err)
			}
			r.pos++
			r.drop(pos, "parse_error", err, rec)
			continue
		}
		r.pos++
		if len(rec) != r.width {
			r.drop(pos, "field_count",
				fmt.Errorf("expected %d fields, got %d", r.width, len(rec)), rec)
			continue
		}

		var f [records.NumColumns]string
		for ti, si := range r.colIx {
			v := rec[si]
			if r.trim {
				v = strings.TrimSpace(v)
			}
			f[ti] = v
		}
		return records.FromFields(f[:]), pos, nil
	}
}

func (r *Reader) drop(pos int64, reason string, err error, rec []string) {
	r.malformed++
	metrics.RecordRow(r.job, "malformed", 1)

	pid := ""
	if si := r.colIx[0]; si < len(rec) {
		pid = rec[si]
	}
	r.log.Warn("csv: dropped malformed record",
		"position", pos, "reason", reason, "product_id", pid, "err", err)
	if werr := r.rejects.Add(reason, pos, pid, rec); werr != nil {
		r.log.Warn("csv: write reject file", "err", werr)
	}
}

// Position reports records consumed so far, including skipped and
// malformed ones.
func (r *Reader) Position() int64 { return r.pos }

// Malformed reports how many records Next has dropped.
func (r *Reader) Malformed() int64 { return r.malformed }

// Close releases the source and flushes the reject file.
func (r *Reader) Close() error {
	err := r.src.Close()
	if rerr := r.rejects.Close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func isParseError(err error) bool {
	var pe *csv.ParseError
	return errors.As(err, &pe)
}
