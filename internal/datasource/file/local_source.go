// Package file implements a local filesystem-backed data source.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"pricesync/internal/datasource"
)

// Local is a filesystem data source that opens files from the local disk.
type Local struct{ path string }

var (
	_ datasource.Source        = (*Local)(nil)
	_ datasource.Estimator     = (*Local)(nil)
	_ datasource.Fingerprinter = (*Local)(nil)
)

// NewLocal returns a new Local data source bound to the provided filesystem
// path.
func NewLocal(path string) *Local { return &Local{path: path} }

// Path returns the configured path.
func (l *Local) Path() string { return l.path }

// Open opens the configured path for reading. A leading UTF-8 byte order mark
// is removed so the first header cell compares cleanly.
//
// Behavior:
//   - If ctx is already done, Open returns the context error without touching
//     the filesystem.
//   - Filesystem errors wrap both datasource.ErrSourceUnavailable and the
//     underlying error, so errors.Is(err, os.ErrNotExist) keeps working.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", datasource.ErrSourceUnavailable, l.path, err)
	}
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	return &readCloser{Reader: transform.NewReader(f, dec), Closer: f}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// EstimateRows counts newline-terminated lines and subtracts the header.
// Quoted fields with embedded newlines make this an overestimate, which is
// acceptable for a progress denominator.
func (l *Local) EstimateRows(ctx context.Context) (int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", datasource.ErrSourceUnavailable, l.path, err)
	}
	defer f.Close()

	var (
		lines   int64
		last    byte
		buf     = make([]byte, 256<<10)
		r       = bufio.NewReaderSize(f, len(buf))
		checked int
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("count rows %s: %w", l.path, err)
		}
		if checked++; checked%64 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}
	if last != 0 && last != '\n' {
		lines++ // unterminated final line
	}
	if lines > 0 {
		lines-- // header
	}
	return lines, nil
}

// Fingerprint hashes up to limit leading bytes of the file with xxh3.
func (l *Local) Fingerprint(ctx context.Context, limit int64) (string, int64, error) {
	if limit <= 0 {
		return "", 0, fmt.Errorf("fingerprint: limit must be > 0")
	}
	st, err := os.Stat(l.path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: stat %s: %w", datasource.ErrSourceUnavailable, l.path, err)
	}
	n := min(limit, st.Size())
	sum, err := l.FingerprintN(ctx, n)
	if err != nil {
		return "", 0, err
	}
	return sum, n, nil
}

// FingerprintN hashes exactly n leading bytes. It fails if the file is
// shorter than n, which means it was truncated or replaced.
func (l *Local) FingerprintN(ctx context.Context, n int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", datasource.ErrSourceUnavailable, l.path, err)
	}
	defer f.Close()

	h := xxh3.New()
	copied, err := io.CopyN(h, f, n)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("fingerprint %s: %w", l.path, err)
	}
	if copied < n {
		return "", fmt.Errorf("fingerprint %s: file shorter than %d bytes", l.path, n)
	}
	return strconv.FormatUint(h.Sum64(), 16) + ":" + strconv.FormatInt(n, 10), nil
}
