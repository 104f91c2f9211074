// Package datasource defines where the pipeline's input bytes come from.
//
// A Source must be restartable: every call to Open starts again at the first
// byte, which is what lets a resumed run skip ahead to its checkpoint.
package datasource

import (
	"context"
	"errors"
	"io"
)

// ErrSourceUnavailable marks failures to open or interpret the dataset. The
// pipeline treats it as fatal before any batch is attempted.
var ErrSourceUnavailable = errors.New("source unavailable")

// Source opens a fresh reader over the dataset.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Estimator is implemented by sources that can estimate their data row count
// (header excluded). The estimate is used for progress reporting only.
type Estimator interface {
	EstimateRows(ctx context.Context) (int64, error)
}

// Fingerprinter is implemented by sources that can identify their content so
// a stored checkpoint can be matched to the dataset it was taken against.
//
// Fingerprint hashes at most limit leading bytes and returns the hash and the
// number of bytes covered. FingerprintN re-hashes exactly n leading bytes so
// that an append-only dataset keeps matching a fingerprint taken earlier.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, limit int64) (sum string, n int64, err error)
	FingerprintN(ctx context.Context, n int64) (string, error)
}
