//go:build !unix

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File is an exclusive-create lock file. Unlike the flock variant it can go
// stale after a crash; remove the file by hand in that case.
type File struct {
	path string
}

func NewFile(path string) *File { return &File{path: path} }

func (l *File) Acquire(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, l.path)
		}
		return nil, fmt.Errorf("lock: create %s: %w", l.path, err)
	}
	_ = f.Close()
	return func(context.Context) error { return os.Remove(l.path) }, nil
}
