package sqlite

import (
	"context"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pricesync/internal/storage"
)

// IsTransient reports SQLITE_BUSY and SQLITE_LOCKED, including their
// extended codes.
func (r *Repository) IsTransient(err error) bool { return isTransient(err) }

func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return storage.IsNetworkError(err)
}
