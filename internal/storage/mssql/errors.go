package mssql

import (
	"context"
	"database/sql/driver"
	"errors"

	mssql "github.com/microsoft/go-mssqldb"

	"pricesync/internal/storage"
)

// transientNumbers are server error numbers worth replaying a batch for.
var transientNumbers = map[int32]bool{
	1205:  true, // deadlock victim
	4060:  true, // cannot open database
	40197: true, // service error processing request
	40501: true, // service busy
	40613: true, // database unavailable
	10053: true, // transport-level error
	10054: true, // connection reset
}

// IsTransient reports deadlocks, unavailable databases and dropped connections.
func (r *Repository) IsTransient(err error) bool { return isTransient(err) }

func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var me mssql.Error
	if errors.As(err, &me) {
		return transientNumbers[me.Number]
	}
	return storage.IsNetworkError(err)
}
