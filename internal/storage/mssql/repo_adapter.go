package mssql

import (
	"context"

	"pricesync/internal/storage"
)

// newRepository is a test hook that points to NewRepository by default.
// Tests may replace this variable to avoid real DB connections.
var newRepository = NewRepository

var _ storage.Destination = (*wrappedRepo)(nil)

func init() {
	storage.Register("mssql", func(ctx context.Context, cfg storage.Config) (storage.Destination, error) {
		r, closeFn, err := newRepository(ctx, Config{
			DSN:             cfg.DSN,
			StagingTable:    cfg.StagingTable,
			CheckpointTable: cfg.CheckpointTable,
			StoreChain:      cfg.StoreChain,
			MaxConns:        cfg.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}

// wrappedRepo adapts *mssql.Repository to storage.Destination and provides Close.
type wrappedRepo struct {
	*Repository
	closeFn func()
}

func (w *wrappedRepo) Close() error {
	if w.closeFn != nil {
		w.closeFn()
	}
	return nil
}
