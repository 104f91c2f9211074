package sqlite

import (
	"context"

	"pricesync/internal/storage"
)

// newRepository is a test hook that points to NewRepository by default.
var newRepository = NewRepository

// wrappedRepo adds Close to *Repository.
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

var _ storage.Destination = (*wrappedRepo)(nil)

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Destination, error) {
		r, closeFn, err := newRepository(ctx, Config{
			DSN:             cfg.DSN,
			StagingTable:    cfg.StagingTable,
			CheckpointTable: cfg.CheckpointTable,
			StoreChain:      cfg.StoreChain,
			BusyTimeout:     cfg.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}
