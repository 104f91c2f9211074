package postgres

import (
	"context"

	"pricesync/internal/storage"
)

// newRepository is a test hook; tests replace it to avoid a live database.
var newRepository = func(ctx context.Context, cfg Config) (destination, func(), error) {
	r, closeFn, err := NewRepository(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return r, closeFn, nil
}

// destination is what the adapter needs from *Repository.
type destination interface {
	Prepare(ctx context.Context) error
	Provision(ctx context.Context) error
	Lock(ctx context.Context, job string) (func(context.Context) error, error)
	Checkpoint(ctx context.Context, job string) (storage.Checkpoint, bool, error)
	Begin(ctx context.Context) (storage.Tx, error)
	Snapshot(ctx context.Context) (storage.Snapshot, error)
	IsTransient(err error) bool
}

func init() {
	storage.Register("postgres", func(ctx context.Context, c storage.Config) (storage.Destination, error) {
		d, closeFn, err := newRepository(ctx, Config{
			DSN:             c.DSN,
			StagingTable:    c.StagingTable,
			CheckpointTable: c.CheckpointTable,
			StoreChain:      c.StoreChain,
			ViaBouncer:      c.ViaBouncer,
			MaxConns:        c.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return &wrapped{destination: d, closeFn: closeFn}, nil
	})
}

// wrapped adds Close to satisfy storage.Destination.
type wrapped struct {
	destination
	closeFn func()
}

func (w *wrapped) Close() error {
	if w.closeFn != nil {
		w.closeFn()
	}
	return nil
}
