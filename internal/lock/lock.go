// Package lock guards a job against concurrent runs. Two runs of the same
// job would truncate each other's staging relation, so a run holds a lock
// from Starting until it exits.
package lock

import (
	"context"
	"errors"
)

// ErrLocked is returned by Acquire when another run holds the lock.
var ErrLocked = errors.New("lock: held by another run")

// Release gives the lock back. It is safe to call once.
type Release func(context.Context) error

// Locker acquires a run lock without waiting.
type Locker interface {
	Acquire(ctx context.Context) (Release, error)
}

// Func adapts a function, typically a destination's native lock, to Locker.
type Func func(ctx context.Context) (Release, error)

func (f Func) Acquire(ctx context.Context) (Release, error) { return f(ctx) }

// None is a Locker that always succeeds.
type None struct{}

func (None) Acquire(context.Context) (Release, error) {
	return func(context.Context) error { return nil }, nil
}
