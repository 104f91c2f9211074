// Package merge defines the four normalization merges that move a staged
// batch into the target relations, the single order in which they run and
// the run-wide conflict policy.
//
// The SQL for each step lives with its storage backend; this package only
// decides which step runs, in which order, and whether it overwrites.
package merge

import (
	"context"
	"fmt"
)

// Step is one merge of the staged batch into a target relation.
type Step int

const (
	Category Step = iota
	Store
	Product
	Price
)

// Order is the only order in which steps ever run: a Product refers to a
// Category, and a Price refers to a Product and a Store.
var Order = [...]Step{Category, Store, Product, Price}

func (s Step) String() string {
	switch s {
	case Category:
		return "category"
	case Store:
		return "store"
	case Product:
		return "product"
	case Price:
		return "price"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Mode is the run-wide conflict-resolution policy.
type Mode string

const (
	// InsertOnly keeps existing categories, stores and products untouched.
	InsertOnly Mode = "insert-only"
	// Refresh overwrites mutable fields of every entity on conflict.
	Refresh Mode = "refresh"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case InsertOnly, Refresh:
		return m, nil
	}
	return "", fmt.Errorf("merge: unknown conflict mode %q (want %q or %q)", s, InsertOnly, Refresh)
}

// UpdatesOnConflict reports whether step overwrites an existing row under m.
// Price is a time-varying fact and always updates.
func (m Mode) UpdatesOnConflict(s Step) bool {
	return s == Price || m == Refresh
}

// Executor runs one step against the staged batch and reports the number of
// rows inserted or updated. Storage transactions implement it.
type Executor interface {
	Merge(ctx context.Context, step Step, update bool) (int64, error)
}

// StepError is returned when a step fails. Later steps were not run.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("merge %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }
