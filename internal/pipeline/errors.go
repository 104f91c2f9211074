package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a run failure.
type Kind int

const (
	// SourceUnavailable: the dataset cannot be opened or read.
	SourceUnavailable Kind = iota + 1
	// MalformedRow: a record was dropped by the reader. Handled locally and
	// never returned as a RunError; listed for completeness of the taxonomy.
	MalformedRow
	// StagingFailure: the batch could not be loaded into the staging relation.
	StagingFailure
	// MergeFailure: one of the four merge statements failed.
	MergeFailure
	// DestinationUnavailable: connection, lock, checkpoint or commit failure.
	DestinationUnavailable
	// SchemaMissing: a target relation does not exist.
	SchemaMissing
	// SourceMismatch: the stored checkpoint belongs to a different dataset.
	SourceMismatch
	// Canceled: the run was interrupted; the last committed batch is durable.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case SourceUnavailable:
		return "source unavailable"
	case MalformedRow:
		return "malformed row"
	case StagingFailure:
		return "staging failure"
	case MergeFailure:
		return "merge failure"
	case DestinationUnavailable:
		return "destination unavailable"
	case SchemaMissing:
		return "schema missing"
	case SourceMismatch:
		return "source mismatch"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RunError is returned by Controller.Run. Offset is the last committed
// checkpoint offset, i.e. the value to resume from.
type RunError struct {
	Kind   Kind
	Offset int64
	Batch  int // 0 when the failure happened outside a batch
	Err    error
}

func (e *RunError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("pipeline: %s in batch %d (resume offset %d): %v", e.Kind, e.Batch, e.Offset, e.Err)
	}
	return fmt.Sprintf("pipeline: %s (resume offset %d): %v", e.Kind, e.Offset, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf returns the Kind of a *RunError in err's chain, or 0.
func KindOf(err error) Kind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// phaseError tags an error with the batch phase it came from so the
// controller can classify it after retries.
type phaseError struct {
	kind Kind
	err  error
}

func (e *phaseError) Error() string { return e.err.Error() }
func (e *phaseError) Unwrap() error { return e.err }

func inPhase(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &phaseError{kind: kind, err: err}
}
