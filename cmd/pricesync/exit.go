package main

import (
	"errors"

	"pricesync/internal/pipeline"
)

// Process exit codes.
const (
	exitOK          = 0
	exitUsage       = 2 // bad flags or configuration
	exitSource      = 3 // source unavailable or mismatched
	exitDestination = 4 // destination unreachable, locked or missing schema
	exitBatch       = 5 // a batch failed; the resume offset is printed
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// exitCode maps err to a process exit code. Errors nobody classified come
// from flag parsing.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch pipeline.KindOf(err) {
	case pipeline.SourceUnavailable, pipeline.SourceMismatch:
		return exitSource
	case pipeline.DestinationUnavailable, pipeline.SchemaMissing:
		return exitDestination
	case pipeline.StagingFailure, pipeline.MergeFailure, pipeline.Canceled:
		return exitBatch
	}
	return exitUsage
}
