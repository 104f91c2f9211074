package pipeline

import (
	"errors"
	"fmt"
	"time"

	"pricesync/internal/config"
	"pricesync/internal/merge"
)

// Options are the run parameters of a Controller.
type Options struct {
	Job       string
	BatchSize int
	// ResumeOffset overrides the stored checkpoint when set. It also
	// suppresses the source fingerprint check.
	ResumeOffset    *int64
	Mode            merge.Mode
	InterBatchDelay time.Duration
	Retry           Retry
}

// OptionsFrom maps a loaded pipeline configuration to run options.
func OptionsFrom(p config.Pipeline) (Options, error) {
	mode, err := merge.ParseMode(p.Runtime.ConflictMode)
	if err != nil {
		return Options{}, err
	}
	o := Options{
		Job:             p.Job,
		BatchSize:       p.Runtime.BatchSize,
		ResumeOffset:    p.Runtime.ResumeOffset,
		Mode:            mode,
		InterBatchDelay: p.Runtime.InterBatchDelay.D(),
		Retry: Retry{
			MaxAttempts:     p.Runtime.Retry.MaxAttempts,
			InitialInterval: p.Runtime.Retry.InitialInterval.D(),
			MaxInterval:     p.Runtime.Retry.MaxInterval.D(),
		},
	}
	return o, o.validate()
}

func (o Options) validate() error {
	switch {
	case o.Job == "":
		return errors.New("pipeline: job is required")
	case o.BatchSize < 1:
		return fmt.Errorf("pipeline: batch size must be >= 1, got %d", o.BatchSize)
	case o.ResumeOffset != nil && *o.ResumeOffset < 0:
		return fmt.Errorf("pipeline: resume offset must be >= 0, got %d", *o.ResumeOffset)
	case o.InterBatchDelay < 0:
		return fmt.Errorf("pipeline: inter-batch delay must be >= 0, got %s", o.InterBatchDelay)
	}
	if _, err := merge.ParseMode(string(o.Mode)); err != nil {
		return err
	}
	return nil
}
