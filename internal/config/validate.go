// This file adds a lightweight linter for Pipeline values. It performs static
// checks over a decoded Pipeline and returns a list of issues (errors and
// warnings) that the CLI surfaces before a run.

package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced to users but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is a dotted path into the
// config (e.g. "storage.kind", "runtime.conflict_mode").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline performs static validation of a Pipeline. It does not
// mutate p; callers decide whether warnings are fatal.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it keys the checkpoint and the run lock",
		})
	}
	issues = append(issues, validateSource(p.Source)...)
	issues = append(issues, validateParser(p.Parser)...)
	issues = append(issues, validateStorage(p.Storage)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateLock(p.Lock)...)
	issues = append(issues, validateNativeLock(p.Storage, p.Lock)...)
	issues = append(issues, validateProgress(p.Progress)...)
	issues = append(issues, validateMetrics(p.Metrics)...)
	issues = append(issues, validateTracing(p.Tracing)...)

	return issues
}

func validateSource(s Source) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.kind",
			Message:  "source.kind must not be empty",
		})
	}
	switch s.Kind {
	case "file":
		if strings.TrimSpace(s.File.Path) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.file.path",
				Message:  "file source requires a non-empty path",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.kind",
			Message:  fmt.Sprintf("unsupported source kind %q; only \"file\" is implemented", s.Kind),
		})
	}

	return issues
}

func validateParser(p Parser) []Issue {
	var issues []Issue

	if p.Kind != "csv" {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "parser.kind",
			Message:  fmt.Sprintf("unsupported parser kind %q; only \"csv\" is implemented", p.Kind),
		})
	}
	if s, ok := p.Options.Any("comma").(string); ok && len([]rune(s)) != 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parser.options.comma",
			Message:  fmt.Sprintf("comma must be a single character, got %q", s),
		})
	}
	if raw := p.Options.Any("header_map"); raw != nil {
		if _, ok := raw.(map[string]any); !ok {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "parser.options.header_map",
				Message:  "header_map must be an object of source header to column name",
			})
		}
	}
	known := map[string]struct{}{
		"comma": {}, "lazy_quotes": {}, "trim_space": {}, "header_map": {}, "reject_file": {},
	}
	for k := range p.Options {
		if _, ok := known[k]; !ok {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "parser.options." + k,
				Message:  "unknown csv option; it is ignored",
			})
		}
	}

	return issues
}

func validateStorage(s Storage) []Issue {
	var issues []Issue

	switch s.Kind {
	case "postgres", "sqlite", "mssql":
	case "":
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  "storage.kind must not be empty",
		})
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q; ensure a matching backend is registered", s.Kind),
		})
	}

	db := s.DB
	if strings.TrimSpace(db.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.dsn",
			Message:  "storage.db.dsn must not be empty (or set " + EnvDSN + ")",
		})
	}
	for path, name := range map[string]string{
		"storage.db.staging_table":    db.StagingTable,
		"storage.db.checkpoint_table": db.CheckpointTable,
	} {
		if name != "" && !isIdent(name) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path,
				Message:  fmt.Sprintf("%q is not a plain [schema.]table identifier", name),
			})
		}
	}
	if db.ViaBouncer && s.Kind != "postgres" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.db.via_bouncer",
			Message:  "via_bouncer only applies to postgres",
		})
	}
	if db.MaxConns < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.max_conns",
			Message:  "max_conns must not be negative",
		})
	}

	return issues
}

func validateRuntime(r Runtime) []Issue {
	var issues []Issue

	if r.BatchSize <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.batch_size",
			Message:  fmt.Sprintf("batch_size=%d; must be a positive integer", r.BatchSize),
		})
	}
	if r.ResumeOffset != nil && *r.ResumeOffset < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.resume_offset",
			Message:  "resume_offset must not be negative",
		})
	}
	switch r.ConflictMode {
	case "insert-only", "refresh":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.conflict_mode",
			Message:  fmt.Sprintf("conflict_mode %q must be \"insert-only\" or \"refresh\"", r.ConflictMode),
		})
	}
	if r.InterBatchDelay < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.inter_batch_delay",
			Message:  "inter_batch_delay must not be negative",
		})
	}
	if r.Retry.MaxAttempts < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.retry.max_attempts",
			Message:  "max_attempts must not be negative",
		})
	}
	if r.Retry.MaxInterval > 0 && r.Retry.InitialInterval > r.Retry.MaxInterval {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.retry.initial_interval",
			Message:  "initial_interval exceeds max_interval; every wait will be max_interval",
		})
	}

	return issues
}

func validateLock(l Lock) []Issue {
	var issues []Issue

	switch l.Kind {
	case "native", "none":
	case "file":
		if strings.TrimSpace(l.Path) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "lock.path",
				Message:  "file lock requires a path",
			})
		}
	case "redis":
		if strings.TrimSpace(l.Redis.Addr) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "lock.redis.addr",
				Message:  "redis lock requires an address",
			})
		}
		if l.Redis.TTL <= 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "lock.redis.ttl",
				Message:  "redis lock ttl must be positive",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "lock.kind",
			Message:  fmt.Sprintf("unknown lock kind %q (native, file, redis, none)", l.Kind),
		})
	}
	if l.Kind == "none" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "lock.kind",
			Message:  "no run lock; a second concurrent run would corrupt the staging relation",
		})
	}
	return issues
}

// validateNativeLock rejects the Postgres advisory lock behind PgBouncer:
// transaction pooling can run the unlock on another server session.
func validateNativeLock(s Storage, l Lock) []Issue {
	if s.Kind != "postgres" || !s.DB.ViaBouncer {
		return nil
	}
	if l.Kind != "" && l.Kind != "native" {
		return nil
	}
	return []Issue{{
		Severity: SeverityError,
		Path:     "lock.kind",
		Message:  "the native advisory lock is session-scoped and unsafe with via_bouncer; use lock.kind \"file\" or \"redis\"",
	}}
}

func validateProgress(p Progress) []Issue {
	var issues []Issue
	if len(p.Kafka.Brokers) > 0 && strings.TrimSpace(p.Kafka.Topic) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "progress.kafka.topic",
			Message:  "kafka progress requires a topic when brokers are set",
		})
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	switch strings.ToLower(m.Backend) {
	case "", "none":
	case "prom", "prometheus":
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.pushgateway_url",
				Message:  "prom backend without pushgateway_url; metrics are disabled",
			})
		}
	case "datadog", "dd":
		if strings.TrimSpace(m.DatadogAddr) == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.datadog_addr",
				Message:  "datadog backend without datadog_addr; 127.0.0.1:8125 is used",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q; metrics are disabled", m.Backend),
		})
	}
	return issues
}

func validateTracing(t Tracing) []Issue {
	var issues []Issue
	switch t.Exporter {
	case "", "otlp", "stdout":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "tracing.exporter",
			Message:  fmt.Sprintf("unknown exporter %q (otlp, stdout)", t.Exporter),
		})
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "tracing.sample_ratio",
			Message:  "sample_ratio must be within [0, 1]",
		})
	}
	return issues
}

// isIdent accepts "table" or "schema.table" made of letters, digits and
// underscores, not starting with a digit.
func isIdent(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i, r := range p {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}
