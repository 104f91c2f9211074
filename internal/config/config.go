// Package config defines the canonical configuration model for a pricesync
// pipeline run. A pipeline file (JSON or YAML) is decoded into Pipeline and
// passed through the program without additional glue code.
//
// Example (trimmed):
//
//	{
//	  "job":     "leclerc-nightly",
//	  "source":  { "kind": "file", "file": { "path": "IMPORT.csv" } },
//	  "parser":  { "kind": "csv", "options": { "trim_space": true } },
//	  "storage": { "kind": "postgres", "db": { "dsn": "postgresql://..." } },
//	  "runtime": { "batch_size": 5000, "conflict_mode": "insert-only", "inter_batch_delay": "500ms" }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline describes one ingest job. It is the top-level object decoded from
// a pipeline file.
type Pipeline struct {
	// Job names the pipeline. It keys the durable checkpoint, the run lock
	// and metric labels, so two configs with the same Job share progress.
	Job string `json:"job" yaml:"job"`

	Source   Source   `json:"source" yaml:"source"`
	Parser   Parser   `json:"parser" yaml:"parser"`
	Storage  Storage  `json:"storage" yaml:"storage"`
	Runtime  Runtime  `json:"runtime" yaml:"runtime"`
	Lock     Lock     `json:"lock" yaml:"lock"`
	Progress Progress `json:"progress" yaml:"progress"`
	Metrics  Metrics  `json:"metrics" yaml:"metrics"`
	Tracing  Tracing  `json:"tracing" yaml:"tracing"`
}

// Source identifies the row source. Current kind: "file".
type Source struct {
	Kind string     `json:"kind" yaml:"kind"`
	File SourceFile `json:"file" yaml:"file"`
}

// SourceFile holds configuration for the "file" source kind.
type SourceFile struct {
	Path string `json:"path" yaml:"path"`
}

// Parser selects how raw bytes become rows. Current kind: "csv".
type Parser struct {
	Kind string `json:"kind" yaml:"kind"`

	// Options is a free-form map interpreted by the parser. For CSV:
	//   comma (string), lazy_quotes (bool), trim_space (bool),
	//   header_map (object), reject_file (string)
	Options Options `json:"options" yaml:"options"`
}

// Storage selects the destination backend ("postgres", "sqlite", "mssql").
type Storage struct {
	Kind string   `json:"kind" yaml:"kind"`
	DB   DBConfig `json:"db" yaml:"db"`
}

// DBConfig configures the destination database.
type DBConfig struct {
	// DSN is the backend connection string. PRICESYNC_DSN overrides it.
	DSN string `json:"dsn" yaml:"dsn"`

	// StagingTable is the scratch relation replaced by every batch.
	StagingTable string `json:"staging_table" yaml:"staging_table"`

	// CheckpointTable holds one durable checkpoint row per job.
	CheckpointTable string `json:"checkpoint_table" yaml:"checkpoint_table"`

	// StoreChain is written to store.chain for every store of the run.
	StoreChain string `json:"store_chain" yaml:"store_chain"`

	// ViaBouncer switches Postgres to the simple query protocol so the
	// pipeline can run behind a transaction-pooling PgBouncer.
	ViaBouncer bool `json:"via_bouncer" yaml:"via_bouncer"`

	// MaxConns bounds the Postgres pool. The batch loop uses one connection.
	MaxConns int `json:"max_conns" yaml:"max_conns"`

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// Runtime carries the run parameters of the batch loop.
type Runtime struct {
	// BatchSize is the number of rows per unit of work.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ResumeOffset, when set, overrides the stored checkpoint.
	ResumeOffset *int64 `json:"resume_offset,omitempty" yaml:"resume_offset,omitempty"`

	// ConflictMode is "insert-only" or "refresh".
	ConflictMode string `json:"conflict_mode" yaml:"conflict_mode"`

	// InterBatchDelay throttles the loop between commits.
	InterBatchDelay Duration `json:"inter_batch_delay" yaml:"inter_batch_delay"`

	Retry Retry `json:"retry" yaml:"retry"`
}

// Retry bounds the replay of a batch after a transient destination error.
type Retry struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
}

// Lock selects the single-writer guard: "native" (destination lock),
// "file", "redis" or "none".
type Lock struct {
	Kind  string    `json:"kind" yaml:"kind"`
	Path  string    `json:"path" yaml:"path"`
	Redis RedisLock `json:"redis" yaml:"redis"`
}

// RedisLock configures the "redis" lock kind.
type RedisLock struct {
	Addr     string   `json:"addr" yaml:"addr"`
	Password string   `json:"password" yaml:"password"`
	DB       int      `json:"db" yaml:"db"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

// Progress configures additional progress sinks. Progress is always logged.
type Progress struct {
	Kafka Kafka `json:"kafka" yaml:"kafka"`
}

// Kafka publishes one JSON message per committed batch when Brokers is set.
type Kafka struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// Metrics selects the metrics backend: "none", "prom" or "datadog".
// METRICS_BACKEND and PUSHGATEWAY_URL override the file.
type Metrics struct {
	Backend        string   `json:"backend" yaml:"backend"`
	PushgatewayURL string   `json:"pushgateway_url" yaml:"pushgateway_url"`
	DatadogAddr    string   `json:"datadog_addr" yaml:"datadog_addr"`
	Namespace      string   `json:"namespace" yaml:"namespace"`
	Tags           []string `json:"tags" yaml:"tags"`
}

// Tracing configures OpenTelemetry. An empty Exporter disables tracing.
type Tracing struct {
	Exporter    string  `json:"exporter" yaml:"exporter"` // "", "otlp", "stdout"
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
}

// Duration is a time.Duration that decodes from "500ms"-style strings or
// from a number of nanoseconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(int64(x))
	case int:
		*d = Duration(x)
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("duration: unsupported value %v (%T)", v, v)
	}
	return nil
}

// Options is a small helper to fetch typed values from free-form maps. It
// performs minimal type coercion and returns the provided default when a key
// is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers arrive as float64,
// YAML integers as int.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringMap returns the string-valued entries of an object value. Returns an
// empty map when the key is missing or not an object.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		switch m := v.(type) {
		case map[string]any:
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		case map[string]string:
			for k, s := range m {
				res[k] = s
			}
		}
	}
	return res
}

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// UnmarshalJSON makes a missing or null "options" object decode to a non-nil,
// empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
