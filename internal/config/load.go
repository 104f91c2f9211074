package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left zero.
const (
	DefaultBatchSize       = 5000
	DefaultConflictMode    = "insert-only"
	DefaultStagingTable    = "ingest_staging"
	DefaultCheckpointTable = "ingest_checkpoint"
	DefaultStoreChain      = "Leclerc"
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultBusyTimeout     = 5 * time.Second
	DefaultRedisLockTTL    = 30 * time.Second
)

// Environment variables consulted by ApplyEnv.
const (
	EnvDSN            = "PRICESYNC_DSN"
	EnvMetricsBackend = "METRICS_BACKEND"
	EnvPushgatewayURL = "PUSHGATEWAY_URL"
)

// Load reads a pipeline file, applies environment overrides and defaults.
// Files ending in .yaml or .yml are decoded as YAML, anything else as JSON.
// Unknown fields are rejected in both formats.
func Load(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var p Pipeline
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p, err = DecodeYAML(bytes.NewReader(b))
	default:
		p, err = DecodeJSON(bytes.NewReader(b))
	}
	if err != nil {
		return Pipeline{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	p.ApplyEnv(os.Getenv)
	p.ApplyDefaults()
	return p, nil
}

// DecodeJSON decodes a pipeline from JSON.
func DecodeJSON(r io.Reader) (Pipeline, error) {
	var p Pipeline
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// DecodeYAML decodes a pipeline from YAML.
func DecodeYAML(r io.Reader) (Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Pipeline{}, fmt.Errorf("empty document")
		}
		return Pipeline{}, err
	}
	if p.Parser.Options == nil {
		p.Parser.Options = Options{}
	}
	return p, nil
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv in
// production and a map lookup in tests.
func (p *Pipeline) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvDSN)); v != "" {
		p.Storage.DB.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvMetricsBackend)); v != "" {
		p.Metrics.Backend = v
	}
	if v := strings.TrimSpace(getenv(EnvPushgatewayURL)); v != "" {
		p.Metrics.PushgatewayURL = v
	}
}

// ApplyDefaults fills zero-valued fields. It never overrides explicit values,
// including an explicit inter_batch_delay of 0.
func (p *Pipeline) ApplyDefaults() {
	if p.Source.Kind == "" {
		p.Source.Kind = "file"
	}
	if p.Parser.Kind == "" {
		p.Parser.Kind = "csv"
	}
	if p.Parser.Options == nil {
		p.Parser.Options = Options{}
	}
	db := &p.Storage.DB
	if db.StagingTable == "" {
		db.StagingTable = DefaultStagingTable
	}
	if db.CheckpointTable == "" {
		db.CheckpointTable = DefaultCheckpointTable
	}
	if db.StoreChain == "" {
		db.StoreChain = DefaultStoreChain
	}
	if db.BusyTimeout == 0 {
		db.BusyTimeout = Duration(DefaultBusyTimeout)
	}
	rt := &p.Runtime
	if rt.BatchSize == 0 {
		rt.BatchSize = DefaultBatchSize
	}
	if rt.ConflictMode == "" {
		rt.ConflictMode = DefaultConflictMode
	}
	if rt.Retry.MaxAttempts == 0 {
		rt.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if rt.Retry.InitialInterval == 0 {
		rt.Retry.InitialInterval = Duration(DefaultInitialInterval)
	}
	if rt.Retry.MaxInterval == 0 {
		rt.Retry.MaxInterval = Duration(DefaultMaxInterval)
	}
	if p.Lock.Kind == "" {
		p.Lock.Kind = "native"
	}
	if p.Lock.Redis.TTL == 0 {
		p.Lock.Redis.TTL = Duration(DefaultRedisLockTTL)
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = "none"
	}
	if p.Tracing.ServiceName == "" {
		p.Tracing.ServiceName = "pricesync"
	}
	if p.Tracing.SampleRatio == 0 {
		p.Tracing.SampleRatio = 1
	}
}
