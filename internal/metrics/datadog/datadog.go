// Package datadog sends pricesync metrics to a DogStatsD agent.
//
// Every metric carries the run's job, conflict mode and store chain as tags,
// so dashboards can split bulk loads from refresh runs. Metric names keep the
// facade's "ingest_" family but use Datadog's dotted form, for example
// ingest.step_duration_seconds.
package datadog

import (
	"fmt"
	"sort"
	"strings"

	"pricesync/internal/metrics"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "pricesync."

// Config holds Datadog backend configuration.
type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///path/to/socket".
	Addr string
	// Namespace defaults to DefaultNamespace.
	Namespace string

	Job   string
	Mode  string
	Chain string
	// Tags are extra "key:value" tags from configuration.
	Tags []string
}

// Backend is a Datadog implementation of metrics.Backend.
type Backend struct {
	client *statsd.Client
}

// NewBackend dials the agent. Addr is required.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	c, err := statsd.New(cfg.Addr, statsd.WithNamespace(ns), statsd.WithTags(runTags(cfg)))
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: c}, nil
}

// runTags returns the sorted run-wide tags. A configured tag with the same
// key as a run tag replaces it.
func runTags(cfg Config) []string {
	tags := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			tags[k] = v
		}
	}
	set("job", cfg.Job)
	set("conflict_mode", cfg.Mode)
	set("chain", strings.ToLower(cfg.Chain))
	for _, t := range cfg.Tags {
		k, v, _ := strings.Cut(t, ":")
		if k = strings.TrimSpace(k); k != "" {
			tags[k] = strings.TrimSpace(v)
		}
	}
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		if v == "" {
			out = append(out, k)
			continue
		}
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}

// metricName turns "ingest_batches_total" into "ingest.batches_total".
func metricName(name string) string {
	return strings.Replace(name, "ingest_", "ingest.", 1)
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	// Count takes an int64; the facade only counts whole rows and batches.
	_ = b.client.Count(metricName(name), int64(delta), labelsToTags(labels), 1)
}

func (b *Backend) SetGauge(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Gauge(metricName(name), value, labelsToTags(labels), 1)
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Distribution(metricName(name), value, labelsToTags(labels), 1)
}

// Flush closes the client, which sends anything still buffered. It is called
// once at process shutdown.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// labelsToTags converts labels to sorted "key:value" tags. The job label is
// dropped because it is already a run tag.
func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		if k == "job" {
			continue
		}
		out = append(out, k+":"+v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
