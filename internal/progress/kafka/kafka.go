// Package kafka publishes run progress to a Kafka topic with the pure-Go
// segmentio/kafka-go client. Messages are JSON-encoded progress.Progress
// values keyed by job, so one job's reports stay ordered on one partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"pricesync/internal/progress"
)

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reporter is a progress.Reporter backed by a Kafka topic.
type Reporter struct {
	writer  messageWriter
	timeout time.Duration
}

var _ progress.Reporter = (*Reporter)(nil)

// SplitBrokers turns "host1:9092, host2:9092" into a broker list.
func SplitBrokers(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// New creates a Reporter writing to topic on brokers.
func New(brokers []string, topic string) (*Reporter, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka: topic is required")
	}
	return &Reporter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		timeout: 5 * time.Second,
	}, nil
}

// NewWith is only for tests to inject a fake writer.
func NewWith(w messageWriter) *Reporter {
	return &Reporter{writer: w, timeout: time.Second}
}

// Report publishes p. A slow broker delays the run by at most the write
// timeout.
func (r *Reporter) Report(ctx context.Context, p progress.Progress) error {
	b, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("kafka: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.Job), Value: b, Time: p.At}); err != nil {
		return fmt.Errorf("kafka: publish progress: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (r *Reporter) Close() error { return r.writer.Close() }
