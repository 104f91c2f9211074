package main

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"pricesync/internal/config"
	"pricesync/internal/datasource"
	"pricesync/internal/datasource/file"
	"pricesync/internal/lock"
	"pricesync/internal/logger"
	"pricesync/internal/metrics"
	"pricesync/internal/metrics/datadog"
	"pricesync/internal/metrics/prompush"
	"pricesync/internal/progress"
	"pricesync/internal/progress/kafka"
	"pricesync/internal/storage"
)

const defaultDogStatsD = "127.0.0.1:8125"

// setupMetrics installs the configured backend and returns its flush.
// A backend that cannot be built leaves metrics disabled.
func setupMetrics(p config.Pipeline, log *logger.Logger) func() {
	var (
		b   metrics.Backend
		err error
	)
	switch name := strings.ToLower(p.Metrics.Backend); name {
	case "prom", "prometheus":
		if p.Metrics.PushgatewayURL == "" {
			log.Warn("metrics: prom backend without pushgateway url; disabled")
			break
		}
		b, err = prompush.NewBackend(p.Job, p.Metrics.PushgatewayURL)
	case "datadog", "dd":
		addr := p.Metrics.DatadogAddr
		if addr == "" {
			addr = defaultDogStatsD
		}
		b, err = datadog.NewBackend(datadog.Config{
			Addr:      addr,
			Namespace: p.Metrics.Namespace,
			Job:       p.Job,
			Mode:      p.Runtime.ConflictMode,
			Chain:     p.Storage.DB.StoreChain,
			Tags:      p.Metrics.Tags,
		})
	case "", "none":
		log.Debug("metrics: disabled")
	default:
		log.Warn("metrics: unknown backend; disabled", "backend", name)
	}
	if err != nil {
		log.Warn("metrics: backend init failed; disabled", "backend", p.Metrics.Backend, "err", err)
		return func() {}
	}
	if b == nil {
		return func() {}
	}
	metrics.SetBackend(b)
	log.Info("metrics: enabled", "backend", p.Metrics.Backend)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics: flush error", "err", err)
		}
	}
}

func openSource(p config.Pipeline) (datasource.Source, error) {
	switch p.Source.Kind {
	case "file":
		return file.NewLocal(p.Source.File.Path), nil
	default:
		return nil, withCode(exitUsage, fmt.Errorf("unsupported source.kind=%s", p.Source.Kind))
	}
}

func openDestination(ctx context.Context, p config.Pipeline, log *logger.Logger) (storage.Destination, error) {
	cfg := storage.ConfigFrom(p)
	log.Debug("storage: connecting", "kind", cfg.Kind, "dsn", cfg.DSN)
	d, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, withCode(exitDestination, fmt.Errorf("storage %s: %w", cfg.Kind, err))
	}
	return d, nil
}

// buildLocker resolves lock.kind. "native" uses the destination's own lock.
// The returned close func releases client resources, not the lock.
func buildLocker(p config.Pipeline, dest storage.Destination, log *logger.Logger) (lock.Locker, func(), error) {
	nop := func() {}
	switch p.Lock.Kind {
	case "", "native":
		job := p.Job
		return lock.Func(func(ctx context.Context) (lock.Release, error) {
			release, err := dest.Lock(ctx, job)
			return release, err
		}), nop, nil
	case "file":
		return lock.NewFile(p.Lock.Path), nop, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     p.Lock.Redis.Addr,
			Password: p.Lock.Redis.Password,
			DB:       p.Lock.Redis.DB,
		})
		closeFn := func() {
			if err := client.Close(); err != nil {
				log.Warn("lock: close redis client", "err", err)
			}
		}
		return lock.NewRedis(client, p.Job, p.Lock.Redis.TTL.D(), log), closeFn, nil
	case "none":
		return lock.None{}, nop, nil
	default:
		return nil, nop, withCode(exitUsage, fmt.Errorf("unknown lock.kind=%s", p.Lock.Kind))
	}
}

// buildReporter always logs and records metrics; Kafka is added when brokers
// are configured.
func buildReporter(p config.Pipeline, log *logger.Logger) (progress.Reporter, func(), error) {
	reps := progress.Multi{progress.NewLog(log), progress.Metrics{}}
	brokers := kafka.SplitBrokers(strings.Join(p.Progress.Kafka.Brokers, ","))
	if len(brokers) == 0 {
		return reps, func() {}, nil
	}
	k, err := kafka.New(brokers, p.Progress.Kafka.Topic)
	if err != nil {
		return nil, func() {}, withCode(exitUsage, err)
	}
	log.Info("progress: publishing to kafka", "brokers", brokers, "topic", p.Progress.Kafka.Topic)
	return append(reps, k), func() {
		if err := k.Close(); err != nil {
			log.Warn("progress: close kafka writer", "err", err)
		}
	}, nil
}
