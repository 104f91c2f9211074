// Package tracing wires OpenTelemetry for a pipeline run. Tracing is off
// unless an exporter is configured; the returned provider is then a no-op.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"pricesync/internal/config"
	"pricesync/internal/logger"
)

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

// Init builds a TracerProvider from cfg and installs it globally. With an
// empty exporter it returns a no-op provider and a no-op shutdown.
func Init(ctx context.Context, log *logger.Logger, cfg config.Tracing, job string) (trace.TracerProvider, Shutdown, error) {
	if strings.TrimSpace(cfg.Exporter) == "" {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: exporter %s: %w", cfg.Exporter, err)
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "pricesync"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("pricesync.job", job),
		),
	)
	if err != nil && log != nil {
		log.Warn("tracing: resource init failed (continuing)", "err", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if log != nil {
		log.Info("tracing: initialized", "exporter", cfg.Exporter, "endpoint", cfg.Endpoint)
	}
	return tp, tp.Shutdown, nil
}

func buildExporter(ctx context.Context, cfg config.Tracing) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

func clampRatio(f float64) float64 {
	switch {
	case f <= 0:
		return 1
	case f > 1:
		return 1
	}
	return f
}
