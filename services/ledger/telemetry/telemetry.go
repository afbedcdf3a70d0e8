// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires tracing and metrics for a ledger node.
//
// Tracing goes through the OpenTelemetry API; Init installs an SDK
// TracerProvider with an OTLP or stdout exporter. Without Init every span is
// a no-op. Domain counters are plain Prometheus collectors registered on the
// default registry, and the OTel meter used for HTTP instruments is exported
// through the same registry, so one /metrics handler serves both.
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilContext is returned when Init gets a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this node in traces.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the build version.
	ServiceVersion string `yaml:"service_version"`

	// Environment is the deployment environment name.
	Environment string `yaml:"environment"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP gRPC receiver.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS to the receiver.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// DefaultConfig returns defaults for a development node. Tracing is off
// unless OTEL_TRACES_EXPORTER says otherwise.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "aleutian-ledger",
		ServiceVersion: "1.0.0",
		Environment:    getEnvOr("ALEUTIAN_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", "none"),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// Init installs the tracer and meter providers.
//
// # Inputs
//
//   - ctx: used for exporter connections. Must not be nil.
//   - cfg: exporter selection.
//
// # Outputs
//
//   - shutdown: flushes and stops the providers. Must be called on exit.
//   - error: ErrNilContext, ErrUnknownExporter or an exporter failure.
//
// # Thread Safety
//
// Call once at startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	if cfg.TraceExporter != "none" {
		tp, err := initTracer(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	if cfg.MetricExporter != "none" {
		mp, err := initMeter(cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	), nil
}

func initMeter(cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(exporter),
		), nil
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter)),
		), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	metricsHandler     http.Handler
	metricsHandlerOnce sync.Once
)

// MetricsHandler returns the /metrics handler for the default registry.
func MetricsHandler() http.Handler {
	metricsHandlerOnce.Do(func() {
		metricsHandler = promhttp.Handler()
	})
	return metricsHandler
}

// LoggerWithTrace adds trace_id and span_id from ctx to logger.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
