// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry bootstraps the OpenTelemetry stack for Windward: a
// TracerProvider for the per-operation spans emitted by the master tree,
// aggregator, and persistence layers, and a MeterProvider whose Prometheus
// exporter shares the default registry with the promauto counters those
// packages declare. Call Init once at startup; everything else in the
// process then uses otel.Tracer() and the default registry transparently.
package telemetry

import (
	"context"
	"errors"
	"fmt"
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
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext indicates a nil context was passed to an operation that
	// requires one.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrUnknownExporter indicates an exporter name outside the supported
	// set.
	ErrUnknownExporter = errors.New("unknown telemetry exporter")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config names the exporters and the service identity stamped on every
// span and metric. Zero values are not usable; start from DefaultConfig.
type Config struct {
	// ServiceName is the service.name resource attribute.
	ServiceName string `json:"service_name"`

	// ServiceVersion is the service.version resource attribute.
	ServiceVersion string `json:"service_version"`

	// Environment is the deployment.environment resource attribute.
	Environment string `json:"environment"`

	// TraceExporter is one of "otlp", "stdout", or "none".
	TraceExporter string `json:"trace_exporter"`

	// MetricExporter is one of "prometheus", "stdout", or "none".
	MetricExporter string `json:"metric_exporter"`

	// OTLPEndpoint is the gRPC receiver traces are shipped to when
	// TraceExporter is "otlp".
	OTLPEndpoint string `json:"otlp_endpoint"`

	// OTLPInsecure sends OTLP without TLS. Collector sidecars on
	// localhost typically run plaintext.
	OTLPInsecure bool `json:"otlp_insecure"`

	// PrometheusPort is where the serve command binds its /metrics
	// listener when the prometheus exporter is active.
	PrometheusPort int `json:"prometheus_port"`
}

// DefaultConfig returns development defaults. The standard OTEL_* exporter
// variables and WINDWARD_ENV override the corresponding fields, so a
// deployment can repoint telemetry without touching the config file.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "windward",
		ServiceVersion: "1.0.0",
		Environment:    envOr("WINDWARD_ENV", "development"),
		TraceExporter:  envOr("OTEL_TRACES_EXPORTER", "otlp"),
		MetricExporter: envOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		PrometheusPort: 9090,
	}
}

// -----------------------------------------------------------------------------
// Bootstrap
// -----------------------------------------------------------------------------

// Init wires up the global TracerProvider and MeterProvider.
//
// Description:
//
//	Builds the providers named by cfg and installs them as the otel
//	globals. An exporter set to "none" leaves that half of the stack on
//	otel's no-op default, which is how the observability kill switches in
//	the master config take effect.
//
// Inputs:
//
//	ctx - Used for exporter connection setup. Must not be nil.
//	cfg - Exporter selection and service identity.
//
// Outputs:
//
//	shutdown - Flushes and stops every provider Init created. Call it on
//	  process exit even when both exporters are "none".
//	error - Non-nil when an exporter name is unknown or its setup fails.
//
// Thread Safety: Call once at startup, before any spans are created.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var cleanups []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range cleanups {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	if cfg.TraceExporter != "none" {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		cleanups = append(cleanups, tp.Shutdown)
	}

	if cfg.MetricExporter != "none" {
		mp, err := newMeterProvider(cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		cleanups = append(cleanups, mp.Shutdown)
	}

	return shutdown, nil
}

// newTracerProvider builds a batching TracerProvider for the configured
// span exporter. Sampling stays at 100%: span volume here is one span per
// aggregation cycle or service request, not per update.
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		}
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
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	), nil
}

// newMeterProvider builds a MeterProvider for the configured metric
// exporter. The prometheus path registers with the default registry, so one
// scrape serves both the otel instruments and the promauto collectors the
// master and persist packages declare.
func newMeterProvider(cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}

		prometheusHandlerMu.Lock()
		prometheusHandler = promhttp.Handler()
		prometheusHandlerMu.Unlock()

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

// -----------------------------------------------------------------------------
// Metrics endpoint
// -----------------------------------------------------------------------------

var (
	prometheusHandler   http.Handler
	prometheusHandlerMu sync.RWMutex
)

// MetricsHandler returns the handler the /metrics listener should serve,
// or nil when Init ran without the prometheus exporter. Callers decide
// whether a nil handler means "skip the listener" (the serve command) or
// "fail loudly" (nothing does today).
//
// Thread Safety: Safe for concurrent use.
func MetricsHandler() http.Handler {
	prometheusHandlerMu.RLock()
	defer prometheusHandlerMu.RUnlock()
	return prometheusHandler
}

// envOr reads key from the environment, falling back when unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
