// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package master

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const masterTracerName = "windward.master"

// MasterTracer provides OpenTelemetry tracing for master tree operations.
//
// Thread Safety: safe for concurrent use.
type MasterTracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewMasterTracer creates a new tracer.
//
// Inputs:
//   - logger: logger for structured logging (can be nil for the default).
//   - config: observability configuration.
//
// Outputs:
//   - *MasterTracer: tracer instance.
func NewMasterTracer(logger *slog.Logger, config ObservabilityConfig) *MasterTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MasterTracer{
		tracer:  otel.Tracer(masterTracerName),
		logger:  logger,
		enabled: config.TracingEnabled,
	}
}

// StartIntegrate starts a span for integrating one drained batch.
//
// Outputs:
//   - context.Context: context with span.
//   - trace.Span: the created span (noop if tracing disabled).
func (t *MasterTracer) StartIntegrate(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "master.integrate_buffer",
		trace.WithAttributes(
			attribute.Int("master.batch_size", batchSize),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndIntegrate completes an integration span with the applied counts.
func (t *MasterTracer) EndIntegrate(span trace.Span, batchSize, applied, created int, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("master.batch_size", batchSize),
		attribute.Int("master.updates_applied", applied),
		attribute.Int("master.nodes_created", created),
	)
	span.End()
}

// StartPolicy starts a span for policy extraction.
func (t *MasterTracer) StartPolicy(ctx context.Context) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "master.best_policy",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndPolicy completes a policy extraction span.
func (t *MasterTracer) EndPolicy(span trace.Span, steps int, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("master.policy_steps", steps))
	span.End()
}

// StartAggregation starts a span covering a whole aggregation run.
func (t *MasterTracer) StartAggregation(ctx context.Context, workers int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "master.aggregation",
		trace.WithAttributes(
			attribute.Int("master.workers", workers),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndAggregation completes an aggregation run span.
func (t *MasterTracer) EndAggregation(span trace.Span, cycles, integrated uint64, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int64("master.poll_cycles", int64(cycles)),
		attribute.Int64("master.updates_integrated", int64(integrated)),
	)
	span.End()
}

// LoggerWithTrace returns a logger enriched with the trace and span ids from
// the context, so log lines can be correlated with traces.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
