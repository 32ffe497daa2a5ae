package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const jobTracerName = "thumb-dvm/job"

type contextKey string

const (
	requestIDKey contextKey = "observability.request_id"
	runIDKey     contextKey = "observability.run_id"
)

// Span is the application-level tracing span contract.
type Span interface {
	End()
	RecordError(error)
	SetAttributes(...attribute.KeyValue)
}

type otelSpan struct {
	inner trace.Span
}

// StartStageSpan starts a span for one stage of a job pipeline.
func StartStageSpan(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, Span) {
	if requestID, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("dvm.request_id", requestID))
	}
	ctx, span := otel.Tracer(jobTracerName).Start(ctx, "job."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, otelSpan{inner: span}
}

// WithJob enriches context with the request event id and local run id.
func WithJob(ctx context.Context, requestID, runID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	runID = strings.TrimSpace(runID)
	if requestID != "" {
		ctx = context.WithValue(ctx, requestIDKey, requestID)
	}
	if runID != "" {
		ctx = context.WithValue(ctx, runIDKey, runID)
	}
	return ctx
}

// RequestIDFromContext extracts the request event id.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok && value != ""
}

// RunIDFromContext extracts the run id.
func RunIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(runIDKey).(string)
	return value, ok && value != ""
}

func (s otelSpan) End() {
	if s.inner == nil {
		return
	}
	s.inner.End()
}

func (s otelSpan) RecordError(err error) {
	if s.inner == nil || err == nil {
		return
	}
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	if s.inner == nil {
		return
	}
	s.inner.SetAttributes(attrs...)
}
