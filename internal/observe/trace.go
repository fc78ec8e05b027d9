package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/lectern"

// Span attribute keys shared by the orchestrator and the API.
const (
	AttrJobID   = attribute.Key("lectern.job.id")
	AttrTrackID = attribute.Key("lectern.track.id")
)

// Tracer returns the Lectern tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. End it with span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartJobSpan starts a span for work on one transcription job and tags it
// with the job and track ids.
func StartJobSpan(ctx context.Context, name, jobID, trackID string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		AttrJobID.String(jobID),
		AttrTrackID.String(trackID),
	))
}

// CorrelationID is the hex trace id of the span in ctx, or "" without one.
// The API echoes it in X-Correlation-ID so a failed request can be matched
// to its logs.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// SpanError marks span failed with err. Context cancellation is recorded as
// an event only; an interrupted job is not an error.
func SpanError(span trace.Span, err error) {
	switch {
	case err == nil:
		return
	case isCanceled(err):
		span.AddEvent("canceled", trace.WithAttributes(attribute.String("reason", err.Error())))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
