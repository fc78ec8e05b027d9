package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// quietRoutes are scraped by orchestration tooling every few seconds; their
// request logs go to debug.
var quietRoutes = map[string]bool{
	"/healthz":     true,
	"/readyz":      true,
	"/metrics":     true,
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// Middleware instruments every API request.
//
// It continues an incoming W3C trace (or starts one), answers with the trace
// id in X-Correlation-ID, records [Metrics.HTTPRequestDuration] labelled by
// method, route and status class, and logs the outcome. Routes are the
// matched ServeMux pattern, so job and track ids never become label values.
//
// The writer is wrapped with httpsnoop, which keeps http.Hijacker available
// for the job events websocket.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			snoop := httpsnoop.CaptureMetrics(next, w, r)

			// r.Pattern is set by the mux on the request it was handed.
			route := r.URL.Path
			if r.Pattern != "" {
				route = r.Pattern
				span.SetName("HTTP " + r.Pattern)
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(snoop.Code))

			m.HTTPRequestDuration.Record(ctx, snoop.Duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
					attribute.String("status_class", statusClass(snoop.Code)),
				),
			)

			level := slog.LevelInfo
			switch {
			case snoop.Code >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quietRoutes[route]:
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", snoop.Code),
				slog.Int64("bytes", snoop.Written),
				slog.Duration("duration", snoop.Duration.Round(time.Microsecond)),
			)
		})
	}
}

// statusClass collapses a status code into "2xx", "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
