package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryRoutes are the paths served next to a session. Requests for any
// other path are reported under the route "other".
var TelemetryRoutes = []string{"/healthz", "/readyz", "/metrics"}

// SessionInfo reports the identity and lifecycle state of the session the
// telemetry endpoints describe. It is called once per request.
type SessionInfo func() (id, state string)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func routeOf(path string) string {
	for _, r := range TelemetryRoutes {
		if path == r {
			return r
		}
	}
	return "other"
}

// Middleware instruments the telemetry endpoints. Each request continues any
// W3C trace context in a server span and is answered with X-Correlation-ID.
// When info is non-nil the session id and state are put on the span, in the
// request context (see [SessionID]), in an X-Session-ID header and on the
// debug log line, and the state labels the
// [Metrics.HTTPRequestDuration] sample. Completion is logged at debug level
// since scrapers poll continuously.
func Middleware(m *Metrics, info SessionInfo) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeOf(r.URL.Path)

			var sessionID, state string
			if info != nil {
				sessionID, state = info()
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "telemetry "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.HTTPRoute(route),
				),
			)
			defer span.End()

			if sessionID != "" {
				ctx = WithSessionID(ctx, sessionID)
				w.Header().Set("X-Session-ID", sessionID)
				span.SetAttributes(
					attribute.String("livevc.session.id", sessionID),
					attribute.String("livevc.session.state", state),
				)
			}
			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			duration := time.Since(start)

			attrs := []attribute.KeyValue{
				attribute.String("method", r.Method),
				attribute.String("route", route),
			}
			if state != "" {
				attrs = append(attrs, attribute.String("session_state", state))
			}
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "telemetry request served",
				slog.String("route", route),
				slog.String("session_state", state),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
