package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "stossymoji"

// Query parameters that may carry plaintext names or object ids.
var sensitiveQuery = []string{"name", "id"}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"user-agent",
	}
	sensitiveHeaders = []string{
		"authorization",
		"x-store-token",
		"cookie",
	}
)

// TracingMiddleware starts a server span per request. A nil provider uses the
// global one. With redactSensitive, plaintext names, ids and credentials never
// reach span attributes.
func TracingMiddleware(tp trace.TracerProvider, redactSensitive bool) func(http.Handler) http.Handler {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), getSpanName(r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if store := r.Header.Get(StoreIDHeader); store != "" {
				span.SetAttributes(attribute.String("stossymoji.store_id", store))
			}
			if id := r.URL.Query().Get("id"); id != "" && !redactSensitive {
				span.SetAttributes(attribute.String("stossymoji.object_id", id))
			}

			if r.URL.RawQuery != "" {
				query := r.URL.RawQuery
				if redactSensitive {
					query = redactQuery(query, sensitiveQuery)
				}
				span.SetAttributes(attribute.String("http.query", query))
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}

			defer func() {
				status := rw.statusCode
				if status == 0 {
					status = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(status))
				if status >= 400 {
					span.SetStatus(codes.Error, http.StatusText(status))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// getSpanName names a span after the gateway operation a route performs.
func getSpanName(method, path string) string {
	switch {
	case path == "/api/v1/emoji":
		switch method {
		case http.MethodGet:
			return "emoji.list"
		case http.MethodPost:
			return "emoji.upload"
		case http.MethodDelete:
			return "emoji.delete"
		}
	case path == "/api/v1/emoji/rename" && method == http.MethodPost:
		return "emoji.rename"
	case path == "/api/v1/render" && method == http.MethodPost:
		return "render"
	case strings.HasPrefix(path, "/api/v1/native/") && method == http.MethodGet:
		return "native"
	}
	return "HTTP " + method
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For hop.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return clientIP(r)
}

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = redacted
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
