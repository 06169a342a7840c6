package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/stossymoji/internal/config"
)

const (
	// RequestIDHeader carries the request id in and out of the gateway.
	RequestIDHeader = "X-Request-Id"

	redacted = "[REDACTED]"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFromContext returns the id set by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestIDMiddleware reuses a well-formed incoming X-Request-Id or assigns
// a new one, and echoes it on the response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		})
	}
}

// LoggingMiddleware writes one access log line per request in the configured
// format, redacting configured headers and query parameters.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = &config.LoggingConfig{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rw, r)

			bytesLogged := rw.bytesWritten
			if (r.Method == http.MethodPut || r.Method == http.MethodPost) && r.ContentLength > 0 {
				bytesLogged = r.ContentLength
			}

			entry := createLogEntry(r, rw.statusCode, time.Since(start), bytesLogged, cfg)

			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry is one access log record.
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	RequestID  string            `json:"request_id,omitempty"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	Bytes      int64             `json:"bytes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func createLogEntry(r *http.Request, status int, duration time.Duration, bytesLogged int64, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		RequestID:  RequestIDFromContext(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      redactQuery(r.URL.RawQuery, cfg.RedactQuery),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Bytes:      bytesLogged,
	}

	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			lower := strings.ToLower(name)
			if containsFold(cfg.RedactHeaders, lower) {
				entry.Headers[lower] = redacted
			} else {
				entry.Headers[lower] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// redactQuery replaces the values of the named parameters. Unparseable
// queries are dropped whole when any redaction is configured.
func redactQuery(raw string, params []string) string {
	if raw == "" || len(params) == 0 {
		return raw
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	changed := false
	for key, vals := range values {
		if containsFold(params, key) {
			for i := range vals {
				vals[i] = redacted
			}
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}

func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":      entry.Method,
		"path":        entry.Path,
		"remote_addr": entry.RemoteAddr,
		"status":      entry.Status,
		"duration_ms": entry.DurationMs,
		"bytes":       entry.Bytes,
	}
	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	if entry.Query != "" {
		fields["query"] = entry.Query
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}

	logger.WithFields(fields).Info("HTTP request")
}

func logJSON(logger *logrus.Logger, entry *LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		logDefault(logger, entry)
		return
	}
	logger.WithField("json", string(data)).Info("HTTP request")
}

// logCLF logs in Common Log Format.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	target := entry.Path
	if entry.Query != "" {
		target += "?" + entry.Query
	}
	clf := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		entry.Timestamp,
		entry.Method,
		target,
		entry.Status,
		entry.Bytes,
	)

	logger.WithField("clf", clf).Info("HTTP request")
}
