package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeUpload represents an emoji upload.
	EventTypeUpload EventType = "upload"
	// EventTypeDelete represents an emoji deletion.
	EventTypeDelete EventType = "delete"
	// EventTypeRename represents a delete-then-upload rename.
	EventTypeRename EventType = "rename"
	// EventTypeDecryptFallback represents a stored name that could not be decrypted.
	EventTypeDecryptFallback EventType = "decrypt_fallback"
	// EventTypeAccess represents a general API access.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType EventType         `json:"event_type"`
	Operation string            `json:"operation"`
	StoreID   string            `json:"store_id,omitempty"`
	Key       string            `json:"key,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration_ms"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(event *AuditEvent) error

	LogUpload(storeID, key string, success bool, err error, duration time.Duration)
	LogDelete(storeID, key string, success bool, err error, duration time.Duration)

	// LogRename records a rename; outcome is the rename's tagged result.
	LogRename(storeID, oldKey, newKey, outcome string, err error, duration time.Duration)

	// LogDecryptFallback records a listed or rendered name that was shown
	// in its encrypted form.
	LogDecryptFallback(storeID, key string, err error)

	LogAccess(eventType, storeID, key, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns a copy of the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger that keeps the last maxEvents events
// in memory. A nil writer writes JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log records an audit event. The event is buffered even when the writer fails.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	if err := l.writer.WriteEvent(event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func newEvent(t EventType, storeID, key string, success bool, err error, duration time.Duration) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: t,
		Operation: string(t),
		StoreID:   storeID,
		Key:       key,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

func (l *auditLogger) LogUpload(storeID, key string, success bool, err error, duration time.Duration) {
	_ = l.Log(newEvent(EventTypeUpload, storeID, key, success, err, duration))
}

func (l *auditLogger) LogDelete(storeID, key string, success bool, err error, duration time.Duration) {
	_ = l.Log(newEvent(EventTypeDelete, storeID, key, success, err, duration))
}

func (l *auditLogger) LogRename(storeID, oldKey, newKey, outcome string, err error, duration time.Duration) {
	event := newEvent(EventTypeRename, storeID, oldKey, err == nil, err, duration)
	event.Metadata = map[string]string{"outcome": outcome}
	if newKey != "" {
		event.Metadata["new_key"] = newKey
	}
	_ = l.Log(event)
}

func (l *auditLogger) LogDecryptFallback(storeID, key string, err error) {
	_ = l.Log(newEvent(EventTypeDecryptFallback, storeID, key, false, err, 0))
}

func (l *auditLogger) LogAccess(eventType, storeID, key, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := newEvent(EventType(eventType), storeID, key, success, err, duration)
	event.ClientIP = clientIP
	event.UserAgent = userAgent
	event.RequestID = requestID
	_ = l.Log(event)
}

func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

type jsonWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONWriter writes one JSON object per event to w.
func NewJSONWriter(w io.Writer) EventWriter {
	return &jsonWriter{w: w}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.w, "%s\n", data)
	return err
}

type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter routes audit events through the application logger.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"success":    event.Success,
	}
	if event.StoreID != "" {
		fields["store_id"] = event.StoreID
	}
	if event.Key != "" {
		fields["key"] = event.Key
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := w.logger.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("Audit event")
		return nil
	}
	entry.Info("Audit event")
	return nil
}
