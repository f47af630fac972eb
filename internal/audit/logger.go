// Package audit records user-attributable gateway actions as structured
// log entries, kept separate from operational logging so they can be
// filtered by the audit=true attribute.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpChatTurn   Operation = "chat.turn"
	OpAuthDenied Operation = "auth.denied"
	OpUserAdd    Operation = "user.add"
	OpUserRemove Operation = "user.remove"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	Operation Operation     `json:"operation"`
	UserID    string        `json:"user_id,omitempty"`
	ThreadID  string        `json:"thread_id,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Success   bool          `json:"success"`
	Status    int           `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger
func New(enabled bool) *Logger {
	return &Logger{enabled: enabled}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event through the configured structured logger.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", event.ThreadID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Status != 0 {
		attrs = append(attrs, slog.Int("status", event.Status))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}

	logger.Slog().Info("AUDIT", attrs...)
}

// LogTurn records a finished chat turn for a user.
func (l *Logger) LogTurn(ctx context.Context, userID, threadID string, duration time.Duration, err error) {
	event := &Event{
		Operation: OpChatTurn,
		UserID:    userID,
		ThreadID:  threadID,
		RequestID: requestID(ctx),
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogDenied records a request rejected before reaching a handler.
func (l *Logger) LogDenied(ctx context.Context, userID string, status int, reason string) {
	l.Log(&Event{
		Operation: OpAuthDenied,
		UserID:    userID,
		RequestID: requestID(ctx),
		Success:   false,
		Status:    status,
		Error:     reason,
	})
}

// LogUserChange records a user directory mutation.
func (l *Logger) LogUserChange(op Operation, userID string, err error) {
	event := &Event{
		Operation: op,
		UserID:    userID,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(logger.ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func LogTurn(ctx context.Context, userID, threadID string, duration time.Duration, err error) {
	Default().LogTurn(ctx, userID, threadID, duration, err)
}

func LogDenied(ctx context.Context, userID string, status int, reason string) {
	Default().LogDenied(ctx, userID, status, reason)
}

func LogUserChange(op Operation, userID string, err error) {
	Default().LogUserChange(op, userID, err)
}
