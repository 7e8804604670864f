package audit

import (
	"context"
	"sync"

	"github.com/platinummonkey/guardpost/pkg/database"
)

// Logger is the audit sink. Log is fire-and-forget from the caller's
// perspective beyond the enclosing transaction.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
}

// TxBinder is implemented by loggers that can write inside a caller's
// transaction so the entry commits or rolls back with the mutation.
type TxBinder interface {
	BindTx(tx database.DBTX) Logger
}

// WithTx returns a logger bound to tx when the logger supports it, and
// the logger itself otherwise.
func WithTx(logger Logger, tx database.DBTX) Logger {
	if binder, ok := logger.(TxBinder); ok {
		return binder.BindTx(tx)
	}
	return logger
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOp()
}

// NoOp returns a logger that discards every entry
func NoOp() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(ctx context.Context, entry *Entry) error { return nil }

// MemoryLogger records entries in memory
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLogger creates an empty in-memory logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log appends a copy of entry
func (m *MemoryLogger) Log(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

// Entries returns a snapshot of recorded entries
func (m *MemoryLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
