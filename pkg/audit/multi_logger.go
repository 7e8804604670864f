package audit

import (
	"context"
	"errors"

	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

// MultiLogger fans an entry out to several loggers. Every logger is tried;
// the errors are joined.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log logs an audit entry to all configured loggers
func (m *MultiLogger) Log(ctx context.Context, entry *Entry) error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BindTx binds every transactional member to tx
func (m *MultiLogger) BindTx(tx database.DBTX) Logger {
	bound := make([]Logger, len(m.loggers))
	for i, logger := range m.loggers {
		bound[i] = WithTx(logger, tx)
	}
	return &MultiLogger{loggers: bound}
}

// StructuredLogger mirrors audit entries into the application log
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates a logger that emits one info line per entry
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

// Log writes the entry as structured fields
func (s *StructuredLogger) Log(ctx context.Context, entry *Entry) error {
	l := s.logger.WithFields(map[string]interface{}{
		"audit_entity":    entry.EntityName,
		"audit_entity_id": entry.EntityID,
		"audit_action":    string(entry.Action),
	})
	if entry.TenantID != nil {
		l = l.WithField("tenant_id", *entry.TenantID)
	}
	if entry.ActorID != nil {
		l = l.WithField("actor_id", *entry.ActorID)
	}
	for k, v := range entry.Values {
		l = l.WithField("audit_"+k, v)
	}
	l.Info("audit")
	return nil
}
