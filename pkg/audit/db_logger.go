package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/guardpost/pkg/database"
)

// DBLogger writes audit entries to the audit_log table
type DBLogger struct {
	db database.DBTX
}

// NewDBLogger creates a new database-backed audit logger
func NewDBLogger(db database.DBTX) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// BindTx returns a logger that writes through tx
func (l *DBLogger) BindTx(tx database.DBTX) Logger {
	return &DBLogger{db: tx}
}

// Log inserts the entry and sets its ID
func (l *DBLogger) Log(ctx context.Context, entry *Entry) error {
	values := entry.Values
	if values == nil {
		values = map[string]interface{}{}
	}
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal audit values: %w", err)
	}

	query := `
		INSERT INTO audit_log (entity_name, entity_id, action, actor_id, tenant_id, values, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = l.db.QueryRowContext(ctx, query,
		entry.EntityName, entry.EntityID, string(entry.Action),
		entry.ActorID, entry.TenantID, valuesJSON, entry.Timestamp,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}
