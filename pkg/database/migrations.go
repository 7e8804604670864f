package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/guardpost/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create identities and tenants tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS identities (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(320) NOT NULL,
					phone VARCHAR(32),
					email_verified BOOLEAN NOT NULL DEFAULT FALSE,
					phone_verified BOOLEAN NOT NULL DEFAULT FALSE,
					password_hash TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_email_lower ON identities (lower(email));

				CREATE TABLE IF NOT EXISTS tenants (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL UNIQUE,
					plan_tier VARCHAR(32) NOT NULL DEFAULT 'free',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					slug VARCHAR(255) NOT NULL,
					name VARCHAR(255) NOT NULL,
					permissions JSONB NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, slug)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
					identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
					status VARCHAR(32) NOT NULL
						CHECK (status IN ('invited', 'active', 'pending', 'empty-permissions', 'archived')),
					roles JSONB NOT NULL DEFAULT '[]',
					invitation_token_hash VARCHAR(64) UNIQUE,
					invitation_token_expires_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					deleted_at TIMESTAMP
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_live_pair
					ON memberships (tenant_id, identity_id) WHERE deleted_at IS NULL;
				CREATE INDEX IF NOT EXISTS idx_memberships_identity ON memberships (identity_id);
				CREATE INDEX IF NOT EXISTS idx_memberships_roles ON memberships USING GIN (roles);
			`,
		},
		{
			Version:     4,
			Description: "Create assigned resource tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS clients (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL
				);

				CREATE TABLE IF NOT EXISTS post_sites (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL
				);

				CREATE TABLE IF NOT EXISTS membership_clients (
					membership_id BIGINT NOT NULL REFERENCES memberships(id) ON DELETE CASCADE,
					client_id BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
					PRIMARY KEY (membership_id, client_id)
				);

				CREATE TABLE IF NOT EXISTS membership_post_sites (
					membership_id BIGINT NOT NULL REFERENCES memberships(id) ON DELETE CASCADE,
					post_site_id BIGINT NOT NULL REFERENCES post_sites(id) ON DELETE CASCADE,
					PRIMARY KEY (membership_id, post_site_id)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create tenant invitations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_invitations (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					email VARCHAR(320) NOT NULL,
					roles JSONB NOT NULL DEFAULT '[]',
					token VARCHAR(16) NOT NULL UNIQUE,
					expires_at TIMESTAMP NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_tenant_invitations_expires_at ON tenant_invitations (expires_at);
			`,
		},
		{
			Version:     6,
			Description: "Create audit log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_log (
					id BIGSERIAL PRIMARY KEY,
					entity_name VARCHAR(64) NOT NULL,
					entity_id BIGINT NOT NULL,
					action VARCHAR(64) NOT NULL,
					actor_id BIGINT,
					tenant_id BIGINT,
					values JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log (entity_name, entity_id);
			`,
		},
	}
}

// Migrate applies every pending migration, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS guardpost_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM guardpost_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range GetMigrations() {
		if applied[m.Version] {
			continue
		}

		logger.WithField("version", m.Version).Infof("running migration: %s", m.Description)

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO guardpost_migrations (version, description) VALUES ($1, $2)",
				m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}
