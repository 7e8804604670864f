// Package config loads guardpost configuration with viper.
//
// Values come from built-in defaults, then an optional YAML/JSON/TOML file
// named by GUARDPOST_CONFIG, then environment variables. Environment keys are
// the config path upper-cased with dots replaced by underscores and the
// GUARDPOST_ prefix:
//
//	GUARDPOST_SERVER_PORT="8080"
//	GUARDPOST_SERVER_HEALTH_PORT="9090"
//	GUARDPOST_DATABASE_URL="postgres://localhost/guardpost?sslmode=disable"
//	GUARDPOST_REDIS_URL="redis://localhost:6379/0"
//	GUARDPOST_CACHE_TTL="30s"
//	GUARDPOST_CACHE_SIZE="10000"
//	GUARDPOST_INVITATIONS_TTL="1h"
//	GUARDPOST_INVITATIONS_TENANT_INVITATION_TTL="168h"
//	GUARDPOST_INVITATIONS_SWEEP_SCHEDULE="@every 15m"
//	GUARDPOST_AUTH_SESSION_SECRET="<at least 32 bytes>"
//	GUARDPOST_AUTH_REQUIRE_EMAIL_VERIFICATION="true"
//	GUARDPOST_CATALOG_PATH="/etc/guardpost/catalog.yaml"
//	GUARDPOST_OBSERVABILITY_LOG_LEVEL="info"
//	GUARDPOST_OBSERVABILITY_OTEL_ENABLED="false"
//
// The database URL and session secret have no defaults; Load fails
// validation without them.
package config
