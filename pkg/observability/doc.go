// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("role cache primed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObservePermissionCheck("guards.read", true, "")
//
// A nil *Metrics is valid and records nothing.
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	ctx, span := observability.Tracer().Start(ctx, "membership.UpdateRoles")
//	defer span.End()
package observability
