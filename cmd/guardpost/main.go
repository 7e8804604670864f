package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/guardpost/pkg/async"
	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/config"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/httputil"
	"github.com/platinummonkey/guardpost/pkg/invitation"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/middleware"
	"github.com/platinummonkey/guardpost/pkg/observability"
	"github.com/platinummonkey/guardpost/pkg/rbac"
	"github.com/platinummonkey/guardpost/pkg/session"
	"github.com/platinummonkey/guardpost/pkg/tenant"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	maxRequestBytes = 1 << 20
	warmWorkers     = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithFields(map[string]interface{}{"service": "guardpost", "version": version})

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("guardpost exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	otelCfg := cfg.Observability.OTel()
	otelCfg.ServiceVersion = version
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Database.Options())
	if err != nil {
		return err
	}
	if err := database.Migrate(ctx, db, logger); err != nil {
		db.Close()
		return err
	}

	redisClient, err := database.NewRedisClient(cfg.Redis.Options())
	if err != nil {
		db.Close()
		return err
	}

	a, err := build(cfg, logger, db, redisClient)
	if err != nil {
		return err
	}
	go func() {
		if err := a.invalidator.Run(ctx, nil); err != nil {
			logger.WithError(err).Error("Role cache invalidation subscriber stopped")
		}
	}()
	cache, roleStore, sweeper := a.cache, a.roleStore, a.sweeper
	server, healthServer := a.server, a.healthServer

	if cfg.Cache.WarmLimit > 0 {
		async.SafeGo(ctx, time.Minute, "role cache warm", func(ctx context.Context) error {
			tenantIDs, err := roleStore.TenantsWithRoles(ctx, cfg.Cache.WarmLimit)
			if err != nil {
				return err
			}
			failed := cache.Warm(ctx, tenantIDs, warmWorkers)
			logger.WithFields(map[string]interface{}{
				"tenants": len(tenantIDs),
				"failed":  failed,
			}).Info("Role cache warmed")
			return nil
		})
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("invitation sweeper", func(ctx context.Context) error {
		select {
		case <-sweeper.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if providers != nil {
		shutdown.Register("opentelemetry", providers.Shutdown)
	}
	shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	shutdown.Register("database", func(context.Context) error { return db.Close() })

	serverErrs := make(chan error, 2)
	for _, srv := range []*http.Server{server, healthServer} {
		srv := srv
		go func() {
			logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrs <- err
				stop()
			}
		}()
	}

	if err := shutdown.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case err := <-serverErrs:
		return err
	default:
		return nil
	}
}

// app is the wired service, ready to serve
type app struct {
	server       *http.Server
	healthServer *http.Server
	invalidator  *rbac.RedisInvalidator
	cache        *rbac.RolePermissionCache
	roleStore    *rbac.Store
	sweeper      *invitation.Sweeper
}

// build wires every component on top of db and redisClient. Both are
// closed when build fails.
func build(cfg *config.Config, logger *observability.Logger, db *sql.DB, redisClient *redis.Client) (_ *app, err error) {
	defer func() {
		if err != nil {
			redisClient.Close()
			db.Close()
		}
	}()

	catalog, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded permission catalog with %d permissions", len(catalog.Permissions()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	identityStore := auth.NewIdentityStore(db)
	tenantStore := tenant.NewStore(db)
	roleStore := rbac.NewStore(db)
	membershipStore := membership.NewStore(db)
	invitationStore := invitation.NewStore(db)

	cache, err := rbac.NewRolePermissionCache(roleStore, cfg.Cache.Options(), metrics)
	if err != nil {
		return nil, err
	}
	invalidator := rbac.NewRedisInvalidator(redisClient, cfg.Redis.Channel, cache, logger, metrics)

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, err
	}
	auditLogger := audit.NewMultiLogger(dbAudit, audit.NewStructuredLogger(logger))

	roles := rbac.NewRoleService(db, roleStore, catalog, invalidator, auditLogger)
	invitations := invitation.NewManager(invitation.ManagerDeps{
		DB:                  db,
		Memberships:         membershipStore,
		Invitations:         invitationStore,
		Identities:          identityStore,
		Roles:               roles,
		Invalidator:         invalidator,
		Audit:               auditLogger,
		Metrics:             metrics,
		TTL:                 cfg.Invitations.TTL,
		TenantInvitationTTL: cfg.Invitations.TenantInvitationTTL,
	})
	memberships := membership.NewService(membership.ServiceDeps{
		DB:          db,
		Store:       membershipStore,
		Roles:       roles,
		Identities:  identityStore,
		Tokens:      invitations,
		Invalidator: invalidator,
		Audit:       auditLogger,
		Metrics:     metrics,
	})
	tenants := tenant.NewService(db, tenantStore, membershipStore, catalog, auditLogger)

	checker := rbac.NewPermissionChecker(catalog, membershipStore, identityStore, tenantStore, cache,
		rbac.CheckerConfig{RequireEmailVerification: cfg.Auth.RequireEmailVerification}, metrics)

	issuer, err := auth.NewSessionIssuer(cfg.Auth.Session())
	if err != nil {
		return nil, err
	}
	sessions := session.NewService(session.ServiceDeps{
		DB:          db,
		Identities:  identityStore,
		Invitations: invitations,
		Memberships: memberships,
		Cache:       cache,
		Issuer:      issuer,
	})

	router := mux.NewRouter()
	public := router.PathPrefix("/api/v1").Subrouter()
	session.NewHandlers(sessions).RegisterRoutes(public)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.NewSessionMiddleware(issuer, false).Handler)
	tenantRouter := api.PathPrefix("/tenants/{" + middleware.TenantPathVar + "}").Subrouter()
	tenantRouter.Use(middleware.TenantMiddleware)

	permissions := rbac.NewPermissionMiddleware(checker)
	rbac.NewHandlers(roles, catalog, checker).RegisterRoutes(api, tenantRouter)
	membership.NewHandlers(memberships, permissions).RegisterRoutes(api, tenantRouter)
	invitation.NewHandlers(invitations, permissions).RegisterRoutes(api, tenantRouter)
	tenant.NewHandlers(tenants, permissions).RegisterRoutes(api, tenantRouter)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware,
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware,
		observability.HTTPMetricsMiddleware(metrics),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(handler, "guardpost"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthRouter := mux.NewRouter()
	health := observability.NewHealthChecker(db, redisClient, version)
	health.AddCheck("cache_invalidation", invalidator.Healthy)
	health.RegisterRoutes(healthRouter)
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:        cfg.Server.HealthAddr(),
		Handler:     healthRouter,
		ReadTimeout: 5 * time.Second,
	}

	sweeper := invitation.NewSweeper(invitations, membershipStore, cfg.Invitations.SweepSchedule, logger)
	if err = sweeper.Start(); err != nil {
		return nil, err
	}

	return &app{
		server:       server,
		healthServer: healthServer,
		invalidator:  invalidator,
		cache:        cache,
		roleStore:    roleStore,
		sweeper:      sweeper,
	}, nil
}

func loadCatalog(path string) (*rbac.Catalog, error) {
	if path == "" {
		return rbac.DefaultCatalog()
	}
	return rbac.LoadCatalog(path)
}
