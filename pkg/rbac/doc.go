// Package rbac implements guardpost's role-based permission model.
//
// # Catalog
//
// System roles, plan tiers and permissions are static and loaded from YAML
// (catalog.yaml is embedded). Each permission lists the system roles and the
// plans that may hold it.
//
// # Custom roles
//
// Tenants define their own roles: a slug, a display name and a set of
// catalog permission ids. Memberships reference roles by slug, so a slug is
// fixed once created and a role still referenced by a live membership
// cannot be deleted.
//
// # Checks
//
// PermissionChecker evaluates three gates in order and stops at the first
// denial:
//
//  1. email verification (when enabled)
//  2. the tenant's plan
//  3. the identity's active membership roles, system roles first, then
//     custom roles through RolePermissionCache
//
// # Cache
//
// RolePermissionCache holds each tenant's custom role permissions for a
// short TTL. Role and membership writes invalidate the tenant after their
// transaction commits; RedisInvalidator fans the eviction out to every
// replica.
//
//	cache, _ := rbac.NewRolePermissionCache(store, rbac.DefaultCacheConfig(), metrics)
//	invalidator := rbac.NewRedisInvalidator(redisClient, "", cache, logger, metrics)
//	go invalidator.Run(ctx, nil)
package rbac
