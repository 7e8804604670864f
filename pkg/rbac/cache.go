package rbac

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/guardpost/pkg/async"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

// RoleLoader builds a tenant's custom role permissions from storage
type RoleLoader interface {
	LoadRolePermissions(ctx context.Context, tenantID int64) (RolePermissions, error)
}

// Invalidator evicts a tenant's cached role permissions
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID int64)
}

// CacheConfig configures a RolePermissionCache
type CacheConfig struct {
	TTL  time.Duration
	Size int
	// RebuildTimeout bounds a single rebuild regardless of its callers
	RebuildTimeout time.Duration
	// Now overrides the clock used for expiry
	Now func() time.Time
}

// DefaultCacheConfig returns a 30s TTL cache holding up to 10k tenants
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 30 * time.Second, Size: 10000, RebuildTimeout: 10 * time.Second}
}

type cacheEntry struct {
	perms     RolePermissions
	expiresAt time.Time
}

// RolePermissionCache is a per-tenant, time-boxed cache of custom role
// permissions.
//
// Concurrent readers of a cold or expired tenant share one rebuild, which
// runs detached from any single caller's cancellation. A rebuild that an
// Invalidate overtakes returns its result to its callers but does not
// store it.
type RolePermissionCache struct {
	loader         RoleLoader
	ttl            time.Duration
	rebuildTimeout time.Duration
	now            func() time.Time
	metrics        *observability.Metrics

	mu      sync.Mutex
	entries *lru.Cache[int64, cacheEntry]
	// rebuilds holds only tenants with a rebuild in flight
	rebuilds map[int64]*pendingRebuild

	group singleflight.Group
}

type pendingRebuild struct {
	stale bool
}

// NewRolePermissionCache creates a cache backed by loader
func NewRolePermissionCache(loader RoleLoader, cfg CacheConfig, metrics *observability.Metrics) (*RolePermissionCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheConfig().Size
	}
	if cfg.RebuildTimeout <= 0 {
		cfg.RebuildTimeout = DefaultCacheConfig().RebuildTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	entries, err := lru.New[int64, cacheEntry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create role cache: %w", err)
	}

	return &RolePermissionCache{
		loader:         loader,
		ttl:            cfg.TTL,
		rebuildTimeout: cfg.RebuildTimeout,
		now:            cfg.Now,
		metrics:        metrics,
		entries:        entries,
		rebuilds:       make(map[int64]*pendingRebuild),
	}, nil
}

func (c *RolePermissionCache) lookup(tenantID int64) (RolePermissions, bool) {
	entry, ok := c.entries.Get(tenantID)
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.perms, true
}

// Get returns the tenant's role permissions, rebuilding when the entry is
// missing or expired. Rebuild errors are returned as-is. A caller whose ctx
// ends while waiting gets ctx.Err(); the shared rebuild carries on for the
// other waiters.
func (c *RolePermissionCache) Get(ctx context.Context, tenantID int64) (RolePermissions, error) {
	if perms, ok := c.lookup(tenantID); ok {
		c.metrics.ObserveCacheLookup(true)
		return perms, nil
	}
	c.metrics.ObserveCacheLookup(false)

	ch := c.group.DoChan(strconv.FormatInt(tenantID, 10), func() (interface{}, error) {
		return c.rebuild(ctx, tenantID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(RolePermissions), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RolePermissionCache) rebuild(ctx context.Context, tenantID int64) (RolePermissions, error) {
	// A flight that finished between our miss and DoChan already stored it.
	if perms, ok := c.lookup(tenantID); ok {
		return perms, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.rebuildTimeout)
	defer cancel()

	r := &pendingRebuild{}
	c.mu.Lock()
	c.rebuilds[tenantID] = r
	c.mu.Unlock()

	start := time.Now()
	perms, err := c.loader.LoadRolePermissions(ctx, tenantID)
	c.metrics.ObserveCacheRebuild(time.Since(start), err)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rebuilds, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild role permissions for tenant %d: %w", tenantID, err)
	}
	if perms == nil {
		perms = RolePermissions{}
	}
	if !r.stale {
		c.entries.Add(tenantID, cacheEntry{perms: perms, expiresAt: c.now().Add(c.ttl)})
	}
	return perms, nil
}

// Peek returns the cached permissions without ever loading; a cold or
// expired tenant yields an empty map.
func (c *RolePermissionCache) Peek(tenantID int64) RolePermissions {
	if perms, ok := c.lookup(tenantID); ok {
		return perms
	}
	return RolePermissions{}
}

// Prime loads the tenant's entry if it is not already warm
func (c *RolePermissionCache) Prime(ctx context.Context, tenantID int64) error {
	_, err := c.Get(ctx, tenantID)
	return err
}

// Warm primes the given tenants on up to workers goroutines and returns the
// number that failed to load.
func (c *RolePermissionCache) Warm(ctx context.Context, tenantIDs []int64, workers int) int {
	failures := async.Batch(ctx, tenantIDs, workers, "role cache warm", 10*time.Second, c.Prime)
	for _, err := range failures {
		observability.FromContext(ctx).WithError(err).Warn("failed to warm role cache")
	}
	return len(failures)
}

// Invalidate evicts the tenant's entry
func (c *RolePermissionCache) Invalidate(ctx context.Context, tenantID int64) {
	c.evict(tenantID)
	c.metrics.IncCacheInvalidation("local")
}

// purge drops every entry and marks in-flight rebuilds stale
func (c *RolePermissionCache) purge() {
	c.mu.Lock()
	for _, r := range c.rebuilds {
		r.stale = true
	}
	c.entries.Purge()
	c.mu.Unlock()
}

func (c *RolePermissionCache) evict(tenantID int64) {
	c.mu.Lock()
	if r, ok := c.rebuilds[tenantID]; ok {
		r.stale = true
	}
	c.entries.Remove(tenantID)
	c.mu.Unlock()
}
