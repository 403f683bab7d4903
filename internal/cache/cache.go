// Package cache is the tenant-scoped read cache. Every key lives in the
// namespace of the tenant it was fetched under, and entries fetched under a
// superseded scope are never stored or returned.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/observability"
	"mcp-forge/backend/internal/tenant"
)

// ErrTypeMismatch is returned when a key holds a value of another type than
// the caller asked for.
var ErrTypeMismatch = errors.New("cache value has unexpected type")

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache holds tenant-scoped query results.
type Cache struct {
	mu      sync.Mutex
	scope   *tenant.Scope
	ttl     time.Duration
	entries map[string]map[string]entry
	group   singleflight.Group
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL bounds how long an entry is served. Zero keeps entries until evicted.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMetrics records lookups and evictions.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache reading its namespace from scope.
func New(scope *tenant.Scope, opts ...Option) *Cache {
	c := &Cache{
		scope:   scope,
		entries: make(map[string]map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the value for key under the active tenant, calling fetch on a
// miss. Concurrent misses for the same key under the same scope share one fetch. The
// result is discarded with tenant.ErrStaleScope when the scope moved while
// fetch was running.
func Fetch[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context, tenantID string) (T, error)) (T, error) {
	var zero T
	snap := c.scope.Snapshot()
	if snap.TenantID == "" {
		return zero, tenant.ErrNoActiveTenant
	}

	if v, ok := c.lookup(snap, key); ok {
		c.metrics.CacheLookup(ctx, true)
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	c.metrics.CacheLookup(ctx, false)

	v, err, _ := c.group.Do(flightKey(snap, key), func() (any, error) {
		value, err := fetch(ctx, snap.TenantID)
		if err != nil {
			return nil, err
		}
		if !c.store(snap, key, value) {
			return nil, tenant.ErrStaleScope
		}
		return value, nil
	})
	if err != nil {
		return zero, err
	}
	// a shared flight may have resolved for a reader whose scope is gone
	if !c.scope.Valid(snap) {
		return zero, tenant.ErrStaleScope
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T, want %T", ErrTypeMismatch, key, v, zero)
	}
	return typed, nil
}

// Peek returns the value held for key under snap without fetching. It
// reports false on a miss, a stale snap or a value of another type.
func Peek[T any](c *Cache, snap tenant.Snapshot, key string) (T, bool) {
	var zero T
	v, ok := c.lookup(snap, key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Put stores value for key under the tenant of snap. It refuses to store when
// snap no longer describes the active scope.
func (c *Cache) Put(snap tenant.Snapshot, key string, value any) bool {
	return c.store(snap, key, value)
}

// Invalidate drops key for tenantID.
func (c *Cache) Invalidate(tenantID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ns := c.entries[tenantID]; ns != nil {
		delete(ns, key)
	}
}

// EvictTenant drops every entry of tenantID. It satisfies tenant.Evictor.
func (c *Cache) EvictTenant(ctx context.Context, tenantID string) {
	c.mu.Lock()
	n := len(c.entries[tenantID])
	delete(c.entries, tenantID)
	c.mu.Unlock()
	c.metrics.Evicted(ctx, n)
	pslog.Ctx(ctx).Debug("cache tenant evicted", "tenant", tenantID, "entries", n)
}

// EvictAll drops every tenant-scoped entry.
func (c *Cache) EvictAll(ctx context.Context) {
	c.mu.Lock()
	n := 0
	for _, ns := range c.entries {
		n += len(ns)
	}
	c.entries = make(map[string]map[string]entry)
	c.mu.Unlock()
	c.metrics.Evicted(ctx, n)
}

// Len returns the number of entries held for tenantID.
func (c *Cache) Len(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[tenantID])
}

func (c *Cache) lookup(snap tenant.Snapshot, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.scope.Valid(snap) {
		return nil, false
	}
	e, ok := c.entries[snap.TenantID][key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.entries[snap.TenantID], key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) store(snap tenant.Snapshot, key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.scope.Valid(snap) {
		return false
	}
	ns := c.entries[snap.TenantID]
	if ns == nil {
		ns = make(map[string]entry)
		c.entries[snap.TenantID] = ns
	}
	e := entry{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	ns[key] = e
	return true
}

func flightKey(snap tenant.Snapshot, key string) string {
	return snap.TenantID + "\x00" + strconv.FormatUint(snap.Generation, 10) + "\x00" + key
}
