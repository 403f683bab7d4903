package tenant

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// Evictor drops everything it holds for a tenant. Evictions must be complete
// when EvictTenant returns.
type Evictor interface {
	EvictTenant(ctx context.Context, tenantID string)
}

// EvictorFunc adapts a function to Evictor.
type EvictorFunc func(ctx context.Context, tenantID string)

// EvictTenant calls f.
func (f EvictorFunc) EvictTenant(ctx context.Context, tenantID string) {
	f(ctx, tenantID)
}

// Guard is the only writer of a Scope. Switch evicts the old tenant's state
// before the new tenant becomes visible.
type Guard struct {
	mu       sync.Mutex
	scope    *Scope
	evictors []Evictor
}

// NewGuard creates a guard for scope.
func NewGuard(scope *Scope, evictors ...Evictor) *Guard {
	return &Guard{scope: scope, evictors: evictors}
}

// Register adds an evictor. Evictors run in registration order.
func (g *Guard) Register(e Evictor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictors = append(g.evictors, e)
}

// Scope returns the guarded scope.
func (g *Guard) Scope() *Scope {
	return g.scope
}

// Switch changes the active tenant to tenantID. It returns true when the
// scope actually changed.
func (g *Guard) Switch(ctx context.Context, tenantID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := g.scope.Current()
	if from == tenantID {
		return false
	}

	// step 1: evict; must finish before the scope moves
	if from != "" {
		for _, e := range g.evictors {
			e.EvictTenant(ctx, from)
		}
	}

	// step 2: publish the new scope
	snap := g.scope.set(tenantID)
	pslog.Ctx(ctx).Info("tenant scope switched", "from", from, "to", tenantID, "generation", snap.Generation)
	return true
}

// Clear drops the active tenant, evicting its state first.
func (g *Guard) Clear(ctx context.Context) {
	g.Switch(ctx, "")
}
