// Package tenant holds the active-tenant scope of a workspace and the guard
// that switches it.
package tenant

import (
	"errors"
	"sync"
)

var (
	// ErrNoActiveTenant is returned when an operation needs a tenant scope
	// and none is set.
	ErrNoActiveTenant = errors.New("no active tenant")
	// ErrStaleScope is returned for a read that resolved after the scope it
	// started under was replaced.
	ErrStaleScope = errors.New("tenant scope changed while the read was in flight")
)

// Snapshot is the scope as seen by a reader at the moment it started.
type Snapshot struct {
	TenantID   string
	Generation uint64
}

// Scope is the in-memory "whose data may currently be read" marker. It is
// never persisted. Only a Guard changes it.
type Scope struct {
	mu         sync.RWMutex
	tenantID   string
	generation uint64
}

// NewScope returns an empty scope (no active tenant).
func NewScope() *Scope {
	return &Scope{}
}

// Current returns the active tenant id, or "" when none is set.
func (s *Scope) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantID
}

// Snapshot captures the active tenant and generation.
func (s *Scope) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{TenantID: s.tenantID, Generation: s.generation}
}

// Valid reports whether snap still describes the active scope. A read that
// started under an older generation must not be surfaced.
func (s *Scope) Valid(snap Snapshot) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snap.Generation == s.generation && snap.TenantID == s.tenantID
}

// Owns reports whether tenantID is the active tenant.
func (s *Scope) Owns(tenantID string) bool {
	current := s.Current()
	return current != "" && current == tenantID
}

func (s *Scope) set(tenantID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantID = tenantID
	s.generation++
	return Snapshot{TenantID: s.tenantID, Generation: s.generation}
}
