package repository

import (
	"context"
	"errors"

	"mcp-forge/backend/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// TenantStore resolves and provisions tenants.
type TenantStore interface {
	// GetTenantByDomain returns the tenant registered for an email domain.
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	// CreateTenant inserts tenant, filling in its ID and timestamps.
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// SessionStore persists in-progress wizard sessions, namespaced by tenant.
type SessionStore interface {
	Load(ctx context.Context, tenantID string) ([]models.SessionEntry, error)
	Put(ctx context.Context, entry models.SessionEntry) error
	Delete(ctx context.Context, tenantID, instanceID string) error
}

// Repository is everything the server keeps in its database.
type Repository interface {
	TenantStore
	SessionStore
	Ping(ctx context.Context) error
}
