package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"

	"mcp-forge/backend/pkg/models"
)

// Schema creates the tables the server needs. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	domain     TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wizard_sessions (
	tenant_id       TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	last_known_step TEXT NOT NULL,
	processing      BOOLEAN NOT NULL DEFAULT false,
	error           TEXT NOT NULL DEFAULT '',
	retryable       BOOLEAN NOT NULL DEFAULT false,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, instance_id)
);

ALTER TABLE wizard_sessions ADD COLUMN IF NOT EXISTS processing BOOLEAN NOT NULL DEFAULT false;
ALTER TABLE wizard_sessions ADD COLUMN IF NOT EXISTS error TEXT NOT NULL DEFAULT '';
ALTER TABLE wizard_sessions ADD COLUMN IF NOT EXISTS retryable BOOLEAN NOT NULL DEFAULT false;
`

// PostgresStore is the PostgreSQL implementation of Repository.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger pslog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger pslog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("database schema applied")
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// GetTenantByDomain looks a tenant up by its email domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx,
		"SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1",
		strings.ToLower(domain),
	).Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant for domain %q: %w", domain, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant inserts a tenant. An empty ID gets a fresh UUID.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	tenant.Domain = strings.ToLower(tenant.Domain)
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	_, err := s.db.Exec(ctx,
		"INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create tenant %q: %w", tenant.Domain, err)
	}
	if s.logger != nil {
		s.logger.Info("tenant created", "tenant", tenant.ID, "domain", tenant.Domain)
	}
	return nil
}

// Load returns the session entries of tenantID.
func (s *PostgresStore) Load(ctx context.Context, tenantID string) ([]models.SessionEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT tenant_id, instance_id, last_known_step, processing, error, retryable, updated_at
		 FROM wizard_sessions WHERE tenant_id = $1 ORDER BY updated_at`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.SessionEntry
	for rows.Next() {
		var (
			e    models.SessionEntry
			step string
		)
		if err := rows.Scan(&e.TenantID, &e.InstanceID, &step, &e.Processing, &e.Error, &e.Retryable, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.LastKnownStep = models.Step(step)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Put inserts or updates a session entry.
func (s *PostgresStore) Put(ctx context.Context, entry models.SessionEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wizard_sessions (tenant_id, instance_id, last_known_step, processing, error, retryable, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, instance_id)
		DO UPDATE SET last_known_step = EXCLUDED.last_known_step,
			processing = EXCLUDED.processing,
			error = EXCLUDED.error,
			retryable = EXCLUDED.retryable,
			updated_at = EXCLUDED.updated_at`,
		entry.TenantID, entry.InstanceID, string(entry.LastKnownStep),
		entry.Processing, entry.Error, entry.Retryable, entry.UpdatedAt,
	)
	return err
}

// Delete removes a session entry. Deleting a missing entry is not an error.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, instanceID string) error {
	_, err := s.db.Exec(ctx,
		"DELETE FROM wizard_sessions WHERE tenant_id = $1 AND instance_id = $2",
		tenantID, instanceID,
	)
	return err
}
