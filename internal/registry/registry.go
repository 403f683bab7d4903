// Package registry remembers, per tenant, the wizard runs a user started but
// has not finished, and keeps their polling alive across restarts.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

// Store persists session entries. Implementations keep one namespace per
// tenant; Load must only return rows of the requested tenant.
type Store interface {
	Load(ctx context.Context, tenantID string) ([]models.SessionEntry, error)
	Put(ctx context.Context, entry models.SessionEntry) error
	Delete(ctx context.Context, tenantID, instanceID string) error
}

// Registry is the in-progress session registry.
type Registry struct {
	store Store
	now   func() time.Time
}

// New creates a registry on top of store.
func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

func validate(tenantID, instanceID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", workflow.ErrValidation)
	}
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("%w: instance id is required", workflow.ErrValidation)
	}
	return nil
}

// Record adds the instance for tenantID unless it is already there.
func (r *Registry) Record(ctx context.Context, tenantID, instanceID string, step models.Step) error {
	if err := validate(tenantID, instanceID); err != nil {
		return err
	}
	entries, err := r.entries(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.InstanceID == instanceID {
			return nil
		}
	}
	entry := models.SessionEntry{
		TenantID:      tenantID,
		InstanceID:    instanceID,
		LastKnownStep: step,
		UpdatedAt:     r.now().UTC(),
	}
	if err := r.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("record %s: %w", instanceID, err)
	}
	pslog.Ctx(ctx).Debug("session recorded", "tenant", tenantID, "instance", instanceID, "step", step)
	return nil
}

// Touch stores the state last observed for an existing entry. Missing
// entries are left alone.
func (r *Registry) Touch(ctx context.Context, inst models.WorkflowInstance) error {
	if err := validate(inst.TenantID, inst.InstanceID); err != nil {
		return err
	}
	entries, err := r.entries(ctx, inst.TenantID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.InstanceID != inst.InstanceID {
			continue
		}
		if !e.Observe(inst) {
			return nil
		}
		e.UpdatedAt = r.now().UTC()
		if err := r.store.Put(ctx, e); err != nil {
			return fmt.Errorf("touch %s: %w", inst.InstanceID, err)
		}
		return nil
	}
	return nil
}

// List returns the in-progress instances of tenantID only, as last observed.
func (r *Registry) List(ctx context.Context, tenantID string) ([]models.WorkflowInstance, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, workflow.ErrNoActiveTenant
	}
	entries, err := r.entries(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkflowInstance, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Instance())
	}
	return out, nil
}

// Remove forgets the instance. Removing an unknown instance is not an error.
func (r *Registry) Remove(ctx context.Context, tenantID, instanceID string) error {
	if err := validate(tenantID, instanceID); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, tenantID, instanceID); err != nil {
		return fmt.Errorf("remove %s: %w", instanceID, err)
	}
	pslog.Ctx(ctx).Debug("session removed", "tenant", tenantID, "instance", instanceID)
	return nil
}

// entries loads the tenant namespace and drops anything that does not belong
// to it, whatever the store returned.
func (r *Registry) entries(ctx context.Context, tenantID string) ([]models.SessionEntry, error) {
	loaded, err := r.store.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load sessions for tenant %s: %w", tenantID, err)
	}
	out := make([]models.SessionEntry, 0, len(loaded))
	for _, e := range loaded {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}
