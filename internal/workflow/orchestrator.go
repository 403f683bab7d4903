package workflow

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"mcp-forge/backend/internal/cache"
	"mcp-forge/backend/internal/observability"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/pkg/models"
)

// Backend is the remote generation backend. Every call returns the full,
// authoritative state of the instance including its tenant.
type Backend interface {
	Start(ctx context.Context, tenantID, description string) (*models.WorkflowInstance, error)
	Refine(ctx context.Context, instanceID, feedback string) (*models.WorkflowInstance, error)
	SelectTools(ctx context.Context, instanceID string, toolNames []string) (*models.WorkflowInstance, error)
	ConfigureEnv(ctx context.Context, instanceID string, env map[string]string) (*models.WorkflowInstance, error)
	ConfigureAuth(ctx context.Context, instanceID, authType string, authConfig map[string]any) (*models.WorkflowInstance, error)
	GenerateCode(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	GetState(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	Activate(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	Retry(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
}

// Tracker is told about every instance a transition returned, so in-progress
// runs can be remembered and watched.
type Tracker interface {
	Track(ctx context.Context, inst models.WorkflowInstance) error
}

// Orchestrator issues transitions on behalf of the active tenant.
type Orchestrator struct {
	backend Backend
	scope   *tenant.Scope
	cache   *cache.Cache
	tracker Tracker
	metrics *observability.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracker registers the in-progress tracker.
func WithTracker(t Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithMetrics records transition outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator bound to scope and its cache.
func NewOrchestrator(backend Backend, scope *tenant.Scope, c *cache.Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{backend: backend, scope: scope, cache: c}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InstanceKey is the cache key an instance's state is stored under.
func InstanceKey(instanceID string) string {
	return "workflow/" + instanceID
}

// Get returns the instance state for the active tenant, served from cache
// when possible.
func (o *Orchestrator) Get(ctx context.Context, instanceID string) (models.WorkflowInstance, error) {
	if strings.TrimSpace(instanceID) == "" {
		return models.WorkflowInstance{}, fmt.Errorf("%w: instance id is required", ErrValidation)
	}
	return cache.Fetch(ctx, o.cache, InstanceKey(instanceID), func(ctx context.Context, tenantID string) (models.WorkflowInstance, error) {
		inst, err := o.backend.GetState(tenant.WithTenant(ctx, tenantID), instanceID)
		if err != nil {
			return models.WorkflowInstance{}, fmt.Errorf("get state %s: %w", instanceID, err)
		}
		if err := verifyEcho(tenantID, instanceID, inst); err != nil {
			return models.WorkflowInstance{}, err
		}
		return *inst, nil
	})
}

// Start creates a new instance for the active tenant.
func (o *Orchestrator) Start(ctx context.Context, description string) (models.WorkflowInstance, error) {
	snap := o.scope.Snapshot()
	if snap.TenantID == "" {
		return models.WorkflowInstance{}, ErrNoActiveTenant
	}
	if strings.TrimSpace(description) == "" {
		return models.WorkflowInstance{}, fmt.Errorf("%w: description is required", ErrValidation)
	}

	inst, err := o.backend.Start(ctx, snap.TenantID, description)
	if err != nil {
		o.metrics.Transition(ctx, string(TransitionStart), "error")
		pslog.Ctx(ctx).Warn("workflow start failed", "tenant", snap.TenantID, "err", err)
		return models.WorkflowInstance{}, fmt.Errorf("%s: %w", TransitionStart, err)
	}
	if inst == nil || inst.InstanceID == "" {
		o.metrics.Transition(ctx, string(TransitionStart), "error")
		return models.WorkflowInstance{}, fmt.Errorf("%s: backend returned no instance id", TransitionStart)
	}
	if err := verifyEcho(snap.TenantID, inst.InstanceID, inst); err != nil {
		o.metrics.Transition(ctx, string(TransitionStart), "rejected")
		return models.WorkflowInstance{}, err
	}
	return o.accept(ctx, TransitionStart, snap, *inst)
}

// Refine asks the backend for new tool suggestions.
func (o *Orchestrator) Refine(ctx context.Context, inst models.WorkflowInstance, feedback string) (models.WorkflowInstance, error) {
	if strings.TrimSpace(feedback) == "" {
		return inst, fmt.Errorf("%w: feedback is required", ErrValidation)
	}
	return o.apply(ctx, TransitionRefine, inst, func(ctx context.Context) (*models.WorkflowInstance, error) {
		return o.backend.Refine(ctx, inst.InstanceID, feedback)
	})
}

// SelectTools picks the tools the generated service will expose.
func (o *Orchestrator) SelectTools(ctx context.Context, inst models.WorkflowInstance, toolNames []string) (models.WorkflowInstance, error) {
	names := make([]string, 0, len(toolNames))
	for _, n := range toolNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return inst, fmt.Errorf("%w: at least one tool is required", ErrValidation)
	}
	return o.apply(ctx, TransitionSelectTools, inst, func(ctx context.Context) (*models.WorkflowInstance, error) {
		return o.backend.SelectTools(ctx, inst.InstanceID, names)
	})
}

// ConfigureEnv supplies environment values the selected tools need.
func (o *Orchestrator) ConfigureEnv(ctx context.Context, inst models.WorkflowInstance, env map[string]string) (models.WorkflowInstance, error) {
	for k := range env {
		if strings.TrimSpace(k) == "" {
			return inst, fmt.Errorf("%w: empty environment variable name", ErrValidation)
		}
	}
	return o.apply(ctx, TransitionConfigureEnv, inst, func(ctx context.Context) (*models.WorkflowInstance, error) {
		return o.backend.ConfigureEnv(ctx, inst.InstanceID, env)
	})
}

// ConfigureAuth sets how clients authenticate against the generated service.
func (o *Orchestrator) ConfigureAuth(ctx context.Context, inst models.WorkflowInstance, authType string, authConfig map[string]any) (models.WorkflowInstance, error) {
	if strings.TrimSpace(authType) == "" {
		return inst, fmt.Errorf("%w: auth type is required", ErrValidation)
	}
	return o.apply(ctx, TransitionConfigureAuth, inst, func(ctx context.Context) (*models.WorkflowInstance, error) {
		return o.backend.ConfigureAuth(ctx, inst.InstanceID, authType, authConfig)
	})
}

// GenerateCode starts code synthesis. The instance comes back processing.
func (o *Orchestrator) GenerateCode(ctx context.Context, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
	return o.apply(ctx, TransitionGenerateCode, inst, func(ctx context.Context) (*models.WorkflowInstance, error) {
		return o.backend.GenerateCode(ctx, inst.InstanceID)
	})
}

// Activate deploys the generated service and returns its endpoint.
func (o *Orchestrator) Activate(ctx context.Context, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
	return o.apply(ctx, TransitionActivate, inst, func(ctx context.Context) (*models.WorkflowInstance, error) {
		return o.backend.Activate(ctx, inst.InstanceID)
	})
}

// Retry re-runs the failed processing sub-task.
func (o *Orchestrator) Retry(ctx context.Context, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
	return o.apply(ctx, TransitionRetry, inst, func(ctx context.Context) (*models.WorkflowInstance, error) {
		return o.backend.Retry(ctx, inst.InstanceID)
	})
}

// apply runs one transition. On any failure the caller's instance is
// returned unchanged.
func (o *Orchestrator) apply(ctx context.Context, t Transition, inst models.WorkflowInstance, call func(context.Context) (*models.WorkflowInstance, error)) (models.WorkflowInstance, error) {
	snap := o.scope.Snapshot()
	if snap.TenantID == "" {
		return inst, ErrNoActiveTenant
	}
	// ownership is checked before anything leaves the process
	if inst.TenantID != snap.TenantID {
		o.metrics.Transition(ctx, string(t), "rejected")
		pslog.Ctx(ctx).Warn("transition rejected: tenant mismatch",
			"transition", t, "instance", inst.InstanceID, "owner", inst.TenantID, "active", snap.TenantID)
		return inst, fmt.Errorf("%s %s: %w", t, inst.InstanceID, ErrTenantMismatch)
	}
	if err := CanApply(t, inst); err != nil {
		o.metrics.Transition(ctx, string(t), "rejected")
		return inst, err
	}

	next, err := call(tenant.WithTenant(ctx, snap.TenantID))
	if err != nil {
		o.metrics.Transition(ctx, string(t), "error")
		pslog.Ctx(ctx).Warn("transition failed", "transition", t, "instance", inst.InstanceID, "err", err)
		return inst, fmt.Errorf("%s %s: %w", t, inst.InstanceID, err)
	}
	if err := verifyEcho(inst.TenantID, inst.InstanceID, next); err != nil {
		o.metrics.Transition(ctx, string(t), "rejected")
		pslog.Ctx(ctx).Error("transition response failed ownership check", "transition", t, "instance", inst.InstanceID, "err", err)
		return inst, err
	}
	return o.accept(ctx, t, snap, *next)
}

func (o *Orchestrator) accept(ctx context.Context, t Transition, snap tenant.Snapshot, next models.WorkflowInstance) (models.WorkflowInstance, error) {
	if !o.cache.Put(snap, InstanceKey(next.InstanceID), next) {
		o.metrics.Transition(ctx, string(t), "stale")
		return next, fmt.Errorf("%s %s: %w", t, next.InstanceID, tenant.ErrStaleScope)
	}
	o.metrics.Transition(ctx, string(t), "ok")
	pslog.Ctx(ctx).Info("transition applied",
		"transition", t, "instance", next.InstanceID, "step", next.Step, "processing", next.Processing)

	if o.tracker != nil {
		if err := o.tracker.Track(ctx, next); err != nil {
			pslog.Ctx(ctx).Warn("in-progress tracking failed", "instance", next.InstanceID, "err", err)
		}
	}
	return next, nil
}

// verifyEcho checks a backend response really is the instance the caller
// asked about, owned by the caller's tenant.
func verifyEcho(tenantID, instanceID string, inst *models.WorkflowInstance) error {
	if inst == nil {
		return fmt.Errorf("%w: empty backend response for %s", ErrValidation, instanceID)
	}
	if inst.TenantID != tenantID {
		return fmt.Errorf("instance %s reported tenant %q: %w", instanceID, inst.TenantID, ErrTenantMismatch)
	}
	if inst.InstanceID != instanceID {
		return fmt.Errorf("%w: backend answered for instance %q, expected %q", ErrValidation, inst.InstanceID, instanceID)
	}
	if !inst.Step.Valid() {
		return fmt.Errorf("%w: backend reported unknown step %q", ErrValidation, inst.Step)
	}
	return nil
}
