package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"mcp-forge/backend/internal/cache"
	"mcp-forge/backend/internal/observability"
	"mcp-forge/backend/internal/poller"
	"mcp-forge/backend/internal/registry"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

// WizardConfig tunes the per-user workspaces.
type WizardConfig struct {
	Poll     poller.Config
	CacheTTL time.Duration
}

// Workspace is one user's wizard session: an active tenant scope and
// everything that must never outlive or cross it.
type Workspace struct {
	userID     string
	scope      *tenant.Scope
	guard      *tenant.Guard
	cache      *cache.Cache
	orch       *workflow.Orchestrator
	engine     *poller.Engine
	supervisor *registry.Supervisor
}

// WizardService hands out one Workspace per authenticated user.
type WizardService struct {
	backend workflow.Backend
	store   registry.Store
	cfg     WizardConfig
	metrics *observability.Metrics
	log     pslog.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace
	closed     bool
}

// NewWizardService creates the service. metrics may be nil.
func NewWizardService(backend workflow.Backend, store registry.Store, cfg WizardConfig, metrics *observability.Metrics, logger pslog.Logger) *WizardService {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &WizardService{
		backend:    backend,
		store:      store,
		cfg:        cfg,
		metrics:    metrics,
		log:        logger,
		workspaces: make(map[string]*Workspace),
	}
}

// Workspace returns the user's workspace with tenantID active, switching
// and resuming as needed.
func (s *WizardService) Workspace(ctx context.Context, userID, tenantID string) (*Workspace, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", workflow.ErrValidation)
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, workflow.ErrNoActiveTenant
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("wizard service is closed")
	}
	ws := s.workspaces[userID]
	if ws == nil {
		ws = s.newWorkspace(userID)
		s.workspaces[userID] = ws
	}
	s.mu.Unlock()

	if err := ws.UseTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return ws, nil
}

// Close stops every workspace.
func (s *WizardService) Close() {
	s.mu.Lock()
	s.closed = true
	workspaces := s.workspaces
	s.workspaces = make(map[string]*Workspace)
	s.mu.Unlock()
	for _, ws := range workspaces {
		ws.Close()
	}
}

func (s *WizardService) newWorkspace(userID string) *Workspace {
	log := s.log.With("user", userID)
	scope := tenant.NewScope()
	c := cache.New(scope, cache.WithTTL(s.cfg.CacheTTL), cache.WithMetrics(s.metrics))
	engine := poller.NewEngine(s.backend, s.cfg.Poll,
		poller.WithScope(scope),
		poller.WithMetrics(s.metrics),
		poller.WithLogger(log),
	)
	ws := &Workspace{
		userID: userID,
		scope:  scope,
		cache:  c,
		engine: engine,
	}
	ws.supervisor = registry.NewSupervisor(
		pslog.ContextWithLogger(context.Background(), log),
		registry.New(s.store),
		engine,
		registry.OnSettled(ws.settled),
	)
	ws.orch = workflow.NewOrchestrator(s.backend, scope, c,
		workflow.WithTracker(ws.supervisor),
		workflow.WithMetrics(s.metrics),
	)
	ws.guard = tenant.NewGuard(scope, c, ws.supervisor)
	log.Debug("workspace created")
	return ws
}

// UserID returns the owner of the workspace.
func (w *Workspace) UserID() string {
	return w.userID
}

// TenantID returns the active tenant.
func (w *Workspace) TenantID() string {
	return w.scope.Current()
}

// Orchestrator issues transitions under the workspace scope.
func (w *Workspace) Orchestrator() *workflow.Orchestrator {
	return w.orch
}

// UseTenant makes tenantID active. On an actual switch the previous tenant's
// cache and subscriptions are evicted first, then the new tenant's
// in-progress runs are resumed.
func (w *Workspace) UseTenant(ctx context.Context, tenantID string) error {
	if !w.guard.Switch(ctx, tenantID) {
		return nil
	}
	if _, err := w.supervisor.Resume(ctx, tenantID); err != nil {
		return fmt.Errorf("resume sessions for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Get returns the state of an instance of the active tenant. A run the
// backend reports as processing is watched again if nothing is watching it,
// which is how a run recovers after polling lost contact.
func (w *Workspace) Get(ctx context.Context, instanceID string) (models.WorkflowInstance, error) {
	inst, err := w.orch.Get(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	if inst.Processing && !w.supervisor.Watching(inst.InstanceID) {
		if err := w.supervisor.Track(ctx, inst); err != nil {
			pslog.Ctx(ctx).Warn("re-watching processing run failed", "instance", inst.InstanceID, "err", err)
		}
	}
	return inst, nil
}

// InProgress lists the active tenant's unfinished runs.
func (w *Workspace) InProgress(ctx context.Context) ([]models.WorkflowInstance, error) {
	return w.supervisor.Registry().List(ctx, w.scope.Current())
}

// Watch streams polling updates for an instance of the active tenant.
func (w *Workspace) Watch(ctx context.Context, instanceID string) (*poller.Subscription, error) {
	tenantID := w.scope.Current()
	if tenantID == "" {
		return nil, workflow.ErrNoActiveTenant
	}
	return w.engine.Watch(ctx, tenantID, instanceID)
}

// Abandon forgets an in-progress run of the active tenant.
func (w *Workspace) Abandon(ctx context.Context, instanceID string) error {
	tenantID := w.scope.Current()
	if tenantID == "" {
		return workflow.ErrNoActiveTenant
	}
	w.cache.Invalidate(tenantID, workflow.InstanceKey(instanceID))
	return w.supervisor.Abandon(ctx, tenantID, instanceID)
}

// Close stops polling and drops cached state.
func (w *Workspace) Close() {
	w.supervisor.Stop()
	w.engine.Close()
	w.cache.EvictAll(context.Background())
}

// settled drops the cached state of a run that just finished processing so
// the next read goes to the backend. When polling lost contact the backend's
// last answer is stale, so the lost-contact failure is cached instead and
// retry becomes available.
func (w *Workspace) settled(ctx context.Context, u poller.Update) {
	key := workflow.InstanceKey(u.Instance.InstanceID)
	if errors.Is(u.Err, poller.ErrPollingExhausted) {
		snap := w.scope.Snapshot()
		inst := u.Instance
		if inst.Step == "" {
			// no read succeeded; fill in from what the last transition returned
			if prev, ok := cache.Peek[models.WorkflowInstance](w.cache, snap, key); ok {
				prev.Processing, prev.Error, prev.Retryable = false, inst.Error, inst.Retryable
				inst = prev
			}
		}
		if snap.TenantID == inst.TenantID && w.cache.Put(snap, key, inst) {
			pslog.Ctx(ctx).Debug("cached lost-contact state", "instance", u.Instance.InstanceID)
			return
		}
	}
	w.cache.Invalidate(u.Instance.TenantID, key)
	pslog.Ctx(ctx).Debug("cached state invalidated", "instance", u.Instance.InstanceID)
}
