package registry

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"mcp-forge/backend/internal/poller"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

// Watcher starts polling subscriptions.
type Watcher interface {
	Watch(ctx context.Context, tenantID, instanceID string) (*poller.Subscription, error)
}

// SettledFunc is called once a watched instance reached a terminal update.
type SettledFunc func(ctx context.Context, u poller.Update)

type task struct {
	tenantID   string
	instanceID string
	sub        *poller.Subscription
}

// Supervisor owns the polling subscriptions of registry entries. Their
// lifetime is tied to the supervisor, not to whoever asked for them.
type Supervisor struct {
	registry *Registry
	watcher  Watcher
	settled  SettledFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// OnSettled registers a hook for terminal updates.
func OnSettled(fn SettledFunc) SupervisorOption {
	return func(s *Supervisor) { s.settled = fn }
}

// NewSupervisor creates a supervisor. ctx carries the logger and bounds the
// lifetime of every subscription it starts.
func NewSupervisor(ctx context.Context, reg *Registry, watcher Watcher, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		registry: reg,
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying registry.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Track records inst and starts watching it while the backend is processing.
// Completed instances are forgotten.
// It satisfies workflow.Tracker.
func (s *Supervisor) Track(ctx context.Context, inst models.WorkflowInstance) error {
	if inst.Step == models.StepComplete {
		return s.Abandon(ctx, inst.TenantID, inst.InstanceID)
	}
	if err := s.registry.Record(ctx, inst.TenantID, inst.InstanceID, inst.Step); err != nil {
		return err
	}
	if err := s.registry.Touch(ctx, inst); err != nil {
		return err
	}
	if !inst.Processing {
		return nil
	}
	return s.watch(inst.TenantID, inst.InstanceID)
}

// Resume re-subscribes the persisted entries of tenantID that were last seen
// processing and returns how many are being watched. Entries parked at a step
// that waits for the user are left as they are.
func (s *Supervisor) Resume(ctx context.Context, tenantID string) (int, error) {
	instances, err := s.registry.List(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range instances {
		if !inst.Processing {
			continue
		}
		if err := s.watch(tenantID, inst.InstanceID); err != nil {
			pslog.Ctx(ctx).Warn("resume watch failed", "tenant", tenantID, "instance", inst.InstanceID, "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		pslog.Ctx(ctx).Info("resumed in-progress sessions", "tenant", tenantID, "count", n)
	}
	return n, nil
}

// Watching reports whether instanceID has a live subscription.
func (s *Supervisor) Watching(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[instanceID]
	return ok
}

// Abandon stops watching the instance and forgets it.
func (s *Supervisor) Abandon(ctx context.Context, tenantID, instanceID string) error {
	s.mu.Lock()
	t := s.tasks[instanceID]
	if t != nil && t.tenantID == tenantID {
		delete(s.tasks, instanceID)
	}
	s.mu.Unlock()
	if t != nil && t.tenantID == tenantID {
		t.sub.Cancel()
	}
	return s.registry.Remove(ctx, tenantID, instanceID)
}

// EvictTenant cancels every subscription of tenantID. Entries stay in the
// registry so the next Resume picks them up. It satisfies tenant.Evictor.
func (s *Supervisor) EvictTenant(ctx context.Context, tenantID string) {
	s.mu.Lock()
	var evicted []*task
	for id, t := range s.tasks {
		if t.tenantID == tenantID {
			evicted = append(evicted, t)
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()
	for _, t := range evicted {
		t.sub.Cancel()
	}
	if len(evicted) > 0 {
		pslog.Ctx(ctx).Debug("polling subscriptions cancelled", "tenant", tenantID, "count", len(evicted))
	}
}

// Stop cancels all subscriptions and waits for their consumers to exit.
func (s *Supervisor) Stop() {
	s.cancel()
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()
	for _, t := range tasks {
		t.sub.Cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) watch(tenantID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[instanceID]; ok {
		return nil
	}
	sub, err := s.watcher.Watch(s.ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	t := &task{tenantID: tenantID, instanceID: instanceID, sub: sub}
	s.tasks[instanceID] = t
	s.wg.Add(1)
	go s.consume(t)
	return nil
}

func (s *Supervisor) consume(t *task) {
	defer s.wg.Done()
	log := pslog.Ctx(s.ctx).With("tenant", t.tenantID, "instance", t.instanceID)
	ctx := pslog.ContextWithLogger(context.WithoutCancel(s.ctx), log)

	var final *poller.Update
	for u := range t.sub.Updates() {
		if u.Final {
			u := u
			final = &u
			continue
		}
		if err := s.registry.Touch(ctx, u.Instance); err != nil {
			log.Warn("session state update failed", "err", err)
		}
	}

	s.mu.Lock()
	if s.tasks[t.instanceID] == t {
		delete(s.tasks, t.instanceID)
	}
	s.mu.Unlock()

	if final == nil {
		// cancelled or evicted; the entry stays for the next Resume
		return
	}
	s.settle(ctx, t, *final)
}

func (s *Supervisor) settle(ctx context.Context, t *task, u poller.Update) {
	log := pslog.Ctx(ctx)
	switch {
	case u.Err != nil && workflow.IsOwnership(u.Err):
		log.Error("dropping session after ownership failure", "err", u.Err)
		s.remove(ctx, t)
	case u.Instance.Failed() && u.Instance.Retryable:
		log.Warn("generation failed, waiting for retry", "error", u.Instance.Error, "err", u.Err)
		if err := s.registry.Touch(ctx, u.Instance); err != nil {
			log.Warn("session state update failed", "err", err)
		}
	case u.Err != nil || u.Instance.Failed():
		log.Error("generation failed", "error", u.Instance.Error, "err", u.Err)
		s.remove(ctx, t)
	default:
		log.Info("processing finished", "step", u.Instance.Step)
		s.remove(ctx, t)
	}
	if s.settled != nil {
		s.settled(ctx, u)
	}
}

func (s *Supervisor) remove(ctx context.Context, t *task) {
	if err := s.registry.Remove(ctx, t.tenantID, t.instanceID); err != nil {
		pslog.Ctx(ctx).Error("session removal failed", "err", err)
	}
}
