// Package poller watches workflow instances while the backend is processing
// them. One loop runs per instance no matter how many subscribers watch it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"mcp-forge/backend/internal/observability"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxFailures = 5
)

// ErrPollingExhausted is attached to the synthetic final update emitted after
// too many consecutive transport failures.
var ErrPollingExhausted = errors.New("status polling gave up after repeated failures")

// Reader fetches the authoritative state of an instance.
type Reader interface {
	GetState(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
}

// Config tunes the polling loop.
type Config struct {
	Interval    time.Duration
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return c
}

// Update is one observation of an instance. Final marks the last update of a
// subscription; Err is set when the watch ended on a failure.
type Update struct {
	Seq      uint64
	Instance models.WorkflowInstance
	Err      error
	Final    bool
}

type sequence struct {
	issued   uint64
	observed uint64
}

// Engine runs polling loops.
type Engine struct {
	reader  Reader
	cfg     Config
	scope   *tenant.Scope
	metrics *observability.Metrics
	log     pslog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	watchers map[string]*watcher
	seqs     map[string]*sequence
}

// Option configures an Engine.
type Option func(*Engine)

// WithScope makes the engine drop updates for instances that do not belong
// to the scope's tenant at the moment they would be delivered.
func WithScope(scope *tenant.Scope) Option {
	return func(e *Engine) { e.scope = scope }
}

// WithMetrics records reads, failures and discards.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l pslog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine reading from reader.
func NewEngine(reader Reader, cfg Config, opts ...Option) *Engine {
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		reader:   reader,
		cfg:      cfg.withDefaults(),
		base:     base,
		stop:     stop,
		watchers: make(map[string]*watcher),
		seqs:     make(map[string]*sequence),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = pslog.Ctx(context.Background())
	}
	return e
}

// Watch subscribes to instanceID owned by tenantID. The subscription ends on
// the instance's terminal state, a fatal error, Cancel, or when ctx is done.
func (e *Engine) Watch(ctx context.Context, tenantID, instanceID string) (*Subscription, error) {
	if tenantID == "" || instanceID == "" {
		return nil, fmt.Errorf("%w: tenant and instance are required to watch", workflow.ErrValidation)
	}
	sub := newSubscription()
	var w *watcher
	for {
		e.mu.Lock()
		if e.base.Err() != nil {
			e.mu.Unlock()
			return nil, errors.New("polling engine is closed")
		}
		w = e.watchers[instanceID]
		if w == nil {
			// attach before the loop starts so the first read is delivered
			w = e.newWatcher(tenantID, instanceID)
			w.attach(sub)
			e.watchers[instanceID] = w
			e.wg.Add(1)
			go w.run()
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()

		if w.tenantID != tenantID {
			return nil, fmt.Errorf("watch %s: %w", instanceID, workflow.ErrTenantMismatch)
		}
		if w.attach(sub) {
			break
		}
		// the loop finished between lookup and attach; start a fresh one
	}
	sub.bind(&sub.detach, func() { e.detach(w, sub) })
	if ctx != nil {
		// the callback may run Cancel on another goroutine before this returns
		stopAfter := context.AfterFunc(ctx, sub.Cancel)
		sub.bind(&sub.release, func() { stopAfter() })
	}
	return sub, nil
}

// Active reports whether a loop is running for instanceID.
func (e *Engine) Active(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watchers[instanceID]
	return ok
}

// Close stops every loop and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stop()
	e.mu.Unlock()
	e.wg.Wait()
}

// detach stops w once its last subscriber leaves. A later Watch for the
// same instance starts a new loop.
func (e *Engine) detach(w *watcher, sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.remove(sub) > 0 {
		return
	}
	if e.watchers[w.instanceID] == w {
		delete(e.watchers, w.instanceID)
	}
	w.cancel()
}

// nextSeq hands out the sequence number for a new read of instanceID.
func (e *Engine) nextSeq(instanceID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.seqs[instanceID]
	if s == nil {
		s = &sequence{}
		e.seqs[instanceID] = s
	}
	s.issued++
	return s.issued
}

// observe records that the response to read seq arrived. It returns false
// when a newer response was already observed; such a response is stale.
func (e *Engine) observe(instanceID string, seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.seqs[instanceID]
	if s == nil {
		s = &sequence{}
		e.seqs[instanceID] = s
	}
	if seq <= s.observed {
		return false
	}
	s.observed = seq
	return true
}

func (e *Engine) finished(w *watcher) {
	e.mu.Lock()
	if e.watchers[w.instanceID] == w {
		delete(e.watchers, w.instanceID)
	}
	e.mu.Unlock()
}
