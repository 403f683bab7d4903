package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

type watcher struct {
	engine     *Engine
	tenantID   string
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	last *models.WorkflowInstance
	done bool
}

func (e *Engine) newWatcher(tenantID, instanceID string) *watcher {
	ctx, cancel := context.WithCancel(tenant.WithTenant(e.base, tenantID))
	return &watcher{
		engine:     e,
		tenantID:   tenantID,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[*Subscription]struct{}),
	}
}

func (w *watcher) attach(sub *Subscription) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.subs[sub] = struct{}{}
	return true
}

// remove drops sub and returns how many subscribers remain. A watcher left
// without subscribers accepts no new ones.
func (w *watcher) remove(sub *Subscription) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, sub)
	if len(w.subs) == 0 {
		w.done = true
	}
	return len(w.subs)
}

func (w *watcher) run() {
	e := w.engine
	defer e.wg.Done()
	defer w.finish()

	log := e.log.With("tenant", w.tenantID, "instance", w.instanceID)
	log.Debug("polling started", "interval", e.cfg.Interval)

	retries := uint64(0)
	if e.cfg.MaxFailures > 1 {
		retries = uint64(e.cfg.MaxFailures - 1)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.Interval), retries)
	failures := 0

	for {
		seq := e.nextSeq(w.instanceID)
		e.metrics.PollRead(w.ctx)
		inst, err := e.reader.GetState(w.ctx, w.instanceID)
		if w.ctx.Err() != nil {
			log.Debug("polling cancelled", "seq", seq)
			return
		}

		if err != nil {
			transient := workflow.IsTransient(err)
			e.metrics.PollFailure(w.ctx, transient)
			if !transient {
				log.Error("polling failed", "seq", seq, "err", err)
				w.broadcast(Update{Seq: seq, Instance: w.lastKnown(), Err: err, Final: true})
				return
			}
			failures++
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				log.Error("polling gave up", "failures", failures, "err", err)
				synthetic := w.lastKnown()
				synthetic.Processing = false
				synthetic.Error = fmt.Sprintf("lost contact with the generation backend after %d attempts: %v", failures, err)
				synthetic.Retryable = true
				w.broadcast(Update{
					Seq:      seq,
					Instance: synthetic,
					Err:      fmt.Errorf("%w: %w", ErrPollingExhausted, err),
					Final:    true,
				})
				return
			}
			log.Warn("polling read failed, will retry", "failures", failures, "err", err)
			if !w.sleep(wait) {
				return
			}
			continue
		}
		policy.Reset()
		failures = 0

		if !e.observe(w.instanceID, seq) {
			e.metrics.StaleDiscard(w.ctx, "sequence")
			log.Debug("discarding out-of-order poll response", "seq", seq)
			if !w.sleep(e.cfg.Interval) {
				return
			}
			continue
		}

		if inst == nil || inst.TenantID != w.tenantID || inst.InstanceID != w.instanceID {
			err := fmt.Errorf("poll %s: %w", w.instanceID, workflow.ErrTenantMismatch)
			log.Error("poll response failed ownership check", "err", err)
			w.broadcast(Update{Seq: seq, Instance: w.lastKnown(), Err: err, Final: true})
			return
		}

		w.mu.Lock()
		snapshot := *inst
		w.last = &snapshot
		w.mu.Unlock()

		final := inst.Terminal()
		w.broadcast(Update{Seq: seq, Instance: *inst, Final: final})
		if final {
			log.Info("polling finished", "step", inst.Step, "error", inst.Error, "retryable", inst.Retryable)
			return
		}
		if !w.sleep(e.cfg.Interval) {
			return
		}
	}
}

func (w *watcher) lastKnown() models.WorkflowInstance {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last != nil {
		return *w.last
	}
	return models.WorkflowInstance{InstanceID: w.instanceID, TenantID: w.tenantID}
}

// broadcast hands u to every subscriber, unless the instance is outside the
// scope that is active right now.
func (w *watcher) broadcast(u Update) {
	e := w.engine
	if e.scope != nil && !e.scope.Owns(w.tenantID) {
		e.metrics.StaleDiscard(w.ctx, "scope")
		e.log.Debug("dropping poll update outside active scope",
			"tenant", w.tenantID, "instance", w.instanceID, "seq", u.Seq)
		return
	}
	w.mu.Lock()
	subs := make([]*Subscription, 0, len(w.subs))
	for sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(u)
	}
}

func (w *watcher) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *watcher) finish() {
	w.engine.finished(w)
	w.cancel()
	w.mu.Lock()
	w.done = true
	subs := w.subs
	w.subs = make(map[*Subscription]struct{})
	w.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}
