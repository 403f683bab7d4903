package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

type readerFunc func(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)

func (f readerFunc) GetState(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return f(ctx, instanceID)
}

func state(processing bool) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		InstanceID: "i-1",
		TenantID:   "org_a",
		Step:       models.StepDeploy,
		Processing: processing,
		CodeReady:  !processing,
	}
}

// settlesAfter reports processing for n reads, then done.
func settlesAfter(n int32) (Reader, *atomic.Int32) {
	var calls atomic.Int32
	return readerFunc(func(context.Context, string) (*models.WorkflowInstance, error) {
		return state(calls.Add(1) <= n), nil
	}), &calls
}

func newTestEngine(t *testing.T, r Reader, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(r, Config{Interval: 2 * time.Millisecond, MaxFailures: 3}, opts...)
	t.Cleanup(e.Close)
	return e
}

func drain(t *testing.T, sub *Subscription) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("subscription did not finish")
			return out
		}
	}
}

func TestObserve_DiscardsOutOfOrderResponses(t *testing.T) {
	e := newTestEngine(t, readerFunc(nil))
	first := e.nextSeq("i-1")
	second := e.nextSeq("i-1")
	require.Less(t, first, second)

	assert.True(t, e.observe("i-1", second))
	assert.False(t, e.observe("i-1", first), "older response arriving late is stale")
	assert.False(t, e.observe("i-1", second), "duplicate is stale")
	assert.True(t, e.observe("i-2", 1), "sequences are per instance")
}

func TestWatch_DeliversUntilTerminal(t *testing.T) {
	r, _ := settlesAfter(2)
	e := newTestEngine(t, r)

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	updates := drain(t, sub)

	require.Len(t, updates, 3)
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i].Seq, updates[i-1].Seq)
	}
	last := updates[len(updates)-1]
	assert.True(t, last.Final)
	assert.NoError(t, last.Err)
	assert.True(t, last.Instance.CodeReady)
	assert.Eventually(t, func() bool { return !e.Active("i-1") }, time.Second, time.Millisecond)
}

func TestWatch_ReadsCarryTenant(t *testing.T) {
	var seen atomic.Value
	e := newTestEngine(t, readerFunc(func(ctx context.Context, _ string) (*models.WorkflowInstance, error) {
		id, _ := tenant.FromContext(ctx)
		seen.Store(id)
		return state(false), nil
	}))
	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	drain(t, sub)
	assert.Equal(t, "org_a", seen.Load())
}

func TestWatch_SubscribersShareOneLoop(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	e := newTestEngine(t, readerFunc(func(context.Context, string) (*models.WorkflowInstance, error) {
		calls.Add(1)
		select {
		case <-release:
			return state(false), nil
		default:
			return state(true), nil
		}
	}))

	a, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	b, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)

	finals := make(chan bool, 2)
	for _, sub := range []*Subscription{a, b} {
		go func(sub *Subscription) {
			final := false
			for u := range sub.Updates() {
				final = u.Final
			}
			finals <- final
		}(sub)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)

	for range 2 {
		select {
		case final := <-finals:
			assert.True(t, final)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not finish")
		}
	}
}

func TestWatch_CancelStopsLoop(t *testing.T) {
	r, calls := settlesAfter(1 << 30)
	e := newTestEngine(t, r)

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	<-sub.Updates()
	sub.Cancel()
	sub.Cancel()

	assert.Eventually(t, func() bool { return !e.Active("i-1") }, time.Second, time.Millisecond)
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), after+1, "no reads after cancel")
	_, open := <-sub.Updates()
	assert.False(t, open)
}

func TestWatch_ContextCancelEndsSubscription(t *testing.T) {
	r, _ := settlesAfter(1 << 30)
	e := newTestEngine(t, r)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := e.Watch(ctx, "org_a", "i-1")
	require.NoError(t, err)
	cancel()
	drain(t, sub)
	assert.Eventually(t, func() bool { return !e.Active("i-1") }, time.Second, time.Millisecond)
}

func TestWatch_AlreadyCancelledContext(t *testing.T) {
	r, _ := settlesAfter(1 << 30)
	e := newTestEngine(t, r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the context callback races Watch; run under -race
	for i := 0; i < 200; i++ {
		sub, err := e.Watch(ctx, "org_a", "i-1")
		require.NoError(t, err)
		drain(t, sub)
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription was not cancelled")
		}
		sub.Cancel()
	}
	assert.Eventually(t, func() bool { return !e.Active("i-1") }, time.Second, time.Millisecond)
}

func TestWatch_GivesUpAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, readerFunc(func(context.Context, string) (*models.WorkflowInstance, error) {
		calls.Add(1)
		return nil, &workflow.TransportError{Op: "get state", Err: errors.New("connection refused")}
	}))

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	updates := drain(t, sub)

	require.Len(t, updates, 1)
	last := updates[0]
	assert.True(t, last.Final)
	assert.ErrorIs(t, last.Err, ErrPollingExhausted)
	assert.False(t, last.Instance.Processing)
	assert.True(t, last.Instance.Retryable)
	assert.NotEmpty(t, last.Instance.Error)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWatch_TransientFailureRecovers(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, readerFunc(func(context.Context, string) (*models.WorkflowInstance, error) {
		if calls.Add(1) == 1 {
			return nil, &workflow.BackendError{Status: 503, Message: "busy"}
		}
		return state(false), nil
	}))

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	updates := drain(t, sub)
	require.Len(t, updates, 1)
	assert.NoError(t, updates[0].Err)
	assert.True(t, updates[0].Final)
}

func TestWatch_FatalErrorEndsImmediately(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, readerFunc(func(context.Context, string) (*models.WorkflowInstance, error) {
		calls.Add(1)
		return nil, &workflow.BackendError{Status: 404, Code: "not_found"}
	}))

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	updates := drain(t, sub)
	require.Len(t, updates, 1)
	var be *workflow.BackendError
	assert.ErrorAs(t, updates[0].Err, &be)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWatch_ForeignResponseIsFatal(t *testing.T) {
	e := newTestEngine(t, readerFunc(func(context.Context, string) (*models.WorkflowInstance, error) {
		inst := state(true)
		inst.TenantID = "org_b"
		return inst, nil
	}))

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	updates := drain(t, sub)
	require.Len(t, updates, 1)
	assert.ErrorIs(t, updates[0].Err, workflow.ErrTenantMismatch)
	assert.Equal(t, "org_a", updates[0].Instance.TenantID)
}

func TestWatch_DropsUpdatesOutsideScope(t *testing.T) {
	scope := tenant.NewScope()
	tenant.NewGuard(scope).Switch(context.Background(), "org_b")
	r, _ := settlesAfter(1)
	e := newTestEngine(t, r, WithScope(scope))

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	assert.Empty(t, drain(t, sub))
}

func TestWatch_Validation(t *testing.T) {
	r, _ := settlesAfter(1 << 30)
	e := newTestEngine(t, r)

	_, err := e.Watch(context.Background(), "", "i-1")
	assert.ErrorIs(t, err, workflow.ErrValidation)

	sub, err := e.Watch(context.Background(), "org_a", "i-1")
	require.NoError(t, err)
	defer sub.Cancel()
	_, err = e.Watch(context.Background(), "org_b", "i-1")
	assert.ErrorIs(t, err, workflow.ErrTenantMismatch)

	e.Close()
	_, err = e.Watch(context.Background(), "org_a", "i-2")
	assert.Error(t, err)
}
