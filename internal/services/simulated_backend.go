package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

// SimulatedBackend is an in-process stand-in for the generation backend,
// used in development mode and tests. It follows the same step sequence and
// answers with full state documents.
type SimulatedBackend struct {
	delay time.Duration
	now   func() time.Time
	calls atomic.Int64

	mu        sync.Mutex
	instances map[string]*simInstance
	failNext  *simFailure
	codes     map[string]models.AuthorizationGrant
}

type simInstance struct {
	state   models.WorkflowInstance
	readyAt time.Time
	failure *simFailure
}

type simFailure struct {
	message   string
	retryable bool
}

// tools that cannot run without environment values
var simulatedNeedsEnv = map[string]bool{"fetch": true}

var simulatedCatalog = []models.Tool{
	{Name: "search", Description: "Full text search over the connected data source"},
	{Name: "fetch", Description: "Fetch a single record by id"},
	{Name: "summarize", Description: "Summarize a set of records"},
}

// NewSimulatedBackend creates a simulator whose code generation takes delay.
func NewSimulatedBackend(delay time.Duration) *SimulatedBackend {
	return &SimulatedBackend{
		delay:     delay,
		now:       time.Now,
		instances: make(map[string]*simInstance),
		codes:     make(map[string]models.AuthorizationGrant),
	}
}

// Calls returns how many backend operations were invoked.
func (b *SimulatedBackend) Calls() int {
	return int(b.calls.Load())
}

// FailNextGeneration makes the next generateCode or retry end in an error.
func (b *SimulatedBackend) FailNextGeneration(message string, retryable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = &simFailure{message: message, retryable: retryable}
}

// Grant returns what an issued code was bound to.
func (b *SimulatedBackend) Grant(code string) (models.AuthorizationGrant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.codes[code]
	return g, ok
}

// Start creates an instance at the describe step with suggestions.
func (b *SimulatedBackend) Start(_ context.Context, tenantID, description string) (*models.WorkflowInstance, error) {
	b.calls.Add(1)
	if tenantID == "" || description == "" {
		return nil, simError(http.StatusBadRequest, "invalid_request", "tenant and description are required", false)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inst := &simInstance{state: models.WorkflowInstance{
		InstanceID:     uuid.New().String(),
		TenantID:       tenantID,
		Step:           models.StepDescribe,
		SuggestedTools: append([]models.Tool(nil), simulatedCatalog...),
		UpdatedAt:      b.now().UTC(),
	}}
	b.instances[inst.state.InstanceID] = inst
	return b.snapshot(inst), nil
}

// Refine reorders the suggestions; the step does not change.
func (b *SimulatedBackend) Refine(ctx context.Context, instanceID, feedback string) (*models.WorkflowInstance, error) {
	return b.mutate(ctx, instanceID, models.StepDescribe, func(inst *simInstance) error {
		tools := append([]models.Tool(nil), inst.state.SuggestedTools...)
		sort.SliceStable(tools, func(i, j int) bool { return tools[i].Name > tools[j].Name })
		inst.state.SuggestedTools = tools
		return nil
	})
}

// SelectTools moves to configureEnv when a selected tool needs environment
// values, otherwise straight to configureAuth.
func (b *SimulatedBackend) SelectTools(ctx context.Context, instanceID string, toolNames []string) (*models.WorkflowInstance, error) {
	return b.mutate(ctx, instanceID, models.StepDescribe, func(inst *simInstance) error {
		known := make(map[string]models.Tool, len(inst.state.SuggestedTools))
		for _, t := range inst.state.SuggestedTools {
			known[t.Name] = t
		}
		selected := make([]models.Tool, 0, len(toolNames))
		next := models.StepConfigureAuth
		for _, name := range toolNames {
			t, ok := known[name]
			if !ok {
				return simError(http.StatusBadRequest, "unknown_tool", fmt.Sprintf("tool %q was not suggested", name), false)
			}
			if simulatedNeedsEnv[name] {
				next = models.StepConfigureEnv
			}
			selected = append(selected, t)
		}
		inst.state.SuggestedTools = selected
		inst.state.Step = next
		return nil
	})
}

// ConfigureEnv moves to configureAuth.
func (b *SimulatedBackend) ConfigureEnv(ctx context.Context, instanceID string, _ map[string]string) (*models.WorkflowInstance, error) {
	return b.mutate(ctx, instanceID, models.StepConfigureEnv, func(inst *simInstance) error {
		inst.state.Step = models.StepConfigureAuth
		return nil
	})
}

// ConfigureAuth moves to deploy.
func (b *SimulatedBackend) ConfigureAuth(ctx context.Context, instanceID, authType string, _ map[string]any) (*models.WorkflowInstance, error) {
	return b.mutate(ctx, instanceID, models.StepConfigureAuth, func(inst *simInstance) error {
		switch authType {
		case "none", "api_key", "oauth2":
		default:
			return simError(http.StatusBadRequest, "invalid_auth_type", fmt.Sprintf("unsupported auth type %q", authType), false)
		}
		inst.state.Step = models.StepDeploy
		return nil
	})
}

// GenerateCode starts a generation that finishes after the configured delay.
func (b *SimulatedBackend) GenerateCode(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return b.mutate(ctx, instanceID, models.StepDeploy, func(inst *simInstance) error {
		if inst.state.Processing {
			return simError(http.StatusConflict, "already_processing", "generation is already running", false)
		}
		if inst.state.CodeReady {
			return simError(http.StatusConflict, "already_generated", "code was already generated", false)
		}
		b.beginGeneration(inst)
		return nil
	})
}

// Retry restarts a failed generation.
func (b *SimulatedBackend) Retry(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return b.mutate(ctx, instanceID, models.StepDeploy, func(inst *simInstance) error {
		if inst.state.Error == "" || !inst.state.Retryable {
			return simError(http.StatusConflict, "not_retryable", "nothing to retry", false)
		}
		b.beginGeneration(inst)
		return nil
	})
}

// Activate deploys generated code and completes the wizard.
func (b *SimulatedBackend) Activate(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return b.mutate(ctx, instanceID, models.StepDeploy, func(inst *simInstance) error {
		if !inst.state.CodeReady || inst.state.Processing {
			return simError(http.StatusConflict, "not_ready", "code is not ready", false)
		}
		inst.state.Step = models.StepComplete
		inst.state.ServiceURL = "https://" + inst.state.InstanceID + ".services.local/mcp"
		return nil
	})
}

// GetState returns the current state, settling a finished generation.
func (b *SimulatedBackend) GetState(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	b.calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	b.settle(inst)
	return b.snapshot(inst), nil
}

// IssueAuthorizationCode mints a code bound to grant.
func (b *SimulatedBackend) IssueAuthorizationCode(_ context.Context, grant models.AuthorizationGrant) (string, error) {
	b.calls.Add(1)
	if grant.ServerID == "" || grant.UserID == "" || grant.CodeChallenge == "" {
		return "", simError(http.StatusBadRequest, "invalid_grant", "incomplete grant", false)
	}
	code := uuid.New().String()
	b.mu.Lock()
	b.codes[code] = grant
	b.mu.Unlock()
	return code, nil
}

func (b *SimulatedBackend) mutate(ctx context.Context, instanceID string, step models.Step, fn func(*simInstance) error) (*models.WorkflowInstance, error) {
	b.calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	b.settle(inst)
	if inst.state.Step != step {
		return nil, simError(http.StatusConflict, "wrong_step", fmt.Sprintf("instance is at %s", inst.state.Step), false)
	}
	if err := fn(inst); err != nil {
		return nil, err
	}
	inst.state.UpdatedAt = b.now().UTC()
	return b.snapshot(inst), nil
}

// lookup hides instances of other tenants behind a 404.
func (b *SimulatedBackend) lookup(ctx context.Context, instanceID string) (*simInstance, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, simError(http.StatusUnauthorized, "missing_tenant", "tenant header is required", false)
	}
	inst := b.instances[instanceID]
	if inst == nil || inst.state.TenantID != tenantID {
		return nil, simError(http.StatusNotFound, "not_found", "unknown instance", false)
	}
	return inst, nil
}

func (b *SimulatedBackend) beginGeneration(inst *simInstance) {
	inst.state.Processing = true
	inst.state.Error = ""
	inst.state.Retryable = false
	inst.readyAt = b.now().Add(b.delay)
	inst.failure = b.failNext
	b.failNext = nil
}

func (b *SimulatedBackend) settle(inst *simInstance) {
	if !inst.state.Processing || b.now().Before(inst.readyAt) {
		return
	}
	inst.state.Processing = false
	inst.state.UpdatedAt = b.now().UTC()
	if f := inst.failure; f != nil {
		inst.state.Error = f.message
		inst.state.Retryable = f.retryable
		inst.failure = nil
		return
	}
	inst.state.CodeReady = true
}

func (b *SimulatedBackend) snapshot(inst *simInstance) *models.WorkflowInstance {
	cp := inst.state
	cp.SuggestedTools = append([]models.Tool(nil), inst.state.SuggestedTools...)
	return &cp
}

func simError(status int, code, message string, retryable bool) error {
	return &workflow.BackendError{Status: status, Code: code, Message: message, Retryable: retryable}
}
