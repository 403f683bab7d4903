package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"golang.org/x/oauth2/clientcredentials"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

// TenantHeader carries the caller's tenant on every backend request.
const TenantHeader = "X-Tenant-ID"

// BackendConfig points the client at the generation backend.
type BackendConfig struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// HTTPBackendClient talks to the generation backend over HTTP JSON.
type HTTPBackendClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackendClient creates a backend client. When cfg.TokenURL is set
// requests carry an OAuth2 client-credentials token.
func NewHTTPBackendClient(ctx context.Context, cfg BackendConfig) (*HTTPBackendClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("backend url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = timeout
	}
	return &HTTPBackendClient{baseURL: base, client: client}, nil
}

// NewHTTPBackendClientWithHTTP wraps an existing http.Client.
func NewHTTPBackendClientWithHTTP(baseURL string, client *http.Client) *HTTPBackendClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackendClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type backendErrorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// Start creates a new workflow instance for tenantID.
func (c *HTTPBackendClient) Start(ctx context.Context, tenantID, description string) (*models.WorkflowInstance, error) {
	ctx = tenant.WithTenant(ctx, tenantID)
	body := map[string]string{"tenant_id": tenantID, "description": description}
	return c.instance(ctx, "start", http.MethodPost, "/v1/workflows", body)
}

// Refine sends feedback on the suggested tools.
func (c *HTTPBackendClient) Refine(ctx context.Context, instanceID, feedback string) (*models.WorkflowInstance, error) {
	return c.action(ctx, "refine", instanceID, "refine", map[string]string{"feedback": feedback})
}

// SelectTools confirms the tools to generate.
func (c *HTTPBackendClient) SelectTools(ctx context.Context, instanceID string, toolNames []string) (*models.WorkflowInstance, error) {
	return c.action(ctx, "select tools", instanceID, "tools", map[string][]string{"tool_names": toolNames})
}

// ConfigureEnv sets environment values for the generated service.
func (c *HTTPBackendClient) ConfigureEnv(ctx context.Context, instanceID string, env map[string]string) (*models.WorkflowInstance, error) {
	if env == nil {
		env = map[string]string{}
	}
	return c.action(ctx, "configure env", instanceID, "env", map[string]map[string]string{"env": env})
}

// ConfigureAuth sets how clients authenticate against the generated service.
func (c *HTTPBackendClient) ConfigureAuth(ctx context.Context, instanceID, authType string, authConfig map[string]any) (*models.WorkflowInstance, error) {
	body := map[string]any{"auth_type": authType}
	if authConfig != nil {
		body["auth_config"] = authConfig
	}
	return c.action(ctx, "configure auth", instanceID, "auth", body)
}

// GenerateCode starts code synthesis.
func (c *HTTPBackendClient) GenerateCode(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return c.action(ctx, "generate code", instanceID, "generate", nil)
}

// Activate deploys the generated service.
func (c *HTTPBackendClient) Activate(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return c.action(ctx, "activate", instanceID, "activate", nil)
}

// Retry re-runs the failed sub-task.
func (c *HTTPBackendClient) Retry(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return c.action(ctx, "retry", instanceID, "retry", nil)
}

// GetState reads the authoritative state of an instance.
func (c *HTTPBackendClient) GetState(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	path, err := instancePath(instanceID)
	if err != nil {
		return nil, err
	}
	return c.instance(ctx, "get state", http.MethodGet, path, nil)
}

// IssueAuthorizationCode asks the backend to mint a code bound to grant.
func (c *HTTPBackendClient) IssueAuthorizationCode(ctx context.Context, grant models.AuthorizationGrant) (string, error) {
	serverID, err := runtime.StyleParamWithLocation("simple", false, "serverId", runtime.ParamLocationPath, grant.ServerID)
	if err != nil {
		return "", fmt.Errorf("%w: server id: %v", workflow.ErrValidation, err)
	}
	var out struct {
		Code string `json:"code"`
	}
	if err := c.do(ctx, "issue authorization code", http.MethodPost, "/v1/servers/"+serverID+"/authorization-codes", grant, &out); err != nil {
		return "", err
	}
	if out.Code == "" {
		return "", errors.New("issue authorization code: backend returned an empty code")
	}
	return out.Code, nil
}

func instancePath(instanceID string) (string, error) {
	id, err := runtime.StyleParamWithLocation("simple", false, "id", runtime.ParamLocationPath, instanceID)
	if err != nil {
		return "", fmt.Errorf("%w: instance id: %v", workflow.ErrValidation, err)
	}
	return "/v1/workflows/" + id, nil
}

func (c *HTTPBackendClient) action(ctx context.Context, op, instanceID, verb string, body any) (*models.WorkflowInstance, error) {
	path, err := instancePath(instanceID)
	if err != nil {
		return nil, err
	}
	return c.instance(ctx, op, http.MethodPost, path+"/"+verb, body)
}

func (c *HTTPBackendClient) instance(ctx context.Context, op, method, path string, body any) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	if err := c.do(ctx, op, method, path, body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *HTTPBackendClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenantID, ok := tenant.FromContext(ctx); ok {
		req.Header.Set(TenantHeader, tenantID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &workflow.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &workflow.TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := &workflow.BackendError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb backendErrorBody
		if json.Unmarshal(data, &eb) == nil && (eb.Error.Code != "" || eb.Error.Message != "") {
			be.Code = eb.Error.Code
			be.Message = eb.Error.Message
			be.Retryable = eb.Error.Retryable
		}
		pslog.Ctx(ctx).Debug("backend call failed", "op", op, "status", resp.StatusCode, "code", be.Code)
		return be
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to decode response body: %w", op, err)
	}
	return nil
}
