package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"mcp-forge/backend/internal/logging"
	"mcp-forge/backend/internal/services"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

// WizardServer serves the wizard REST API.
type WizardServer struct {
	svc *services.WizardService
}

// NewWizardServer creates a new WizardServer.
func NewWizardServer(svc *services.WizardService) *WizardServer {
	return &WizardServer{svc: svc}
}

// InstanceResponse is an instance plus the transitions legal from it.
type InstanceResponse struct {
	models.WorkflowInstance
	Available []workflow.Transition `json:"available"`
}

type startRequest struct {
	Description string `json:"description"`
}

type refineRequest struct {
	Feedback string `json:"feedback"`
}

type toolsRequest struct {
	ToolNames []string `json:"tool_names"`
}

type envRequest struct {
	Env map[string]string `json:"env"`
}

type authRequest struct {
	AuthType   string         `json:"auth_type"`
	AuthConfig map[string]any `json:"auth_config,omitempty"`
}

// RegisterHandlers mounts the wizard routes on g.
func RegisterHandlers(g *echo.Group, s *WizardServer) {
	g.GET("/wizard", s.ListInProgress)
	g.POST("/wizard", s.Start)
	g.GET("/wizard/:id", s.Get)
	g.DELETE("/wizard/:id", s.Abandon)
	g.GET("/wizard/:id/watch", s.Watch)
	g.POST("/wizard/:id/refine", s.Refine)
	g.POST("/wizard/:id/tools", s.SelectTools)
	g.POST("/wizard/:id/env", s.ConfigureEnv)
	g.POST("/wizard/:id/auth", s.ConfigureAuth)
	g.POST("/wizard/:id/generate", s.GenerateCode)
	g.POST("/wizard/:id/activate", s.Activate)
	g.POST("/wizard/:id/retry", s.Retry)
}

// workspace resolves the caller's workspace with its tenant active.
func (s *WizardServer) workspace(c echo.Context) (*services.Workspace, context.Context, error) {
	ctx := c.Request().Context()
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, ctx, echo.NewHTTPError(http.StatusUnauthorized, "Tenant ID not found in context")
	}
	userID, ok := tenant.UserFromContext(ctx)
	if !ok {
		return nil, ctx, echo.NewHTTPError(http.StatusUnauthorized, "User not found in context")
	}
	ws, err := s.svc.Workspace(ctx, userID, tenantID)
	if err != nil {
		return nil, ctx, echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
	}
	if id := c.Param("id"); id != "" {
		ctx = logging.WithInstance(ctx, id)
	}
	return ws, ctx, nil
}

func respond(c echo.Context, status int, inst models.WorkflowInstance) error {
	return c.JSON(status, InstanceResponse{WorkflowInstance: inst, Available: workflow.Available(inst)})
}

// ListInProgress returns the tenant's unfinished runs
// (GET /api/v1/wizard)
func (s *WizardServer) ListInProgress(c echo.Context) error {
	ws, ctx, err := s.workspace(c)
	if err != nil {
		return err
	}
	list, err := ws.InProgress(ctx)
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// Start creates a new wizard run
// (POST /api/v1/wizard)
func (s *WizardServer) Start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	ws, ctx, err := s.workspace(c)
	if err != nil {
		return err
	}
	inst, err := ws.Orchestrator().Start(ctx, req.Description)
	if err != nil {
		return writeDomainError(c, err)
	}
	return respond(c, http.StatusCreated, inst)
}

// Get returns the current state of a run
// (GET /api/v1/wizard/:id)
func (s *WizardServer) Get(c echo.Context) error {
	ws, ctx, err := s.workspace(c)
	if err != nil {
		return err
	}
	inst, err := ws.Get(ctx, c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return respond(c, http.StatusOK, inst)
}

// Abandon forgets an in-progress run
// (DELETE /api/v1/wizard/:id)
func (s *WizardServer) Abandon(c echo.Context) error {
	ws, ctx, err := s.workspace(c)
	if err != nil {
		return err
	}
	if err := ws.Abandon(ctx, c.Param("id")); err != nil {
		return writeDomainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type transitionFunc func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error)

// transition loads the current state of :id and applies fn to it.
func (s *WizardServer) transition(c echo.Context, fn transitionFunc) error {
	ws, ctx, err := s.workspace(c)
	if err != nil {
		return err
	}
	inst, err := ws.Get(ctx, c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	next, err := fn(ctx, ws.Orchestrator(), inst)
	if err != nil {
		return writeDomainError(c, err)
	}
	return respond(c, http.StatusOK, next)
}

// Refine asks for new tool suggestions
// (POST /api/v1/wizard/:id/refine)
func (s *WizardServer) Refine(c echo.Context) error {
	var req refineRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	return s.transition(c, func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
		return orch.Refine(ctx, inst, req.Feedback)
	})
}

// SelectTools confirms the tools to generate
// (POST /api/v1/wizard/:id/tools)
func (s *WizardServer) SelectTools(c echo.Context) error {
	var req toolsRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	return s.transition(c, func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
		return orch.SelectTools(ctx, inst, req.ToolNames)
	})
}

// ConfigureEnv supplies environment values
// (POST /api/v1/wizard/:id/env)
func (s *WizardServer) ConfigureEnv(c echo.Context) error {
	var req envRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	return s.transition(c, func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
		return orch.ConfigureEnv(ctx, inst, req.Env)
	})
}

// ConfigureAuth sets the generated service's client authentication
// (POST /api/v1/wizard/:id/auth)
func (s *WizardServer) ConfigureAuth(c echo.Context) error {
	var req authRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	return s.transition(c, func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
		return orch.ConfigureAuth(ctx, inst, req.AuthType, req.AuthConfig)
	})
}

// GenerateCode starts code synthesis
// (POST /api/v1/wizard/:id/generate)
func (s *WizardServer) GenerateCode(c echo.Context) error {
	return s.transition(c, func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
		return orch.GenerateCode(ctx, inst)
	})
}

// Activate deploys the generated service
// (POST /api/v1/wizard/:id/activate)
func (s *WizardServer) Activate(c echo.Context) error {
	return s.transition(c, func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
		return orch.Activate(ctx, inst)
	})
}

// Retry re-runs a failed generation
// (POST /api/v1/wizard/:id/retry)
func (s *WizardServer) Retry(c echo.Context) error {
	return s.transition(c, func(ctx context.Context, orch *workflow.Orchestrator, inst models.WorkflowInstance) (models.WorkflowInstance, error) {
		return orch.Retry(ctx, inst)
	})
}
