// Package mcp exposes the service-creation wizard as MCP tools so agents can
// drive it the same way the REST API does.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/services"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

const basePath = "/mcp"

var errUnauthenticated = errors.New("no authenticated tenant on the request")

type Server struct {
	mcpServer *server.MCPServer
	wizard    *services.WizardService
	logger    pslog.Logger
}

func NewServer(wizard *services.WizardService, version string, logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"MCP Forge",
			version,
			server.WithToolCapabilities(true),
		),
		wizard: wizard,
		logger: logger,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func instanceArg() mcp.ToolOption {
	return mcp.WithString("instance_id", mcp.Required(), mcp.Description("The wizard instance ID"))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_service",
			mcp.WithDescription("Start creating a new MCP service from a plain-language description"),
			mcp.WithString("description", mcp.Required(), mcp.Description("What the service should do")),
		),
		s.handleStart,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"service_status",
			mcp.WithDescription("Get the current step and state of a wizard instance"),
			instanceArg(),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_in_progress",
			mcp.WithDescription("List unfinished wizard instances for your organization"),
		),
		s.handleListInProgress,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"refine_tools",
			mcp.WithDescription("Ask for new tool suggestions based on feedback"),
			instanceArg(),
			mcp.WithString("feedback", mcp.Required(), mcp.Description("What to change about the suggestions")),
		),
		s.transition(func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, req mcp.CallToolRequest) (models.WorkflowInstance, error) {
			feedback, err := req.RequireString("feedback")
			if err != nil {
				return inst, fmt.Errorf("%w: %v", workflow.ErrValidation, err)
			}
			return o.Refine(ctx, inst, feedback)
		}),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"select_tools",
			mcp.WithDescription("Choose which suggested tools the service exposes"),
			instanceArg(),
			mcp.WithArray("tool_names", mcp.Required(), mcp.WithStringItems(), mcp.Description("Names of the selected tools")),
		),
		s.transition(func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, req mcp.CallToolRequest) (models.WorkflowInstance, error) {
			return o.SelectTools(ctx, inst, req.GetStringSlice("tool_names", nil))
		}),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"configure_env",
			mcp.WithDescription("Provide environment values the selected tools need"),
			instanceArg(),
			mcp.WithObject("env", mcp.Description("Environment variable names and values")),
		),
		s.transition(func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, req mcp.CallToolRequest) (models.WorkflowInstance, error) {
			env := map[string]string{}
			if raw, ok := req.GetArguments()["env"].(map[string]any); ok {
				for k, v := range raw {
					env[k] = fmt.Sprint(v)
				}
			}
			return o.ConfigureEnv(ctx, inst, env)
		}),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"configure_auth",
			mcp.WithDescription("Choose how clients authenticate against the generated service"),
			instanceArg(),
			mcp.WithString("auth_type", mcp.Required(), mcp.Enum("none", "api_key", "oauth2"), mcp.Description("Authentication scheme")),
			mcp.WithObject("auth_config", mcp.Description("Scheme-specific settings")),
		),
		s.transition(func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, req mcp.CallToolRequest) (models.WorkflowInstance, error) {
			authType, err := req.RequireString("auth_type")
			if err != nil {
				return inst, fmt.Errorf("%w: %v", workflow.ErrValidation, err)
			}
			cfg, _ := req.GetArguments()["auth_config"].(map[string]any)
			return o.ConfigureAuth(ctx, inst, authType, cfg)
		}),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"generate_service",
			mcp.WithDescription("Generate the service code. Poll service_status until processing is false"),
			instanceArg(),
		),
		s.transition(func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, _ mcp.CallToolRequest) (models.WorkflowInstance, error) {
			return o.GenerateCode(ctx, inst)
		}),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"retry_generation",
			mcp.WithDescription("Retry a generation that failed with a retryable error"),
			instanceArg(),
		),
		s.transition(func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, _ mcp.CallToolRequest) (models.WorkflowInstance, error) {
			return o.Retry(ctx, inst)
		}),
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"activate_service",
			mcp.WithDescription("Deploy the generated code and return the service URL"),
			instanceArg(),
		),
		s.transition(func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, _ mcp.CallToolRequest) (models.WorkflowInstance, error) {
			return o.Activate(ctx, inst)
		}),
	)
}

// workspace resolves the caller's workspace from the authenticated request.
func (s *Server) workspace(ctx context.Context) (*services.Workspace, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errUnauthenticated
	}
	userID, ok := tenant.UserFromContext(ctx)
	if !ok {
		return nil, errUnauthenticated
	}
	return s.wizard.Workspace(ctx, userID, tenantID)
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: description"), nil
	}
	ws, err := s.workspace(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("Failed to start", err), nil
	}
	inst, err := ws.Orchestrator().Start(ctx, description)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("Failed to start", err), nil
	}
	return instanceResult(inst), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: instance_id"), nil
	}
	ws, err := s.workspace(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("Failed to get status", err), nil
	}
	inst, err := ws.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("Failed to get status", err), nil
	}
	return instanceResult(inst), nil
}

func (s *Server) handleListInProgress(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws, err := s.workspace(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("Failed to list", err), nil
	}
	list, err := ws.InProgress(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("Failed to list", err), nil
	}
	jsonBytes, _ := json.Marshal(list)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

type transitionFunc func(ctx context.Context, o *workflow.Orchestrator, inst models.WorkflowInstance, req mcp.CallToolRequest) (models.WorkflowInstance, error)

// transition builds a tool handler that loads instance_id and applies fn.
func (s *Server) transition(fn transitionFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("instance_id")
		if err != nil {
			return mcp.NewToolResultError("Missing required parameter: instance_id"), nil
		}
		ws, err := s.workspace(ctx)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("Failed", err), nil
		}
		inst, err := ws.Get(ctx, id)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("Failed to load instance", err), nil
		}
		next, err := fn(ctx, ws.Orchestrator(), inst, request)
		if err != nil {
			return mcp.NewToolResultErrorFromErr(fmt.Sprintf("%s failed", request.Params.Name), err), nil
		}
		return instanceResult(next), nil
	}
}

type instanceView struct {
	models.WorkflowInstance
	Available []workflow.Transition `json:"available"`
}

func instanceResult(inst models.WorkflowInstance) *mcp.CallToolResult {
	jsonBytes, _ := json.Marshal(instanceView{WorkflowInstance: inst, Available: workflow.Available(inst)})
	return mcp.NewToolResultText(string(jsonBytes))
}

// Mount serves the SSE transport under /mcp on e. The middleware must put
// tenant and user on the request context.
func (s *Server) Mount(e *echo.Echo, mw ...echo.MiddlewareFunc) *server.SSEServer {
	sseServer := server.NewSSEServer(s.mcpServer,
		server.WithStaticBasePath(basePath),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return pslog.ContextWithLogger(ctx, s.logger)
		}),
	)
	g := e.Group(basePath, mw...)
	g.GET("/sse", echo.WrapHandler(sseServer.SSEHandler()))
	g.POST("/message", echo.WrapHandler(sseServer.MessageHandler()))
	return sseServer
}
