package services

import (
	"context"

	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

// Backend is the full generation backend contract: the wizard transitions
// plus authorization code issuance for deployed services.
type Backend interface {
	workflow.Backend
	IssueAuthorizationCode(ctx context.Context, grant models.AuthorizationGrant) (string, error)
}
