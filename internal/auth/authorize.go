package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pslog"

	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/pkg/models"
)

// OAuth 2.0 error codes returned to the client's redirect_uri.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
)

// MethodS256 is the only accepted code_challenge_method.
const MethodS256 = "S256"

var (
	// ErrInvalidRedirectURI means there is nowhere safe to send the client,
	// so the error must be shown inline.
	ErrInvalidRedirectURI = errors.New("redirect_uri is missing or malformed")
	// ErrIdentityMismatch is returned when the approving user is not the
	// authenticated user.
	ErrIdentityMismatch = errors.New("authenticated identity does not match the approving user")
)

// AuthorizeError is a protocol error delivered to the client by redirect.
type AuthorizeError struct {
	Code        string
	Description string
}

func (e *AuthorizeError) Error() string {
	return e.Code + ": " + e.Description
}

// ValidateAuthorizationRequest checks req in protocol order and returns the
// parsed redirect URI. The URI is nil only when the error is
// ErrInvalidRedirectURI; every other failure is an *AuthorizeError to be
// delivered to that URI.
func ValidateAuthorizationRequest(req models.AuthorizationRequest) (*url.URL, error) {
	redirect, err := parseRedirectURI(req.RedirectURI)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return redirect, &AuthorizeError{Code: ErrorInvalidRequest, Description: "client_id is required"}
	}
	if req.ResponseType != "code" {
		return redirect, &AuthorizeError{Code: ErrorUnsupportedResponseType, Description: "only response_type=code is supported"}
	}
	if req.CodeChallenge == "" {
		return redirect, &AuthorizeError{Code: ErrorInvalidRequest, Description: "code_challenge is required"}
	}
	if !validChallenge(req.CodeChallenge) {
		return redirect, &AuthorizeError{Code: ErrorInvalidRequest, Description: "code_challenge is malformed"}
	}
	if req.CodeChallengeMethod != MethodS256 {
		return redirect, &AuthorizeError{Code: ErrorInvalidRequest, Description: "code_challenge_method must be S256"}
	}
	return redirect, nil
}

func parseRedirectURI(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrInvalidRedirectURI
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}
	if !u.IsAbs() || u.Fragment != "" || u.Opaque != "" {
		return nil, ErrInvalidRedirectURI
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return nil, ErrInvalidRedirectURI
	}
	return u, nil
}

// validChallenge accepts 43 to 128 characters from the unreserved set.
func validChallenge(challenge string) bool {
	if len(challenge) < 43 || len(challenge) > 128 {
		return false
	}
	for _, r := range challenge {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-', r == '.', r == '_', r == '~':
		default:
			return false
		}
	}
	return true
}

// ErrorRedirectURL appends the error and state to redirect, keeping any
// query parameters the client registered.
func ErrorRedirectURL(redirect *url.URL, e *AuthorizeError, state string) string {
	params := map[string]string{"error": e.Code, "error_description": e.Description}
	if state != "" {
		params["state"] = state
	}
	return withQuery(redirect, params)
}

// SuccessRedirectURL appends the issued code and state to redirect.
func SuccessRedirectURL(redirect *url.URL, code, state string) string {
	params := map[string]string{"code": code}
	if state != "" {
		params["state"] = state
	}
	return withQuery(redirect, params)
}

func withQuery(redirect *url.URL, params map[string]string) string {
	u := *redirect
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// CodeIssuer mints authorization codes. The generation backend implements it.
type CodeIssuer interface {
	IssueAuthorizationCode(ctx context.Context, grant models.AuthorizationGrant) (string, error)
}

// Issuer turns approved authorization requests into codes.
type Issuer struct {
	backend CodeIssuer
}

// NewIssuer creates an issuer backed by backend.
func NewIssuer(backend CodeIssuer) *Issuer {
	return &Issuer{backend: backend}
}

// Issue asks the backend for a code bound to the request, serverID and
// userID. userID must be the authenticated user on ctx; otherwise nothing is
// sent to the backend.
func (i *Issuer) Issue(ctx context.Context, serverID, userID string, req models.AuthorizationRequest) (string, error) {
	authenticated, ok := tenant.UserFromContext(ctx)
	if !ok || userID == "" || authenticated != userID {
		pslog.Ctx(ctx).Warn("authorization code refused: identity mismatch",
			"server", serverID, "client", req.ClientID, "user", userID)
		return "", ErrIdentityMismatch
	}
	if strings.TrimSpace(serverID) == "" {
		return "", &AuthorizeError{Code: ErrorInvalidRequest, Description: "server id is required"}
	}
	if _, err := ValidateAuthorizationRequest(req); err != nil {
		return "", err
	}

	code, err := i.backend.IssueAuthorizationCode(ctx, models.AuthorizationGrant{
		ClientID:      req.ClientID,
		UserID:        userID,
		RedirectURI:   req.RedirectURI,
		Scope:         req.Scope,
		CodeChallenge: req.CodeChallenge,
		ServerID:      serverID,
	})
	if err != nil {
		return "", fmt.Errorf("issue authorization code: %w", err)
	}
	pslog.Ctx(ctx).Info("authorization code issued", "server", serverID, "client", req.ClientID, "user", userID)
	return code, nil
}
