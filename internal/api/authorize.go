package api

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/auth"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/pkg/models"
)

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorize {{.Request.ClientID}}</title></head>
<body>
<h1>Authorize access</h1>
<p><strong>{{.Request.ClientID}}</strong> wants to access server <code>{{.ServerID}}</code> on your behalf.</p>
{{if .Request.Scope}}<p>Requested scope: <code>{{.Request.Scope}}</code></p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="client_id" value="{{.Request.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Request.RedirectURI}}">
<input type="hidden" name="response_type" value="{{.Request.ResponseType}}">
<input type="hidden" name="scope" value="{{.Request.Scope}}">
<input type="hidden" name="state" value="{{.Request.State}}">
<input type="hidden" name="code_challenge" value="{{.Request.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.Request.CodeChallengeMethod}}">
<input type="hidden" name="user_id" value="{{.UserID}}">
<button type="submit" name="decision" value="approve">Approve</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorization error</title></head>
<body>
<h1>Authorization error</h1>
<p>{{.}}</p>
</body>
</html>
`))

type consentPage struct {
	Request  models.AuthorizationRequest
	ServerID string
	UserID   string
	Action   string
}

// AuthorizeServer serves the authorization endpoint of deployed services.
type AuthorizeServer struct {
	issuer *auth.Issuer
}

// NewAuthorizeServer creates a new AuthorizeServer.
func NewAuthorizeServer(issuer *auth.Issuer) *AuthorizeServer {
	return &AuthorizeServer{issuer: issuer}
}

// RegisterAuthorizeHandlers mounts the authorization endpoint on g.
func RegisterAuthorizeHandlers(g *echo.Group, s *AuthorizeServer) {
	g.GET("/servers/:serverId/oauth/authorize", s.Consent)
	g.POST("/servers/:serverId/oauth/authorize", s.Decide)
}

// Consent validates the request and shows the approval page
// (GET /servers/:serverId/oauth/authorize)
func (s *AuthorizeServer) Consent(c echo.Context) error {
	var req models.AuthorizationRequest
	if err := c.Bind(&req); err != nil {
		return renderAuthorizeError(c, http.StatusBadRequest, "The authorization request could not be read.")
	}
	redirect, err := auth.ValidateAuthorizationRequest(req)
	if err != nil {
		return s.reject(c, redirect, req.State, err)
	}
	userID, ok := tenant.UserFromContext(c.Request().Context())
	if !ok {
		return renderAuthorizeError(c, http.StatusUnauthorized, "You must be signed in to authorize a client.")
	}
	page := consentPage{
		Request:  req,
		ServerID: c.Param("serverId"),
		UserID:   userID,
		Action:   c.Request().URL.Path,
	}
	var b strings.Builder
	if err := consentTemplate.Execute(&b, page); err != nil {
		return err
	}
	return c.HTML(http.StatusOK, b.String())
}

// Decide handles the user's approve or deny decision
// (POST /servers/:serverId/oauth/authorize)
func (s *AuthorizeServer) Decide(c echo.Context) error {
	var req models.AuthorizationRequest
	if err := c.Bind(&req); err != nil {
		return renderAuthorizeError(c, http.StatusBadRequest, "The authorization request could not be read.")
	}
	redirect, err := auth.ValidateAuthorizationRequest(req)
	if err != nil {
		return s.reject(c, redirect, req.State, err)
	}
	if c.FormValue("decision") != "approve" {
		return c.Redirect(http.StatusFound, auth.ErrorRedirectURL(redirect, &auth.AuthorizeError{
			Code:        auth.ErrorAccessDenied,
			Description: "the user denied the request",
		}, req.State))
	}

	code, err := s.issuer.Issue(c.Request().Context(), c.Param("serverId"), c.FormValue("user_id"), req)
	if err != nil {
		return s.reject(c, redirect, req.State, err)
	}
	return c.Redirect(http.StatusFound, auth.SuccessRedirectURL(redirect, code, req.State))
}

// reject reports err inline when there is no usable redirect URI or the
// caller's identity is wrong, and to the client otherwise.
func (s *AuthorizeServer) reject(c echo.Context, redirect *url.URL, state string, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidRedirectURI) || redirect == nil:
		return renderAuthorizeError(c, http.StatusBadRequest, "The redirect_uri parameter is missing or invalid.")
	case errors.Is(err, auth.ErrIdentityMismatch):
		return renderAuthorizeError(c, http.StatusForbidden, "The approving user does not match the signed-in user.")
	}
	var ae *auth.AuthorizeError
	if !errors.As(err, &ae) {
		pslog.Ctx(c.Request().Context()).Error("authorization failed", "server", c.Param("serverId"), "err", err)
		ae = &auth.AuthorizeError{Code: auth.ErrorServerError, Description: "the authorization server could not issue a code"}
	}
	return c.Redirect(http.StatusFound, auth.ErrorRedirectURL(redirect, ae, state))
}

func renderAuthorizeError(c echo.Context, status int, message string) error {
	var b strings.Builder
	if err := errorTemplate.Execute(&b, message); err != nil {
		return err
	}
	return c.HTML(status, b.String())
}
