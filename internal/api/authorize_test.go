package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"mcp-forge/backend/internal/auth"
	"mcp-forge/backend/internal/services"
)

func newAuthorizeAPI(t *testing.T, userID string) (*echo.Echo, *services.SimulatedBackend) {
	t.Helper()
	backend := services.NewSimulatedBackend(0)
	e := echo.New()
	g := e.Group("", withIdentity("org_1", userID))
	RegisterAuthorizeHandlers(g, NewAuthorizeServer(auth.NewIssuer(backend)))
	return e, backend
}

func authorizeParams(challenge string) url.Values {
	return url.Values{
		"client_id":             {"client-1"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"scope":                 {"tools:call"},
		"state":                 {"s-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

func get(e *echo.Echo, params url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/servers/srv-1/oauth/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func post(e *echo.Echo, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/servers/srv-1/oauth/authorize", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func redirectQuery(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "/callback", loc.Path)
	return loc.Query()
}

func TestAuthorize_ConsentPage(t *testing.T) {
	e, _ := newAuthorizeAPI(t, "user-1")
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

	rec := get(e, authorizeParams(challenge))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="user_id" value="user-1"`)
	assert.Contains(t, body, challenge)
	assert.Contains(t, body, "client-1")
}

func TestAuthorize_UnsupportedResponseTypeRedirects(t *testing.T) {
	e, backend := newAuthorizeAPI(t, "user-1")
	params := authorizeParams(oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()))
	params.Set("response_type", "token")

	q := redirectQuery(t, get(e, params))
	assert.Equal(t, auth.ErrorUnsupportedResponseType, q.Get("error"))
	assert.Equal(t, "s-123", q.Get("state"))
	assert.Empty(t, q.Get("code"))
	assert.Zero(t, backend.Calls())
}

func TestAuthorize_MissingRedirectShownInline(t *testing.T) {
	e, _ := newAuthorizeAPI(t, "user-1")
	params := authorizeParams(oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()))
	params.Del("redirect_uri")

	rec := get(e, params)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderLocation))
	assert.Contains(t, rec.Body.String(), "redirect_uri")
}

func TestAuthorize_Deny(t *testing.T) {
	e, backend := newAuthorizeAPI(t, "user-1")
	form := authorizeParams(oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()))
	form.Set("user_id", "user-1")
	form.Set("decision", "deny")

	q := redirectQuery(t, post(e, form))
	assert.Equal(t, auth.ErrorAccessDenied, q.Get("error"))
	assert.Equal(t, "s-123", q.Get("state"))
	assert.Zero(t, backend.Calls())
}

func TestAuthorize_ApproveIssuesCode(t *testing.T) {
	e, backend := newAuthorizeAPI(t, "user-1")
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	form := authorizeParams(challenge)
	form.Set("user_id", "user-1")
	form.Set("decision", "approve")

	q := redirectQuery(t, post(e, form))
	code := q.Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "s-123", q.Get("state"))
	assert.Empty(t, q.Get("error"))

	grant, ok := backend.Grant(code)
	require.True(t, ok)
	assert.Equal(t, "srv-1", grant.ServerID)
	assert.Equal(t, "user-1", grant.UserID)
	assert.Equal(t, challenge, grant.CodeChallenge)
	assert.Equal(t, "https://app.example.com/callback", grant.RedirectURI)
}

func TestAuthorize_IdentityMismatchForbidden(t *testing.T) {
	e, backend := newAuthorizeAPI(t, "user-1")
	form := authorizeParams(oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()))
	form.Set("user_id", "someone-else")
	form.Set("decision", "approve")

	rec := post(e, form)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderLocation))
	assert.Zero(t, backend.Calls())
}
