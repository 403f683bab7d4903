package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-forge/backend/internal/poller"
	"mcp-forge/backend/internal/repository"
	"mcp-forge/backend/internal/services"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/pkg/models"
)

// withIdentity stands in for the auth middleware.
func withIdentity(tenantID, userID string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if tenantID != "" {
				ctx = tenant.WithTenant(ctx, tenantID)
			}
			if userID != "" {
				ctx = tenant.WithUser(ctx, userID)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

type testAPI struct {
	e       *echo.Echo
	backend *services.SimulatedBackend
	svc     *services.WizardService
}

func newTestAPI(t *testing.T, tenantID, userID string) *testAPI {
	t.Helper()
	backend := services.NewSimulatedBackend(20 * time.Millisecond)
	store, err := repository.NewFileSessionStore(t.TempDir(), nil)
	require.NoError(t, err)
	svc := services.NewWizardService(backend, store, services.WizardConfig{
		Poll:     poller.Config{Interval: 5 * time.Millisecond, MaxFailures: 3},
		CacheTTL: time.Minute,
	}, nil, nil)
	t.Cleanup(svc.Close)

	e := echo.New()
	g := e.Group("/api/v1", withIdentity(tenantID, userID))
	RegisterHandlers(g, NewWizardServer(svc))
	return &testAPI{e: e, backend: backend, svc: svc}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decodeInstance(t *testing.T, rec *httptest.ResponseRecorder) InstanceResponse {
	t.Helper()
	var resp InstanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func (a *testAPI) driveToDeploy(t *testing.T) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/wizard", `{"description":"search our wiki"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inst := decodeInstance(t, rec)
	id := inst.InstanceID
	require.NotEmpty(t, id)
	assert.Equal(t, models.StepDescribe, inst.Step)

	steps := []struct {
		path string
		body string
		want models.Step
	}{
		{"/refine", `{"feedback":"and fetch pages"}`, models.StepDescribe},
		{"/tools", `{"tool_names":["search","fetch"]}`, models.StepConfigureEnv},
		{"/env", `{"env":{"WIKI_URL":"https://wiki.local"}}`, models.StepConfigureAuth},
		{"/auth", `{"auth_type":"api_key"}`, models.StepDeploy},
	}
	for _, s := range steps {
		rec := a.do(t, http.MethodPost, "/api/v1/wizard/"+id+s.path, s.body)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", s.path, rec.Body.String())
		assert.Equal(t, s.want, decodeInstance(t, rec).Step, s.path)
	}
	return id
}

func TestWizardAPI_FullFlow(t *testing.T) {
	a := newTestAPI(t, "org_1", "user-1")
	id := a.driveToDeploy(t)

	rec := a.do(t, http.MethodPost, "/api/v1/wizard/"+id+"/generate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	generating := decodeInstance(t, rec)
	assert.True(t, generating.Processing)
	assert.Empty(t, generating.Available)

	rec = a.do(t, http.MethodGet, "/api/v1/wizard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	require.Eventually(t, func() bool {
		rec := a.do(t, http.MethodGet, "/api/v1/wizard/"+id, "")
		return rec.Code == http.StatusOK && decodeInstance(t, rec).CodeReady
	}, 2*time.Second, 10*time.Millisecond)

	rec = a.do(t, http.MethodPost, "/api/v1/wizard/"+id+"/activate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeInstance(t, rec)
	assert.Equal(t, models.StepComplete, done.Step)
	assert.NotEmpty(t, done.ServiceURL)

	rec = a.do(t, http.MethodGet, "/api/v1/wizard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), id)
}

func TestWizardAPI_IllegalTransitionIsConflict(t *testing.T) {
	a := newTestAPI(t, "org_1", "user-1")
	rec := a.do(t, http.MethodPost, "/api/v1/wizard", `{"description":"search our wiki"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeInstance(t, rec).InstanceID
	calls := a.backend.Calls()

	rec = a.do(t, http.MethodPost, "/api/v1/wizard/"+id+"/activate", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusConflict, problem.Status)
	// the state read is cached, so nothing reached the backend
	assert.Equal(t, calls, a.backend.Calls())
}

func TestWizardAPI_Errors(t *testing.T) {
	a := newTestAPI(t, "org_1", "user-1")

	rec := a.do(t, http.MethodPost, "/api/v1/wizard", `{"description":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/wizard/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/wizard", `{"description":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem), "malformed bodies get a problem document")
	assert.Equal(t, "Invalid request body", problem.Title)
	assert.Equal(t, "/api/v1/wizard", problem.Instance)
}

func TestWizardAPI_ClosedServiceFailsCleanly(t *testing.T) {
	a := newTestAPI(t, "org_1", "user-1")
	a.svc.Close()

	rec := a.do(t, http.MethodGet, "/api/v1/wizard", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWizardAPI_RequiresTenant(t *testing.T) {
	a := newTestAPI(t, "", "user-1")
	rec := a.do(t, http.MethodGet, "/api/v1/wizard", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWizardAPI_Abandon(t *testing.T) {
	a := newTestAPI(t, "org_1", "user-1")
	id := a.driveToDeploy(t)

	rec := a.do(t, http.MethodDelete, "/api/v1/wizard/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/wizard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), id)
}

func TestWizardAPI_WatchStreamsUntilSettled(t *testing.T) {
	a := newTestAPI(t, "org_1", "user-1")
	id := a.driveToDeploy(t)
	rec := a.do(t, http.MethodPost, "/api/v1/wizard/"+id+"/generate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/wizard/"+id+"/watch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	body := rec.Body.String()
	assert.Contains(t, body, "event: update")
	assert.Contains(t, body, `"final":true`)
	assert.Contains(t, body, `"code_ready":true`)
}
