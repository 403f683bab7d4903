package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
	"mcp-forge/backend/pkg/models"
)

func TestHTTPBackendClient_Start(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/workflows", r.URL.Path)
		assert.Equal(t, "org_1", r.Header.Get(TenantHeader))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "weather lookups", body["description"])
		assert.Equal(t, "org_1", body["tenant_id"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.WorkflowInstance{
			InstanceID: "wf-1", TenantID: "org_1", Step: models.StepDescribe,
			SuggestedTools: []models.Tool{{Name: "forecast"}},
		})
	}))
	defer srv.Close()

	client := NewHTTPBackendClientWithHTTP(srv.URL, srv.Client())
	inst, err := client.Start(context.Background(), "org_1", "weather lookups")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", inst.InstanceID)
	assert.Equal(t, models.StepDescribe, inst.Step)
	require.Len(t, inst.SuggestedTools, 1)
	assert.Equal(t, "forecast", inst.SuggestedTools[0].Name)
}

func TestHTTPBackendClient_EscapesInstanceID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(models.WorkflowInstance{InstanceID: "a/b", TenantID: "org_1", Step: models.StepDescribe})
	}))
	defer srv.Close()

	client := NewHTTPBackendClientWithHTTP(srv.URL, srv.Client())
	_, err := client.Refine(tenant.WithTenant(context.Background(), "org_1"), "a/b", "more")
	require.NoError(t, err)
	assert.Equal(t, "/v1/workflows/a%2Fb/refine", gotPath)
}

func TestHTTPBackendClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
		transient bool
	}{
		{"conflict with body", http.StatusConflict, `{"error":{"code":"already_processing","message":"busy","retryable":false}}`, "already_processing", false, false},
		{"unavailable", http.StatusServiceUnavailable, `{"error":{"code":"unavailable","message":"down","retryable":true}}`, "unavailable", true, true},
		{"rate limited without body", http.StatusTooManyRequests, ``, "", false, true},
		{"not found", http.StatusNotFound, `not json`, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewHTTPBackendClientWithHTTP(srv.URL, srv.Client())
			_, err := client.GetState(context.Background(), "wf-1")
			require.Error(t, err)

			var be *workflow.BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.status, be.Status)
			assert.Equal(t, tt.code, be.Code)
			assert.Equal(t, tt.retryable, be.Retryable)
			assert.Equal(t, tt.transient, workflow.IsTransient(err))
		})
	}
}

func TestHTTPBackendClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPBackendClientWithHTTP(url, nil)
	_, err := client.GetState(context.Background(), "wf-1")
	require.Error(t, err)

	var te *workflow.TransportError
	assert.ErrorAs(t, err, &te)
	assert.True(t, workflow.IsTransient(err))
}

func TestHTTPBackendClient_IssueAuthorizationCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/servers/srv-9/authorization-codes", r.URL.Path)
		var grant models.AuthorizationGrant
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&grant))
		assert.Equal(t, "user-1", grant.UserID)
		assert.Equal(t, "challenge", grant.CodeChallenge)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "abc123"})
	}))
	defer srv.Close()

	client := NewHTTPBackendClientWithHTTP(srv.URL, srv.Client())
	code, err := client.IssueAuthorizationCode(context.Background(), models.AuthorizationGrant{
		ServerID: "srv-9", UserID: "user-1", CodeChallenge: "challenge",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", code)
}

func TestNewHTTPBackendClient_ClientCredentials(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"svc-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(models.WorkflowInstance{InstanceID: "wf-1", TenantID: "org_1", Step: models.StepDeploy})
	}))
	defer apiSrv.Close()

	client, err := NewHTTPBackendClient(context.Background(), BackendConfig{
		URL:          apiSrv.URL,
		TokenURL:     tokenSrv.URL,
		ClientID:     "forge",
		ClientSecret: "secret",
	})
	require.NoError(t, err)

	inst, err := client.GetState(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepDeploy, inst.Step)
}

func TestNewHTTPBackendClient_RequiresURL(t *testing.T) {
	_, err := NewHTTPBackendClient(context.Background(), BackendConfig{})
	assert.Error(t, err)
}
