package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"mcp-forge/backend/internal/config"
	"mcp-forge/backend/internal/logging"
	"mcp-forge/backend/internal/repository"
	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/pkg/models"
)

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct {
	payload []byte
}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

// MockRepository satisfies repository.TenantStore
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Tenant), args.Error(1)
}

func (m *MockRepository) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

const (
	testIssuer   = "https://test-issuer.com"
	testClientID = "test-client"
)

// fakeBearer builds an unsigned token accepted by MockKeySet.
func fakeBearer(t *testing.T, subject, email string) (string, *oidc.IDTokenVerifier) {
	t.Helper()
	claims := map[string]interface{}{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   subject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-1 * time.Minute).Unix(),
		"email": email,
	}
	headerData := map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
		"kid": "test-key",
	}
	headerBytes, _ := json.Marshal(headerData)
	encodedHeader := base64.RawURLEncoding.EncodeToString(headerBytes)
	payload, _ := json.Marshal(claims)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	encodedSignature := base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))

	keySet := &MockKeySet{payload: payload}
	verifier := oidc.NewVerifier(testIssuer, keySet, &oidc.Config{
		ClientID:          testClientID,
		SkipClientIDCheck: true, // Matches logic in auth.go for apiVerifier
	})
	return encodedHeader + "." + encodedPayload + "." + encodedSignature, verifier
}

func TestRequireAuth_BearerToken_ExtractsTenantAndUser(t *testing.T) {
	mockRepo := new(MockRepository)
	expectedTenant := &models.Tenant{
		ID:     "tenant-123",
		Name:   "acme.com",
		Domain: "acme.com",
	}
	mockRepo.On("GetTenantByDomain", mock.Anything, "acme.com").Return(expectedTenant, nil)

	token, verifier := fakeBearer(t, "test-user", "user@Acme.com")
	a := &Auth{apiVerifier: verifier, repo: mockRepo}

	req := httptest.NewRequest("GET", "/api/v1/wizard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant.FromContext(r.Context())
		assert.True(t, ok, "tenant should be in context")
		assert.Equal(t, "tenant-123", tenantID)
		userID, ok := tenant.UserFromContext(r.Context())
		assert.True(t, ok, "user should be in context")
		assert.Equal(t, "test-user", userID)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	mockRepo.AssertExpectations(t)
}

func TestRequireAuth_InvalidBearer(t *testing.T) {
	_, verifier := fakeBearer(t, "test-user", "user@acme.com")
	a := &Auth{apiVerifier: verifier, repo: new(MockRepository)}

	req := httptest.NewRequest("GET", "/api/v1/wizard", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()

	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_NoCredentialsRedirectsToLogin(t *testing.T) {
	a := &Auth{repo: new(MockRepository)}
	req := httptest.NewRequest("GET", "/api/v1/wizard", nil)
	rec := httptest.NewRecorder()

	a.RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestRequireAuth_BypassMode(t *testing.T) {
	mockRepo := new(MockRepository)
	// Expect tenant lookup for "localhost" (from dev@localhost)
	mockRepo.On("GetTenantByDomain", mock.Anything, "localhost").Return(nil, repository.ErrNotFound)
	mockRepo.On("CreateTenant", mock.Anything, mock.MatchedBy(func(tenant *models.Tenant) bool {
		return tenant.Domain == "localhost"
	})).Run(func(args mock.Arguments) {
		argTenant := args.Get(1).(*models.Tenant)
		argTenant.ID = "dev-tenant-id"
	}).Return(nil)

	cfg := &config.Config{
		Environment:   "DEV",
		DevModeBypass: true,
	}
	a, err := New(context.Background(), cfg, mockRepo, logging.Discard())
	assert.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/wizard", nil)
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant.FromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "dev-tenant-id", tenantID)
		userID, _ := tenant.UserFromContext(r.Context())
		assert.Equal(t, devUserID, userID)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	mockRepo.AssertExpectations(t)
}

func TestNew_ProdRequiresConfiguration(t *testing.T) {
	cfg := &config.Config{Environment: "PROD", DevModeBypass: true}
	_, err := New(context.Background(), cfg, new(MockRepository), logging.Discard())
	assert.Error(t, err, "bypass is ignored outside DEV")
}

func TestRequireAuth_AutoProvisionTenant(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("GetTenantByDomain", mock.Anything, "startup.io").Return(nil, fmt.Errorf("lookup: %w", repository.ErrNotFound))
	mockRepo.On("CreateTenant", mock.Anything, mock.MatchedBy(func(tenant *models.Tenant) bool {
		return tenant.Domain == "startup.io" && tenant.Name == "startup.io"
	})).Run(func(args mock.Arguments) {
		argTenant := args.Get(1).(*models.Tenant)
		argTenant.ID = "new-tenant-id"
	}).Return(nil)

	token, verifier := fakeBearer(t, "test-founder", "founder@startup.io")
	a := &Auth{apiVerifier: verifier, repo: mockRepo}
	req := httptest.NewRequest("GET", "/api/v1/wizard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant.FromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "new-tenant-id", tenantID) // Mock CreateTenant sets this
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	mockRepo.AssertExpectations(t)
}

func TestRequireAuth_LookupFailureDoesNotProvision(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("GetTenantByDomain", mock.Anything, "acme.com").Return(nil, fmt.Errorf("connection reset"))

	token, verifier := fakeBearer(t, "test-user", "user@acme.com")
	a := &Auth{apiVerifier: verifier, repo: mockRepo}
	req := httptest.NewRequest("GET", "/api/v1/wizard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	a.RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	mockRepo.AssertNotCalled(t, "CreateTenant", mock.Anything, mock.Anything)
}
