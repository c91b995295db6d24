package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/handler"
	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/internal/service"
	"github.com/noah-isme/training-ops-engine/pkg/config"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Env:       config.EnvDevelopment,
		APIPrefix: "/api/v1",
		RateLimit: config.RateLimitConfig{Enabled: true, PerMinute: 100},
	}
	auth := service.NewAuthService(service.AuthConfig{AccessTokenSecret: "test-secret"})
	metrics := service.NewMetricsService()
	return newRouter(cfg, zap.NewNop(), metrics, auth, nil, handlers{
		bulk:     handler.NewBulkOperationHandler(nil, nil),
		workflow: handler.NewWorkflowHandler(nil, nil),
		waitlist: handler.NewWaitlistHandler(nil),
		wizard:   handler.NewAssignmentWizardHandler(service.NewAssignmentWizard(nil, nil, nil)),
		metrics:  handler.NewMetricsHandler(metrics, nil),
	})
}

func signedToken(t *testing.T, role models.UserRole) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, models.JWTClaims{
		UserID: "u1",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestRouterPublicEndpoints(t *testing.T) {
	router := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterRequiresToken(t *testing.T) {
	router := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bulk-operations", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterRestrictsDecisionsToAdmins(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/decisions", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, models.RoleMember))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterWizardRejectsEmptyBody(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignment-wizard/back", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, models.RoleProvider))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
