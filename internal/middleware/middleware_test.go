package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/training-ops-engine/internal/models"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

type staticValidator struct {
	claims *models.JWTClaims
}

func (v staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return v.claims, nil
}

func newProtectedRouter(claims *models.JWTClaims, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := append([]gin.HandlerFunc{JWT(staticValidator{claims: claims})}, extra...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/", handlers...)
	return router
}

func serve(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	router.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddleware(t *testing.T) {
	router := newProtectedRouter(&models.JWTClaims{UserID: "u1", Role: models.RoleMember})

	assert.Equal(t, http.StatusUnauthorized, serve(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, "Bearer bad").Code)
	assert.Equal(t, http.StatusNoContent, serve(router, "bearer good").Code)
}

func TestRequireRoles(t *testing.T) {
	member := newProtectedRouter(&models.JWTClaims{UserID: "u1", Role: models.RoleMember}, RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	assert.Equal(t, http.StatusForbidden, serve(member, "Bearer good").Code)

	admin := newProtectedRouter(&models.JWTClaims{UserID: "u2", Role: models.RoleAdmin}, RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	assert.Equal(t, http.StatusNoContent, serve(admin, "Bearer good").Code)

	gin.SetMode(gin.TestMode)
	anonymous := gin.New()
	anonymous.GET("/", RequireRoles(models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusUnauthorized, serve(anonymous, "").Code)
}

func TestRateLimitPerUser(t *testing.T) {
	store := memory.NewStore()
	alice := newProtectedRouter(&models.JWTClaims{UserID: "alice"}, RateLimit(store, 2))
	bob := newProtectedRouter(&models.JWTClaims{UserID: "bob"}, RateLimit(store, 2))

	require.Equal(t, http.StatusNoContent, serve(alice, "Bearer good").Code)
	require.Equal(t, http.StatusNoContent, serve(alice, "Bearer good").Code)
	limited := serve(alice, "Bearer good")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), "RATE_LIMITED")
	assert.Equal(t, "2", limited.Header().Get("X-RateLimit-Limit"))

	assert.Equal(t, http.StatusNoContent, serve(bob, "Bearer good").Code)
}

func TestRateLimitDisabled(t *testing.T) {
	router := newProtectedRouter(&models.JWTClaims{UserID: "alice"}, RateLimit(memory.NewStore(), 0))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, serve(router, "Bearer good").Code)
	}
}

func TestNewRateLimitStoreWithoutRedis(t *testing.T) {
	assert.NotNil(t, NewRateLimitStore(nil, nil))
}

type observedRequest struct {
	method string
	route  string
	status int
}

type requestObserverStub struct {
	seen []observedRequest
}

func (s *requestObserverStub) ObserveHTTPRequest(method, route string, status int, _ time.Duration) {
	s.seen = append(s.seen, observedRequest{method: method, route: route, status: status})
}

func TestMetricsLabelsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observer := &requestObserverStub{}
	router := gin.New()
	router.Use(Metrics(observer))
	router.GET("/bulk-operations/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, target := range []string{"/bulk-operations/op-1", "/bulk-operations/op-2", "/wp-admin"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	require.Len(t, observer.seen, 3)
	assert.Equal(t, observedRequest{method: http.MethodGet, route: "/bulk-operations/:id", status: http.StatusOK}, observer.seen[0])
	assert.Equal(t, "/bulk-operations/:id", observer.seen[1].route)
	assert.Equal(t, observedRequest{method: http.MethodGet, route: unmatchedRoute, status: http.StatusNotFound}, observer.seen[2])
}
