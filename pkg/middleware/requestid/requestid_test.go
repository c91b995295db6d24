package requestid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareGeneratesAndEchoesID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	var seen string
	var fromCtx string
	r.GET("/", func(c *gin.Context) {
		seen = Value(c)
		fromCtx = FromContext(c.Request.Context())
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(Header))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", fromCtx)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, strings.Repeat("x", 500))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Len(t, seen, 36)
}

func TestFromContextEmptyWithoutID(t *testing.T) {
	assert.Equal(t, "job-7", FromContext(WithID(context.Background(), "job-7")))
	assert.Empty(t, FromContext(context.Background()))
}
