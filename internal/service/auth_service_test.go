package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-ops-engine/internal/models"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

func signTestToken(t *testing.T, secret string, method jwt.SigningMethod, claims models.JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() models.JWTClaims {
	return models.JWTClaims{
		UserID: "admin-1",
		Role:   models.RoleAdmin,
		Email:  "ops@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "training-platform",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestAuthServiceValidateToken(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret", Issuer: "training-platform"})

	claims, err := svc.ValidateToken(signTestToken(t, "secret", jwt.SigningMethodHS256, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "admin-1", claims.UserID)
	assert.Equal(t, models.RoleAdmin, claims.Role)
}

func TestAuthServiceRejectsBadTokens(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret", Issuer: "training-platform"})

	_, err := svc.ValidateToken(signTestToken(t, "other", jwt.SigningMethodHS256, validClaims()))
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = svc.ValidateToken(signTestToken(t, "secret", jwt.SigningMethodHS256, expired))
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	foreign := validClaims()
	foreign.Issuer = "someone-else"
	_, err = svc.ValidateToken(signTestToken(t, "secret", jwt.SigningMethodHS256, foreign))
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	_, err = svc.ValidateToken(signTestToken(t, "secret", jwt.SigningMethodHS384, validClaims()))
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	anonymous := validClaims()
	anonymous.UserID = ""
	_, err = svc.ValidateToken(signTestToken(t, "secret", jwt.SigningMethodHS256, anonymous))
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}
