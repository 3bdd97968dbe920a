package auth_providers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTProvider(t *testing.T) {
	provider, err := NewProvider(&types.AuthConfig{Enabled: true, Type: "jwt", Secret: testSecret, Issuer: "ops"})
	require.NoError(t, err)
	handler := Protect(provider, ok, logger.NewNopLogger())

	valid := sign(t, testSecret, jwt.RegisteredClaims{
		Subject:   "deployer",
		Issuer:    "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	ctx := serve(handler, "Authorization", "Bearer "+valid)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "deployer", ctx.UserValue("authenticated_user"))

	expired := sign(t, testSecret, jwt.RegisteredClaims{
		Issuer:    "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	assert.Equal(t, fasthttp.StatusUnauthorized, serve(handler, "Authorization", "Bearer "+expired).Response.StatusCode())

	wrongIssuer := sign(t, testSecret, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	assert.Equal(t, fasthttp.StatusUnauthorized, serve(handler, "Authorization", "Bearer "+wrongIssuer).Response.StatusCode())

	forged := sign(t, "ffffffffffffffffffffffffffffffff", jwt.RegisteredClaims{
		Issuer:    "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	assert.Equal(t, fasthttp.StatusUnauthorized, serve(handler, "Authorization", "Bearer "+forged).Response.StatusCode())

	noExpiry := sign(t, testSecret, jwt.RegisteredClaims{Issuer: "ops"})
	assert.Equal(t, fasthttp.StatusUnauthorized, serve(handler, "Authorization", "Bearer "+noExpiry).Response.StatusCode())
}

func TestJWTProviderRequiresLongSecret(t *testing.T) {
	_, err := NewProvider(&types.AuthConfig{Enabled: true, Type: "jwt", Secret: "short"})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
