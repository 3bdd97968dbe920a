package auth_providers

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func serve(handler fasthttp.RequestHandler, header, value string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI("/__sai/control")
	if header != "" {
		req.Header.Set(header, value)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	handler(ctx)
	return ctx
}

func ok(ctx *fasthttp.RequestCtx) {
	ctx.SetBodyString("ok")
}

func TestTokenProvider(t *testing.T) {
	provider, err := NewProvider(&types.AuthConfig{Enabled: true, Type: "token", Token: "s3cret"})
	require.NoError(t, err)
	handler := Protect(provider, ok, logger.NewNopLogger())

	assert.Equal(t, fasthttp.StatusOK, serve(handler, "Authorization", "Bearer s3cret").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusOK, serve(handler, "Token", "s3cret").Response.StatusCode())

	rejected := serve(handler, "Authorization", "Bearer wrong")
	assert.Equal(t, fasthttp.StatusUnauthorized, rejected.Response.StatusCode())
	assert.Contains(t, string(rejected.Response.Body()), "unauthorized")

	assert.Equal(t, fasthttp.StatusUnauthorized, serve(handler, "", "").Response.StatusCode())
}

func TestBasicProvider(t *testing.T) {
	provider, err := NewProvider(&types.AuthConfig{Enabled: true, Type: "basic", Username: "ops", Password: "pw", Realm: "edge"})
	require.NoError(t, err)
	handler := Protect(provider, ok, logger.NewNopLogger())

	good := base64.StdEncoding.EncodeToString([]byte("ops:pw"))
	ctx := serve(handler, "Authorization", "Basic "+good)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "ops", ctx.UserValue("authenticated_user"))

	bad := base64.StdEncoding.EncodeToString([]byte("ops:nope"))
	rejected := serve(handler, "Authorization", "Basic "+bad)
	assert.Equal(t, fasthttp.StatusUnauthorized, rejected.Response.StatusCode())
	assert.Equal(t, `Basic realm="edge"`, string(rejected.Response.Header.Peek("WWW-Authenticate")))
}

func TestNewProvider(t *testing.T) {
	provider, err := NewProvider(nil)
	require.NoError(t, err)
	assert.Nil(t, provider)

	_, err = NewProvider(&types.AuthConfig{Enabled: true, Type: "oauth"})
	assert.ErrorIs(t, err, types.ErrAuthProviderUnknown)

	_, err = NewProvider(&types.AuthConfig{Enabled: true, Type: "token"})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	handler := Protect(nil, ok, logger.NewNopLogger())
	assert.Equal(t, fasthttp.StatusOK, serve(handler, "", "").Response.StatusCode())
}
