package auth_providers

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

// Provider authenticates an incoming request to a reserved route.
type Provider interface {
	Type() string
	Authenticate(ctx *fasthttp.RequestCtx) error
}

func NewProvider(config *types.AuthConfig) (Provider, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	switch config.Type {
	case "token":
		if config.Token == "" {
			return nil, types.Errorf(types.ErrInvalidParameter, "token auth requires a token")
		}
		return NewTokenAuthProvider(config.Token), nil
	case "basic":
		if config.Username == "" || config.Password == "" {
			return nil, types.Errorf(types.ErrInvalidParameter, "basic auth requires username and password")
		}
		provider := NewBasicAuthProvider(config.Username, config.Password)
		if config.Realm != "" {
			provider.SetRealm(config.Realm)
		}
		return provider, nil
	case "jwt":
		if len(config.Secret) < 32 {
			return nil, types.Errorf(types.ErrInvalidParameter, "jwt auth requires a secret of at least 32 characters")
		}
		return NewJWTAuthProvider(config.Secret, config.Issuer), nil
	default:
		return nil, types.Errorf(types.ErrAuthProviderUnknown, "type: %s", config.Type)
	}
}

// Protect rejects requests the provider does not accept with 401. A nil
// provider leaves handler unchanged.
func Protect(provider Provider, handler fasthttp.RequestHandler, logger types.Logger) fasthttp.RequestHandler {
	if provider == nil {
		return handler
	}

	return func(ctx *fasthttp.RequestCtx) {
		if err := provider.Authenticate(ctx); err != nil {
			logger.Warn("Rejected unauthenticated request",
				zap.String("path", string(ctx.Path())),
				zap.String("auth", provider.Type()),
				zap.Error(err))

			if challenger, ok := provider.(interface{ Challenge() string }); ok {
				ctx.Response.Header.Set(fasthttp.HeaderWWWAuthenticate, challenger.Challenge())
			}
			utils.WriteError(ctx, fasthttp.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		handler(ctx)
	}
}

type TokenAuthProvider struct {
	token string
}

func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{
		token: token,
	}
}

func (p *TokenAuthProvider) Type() string {
	return "token"
}

func (p *TokenAuthProvider) Authenticate(ctx *fasthttp.RequestCtx) error {
	token := extractToken(ctx)
	if token == "" {
		return types.Errorf(types.ErrAuthFailed, "token required")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.token)) != 1 {
		return types.Errorf(types.ErrAuthFailed, "invalid token")
	}
	return nil
}

func extractToken(ctx *fasthttp.RequestCtx) string {
	if token := string(ctx.Request.Header.Peek("Token")); token != "" {
		return token
	}

	authHeader := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
	if authHeader == "" {
		return ""
	}

	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	if strings.HasPrefix(authHeader, "Token ") {
		return strings.TrimPrefix(authHeader, "Token ")
	}

	return authHeader
}

type BasicAuthProvider struct {
	username string
	password string
	realm    string
}

func NewBasicAuthProvider(username, password string) *BasicAuthProvider {
	return &BasicAuthProvider{
		username: username,
		password: password,
		realm:    "sai-offline",
	}
}

func (p *BasicAuthProvider) Type() string {
	return "basic"
}

func (p *BasicAuthProvider) Authenticate(ctx *fasthttp.RequestCtx) error {
	authHeader := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))

	if authHeader == "" {
		return types.Errorf(types.ErrAuthFailed, "authorization header required")
	}

	if !strings.HasPrefix(authHeader, "Basic ") {
		return types.Errorf(types.ErrAuthFailed, "basic authentication required")
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
	if err != nil {
		return types.Errorf(types.ErrAuthFailed, "invalid authentication encoding")
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return types.Errorf(types.ErrAuthFailed, "invalid authentication format")
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(p.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(p.password)) == 1
	if !userOK || !passOK {
		return types.Errorf(types.ErrAuthFailed, "invalid username or password")
	}

	ctx.SetUserValue("authenticated_user", username)
	return nil
}

func (p *BasicAuthProvider) Challenge() string {
	return fmt.Sprintf(`Basic realm="%s"`, p.realm)
}

func (p *BasicAuthProvider) SetRealm(realm string) {
	p.realm = realm
}
