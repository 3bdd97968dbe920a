package auth_providers

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/types"
)

// JWTAuthProvider accepts HS256 bearer tokens signed with a shared secret.
// Tokens must carry an expiry, and the issuer when one is configured.
type JWTAuthProvider struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTAuthProvider(secret, issuer string) *JWTAuthProvider {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTAuthProvider{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

func (p *JWTAuthProvider) Type() string {
	return "jwt"
}

func (p *JWTAuthProvider) Authenticate(ctx *fasthttp.RequestCtx) error {
	raw := extractToken(ctx)
	if raw == "" {
		return types.Errorf(types.ErrAuthFailed, "token required")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := p.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.Errorf(types.ErrAuthFailed, "token has expired")
		}
		return types.Errorf(types.ErrAuthFailed, "invalid token: %v", err)
	}

	if claims.Subject != "" {
		ctx.SetUserValue("authenticated_user", claims.Subject)
	}
	return nil
}
