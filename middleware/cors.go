package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

var (
	trueBytes        = []byte("true")
	asteriskBytes    = []byte("*")
	varyOriginStr    = []byte("Origin")
	varyPreflightStr = []byte("Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
)

// CORSMiddleware answers cross-origin requests for the paths it covers. By
// default that is only the reserved /__sai/ routes: proxied traffic keeps
// whatever CORS headers the origin sends.
type CORSMiddleware struct {
	logger            types.Logger
	metrics           types.MetricsManager
	corsConfig        *CORSConfig
	weight            int
	allowsAll         bool
	allowedOriginsMap map[string]bool
	wildcardDomains   []string
	pathPrefixes      [][]byte
	allowedMethodsStr []byte
	allowedHeadersStr []byte
	exposedHeadersStr []byte
	maxAgeStr         []byte
}

type CORSConfig struct {
	Paths            []string `json:"paths"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

func NewCORSMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) (*CORSMiddleware, error) {
	var corsConfig = &CORSConfig{
		Paths:          []string{"/__sai/"},
		ExposedHeaders: []string{HeaderSource, "X-Sai-Degraded", "X-Sai-Fallback"},
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Token", "X-Sai-Client"},
		MaxAge:         86400,
	}

	if params := itemParams(item); params != nil {
		if err := utils.UnmarshalConfig(params, corsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal cors middleware config")
		}
	}

	if corsConfig.AllowCredentials && len(corsConfig.AllowedOrigins) == 1 && corsConfig.AllowedOrigins[0] == "*" {
		return nil, types.Errorf(types.ErrInvalidParameter, "cors: credentials cannot be allowed for every origin")
	}

	cm := &CORSMiddleware{
		logger:     logger,
		metrics:    metrics,
		corsConfig: corsConfig,
		weight:     itemWeight(item, 15),
	}

	cm.precompileConfiguration()

	return cm, nil
}

func (c *CORSMiddleware) Name() string { return "cors" }
func (c *CORSMiddleware) Weight() int  { return c.weight }

func (c *CORSMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	origin := ctx.Request.Header.Peek(fasthttp.HeaderOrigin)
	if len(origin) == 0 || !c.covers(ctx.Path()) {
		next(ctx)
		return
	}

	if !c.isOriginAllowed(origin) {
		c.logger.Warn("CORS request blocked",
			zap.ByteString("origin", origin),
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()))

		if c.metrics != nil {
			c.metrics.Counter("cors_blocked_total", nil).Inc()
		}
		utils.WriteError(ctx, fasthttp.StatusForbidden, "cors_policy_violation", "origin not allowed")
		return
	}

	if ctx.IsOptions() && len(ctx.Request.Header.Peek(fasthttp.HeaderAccessControlRequestMethod)) > 0 {
		c.writePreflight(ctx, origin)
		return
	}

	next(ctx)
	c.addCORSHeaders(ctx, origin)
}

func (c *CORSMiddleware) covers(path []byte) bool {
	for _, prefix := range c.pathPrefixes {
		if bytes.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *CORSMiddleware) isOriginAllowed(origin []byte) bool {
	if c.allowsAll {
		return true
	}

	originStr := string(origin)
	if c.allowedOriginsMap[originStr] {
		return true
	}

	host := originStr
	if _, rest, found := strings.Cut(originStr, "://"); found {
		host = rest
	}

	for _, domain := range c.wildcardDomains {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}

func (c *CORSMiddleware) setAllowOrigin(ctx *fasthttp.RequestCtx, origin []byte) {
	if c.allowsAll {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowOrigin, asteriskBytes)
	} else {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowOrigin, origin)
	}

	if c.corsConfig.AllowCredentials {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowCredentials, trueBytes)
	}
}

func (c *CORSMiddleware) addCORSHeaders(ctx *fasthttp.RequestCtx, origin []byte) {
	c.setAllowOrigin(ctx, origin)

	if len(c.exposedHeadersStr) > 0 {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlExposeHeaders, c.exposedHeadersStr)
	}

	ctx.Response.Header.AddBytesV(fasthttp.HeaderVary, varyOriginStr)
}

func (c *CORSMiddleware) writePreflight(ctx *fasthttp.RequestCtx, origin []byte) {
	ctx.SetStatusCode(fasthttp.StatusNoContent)
	c.setAllowOrigin(ctx, origin)

	ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowMethods, c.allowedMethodsStr)
	ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowHeaders, c.allowedHeadersStr)
	ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlMaxAge, c.maxAgeStr)
	ctx.Response.Header.SetBytesV(fasthttp.HeaderVary, varyPreflightStr)
	ctx.SetBody(nil)
}

func (c *CORSMiddleware) precompileConfiguration() {
	c.allowsAll = len(c.corsConfig.AllowedOrigins) == 1 && c.corsConfig.AllowedOrigins[0] == "*"

	if !c.allowsAll {
		c.allowedOriginsMap = make(map[string]bool, len(c.corsConfig.AllowedOrigins))
		for _, origin := range c.corsConfig.AllowedOrigins {
			if domain, ok := strings.CutPrefix(origin, "*."); ok {
				c.wildcardDomains = append(c.wildcardDomains, domain)
			} else {
				c.allowedOriginsMap[origin] = true
			}
		}
	}

	for _, path := range c.corsConfig.Paths {
		c.pathPrefixes = append(c.pathPrefixes, []byte(path))
	}

	c.allowedMethodsStr = []byte(strings.Join(c.corsConfig.AllowedMethods, ", "))
	c.allowedHeadersStr = []byte(strings.Join(c.corsConfig.AllowedHeaders, ", "))
	c.exposedHeadersStr = []byte(strings.Join(c.corsConfig.ExposedHeaders, ", "))
	c.maxAgeStr = []byte(strconv.Itoa(c.corsConfig.MaxAge))
}
