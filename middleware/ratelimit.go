package middleware

import (
	"bytes"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const shardCount = 64

var (
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
)

// RateLimitMiddleware applies a fixed window per client address. Idle
// clients are swept lazily, one shard per sweep interval.
type RateLimitMiddleware struct {
	logger          types.Logger
	metrics         types.MetricsManager
	rateLimitConfig *RateLimitConfig
	weight          int
	now             func() time.Time
	shards          [shardCount]*rateLimitShard
	lastSweep       atomic.Int64
	nextShard       atomic.Uint32
	retryAfter      string
}

type rateLimitShard struct {
	clients map[string]*clientWindow
	mu      sync.Mutex
}

type clientWindow struct {
	start      int64
	count      int64
	lastAccess int64
}

type RateLimitConfig struct {
	Requests      int64          `json:"requests"`
	Window        types.Duration `json:"window"`
	IdleTimeout   types.Duration `json:"idle_timeout"`
	SweepInterval types.Duration `json:"sweep_interval"`
	TrustProxy    bool           `json:"trust_proxy"`
}

func NewRateLimitMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) (*RateLimitMiddleware, error) {
	var rateLimitConfig = &RateLimitConfig{
		Requests:      600,
		Window:        types.Duration(time.Minute),
		IdleTimeout:   types.Duration(10 * time.Minute),
		SweepInterval: types.Duration(time.Minute),
	}

	if params := itemParams(item); params != nil {
		if err := utils.UnmarshalConfig(params, rateLimitConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal rate limit middleware config")
		}
	}

	if rateLimitConfig.Requests <= 0 || rateLimitConfig.Window <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "rate limit: requests and window must be positive")
	}

	rl := &RateLimitMiddleware{
		logger:          logger,
		metrics:         metrics,
		rateLimitConfig: rateLimitConfig,
		weight:          itemWeight(item, 25),
		now:             time.Now,
		retryAfter:      strconv.Itoa(int(rateLimitConfig.Window.Std().Seconds() + 0.5)),
	}

	for i := range rl.shards {
		rl.shards[i] = &rateLimitShard{
			clients: make(map[string]*clientWindow),
		}
	}

	return rl, nil
}

func (rl *RateLimitMiddleware) Name() string { return "rate_limit" }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	clientIP := rl.clientIP(ctx)
	now := rl.now().UnixNano()

	if !rl.allow(clientIP, now) {
		rl.logger.Debug("Rate limit exceeded",
			zap.String("client", clientIP),
			zap.ByteString("path", ctx.Path()))

		if rl.metrics != nil {
			rl.metrics.Counter("rate_limited_requests_total", nil).Inc()
		}

		ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, rl.retryAfter)
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(rl.rateLimitConfig.Requests, 10))
		utils.WriteError(ctx, fasthttp.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		return
	}

	rl.maybeSweep(now)
	next(ctx)
}

func (rl *RateLimitMiddleware) clientIP(ctx *fasthttp.RequestCtx) string {
	if rl.rateLimitConfig.TrustProxy {
		if realIP := ctx.Request.Header.PeekBytes(realIPHeader); len(realIP) > 0 {
			return string(realIP)
		}

		if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
			if first, _, found := bytes.Cut(forwarded, []byte(",")); found {
				return string(bytes.TrimSpace(first))
			}
			return string(bytes.TrimSpace(forwarded))
		}
	}

	return ctx.RemoteIP().String()
}

func (rl *RateLimitMiddleware) shardFor(client string) *rateLimitShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(client))
	return rl.shards[hasher.Sum32()%shardCount]
}

func (rl *RateLimitMiddleware) allow(client string, now int64) bool {
	shard := rl.shardFor(client)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	window, exists := shard.clients[client]
	if !exists {
		shard.clients[client] = &clientWindow{start: now, count: 1, lastAccess: now}
		return true
	}

	window.lastAccess = now
	if now-window.start >= int64(rl.rateLimitConfig.Window) {
		window.start = now
		window.count = 1
		return true
	}

	if window.count >= rl.rateLimitConfig.Requests {
		return false
	}

	window.count++
	return true
}

func (rl *RateLimitMiddleware) maybeSweep(now int64) {
	last := rl.lastSweep.Load()
	if now-last < int64(rl.rateLimitConfig.SweepInterval) || !rl.lastSweep.CompareAndSwap(last, now) {
		return
	}

	shard := rl.shards[rl.nextShard.Add(1)%shardCount]
	cutoff := now - int64(rl.rateLimitConfig.IdleTimeout)

	shard.mu.Lock()
	for client, window := range shard.clients {
		if window.lastAccess < cutoff {
			delete(shard.clients, client)
		}
	}
	shard.mu.Unlock()
}

// Tracked reports how many client windows are held.
func (rl *RateLimitMiddleware) Tracked() int {
	total := 0
	for _, shard := range rl.shards {
		shard.mu.Lock()
		total += len(shard.clients)
		shard.mu.Unlock()
	}
	return total
}
