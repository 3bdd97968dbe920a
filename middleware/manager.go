package middleware

import (
	"sort"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

const MaxMiddlewares = 64

type Middleware interface {
	Name() string
	Weight() int
	Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler)
}

// Manager orders middlewares by weight and compiles them around handlers.
type Manager struct {
	config      *types.MiddlewaresConfig
	logger      types.Logger
	metrics     types.MetricsManager
	middlewares []Middleware
	names       map[string]struct{}
	weights     map[int]string
	mu          sync.RWMutex
}

func NewManager(config *types.MiddlewaresConfig, logger types.Logger, metrics types.MetricsManager) *Manager {
	if config == nil {
		config = &types.MiddlewaresConfig{}
	}

	return &Manager{
		config:  config,
		logger:  logger,
		metrics: metrics,
		names:   make(map[string]struct{}),
		weights: make(map[int]string),
	}
}

// RegisterMiddlewares registers the built-in middlewares the config enables.
func (m *Manager) RegisterMiddlewares() error {
	if !m.config.Enabled {
		return nil
	}

	if item := m.config.Recovery; item != nil && item.Enabled {
		if err := m.Register(NewRecoveryMiddleware(item, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	if item := m.config.Logging; item != nil && item.Enabled {
		if err := m.Register(NewLoggingMiddleware(item, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	if item := m.config.CORS; item != nil && item.Enabled {
		cors, err := NewCORSMiddleware(item, m.logger, m.metrics)
		if err != nil {
			return err
		}
		if err = m.Register(cors); err != nil {
			return err
		}
	}

	if item := m.config.RateLimit; item != nil && item.Enabled {
		rateLimit, err := NewRateLimitMiddleware(item, m.logger, m.metrics)
		if err != nil {
			return err
		}
		if err = m.Register(rateLimit); err != nil {
			return err
		}
	}

	if item := m.config.Compression; item != nil && item.Enabled {
		compression, err := NewCompressionMiddleware(item, m.logger, m.metrics)
		if err != nil {
			return err
		}
		if err = m.Register(compression); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) Register(middleware Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewares) >= MaxMiddlewares {
		return types.Errorf(types.ErrInvalidParameter, "maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := middleware.Name()
	if _, exists := m.names[name]; exists {
		return types.Errorf(types.ErrInvalidParameter, "middleware %q already registered", name)
	}

	if existing, exists := m.weights[middleware.Weight()]; exists {
		return types.Errorf(types.ErrInvalidParameter, "duplicate weight %d for middlewares %q and %q",
			middleware.Weight(), existing, name)
	}

	m.middlewares = append(m.middlewares, middleware)
	m.names[name] = struct{}{}
	m.weights[middleware.Weight()] = name

	sort.Slice(m.middlewares, func(i, j int) bool {
		return m.middlewares[i].Weight() < m.middlewares[j].Weight()
	})

	m.logger.Info("Middleware registered",
		zap.String("name", name),
		zap.Int("weight", middleware.Weight()))

	return nil
}

// Names returns the registered middlewares in execution order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.middlewares))
	for i, mw := range m.middlewares {
		names[i] = mw.Name()
	}
	return names
}

// Wrap compiles the chain around handler, skipping the disabled names. The
// chain is fixed at the time of the call.
func (m *Manager) Wrap(handler fasthttp.RequestHandler, disabled ...string) fasthttp.RequestHandler {
	skip := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		skip[name] = struct{}{}
	}

	m.mu.RLock()
	active := make([]Middleware, 0, len(m.middlewares))
	for _, mw := range m.middlewares {
		if _, skipped := skip[mw.Name()]; !skipped {
			active = append(active, mw)
		}
	}
	m.mu.RUnlock()

	wrapped := handler
	for i := len(active) - 1; i >= 0; i-- {
		mw, next := active[i], wrapped
		wrapped = func(ctx *fasthttp.RequestCtx) {
			mw.Handle(ctx, next)
		}
	}

	return wrapped
}

func itemWeight(item *types.MiddlewareItemConfig, fallback int) int {
	if item == nil || item.Weight == 0 {
		return fallback
	}
	return item.Weight
}

func itemParams(item *types.MiddlewareItemConfig) map[string]interface{} {
	if item == nil {
		return nil
	}
	return item.Params
}
