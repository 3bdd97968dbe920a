package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/auth_providers"
	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/control"
	"github.com/saiset-co/sai-offline/cron"
	"github.com/saiset-co/sai-offline/engine"
	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/replay"
	"github.com/saiset-co/sai-offline/server"
	"github.com/saiset-co/sai-offline/tls"
	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	JobReplayProbe   = "replay-probe"
	JobReplayPending = "replay-pending"
)

// Service owns the whole object graph: configuration, storage, upstream,
// lifecycle, engine, control surface and the proxy server.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration

	config      *config.ConfigurationManager
	logger      *logger.Manager
	metrics     *metrics.Manager
	storage     types.Storage
	store       *cache.Store
	upstream    *client.Upstream
	lifecycle   *lifecycle.Manager
	syncStore   types.SyncStore
	queue       *replay.Queue
	engine      *engine.Engine
	channel     *control.Channel
	transport   *control.WebSocketTransport
	health      *health.Manager
	middlewares *middleware.Manager
	tls         *tls.CertManager
	cron        *cron.Manager
	server      *server.FastHTTPServer
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	_, err := os.Stat(configPath)
	if err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	if err := service.registerProviders(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return service, nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.setState(StateStopped)
		_ = s.stopComponents()
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully",
		zap.String("addr", s.server.Addr()),
		zap.String("upstream", s.config.GetConfig().Upstream.BaseURL))

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// Engine exposes the running engine, mainly for embedding and tests.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

func (s *Service) Addr() string {
	return s.server.Addr()
}

// Reload rereads the configuration file. A changed version tag installs a
// new generation; nothing else is applied until restart.
func (s *Service) Reload(ctx context.Context) error {
	previous := s.config.GetConfig().Engine.Version

	cfg, err := s.config.Reload()
	if err != nil {
		return types.WrapError(err, "failed to reload configuration")
	}

	if cfg.Engine.Version == previous {
		s.logger.Info("Configuration reloaded, version unchanged", zap.String("version", previous))
		return nil
	}

	s.logger.Info("Version changed, installing generation",
		zap.String("previous", previous),
		zap.String("version", cfg.Engine.Version))

	if _, err := s.lifecycle.Install(ctx, cfg.Engine.GenerationSpec); err != nil {
		return types.WrapError(err, "failed to install generation")
	}

	return nil
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) registerProviders() error {
	var err error

	s.config, err = config.NewConfigurationManager(s.ctx, s.configPath)
	if err != nil {
		return types.WrapError(err, "failed to register config manager")
	}

	cfg := s.config.GetConfig()

	s.logger, err = logger.NewManager(cfg.Logger)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}

	var metricsManager types.MetricsManager
	s.metrics, err = metrics.NewManager(s.ctx, cfg.Metrics, s.logger)
	switch {
	case err == nil:
		metricsManager = s.metrics
	case types.IsError(err, types.ErrMetricsIsDisabled):
		s.metrics = nil
	default:
		return types.WrapError(err, "failed to register metrics manager")
	}

	s.storage, err = cache.NewStorage(s.ctx, cfg.Storage, s.logger, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to register storage")
	}
	s.store = cache.NewStore(s.storage, s.logger, metricsManager)

	s.upstream, err = client.NewUpstream(cfg.Upstream, s.logger, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to register upstream client")
	}

	s.lifecycle = lifecycle.NewManager(s.store, s.upstream, cfg.Engine, s.logger, metricsManager, nil)

	if cfg.Sync != nil && cfg.Sync.Enabled {
		s.syncStore, err = replay.NewSyncStore(cfg.Sync, s.logger)
		if err != nil {
			return types.WrapError(err, "failed to register sync store")
		}

		s.queue, err = replay.NewQueue(s.syncStore, s.upstream, cfg.Sync, s.logger, metricsManager, nil)
		if err != nil {
			return types.WrapError(err, "failed to register replay queue")
		}
	}

	s.engine = engine.New(s.lifecycle, s.store, s.upstream, s.queue, s.logger, metricsManager, nil)

	s.middlewares = middleware.NewManager(cfg.Middlewares, s.logger, metricsManager)
	if err = s.middlewares.RegisterMiddlewares(); err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}

	var tlsManager types.TLSManager
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		s.tls, err = tls.NewCertManager(s.ctx, cfg.Server.TLS, s.logger)
		if err != nil {
			return types.WrapError(err, "failed to register TLS manager")
		}
		tlsManager = s.tls
	}

	s.server = server.NewHTTPServer(s.ctx, cfg.Server, s.engine, s.middlewares, tlsManager, s.logger, metricsManager)
	if err = s.server.BindClients(s.lifecycle); err != nil {
		return types.WrapError(err, "failed to register client binding")
	}

	if cfg.Control != nil && cfg.Control.Enabled {
		provider, err := auth_providers.NewProvider(cfg.Control.Auth)
		if err != nil {
			return types.WrapError(err, "failed to register control auth")
		}

		s.channel = control.NewChannel(s.engine, cfg.Control, s.logger, metricsManager)
		handler := auth_providers.Protect(provider, control.HTTPHandler(s.channel, s.logger), s.logger)
		if err = s.server.Handle(fasthttp.MethodPost, cfg.Control.Path, handler); err != nil {
			return types.WrapError(err, "failed to register control route")
		}

		if cfg.Control.WebSocket != nil && cfg.Control.WebSocket.Enabled {
			s.transport, err = control.NewWebSocketTransport(s.channel, cfg.Control.WebSocket, s.logger, metricsManager)
			if err != nil {
				return types.WrapError(err, "failed to register websocket transport")
			}
			s.lifecycle.OnEvent(s.transport.Publish)
		}
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		s.health = health.NewManager(s.ctx, cfg.Health, types.ServiceInfo{Name: cfg.Name, Version: cfg.Version}, s.logger)
		s.health.RegisterChecker("storage", health.StorageChecker(s.storage))
		s.health.RegisterChecker("upstream", health.UpstreamChecker(s.upstream))
		s.health.RegisterChecker("generation", health.GenerationChecker(s.lifecycle))
		if s.transport != nil {
			s.health.RegisterChecker("control", health.ConnectionChecker(s.transport))
		}
		if s.tls != nil {
			s.health.RegisterChecker("tls", health.CertificateChecker(s.tls))
		}

		if err = s.server.Handle(fasthttp.MethodGet, cfg.Health.Path, s.health.Handler(), "compression"); err != nil {
			return types.WrapError(err, "failed to register health route")
		}
	}

	if s.metrics != nil {
		if err = s.server.Handle(fasthttp.MethodGet, cfg.Metrics.Path, s.metrics.Handler()); err != nil {
			return types.WrapError(err, "failed to register metrics route")
		}
	}

	if cfg.Cron != nil && cfg.Cron.Enabled {
		s.cron = cron.NewManager(s.ctx, cfg.Cron, s.logger, metricsManager)
		if err = s.registerJobs(cfg, metricsManager); err != nil {
			return types.WrapError(err, "failed to register cron jobs")
		}
	}

	return nil
}

func (s *Service) registerJobs(cfg *types.ServiceConfig, metricsManager types.MetricsManager) error {
	if s.queue == nil {
		return nil
	}

	if err := s.cron.Add(JobReplayProbe, cfg.Sync.Schedule, func(ctx context.Context) {
		s.queue.ProbeAndReplay(ctx, s.upstream.Probe)
	}); err != nil {
		return err
	}

	if metricsManager == nil {
		return nil
	}

	return s.cron.Add(JobReplayPending, "@every 1m", func(ctx context.Context) {
		pending, err := s.queue.Pending(ctx)
		if err != nil {
			s.logger.Warn("Failed to count pending sync tasks", zap.Error(err))
			return
		}
		for tag, count := range pending {
			metricsManager.Gauge("replay_pending_tasks", map[string]string{"tag": tag}).Set(float64(count))
		}
	})
}

func (s *Service) startComponents(ctx context.Context) error {
	cfg := s.config.GetConfig()

	for _, step := range []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"config manager", s.config},
		{"logger", s.logger},
	} {
		if err := step.manager.Start(); err != nil {
			return types.WrapError(err, "failed to start "+step.name)
		}
	}

	if s.metrics != nil {
		if err := s.metrics.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics manager")
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		default:
			return s.storage.Start()
		}
	})

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		default:
			return s.upstream.Start()
		}
	})

	if s.syncStore != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return s.syncStore.Start()
			}
		})
	}

	if s.tls != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return s.tls.Start()
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if s.queue != nil {
		if err := s.queue.Start(ctx); err != nil {
			return types.WrapError(err, "failed to start replay queue")
		}
	}

	s.activateGeneration(ctx, cfg.Engine.GenerationSpec)

	if err := s.engine.Start(); err != nil {
		return types.WrapError(err, "failed to start engine")
	}

	if s.channel != nil {
		if err := s.channel.Start(); err != nil {
			return types.WrapError(err, "failed to start control channel")
		}
	}

	if s.health != nil {
		if err := s.health.Start(); err != nil {
			s.logger.Error("Failed to start health manager", zap.Error(err))
		}
	}

	if err := s.server.Start(); err != nil {
		return types.WrapError(err, "failed to start HTTP server")
	}

	if s.transport != nil {
		if err := s.transport.Start(); err != nil {
			s.logger.Error("Failed to start websocket transport", zap.Error(err))
		}
	}

	if s.cron != nil {
		if err := s.cron.Start(); err != nil {
			s.logger.Error("Failed to start cron manager", zap.Error(err))
		}
	}

	s.logger.Info("All components started successfully")
	return nil
}

// activateGeneration restores the persisted generation when its version
// matches, otherwise installs it. A failed install leaves the engine without
// a generation; requests then pass straight through.
func (s *Service) activateGeneration(ctx context.Context, spec types.GenerationSpec) {
	if _, restored, err := s.lifecycle.Restore(ctx, spec); err != nil {
		s.logger.Warn("Failed to restore generation", zap.String("version", spec.Version), zap.Error(err))
	} else if restored {
		return
	}

	if _, err := s.lifecycle.Install(ctx, spec); err != nil {
		s.logger.Error("Initial generation install failed, serving passthrough",
			zap.String("version", spec.Version),
			zap.Error(err))
	}
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errors []error

	s.logger.Info("Stopping service components...")

	stop := func(name string, manager types.LifecycleManager) {
		if manager == nil || !manager.IsRunning() {
			return
		}
		if err := manager.Stop(); err != nil {
			s.logger.Error("Failed to stop "+name, zap.Error(err))
			errors = append(errors, err)
		}
	}

	stop("HTTP server", s.server)

	g, gCtx := errgroup.WithContext(ctx)

	background := []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"cron manager", lifecycleOrNil(s.cron)},
		{"websocket transport", lifecycleOrNil(s.transport)},
		{"health manager", lifecycleOrNil(s.health)},
	}
	for _, item := range background {
		if item.manager == nil || !item.manager.IsRunning() {
			continue
		}
		item := item
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := item.manager.Stop(); err != nil {
					s.logger.Error("Failed to stop "+item.name, zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errors = append(errors, err)
		}
	}

	if s.channel != nil {
		stop("control channel", s.channel)
	}
	stop("engine", s.engine)

	s.lifecycle.Shutdown()

	if s.syncStore != nil {
		stop("sync store", s.syncStore)
	}
	stop("storage", s.storage)
	stop("upstream client", s.upstream)

	if s.tls != nil {
		stop("TLS manager", s.tls)
	}
	if s.metrics != nil {
		stop("metrics manager", s.metrics)
	}

	stop("config manager", s.config)

	if len(errors) > 0 {
		s.logger.Warn("Components stopped with errors", zap.Int("errors", len(errors)))
	} else {
		s.logger.Info("All components stopped successfully")
	}
	stop("logger", s.logger)

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		syscall.SIGHUP,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					s.logger.Info("Received reload signal")
					if err := s.Reload(s.ctx); err != nil {
						s.logger.Error("Reload failed", zap.Error(err))
					}
					continue
				}

				s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
				if s.transitionState(StateRunning, StateStopping) {
					s.cancel()
				}
				return

			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}

// lifecycleOrNil keeps typed nil pointers out of the interface.
func lifecycleOrNil[T interface {
	comparable
	types.LifecycleManager
}](manager T) types.LifecycleManager {
	var zero T
	if manager == zero {
		return nil
	}
	return manager
}
