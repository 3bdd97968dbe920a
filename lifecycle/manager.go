package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/fallback"
	"github.com/saiset-co/sai-offline/types"
)

const (
	MetaActiveVersion = "active_version"

	EventInstalled = "installed"
	EventActivated = "activated"
	EventRedundant = "redundant"

	defaultInstallWorkers = 4
	defaultDrainTimeout   = 10 * time.Second
)

type Store interface {
	fallback.Store
	Open(ctx context.Context, name string, limit int64) error
	Put(ctx context.Context, name string, entry *types.CacheEntry) error
	Drop(ctx context.Context, name string) error
	Buckets(ctx context.Context) ([]string, error)
	ReadMeta(ctx context.Context, key string) (string, error)
	WriteMeta(ctx context.Context, key, value string) error
}

type Listener func(event types.LifecycleEvent)

// Manager owns the generations. Every transition runs under one mutex;
// request handling only reads the current pointer.
type Manager struct {
	store   Store
	fetcher types.Fetcher
	logger  types.Logger
	metrics types.MetricsManager
	clock   types.Clock

	installWorkers int
	drainTimeout   time.Duration

	current atomic.Pointer[Generation]

	mu         sync.Mutex
	waiting    *Generation
	installing *Generation
	listeners  []Listener
}

func NewManager(store Store, fetcher types.Fetcher, config *types.EngineConfig, logger types.Logger, metrics types.MetricsManager, clock types.Clock) *Manager {
	if clock == nil {
		clock = types.SystemClock
	}

	m := &Manager{
		store:          store,
		fetcher:        fetcher,
		logger:         logger,
		metrics:        metrics,
		clock:          clock,
		installWorkers: defaultInstallWorkers,
		drainTimeout:   defaultDrainTimeout,
	}

	if config != nil {
		if config.InstallWorkers > 0 {
			m.installWorkers = config.InstallWorkers
		}
		if config.DrainTimeout > 0 {
			m.drainTimeout = config.DrainTimeout
		}
	}

	return m
}

// OnEvent registers a listener. Listeners run inside the transition and
// must not block or call back into the manager.
func (m *Manager) OnEvent(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) Current() *Generation {
	return m.current.Load()
}

func (m *Manager) Waiting() *Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

func (m *Manager) CurrentInfo() *types.GenerationInfo {
	if gen := m.Current(); gen != nil {
		return gen.Info()
	}
	return nil
}

func (m *Manager) WaitingInfo() *types.GenerationInfo {
	if gen := m.Waiting(); gen != nil {
		return gen.Info()
	}
	return nil
}

// PersistedVersion returns the version tag recorded by the last promotion,
// possibly by a previous process.
func (m *Manager) PersistedVersion(ctx context.Context) (string, error) {
	return m.store.ReadMeta(ctx, MetaActiveVersion)
}

// Install builds a generation from spec, opens its buckets and precaches the
// manifest. Any failure leaves the generation redundant with its buckets
// dropped. Installing the version that is already current or waiting
// returns that generation unchanged.
func (m *Manager) Install(ctx context.Context, spec types.GenerationSpec) (*Generation, error) {
	m.mu.Lock()
	if current := m.current.Load(); current != nil && current.Version() == spec.Version {
		m.mu.Unlock()
		return current, nil
	}
	if m.waiting != nil && m.waiting.Version() == spec.Version {
		waiting := m.waiting
		m.mu.Unlock()
		return waiting, nil
	}
	if m.installing != nil {
		version := m.installing.Version()
		m.mu.Unlock()
		return nil, types.Errorf(types.ErrGenerationInProgress, "version %s", version)
	}

	gen, err := newGeneration(spec, m.store, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, installError(spec.Version, err)
	}
	m.installing = gen
	m.mu.Unlock()

	m.logger.Info("Installing generation",
		zap.String("version", spec.Version),
		zap.Strings("buckets", gen.Buckets()),
		zap.Int("manifest", len(spec.Manifest)))

	start := time.Now()
	installErr := m.populate(ctx, gen)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.installing = nil

	if installErr != nil {
		gen.retire(0)
		m.dropBuckets(ctx, gen.Buckets())
		m.emit(EventRedundant, gen)

		m.logger.Error("Generation install failed",
			zap.String("version", spec.Version),
			zap.Error(installErr))
		return nil, installError(spec.Version, installErr)
	}

	gen.setState(types.GenerationWaiting)
	m.emit(EventInstalled, gen)
	m.logger.Info("Generation installed",
		zap.String("version", spec.Version),
		zap.Duration("duration", time.Since(start)))

	if previous := m.waiting; previous != nil {
		previous.retire(m.drainTimeout)
		m.dropBuckets(ctx, previous.Buckets())
		m.emit(EventRedundant, previous)
	}
	m.waiting = gen

	m.maybeActivateLocked(ctx)

	return gen, nil
}

// Restore reactivates spec from storage without precaching when a previous
// process left it active and its precache bucket is still present. It
// reports false when nothing could be restored; the caller installs instead.
func (m *Manager) Restore(ctx context.Context, spec types.GenerationSpec) (*Generation, bool, error) {
	persisted, err := m.PersistedVersion(ctx)
	if err != nil || persisted != spec.Version {
		return nil, false, nil
	}

	gen, err := newGeneration(spec, m.store, m.logger)
	if err != nil {
		return nil, false, installError(spec.Version, err)
	}

	names, err := m.store.Buckets(ctx)
	if err != nil {
		return nil, false, types.WrapError(err, "failed to list buckets")
	}

	// Runtime buckets may legitimately be empty; only the precache bucket
	// proves the install completed.
	if len(manifestWithFallbacks(spec.Manifest, gen.Resolver().Keys())) > 0 && !contains(names, gen.PrecacheBucket()) {
		m.logger.Info("Persisted generation incomplete, reinstalling",
			zap.String("version", spec.Version),
			zap.String("missing", gen.PrecacheBucket()))
		return nil, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Load() != nil || m.waiting != nil || m.installing != nil {
		return nil, false, types.Errorf(types.ErrGenerationInProgress, "version %s", spec.Version)
	}

	if err := m.store.Open(ctx, gen.PrecacheBucket(), spec.PrecacheLimit); err != nil {
		return nil, false, err
	}
	for _, b := range spec.Buckets {
		physical, _ := gen.Bucket(b.Name)
		if err := m.store.Open(ctx, physical, b.SizeLimit); err != nil {
			return nil, false, err
		}
	}

	m.waiting = gen
	m.promoteLocked(ctx)

	m.logger.Info("Generation restored from storage", zap.String("version", spec.Version))
	return gen, true, nil
}

// Activate promotes the waiting generation if the current one has no bound
// clients. It reports whether a promotion happened.
func (m *Manager) Activate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waiting == nil {
		return false, types.ErrNoWaitingGeneration
	}

	return m.maybeActivateLocked(ctx), nil
}

// SkipWaiting promotes the waiting generation regardless of bound clients.
func (m *Manager) SkipWaiting(ctx context.Context) (*types.GenerationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waiting == nil {
		return nil, types.ErrNoWaitingGeneration
	}

	m.promoteLocked(ctx)
	return m.current.Load().Info(), nil
}

// Acquire returns the current generation and a release func that must be
// called once the request finishes. The generation is not retired while a
// request holds it, up to the drain timeout.
func (m *Manager) Acquire() (*Generation, func(), error) {
	for {
		gen := m.current.Load()
		if gen == nil {
			return nil, nil, types.ErrGenerationNotFound
		}

		if release, ok := gen.acquire(); ok {
			return gen, release, nil
		}

		// Retired between the load and the acquire; the pointer has already
		// moved on, unless the manager was shut down.
		if m.current.Load() == gen {
			return nil, nil, types.Errorf(types.ErrGenerationRetired, "version %s", gen.Version())
		}
	}
}

// BindClient attaches a foreground client to the current generation. A bound
// client keeps a waiting generation from activating on its own.
func (m *Manager) BindClient(clientID string) (*types.GenerationInfo, error) {
	gen := m.current.Load()
	if gen == nil {
		return nil, types.ErrGenerationNotFound
	}

	if !gen.bind(clientID) {
		return nil, types.Errorf(types.ErrGenerationRetired, "version %s", gen.Version())
	}
	return gen.Info(), nil
}

// ReleaseClient detaches a client. Releasing the last client of the current
// generation activates a waiting one.
func (m *Manager) ReleaseClient(ctx context.Context, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.current.Load()
	if gen == nil || !gen.release(clientID) {
		return
	}

	m.maybeActivateLocked(ctx)
}

// Shutdown retires every generation without dropping buckets so that a
// persistent backend keeps its contents for the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waiting != nil {
		m.waiting.retire(m.drainTimeout)
		m.waiting = nil
	}

	if current := m.current.Load(); current != nil {
		if !current.retire(m.drainTimeout) {
			m.logger.Warn("Generation did not drain before shutdown",
				zap.String("version", current.Version()))
		}
	}
}

func (m *Manager) maybeActivateLocked(ctx context.Context) bool {
	if m.waiting == nil {
		return false
	}

	if current := m.current.Load(); current != nil && current.Clients() > 0 {
		m.logger.Info("Generation waiting for clients to release",
			zap.String("version", m.waiting.Version()),
			zap.String("current", current.Version()),
			zap.Int("clients", current.Clients()))
		return false
	}

	m.promoteLocked(ctx)
	return true
}

// promoteLocked swaps the current pointer, retires and drains the previous
// generation, then drops every bucket outside the live whitelist.
func (m *Manager) promoteLocked(ctx context.Context) {
	next := m.waiting
	m.waiting = nil

	next.setState(types.GenerationActive)
	previous := m.current.Swap(next)

	if err := m.store.WriteMeta(ctx, MetaActiveVersion, next.Version()); err != nil {
		m.logger.Warn("Failed to persist active version",
			zap.String("version", next.Version()),
			zap.Error(err))
	}

	m.emit(EventActivated, next)
	m.logger.Info("Generation activated", zap.String("version", next.Version()))

	if previous != nil {
		if !previous.retire(m.drainTimeout) {
			m.logger.Warn("Generation drain timed out",
				zap.String("version", previous.Version()),
				zap.Duration("timeout", m.drainTimeout))
		}
		m.emit(EventRedundant, previous)
	}

	m.collectLocked(ctx)
}

// collectLocked drops buckets owned by no live generation, including buckets
// left in storage by versions this process never loaded.
func (m *Manager) collectLocked(ctx context.Context) {
	names, err := m.store.Buckets(ctx)
	if err != nil {
		m.logger.Warn("Failed to list buckets for cleanup", zap.Error(err))
		return
	}

	keep := make(map[string]struct{})
	for _, gen := range []*Generation{m.current.Load(), m.waiting, m.installing} {
		if gen == nil {
			continue
		}
		for _, name := range gen.Buckets() {
			keep[name] = struct{}{}
		}
	}

	var stale []string
	for _, name := range names {
		if _, ok := keep[name]; !ok {
			stale = append(stale, name)
		}
	}

	m.dropBuckets(ctx, stale)
}

func (m *Manager) dropBuckets(ctx context.Context, names []string) {
	for _, name := range names {
		if err := m.store.Drop(context.WithoutCancel(ctx), name); err != nil {
			m.logger.Warn("Failed to drop bucket",
				zap.String("bucket", name),
				zap.Error(err))
			continue
		}
		m.logger.Debug("Bucket dropped", zap.String("bucket", name))
	}
}

func (m *Manager) populate(ctx context.Context, gen *Generation) error {
	spec := gen.Spec()

	if err := m.store.Open(ctx, gen.PrecacheBucket(), spec.PrecacheLimit); err != nil {
		return err
	}
	for _, b := range spec.Buckets {
		physical, _ := gen.Bucket(b.Name)
		if err := m.store.Open(ctx, physical, b.SizeLimit); err != nil {
			return err
		}
	}

	urls := manifestWithFallbacks(spec.Manifest, gen.Resolver().Keys())

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.installWorkers)

	for _, rawURL := range urls {
		rawURL := rawURL
		group.Go(func() error {
			return m.precache(groupCtx, gen, rawURL)
		})
	}

	return group.Wait()
}

func (m *Manager) precache(ctx context.Context, gen *Generation, rawURL string) error {
	req, err := types.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		return err
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return types.WrapError(err, "precache "+rawURL)
	}

	if resp.Status < 200 || resp.Status >= 300 {
		return types.Errorf(types.ErrInstallFailed, "precache %s: status %d", rawURL, resp.Status)
	}

	entry := types.NewCacheEntry(req.CacheKey(), resp, types.EpochMs(m.clock()))
	if err := m.store.Put(ctx, gen.PrecacheBucket(), entry); err != nil {
		return types.WrapError(err, "precache "+rawURL)
	}

	return nil
}

func (m *Manager) emit(eventType string, gen *Generation) {
	event := types.LifecycleEvent{
		Type:    eventType,
		Version: gen.Version(),
		State:   gen.State().String(),
	}

	if m.metrics != nil {
		m.metrics.Counter("lifecycle_events_total", map[string]string{"event": eventType}).Inc()
	}

	for _, listener := range m.listeners {
		listener(event)
	}
}

// manifestWithFallbacks appends fallback keys the manifest does not already
// list, keeping manifest order.
func manifestWithFallbacks(manifest []string, fallbackKeys []string) []string {
	seen := make(map[string]struct{}, len(manifest))
	urls := make([]string, 0, len(manifest)+len(fallbackKeys))

	for _, rawURL := range manifest {
		key, err := fallback.NormalizeKey(rawURL)
		if err != nil {
			key = rawURL
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		urls = append(urls, rawURL)
	}

	for _, key := range fallbackKeys {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			urls = append(urls, key)
		}
	}

	return urls
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func installError(version string, err error) error {
	if types.IsError(err, types.ErrInstallFailed) {
		return err
	}
	return fmt.Errorf("%w: version %s: %w", types.ErrInstallFailed, version, err)
}
