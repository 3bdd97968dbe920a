package lifecycle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/classifier"
	"github.com/saiset-co/sai-offline/fallback"
	"github.com/saiset-co/sai-offline/types"
)

// Generation is one installed version of the rule table together with the
// buckets it owns. Its classifier and fallback table never change after
// install.
type Generation struct {
	spec       types.GenerationSpec
	classifier *classifier.Classifier
	resolver   *fallback.Resolver
	buckets    map[string]string
	precache   string
	logger     types.Logger

	state atomic.Value

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	retired bool
	clients map[string]struct{}
	work    sync.WaitGroup
}

func newGeneration(spec types.GenerationSpec, store fallback.Store, logger types.Logger) (*Generation, error) {
	if spec.Version == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "generation version is required")
	}
	if spec.PrecacheBucket == "" || spec.PrecacheLimit <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "precache bucket and limit are required")
	}

	buckets := map[string]string{
		spec.PrecacheBucket: types.BucketName(spec.PrecacheBucket, spec.Version),
	}
	for _, b := range spec.Buckets {
		if _, exists := buckets[b.Name]; exists {
			return nil, types.Errorf(types.ErrInvalidParameter, "bucket %q declared twice", b.Name)
		}
		if b.SizeLimit <= 0 {
			return nil, types.Errorf(types.ErrInvalidParameter, "bucket %q needs a positive size limit", b.Name)
		}
		buckets[b.Name] = types.BucketName(b.Name, spec.Version)
	}

	for i, rule := range spec.Rules {
		if _, ok := buckets[rule.Bucket]; !ok {
			return nil, types.Errorf(types.ErrRuleInvalid, "rule %d uses undeclared bucket %q", i, rule.Bucket)
		}
	}

	cls, err := classifier.New(spec.Rules)
	if err != nil {
		return nil, err
	}

	precache := buckets[spec.PrecacheBucket]
	resolver, err := fallback.NewResolver(store, precache, spec.Fallbacks)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	g := &Generation{
		spec:       spec,
		classifier: cls,
		resolver:   resolver,
		buckets:    buckets,
		precache:   precache,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]struct{}),
	}
	g.state.Store(types.GenerationInstalling)

	return g, nil
}

func (g *Generation) Version() string {
	return g.spec.Version
}

func (g *Generation) Spec() types.GenerationSpec {
	return g.spec
}

func (g *Generation) State() types.GenerationState {
	return g.state.Load().(types.GenerationState)
}

func (g *Generation) Classifier() *classifier.Classifier {
	return g.classifier
}

func (g *Generation) Resolver() *fallback.Resolver {
	return g.resolver
}

// Bucket maps a logical bucket name to the physical one this generation owns.
func (g *Generation) Bucket(logical string) (string, bool) {
	name, ok := g.buckets[logical]
	return name, ok
}

func (g *Generation) PrecacheBucket() string {
	return g.precache
}

// Buckets returns the physical bucket names, sorted.
func (g *Generation) Buckets() []string {
	names := make([]string, 0, len(g.buckets))
	for _, name := range g.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Generation) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Generation) Info() *types.GenerationInfo {
	return &types.GenerationInfo{
		Version: g.spec.Version,
		State:   g.State().String(),
		Buckets: g.Buckets(),
		Clients: g.Clients(),
	}
}

// Go runs fn on the generation's background context. It refuses new work
// once the generation is retired.
func (g *Generation) Go(name string, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	if g.retired {
		g.mu.Unlock()
		return false
	}
	g.work.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.work.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Background task panicked",
					zap.String("version", g.spec.Version),
					zap.String("task", name),
					zap.Any("panic", r))
			}
		}()

		fn(g.ctx)
	}()

	return true
}

func (g *Generation) acquire() (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		return nil, false
	}
	g.work.Add(1)

	var once sync.Once
	return func() { once.Do(g.work.Done) }, true
}

func (g *Generation) bind(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		return false
	}
	g.clients[clientID] = struct{}{}
	return true
}

func (g *Generation) release(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clients[clientID]; !ok {
		return false
	}
	delete(g.clients, clientID)
	return true
}

func (g *Generation) setState(state types.GenerationState) {
	g.state.Store(state)
}

// retire stops new requests and background work, cancels running
// revalidations and waits up to timeout for in-flight work. It reports
// whether everything drained.
func (g *Generation) retire(timeout time.Duration) bool {
	g.mu.Lock()
	if g.retired {
		g.mu.Unlock()
		return true
	}
	g.retired = true
	g.clients = make(map[string]struct{})
	g.mu.Unlock()

	g.setState(types.GenerationRedundant)
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.work.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
