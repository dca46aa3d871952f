// Package registry hands out named, lazily built store adapters.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/nimburion/stache/pkg/health"
	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

// ErrUnknownProvider is returned when a name matches neither a provider nor an alias.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrNilStore is returned when the adapter factory builds no store.
var ErrNilStore = errors.New("factory returned no store")

// Option configures a Registry.
type Option func(*Registry)

// WithFactory sets the factory used to build adapters.
func WithFactory(f stache.Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithLogger sets the logger used to report provider instantiation.
func WithLogger(log logger.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// Registry maps provider names to lazily built stores. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factory   stache.Factory
	providers map[string]*Provider
	aliases   map[string]string
	log       logger.Logger
}

// New returns an empty registry using stache.New as factory.
func New(opts ...Option) *Registry {
	r := &Registry{
		factory:   stache.New,
		providers: make(map[string]*Provider),
		aliases:   make(map[string]string),
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefault returns a registry with the local, session and simple providers and the
// default alias pointing at local.
func NewDefault(env Environment, opts ...Option) *Registry {
	r := New(opts...)
	r.Register(Local, env.Local)
	r.Register(Session, env.Session)
	r.Register(Simple)
	r.Alias(Default, Local)
	return r
}

// Register defines or redefines the provider name. Passing no container gives the factory's
// omitted-container behavior; passing a nil container gives an unavailable store.
// Redefining a provider discards its cached store and any alias of the same name.
func (r *Registry) Register(name string, containers ...stache.Container) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.aliases, name)
	r.providers[name] = newProvider(name, containers)
}

// Alias makes alias resolve to whatever target names at lookup time.
// It replaces any provider registered under alias.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.providers, alias)
	r.aliases[alias] = target
}

// SetFactory replaces the factory. Stores already built are kept; providers resolved
// afterwards for the first time use f.
func (r *Registry) SetFactory(f stache.Factory) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = f
}

// Factory returns the current factory.
func (r *Registry) Factory() stache.Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factory
}

// Resolve returns the store for name, following aliases. Every resolution of a provider,
// directly or through an alias, returns the same instance.
func (r *Registry) Resolve(name string) (*stache.Store, error) {
	r.mu.RLock()
	p, err := r.lookup(name)
	factory := r.factory
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	store, created, err := p.instance(factory)
	if err != nil {
		return nil, err
	}
	if created {
		r.log.Debug("provider instantiated", "provider", p.name, "requested", name, "available", store.Available())
	}
	return store, nil
}

// MustResolve is like Resolve but panics on unknown names.
func (r *Registry) MustResolve(name string) *stache.Store {
	store, err := r.Resolve(name)
	if err != nil {
		panic(err)
	}
	return store
}

// lookup finds the provider for name. Callers hold r.mu.
func (r *Registry) lookup(name string) (*Provider, error) {
	current := name
	for hops := 0; hops <= len(r.aliases); hops++ {
		if p, ok := r.providers[current]; ok {
			return p, nil
		}
		target, ok := r.aliases[current]
		if !ok {
			break
		}
		current = target
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
}

// Names returns the sorted provider and alias names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers)+len(r.aliases))
	for name := range r.providers {
		names = append(names, name)
	}
	for name := range r.aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target returns the provider name that name resolves to.
func (r *Registry) Target(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	return p.name, nil
}

// RegisterHealthChecks adds one checker per provider to h. Containers that can probe their
// backend get an AdapterChecker; the others report a static status.
func (r *Registry) RegisterHealthChecks(h *health.Registry) {
	for _, p := range r.snapshot() {
		c := p.Container()
		switch {
		case len(p.containers) > 0 && stache.IsAbsent(c):
			h.Register(health.NewStaticChecker(p.name, health.StatusDegraded, "no backing container"))
		case c == nil:
			h.Register(health.NewStaticChecker(p.name, health.StatusHealthy, "in-process map"))
		default:
			if checkable, ok := c.(health.Checkable); ok {
				h.Register(health.NewAdapterChecker(p.name, checkable, 0))
			} else {
				h.Register(health.NewStaticChecker(p.name, health.StatusHealthy, "OK"))
			}
		}
	}
}

// Close closes every distinct backing container that implements io.Closer.
func (r *Registry) Close() error {
	var (
		errs   []error
		closed []stache.Container
	)
	for _, p := range r.snapshot() {
		c := p.Container()
		if stache.IsAbsent(c) || seen(closed, c) {
			continue
		}
		closer, ok := c.(io.Closer)
		if !ok {
			continue
		}
		closed = append(closed, c)
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck probes every provider container that supports it.
func (r *Registry) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, p := range r.snapshot() {
		c := p.Container()
		if stache.IsAbsent(c) {
			continue
		}
		if checkable, ok := c.(health.Checkable); ok {
			if err := checkable.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", p.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) snapshot() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].name < providers[j].name })
	return providers
}

func seen(list []stache.Container, c stache.Container) bool {
	if !reflect.TypeOf(c).Comparable() {
		return false
	}
	for _, other := range list {
		if reflect.TypeOf(other) == reflect.TypeOf(c) && other == c {
			return true
		}
	}
	return false
}
