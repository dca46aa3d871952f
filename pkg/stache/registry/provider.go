package registry

import (
	"fmt"
	"sync"

	"github.com/nimburion/stache/pkg/stache"
)

// Provider names registered by NewDefault.
const (
	Local   = "local"
	Session = "session"
	Simple  = "simple"
	Default = "default"
)

// Environment holds the backing containers resolved at startup. A nil field yields an
// unavailable adapter for the matching provider.
type Environment struct {
	Local   stache.Container
	Session stache.Container
}

// Provider is a named store definition. The container arguments are captured when the
// provider is registered; the store is built on first resolution and reused afterwards.
type Provider struct {
	name       string
	containers []stache.Container

	mu    sync.Mutex
	store *stache.Store
}

func newProvider(name string, containers []stache.Container) *Provider {
	return &Provider{
		name:       name,
		containers: append([]stache.Container(nil), containers...),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// Container returns the captured backing container, or nil when none was given or it was nil.
func (p *Provider) Container() stache.Container {
	if len(p.containers) == 0 {
		return nil
	}
	return p.containers[0]
}

// instance returns the cached store, building it with factory on first use.
// The boolean reports whether this call built it. A factory returning nil is an
// error and nothing is cached, so a later resolution retries.
func (p *Provider) instance(factory stache.Factory) (*stache.Store, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		return p.store, false, nil
	}
	store := factory(p.containers...)
	if store == nil {
		return nil, false, fmt.Errorf("%w: provider %s", ErrNilStore, p.name)
	}
	p.store = store
	return store, true, nil
}
