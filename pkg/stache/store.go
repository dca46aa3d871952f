package stache

import (
	"context"
)

// Factory builds a Store. Calling it with no container yields a Store backed by a fresh Map;
// calling it with a nil container yields an unavailable Store.
type Factory func(containers ...Container) *Store

// Store is a uniform get/set/has/remove/clear/keys view over a Container.
//
// A Store built without a usable container is unavailable: every mutation is a no-op and
// every read reports absence. Availability is fixed at construction.
type Store struct {
	container Container
	available bool
}

var _ Factory = New

// New returns a Store over the first container given. With no arguments the Store wraps a new
// empty Map and is available. An explicit nil container produces an unavailable Store.
// Arguments after the first are ignored.
func New(containers ...Container) *Store {
	if len(containers) == 0 {
		return &Store{container: NewMap(), available: true}
	}

	c := containers[0]
	if IsAbsent(c) {
		return &Store{}
	}
	return &Store{container: c, available: true}
}

// Available reports whether the Store is backed by a container.
func (s *Store) Available() bool {
	return s.available
}

// Container returns the wrapped container, or nil when the Store is unavailable.
func (s *Store) Container() Container {
	return s.container
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if !s.available {
		return nil
	}
	return s.container.Set(ctx, key, value)
}

// Get returns the value stored under key. The boolean is false when no value is stored.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if !s.available {
		return "", false, nil
	}
	return s.container.Get(ctx, key)
}

// Has reports whether a value is stored under key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if !s.available {
		return nil
	}
	return s.container.Delete(ctx, key)
}

// Clear removes every key. Containers implementing Clearer are cleared natively; for the
// others each enumerated key is removed in turn, stopping at the first error.
func (s *Store) Clear(ctx context.Context) error {
	if !s.available {
		return nil
	}
	if c, ok := s.container.(Clearer); ok {
		return c.Clear(ctx)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the stored keys. An unavailable Store returns an empty slice.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if !s.available {
		return []string{}, nil
	}
	keys, err := s.container.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
