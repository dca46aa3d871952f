//go:build js && wasm

// Package webstorage exposes the browser's localStorage and sessionStorage as stache containers
// when compiled to WebAssembly.
package webstorage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"syscall/js"

	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/stache/registry"
)

// Browser global names.
const (
	LocalStorage   = "localStorage"
	SessionStorage = "sessionStorage"
)

// ErrUnavailable is returned when the global storage object is missing or access to it throws,
// as it does in sandboxed iframes or with storage disabled.
var ErrUnavailable = errors.New("web storage unavailable")

// Storage wraps a Web Storage object. Keys are stored as "prefix:key" unless the prefix is empty.
type Storage struct {
	obj js.Value
	ns  string
}

var (
	_ stache.Container = (*Storage)(nil)
	_ stache.Clearer   = (*Storage)(nil)
)

// Open looks up the named global storage object.
func Open(global, prefix string) (s *Storage, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, global, r)
		}
	}()

	obj := js.Global().Get(global)
	if obj.IsUndefined() || obj.IsNull() {
		return nil, fmt.Errorf("%w: %s is not defined", ErrUnavailable, global)
	}
	// Touch the object: browsers throw here rather than on lookup when storage is blocked.
	_ = obj.Get("length").Int()

	ns := ""
	if prefix != "" {
		ns = prefix + ":"
	}
	return &Storage{obj: obj, ns: ns}, nil
}

// NewEnvironment opens localStorage and sessionStorage. A storage that cannot be opened is left
// nil so the matching provider resolves to an unavailable store.
func NewEnvironment(prefix string) registry.Environment {
	var env registry.Environment
	if s, err := Open(LocalStorage, prefix); err == nil {
		env.Local = s
	}
	if s, err := Open(SessionStorage, prefix); err == nil {
		env.Session = s
	}
	return env
}

// call invokes a storage method, converting a thrown JS exception into an error.
func (s *Storage) call(method string, args ...any) (v js.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if jsErr, ok := r.(js.Error); ok {
				err = fmt.Errorf("%s: %w", method, jsErr)
				return
			}
			err = fmt.Errorf("%s: %v", method, r)
		}
	}()
	return s.obj.Call(method, args...), nil
}

// Get implements stache.Container.
func (s *Storage) Get(_ context.Context, key string) (string, bool, error) {
	v, err := s.call("getItem", s.ns+key)
	if err != nil {
		return "", false, err
	}
	if v.IsNull() || v.IsUndefined() {
		return "", false, nil
	}
	return v.String(), true, nil
}

// Set implements stache.Container. A full storage reports QuotaExceededError.
func (s *Storage) Set(_ context.Context, key, value string) error {
	_, err := s.call("setItem", s.ns+key, value)
	return err
}

// Delete implements stache.Container.
func (s *Storage) Delete(_ context.Context, key string) error {
	_, err := s.call("removeItem", s.ns+key)
	return err
}

// Keys implements stache.Container.
func (s *Storage) Keys(context.Context) ([]string, error) {
	all, err := s.rawKeys()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, s.ns) {
			keys = append(keys, strings.TrimPrefix(k, s.ns))
		}
	}
	return keys, nil
}

// Clear implements stache.Clearer. Without a prefix the whole storage is cleared.
func (s *Storage) Clear(ctx context.Context) error {
	if s.ns == "" {
		_, err := s.call("clear")
		return err
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// rawKeys snapshots every key before the caller mutates the storage, since indices shift on removal.
func (s *Storage) rawKeys() (keys []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			keys, err = nil, fmt.Errorf("key: %v", r)
		}
	}()
	n := s.obj.Get("length").Int()
	keys = make([]string, 0, n)
	for i := 0; i < n; i++ {
		k := s.obj.Call("key", i)
		if k.IsNull() {
			continue
		}
		keys = append(keys, k.String())
	}
	return keys, nil
}
