//go:build js && wasm

package webstorage

import (
	"context"
	"sort"
	"testing"

	"syscall/js"

	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/stache/registry"
	"github.com/nimburion/stache/pkg/store/storetest"
)

// installFakeStorage defines a Web Storage lookalike as a JS global backed by a Go map.
// setItem throws once the map holds quota entries.
func installFakeStorage(t *testing.T, global string, quota int) {
	t.Helper()
	data := map[string]string{}
	obj := js.Global().Get("Object").New()

	sortedKeys := func() []string {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}
	updateLength := func() { obj.Set("length", len(data)) }

	var funcs []js.Func
	define := func(name string, fn func(args []js.Value) any) {
		f := js.FuncOf(func(_ js.Value, args []js.Value) any { return fn(args) })
		funcs = append(funcs, f)
		obj.Set(name, f)
	}

	define("getItem", func(args []js.Value) any {
		if v, ok := data[args[0].String()]; ok {
			return v
		}
		return nil
	})
	// The throw has to happen on the JS side of the boundary, so setItem is a JS wrapper
	// around a Go function that reports whether the write fit.
	store := js.FuncOf(func(_ js.Value, args []js.Value) any {
		k := args[0].String()
		if _, exists := data[k]; !exists && quota > 0 && len(data) >= quota {
			return false
		}
		data[k] = args[1].String()
		updateLength()
		return true
	})
	funcs = append(funcs, store)
	wrap := js.Global().Get("Function").New("store",
		"return function(k, v) { if (!store(k, v)) { throw new Error('QuotaExceededError'); } };")
	obj.Set("setItem", wrap.Invoke(store))
	define("removeItem", func(args []js.Value) any {
		delete(data, args[0].String())
		updateLength()
		return nil
	})
	define("key", func(args []js.Value) any {
		keys := sortedKeys()
		if i := args[0].Int(); i < len(keys) {
			return keys[i]
		}
		return nil
	})
	define("clear", func([]js.Value) any {
		data = map[string]string{}
		updateLength()
		return nil
	})
	updateLength()

	js.Global().Set(global, obj)
	t.Cleanup(func() {
		js.Global().Delete(global)
		for _, f := range funcs {
			f.Release()
		}
	})
}

func TestStorage_Conformance(t *testing.T) {
	installFakeStorage(t, LocalStorage, 0)
	storetest.Run(t, func(t *testing.T, prefix string) stache.Container {
		s, err := Open(LocalStorage, prefix)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return s
	})
}

func TestStorage_QuotaErrorPropagates(t *testing.T) {
	installFakeStorage(t, SessionStorage, 1)
	s, err := Open(SessionStorage, "session")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store := stache.New(s)
	ctx := context.Background()

	if err := store.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if err := store.Set(ctx, "b", "2"); err == nil {
		t.Fatal("expected quota error")
	}
}

func TestStorage_UnprefixedClearEmptiesStorage(t *testing.T) {
	installFakeStorage(t, LocalStorage, 0)
	s, err := Open(LocalStorage, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	_ = s.Set(ctx, "a", "1")
	_ = s.Set(ctx, "b", "2")

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if keys, _ := s.Keys(ctx); len(keys) != 0 {
		t.Fatalf("Keys() after Clear = %v", keys)
	}
}

func TestNewEnvironment_MissingStorageIsUnavailable(t *testing.T) {
	installFakeStorage(t, LocalStorage, 0)
	js.Global().Delete(SessionStorage)

	r := registry.NewDefault(NewEnvironment("app"))
	if !r.MustResolve(registry.Local).Available() {
		t.Fatal("local should be available")
	}
	if r.MustResolve(registry.Session).Available() {
		t.Fatal("session should be unavailable without sessionStorage")
	}
	if !r.MustResolve(registry.Simple).Available() {
		t.Fatal("simple is always available")
	}
}
