// Package storetest checks that a stache.Container honours the container contract.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/nimburion/stache/pkg/stache"
)

// NewFunc returns a fresh, empty container namespaced by prefix.
// Containers sharing a backend must not observe each other's keys when prefixes differ.
type NewFunc func(t *testing.T, prefix string) stache.Container

// Keys used by the suite. They include glob and separator characters that backends must
// store literally.
var trickyKeys = []string{
	"plain",
	"with space",
	"colon:separated",
	"glob*star",
	"glob?mark",
	"[bracket]",
	"back\\slash",
	"slash/path",
	"percent%20",
	"ünïcödé",
}

// Run exercises the container contract through a stache.Store.
func Run(t *testing.T, newContainer NewFunc) {
	t.Helper()

	t.Run("SetGet", func(t *testing.T) {
		ctx := context.Background()
		s := stache.New(newContainer(t, "set-get"))

		mustSet(t, s, "a", "1")
		expectValue(t, s, "a", "1")

		mustSet(t, s, "a", "2")
		expectValue(t, s, "a", "2")
		if keys := mustKeys(t, s); len(keys) != 1 {
			t.Fatalf("overwrite must not duplicate keys, got %v", keys)
		}

		if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
			t.Fatalf("Get(missing) = %v, %v; want absent", ok, err)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		s := stache.New(newContainer(t, "empty-value"))
		mustSet(t, s, "blank", "")
		expectValue(t, s, "blank", "")
	})

	t.Run("HasLifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := stache.New(newContainer(t, "has"))

		if ok, err := s.Has(ctx, "k"); err != nil || ok {
			t.Fatalf("Has before Set = %v, %v", ok, err)
		}
		mustSet(t, s, "k", "v")
		if ok, err := s.Has(ctx, "k"); err != nil || !ok {
			t.Fatalf("Has after Set = %v, %v", ok, err)
		}
		if err := s.Remove(ctx, "k"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if ok, err := s.Has(ctx, "k"); err != nil || ok {
			t.Fatalf("Has after Remove = %v, %v", ok, err)
		}
		if err := s.Remove(ctx, "k"); err != nil {
			t.Fatalf("Remove of a missing key: %v", err)
		}
	})

	t.Run("TrickyKeys", func(t *testing.T) {
		s := stache.New(newContainer(t, "tricky"))
		for i, k := range trickyKeys {
			mustSet(t, s, k, fmt.Sprintf("v%d", i))
		}
		for i, k := range trickyKeys {
			expectValue(t, s, k, fmt.Sprintf("v%d", i))
		}
		expectKeys(t, s, trickyKeys)
	})

	t.Run("KeysAndClear", func(t *testing.T) {
		ctx := context.Background()
		s := stache.New(newContainer(t, "clear"))

		want := make([]string, 0, 30)
		for i := 0; i < 30; i++ {
			k := fmt.Sprintf("key-%02d", i)
			want = append(want, k)
			mustSet(t, s, k, k)
		}
		expectKeys(t, s, want)

		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		expectKeys(t, s, nil)
		for _, k := range want {
			if ok, _ := s.Has(ctx, k); ok {
				t.Fatalf("Has(%q) after Clear", k)
			}
		}
	})

	t.Run("PrefixIsolation", func(t *testing.T) {
		ctx := context.Background()
		outer := stache.New(newContainer(t, "iso"))
		inner := stache.New(newContainer(t, "iso-x"))

		mustSet(t, outer, "shared", "outer")
		mustSet(t, inner, "shared", "inner")
		mustSet(t, inner, "only-inner", "1")

		expectValue(t, outer, "shared", "outer")
		expectValue(t, inner, "shared", "inner")
		expectKeys(t, outer, []string{"shared"})
		expectKeys(t, inner, []string{"only-inner", "shared"})

		if err := outer.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		expectKeys(t, outer, nil)
		expectKeys(t, inner, []string{"only-inner", "shared"})
	})
}

func mustSet(t *testing.T, s *stache.Store, key, value string) {
	t.Helper()
	if err := s.Set(context.Background(), key, value); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

func mustKeys(t *testing.T, s *stache.Store) []string {
	t.Helper()
	keys, err := s.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	return keys
}

func expectValue(t *testing.T, s *stache.Store, key, want string) {
	t.Helper()
	got, ok, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if !ok || got != want {
		t.Fatalf("Get(%q) = %q, %v; want %q, true", key, got, ok, want)
	}
}

func expectKeys(t *testing.T, s *stache.Store, want []string) {
	t.Helper()
	got := mustKeys(t, s)
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	expected := append([]string(nil), want...)
	sort.Strings(expected)

	if len(sorted) != len(expected) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range sorted {
		if sorted[i] != expected[i] {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}
