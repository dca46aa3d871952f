// Package stache provides a uniform key/value store adapter over pluggable backing containers.
package stache

import (
	"context"
	"reflect"
)

// Container is the backing key/value store wrapped by a Store.
// Implementations must be safe for concurrent use.
type Container interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the keys currently stored, without duplicates.
	Keys(ctx context.Context) ([]string, error)
}

// Clearer is implemented by containers offering a native bulk clear.
type Clearer interface {
	Clear(ctx context.Context) error
}

// IsAbsent reports whether c carries no usable container, including typed nils.
func IsAbsent(c Container) bool {
	if c == nil {
		return true
	}
	v := reflect.ValueOf(c)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}
