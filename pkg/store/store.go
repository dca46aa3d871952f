// Package store builds the backend containers behind stache providers.
package store

import (
	"context"

	"github.com/nimburion/stache/pkg/stache"
)

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// Backend is a container owning a connection to an external system.
type Backend interface {
	stache.Container
	Adapter
}
