package stache

import (
	"context"
	"sort"
	"sync"
)

// Map is an in-process container over a plain map. It has no native bulk clear.
type Map struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Container = (*Map)(nil)

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{
		data: make(map[string]string),
	}
}

// NewMapFrom returns a Map seeded with a copy of data.
func NewMapFrom(data map[string]string) *Map {
	m := NewMap()
	for k, v := range data {
		m.data[k] = v
	}
	return m
}

// Get implements Container.
func (m *Map) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[key]
	return val, ok, nil
}

// Set implements Container.
func (m *Map) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

// Delete implements Container.
func (m *Map) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Keys implements Container. Keys are returned sorted.
func (m *Map) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
