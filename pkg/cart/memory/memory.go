// Package memory implements an in-memory cart storage slot.
package memory

import (
	"context"
	"sync"
)

// Storage keeps values in a map. It is lost when the process exits.
type Storage struct {
	mu     sync.RWMutex
	values map[string]string
}

// New creates an empty storage.
func New() *Storage {
	return &Storage{values: make(map[string]string)}
}

// GetItem retrieves a value by key.
func (s *Storage) GetItem(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// SetItem stores the value.
func (s *Storage) SetItem(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Clear removes all values.
func (s *Storage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
	return nil
}
