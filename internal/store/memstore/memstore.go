// Package memstore provides an in-memory [store.KV] for tests and ephemeral
// deployments.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/callwright/internal/store"
)

var _ store.KV = (*Store)(nil)

// Store is a thread-safe in-memory KV. The zero value is ready to use.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	sets int
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get implements [store.KV.Get].
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return slices.Clone(v), ok, nil
}

// Set implements [store.KV.Set].
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[key] = slices.Clone(value)
	s.sets++
	return nil
}

// Writes returns how many times Set has been called.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets
}
