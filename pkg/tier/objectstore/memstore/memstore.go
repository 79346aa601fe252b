// Package memstore is an in-memory objectstore.Store: the hot tier's
// backend, and the default stand-in for warm/cold in tests that don't need
// a real S3-compatible backend.
package memstore

import (
	"context"
	"sync"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Store keeps every object in a guarded map. Not durable across restarts.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errtypes.NotFound(key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = cp
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) Head(ctx context.Context, key string) (bool, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return false, 0, nil
	}
	return true, int64(len(data)), nil
}
