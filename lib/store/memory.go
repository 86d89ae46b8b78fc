package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// MemoryStore is an in-memory Store used in tests and as a scratch
// backend.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Get returns the value at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	if !ok {
		return nil, trace.NotFound("key %q is not found", key)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put writes value at key.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return trace.BadParameter("missing key")
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = stored
	return nil
}

// Delete removes key; absent keys are ignored.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// GetRange returns all items under prefix in key order.
func (s *MemoryStore) GetRange(ctx context.Context, prefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []Item
	for key, value := range s.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out := make([]byte, len(value))
		copy(out, value)
		items = append(items, Item{Key: key, Value: out})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// DeleteRange removes all items under prefix.
func (s *MemoryStore) DeleteRange(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			delete(s.items, key)
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
