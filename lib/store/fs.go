package store

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
)

// FSStore persists each key as one file under a root directory. Writes go
// through write-tmp+rename so concurrent readers never observe torn
// values, and are serialised globally to keep multi-key updates crash
// consistent.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore opens (creating if needed) a filesystem store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing store directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "//") {
		return "", trace.BadParameter("invalid key %q", key)
	}
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		if seg == "." || seg == ".." {
			return "", trace.BadParameter("invalid key %q", key)
		}
		segments[i] = url.PathEscape(seg)
	}
	return filepath.Join(append([]string{s.root}, segments...)...), nil
}

// Get returns the value at key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("key %q is not found", key)
		}
		return nil, trace.ConvertSystemError(err)
	}
	return value, nil
}

// Put writes value at key atomically.
func (s *FSStore) Put(ctx context.Context, key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := renameio.WriteFile(path, value, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Delete removes key; absent keys are ignored.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// GetRange returns all items under prefix in key order.
func (s *FSStore) GetRange(ctx context.Context, prefix string) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return trace.ConvertSystemError(err)
		}
		if d.IsDir() {
			return nil
		}
		key, err := s.keyFor(path)
		if err != nil {
			return trace.Wrap(err)
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		value, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Deleted while walking.
				return nil
			}
			return trace.ConvertSystemError(err)
		}
		items = append(items, Item{Key: key, Value: value})
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// DeleteRange removes all items under prefix.
func (s *FSStore) DeleteRange(ctx context.Context, prefix string) error {
	items, err := s.GetRange(ctx, prefix)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, item := range items {
		if err := s.Delete(ctx, item.Key); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error { return nil }

func (s *FSStore) keyFor(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", trace.Wrap(err)
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segments {
		unescaped, err := url.PathUnescape(seg)
		if err != nil {
			return "", trace.Wrap(err)
		}
		segments[i] = unescaped
	}
	return strings.Join(segments, "/"), nil
}
