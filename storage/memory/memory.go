// Package memory provides an in-memory implementation of the storage interface
// using github.com/hashicorp/golang-lru/v2 for bounded caching with TTL support.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/authn-oidc-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage implements storage.Storage on top of a size bounded LRU.
type Storage struct {
	cache *lru.Cache[string, *storage.StorageItem]
	now   func() time.Time
}

// Option configures the in-memory storage.
type Option func(*Storage)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New creates a new in-memory storage holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Storage, error) {
	cache, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Storage{cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get retrieves data for a key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.ApplyOptions(opts...)
	storageKey := buildKey(options.Namespace, key)

	item, ok := s.cache.Get(storageKey)
	if !ok {
		return nil, nil
	}
	if item.IsExpired(s.now()) {
		s.cache.Remove(storageKey)
		return nil, nil
	}
	return item, nil
}

// Set stores data for a key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.ApplyOptions(opts...)

	now := s.now()
	item := &storage.StorageItem{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.cache.Add(buildKey(options.Namespace, key), item)
	return nil
}

// Delete removes a key or a whole namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.ApplyOptions(opts...)

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Namespace, *options.Key))
		return nil
	}

	// LRU has no prefix iteration; namespaces are small.
	prefix := string(options.Namespace) + ":"
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close drops all entries.
func (s *Storage) Close() error {
	s.cache.Purge()
	return nil
}

func buildKey(ns storage.Namespace, key string) string {
	return string(ns) + ":" + key
}

var _ storage.Storage = (*Storage)(nil)
