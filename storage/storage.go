// Package storage provides the key/value backend behind the provider
// metadata and signing key caches. Entries are grouped into namespaces and
// may carry a TTL.
package storage

import (
	"context"
	"time"
)

// Storage defines the interface implemented by cache backends.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get retrieves data for a key within the given namespace.
	// Returns a nil StorageItem if the key doesn't exist or has expired.
	// Returns an error only for legitimate backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key, or the whole namespace when no key is
	// given via WithKey.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases resources held by the backend.
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has expired at now.
func (si *StorageItem) IsExpired(now time.Time) bool {
	return si.ExpiresAt != nil && !now.Before(*si.ExpiresAt)
}

// Namespace separates independent caches sharing one backend.
type Namespace string

const (
	// GlobalNamespace is used when no namespace option is given.
	GlobalNamespace Namespace = "global"
	// MetadataNamespace holds discovery documents keyed by provider URI.
	MetadataNamespace Namespace = "metadata"
	// KeySetNamespace holds JWKS documents keyed by jwks_uri.
	KeySetNamespace Namespace = "jwks"
)

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace
	Key       *string
	TTL       *time.Duration
}

// ApplyOptions folds opts over the defaults. Backends call this at the top
// of every operation.
func ApplyOptions(opts ...Option) *Options {
	o := &Options{Namespace: GlobalNamespace}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithNamespace selects the namespace for the operation.
func WithNamespace(ns Namespace) Option {
	return func(opts *Options) {
		if ns != "" {
			opts.Namespace = ns
		}
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire namespace
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data. A non-positive TTL
// stores the data without expiration.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl > 0 {
			opts.TTL = &ttl
		}
	}
}
