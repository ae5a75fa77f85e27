// Package cache provides a generic, thread-safe, size-bounded LRU cache.
//
// Each cache keeps Statistics (always on) and can additionally export them as
// Prometheus metrics through WithMetrics. Eviction callbacks run outside the
// cache lock so they may call back into other caches.
package cache

import (
	"github.com/c360/recipientcache/errors"
)

// Cache is a bounded key/value cache parameterized by key and value type.
type Cache[K comparable, V any] interface {
	// Get retrieves a value and marks it as recently used.
	Get(key K) (V, bool)

	// Peek retrieves a value without touching recency or hit statistics.
	Peek(key K) (V, bool)

	// Set stores a value. Returns true if a new entry was created, false if updated.
	Set(key K, value V) (bool, error)

	// GetOrSet returns the existing value for key, or stores and returns create().
	// loaded reports whether the value was already present. create runs under
	// the cache lock and must not call back into the same cache.
	GetOrSet(key K, create func() V) (value V, loaded bool, err error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key K) (bool, error)

	// CompareAndDelete removes the entry for key only if match reports true for
	// its current value.
	CompareAndDelete(key K, match func(V) bool) (bool, error)

	// Clear removes all entries, invoking the eviction callback for each.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys, most recently used first.
	Keys() []K

	// Stats returns cache statistics, nil for the noop cache.
	Stats() *Statistics

	// Close releases resources.
	Close() error
}

// EvictCallback is called when an entry leaves the cache through capacity
// eviction, Delete, CompareAndDelete or Clear.
type EvictCallback[K comparable, V any] func(key K, value V)

// validateKey rejects the zero key.
func validateKey[K comparable](key K) error {
	var zero K
	if key == zero {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be the zero value")
	}
	return nil
}
