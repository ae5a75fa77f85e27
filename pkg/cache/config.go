package cache

import (
	"fmt"

	"github.com/c360/recipientcache/errors"
)

// Config describes one bounded map.
type Config struct {
	// Enabled false yields a noop cache that never retains anything.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxSize is the maximum number of entries.
	MaxSize int `json:"max_size" yaml:"max_size"`
}

// DefaultConfig returns an enabled cache of 1000 entries.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		MaxSize: 1000,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("max_size must be positive, got %d", c.MaxSize))
	}
	return nil
}

// NewFromConfig creates an LRU cache, or a noop cache when config.Enabled is false.
func NewFromConfig[K comparable, V any](config Config, options ...Option[K, V]) (Cache[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewFromConfig", "config validation failed")
	}
	if !config.Enabled {
		return NewNoop[K, V](), nil
	}
	return NewLRU[K, V](config.MaxSize, options...)
}

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU[K comparable, V any](maxSize int, options ...Option[K, V]) (Cache[K, V], error) {
	return newLRUCache[K, V](maxSize, applyOptions(options...))
}

// NewNoop creates a cache that retains nothing.
func NewNoop[K comparable, V any]() Cache[K, V] {
	return noopCache[K, V]{}
}

type noopCache[K comparable, V any] struct{}

func (noopCache[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (noopCache[K, V]) Peek(K) (V, bool) {
	var zero V
	return zero, false
}

func (noopCache[K, V]) Set(K, V) (bool, error) { return false, nil }

func (noopCache[K, V]) GetOrSet(_ K, create func() V) (V, bool, error) {
	return create(), false, nil
}

func (noopCache[K, V]) Delete(K) (bool, error)                       { return false, nil }
func (noopCache[K, V]) CompareAndDelete(K, func(V) bool) (bool, error) { return false, nil }
func (noopCache[K, V]) Clear() error                                 { return nil }
func (noopCache[K, V]) Size() int                                    { return 0 }
func (noopCache[K, V]) Keys() []K                                    { return nil }
func (noopCache[K, V]) Stats() *Statistics                           { return nil }
func (noopCache[K, V]) Close() error                                 { return nil }
