// Package cache provides a generic, size-bounded LRU cache with built-in
// statistics and optional Prometheus export.
//
// Basic usage:
//
//	handles, err := cache.NewLRU[int64, *Handle](1000,
//	    cache.WithMetrics[int64, *Handle](registry, "canonical"),
//	    cache.WithEvictionCallback[int64, *Handle](onEvict),
//	)
//
// Keys may be any comparable type; the zero key is rejected so callers can use
// it as "no key". GetOrSet inserts atomically and is the building block for
// deduplicated handle creation. CompareAndDelete removes an entry only when
// its current value still matches, which lets owners drop stale aliases
// without racing a concurrent re-insert.
//
// Eviction callbacks fire for capacity eviction, Delete, CompareAndDelete and
// Clear. They run after the cache lock is released, so a callback may touch
// this or any other cache.
//
// NewFromConfig builds a cache from a Config; a disabled Config produces a noop
// cache that retains nothing, which keeps call sites free of nil checks.
package cache
