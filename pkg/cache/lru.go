package cache

import (
	"container/list"
	"sync"

	"github.com/c360/recipientcache/errors"
)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// lruCache evicts the least recently used entry once maxSize is exceeded.
type lruCache[K comparable, V any] struct {
	mu      sync.RWMutex
	maxSize int
	items   map[K]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics // nil unless WithMetrics
	evictFn EvictCallback[K, V]
}

func newLRUCache[K comparable, V any](maxSize int, opts *cacheOptions[K, V]) (*lruCache[K, V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "newLRUCache", "max size must be positive")
	}

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "newLRUCache", "metrics registration")
		}
	}

	return &lruCache[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return element.Value.(*lruEntry[K, V]).value, true
}

func (c *lruCache[K, V]) Peek(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if element, exists := c.items[key]; exists {
		return element.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

func (c *lruCache[K, V]) Set(key K, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	created, evicted := c.setLocked(key, value)
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return created, nil
}

func (c *lruCache[K, V]) GetOrSet(key K, create func() V) (V, bool, error) {
	if err := validateKey(key); err != nil {
		var zero V
		return zero, false, err
	}

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		c.order.MoveToFront(element)
		c.stats.Hit()
		if c.metrics != nil {
			c.metrics.recordHit()
		}
		value := element.Value.(*lruEntry[K, V]).value
		c.mu.Unlock()
		return value, true, nil
	}

	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}
	value := create()
	_, evicted := c.setLocked(key, value)
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return value, false, nil
}

// setLocked inserts or updates key and returns the entries pushed out by capacity.
func (c *lruCache[K, V]) setLocked(key K, value V) (bool, []lruEntry[K, V]) {
	c.stats.Set()
	if c.metrics != nil {
		c.metrics.recordSet()
	}

	if element, exists := c.items[key]; exists {
		element.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(element)
		return false, nil
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})

	var evicted []lruEntry[K, V]
	for len(c.items) > c.maxSize {
		back := c.order.Back()
		entry := back.Value.(*lruEntry[K, V])
		c.removeElementLocked(back)
		evicted = append(evicted, *entry)
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
	}

	c.updateSizeLocked()
	return true, evicted
}

func (c *lruCache[K, V]) Delete(key K) (bool, error) {
	return c.CompareAndDelete(key, nil)
}

func (c *lruCache[K, V]) CompareAndDelete(key K, match func(V) bool) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	entry := *element.Value.(*lruEntry[K, V])
	if match != nil && !match(entry.value) {
		c.mu.Unlock()
		return false, nil
	}

	c.removeElementLocked(element)
	c.stats.Delete()
	if c.metrics != nil {
		c.metrics.recordDelete()
	}
	c.updateSizeLocked()
	c.mu.Unlock()

	c.notifyEvicted([]lruEntry[K, V]{entry})
	return true, nil
}

func (c *lruCache[K, V]) Clear() error {
	c.mu.Lock()
	var evicted []lruEntry[K, V]
	if c.evictFn != nil {
		evicted = make([]lruEntry[K, V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			evicted = append(evicted, *element.Value.(*lruEntry[K, V]))
		}
	}
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.updateSizeLocked()
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return nil
}

func (c *lruCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *lruCache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[K, V]).key)
	}
	return keys
}

func (c *lruCache[K, V]) Stats() *Statistics {
	return c.stats
}

func (c *lruCache[K, V]) Close() error {
	return nil
}

func (c *lruCache[K, V]) removeElementLocked(element *list.Element) {
	delete(c.items, element.Value.(*lruEntry[K, V]).key)
	c.order.Remove(element)
}

func (c *lruCache[K, V]) updateSizeLocked() {
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.updateSize(len(c.items))
	}
}

// notifyEvicted runs the eviction callback. Must be called without the lock held.
func (c *lruCache[K, V]) notifyEvicted(entries []lruEntry[K, V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range entries {
		c.evictFn(e.key, e.value)
	}
}
