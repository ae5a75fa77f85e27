package recipient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
	"github.com/c360/recipientcache/pkg/cache"
	"github.com/c360/recipientcache/pkg/worker"
)

// Dependencies are the collaborators of a Cache
type Dependencies struct {
	Store Store

	// Resolver is optional. Without it, store misses resolve to unknown.
	Resolver Resolver

	// Executor runs observer callbacks. When nil the cache owns a
	// SerialExecutor started and stopped with the cache.
	Executor Executor

	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Self            SelfConfig
}

// Cache is the multi-key identity cache. It owns every Handle, keeps the
// canonical, numeric and encoded maps coherent, and runs background
// resolution. Construct one per process and pass it to consumers.
type Cache struct {
	config   Config
	store    Store
	resolver Resolver
	logger   *slog.Logger
	metrics  *cacheMetrics

	exec    Executor
	ownExec *SerialExecutor

	canonical cache.Cache[CanonicalID, *Handle]
	numeric   cache.Cache[uint64, *Handle]
	encoded   cache.Cache[string, *Handle]
	index     *Index

	// pending holds legacy-address handles until their canonical id is known
	pending cache.Cache[string, *Handle]
	// merged maps losing canonical ids to their survivors
	merged cache.Cache[CanonicalID, CanonicalID]
	// queued dedupes background resolution submissions
	queued *xsync.MapOf[*Handle, struct{}]

	pool *worker.Pool[*Handle]

	mergeMu   sync.Mutex
	forwardMu sync.Mutex
	// insertMu serializes find-or-insert of network records
	insertMu sync.Mutex

	self selfState

	lifecycleMu sync.Mutex
	running     atomic.Bool
	background  sync.WaitGroup
}

// New creates a cache. Call Start before relying on background resolution.
func New(cfg Config, deps Dependencies) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Cache", "New", "store dependency check")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recipient_cache")

	metrics, err := newCacheMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Cache", "New", "metrics registration")
	}

	index, err := NewIndex(cfg.IndexCapacity)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		config:   cfg,
		store:    deps.Store,
		resolver: deps.Resolver,
		logger:   logger,
		metrics:  metrics,
		exec:     deps.Executor,
		index:    index,
		queued:   xsync.NewMapOf[*Handle, struct{}](),
		self:     selfState{config: deps.Self},
	}
	if c.exec == nil {
		c.ownExec = NewSerialExecutor(cfg.DeliveryQueueSize, logger)
		c.exec = c.ownExec
	}

	c.canonical, err = cache.NewLRU(cfg.CanonicalCapacity,
		mapOptions[CanonicalID](deps.MetricsRegistry, "canonical",
			cache.WithEvictionCallback[CanonicalID, *Handle](c.onCanonicalEvict))...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Cache", "New", "canonical map creation")
	}
	c.numeric, err = cache.NewLRU(cfg.NumericCapacity, mapOptions[uint64](deps.MetricsRegistry, "numeric")...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Cache", "New", "numeric map creation")
	}
	c.encoded, err = cache.NewLRU(cfg.EncodedCapacity, mapOptions[string](deps.MetricsRegistry, "encoded")...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Cache", "New", "encoded map creation")
	}
	c.pending, err = cache.NewLRU(cfg.LegacyCapacity, mapOptions[string](deps.MetricsRegistry, "legacy")...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Cache", "New", "legacy map creation")
	}
	c.merged, err = cache.NewLRU[CanonicalID, CanonicalID](cfg.TombstoneCapacity)
	if err != nil {
		return nil, errors.WrapFatal(err, "Cache", "New", "tombstone map creation")
	}

	var poolOpts []worker.Option[*Handle]
	if deps.MetricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*Handle](deps.MetricsRegistry, "recipient_resolve"))
	}
	if g, ok := deps.Store.(TxGater); ok && g.TxGate() != nil {
		poolOpts = append(poolOpts, worker.WithGate[*Handle](g.TxGate()))
	}
	c.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, c.resolveInBackground, poolOpts...)

	return c, nil
}

func mapOptions[K comparable](registry *metric.MetricsRegistry, name string, extra ...cache.Option[K, *Handle]) []cache.Option[K, *Handle] {
	opts := extra
	if registry != nil {
		opts = append(opts, cache.WithMetrics[K, *Handle](registry, name))
	}
	return opts
}

// Start launches background resolution and, if owned, the delivery executor
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return errors.ErrAlreadyStarted
	}
	if c.ownExec != nil {
		if err := c.ownExec.Start(); err != nil {
			return errors.WrapFatal(err, "Cache", "Start", "executor start")
		}
	}
	if err := c.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Cache", "Start", "worker pool start")
	}
	c.running.Store(true)
	c.logger.Info("Recipient cache started",
		"workers", c.config.Workers,
		"canonical_capacity", c.config.CanonicalCapacity)
	return nil
}

// Stop drains background work within timeout
func (c *Cache) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Swap(false) {
		return nil
	}

	var errs []error
	if err := c.pool.Stop(timeout); err != nil {
		errs = append(errs, errors.WrapTransient(err, "Cache", "Stop", "worker pool stop"))
	}

	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTransient(errors.ErrShuttingDown, "Cache", "Stop", "warm-up wait"))
	}

	if c.ownExec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.ownExec.Stop(ctx); err != nil {
			errs = append(errs, errors.WrapTransient(err, "Cache", "Stop", "executor stop"))
		}
	}

	c.logger.Info("Recipient cache stopped")
	return stderrors.Join(errs...)
}

// Live returns the handle for key, creating it and scheduling background
// resolution when the key is new. Existing handles are returned as is.
func (c *Cache) Live(key Key) *Handle {
	h, created := c.lookup(key)
	if created {
		c.schedule(h)
	}
	return h
}

// LiveSync returns the handle for key after resolving it on the calling
// goroutine.
func (c *Cache) LiveSync(ctx context.Context, key Key) (*Handle, error) {
	h, _ := c.lookup(key)
	if _, err := h.Resolve(ctx); err != nil {
		return h, err
	}
	return h.authority(), nil
}

// Resolved returns the resolved snapshot for key
func (c *Cache) Resolved(ctx context.Context, key Key) (*Snapshot, error) {
	h, _ := c.lookup(key)
	return h.Resolve(ctx)
}

// Refresh reloads the entity behind key, ignoring cached state
func (c *Cache) Refresh(ctx context.Context, key Key) (*Snapshot, error) {
	h, _ := c.lookup(key)
	return h.Refresh(ctx)
}

// GetByCanonicalID returns the live handle for a canonical id
func (c *Cache) GetByCanonicalID(id CanonicalID) *Handle {
	return c.Live(CanonicalKey(id))
}

// GetByNumericID returns the live handle for a numeric external id
func (c *Cache) GetByNumericID(id uint64) *Handle {
	return c.Live(NumericKey(id))
}

// GetByEncodedID returns the live handle for an encoded external id
func (c *Cache) GetByEncodedID(id string) *Handle {
	return c.Live(EncodedKey(id))
}

// GetByLegacyAddress returns the live handle for a phone number or UUID
func (c *Cache) GetByLegacyAddress(addr string) *Handle {
	return c.Live(LegacyKey(addr))
}

// LookupByName returns the cached handle last indexed under a display name
func (c *Cache) LookupByName(name string) (*Handle, bool) {
	id, ok := c.index.LookupName(name)
	if !ok {
		return nil, false
	}
	return c.Peek(CanonicalKey(id))
}

// Peek returns the cached handle for key without creating one
func (c *Cache) Peek(key Key) (*Handle, bool) {
	var (
		h  *Handle
		ok bool
	)
	switch key.Space {
	case SpaceCanonical:
		h, ok = c.canonical.Peek(c.survivor(key.Canonical))
	case SpaceNumeric:
		h, ok = c.numeric.Peek(key.Numeric)
	case SpaceEncoded:
		h, ok = c.encoded.Peek(key.Encoded)
	case SpaceLegacy:
		if id, found := c.index.LookupLegacy(key.Legacy); found {
			return c.Peek(CanonicalKey(id))
		}
		h, ok = c.pending.Peek(key.Legacy)
	}
	if !ok {
		return nil, false
	}
	return h.authority(), true
}

// lookup returns the handle for key and whether it was created by this call
func (c *Cache) lookup(key Key) (*Handle, bool) {
	if !key.Valid() {
		c.logger.Debug("Lookup with invalid key", "key", key.String())
		return c.detached(key), false
	}

	switch key.Space {
	case SpaceCanonical:
		id := c.survivor(key.Canonical)
		return getOrCreate(c, c.canonical, id, CanonicalKey(id))
	case SpaceNumeric:
		return getOrCreate(c, c.numeric, key.Numeric, key)
	case SpaceEncoded:
		return getOrCreate(c, c.encoded, key.Encoded, key)
	default:
		if id, ok := c.index.LookupLegacy(key.Legacy); ok {
			return c.lookup(CanonicalKey(id))
		}
		return getOrCreate(c, c.pending, key.Legacy, key)
	}
}

func getOrCreate[K comparable](c *Cache, m cache.Cache[K, *Handle], k K, key Key) (*Handle, bool) {
	h, loaded, err := m.GetOrSet(k, func() *Handle { return newHandle(c, key) })
	if err != nil {
		return c.detached(key), false
	}
	return h.authority(), !loaded
}

// detached returns an uncached handle holding the unknown sentinel
func (c *Cache) detached(key Key) *Handle {
	h := newHandle(c, key)
	h.snap.Store(UnknownSnapshot(key))
	h.state.Store(int32(StateResolved))
	h.invalid.Store(true)
	return h
}

// survivor follows merge tombstones from id
func (c *Cache) survivor(id CanonicalID) CanonicalID {
	for i := 0; i < maxForwardHops; i++ {
		next, ok := c.merged.Peek(id)
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// schedule submits h for background resolution once
func (c *Cache) schedule(h *Handle) {
	if _, loaded := c.queued.LoadOrStore(h, struct{}{}); loaded {
		return
	}
	if err := c.pool.Submit(h); err != nil {
		c.queued.Delete(h)
		c.logger.Debug("Background resolution not scheduled",
			"key", h.key.String(), "error", err)
	}
}

func (c *Cache) resolveInBackground(ctx context.Context, h *Handle) error {
	c.queued.Delete(h)

	ctx, cancel := context.WithTimeout(ctx, c.config.ResolveTimeout)
	defer cancel()

	if _, err := c.resolve(ctx, h, nil); err != nil {
		c.logger.Warn("Background resolution failed",
			"key", h.key.String(), "error", err)
		return err
	}
	return nil
}

// Stats summarizes cache occupancy
type Stats struct {
	Canonical    cache.StatsSummary `json:"canonical"`
	Numeric      cache.StatsSummary `json:"numeric"`
	Encoded      cache.StatsSummary `json:"encoded"`
	Pending      int                `json:"pending"`
	Tombstones   int                `json:"tombstones"`
	IndexLegacy  int                `json:"index_legacy"`
	IndexNames   int                `json:"index_names"`
	Background   worker.PoolStats   `json:"background"`
	SelfResolved bool               `json:"self_resolved"`
}

// Stats returns a point-in-time summary
func (c *Cache) Stats() Stats {
	legacy, names := c.index.Len()
	return Stats{
		Canonical:    c.canonical.Stats().Summary(),
		Numeric:      c.numeric.Stats().Summary(),
		Encoded:      c.encoded.Stats().Summary(),
		Pending:      c.pending.Size(),
		Tombstones:   c.merged.Size(),
		IndexLegacy:  legacy,
		IndexNames:   names,
		Background:   c.pool.Stats(),
		SelfResolved: c.self.id.Load() != 0,
	}
}
