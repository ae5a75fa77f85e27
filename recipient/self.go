package recipient

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/c360/recipientcache/errors"
)

// SelfConfig identifies the local account. Lookups are tried in field
// order; empty fields are skipped.
type SelfConfig struct {
	// AccountID is the platform account identifier, a UUID
	AccountID string `json:"account_id" yaml:"account_id"`
	EncodedID string `json:"encoded_id" yaml:"encoded_id"`
	Phone     string `json:"phone"      yaml:"phone"`
}

// IsEmpty reports whether no identifier is configured
func (s SelfConfig) IsEmpty() bool {
	return s.AccountID == "" && s.EncodedID == "" && s.Phone == ""
}

type selfState struct {
	mu     sync.RWMutex
	config SelfConfig

	id atomic.Int64
	// gen invalidates lookups that started before ClearSelf
	gen    atomic.Uint64
	flight singleflight.Group
}

// SelfID returns the canonical id of the local account, looking it up once
// and memoizing the answer until ClearSelf. When no configured identifier
// matches a stored record the account has not finished registering, and
// SelfID fails with errors.ErrSelfNotRegistered.
func (c *Cache) SelfID(ctx context.Context) (CanonicalID, error) {
	return c.selfID(ctx, true)
}

// Self returns the live handle of the local account
func (c *Cache) Self(ctx context.Context) (*Handle, error) {
	id, err := c.SelfID(ctx)
	if err != nil {
		return nil, err
	}
	return c.Live(CanonicalKey(id)), nil
}

// ClearSelf forgets the memoized local identity, for example on logout
func (c *Cache) ClearSelf() {
	c.self.gen.Add(1)
	c.self.id.Store(0)
	c.self.flight.Forget("self")
}

// SetSelfConfig replaces the local account identifiers and clears the
// memoized identity.
func (c *Cache) SetSelfConfig(cfg SelfConfig) {
	c.self.mu.Lock()
	c.self.config = cfg
	c.self.mu.Unlock()
	c.ClearSelf()
}

// selfID runs the lookup. Quiet callers check whether the identity exists
// without logging or counting a failure.
func (c *Cache) selfID(ctx context.Context, loud bool) (CanonicalID, error) {
	if id := c.self.id.Load(); id != 0 {
		return c.survivor(CanonicalID(id)), nil
	}

	gen := c.self.gen.Load()
	v, err, _ := c.self.flight.Do("self", func() (any, error) {
		if id := c.self.id.Load(); id != 0 {
			return CanonicalID(id), nil
		}
		id, err := c.findSelf(ctx)
		if err != nil {
			return CanonicalID(0), err
		}
		if c.self.gen.Load() == gen {
			c.self.id.CompareAndSwap(0, int64(id))
		}
		return id, nil
	})
	if err != nil {
		if loud && stderrors.Is(err, errors.ErrSelfNotRegistered) {
			c.metrics.recordSelfFailure()
			c.logger.Error("Local identity requested before registration", "error", err)
		}
		return 0, err
	}

	id := v.(CanonicalID)
	c.logger.Debug("Local identity established", "canonical_id", id)
	return c.survivor(id), nil
}

func (c *Cache) findSelf(ctx context.Context) (CanonicalID, error) {
	c.self.mu.RLock()
	cfg := c.self.config
	c.self.mu.RUnlock()

	var keys []Key
	if cfg.AccountID != "" {
		keys = append(keys, LegacyKey(cfg.AccountID))
	}
	if cfg.EncodedID != "" {
		keys = append(keys, EncodedKey(cfg.EncodedID))
	}
	if cfg.Phone != "" {
		keys = append(keys, LegacyKey(cfg.Phone))
	}

	for _, key := range keys {
		if !key.Valid() {
			continue
		}
		rec, found, err := lookup(ctx, c.store, key)
		if err != nil {
			return 0, missingIdentity(key, errors.Wrap(err, "Cache", "Self", "store lookup"))
		}
		if found && rec.ID > 0 {
			return rec.ID, nil
		}
	}

	return 0, errors.WrapFatal(errors.ErrSelfNotRegistered, "Cache", "Self", "configured identity lookup")
}
