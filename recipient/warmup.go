package recipient

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// WarmUp preloads recently active records and, once the local identity is
// known, the local account's contacts. It returns immediately; the returned
// channel is closed when warm-up finishes. Failures are logged, never
// returned: entities that did not load resolve on demand.
func (c *Cache) WarmUp(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	src, ok := c.store.(WarmupSource)
	if !ok {
		c.logger.Debug("Store cannot list records, warm-up skipped")
		close(done)
		return done
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer close(done)
		c.warmUp(ctx, src)
	}()
	return done
}

func (c *Cache) warmUp(ctx context.Context, src WarmupSource) {
	start := time.Now()

	var recent, contacts []Record
	var g errgroup.Group
	if n := c.config.WarmRecent; n > 0 {
		g.Go(func() error {
			var err error
			recent, err = src.RecentRecords(ctx, n)
			if err != nil {
				c.logger.Warn("Warm-up could not list recent records", "error", err)
			}
			return nil
		})
	}
	if n := c.config.WarmContacts; n > 0 {
		g.Go(func() error {
			if _, err := c.selfID(ctx, false); err != nil {
				c.logger.Debug("Local identity unknown, contact warm-up skipped", "error", err)
				return nil
			}
			var err error
			contacts, err = src.ContactRecords(ctx, n)
			if err != nil {
				c.logger.Warn("Warm-up could not list contacts", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	added := c.AddToCache(recent)
	added += c.AddToCache(contacts)

	c.logger.Info("Warm-up finished",
		"recent", len(recent),
		"contacts", len(contacts),
		"added", added,
		"duration", time.Since(start))
}

// AddToCache installs already loaded records as resolved handles without
// touching the store. Records for merged ids, records that carry no
// identifying key, handles busy resolving, and handles already holding a
// snapshot written no earlier than the record are skipped. Groups get member
// snapshots only when every member is already resolved in the cache. It
// returns the number of records installed.
func (c *Cache) AddToCache(records []Record) int {
	added := 0
	// Individuals first so groups in the same batch find their members
	for _, group := range []bool{false, true} {
		for _, rec := range records {
			if (rec.Kind == KindGroup) != group {
				continue
			}
			if c.addRecord(rec) {
				added++
			}
		}
	}
	return added
}

func (c *Cache) addRecord(rec Record) bool {
	if rec.ID <= 0 || c.survivor(rec.ID) != rec.ID {
		return false
	}

	snap := NewSnapshot(rec, c.cachedMembers(rec.Members))
	if !snap.Valid() {
		c.logger.Debug("Warm record carries no identifying key", "canonical_id", rec.ID)
		return false
	}

	h, _ := c.lookup(CanonicalKey(rec.ID))
	if h.invalid.Load() {
		return false
	}
	if !h.resolveMu.TryLock() {
		return false
	}
	defer h.resolveMu.Unlock()
	if h.forward.Load() != nil {
		return false
	}
	if State(h.state.Load()) == StateResolved && !snap.newerThan(h.snap.Load()) {
		return false
	}

	h.set(snap)
	h.state.Store(int32(StateResolved))
	if err := c.Synchronize(h); err != nil {
		c.logger.Warn("Warm record not synchronized", "canonical_id", rec.ID, "error", err)
		return false
	}
	return true
}

// cachedMembers returns resolved snapshots for ids, or nil when any member
// is not resolved in the cache.
func (c *Cache) cachedMembers(ids []CanonicalID) []*Snapshot {
	if len(ids) == 0 {
		return nil
	}
	details := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		h, ok := c.Peek(CanonicalKey(id))
		if !ok || h.State() != StateResolved {
			return nil
		}
		details = append(details, h.Get())
	}
	return details
}
