package recipient

import (
	"context"
	"fmt"

	"github.com/c360/recipientcache/errors"
)

// Remap consolidates oldID into newID after they were found to be the same
// entity. The store is updated first: fields only the losing record knows
// are copied to the survivor and the loss is recorded. Only after both
// writes succeed is the cache changed: oldID leaves every map, lookups by
// oldID yield the survivor's handle, and outstanding handles for oldID
// forward to it. A store failure leaves the cache untouched.
func (c *Cache) Remap(ctx context.Context, oldID, newID CanonicalID) error {
	if oldID <= 0 || newID <= 0 {
		return errors.WrapInvalid(fmt.Errorf("remap %d -> %d: ids must be positive", oldID, newID),
			"Cache", "Remap", "argument check")
	}

	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	newID = c.survivor(newID)
	if oldID == newID || c.survivor(oldID) == newID {
		return nil
	}

	if err := c.mergeInStore(ctx, oldID, newID); err != nil {
		return err
	}

	_, _ = c.merged.Set(oldID, newID)
	c.index.Repoint(oldID, newID)

	survivor, _ := c.lookup(CanonicalKey(newID))
	if loser, ok := c.canonical.Peek(oldID); ok {
		// Delete before forwarding so the eviction callback still sees
		// the losing identity and purges its aliases
		_, _ = c.canonical.CompareAndDelete(oldID, func(v *Handle) bool { return v == loser })
		loser.forwardTo(survivor)
	}
	c.forwardPending(oldID, survivor)

	if _, err := c.refresh(ctx, survivor, nil); err != nil {
		c.logger.Warn("Survivor refresh after merge failed",
			"losing_id", oldID, "surviving_id", newID, "error", err)
		return err
	}

	c.metrics.recordMerge()
	c.logger.Info("Identities merged", "losing_id", oldID, "surviving_id", newID)
	return nil
}

func (c *Cache) mergeInStore(ctx context.Context, oldID, newID CanonicalID) error {
	winner, found, err := c.store.GetByCanonicalID(ctx, newID)
	if err != nil {
		return missingIdentity(CanonicalKey(newID), errors.Wrap(err, "Cache", "Remap", "surviving record load"))
	}
	if !found {
		return errors.WrapInvalid(fmt.Errorf("surviving id %d: %w", newID, errors.ErrIdentityNotFound),
			"Cache", "Remap", "surviving record load")
	}

	loser, found, err := c.store.GetByCanonicalID(ctx, oldID)
	if err != nil {
		return missingIdentity(CanonicalKey(oldID), errors.Wrap(err, "Cache", "Remap", "losing record load"))
	}
	// A store that already follows the merge returns the survivor here
	if found && loser.ID == oldID {
		if fields := MissingFields(winner, loser); !fields.IsEmpty() {
			if err := c.store.UpdateFields(ctx, newID, fields); err != nil {
				return errors.Wrap(err, "Cache", "Remap", "surviving record update")
			}
		}
	}

	if err := c.store.MarkMerged(ctx, oldID, newID); err != nil {
		return errors.Wrap(err, "Cache", "Remap", "merge mark")
	}
	return nil
}

// forwardPending retires legacy placeholders that already resolved to oldID
func (c *Cache) forwardPending(oldID CanonicalID, survivor *Handle) {
	for _, addr := range c.pending.Keys() {
		h, ok := c.pending.Peek(addr)
		if !ok || h.authority().snap.Load().ID() != oldID {
			continue
		}
		h.forwardTo(survivor)
		c.dropPending(addr, func(old *Handle) bool { return old == h })
	}
}
