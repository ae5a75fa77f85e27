package recipient

import (
	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/pkg/cache"
)

// Synchronize points every key on h's resolved snapshot at the handle that
// is authoritative for its canonical id. When another handle already owns
// that id, h hands over its snapshot and observers and forwards to it.
// A key already held by a different identity is left in place and reported
// as an invariant violation once every other key is aliased.
func (c *Cache) Synchronize(h *Handle) error {
	if h.invalid.Load() {
		return nil
	}
	s := h.snap.Load()
	if s.Resolving() || s.ID() <= 0 {
		return nil
	}
	id := s.ID()

	target := h.authority()
	if target != h {
		if tid := target.snap.Load().ID(); tid != 0 && tid != id {
			// h was superseded by a different identity; its data is stale
			return nil
		}
	}

	existing, loaded, err := c.canonical.GetOrSet(id, func() *Handle { return target })
	if err != nil {
		return errors.WrapInvalid(err, "Cache", "Synchronize", "canonical map insert")
	}
	if loaded {
		owner := existing.authority()
		if oid := owner.snap.Load().ID(); oid != id {
			return errors.Invariant("Cache", "Synchronize",
				"canonical map entry %d holds identity %d", id, oid)
		}
		if owner != target {
			target.forwardTo(owner)
			target = owner
		}
	}
	if target != h {
		adoptSnapshot(target, s)
		h.forwardTo(target)
	}

	// A canonical origin that now resolves elsewhere was merged in the store
	if h.key.Space == SpaceCanonical && h.key.Canonical != id {
		_, _ = c.merged.Set(h.key.Canonical, id)
		_, _ = c.canonical.CompareAndDelete(h.key.Canonical, func(v *Handle) bool { return v == h })
	}

	keys := s.Keys()
	if h.key.Space != SpaceCanonical {
		keys = append(keys, h.key)
	}
	var conflict error
	for _, k := range keys {
		if k.Space == SpaceCanonical {
			continue
		}
		if err := c.alias(k, target, id); err != nil && conflict == nil {
			conflict = err
		}
	}
	c.index.PutName(s.Name(), id)
	return conflict
}

// adoptSnapshot installs s on t when t holds no resolved snapshot yet or s
// was stored after the one t holds. A resolution in flight on t installs
// its own result instead.
func adoptSnapshot(t *Handle, s *Snapshot) {
	if !t.resolveMu.TryLock() {
		return
	}
	defer t.resolveMu.Unlock()
	if t.forward.Load() != nil {
		return
	}
	if State(t.state.Load()) == StateResolved && !s.newerThan(t.snap.Load()) {
		return
	}
	t.set(s)
	t.state.Store(int32(StateResolved))
}

// alias points one alternate key at target
func (c *Cache) alias(k Key, target *Handle, id CanonicalID) error {
	switch k.Space {
	case SpaceNumeric:
		return aliasIn(c, c.numeric, k, k.Numeric, target, id)
	case SpaceEncoded:
		return aliasIn(c, c.encoded, k, k.Encoded, target, id)
	case SpaceLegacy:
		c.index.PutLegacy(k.Legacy, id)
		if p, ok := c.pending.Peek(k.Legacy); ok && p != target {
			p.forwardTo(target)
		}
		c.dropPending(k.Legacy, func(old *Handle) bool { return old.authority() == target })
	}
	return nil
}

// aliasIn points m[k] at target. A previous holder with no identity, the
// same one, or one merged into it forwards to target. A holder of another
// identity keeps the entry.
func aliasIn[K comparable](c *Cache, m cache.Cache[K, *Handle], key Key, k K, target *Handle, id CanonicalID) error {
	if old, ok := m.Peek(k); ok && old != target {
		holder := old.authority()
		switch oid := holder.snap.Load().ID(); {
		case holder == target:
		case oid == 0 || c.survivor(oid) == id:
			old.forwardTo(target)
		default:
			c.metrics.recordConflict()
			return errors.Invariant("Cache", "Synchronize",
				"%s is held by canonical id %d but resolved to %d", key, oid, id)
		}
	}
	_, _ = m.Set(k, target)
	return nil
}

// onCanonicalEvict runs when an entry leaves the canonical map. The
// canonical map is the eviction authority: alternate keys that still point
// at the evicted handle are dropped so they rebuild on the next lookup.
func (c *Cache) onCanonicalEvict(id CanonicalID, h *Handle) {
	a := h.authority()
	if a.snap.Load().ID() != id {
		return
	}
	c.purgeAliases(a)
}

// purgeAliases removes every alternate-key entry whose handle forwards to a
func (c *Cache) purgeAliases(a *Handle) {
	owned := func(v *Handle) bool { return v.authority() == a }
	keys := append(a.snap.Load().Keys(), a.key)
	for _, k := range keys {
		switch k.Space {
		case SpaceNumeric:
			_, _ = c.numeric.CompareAndDelete(k.Numeric, owned)
		case SpaceEncoded:
			_, _ = c.encoded.CompareAndDelete(k.Encoded, owned)
		case SpaceLegacy:
			c.dropPending(k.Legacy, owned)
		}
	}
}

// dropPending deletes the placeholder for addr if match accepts it. An
// absent entry stays absent.
func (c *Cache) dropPending(addr string, match func(*Handle) bool) {
	_, _ = c.pending.CompareAndDelete(addr, match)
}

// Remove drops h from the canonical map, but only when no numeric or
// encoded entry still points at it. It reports whether h was removed.
func (c *Cache) Remove(h *Handle) bool {
	a := h.authority()
	s := a.snap.Load()
	if s.ID() <= 0 {
		return false
	}
	if n := s.NumericID(); n != 0 {
		if v, ok := c.numeric.Peek(n); ok && v.authority() == a {
			return false
		}
	}
	if e := s.EncodedID(); e != "" {
		if v, ok := c.encoded.Peek(e); ok && v.authority() == a {
			return false
		}
	}
	removed, _ := c.canonical.CompareAndDelete(s.ID(), func(v *Handle) bool { return v.authority() == a })
	return removed
}

// Invalidate removes h from every map unconditionally and marks it stale.
// An invalidated handle is never inserted into a map again.
func (c *Cache) Invalidate(h *Handle) {
	a := h.authority()
	a.invalid.Store(true)
	if id := a.snap.Load().ID(); id > 0 {
		_, _ = c.canonical.CompareAndDelete(id, func(v *Handle) bool { return v.authority() == a })
		c.index.Forget(id)
	}
	c.purgeAliases(a)
}
