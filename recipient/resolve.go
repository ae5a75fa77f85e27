package recipient

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/recipientcache/errors"
)

// trail is the set of handles being resolved on the current recursion path
type trail map[*Handle]struct{}

func (t trail) with(h *Handle) trail {
	next := make(trail, len(t)+1)
	for k := range t {
		next[k] = struct{}{}
	}
	next[h] = struct{}{}
	return next
}

func (c *Cache) resolve(ctx context.Context, h *Handle, path trail) (*Snapshot, error) {
	return c.acquire(ctx, h, false, path)
}

func (c *Cache) refresh(ctx context.Context, h *Handle, path trail) (*Snapshot, error) {
	return c.acquire(ctx, h, true, path)
}

// acquire takes the authoritative handle's resolution lock and runs the
// protocol. Resolved handles return without locking unless forced.
func (c *Cache) acquire(ctx context.Context, h *Handle, force bool, path trail) (*Snapshot, error) {
	a := h.authority()
	for {
		if !force && State(a.state.Load()) == StateResolved {
			return a.snap.Load(), nil
		}
		a.resolveMu.Lock()
		if next := a.forward.Load(); next != nil {
			a.resolveMu.Unlock()
			a = next.authority()
			continue
		}
		s, err := c.resolveLocked(ctx, a, force, path)
		a.resolveMu.Unlock()
		return s, err
	}
}

// resolveLocked runs one resolution attempt. h.resolveMu must be held.
func (c *Cache) resolveLocked(ctx context.Context, h *Handle, force bool, path trail) (*Snapshot, error) {
	if !force && State(h.state.Load()) == StateResolved {
		return h.snap.Load(), nil
	}

	prev := State(h.state.Load())
	h.state.Store(int32(StateResolving))

	key := primaryKey(h)
	start := time.Now()
	snap, source, err := c.load(ctx, key, force, path.with(h))
	c.metrics.recordResolution(source, err, time.Since(start))

	if err == nil && !snap.Valid() {
		err = errors.Invariant("Cache", "resolve", "resolved %s carries no identifying key", key)
	}
	if err != nil {
		h.state.Store(int32(prev))
		if errors.IsFatal(err) {
			c.logger.Error("Identity resolution violated an invariant",
				"key", key.String(), "error", err)
		}
		return nil, missingIdentity(key, err)
	}

	h.set(snap)
	h.state.Store(int32(StateResolved))

	// The handle stays resolved when synchronization fails
	if err := c.Synchronize(h); err != nil {
		c.logger.Error("Cache synchronization failed",
			"key", key.String(), "canonical_id", snap.ID(), "error", err)
		return snap, err
	}
	return snap, nil
}

// primaryKey picks the best key the handle currently knows, in the order
// canonical, numeric, encoded, legacy.
func primaryKey(h *Handle) Key {
	s := h.snap.Load()
	switch {
	case s.ID() > 0:
		return CanonicalKey(s.ID())
	case s.NumericID() != 0:
		return NumericKey(s.NumericID())
	case s.EncodedID() != "":
		return EncodedKey(s.EncodedID())
	case s.UUID() != "":
		return LegacyKey(s.UUID())
	case s.Phone() != "":
		return LegacyKey(s.Phone())
	default:
		return h.key
	}
}

// load reads the record for key from the store, falling back to the
// network resolver, and builds its snapshot. source names where the data
// came from.
func (c *Cache) load(ctx context.Context, key Key, force bool, path trail) (*Snapshot, string, error) {
	rec, found, err := lookup(ctx, c.store, key)
	if err != nil {
		return nil, "store", errors.Wrap(err, "Cache", "resolve", "store lookup")
	}

	source := "store"
	if !found {
		source = "network"
		rec, found, err = c.fetchAndStore(ctx, key)
		if err != nil {
			return nil, source, err
		}
	}
	if !found {
		return UnknownSnapshot(key), "unknown", nil
	}

	members, err := c.loadMembers(ctx, rec.Members, force, path)
	if err != nil {
		return nil, source, err
	}
	return NewSnapshot(rec, members), source, nil
}

// fetchAndStore asks the resolver for key and persists a hit before it is
// used, so the returned record carries a store-assigned canonical id. A
// record the store already holds under any key of the fetched one keeps
// its id.
func (c *Cache) fetchAndStore(ctx context.Context, key Key) (Record, bool, error) {
	rec, found, err := fetch(ctx, c.resolver, key)
	if err != nil {
		return Record{}, false, errors.Wrap(err, "Cache", "resolve", "network fetch")
	}
	if !found {
		return Record{}, false, nil
	}

	c.insertMu.Lock()
	defer c.insertMu.Unlock()

	id, err := c.storedID(ctx, rec)
	if err != nil {
		return Record{}, false, errors.Wrap(err, "Cache", "resolve", "existing record lookup")
	}
	if id == 0 {
		if id, err = c.store.InsertPlaceholder(ctx, key); err != nil {
			return Record{}, false, errors.Wrap(err, "Cache", "resolve", "placeholder insert")
		}
	}
	if err := c.store.UpdateFields(ctx, id, FieldsFrom(rec)); err != nil {
		return Record{}, false, errors.Wrap(err, "Cache", "resolve", "fetched record update")
	}

	stored, found, err := c.store.GetByCanonicalID(ctx, id)
	if err != nil {
		return Record{}, false, errors.Wrap(err, "Cache", "resolve", "stored record load")
	}
	if !found {
		return Record{}, false, errors.Invariant("Cache", "resolve", "record %d missing after update", id)
	}
	return stored, true, nil
}

// storedID returns the canonical id the store holds under any of rec's
// keys, or zero
func (c *Cache) storedID(ctx context.Context, rec Record) (CanonicalID, error) {
	for _, k := range rec.Keys() {
		if k.Space == SpaceCanonical {
			continue
		}
		existing, found, err := lookup(ctx, c.store, k)
		if err != nil {
			return 0, err
		}
		if found {
			return existing.ID, nil
		}
	}
	return 0, nil
}

// loadMembers resolves group members with bounded parallelism
func (c *Cache) loadMembers(ctx context.Context, ids []CanonicalID, force bool, path trail) ([]*Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	details := make([]*Snapshot, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MemberParallelism)
	for i, id := range ids {
		g.Go(func() error {
			s, err := c.resolveMember(gctx, id, force, path)
			if err != nil {
				return err
			}
			details[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return details, nil
}

// resolveMember never waits on another resolution: members already on the
// recursion path or being resolved elsewhere contribute their current
// snapshot.
func (c *Cache) resolveMember(ctx context.Context, id CanonicalID, force bool, path trail) (*Snapshot, error) {
	m, _ := c.lookup(CanonicalKey(id))
	if _, seen := path[m]; seen {
		return m.snap.Load(), nil
	}
	if !force && State(m.state.Load()) == StateResolved {
		return m.snap.Load(), nil
	}
	if !m.resolveMu.TryLock() {
		return m.snap.Load(), nil
	}
	defer m.resolveMu.Unlock()

	if m.forward.Load() != nil {
		return m.Get(), nil
	}
	return c.resolveLocked(ctx, m, force, path)
}
