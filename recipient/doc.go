// Package recipient resolves and caches the identities of message recipients.
//
// An entity (a user, a group or a system sender) can be addressed by four
// kinds of Key: its canonical id, a numeric external id, an encoded external
// id, or a legacy address (a phone number or UUID). A Cache maps every key an
// entity is known by to a single live Handle:
//
//	c, err := recipient.New(recipient.DefaultConfig(), recipient.Dependencies{
//	    Store:    store,
//	    Resolver: resolver,
//	    Logger:   logger,
//	})
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop(5 * time.Second)
//
//	h := c.GetByEncodedID("U:123")   // returns at once, resolves in background
//	snap, err := h.Resolve(ctx)      // blocks until the entity is loaded
//
// # Snapshots and handles
//
// A Snapshot is immutable. Handles swap in a new Snapshot whenever the entity
// changes and notify observers through a single delivery Executor. Setting a
// content-equal Snapshot notifies nobody. Bursts of changes queued before
// delivery runs fold into one notification carrying the latest Snapshot.
//
// Resolution is single flight per handle: concurrent Resolve calls share one
// store lookup. A store miss falls back to the Resolver for numeric and
// encoded keys; a hit is persisted before it is used. Entities found nowhere
// resolve to an unknown Snapshot, which is cached. Store and network failures
// are returned as *MissingIdentityError and are not cached.
//
// # Coherence
//
// After a handle resolves, Synchronize points every key on its Snapshot at
// the handle that owns the canonical id. A handle that turns out to belong to
// an entity already cached under another handle forwards to it and hands over
// its observers; IsStale reports this. Remap consolidates two canonical ids
// after the store has recorded the merge.
//
// The canonical map is the eviction authority. When an entity leaves it, the
// numeric and encoded entries pointing at it go too and rebuild on the next
// lookup.
//
// # Local identity and warm-up
//
// Self resolves the local account from SelfConfig once and memoizes it until
// ClearSelf. Asking for it before the account is registered fails with
// errors.ErrSelfNotRegistered. WarmUp preloads recent records and contacts in
// the background from stores implementing WarmupSource.
package recipient
