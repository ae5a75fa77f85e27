package recipient

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the resolution state of a Handle
type State int32

const (
	StateUnresolved State = iota
	StateResolving
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	default:
		return "invalid"
	}
}

// maxForwardHops bounds forwarding chains left behind by repeated merges
const maxForwardHops = 16

// Handle is the live, observable holder of one entity's current Snapshot.
// Handles are created and owned by a Cache.
type Handle struct {
	cache *Cache
	key   Key

	snap  atomic.Pointer[Snapshot]
	state atomic.Int32

	// resolveMu admits one resolution attempt at a time
	resolveMu sync.Mutex

	// forward is set once the handle loses authority to another handle
	forward atomic.Pointer[Handle]
	// invalid handles are never inserted into a map again
	invalid atomic.Bool

	obsMu     sync.Mutex
	observers map[Observer]*registration

	pending   atomic.Bool
	force     atomic.Bool
	delivered atomic.Pointer[Snapshot]
}

type registration struct {
	forever bool
	stop    func() bool
}

func newHandle(c *Cache, key Key) *Handle {
	h := &Handle{cache: c, key: key}
	initial := PlaceholderSnapshot(key)
	h.snap.Store(initial)
	h.delivered.Store(initial)
	return h
}

// Key returns the key the handle was created for
func (h *Handle) Key() Key { return h.key }

// ID returns the canonical id of the current snapshot, zero until known
func (h *Handle) ID() CanonicalID { return h.Get().ID() }

// Get returns the current snapshot without blocking. It may be resolving.
func (h *Handle) Get() *Snapshot {
	return h.authority().snap.Load()
}

// State returns the resolution state
func (h *Handle) State() State {
	return State(h.authority().state.Load())
}

// IsStale reports whether the handle has been superseded by a merge or
// re-key. A stale handle forwards every operation to its successor.
func (h *Handle) IsStale() bool {
	return h.forward.Load() != nil || h.invalid.Load()
}

// Resolve returns the resolved snapshot, loading it if needed. Concurrent
// callers share one attempt. Store and network failures are returned as
// *MissingIdentityError. When the loaded snapshot cannot be reconciled with
// the cache maps it is installed and returned along with the error.
func (h *Handle) Resolve(ctx context.Context) (*Snapshot, error) {
	return h.cache.resolve(ctx, h, nil)
}

// Refresh reloads the snapshot, ignoring the cached one, and refreshes the
// member snapshots of groups.
func (h *Handle) Refresh(ctx context.Context) (*Snapshot, error) {
	return h.cache.refresh(ctx, h, nil)
}

// Observe registers o until ctx is done. Registering an observer twice has
// no effect.
func (h *Handle) Observe(ctx context.Context, o Observer) {
	if ctx.Err() != nil {
		return
	}
	h.addObserver(o, func(reg *registration) {
		reg.stop = context.AfterFunc(ctx, func() { h.removeObserver(o) })
	})
}

// ObserveForever registers o until RemoveForeverObserver is called
func (h *Handle) ObserveForever(o Observer) {
	h.addObserver(o, nil)
}

// RemoveForeverObserver unregisters o
func (h *Handle) RemoveForeverObserver(o Observer) {
	h.removeObserver(o)
}

// ObserverCount returns the number of registered observers
func (h *Handle) ObserverCount() int {
	a := h.authority()
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	return len(a.observers)
}

// ForceNotify delivers the current snapshot to observers even if it equals
// the last delivered one.
func (h *Handle) ForceNotify() {
	h.authority().notify(true)
}

// authority follows forwarding to the handle currently holding the entity
func (h *Handle) authority() *Handle {
	cur := h
	for i := 0; i < maxForwardHops; i++ {
		next := cur.forward.Load()
		if next == nil {
			return cur
		}
		cur = next
	}
	return cur
}

// addObserver registers o on the authoritative handle. A lifecycle
// registration is upgraded when the same observer is added forever.
func (h *Handle) addObserver(o Observer, lifecycle func(*registration)) {
	a := h.authority()
	for {
		a.obsMu.Lock()
		if next := a.forward.Load(); next != nil {
			a.obsMu.Unlock()
			a = next
			continue
		}
		if a.observers == nil {
			a.observers = make(map[Observer]*registration)
		}
		existing, ok := a.observers[o]
		switch {
		case !ok:
			reg := &registration{forever: lifecycle == nil}
			if lifecycle != nil {
				lifecycle(reg)
			}
			a.observers[o] = reg
		case lifecycle == nil && !existing.forever:
			existing.forever = true
			if existing.stop != nil {
				existing.stop()
				existing.stop = nil
			}
		}
		a.obsMu.Unlock()
		return
	}
}

func (h *Handle) removeObserver(o Observer) {
	a := h.authority()
	a.obsMu.Lock()
	reg, ok := a.observers[o]
	delete(a.observers, o)
	a.obsMu.Unlock()
	if ok && reg.stop != nil {
		reg.stop()
	}
}

func (h *Handle) observerList() []Observer {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	list := make([]Observer, 0, len(h.observers))
	for o := range h.observers {
		list = append(list, o)
	}
	return list
}

// set swaps in s and schedules delivery if its content changed
func (h *Handle) set(s *Snapshot) bool {
	prev := h.snap.Swap(s)
	if prev.SameContent(s) {
		h.cache.metrics.recordNotification("suppressed")
		return false
	}
	h.notify(false)
	return true
}

// notify schedules one delivery. Requests made while one is queued are
// folded into it.
func (h *Handle) notify(force bool) {
	if force {
		h.force.Store(true)
	}
	if !h.pending.CompareAndSwap(false, true) {
		h.cache.metrics.recordNotification("coalesced")
		return
	}
	h.cache.exec.Execute(h.deliver)
}

// deliver runs on the delivery executor
func (h *Handle) deliver() {
	h.pending.Store(false)
	force := h.force.Swap(false)
	s := h.snap.Load()

	if !force && h.delivered.Load().SameContent(s) {
		h.cache.metrics.recordNotification("suppressed")
		return
	}
	h.delivered.Store(s)

	for _, o := range h.observerList() {
		o.RecipientChanged(s)
	}
	h.cache.metrics.recordNotification("delivered")
}

// forwardTo hands authority and observers to target. It is a no-op if the
// handle already forwards somewhere.
func (h *Handle) forwardTo(target *Handle) {
	h.cache.forwardMu.Lock()
	target = target.authority()
	if target == h || !h.forward.CompareAndSwap(nil, target) {
		h.cache.forwardMu.Unlock()
		return
	}
	h.cache.forwardMu.Unlock()

	h.obsMu.Lock()
	moved := h.observers
	h.observers = nil
	h.obsMu.Unlock()

	if len(moved) > 0 {
		target.adopt(moved)
	}
}

func (h *Handle) adopt(moved map[Observer]*registration) {
	a := h.authority()
	for {
		a.obsMu.Lock()
		if next := a.forward.Load(); next != nil {
			a.obsMu.Unlock()
			a = next
			continue
		}
		if a.observers == nil {
			a.observers = make(map[Observer]*registration, len(moved))
		}
		for o, reg := range moved {
			if existing, ok := a.observers[o]; ok {
				if reg.forever && !existing.forever {
					a.observers[o] = reg
					if existing.stop != nil {
						existing.stop()
					}
				} else if reg.stop != nil {
					reg.stop()
				}
				continue
			}
			a.observers[o] = reg
		}
		a.obsMu.Unlock()

		// Adopted observers have not seen this handle's snapshot yet
		a.notify(true)
		return
	}
}
