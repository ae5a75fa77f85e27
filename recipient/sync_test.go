package recipient_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/recipient"
	"github.com/c360/recipientcache/recipient/memstore"
	"github.com/c360/recipientcache/testutil"
)

// slowUpdateStore widens the window between placeholder insert and field
// update
type slowUpdateStore struct {
	recipient.Store
	delay time.Duration
}

func (s slowUpdateStore) UpdateFields(ctx context.Context, id recipient.CanonicalID, fields recipient.Fields) error {
	time.Sleep(s.delay)
	return s.Store.UpdateFields(ctx, id, fields)
}

// pausingStore holds the first numeric lookup after it has read its record
type pausingStore struct {
	recipient.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newPausingStore() *pausingStore {
	return &pausingStore{read: make(chan struct{}), release: make(chan struct{})}
}

func (s *pausingStore) wrap(inner recipient.Store) recipient.Store {
	s.Store = inner
	return s
}

func (s *pausingStore) GetByNumericID(ctx context.Context, id uint64) (recipient.Record, bool, error) {
	rec, found, err := s.Store.GetByNumericID(ctx, id)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return rec, found, err
}

func TestResolve_ConcurrentKeysShareOneIdentity(t *testing.T) {
	f := newFixture(t, withoutBackground(), withStoreWrapper(func(s recipient.Store) recipient.Store {
		return slowUpdateStore{Store: s, delay: 20 * time.Millisecond}
	}))
	ctx := testContext(t)
	f.resolver.Add(recipient.Record{NumericID: 5, EncodedID: "U:5", Name: "Five"})

	keys := []recipient.Key{recipient.NumericKey(5), recipient.EncodedKey("U:5")}
	snaps := make([]*recipient.Snapshot, len(keys))
	errs := make([]error, len(keys))

	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snaps[i], errs[i] = f.cache.Resolved(ctx, key)
		}()
	}
	wg.Wait()

	for i := range keys {
		require.NoError(t, errs[i])
	}
	id := snaps[0].ID()
	assert.Positive(t, id)
	assert.Equal(t, id, snaps[1].ID())
	assert.Equal(t, 1, f.mem.Len(), "one record per remote entity")
	assert.Equal(t, 1, f.store.Calls(testutil.OpInsert))

	h := f.cache.GetByCanonicalID(id)
	assert.Same(t, h, f.cache.GetByNumericID(5))
	assert.Same(t, h, f.cache.GetByEncodedID("U:5"))
	assert.Equal(t, "Five", h.Get().Name())
}

func TestResolve_NetworkHitReusesStoredRecord(t *testing.T) {
	f := newFixture(t, withoutBackground())
	ctx := testContext(t)
	id := f.put(t, recipient.Record{EncodedID: "U:6", Name: "Six"})
	f.resolver.Add(recipient.Record{NumericID: 6, EncodedID: "U:6", Name: "Six"})

	snap, err := f.cache.Resolved(ctx, recipient.NumericKey(6))
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID())
	assert.Equal(t, uint64(6), snap.NumericID())
	assert.Zero(t, f.store.Calls(testutil.OpInsert))
	assert.Equal(t, 1, f.mem.Len())
	assert.False(t, snap.UpdatedAt().IsZero(), "network hits carry the stored write time")
}

func TestSynchronize_KeyHeldByAnotherIdentity(t *testing.T) {
	f := newFixture(t, withoutBackground())
	ctx := testContext(t)
	first := f.put(t, recipient.Record{NumericID: 5, EncodedID: "U:a", Name: "A"})
	_, err := f.cache.Resolved(ctx, recipient.CanonicalKey(first))
	require.NoError(t, err)
	holder := f.cache.GetByNumericID(5)

	// A second record claiming the same numeric id
	second := f.put(t, recipient.Record{NumericID: 5, EncodedID: "U:b", Name: "B"})
	snap, err := f.cache.Resolved(ctx, recipient.CanonicalKey(second))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvariantViolation)
	assert.True(t, errors.IsFatal(err))

	require.NotNil(t, snap, "the loaded snapshot comes back with the error")
	assert.Equal(t, second, snap.ID())

	h := f.cache.GetByCanonicalID(second)
	assert.Equal(t, recipient.StateResolved, h.State())
	assert.Same(t, h, f.cache.GetByEncodedID("U:b"))
	assert.Same(t, holder, f.cache.GetByNumericID(5), "the existing holder keeps the key")
	assert.NotSame(t, holder, h)
}

func TestSynchronize_StaleLoadDoesNotOverwriteRefresh(t *testing.T) {
	paused := newPausingStore()
	f := newFixture(t,
		withoutBackground(),
		withMemOptions(memstore.WithClock(tickingClock())),
		withStoreWrapper(paused.wrap),
	)
	ctx := testContext(t)
	id := f.put(t, recipient.Record{NumericID: 9, EncodedID: "U:9", Name: "v1"})

	byNumeric := f.cache.GetByNumericID(9)
	staleDone := make(chan error, 1)
	go func() {
		_, err := byNumeric.Resolve(ctx)
		staleDone <- err
	}()
	select {
	case <-paused.read:
	case <-time.After(5 * time.Second):
		t.Fatal("numeric lookup never ran")
	}

	canonical := f.cache.GetByCanonicalID(id)
	_, err := canonical.Resolve(ctx)
	require.NoError(t, err)
	require.True(t, byNumeric.IsStale())

	require.NoError(t, f.mem.UpdateFields(ctx, id, recipient.Fields{Name: ptr("v2")}))
	snap, err := canonical.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "v2", snap.Name())

	close(paused.release)
	select {
	case err := <-staleDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("numeric resolution never finished")
	}

	assert.Equal(t, "v2", canonical.Get().Name())
	assert.Equal(t, "v2", byNumeric.Get().Name())
	assert.Same(t, canonical, f.cache.GetByNumericID(9))
}

func TestAddToCache_KeepsNewerSnapshot(t *testing.T) {
	f := newFixture(t, withoutBackground(), withMemOptions(memstore.WithClock(tickingClock())))
	ctx := testContext(t)
	id := f.put(t, recipient.Record{EncodedID: "U:w", Name: "v1"})

	listed, found, err := f.mem.GetByCanonicalID(ctx, id)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, f.mem.UpdateFields(ctx, id, recipient.Fields{Name: ptr("v2")}))
	_, err = f.cache.Refresh(ctx, recipient.CanonicalKey(id))
	require.NoError(t, err)

	assert.Zero(t, f.cache.AddToCache([]recipient.Record{listed}))
	assert.Equal(t, "v2", f.cache.GetByCanonicalID(id).Get().Name())
}
