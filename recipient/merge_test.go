package recipient_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/recipient"
	"github.com/c360/recipientcache/testutil"
)

func TestRemap_ConsolidatesIntoSurvivor(t *testing.T) {
	f := newFixture(t, withoutBackground())
	ctx := testContext(t)

	const phone = "+15551234567"
	loserID := f.put(t, recipient.Record{Phone: phone, Avatar: "old.png"})
	winnerID := f.put(t, recipient.Record{
		NumericID: 42,
		EncodedID: "U:42",
		UUID:      "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Name:      "Judy",
	})

	loser, err := f.cache.LiveSync(ctx, recipient.LegacyKey(phone))
	require.NoError(t, err)
	require.Equal(t, loserID, loser.ID())
	winner, err := f.cache.LiveSync(ctx, recipient.CanonicalKey(winnerID))
	require.NoError(t, err)

	obs := testutil.NewRecordingObserver()
	loser.ObserveForever(obs)

	require.NoError(t, f.cache.Remap(ctx, loserID, winnerID))
	f.drain(t)

	// Every former key of the loser now yields the survivor
	assert.Same(t, winner, f.cache.GetByCanonicalID(loserID))
	assert.Same(t, winner, f.cache.GetByLegacyAddress(phone))
	assert.Same(t, winner, f.cache.GetByCanonicalID(winnerID))
	assert.Same(t, winner, f.cache.GetByNumericID(42))

	assert.True(t, loser.IsStale())
	assert.Equal(t, winnerID, loser.ID())
	assert.Equal(t, 1, winner.ObserverCount())

	snap := winner.Get()
	assert.Equal(t, "Judy", snap.Name())
	assert.Equal(t, phone, snap.Phone(), "fields only the loser had are kept")
	assert.Equal(t, "old.png", snap.Avatar())

	require.GreaterOrEqual(t, obs.Count(), 1)
	assert.Equal(t, winnerID, obs.Last().ID())

	rec, found, err := f.mem.GetByLegacyAddress(ctx, phone)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winnerID, rec.ID)

	stats := f.cache.Stats()
	assert.Equal(t, 1, stats.Tombstones)
	assert.EqualValues(t, 1, stats.Canonical.CurrentSize)
}

func TestRemap_StoreFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t, withoutBackground())
	ctx := testContext(t)

	loserID := f.put(t, recipient.Record{Phone: "+15550000001"})
	winnerID := f.put(t, recipient.Record{EncodedID: "U:2"})
	loser, err := f.cache.LiveSync(ctx, recipient.CanonicalKey(loserID))
	require.NoError(t, err)

	f.store.FailNext(testutil.OpMerge, 1, nil)
	err = f.cache.Remap(ctx, loserID, winnerID)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	assert.False(t, loser.IsStale())
	assert.Same(t, loser, f.cache.GetByCanonicalID(loserID))
	assert.Zero(t, f.cache.Stats().Tombstones)

	require.NoError(t, f.cache.Remap(ctx, loserID, winnerID))
	assert.True(t, loser.IsStale())
}

func TestRemap_Arguments(t *testing.T) {
	f := newFixture(t, withoutBackground())
	ctx := testContext(t)

	err := f.cache.Remap(ctx, 0, 5)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	id := f.put(t, recipient.Record{EncodedID: "U:1"})
	require.NoError(t, f.cache.Remap(ctx, id, id))
	assert.Zero(t, f.store.Calls(testutil.OpMerge))

	err = f.cache.Remap(ctx, id, 999)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
}

func TestRemap_Chained(t *testing.T) {
	f := newFixture(t, withoutBackground())
	ctx := testContext(t)

	a := f.put(t, recipient.Record{Phone: "+15550000001"})
	b := f.put(t, recipient.Record{Phone: "+15550000002"})
	c := f.put(t, recipient.Record{EncodedID: "U:c"})

	ha, err := f.cache.LiveSync(ctx, recipient.CanonicalKey(a))
	require.NoError(t, err)

	require.NoError(t, f.cache.Remap(ctx, a, b))
	require.NoError(t, f.cache.Remap(ctx, b, c))

	hc := f.cache.GetByCanonicalID(c)
	assert.Same(t, hc, f.cache.GetByCanonicalID(a))
	assert.Equal(t, c, ha.ID())

	// Already merged: a second request is a no-op
	f.store.Reset()
	require.NoError(t, f.cache.Remap(ctx, a, c))
	assert.Zero(t, f.store.Calls(testutil.OpMerge))
}
