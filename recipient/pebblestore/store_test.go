package pebblestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
	"github.com/c360/recipientcache/recipient"
)

func openTest(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open("", append([]Option{InMemory()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutAndLookup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.Put(recipient.Record{
		NumericID: 42,
		EncodedID: "U:42",
		Phone:     "+1 (555) 123-4567",
		Name:      "Judy",
	})
	require.NoError(t, err)
	assert.Equal(t, recipient.CanonicalID(1), id)

	rec, found, err := s.GetByCanonicalID(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Judy", rec.Name)
	assert.False(t, rec.UpdatedAt.IsZero())

	for _, get := range []func() (recipient.Record, bool, error){
		func() (recipient.Record, bool, error) { return s.GetByNumericID(ctx, 42) },
		func() (recipient.Record, bool, error) { return s.GetByEncodedID(ctx, "U:42") },
		func() (recipient.Record, bool, error) { return s.GetByLegacyAddress(ctx, "+15551234567") },
	} {
		rec, found, err := get()
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, id, rec.ID)
	}

	_, found, err = s.GetByEncodedID(ctx, "U:missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.GetByLegacyAddress(ctx, "not an address")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PutReplacesIndexes(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.Put(recipient.Record{EncodedID: "U:old"})
	require.NoError(t, err)
	_, err = s.Put(recipient.Record{ID: id, EncodedID: "U:new"})
	require.NoError(t, err)

	_, found, err := s.GetByEncodedID(ctx, "U:old")
	require.NoError(t, err)
	assert.False(t, found)

	rec, found, err := s.GetByEncodedID(ctx, "U:new")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, rec.ID)

	// An explicit id moves the counter past it
	_, err = s.Put(recipient.Record{ID: 40, EncodedID: "U:40"})
	require.NoError(t, err)
	next, err := s.Put(recipient.Record{EncodedID: "U:next"})
	require.NoError(t, err)
	assert.Equal(t, recipient.CanonicalID(41), next)
}

func TestStore_InsertPlaceholder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.InsertPlaceholder(ctx, recipient.LegacyKey("+15550001111"))
	require.NoError(t, err)
	rec, found, err := s.GetByLegacyAddress(ctx, "+15550001111")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "+15550001111", rec.Phone)

	again, err := s.InsertPlaceholder(ctx, recipient.LegacyKey("+15550001111"))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	uid := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	uidID, err := s.InsertPlaceholder(ctx, recipient.LegacyKey(uid))
	require.NoError(t, err)
	rec, _, err = s.GetByCanonicalID(ctx, uidID)
	require.NoError(t, err)
	assert.Equal(t, uid, rec.UUID)

	_, err = s.InsertPlaceholder(ctx, recipient.CanonicalKey(5))
	assert.True(t, errors.IsInvalid(err))
	_, err = s.InsertPlaceholder(ctx, recipient.EncodedKey(""))
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_UpdateFields(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.Put(recipient.Record{EncodedID: "U:1"})
	require.NoError(t, err)

	name := "Renamed"
	phone := "+15552223333"
	require.NoError(t, s.UpdateFields(ctx, id, recipient.Fields{Name: &name, Phone: &phone}))

	rec, found, err := s.GetByLegacyAddress(ctx, phone)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Renamed", rec.Name)
	assert.Equal(t, "U:1", rec.EncodedID)

	err = s.UpdateFields(ctx, 999, recipient.Fields{Name: &name})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
}

func TestStore_MarkMerged(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	loser, err := s.Put(recipient.Record{Phone: "+15550000001", EncodedID: "U:loser"})
	require.NoError(t, err)
	winner, err := s.Put(recipient.Record{EncodedID: "U:winner"})
	require.NoError(t, err)
	require.NoError(t, s.SetContact(loser, true))

	require.NoError(t, s.MarkMerged(ctx, loser, winner))

	rec, found, err := s.GetByCanonicalID(ctx, loser)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winner, rec.ID)

	rec, found, err = s.GetByLegacyAddress(ctx, "+15550000001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winner, rec.ID)

	// The winner keeps its own encoded id; the loser's is claimed since no one holds it
	rec, found, err = s.GetByEncodedID(ctx, "U:loser")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winner, rec.ID)

	contacts, err := s.ContactRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, winner, contacts[0].ID)

	err = s.MarkMerged(ctx, winner, 999)
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
}

func TestStore_RecentRecords(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := openTest(t, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Put(recipient.Record{EncodedID: fmt.Sprintf("U:%d", i)})
		require.NoError(t, err)
	}
	recs, err := s.RecentRecords(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "U:4", recs[0].EncodedID)
	assert.Equal(t, "U:2", recs[2].EncodedID)
}

func TestStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Put(recipient.Record{EncodedID: "U:durable"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	rec, found, err := s.GetByEncodedID(context.Background(), "U:durable")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, rec.ID)

	next, err := s.Put(recipient.Record{EncodedID: "U:second"})
	require.NoError(t, err)
	assert.Equal(t, id+1, next)
}

func TestStore_BackgroundGate(t *testing.T) {
	s := openTest(t)
	assert.True(t, s.TxGate().Open())
}

func TestStore_RecordsOperations(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s := openTest(t, WithMetrics(registry.CoreMetrics()))
	ctx := context.Background()

	_, _, err := s.GetByEncodedID(ctx, "U:x")
	require.NoError(t, err)
	_, err = s.InsertPlaceholder(ctx, recipient.CanonicalKey(1))
	require.Error(t, err)

	ops := registry.CoreMetrics().StoreOperations
	assert.Equal(t, 1.0, promtest.ToFloat64(ops.WithLabelValues("pebble", "get_encoded", "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(ops.WithLabelValues("pebble", "insert_placeholder", "error")))
}
