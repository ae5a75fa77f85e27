//go:build integration

package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/natsclient"
	"github.com/c360/recipientcache/recipient"
)

func TestIntegration_StoreOnJetStream(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithKVBuckets("RECIPIENTS_TEST"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bucket, err := tc.KVBucket(ctx, "RECIPIENTS_TEST")
	require.NoError(t, err)
	s := New(tc.Client.NewKVStore(bucket))

	loser, err := s.Put(ctx, recipient.Record{Phone: "+15550000001", Name: "Old"})
	require.NoError(t, err)
	winner, err := s.InsertPlaceholder(ctx, recipient.EncodedKey("U:42"))
	require.NoError(t, err)
	name := "Judy"
	require.NoError(t, s.UpdateFields(ctx, winner, recipient.Fields{Name: &name}))

	require.NoError(t, s.MarkMerged(ctx, loser, winner))

	rec, found, err := s.GetByLegacyAddress(ctx, "+15550000001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winner, rec.ID)
	assert.Equal(t, "Judy", rec.Name)

	c, err := recipient.New(recipient.DefaultConfig(), recipient.Dependencies{Store: s})
	require.NoError(t, err)
	snap, err := c.Resolved(ctx, recipient.CanonicalKey(loser))
	require.NoError(t, err)
	assert.Equal(t, winner, snap.ID())

	recent, err := s.RecentRecords(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
