package natsresolver

import (
	"context"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
	"github.com/c360/recipientcache/pkg/retry"
	"github.com/c360/recipientcache/recipient"
	"github.com/c360/recipientcache/recipient/memstore"
)

// loopback routes requests to handlers registered on the same value
type loopback struct {
	mu       sync.Mutex
	handlers map[string]func(context.Context, []byte) ([]byte, error)
	failures int
	raw      []byte
	requests int
}

func newLoopback() *loopback {
	return &loopback{handlers: make(map[string]func(context.Context, []byte) ([]byte, error))}
}

func (l *loopback) Subscribe(subject string, h func(context.Context, []byte) ([]byte, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[subject] = h
	return nil
}

func (l *loopback) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	l.mu.Lock()
	l.requests++
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.WrapTransient(errors.ErrConnectionTimeout, "loopback", "Request", subject)
	}
	if l.raw != nil {
		raw := l.raw
		l.mu.Unlock()
		return raw, nil
	}
	h, ok := l.handlers[subject]
	l.mu.Unlock()
	if !ok {
		return nil, errors.WrapTransient(errors.ErrNetworkUnavailable, "loopback", "Request", "no responders on "+subject)
	}
	return h(ctx, data)
}

func (l *loopback) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func setup(t *testing.T) (*loopback, *memstore.Store, *Resolver) {
	t.Helper()
	bus := newLoopback()
	directory := memstore.New(memstore.WithNextID(500))
	require.NoError(t, Serve(bus, "recipients.resolve", directory, nil))
	r, err := New(bus, fastConfig(), nil)
	require.NoError(t, err)
	return bus, directory, r
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig(), nil)
	assert.True(t, errors.IsInvalid(err))

	cfg := DefaultConfig()
	cfg.SubjectPrefix = ""
	_, err = New(newLoopback(), cfg, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestDefaultConfig_RetriesOnlyTransient(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.NotNil(t, cfg.Retry.Retryable)
	assert.True(t, cfg.Retry.Retryable(errors.ErrNetworkUnavailable))
	assert.False(t, cfg.Retry.Retryable(errors.WrapInvalid(errors.ErrParsingFailed, "t", "t", "decode")))
}

func TestResolver_FetchFromDirectory(t *testing.T) {
	_, directory, r := setup(t)
	ctx := context.Background()
	_, err := directory.Put(recipient.Record{NumericID: 42, EncodedID: "U:42", Name: "Judy"})
	require.NoError(t, err)

	rec, found, err := r.FetchByEncodedID(ctx, "U:42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Judy", rec.Name)
	assert.Zero(t, rec.ID, "directory ids are not ours")

	rec, found, err = r.FetchByNumericID(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "U:42", rec.EncodedID)

	_, found, err = r.FetchByEncodedID(ctx, "U:nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolver_Metrics(t *testing.T) {
	bus, directory, _ := setup(t)
	registry := metric.NewMetricsRegistry()
	r, err := New(bus, fastConfig(), nil, WithMetrics(registry.CoreMetrics()))
	require.NoError(t, err)
	_, err = directory.Put(recipient.Record{NumericID: 9})
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = r.FetchByNumericID(ctx, 9)
	require.NoError(t, err)
	_, _, err = r.FetchByNumericID(ctx, 10)
	require.NoError(t, err)

	requests := registry.CoreMetrics().ResolverRequests
	assert.Equal(t, 1.0, promtest.ToFloat64(requests.WithLabelValues("numeric", "hit")))
	assert.Equal(t, 1.0, promtest.ToFloat64(requests.WithLabelValues("numeric", "absent")))
}

func TestResolver_RetriesTransientFailures(t *testing.T) {
	bus, directory, r := setup(t)
	_, err := directory.Put(recipient.Record{EncodedID: "U:1", Name: "One"})
	require.NoError(t, err)

	bus.failures = 2
	rec, found, err := r.FetchByEncodedID(context.Background(), "U:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "One", rec.Name)
	assert.Equal(t, 3, bus.count())
}

func TestResolver_ExhaustedRetriesAreNetworkUnavailable(t *testing.T) {
	bus, _, r := setup(t)
	bus.failures = 10

	_, _, err := r.FetchByNumericID(context.Background(), 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNetworkUnavailable)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 3, bus.count())
}

func TestResolver_MalformedReplyNotRetried(t *testing.T) {
	bus, _, r := setup(t)
	bus.raw = []byte("not json")

	_, _, err := r.FetchByEncodedID(context.Background(), "U:1")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 1, bus.count())
}

type brokenStore struct {
	recipient.Store
}

func (brokenStore) GetByEncodedID(context.Context, string) (recipient.Record, bool, error) {
	return recipient.Record{}, false, errors.WrapTransient(errors.ErrStorageUnavailable, "brokenStore", "GetByEncodedID", "read")
}

func TestServe_ReportsLookupFailure(t *testing.T) {
	bus := newLoopback()
	require.NoError(t, Serve(bus, "dir", brokenStore{}, nil))
	r, err := New(bus, Config{SubjectPrefix: "dir", Retry: retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}}, nil)
	require.NoError(t, err)

	_, _, err = r.FetchByEncodedID(context.Background(), "U:1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNetworkUnavailable)
	assert.Equal(t, 2, bus.count())
}

func TestResolver_FeedsCache(t *testing.T) {
	_, directory, r := setup(t)
	_, err := directory.Put(recipient.Record{EncodedID: "U:remote", Name: "Remote"})
	require.NoError(t, err)

	local := memstore.New()
	c, err := recipient.New(recipient.DefaultConfig(), recipient.Dependencies{Store: local, Resolver: r})
	require.NoError(t, err)

	snap, err := c.Resolved(context.Background(), recipient.EncodedKey("U:remote"))
	require.NoError(t, err)
	assert.Equal(t, "Remote", snap.Name())
	assert.Equal(t, recipient.CanonicalID(1), snap.ID(), "local store assigns the canonical id")

	rec, found, err := local.GetByEncodedID(context.Background(), "U:remote")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap.ID(), rec.ID)
}
