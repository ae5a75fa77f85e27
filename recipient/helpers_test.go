package recipient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/recipient"
	"github.com/c360/recipientcache/recipient/memstore"
	"github.com/c360/recipientcache/testutil"
)

type fixture struct {
	cache    *recipient.Cache
	mem      *memstore.Store
	store    *testutil.CountingStore
	resolver *testutil.ScriptedResolver
	exec     *recipient.SerialExecutor
}

type fixtureOption func(*fixtureSetup)

type fixtureSetup struct {
	config    recipient.Config
	self      recipient.SelfConfig
	memOpts   []memstore.Option
	noStart   bool
	execLater bool
	wrap      func(recipient.Store) recipient.Store
}

func withConfig(fn func(*recipient.Config)) fixtureOption {
	return func(s *fixtureSetup) { fn(&s.config) }
}

func withSelf(cfg recipient.SelfConfig) fixtureOption {
	return func(s *fixtureSetup) { s.self = cfg }
}

func withMemOptions(opts ...memstore.Option) fixtureOption {
	return func(s *fixtureSetup) { s.memOpts = append(s.memOpts, opts...) }
}

// withStoreWrapper puts wrap(store) between the cache and the counting store
func withStoreWrapper(wrap func(recipient.Store) recipient.Store) fixtureOption {
	return func(s *fixtureSetup) { s.wrap = wrap }
}

// withoutBackground leaves the worker pool stopped so Live never resolves
// on its own.
func withoutBackground() fixtureOption {
	return func(s *fixtureSetup) { s.noStart = true }
}

// withHeldDelivery leaves the delivery executor stopped until the test
// starts it.
func withHeldDelivery() fixtureOption {
	return func(s *fixtureSetup) { s.execLater = true }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	setup := fixtureSetup{config: recipient.DefaultConfig()}
	for _, opt := range opts {
		opt(&setup)
	}

	mem := memstore.New(setup.memOpts...)
	f := &fixture{
		mem:      mem,
		store:    testutil.NewCountingStore(mem),
		resolver: testutil.NewScriptedResolver(),
		exec:     recipient.NewSerialExecutor(16, nil),
	}

	var store recipient.Store = f.store
	if setup.wrap != nil {
		store = setup.wrap(store)
	}
	c, err := recipient.New(setup.config, recipient.Dependencies{
		Store:    store,
		Resolver: f.resolver,
		Executor: f.exec,
		Self:     setup.self,
	})
	require.NoError(t, err)
	f.cache = c

	if !setup.execLater {
		require.NoError(t, f.exec.Start())
	}
	if !setup.noStart {
		require.NoError(t, c.Start(context.Background()))
	}

	t.Cleanup(func() {
		_ = c.Stop(5 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.exec.Stop(ctx)
	})
	return f
}

// drain waits until every notification queued so far has been delivered
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.exec.Drain(ctx))
}

func (f *fixture) put(t *testing.T, rec recipient.Record) recipient.CanonicalID {
	t.Helper()
	id, err := f.mem.Put(rec)
	require.NoError(t, err)
	return id
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
