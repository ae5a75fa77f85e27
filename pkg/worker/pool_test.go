package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rcerrors "github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func TestNewPool(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	if pool.workers != 5 || pool.queueSize != 100 {
		t.Errorf("Expected 5 workers and queue 100, got %d and %d", pool.workers, pool.queueSize)
	}

	pool = NewPool(0, 0, processor)
	if pool.workers != 4 {
		t.Errorf("Expected default 4 workers, got %d", pool.workers)
	}
	if pool.queueSize != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", pool.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for nil processor")
		}
	}()
	NewPool[testWork](5, 100, nil)
}

func TestPool_Lifecycle(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 10, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})

	if err := pool.Submit(testWork{id: 1}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Start(ctx); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("Expected ErrPoolAlreadyStarted, got %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			t.Errorf("Failed to submit work %d: %v", i, err)
		}
	}

	// Stop drains accepted work
	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("Failed to stop pool: %v", err)
	}
	if got := processed.Load(); got != 5 {
		t.Errorf("Expected 5 processed items, got %d", got)
	}

	if err := pool.Submit(testWork{id: 999}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 2, func(context.Context, testWork) error {
		<-release
		return nil
	})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	var full int
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i}); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	close(release)
	_ = pool.Stop(5 * time.Second)

	if full == 0 {
		t.Error("Expected some work to be dropped due to full queue")
	}
	if stats := pool.Stats(); stats.Dropped != int64(full) {
		t.Errorf("Expected %d dropped in stats, got %d", full, stats.Dropped)
	}
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool := NewPool(2, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("simulated error")
		}
		return nil
	})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i, fail: i%2 == 0}); err != nil {
			t.Errorf("Failed to submit work %d: %v", i, err)
		}
	}
	_ = pool.Stop(5 * time.Second)

	stats := pool.Stats()
	if stats.Processed != 10 {
		t.Errorf("Expected 10 processed items in stats, got %d", stats.Processed)
	}
	if stats.Failed != 5 {
		t.Errorf("Expected 5 failed items in stats, got %d", stats.Failed)
	}
}

func TestPool_ContextCancellation(t *testing.T) {
	pool := NewPool(2, 10, func(ctx context.Context, w testWork) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.delay):
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	for i := 0; i < 5; i++ {
		_ = pool.Submit(testWork{id: i, delay: time.Second})
	}
	cancel()

	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("Failed to stop pool after cancel: %v", err)
	}
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(5, 100, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := pool.Submit(testWork{id: s*10 + j}); err != nil {
					t.Errorf("Submitter %d failed to submit work %d: %v", s, j, err)
				}
			}
		}(i)
	}
	wg.Wait()
	_ = pool.Stop(5 * time.Second)

	if got := processed.Load(); got != 100 {
		t.Errorf("Expected 100 processed items, got %d", got)
	}
}

func TestPool_GateDefersWork(t *testing.T) {
	gate := &TxGate{}
	var processed atomic.Int64
	pool := NewPool(1, 10, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	}, WithGate[testWork](gate))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	gate.Begin()
	_ = pool.Submit(testWork{id: 1})

	time.Sleep(50 * time.Millisecond)
	if got := processed.Load(); got != 0 {
		t.Fatalf("Work ran while a write transaction was open")
	}

	gate.End()
	_ = pool.Stop(5 * time.Second)

	if got := processed.Load(); got != 1 {
		t.Errorf("Expected 1 processed item after gate opened, got %d", got)
	}
	if stats := pool.Stats(); stats.Deferred != 1 {
		t.Errorf("Expected 1 deferred item, got %d", stats.Deferred)
	}
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 10, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "resolve"))
	if pool.metrics == nil {
		t.Fatal("Expected metrics to be initialized")
	}

	// Same prefix twice cannot register; the pool keeps running on stats only
	second := NewPool(1, 10, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "resolve"))
	if second.metrics != nil {
		t.Error("Expected duplicate registration to disable metrics")
	}
}

func TestTxGate(t *testing.T) {
	var g TxGate
	if !g.Open() {
		t.Fatal("Zero TxGate should be open")
	}

	g.Begin()
	g.Begin()
	g.End()
	if g.Open() {
		t.Fatal("Gate should stay closed while a transaction is open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline while gate closed, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()
	g.End()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after gate opened")
	}

	if err := g.Do(func() error { return nil }); err != nil || !g.Open() {
		t.Errorf("Do should leave the gate open, err=%v", err)
	}
}

func TestPool_ErrorClasses(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, testWork) error { return nil })

	err := pool.Submit(testWork{id: 1})
	assert.True(t, rcerrors.IsInvalid(err), "submit before start is misuse")

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	err = pool.Submit(testWork{id: 2})
	assert.True(t, rcerrors.IsTransient(err), "a stopped pool is backpressure")
}
