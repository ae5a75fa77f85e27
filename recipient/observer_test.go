package recipient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/errors"
)

func TestSerialExecutor_RunsInOrder(t *testing.T) {
	e := NewSerialExecutor(4, nil)
	require.NoError(t, e.Start())

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		e.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	require.NoError(t, e.Stop(ctx))
}

func TestSerialExecutor_SurvivesPanics(t *testing.T) {
	e := NewSerialExecutor(1, nil)
	require.NoError(t, e.Start())

	ran := false
	e.Execute(func() { panic("observer bug") })
	e.Execute(func() { ran = true })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))
	assert.True(t, ran)
	require.NoError(t, e.Stop(ctx))
}

func TestSerialExecutor_Lifecycle(t *testing.T) {
	e := NewSerialExecutor(1, nil)
	ctx := context.Background()

	assert.ErrorIs(t, e.Stop(ctx), errors.ErrNotStarted)
	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), errors.ErrAlreadyStarted)

	ran := make(chan struct{})
	e.Execute(func() { close(ran) })
	require.NoError(t, e.Stop(ctx))

	select {
	case <-ran:
	default:
		t.Fatal("task queued before Stop did not run")
	}

	dropped := true
	e.Execute(func() { dropped = false })
	assert.True(t, dropped)
}

func TestFuncObserver(t *testing.T) {
	var got *Snapshot
	o := NewObserver(func(s *Snapshot) { got = s })
	s := UnknownSnapshot(NumericKey(1))
	o.RecipientChanged(s)
	assert.Same(t, s, got)
}
