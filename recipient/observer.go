package recipient

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/recipientcache/errors"
)

// Observer receives snapshot changes. Registration is keyed by the
// observer value, so use pointer types for distinct registrations.
type Observer interface {
	RecipientChanged(s *Snapshot)
}

// FuncObserver adapts a function to Observer. Each *FuncObserver is a
// distinct registration.
type FuncObserver struct {
	fn func(*Snapshot)
}

// NewObserver wraps fn as an Observer
func NewObserver(fn func(*Snapshot)) *FuncObserver {
	return &FuncObserver{fn: fn}
}

// RecipientChanged implements Observer
func (o *FuncObserver) RecipientChanged(s *Snapshot) {
	o.fn(s)
}

// Executor runs observer deliveries. Implementations must run tasks one at
// a time in submission order.
type Executor interface {
	Execute(task func())
}

// SerialExecutor is the default delivery context: one goroutine draining
// an unbounded FIFO queue.
type SerialExecutor struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool

	started bool
	done    chan struct{}
}

// NewSerialExecutor creates an executor; capacity presizes the queue
func NewSerialExecutor(capacity int, logger *slog.Logger) *SerialExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialExecutor{
		logger: logger,
		queue:  make([]func(), 0, capacity),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery goroutine
func (e *SerialExecutor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.ErrAlreadyStarted
	}
	e.started = true
	go e.loop()
	return nil
}

// Stop runs the queued tasks and waits for the delivery goroutine to exit
// or ctx to end.
func (e *SerialExecutor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.ErrNotStarted
	}
	if !e.stopped {
		e.stopped = true
		e.signal()
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute enqueues a task. Tasks submitted after Stop are dropped.
func (e *SerialExecutor) Execute(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		e.logger.Debug("Delivery after executor stop dropped")
		return
	}
	e.queue = append(e.queue, task)
	e.signal()
}

// Drain blocks until every task enqueued before the call has run
func (e *SerialExecutor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	e.Execute(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal must be called with mu held
func (e *SerialExecutor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *SerialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		stopped := e.stopped
		e.mu.Unlock()

		for _, task := range batch {
			e.run(task)
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-e.wake
	}
}

func (e *SerialExecutor) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Observer panicked", "panic", r)
		}
	}()
	task()
}
