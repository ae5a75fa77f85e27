// Package worker provides a generic, bounded worker pool.
//
// A Pool runs a fixed number of goroutines that take items from a bounded
// queue and hand them to a processor function:
//
//	pool := worker.NewPool[Key](4, 256, func(ctx context.Context, k Key) error {
//	    _, err := resolve(ctx, k)
//	    return err
//	}, worker.WithGate[Key](store.TxGate()))
//
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks. A full queue returns ErrQueueFull and counts the item
// as dropped; callers that need the work done fall back to doing it inline.
//
// # Admission gate
//
// WithGate installs a Gate that each worker must pass before processing an
// item. TxGate closes while a storage write transaction is open, so background
// reads never interleave with uncommitted writes. Items held at a closed gate
// stay in the worker and are counted as deferred.
//
// # Observability
//
// Statistics are always kept with atomics and returned by Stats. Passing
// WithMetricsRegistry additionally exports them as Prometheus collectors
// labelled with the pool prefix.
//
// # Shutdown
//
// Stop closes the queue, lets workers drain what was already accepted and
// waits up to the given timeout. Cancelling the context passed to Start
// stops workers without draining.
package worker
