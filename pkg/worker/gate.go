package worker

import (
	"context"
	"sync"
)

// Gate admits work only while it is open.
type Gate interface {
	// Open reports whether work may proceed right now.
	Open() bool
	// Wait blocks until the gate is open or ctx is done.
	Wait(ctx context.Context) error
}

// TxGate is a Gate that closes while one or more write transactions are in progress.
// The zero value is open and ready to use.
type TxGate struct {
	mu   sync.Mutex
	open int
	idle chan struct{} // closed when open drops to zero
}

// Begin marks the start of a write transaction and closes the gate.
// Every Begin must be paired with exactly one End.
func (g *TxGate) Begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == 0 {
		g.idle = make(chan struct{})
	}
	g.open++
}

// End marks a write transaction finished. The gate reopens after the last one.
func (g *TxGate) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == 0 {
		panic("worker: TxGate.End without matching Begin")
	}
	g.open--
	if g.open == 0 {
		close(g.idle)
	}
}

// Do runs fn as one write transaction.
func (g *TxGate) Do(fn func() error) error {
	g.Begin()
	defer g.End()
	return fn()
}

// Open reports whether no write transaction is in progress.
func (g *TxGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open == 0
}

// Wait blocks until no write transaction is in progress.
func (g *TxGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.open == 0 {
			g.mu.Unlock()
			return nil
		}
		idle := g.idle
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}
