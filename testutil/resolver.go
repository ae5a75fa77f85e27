package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360/recipientcache/recipient"
)

// ScriptedResolver answers fetches from records added with Add. Records
// carry no canonical id; the cache assigns one when it persists them.
type ScriptedResolver struct {
	mu        sync.Mutex
	byEncoded map[string]recipient.Record
	byNumeric map[uint64]recipient.Record
	calls     int
	failNext  int
	delay     time.Duration
}

// NewScriptedResolver creates an empty resolver
func NewScriptedResolver() *ScriptedResolver {
	return &ScriptedResolver{
		byEncoded: make(map[string]recipient.Record),
		byNumeric: make(map[uint64]recipient.Record),
	}
}

// Add makes rec fetchable by its encoded and numeric ids
func (r *ScriptedResolver) Add(rec recipient.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = 0
	if rec.EncodedID != "" {
		r.byEncoded[rec.EncodedID] = rec
	}
	if rec.NumericID != 0 {
		r.byNumeric[rec.NumericID] = rec
	}
}

// FailNext makes the next n fetches fail with ErrMockNetworkDown
func (r *ScriptedResolver) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

// SetDelay makes every fetch sleep for d first
func (r *ScriptedResolver) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Calls returns the number of fetches
func (r *ScriptedResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *ScriptedResolver) FetchByEncodedID(ctx context.Context, id string) (recipient.Record, bool, error) {
	if err := r.begin(ctx); err != nil {
		return recipient.Record{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byEncoded[id]
	return rec.Clone(), ok, nil
}

func (r *ScriptedResolver) FetchByNumericID(ctx context.Context, id uint64) (recipient.Record, bool, error) {
	if err := r.begin(ctx); err != nil {
		return recipient.Record{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byNumeric[id]
	return rec.Clone(), ok, nil
}

func (r *ScriptedResolver) begin(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	delay := r.delay
	fail := r.failNext > 0
	if fail {
		r.failNext--
	}
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return ErrMockNetworkDown
	}
	return nil
}
