package testutil

import (
	"context"
	"errors"
	"sync"

	rerrors "github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/pkg/worker"
	"github.com/c360/recipientcache/recipient"
)

// Common test errors
var (
	ErrMockStoreDown   = rerrors.WrapTransient(rerrors.ErrStorageUnavailable, "MockStore", "call", "injected failure")
	ErrMockNetworkDown = rerrors.WrapTransient(rerrors.ErrNetworkUnavailable, "MockResolver", "call", "injected failure")
	ErrMockFailed      = errors.New("mock operation failed")
)

// Store operation names used by CountingStore
const (
	OpGetCanonical = "get_canonical"
	OpGetNumeric   = "get_numeric"
	OpGetEncoded   = "get_encoded"
	OpGetLegacy    = "get_legacy"
	OpInsert       = "insert_placeholder"
	OpUpdate       = "update_fields"
	OpMerge        = "mark_merged"
	OpRecent       = "recent_records"
	OpContacts     = "contact_records"
)

// CountingStore wraps a recipient.Store, counting calls and injecting
// failures. It forwards WarmupSource and TxGater calls when the inner store
// supports them. Thread-safe.
type CountingStore struct {
	inner recipient.Store

	mu     sync.Mutex
	calls  map[string]int
	failOp map[string]int
	err    error
}

// NewCountingStore wraps inner
func NewCountingStore(inner recipient.Store) *CountingStore {
	return &CountingStore{
		inner:  inner,
		calls:  make(map[string]int),
		failOp: make(map[string]int),
		err:    ErrMockStoreDown,
	}
}

// FailNext makes the next n calls of op fail with err. A nil err uses
// ErrMockStoreDown.
func (s *CountingStore) FailNext(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOp[op] = n
	if err != nil {
		s.err = err
	}
}

// Calls returns how many times op was called
func (s *CountingStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Reads returns the number of lookups of any kind
func (s *CountingStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[OpGetCanonical] + s.calls[OpGetNumeric] + s.calls[OpGetEncoded] + s.calls[OpGetLegacy]
}

// Total returns the number of calls of any kind
func (s *CountingStore) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Reset zeroes the counters
func (s *CountingStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *CountingStore) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.failOp[op] > 0 {
		s.failOp[op]--
		return s.err
	}
	return nil
}

func (s *CountingStore) GetByCanonicalID(ctx context.Context, id recipient.CanonicalID) (recipient.Record, bool, error) {
	if err := s.record(OpGetCanonical); err != nil {
		return recipient.Record{}, false, err
	}
	return s.inner.GetByCanonicalID(ctx, id)
}

func (s *CountingStore) GetByNumericID(ctx context.Context, id uint64) (recipient.Record, bool, error) {
	if err := s.record(OpGetNumeric); err != nil {
		return recipient.Record{}, false, err
	}
	return s.inner.GetByNumericID(ctx, id)
}

func (s *CountingStore) GetByEncodedID(ctx context.Context, id string) (recipient.Record, bool, error) {
	if err := s.record(OpGetEncoded); err != nil {
		return recipient.Record{}, false, err
	}
	return s.inner.GetByEncodedID(ctx, id)
}

func (s *CountingStore) GetByLegacyAddress(ctx context.Context, addr string) (recipient.Record, bool, error) {
	if err := s.record(OpGetLegacy); err != nil {
		return recipient.Record{}, false, err
	}
	return s.inner.GetByLegacyAddress(ctx, addr)
}

func (s *CountingStore) InsertPlaceholder(ctx context.Context, key recipient.Key) (recipient.CanonicalID, error) {
	if err := s.record(OpInsert); err != nil {
		return 0, err
	}
	return s.inner.InsertPlaceholder(ctx, key)
}

func (s *CountingStore) UpdateFields(ctx context.Context, id recipient.CanonicalID, fields recipient.Fields) error {
	if err := s.record(OpUpdate); err != nil {
		return err
	}
	return s.inner.UpdateFields(ctx, id, fields)
}

func (s *CountingStore) MarkMerged(ctx context.Context, losing, surviving recipient.CanonicalID) error {
	if err := s.record(OpMerge); err != nil {
		return err
	}
	return s.inner.MarkMerged(ctx, losing, surviving)
}

func (s *CountingStore) RecentRecords(ctx context.Context, limit int) ([]recipient.Record, error) {
	if err := s.record(OpRecent); err != nil {
		return nil, err
	}
	if src, ok := s.inner.(recipient.WarmupSource); ok {
		return src.RecentRecords(ctx, limit)
	}
	return nil, nil
}

func (s *CountingStore) ContactRecords(ctx context.Context, limit int) ([]recipient.Record, error) {
	if err := s.record(OpContacts); err != nil {
		return nil, err
	}
	if src, ok := s.inner.(recipient.WarmupSource); ok {
		return src.ContactRecords(ctx, limit)
	}
	return nil, nil
}

// TxGate returns the inner store's transaction gate, or nil when it has none
func (s *CountingStore) TxGate() worker.Gate {
	if g, ok := s.inner.(recipient.TxGater); ok {
		return g.TxGate()
	}
	return nil
}
