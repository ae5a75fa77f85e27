// Package memstore is an in-memory recipient.Store. It backs the daemon's
// memory storage mode and the cache's tests.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/pkg/worker"
	"github.com/c360/recipientcache/recipient"
)

// Store keeps records and their key indexes in maps guarded by one lock.
// Writes made through Update hold the TxGate closed until they commit.
type Store struct {
	mu        sync.RWMutex
	records   map[recipient.CanonicalID]recipient.Record
	byNumeric map[uint64]recipient.CanonicalID
	byEncoded map[string]recipient.CanonicalID
	byLegacy  map[string]recipient.CanonicalID
	merged    map[recipient.CanonicalID]recipient.CanonicalID
	contacts  map[recipient.CanonicalID]struct{}
	nextID    recipient.CanonicalID

	gate worker.TxGate
	now  func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithNextID sets the first canonical id InsertPlaceholder assigns
func WithNextID(id recipient.CanonicalID) Option {
	return func(s *Store) {
		s.nextID = id
	}
}

// WithClock replaces the clock used for UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		records:   make(map[recipient.CanonicalID]recipient.Record),
		byNumeric: make(map[uint64]recipient.CanonicalID),
		byEncoded: make(map[string]recipient.CanonicalID),
		byLegacy:  make(map[string]recipient.CanonicalID),
		merged:    make(map[recipient.CanonicalID]recipient.CanonicalID),
		contacts:  make(map[recipient.CanonicalID]struct{}),
		nextID:    1,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tx is a write transaction opened by Update
type Tx struct {
	s *Store
}

// Put inserts or replaces rec. A zero ID assigns the next canonical id.
// It returns the record's id.
func (tx *Tx) Put(rec recipient.Record) (recipient.CanonicalID, error) {
	return tx.s.putLocked(rec)
}

// SetContact marks id as one of the local account's contacts
func (tx *Tx) SetContact(id recipient.CanonicalID, contact bool) {
	if contact {
		tx.s.contacts[id] = struct{}{}
	} else {
		delete(tx.s.contacts, id)
	}
}

// Update runs fn as one write transaction
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.gate.Do(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(&Tx{s: s})
	})
}

// Put inserts or replaces a single record
func (s *Store) Put(rec recipient.Record) (recipient.CanonicalID, error) {
	var id recipient.CanonicalID
	err := s.Update(func(tx *Tx) error {
		var err error
		id, err = tx.Put(rec)
		return err
	})
	return id, err
}

// TxGate implements recipient.TxGater
func (s *Store) TxGate() worker.Gate {
	return &s.gate
}

// Len returns the number of live records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) GetByCanonicalID(_ context.Context, id recipient.CanonicalID) (recipient.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) GetByNumericID(_ context.Context, id uint64) (recipient.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cid, ok := s.byNumeric[id]
	if !ok {
		return recipient.Record{}, false, nil
	}
	return s.getLocked(cid)
}

func (s *Store) GetByEncodedID(_ context.Context, id string) (recipient.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cid, ok := s.byEncoded[id]
	if !ok {
		return recipient.Record{}, false, nil
	}
	return s.getLocked(cid)
}

func (s *Store) GetByLegacyAddress(_ context.Context, addr string) (recipient.Record, bool, error) {
	norm, ok := recipient.NormalizeLegacy(addr)
	if !ok {
		return recipient.Record{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cid, ok := s.byLegacy[norm]
	if !ok {
		return recipient.Record{}, false, nil
	}
	return s.getLocked(cid)
}

// InsertPlaceholder implements recipient.Store
func (s *Store) InsertPlaceholder(_ context.Context, key recipient.Key) (recipient.CanonicalID, error) {
	if !key.Valid() || key.Space == recipient.SpaceCanonical {
		return 0, errors.WrapInvalid(fmt.Errorf("placeholder key %s", key), "MemStore", "InsertPlaceholder", "key check")
	}

	var id recipient.CanonicalID
	err := s.Update(func(tx *Tx) error {
		if cid, ok := s.findLocked(key); ok {
			id = cid
			return nil
		}
		rec := recipient.Record{}
		switch key.Space {
		case recipient.SpaceNumeric:
			rec.NumericID = key.Numeric
		case recipient.SpaceEncoded:
			rec.EncodedID = key.Encoded
		case recipient.SpaceLegacy:
			if recipient.IsUUIDAddress(key.Legacy) {
				rec.UUID = key.Legacy
			} else {
				rec.Phone = key.Legacy
			}
		}
		var err error
		id, err = tx.Put(rec)
		return err
	})
	return id, err
}

// UpdateFields implements recipient.Store
func (s *Store) UpdateFields(_ context.Context, id recipient.CanonicalID, fields recipient.Fields) error {
	return s.Update(func(tx *Tx) error {
		rec, ok := s.records[s.survivorLocked(id)]
		if !ok {
			return errors.WrapInvalid(fmt.Errorf("record %d: %w", id, errors.ErrIdentityNotFound),
				"MemStore", "UpdateFields", "record load")
		}
		_, err := tx.Put(fields.Apply(rec))
		return err
	})
}

// MarkMerged implements recipient.Store. The losing record's keys move to
// the survivor where the survivor has none of its own.
func (s *Store) MarkMerged(_ context.Context, losing, surviving recipient.CanonicalID) error {
	return s.Update(func(tx *Tx) error {
		surviving = s.survivorLocked(surviving)
		if losing == surviving {
			return nil
		}
		if _, ok := s.records[surviving]; !ok {
			return errors.WrapInvalid(fmt.Errorf("surviving record %d: %w", surviving, errors.ErrIdentityNotFound),
				"MemStore", "MarkMerged", "record load")
		}
		loser, ok := s.records[losing]
		if ok {
			s.unindexLocked(loser)
			delete(s.records, losing)
			if _, contact := s.contacts[losing]; contact {
				delete(s.contacts, losing)
				s.contacts[surviving] = struct{}{}
			}
			for _, k := range loser.Keys() {
				s.claimLocked(k, surviving, false)
			}
		}
		s.merged[losing] = surviving
		return nil
	})
}

// RecentRecords implements recipient.WarmupSource, newest first
func (s *Store) RecentRecords(_ context.Context, limit int) ([]recipient.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]recipient.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortRecent(out)
	return truncate(out, limit), nil
}

// ContactRecords implements recipient.WarmupSource
func (s *Store) ContactRecords(_ context.Context, limit int) ([]recipient.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]recipient.Record, 0, len(s.contacts))
	for id := range s.contacts {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	sortRecent(out)
	return truncate(out, limit), nil
}

func (s *Store) getLocked(id recipient.CanonicalID) (recipient.Record, bool, error) {
	rec, ok := s.records[s.survivorLocked(id)]
	if !ok {
		return recipient.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *Store) survivorLocked(id recipient.CanonicalID) recipient.CanonicalID {
	for i := 0; i < len(s.merged)+1; i++ {
		next, ok := s.merged[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

func (s *Store) findLocked(key recipient.Key) (recipient.CanonicalID, bool) {
	var (
		id recipient.CanonicalID
		ok bool
	)
	switch key.Space {
	case recipient.SpaceNumeric:
		id, ok = s.byNumeric[key.Numeric]
	case recipient.SpaceEncoded:
		id, ok = s.byEncoded[key.Encoded]
	case recipient.SpaceLegacy:
		id, ok = s.byLegacy[key.Legacy]
	}
	return id, ok
}

func (s *Store) putLocked(rec recipient.Record) (recipient.CanonicalID, error) {
	rec = rec.Clone()
	if rec.ID < 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("record id %d", rec.ID), "MemStore", "Put", "id check")
	}
	if rec.ID == 0 {
		rec.ID = s.nextID
	}
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	if prev, ok := s.records[rec.ID]; ok {
		s.unindexLocked(prev)
	}
	rec.UpdatedAt = s.now()
	s.records[rec.ID] = rec
	delete(s.merged, rec.ID)
	for _, k := range rec.Keys() {
		s.claimLocked(k, rec.ID, true)
	}
	return rec.ID, nil
}

// claimLocked points k at id. Without overwrite an existing holder wins.
func (s *Store) claimLocked(k recipient.Key, id recipient.CanonicalID, overwrite bool) {
	switch k.Space {
	case recipient.SpaceNumeric:
		claim(s.byNumeric, k.Numeric, id, overwrite)
	case recipient.SpaceEncoded:
		claim(s.byEncoded, k.Encoded, id, overwrite)
	case recipient.SpaceLegacy:
		claim(s.byLegacy, k.Legacy, id, overwrite)
	}
}

func claim[K comparable](m map[K]recipient.CanonicalID, k K, id recipient.CanonicalID, overwrite bool) {
	if _, taken := m[k]; taken && !overwrite {
		return
	}
	m[k] = id
}

func (s *Store) unindexLocked(rec recipient.Record) {
	for _, k := range rec.Keys() {
		switch k.Space {
		case recipient.SpaceNumeric:
			unclaim(s.byNumeric, k.Numeric, rec.ID)
		case recipient.SpaceEncoded:
			unclaim(s.byEncoded, k.Encoded, rec.ID)
		case recipient.SpaceLegacy:
			unclaim(s.byLegacy, k.Legacy, rec.ID)
		}
	}
}

func unclaim[K comparable](m map[K]recipient.CanonicalID, k K, id recipient.CanonicalID) {
	if m[k] == id {
		delete(m, k)
	}
}

func sortRecent(recs []recipient.Record) {
	slices.SortFunc(recs, func(a, b recipient.Record) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func truncate(recs []recipient.Record, limit int) []recipient.Record {
	if limit >= 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
