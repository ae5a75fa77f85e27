// Package pebblestore is a recipient.Store on a local Pebble database.
//
// Records are JSON values under "r/<id>". Alternate keys are index entries
// pointing at a canonical id:
//
//	r/<id>       record
//	n/<numeric>  numeric external id
//	e/<encoded>  encoded external id
//	l/<address>  normalized legacy address
//	m/<id>       merge tombstone holding the surviving id
//	c/<id>       contact marker
//	s/next       next canonical id to assign
//
// Ids are big-endian so records iterate in id order. Every write is one
// batch committed behind the store's TxGate.
package pebblestore

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
	"github.com/c360/recipientcache/pkg/worker"
	"github.com/c360/recipientcache/recipient"
)

var (
	prefixRecord  = []byte("r/")
	prefixNumeric = []byte("n/")
	prefixEncoded = []byte("e/")
	prefixLegacy  = []byte("l/")
	prefixMerged  = []byte("m/")
	prefixContact = []byte("c/")
	keyNextID     = []byte("s/next")
)

var (
	_ recipient.Store        = (*Store)(nil)
	_ recipient.WarmupSource = (*Store)(nil)
	_ recipient.TxGater      = (*Store)(nil)
)

// maxMergeHops bounds tombstone chains
const maxMergeHops = 32

// Store persists records in Pebble
type Store struct {
	db      *pebble.DB
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	// writeMu serializes read-modify-write sequences
	writeMu sync.Mutex
	gate    worker.TxGate
}

// Option configures a Store
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	now      func() time.Time
	inMemory bool
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records operation counts and latency
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the clock used for UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// InMemory keeps the database on an in-memory filesystem; path is ignored
func InMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// Open opens or creates the database at path
func Open(path string, opts ...Option) (*Store, error) {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	popts := &pebble.Options{}
	if o.inMemory {
		popts.FS = vfs.NewMem()
		path = ""
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, errors.WrapFatal(err, "PebbleStore", "Open", "database open")
	}

	o.logger.Info("Recipient store opened", "path", path, "in_memory", o.inMemory)
	return &Store{
		db:      db,
		logger:  o.logger.With("component", "pebble_store"),
		metrics: o.metrics,
		now:     o.now,
	}, nil
}

// Close flushes and closes the database
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.WrapTransient(err, "PebbleStore", "Close", "database close")
	}
	return nil
}

// TxGate implements recipient.TxGater
func (s *Store) TxGate() worker.Gate {
	return &s.gate
}

func (s *Store) GetByCanonicalID(_ context.Context, id recipient.CanonicalID) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_canonical", time.Now(), &err)
	return s.getRecord(id)
}

func (s *Store) GetByNumericID(_ context.Context, id uint64) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_numeric", time.Now(), &err)
	return s.getIndexed(numericKey(id))
}

func (s *Store) GetByEncodedID(_ context.Context, id string) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_encoded", time.Now(), &err)
	return s.getIndexed(stringKey(prefixEncoded, id))
}

func (s *Store) GetByLegacyAddress(_ context.Context, addr string) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_legacy", time.Now(), &err)
	norm, ok := recipient.NormalizeLegacy(addr)
	if !ok {
		return recipient.Record{}, false, nil
	}
	return s.getIndexed(stringKey(prefixLegacy, norm))
}

// InsertPlaceholder implements recipient.Store
func (s *Store) InsertPlaceholder(_ context.Context, key recipient.Key) (_ recipient.CanonicalID, err error) {
	defer s.observe("insert_placeholder", time.Now(), &err)
	idx, ok := indexKey(key)
	if !ok {
		return 0, errors.WrapInvalid(fmt.Errorf("placeholder key %s", key), "PebbleStore", "InsertPlaceholder", "key check")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if id, found, err := s.readID(idx); err != nil || found {
		return id, err
	}

	var rec recipient.Record
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

	next, err := s.nextID()
	if err != nil {
		return 0, err
	}
	rec.ID = next

	err = s.commit(func(b *pebble.Batch) error {
		if err := b.Set(keyNextID, encodeID(next+1), nil); err != nil {
			return err
		}
		return s.writeRecord(b, nil, rec)
	})
	if err != nil {
		return 0, errors.Wrap(err, "PebbleStore", "InsertPlaceholder", "placeholder write")
	}
	return rec.ID, nil
}

// UpdateFields implements recipient.Store
func (s *Store) UpdateFields(_ context.Context, id recipient.CanonicalID, fields recipient.Fields) (err error) {
	defer s.observe("update_fields", time.Now(), &err)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, found, err := s.getRecord(id)
	if err != nil {
		return err
	}
	if !found {
		return errors.WrapInvalid(fmt.Errorf("record %d: %w", id, errors.ErrIdentityNotFound),
			"PebbleStore", "UpdateFields", "record load")
	}

	err = s.commit(func(b *pebble.Batch) error {
		return s.writeRecord(b, &prev, fields.Apply(prev))
	})
	return errors.Wrap(err, "PebbleStore", "UpdateFields", "record write")
}

// MarkMerged implements recipient.Store. Index entries of the losing record
// move to the survivor.
func (s *Store) MarkMerged(_ context.Context, losing, surviving recipient.CanonicalID) (err error) {
	defer s.observe("mark_merged", time.Now(), &err)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	winner, found, err := s.getRecord(surviving)
	if err != nil {
		return err
	}
	if !found {
		return errors.WrapInvalid(fmt.Errorf("surviving record %d: %w", surviving, errors.ErrIdentityNotFound),
			"PebbleStore", "MarkMerged", "record load")
	}
	if winner.ID == losing {
		return nil
	}

	loser, found, err := s.rawRecord(losing)
	if err != nil {
		return err
	}

	err = s.commit(func(b *pebble.Batch) error {
		if found {
			for _, k := range loser.Keys() {
				idx, ok := indexKey(k)
				if !ok {
					continue
				}
				if err := s.claim(b, idx, losing, winner.ID); err != nil {
					return err
				}
			}
			if err := b.Delete(recordKey(losing), nil); err != nil {
				return err
			}
			if _, closer, err := s.db.Get(idKey(prefixContact, losing)); err == nil {
				_ = closer.Close()
				if err := b.Delete(idKey(prefixContact, losing), nil); err != nil {
					return err
				}
				if err := b.Set(idKey(prefixContact, winner.ID), nil, nil); err != nil {
					return err
				}
			}
		}
		return b.Set(idKey(prefixMerged, losing), encodeID(winner.ID), nil)
	})
	return errors.Wrap(err, "PebbleStore", "MarkMerged", "merge write")
}

// Put inserts or replaces rec, assigning an id when rec.ID is zero
func (s *Store) Put(rec recipient.Record) (recipient.CanonicalID, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var prev *recipient.Record
	if rec.ID == 0 {
		next, err := s.nextID()
		if err != nil {
			return 0, err
		}
		rec.ID = next
	} else if old, found, err := s.rawRecord(rec.ID); err != nil {
		return 0, err
	} else if found {
		prev = &old
	}

	next, err := s.nextID()
	if err != nil {
		return 0, err
	}
	err = s.commit(func(b *pebble.Batch) error {
		if rec.ID >= next {
			if err := b.Set(keyNextID, encodeID(rec.ID+1), nil); err != nil {
				return err
			}
		}
		if err := b.Delete(idKey(prefixMerged, rec.ID), nil); err != nil {
			return err
		}
		return s.writeRecord(b, prev, rec)
	})
	if err != nil {
		return 0, errors.Wrap(err, "PebbleStore", "Put", "record write")
	}
	return rec.ID, nil
}

// SetContact marks id as one of the local account's contacts
func (s *Store) SetContact(id recipient.CanonicalID, contact bool) error {
	return s.commit(func(b *pebble.Batch) error {
		if contact {
			return b.Set(idKey(prefixContact, id), nil, nil)
		}
		return b.Delete(idKey(prefixContact, id), nil)
	})
}

// RecentRecords implements recipient.WarmupSource, newest first
func (s *Store) RecentRecords(_ context.Context, limit int) ([]recipient.Record, error) {
	var out []recipient.Record
	err := s.scan(prefixRecord, func(_, value []byte) error {
		var rec recipient.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "PebbleStore", "RecentRecords", "record scan")
	}
	return newestFirst(out, limit), nil
}

// ContactRecords implements recipient.WarmupSource
func (s *Store) ContactRecords(_ context.Context, limit int) ([]recipient.Record, error) {
	var out []recipient.Record
	err := s.scan(prefixContact, func(key, _ []byte) error {
		id := decodeID(key[len(prefixContact):])
		rec, found, err := s.rawRecord(id)
		if err != nil {
			return err
		}
		if found {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "PebbleStore", "ContactRecords", "contact scan")
	}
	return newestFirst(out, limit), nil
}

// commit applies fn to a fresh batch and commits it with the gate closed
func (s *Store) commit(fn func(b *pebble.Batch) error) error {
	return s.gate.Do(func() error {
		b := s.db.NewBatch()
		defer b.Close()
		if err := fn(b); err != nil {
			return err
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return errors.WrapTransient(errors.ErrStorageUnavailable, "PebbleStore", "commit", err.Error())
		}
		return nil
	})
}

// writeRecord stores next and moves index entries from prev
func (s *Store) writeRecord(b *pebble.Batch, prev *recipient.Record, next recipient.Record) error {
	next.UpdatedAt = s.now()
	value, err := json.Marshal(next)
	if err != nil {
		return errors.WrapInvalid(err, "PebbleStore", "writeRecord", "record encode")
	}

	keep := make(map[string]struct{})
	for _, k := range next.Keys() {
		if idx, ok := indexKey(k); ok {
			keep[string(idx)] = struct{}{}
			if err := b.Set(idx, encodeID(next.ID), nil); err != nil {
				return err
			}
		}
	}
	if prev != nil {
		for _, k := range prev.Keys() {
			idx, ok := indexKey(k)
			if !ok {
				continue
			}
			if _, kept := keep[string(idx)]; kept {
				continue
			}
			if err := s.unclaim(b, idx, prev.ID); err != nil {
				return err
			}
		}
	}
	return b.Set(recordKey(next.ID), value, nil)
}

// claim moves idx from one record to another unless a third record holds it
func (s *Store) claim(b *pebble.Batch, idx []byte, from, to recipient.CanonicalID) error {
	holder, found, err := s.readID(idx)
	if err != nil || (found && holder != from) {
		return err
	}
	return b.Set(idx, encodeID(to), nil)
}

func (s *Store) unclaim(b *pebble.Batch, idx []byte, id recipient.CanonicalID) error {
	holder, found, err := s.readID(idx)
	if err != nil || !found || holder != id {
		return err
	}
	return b.Delete(idx, nil)
}

func (s *Store) getIndexed(idx []byte) (recipient.Record, bool, error) {
	id, found, err := s.readID(idx)
	if err != nil || !found {
		return recipient.Record{}, false, err
	}
	return s.getRecord(id)
}

// getRecord follows merge tombstones to the surviving record
func (s *Store) getRecord(id recipient.CanonicalID) (recipient.Record, bool, error) {
	for i := 0; i < maxMergeHops; i++ {
		next, merged, err := s.readID(idKey(prefixMerged, id))
		if err != nil {
			return recipient.Record{}, false, err
		}
		if !merged {
			break
		}
		id = next
	}
	return s.rawRecord(id)
}

func (s *Store) rawRecord(id recipient.CanonicalID) (recipient.Record, bool, error) {
	value, closer, err := s.db.Get(recordKey(id))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return recipient.Record{}, false, nil
	}
	if err != nil {
		return recipient.Record{}, false, errors.WrapTransient(errors.ErrStorageUnavailable, "PebbleStore", "get", err.Error())
	}
	defer closer.Close()

	var rec recipient.Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return recipient.Record{}, false, errors.WrapFatal(
			fmt.Errorf("record %d: %w", id, errors.ErrDataCorrupted), "PebbleStore", "get", "record decode")
	}
	return rec, true, nil
}

func (s *Store) readID(key []byte) (recipient.CanonicalID, bool, error) {
	value, closer, err := s.db.Get(key)
	if stderrors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.WrapTransient(errors.ErrStorageUnavailable, "PebbleStore", "get", err.Error())
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, false, errors.WrapFatal(
			fmt.Errorf("index %q: %w", key, errors.ErrDataCorrupted), "PebbleStore", "get", "id decode")
	}
	return decodeID(value), true, nil
}

func (s *Store) nextID() (recipient.CanonicalID, error) {
	id, found, err := s.readID(keyNextID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 1, nil
	}
	return id, nil
}

func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(bytes.Clone(it.Key()), it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}
	return it.Close()
}

func indexKey(k recipient.Key) ([]byte, bool) {
	if !k.Valid() {
		return nil, false
	}
	switch k.Space {
	case recipient.SpaceNumeric:
		return numericKey(k.Numeric), true
	case recipient.SpaceEncoded:
		return stringKey(prefixEncoded, k.Encoded), true
	case recipient.SpaceLegacy:
		return stringKey(prefixLegacy, k.Legacy), true
	default:
		return nil, false
	}
}

func recordKey(id recipient.CanonicalID) []byte {
	return idKey(prefixRecord, id)
}

func idKey(prefix []byte, id recipient.CanonicalID) []byte {
	return append(slices.Clone(prefix), encodeID(id)...)
}

func numericKey(n uint64) []byte {
	return binary.BigEndian.AppendUint64(slices.Clone(prefixNumeric), n)
}

func stringKey(prefix []byte, s string) []byte {
	return append(slices.Clone(prefix), s...)
}

func encodeID(id recipient.CanonicalID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func decodeID(b []byte) recipient.CanonicalID {
	return recipient.CanonicalID(binary.BigEndian.Uint64(b))
}

func prefixEnd(prefix []byte) []byte {
	end := slices.Clone(prefix)
	end[len(end)-1]++
	return end
}

func newestFirst(recs []recipient.Record, limit int) []recipient.Record {
	slices.SortFunc(recs, func(a, b recipient.Record) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit >= 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

func (s *Store) observe(op string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordStoreOperation("pebble", op, *err, time.Since(start))
	}
}
