// Package kvstore is a recipient.Store on a NATS JetStream key-value bucket.
//
// KV keys only allow a restricted alphabet, so external ids and legacy
// addresses are base64url encoded in index keys:
//
//	rec.<id>         JSON record
//	num.<numeric>    canonical id owning a numeric external id
//	enc.<b64>        canonical id owning an encoded external id
//	leg.<b64>        canonical id owning a legacy address
//	merged.<id>      surviving canonical id of a merged record
//	contact.<id>     contact marker
//	seq              next canonical id to assign
//
// The bucket has no multi-key transactions. Records are written before the
// index entries that point at them, and index ownership changes go through
// compare-and-swap, so concurrent writers never leave an index pointing at
// a record that does not exist.
package kvstore

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
	"github.com/c360/recipientcache/natsclient"
	"github.com/c360/recipientcache/pkg/worker"
	"github.com/c360/recipientcache/recipient"
)

const (
	prefixRecord  = "rec."
	prefixNumeric = "num."
	prefixEncoded = "enc."
	prefixLegacy  = "leg."
	prefixMerged  = "merged."
	prefixContact = "contact."
	keySequence   = "seq"

	maxMergeHops = 32
)

// Bucket is the subset of *natsclient.KVStore the store needs
type Bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
}

var (
	_ recipient.Store        = (*Store)(nil)
	_ recipient.WarmupSource = (*Store)(nil)
	_ recipient.TxGater      = (*Store)(nil)
)

// Store persists records in a KV bucket
type Store struct {
	kv      Bucket
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
	gate    worker.TxGate
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records operation counts and latency
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock replaces the clock used for UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over kv
func New(kv Bucket, opts ...Option) *Store {
	s := &Store{kv: kv, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kv_store")
	return s
}

// TxGate implements recipient.TxGater
func (s *Store) TxGate() worker.Gate {
	return &s.gate
}

func (s *Store) GetByCanonicalID(ctx context.Context, id recipient.CanonicalID) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_canonical", time.Now(), &err)
	return s.getRecord(ctx, id)
}

func (s *Store) GetByNumericID(ctx context.Context, id uint64) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_numeric", time.Now(), &err)
	return s.getIndexed(ctx, indexKey(recipient.NumericKey(id)))
}

func (s *Store) GetByEncodedID(ctx context.Context, id string) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_encoded", time.Now(), &err)
	return s.getIndexed(ctx, indexKey(recipient.EncodedKey(id)))
}

func (s *Store) GetByLegacyAddress(ctx context.Context, addr string) (_ recipient.Record, _ bool, err error) {
	defer s.observe("get_legacy", time.Now(), &err)
	return s.getIndexed(ctx, indexKey(recipient.LegacyKey(addr)))
}

// InsertPlaceholder implements recipient.Store. A concurrent insert of the
// same key wins the index entry; the loser's record is removed.
func (s *Store) InsertPlaceholder(ctx context.Context, key recipient.Key) (_ recipient.CanonicalID, err error) {
	defer s.observe("insert_placeholder", time.Now(), &err)
	idx := indexKey(key)
	if idx == "" {
		return 0, errors.WrapInvalid(fmt.Errorf("placeholder key %s", key), "KVStore", "InsertPlaceholder", "key check")
	}
	if id, found, err := s.readID(ctx, idx); err != nil || found {
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

	var id recipient.CanonicalID
	err = s.gate.Do(func() error {
		var err error
		if id, err = s.allocate(ctx, 0); err != nil {
			return err
		}
		rec.ID = id
		rec.UpdatedAt = s.now()
		if err := s.putRecord(ctx, rec); err != nil {
			return err
		}

		_, err = s.kv.Create(ctx, idx, encodeID(id))
		if !stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return storageError(err, "InsertPlaceholder")
		}
		// Lost the race
		if err := s.kv.Delete(ctx, prefixRecord+id.String()); err != nil && !natsclient.IsKVNotFoundError(err) {
			s.logger.Warn("Failed to drop orphaned placeholder", "canonical_id", id, "error", err)
		}
		var found bool
		id, found, err = s.readID(ctx, idx)
		if err == nil && !found {
			err = errors.WrapTransient(errors.ErrStorageUnavailable, "KVStore", "InsertPlaceholder", "index vanished")
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateFields implements recipient.Store
func (s *Store) UpdateFields(ctx context.Context, id recipient.CanonicalID, fields recipient.Fields) (err error) {
	defer s.observe("update_fields", time.Now(), &err)
	prev, found, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return errors.WrapInvalid(fmt.Errorf("record %d: %w", id, errors.ErrIdentityNotFound),
			"KVStore", "UpdateFields", "record load")
	}

	return s.gate.Do(func() error {
		var next recipient.Record
		err := s.kv.UpdateWithRetry(ctx, prefixRecord+prev.ID.String(), func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, errors.WrapInvalid(errors.ErrIdentityNotFound, "KVStore", "UpdateFields", "record vanished")
			}
			var rec recipient.Record
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, errors.WrapFatal(errors.ErrDataCorrupted, "KVStore", "UpdateFields", "record decode")
			}
			prev = rec
			next = fields.Apply(rec)
			next.UpdatedAt = s.now()
			return json.Marshal(next)
		})
		if err != nil {
			return storageError(err, "UpdateFields")
		}
		return s.reindex(ctx, &prev, next)
	})
}

// MarkMerged implements recipient.Store
func (s *Store) MarkMerged(ctx context.Context, losing, surviving recipient.CanonicalID) (err error) {
	defer s.observe("mark_merged", time.Now(), &err)
	winner, found, err := s.getRecord(ctx, surviving)
	if err != nil {
		return err
	}
	if !found {
		return errors.WrapInvalid(fmt.Errorf("surviving record %d: %w", surviving, errors.ErrIdentityNotFound),
			"KVStore", "MarkMerged", "record load")
	}
	if winner.ID == losing {
		return nil
	}
	loser, found, err := s.rawRecord(ctx, losing)
	if err != nil {
		return err
	}

	return s.gate.Do(func() error {
		// The tombstone goes first so the loser's id never resolves to nothing
		if _, err := s.kv.Put(ctx, prefixMerged+losing.String(), encodeID(winner.ID)); err != nil {
			return storageError(err, "MarkMerged")
		}
		if !found {
			return nil
		}
		for _, k := range loser.Keys() {
			if idx := indexKey(k); idx != "" {
				if err := s.claim(ctx, idx, losing, winner.ID); err != nil {
					return err
				}
			}
		}
		if _, err := s.kv.Get(ctx, prefixContact+losing.String()); err == nil {
			if _, err := s.kv.Put(ctx, prefixContact+winner.ID.String(), []byte("1")); err != nil {
				return storageError(err, "MarkMerged")
			}
			_ = s.kv.Delete(ctx, prefixContact+losing.String())
		}
		if err := s.kv.Delete(ctx, prefixRecord+losing.String()); err != nil && !natsclient.IsKVNotFoundError(err) {
			return storageError(err, "MarkMerged")
		}
		return nil
	})
}

// Put inserts or replaces rec, assigning an id when rec.ID is zero
func (s *Store) Put(ctx context.Context, rec recipient.Record) (recipient.CanonicalID, error) {
	err := s.gate.Do(func() error {
		id, err := s.allocate(ctx, rec.ID)
		if err != nil {
			return err
		}
		prev, found, err := s.rawRecord(ctx, id)
		if err != nil {
			return err
		}
		rec.ID = id
		rec.UpdatedAt = s.now()
		if err := s.putRecord(ctx, rec); err != nil {
			return err
		}
		if err := s.kv.Delete(ctx, prefixMerged+id.String()); err != nil && !natsclient.IsKVNotFoundError(err) {
			return storageError(err, "Put")
		}
		if found {
			return s.reindex(ctx, &prev, rec)
		}
		return s.reindex(ctx, nil, rec)
	})
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// SetContact marks id as one of the local account's contacts
func (s *Store) SetContact(ctx context.Context, id recipient.CanonicalID, contact bool) error {
	key := prefixContact + id.String()
	if contact {
		_, err := s.kv.Put(ctx, key, []byte("1"))
		return storageError(err, "SetContact")
	}
	if err := s.kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
		return storageError(err, "SetContact")
	}
	return nil
}

// RecentRecords implements recipient.WarmupSource
func (s *Store) RecentRecords(ctx context.Context, limit int) ([]recipient.Record, error) {
	keys, err := s.kv.Keys(ctx, prefixRecord)
	if err != nil {
		return nil, storageError(err, "RecentRecords")
	}
	return s.loadAll(ctx, keys, prefixRecord, limit)
}

// ContactRecords implements recipient.WarmupSource
func (s *Store) ContactRecords(ctx context.Context, limit int) ([]recipient.Record, error) {
	keys, err := s.kv.Keys(ctx, prefixContact)
	if err != nil {
		return nil, storageError(err, "ContactRecords")
	}
	return s.loadAll(ctx, keys, prefixContact, limit)
}

func (s *Store) loadAll(ctx context.Context, keys []string, prefix string, limit int) ([]recipient.Record, error) {
	recs := make([]recipient.Record, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		rec, found, err := s.rawRecord(ctx, recipient.CanonicalID(id))
		if err != nil {
			return nil, err
		}
		if found {
			recs = append(recs, rec)
		}
	}
	slices.SortFunc(recs, func(a, b recipient.Record) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit >= 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// allocate reserves want, or the next free id when want is zero, and moves
// the sequence past it
func (s *Store) allocate(ctx context.Context, want recipient.CanonicalID) (recipient.CanonicalID, error) {
	id := want
	err := s.kv.UpdateWithRetry(ctx, keySequence, func(current []byte) ([]byte, error) {
		next := recipient.CanonicalID(1)
		if current != nil {
			n, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return nil, errors.WrapFatal(errors.ErrDataCorrupted, "KVStore", "allocate", "sequence decode")
			}
			next = recipient.CanonicalID(n)
		}
		if want == 0 {
			id = next
		}
		if id < next {
			return nil, natsclient.ErrKVSkip
		}
		return []byte((id + 1).String()), nil
	})
	if err != nil {
		return 0, storageError(err, "allocate")
	}
	return id, nil
}

func (s *Store) putRecord(ctx context.Context, rec recipient.Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "putRecord", "record encode")
	}
	_, err = s.kv.Put(ctx, prefixRecord+rec.ID.String(), value)
	return storageError(err, "putRecord")
}

// reindex points next's keys at it and drops entries prev held alone
func (s *Store) reindex(ctx context.Context, prev *recipient.Record, next recipient.Record) error {
	keep := make(map[string]struct{})
	for _, k := range next.Keys() {
		idx := indexKey(k)
		if idx == "" {
			continue
		}
		keep[idx] = struct{}{}
		if _, err := s.kv.Put(ctx, idx, encodeID(next.ID)); err != nil {
			return storageError(err, "reindex")
		}
	}
	if prev == nil {
		return nil
	}
	for _, k := range prev.Keys() {
		idx := indexKey(k)
		if _, kept := keep[idx]; idx == "" || kept {
			continue
		}
		err := s.kv.UpdateWithRetry(ctx, idx, func(current []byte) ([]byte, error) {
			if current == nil || decodeID(current) != prev.ID {
				return nil, natsclient.ErrKVSkip
			}
			return nil, errDropIndex
		})
		if stderrors.Is(err, errDropIndex) {
			err = s.kv.Delete(ctx, idx)
			if natsclient.IsKVNotFoundError(err) {
				err = nil
			}
		}
		if err != nil {
			return storageError(err, "reindex")
		}
	}
	return nil
}

var errDropIndex = stderrors.New("kvstore: drop index entry")

// claim moves idx from one record to another unless a third record holds it
func (s *Store) claim(ctx context.Context, idx string, from, to recipient.CanonicalID) error {
	err := s.kv.UpdateWithRetry(ctx, idx, func(current []byte) ([]byte, error) {
		if current != nil && decodeID(current) != from {
			return nil, natsclient.ErrKVSkip
		}
		return encodeID(to), nil
	})
	return storageError(err, "claim")
}

func (s *Store) getIndexed(ctx context.Context, idx string) (recipient.Record, bool, error) {
	if idx == "" {
		return recipient.Record{}, false, nil
	}
	id, found, err := s.readID(ctx, idx)
	if err != nil || !found {
		return recipient.Record{}, false, err
	}
	return s.getRecord(ctx, id)
}

func (s *Store) getRecord(ctx context.Context, id recipient.CanonicalID) (recipient.Record, bool, error) {
	for i := 0; i < maxMergeHops; i++ {
		next, merged, err := s.readID(ctx, prefixMerged+id.String())
		if err != nil {
			return recipient.Record{}, false, err
		}
		if !merged {
			break
		}
		id = next
	}
	return s.rawRecord(ctx, id)
}

func (s *Store) rawRecord(ctx context.Context, id recipient.CanonicalID) (recipient.Record, bool, error) {
	entry, err := s.kv.Get(ctx, prefixRecord+id.String())
	if natsclient.IsKVNotFoundError(err) {
		return recipient.Record{}, false, nil
	}
	if err != nil {
		return recipient.Record{}, false, storageError(err, "get")
	}
	var rec recipient.Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return recipient.Record{}, false, errors.WrapFatal(
			fmt.Errorf("record %d: %w", id, errors.ErrDataCorrupted), "KVStore", "get", "record decode")
	}
	return rec, true, nil
}

func (s *Store) readID(ctx context.Context, key string) (recipient.CanonicalID, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if natsclient.IsKVNotFoundError(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageError(err, "get")
	}
	id := decodeID(entry.Value)
	if id <= 0 {
		return 0, false, errors.WrapFatal(
			fmt.Errorf("index %s: %w", key, errors.ErrDataCorrupted), "KVStore", "get", "id decode")
	}
	return id, true, nil
}

// storageError classifies bucket failures; classified errors pass through
func storageError(err error, method string) error {
	if err == nil {
		return nil
	}
	if errors.IsInvalid(err) || errors.IsFatal(err) {
		return err
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "KVStore", method, "bucket access")
}

func indexKey(k recipient.Key) string {
	if !k.Valid() {
		return ""
	}
	switch k.Space {
	case recipient.SpaceNumeric:
		return prefixNumeric + strconv.FormatUint(k.Numeric, 10)
	case recipient.SpaceEncoded:
		return prefixEncoded + base64.RawURLEncoding.EncodeToString([]byte(k.Encoded))
	case recipient.SpaceLegacy:
		return prefixLegacy + base64.RawURLEncoding.EncodeToString([]byte(k.Legacy))
	default:
		return ""
	}
}

func encodeID(id recipient.CanonicalID) []byte {
	return []byte(id.String())
}

func decodeID(b []byte) recipient.CanonicalID {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return recipient.CanonicalID(n)
}

func (s *Store) observe(op string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordStoreOperation("kv", op, *err, time.Since(start))
	}
}
