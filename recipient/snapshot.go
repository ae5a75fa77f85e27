package recipient

import (
	"encoding/json"
	"slices"
	"time"
)

// Snapshot is the immutable point-in-time state of one entity. A new value
// replaces the old one on every change; fields are never edited in place.
type Snapshot struct {
	id        CanonicalID
	resolving bool
	origin    Key

	numericID uint64
	encodedID string
	phone     string
	uuid      string

	name   string
	avatar string
	kind   Kind
	flags  Flags

	members       []CanonicalID
	memberDetails []*Snapshot

	// updatedAt is the store write time of the record the snapshot was
	// built from. It orders snapshots of one entity.
	updatedAt time.Time
}

// NewSnapshot builds a resolved snapshot from a record. memberDetails, when
// non-nil, must align with rec.Members.
func NewSnapshot(rec Record, memberDetails []*Snapshot) *Snapshot {
	return &Snapshot{
		id:            rec.ID,
		origin:        CanonicalKey(rec.ID),
		numericID:     rec.NumericID,
		encodedID:     rec.EncodedID,
		phone:         rec.Phone,
		uuid:          rec.UUID,
		name:          rec.Name,
		avatar:        rec.Avatar,
		kind:          rec.Kind,
		flags:         rec.Flags,
		members:       slices.Clone(rec.Members),
		memberDetails: slices.Clone(memberDetails),
		updatedAt:     rec.UpdatedAt,
	}
}

// PlaceholderSnapshot returns the resolving snapshot for a key with no data
// yet. Only the originating key field is populated.
func PlaceholderSnapshot(key Key) *Snapshot {
	s := &Snapshot{resolving: true, origin: key}
	s.setKey(key)
	return s
}

// UnknownSnapshot returns the terminal sentinel for a key no record exists for
func UnknownSnapshot(key Key) *Snapshot {
	s := &Snapshot{origin: key, kind: KindUnknown}
	s.setKey(key)
	return s
}

func (s *Snapshot) setKey(key Key) {
	switch key.Space {
	case SpaceCanonical:
		s.id = key.Canonical
	case SpaceNumeric:
		s.numericID = key.Numeric
	case SpaceEncoded:
		s.encodedID = key.Encoded
	case SpaceLegacy:
		if IsUUIDAddress(key.Legacy) {
			s.uuid = key.Legacy
		} else {
			s.phone = key.Legacy
		}
	}
}

// ID returns the canonical id, zero while the entity has none
func (s *Snapshot) ID() CanonicalID { return s.id }

// Resolving reports whether the snapshot is a placeholder awaiting its
// first load
func (s *Snapshot) Resolving() bool { return s.resolving }

// NumericID returns the server-assigned numeric id, zero if unknown
func (s *Snapshot) NumericID() uint64 { return s.numericID }

// EncodedID returns the encoded external id, empty if unknown
func (s *Snapshot) EncodedID() string { return s.encodedID }

// Phone returns the normalized phone address, empty if unknown
func (s *Snapshot) Phone() string { return s.phone }

// UUID returns the legacy UUID address, empty if unknown
func (s *Snapshot) UUID() string { return s.uuid }

// Name returns the display name
func (s *Snapshot) Name() string { return s.name }

// Avatar returns the avatar reference
func (s *Snapshot) Avatar() string { return s.avatar }

// Kind returns the entity kind
func (s *Snapshot) Kind() Kind { return s.kind }

// Flags returns the membership, permission and preference bits
func (s *Snapshot) Flags() Flags { return s.flags }

// UpdatedAt returns when the underlying record was last written. It is
// zero for placeholders and sentinels.
func (s *Snapshot) UpdatedAt() time.Time { return s.updatedAt }

// newerThan reports whether s was built from a later write than o
func (s *Snapshot) newerThan(o *Snapshot) bool {
	return s.updatedAt.After(o.updatedAt)
}

// Origin returns the key the snapshot was built for
func (s *Snapshot) Origin() Key { return s.origin }

// IsGroup reports whether the entity is a group
func (s *Snapshot) IsGroup() bool { return s.kind == KindGroup }

// IsUnknown reports whether this is the sentinel for a missing record
func (s *Snapshot) IsUnknown() bool { return s.kind == KindUnknown }

// Members returns the group's member ids in order
func (s *Snapshot) Members() []CanonicalID {
	return slices.Clone(s.members)
}

// MemberSnapshots returns the member snapshots captured when this snapshot
// was built. It is nil if members were not loaded.
func (s *Snapshot) MemberSnapshots() []*Snapshot {
	return slices.Clone(s.memberDetails)
}

// Keys returns every valid key carried by the snapshot
func (s *Snapshot) Keys() []Key {
	return s.record().Keys()
}

// Valid reports whether a resolved snapshot identifies its entity. Resolving
// snapshots are always valid.
func (s *Snapshot) Valid() bool {
	if s.resolving {
		return true
	}
	switch s.kind {
	case KindSystem, KindUnknown:
		return true
	}
	return s.encodedID != "" || len(s.members) > 0 || s.phone != "" || s.uuid != ""
}

// SameContent reports whether two snapshots are indistinguishable to an
// observer. Member snapshots are compared recursively.
func (s *Snapshot) SameContent(o *Snapshot) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	if s.id != o.id || s.resolving != o.resolving {
		return false
	}
	// Placeholders without a canonical id differ by the key that created them
	if s.resolving && s.origin != o.origin {
		return false
	}
	if s.numericID != o.numericID || s.encodedID != o.encodedID ||
		s.phone != o.phone || s.uuid != o.uuid ||
		s.name != o.name || s.avatar != o.avatar ||
		s.kind != o.kind || s.flags != o.flags {
		return false
	}
	if !slices.Equal(s.members, o.members) {
		return false
	}
	return slices.EqualFunc(s.memberDetails, o.memberDetails, (*Snapshot).SameContent)
}

func (s *Snapshot) record() Record {
	return Record{
		ID:        s.id,
		NumericID: s.numericID,
		EncodedID: s.encodedID,
		Phone:     s.phone,
		UUID:      s.uuid,
		Name:      s.name,
		Avatar:    s.avatar,
		Kind:      s.kind,
		Members:   slices.Clone(s.members),
		Flags:     s.flags,
		UpdatedAt: s.updatedAt,
	}
}

type snapshotJSON struct {
	Record
	Resolving bool              `json:"resolving"`
	Origin    string            `json:"origin"`
	Details   []json.RawMessage `json:"member_details,omitempty"`
}

// MarshalJSON renders the snapshot for debugging endpoints
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Record:    s.record(),
		Resolving: s.resolving,
		Origin:    s.origin.String(),
	}
	for _, m := range s.memberDetails {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out.Details = append(out.Details, raw)
	}
	return json.Marshal(out)
}
