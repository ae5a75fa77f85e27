package recipient

import (
	"context"
	"slices"
	"time"

	"github.com/c360/recipientcache/pkg/worker"
)

// Kind classifies the entity behind a record
type Kind uint8

const (
	KindUser Kind = iota
	KindGroup
	// KindSystem marks built-in entities that carry no external identifiers
	KindSystem
	// KindUnknown marks the sentinel installed when no record exists
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindSystem:
		return "system"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Flags holds membership, permission and preference bits. Each bit is
// independent.
type Flags uint32

const (
	FlagBlocked Flags = 1 << iota
	FlagMuted
	FlagArchived
	FlagProfileSharing
	FlagGroupMember
	FlagGroupAdmin
	FlagVerified
)

// Has reports whether every bit in f is set
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// With returns a copy with the bits in f set or cleared
func (fl Flags) With(f Flags, on bool) Flags {
	if on {
		return fl | f
	}
	return fl &^ f
}

// Record is the durable form of an entity as kept by a Store
type Record struct {
	ID        CanonicalID   `json:"id"`
	NumericID uint64        `json:"numeric_id,omitempty"`
	EncodedID string        `json:"encoded_id,omitempty"`
	Phone     string        `json:"phone,omitempty"`
	UUID      string        `json:"uuid,omitempty"`
	Name      string        `json:"name,omitempty"`
	Avatar    string        `json:"avatar,omitempty"`
	Kind      Kind          `json:"kind"`
	Members   []CanonicalID `json:"members,omitempty"`
	Flags     Flags         `json:"flags,omitempty"`

	// MergedInto is set on a record that lost a merge
	MergedInto CanonicalID `json:"merged_into,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Keys returns every valid key the record can be found by
func (r Record) Keys() []Key {
	keys := make([]Key, 0, 5)
	if r.ID > 0 {
		keys = append(keys, CanonicalKey(r.ID))
	}
	if r.NumericID != 0 {
		keys = append(keys, NumericKey(r.NumericID))
	}
	if r.EncodedID != "" {
		keys = append(keys, EncodedKey(r.EncodedID))
	}
	return append(keys, r.LegacyKeys()...)
}

// LegacyKeys returns the record's phone and UUID addresses as legacy keys
func (r Record) LegacyKeys() []Key {
	var keys []Key
	for _, addr := range []string{r.Phone, r.UUID} {
		if k := LegacyKey(addr); k.Valid() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clone returns a deep copy
func (r Record) Clone() Record {
	r.Members = slices.Clone(r.Members)
	return r
}

// Fields is a partial record. Nil fields are left untouched by Apply.
type Fields struct {
	NumericID *uint64
	EncodedID *string
	Phone     *string
	UUID      *string
	Name      *string
	Avatar    *string
	Kind      *Kind
	Members   *[]CanonicalID
	Flags     *Flags
}

// IsEmpty reports whether no field is set
func (f Fields) IsEmpty() bool {
	return f.NumericID == nil && f.EncodedID == nil && f.Phone == nil &&
		f.UUID == nil && f.Name == nil && f.Avatar == nil && f.Kind == nil &&
		f.Members == nil && f.Flags == nil
}

// Apply returns r with every set field overwritten
func (f Fields) Apply(r Record) Record {
	r = r.Clone()
	if f.NumericID != nil {
		r.NumericID = *f.NumericID
	}
	if f.EncodedID != nil {
		r.EncodedID = *f.EncodedID
	}
	if f.Phone != nil {
		r.Phone = *f.Phone
	}
	if f.UUID != nil {
		r.UUID = *f.UUID
	}
	if f.Name != nil {
		r.Name = *f.Name
	}
	if f.Avatar != nil {
		r.Avatar = *f.Avatar
	}
	if f.Kind != nil {
		r.Kind = *f.Kind
	}
	if f.Members != nil {
		r.Members = slices.Clone(*f.Members)
	}
	if f.Flags != nil {
		r.Flags = *f.Flags
	}
	return r
}

// FieldsFrom returns a partial record holding every populated field of r
func FieldsFrom(r Record) Fields {
	var f Fields
	if r.NumericID != 0 {
		f.NumericID = &r.NumericID
	}
	if r.EncodedID != "" {
		f.EncodedID = &r.EncodedID
	}
	if r.Phone != "" {
		f.Phone = &r.Phone
	}
	if r.UUID != "" {
		f.UUID = &r.UUID
	}
	if r.Name != "" {
		f.Name = &r.Name
	}
	if r.Avatar != "" {
		f.Avatar = &r.Avatar
	}
	kind := r.Kind
	f.Kind = &kind
	if len(r.Members) > 0 {
		members := slices.Clone(r.Members)
		f.Members = &members
	}
	if r.Flags != 0 {
		flags := r.Flags
		f.Flags = &flags
	}
	return f
}

// MissingFields returns the fields populated on src but empty on dst.
// Flags are unioned.
func MissingFields(dst, src Record) Fields {
	var f Fields
	if dst.NumericID == 0 && src.NumericID != 0 {
		f.NumericID = &src.NumericID
	}
	if dst.EncodedID == "" && src.EncodedID != "" {
		f.EncodedID = &src.EncodedID
	}
	if dst.Phone == "" && src.Phone != "" {
		f.Phone = &src.Phone
	}
	if dst.UUID == "" && src.UUID != "" {
		f.UUID = &src.UUID
	}
	if dst.Name == "" && src.Name != "" {
		f.Name = &src.Name
	}
	if dst.Avatar == "" && src.Avatar != "" {
		f.Avatar = &src.Avatar
	}
	if len(dst.Members) == 0 && len(src.Members) > 0 {
		members := slices.Clone(src.Members)
		f.Members = &members
	}
	if union := dst.Flags | src.Flags; union != dst.Flags {
		f.Flags = &union
	}
	return f
}

// Store is the durable identity record store. Lookups report absence with
// found=false and a nil error; errors mean the store could not answer.
type Store interface {
	GetByCanonicalID(ctx context.Context, id CanonicalID) (Record, bool, error)
	GetByNumericID(ctx context.Context, id uint64) (Record, bool, error)
	GetByEncodedID(ctx context.Context, id string) (Record, bool, error)
	GetByLegacyAddress(ctx context.Context, addr string) (Record, bool, error)

	// InsertPlaceholder creates a record holding only key and returns its
	// canonical id. An existing record for key is returned instead.
	InsertPlaceholder(ctx context.Context, key Key) (CanonicalID, error)
	UpdateFields(ctx context.Context, id CanonicalID, fields Fields) error

	// MarkMerged records that losing is the same entity as surviving. After
	// it returns, lookups by the losing record's alternate keys find the
	// surviving record.
	MarkMerged(ctx context.Context, losing, surviving CanonicalID) error
}

// Resolver fetches records from the network when the store has none
type Resolver interface {
	FetchByEncodedID(ctx context.Context, id string) (Record, bool, error)
	FetchByNumericID(ctx context.Context, id uint64) (Record, bool, error)
}

// WarmupSource is implemented by stores that can list records worth
// preloading.
type WarmupSource interface {
	RecentRecords(ctx context.Context, limit int) ([]Record, error)
	ContactRecords(ctx context.Context, limit int) ([]Record, error)
}

// TxGater is implemented by stores that expose their write transactions so
// background reads can wait for them to commit.
type TxGater interface {
	TxGate() worker.Gate
}

// lookup dispatches a store read on the key's space
func lookup(ctx context.Context, s Store, key Key) (Record, bool, error) {
	switch key.Space {
	case SpaceCanonical:
		return s.GetByCanonicalID(ctx, key.Canonical)
	case SpaceNumeric:
		return s.GetByNumericID(ctx, key.Numeric)
	case SpaceEncoded:
		return s.GetByEncodedID(ctx, key.Encoded)
	case SpaceLegacy:
		return s.GetByLegacyAddress(ctx, key.Legacy)
	default:
		return Record{}, false, nil
	}
}

// fetch dispatches a network read on the key's space. Spaces the resolver
// cannot address report absence.
func fetch(ctx context.Context, r Resolver, key Key) (Record, bool, error) {
	if r == nil {
		return Record{}, false, nil
	}
	switch key.Space {
	case SpaceNumeric:
		return r.FetchByNumericID(ctx, key.Numeric)
	case SpaceEncoded:
		return r.FetchByEncodedID(ctx, key.Encoded)
	default:
		return Record{}, false, nil
	}
}
