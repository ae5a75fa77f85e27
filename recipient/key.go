package recipient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/recipientcache/errors"
)

// CanonicalID is the process-local authoritative identifier of an entity.
// Zero means "not yet known".
type CanonicalID int64

// String returns the decimal form of the id
func (id CanonicalID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// KeySpace names one of the identifier spaces an entity can be looked up by
type KeySpace uint8

const (
	SpaceCanonical KeySpace = iota + 1
	SpaceNumeric
	SpaceEncoded
	SpaceLegacy
)

// String returns the space name used in logs, metrics and HTTP routes
func (s KeySpace) String() string {
	switch s {
	case SpaceCanonical:
		return "canonical"
	case SpaceNumeric:
		return "numeric"
	case SpaceEncoded:
		return "encoded"
	case SpaceLegacy:
		return "legacy"
	default:
		return "invalid"
	}
}

// Key identifies an entity in exactly one key space. Only the field matching
// Space is meaningful. Keys are comparable and usable as map keys.
type Key struct {
	Space     KeySpace
	Canonical CanonicalID
	Numeric   uint64
	Encoded   string
	Legacy    string
}

// CanonicalKey returns a key in the canonical space
func CanonicalKey(id CanonicalID) Key {
	return Key{Space: SpaceCanonical, Canonical: id}
}

// NumericKey returns a key in the numeric external id space
func NumericKey(id uint64) Key {
	return Key{Space: SpaceNumeric, Numeric: id}
}

// EncodedKey returns a key in the encoded external id space
func EncodedKey(id string) Key {
	return Key{Space: SpaceEncoded, Encoded: strings.TrimSpace(id)}
}

// LegacyKey returns a key in the legacy address space. The address is
// normalized; an address that is neither a UUID nor a phone number yields
// an invalid key.
func LegacyKey(addr string) Key {
	norm, ok := NormalizeLegacy(addr)
	if !ok {
		return Key{Space: SpaceLegacy}
	}
	return Key{Space: SpaceLegacy, Legacy: norm}
}

// Valid reports whether the key carries a non-empty identifier for its space
func (k Key) Valid() bool {
	switch k.Space {
	case SpaceCanonical:
		return k.Canonical > 0
	case SpaceNumeric:
		return k.Numeric != 0
	case SpaceEncoded:
		return k.Encoded != ""
	case SpaceLegacy:
		return k.Legacy != ""
	default:
		return false
	}
}

// Value returns the identifier as a string
func (k Key) Value() string {
	switch k.Space {
	case SpaceCanonical:
		return k.Canonical.String()
	case SpaceNumeric:
		return strconv.FormatUint(k.Numeric, 10)
	case SpaceEncoded:
		return k.Encoded
	case SpaceLegacy:
		return k.Legacy
	default:
		return ""
	}
}

func (k Key) String() string {
	return k.Space.String() + ":" + k.Value()
}

// ParseKey builds a key from a space name and a string value
func ParseKey(space, value string) (Key, error) {
	var k Key
	switch strings.ToLower(space) {
	case "canonical":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Key{}, errors.WrapInvalid(err, "Key", "ParseKey", "canonical id parse")
		}
		k = CanonicalKey(CanonicalID(n))
	case "numeric":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Key{}, errors.WrapInvalid(err, "Key", "ParseKey", "numeric id parse")
		}
		k = NumericKey(n)
	case "encoded":
		k = EncodedKey(value)
	case "legacy":
		k = LegacyKey(value)
	default:
		return Key{}, errors.WrapInvalid(fmt.Errorf("unknown key space %q", space), "Key", "ParseKey", "space lookup")
	}
	if !k.Valid() {
		return Key{}, errors.WrapInvalid(fmt.Errorf("empty or malformed %s id %q", k.Space, value), "Key", "ParseKey", "key validation")
	}
	return k, nil
}

// NormalizeLegacy canonicalizes a legacy address. UUIDs are lowercased into
// their hyphenated form; phone numbers are reduced to E.164 digits with a
// leading '+'. It reports false when the address is neither.
func NormalizeLegacy(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", false
	}
	if u, err := uuid.Parse(addr); err == nil {
		return u.String(), true
	}

	var b strings.Builder
	b.WriteByte('+')
	for i, r := range addr {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	digits := b.Len() - 1
	if digits < 3 || digits > 15 {
		return "", false
	}
	return b.String(), true
}

// IsUUIDAddress reports whether a normalized legacy address is UUID shaped
func IsUUIDAddress(addr string) bool {
	return uuid.Validate(addr) == nil
}
