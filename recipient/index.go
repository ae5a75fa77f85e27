package recipient

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/recipientcache/errors"
)

// Index is the secondary lookup table from legacy addresses and display
// names to canonical ids. It is bounded and best effort: a miss only costs
// a store round trip, and stale entries are corrected by the next resolve.
type Index struct {
	legacy *lru.Cache[string, CanonicalID]
	names  *lru.Cache[string, CanonicalID]
}

// NewIndex creates an index holding up to size entries per table
func NewIndex(size int) (*Index, error) {
	legacy, err := lru.New[string, CanonicalID](size)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Index", "NewIndex", "legacy table creation")
	}
	names, err := lru.New[string, CanonicalID](size)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Index", "NewIndex", "name table creation")
	}
	return &Index{legacy: legacy, names: names}, nil
}

// PutLegacy maps a normalized legacy address to id
func (x *Index) PutLegacy(addr string, id CanonicalID) {
	if addr == "" || id <= 0 {
		return
	}
	x.legacy.Add(addr, id)
}

// LookupLegacy returns the id last recorded for addr
func (x *Index) LookupLegacy(addr string) (CanonicalID, bool) {
	return x.legacy.Get(addr)
}

// PutName maps a display name to id. Names are not unique; the most
// recent entity wins.
func (x *Index) PutName(name string, id CanonicalID) {
	key := normalizeName(name)
	if key == "" || id <= 0 {
		return
	}
	x.names.Add(key, id)
}

// LookupName returns the id last recorded for name
func (x *Index) LookupName(name string) (CanonicalID, bool) {
	return x.names.Get(normalizeName(name))
}

// Repoint moves every entry for from onto to
func (x *Index) Repoint(from, to CanonicalID) {
	repoint(x.legacy, from, to)
	repoint(x.names, from, to)
}

// Forget drops every entry for id
func (x *Index) Forget(id CanonicalID) {
	repoint(x.legacy, id, 0)
	repoint(x.names, id, 0)
}

// Len returns the entry counts of the legacy and name tables
func (x *Index) Len() (legacy, names int) {
	return x.legacy.Len(), x.names.Len()
}

func repoint(table *lru.Cache[string, CanonicalID], from, to CanonicalID) {
	for _, k := range table.Keys() {
		v, ok := table.Peek(k)
		if !ok || v != from {
			continue
		}
		if to == 0 {
			table.Remove(k)
		} else {
			table.Add(k, to)
		}
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
