// Package fact defines the addressable unit of reactive state and its
// causally versioned value.
//
// Two types cover the model:
//   - Address: the (space, entity, path) location of a property inside
//     an entity's value; the unit of dependency tracking
//   - Fact: a timestamped assertion of an entity's value, linked to the
//     assertion it supersedes through a content-hash reference
//
// This is a leaf package: everything else in the module depends on it.
package fact

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// keySeparator delimits the components of Address.Key. U+001F does not
// occur in identifiers, which keeps the encoding injective.
const keySeparator = "\x1f"

// Address identifies one unit of reactive state: a property location
// inside an entity's value, scoped to a space.
//
// Space is a tenant/namespace identifier. Entity is an opaque
// content-addressed identifier and is never rewritten. Path is the
// ordered sequence of property-access steps within the entity's value;
// an empty path addresses the whole value.
type Address struct {
	Space  string
	Entity string
	Path   []string
}

// NewAddress builds an Address with the space and path segments
// NFC-normalized, so visually identical identifiers from different
// producers compare equal. The entity is kept verbatim.
func NewAddress(space, entity string, path ...string) Address {
	a := Address{Space: norm.NFC.String(space), Entity: entity}

	if len(path) > 0 {
		a.Path = make([]string, len(path))
		for i, seg := range path {
			a.Path[i] = norm.NFC.String(seg)
		}
	}

	return a
}

// EntityKey returns the comparable (space, entity) pair that keys tier
// entries and the reverse dependency index.
func (a Address) EntityKey() EntityKey {
	return EntityKey{Space: a.Space, Entity: a.Entity}
}

// Overlaps reports whether two addresses can observe each other's
// writes: same space and entity, and one path a prefix of the other.
// A write to a parent path reaches readers of every child path, and a
// write to a child path reaches readers of the parent.
func (a Address) Overlaps(other Address) bool {
	if a.Space != other.Space || a.Entity != other.Entity {
		return false
	}

	n := min(len(a.Path), len(other.Path))
	for i := range n {
		if a.Path[i] != other.Path[i] {
			return false
		}
	}

	return true
}

// Equal reports whether two addresses are identical, path included.
func (a Address) Equal(other Address) bool {
	if a.Space != other.Space || a.Entity != other.Entity || len(a.Path) != len(other.Path) {
		return false
	}

	for i := range a.Path {
		if a.Path[i] != other.Path[i] {
			return false
		}
	}

	return true
}

// Key returns an injective string encoding for map keys. Distinct
// addresses always produce distinct keys.
func (a Address) Key() string {
	parts := make([]string, 0, 2+len(a.Path))
	parts = append(parts, a.Space, a.Entity)
	parts = append(parts, a.Path...)

	return strings.Join(parts, keySeparator)
}

// String returns a readable rendering for logs: "space/entity" followed
// by dot-joined path segments.
func (a Address) String() string {
	if len(a.Path) == 0 {
		return a.Space + "/" + a.Entity
	}

	return a.Space + "/" + a.Entity + "." + strings.Join(a.Path, ".")
}

// IsZero reports whether every component is empty.
func (a Address) IsZero() bool {
	return a.Space == "" && a.Entity == "" && len(a.Path) == 0
}

// EntityKey is the comparable (space, entity) pair used as a map key by
// the storage tiers and the dependency tracker. Replaces ad-hoc
// "space/entity" string concatenation.
type EntityKey struct {
	Space  string
	Entity string
}

// String returns the "space/entity" representation for logging.
func (k EntityKey) String() string {
	return k.Space + "/" + k.Entity
}

// IsZero reports whether both components are empty.
func (k EntityKey) IsZero() bool {
	return k.Space == "" && k.Entity == ""
}

// Compile-time interface assertions.
var (
	_ fmt.Stringer = Address{}
	_ fmt.Stringer = EntityKey{}
)
