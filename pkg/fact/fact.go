package fact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// refPrefix tags content-hash references with the digest algorithm.
const refPrefix = "sha256-"

// Sentinel errors for value navigation. Use errors.Is to check.
var (
	ErrPathNotFound = errors.New("fact: path not found")
	ErrNotObject    = errors.New("fact: value is not a JSON object")
)

// Ref is a content-hash reference to a Fact, of the form "sha256-<hex>".
// The zero Ref ("") marks a fact with no predecessor: the first
// assertion in an entity's history.
type Ref string

// IsZero reports whether the reference is absent.
func (r Ref) IsZero() bool {
	return r == ""
}

// Valid reports whether the reference is a well-formed sha256 digest.
func (r Ref) Valid() bool {
	rest, ok := strings.CutPrefix(string(r), refPrefix)
	if !ok || len(rest) != sha256.Size*2 {
		return false
	}

	_, err := hex.DecodeString(rest)

	return err == nil
}

// String returns the reference as a string.
func (r Ref) String() string {
	return string(r)
}

// Fact is a timestamped assertion of an entity's value. Facts are
// immutable: a later assertion supersedes an earlier one by naming its
// Ref as Cause, forming a per-entity hash-linked history. Causality is
// carried by the chain, not by wall-clock order.
type Fact struct {
	Type     string          `json:"type"`
	Entity   string          `json:"entity"`
	Value    json.RawMessage `json:"value"`
	Cause    Ref             `json:"cause,omitempty"`
	Asserted int64           `json:"asserted"`
}

// New builds a Fact asserting the given value now. The value is
// marshaled to JSON; pass a json.RawMessage to keep bytes verbatim.
func New(typ, entity string, value any, cause Ref) (Fact, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return Fact{}, fmt.Errorf("fact: encoding value for %s: %w", entity, err)
	}

	return Fact{
		Type:     typ,
		Entity:   entity,
		Value:    raw,
		Cause:    cause,
		Asserted: NowNano(),
	}, nil
}

// Ref computes the content-hash reference identifying this fact. The
// hash covers type, entity, the canonicalized value, and cause.
// Asserted is excluded: a fact's identity is its content and causal
// position, not the moment it was stamped.
func (f Fact) Ref() (Ref, error) {
	canonical, err := CanonicalValue(f.Value)
	if err != nil {
		return "", fmt.Errorf("fact: canonicalizing value for %s: %w", f.Entity, err)
	}

	payload, err := json.Marshal(struct {
		Type   string          `json:"type"`
		Entity string          `json:"entity"`
		Value  json.RawMessage `json:"value"`
		Cause  Ref             `json:"cause"`
	}{f.Type, f.Entity, canonical, f.Cause})
	if err != nil {
		return "", fmt.Errorf("fact: encoding %s for hashing: %w", f.Entity, err)
	}

	sum := sha256.Sum256(payload)

	return Ref(refPrefix + hex.EncodeToString(sum[:])), nil
}

// Supersede builds the fact that replaces f with a new value. The new
// fact's Cause is f's Ref, extending the entity's causal chain.
func (f Fact) Supersede(value any) (Fact, error) {
	ref, err := f.Ref()
	if err != nil {
		return Fact{}, err
	}

	return New(f.Type, f.Entity, value, ref)
}

// CanonicalValue re-encodes a JSON value into canonical form: object
// keys sorted, insignificant whitespace removed. Semantically equal
// input yields byte-identical output, keeping content hashes stable
// across producers. Nil or empty input canonicalizes to JSON null.
func CanonicalValue(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

// ValueAt descends path inside a JSON value and returns the nested
// value. An empty path returns the value unchanged. Descending into a
// non-object wraps ErrNotObject; a missing property wraps
// ErrPathNotFound. Both carry the path walked so far.
func ValueAt(value json.RawMessage, path []string) (json.RawMessage, error) {
	current := value

	for i, seg := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, fmt.Errorf("fact: descending into %q: %w", strings.Join(path[:i+1], "."), ErrNotObject)
		}

		next, ok := obj[seg]
		if !ok {
			return nil, fmt.Errorf("fact: %q: %w", strings.Join(path[:i+1], "."), ErrPathNotFound)
		}

		current = next
	}

	return current, nil
}

// WriteAt replaces the value at path inside a JSON document, building
// intermediate objects as needed, and returns the updated document. An
// empty path replaces the whole value. Siblings outside the path are
// preserved; a non-object part-way down wraps ErrNotObject.
func WriteAt(value json.RawMessage, path []string, leaf json.RawMessage) (json.RawMessage, error) {
	if len(path) == 0 {
		return leaf, nil
	}

	obj := make(map[string]json.RawMessage)

	if len(value) > 0 && !bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		if err := json.Unmarshal(value, &obj); err != nil {
			return nil, fmt.Errorf("fact: replacing %q: %w", path[0], ErrNotObject)
		}
	}

	child, err := WriteAt(obj[path[0]], path[1:], leaf)
	if err != nil {
		return nil, err
	}

	obj[path[0]] = child

	return json.Marshal(obj)
}

// marshalValue encodes a value for storage in a Fact. A json.RawMessage
// passes through untouched.
func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}

	return json.Marshal(value)
}

// NowNano returns the current time as Unix nanoseconds. All timestamps
// in the module are int64 Unix nanoseconds; conversion to time.Time
// happens at display boundaries only.
func NowNano() int64 {
	return time.Now().UnixNano()
}
