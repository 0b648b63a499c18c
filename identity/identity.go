// Package identity computes the stable content identifiers used throughout
// the manifest graph and object store: canonical JSON serialization of
// declared intent, hashed with SHA-256. Identity is tied to what a stage,
// input, device, mount or pipeline declares, never to the bytes it produces,
// so that caches stay valid across bit-identical rebuilds.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ID is a 64-hex-character content identifier. The zero value represents
// "no id" (e.g. an empty pipeline, or a first stage with no base).
type ID [32]byte

// Nil is the zero ID.
var Nil ID

// String renders the id as 64 lowercase hex characters.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == Nil
}

// MarshalJSON renders the id as a JSON string, or `null` for the zero id.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts a 64-hex-char JSON string or `null`.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = Nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse decodes a 64-hex-character identifier string.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(len(id)) {
		return id, fmt.Errorf("identity: %q is not a %d-character hex id", s, hex.EncodedLen(len(id)))
	}
	n, err := hex.Decode(id[:], []byte(s))
	if err != nil {
		return id, fmt.Errorf("identity: decoding %q: %w", s, err)
	}
	if n != len(id) {
		return id, fmt.Errorf("identity: short decode of %q", s)
	}
	return id, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// literal ids known to be well-formed at compile time.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Of computes the content identifier of value: canonical JSON (sorted object
// keys, no insignificant whitespace, produced by Go's encoding/json which
// already sorts map[string]any keys and emits compact output) hashed with
// SHA-256. Composite identifiers are always the hash of a small object of
// constituent ids, never of arbitrary binary payloads — see §4.1.
func Of(value any) (ID, error) {
	canon, err := json.Marshal(value)
	if err != nil {
		return Nil, fmt.Errorf("identity: canonicalizing value: %w", err)
	}
	return ID(sha256.Sum256(canon)), nil
}

// MustOf is like Of but panics on marshal error. Only safe for values known
// to be JSON-marshalable (i.e. not containing channels, funcs, or cyclic
// structures).
func MustOf(value any) ID {
	id, err := Of(value)
	if err != nil {
		panic(err)
	}
	return id
}

// OptionalID renders id for inclusion in a hash-input map: a real ID when
// non-zero, else nil (so the encoded JSON carries an explicit null rather
// than omitting the field, matching the original's `base_id or None`).
func OptionalID(id ID) any {
	if id.IsZero() {
		return nil
	}
	return id.String()
}
