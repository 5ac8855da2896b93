// Package canon provides deterministic JSON canonicalization and hashing.
//
// Every stage hash, genome ID, token signature, and audit entry hash in this
// kernel is computed over the canonical byte form produced here: object keys
// sorted lexicographically at every depth, no insignificant whitespace,
// arrays left in source order, numbers in Go's shortest round-trip form.
// Two values with identical semantic content, regardless of the key order
// they were constructed or decoded in, canonicalize to byte-identical output.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// NonCanonicalizableError is returned when a value cannot be rendered into
// canonical form: a cycle, a channel, a function, or a type json cannot
// already represent.
type NonCanonicalizableError struct {
	Reason string
}

func (e *NonCanonicalizableError) Error() string {
	return fmt.Sprintf("canon: value is not canonicalizable: %s", e.Reason)
}

// maxDepth bounds recursion so an adversarial deeply-nested structure cannot
// exhaust the goroutine stack.
const maxDepth = 64

// Canonicalize renders v into its canonical byte form.
//
// v may be any value accepted by encoding/json (including a struct with json
// tags), a map[string]interface{}, a []interface{}, or the result of
// json.Unmarshal into interface{}. Cyclic structures are rejected; depth
// beyond maxDepth is rejected.
func Canonicalize(v any) ([]byte, error) {
	// Round-trip through encoding/json first so struct tags, omitempty, and
	// custom MarshalJSON methods are honored exactly as they would be for
	// any other JSON emission in this codebase; the result is then
	// re-parsed into generic values so keys can be deep-sorted.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &NonCanonicalizableError{Reason: err.Error()}
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &NonCanonicalizableError{Reason: err.Error()}
	}

	var buf []byte
	buf, err = appendCanonical(buf, generic, 0)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of b.
func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalSha256Hex is a convenience wrapper: canonicalize then hash.
func CanonicalSha256Hex(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Sha256Hex(b), nil
}

// StripFields returns a shallow copy of a map[string]interface{} with the
// named top-level fields removed. Used to strip "signature"/"signatures"
// before computing a genome ID.
func StripFields(m map[string]any, fields ...string) map[string]any {
	out := make(map[string]any, len(m))
	skip := make(map[string]bool, len(fields))
	for _, f := range fields {
		skip[f] = true
	}
	for k, v := range m {
		if skip[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func appendCanonical(buf []byte, v any, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, &NonCanonicalizableError{Reason: "maximum nesting depth exceeded"}
	}
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return appendCanonicalNumber(buf, t)
	case string:
		return appendCanonicalString(buf, t), nil
	case map[string]any:
		return appendCanonicalObject(buf, t, depth)
	case []any:
		return appendCanonicalArray(buf, t, depth)
	default:
		return nil, &NonCanonicalizableError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func appendCanonicalNumber(buf []byte, n json.Number) ([]byte, error) {
	// Re-emit through strconv so the shortest round-trip representation is
	// used regardless of how the source literal was written (1.0 vs 1,
	// 1e2 vs 100).
	if i, err := n.Int64(); err == nil {
		return append(buf, strconv.FormatInt(i, 10)...), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, &NonCanonicalizableError{Reason: "invalid number literal: " + n.String()}
	}
	return append(buf, strconv.FormatFloat(f, 'g', -1, 64)...), nil
}

func appendCanonicalString(buf []byte, s string) []byte {
	b, _ := json.Marshal(s)
	return append(buf, b...)
}

func appendCanonicalObject(buf []byte, m map[string]any, depth int) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendCanonicalString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = appendCanonical(buf, m[k], depth+1)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

func appendCanonicalArray(buf []byte, a []any, depth int) ([]byte, error) {
	buf = append(buf, '[')
	for i, elem := range a {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendCanonical(buf, elem, depth+1)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}
