package canon

import "testing"

func TestCanonicalizeKeyOrderInvariance(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("key order affected output:\n a=%s\n b=%s", ca, cb)
	}
}

func TestCanonicalizeNoWhitespace(t *testing.T) {
	got, err := Canonicalize(map[string]any{"a": []any{1, 2, 3}})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":[1,2,3]}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeDeepSortAtEveryDepth(t *testing.T) {
	v := map[string]any{
		"arr": []any{
			map[string]any{"z": 1, "a": 2},
		},
	}
	got, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"arr":[{"a":2,"z":1}]}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestSha256HexStable(t *testing.T) {
	h1, err := CanonicalSha256Hex(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := CanonicalSha256Hex(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash differs by key order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestStripFields(t *testing.T) {
	m := map[string]any{"a": 1, "signature": "x", "signatures": []any{"y"}}
	stripped := StripFields(m, "signature", "signatures")
	if _, ok := stripped["signature"]; ok {
		t.Fatalf("signature not stripped")
	}
	if _, ok := stripped["signatures"]; ok {
		t.Fatalf("signatures not stripped")
	}
	if stripped["a"] != 1 {
		t.Fatalf("unrelated field lost")
	}
}

func TestCanonicalizeCycleRejected(t *testing.T) {
	type node struct {
		Next *node `json:"next,omitempty"`
	}
	n := &node{}
	n.Next = n
	if _, err := Canonicalize(n); err == nil {
		t.Fatalf("expected error for cyclic struct, got nil")
	}
}
