package canonical

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestDigest_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"sku": "ABC-1", "qty": 3, "amount": 45.0}
	b := map[string]any{"amount": 45.0, "qty": 3, "sku": "ABC-1"}

	da, err := Digest(a)
	if err != nil {
		t.Fatalf("Digest(a) failed: %v", err)
	}
	db, err := Digest(b)
	if err != nil {
		t.Fatalf("Digest(b) failed: %v", err)
	}
	if da != db {
		t.Errorf("Expected identical digests for reordered maps. Got %s vs %s", da, db)
	}
}

func TestDigest_EphemeralKeysIgnored(t *testing.T) {
	base := map[string]any{"orderId": "O1", "amount": 12.5}
	noisy := map[string]any{
		"orderId":    "O1",
		"amount":     12.5,
		"_trace":     "abc123",
		"createdAt":  "2024-06-01T00:00:00Z",
		"updatedAt":  "2024-06-02T00:00:00Z",
		"requestId":  "req-9",
		"sessionId":  "sess-1",
		"timestamp":  1717200000,
		"_debugNote": map[string]any{"nested": true},
	}

	db, _ := Digest(base)
	dn, _ := Digest(noisy)
	if db != dn {
		t.Errorf("Ephemeral keys changed the digest: %s vs %s", db, dn)
	}
}

func TestDigest_SequenceOrderIndependent(t *testing.T) {
	a := map[string]any{"items": []any{"b", "a", "c"}}
	b := map[string]any{"items": []any{"c", "a", "b"}}

	da, _ := Digest(a)
	db, _ := Digest(b)
	if da != db {
		t.Errorf("Expected sequence reordering to be digest-neutral. Got %s vs %s", da, db)
	}

	// Nested structures in any order must also converge.
	x := []any{map[string]any{"k": 2}, map[string]any{"k": 1}}
	y := []any{map[string]any{"k": 1}, map[string]any{"k": 2}}
	dx, _ := Digest(x)
	dy, _ := Digest(y)
	if dx != dy {
		t.Errorf("Nested sequence reordering changed digest")
	}
}

func TestCanonicalizeOpts_KeepSequenceOrder(t *testing.T) {
	opts := Options{KeepSequenceOrder: true}
	a, _ := CanonicalizeOpts([]any{"b", "a"}, opts)
	b, _ := CanonicalizeOpts([]any{"a", "b"}, opts)
	if string(a) == string(b) {
		t.Errorf("KeepSequenceOrder should preserve element order, got identical bytes %s", a)
	}
}

func TestCanonicalize_Numbers(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{"Negative zero collapses", math.Copysign(0, -1), "0"},
		{"Ten digit rounding", 0.12345678901234, "0.123456789"},
		{"Integer stays integral", 45, "45"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Canonicalize(tt.value)
			if err != nil {
				t.Fatalf("Canonicalize failed: %v", err)
			}
			if string(b) != tt.expected {
				t.Errorf("Canonicalize() = %s, want %s", b, tt.expected)
			}
		})
	}
}

func TestCanonicalize_TimeIsUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	local := time.Date(2024, 6, 1, 7, 0, 0, 0, loc)
	utc := local.UTC()

	b1, _ := Canonicalize(local)
	b2, _ := Canonicalize(utc)
	if string(b1) != string(b2) {
		t.Errorf("Timezone changed canonical form: %s vs %s", b1, b2)
	}
}

func TestCanonicalize_Cycle(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	_, err := Canonicalize(cyclic)
	if !errors.Is(err, ErrUncanonicalizable) {
		t.Errorf("Expected ErrUncanonicalizable for cyclic structure, got %v", err)
	}
}

func TestCanonicalize_FixedPoint(t *testing.T) {
	// canonicalize(parse(canonicalize(v))) == canonicalize(v)
	v := map[string]any{
		"amount": 45.5,
		"items":  []any{"z", "a"},
		"nested": map[string]any{"b": 1, "a": []any{3, 1, 2}},
	}
	first, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	var parsed any
	if err := json.Unmarshal(first, &parsed); err != nil {
		t.Fatalf("Canonical bytes are not valid JSON: %v", err)
	}
	second, err := Canonicalize(parsed)
	if err != nil {
		t.Fatalf("Second canonicalization failed: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("Canonical form is not a fixed point:\n%s\n%s", first, second)
	}
}

func TestCanonicalize_Struct(t *testing.T) {
	type claim struct {
		OrderID string   `json:"orderId"`
		Amount  float64  `json:"amount"`
		Skip    string   `json:"-"`
		Tags    []string `json:"tags"`
	}
	c1 := claim{OrderID: "O1", Amount: 10, Skip: "ignored", Tags: []string{"b", "a"}}
	c2 := map[string]any{"orderId": "O1", "amount": 10, "tags": []any{"a", "b"}}

	d1, _ := Digest(c1)
	d2, _ := Digest(c2)
	if d1 != d2 {
		t.Errorf("Struct and equivalent map digests differ: %s vs %s", d1, d2)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("abcdef0123456789"); got != "abcdef01" {
		t.Errorf("ShortID() = %s, want abcdef01", got)
	}
}

func TestSignature_Deterministic(t *testing.T) {
	s1 := Signature("deadbeef", 2, "2024-06-01")
	s2 := Signature("deadbeef", 2, "2024-06-01")
	if s1 != s2 {
		t.Errorf("Signature is not deterministic: %s vs %s", s1, s2)
	}
	if s1 == Signature("deadbeef", 3, "2024-06-01") {
		t.Errorf("Template version should change the signature")
	}
	if s1 == Signature("deadbeef", 2, "2024-06-02") {
		t.Errorf("Prepared-on date should change the signature")
	}
}
