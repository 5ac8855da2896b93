package cif

import (
	"strings"
	"testing"
	"time"

	"github.com/octoreflex/corridor/internal/canon"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

// TestIngressCircularReference is scenario S2.
func TestIngressCircularReference(t *testing.T) {
	fw := New(DefaultConfig(), fixedClock(time.Unix(0, 0)))
	defer fw.Close()

	cyclic := map[string]any{"a": 1}
	cyclic["self"] = cyclic

	res := fw.Ingress(IngressContext{ClientID: "c1", Payload: cyclic})
	if res.Allowed {
		t.Fatalf("expected cyclic payload to be denied")
	}
	if !res.Quarantined {
		t.Fatalf("expected cyclic payload to be quarantined")
	}
	if !contains(res.Violations, ViolationMalformedRequest) {
		t.Fatalf("expected CIF_INGRESS_MALFORMED, got %v", res.Violations)
	}
}

// TestIngressTooLarge is invariant 6.
func TestIngressTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestBytes = 16
	fw := New(cfg, fixedClock(time.Unix(0, 0)))
	defer fw.Close()

	res := fw.Ingress(IngressContext{ClientID: "c1", Payload: map[string]any{"x": strings.Repeat("a", 100)}})
	if res.Allowed {
		t.Fatalf("expected oversized payload to be denied")
	}
	if !contains(res.Violations, ViolationRequestTooLarge) {
		t.Fatalf("expected CIF_REQUEST_TOO_LARGE, got %v", res.Violations)
	}
}

func TestIngressRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{WindowMS: 1000, MaxRequests: 1}
	now := time.Unix(0, 0)
	fw := New(cfg, fixedClock(now))
	defer fw.Close()

	first := fw.Ingress(IngressContext{ClientID: "c1", Payload: map[string]any{"a": 1}})
	if !first.Allowed {
		t.Fatalf("expected first request to be allowed, got violations: %v", first.Violations)
	}
	second := fw.Ingress(IngressContext{ClientID: "c1", Payload: map[string]any{"a": 1}})
	if second.Allowed {
		t.Fatalf("expected second immediate request to be rate limited")
	}
	if !contains(second.Violations, ViolationRateLimited) {
		t.Fatalf("expected CIF_RATE_LIMITED, got %v", second.Violations)
	}
}

func TestIngressQuarantinesSuspiciousPattern(t *testing.T) {
	fw := New(DefaultConfig(), fixedClock(time.Unix(0, 0)))
	defer fw.Close()

	res := fw.Ingress(IngressContext{ClientID: "c1", Payload: map[string]any{"q": "../../etc/passwd"}})
	if res.Allowed || !res.Quarantined {
		t.Fatalf("expected path traversal payload to be quarantined, got %+v", res)
	}
}

func TestIngressSanitizesScriptTags(t *testing.T) {
	fw := New(DefaultConfig(), fixedClock(time.Unix(0, 0)))
	defer fw.Close()

	res := fw.Ingress(IngressContext{ClientID: "c1", Payload: map[string]any{"comment": "hello<script>alert(1)</script>world"}})
	if !res.Allowed {
		t.Fatalf("expected sanitized payload to be allowed, violations=%v", res.Violations)
	}
	b, _ := canon.Canonicalize(res.SanitizedPayload)
	if strings.Contains(string(b), "<script") {
		t.Fatalf("expected <script> block stripped, got %s", b)
	}
}

// TestEgressSecretLeak is scenario S3.
func TestEgressSecretLeak(t *testing.T) {
	fw := New(DefaultConfig(), fixedClock(time.Unix(0, 0)))
	defer fw.Close()

	res := fw.Egress(EgressContext{Payload: map[string]any{"apiKey": "sk-" + strings.Repeat("a", 32)}})
	if res.Allowed {
		t.Fatalf("expected secret-leak payload to be denied")
	}
	if !contains(res.LeaksDetected, "Secrets detected") {
		t.Fatalf("expected 'Secrets detected' in leaks, got %v", res.LeaksDetected)
	}
	if !contains(res.Violations, ViolationSecretLeak) {
		t.Fatalf("expected CIF_SECRET_LEAK, got %v", res.Violations)
	}
}

// TestEgressTooLarge is invariant 6 applied to egress.
func TestEgressTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResponseBytes = 16
	fw := New(cfg, fixedClock(time.Unix(0, 0)))
	defer fw.Close()

	res := fw.Egress(EgressContext{Payload: map[string]any{"x": strings.Repeat("a", 100)}})
	if res.Allowed {
		t.Fatalf("expected oversized response to be denied")
	}
	if !contains(res.Violations, ViolationEgressTooLarge) {
		t.Fatalf("expected CIF_EGRESS_TOO_LARGE, got %v", res.Violations)
	}
}

func TestEgressPIIRedactedNotDenied(t *testing.T) {
	fw := New(DefaultConfig(), fixedClock(time.Unix(0, 0)))
	defer fw.Close()

	res := fw.Egress(EgressContext{Payload: map[string]any{"email": "alice@example.com"}})
	if !res.Allowed {
		t.Fatalf("expected PII-only payload to be allowed (redacted), got violations: %v", res.Violations)
	}
	if !contains(res.LeaksDetected, "PII detected") {
		t.Fatalf("expected PII detected marker, got %v", res.LeaksDetected)
	}
	b, _ := canon.Canonicalize(res.SanitizedPayload)
	if strings.Contains(string(b), "alice@example.com") {
		t.Fatalf("expected email redacted, got %s", b)
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
