// Package cif implements the ingress and egress content-inspection
// firewall: the first and last lines of defense around every governed
// action. Ingress bounds, rate-limits, sanitizes, and quarantines request
// payloads before CDI ever sees them; egress bounds, scans for PII and
// secret leakage, and redacts before a response leaves the trust boundary.
package cif

import (
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/octoreflex/corridor/internal/canon"
	"github.com/octoreflex/corridor/internal/observability"
)

// Violation codes, stable and machine-readable per the kernel boundary
// error taxonomy.
const (
	ViolationMalformedRequest   = "CIF_INGRESS_MALFORMED"
	ViolationRequestTooLarge    = "CIF_REQUEST_TOO_LARGE"
	ViolationRateLimited        = "CIF_RATE_LIMITED"
	ViolationQuarantined        = "CIF_QUARANTINED"
	ViolationEgressTooLarge     = "CIF_EGRESS_TOO_LARGE"
	ViolationEgressMalformed    = "CIF_EGRESS_MALFORMED"
	ViolationSecretLeak         = "CIF_SECRET_LEAK"
)

// Config is CIF's closed configuration set.
type Config struct {
	MaxRequestBytes  int
	MaxResponseBytes int
	RateLimit        RateLimitConfig
	PIIPatterns      []string
	SecretPatterns   []string
	SuspiciousPatterns []string
	AuditLog         bool
}

// DefaultConfig returns the kernel's stated defaults; pattern sets are
// seeded with email/SSN/credit-card shapes for PII and API-key/cloud-key/
// PEM/JWT/DB-URL shapes for secrets.
func DefaultConfig() Config {
	return Config{
		MaxRequestBytes:  1 << 20,
		MaxResponseBytes: 1 << 20,
		RateLimit:        RateLimitConfig{WindowMS: 1000, MaxRequests: 50},
		PIIPatterns: []string{
			`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,            // email
			`\b\d{3}-\d{2}-\d{4}\b`,                                      // SSN
			`\b(?:\d[ -]*?){13,16}\b`,                                    // credit card
		},
		SecretPatterns: []string{
			`sk-[a-zA-Z0-9]{20,}`,                       // generic API-key shape
			`AKIA[0-9A-Z]{16}`,                          // AWS access key
			`-----BEGIN [A-Z ]+PRIVATE KEY-----`,        // PEM private key header
			`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`, // JWT
			`(?:postgres|mysql|mongodb)://[^\s"']+:[^\s"']+@[^\s"']+`, // DB connection URL with credentials
		},
		SuspiciousPatterns: []string{
			`(?i)<iframe`,
			`(?i)\beval\(`,
			`(?i)\bexec\(`,
			`\.\./`,
			`(?i)\bunion\s+select\b`,
			`(?i)\bor\s+1\s*=\s*1\b`,
			`\$where\b`,
			`\$ne\b`,
		},
	}
}

// compiledPatterns caches compiled regexes once at construction, per the
// spec's "compile once, reuse compiled matchers" design note.
type compiledPatterns struct {
	pii         []*regexp.Regexp
	secret      []*regexp.Regexp
	suspicious  []*regexp.Regexp
	sanitizers  []*sanitizer
}

type sanitizer struct {
	pattern     *regexp.Regexp
	replacement string
}

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func defaultSanitizers() []*sanitizer {
	return []*sanitizer{
		{pattern: regexp.MustCompile(`(?is)<script.*?>.*?</script>`), replacement: ""},
		{pattern: regexp.MustCompile(`(?i)\s+on\w+\s*=\s*"[^"]*"`), replacement: ""},
		{pattern: regexp.MustCompile(`(?i)\s+on\w+\s*=\s*'[^']*'`), replacement: ""},
		{pattern: regexp.MustCompile(`(?i)javascript:`), replacement: ""},
	}
}

// Firewall is the CIF ingress/egress evaluator. One Firewall instance is
// shared across all requests in a process; its only mutable internal state
// is the per-client rate-limit bucket map.
type Firewall struct {
	cfg     Config
	pat     compiledPatterns
	buckets *clientBuckets
	now     func() time.Time
	metrics *observability.Metrics
}

// New constructs a Firewall. now is injected for deterministic testing of
// rate limiting.
func New(cfg Config, now func() time.Time) *Firewall {
	if now == nil {
		now = time.Now
	}
	return &Firewall{
		cfg: cfg,
		pat: compiledPatterns{
			pii:        compile(cfg.PIIPatterns),
			secret:     compile(cfg.SecretPatterns),
			suspicious: compile(cfg.SuspiciousPatterns),
			sanitizers: defaultSanitizers(),
		},
		buckets: newClientBuckets(cfg.RateLimit, 10*time.Minute),
		now:     now,
	}
}

// SetMetrics attaches a metrics sink for counters this Firewall records
// (quarantines, secret-leak blocks, rate-limit evictions). A Firewall with
// no metrics attached behaves identically, just silently — callers that
// don't need observability (unit tests) never have to construct one.
func (f *Firewall) SetMetrics(m *observability.Metrics) {
	f.metrics = m
	f.buckets.metrics = m
}

// Close releases the background eviction goroutine.
func (f *Firewall) Close() { f.buckets.Close() }

// IngressContext is the input to Ingress.
type IngressContext struct {
	ClientID string
	Payload  any
}

// IngressResult is the outcome of Ingress.
type IngressResult struct {
	Allowed             bool
	Quarantined         bool
	SanitizedPayload    any
	Violations          []string
	RateLimitRemaining  int
}

// Ingress runs the five ingress steps in §4.F, each fail-closed.
func (f *Firewall) Ingress(ctx IngressContext) IngressResult {
	// Step 1: canonical serialization.
	serialized, err := canon.Canonicalize(ctx.Payload)
	if err != nil {
		return IngressResult{Allowed: false, Quarantined: true, Violations: []string{ViolationMalformedRequest}}
	}

	// Step 2: size cap.
	if len(serialized) > f.cfg.MaxRequestBytes {
		return IngressResult{Allowed: false, Violations: []string{ViolationRequestTooLarge}}
	}

	// Step 3: rate limit.
	now := f.now()
	if !f.buckets.Allow(ctx.ClientID, now) {
		return IngressResult{Allowed: false, Violations: []string{ViolationRateLimited}, RateLimitRemaining: 0}
	}
	remaining := f.buckets.Remaining(ctx.ClientID, now)

	// Step 4: sanitize, then re-parse to confirm the sanitized form is
	// still well-formed.
	sanitized, sanErr := f.sanitize(ctx.Payload)
	if sanErr != nil {
		return IngressResult{Allowed: false, Violations: []string{ViolationMalformedRequest}, RateLimitRemaining: remaining}
	}
	if _, err := canon.Canonicalize(sanitized); err != nil {
		return IngressResult{Allowed: false, Violations: []string{ViolationMalformedRequest}, RateLimitRemaining: remaining}
	}

	// Step 5: quarantine pattern scan.
	var violations []string
	quarantined := false
	if f.matchesAny(f.pat.suspicious, sanitized) {
		quarantined = true
		violations = append(violations, ViolationQuarantined)
		if f.metrics != nil {
			f.metrics.QuarantinedTotal.Inc()
		}
	}

	return IngressResult{
		Allowed:            !quarantined,
		Quarantined:        quarantined,
		SanitizedPayload:   sanitized,
		Violations:         violations,
		RateLimitRemaining: remaining,
	}
}

// EgressContext is the input to Egress.
type EgressContext struct {
	Payload any
}

// EgressResult is the outcome of Egress.
type EgressResult struct {
	Allowed          bool
	SanitizedPayload any
	Violations       []string
	LeaksDetected    []string
}

// Egress runs the egress steps in §4.F.
func (f *Firewall) Egress(ctx EgressContext) EgressResult {
	// Step 1: estimate size before serialization (cheap early reject).
	estimate, cyclic := estimateSize(ctx.Payload, make(map[uintptr]bool), 0)
	if cyclic {
		return EgressResult{Allowed: false, Violations: []string{ViolationEgressMalformed}}
	}
	if estimate > f.cfg.MaxResponseBytes {
		return EgressResult{Allowed: false, Violations: []string{ViolationEgressTooLarge}}
	}

	// Step 2: serialize canonically, fail-closed.
	serialized, err := canon.Canonicalize(ctx.Payload)
	if err != nil {
		return EgressResult{Allowed: false, Violations: []string{ViolationEgressMalformed}}
	}

	// Step 3: actual-size cap.
	if len(serialized) > f.cfg.MaxResponseBytes {
		return EgressResult{Allowed: false, Violations: []string{ViolationEgressTooLarge}}
	}

	// Step 4 + 5: PII and secret scans.
	var leaks, violations []string
	piiHit := f.matchesAny(f.pat.pii, ctx.Payload)
	if piiHit {
		leaks = append(leaks, "PII detected")
	}
	secretHit := f.matchesAny(f.pat.secret, ctx.Payload)
	if secretHit {
		leaks = append(leaks, "Secrets detected")
		violations = append(violations, ViolationSecretLeak)
		if f.metrics != nil {
			f.metrics.SecretLeaksBlockedTotal.Inc()
		}
	}

	if len(violations) > 0 {
		return EgressResult{Allowed: false, Violations: violations, LeaksDetected: leaks}
	}

	// Step 6: redact any PII/secret marker, even when only PII (not fatal)
	// was found, then re-parse fail-closed.
	out := ctx.Payload
	if piiHit || secretHit {
		out = f.redact(ctx.Payload)
		if _, err := canon.Canonicalize(out); err != nil {
			return EgressResult{Allowed: false, Violations: []string{ViolationEgressMalformed}}
		}
	}

	return EgressResult{Allowed: true, SanitizedPayload: out, LeaksDetected: leaks}
}

func (f *Firewall) sanitize(v any) (any, error) {
	return walkStrings(v, 0, func(s string) (string, error) {
		for _, san := range f.pat.sanitizers {
			s = san.pattern.ReplaceAllString(s, san.replacement)
		}
		return s, nil
	})
}

func (f *Firewall) redact(v any) any {
	out, _ := walkStrings(v, 0, func(s string) (string, error) {
		for _, re := range f.pat.pii {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
		for _, re := range f.pat.secret {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
		return s, nil
	})
	return out
}

func (f *Firewall) matchesAny(patterns []*regexp.Regexp, v any) bool {
	found := false
	_, _ = walkStrings(v, 0, func(s string) (string, error) {
		for _, re := range patterns {
			if re.MatchString(s) {
				found = true
				break
			}
		}
		return s, nil
	})
	return found
}

// maxWalkDepth bounds recursive traversal of request/response structures,
// applied uniformly to ingress/egress walks and the CDI output scanner.
const maxWalkDepth = 32

// walkStrings applies fn to every string leaf of v, rebuilding maps and
// slices with the transformed leaves. Depth-limited; returns an error if
// the limit is exceeded rather than recursing unboundedly.
func walkStrings(v any, depth int, fn func(string) (string, error)) (any, error) {
	if depth > maxWalkDepth {
		return nil, fmt.Errorf("cif: structure exceeds max walk depth %d", maxWalkDepth)
	}
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := walkStrings(val, depth+1, fn)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := walkStrings(val, depth+1, fn)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}

// estimateSize walks v without fully serializing it, weighting strings by
// character count, to let Egress reject oversized payloads before paying
// for a full canonical serialization. Maps and non-empty slices are
// recorded in visited by pointer identity; a container already in visited
// is skipped rather than walked again, so a cyclic value terminates. The
// bool result reports a walk deeper than maxWalkDepth.
func estimateSize(v any, visited map[uintptr]bool, depth int) (int, bool) {
	if depth > maxWalkDepth {
		return 0, true
	}
	switch t := v.(type) {
	case string:
		return len(t), false
	case map[string]any:
		p := reflect.ValueOf(t).Pointer()
		if visited[p] {
			return 0, false
		}
		visited[p] = true
		total := 2
		for k, val := range t {
			total += len(k) + 3
			sz, cyclic := estimateSize(val, visited, depth+1)
			if cyclic {
				return 0, true
			}
			total += sz
		}
		return total, false
	case []any:
		if len(t) > 0 {
			p := reflect.ValueOf(t).Pointer()
			if visited[p] {
				return 0, false
			}
			visited[p] = true
		}
		total := 2
		for _, val := range t {
			sz, cyclic := estimateSize(val, visited, depth+1)
			if cyclic {
				return 0, true
			}
			total += sz + 1
		}
		return total, false
	case nil:
		return 4, false
	default:
		return 8, false
	}
}
