// Package token mints and validates capability tokens: short-lived,
// HMAC-signed, single-use grants that let the action gate invoke a
// handler for exactly one action on behalf of one actor. A token never
// leaves the process; it is opaque to everything outside the gate.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/octoreflex/corridor/internal/bootproof"
	"github.com/octoreflex/corridor/internal/canon"
)

// DefaultTTL and DefaultMaxUse are the kernel's default token lifetime
// and use-count ceiling.
const (
	DefaultTTL    = 60 * time.Second
	DefaultMaxUse = 1
)

// Context is the request context a token is scoped to.
type Context struct {
	Route       string `json:"route"`
	Method      string `json:"method"`
	RequestHash string `json:"request_hash"`
}

// Token is a capability grant. Validate counts uses in the Validator's own
// use-count map and changes neither UseCount nor Signature — the Token
// value a caller holds is never mutated out from under it; see Validator.
type Token struct {
	TokenID   string    `json:"token_id"`
	ActionID  string    `json:"action_id"`
	Actor     string    `json:"actor"`
	Context   Context   `json:"context"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUse    int       `json:"max_use"`
	UseCount  int       `json:"use_count"`
	BootKeyID string    `json:"boot_key_id"`
	Signature string    `json:"signature"`
}

// signingFields returns the subset of the token that is signed: everything
// except signature and boot_key_id.
func signingFields(t Token) map[string]any {
	return map[string]any{
		"token_id":   t.TokenID,
		"action_id":  t.ActionID,
		"actor":      t.Actor,
		"context":    t.Context,
		"issued_at":  t.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"max_use":    t.MaxUse,
		"use_count":  t.UseCount,
	}
}

func sign(bootKey *bootproof.BootKey, t Token) (string, error) {
	canonical, err := canon.Canonicalize(signingFields(t))
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return bootKey.HMACHex(canonical), nil
}

// randomTokenID returns a random 128-bit hex string, preferring a UUIDv4's
// raw bits (this kernel's request_id and token_id both lean on
// github.com/google/uuid for collision-resistant random identifiers).
func randomTokenID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return hex.EncodeToString(id[:])
	}
	// uuid.NewRandom only fails if crypto/rand itself fails; fall back to
	// reading raw bits directly rather than returning an error from a
	// function the mint path treats as infallible.
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Minter mints new tokens bound to a single boot's key.
type Minter struct {
	bootKey *bootproof.BootKey
	now     func() time.Time
}

// NewMinter constructs a Minter. now is injected for deterministic tests.
func NewMinter(bootKey *bootproof.BootKey, now func() time.Time) *Minter {
	if now == nil {
		now = time.Now
	}
	return &Minter{bootKey: bootKey, now: now}
}

// MintOptions customizes a mint call; zero values take spec defaults.
type MintOptions struct {
	TTL    time.Duration
	MaxUse int
}

// Mint issues a new single-use capability token for actionID/actor/ctx.
func (m *Minter) Mint(actionID, actor string, ctx Context, opts MintOptions) (Token, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxUse := opts.MaxUse
	if maxUse <= 0 {
		maxUse = DefaultMaxUse
	}
	now := m.now()
	t := Token{
		TokenID:   randomTokenID(),
		ActionID:  actionID,
		Actor:     actor,
		Context:   ctx,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		MaxUse:    maxUse,
		UseCount:  0,
		BootKeyID: m.bootKey.ID(),
	}
	sig, err := sign(m.bootKey, t)
	if err != nil {
		return Token{}, err
	}
	t.Signature = sig
	return t, nil
}

// Expectation narrows what Validate will accept; empty fields are not
// checked.
type Expectation struct {
	ActionID string
	Actor    string
}

// ValidateResult is the outcome of Validate.
type ValidateResult struct {
	OK     bool
	Errors []string
}

// Validator tracks per-boot token use-counts internally, so callers always
// pass the original, unmodified token they were issued instead of
// threading a returned "updated token" through every call site.
type Validator struct {
	bootKey *bootproof.BootKey
	now     func() time.Time

	mu        sync.Mutex
	useCounts map[string]int
}

// NewValidator constructs a Validator bound to the same boot key used to
// mint tokens it will validate.
func NewValidator(bootKey *bootproof.BootKey, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{bootKey: bootKey, now: now, useCounts: make(map[string]int)}
}

// Validate checks t in this fixed order: boot key identity, signature,
// expiry, use-count, then caller expectations. On success, when
// incrementUse is true, the internal use-count for t.TokenID is
// incremented; the caller's Token value
// is never mutated. Validation performs no I/O and is O(1).
func (v *Validator) Validate(t Token, expect Expectation, incrementUse bool) ValidateResult {
	var errs []string

	if t.BootKeyID != v.bootKey.ID() {
		errs = append(errs, "TOKEN_INVALID: boot_key_id does not match current session")
		return ValidateResult{OK: false, Errors: errs}
	}

	canonical, err := canon.Canonicalize(signingFields(Token{
		TokenID: t.TokenID, ActionID: t.ActionID, Actor: t.Actor, Context: t.Context,
		IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt, MaxUse: t.MaxUse, UseCount: t.UseCount,
	}))
	if err != nil || !v.bootKey.VerifyHMAC(canonical, t.Signature) {
		errs = append(errs, "TOKEN_INVALID: signature does not verify")
		return ValidateResult{OK: false, Errors: errs}
	}

	if !v.now().Before(t.ExpiresAt) {
		errs = append(errs, "TOKEN_INVALID: expired")
	}

	v.mu.Lock()
	used := v.useCounts[t.TokenID] + t.UseCount
	if used >= t.MaxUse {
		errs = append(errs, "TOKEN_INVALID: use_count exhausted")
	}
	v.mu.Unlock()

	if expect.ActionID != "" && expect.ActionID != t.ActionID {
		errs = append(errs, "TOKEN_INVALID: action_id mismatch")
	}
	if expect.Actor != "" && expect.Actor != t.Actor {
		errs = append(errs, "TOKEN_INVALID: actor mismatch")
	}

	if len(errs) > 0 {
		return ValidateResult{OK: false, Errors: errs}
	}

	if incrementUse {
		v.mu.Lock()
		v.useCounts[t.TokenID]++
		v.mu.Unlock()
	}
	return ValidateResult{OK: true}
}
