// Package bootproof owns the per-boot HMAC key and builds the chained,
// signed governance proof for each request. The boot key is generated
// once at process start, lives only in memory, and is discarded on
// shutdown — it is never persisted, so a proof or token signed under one
// boot can never be replayed against a later one.
package bootproof

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/octoreflex/corridor/internal/canon"
)

// BootKeySize is the width of the generated boot key, in bytes (256 bits).
const BootKeySize = 32

// BootKey is the process-lifetime HMAC signing key.
type BootKey struct {
	key [BootKeySize]byte
	id  string
}

// NewBootKey generates 256 random bits and derives the boot_key_id as the
// first 16 hex characters of SHA-256(key). Each call (there should only
// ever be one per process) produces an independent key.
func NewBootKey() (*BootKey, error) {
	var k [BootKeySize]byte
	if _, err := rand.Read(k[:]); err != nil {
		return nil, fmt.Errorf("bootproof: generate boot key: %w", err)
	}
	sum := sha256.Sum256(k[:])
	return &BootKey{key: k, id: hex.EncodeToString(sum[:])[:16]}, nil
}

// ID returns the boot_key_id.
func (b *BootKey) ID() string { return b.id }

// HMAC signs msg with the boot key.
func (b *BootKey) HMAC(msg []byte) []byte {
	mac := hmac.New(sha256.New, b.key[:])
	mac.Write(msg)
	return mac.Sum(nil)
}

// HMACHex is HMAC rendered as lowercase hex.
func (b *BootKey) HMACHex(msg []byte) string {
	return hex.EncodeToString(b.HMAC(msg))
}

// VerifyHMAC checks sig (hex) against HMAC(boot key, msg) in constant time.
func (b *BootKey) VerifyHMAC(msg []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	want := b.HMAC(msg)
	return subtle.ConstantTimeCompare(sig, want) == 1
}

// DeriveKey derives an n-byte subkey from the boot key via HKDF-SHA256,
// bound to info so independent subsystems (e.g. at-rest storage sealing)
// get independent keys from the one boot key without it ever leaving this
// package in raw form.
func (b *BootKey) DeriveKey(info string, n int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, b.key[:], nil, []byte(info))
	key := make([]byte, n)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("bootproof: derive key: %w", err)
	}
	return key, nil
}

// StageName identifies one pipeline stage in a governance proof.
type StageName string

const (
	StageCIFIngress StageName = "cif_ingress"
	StageCDIAction  StageName = "cdi_action"
	StageHandler    StageName = "handler"
	StageCDIOutput  StageName = "cdi_output"
	StageCIFEgress  StageName = "cif_egress"
)

// stageOrder fixes the canonical stage-name order used when computing the
// cumulative hash, independent of the order add_stage was called in.
var stageOrder = []StageName{StageCIFIngress, StageCDIAction, StageHandler, StageCDIOutput, StageCIFEgress}

// Verdict is the final disposition of a request.
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictDeny      Verdict = "deny"
	VerdictUncertain Verdict = "uncertain"
)

// Proof is the per-request tamper-evident record.
type Proof struct {
	RequestID          string               `json:"request_id"`
	RequestFingerprint string               `json:"request_fingerprint"`
	BootKeyID          string               `json:"boot_key_id"`
	Verdict            Verdict              `json:"verdict"`
	StageHashes        map[StageName]string `json:"stage_hashes"`
	CumulativeHash     string               `json:"cumulative_hash"`
	Signature          string               `json:"signature"`
	Timestamp          string               `json:"timestamp"`
}

// Builder accumulates stage hashes for a single request and produces a
// signed Proof. Its methods serialize on an internal mutex; each request
// owns exactly one, created fresh by the gate orchestrator.
type Builder struct {
	bootKey            *BootKey
	requestID          string
	requestFingerprint string
	timestamp          func() string

	mu          sync.Mutex
	ticket      uint64
	stageHashes map[StageName]string
	verdict     Verdict
}

// NewBuilder starts a proof for one request. timestampFn supplies the
// proof's timestamp field (injected so tests and callers control clock
// use; it never participates in stage hash computation — see AddStage).
func NewBuilder(bootKey *BootKey, requestID, requestFingerprint string, timestampFn func() string) *Builder {
	return &Builder{
		bootKey:            bootKey,
		requestID:          requestID,
		requestFingerprint: requestFingerprint,
		timestamp:          timestampFn,
		stageHashes:        make(map[StageName]string),
		verdict:            VerdictUncertain,
	}
}

// AddStage records the hash of one completed stage. The hash is
// SHA-256 over canonical {stage, input, output, ticket}; ticket is a
// per-builder monotonically incrementing counter, not wall-clock time, so
// identical stage invocations within one request still produce distinct
// but reproducible hashes for that request (spec design note: wall-clock
// time in the stage hash was a reproducibility hazard in the source this
// was distilled from and is deliberately not used here).
func (b *Builder) AddStage(name StageName, input, output any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ticket := b.ticket
	b.ticket++

	inCanon, err := canon.Canonicalize(input)
	if err != nil {
		return "", fmt.Errorf("bootproof: stage %s input: %w", name, err)
	}
	outCanon, err := canon.Canonicalize(output)
	if err != nil {
		return "", fmt.Errorf("bootproof: stage %s output: %w", name, err)
	}

	payload := map[string]any{
		"stage":           string(name),
		"input_canonical": string(inCanon),
		"output_canonical": string(outCanon),
		"ticket":          ticket,
	}
	h, err := canon.CanonicalSha256Hex(payload)
	if err != nil {
		return "", err
	}
	b.stageHashes[name] = h
	return h, nil
}

// SetVerdict records the request's final disposition.
func (b *Builder) SetVerdict(v Verdict) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verdict = v
}

// Build computes the cumulative hash over recorded stage hashes in fixed
// canonical stage-name order and signs it with the boot key.
func (b *Builder) Build() *Proof {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buildLocked()
}

func (b *Builder) buildLocked() *Proof {
	cumulative := cumulativeHash(b.stageHashes)
	sig := b.bootKey.HMACHex([]byte(cumulative))
	stageCopy := make(map[StageName]string, len(b.stageHashes))
	for k, v := range b.stageHashes {
		stageCopy[k] = v
	}
	return &Proof{
		RequestID:          b.requestID,
		RequestFingerprint: b.requestFingerprint,
		BootKeyID:          b.bootKey.ID(),
		Verdict:            b.verdict,
		StageHashes:        stageCopy,
		CumulativeHash:     cumulative,
		Signature:          sig,
		Timestamp:          b.timestamp(),
	}
}

// cumulativeHash hashes "stage_name:stage_hash" pairs concatenated in
// fixed canonical stage order (only present stages contribute).
func cumulativeHash(stageHashes map[StageName]string) string {
	var pairs []string
	for _, name := range stageOrder {
		if h, ok := stageHashes[name]; ok {
			pairs = append(pairs, string(name)+":"+h)
		}
	}
	// Any stage name not in the fixed order (should not occur given the
	// StageName constants are closed) is appended in sorted order so the
	// function still terminates deterministically rather than dropping data.
	var extra []string
	known := make(map[StageName]bool, len(stageOrder))
	for _, n := range stageOrder {
		known[n] = true
	}
	for name, h := range stageHashes {
		if !known[name] {
			extra = append(extra, string(name)+":"+h)
		}
	}
	sort.Strings(extra)
	pairs = append(pairs, extra...)

	concatenated := ""
	for _, p := range pairs {
		concatenated += p
	}
	return canon.Sha256Hex([]byte(concatenated))
}

// DenialProof builds a standalone denial proof carrying only the failing
// stage, recorded through a fresh single-stage Builder — used when a
// request is rejected before a Builder's normal lifecycle would apply
// (e.g. malformed-request before a request_id is trustworthy).
func DenialProof(bootKey *BootKey, requestID, fingerprint string, failingStage StageName, stageInput, stageOutput any, timestampFn func() string) (*Proof, error) {
	b := NewBuilder(bootKey, requestID, fingerprint, timestampFn)
	if _, err := b.AddStage(failingStage, stageInput, stageOutput); err != nil {
		return nil, err
	}
	b.SetVerdict(VerdictDeny)
	return b.Build(), nil
}

// VerifyError enumerates proof verification failures.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return "bootproof: " + e.Reason }

// Verify recomputes the cumulative hash from p's stage hashes and checks
// the signature in constant time. Detects both tampering (stage hash
// altered, added, or removed — cumulative mismatch) and forgery (right
// cumulative, wrong key — signature mismatch).
func Verify(bootKey *BootKey, p *Proof) error {
	if p == nil || len(p.StageHashes) == 0 {
		return &VerifyError{Reason: "empty proof"}
	}
	recomputed := cumulativeHash(p.StageHashes)
	if recomputed != p.CumulativeHash {
		return &VerifyError{Reason: "cumulative hash mismatch (proof tampered)"}
	}
	if !bootKey.VerifyHMAC([]byte(p.CumulativeHash), p.Signature) {
		return &VerifyError{Reason: "signature mismatch (forgery)"}
	}
	return nil
}
