// Package genome loads, schema-validates, and cryptographically verifies
// the signed configuration artifact that establishes the kernel's
// capability ceiling. A genome is immutable once signed; loading it is a
// boot-time operation, never repeated mid-session.
package genome

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/octoreflex/corridor/internal/canon"
)

// SchemaVersion is the only accepted schema_version literal.
const SchemaVersion = "genome.v0.1"

// Severity is the declared severity of an invariant.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// RiskClass is a capability's declared risk class.
type RiskClass string

const (
	RiskA RiskClass = "A"
	RiskB RiskClass = "B"
	RiskC RiskClass = "C"
	RiskD RiskClass = "D"
)

// Signer describes one authorized signing key.
type Signer struct {
	KeyID     string `json:"key_id" yaml:"key_id"`
	Alg       string `json:"alg" yaml:"alg"`
	PublicKey string `json:"public_key" yaml:"public_key"` // SPKI, base64-standard
}

// Authority is the genome's signer set and threshold.
type Authority struct {
	Signers   []Signer `json:"signers" yaml:"signers"`
	Threshold int      `json:"threshold" yaml:"threshold"`
}

// Invariant is one testable constitutional claim the genome asserts.
type Invariant struct {
	ID              string   `json:"id" yaml:"id"`
	Severity        Severity `json:"severity" yaml:"severity"`
	TestableClaim   string   `json:"testable_claim" yaml:"testable_claim"`
	EnforcementHook string   `json:"enforcement_hook" yaml:"enforcement_hook"`
}

// Capability is one entry of the capability ceiling.
type Capability struct {
	CapID        string    `json:"cap_id" yaml:"cap_id"`
	RiskClass    RiskClass `json:"risk_class" yaml:"risk_class"`
	AllowActions []string  `json:"allow_actions" yaml:"allow_actions"`
	DenyActions  []string  `json:"deny_actions" yaml:"deny_actions"`
}

// ManifestFile is one entry of the build manifest.
type ManifestFile struct {
	Path   string `json:"path" yaml:"path"`
	Sha256 string `json:"sha256" yaml:"sha256"`
}

// BuildManifest pins the source tree's content hashes at signing time.
type BuildManifest struct {
	Files []ManifestFile `json:"files" yaml:"files"`
}

// Signature is one ed25519 signature over the canonical, signature-stripped
// genome.
type Signature struct {
	KeyID     string `json:"key_id" yaml:"key_id"`
	Value     string `json:"value" yaml:"value"` // base64 standard
}

// Genome is the signed configuration artifact.
type Genome struct {
	SchemaVersion string         `json:"schema_version" yaml:"schema_version"`
	Name          string         `json:"name" yaml:"name"`
	Version       string         `json:"version" yaml:"version"`
	CreatedAt     string         `json:"created_at" yaml:"created_at"`
	Parents       []string       `json:"parents" yaml:"parents"`
	Authority     Authority      `json:"authority" yaml:"authority"`
	Invariants    []Invariant    `json:"invariants" yaml:"invariants"`
	Capabilities  []Capability   `json:"capabilities" yaml:"capabilities"`
	BuildManifest BuildManifest  `json:"build_manifest" yaml:"build_manifest"`

	// Exactly one of Signature/Signatures should be set; both are allowed
	// by the schema so a single genome file can carry either form, but both
	// canonicalize identically (both are stripped before hashing).
	Signature  *Signature  `json:"signature,omitempty" yaml:"signature,omitempty"`
	Signatures []Signature `json:"signatures,omitempty" yaml:"signatures,omitempty"`
}

// SchemaError collects every schema validation failure found. Never
// fail-fast: callers see the full list in one pass.
type SchemaError struct {
	Errors []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("genome: %d schema error(s): %v", len(e.Errors), e.Errors)
}

// Load reads and JSON-decodes a genome file. It does not verify signatures
// or schema; call Verify separately so genome_id is always obtainable even
// when verification later fails.
func Load(path string) (*Genome, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genome: read %s: %w", path, err)
	}
	var g Genome
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, &SchemaError{Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	return &g, nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	GenomeID string
	OK       bool
	Errors   []string
}

// signatureFields lists the top-level genome fields stripped before
// computing genome_id / the bytes that are signed.
var signatureFields = []string{"signature", "signatures"}

// canonicalBytes renders g with its signature fields stripped.
func canonicalBytes(g *Genome) ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	stripped := canon.StripFields(m, signatureFields...)
	return canon.Canonicalize(stripped)
}

// Verify schema-validates g, computes its genome_id, and — if schema
// validation passed — verifies the ed25519 signature threshold. genome_id
// is always returned, even on failure, because callers (audit, denial
// proofs) need it regardless of validity.
func Verify(g *Genome) VerifyResult {
	var errs []string
	errs = append(errs, schemaErrors(g)...)

	cb, cbErr := canonicalBytes(g)
	var genomeID string
	if cbErr != nil {
		errs = append(errs, fmt.Sprintf("cannot canonicalize genome: %v", cbErr))
	} else {
		genomeID = canon.Sha256Hex(cb)
	}

	if len(errs) == 0 {
		sigErrs := verifySignatures(g, cb)
		errs = append(errs, sigErrs...)
	}

	return VerifyResult{GenomeID: genomeID, OK: len(errs) == 0, Errors: errs}
}

func schemaErrors(g *Genome) []string {
	var errs []string
	if g.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Sprintf("schema_version must be %q, got %q", SchemaVersion, g.SchemaVersion))
	}
	if g.Name == "" {
		errs = append(errs, "name is required")
	}
	if g.Version == "" {
		errs = append(errs, "version is required")
	}
	if g.CreatedAt == "" {
		errs = append(errs, "created_at is required")
	}
	if len(g.Authority.Signers) == 0 {
		errs = append(errs, "authority.signers must be non-empty")
	}
	if g.Authority.Threshold < 1 {
		errs = append(errs, "authority.threshold must be >= 1")
	}
	if g.Authority.Threshold > len(g.Authority.Signers) {
		errs = append(errs, "authority.threshold must be <= len(signers)")
	}
	for i, s := range g.Authority.Signers {
		if s.KeyID == "" {
			errs = append(errs, fmt.Sprintf("authority.signers[%d].key_id is required", i))
		}
		if s.Alg != "ed25519" {
			errs = append(errs, fmt.Sprintf("authority.signers[%d].alg must be ed25519, got %q", i, s.Alg))
		}
		if _, err := decodeSPKIEd25519(s.PublicKey); err != nil {
			errs = append(errs, fmt.Sprintf("authority.signers[%d].public_key invalid: %v", i, err))
		}
	}
	for i, inv := range g.Invariants {
		switch inv.Severity {
		case SeverityCritical, SeverityHigh, SeverityMedium:
		default:
			errs = append(errs, fmt.Sprintf("invariants[%d].severity invalid: %q", i, inv.Severity))
		}
		if inv.ID == "" {
			errs = append(errs, fmt.Sprintf("invariants[%d].id is required", i))
		}
	}
	for i, c := range g.Capabilities {
		switch c.RiskClass {
		case RiskA, RiskB, RiskC, RiskD:
		default:
			errs = append(errs, fmt.Sprintf("capabilities[%d].risk_class invalid: %q", i, c.RiskClass))
		}
		if c.CapID == "" {
			errs = append(errs, fmt.Sprintf("capabilities[%d].cap_id is required", i))
		}
	}
	for i, f := range g.BuildManifest.Files {
		if f.Path == "" {
			errs = append(errs, fmt.Sprintf("build_manifest.files[%d].path is required", i))
		}
		if len(f.Sha256) != 64 {
			errs = append(errs, fmt.Sprintf("build_manifest.files[%d].sha256 must be 64 hex chars", i))
		}
	}
	return errs
}

// signatureList normalizes Signature/Signatures into one slice.
func (g *Genome) signatureList() []Signature {
	if g.Signature != nil {
		return []Signature{*g.Signature}
	}
	return g.Signatures
}

func decodeSPKIEd25519(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d raw bytes, got %d (note: this kernel expects raw ed25519 SPKI-encoded as base64(pubkey), not a full DER SubjectPublicKeyInfo)", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// verifySignatures implements the distinct-signer threshold rule: count the
// number of *distinct* key_ids whose signature verifies; duplicates of an
// already-counted key_id do not count again.
func verifySignatures(g *Genome, signedBytes []byte) []string {
	var errs []string

	byKeyID := make(map[string]ed25519.PublicKey, len(g.Authority.Signers))
	for _, s := range g.Authority.Signers {
		pk, err := decodeSPKIEd25519(s.PublicKey)
		if err != nil {
			continue // already reported in schemaErrors
		}
		byKeyID[s.KeyID] = pk
	}

	valid := make(map[string]bool)
	for _, sig := range g.signatureList() {
		pk, known := byKeyID[sig.KeyID]
		if !known {
			errs = append(errs, fmt.Sprintf("signature from unknown signer key_id %q", sig.KeyID))
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(sig.Value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("signature %q: invalid base64: %v", sig.KeyID, err))
			continue
		}
		if ed25519.Verify(pk, signedBytes, raw) {
			valid[sig.KeyID] = true
		} else {
			errs = append(errs, fmt.Sprintf("signature from %q does not verify", sig.KeyID))
		}
	}

	if len(valid) < g.Authority.Threshold {
		errs = append(errs, fmt.Sprintf(
			"GENOME_SIG_THRESHOLD_UNMET: %d distinct valid signature(s), threshold %d",
			len(valid), g.Authority.Threshold,
		))
	}
	return errs
}

// ManifestResult is the outcome of VerifyManifest.
type ManifestResult struct {
	OK     bool
	Errors []string
}

// VerifyManifest re-hashes every file the build manifest names and compares
// against the pinned digest. allowPlaceholders permits a development-mode
// marker sha256 value ("0"*64) to stand in for a real hash; production
// callers must pass allowPlaceholders=false.
func VerifyManifest(g *Genome, repoRoot string, allowPlaceholders bool) ManifestResult {
	placeholder := strings.Repeat("0", 64)
	var errs []string
	for _, f := range g.BuildManifest.Files {
		full := filepath.Join(repoRoot, f.Path)
		b, err := os.ReadFile(full)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: missing or unreadable: %v", f.Path, err))
			continue
		}
		sum := sha256.Sum256(b)
		got := hex.EncodeToString(sum[:])
		if f.Sha256 == placeholder {
			if !allowPlaceholders {
				errs = append(errs, fmt.Sprintf("%s: placeholder hash rejected (not in development mode)", f.Path))
			}
			continue
		}
		if got != f.Sha256 {
			errs = append(errs, fmt.Sprintf("%s: hash mismatch: manifest=%s actual=%s", f.Path, f.Sha256, got))
		}
	}
	return ManifestResult{OK: len(errs) == 0, Errors: errs}
}
