// Package integration drives the assembled governance pipeline the way
// cmd/corridord does at boot — a real boot key, a real genome, a real
// registry and audit log — and checks the properties that only show up
// once every package is wired together, not from any single package's
// own unit tests.
package integration

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/octoreflex/corridor/internal/audit"
	"github.com/octoreflex/corridor/internal/bootproof"
	"github.com/octoreflex/corridor/internal/canon"
	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/cif"
	"github.com/octoreflex/corridor/internal/gate"
	"github.com/octoreflex/corridor/internal/genome"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/registry"
	"github.com/octoreflex/corridor/internal/token"
)

// harness bundles one fully wired pipeline, built the way corridord's boot
// sequence builds one, minus config/env loading.
type harness struct {
	gate     *gate.Gate
	posture  *posture.Manager
	checker  *cdi.Checker
	bootKey  *bootproof.BootKey
	auditLog *audit.Log
	auditDir string

	closeOnce sync.Once
}

// closeAudit flushes and stops the audit log's background loop. Safe to
// call more than once — a test that wants to verify the on-disk chain
// mid-test calls it explicitly; t.Cleanup calling it again afterward is a
// no-op.
func (h *harness) closeAudit() {
	h.closeOnce.Do(func() { h.auditLog.Close() })
}

func newHarness(t *testing.T, strict bool, gen *genome.Genome) *harness {
	t.Helper()
	bk, err := bootproof.NewBootKey()
	if err != nil {
		t.Fatalf("NewBootKey: %v", err)
	}
	fixedNow := func() time.Time { return time.Unix(1_700_000_000, 0) }

	fw := cif.New(cif.DefaultConfig(), fixedNow)
	t.Cleanup(fw.Close)

	minter := token.NewMinter(bk, fixedNow)
	validator := token.NewValidator(bk, fixedNow)
	checker := cdi.NewChecker(registry.Default(), cdi.NewConsentStore(), minter, strict)
	if gen != nil {
		checker.SetGenome(gen)
	}
	scanner := cdi.NewOutputScanner(strict)
	p := posture.New(posture.StateNormal, fixedNow)

	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.ndjson")
	al, err := audit.Open(auditPath, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	g := gate.New(gate.Config{
		BootKey:        bk,
		Firewall:       fw,
		Checker:        checker,
		OutputScanner:  scanner,
		Validator:      validator,
		Posture:        p,
		AuditLog:       al,
		HandlerTimeout: 2 * time.Second,
		Now:            fixedNow,
	})

	h := &harness{gate: g, posture: p, checker: checker, bootKey: bk, auditLog: al, auditDir: dir}
	t.Cleanup(h.closeAudit)
	return h
}

func okHandler(ctx context.Context, payload any) (any, error) {
	return map[string]any{"status": "ok"}, nil
}

// signedGenome builds a two-signer, threshold-2 genome whose capability
// ceiling allows only "read", and returns it already verified OK — the
// shape a real boot would load from disk and hand to the checker.
func signedGenome(t *testing.T) *genome.Genome {
	t.Helper()
	pubA, privA, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key A: %v", err)
	}
	pubB, privB, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key B: %v", err)
	}

	g := &genome.Genome{
		SchemaVersion: genome.SchemaVersion,
		Name:          "pipeline-test-genome",
		Version:       "1.0.0",
		CreatedAt:     "2025-01-01T00:00:00Z",
		Parents:       []string{},
		Authority: genome.Authority{
			Signers: []genome.Signer{
				{KeyID: "signer-a", Alg: "ed25519", PublicKey: base64.StdEncoding.EncodeToString(pubA)},
				{KeyID: "signer-b", Alg: "ed25519", PublicKey: base64.StdEncoding.EncodeToString(pubB)},
			},
			Threshold: 2,
		},
		Invariants: []genome.Invariant{
			{ID: "inv-1", Severity: genome.SeverityHigh, TestableClaim: "reads never mutate state", EnforcementHook: "registry"},
		},
		Capabilities: []genome.Capability{
			{CapID: "cap-read-only", RiskClass: genome.RiskB, AllowActions: []string{"read"}},
		},
		BuildManifest: genome.BuildManifest{Files: []genome.ManifestFile{}},
	}

	signingBytes, err := genomeSignableBytes(g)
	if err != nil {
		t.Fatalf("genome signable bytes: %v", err)
	}
	g.Signatures = []genome.Signature{
		{KeyID: "signer-a", Value: base64.StdEncoding.EncodeToString(ed25519.Sign(privA, signingBytes))},
		{KeyID: "signer-b", Value: base64.StdEncoding.EncodeToString(ed25519.Sign(privB, signingBytes))},
	}

	res := genome.Verify(g)
	if !res.OK {
		t.Fatalf("expected genome to verify, got errors: %v", res.Errors)
	}
	return g
}

// genomeSignableBytes reproduces, from outside the genome package, the
// exact canonical bytes genome.Verify signs over: g marshaled to JSON,
// decoded generically, signature fields stripped, then re-canonicalized.
func genomeSignableBytes(g *genome.Genome) ([]byte, error) {
	unsigned := *g
	unsigned.Signature = nil
	unsigned.Signatures = nil

	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	stripped := canon.StripFields(m, "signature", "signatures")
	return canon.Canonicalize(stripped)
}

func TestCapabilityCeilingDeniesEndToEnd(t *testing.T) {
	gen := signedGenome(t)
	h := newHarness(t, true, gen)

	req := gate.Request{ClientID: "c1", Actor: "a1", ActionID: "write", Method: "POST", Payload: map[string]any{"x": 1}}
	resp := h.gate.Governed(context.Background(), req, okHandler)

	if resp.Allowed {
		t.Fatalf("expected the capability ceiling to deny a write action, got allow")
	}
	if resp.Proof == nil || resp.Proof.Verdict != bootproof.VerdictDeny {
		t.Fatalf("expected a deny proof")
	}
	if err := bootproof.Verify(h.bootKey, resp.Proof); err != nil {
		t.Fatalf("expected denial proof to verify under the issuing boot key: %v", err)
	}

	req.ActionID = "read"
	resp = h.gate.Governed(context.Background(), req, okHandler)
	if !resp.Allowed {
		t.Fatalf("expected read to be allowed by the capability ceiling, got deny: %s", resp.Message)
	}
}

func TestTamperedProofFailsVerifyEndToEnd(t *testing.T) {
	h := newHarness(t, true, nil)

	req := gate.Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{"q": "hello"}}
	resp := h.gate.Governed(context.Background(), req, okHandler)
	if !resp.Allowed {
		t.Fatalf("expected allow, got deny: %s", resp.Message)
	}
	if err := bootproof.Verify(h.bootKey, resp.Proof); err != nil {
		t.Fatalf("expected an untouched proof to verify: %v", err)
	}

	tampered := *resp.Proof
	tampered.StageHashes = map[bootproof.StageName]string{}
	for k, v := range resp.Proof.StageHashes {
		tampered.StageHashes[k] = v
	}
	tampered.StageHashes[bootproof.StageCIFIngress] = "0000000000000000000000000000000000000000000000000000000000000000"

	if err := bootproof.Verify(h.bootKey, &tampered); err == nil {
		t.Fatalf("expected a stage-hash-altered proof to fail verification")
	}
}

func TestCircularReferenceQuarantinedEndToEnd(t *testing.T) {
	h := newHarness(t, true, nil)

	cyclic := map[string]any{"a": 1}
	cyclic["self"] = cyclic

	req := gate.Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: cyclic}
	resp := h.gate.Governed(context.Background(), req, okHandler)

	if resp.Allowed {
		t.Fatalf("expected a self-referential payload to be quarantined, got allow")
	}
}

func TestSecretLeakBlockedEndToEnd(t *testing.T) {
	h := newHarness(t, true, nil)

	leaky := func(ctx context.Context, payload any) (any, error) {
		return map[string]any{"key": "sk-abcdefghijklmnopqrstuvwx"}, nil
	}

	req := gate.Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := h.gate.Governed(context.Background(), req, leaky)

	if resp.Allowed {
		t.Fatalf("expected a handler response containing a secret-shaped string to be denied at egress")
	}
}

func TestAuditChainIntactAcrossMixedOutcomes(t *testing.T) {
	h := newHarness(t, true, nil)

	requests := []gate.Request{
		{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{"q": 1}},
		{ClientID: "c1", Actor: "a1", ActionID: "merge-identity", Method: "POST", Payload: map[string]any{}},
		{ClientID: "c1", Actor: "a1", ActionID: "delete", Method: "POST", Payload: map[string]any{}},
	}
	for _, req := range requests {
		h.gate.Governed(context.Background(), req, okHandler)
	}

	// The flush loop runs off-path; close it so every queued entry is
	// flushed before reading the file back.
	h.closeAudit()

	result, err := audit.VerifyFile(filepath.Join(h.auditDir, "audit.ndjson"))
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected an intact hash chain across mixed allow/deny outcomes, got errors: %v", result.Errors)
	}
	if result.Count == 0 {
		t.Fatalf("expected at least one audit entry to have been written")
	}
}

func TestFailClosedPostureBlocksEveryRequestEndToEnd(t *testing.T) {
	h := newHarness(t, true, nil)
	h.posture.EscalateToFailClosed("simulated canary failure", true)

	handlerCalled := false
	handler := func(ctx context.Context, payload any) (any, error) {
		handlerCalled = true
		return nil, nil
	}

	req := gate.Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := h.gate.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected FAIL_CLOSED posture to deny every request, including reads")
	}
	if handlerCalled {
		t.Fatalf("handler must never run once the kernel is locked FAIL_CLOSED")
	}
}
