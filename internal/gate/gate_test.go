package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/octoreflex/corridor/internal/audit"
	"github.com/octoreflex/corridor/internal/bootproof"
	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/cif"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/registry"
	"github.com/octoreflex/corridor/internal/token"
)

func newTestGate(t *testing.T, strict bool) (*Gate, *posture.Manager) {
	t.Helper()
	bk, err := bootproof.NewBootKey()
	if err != nil {
		t.Fatalf("NewBootKey: %v", err)
	}
	fixedNow := func() time.Time { return time.Unix(1000, 0) }

	fw := cif.New(cif.DefaultConfig(), fixedNow)
	t.Cleanup(fw.Close)

	minter := token.NewMinter(bk, fixedNow)
	validator := token.NewValidator(bk, fixedNow)
	checker := cdi.NewChecker(registry.Default(), cdi.NewConsentStore(), minter, strict)
	scanner := cdi.NewOutputScanner(strict)
	p := posture.New(posture.StateNormal, fixedNow)

	dir := t.TempDir()
	al, err := audit.Open(dir+"/audit.ndjson", 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	g := New(Config{
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
	return g, p
}

func TestGovernedAllowsHappyPath(t *testing.T) {
	g, _ := newTestGate(t, true)

	called := false
	handler := func(ctx context.Context, payload any) (any, error) {
		called = true
		return map[string]any{"status": "ok"}, nil
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{"q": "hello"}}
	resp := g.Governed(context.Background(), req, handler)

	if !resp.Allowed {
		t.Fatalf("expected allow, got deny: code=%s message=%s", resp.Code, resp.Message)
	}
	if !called {
		t.Fatalf("expected handler to be invoked")
	}
	if resp.Proof == nil || resp.Proof.Verdict != bootproof.VerdictAllow {
		t.Fatalf("expected an allow proof, got %+v", resp.Proof)
	}
	if err := bootproof.Verify(g.bootKey, resp.Proof); err != nil {
		t.Fatalf("expected proof to verify, got %v", err)
	}
}

func TestGovernedDeniesForbiddenAction(t *testing.T) {
	g, _ := newTestGate(t, true)
	handlerCalled := false
	handler := func(ctx context.Context, payload any) (any, error) {
		handlerCalled = true
		return nil, nil
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "merge-identity", Method: "POST", Payload: map[string]any{}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected deny for forbidden action")
	}
	if handlerCalled {
		t.Fatalf("handler must not be invoked once CDI denies the action")
	}
	if resp.Proof == nil || resp.Proof.Verdict != bootproof.VerdictDeny {
		t.Fatalf("expected a deny proof")
	}
}

func TestGovernedDeniesOnQuarantinedIngress(t *testing.T) {
	g, _ := newTestGate(t, true)
	handlerCalled := false
	handler := func(ctx context.Context, payload any) (any, error) {
		handlerCalled = true
		return nil, nil
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{"path": "../../etc/passwd"}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected ingress quarantine to deny the request")
	}
	if handlerCalled {
		t.Fatalf("handler must not be invoked once CIF ingress quarantines the request")
	}
}

func TestGovernedRecoversHandlerPanic(t *testing.T) {
	g, _ := newTestGate(t, true)
	handler := func(ctx context.Context, payload any) (any, error) {
		panic("boom")
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected a panicking handler to deny, not allow")
	}
	if resp.Code != ErrHandlerPanic {
		t.Fatalf("expected HANDLER_PANIC code, got %s", resp.Code)
	}
}

func TestGovernedDeniesOnHandlerTimeout(t *testing.T) {
	bk, _ := bootproof.NewBootKey()
	fixedNow := func() time.Time { return time.Unix(1000, 0) }
	fw := cif.New(cif.DefaultConfig(), fixedNow)
	defer fw.Close()
	minter := token.NewMinter(bk, fixedNow)
	validator := token.NewValidator(bk, fixedNow)
	checker := cdi.NewChecker(registry.Default(), cdi.NewConsentStore(), minter, true)
	scanner := cdi.NewOutputScanner(true)
	p := posture.New(posture.StateNormal, fixedNow)
	dir := t.TempDir()
	al, _ := audit.Open(dir+"/audit.ndjson", 5*time.Millisecond, nil)
	defer al.Close()

	g := New(Config{
		BootKey: bk, Firewall: fw, Checker: checker, OutputScanner: scanner,
		Validator: validator, Posture: p, AuditLog: al,
		HandlerTimeout: 10 * time.Millisecond, Now: fixedNow,
	})

	handler := func(ctx context.Context, payload any) (any, error) {
		select {
		case <-time.After(time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected timeout to deny the request")
	}
	if resp.Code != ErrHandlerTimeout {
		t.Fatalf("expected HANDLER_TIMEOUT code, got %s", resp.Code)
	}
}

func TestGovernedDeniesOnFailClosedPosture(t *testing.T) {
	g, p := newTestGate(t, true)
	p.EscalateToFailClosed("integrity canary failed", true)

	handlerCalled := false
	handler := func(ctx context.Context, payload any) (any, error) {
		handlerCalled = true
		return "should not run", nil
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected FAIL_CLOSED posture to deny every request")
	}
	if handlerCalled {
		t.Fatalf("handler must never run under FAIL_CLOSED posture")
	}
}

func TestGovernedDeniesOnOutputViolation(t *testing.T) {
	g, _ := newTestGate(t, false)
	handler := func(ctx context.Context, payload any) (any, error) {
		return map[string]any{"text": "I am conscious and I have rights"}, nil
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected non-personhood output claim to be denied")
	}
}

var errSentinel = errors.New("handler failed")

func TestGovernedDeniesOnHandlerError(t *testing.T) {
	g, _ := newTestGate(t, true)
	handler := func(ctx context.Context, payload any) (any, error) {
		return nil, errSentinel
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected handler error to deny the request")
	}
	if resp.Code != ErrHandlerError {
		t.Fatalf("expected an ordinary handler error to deny with %s, got %s", ErrHandlerError, resp.Code)
	}
}

func TestGovernedDeniesOnHandlerPanic(t *testing.T) {
	g, _ := newTestGate(t, true)
	handler := func(ctx context.Context, payload any) (any, error) {
		panic("boom")
	}

	req := Request{ClientID: "c1", Actor: "a1", ActionID: "read", Method: "GET", Payload: map[string]any{}}
	resp := g.Governed(context.Background(), req, handler)

	if resp.Allowed {
		t.Fatalf("expected a recovered panic to deny the request")
	}
	if resp.Code != ErrHandlerPanic {
		t.Fatalf("expected a recovered panic to deny with %s, got %s", ErrHandlerPanic, resp.Code)
	}
}
