package integrity

import (
	"testing"
	"time"

	"github.com/octoreflex/corridor/internal/bootproof"
	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/cif"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/registry"
	"github.com/octoreflex/corridor/internal/token"
)

func TestCanariesPassEscalateNothing(t *testing.T) {
	fw := cif.New(cif.DefaultConfig(), func() time.Time { return time.Unix(0, 0) })
	defer fw.Close()

	bk, _ := bootproof.NewBootKey()
	minter := token.NewMinter(bk, time.Now)
	checker := cdi.NewChecker(registry.Default(), cdi.NewConsentStore(), minter, true)

	p := posture.New(posture.StateNormal, time.Now)
	m := NewMonitor([]Canary{
		CIFRejectsQuarantinePayload(fw),
		CDIDeniesForbiddenAction(checker, "merge-identity"),
	}, p, nil, nil, "", false)

	if failures := m.RunCanaries(); len(failures) != 0 {
		t.Fatalf("expected all canaries to pass, got failures: %v", failures)
	}
	if p.Current() != posture.StateNormal {
		t.Fatalf("expected posture unchanged on canary success, got %s", p.Current())
	}
}

func TestFailingCanaryEscalatesToFailClosed(t *testing.T) {
	p := posture.New(posture.StateNormal, time.Now)
	m := NewMonitor([]Canary{
		{Name: "always-fails", Run: func() error { return errAlwaysFails }},
	}, p, nil, nil, "", false)

	failures := m.RunCanaries()
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if p.Current() != posture.StateFailClosed {
		t.Fatalf("expected FAIL_CLOSED after canary failure, got %s", p.Current())
	}
	if !p.Locked() {
		t.Fatalf("expected posture locked after canary failure")
	}
}

var errAlwaysFails = canaryError("synthetic failure")

type canaryError string

func (e canaryError) Error() string { return string(e) }
