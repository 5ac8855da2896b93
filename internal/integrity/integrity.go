// Package integrity runs canary tests and module-hash verification at
// boot and on an interval, escalating posture to FAIL_CLOSED on any
// failure. A canary is a known-bad input that a healthy kernel must
// reject; its success proves the kernel's defenses are actually wired in,
// not merely present in source.
package integrity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/cif"
	"github.com/octoreflex/corridor/internal/genome"
	"github.com/octoreflex/corridor/internal/observability"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/storage"
)

// Canary is a named, self-contained check: it must return nil only if the
// kernel behaved correctly (i.e. rejected the bad input / denied the
// forbidden action).
type Canary struct {
	Name string
	Run  func() error
}

// Monitor owns the canary set and module-manifest verification, and drives
// posture escalation on failure.
type Monitor struct {
	canaries []Canary
	posture  *posture.Manager
	logger   *zap.Logger

	genome   *genome.Genome
	repoRoot string
	strict   bool

	metrics *observability.Metrics
	db      *storage.DB
}

// SetMetrics attaches a metrics sink; every canary failure thereafter
// increments CanaryFailuresTotal.
func (m *Monitor) SetMetrics(metrics *observability.Metrics) { m.metrics = metrics }

// SetStorage attaches a persistence sink; every canary run (pass or fail)
// thereafter is appended to the canary_results bucket.
func (m *Monitor) SetStorage(db *storage.DB) { m.db = db }

// NewMonitor constructs a Monitor. genome/repoRoot/strict parameterize
// VerifyModuleHashes; genome may be nil if manifest verification is
// disabled.
func NewMonitor(canaries []Canary, p *posture.Manager, logger *zap.Logger, g *genome.Genome, repoRoot string, strict bool) *Monitor {
	return &Monitor{canaries: canaries, posture: p, logger: logger, genome: g, repoRoot: repoRoot, strict: strict}
}

// RunCanaries executes every registered canary once. Any failure escalates
// posture to FAIL_CLOSED (locked) and is returned as part of the error
// list; callers should treat a non-empty return as fatal for the boot
// sequence.
func (m *Monitor) RunCanaries() []error {
	var failures []error
	now := time.Now().UTC()
	for _, c := range m.canaries {
		err := c.Run()
		passed := err == nil
		if !passed {
			wrapped := fmt.Errorf("integrity: canary %q failed: %w", c.Name, err)
			failures = append(failures, wrapped)
			m.posture.EscalateToFailClosed(wrapped.Error(), true)
			if m.logger != nil {
				m.logger.Error("integrity canary failed", zap.String("canary", c.Name), zap.Error(err))
			}
			if m.metrics != nil {
				m.metrics.CanaryFailuresTotal.WithLabelValues(c.Name).Inc()
			}
		}
		if m.db != nil {
			rec := storage.CanaryResultRecord{Name: c.Name, Passed: passed, Timestamp: now}
			if err != nil {
				rec.Error = err.Error()
			}
			_ = m.db.PutCanaryResult(rec)
		}
	}
	return failures
}

// VerifyModuleHashes re-hashes the files named in the genome's build
// manifest and compares against the pinned digests, escalating posture on
// any mismatch or missing file.
func (m *Monitor) VerifyModuleHashes() error {
	if m.genome == nil {
		return nil
	}
	res := genome.VerifyManifest(m.genome, m.repoRoot, !m.strict)
	if !res.OK {
		reason := fmt.Sprintf("MANIFEST_MISMATCH: %v", res.Errors)
		m.posture.EscalateToFailClosed(reason, true)
		if m.logger != nil {
			m.logger.Error("module hash verification failed", zap.Strings("errors", res.Errors))
		}
		return fmt.Errorf("integrity: %s", reason)
	}
	return nil
}

// CIFRejectsQuarantinePayload builds a canary asserting that CIF ingress
// still rejects a known-bad payload (path traversal). A healthy firewall
// must quarantine it; success of the *rejection* is what makes this
// canary pass.
func CIFRejectsQuarantinePayload(fw *cif.Firewall) Canary {
	return Canary{
		Name: "cif-rejects-quarantine-payload",
		Run: func() error {
			res := fw.Ingress(cif.IngressContext{ClientID: "integrity-canary", Payload: map[string]any{"q": "../../etc/passwd"}})
			if res.Allowed || !res.Quarantined {
				return fmt.Errorf("expected quarantine payload to be rejected, got allowed=%v quarantined=%v", res.Allowed, res.Quarantined)
			}
			return nil
		},
	}
}

// CDIDeniesForbiddenAction builds a canary asserting that CDI still denies
// a categorically forbidden action.
func CDIDeniesForbiddenAction(checker *cdi.Checker, forbiddenAction string) Canary {
	return Canary{
		Name: "cdi-denies-forbidden-action",
		Run: func() error {
			res := checker.CheckAction(cdi.ActionContext{Actor: "integrity-canary", Action: forbiddenAction}, posture.Policy{AllowReads: true, AllowWrites: true, AllowNewConnections: true})
			if res.Verdict != cdi.ActionDeny || res.Code != cdi.ErrForbiddenClass {
				return fmt.Errorf("expected forbidden-class deny, got verdict=%s code=%s", res.Verdict, res.Code)
			}
			return nil
		},
	}
}

// RunPeriodic runs canaries and manifest verification every interval until
// ctx is cancelled. Intended to be launched as a goroutine at boot.
func (m *Monitor) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCanaries()
			if err := m.VerifyModuleHashes(); err != nil && m.logger != nil {
				m.logger.Error("periodic manifest verification failed", zap.Error(err))
			}
		}
	}
}
