// Package posture implements the kernel's global restrictiveness ladder:
// NORMAL → DEFENSIVE → FAIL_CLOSED. Escalation is monotonic while the
// posture is locked; downgrade requires an explicit, logged unlock. There
// is one process-wide posture, not one state machine per process or actor.
package posture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/octoreflex/corridor/internal/observability"
	"github.com/octoreflex/corridor/internal/storage"
)

// State is a posture level. Values are ordered: higher is more
// restrictive.
type State uint8

const (
	StateNormal     State = 0
	StateDefensive  State = 1
	StateFailClosed State = 2
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateDefensive:
		return "DEFENSIVE"
	case StateFailClosed:
		return "FAIL_CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Op is an operation class Manager.AssertAllowed checks.
type Op string

const (
	OpRead    Op = "read"
	OpWrite   Op = "write"
	OpConnect Op = "connect"
)

// Policy is the set of permissions in force for the current posture.
type Policy struct {
	AllowReads          bool
	AllowWrites         bool
	AllowNewConnections bool
	Restrictions        []string
}

func policyFor(s State) Policy {
	switch s {
	case StateNormal:
		return Policy{AllowReads: true, AllowWrites: true, AllowNewConnections: true}
	case StateDefensive:
		return Policy{
			AllowReads: true, AllowWrites: true, AllowNewConnections: false,
			Restrictions: []string{"new connections refused"},
		}
	case StateFailClosed:
		return Policy{
			AllowReads: false, AllowWrites: false, AllowNewConnections: false,
			Restrictions: []string{"reads refused", "writes refused", "new connections refused"},
		}
	default:
		return Policy{}
	}
}

// Transition is one append-only history record.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Automatic bool      `json:"automatic"`
}

// AssertionError is returned by AssertAllowed when the current policy
// forbids op.
type AssertionError struct {
	Op     Op
	Policy Policy
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("posture: POSTURE_VIOLATION: operation %q not permitted under current policy", e.Op)
}

// Manager owns the kernel's single process-wide posture. Reads of the
// current state are lock-free (atomic); transitions and history are
// serialized under a mutex.
type Manager struct {
	current atomic.Uint32 // State
	locked  atomic.Bool
	now     func() time.Time

	mu      sync.Mutex
	history []Transition

	metrics *observability.Metrics
	db      *storage.DB
}

// SetMetrics attaches a metrics sink; every transition thereafter updates
// PostureTransitionsTotal and CurrentPosture.
func (m *Manager) SetMetrics(metrics *observability.Metrics) { m.metrics = metrics }

// SetStorage attaches a persistence sink; every transition thereafter is
// appended to the posture_history bucket so it survives a restart. A write
// failure is discarded here and not logged (in-memory history remains
// authoritative for the running process).
func (m *Manager) SetStorage(db *storage.DB) { m.db = db }

// New constructs a Manager starting in initial. Booting straight into
// DEFENSIVE in production without a recorded justifying transition is
// forbidden; that check is the caller's (boot wiring's) responsibility —
// New itself accepts any initial state and simply records it as the seed,
// with no history entry (there is no "from" state at boot).
func New(initial State, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	m := &Manager{now: now}
	m.current.Store(uint32(initial))
	return m
}

// Current returns the current posture state, lock-free.
func (m *Manager) Current() State { return State(m.current.Load()) }

// Locked reports whether the posture is locked against downgrade.
func (m *Manager) Locked() bool { return m.locked.Load() }

// Policy returns the permission set for the current posture.
func (m *Manager) Policy() Policy { return policyFor(m.Current()) }

// AssertAllowed returns an *AssertionError if op is forbidden under the
// current policy.
func (m *Manager) AssertAllowed(op Op) error {
	p := m.Policy()
	allowed := true
	switch op {
	case OpRead:
		allowed = p.AllowReads
	case OpWrite:
		allowed = p.AllowWrites
	case OpConnect:
		allowed = p.AllowNewConnections
	}
	if !allowed {
		return &AssertionError{Op: op, Policy: p}
	}
	return nil
}

// History returns a copy of the append-only transition log.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) record(from, to State, reason string, automatic bool) {
	t := Transition{From: from, To: to, Reason: reason, Timestamp: m.now(), Automatic: automatic}
	m.history = append(m.history, t)
	if m.metrics != nil {
		m.metrics.RecordPostureTransition(from.String(), to.String(), automatic)
		m.metrics.CurrentPosture.Set(float64(to))
	}
	if m.db != nil {
		_ = m.db.PutPostureHistory(storage.PostureHistoryRecord{
			From:      from.String(),
			To:        to.String(),
			Reason:    reason,
			Automatic: automatic,
			Timestamp: t.Timestamp,
		})
	}
}

// EscalateToDefensive raises the posture to DEFENSIVE if it is currently
// NORMAL. No-op (but still logs nothing) if already at or above DEFENSIVE.
func (m *Manager) EscalateToDefensive(reason string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.Current()
	if from >= StateDefensive {
		return from
	}
	m.current.Store(uint32(StateDefensive))
	m.record(from, StateDefensive, reason, true)
	return StateDefensive
}

// EscalateToFailClosed raises the posture to FAIL_CLOSED, optionally
// locking it against downgrade. Called by the integrity monitor on canary
// failure or manifest mismatch, and by the operator's ledger_verify command
// on an audit chain break.
func (m *Manager) EscalateToFailClosed(reason string, lock bool) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.Current()
	if from < StateFailClosed {
		m.current.Store(uint32(StateFailClosed))
		m.record(from, StateFailClosed, reason, true)
	}
	if lock {
		m.locked.Store(true)
	}
	return StateFailClosed
}

// LockedTransitionError is returned by Downgrade when the posture is
// locked and the caller has not gone through Unlock first.
type LockedTransitionError struct{}

func (e *LockedTransitionError) Error() string {
	return "posture: cannot downgrade while locked; call Unlock first"
}

// Downgrade moves the posture to a less restrictive state. Refuses if
// locked. manual is recorded as the inverse of Automatic in the history
// entry.
func (m *Manager) Downgrade(to State, reason string, manual bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked.Load() {
		return &LockedTransitionError{}
	}
	from := m.Current()
	if to >= from {
		return fmt.Errorf("posture: downgrade target %s is not less restrictive than current %s", to, from)
	}
	m.current.Store(uint32(to))
	m.record(from, to, reason, !manual)
	return nil
}

// AuthorizeFunc decides whether a given unlock request is authorized.
// The kernel itself performs no authentication; this hook is supplied by
// the integration layer (see internal/operator).
type AuthorizeFunc func() bool

// Unlock clears the locked flag after authorize succeeds. Every call —
// authorized or not — appends a history entry with automatic=false: an
// unlock attempt is itself a security-relevant event regardless of outcome.
func (m *Manager) Unlock(reason string, authorize AuthorizeFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := authorize != nil && authorize()
	from := m.Current()
	m.record(from, from, fmt.Sprintf("unlock attempt (authorized=%v): %s", ok, reason), false)
	if !ok {
		return fmt.Errorf("posture: unlock not authorized")
	}
	m.locked.Store(false)
	return nil
}
