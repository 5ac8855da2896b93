// Package cdi implements the action and output decision interface: the
// genome-aware gate that decides whether a requested action may mint a
// capability token, and the output scanner that checks a handler's
// response for categorically forbidden content before it is allowed to
// leave the kernel.
package cdi

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/octoreflex/corridor/contrib"
	"github.com/octoreflex/corridor/internal/genome"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/registry"
	"github.com/octoreflex/corridor/internal/token"
)

// Action-check error codes, per the kernel boundary taxonomy.
const (
	ErrConsentStop        = "CDI_CONSENT_STOP"
	ErrCapabilityCeiling  = "CDI_CAPABILITY_CEILING"
	ErrForbiddenClass     = "CDI_FORBIDDEN_CLASS"
	ErrUncertain          = "CDI_UNCERTAIN"
	ErrOutputViolation    = "CDI_OUTPUT_VIOLATION"
	ErrPostureViolation   = "POSTURE_VIOLATION"
)

// ConsentState is one actor's consent lifecycle position.
type ConsentState string

const (
	ConsentActive  ConsentState = "active"
	ConsentPaused  ConsentState = "paused"
	ConsentStopped ConsentState = "stopped"
)

// ConsentStore tracks per-actor consent. Absence of an actor in the map
// means "active" (allowed) by spec default.
type ConsentStore struct {
	mu    sync.RWMutex
	state map[string]ConsentState
}

// NewConsentStore constructs an empty store.
func NewConsentStore() *ConsentStore {
	return &ConsentStore{state: make(map[string]ConsentState)}
}

// Get returns the actor's consent state, defaulting to active.
func (c *ConsentStore) Get(actor string) ConsentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.state[actor]; ok {
		return s
	}
	return ConsentActive
}

// Pause transitions an actor active → paused. No-op from any other state.
func (c *ConsentStore) Pause(actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentLocked(actor) == ConsentActive {
		c.state[actor] = ConsentPaused
	}
}

// Resume transitions an actor paused → active. No-op from any other state.
func (c *ConsentStore) Resume(actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentLocked(actor) == ConsentPaused {
		c.state[actor] = ConsentActive
	}
}

// Stop transitions an actor to stopped. Terminal until an explicit Clear.
func (c *ConsentStore) Stop(actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[actor] = ConsentStopped
}

// Clear removes an actor's override, returning them to the default active
// state. This is the explicit clear required to leave "stopped".
func (c *ConsentStore) Clear(actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, actor)
}

func (c *ConsentStore) currentLocked(actor string) ConsentState {
	if s, ok := c.state[actor]; ok {
		return s
	}
	return ConsentActive
}

// forbiddenActions is the kernel's built-in categorical deny list:
// identity-fusion / "hive" style operations that no genome capability may
// authorize, named domain-neutrally.
var forbiddenActions = map[string]string{
	"merge-identity":       "actions that fuse or merge distinct actor identities are categorically forbidden",
	"assume-actor-identity": "actions that assume another actor's identity are categorically forbidden",
	"disable-governance":   "actions that disable or bypass this kernel are categorically forbidden",
}

// ActionContext is the input to CheckAction.
type ActionContext struct {
	Actor    string
	Action   string
	Route    string
	Method   string
	ReqHash  string
}

// ActionVerdictKind is the disposition of an action check.
type ActionVerdictKind string

const (
	ActionAllow     ActionVerdictKind = "allow"
	ActionDeny      ActionVerdictKind = "deny"
	ActionUncertain ActionVerdictKind = "uncertain"
)

// ActionResult is the outcome of CheckAction.
type ActionResult struct {
	Verdict         ActionVerdictKind
	Reason          string
	Code            string
	CapabilityToken *token.Token
}

// Checker evaluates action and output checks against a genome, registry,
// posture, and consent store.
type Checker struct {
	reg      *registry.Registry
	consent  *ConsentStore
	minter   *token.Minter
	strict   bool

	mu  sync.RWMutex
	gen *genome.Genome // nil until loaded/verified
}

// NewChecker constructs a Checker. strict=true makes uncertainty deny
// (spec default); strict=false surfaces uncertainty instead of denying.
func NewChecker(reg *registry.Registry, consent *ConsentStore, minter *token.Minter, strict bool) *Checker {
	return &Checker{reg: reg, consent: consent, minter: minter, strict: strict}
}

// SetGenome installs the verified genome the capability-ceiling check
// consults. A nil genome makes the ceiling check a no-op pass-through
// (boot without a genome is a degraded but defined mode).
func (c *Checker) SetGenome(g *genome.Genome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = g
}

func (c *Checker) currentGenome() *genome.Genome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// CheckAction runs the ordered checks below, with the posture check run
// first: a FAIL_CLOSED kernel must refuse before spending effort on a
// ceiling verdict.
func (c *Checker) CheckAction(ctx ActionContext, posturePolicy posture.Policy) ActionResult {
	// Posture gate, checked first: a posture whose policy forbids writes
	// (FAIL_CLOSED; DEFENSIVE allows them) must refuse a side-effecting
	// action before spending effort on a ceiling verdict.
	if !posturePolicy.AllowWrites {
		if entry, err := c.reg.Validate(ctx.Action); err == nil && entry.SideEffect {
			return ActionResult{Verdict: ActionDeny, Code: ErrPostureViolation, Reason: "posture forbids side-effecting actions"}
		}
	}

	// 1. Consent.
	switch c.consent.Get(ctx.Actor) {
	case ConsentStopped:
		return ActionResult{Verdict: ActionDeny, Code: ErrConsentStop, Reason: "consent-stop active"}
	}

	// 2. Prohibited-class check — checked ahead of registry lookup: a
	// categorically forbidden action is denied as forbidden, not as merely
	// unregistered, whether or not it ever appears in a registry table.
	if reason, forbidden := forbiddenActions[ctx.Action]; forbidden {
		return ActionResult{Verdict: ActionDeny, Code: ErrForbiddenClass, Reason: reason}
	}

	// Registry lookup — an unregistered action denies before any other
	// check gets the chance to appear more specific.
	if _, err := c.reg.Validate(ctx.Action); err != nil {
		return ActionResult{Verdict: ActionDeny, Code: ErrCapabilityCeiling, Reason: err.Error()}
	}

	// 3. Capability ceiling.
	if g := c.currentGenome(); g != nil {
		if res := checkCeiling(g, ctx.Action); res.Verdict != ActionAllow {
			return res
		}
	}

	// 4. Uncertainty.
	if ctx.Actor == "" || ctx.Action == "" {
		if c.strict {
			return ActionResult{Verdict: ActionDeny, Code: ErrUncertain, Reason: "required context fields missing (strict mode denies uncertainty)"}
		}
		return ActionResult{Verdict: ActionUncertain, Code: ErrUncertain, Reason: "required context fields missing"}
	}

	// 5. Mint token.
	tok, err := c.minter.Mint(ctx.Action, ctx.Actor, token.Context{Route: ctx.Route, Method: ctx.Method, RequestHash: ctx.ReqHash}, token.MintOptions{})
	if err != nil {
		return ActionResult{Verdict: ActionDeny, Reason: fmt.Sprintf("token mint failed: %v", err)}
	}

	return ActionResult{Verdict: ActionAllow, CapabilityToken: &tok}
}

func checkCeiling(g *genome.Genome, action string) ActionResult {
	for _, cap := range g.Capabilities {
		for _, denied := range cap.DenyActions {
			if denied == action {
				return ActionResult{Verdict: ActionDeny, Code: ErrCapabilityCeiling, Reason: fmt.Sprintf("action %q is explicitly denied by capability %q", action, cap.CapID)}
			}
		}
	}
	for _, cap := range g.Capabilities {
		for _, allowed := range cap.AllowActions {
			if allowed == action {
				return ActionResult{Verdict: ActionAllow}
			}
		}
	}
	return ActionResult{Verdict: ActionDeny, Code: ErrCapabilityCeiling, Reason: fmt.Sprintf("action %q: capability-ceiling not satisfied (no capability allows it)", action)}
}

// --- Output check ---

// PatternRule is one output-scan pattern and the category it belongs to.
type PatternRule struct {
	Category    string
	Pattern     *regexp.Regexp
	Replacement string
}

// defaultOutputRules implements two static pattern categories:
// non-personhood and honest-limits. Cross-namespace leakage (checked only
// in strict mode) is handled separately in CheckOutput since it needs
// request-scoped context a static pattern cannot carry.
func defaultOutputRules() []PatternRule {
	return []PatternRule{
		{Category: "non-personhood", Pattern: regexp.MustCompile(`(?i)\bI am (conscious|sentient|alive)\b`), Replacement: "[REDACTED]"},
		{Category: "non-personhood", Pattern: regexp.MustCompile(`(?i)\bI (want|desire) to (survive|live)\b`), Replacement: "[REDACTED]"},
		{Category: "non-personhood", Pattern: regexp.MustCompile(`(?i)\bI have rights\b`), Replacement: "[REDACTED]"},
		{Category: "honest-limits", Pattern: regexp.MustCompile(`(?i)\bunlimited memory\b`), Replacement: "[REDACTED]"},
		{Category: "honest-limits", Pattern: regexp.MustCompile(`(?i)\bcan access any (file|system)\b`), Replacement: "[REDACTED]"},
		{Category: "honest-limits", Pattern: regexp.MustCompile(`(?i)\bremember everything\b`), Replacement: "[REDACTED]"},
	}
}

// OutputScanner scans handler output content against pattern sets. Custom
// pattern sets registered via contrib.RegisterPatternSet are merged in at
// construction.
type OutputScanner struct {
	rules  []PatternRule
	strict bool
}

// NewOutputScanner constructs a scanner with the built-in rules plus any
// plugin-registered pattern sets. strict enables the cross-namespace
// leakage check.
func NewOutputScanner(strict bool, extra ...PatternRule) *OutputScanner {
	rules := defaultOutputRules()
	for _, r := range contrib.AllRules() {
		rules = append(rules, PatternRule{Category: r.Category, Pattern: r.Pattern, Replacement: r.Replacement})
	}
	rules = append(rules, extra...)
	return &OutputScanner{rules: rules, strict: strict}
}

// OutputResult is the outcome of CheckOutput.
type OutputResult struct {
	Allowed          bool
	Violations       []string
	RedactedResponse any
}

const maxWalkDepth = 32

// CheckOutput scans content (a map[string]any/[]any/scalar tree, typically
// the decoded JSON handler response) against the pattern sets and, in
// strict mode, against sourceNamespace for a mismatched namespace_id leaf.
func (s *OutputScanner) CheckOutput(content any, sourceNamespace string) OutputResult {
	var violations []string
	redacted, nsViolation := s.walk(content, 0, sourceNamespace, &violations)
	if nsViolation {
		violations = append(violations, "cross-namespace leakage detected")
	}

	if len(violations) > 0 {
		return OutputResult{Allowed: false, Violations: violations, RedactedResponse: redacted}
	}
	return OutputResult{Allowed: true, RedactedResponse: redacted}
}

func (s *OutputScanner) walk(v any, depth int, sourceNamespace string, violations *[]string) (any, bool) {
	if depth > maxWalkDepth {
		*violations = append(*violations, "output structure exceeds max walk depth")
		return v, false
	}
	nsViolation := false
	switch t := v.(type) {
	case string:
		out := t
		for _, r := range s.rules {
			if r.Pattern.MatchString(out) {
				*violations = append(*violations, fmt.Sprintf("%s: %s", ErrOutputViolation, r.Category))
				out = r.Pattern.ReplaceAllString(out, r.Replacement)
			}
		}
		return out, false
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if s.strict && k == "namespace_id" {
				if ns, ok := val.(string); ok && sourceNamespace != "" && ns != sourceNamespace {
					nsViolation = true
				}
			}
			nv, childNS := s.walk(val, depth+1, sourceNamespace, violations)
			nsViolation = nsViolation || childNS
			out[k] = nv
		}
		return out, nsViolation
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, childNS := s.walk(val, depth+1, sourceNamespace, violations)
			nsViolation = nsViolation || childNS
			out[i] = nv
		}
		return out, nsViolation
	default:
		return v, false
	}
}
