// Package gate implements the action gate orchestrator: the single path
// every governed action takes through ingress, decision, minting, handler
// invocation, output check, and egress. A route that invoked a handler
// without going through Governed would be a structural, reviewable defect
// — nothing in this package exposes a way to call a handler except by
// constructing a Gate and calling Governed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/octoreflex/corridor/internal/audit"
	"github.com/octoreflex/corridor/internal/bootproof"
	"github.com/octoreflex/corridor/internal/canon"
	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/cif"
	"github.com/octoreflex/corridor/internal/observability"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/token"
)

// ErrorCode is one of the stable, machine-readable denial codes a caller
// can branch on.
type ErrorCode string

const (
	ErrTokenMissing   ErrorCode = "TOKEN_MISSING"
	ErrTokenInvalid   ErrorCode = "TOKEN_INVALID"
	ErrHandlerTimeout ErrorCode = "HANDLER_TIMEOUT"
	ErrHandlerPanic   ErrorCode = "HANDLER_PANIC"
	ErrHandlerError   ErrorCode = "HANDLER_ERROR"
)

// PanicError wraps a value recovered from a handler panic. Its presence is
// what lets Governed tell a caught panic apart from an ordinary error a
// handler returned. Error reports at most maxPanicDiagnostic bytes of the
// recovered value.
type PanicError struct {
	Recovered any
}

// maxPanicDiagnostic caps the recovered-value text PanicError.Error reports.
const maxPanicDiagnostic = 256

func (e *PanicError) Error() string {
	msg := fmt.Sprintf("%v", e.Recovered)
	if len(msg) > maxPanicDiagnostic {
		msg = msg[:maxPanicDiagnostic] + "...(truncated)"
	}
	return "HANDLER_PANIC: " + msg
}

// Handler is the shape of a governed action's business logic. It receives
// a context carrying the handler timeout and the sanitized request payload
// (no actor or action fields), and returns
// a response payload or an error. A Handler must not be invoked from
// anywhere but Gate.Governed.
type Handler func(ctx context.Context, sanitizedPayload any) (any, error)

// Request is one external action request entering the gate.
type Request struct {
	RequestID string // caller-supplied; a fresh uuid is used if empty
	ClientID  string
	Actor     string
	ActionID  string
	Route     string
	Method    string
	Payload   any
	Namespace string
}

// Response is what Governed returns to the caller.
type Response struct {
	Allowed bool
	Code    ErrorCode
	Message string
	Payload any
	Proof   *bootproof.Proof
}

// Gate wires together every primitive the pipeline needs. One Gate
// instance is shared by the whole process; the request-scoped state
// (proof builder, token) lives entirely on the stack of one Governed call.
type Gate struct {
	bootKey    *bootproof.BootKey
	firewall   *cif.Firewall
	checker    *cdi.Checker
	outputScan *cdi.OutputScanner
	validator  *token.Validator
	posture    *posture.Manager
	auditLog   *audit.Log
	logger     *zap.Logger

	handlerTimeout func() time.Duration
	now            func() time.Time

	metrics *observability.Metrics
}

// SetMetrics attaches a metrics sink; every stage thereafter records its
// latency, and every terminal verdict updates RequestsTotal/DenialsTotal.
func (g *Gate) SetMetrics(metrics *observability.Metrics) { g.metrics = metrics }

func (g *Gate) observeStage(stage bootproof.StageName, start time.Time) {
	if g.metrics != nil {
		g.metrics.StageLatencySeconds.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	}
}

// Config bundles Gate's dependencies.
type Config struct {
	BootKey        *bootproof.BootKey
	Firewall       *cif.Firewall
	Checker        *cdi.Checker
	OutputScanner  *cdi.OutputScanner
	Validator      *token.Validator
	Posture        *posture.Manager
	AuditLog       *audit.Log
	Logger         *zap.Logger
	HandlerTimeout time.Duration
	Now            func() time.Time
}

// New constructs a Gate from cfg.
func New(cfg Config) *Gate {
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		bootKey:        cfg.BootKey,
		firewall:       cfg.Firewall,
		checker:        cfg.Checker,
		outputScan:     cfg.OutputScanner,
		validator:      cfg.Validator,
		posture:        cfg.Posture,
		auditLog:       cfg.AuditLog,
		logger:         cfg.Logger,
		handlerTimeout: func() time.Duration { return timeout },
		now:            now,
	}
}

func (g *Gate) timestamp() string { return g.now().UTC().Format(time.RFC3339Nano) }

// Governed runs the full pipeline for req against handler. Any stage's
// denial short-circuits to a denial proof and an audit entry;
// the verdict is always recorded before returning.
func (g *Gate) Governed(ctx context.Context, req Request, handler Handler) *Response {
	if req.RequestID == "" {
		if id, err := uuid.NewRandom(); err == nil {
			req.RequestID = id.String()
		}
	}

	// Posture gate ahead of everything: FAIL_CLOSED refuses before any
	// other stage spends effort (consistent with CDI's own posture-first
	// ordering decision).
	if err := g.posture.AssertAllowed(postureOpForAction(req)); err != nil {
		return g.denyBeforeProof(req, "POSTURE_VIOLATION", err.Error())
	}

	fingerprint, err := canon.CanonicalSha256Hex(req.Payload)
	if err != nil {
		return g.denyBeforeProof(req, "CIF_INGRESS_MALFORMED", fmt.Sprintf("cannot fingerprint request: %v", err))
	}

	builder := bootproof.NewBuilder(g.bootKey, req.RequestID, fingerprint, g.timestamp)

	// Stage 1: CIF ingress.
	stageStart := g.now()
	ingressIn := map[string]any{"client_id": req.ClientID, "payload": req.Payload}
	ingressRes := g.firewall.Ingress(cif.IngressContext{ClientID: req.ClientID, Payload: req.Payload})
	g.observeStage(bootproof.StageCIFIngress, stageStart)
	stageHash, herr := builder.AddStage(bootproof.StageCIFIngress, ingressIn, ingressRes)
	if herr != nil {
		return g.denyBeforeProof(req, "CIF_INGRESS_MALFORMED", herr.Error())
	}
	_ = stageHash
	if !ingressRes.Allowed {
		return g.finishDenied(req, builder, ingressRes.Violations, "ingress rejected the request")
	}

	// Stage 2: CDI action check.
	stageStart = g.now()
	actionCtx := cdi.ActionContext{Actor: req.Actor, Action: req.ActionID, Route: req.Route, Method: req.Method, ReqHash: fingerprint}
	actionRes := g.checker.CheckAction(actionCtx, g.posture.Policy())
	g.observeStage(bootproof.StageCDIAction, stageStart)
	if _, err := builder.AddStage(bootproof.StageCDIAction, actionCtx, redactToken(actionRes)); err != nil {
		return g.denyBeforeProof(req, "CDI_UNCERTAIN", err.Error())
	}
	g.auditLog.AppendCDIDecision(req.Actor, req.ActionID, actionRes.Verdict == cdi.ActionAllow, nil)
	if actionRes.Verdict != cdi.ActionAllow {
		return g.finishDenied(req, builder, []string{string(actionRes.Code)}, actionRes.Reason)
	}
	capToken := actionRes.CapabilityToken
	if capToken == nil {
		return g.finishDenied(req, builder, []string{string(ErrTokenMissing)}, "no capability token minted")
	}
	g.auditLog.AppendTokenMint(req.Actor, req.ActionID, capToken.TokenID)

	// Stage 3: handler invocation, gated on token validity.
	validation := g.validator.Validate(*capToken, token.Expectation{ActionID: req.ActionID, Actor: req.Actor}, true)
	if !validation.OK {
		return g.finishDenied(req, builder, []string{string(ErrTokenInvalid)}, fmt.Sprintf("capability token failed validation before handler invocation: %v", validation.Errors))
	}
	stageStart = g.now()
	handlerOut, handlerErr := g.invokeHandler(ctx, handler, ingressRes.SanitizedPayload)
	g.observeStage(bootproof.StageHandler, stageStart)
	if _, err := builder.AddStage(bootproof.StageHandler, ingressRes.SanitizedPayload, summarizeHandlerOutcome(handlerOut, handlerErr)); err != nil {
		return g.denyBeforeProof(req, "CIF_EGRESS_MALFORMED", err.Error())
	}
	g.auditLog.AppendHandlerInvoke(req.Actor, req.ActionID, handlerErr == nil, errString(handlerErr))
	if handlerErr != nil {
		var panicErr *PanicError
		code := ErrHandlerError
		switch {
		case handlerErr == context.DeadlineExceeded:
			code = ErrHandlerTimeout
		case errors.As(handlerErr, &panicErr):
			code = ErrHandlerPanic
		}
		return g.finishDenied(req, builder, []string{string(code)}, handlerErr.Error())
	}

	// Stage 4: CDI output check.
	stageStart = g.now()
	outputRes := g.outputScan.CheckOutput(handlerOut, req.Namespace)
	g.observeStage(bootproof.StageCDIOutput, stageStart)
	if _, err := builder.AddStage(bootproof.StageCDIOutput, handlerOut, outputRes); err != nil {
		return g.denyBeforeProof(req, "CIF_EGRESS_MALFORMED", err.Error())
	}
	if !outputRes.Allowed {
		return g.finishDenied(req, builder, outputRes.Violations, "output check rejected the response")
	}

	// Stage 5: CIF egress.
	stageStart = g.now()
	egressRes := g.firewall.Egress(cif.EgressContext{Payload: outputRes.RedactedResponse})
	g.observeStage(bootproof.StageCIFEgress, stageStart)
	if _, err := builder.AddStage(bootproof.StageCIFEgress, outputRes.RedactedResponse, egressRes); err != nil {
		return g.denyBeforeProof(req, "CIF_EGRESS_MALFORMED", err.Error())
	}
	if !egressRes.Allowed {
		return g.finishDenied(req, builder, egressRes.Violations, "egress rejected the response")
	}

	builder.SetVerdict(bootproof.VerdictAllow)
	proof := builder.Build()
	g.auditLog.Append(audit.Entry{Timestamp: g.now(), Direction: audit.DirEgress, Subject: req.Actor, Action: req.ActionID, Allowed: true, PayloadHash: fingerprint})
	if g.metrics != nil {
		g.metrics.RequestsTotal.WithLabelValues("allow").Inc()
	}

	return &Response{Allowed: true, Payload: egressRes.SanitizedPayload, Proof: proof}
}

func postureOpForAction(req Request) posture.Op {
	switch req.Method {
	case "GET", "HEAD":
		return posture.OpRead
	default:
		return posture.OpWrite
	}
}

// invokeHandler calls handler with a timeout and recovers a panic into an
// error, so the gate never propagates a handler's panic past this point.
func (g *Gate) invokeHandler(ctx context.Context, handler Handler, payload any) (out any, err error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, g.handlerTimeout())
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &PanicError{Recovered: r}}
			}
		}()
		o, e := handler(timeoutCtx, payload)
		done <- result{out: o, err: e}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-timeoutCtx.Done():
		return nil, context.DeadlineExceeded
	}
}

func (g *Gate) denyBeforeProof(req Request, code ErrorCode, message string) *Response {
	proof, err := bootproof.DenialProof(g.bootKey, req.RequestID, "", bootproof.StageCIFIngress, req.Payload, message, g.timestamp)
	if err != nil && g.logger != nil {
		g.logger.Error("gate: failed to build denial proof", zap.Error(err))
	}
	g.auditLog.Append(audit.Entry{Timestamp: g.now(), Direction: audit.DirIngress, Subject: req.Actor, Action: req.ActionID, Allowed: false, Violations: []string{string(code)}})
	if g.metrics != nil {
		g.metrics.RequestsTotal.WithLabelValues("deny").Inc()
		g.metrics.DenialsTotal.WithLabelValues(string(code)).Inc()
	}
	return &Response{Allowed: false, Code: code, Message: message, Proof: proof}
}

func (g *Gate) finishDenied(req Request, builder *bootproof.Builder, violations []string, message string) *Response {
	builder.SetVerdict(bootproof.VerdictDeny)
	proof := builder.Build()
	code := ErrorCode("DENIED")
	if len(violations) > 0 {
		code = ErrorCode(violations[0])
	}
	g.auditLog.Append(audit.Entry{Timestamp: g.now(), Direction: audit.DirAction, Subject: req.Actor, Action: req.ActionID, Allowed: false, Violations: violations, PayloadHash: proof.RequestFingerprint})
	if g.metrics != nil {
		g.metrics.RequestsTotal.WithLabelValues("deny").Inc()
		g.metrics.DenialsTotal.WithLabelValues(string(code)).Inc()
	}
	return &Response{Allowed: false, Code: code, Message: message, Proof: proof}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// redactToken strips the minted capability token from what gets hashed
// into the proof's stage input/output — a token must never appear inside
// a persisted proof or audit payload, only its existence (allow/deny)
// does.
func redactToken(res cdi.ActionResult) cdi.ActionResult {
	out := res
	out.CapabilityToken = nil
	return out
}

func summarizeHandlerOutcome(out any, err error) map[string]any {
	return map[string]any{"ok": err == nil, "error": errString(err)}
}
