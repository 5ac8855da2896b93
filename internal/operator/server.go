// Package operator — server.go
//
// Unix domain socket server for corridor operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/corridor/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect by default; a
// caller-supplied AuthorizeUnlock hook can further restrict unlock.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"posture"}
//	  → Returns the current posture level, lock state, and transition
//	    history.
//	  → Response: {"ok":true,"posture":"FAIL_CLOSED","locked":true}
//
//	{"cmd":"unlock","reason":"canary false positive, verified by on-call"}
//	  → Clears the posture lock if the caller is authorized. Every attempt,
//	    authorized or not, is recorded in the posture history and the audit
//	    ledger.
//	  → Response: {"ok":true}
//
//	{"cmd":"consent_stop","actor":"agent-42","reason":"operator override"}
//	  → Transitions the named actor's consent state to stopped.
//	  → Response: {"ok":true}
//
//	{"cmd":"consent_resume","actor":"agent-42"}
//	  → Transitions the named actor's consent state paused → active.
//	  → Response: {"ok":true}
//
//	{"cmd":"ledger_verify"}
//	  → Re-walks the audit log and reports whether its hash chain is intact.
//	    A broken chain escalates the posture to FAIL_CLOSED and locks it.
//	  → Response: {"ok":true,"entries":1024}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - unlock attempts and consent_stop are recorded in the audit ledger;
//     posture, consent_resume and ledger_verify are not.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/corridor/internal/audit"
	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/posture"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd    string `json:"cmd"`              // posture | unlock | consent_stop | consent_resume | ledger_verify
	Actor  string `json:"actor,omitempty"`  // target actor for consent_stop/consent_resume
	Reason string `json:"reason,omitempty"` // operator-supplied justification
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK      bool                 `json:"ok"`
	Error   string               `json:"error,omitempty"`
	Posture string               `json:"posture,omitempty"`
	Locked  bool                 `json:"locked,omitempty"`
	History []posture.Transition `json:"history,omitempty"`
	Entries int                  `json:"entries,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath      string
	posture         *posture.Manager
	consent         *cdi.ConsentStore
	auditLogPath    string
	auditLog        *audit.Log
	log             *zap.Logger
	sem             chan struct{} // Semaphore: max concurrent connections.
	authorizeUnlock AuthorizeUnlockFunc
}

// AuthorizeUnlockFunc decides whether the caller on a connection may clear
// a posture lock. corridord wires a hook that authorizes every connected
// peer, relying on the socket's 0600 permissions; a nil hook denies every
// unlock.
type AuthorizeUnlockFunc func(conn net.Conn) bool

// NewServer creates an operator Server.
func NewServer(socketPath string, p *posture.Manager, consent *cdi.ConsentStore, al *audit.Log, auditLogPath string, authorize AuthorizeUnlockFunc, log *zap.Logger) *Server {
	return &Server{
		socketPath:      socketPath,
		posture:         p,
		consent:         consent,
		auditLog:        al,
		auditLogPath:    auditLogPath,
		authorizeUnlock: authorize,
		log:             log,
		sem:             make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(conn, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(conn net.Conn, req Request) Response {
	switch req.Cmd {
	case "posture":
		return s.cmdPosture()
	case "unlock":
		return s.cmdUnlock(conn, req)
	case "consent_stop":
		return s.cmdConsentStop(req)
	case "consent_resume":
		return s.cmdConsentResume(req)
	case "ledger_verify":
		return s.cmdLedgerVerify()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdPosture() Response {
	return Response{
		OK:      true,
		Posture: s.posture.Current().String(),
		Locked:  s.posture.Locked(),
		History: s.posture.History(),
	}
}

func (s *Server) cmdUnlock(conn net.Conn, req Request) Response {
	err := s.posture.Unlock(req.Reason, func() bool {
		return s.authorizeUnlock != nil && s.authorizeUnlock(conn)
	})
	if s.auditLog != nil {
		s.auditLog.AppendPostureChange(s.posture.Current().String(), s.posture.Current().String(), "operator unlock attempt: "+req.Reason, false)
	}
	if err != nil {
		s.log.Warn("operator: unlock denied", zap.String("reason", req.Reason), zap.Error(err))
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: posture unlocked", zap.String("reason", req.Reason))
	return Response{OK: true}
}

func (s *Server) cmdConsentStop(req Request) Response {
	if req.Actor == "" {
		return Response{OK: false, Error: "actor required for consent_stop"}
	}
	s.consent.Stop(req.Actor)
	if s.auditLog != nil {
		s.auditLog.AppendConsentStop(req.Actor, req.Reason)
	}
	s.log.Info("operator: consent stopped", zap.String("actor", req.Actor), zap.String("reason", req.Reason))
	return Response{OK: true}
}

func (s *Server) cmdConsentResume(req Request) Response {
	if req.Actor == "" {
		return Response{OK: false, Error: "actor required for consent_resume"}
	}
	s.consent.Resume(req.Actor)
	s.log.Info("operator: consent resumed", zap.String("actor", req.Actor))
	return Response{OK: true}
}

func (s *Server) cmdLedgerVerify() Response {
	res, err := audit.VerifyFile(s.auditLogPath)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if !res.OK {
		s.posture.EscalateToFailClosed("audit chain break detected by ledger_verify", true)
		return Response{OK: false, Error: fmt.Sprintf("chain broken: %v", res.Errors), Entries: res.Count}
	}
	return Response{OK: true, Entries: res.Count}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
