package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/organledger/internal/application"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	codeValidation     = 40000
	codeUnauthorized   = 40100
	codeForbidden      = 40300
	codeNotFound       = 40400
	codePrecondition   = 40900
	codeInternal       = 50000
	codeNotImplemented = 50100
	codeLedger         = 50200
)

type Services struct {
	Core       *application.Service
	Allocation *application.AllocationService
	Governance *application.GovernanceService
	Execution  *application.ExecutionService
}

type Server struct {
	core       *application.Service
	allocation *application.AllocationService
	governance *application.GovernanceService
	execution  *application.ExecutionService
	logger     *slog.Logger

	listener net.Listener
	path     string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Start listens on the unix socket at path, replacing a stale socket file.
func Start(path string, services Services, logger *slog.Logger) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	s := newServer(services, logger)
	s.listener, s.path = ln, path
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func newServer(services Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		core:       services.Core,
		allocation: services.Allocation,
		governance: services.Governance,
		execution:  services.Execution,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, cancels in-flight calls and waits for connections
// to drain.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(s.ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

type tokenParams struct {
	Token string `json:"token"`
}

type idParams struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

type proposalParams struct {
	Token string `json:"token"`
	ID    uint   `json:"id"`
}

type reasonParams struct {
	Token  string `json:"token"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type listParams struct {
	Token       string `json:"token"`
	OrganType   string `json:"organ_type"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	OrganID     string `json:"organ_id"`
	RecipientID string `json:"recipient_id"`
	Active      bool   `json:"active"`
	Q           string `json:"q"`
	Limit       int    `json:"limit"`
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}, ID: req.ID}
	}

	read := application.PermRegistryRead
	write := application.PermRegistryWrite
	vote := application.PermGovernanceVote
	execute := application.PermGovernanceExecute
	admin := application.PermAll

	switch req.Method {
	case "auth.login":
		return s.handleAuthLogin(ctx, req)
	case "auth.whoami":
		return handle(ctx, s, req, "", func(ctx context.Context, id domain.Identity, _ tokenParams) (any, error) {
			perms := make([]string, 0, len(id.Permissions))
			for p := range id.Permissions {
				perms = append(perms, p)
			}
			sort.Strings(perms)
			return map[string]any{"id": id.User.ID, "email": id.User.Email, "permissions": perms}, nil
		})

	case "recipients.list":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p listParams) (any, error) {
			return s.core.ListRecipients(ctx, domain.RecipientFilter{
				OrganType:  domain.OrganType(strings.ToUpper(p.OrganType)),
				ActiveOnly: p.Active,
				Query:      p.Q,
				Limit:      p.Limit,
			})
		})
	case "recipients.create":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p struct {
			Token string `json:"token"`
			recipientInput
		}) (any, error) {
			out, err := s.core.RegisterRecipient(ctx, application.RegisterRecipientInput(p.recipientInput))
			if err == nil {
				s.audit(ctx, id, "registry.recipient.create", "recipient", out.RecipientID)
			}
			return out, err
		})
	case "recipients.get":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p idParams) (any, error) {
			return s.core.GetRecipient(ctx, p.ID)
		})
	case "recipients.clinical":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p struct {
			Token        string `json:"token"`
			ID           string `json:"id"`
			UrgencyLevel int    `json:"urgency_level"`
			MedicalScore *int   `json:"medical_score"`
			Reason       string `json:"reason"`
		}) (any, error) {
			out, err := s.core.UpdateClinical(ctx, p.ID, id.User.Email, p.UrgencyLevel, p.MedicalScore, p.Reason)
			if err == nil {
				s.audit(ctx, id, "registry.recipient.clinical_update", "recipient", p.ID)
			}
			return out, err
		})

	case "organs.list":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p listParams) (any, error) {
			return s.core.ListOrgans(ctx, domain.OrganFilter{
				OrganType: domain.OrganType(strings.ToUpper(p.OrganType)),
				Status:    domain.OrganStatus(strings.ToUpper(p.Status)),
				Limit:     p.Limit,
			})
		})
	case "organs.create":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p struct {
			Token string `json:"token"`
			organInput
		}) (any, error) {
			out, err := s.core.RegisterOrgan(ctx, application.RegisterOrganInput(p.organInput))
			if err == nil {
				s.audit(ctx, id, "registry.organ.create", "organ", out.OrganID)
			}
			return out, err
		})
	case "organs.get":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p idParams) (any, error) {
			return s.core.GetOrgan(ctx, p.ID)
		})
	case "organs.reject":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p reasonParams) (any, error) {
			out, err := s.allocation.RejectOrgan(ctx, p.ID, p.Reason)
			if err == nil {
				s.audit(ctx, id, "registry.organ.reject", "organ", p.ID)
			}
			return out, err
		})
	case "organs.sync":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p idParams) (any, error) {
			return s.core.SyncOrgan(ctx, p.ID)
		})

	case "matching.auto":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p struct {
			Token   string `json:"token"`
			OrganID string `json:"organ_id"`
		}) (any, error) {
			out, err := s.allocation.AutoMatch(ctx, p.OrganID)
			if err == nil && out.Matched {
				s.audit(ctx, id, "allocation.match.create", "match", out.Match.ID)
			}
			return out, err
		})
	case "matching.run":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, _ tokenParams) (any, error) {
			out, err := s.allocation.RunMatching(ctx)
			if err == nil {
				s.audit(ctx, id, "allocation.run", "organ", "")
			}
			return out, err
		})
	case "matching.expire":
		return handle(ctx, s, req, write, func(ctx context.Context, _ domain.Identity, _ tokenParams) (any, error) {
			ids, err := s.allocation.ExpireOrgans(ctx)
			return map[string]any{"expired": ids}, err
		})

	case "matches.list":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p listParams) (any, error) {
			return s.allocation.ListMatches(ctx, domain.MatchFilter{
				OrganID:     p.OrganID,
				RecipientID: p.RecipientID,
				Status:      domain.MatchStatus(strings.ToUpper(p.Status)),
				Limit:       p.Limit,
			})
		})
	case "matches.get":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p idParams) (any, error) {
			return s.allocation.GetMatch(ctx, p.ID)
		})
	case "matches.accept":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p idParams) (any, error) {
			out, err := s.allocation.AcceptMatch(ctx, p.ID)
			if err == nil {
				s.audit(ctx, id, "allocation.match.accept", "match", p.ID)
			}
			return out, err
		})
	case "matches.reject":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p reasonParams) (any, error) {
			out, err := s.allocation.RejectMatch(ctx, p.ID, p.Reason)
			if err == nil {
				s.audit(ctx, id, "allocation.match.reject", "match", p.ID)
			}
			return out, err
		})
	case "matches.complete":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p idParams) (any, error) {
			out, err := s.allocation.CompleteMatch(ctx, p.ID)
			if err == nil {
				s.audit(ctx, id, "allocation.match.complete", "match", p.ID)
			}
			return out, err
		})

	case "appointments.list":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p listParams) (any, error) {
			return s.allocation.ListAppointments(ctx, domain.AppointmentFilter{
				RecipientID: p.RecipientID,
				Status:      domain.AppointmentStatus(strings.ToUpper(p.Status)),
				Limit:       p.Limit,
			})
		})
	case "appointments.start":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p idParams) (any, error) {
			out, err := s.allocation.StartAppointment(ctx, p.ID)
			if err == nil {
				s.audit(ctx, id, "allocation.appointment.start", "appointment", p.ID)
			}
			return out, err
		})
	case "appointments.cancel":
		return handle(ctx, s, req, write, func(ctx context.Context, id domain.Identity, p idParams) (any, error) {
			out, err := s.allocation.CancelAppointment(ctx, p.ID)
			if err == nil {
				s.audit(ctx, id, "allocation.appointment.cancel", "appointment", p.ID)
			}
			return out, err
		})

	case "proposals.list":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p listParams) (any, error) {
			return s.governance.ListProposals(ctx, domain.ProposalFilter{
				Status: domain.ProposalStatus(strings.ToUpper(p.Status)),
				Type:   domain.ProposalType(strings.ToUpper(p.Type)),
				Limit:  p.Limit,
			})
		})
	case "proposals.create":
		return handle(ctx, s, req, vote, func(ctx context.Context, id domain.Identity, p struct {
			Token string `json:"token"`
			proposalInput
		}) (any, error) {
			out, err := s.governance.CreateProposal(ctx, id.User.Email, application.CreateProposalInput(p.proposalInput))
			if err == nil {
				s.audit(ctx, id, "governance.proposal.create", "proposal", fmt.Sprint(out.ID))
			}
			return out, err
		})
	case "proposals.get":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p proposalParams) (any, error) {
			return s.governance.GetProposal(ctx, p.ID)
		})
	case "proposals.votes":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p proposalParams) (any, error) {
			return s.governance.ListVotes(ctx, p.ID)
		})
	case "proposals.vote":
		return handle(ctx, s, req, vote, func(ctx context.Context, id domain.Identity, p struct {
			Token         string `json:"token"`
			ID            uint   `json:"id"`
			Choice        string `json:"choice"`
			Justification string `json:"justification"`
		}) (any, error) {
			out, err := s.governance.CastVote(ctx, p.ID, id.User.Email, p.Choice, p.Justification)
			if err == nil {
				s.audit(ctx, id, "governance.proposal.vote", "proposal", fmt.Sprint(p.ID))
			}
			return out, err
		})
	case "proposals.finalize":
		return handle(ctx, s, req, vote, func(ctx context.Context, id domain.Identity, p proposalParams) (any, error) {
			out, err := s.governance.Finalize(ctx, p.ID, id.User.Email)
			if err == nil {
				s.audit(ctx, id, "governance.proposal.finalize", "proposal", fmt.Sprint(p.ID))
			}
			return out, err
		})
	case "proposals.emergency_finalize":
		return handle(ctx, s, req, execute, func(ctx context.Context, id domain.Identity, p struct {
			Token    string `json:"token"`
			ID       uint   `json:"id"`
			Password string `json:"password"`
		}) (any, error) {
			out, err := s.governance.EmergencyFinalize(ctx, p.ID, id.User.Email, p.Password)
			if err == nil {
				s.audit(ctx, id, "governance.proposal.emergency_finalize", "proposal", fmt.Sprint(p.ID))
			}
			return out, err
		})
	case "proposals.execute":
		return handle(ctx, s, req, execute, func(ctx context.Context, id domain.Identity, p proposalParams) (any, error) {
			out, err := s.execution.Execute(ctx, p.ID, id.User.Email)
			if err == nil {
				s.audit(ctx, id, "governance.proposal.execute", "proposal", fmt.Sprint(p.ID))
			}
			return out, err
		})
	case "proposals.sync":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p proposalParams) (any, error) {
			return s.governance.SyncProposal(ctx, p.ID)
		})
	case "proposals.expire":
		return handle(ctx, s, req, execute, func(ctx context.Context, _ domain.Identity, _ tokenParams) (any, error) {
			ids, err := s.governance.ExpireStale(ctx)
			return map[string]any{"expired": ids}, err
		})

	case "members.list":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p struct {
			Token      string `json:"token"`
			Authorized bool   `json:"authorized"`
		}) (any, error) {
			return s.core.ListMembers(ctx, p.Authorized)
		})
	case "members.create":
		return handle(ctx, s, req, admin, func(ctx context.Context, id domain.Identity, p struct {
			Token       string `json:"token"`
			Identity    string `json:"identity"`
			Role        string `json:"role"`
			VotingPower int    `json:"voting_power"`
			Authorized  bool   `json:"authorized"`
		}) (any, error) {
			out, err := s.core.RegisterMember(ctx, p.Identity, domain.MemberRole(strings.ToLower(p.Role)), p.VotingPower, p.Authorized)
			if err == nil {
				s.audit(ctx, id, "governance.member.create", "member", out.Identity)
			}
			return out, err
		})
	case "members.authorize":
		return handle(ctx, s, req, admin, func(ctx context.Context, id domain.Identity, p struct {
			Token       string `json:"token"`
			Identity    string `json:"identity"`
			Authorized  bool   `json:"authorized"`
			VotingPower int    `json:"voting_power"`
			Role        string `json:"role"`
		}) (any, error) {
			out, err := s.core.SetMemberAuthorization(ctx, p.Identity, p.Authorized, p.VotingPower, domain.MemberRole(strings.ToLower(p.Role)))
			if err == nil {
				s.audit(ctx, id, "governance.member.authorize", "member", out.Identity)
			}
			return out, err
		})

	case "notifications.list":
		return handle(ctx, s, req, read, func(ctx context.Context, id domain.Identity, p struct {
			Token    string `json:"token"`
			Scope    string `json:"scope"`
			Audience string `json:"audience"`
			Limit    int    `json:"limit"`
		}) (any, error) {
			scope, audience := domain.NotificationScope(strings.ToLower(p.Scope)), p.Audience
			if scope == "" {
				scope, audience = domain.ScopeUser, id.User.Email
			}
			return s.core.ListNotifications(ctx, scope, audience, p.Limit)
		})

	case "access.user.list":
		return handle(ctx, s, req, admin, func(ctx context.Context, _ domain.Identity, p listParams) (any, error) {
			return s.core.ListUsers(ctx, p.Q, p.Limit)
		})
	case "access.user.create":
		return handle(ctx, s, req, admin, func(ctx context.Context, id domain.Identity, p struct {
			Token    string `json:"token"`
			Email    string `json:"email"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}) (any, error) {
			out, err := s.core.CreateUser(ctx, p.Email, p.Password, p.Role)
			if err == nil {
				s.audit(ctx, id, "access.user.create", "user", fmt.Sprint(out.ID))
			}
			return out, err
		})
	case "access.role.list":
		return handle(ctx, s, req, admin, func(ctx context.Context, _ domain.Identity, _ tokenParams) (any, error) {
			return s.core.ListRoles(ctx)
		})
	case "access.role.assign":
		return handle(ctx, s, req, admin, func(ctx context.Context, id domain.Identity, p struct {
			Token  string `json:"token"`
			UserID uint   `json:"user_id"`
			RoleID uint   `json:"role_id"`
		}) (any, error) {
			if err := s.core.AssignRole(ctx, p.UserID, p.RoleID); err != nil {
				return nil, err
			}
			s.audit(ctx, id, "access.role.assign", "user", fmt.Sprint(p.UserID))
			return map[string]any{"ok": true}, nil
		})
	case "audit.list":
		return handle(ctx, s, req, read, func(ctx context.Context, _ domain.Identity, p listParams) (any, error) {
			return s.core.ListAuditLogs(ctx, p.Limit)
		})
	default:
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeMethodNotFound, Message: "method not found"}, ID: req.ID}
	}
}

type recipientInput struct {
	RecipientID  string    `json:"recipient_id"`
	FullName     string    `json:"full_name"`
	OrganType    string    `json:"organ_type"`
	BloodType    string    `json:"blood_type"`
	UrgencyLevel int       `json:"urgency_level"`
	MedicalScore int       `json:"medical_score"`
	RegisteredAt time.Time `json:"registered_at"`
}

type organInput struct {
	OrganID        string    `json:"organ_id"`
	OrganType      string    `json:"organ_type"`
	BloodType      string    `json:"blood_type"`
	DonorRef       string    `json:"donor_ref"`
	HarvestedAt    time.Time `json:"harvested_at"`
	ViabilityHours int       `json:"viability_hours"`
}

type proposalInput struct {
	Type              string `json:"type"`
	Urgency           string `json:"urgency"`
	TargetRecipientID string `json:"target_recipient_id"`
	ParameterName     string `json:"parameter_name"`
	CurrentValue      string `json:"current_value"`
	ProposedValue     string `json:"proposed_value"`
	Justification     string `json:"justification"`
}

// handle authenticates the call, decodes its params into P and maps the
// outcome onto a response.
func handle[P any](ctx context.Context, s *Server, req request, permission string, fn func(context.Context, domain.Identity, P) (any, error)) response {
	identity, rpcResp, ok := s.authz(ctx, req, permission)
	if !ok {
		return rpcResp
	}
	var p P
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	out, err := fn(ctx, identity, p)
	if err != nil {
		return s.appError(req, err)
	}
	return response{JSONRPC: "2.0", Result: out, ID: req.ID}
}

func (s *Server) handleAuthLogin(ctx context.Context, req request) response {
	var p struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		TokenName string `json:"token_name"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	u, token, err := s.core.LoginWithAPIToken(ctx, p.Email, p.Password, p.TokenName, nil)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeUnauthorized, Message: "invalid credentials"}, ID: req.ID}
	}
	return response{JSONRPC: "2.0", Result: map[string]any{"user_id": u.ID, "email": u.Email, "token": token}, ID: req.ID}
}

func (s *Server) authz(ctx context.Context, req request, permission string) (domain.Identity, response, bool) {
	var p tokenParams
	if !decodeParams(req.Params, &p) {
		return domain.Identity{}, invalidParams(req.ID), false
	}
	identity, err := s.core.AuthenticateBearerToken(ctx, p.Token)
	if err != nil {
		return domain.Identity{}, response{JSONRPC: "2.0", Error: &rpcError{Code: codeUnauthorized, Message: "unauthorized"}, ID: req.ID}, false
	}
	if permission != "" && !s.core.Can(identity, permission) {
		return domain.Identity{}, response{JSONRPC: "2.0", Error: &rpcError{Code: codeForbidden, Message: "forbidden"}, ID: req.ID}, false
	}
	return identity, response{}, true
}

func (s *Server) audit(ctx context.Context, identity domain.Identity, action, targetType, targetID string) {
	s.core.WriteAudit(ctx, &identity.User.ID, action, targetType, targetID, "rpc")
}

func decodeParams(raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func invalidParams(id any) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidParams, Message: "invalid params"}, ID: id}
}

// CodeFor maps a service error onto an application error code.
func CodeFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return codeValidation
	case errors.Is(err, domain.ErrNotFound):
		return codeNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return codeUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return codeForbidden
	case errors.Is(err, domain.ErrPrecondition):
		return codePrecondition
	case errors.Is(err, domain.ErrLedger):
		return codeLedger
	case errors.Is(err, domain.ErrNotImplemented):
		return codeNotImplemented
	default:
		return codeInternal
	}
}

func (s *Server) appError(req request, err error) response {
	code := CodeFor(err)
	msg := err.Error()
	if code == codeInternal {
		s.logger.Error("rpc call failed", "method", req.Method, "error", err)
		msg = fmt.Sprintf("internal error: %v", err)
	}
	return response{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: msg}, ID: req.ID}
}
