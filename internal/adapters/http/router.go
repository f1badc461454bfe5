package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atvirokodosprendimai/organledger/internal/application"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

const sessionCookieName = "ol_session"

type contextKey string

const identityKey contextKey = "identity"

// Services are the application services the API exposes.
type Services struct {
	Core       *application.Service
	Allocation *application.AllocationService
	Governance *application.GovernanceService
	Execution  *application.ExecutionService
}

type Options struct {
	Logger *slog.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Handler struct {
	core       *application.Service
	allocation *application.AllocationService
	governance *application.GovernanceService
	execution  *application.ExecutionService
	logger     *slog.Logger
}

func NewRouter(s Services, opts Options) http.Handler {
	h := &Handler{
		core:       s.Core,
		allocation: s.Allocation,
		governance: s.Governance,
		execution:  s.Execution,
		logger:     opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	read := h.requireAuthAPI(application.PermRegistryRead)
	write := h.requireAuthAPI(application.PermRegistryWrite)
	vote := h.requireAuthAPI(application.PermGovernanceVote)
	execute := h.requireAuthAPI(application.PermGovernanceExecute)
	admin := h.requireAuthAPI(application.PermAll)

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/login", h.handleAPILogin)
		api.With(read).Get("/auth/whoami", h.handleAPIWhoAmI)
		api.With(read).Post("/auth/logout", h.handleAPILogout)

		api.With(read).Get("/recipients", h.handleListRecipients)
		api.With(write).Post("/recipients", h.handleRegisterRecipient)
		api.With(read).Get("/recipients/{id}", h.handleGetRecipient)
		api.With(write).Post("/recipients/{id}/clinical", h.handleUpdateClinical)

		api.With(read).Get("/organs", h.handleListOrgans)
		api.With(write).Post("/organs", h.handleRegisterOrgan)
		api.With(read).Get("/organs/{id}", h.handleGetOrgan)
		api.With(write).Post("/organs/{id}/reject", h.handleRejectOrgan)
		api.With(read).Get("/organs/{id}/sync", h.handleSyncOrgan)

		api.With(write).Post("/matching/auto", h.handleAutoMatch)
		api.With(write).Post("/matching/run", h.handleRunMatching)
		api.With(write).Post("/matching/expire", h.handleExpireOrgans)

		api.With(read).Get("/matches", h.handleListMatches)
		api.With(read).Get("/matches/{id}", h.handleGetMatch)
		api.With(write).Post("/matches/{id}/accept", h.handleAcceptMatch)
		api.With(write).Post("/matches/{id}/reject", h.handleRejectMatch)
		api.With(write).Post("/matches/{id}/complete", h.handleCompleteMatch)

		api.With(read).Get("/appointments", h.handleListAppointments)
		api.With(read).Get("/appointments/{id}", h.handleGetAppointment)
		api.With(write).Post("/appointments/{id}/start", h.handleStartAppointment)
		api.With(write).Post("/appointments/{id}/cancel", h.handleCancelAppointment)

		api.With(read).Get("/proposals", h.handleListProposals)
		api.With(vote).Post("/proposals", h.handleCreateProposal)
		api.With(execute).Post("/proposals/expire", h.handleExpireProposals)
		api.With(read).Get("/proposals/{id}", h.handleGetProposal)
		api.With(read).Get("/proposals/{id}/votes", h.handleListVotes)
		api.With(vote).Post("/proposals/{id}/vote", h.handleCastVote)
		api.With(vote).Post("/proposals/{id}/finalize", h.handleFinalize)
		api.With(execute).Post("/proposals/{id}/emergency-finalize", h.handleEmergencyFinalize)
		api.With(execute).Post("/proposals/{id}/execute", h.handleExecute)
		api.With(read).Post("/proposals/{id}/sync", h.handleSyncProposal)

		api.With(read).Get("/members", h.handleListMembers)
		api.With(admin).Post("/members", h.handleRegisterMember)
		api.With(admin).Post("/members/{identity}/authorize", h.handleAuthorizeMember)

		api.With(read).Get("/notifications", h.handleListNotifications)

		api.With(admin).Get("/access/users", h.handleListUsers)
		api.With(admin).Post("/access/users", h.handleCreateUser)
		api.With(admin).Get("/access/roles", h.handleListRoles)
		api.With(admin).Post("/access/assign-role", h.handleAssignRole)
		api.With(read).Get("/audit/logs", h.handleListAuditLogs)
	})

	return r
}

func (h *Handler) requireAuthAPI(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := h.authenticateRequest(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			if !h.core.Can(identity, permission) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
		})
	}
}

func (h *Handler) authenticateRequest(r *http.Request) (domain.Identity, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[7:])
		identity, err := h.core.AuthenticateBearerToken(r.Context(), token)
		if err == nil {
			return identity, true
		}
	}

	c, err := r.Cookie(sessionCookieName)
	if err == nil && strings.TrimSpace(c.Value) != "" {
		identity, authErr := h.core.AuthenticateSession(r.Context(), c.Value)
		if authErr == nil {
			return identity, true
		}
	}

	return domain.Identity{}, false
}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	value := ctx.Value(identityKey)
	if value == nil {
		return domain.Identity{}, false
	}
	identity, ok := value.(domain.Identity)
	return identity, ok
}

// currentUserEmail is also the caller's governance member identity.
func currentUserEmail(ctx context.Context) string {
	identity, ok := identityFromContext(ctx)
	if !ok {
		return ""
	}
	return identity.User.Email
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

type apiLoginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Mode      string `json:"mode"`
	TokenName string `json:"token_name"`
}

func (h *Handler) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	var req apiLoginRequest
	if !decode(w, r, &req) {
		return
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = "token"
	}

	if mode == "session" {
		u, token, err := h.core.LoginWithSession(r.Context(), req.Email, req.Password, 12*time.Hour)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
			return
		}
		h.setSessionCookie(w, token)
		writeJSON(w, http.StatusOK, map[string]any{"user_id": u.ID, "email": u.Email, "mode": "session"})
		return
	}

	u, token, err := h.core.LoginWithAPIToken(r.Context(), req.Email, req.Password, req.TokenName, nil)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	h.core.WriteAudit(r.Context(), &u.ID, "auth.token.create", "user", strconv.FormatUint(uint64(u.ID), 10), "")
	writeJSON(w, http.StatusOK, map[string]any{"user_id": u.ID, "email": u.Email, "token": token, "mode": "token"})
}

func (h *Handler) handleAPIWhoAmI(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	perms := make([]string, 0, len(identity.Permissions))
	for p := range identity.Permissions {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	writeJSON(w, http.StatusOK, map[string]any{"id": identity.User.ID, "email": identity.User.Email, "permissions": perms})
}

func (h *Handler) handleAPILogout(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	c, err := r.Cookie(sessionCookieName)
	if err == nil && c.Value != "" {
		_ = h.core.LogoutSession(r.Context(), c.Value)
		h.clearSessionCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := h.core.ListRecipients(r.Context(), domain.RecipientFilter{
		OrganType:  domain.OrganType(strings.ToUpper(q.Get("organ_type"))),
		ActiveOnly: q.Get("active") == "true",
		Query:      q.Get("q"),
		Limit:      limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type apiRegisterRecipientRequest struct {
	RecipientID  string    `json:"recipient_id"`
	FullName     string    `json:"full_name"`
	OrganType    string    `json:"organ_type"`
	BloodType    string    `json:"blood_type"`
	UrgencyLevel int       `json:"urgency_level"`
	MedicalScore int       `json:"medical_score"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (h *Handler) handleRegisterRecipient(w http.ResponseWriter, r *http.Request) {
	var req apiRegisterRecipientRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.core.RegisterRecipient(r.Context(), application.RegisterRecipientInput(req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "registry.recipient.create", "recipient", v.RecipientID)
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	v, err := h.core.GetRecipient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type apiUpdateClinicalRequest struct {
	UrgencyLevel int    `json:"urgency_level"`
	MedicalScore *int   `json:"medical_score"`
	Reason       string `json:"reason"`
}

func (h *Handler) handleUpdateClinical(w http.ResponseWriter, r *http.Request) {
	var req apiUpdateClinicalRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	v, err := h.core.UpdateClinical(r.Context(), id, currentUserEmail(r.Context()), req.UrgencyLevel, req.MedicalScore, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "registry.recipient.clinical_update", "recipient", id)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleListOrgans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := h.core.ListOrgans(r.Context(), domain.OrganFilter{
		OrganType: domain.OrganType(strings.ToUpper(q.Get("organ_type"))),
		Status:    domain.OrganStatus(strings.ToUpper(q.Get("status"))),
		Limit:     limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type apiRegisterOrganRequest struct {
	OrganID        string    `json:"organ_id"`
	OrganType      string    `json:"organ_type"`
	BloodType      string    `json:"blood_type"`
	DonorRef       string    `json:"donor_ref"`
	HarvestedAt    time.Time `json:"harvested_at"`
	ViabilityHours int       `json:"viability_hours"`
}

func (h *Handler) handleRegisterOrgan(w http.ResponseWriter, r *http.Request) {
	var req apiRegisterOrganRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.core.RegisterOrgan(r.Context(), application.RegisterOrganInput(req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "registry.organ.create", "organ", v.OrganID)
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleGetOrgan(w http.ResponseWriter, r *http.Request) {
	v, err := h.core.GetOrgan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type apiReasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRejectOrgan(w http.ResponseWriter, r *http.Request) {
	var req apiReasonRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	v, err := h.allocation.RejectOrgan(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "registry.organ.reject", "organ", id)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleSyncOrgan(w http.ResponseWriter, r *http.Request) {
	v, err := h.core.SyncOrgan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type apiAutoMatchRequest struct {
	OrganID string `json:"organ_id"`
}

func (h *Handler) handleAutoMatch(w http.ResponseWriter, r *http.Request) {
	var req apiAutoMatchRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.allocation.AutoMatch(r.Context(), req.OrganID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if v.Matched {
		h.writeAudit(r.Context(), "allocation.match.create", "match", v.Match.ID)
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleRunMatching(w http.ResponseWriter, r *http.Request) {
	v, err := h.allocation.RunMatching(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "allocation.run", "organ", "")
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleExpireOrgans(w http.ResponseWriter, r *http.Request) {
	ids, err := h.allocation.ExpireOrgans(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": ids})
}

func (h *Handler) handleListMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := h.allocation.ListMatches(r.Context(), domain.MatchFilter{
		OrganID:     q.Get("organ_id"),
		RecipientID: q.Get("recipient_id"),
		Status:      domain.MatchStatus(strings.ToUpper(q.Get("status"))),
		Limit:       limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	v, err := h.allocation.GetMatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleAcceptMatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.allocation.AcceptMatch(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "allocation.match.accept", "match", id)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	var req apiReasonRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	v, err := h.allocation.RejectMatch(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "allocation.match.reject", "match", id)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleCompleteMatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.allocation.CompleteMatch(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "allocation.match.complete", "match", id)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := h.allocation.ListAppointments(r.Context(), domain.AppointmentFilter{
		RecipientID: q.Get("recipient_id"),
		Status:      domain.AppointmentStatus(strings.ToUpper(q.Get("status"))),
		Limit:       limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	v, err := h.allocation.GetAppointment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleStartAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.allocation.StartAppointment(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "allocation.appointment.start", "appointment", id)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.allocation.CancelAppointment(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "allocation.appointment.cancel", "appointment", id)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := h.governance.ListProposals(r.Context(), domain.ProposalFilter{
		Status: domain.ProposalStatus(strings.ToUpper(q.Get("status"))),
		Type:   domain.ProposalType(strings.ToUpper(q.Get("type"))),
		Limit:  limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type apiCreateProposalRequest struct {
	Type              string `json:"type"`
	Urgency           string `json:"urgency"`
	TargetRecipientID string `json:"target_recipient_id"`
	ParameterName     string `json:"parameter_name"`
	CurrentValue      string `json:"current_value"`
	ProposedValue     string `json:"proposed_value"`
	Justification     string `json:"justification"`
}

func (h *Handler) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req apiCreateProposalRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.governance.CreateProposal(r.Context(), currentUserEmail(r.Context()), application.CreateProposalInput(req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "governance.proposal.create", "proposal", proposalID(v.ID))
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	v, err := h.governance.GetProposal(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleListVotes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	items, err := h.governance.ListVotes(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type apiCastVoteRequest struct {
	Choice        string `json:"choice"`
	Justification string `json:"justification"`
}

func (h *Handler) handleCastVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	var req apiCastVoteRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.governance.CastVote(r.Context(), id, currentUserEmail(r.Context()), req.Choice, req.Justification)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "governance.proposal.vote", "proposal", proposalID(id))
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	v, err := h.governance.Finalize(r.Context(), id, currentUserEmail(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "governance.proposal.finalize", "proposal", proposalID(id))
	writeJSON(w, http.StatusOK, v)
}

type apiEmergencyFinalizeRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handleEmergencyFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	var req apiEmergencyFinalizeRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.governance.EmergencyFinalize(r.Context(), id, currentUserEmail(r.Context()), req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "governance.proposal.emergency_finalize", "proposal", proposalID(id))
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	v, err := h.execution.Execute(r.Context(), id, currentUserEmail(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "governance.proposal.execute", "proposal", proposalID(id))
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleSyncProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathProposalID(w, r)
	if !ok {
		return
	}
	v, err := h.governance.SyncProposal(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleExpireProposals(w http.ResponseWriter, r *http.Request) {
	ids, err := h.governance.ExpireStale(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": ids})
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	items, err := h.core.ListMembers(r.Context(), r.URL.Query().Get("authorized") == "true")
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type apiRegisterMemberRequest struct {
	Identity    string `json:"identity"`
	Role        string `json:"role"`
	VotingPower int    `json:"voting_power"`
	Authorized  bool   `json:"authorized"`
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req apiRegisterMemberRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.core.RegisterMember(r.Context(), req.Identity, domain.MemberRole(strings.ToLower(req.Role)), req.VotingPower, req.Authorized)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "governance.member.create", "member", v.Identity)
	writeJSON(w, http.StatusCreated, v)
}

type apiAuthorizeMemberRequest struct {
	Authorized  bool   `json:"authorized"`
	VotingPower int    `json:"voting_power"`
	Role        string `json:"role"`
}

func (h *Handler) handleAuthorizeMember(w http.ResponseWriter, r *http.Request) {
	var req apiAuthorizeMemberRequest
	if !decode(w, r, &req) {
		return
	}
	identity := chi.URLParam(r, "identity")
	v, err := h.core.SetMemberAuthorization(r.Context(), identity, req.Authorized, req.VotingPower, domain.MemberRole(strings.ToLower(req.Role)))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "governance.member.authorize", "member", v.Identity)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	scope := domain.NotificationScope(strings.ToLower(q.Get("scope")))
	audience := q.Get("audience")
	if scope == "" {
		scope, audience = domain.ScopeUser, currentUserEmail(r.Context())
	}
	items, err := h.core.ListNotifications(r.Context(), scope, audience, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	items, err := h.core.ListUsers(r.Context(), r.URL.Query().Get("q"), 500)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type apiCreateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req apiCreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.core.CreateUser(r.Context(), req.Email, req.Password, req.Role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "access.user.create", "user", strconv.FormatUint(uint64(v.ID), 10))
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	items, err := h.core.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type apiAssignRoleRequest struct {
	UserID uint `json:"user_id"`
	RoleID uint `json:"role_id"`
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req apiAssignRoleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.core.AssignRole(r.Context(), req.UserID, req.RoleID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAudit(r.Context(), "access.role.assign", "user", strconv.FormatUint(uint64(req.UserID), 10))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := h.core.ListAuditLogs(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

func pathProposalID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	parsed, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || parsed == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid proposal id"})
		return 0, false
	}
	return uint(parsed), true
}

func proposalID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// StatusFor maps a service error onto the HTTP status clients should see.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLedger):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		writeJSON(w, status, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeAudit(ctx context.Context, action, targetType, targetID string) {
	identity, ok := identityFromContext(ctx)
	if !ok {
		h.core.WriteAudit(ctx, nil, action, targetType, targetID, "")
		return
	}
	h.core.WriteAudit(ctx, &identity.User.ID, action, targetType, targetID, "")
}
