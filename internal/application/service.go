package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

const (
	PermRegistryRead      = "registry.read"
	PermRegistryWrite     = "registry.write"
	PermGovernanceVote    = "governance.vote"
	PermGovernanceExecute = "governance.execute"
	PermAll               = "*"
)

// Deps are the collaborators shared by every service. Zero fields get
// working defaults except Repo and Ledger.
type Deps struct {
	Repo     domain.Repository
	Ledger   domain.Ledger
	Notifier domain.NotificationSink
	Logger   *slog.Logger
	Metrics  *Metrics
	Now      func() time.Time
}

func (d Deps) normalized() Deps {
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Notifier == nil {
		d.Notifier = nopSink{}
	}
	return d
}

// Service owns the registry: people, organs, members and the auth model
// guarding them.
type Service struct {
	repo   domain.Repository
	ledger *Reconciler
	logger *slog.Logger
	now    func() time.Time
}

func NewService(d Deps, ledger *Reconciler) *Service {
	d = d.normalized()
	if ledger == nil {
		ledger = NewReconciler(d, DefaultRetryPolicy())
	}
	return &Service{repo: d.Repo, ledger: ledger, logger: d.Logger, now: d.Now}
}

type RegisterRecipientInput struct {
	RecipientID  string
	FullName     string
	OrganType    string
	BloodType    string
	UrgencyLevel int
	MedicalScore int
	RegisteredAt time.Time
}

func (s *Service) RegisterRecipient(ctx context.Context, in RegisterRecipientInput) (domain.Recipient, error) {
	id := strings.TrimSpace(in.RecipientID)
	if id == "" {
		return domain.Recipient{}, domain.Invalid("recipient id is required")
	}
	organType, err := domain.ParseOrganType(in.OrganType)
	if err != nil {
		return domain.Recipient{}, err
	}
	bloodType, err := domain.ParseBloodType(in.BloodType)
	if err != nil {
		return domain.Recipient{}, err
	}
	if in.UrgencyLevel < domain.MinUrgencyLevel || in.UrgencyLevel > domain.MaxUrgencyLevel {
		return domain.Recipient{}, domain.Invalid("urgency level must be between %d and %d", domain.MinUrgencyLevel, domain.MaxUrgencyLevel)
	}
	if in.MedicalScore < 0 {
		return domain.Recipient{}, domain.Invalid("medical score must not be negative")
	}
	registered := in.RegisteredAt.UTC()
	if in.RegisteredAt.IsZero() {
		registered = s.now()
	}

	value := domain.Recipient{
		RecipientID:  id,
		FullName:     strings.TrimSpace(in.FullName),
		OrganType:    organType,
		BloodType:    bloodType,
		UrgencyLevel: in.UrgencyLevel,
		MedicalScore: in.MedicalScore,
		RegisteredAt: registered,
		Active:       true,
	}
	return s.repo.CreateRecipient(ctx, value, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerPatient, domain.FnRegisterPatient, chaincode.PatientRecord{
			RecipientID:  value.RecipientID,
			OrganType:    string(value.OrganType),
			BloodType:    string(value.BloodType),
			UrgencyLevel: value.UrgencyLevel,
			MedicalScore: value.MedicalScore,
			RegisteredAt: value.RegisteredAt,
		})
	})
}

// UpdateClinical records a clinician's direct reassessment. Governance
// proposals go through the execution pipeline instead.
func (s *Service) UpdateClinical(ctx context.Context, recipientID, changedBy string, urgencyLevel int, medicalScore *int, reason string) (domain.Recipient, error) {
	if urgencyLevel < domain.MinUrgencyLevel || urgencyLevel > domain.MaxUrgencyLevel {
		return domain.Recipient{}, domain.Invalid("urgency level must be between %d and %d", domain.MinUrgencyLevel, domain.MaxUrgencyLevel)
	}
	if medicalScore != nil && *medicalScore < 0 {
		return domain.Recipient{}, domain.Invalid("medical score must not be negative")
	}
	if strings.TrimSpace(changedBy) == "" {
		return domain.Recipient{}, domain.Invalid("changed_by is required")
	}
	change := domain.UrgencyChange{
		RecipientID: strings.TrimSpace(recipientID),
		NewLevel:    urgencyLevel,
		ChangedBy:   changedBy,
		Reason:      strings.TrimSpace(reason),
		ChangedAt:   s.now(),
	}
	return s.repo.ApplyUrgencyChange(ctx, change, medicalScore, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerPatient, domain.FnUpdateUrgency, chaincode.UrgencyRecord{
			RecipientID: change.RecipientID,
			NewLevel:    change.NewLevel,
			ChangedBy:   change.ChangedBy,
			Reason:      change.Reason,
			ChangedAt:   change.ChangedAt,
		})
	})
}

func (s *Service) GetRecipient(ctx context.Context, recipientID string) (domain.Recipient, error) {
	if strings.TrimSpace(recipientID) == "" {
		return domain.Recipient{}, domain.Invalid("recipient id is required")
	}
	return s.repo.GetRecipient(ctx, strings.TrimSpace(recipientID))
}

func (s *Service) ListRecipients(ctx context.Context, filter domain.RecipientFilter) ([]domain.Recipient, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 1000)
	return s.repo.ListRecipients(ctx, filter)
}

type RegisterOrganInput struct {
	OrganID        string
	OrganType      string
	BloodType      string
	DonorRef       string
	HarvestedAt    time.Time
	ViabilityHours int
}

func (s *Service) RegisterOrgan(ctx context.Context, in RegisterOrganInput) (domain.Organ, error) {
	id := strings.TrimSpace(in.OrganID)
	if id == "" {
		return domain.Organ{}, domain.Invalid("organ id is required")
	}
	organType, err := domain.ParseOrganType(in.OrganType)
	if err != nil {
		return domain.Organ{}, err
	}
	bloodType, err := domain.ParseBloodType(in.BloodType)
	if err != nil {
		return domain.Organ{}, err
	}
	if in.ViabilityHours <= 0 {
		return domain.Organ{}, domain.Invalid("viability hours must be positive")
	}
	harvested := in.HarvestedAt.UTC()
	if in.HarvestedAt.IsZero() {
		harvested = s.now()
	}

	value := domain.Organ{
		OrganID:        id,
		OrganType:      organType,
		BloodType:      bloodType,
		DonorRef:       strings.TrimSpace(in.DonorRef),
		HarvestedAt:    harvested,
		ViabilityHours: in.ViabilityHours,
		ExpiresAt:      harvested.Add(time.Duration(in.ViabilityHours) * time.Hour),
		Status:         domain.OrganAvailable,
	}
	return s.repo.CreateOrgan(ctx, value, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerOrgan, domain.FnRegisterOrgan, chaincode.OrganRecord{
			OrganID:     value.OrganID,
			OrganType:   string(value.OrganType),
			BloodType:   string(value.BloodType),
			DonorRef:    value.DonorRef,
			HarvestedAt: value.HarvestedAt,
			ExpiresAt:   value.ExpiresAt,
		})
	})
}

func (s *Service) GetOrgan(ctx context.Context, organID string) (domain.Organ, error) {
	if strings.TrimSpace(organID) == "" {
		return domain.Organ{}, domain.Invalid("organ id is required")
	}
	return s.repo.GetOrgan(ctx, strings.TrimSpace(organID))
}

func (s *Service) ListOrgans(ctx context.Context, filter domain.OrganFilter) ([]domain.Organ, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 1000)
	return s.repo.ListOrgans(ctx, filter)
}

func (s *Service) RegisterMember(ctx context.Context, identity string, role domain.MemberRole, votingPower int, authorized bool) (domain.Member, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return domain.Member{}, domain.Invalid("member identity is required")
	}
	if err := validateMember(role, votingPower); err != nil {
		return domain.Member{}, err
	}
	value := domain.Member{Identity: identity, Role: role, VotingPower: votingPower, Authorized: authorized}
	if u, err := s.repo.GetUserByEmail(ctx, identity); err == nil {
		value.UserID = &u.ID
	}
	return s.repo.CreateMember(ctx, value)
}

func (s *Service) SetMemberAuthorization(ctx context.Context, identity string, authorized bool, votingPower int, role domain.MemberRole) (domain.Member, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	current, err := s.repo.GetMember(ctx, identity)
	if err != nil {
		return domain.Member{}, err
	}
	if votingPower == 0 {
		votingPower = current.VotingPower
	}
	if role == "" {
		role = current.Role
	}
	if err := validateMember(role, votingPower); err != nil {
		return domain.Member{}, err
	}
	return s.repo.UpdateMember(ctx, identity, authorized, votingPower, role)
}

func (s *Service) ListMembers(ctx context.Context, authorizedOnly bool) ([]domain.Member, error) {
	return s.repo.ListMembers(ctx, authorizedOnly)
}

func (s *Service) ListNotifications(ctx context.Context, scope domain.NotificationScope, audience string, limit int) ([]domain.Notification, error) {
	if scope != domain.ScopeUser && scope != domain.ScopeRecipient {
		return nil, domain.Invalid("notification scope must be user or recipient")
	}
	return s.repo.ListNotifications(ctx, scope, strings.TrimSpace(audience), clampLimit(limit, 50, 500))
}

// Sync reports whether the local organ agrees with the ledger.
func (s *Service) SyncOrgan(ctx context.Context, organID string) (OrganDrift, error) {
	return s.ledger.SyncOrgan(ctx, strings.TrimSpace(organID))
}

func validateMember(role domain.MemberRole, votingPower int) error {
	switch role {
	case domain.RoleDoctor, domain.RoleAdmin, domain.RoleObserver:
	default:
		return domain.Invalid("member role must be doctor, admin or observer, got %q", role)
	}
	if votingPower < domain.MinVotingPower || votingPower > domain.MaxVotingPower {
		return domain.Invalid("voting power must be between %d and %d", domain.MinVotingPower, domain.MaxVotingPower)
	}
	return nil
}

var defaultRoles = []struct {
	key, name string
	perms     []string
}{
	{"admin", "Administrator", []string{PermAll}},
	{"doctor", "Doctor", []string{PermRegistryRead, PermRegistryWrite, PermGovernanceVote, PermGovernanceExecute}},
	{"observer", "Observer", []string{PermRegistryRead}},
}

// BootstrapAdmin seeds the role table and, on an empty user table, the first
// administrator together with their governance membership.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(password) == "" {
		return domain.Invalid("bootstrap admin email and password are required")
	}

	roleIDs := make(map[string]uint, len(defaultRoles))
	for _, r := range defaultRoles {
		roleID, err := s.repo.CreateRoleIfMissing(ctx, r.key, r.name)
		if err != nil {
			return err
		}
		for _, key := range r.perms {
			permID, err := s.repo.CreatePermissionIfMissing(ctx, key)
			if err != nil {
				return err
			}
			if err := s.repo.GrantPermissionToRole(ctx, roleID, permID); err != nil {
				return err
			}
		}
		roleIDs[r.key] = roleID
	}

	count, err := s.repo.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	u, err := s.repo.CreateUser(ctx, domain.User{Email: strings.ToLower(strings.TrimSpace(email)), PasswordHash: hash})
	if err != nil {
		return err
	}
	if err := s.repo.AssignRoleToUser(ctx, u.ID, roleIDs["admin"]); err != nil {
		return err
	}
	if _, err := s.repo.CreateMember(ctx, domain.Member{
		Identity:    u.Email,
		UserID:      &u.ID,
		Role:        domain.RoleAdmin,
		VotingPower: domain.MinVotingPower,
		Authorized:  true,
	}); err != nil && !errors.Is(err, domain.ErrPrecondition) {
		return err
	}

	s.logger.Info("bootstrap admin created", "email", u.Email)
	return s.repo.CreateAuditLog(ctx, domain.AuditLog{ActorUserID: &u.ID, Action: "auth.bootstrap_admin", TargetType: "user", TargetID: fmt.Sprint(u.ID), Metadata: "initial admin created"})
}

func (s *Service) LoginWithSession(ctx context.Context, email, password string, ttl time.Duration) (domain.User, string, error) {
	u, err := s.authenticateEmailPassword(ctx, email, password)
	if err != nil {
		return domain.User{}, "", err
	}

	plain, hash, err := newTokenPair()
	if err != nil {
		return domain.User{}, "", err
	}

	_, err = s.repo.CreateSession(ctx, domain.AuthSession{
		UserID:    u.ID,
		TokenHash: hash,
		ExpiresAt: s.now().Add(ttl),
	})
	if err != nil {
		return domain.User{}, "", err
	}

	s.WriteAudit(ctx, &u.ID, "auth.login.session", "user", fmt.Sprint(u.ID), "session login")
	return u, plain, nil
}

func (s *Service) LoginWithAPIToken(ctx context.Context, email, password, tokenName string, ttl *time.Duration) (domain.User, string, error) {
	u, err := s.authenticateEmailPassword(ctx, email, password)
	if err != nil {
		return domain.User{}, "", err
	}

	plain, hash, err := newTokenPair()
	if err != nil {
		return domain.User{}, "", err
	}

	var expiresAt *time.Time
	if ttl != nil {
		t := s.now().Add(*ttl)
		expiresAt = &t
	}

	_, err = s.repo.CreateAPIToken(ctx, domain.APIToken{
		UserID:    u.ID,
		Name:      defaultString(tokenName, "cli"),
		TokenHash: hash,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return domain.User{}, "", err
	}

	s.WriteAudit(ctx, &u.ID, "auth.login.api_token", "user", fmt.Sprint(u.ID), "api token issued")
	return u, plain, nil
}

func (s *Service) AuthenticateSession(ctx context.Context, token string) (domain.Identity, error) {
	hash := hashToken(token)
	session, err := s.repo.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	if session.ExpiresAt.Before(s.now()) {
		_ = s.repo.DeleteSessionByTokenHash(ctx, hash)
		return domain.Identity{}, fmt.Errorf("%w: session expired", domain.ErrUnauthorized)
	}

	return s.identityByUserID(ctx, session.UserID)
}

func (s *Service) AuthenticateBearerToken(ctx context.Context, token string) (domain.Identity, error) {
	apit, err := s.repo.GetAPITokenByTokenHash(ctx, hashToken(token))
	if err != nil {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	if apit.ExpiresAt != nil && apit.ExpiresAt.Before(s.now()) {
		return domain.Identity{}, fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
	}

	return s.identityByUserID(ctx, apit.UserID)
}

func (s *Service) LogoutSession(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return s.repo.DeleteSessionByTokenHash(ctx, hashToken(token))
}

func (s *Service) Can(identity domain.Identity, permission string) bool {
	if _, ok := identity.Permissions[PermAll]; ok {
		return true
	}
	_, ok := identity.Permissions[permission]
	return ok
}

// WriteAudit never fails the caller; a lost audit row is logged.
func (s *Service) WriteAudit(ctx context.Context, actorUserID *uint, action, targetType, targetID, metadata string) {
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ActorUserID: actorUserID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Metadata:    metadata,
	})
	if err != nil {
		s.logger.Warn("audit log write failed", "action", action, "target_type", targetType, "target_id", targetID, "error", err)
	}
}

// CreateUser adds a login. With a role key the user is also given that role,
// and a governance member is created when the role is doctor or admin.
func (s *Service) CreateUser(ctx context.Context, email, password, roleKey string) (domain.User, error) {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(password) == "" {
		return domain.User{}, domain.Invalid("email and password are required")
	}
	var roleID uint
	if roleKey != "" {
		roles, err := s.repo.ListRoles(ctx)
		if err != nil {
			return domain.User{}, err
		}
		for _, r := range roles {
			if r.Key == roleKey {
				roleID = r.ID
			}
		}
		if roleID == 0 {
			return domain.User{}, domain.NotFound("role", roleKey)
		}
	}

	hash, err := hashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	u, err := s.repo.CreateUser(ctx, domain.User{Email: strings.ToLower(strings.TrimSpace(email)), PasswordHash: hash})
	if err != nil {
		return domain.User{}, err
	}
	if roleID != 0 {
		if err := s.repo.AssignRoleToUser(ctx, u.ID, roleID); err != nil {
			return domain.User{}, err
		}
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context, query string, limit int) ([]domain.User, error) {
	return s.repo.ListUsers(ctx, query, clampLimit(limit, 200, 2000))
}

func (s *Service) ListRoles(ctx context.Context) ([]domain.Role, error) {
	return s.repo.ListRoles(ctx)
}

func (s *Service) AssignRole(ctx context.Context, userID, roleID uint) error {
	if userID == 0 || roleID == 0 {
		return domain.Invalid("user_id and role_id are required")
	}
	return s.repo.AssignRoleToUser(ctx, userID, roleID)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	return s.repo.ListAuditLogs(ctx, clampLimit(limit, 200, 2000))
}

func (s *Service) authenticateEmailPassword(ctx context.Context, email, password string) (domain.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}
	return u, nil
}

func (s *Service) identityByUserID(ctx context.Context, userID uint) (domain.Identity, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	permList, err := s.repo.GetPermissionsByUserID(ctx, userID)
	if err != nil {
		return domain.Identity{}, err
	}
	permMap := make(map[string]struct{}, len(permList))
	for _, p := range permList {
		permMap[p] = struct{}{}
	}
	return domain.Identity{User: u, Permissions: permMap}, nil
}

// HashPassword is exported for the hash-password command, which produces the
// emergency credential hash kept in configuration.
func HashPassword(password string) (string, error) {
	return hashPassword(password)
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func newTokenPair() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)
	return plain, hashToken(plain), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum[:])
}

func defaultString(input, fallback string) string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	return input
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
