package domain

import (
	"context"
	"time"
)

// LedgerConfirm submits the ledger half of a local write. Stores call it
// inside their open transaction and commit only when it returns a tx id.
type LedgerConfirm func(ctx context.Context) (string, error)

type AuthRepository interface {
	CreateUser(ctx context.Context, value User) (User, error)
	CountUsers(ctx context.Context) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id uint) (User, error)
	CreateSession(ctx context.Context, value AuthSession) (AuthSession, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (AuthSession, error)
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
	CreateAPIToken(ctx context.Context, value APIToken) (APIToken, error)
	GetAPITokenByTokenHash(ctx context.Context, tokenHash string) (APIToken, error)
	CreateRoleIfMissing(ctx context.Context, key, name string) (uint, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreatePermissionIfMissing(ctx context.Context, key string) (uint, error)
	GrantPermissionToRole(ctx context.Context, roleID, permissionID uint) error
	AssignRoleToUser(ctx context.Context, userID, roleID uint) error
	ListUsers(ctx context.Context, query string, limit int) ([]User, error)
	GetPermissionsByUserID(ctx context.Context, userID uint) ([]string, error)
	CreateAuditLog(ctx context.Context, value AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]AuditRecord, error)
}

type RegistryRepository interface {
	CreateRecipient(ctx context.Context, value Recipient, confirm LedgerConfirm) (Recipient, error)
	GetRecipient(ctx context.Context, recipientID string) (Recipient, error)
	ListRecipients(ctx context.Context, filter RecipientFilter) ([]Recipient, error)
	// ListWaitingRecipients returns active, unmatched recipients of organType.
	ListWaitingRecipients(ctx context.Context, organType OrganType) ([]Recipient, error)
	// ApplyUrgencyChange sets the recipient urgency (and medical score when
	// non-nil) and appends the history entry. When change.ProposalID is set the
	// proposal's action tx id is recorded in the same transaction.
	ApplyUrgencyChange(ctx context.Context, change UrgencyChange, medicalScore *int, confirm LedgerConfirm) (Recipient, error)
	DeactivateRecipient(ctx context.Context, removal RecipientRemoval, at time.Time, confirm LedgerConfirm) (Recipient, error)

	CreateOrgan(ctx context.Context, value Organ, confirm LedgerConfirm) (Organ, error)
	GetOrgan(ctx context.Context, organID string) (Organ, error)
	ListOrgans(ctx context.Context, filter OrganFilter) ([]Organ, error)
	// ListAllocatableOrgans returns AVAILABLE organs whose expiry is after now.
	ListAllocatableOrgans(ctx context.Context, now time.Time) ([]Organ, error)
	ExpireOrgans(ctx context.Context, now time.Time) ([]string, error)
	RejectOrgan(ctx context.Context, organID, reason string) (Organ, error)

	CreateMember(ctx context.Context, value Member) (Member, error)
	GetMember(ctx context.Context, identity string) (Member, error)
	ListMembers(ctx context.Context, authorizedOnly bool) ([]Member, error)
	UpdateMember(ctx context.Context, identity string, authorized bool, votingPower int, role MemberRole) (Member, error)
	TotalVotingPower(ctx context.Context) (int, error)
}

type AllocationRepository interface {
	// CommitAllocation flips the organ to ALLOCATED and the recipient to
	// matched, inserts the match and appointment and commits after confirm.
	// It returns ErrOrganUnavailable or ErrRecipientUnavailable when a guard
	// loses.
	CommitAllocation(ctx context.Context, match Match, appointment Appointment, now time.Time, confirm LedgerConfirm) (Match, Appointment, error)
	GetMatch(ctx context.Context, id string) (Match, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]Match, error)
	AcceptMatch(ctx context.Context, id string, now time.Time) (Match, error)
	RejectMatch(ctx context.Context, id, reason string, now time.Time, confirm LedgerConfirm) (Match, error)
	CompleteMatch(ctx context.Context, id string, now time.Time) (Match, error)
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	TransitionAppointment(ctx context.Context, id string, from []AppointmentStatus, to AppointmentStatus, now time.Time) (Appointment, error)
}

type GovernanceRepository interface {
	// CreateProposal inserts p and bumps the creator's proposal count. The
	// confirm callback receives the proposal with its assigned id.
	CreateProposal(ctx context.Context, p Proposal, confirm func(ctx context.Context, p Proposal) (string, error)) (Proposal, error)
	GetProposal(ctx context.Context, id uint) (Proposal, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error)
	ListVotes(ctx context.Context, proposalID uint) ([]Vote, error)
	// RecordVote inserts v and adds its power to the proposal totals while the
	// proposal is ACTIVE, before its deadline, and within total voting power.
	RecordVote(ctx context.Context, v Vote, confirm LedgerConfirm) (Proposal, error)
	FinalizeProposal(ctx context.Context, id uint, outcome ProposalOutcome, confirm LedgerConfirm) (Proposal, error)
	ExpireProposals(ctx context.Context, deadlineBefore, now time.Time) ([]uint, error)
	ClaimExecution(ctx context.Context, id uint, now time.Time, lease time.Duration) (Proposal, error)
	ReleaseExecution(ctx context.Context, id uint, execErr string) error
	MarkExecuted(ctx context.Context, id uint, by string, at time.Time, confirm LedgerConfirm) (Proposal, error)
	UpdateVoteTotals(ctx context.Context, id uint, votesFor, votesAgainst, votesAbstain int) error
}

type NotificationRepository interface {
	CreateNotification(ctx context.Context, value Notification) error
	ListNotifications(ctx context.Context, scope NotificationScope, audience string, limit int) ([]Notification, error)
}

// Repository is the full persistent store.
type Repository interface {
	AuthRepository
	RegistryRepository
	AllocationRepository
	GovernanceRepository
	NotificationRepository
}

type ProposalOutcome struct {
	Status      ProposalStatus
	FinalizedBy string
	FinalizedAt time.Time
	Emergency   bool
}

type MatchFilter struct {
	OrganID     string
	RecipientID string
	Status      MatchStatus
	Limit       int
}

type AppointmentFilter struct {
	RecipientID string
	Status      AppointmentStatus
	Limit       int
}

type LedgerCategory string

const (
	LedgerOrgan      LedgerCategory = "organ"
	LedgerPatient    LedgerCategory = "patient"
	LedgerGovernance LedgerCategory = "governance"
)

const (
	FnRegisterOrgan             = "registerOrgan"
	FnAllocateOrgan             = "allocateOrgan"
	FnReleaseOrgan              = "releaseOrgan"
	FnRegisterPatient           = "registerPatient"
	FnUpdateUrgency             = "updateUrgency"
	FnRemovePatient             = "removePatient"
	FnCreateProposal            = "createProposal"
	FnCastVote                  = "castVote"
	FnFinalizeProposal          = "finalizeProposal"
	FnEmergencyFinalizeProposal = "emergencyFinalizeProposal"
	FnExecuteProposal           = "executeProposal"

	FnGetOrgan      = "getOrgan"
	FnGetPatient    = "getPatient"
	FnGetProposal   = "getProposal"
	FnGetVoteTotals = "getVoteTotals"
)

type LedgerReceipt struct {
	TxID    string
	OK      bool
	Message string
}

// Ledger is the external authoritative record. Submit must not be retried
// automatically; Query may be.
type Ledger interface {
	Submit(ctx context.Context, category LedgerCategory, function string, params any) (LedgerReceipt, error)
	Query(ctx context.Context, category LedgerCategory, function string, params any, out any) error
}

type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}
