package domain

import "time"

type OrganType string

const (
	OrganKidney   OrganType = "KIDNEY"
	OrganLiver    OrganType = "LIVER"
	OrganHeart    OrganType = "HEART"
	OrganLung     OrganType = "LUNG"
	OrganPancreas OrganType = "PANCREAS"
)

var OrganTypes = []OrganType{OrganKidney, OrganLiver, OrganHeart, OrganLung, OrganPancreas}

type OrganStatus string

const (
	OrganAvailable    OrganStatus = "AVAILABLE"
	OrganAllocated    OrganStatus = "ALLOCATED"
	OrganTransplanted OrganStatus = "TRANSPLANTED"
	OrganExpired      OrganStatus = "EXPIRED"
	OrganRejected     OrganStatus = "REJECTED"
)

type MatchStatus string

const (
	MatchPending   MatchStatus = "PENDING"
	MatchAccepted  MatchStatus = "ACCEPTED"
	MatchRejected  MatchStatus = "REJECTED"
	MatchCompleted MatchStatus = "COMPLETED"
)

type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "SCHEDULED"
	AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentCompleted  AppointmentStatus = "COMPLETED"
	AppointmentCancelled  AppointmentStatus = "CANCELLED"
)

type ProposalType string

const (
	ProposalUrgencyUpdate     ProposalType = "URGENCY_UPDATE"
	ProposalRecipientRemoval  ProposalType = "RECIPIENT_REMOVAL"
	ProposalSystemParameter   ProposalType = "SYSTEM_PARAMETER"
	ProposalEmergencyOverride ProposalType = "EMERGENCY_OVERRIDE"
)

// TargetsRecipient reports whether proposals of this type act on a waiting recipient.
func (t ProposalType) TargetsRecipient() bool {
	return t == ProposalUrgencyUpdate || t == ProposalRecipientRemoval
}

type ProposalUrgency string

const (
	UrgencyEmergency ProposalUrgency = "EMERGENCY"
	UrgencyStandard  ProposalUrgency = "STANDARD"
)

type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "ACTIVE"
	ProposalApproved ProposalStatus = "APPROVED"
	ProposalRejected ProposalStatus = "REJECTED"
	ProposalExecuted ProposalStatus = "EXECUTED"
	ProposalExpired  ProposalStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalRejected, ProposalExecuted, ProposalExpired:
		return true
	}
	return false
}

type VoteChoice string

const (
	VoteFor     VoteChoice = "FOR"
	VoteAgainst VoteChoice = "AGAINST"
	VoteAbstain VoteChoice = "ABSTAIN"
)

type MemberRole string

const (
	RoleDoctor   MemberRole = "doctor"
	RoleAdmin    MemberRole = "admin"
	RoleObserver MemberRole = "observer"
)

type NotificationScope string

const (
	ScopeUser      NotificationScope = "user"
	ScopeRecipient NotificationScope = "recipient"
)

type Recipient struct {
	ID                uint
	RecipientID       string
	FullName          string
	OrganType         OrganType
	BloodType         BloodType
	UrgencyLevel      int
	MedicalScore      int
	RegisteredAt      time.Time
	Active            bool
	Matched           bool
	MatchedOrganID    *string
	RemovalReason     string
	RemovedAt         *time.Time
	RemovedByProposal *uint
	LedgerTxID        string
	UrgencyHistory    []UrgencyChange
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type UrgencyChange struct {
	ID          uint
	RecipientID string
	OldLevel    int
	NewLevel    int
	ChangedBy   string
	Reason      string
	ProposalID  *uint
	LedgerTxID  string
	ChangedAt   time.Time
}

type Organ struct {
	ID              uint
	OrganID         string
	OrganType       OrganType
	BloodType       BloodType
	DonorRef        string
	HarvestedAt     time.Time
	ViabilityHours  int
	ExpiresAt       time.Time
	Status          OrganStatus
	AllocatedTo     *string
	RejectionReason string
	LedgerTxID      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Expired reports whether the viability window has closed at now.
func (o Organ) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

type ScoreBreakdown struct {
	UrgencyScore int
	MedicalScore int
	WaitBonus    int
	Total        int
	Compatible   bool
}

type Match struct {
	ID          string
	OrganID     string
	RecipientID string
	Score       ScoreBreakdown
	Status      MatchStatus
	LedgerTxID  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}

type Appointment struct {
	ID          string
	MatchID     string
	OrganID     string
	RecipientID string
	ScheduledAt time.Time
	Status      AppointmentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Proposal struct {
	ID                 uint
	LedgerTxID         string
	Type               ProposalType
	Urgency            ProposalUrgency
	TargetRecipientID  string
	ParameterName      string
	CurrentValue       string
	ProposedValue      string
	Justification      string
	CreatedBy          string
	CreatedAt          time.Time
	VotingDeadline     time.Time
	VotesFor           int
	VotesAgainst       int
	VotesAbstain       int
	TotalVotingPower   int
	QuorumRequired     int
	ApprovalThreshold  int
	Status             ProposalStatus
	Votes              []Vote
	FinalizedAt        *time.Time
	FinalizedBy        string
	EmergencyFinalized bool
	ExecutedAt         *time.Time
	ExecutedBy         string
	ExecutionTxID      string
	ActionTxID         string
	ExecutionError     string
	ExecutionClaimedAt *time.Time
	UpdatedAt          time.Time
}

// VotesCast is the voting power that has participated so far.
func (p Proposal) VotesCast() int {
	return p.VotesFor + p.VotesAgainst + p.VotesAbstain
}

type Vote struct {
	ID            uint
	ProposalID    uint
	Voter         string
	Choice        VoteChoice
	Power         int
	Justification string
	LedgerTxID    string
	CastAt        time.Time
}

type Member struct {
	ID               uint
	Identity         string
	UserID           *uint
	Role             MemberRole
	VotingPower      int
	Authorized       bool
	ProposalsCreated int
	VotesCast        int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CanPropose reports whether the member may open a governance proposal.
func (m Member) CanPropose() bool {
	return m.Authorized && m.VotingPower > 0 && (m.Role == RoleDoctor || m.Role == RoleAdmin)
}

// CanVote reports whether the member holds voting rights.
func (m Member) CanVote() bool {
	return m.Authorized && m.VotingPower > 0
}

type Notification struct {
	ID        string
	Scope     NotificationScope
	Audience  string
	Kind      string
	Title     string
	Body      string
	Data      map[string]any
	CreatedAt time.Time
	ReadAt    *time.Time
}

type User struct {
	ID           uint
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AuthSession struct {
	ID        uint
	UserID    uint
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type APIToken struct {
	ID        uint
	UserID    uint
	Name      string
	TokenHash string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

type AuditLog struct {
	ID          uint
	ActorUserID *uint
	Action      string
	TargetType  string
	TargetID    string
	Metadata    string
	CreatedAt   time.Time
}

type Identity struct {
	User        User
	Permissions map[string]struct{}
}

type Role struct {
	ID        uint
	Key       string
	Name      string
	CreatedAt time.Time
}

type AuditRecord struct {
	ID             uint
	ActorUserID    *uint
	ActorUserEmail string
	Action         string
	TargetType     string
	TargetID       string
	Metadata       string
	CreatedAt      time.Time
}

type RecipientFilter struct {
	OrganType  OrganType
	ActiveOnly bool
	Query      string
	Limit      int
}

type OrganFilter struct {
	OrganType OrganType
	Status    OrganStatus
	Limit     int
}

type ProposalFilter struct {
	Status ProposalStatus
	Type   ProposalType
	Limit  int
}
