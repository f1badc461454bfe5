package gormdb

import (
	"time"

	"gorm.io/datatypes"
)

type RecipientModel struct {
	ID                uint   `gorm:"primaryKey"`
	RecipientID       string `gorm:"not null;uniqueIndex"`
	FullName          string `gorm:"not null;default:''"`
	OrganType         string `gorm:"not null;index:idx_recipients_waiting"`
	BloodType         string `gorm:"not null"`
	UrgencyLevel      int    `gorm:"not null"`
	MedicalScore      int    `gorm:"not null;default:0"`
	RegisteredAt      time.Time
	Active            bool `gorm:"not null;default:true;index:idx_recipients_waiting"`
	Matched           bool `gorm:"not null;default:false;index:idx_recipients_waiting"`
	MatchedOrganID    *string
	RemovalReason     string `gorm:"not null;default:''"`
	RemovedAt         *time.Time
	RemovedByProposal *uint
	LedgerTxID        string `gorm:"column:ledger_tx_id;not null;default:''"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (RecipientModel) TableName() string { return "recipients" }

type UrgencyChangeModel struct {
	ID          uint   `gorm:"primaryKey"`
	RecipientID string `gorm:"not null;index"`
	OldLevel    int    `gorm:"not null"`
	NewLevel    int    `gorm:"not null"`
	ChangedBy   string `gorm:"not null"`
	Reason      string `gorm:"not null;default:''"`
	ProposalID  *uint
	LedgerTxID  string `gorm:"column:ledger_tx_id;not null;default:''"`
	ChangedAt   time.Time
}

func (UrgencyChangeModel) TableName() string { return "urgency_changes" }

type OrganModel struct {
	ID              uint   `gorm:"primaryKey"`
	OrganID         string `gorm:"not null;uniqueIndex"`
	OrganType       string `gorm:"not null"`
	BloodType       string `gorm:"not null"`
	DonorRef        string `gorm:"not null;default:''"`
	HarvestedAt     time.Time
	ViabilityHours  int `gorm:"not null"`
	ExpiresAt       time.Time
	Status          string `gorm:"not null;default:'AVAILABLE';index:idx_organs_status"`
	AllocatedTo     *string
	RejectionReason string `gorm:"not null;default:''"`
	LedgerTxID      string `gorm:"column:ledger_tx_id;not null;default:''"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (OrganModel) TableName() string { return "organs" }

type MemberModel struct {
	ID               uint   `gorm:"primaryKey"`
	Identity         string `gorm:"not null;uniqueIndex"`
	UserID           *uint
	Role             string `gorm:"not null"`
	VotingPower      int    `gorm:"not null"`
	Authorized       bool   `gorm:"not null;default:false"`
	ProposalsCreated int    `gorm:"not null;default:0"`
	VotesCast        int    `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (MemberModel) TableName() string { return "members" }

type MatchModel struct {
	ID           string `gorm:"primaryKey"`
	OrganID      string `gorm:"not null;index"`
	RecipientID  string `gorm:"not null;index"`
	UrgencyScore int    `gorm:"not null"`
	MedicalScore int    `gorm:"not null"`
	WaitBonus    int    `gorm:"not null"`
	TotalScore   int    `gorm:"not null"`
	Compatible   bool   `gorm:"not null"`
	Status       string `gorm:"not null;index"`
	LedgerTxID   string `gorm:"column:ledger_tx_id;not null;default:''"`
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

func (MatchModel) TableName() string { return "matches" }

type AppointmentModel struct {
	ID          string `gorm:"primaryKey"`
	MatchID     string `gorm:"not null;uniqueIndex"`
	OrganID     string `gorm:"not null"`
	RecipientID string `gorm:"not null;index"`
	ScheduledAt time.Time
	Status      string `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (AppointmentModel) TableName() string { return "appointments" }

type ProposalModel struct {
	ID                 uint   `gorm:"primaryKey"`
	LedgerTxID         string `gorm:"column:ledger_tx_id;not null;default:''"`
	Type               string `gorm:"not null"`
	Urgency            string `gorm:"not null"`
	TargetRecipientID  string `gorm:"not null;default:''"`
	ParameterName      string `gorm:"not null;default:''"`
	CurrentValue       string `gorm:"not null;default:''"`
	ProposedValue      string `gorm:"not null;default:''"`
	Justification      string `gorm:"not null"`
	CreatedBy          string `gorm:"not null"`
	CreatedAt          time.Time
	VotingDeadline     time.Time
	VotesFor           int    `gorm:"not null;default:0"`
	VotesAgainst       int    `gorm:"not null;default:0"`
	VotesAbstain       int    `gorm:"not null;default:0"`
	TotalVotingPower   int    `gorm:"not null"`
	QuorumRequired     int    `gorm:"not null"`
	ApprovalThreshold  int    `gorm:"not null"`
	Status             string `gorm:"not null;default:'ACTIVE';index:idx_proposals_status"`
	FinalizedAt        *time.Time
	FinalizedBy        string `gorm:"not null;default:''"`
	EmergencyFinalized bool   `gorm:"not null;default:false"`
	ExecutedAt         *time.Time
	ExecutedBy         string `gorm:"not null;default:''"`
	ExecutionTxID      string `gorm:"column:execution_tx_id;not null;default:''"`
	ActionTxID         string `gorm:"column:action_tx_id;not null;default:''"`
	ExecutionError     string `gorm:"not null;default:''"`
	ExecutionClaimedAt *time.Time
	UpdatedAt          time.Time
}

func (ProposalModel) TableName() string { return "proposals" }

type VoteModel struct {
	ID            uint   `gorm:"primaryKey"`
	ProposalID    uint   `gorm:"not null;index:idx_votes_proposal_voter,unique"`
	Voter         string `gorm:"not null;index:idx_votes_proposal_voter,unique"`
	Choice        string `gorm:"not null"`
	Power         int    `gorm:"not null"`
	Justification string `gorm:"not null;default:''"`
	LedgerTxID    string `gorm:"column:ledger_tx_id;not null;default:''"`
	CastAt        time.Time
}

func (VoteModel) TableName() string { return "votes" }

type NotificationModel struct {
	ID        string `gorm:"primaryKey"`
	Scope     string `gorm:"not null;index:idx_notifications_audience"`
	Audience  string `gorm:"not null;index:idx_notifications_audience"`
	Kind      string `gorm:"not null"`
	Title     string `gorm:"not null"`
	Body      string `gorm:"not null;default:''"`
	Data      datatypes.JSON
	CreatedAt time.Time
	ReadAt    *time.Time
}

func (NotificationModel) TableName() string { return "notifications" }

type UserModel struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"not null;uniqueIndex"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type SessionModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	TokenHash string `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (SessionModel) TableName() string { return "sessions" }

type APITokenModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	TokenHash string `gorm:"not null;uniqueIndex"`
	ExpiresAt *time.Time
	CreatedAt time.Time
}

func (APITokenModel) TableName() string { return "api_tokens" }

type RoleModel struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"not null;uniqueIndex"`
	Name      string `gorm:"not null"`
	CreatedAt time.Time
}

func (RoleModel) TableName() string { return "roles" }

type PermissionModel struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
}

func (PermissionModel) TableName() string { return "permissions" }

type UserRoleModel struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint `gorm:"not null;index:idx_user_role,unique"`
	RoleID    uint `gorm:"not null;index:idx_user_role,unique"`
	CreatedAt time.Time
}

func (UserRoleModel) TableName() string { return "user_roles" }

type RolePermissionModel struct {
	ID           uint `gorm:"primaryKey"`
	RoleID       uint `gorm:"not null;index:idx_role_perm,unique"`
	PermissionID uint `gorm:"not null;index:idx_role_perm,unique"`
	CreatedAt    time.Time
}

func (RolePermissionModel) TableName() string { return "role_permissions" }

type AuditLogModel struct {
	ID          uint `gorm:"primaryKey"`
	ActorUserID *uint
	Action      string `gorm:"not null;index"`
	TargetType  string `gorm:"not null;index"`
	TargetID    string `gorm:"not null;default:''"`
	Metadata    string
	CreatedAt   time.Time
}

func (AuditLogModel) TableName() string { return "audit_logs" }
