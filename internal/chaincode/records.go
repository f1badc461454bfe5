package chaincode

import "time"

// Records are the JSON documents kept in ledger state. They are also the
// submit and query payloads exchanged with ledger hosts.

type OrganRecord struct {
	OrganID     string    `json:"organId"`
	OrganType   string    `json:"organType"`
	BloodType   string    `json:"bloodType"`
	DonorRef    string    `json:"donorRef,omitempty"`
	HarvestedAt time.Time `json:"harvestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Status      string    `json:"status"`
	AllocatedTo string    `json:"allocatedTo,omitempty"`
	MatchID     string    `json:"matchId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type AllocationRecord struct {
	OrganID     string    `json:"organId"`
	RecipientID string    `json:"recipientId"`
	MatchID     string    `json:"matchId"`
	Score       int       `json:"score"`
	AllocatedAt time.Time `json:"allocatedAt"`
}

type ReleaseRecord struct {
	OrganID    string    `json:"organId"`
	MatchID    string    `json:"matchId"`
	Reason     string    `json:"reason"`
	ReleasedAt time.Time `json:"releasedAt"`
}

type PatientRecord struct {
	RecipientID  string    `json:"recipientId"`
	OrganType    string    `json:"organType"`
	BloodType    string    `json:"bloodType"`
	UrgencyLevel int       `json:"urgencyLevel"`
	MedicalScore int       `json:"medicalScore"`
	RegisteredAt time.Time `json:"registeredAt"`
	Active       bool      `json:"active"`
	Matched      bool      `json:"matched"`
	RemovedBy    uint      `json:"removedByProposal,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type UrgencyRecord struct {
	RecipientID string    `json:"recipientId"`
	NewLevel    int       `json:"newLevel"`
	ProposalID  uint      `json:"proposalId,omitempty"`
	ChangedBy   string    `json:"changedBy"`
	Reason      string    `json:"reason,omitempty"`
	ChangedAt   time.Time `json:"changedAt"`
}

type RemovalRecord struct {
	RecipientID string    `json:"recipientId"`
	Reason      string    `json:"reason"`
	ProposalID  uint      `json:"proposalId"`
	RemovedAt   time.Time `json:"removedAt"`
}

type ProposalRecord struct {
	ProposalID         uint       `json:"proposalId"`
	Type               string     `json:"type"`
	Urgency            string     `json:"urgency"`
	TargetRecipientID  string     `json:"targetRecipientId,omitempty"`
	ParameterName      string     `json:"parameterName,omitempty"`
	ProposedValue      string     `json:"proposedValue,omitempty"`
	CreatedBy          string     `json:"createdBy"`
	CreatedAt          time.Time  `json:"createdAt"`
	VotingDeadline     time.Time  `json:"votingDeadline"`
	TotalVotingPower   int        `json:"totalVotingPower"`
	QuorumRequired     int        `json:"quorumRequired"`
	ApprovalThreshold  int        `json:"approvalThreshold"`
	Status             string     `json:"status"`
	VotesFor           int        `json:"votesFor"`
	VotesAgainst       int        `json:"votesAgainst"`
	VotesAbstain       int        `json:"votesAbstain"`
	VoteCount          int        `json:"voteCount"`
	EmergencyFinalized bool       `json:"emergencyFinalized,omitempty"`
	FinalizedAt        *time.Time `json:"finalizedAt,omitempty"`
	ExecutedAt         *time.Time `json:"executedAt,omitempty"`
	ExecutedBy         string     `json:"executedBy,omitempty"`
}

type VoteRecord struct {
	ProposalID uint      `json:"proposalId"`
	Voter      string    `json:"voter"`
	Choice     string    `json:"choice"`
	Power      int       `json:"power"`
	CastAt     time.Time `json:"castAt"`
}

type FinalizeRecord struct {
	ProposalID  uint      `json:"proposalId"`
	Status      string    `json:"status"`
	FinalizedBy string    `json:"finalizedBy"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

type ExecuteRecord struct {
	ProposalID uint      `json:"proposalId"`
	ExecutedBy string    `json:"executedBy"`
	ExecutedAt time.Time `json:"executedAt"`
}

type VoteTotals struct {
	ProposalID   uint   `json:"proposalId"`
	Status       string `json:"status"`
	VotesFor     int    `json:"votesFor"`
	VotesAgainst int    `json:"votesAgainst"`
	VotesAbstain int    `json:"votesAbstain"`
	VoteCount    int    `json:"voteCount"`
}

// Lookup is the payload of every get query.
type Lookup struct {
	OrganID     string `json:"organId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	ProposalID  uint   `json:"proposalId,omitempty"`
}
