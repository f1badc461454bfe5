package domain

import (
	"fmt"
	"time"
)

const (
	EmergencySupermajority = 75
	MinJustificationLength = 20
	MinVotingPower         = 1
	MaxVotingPower         = 10
	MinUrgencyLevel        = 1
	MaxUrgencyLevel        = 5
)

type VotingRules struct {
	Window            time.Duration
	QuorumRequired    int
	ApprovalThreshold int
}

func RulesFor(urgency ProposalUrgency) VotingRules {
	if urgency == UrgencyEmergency {
		return VotingRules{Window: 2 * 24 * time.Hour, QuorumRequired: 30, ApprovalThreshold: 66}
	}
	return VotingRules{Window: 7 * 24 * time.Hour, QuorumRequired: 20, ApprovalThreshold: 60}
}

type Tally struct {
	Status            ProposalStatus
	ParticipationRate float64
	ApprovalRate      float64
	Reason            string
}

// StandardOutcome applies the quorum and approval threshold of p. Approval is
// measured over all participating power, abstentions included.
func StandardOutcome(p Proposal) Tally {
	cast := p.VotesCast()
	t := Tally{}
	if p.TotalVotingPower > 0 {
		t.ParticipationRate = float64(cast) / float64(p.TotalVotingPower) * 100
	}
	if t.ParticipationRate < float64(p.QuorumRequired) || cast == 0 {
		t.Status = ProposalRejected
		t.Reason = fmt.Sprintf("quorum not reached: required %d%%, have %.1f%%", p.QuorumRequired, t.ParticipationRate)
		return t
	}
	t.ApprovalRate = float64(p.VotesFor) / float64(cast) * 100
	if t.ApprovalRate >= float64(p.ApprovalThreshold) {
		t.Status = ProposalApproved
		t.Reason = fmt.Sprintf("approved with %.1f%% (threshold %d%%)", t.ApprovalRate, p.ApprovalThreshold)
		return t
	}
	t.Status = ProposalRejected
	t.Reason = fmt.Sprintf("approval below threshold: required %d%%, have %.1f%%", p.ApprovalThreshold, t.ApprovalRate)
	return t
}

// EmergencyOutcome applies the supermajority rule used when finalizing ahead
// of the deadline. Abstentions are excluded from the denominator.
func EmergencyOutcome(p Proposal) (Tally, error) {
	decisive := p.VotesFor + p.VotesAgainst
	if decisive == 0 {
		return Tally{}, ErrNoDecisiveVotes
	}
	t := Tally{ApprovalRate: float64(p.VotesFor) / float64(decisive) * 100}
	if p.TotalVotingPower > 0 {
		t.ParticipationRate = float64(p.VotesCast()) / float64(p.TotalVotingPower) * 100
	}
	if t.ApprovalRate < EmergencySupermajority {
		return Tally{}, fmt.Errorf("%w: required %d%%, have %.1f%%", ErrInsufficientSupermajority, EmergencySupermajority, t.ApprovalRate)
	}
	if p.VotesFor > p.VotesAgainst {
		t.Status = ProposalApproved
	} else {
		t.Status = ProposalRejected
	}
	t.Reason = fmt.Sprintf("emergency finalization with %.1f%% support", t.ApprovalRate)
	return t, nil
}
