package domain

import (
	"context"
	"strconv"
	"strings"
)

// ProposalAction is the typed payload of a proposal. Each variant dispatches
// to its own ActionExecutor method, so adding a variant fails to compile until
// every executor handles it.
type ProposalAction interface {
	Type() ProposalType
	Accept(ctx context.Context, x ActionExecutor) (string, error)
}

// ActionExecutor performs the effect of an approved proposal and returns the
// ledger transaction id of that effect.
type ActionExecutor interface {
	ExecuteUrgencyUpdate(ctx context.Context, a UrgencyUpdate) (string, error)
	ExecuteRecipientRemoval(ctx context.Context, a RecipientRemoval) (string, error)
	ExecuteSystemParameter(ctx context.Context, a SystemParameter) (string, error)
	ExecuteEmergencyOverride(ctx context.Context, a EmergencyOverride) (string, error)
}

type UrgencyUpdate struct {
	ProposalID  uint
	RecipientID string
	NewLevel    int
	Reason      string
}

func (UrgencyUpdate) Type() ProposalType { return ProposalUrgencyUpdate }

func (a UrgencyUpdate) Accept(ctx context.Context, x ActionExecutor) (string, error) {
	return x.ExecuteUrgencyUpdate(ctx, a)
}

type RecipientRemoval struct {
	ProposalID  uint
	RecipientID string
	Reason      string
}

func (RecipientRemoval) Type() ProposalType { return ProposalRecipientRemoval }

func (a RecipientRemoval) Accept(ctx context.Context, x ActionExecutor) (string, error) {
	return x.ExecuteRecipientRemoval(ctx, a)
}

type SystemParameter struct {
	ProposalID uint
	Name       string
	Current    string
	Proposed   string
}

func (SystemParameter) Type() ProposalType { return ProposalSystemParameter }

func (a SystemParameter) Accept(ctx context.Context, x ActionExecutor) (string, error) {
	return x.ExecuteSystemParameter(ctx, a)
}

type EmergencyOverride struct {
	ProposalID  uint
	RecipientID string
	Directive   string
}

func (EmergencyOverride) Type() ProposalType { return ProposalEmergencyOverride }

func (a EmergencyOverride) Accept(ctx context.Context, x ActionExecutor) (string, error) {
	return x.ExecuteEmergencyOverride(ctx, a)
}

// ActionOf decodes the typed action carried by p.
func ActionOf(p Proposal) (ProposalAction, error) {
	switch p.Type {
	case ProposalUrgencyUpdate:
		if strings.TrimSpace(p.TargetRecipientID) == "" {
			return nil, Invalid("urgency update requires a target recipient")
		}
		level, err := ParseUrgencyLevel(p.ProposedValue)
		if err != nil {
			return nil, err
		}
		return UrgencyUpdate{ProposalID: p.ID, RecipientID: p.TargetRecipientID, NewLevel: level, Reason: p.Justification}, nil
	case ProposalRecipientRemoval:
		if strings.TrimSpace(p.TargetRecipientID) == "" {
			return nil, Invalid("recipient removal requires a target recipient")
		}
		return RecipientRemoval{ProposalID: p.ID, RecipientID: p.TargetRecipientID, Reason: p.Justification}, nil
	case ProposalSystemParameter:
		return SystemParameter{ProposalID: p.ID, Name: p.ParameterName, Current: p.CurrentValue, Proposed: p.ProposedValue}, nil
	case ProposalEmergencyOverride:
		return EmergencyOverride{ProposalID: p.ID, RecipientID: p.TargetRecipientID, Directive: p.ProposedValue}, nil
	}
	return nil, Invalid("unknown proposal type %q", p.Type)
}

func ParseUrgencyLevel(raw string) (int, error) {
	level, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, Invalid("urgency level must be a number, got %q", raw)
	}
	if level < MinUrgencyLevel || level > MaxUrgencyLevel {
		return 0, Invalid("urgency level must be between %d and %d, got %d", MinUrgencyLevel, MaxUrgencyLevel, level)
	}
	return level, nil
}

func ParseProposalType(raw string) (ProposalType, error) {
	t := ProposalType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case ProposalUrgencyUpdate, ProposalRecipientRemoval, ProposalSystemParameter, ProposalEmergencyOverride:
		return t, nil
	}
	return "", Invalid("unknown proposal type %q", raw)
}

func ParseProposalUrgency(raw string) (ProposalUrgency, error) {
	u := ProposalUrgency(strings.ToUpper(strings.TrimSpace(raw)))
	switch u {
	case UrgencyEmergency, UrgencyStandard:
		return u, nil
	case "":
		return UrgencyStandard, nil
	}
	return "", Invalid("unknown proposal urgency %q", raw)
}

func ParseVoteChoice(raw string) (VoteChoice, error) {
	c := VoteChoice(strings.ToUpper(strings.TrimSpace(raw)))
	switch c {
	case VoteFor, VoteAgainst, VoteAbstain:
		return c, nil
	}
	return "", Invalid("vote choice must be FOR, AGAINST or ABSTAIN, got %q", raw)
}
