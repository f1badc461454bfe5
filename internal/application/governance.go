package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type GovernanceConfig struct {
	// EmergencyPasswordHash is the bcrypt hash of the shared emergency
	// credential. Empty disables emergency finalization.
	EmergencyPasswordHash string
	// ExpiryGrace is how long an unfinalized proposal may sit past its
	// deadline before housekeeping marks it EXPIRED.
	ExpiryGrace time.Duration
}

func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{ExpiryGrace: 30 * 24 * time.Hour}
}

type CreateProposalInput struct {
	Type              string
	Urgency           string
	TargetRecipientID string
	ParameterName     string
	CurrentValue      string
	ProposedValue     string
	Justification     string
}

type FinalizeResult struct {
	Proposal          domain.Proposal
	Status            domain.ProposalStatus
	ParticipationRate float64
	ApprovalRate      float64
	Reason            string
}

type GovernanceService struct {
	repo     domain.Repository
	ledger   *Reconciler
	notifier domain.NotificationSink
	cfg      GovernanceConfig
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewGovernanceService(d Deps, ledger *Reconciler, cfg GovernanceConfig) *GovernanceService {
	d = d.normalized()
	if ledger == nil {
		ledger = NewReconciler(d, DefaultRetryPolicy())
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = DefaultGovernanceConfig().ExpiryGrace
	}
	return &GovernanceService{
		repo:     d.Repo,
		ledger:   ledger,
		notifier: d.Notifier,
		cfg:      cfg,
		logger:   d.Logger,
		metrics:  d.Metrics,
		now:      d.Now,
	}
}

func (s *GovernanceService) CreateProposal(ctx context.Context, creator string, in CreateProposalInput) (domain.Proposal, error) {
	member, err := s.member(ctx, creator)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !member.CanPropose() {
		return domain.Proposal{}, fmt.Errorf("%w: %s may not create proposals", domain.ErrForbidden, member.Identity)
	}

	p, err := s.buildProposal(ctx, in)
	if err != nil {
		return domain.Proposal{}, err
	}
	total, err := s.repo.TotalVotingPower(ctx)
	if err != nil {
		return domain.Proposal{}, err
	}
	if total <= 0 {
		return domain.Proposal{}, domain.Precondition("no authorized voting power is registered")
	}

	now := s.now()
	rules := domain.RulesFor(p.Urgency)
	p.CreatedBy = member.Identity
	p.CreatedAt = now
	p.VotingDeadline = now.Add(rules.Window)
	p.TotalVotingPower = total
	p.QuorumRequired = rules.QuorumRequired
	p.ApprovalThreshold = rules.ApprovalThreshold
	p.Status = domain.ProposalActive

	created, err := s.repo.CreateProposal(ctx, p, func(ctx context.Context, p domain.Proposal) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerGovernance, domain.FnCreateProposal, chaincode.ProposalRecord{
			ProposalID:        p.ID,
			Type:              string(p.Type),
			Urgency:           string(p.Urgency),
			TargetRecipientID: p.TargetRecipientID,
			ParameterName:     p.ParameterName,
			ProposedValue:     p.ProposedValue,
			CreatedBy:         p.CreatedBy,
			CreatedAt:         p.CreatedAt,
			VotingDeadline:    p.VotingDeadline,
			TotalVotingPower:  p.TotalVotingPower,
			QuorumRequired:    p.QuorumRequired,
			ApprovalThreshold: p.ApprovalThreshold,
		})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	s.metrics.proposals.WithLabelValues(string(domain.ProposalActive)).Inc()
	s.logger.Info("proposal created",
		"proposal_id", created.ID, "type", created.Type, "urgency", created.Urgency,
		"created_by", created.CreatedBy, "deadline", created.VotingDeadline, "ledger_tx_id", created.LedgerTxID)
	return created, nil
}

func (s *GovernanceService) buildProposal(ctx context.Context, in CreateProposalInput) (domain.Proposal, error) {
	typ, err := domain.ParseProposalType(in.Type)
	if err != nil {
		return domain.Proposal{}, err
	}
	urgency, err := domain.ParseProposalUrgency(in.Urgency)
	if err != nil {
		return domain.Proposal{}, err
	}
	justification := strings.TrimSpace(in.Justification)
	if len([]rune(justification)) < domain.MinJustificationLength {
		return domain.Proposal{}, domain.Invalid("justification must be at least %d characters", domain.MinJustificationLength)
	}

	p := domain.Proposal{
		Type:              typ,
		Urgency:           urgency,
		TargetRecipientID: strings.TrimSpace(in.TargetRecipientID),
		ParameterName:     strings.TrimSpace(in.ParameterName),
		CurrentValue:      strings.TrimSpace(in.CurrentValue),
		ProposedValue:     strings.TrimSpace(in.ProposedValue),
		Justification:     justification,
	}

	if typ.TargetsRecipient() {
		if p.TargetRecipientID == "" {
			return domain.Proposal{}, domain.Invalid("%s requires a target recipient", typ)
		}
		target, err := s.repo.GetRecipient(ctx, p.TargetRecipientID)
		if err != nil {
			return domain.Proposal{}, err
		}
		if !target.Active {
			return domain.Proposal{}, domain.Precondition("recipient %s is not active", target.RecipientID)
		}
		if typ == domain.ProposalUrgencyUpdate {
			level, err := domain.ParseUrgencyLevel(p.ProposedValue)
			if err != nil {
				return domain.Proposal{}, err
			}
			if level == target.UrgencyLevel {
				return domain.Proposal{}, domain.Invalid("recipient %s already has urgency level %d", target.RecipientID, level)
			}
			p.CurrentValue = strconv.Itoa(target.UrgencyLevel)
			p.ProposedValue = strconv.Itoa(level)
		}
	}
	if typ == domain.ProposalSystemParameter {
		if p.ParameterName == "" {
			return domain.Proposal{}, domain.Invalid("system parameter proposals require a parameter name")
		}
		if p.ProposedValue == "" {
			return domain.Proposal{}, domain.Invalid("system parameter proposals require a proposed value")
		}
	}
	return p, nil
}

// CastVote records voter's choice with their full voting power.
func (s *GovernanceService) CastVote(ctx context.Context, proposalID uint, voter, choice, justification string) (domain.Proposal, error) {
	c, err := domain.ParseVoteChoice(choice)
	if err != nil {
		return domain.Proposal{}, err
	}
	member, err := s.member(ctx, voter)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !member.CanVote() {
		return domain.Proposal{}, fmt.Errorf("%w: %s holds no voting rights", domain.ErrForbidden, member.Identity)
	}

	p, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	now := s.now()
	if p.Status != domain.ProposalActive {
		return domain.Proposal{}, fmt.Errorf("%w: proposal %d is %s", domain.ErrProposalNotActive, p.ID, p.Status)
	}
	if !now.Before(p.VotingDeadline) {
		return domain.Proposal{}, fmt.Errorf("%w: deadline was %s", domain.ErrVotingClosed, p.VotingDeadline.Format(time.RFC3339))
	}
	for _, v := range p.Votes {
		if v.Voter == member.Identity {
			return domain.Proposal{}, domain.ErrAlreadyVoted
		}
	}

	vote := domain.Vote{
		ProposalID:    p.ID,
		Voter:         member.Identity,
		Choice:        c,
		Power:         member.VotingPower,
		Justification: strings.TrimSpace(justification),
		CastAt:        now,
	}
	updated, err := s.repo.RecordVote(ctx, vote, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerGovernance, domain.FnCastVote, chaincode.VoteRecord{
			ProposalID: vote.ProposalID,
			Voter:      vote.Voter,
			Choice:     string(vote.Choice),
			Power:      vote.Power,
			CastAt:     vote.CastAt,
		})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	s.metrics.votes.WithLabelValues(string(c)).Inc()
	s.logger.Info("vote cast", "proposal_id", p.ID, "voter", vote.Voter, "choice", c, "power", vote.Power)

	if synced, err := s.ledger.SyncProposal(ctx, p.ID); err != nil {
		s.logger.Warn("proposal reconciliation failed", "proposal_id", p.ID, "error", err)
	} else {
		updated = synced
	}
	return updated, nil
}

// Finalize closes a proposal whose voting period has ended.
func (s *GovernanceService) Finalize(ctx context.Context, proposalID uint, actor string) (FinalizeResult, error) {
	p, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if p.Status != domain.ProposalActive {
		return FinalizeResult{}, fmt.Errorf("%w: proposal %d is %s", domain.ErrProposalNotActive, p.ID, p.Status)
	}
	now := s.now()
	if now.Before(p.VotingDeadline) {
		return FinalizeResult{}, fmt.Errorf("%w: voting closes at %s", domain.ErrVotingOpen, p.VotingDeadline.Format(time.RFC3339))
	}
	p = s.reconciled(ctx, p)

	tally := domain.StandardOutcome(p)
	finalized, err := s.finalize(ctx, p, tally, actor, now, false)
	if err != nil {
		return FinalizeResult{}, err
	}
	return FinalizeResult{
		Proposal:          finalized,
		Status:            tally.Status,
		ParticipationRate: tally.ParticipationRate,
		ApprovalRate:      tally.ApprovalRate,
		Reason:            tally.Reason,
	}, nil
}

// EmergencyFinalize closes an active proposal ahead of its deadline when the
// emergency credential matches and decisive votes reach the supermajority.
func (s *GovernanceService) EmergencyFinalize(ctx context.Context, proposalID uint, actor, password string) (FinalizeResult, error) {
	if s.cfg.EmergencyPasswordHash == "" {
		return FinalizeResult{}, fmt.Errorf("%w: emergency finalization is not configured", domain.ErrForbidden)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.EmergencyPasswordHash), []byte(password)); err != nil {
		s.logger.Warn("emergency finalization refused", "proposal_id", proposalID, "actor", actor)
		return FinalizeResult{}, fmt.Errorf("%w: invalid emergency credential", domain.ErrUnauthorized)
	}

	p, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if p.Status != domain.ProposalActive {
		return FinalizeResult{}, fmt.Errorf("%w: proposal %d is %s", domain.ErrProposalNotActive, p.ID, p.Status)
	}
	p = s.reconciled(ctx, p)

	tally, err := domain.EmergencyOutcome(p)
	if err != nil {
		return FinalizeResult{}, err
	}
	finalized, err := s.finalize(ctx, p, tally, actor, s.now(), true)
	if err != nil {
		return FinalizeResult{}, err
	}
	return FinalizeResult{
		Proposal:          finalized,
		Status:            tally.Status,
		ParticipationRate: tally.ParticipationRate,
		ApprovalRate:      tally.ApprovalRate,
		Reason:            tally.Reason,
	}, nil
}

func (s *GovernanceService) finalize(ctx context.Context, p domain.Proposal, tally domain.Tally, actor string, now time.Time, emergency bool) (domain.Proposal, error) {
	fn := domain.FnFinalizeProposal
	if emergency {
		fn = domain.FnEmergencyFinalizeProposal
	}
	outcome := domain.ProposalOutcome{Status: tally.Status, FinalizedBy: actor, FinalizedAt: now, Emergency: emergency}
	finalized, err := s.repo.FinalizeProposal(ctx, p.ID, outcome, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerGovernance, fn, chaincode.FinalizeRecord{
			ProposalID:  p.ID,
			Status:      string(tally.Status),
			FinalizedBy: actor,
			FinalizedAt: now,
		})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	s.metrics.proposals.WithLabelValues(string(tally.Status)).Inc()
	s.logger.Info("proposal finalized",
		"proposal_id", p.ID, "status", tally.Status, "emergency", emergency,
		"participation", tally.ParticipationRate, "approval", tally.ApprovalRate, "finalized_by", actor)

	deliver(ctx, s.notifier, domain.Notification{
		ID:        uuid.NewString(),
		Scope:     domain.ScopeUser,
		Audience:  p.CreatedBy,
		Kind:      "proposal.finalized",
		Title:     fmt.Sprintf("Proposal #%d %s", p.ID, strings.ToLower(string(tally.Status))),
		Body:      tally.Reason,
		Data:      map[string]any{"proposal_id": p.ID, "status": string(tally.Status), "emergency": emergency},
		CreatedAt: now,
	}, s.logger, s.metrics)
	return finalized, nil
}

// reconciled adopts ledger vote totals before a tally. The ledger recomputes
// the outcome from its own totals, so a lagging local count would be refused.
func (s *GovernanceService) reconciled(ctx context.Context, p domain.Proposal) domain.Proposal {
	synced, err := s.ledger.SyncProposal(ctx, p.ID)
	if err != nil {
		s.logger.Warn("proposal reconciliation failed, tallying local totals", "proposal_id", p.ID, "error", err)
		return p
	}
	return synced
}

// ExpireStale marks ACTIVE proposals abandoned past their deadline as EXPIRED.
func (s *GovernanceService) ExpireStale(ctx context.Context) ([]uint, error) {
	now := s.now()
	ids, err := s.repo.ExpireProposals(ctx, now.Add(-s.cfg.ExpiryGrace), now)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.metrics.proposals.WithLabelValues(string(domain.ProposalExpired)).Add(float64(len(ids)))
		s.logger.Info("stale proposals expired", "count", len(ids), "proposal_ids", ids)
	}
	return ids, nil
}

func (s *GovernanceService) GetProposal(ctx context.Context, id uint) (domain.Proposal, error) {
	return s.repo.GetProposal(ctx, id)
}

func (s *GovernanceService) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.Proposal, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 1000)
	return s.repo.ListProposals(ctx, filter)
}

func (s *GovernanceService) ListVotes(ctx context.Context, proposalID uint) ([]domain.Vote, error) {
	return s.repo.ListVotes(ctx, proposalID)
}

// SyncProposal forces a reconciliation with the ledger.
func (s *GovernanceService) SyncProposal(ctx context.Context, id uint) (domain.Proposal, error) {
	return s.ledger.SyncProposal(ctx, id)
}

func (s *GovernanceService) member(ctx context.Context, identity string) (domain.Member, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return domain.Member{}, domain.Invalid("member identity is required")
	}
	m, err := s.repo.GetMember(ctx, identity)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Member{}, fmt.Errorf("%w: %s is not a governance member", domain.ErrForbidden, identity)
	}
	return m, err
}
