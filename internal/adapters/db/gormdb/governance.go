package gormdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func (r *Repository) CreateProposal(ctx context.Context, p domain.Proposal, confirm func(ctx context.Context, p domain.Proposal) (string, error)) (domain.Proposal, error) {
	m := ProposalModel{
		Type:              string(p.Type),
		Urgency:           string(p.Urgency),
		TargetRecipientID: p.TargetRecipientID,
		ParameterName:     p.ParameterName,
		CurrentValue:      p.CurrentValue,
		ProposedValue:     p.ProposedValue,
		Justification:     strings.TrimSpace(p.Justification),
		CreatedBy:         p.CreatedBy,
		CreatedAt:         p.CreatedAt.UTC(),
		VotingDeadline:    p.VotingDeadline.UTC(),
		TotalVotingPower:  p.TotalVotingPower,
		QuorumRequired:    p.QuorumRequired,
		ApprovalThreshold: p.ApprovalThreshold,
		Status:            string(domain.ProposalActive),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		if err := tx.Model(&MemberModel{}).
			Where("identity = ?", p.CreatedBy).
			Update("proposals_created", gorm.Expr("proposals_created + 1")).Error; err != nil {
			return err
		}
		if confirm == nil {
			return nil
		}
		txID, err := confirm(ctx, toProposal(m))
		if err != nil {
			return err
		}
		m.LedgerTxID = txID
		return tx.Model(&ProposalModel{}).Where("id = ?", m.ID).Update("ledger_tx_id", txID).Error
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	return toProposal(m), nil
}

func (r *Repository) GetProposal(ctx context.Context, id uint) (domain.Proposal, error) {
	return r.getProposal(r.db.WithContext(ctx), id)
}

func (r *Repository) getProposal(db *gorm.DB, id uint) (domain.Proposal, error) {
	var m ProposalModel
	if err := db.First(&m, id).Error; err != nil {
		return domain.Proposal{}, notFound(err, "proposal", id)
	}
	votes, err := listVotes(db, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	p := toProposal(m)
	p.Votes = votes
	return p, nil
}

func (r *Repository) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.Proposal, error) {
	q := r.db.WithContext(ctx).Model(&ProposalModel{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	rows := make([]ProposalModel, 0)
	if err := q.Order("id DESC").Limit(limitOr(filter.Limit, 100)).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Proposal, 0, len(rows))
	for _, m := range rows {
		result = append(result, toProposal(m))
	}
	return result, nil
}

func (r *Repository) ListVotes(ctx context.Context, proposalID uint) ([]domain.Vote, error) {
	return listVotes(r.db.WithContext(ctx), proposalID)
}

func listVotes(db *gorm.DB, proposalID uint) ([]domain.Vote, error) {
	rows := make([]VoteModel, 0)
	if err := db.Where("proposal_id = ?", proposalID).Order("cast_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Vote, 0, len(rows))
	for _, m := range rows {
		result = append(result, toVote(m))
	}
	return result, nil
}

var voteColumns = map[domain.VoteChoice]string{
	domain.VoteFor:     "votes_for",
	domain.VoteAgainst: "votes_against",
	domain.VoteAbstain: "votes_abstain",
}

func (r *Repository) RecordVote(ctx context.Context, v domain.Vote, confirm domain.LedgerConfirm) (domain.Proposal, error) {
	column, ok := voteColumns[v.Choice]
	if !ok {
		return domain.Proposal{}, domain.Invalid("unknown vote choice %q", v.Choice)
	}
	castAt := v.CastAt.UTC()
	vm := VoteModel{
		ProposalID:    v.ProposalID,
		Voter:         v.Voter,
		Choice:        string(v.Choice),
		Power:         v.Power,
		Justification: strings.TrimSpace(v.Justification),
		CastAt:        castAt,
	}

	var result domain.Proposal
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&VoteModel{}).Where("proposal_id = ? AND voter = ?", v.ProposalID, v.Voter).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return domain.ErrAlreadyVoted
		}

		res := tx.Model(&ProposalModel{}).
			Where("id = ? AND status = ? AND voting_deadline > ?", v.ProposalID, string(domain.ProposalActive), castAt).
			Where("votes_for + votes_against + votes_abstain + ? <= total_voting_power", v.Power).
			Updates(map[string]any{column: gorm.Expr(column+" + ?", v.Power), "updated_at": castAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return voteRefusal(tx, v.ProposalID, castAt)
		}

		if err := tx.Create(&vm).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrAlreadyVoted
			}
			return err
		}
		return tx.Model(&MemberModel{}).
			Where("identity = ?", v.Voter).
			Update("votes_cast", gorm.Expr("votes_cast + 1")).Error
	}, confirm, func(tx *gorm.DB, txID string) error {
		if err := tx.Model(&VoteModel{}).Where("id = ?", vm.ID).Update("ledger_tx_id", txID).Error; err != nil {
			return err
		}
		var err error
		result, err = r.getProposal(tx, v.ProposalID)
		return err
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	if confirm == nil {
		return r.GetProposal(ctx, v.ProposalID)
	}
	return result, nil
}

// voteRefusal explains why the guarded vote update matched no row.
func voteRefusal(tx *gorm.DB, id uint, at time.Time) error {
	var m ProposalModel
	if err := tx.First(&m, id).Error; err != nil {
		return notFound(err, "proposal", id)
	}
	switch {
	case m.Status != string(domain.ProposalActive):
		return fmt.Errorf("%w: proposal %d is %s", domain.ErrProposalNotActive, id, m.Status)
	case !at.Before(m.VotingDeadline):
		return fmt.Errorf("%w: deadline was %s", domain.ErrVotingClosed, m.VotingDeadline.Format(time.RFC3339))
	default:
		return domain.ErrVotingPowerExceeded
	}
}

func (r *Repository) FinalizeProposal(ctx context.Context, id uint, outcome domain.ProposalOutcome, confirm domain.LedgerConfirm) (domain.Proposal, error) {
	at := outcome.FinalizedAt.UTC()
	var result domain.Proposal
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&ProposalModel{}).
			Where("id = ? AND status = ?", id, string(domain.ProposalActive)).
			Updates(map[string]any{
				"status":              string(outcome.Status),
				"finalized_at":        at,
				"finalized_by":        outcome.FinalizedBy,
				"emergency_finalized": outcome.Emergency,
				"updated_at":          at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			p, err := r.getProposal(tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: proposal %d is %s", domain.ErrProposalNotActive, id, p.Status)
		}
		return nil
	}, confirm, func(tx *gorm.DB, _ string) error {
		var err error
		result, err = r.getProposal(tx, id)
		return err
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	if confirm == nil {
		return r.GetProposal(ctx, id)
	}
	return result, nil
}

func (r *Repository) ExpireProposals(ctx context.Context, deadlineBefore, now time.Time) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ProposalModel{}).
			Where("status = ? AND voting_deadline < ?", string(domain.ProposalActive), deadlineBefore.UTC()).
			Order("id ASC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&ProposalModel{}).
			Where("id IN ? AND status = ?", ids, string(domain.ProposalActive)).
			Updates(map[string]any{"status": string(domain.ProposalExpired), "updated_at": now.UTC()}).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimExecution takes the per-proposal execution lease. A claim older than
// lease is considered abandoned and can be taken over.
func (r *Repository) ClaimExecution(ctx context.Context, id uint, now time.Time, lease time.Duration) (domain.Proposal, error) {
	now = now.UTC()
	res := r.db.WithContext(ctx).Model(&ProposalModel{}).
		Where("id = ? AND status = ?", id, string(domain.ProposalApproved)).
		Where("execution_claimed_at IS NULL OR execution_claimed_at < ?", now.Add(-lease)).
		Updates(map[string]any{"execution_claimed_at": now, "updated_at": now})
	if res.Error != nil {
		return domain.Proposal{}, res.Error
	}
	p, err := r.GetProposal(ctx, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if res.RowsAffected == 1 {
		return p, nil
	}
	switch p.Status {
	case domain.ProposalExecuted:
		return domain.Proposal{}, domain.ErrAlreadyExecuted
	case domain.ProposalApproved:
		return domain.Proposal{}, domain.ErrExecutionInProgress
	default:
		return domain.Proposal{}, fmt.Errorf("%w: proposal %d is %s", domain.ErrNotApproved, id, p.Status)
	}
}

func (r *Repository) ReleaseExecution(ctx context.Context, id uint, execErr string) error {
	return r.db.WithContext(ctx).Model(&ProposalModel{}).
		Where("id = ? AND status = ?", id, string(domain.ProposalApproved)).
		Updates(map[string]any{"execution_claimed_at": nil, "execution_error": execErr}).Error
}

func (r *Repository) MarkExecuted(ctx context.Context, id uint, by string, at time.Time, confirm domain.LedgerConfirm) (domain.Proposal, error) {
	at = at.UTC()
	var result domain.Proposal
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&ProposalModel{}).
			Where("id = ? AND status = ?", id, string(domain.ProposalApproved)).
			Updates(map[string]any{
				"status":               string(domain.ProposalExecuted),
				"executed_at":          at,
				"executed_by":          by,
				"execution_error":      "",
				"execution_claimed_at": nil,
				"updated_at":           at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			p, err := r.getProposal(tx, id)
			if err != nil {
				return err
			}
			if p.Status == domain.ProposalExecuted {
				return domain.ErrAlreadyExecuted
			}
			return fmt.Errorf("%w: proposal %d is %s", domain.ErrNotApproved, id, p.Status)
		}
		return nil
	}, confirm, func(tx *gorm.DB, txID string) error {
		if err := tx.Model(&ProposalModel{}).Where("id = ?", id).Update("execution_tx_id", txID).Error; err != nil {
			return err
		}
		var err error
		result, err = r.getProposal(tx, id)
		return err
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	if confirm == nil {
		return r.GetProposal(ctx, id)
	}
	return result, nil
}

func (r *Repository) UpdateVoteTotals(ctx context.Context, id uint, votesFor, votesAgainst, votesAbstain int) error {
	res := r.db.WithContext(ctx).Model(&ProposalModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"votes_for": votesFor, "votes_against": votesAgainst, "votes_abstain": votesAbstain})
	if res.Error != nil {
		if isCheckViolation(res.Error) {
			return domain.ErrVotingPowerExceeded
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFound("proposal", fmt.Sprint(id))
	}
	return nil
}

func toProposal(m ProposalModel) domain.Proposal {
	return domain.Proposal{
		ID:                 m.ID,
		LedgerTxID:         m.LedgerTxID,
		Type:               domain.ProposalType(m.Type),
		Urgency:            domain.ProposalUrgency(m.Urgency),
		TargetRecipientID:  m.TargetRecipientID,
		ParameterName:      m.ParameterName,
		CurrentValue:       m.CurrentValue,
		ProposedValue:      m.ProposedValue,
		Justification:      m.Justification,
		CreatedBy:          m.CreatedBy,
		CreatedAt:          m.CreatedAt,
		VotingDeadline:     m.VotingDeadline,
		VotesFor:           m.VotesFor,
		VotesAgainst:       m.VotesAgainst,
		VotesAbstain:       m.VotesAbstain,
		TotalVotingPower:   m.TotalVotingPower,
		QuorumRequired:     m.QuorumRequired,
		ApprovalThreshold:  m.ApprovalThreshold,
		Status:             domain.ProposalStatus(m.Status),
		FinalizedAt:        m.FinalizedAt,
		FinalizedBy:        m.FinalizedBy,
		EmergencyFinalized: m.EmergencyFinalized,
		ExecutedAt:         m.ExecutedAt,
		ExecutedBy:         m.ExecutedBy,
		ExecutionTxID:      m.ExecutionTxID,
		ActionTxID:         m.ActionTxID,
		ExecutionError:     m.ExecutionError,
		ExecutionClaimedAt: m.ExecutionClaimedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func toVote(m VoteModel) domain.Vote {
	return domain.Vote{
		ID:            m.ID,
		ProposalID:    m.ProposalID,
		Voter:         m.Voter,
		Choice:        domain.VoteChoice(m.Choice),
		Power:         m.Power,
		Justification: m.Justification,
		LedgerTxID:    m.LedgerTxID,
		CastAt:        m.CastAt,
	}
}
