package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type ExecutionConfig struct {
	// Lease bounds how long a claimed execution blocks other executors.
	// A claim older than this is considered abandoned.
	Lease time.Duration
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{Lease: 5 * time.Minute}
}

type ExecutionResult struct {
	Proposal      domain.Proposal
	ActionTxID    string
	ExecutionTxID string
	// ActionSkipped is set when an earlier attempt already applied the
	// proposal's effect and only the status transition remained.
	ActionSkipped bool
}

// ExecutionService applies approved proposals to the registry.
type ExecutionService struct {
	repo     domain.Repository
	ledger   *Reconciler
	notifier domain.NotificationSink
	cfg      ExecutionConfig
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewExecutionService(d Deps, ledger *Reconciler, cfg ExecutionConfig) *ExecutionService {
	d = d.normalized()
	if ledger == nil {
		ledger = NewReconciler(d, DefaultRetryPolicy())
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultExecutionConfig().Lease
	}
	return &ExecutionService{
		repo:     d.Repo,
		ledger:   ledger,
		notifier: d.Notifier,
		cfg:      cfg,
		logger:   d.Logger,
		metrics:  d.Metrics,
		now:      d.Now,
	}
}

// Execute performs the effect of an approved proposal and marks it EXECUTED.
// On failure the proposal stays APPROVED with the error recorded, so the
// call can be repeated.
func (s *ExecutionService) Execute(ctx context.Context, proposalID uint, executor string) (ExecutionResult, error) {
	p, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return ExecutionResult{}, err
	}
	switch {
	case p.Status == domain.ProposalExecuted || p.ExecutedAt != nil:
		return ExecutionResult{}, domain.ErrAlreadyExecuted
	case p.Status != domain.ProposalApproved:
		return ExecutionResult{}, fmt.Errorf("%w: proposal %d is %s", domain.ErrNotApproved, p.ID, p.Status)
	}

	claimed, err := s.repo.ClaimExecution(ctx, proposalID, s.now(), s.cfg.Lease)
	if err != nil {
		return ExecutionResult{}, err
	}

	result, err := s.execute(ctx, claimed, executor)
	if err != nil {
		s.metrics.executions.WithLabelValues("failed").Inc()
		s.logger.Error("proposal execution failed", "proposal_id", proposalID, "type", claimed.Type, "error", err)
		// The caller's context may be what failed; the release must still land.
		if relErr := s.repo.ReleaseExecution(context.WithoutCancel(ctx), proposalID, err.Error()); relErr != nil {
			s.logger.Error("release execution claim", "proposal_id", proposalID, "error", relErr)
		}
		return ExecutionResult{}, err
	}

	s.metrics.executions.WithLabelValues("executed").Inc()
	s.metrics.proposals.WithLabelValues(string(domain.ProposalExecuted)).Inc()
	s.logger.Info("proposal executed",
		"proposal_id", proposalID, "type", claimed.Type, "executed_by", executor,
		"action_tx_id", result.ActionTxID, "execution_tx_id", result.ExecutionTxID, "action_skipped", result.ActionSkipped)

	s.ledger.syncAfterWrite(ctx, proposalID)
	s.notifyExecuted(ctx, result.Proposal)
	return result, nil
}

func (s *ExecutionService) execute(ctx context.Context, p domain.Proposal, executor string) (ExecutionResult, error) {
	result := ExecutionResult{ActionTxID: p.ActionTxID}
	if p.ActionTxID != "" {
		result.ActionSkipped = true
	} else {
		action, err := domain.ActionOf(p)
		if err != nil {
			return ExecutionResult{}, err
		}
		txID, err := action.Accept(ctx, &actionExecutor{s: s, executor: executor})
		if err != nil {
			return ExecutionResult{}, err
		}
		result.ActionTxID = txID
	}

	at := s.now()
	executed, err := s.repo.MarkExecuted(ctx, p.ID, executor, at, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerGovernance, domain.FnExecuteProposal, chaincode.ExecuteRecord{
			ProposalID: p.ID,
			ExecutedBy: executor,
			ExecutedAt: at,
		})
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	result.Proposal = executed
	result.ExecutionTxID = executed.ExecutionTxID
	return result, nil
}

// actionExecutor applies each proposal variant: ledger first, then the local
// record in the same store transaction.
type actionExecutor struct {
	s        *ExecutionService
	executor string
}

func (x *actionExecutor) ExecuteUrgencyUpdate(ctx context.Context, a domain.UrgencyUpdate) (string, error) {
	proposalID := a.ProposalID
	change := domain.UrgencyChange{
		RecipientID: a.RecipientID,
		NewLevel:    a.NewLevel,
		ChangedBy:   x.executor,
		Reason:      a.Reason,
		ProposalID:  &proposalID,
		ChangedAt:   x.s.now(),
	}
	var txID string
	_, err := x.s.repo.ApplyUrgencyChange(ctx, change, nil, func(ctx context.Context) (string, error) {
		id, err := x.s.ledger.Submit(ctx, domain.LedgerPatient, domain.FnUpdateUrgency, chaincode.UrgencyRecord{
			RecipientID: change.RecipientID,
			NewLevel:    change.NewLevel,
			ProposalID:  proposalID,
			ChangedBy:   change.ChangedBy,
			Reason:      change.Reason,
			ChangedAt:   change.ChangedAt,
		})
		txID = id
		return id, err
	})
	return txID, err
}

func (x *actionExecutor) ExecuteRecipientRemoval(ctx context.Context, a domain.RecipientRemoval) (string, error) {
	at := x.s.now()
	var txID string
	_, err := x.s.repo.DeactivateRecipient(ctx, a, at, func(ctx context.Context) (string, error) {
		id, err := x.s.ledger.Submit(ctx, domain.LedgerPatient, domain.FnRemovePatient, chaincode.RemovalRecord{
			RecipientID: a.RecipientID,
			Reason:      a.Reason,
			ProposalID:  a.ProposalID,
			RemovedAt:   at,
		})
		txID = id
		return id, err
	})
	return txID, err
}

func (x *actionExecutor) ExecuteSystemParameter(context.Context, domain.SystemParameter) (string, error) {
	return "", fmt.Errorf("%w: %s execution is not implemented", domain.ErrNotImplemented, domain.ProposalSystemParameter)
}

func (x *actionExecutor) ExecuteEmergencyOverride(context.Context, domain.EmergencyOverride) (string, error) {
	return "", fmt.Errorf("%w: %s execution is not implemented", domain.ErrNotImplemented, domain.ProposalEmergencyOverride)
}

func (s *ExecutionService) notifyExecuted(ctx context.Context, p domain.Proposal) {
	now := s.now()
	title := fmt.Sprintf("Proposal #%d executed", p.ID)
	body := fmt.Sprintf("%s proposal by %s was executed by %s.", p.Type, p.CreatedBy, p.ExecutedBy)
	data := map[string]any{
		"proposal_id":     p.ID,
		"type":            string(p.Type),
		"execution_tx_id": p.ExecutionTxID,
	}

	members, err := s.repo.ListMembers(ctx, true)
	if err != nil {
		s.metrics.notifyFailures.Inc()
		s.logger.Warn("list members for notification", "proposal_id", p.ID, "error", err)
	}
	for _, m := range members {
		deliver(ctx, s.notifier, domain.Notification{
			ID:        uuid.NewString(),
			Scope:     domain.ScopeUser,
			Audience:  m.Identity,
			Kind:      "proposal.executed",
			Title:     title,
			Body:      body,
			Data:      data,
			CreatedAt: now,
		}, s.logger, s.metrics)
	}

	if !p.Type.TargetsRecipient() || p.TargetRecipientID == "" {
		return
	}
	var msg string
	switch p.Type {
	case domain.ProposalUrgencyUpdate:
		msg = fmt.Sprintf("Your urgency level was changed from %s to %s.", p.CurrentValue, p.ProposedValue)
	case domain.ProposalRecipientRemoval:
		msg = "You have been removed from the waiting list."
	}
	deliver(ctx, s.notifier, domain.Notification{
		ID:        uuid.NewString(),
		Scope:     domain.ScopeRecipient,
		Audience:  p.TargetRecipientID,
		Kind:      "recipient.updated",
		Title:     "Your waiting list record changed",
		Body:      msg,
		Data:      data,
		CreatedAt: now,
	}, s.logger, s.metrics)
}
