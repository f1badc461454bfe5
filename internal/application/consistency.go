package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

// RetryPolicy bounds how long a read waits for the ledger to catch up.
// Attempts counts the retries after the first query.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialDelay: 2 * time.Second, Multiplier: 2}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.InitialDelay << max(p.Attempts, 1)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.Attempts, 0))), ctx)
}

// Reconciler is the single path to the ledger. Submits go through once;
// queries are repeated with backoff until the ledger reflects what the local
// store already knows.
type Reconciler struct {
	repo    domain.Repository
	ledger  domain.Ledger
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *Metrics
}

func NewReconciler(d Deps, policy RetryPolicy) *Reconciler {
	d = d.normalized()
	return &Reconciler{repo: d.Repo, ledger: d.Ledger, policy: policy, logger: d.Logger, metrics: d.Metrics}
}

// Submit sends one ledger write and turns a rejected receipt into an error.
func (r *Reconciler) Submit(ctx context.Context, category domain.LedgerCategory, function string, params any) (string, error) {
	receipt, err := r.ledger.Submit(ctx, category, function, params)
	if err == nil && !receipt.OK {
		err = errors.New(receipt.Message)
	}
	r.metrics.ledgerResult(function, err)
	if err != nil {
		r.logger.Warn("ledger submit failed", "category", category, "function", function, "error", err)
		return "", domain.LedgerFailure(function, err)
	}
	return receipt.TxID, nil
}

// QueryWithRetry decodes fn into out. accept, when set, reports whether the
// decoded state is current enough; a stale answer is retried like an error.
func (r *Reconciler) QueryWithRetry(ctx context.Context, category domain.LedgerCategory, function string, params, out any, accept func() bool) error {
	var (
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		err := r.ledger.Query(ctx, category, function, params, out)
		r.metrics.ledgerResult(function, err)
		if err != nil {
			lastErr = err
			return err
		}
		if accept != nil && !accept() {
			lastErr = fmt.Errorf("%s returned state older than the local record", function)
			return lastErr
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.ledgerRetries.Inc()
		r.logger.Debug("ledger query retry", "function", function, "attempt", attempts, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, r.policy.backOff(ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrLedgerStale, function, attempts, lastErr)
	}
	return nil
}

// statusRank orders statuses as the ledger sees them. EXPIRED is a local
// housekeeping state the ledger never records.
func statusRank(s domain.ProposalStatus) int {
	switch s {
	case domain.ProposalApproved, domain.ProposalRejected:
		return 1
	case domain.ProposalExecuted:
		return 2
	}
	return 0
}

// SyncProposal waits for the ledger to reflect the local proposal and then
// adopts the ledger vote totals when they differ.
func (r *Reconciler) SyncProposal(ctx context.Context, id uint) (domain.Proposal, error) {
	local, err := r.repo.GetProposal(ctx, id)
	if err != nil {
		return domain.Proposal{}, err
	}

	var snap chaincode.ProposalRecord
	accept := func() bool {
		return snap.VoteCount >= len(local.Votes) && statusRank(domain.ProposalStatus(snap.Status)) >= statusRank(local.Status)
	}
	if err := r.QueryWithRetry(ctx, domain.LedgerGovernance, domain.FnGetProposal, chaincode.Lookup{ProposalID: id}, &snap, accept); err != nil {
		return domain.Proposal{}, err
	}

	if snap.VotesFor == local.VotesFor && snap.VotesAgainst == local.VotesAgainst && snap.VotesAbstain == local.VotesAbstain {
		return local, nil
	}
	r.metrics.ledgerDrift.WithLabelValues("vote_totals").Inc()
	r.logger.Warn("proposal vote totals drifted from ledger",
		"proposal_id", id,
		"local_for", local.VotesFor, "local_against", local.VotesAgainst, "local_abstain", local.VotesAbstain,
		"ledger_for", snap.VotesFor, "ledger_against", snap.VotesAgainst, "ledger_abstain", snap.VotesAbstain,
	)
	if err := r.repo.UpdateVoteTotals(ctx, id, snap.VotesFor, snap.VotesAgainst, snap.VotesAbstain); err != nil {
		return domain.Proposal{}, err
	}
	return r.repo.GetProposal(ctx, id)
}

type OrganDrift struct {
	OrganID           string
	LocalStatus       domain.OrganStatus
	LedgerStatus      domain.OrganStatus
	LedgerAllocatedTo string
	InSync            bool
}

// SyncOrgan compares the local organ with the ledger. Disagreement is logged
// and returned for an operator to resolve; nothing is rewritten.
func (r *Reconciler) SyncOrgan(ctx context.Context, organID string) (OrganDrift, error) {
	local, err := r.repo.GetOrgan(ctx, organID)
	if err != nil {
		return OrganDrift{}, err
	}
	var snap chaincode.OrganRecord
	if err := r.QueryWithRetry(ctx, domain.LedgerOrgan, domain.FnGetOrgan, chaincode.Lookup{OrganID: organID}, &snap, nil); err != nil {
		return OrganDrift{}, err
	}

	drift := OrganDrift{
		OrganID:           organID,
		LocalStatus:       local.Status,
		LedgerStatus:      domain.OrganStatus(snap.Status),
		LedgerAllocatedTo: snap.AllocatedTo,
	}
	switch {
	case drift.LocalStatus == drift.LedgerStatus:
		drift.InSync = true
	case drift.LocalStatus == domain.OrganExpired || drift.LocalStatus == domain.OrganRejected || drift.LocalStatus == domain.OrganTransplanted:
		// Local-only terminal states; the ledger keeps the last allocation state.
		drift.InSync = true
	}
	if !drift.InSync {
		r.metrics.ledgerDrift.WithLabelValues("organ_status").Inc()
		r.logger.Warn("organ status drifted from ledger",
			"organ_id", organID, "local_status", drift.LocalStatus,
			"ledger_status", drift.LedgerStatus, "ledger_allocated_to", drift.LedgerAllocatedTo)
	}
	return drift, nil
}

// syncAfterWrite runs SyncProposal and only logs a failure; the write it
// follows has already been committed on both sides.
func (r *Reconciler) syncAfterWrite(ctx context.Context, id uint) {
	if _, err := r.SyncProposal(ctx, id); err != nil {
		r.logger.Warn("proposal reconciliation failed", "proposal_id", id, "error", err)
	}
}
