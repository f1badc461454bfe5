package application

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func TestDefaultRetryPolicyWaits(t *testing.T) {
	b := DefaultRetryPolicy().backOff(context.Background())
	var waits []time.Duration
	for {
		d := b.NextBackOff()
		if d < 0 {
			break
		}
		waits = append(waits, d)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, waits)
}

func TestQueryWithRetryWaitsForPropagation(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, withStaleReads(2))
	env.organ(t, "K-1", domain.OrganKidney, domain.BloodOPlus, 24)

	var organ chaincode.OrganRecord
	err := env.rec.QueryWithRetry(ctx, domain.LedgerOrgan, domain.FnGetOrgan, chaincode.Lookup{OrganID: "K-1"}, &organ, nil)
	require.NoError(t, err)
	assert.Equal(t, "K-1", organ.OrganID)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.ledgerRetries))
}

func TestQueryWithRetryGivesUp(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, withStaleReads(10))
	env.organ(t, "K-1", domain.OrganKidney, domain.BloodOPlus, 24)

	var organ chaincode.OrganRecord
	err := env.rec.QueryWithRetry(ctx, domain.LedgerOrgan, domain.FnGetOrgan, chaincode.Lookup{OrganID: "K-1"}, &organ, nil)
	require.ErrorIs(t, err, domain.ErrLedgerStale)
	require.ErrorIs(t, err, domain.ErrLedger)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestQueryWithRetryStopsOnCancel(t *testing.T) {
	env := newEnv(t, withStaleReads(10))
	env.organ(t, "K-1", domain.OrganKidney, domain.BloodOPlus, 24)
	slow := NewReconciler(Deps{Repo: env.repo, Ledger: env.ledger}, DefaultRetryPolicy())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var organ chaincode.OrganRecord
	err := slow.QueryWithRetry(ctx, domain.LedgerOrgan, domain.FnGetOrgan, chaincode.Lookup{OrganID: "K-1"}, &organ, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncProposalAdoptsLedgerTotals(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.council(t)
	env.recipient(t, "R-1", domain.OrganKidney, domain.BloodOPlus, 3, 0, time.Hour)
	p := env.urgencyProposal(t, "R-1", 5, domain.UrgencyStandard)
	env.vote(t, p.ID, "dr.a@clinic.example", domain.VoteFor)
	env.vote(t, p.ID, "dr.c@clinic.example", domain.VoteAgainst)

	require.NoError(t, env.repo.UpdateVoteTotals(ctx, p.ID, 1, 0, 0))

	synced, err := env.gov.SyncProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, synced.VotesFor)
	assert.Equal(t, 2, synced.VotesAgainst)
	assert.Zero(t, synced.VotesAbstain)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ledgerDrift.WithLabelValues("vote_totals")))
}

func TestSyncProposalRetriesUntilVoteVisible(t *testing.T) {
	env := newEnv(t, withStaleReads(1))
	env.council(t)
	env.recipient(t, "R-1", domain.OrganKidney, domain.BloodOPlus, 3, 0, time.Hour)
	p := env.urgencyProposal(t, "R-1", 5, domain.UrgencyStandard)

	// CastVote reconciles right away; the first read still sees the proposal
	// without the vote and is retried.
	before := testutil.ToFloat64(env.metrics.ledgerRetries)
	got := env.vote(t, p.ID, "dr.b@clinic.example", domain.VoteFor)
	assert.Equal(t, 3, got.VotesFor)
	assert.Equal(t, before+1, testutil.ToFloat64(env.metrics.ledgerRetries))
	assert.Zero(t, testutil.ToFloat64(env.metrics.ledgerDrift.WithLabelValues("vote_totals")))
}

func TestSyncOrganReportsDrift(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.organ(t, "K-1", domain.OrganKidney, domain.BloodOPlus, 24)

	drift, err := env.svc.SyncOrgan(ctx, "K-1")
	require.NoError(t, err)
	assert.True(t, drift.InSync)

	receipt, err := env.chain.Submit(ctx, domain.LedgerOrgan, domain.FnAllocateOrgan, chaincode.AllocationRecord{
		OrganID: "K-1", RecipientID: "R-elsewhere", MatchID: "m-external", AllocatedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, receipt.OK, receipt.Message)

	drift, err = env.svc.SyncOrgan(ctx, "K-1")
	require.NoError(t, err)
	assert.False(t, drift.InSync)
	assert.Equal(t, domain.OrganAvailable, drift.LocalStatus)
	assert.Equal(t, domain.OrganAllocated, drift.LedgerStatus)
	assert.Equal(t, "R-elsewhere", drift.LedgerAllocatedTo)

	organ, err := env.svc.GetOrgan(ctx, "K-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrganAvailable, organ.Status, "drift is reported, not repaired")
}

func TestSubmitTreatsRejectedReceiptAsLedgerError(t *testing.T) {
	env := newEnv(t)
	_, err := env.rec.Submit(context.Background(), domain.LedgerOrgan, domain.FnAllocateOrgan, chaincode.AllocationRecord{OrganID: "missing", MatchID: "m"})
	require.ErrorIs(t, err, domain.ErrLedger)
	assert.Contains(t, err.Error(), "does not exist")
}
