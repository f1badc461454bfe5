package chaincode

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type memState map[string][]byte

func (m memState) GetState(key string) ([]byte, error) { return m[key], nil }

func (m memState) PutState(key string, value []byte) error {
	m[key] = value
	return nil
}

var t0 = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

func submit(t *testing.T, state State, category domain.LedgerCategory, fn string, payload any) error {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Contract{}.Submit(state, category, fn, raw)
}

func query[T any](t *testing.T, state State, category domain.LedgerCategory, fn string, in Lookup) T {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	out, err := Contract{}.Query(state, category, fn, raw)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(out, &v))
	return v
}

func seedOrganAndPatient(t *testing.T, state State) {
	t.Helper()
	require.NoError(t, submit(t, state, domain.LedgerOrgan, domain.FnRegisterOrgan, OrganRecord{
		OrganID: "ORG-1", OrganType: "KIDNEY", BloodType: "O-", HarvestedAt: t0, ExpiresAt: t0.Add(24 * time.Hour),
	}))
	require.NoError(t, submit(t, state, domain.LedgerPatient, domain.FnRegisterPatient, PatientRecord{
		RecipientID: "R-1", OrganType: "KIDNEY", BloodType: "A+", UrgencyLevel: 4, RegisteredAt: t0,
	}))
}

func TestAllocateOrganIsIdempotentPerMatch(t *testing.T) {
	state := memState{}
	seedOrganAndPatient(t, state)

	alloc := AllocationRecord{OrganID: "ORG-1", RecipientID: "R-1", MatchID: "m-1", AllocatedAt: t0.Add(time.Hour)}
	require.NoError(t, submit(t, state, domain.LedgerOrgan, domain.FnAllocateOrgan, alloc))
	require.NoError(t, submit(t, state, domain.LedgerOrgan, domain.FnAllocateOrgan, alloc))

	other := alloc
	other.MatchID = "m-2"
	require.Error(t, submit(t, state, domain.LedgerOrgan, domain.FnAllocateOrgan, other))

	organ := query[OrganRecord](t, state, domain.LedgerOrgan, domain.FnGetOrgan, Lookup{OrganID: "ORG-1"})
	assert.Equal(t, "ALLOCATED", organ.Status)
	assert.Equal(t, "R-1", organ.AllocatedTo)

	patient := query[PatientRecord](t, state, domain.LedgerPatient, domain.FnGetPatient, Lookup{RecipientID: "R-1"})
	assert.True(t, patient.Matched)
}

func TestAllocateOrganRejectsExpiredAndIncompatible(t *testing.T) {
	state := memState{}
	seedOrganAndPatient(t, state)

	err := submit(t, state, domain.LedgerOrgan, domain.FnAllocateOrgan, AllocationRecord{
		OrganID: "ORG-1", RecipientID: "R-1", MatchID: "m-1", AllocatedAt: t0.Add(25 * time.Hour),
	})
	require.ErrorContains(t, err, "expired")

	require.NoError(t, submit(t, state, domain.LedgerOrgan, domain.FnRegisterOrgan, OrganRecord{
		OrganID: "ORG-2", OrganType: "KIDNEY", BloodType: "B+", HarvestedAt: t0, ExpiresAt: t0.Add(24 * time.Hour),
	}))
	err = submit(t, state, domain.LedgerOrgan, domain.FnAllocateOrgan, AllocationRecord{
		OrganID: "ORG-2", RecipientID: "R-1", MatchID: "m-2", AllocatedAt: t0.Add(time.Hour),
	})
	require.ErrorContains(t, err, "cannot receive")
}

func TestReleaseOrganRestoresAvailability(t *testing.T) {
	state := memState{}
	seedOrganAndPatient(t, state)
	require.NoError(t, submit(t, state, domain.LedgerOrgan, domain.FnAllocateOrgan, AllocationRecord{
		OrganID: "ORG-1", RecipientID: "R-1", MatchID: "m-1", AllocatedAt: t0.Add(time.Hour),
	}))

	release := ReleaseRecord{OrganID: "ORG-1", MatchID: "m-1", Reason: "crossmatch positive", ReleasedAt: t0.Add(2 * time.Hour)}
	require.NoError(t, submit(t, state, domain.LedgerOrgan, domain.FnReleaseOrgan, release))
	require.NoError(t, submit(t, state, domain.LedgerOrgan, domain.FnReleaseOrgan, release))

	organ := query[OrganRecord](t, state, domain.LedgerOrgan, domain.FnGetOrgan, Lookup{OrganID: "ORG-1"})
	assert.Equal(t, "AVAILABLE", organ.Status)
	assert.Empty(t, organ.AllocatedTo)
	patient := query[PatientRecord](t, state, domain.LedgerPatient, domain.FnGetPatient, Lookup{RecipientID: "R-1"})
	assert.False(t, patient.Matched)
}

func TestCategoryMismatchIsRejected(t *testing.T) {
	err := submit(t, memState{}, domain.LedgerGovernance, domain.FnRegisterOrgan, OrganRecord{OrganID: "X"})
	require.ErrorContains(t, err, "belongs to organ")

	err = submit(t, memState{}, domain.LedgerOrgan, "dropTables", struct{}{})
	require.ErrorIs(t, err, ErrUnknownFunction)
}

func seedProposal(t *testing.T, state State) {
	t.Helper()
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnCreateProposal, ProposalRecord{
		ProposalID:        1,
		Type:              "URGENCY_UPDATE",
		Urgency:           "STANDARD",
		TargetRecipientID: "R-1",
		ProposedValue:     "5",
		CreatedBy:         "dr.a@example.org",
		CreatedAt:         t0,
		VotingDeadline:    t0.Add(7 * 24 * time.Hour),
		TotalVotingPower:  20,
		QuorumRequired:    20,
		ApprovalThreshold: 60,
	}))
}

func TestVotingAndFinalizeFollowTally(t *testing.T) {
	state := memState{}
	seedOrganAndPatient(t, state)
	seedProposal(t, state)

	vote := VoteRecord{ProposalID: 1, Voter: "dr.a@example.org", Choice: "FOR", Power: 5, CastAt: t0.Add(time.Hour)}
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnCastVote, vote))
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnCastVote, vote), "identical replay succeeds")

	changed := vote
	changed.Choice = "AGAINST"
	require.ErrorContains(t, submit(t, state, domain.LedgerGovernance, domain.FnCastVote, changed), "already voted")

	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnCastVote, VoteRecord{
		ProposalID: 1, Voter: "dr.b@example.org", Choice: "AGAINST", Power: 2, CastAt: t0.Add(2 * time.Hour),
	}))
	require.ErrorContains(t, submit(t, state, domain.LedgerGovernance, domain.FnCastVote, VoteRecord{
		ProposalID: 1, Voter: "dr.c@example.org", Choice: "FOR", Power: 14, CastAt: t0.Add(3 * time.Hour),
	}), "exceeds total voting power")

	totals := query[VoteTotals](t, state, domain.LedgerGovernance, domain.FnGetVoteTotals, Lookup{ProposalID: 1})
	assert.Equal(t, 5, totals.VotesFor)
	assert.Equal(t, 2, totals.VotesAgainst)
	assert.Equal(t, 2, totals.VoteCount)

	early := FinalizeRecord{ProposalID: 1, Status: "APPROVED", FinalizedBy: "dr.a@example.org", FinalizedAt: t0.Add(24 * time.Hour)}
	require.ErrorContains(t, submit(t, state, domain.LedgerGovernance, domain.FnFinalizeProposal, early), "still open")

	wrong := early
	wrong.Status = "REJECTED"
	wrong.FinalizedAt = t0.Add(8 * 24 * time.Hour)
	require.ErrorContains(t, submit(t, state, domain.LedgerGovernance, domain.FnFinalizeProposal, wrong), "outcome is APPROVED")

	right := wrong
	right.Status = "APPROVED"
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnFinalizeProposal, right))

	require.NoError(t, submit(t, state, domain.LedgerPatient, domain.FnUpdateUrgency, UrgencyRecord{
		RecipientID: "R-1", NewLevel: 5, ProposalID: 1, ChangedBy: "dr.a@example.org", ChangedAt: t0.Add(9 * 24 * time.Hour),
	}))
	exec := ExecuteRecord{ProposalID: 1, ExecutedBy: "dr.a@example.org", ExecutedAt: t0.Add(9 * 24 * time.Hour)}
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnExecuteProposal, exec))
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnExecuteProposal, exec))

	p := query[ProposalRecord](t, state, domain.LedgerGovernance, domain.FnGetProposal, Lookup{ProposalID: 1})
	assert.Equal(t, "EXECUTED", p.Status)
	patient := query[PatientRecord](t, state, domain.LedgerPatient, domain.FnGetPatient, Lookup{RecipientID: "R-1"})
	assert.Equal(t, 5, patient.UrgencyLevel)
}

func TestEmergencyFinalizeNeedsSupermajority(t *testing.T) {
	state := memState{}
	seedProposal(t, state)
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnCastVote, VoteRecord{
		ProposalID: 1, Voter: "a", Choice: "FOR", Power: 6, CastAt: t0.Add(time.Hour),
	}))
	require.NoError(t, submit(t, state, domain.LedgerGovernance, domain.FnCastVote, VoteRecord{
		ProposalID: 1, Voter: "b", Choice: "AGAINST", Power: 4, CastAt: t0.Add(time.Hour),
	}))

	err := submit(t, state, domain.LedgerGovernance, domain.FnEmergencyFinalizeProposal, FinalizeRecord{
		ProposalID: 1, Status: "APPROVED", FinalizedAt: t0.Add(2 * time.Hour),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientSupermajority)
}

func TestUpdateUrgencyRequiresApprovedProposal(t *testing.T) {
	state := memState{}
	seedOrganAndPatient(t, state)
	seedProposal(t, state)

	err := submit(t, state, domain.LedgerPatient, domain.FnUpdateUrgency, UrgencyRecord{
		RecipientID: "R-1", NewLevel: 5, ProposalID: 1, ChangedAt: t0,
	})
	require.ErrorContains(t, err, "not approved")

	require.NoError(t, submit(t, state, domain.LedgerPatient, domain.FnUpdateUrgency, UrgencyRecord{
		RecipientID: "R-1", NewLevel: 2, ChangedBy: "dr.a@example.org", ChangedAt: t0,
	}))
}
