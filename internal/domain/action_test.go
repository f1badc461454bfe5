package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	called string
}

func (r *recordingExecutor) ExecuteUrgencyUpdate(context.Context, UrgencyUpdate) (string, error) {
	r.called = "urgency"
	return "tx-urgency", nil
}

func (r *recordingExecutor) ExecuteRecipientRemoval(context.Context, RecipientRemoval) (string, error) {
	r.called = "removal"
	return "tx-removal", nil
}

func (r *recordingExecutor) ExecuteSystemParameter(context.Context, SystemParameter) (string, error) {
	r.called = "parameter"
	return "", ErrNotImplemented
}

func (r *recordingExecutor) ExecuteEmergencyOverride(context.Context, EmergencyOverride) (string, error) {
	r.called = "override"
	return "", ErrNotImplemented
}

func TestActionOfDispatch(t *testing.T) {
	cases := []struct {
		proposal Proposal
		want     string
	}{
		{Proposal{ID: 1, Type: ProposalUrgencyUpdate, TargetRecipientID: "R1", ProposedValue: "5"}, "urgency"},
		{Proposal{ID: 2, Type: ProposalRecipientRemoval, TargetRecipientID: "R1"}, "removal"},
		{Proposal{ID: 3, Type: ProposalSystemParameter, ParameterName: "urgency_weight"}, "parameter"},
		{Proposal{ID: 4, Type: ProposalEmergencyOverride}, "override"},
	}
	for _, tc := range cases {
		action, err := ActionOf(tc.proposal)
		require.NoError(t, err)
		assert.Equal(t, tc.proposal.Type, action.Type())

		x := &recordingExecutor{}
		_, _ = action.Accept(context.Background(), x)
		assert.Equal(t, tc.want, x.called)
	}
}

func TestActionOfUrgencyUpdateValidation(t *testing.T) {
	_, err := ActionOf(Proposal{Type: ProposalUrgencyUpdate, TargetRecipientID: "R1", ProposedValue: "9"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = ActionOf(Proposal{Type: ProposalUrgencyUpdate, ProposedValue: "3"})
	require.ErrorIs(t, err, ErrValidation)

	action, err := ActionOf(Proposal{ID: 7, Type: ProposalUrgencyUpdate, TargetRecipientID: "R1", ProposedValue: " 4 "})
	require.NoError(t, err)
	assert.Equal(t, UrgencyUpdate{ProposalID: 7, RecipientID: "R1", NewLevel: 4}, action)
}

func TestParseVoteChoice(t *testing.T) {
	got, err := ParseVoteChoice("for")
	require.NoError(t, err)
	assert.Equal(t, VoteFor, got)

	_, err = ParseVoteChoice("maybe")
	require.ErrorIs(t, err, ErrValidation)
}
