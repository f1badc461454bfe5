package domain

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the application layer wraps exactly
// one of these so adapters can map it with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrPrecondition   = errors.New("precondition failed")
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrLedger         = errors.New("ledger error")
	ErrNotImplemented = errors.New("not implemented")
)

var (
	ErrAlreadyVoted              = fmt.Errorf("%w: voter has already voted on this proposal", ErrPrecondition)
	ErrVotingClosed              = fmt.Errorf("%w: voting period has ended", ErrPrecondition)
	ErrVotingOpen                = fmt.Errorf("%w: voting period has not ended", ErrPrecondition)
	ErrProposalNotActive         = fmt.Errorf("%w: proposal is not active", ErrPrecondition)
	ErrNotApproved               = fmt.Errorf("%w: proposal is not approved", ErrPrecondition)
	ErrAlreadyExecuted           = fmt.Errorf("%w: proposal has already been executed", ErrPrecondition)
	ErrExecutionInProgress       = fmt.Errorf("%w: execution already in progress", ErrPrecondition)
	ErrInsufficientSupermajority = fmt.Errorf("%w: insufficient supermajority", ErrPrecondition)
	ErrNoDecisiveVotes           = fmt.Errorf("%w: emergency finalization requires at least one for or against vote", ErrPrecondition)
	ErrOrganUnavailable          = fmt.Errorf("%w: organ is not available for allocation", ErrPrecondition)
	ErrRecipientUnavailable      = fmt.Errorf("%w: recipient is not available for matching", ErrPrecondition)
	ErrInvalidTransition         = fmt.Errorf("%w: invalid status transition", ErrPrecondition)
	ErrVotingPowerExceeded       = fmt.Errorf("%w: vote would exceed total voting power", ErrPrecondition)
	ErrLedgerStale               = fmt.Errorf("%w: ledger did not reflect the expected state", ErrLedger)
)

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Precondition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// LedgerFailure wraps a ledger transport or execution failure for function fn.
func LedgerFailure(fn string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLedger, fn, err)
}
