package core

import "github.com/pkg/errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid milestone state")
	ErrDuplicateVote   = errors.New("backer already voted on this milestone")
	ErrAlreadyReleased = errors.New("milestone funds already released")
	ErrNotOwner        = errors.New("only the campaign creator can submit milestones")
	ErrNotEligible     = errors.New("only backers with a confirmed contribution can vote")
	ErrVotingClosed    = errors.New("voting period has ended")
	ErrMilestonesExist = errors.New("campaign already has milestones")

	// invariant violations, logged at error level
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	ErrTargetExceeded     = errors.New("milestone amounts exceed campaign target")

	// ErrSettlementUnavailable marks settlement failures where nothing was
	// broadcast, so the call is safe to retry.
	ErrSettlementUnavailable = errors.New("settlement layer unavailable")
)

// ErrVotingAlreadyOpen is returned by OpenVoting on a milestone that is
// already VOTING. It matches ErrInvalidState.
var ErrVotingAlreadyOpen = &stateError{msg: "voting already open"}

type stateError struct {
	msg string
}

func (e *stateError) Error() string {
	return e.msg
}

func (e *stateError) Is(target error) bool {
	return target == ErrInvalidState
}

func validationf(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
