package model

import "fmt"

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "PENDING"
	MilestoneSubmitted MilestoneStatus = "SUBMITTED"
	MilestoneVoting    MilestoneStatus = "VOTING"
	MilestoneApproved  MilestoneStatus = "APPROVED"
	MilestoneRejected  MilestoneStatus = "REJECTED"
	MilestoneExpired   MilestoneStatus = "EXPIRED"
)

// Terminal reports whether no transition leaves the status. Unknown values
// return an error so a new status cannot silently fall through.
func (s MilestoneStatus) Terminal() (bool, error) {
	switch s {
	case MilestonePending, MilestoneSubmitted, MilestoneVoting:
		return false, nil
	case MilestoneApproved, MilestoneRejected, MilestoneExpired:
		return true, nil
	default:
		return false, fmt.Errorf("unknown milestone status %q", string(s))
	}
}

// TransactionType classifies an escrow ledger entry.
type TransactionType string

const (
	TransactionDeposit TransactionType = "DEPOSIT"
	TransactionRelease TransactionType = "RELEASE"
	TransactionRefund  TransactionType = "REFUND"
)

// Outflow reports whether the entry moves money out of escrow.
func (t TransactionType) Outflow() (bool, error) {
	switch t {
	case TransactionDeposit:
		return false, nil
	case TransactionRelease, TransactionRefund:
		return true, nil
	default:
		return false, fmt.Errorf("unknown transaction type %q", string(t))
	}
}

// TransactionStatus tracks reconciliation with the settlement layer.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionConfirmed TransactionStatus = "CONFIRMED"
	TransactionFailed    TransactionStatus = "FAILED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionPending, TransactionConfirmed, TransactionFailed:
		return true
	default:
		return false
	}
}

// ContributionStatus is owned by the contribution collaborator; only
// confirmed contributions count for eligibility and voting power.
type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "PENDING"
	ContributionConfirmed ContributionStatus = "CONFIRMED"
)
