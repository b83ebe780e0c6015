package core

import (
	"time"

	"github.com/nexafund/milestoned/model"
)

const (
	ApprovalThresholdPct  = 60
	RejectionThresholdPct = 40
	// MinBallots is the number of distinct voters an approval needs.
	MinBallots = 3

	VotingPeriod = 7 * 24 * time.Hour
)

type Decision int

const (
	DecisionNone Decision = iota
	DecisionApprove
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionReject:
		return "reject"
	default:
		return "none"
	}
}

// Tally is the weighted vote count of one milestone.
type Tally struct {
	Approve int64
	Reject  int64
	Ballots int64
}

func (t Tally) Total() int64 {
	return t.Approve + t.Reject
}

// ApprovalPercent is approve/(approve+reject)*100, or 0 with no weight cast.
func (t Tally) ApprovalPercent() float64 {
	if t.Total() == 0 {
		return 0
	}
	return float64(t.Approve) * 100 / float64(t.Total())
}

func tallyOf(m *model.Milestone) Tally {
	return Tally{Approve: m.ApproveWeight, Reject: m.RejectWeight, Ballots: m.Ballots}
}

// Resolve decides a VOTING milestone from its tally. Approval may happen any
// time the threshold and ballot floor are met; rejection only once the
// voting deadline has passed. It is a pure function of its inputs.
func Resolve(status model.MilestoneStatus, tally Tally, votingDeadline *time.Time, now time.Time) Decision {
	if status != model.MilestoneVoting {
		return DecisionNone
	}

	total := tally.Total()
	if total > 0 && tally.Approve*100 >= ApprovalThresholdPct*total && tally.Ballots >= MinBallots {
		return DecisionApprove
	}

	if votingDeadline == nil || now.Before(*votingDeadline) {
		return DecisionNone
	}
	if total == 0 || tally.Approve*100 < RejectionThresholdPct*total {
		return DecisionReject
	}

	// between the thresholds the milestone waits for an administrator
	return DecisionNone
}
