package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type VoteInput struct {
	IsApproval bool   `json:"is_approval"`
	Comment    string `json:"comment"`
}

// backerPower sums the backer's confirmed contributions to the campaign.
// A backer without any is not eligible to vote.
func backerPower(ctx context.Context, tx *storage.Store, campaignID, backerID string) (decimal.Decimal, bool, error) {
	contributions, err := tx.ConfirmedContributions(ctx, campaignID, backerID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(contributions) == 0 {
		return decimal.Zero, false, nil
	}
	total := decimal.Zero
	for _, c := range contributions {
		total = total.Add(c.Amount)
	}
	return Power(total), true, nil
}

// CastVote records a backer's weighted ballot and re-evaluates the
// milestone in the same transaction. The weight is fixed at cast time.
func (e *Engine) CastVote(ctx context.Context, milestoneID, backerID string, in VoteInput) (_ model.Vote, err error) {
	ctx, span := startSpan(ctx, "Engine.CastVote",
		attribute.String("milestone", milestoneID),
		attribute.Bool("approve", in.IsApproval),
	)
	defer func() { endSpan(span, err) }()

	now := e.clock()
	var vote *model.Vote
	var c changes
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		m, err := tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}

		weight, eligible, err := backerPower(ctx, tx, m.CampaignID, backerID)
		if err != nil {
			return err
		}
		if !eligible {
			return errors.Wrapf(ErrNotEligible, "backer %s", backerID)
		}
		if m.Status != model.MilestoneVoting {
			return errors.Wrapf(ErrInvalidState, "cannot vote on milestone in %s", m.Status)
		}
		if m.VotingDeadline == nil || !now.Before(*m.VotingDeadline) {
			return errors.Wrapf(ErrVotingClosed, "milestone %s", m.ID)
		}

		vote = &model.Vote{
			ID:          uuid.NewString(),
			MilestoneID: m.ID,
			BackerID:    backerID,
			IsApproval:  in.IsApproval,
			Comment:     in.Comment,
			Weight:      weight,
			CastAt:      now,
		}
		if err := tx.InsertVote(ctx, vote); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return errors.Wrapf(ErrDuplicateVote, "backer %s", backerID)
			}
			return err
		}

		delta := tallyWeight(weight)
		ok, err := tx.AddTally(ctx, m.ID, in.IsApproval, delta)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrInvalidState, "milestone %s is no longer VOTING", m.ID)
		}
		if in.IsApproval {
			m.ApproveWeight += delta
		} else {
			m.RejectWeight += delta
		}
		m.Ballots++

		c.events = append(c.events, e.event(EventMilestoneVoteCast, m, map[string]any{
			"backer":  backerID,
			"approve": in.IsApproval,
			"weight":  weight.String(),
		}))

		rc, err := e.resolveAfterVote(ctx, tx, m, now)
		if err != nil {
			return err
		}
		c.add(rc)
		return nil
	})
	if err != nil {
		return model.Vote{}, err
	}

	e.metrics.ObserveVote(in.IsApproval)
	e.commit(ctx, c)
	return *vote, nil
}

// resolveAfterVote runs resolution in a savepoint. An approval that trips
// an escrow invariant is rolled back and the vote is kept; the milestone
// stays VOTING for an administrator.
func (e *Engine) resolveAfterVote(ctx context.Context, tx *storage.Store, m *model.Milestone, now time.Time) (changes, error) {
	snapshot := *m
	var rc changes
	err := tx.Transaction(ctx, func(sp *storage.Store) error {
		var err error
		_, rc, err = e.resolve(ctx, sp, m, now)
		return err
	})
	if err == nil {
		return rc, nil
	}
	if errors.Is(err, ErrInsufficientEscrow) || errors.Is(err, ErrAlreadyReleased) {
		*m = snapshot
		e.logger.WithFields(logrus.Fields{
			"milestone": m.ID,
			"campaign":  m.CampaignID,
			"approve":   m.ApproveWeight,
			"reject":    m.RejectWeight,
			"err":       err,
		}).Error("Automatic resolution aborted, vote recorded and milestone left in VOTING")
		return changes{}, nil
	}
	return changes{}, err
}

type VotingStats struct {
	MilestoneID     string          `json:"milestone_id"`
	Status          string          `json:"status"`
	ApproveWeight   int64           `json:"approve_weight"`
	RejectWeight    int64           `json:"reject_weight"`
	Ballots         int64           `json:"ballots"`
	ApprovalPercent float64         `json:"approval_percent"`
	VotingDeadline  *time.Time      `json:"voting_deadline"`
	HasVoted        bool            `json:"has_voted"`
	Eligible        bool            `json:"eligible"`
	VotingPower     decimal.Decimal `json:"voting_power"`
}

// GetVotingStats reports a milestone's tally and, when backerID is set, the
// backer's own standing.
func (e *Engine) GetVotingStats(ctx context.Context, milestoneID, backerID string) (VotingStats, error) {
	m, err := e.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return VotingStats{}, mapStoreErr(err)
	}
	tally := tallyOf(m)
	stats := VotingStats{
		MilestoneID:     m.ID,
		Status:          string(m.Status),
		ApproveWeight:   tally.Approve,
		RejectWeight:    tally.Reject,
		Ballots:         tally.Ballots,
		ApprovalPercent: tally.ApprovalPercent(),
		VotingDeadline:  m.VotingDeadline,
		VotingPower:     decimal.Zero,
	}
	if backerID == "" {
		return stats, nil
	}

	stats.VotingPower, stats.Eligible, err = backerPower(ctx, e.store, m.CampaignID, backerID)
	if err != nil {
		return VotingStats{}, err
	}
	_, err = e.store.FindVote(ctx, milestoneID, backerID)
	switch {
	case err == nil:
		stats.HasVoted = true
	case errors.Is(err, storage.ErrNotFound):
	default:
		return VotingStats{}, err
	}
	return stats, nil
}

func (e *Engine) ListVotes(ctx context.Context, milestoneID string) ([]model.Vote, error) {
	return e.store.ListVotes(ctx, milestoneID)
}
