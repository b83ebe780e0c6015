package core

import (
	"context"
	"time"
)

const (
	EventMilestoneSubmitted    = "milestone.submitted"
	EventMilestoneVotingOpened = "milestone.voting_opened"
	EventMilestoneVoteCast     = "milestone.vote_cast"
	EventMilestoneApproved     = "milestone.approved"
	EventMilestoneRejected     = "milestone.rejected"
	EventMilestoneExpired      = "milestone.expired"
	EventSettlementConfirmed   = "escrow.settlement_confirmed"
	EventSettlementFailed      = "escrow.settlement_failed"
)

// Event is a domain notification emitted after the change it describes has
// been committed.
type Event struct {
	Type          string         `json:"type"`
	CampaignID    string         `json:"campaign_id"`
	MilestoneID   string         `json:"milestone_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Key groups events of one campaign onto one partition.
func (e Event) Key() string {
	return e.CampaignID
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error {
	return nil
}
