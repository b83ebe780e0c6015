package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign is the slice of the campaign registry the engine reads.
type Campaign struct {
	ID            string          `json:"id" gorm:"primaryKey;size:64"`
	Title         string          `json:"title" gorm:"size:255"`
	CreatorID     string          `json:"creator_id" gorm:"size:64;not null;index"`
	CreatorWallet string          `json:"creator_wallet" gorm:"size:64"`
	TargetAmount  decimal.Decimal `json:"target_amount" gorm:"type:numeric(20,2);not null"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// Contribution is a backer's pledge as recorded by the contribution ledger.
type Contribution struct {
	ID           string             `json:"id" gorm:"primaryKey;size:36"`
	CampaignID   string             `json:"campaign_id" gorm:"size:64;not null;index:idx_contribution_backer,priority:1"`
	BackerID     string             `json:"backer_id" gorm:"size:64;not null;index:idx_contribution_backer,priority:2"`
	BackerWallet string             `json:"backer_wallet" gorm:"size:64"`
	Amount       decimal.Decimal    `json:"amount" gorm:"type:numeric(20,2);not null"`
	Status       ContributionStatus `json:"status" gorm:"size:16;not null"`
	CreatedAt    time.Time          `json:"created_at"`
}

func (Contribution) TableName() string {
	return "contributions"
}

// Milestone is one funding stage of a campaign.
type Milestone struct {
	ID          string          `json:"id" gorm:"primaryKey;size:36"`
	CampaignID  string          `json:"campaign_id" gorm:"size:64;not null;uniqueIndex:idx_milestone_order,priority:1"`
	Order       int             `json:"order" gorm:"column:seq;not null;uniqueIndex:idx_milestone_order,priority:2"`
	Title       string          `json:"title" gorm:"size:255;not null"`
	Description string          `json:"description" gorm:"type:text"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(20,2);not null"`
	// submission deadline
	Deadline       time.Time       `json:"deadline" gorm:"not null;index"`
	VotingDeadline *time.Time      `json:"voting_deadline" gorm:"index"`
	Status         MilestoneStatus `json:"status" gorm:"size:16;not null;index"`

	// opaque to the engine, owned by the evidence store
	Evidence              string `json:"evidence" gorm:"type:text"`
	SubmissionDescription string `json:"submission_description" gorm:"type:text"`

	// tallies only grow, and only through the vote box
	ApproveWeight int64 `json:"approve_weight" gorm:"not null;default:0"`
	RejectWeight  int64 `json:"reject_weight" gorm:"not null;default:0"`
	Ballots       int64 `json:"ballots" gorm:"not null;default:0"`

	AdminNotes string `json:"admin_notes" gorm:"type:text"`
	DecidedBy  string `json:"decided_by" gorm:"size:64"`

	SubmittedAt    *time.Time `json:"submitted_at"`
	VotingOpenedAt *time.Time `json:"voting_opened_at"`
	ApprovedAt     *time.Time `json:"approved_at"`
	RejectedAt     *time.Time `json:"rejected_at"`
	ExpiredAt      *time.Time `json:"expired_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Milestone) TableName() string {
	return "milestones"
}

// Vote is a backer's immutable ballot on a milestone.
type Vote struct {
	ID          string `json:"id" gorm:"primaryKey;size:36"`
	MilestoneID string `json:"milestone_id" gorm:"size:36;not null;uniqueIndex:idx_vote_backer_milestone,priority:1"`
	BackerID    string `json:"backer_id" gorm:"size:64;not null;uniqueIndex:idx_vote_backer_milestone,priority:2"`
	IsApproval  bool   `json:"is_approval" gorm:"not null"`
	Comment     string `json:"comment" gorm:"type:text"`
	// captured at cast time, never recomputed
	Weight decimal.Decimal `json:"weight" gorm:"type:numeric(10,4);not null"`
	CastAt time.Time       `json:"cast_at" gorm:"not null"`
}

func (Vote) TableName() string {
	return "votes"
}

// EscrowTransaction is an append-only ledger entry. Only the settlement
// bookkeeping columns change after insert.
type EscrowTransaction struct {
	ID          string            `json:"id" gorm:"primaryKey;size:36"`
	CampaignID  string            `json:"campaign_id" gorm:"size:64;not null;index"`
	MilestoneID *string           `json:"milestone_id" gorm:"size:36;index"`
	BackerID    string            `json:"backer_id,omitempty" gorm:"size:64"`
	Amount      decimal.Decimal   `json:"amount" gorm:"type:numeric(20,2);not null"`
	Type        TransactionType   `json:"type" gorm:"size:16;not null;index"`
	Status      TransactionStatus `json:"status" gorm:"size:16;not null;index"`
	Description string            `json:"description" gorm:"type:text"`
	ExecutedBy  string            `json:"executed_by" gorm:"size:64"`
	ExecutedAt  time.Time         `json:"executed_at" gorm:"not null"`
	Recipient   string            `json:"recipient,omitempty" gorm:"size:64"`

	// set to the milestone id on RELEASE rows; the unique index allows a
	// single release per milestone no matter who races for it
	ReleaseKey *string `json:"-" gorm:"size:36;uniqueIndex"`

	SettlementRef string     `json:"settlement_ref,omitempty" gorm:"size:128"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty" gorm:"type:text"`
	Attempts      int        `json:"attempts" gorm:"not null;default:0"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (EscrowTransaction) TableName() string {
	return "escrow_transactions"
}

// EscrowAccount holds a campaign's running escrow counters.
type EscrowAccount struct {
	CampaignID     string          `json:"campaign_id" gorm:"primaryKey;size:64"`
	EscrowBalance  decimal.Decimal `json:"escrow_balance" gorm:"type:numeric(20,2);not null"`
	ReleasedAmount decimal.Decimal `json:"released_amount" gorm:"type:numeric(20,2);not null"`
	RefundedAmount decimal.Decimal `json:"refunded_amount" gorm:"type:numeric(20,2);not null"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (EscrowAccount) TableName() string {
	return "escrow_accounts"
}

// All lists every table for migration.
func All() []any {
	return []any{
		&Campaign{},
		&Contribution{},
		&Milestone{},
		&Vote{},
		&EscrowTransaction{},
		&EscrowAccount{},
	}
}
