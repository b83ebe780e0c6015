package storage

import (
	"context"
	"strings"
	"time"

	"github.com/nexafund/milestoned/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the data-access handle shared by the engine components. A Store
// obtained inside Transaction is bound to that transaction.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn atomically. Calling it on a transaction-bound Store
// opens a savepoint, so a failing inner unit rolls back on its own.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) session(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// forUpdate adds a row lock where the dialect supports one.
func (s *Store) forUpdate(ctx context.Context) *gorm.DB {
	db := s.session(ctx)
	if db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// limited applies a row limit; zero or negative means no limit.
func limited(limit int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if limit > 0 {
			return db.Limit(limit)
		}
		return db
	}
}

func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, what)
	}
	if isDuplicate(err) {
		return errors.Wrap(ErrDuplicate, what)
	}
	return errors.Wrap(err, what)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// Campaigns and contributions belong to external collaborators; the engine
// only needs these reads plus the contribution write that feeds escrow.

func (s *Store) CreateCampaign(ctx context.Context, campaign *model.Campaign) error {
	return translate(s.session(ctx).Create(campaign).Error, "create campaign")
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	var campaign model.Campaign
	if err := s.session(ctx).Where("id = ?", id).First(&campaign).Error; err != nil {
		return nil, translate(err, "campaign "+id)
	}
	return &campaign, nil
}

func (s *Store) CreateContribution(ctx context.Context, contribution *model.Contribution) error {
	return translate(s.session(ctx).Create(contribution).Error, "create contribution")
}

func (s *Store) ConfirmedContributions(ctx context.Context, campaignID, backerID string) ([]model.Contribution, error) {
	var rows []model.Contribution
	err := s.session(ctx).
		Where("campaign_id = ? AND backer_id = ? AND status = ?", campaignID, backerID, model.ContributionConfirmed).
		Order("created_at, id").
		Find(&rows).Error
	return rows, translate(err, "list contributions")
}

func (s *Store) CountMilestones(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := s.session(ctx).Model(&model.Milestone{}).Where("campaign_id = ?", campaignID).Count(&n).Error
	return n, translate(err, "count milestones")
}

func (s *Store) CreateMilestones(ctx context.Context, milestones []model.Milestone) error {
	if len(milestones) == 0 {
		return nil
	}
	return translate(s.session(ctx).Create(&milestones).Error, "create milestones")
}

func (s *Store) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	var m model.Milestone
	if err := s.session(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err, "milestone "+id)
	}
	return &m, nil
}

// LockMilestone reads the milestone row for update.
func (s *Store) LockMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	var m model.Milestone
	if err := s.forUpdate(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err, "milestone "+id)
	}
	return &m, nil
}

func (s *Store) ListMilestones(ctx context.Context, campaignID string) ([]model.Milestone, error) {
	var rows []model.Milestone
	err := s.session(ctx).Where("campaign_id = ?", campaignID).Order("seq").Find(&rows).Error
	return rows, translate(err, "list milestones")
}

// TransitionMilestone moves the milestone from one status to another and
// applies updates in the same statement. It reports false when the row was
// no longer in the expected status.
func (s *Store) TransitionMilestone(ctx context.Context, id string, from, to model.MilestoneStatus, updates map[string]any) (bool, error) {
	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := s.session(ctx).Model(&model.Milestone{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, translate(res.Error, "transition milestone "+id)
	}
	return res.RowsAffected == 1, nil
}

// AddTally increments one side of the tally and the ballot count.
func (s *Store) AddTally(ctx context.Context, id string, approve bool, weight int64) (bool, error) {
	column := "reject_weight"
	if approve {
		column = "approve_weight"
	}
	res := s.session(ctx).Model(&model.Milestone{}).
		Where("id = ? AND status = ?", id, model.MilestoneVoting).
		Updates(map[string]any{
			column:    gorm.Expr(column+" + ?", weight),
			"ballots": gorm.Expr("ballots + ?", 1),
		})
	if res.Error != nil {
		return false, translate(res.Error, "add tally "+id)
	}
	return res.RowsAffected == 1, nil
}

// OverduePending lists PENDING milestones whose submission deadline is before now.
func (s *Store) OverduePending(ctx context.Context, now time.Time, limit int) ([]model.Milestone, error) {
	var rows []model.Milestone
	err := s.session(ctx).
		Where("status = ? AND deadline < ?", model.MilestonePending, now).
		Order("deadline, id").
		Scopes(limited(limit)).
		Find(&rows).Error
	return rows, translate(err, "list overdue pending")
}

// ClosedVoting lists VOTING milestones whose voting window has closed.
func (s *Store) ClosedVoting(ctx context.Context, now time.Time, limit int) ([]model.Milestone, error) {
	var rows []model.Milestone
	err := s.session(ctx).
		Where("status = ? AND voting_deadline IS NOT NULL AND voting_deadline <= ?", model.MilestoneVoting, now).
		Order("voting_deadline, id").
		Scopes(limited(limit)).
		Find(&rows).Error
	return rows, translate(err, "list closed voting")
}

func (s *Store) InsertVote(ctx context.Context, vote *model.Vote) error {
	return translate(s.session(ctx).Create(vote).Error, "insert vote")
}

func (s *Store) FindVote(ctx context.Context, milestoneID, backerID string) (*model.Vote, error) {
	var v model.Vote
	err := s.session(ctx).Where("milestone_id = ? AND backer_id = ?", milestoneID, backerID).First(&v).Error
	if err != nil {
		return nil, translate(err, "vote")
	}
	return &v, nil
}

func (s *Store) ListVotes(ctx context.Context, milestoneID string) ([]model.Vote, error) {
	var rows []model.Vote
	err := s.session(ctx).Where("milestone_id = ?", milestoneID).Order("cast_at, id").Find(&rows).Error
	return rows, translate(err, "list votes")
}

// LockEscrowAccount returns the campaign's escrow counters for update,
// creating a zero account on first use.
func (s *Store) LockEscrowAccount(ctx context.Context, campaignID string) (*model.EscrowAccount, error) {
	zero := model.EscrowAccount{
		CampaignID:     campaignID,
		EscrowBalance:  decimal.Zero,
		ReleasedAmount: decimal.Zero,
		RefundedAmount: decimal.Zero,
	}
	if err := s.session(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&zero).Error; err != nil {
		return nil, translate(err, "init escrow account")
	}

	var account model.EscrowAccount
	if err := s.forUpdate(ctx).Where("campaign_id = ?", campaignID).First(&account).Error; err != nil {
		return nil, translate(err, "escrow account "+campaignID)
	}
	return &account, nil
}

func (s *Store) GetEscrowAccount(ctx context.Context, campaignID string) (*model.EscrowAccount, error) {
	var account model.EscrowAccount
	err := s.session(ctx).Where("campaign_id = ?", campaignID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.EscrowAccount{
			CampaignID:     campaignID,
			EscrowBalance:  decimal.Zero,
			ReleasedAmount: decimal.Zero,
			RefundedAmount: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, translate(err, "escrow account "+campaignID)
	}
	return &account, nil
}

func (s *Store) SaveEscrowAccount(ctx context.Context, account *model.EscrowAccount) error {
	return translate(s.session(ctx).Save(account).Error, "save escrow account")
}

func (s *Store) InsertTransaction(ctx context.Context, tx *model.EscrowTransaction) error {
	return translate(s.session(ctx).Create(tx).Error, "insert escrow transaction")
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*model.EscrowTransaction, error) {
	var row model.EscrowTransaction
	if err := s.session(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "escrow transaction "+id)
	}
	return &row, nil
}

// ActiveRelease returns the milestone's PENDING or CONFIRMED release, if any.
func (s *Store) ActiveRelease(ctx context.Context, milestoneID string) (*model.EscrowTransaction, error) {
	var row model.EscrowTransaction
	err := s.session(ctx).
		Where("milestone_id = ? AND type = ? AND status IN ?", milestoneID, model.TransactionRelease,
			[]model.TransactionStatus{model.TransactionPending, model.TransactionConfirmed}).
		First(&row).Error
	if err != nil {
		return nil, translate(err, "active release")
	}
	return &row, nil
}

// TransactionFilter narrows ListTransactions; zero fields match everything.
type TransactionFilter struct {
	CampaignID  string
	MilestoneID string
	BackerID    string
	Type        model.TransactionType
	Status      model.TransactionStatus
	Limit       int
}

func (s *Store) ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.EscrowTransaction, error) {
	q := s.session(ctx).Model(&model.EscrowTransaction{})
	if filter.CampaignID != "" {
		q = q.Where("campaign_id = ?", filter.CampaignID)
	}
	if filter.MilestoneID != "" {
		q = q.Where("milestone_id = ?", filter.MilestoneID)
	}
	if filter.BackerID != "" {
		q = q.Where("backer_id = ?", filter.BackerID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	q = q.Scopes(limited(filter.Limit))
	var rows []model.EscrowTransaction
	err := q.Order("executed_at, created_at, id").Find(&rows).Error
	return rows, translate(err, "list escrow transactions")
}

// UpdateTransactionFrom applies updates only while the entry is still in
// the expected status.
func (s *Store) UpdateTransactionFrom(ctx context.Context, id string, from model.TransactionStatus, updates map[string]any) (bool, error) {
	res := s.session(ctx).Model(&model.EscrowTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, translate(res.Error, "update escrow transaction "+id)
	}
	return res.RowsAffected == 1, nil
}

// ClaimForSubmission marks a pending outflow as handed to the settlement
// layer. Only one caller can win the claim.
func (s *Store) ClaimForSubmission(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.session(ctx).Model(&model.EscrowTransaction{}).
		Where("id = ? AND status = ? AND submitted_at IS NULL", id, model.TransactionPending).
		Updates(map[string]any{
			"submitted_at": now,
			"attempts":     gorm.Expr("attempts + ?", 1),
		})
	if res.Error != nil {
		return false, translate(res.Error, "claim escrow transaction "+id)
	}
	return res.RowsAffected == 1, nil
}

var outflowTypes = []model.TransactionType{model.TransactionRelease, model.TransactionRefund}

// Unsubmitted lists pending outflows that were never handed to settlement.
func (s *Store) Unsubmitted(ctx context.Context, limit int) ([]model.EscrowTransaction, error) {
	var rows []model.EscrowTransaction
	err := s.session(ctx).
		Where("status = ? AND type IN ? AND submitted_at IS NULL", model.TransactionPending, outflowTypes).
		Order("created_at, id").
		Scopes(limited(limit)).
		Find(&rows).Error
	return rows, translate(err, "list unsubmitted")
}

// AwaitingConfirmation lists pending outflows that carry a settlement reference.
func (s *Store) AwaitingConfirmation(ctx context.Context, limit int) ([]model.EscrowTransaction, error) {
	var rows []model.EscrowTransaction
	err := s.session(ctx).
		Where("status = ? AND type IN ? AND settlement_ref <> ''", model.TransactionPending, outflowTypes).
		Order("submitted_at, id").
		Scopes(limited(limit)).
		Find(&rows).Error
	return rows, translate(err, "list awaiting confirmation")
}

// StaleClaims lists outflows claimed before the cutoff that never received
// a settlement reference.
func (s *Store) StaleClaims(ctx context.Context, before time.Time, limit int) ([]model.EscrowTransaction, error) {
	var rows []model.EscrowTransaction
	err := s.session(ctx).
		Where("status = ? AND type IN ? AND submitted_at IS NOT NULL AND submitted_at < ? AND settlement_ref = ''",
			model.TransactionPending, outflowTypes, before).
		Order("submitted_at, id").
		Scopes(limited(limit)).
		Find(&rows).Error
	return rows, translate(err, "list stale claims")
}
