package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexafund/milestoned/metrics"
	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	ExecutorAutoApproved = "AUTO_APPROVED"
	ExecutorAutoRejected = "AUTO_REJECTED"
	ExecutorAutoExpired  = "AUTO_EXPIRED"
	ExecutorSystem       = "SYSTEM"
)

type LedgerFilter = storage.TransactionFilter

// Ledger records every movement of campaign funds. Entries are append-only;
// outflows reserve their amount when written and keep it while PENDING or
// FAILED, so the escrow counter never goes negative.
type Ledger struct {
	store   *storage.Store
	logger  logrus.FieldLogger
	metrics *metrics.EngineMetrics
	now     func() time.Time
}

func NewLedger(store *storage.Store, logger logrus.FieldLogger, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: metrics.Engine(),
		now:     now,
	}
}

// Deposit records confirmed funds entering escrow.
func (l *Ledger) Deposit(ctx context.Context, campaignID string, amount decimal.Decimal, description string) (model.EscrowTransaction, error) {
	var entry *model.EscrowTransaction
	err := l.store.Transaction(ctx, func(tx *storage.Store) error {
		if _, err := tx.GetCampaign(ctx, campaignID); err != nil {
			return mapStoreErr(err)
		}
		var err error
		entry, err = l.deposit(ctx, tx, campaignID, "", amount, description, l.now().UTC())
		return err
	})
	if err != nil {
		return model.EscrowTransaction{}, err
	}
	return *entry, nil
}

func (l *Ledger) deposit(ctx context.Context, tx *storage.Store, campaignID, backerID string, amount decimal.Decimal, description string, now time.Time) (*model.EscrowTransaction, error) {
	if !amount.IsPositive() {
		return nil, validationf("deposit amount must be positive, got %s", amount)
	}

	account, err := tx.LockEscrowAccount(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	entry := &model.EscrowTransaction{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		BackerID:    backerID,
		Amount:      amount,
		Type:        model.TransactionDeposit,
		Status:      model.TransactionConfirmed,
		Description: description,
		ExecutedBy:  ExecutorSystem,
		ExecutedAt:  now,
		SettledAt:   &now,
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return nil, err
	}

	account.EscrowBalance = account.EscrowBalance.Add(amount)
	if err := tx.SaveEscrowAccount(ctx, account); err != nil {
		return nil, err
	}
	return entry, nil
}

// release writes the PENDING release of a milestone's funds and reserves
// the amount. It fails closed on a second release or a short balance.
func (l *Ledger) release(ctx context.Context, tx *storage.Store, m *model.Milestone, recipient, executedBy string, now time.Time) (*model.EscrowTransaction, error) {
	if _, err := tx.ActiveRelease(ctx, m.ID); err == nil {
		return nil, errors.Wrapf(ErrAlreadyReleased, "milestone %s", m.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	account, err := tx.LockEscrowAccount(ctx, m.CampaignID)
	if err != nil {
		return nil, err
	}
	if account.EscrowBalance.LessThan(m.Amount) {
		l.invariantFailed("escrow_balance", logrus.Fields{
			"campaign":  m.CampaignID,
			"milestone": m.ID,
			"balance":   account.EscrowBalance.String(),
			"amount":    m.Amount.String(),
		})
		return nil, errors.Wrapf(ErrInsufficientEscrow, "release %s from balance %s", m.Amount, account.EscrowBalance)
	}

	milestoneID := m.ID
	releaseKey := m.ID
	entry := &model.EscrowTransaction{
		ID:          uuid.NewString(),
		CampaignID:  m.CampaignID,
		MilestoneID: &milestoneID,
		Amount:      m.Amount,
		Type:        model.TransactionRelease,
		Status:      model.TransactionPending,
		Description: fmt.Sprintf("Release for milestone %d: %s", m.Order, m.Title),
		ExecutedBy:  executedBy,
		ExecutedAt:  now,
		Recipient:   recipient,
		ReleaseKey:  &releaseKey,
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, errors.Wrapf(ErrAlreadyReleased, "milestone %s", m.ID)
		}
		return nil, err
	}

	account.EscrowBalance = account.EscrowBalance.Sub(m.Amount)
	account.ReleasedAmount = account.ReleasedAmount.Add(m.Amount)
	if err := tx.SaveEscrowAccount(ctx, account); err != nil {
		return nil, err
	}
	return entry, nil
}

// refund writes a PENDING refund to a backer and reserves the amount.
func (l *Ledger) refund(ctx context.Context, tx *storage.Store, m *model.Milestone, backerID, recipient string, amount decimal.Decimal, executedBy string, now time.Time) (*model.EscrowTransaction, error) {
	account, err := tx.LockEscrowAccount(ctx, m.CampaignID)
	if err != nil {
		return nil, err
	}
	if account.EscrowBalance.LessThan(amount) {
		l.invariantFailed("escrow_balance", logrus.Fields{
			"campaign": m.CampaignID,
			"backer":   backerID,
			"balance":  account.EscrowBalance.String(),
			"amount":   amount.String(),
		})
		return nil, errors.Wrapf(ErrInsufficientEscrow, "refund %s from balance %s", amount, account.EscrowBalance)
	}

	milestoneID := m.ID
	entry := &model.EscrowTransaction{
		ID:          uuid.NewString(),
		CampaignID:  m.CampaignID,
		MilestoneID: &milestoneID,
		BackerID:    backerID,
		Amount:      amount,
		Type:        model.TransactionRefund,
		Status:      model.TransactionPending,
		Description: fmt.Sprintf("Refund for milestone %d: %s", m.Order, m.Title),
		ExecutedBy:  executedBy,
		ExecutedAt:  now,
		Recipient:   recipient,
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return nil, err
	}

	account.EscrowBalance = account.EscrowBalance.Sub(amount)
	account.RefundedAmount = account.RefundedAmount.Add(amount)
	if err := tx.SaveEscrowAccount(ctx, account); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) invariantFailed(invariant string, fields logrus.Fields) {
	l.metrics.ObserveInvariantFailure(invariant)
	l.logger.WithFields(fields).WithField("invariant", invariant).Error("Escrow invariant violated, aborting")
}

// claim marks a pending outflow as handed to the settlement layer.
func (l *Ledger) claim(ctx context.Context, id string) (bool, error) {
	return l.store.ClaimForSubmission(ctx, id, l.now().UTC())
}

// MarkSubmitted stores the settlement reference of a pending outflow.
func (l *Ledger) MarkSubmitted(ctx context.Context, id, ref string) error {
	if ref == "" {
		return validationf("settlement reference is required")
	}
	return l.move(ctx, id, model.TransactionPending, map[string]any{
		"settlement_ref": ref,
	})
}

func (l *Ledger) MarkConfirmed(ctx context.Context, id string) error {
	return l.move(ctx, id, model.TransactionPending, map[string]any{
		"status":     model.TransactionConfirmed,
		"settled_at": l.now().UTC(),
	})
}

func (l *Ledger) MarkFailed(ctx context.Context, id, reason string) error {
	return l.move(ctx, id, model.TransactionPending, map[string]any{
		"status":         model.TransactionFailed,
		"failure_reason": reason,
	})
}

func (l *Ledger) move(ctx context.Context, id string, from model.TransactionStatus, updates map[string]any) error {
	ok, err := l.store.UpdateTransactionFrom(ctx, id, from, updates)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrInvalidState, "escrow transaction %s is not %s", id, from)
	}
	return nil
}

type ReconcileAction string

const (
	// ReconcileConfirm records a settlement verified out of band.
	ReconcileConfirm ReconcileAction = "confirm"
	// ReconcileRetry queues the entry for one more settlement attempt.
	ReconcileRetry ReconcileAction = "retry"
)

type Reconciliation struct {
	Action        ReconcileAction
	SettlementRef string
	ExecutedBy    string
}

// Reconcile resolves a FAILED outflow. Confirmed entries are final.
func (l *Ledger) Reconcile(ctx context.Context, id string, r Reconciliation) (model.EscrowTransaction, error) {
	if r.ExecutedBy == "" {
		return model.EscrowTransaction{}, validationf("reconciliation requires an executor")
	}

	var updates map[string]any
	switch r.Action {
	case ReconcileConfirm:
		if r.SettlementRef == "" {
			return model.EscrowTransaction{}, validationf("confirming requires a settlement reference")
		}
		updates = map[string]any{
			"status":         model.TransactionConfirmed,
			"settlement_ref": r.SettlementRef,
			"settled_at":     l.now().UTC(),
		}
	case ReconcileRetry:
		updates = map[string]any{
			"status":         model.TransactionPending,
			"settlement_ref": "",
			"submitted_at":   nil,
			"failure_reason": "",
		}
	default:
		return model.EscrowTransaction{}, validationf("unknown reconcile action %q", r.Action)
	}

	entry, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return model.EscrowTransaction{}, mapStoreErr(err)
	}
	if err := l.move(ctx, id, model.TransactionFailed, updates); err != nil {
		return model.EscrowTransaction{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"transaction": id,
		"type":        entry.Type,
		"action":      r.Action,
		"executed_by": r.ExecutedBy,
	}).Warn("Escrow transaction reconciled manually")

	updated, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return model.EscrowTransaction{}, err
	}
	return *updated, nil
}

func (l *Ledger) ListTransactions(ctx context.Context, filter LedgerFilter) ([]model.EscrowTransaction, error) {
	return l.store.ListTransactions(ctx, filter)
}

type Balance struct {
	CampaignID string          `json:"campaign_id"`
	Escrow     decimal.Decimal `json:"escrow"`
	Released   decimal.Decimal `json:"released"`
	Refunded   decimal.Decimal `json:"refunded"`
}

func (l *Ledger) Balance(ctx context.Context, campaignID string) (Balance, error) {
	account, err := l.store.GetEscrowAccount(ctx, campaignID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		CampaignID: campaignID,
		Escrow:     account.EscrowBalance,
		Released:   account.ReleasedAmount,
		Refunded:   account.RefundedAmount,
	}, nil
}

type AuditReport struct {
	Counters   Balance  `json:"counters"`
	Recomputed Balance  `json:"recomputed"`
	Entries    int      `json:"entries"`
	Violations []string `json:"violations"`
}

func (r AuditReport) OK() bool {
	return len(r.Violations) == 0
}

// Audit replays the campaign's entries in execution order and checks them
// against the stored counters, the running balance and the single-release rule.
func (l *Ledger) Audit(ctx context.Context, campaignID string) (AuditReport, error) {
	counters, err := l.Balance(ctx, campaignID)
	if err != nil {
		return AuditReport{}, err
	}
	entries, err := l.store.ListTransactions(ctx, LedgerFilter{CampaignID: campaignID})
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{
		Counters: counters,
		Recomputed: Balance{
			CampaignID: campaignID,
			Escrow:     decimal.Zero,
			Released:   decimal.Zero,
			Refunded:   decimal.Zero,
		},
		Entries: len(entries),
	}

	releases := make(map[string]int)
	for _, e := range entries {
		if _, err := e.Type.Outflow(); err != nil {
			report.Violations = append(report.Violations, fmt.Sprintf("entry %s: %v", e.ID, err))
			continue
		}
		switch e.Type {
		case model.TransactionDeposit:
			if e.Status == model.TransactionConfirmed {
				report.Recomputed.Escrow = report.Recomputed.Escrow.Add(e.Amount)
			}
		case model.TransactionRelease:
			report.Recomputed.Escrow = report.Recomputed.Escrow.Sub(e.Amount)
			report.Recomputed.Released = report.Recomputed.Released.Add(e.Amount)
			if e.MilestoneID != nil {
				releases[*e.MilestoneID]++
			}
		case model.TransactionRefund:
			report.Recomputed.Escrow = report.Recomputed.Escrow.Sub(e.Amount)
			report.Recomputed.Refunded = report.Recomputed.Refunded.Add(e.Amount)
		}
		if report.Recomputed.Escrow.IsNegative() {
			report.Violations = append(report.Violations,
				fmt.Sprintf("balance negative (%s) after entry %s", report.Recomputed.Escrow, e.ID))
		}
	}

	for milestoneID, n := range releases {
		if n > 1 {
			report.Violations = append(report.Violations, fmt.Sprintf("milestone %s has %d releases", milestoneID, n))
		}
	}
	if !report.Recomputed.Escrow.Equal(counters.Escrow) {
		report.Violations = append(report.Violations,
			fmt.Sprintf("escrow counter %s differs from entries %s", counters.Escrow, report.Recomputed.Escrow))
	}
	if !report.Recomputed.Released.Equal(counters.Released) {
		report.Violations = append(report.Violations,
			fmt.Sprintf("released counter %s differs from entries %s", counters.Released, report.Recomputed.Released))
	}
	if !report.Recomputed.Refunded.Equal(counters.Refunded) {
		report.Violations = append(report.Violations,
			fmt.Sprintf("refunded counter %s differs from entries %s", counters.Refunded, report.Recomputed.Refunded))
	}
	return report, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrap(ErrNotFound, err.Error())
	}
	return err
}
