package core

import (
	"context"
	"errors"
	"testing"

	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger := f.engine.Ledger()
	c := f.campaign(1000)

	entry, err := ledger.Deposit(ctx, c.ID, decimal.RequireFromString("125.50"), "offline pledge")
	require.Nil(t, err)
	assert.Equal(t, model.TransactionDeposit, entry.Type)
	assert.Equal(t, model.TransactionConfirmed, entry.Status)
	assert.Equal(t, ExecutorSystem, entry.ExecutedBy)
	assert.Nil(t, entry.MilestoneID)

	_, err = ledger.Deposit(ctx, c.ID, decimal.Zero, "nothing")
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = ledger.Deposit(ctx, c.ID, decimal.NewFromInt(-10), "negative")
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = ledger.Deposit(ctx, "missing", decimal.NewFromInt(10), "nowhere")
	assert.True(t, errors.Is(err, ErrNotFound))

	balance, err := ledger.Balance(ctx, c.ID)
	require.Nil(t, err)
	assert.True(t, balance.Escrow.Equal(decimal.RequireFromString("125.5")))
	assert.True(t, balance.Released.IsZero())
}

func TestBalanceOfUnknownCampaign(t *testing.T) {
	f := newFixture(t)
	balance, err := f.engine.Ledger().Balance(context.Background(), "never-funded")
	require.Nil(t, err)
	assert.True(t, balance.Escrow.IsZero())
	assert.True(t, balance.Refunded.IsZero())
}

func TestAuditMatchesCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.campaign(1000)
	f.contribute(c.ID, "b1", 400)
	f.contribute(c.ID, "b2", 400)
	milestones := f.plan(c.ID, 300, 300, 300)

	first := f.voting(milestones[0])
	_, _, err := f.engine.ApproveMilestone(ctx, first.ID, "admin")
	require.Nil(t, err)
	second := f.voting(milestones[1])
	_, err = f.engine.RejectMilestone(ctx, second.ID, "admin", "late")
	require.Nil(t, err)
	_, err = f.engine.RefundBacker(ctx, second.ID, "b2", decimal.NewFromInt(150), "admin")
	require.Nil(t, err)

	report, err := f.engine.Ledger().Audit(ctx, c.ID)
	require.Nil(t, err)
	assert.True(t, report.OK(), "%v", report.Violations)
	assert.Equal(t, 4, report.Entries)
	assert.True(t, report.Recomputed.Escrow.Equal(decimal.NewFromInt(350)))
	assert.True(t, report.Recomputed.Released.Equal(decimal.NewFromInt(300)))
	assert.True(t, report.Recomputed.Refunded.Equal(decimal.NewFromInt(150)))
	assert.True(t, report.Counters.Escrow.Equal(report.Recomputed.Escrow))
}

func TestAuditFlagsCounterDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.campaign(1000)
	f.contribute(c.ID, "b1", 400)

	account, err := f.store.GetEscrowAccount(ctx, c.ID)
	require.Nil(t, err)
	account.EscrowBalance = decimal.NewFromInt(900)
	require.Nil(t, f.store.SaveEscrowAccount(ctx, account))

	report, err := f.engine.Ledger().Audit(ctx, c.ID)
	require.Nil(t, err)
	assert.False(t, report.OK())
	assert.Len(t, report.Violations, 1)
	assert.Contains(t, report.Violations[0], "escrow counter")
}

func TestSettlementTransitionsRequirePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger := f.engine.Ledger()
	entry := approvedRelease(t, f)

	assert.True(t, errors.Is(ledger.MarkSubmitted(ctx, entry.ID, ""), ErrValidation))
	require.Nil(t, ledger.MarkSubmitted(ctx, entry.ID, "0xabc"))
	require.Nil(t, ledger.MarkConfirmed(ctx, entry.ID))

	// confirmed entries are final
	assert.True(t, errors.Is(ledger.MarkFailed(ctx, entry.ID, "late revert"), ErrInvalidState))
	assert.True(t, errors.Is(ledger.MarkConfirmed(ctx, entry.ID), ErrInvalidState))
	assert.True(t, errors.Is(ledger.MarkConfirmed(ctx, "missing"), ErrInvalidState))
}

func TestReconcileValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger := f.engine.Ledger()
	entry := approvedRelease(t, f)

	tests := []struct {
		name string
		r    Reconciliation
		want error
	}{
		{"no executor", Reconciliation{Action: ReconcileRetry}, ErrValidation},
		{"unknown action", Reconciliation{Action: "void", ExecutedBy: "ops"}, ErrValidation},
		{"confirm without ref", Reconciliation{Action: ReconcileConfirm, ExecutedBy: "ops"}, ErrValidation},
		{"not failed", Reconciliation{Action: ReconcileRetry, ExecutedBy: "ops"}, ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Reconcile(ctx, entry.ID, tt.r)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := ledger.Reconcile(ctx, "missing", Reconciliation{Action: ReconcileRetry, ExecutedBy: "ops"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFailedReleaseBlocksSecondRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := approvedRelease(t, f)
	require.Nil(t, f.engine.Ledger().MarkFailed(ctx, entry.ID, FailureReverted))

	m, err := f.store.GetMilestone(ctx, *entry.MilestoneID)
	require.Nil(t, err)
	err = f.store.Transaction(ctx, func(tx *storage.Store) error {
		_, err := f.engine.Ledger().release(ctx, tx, m, "0xc0ffee", "admin", f.clock())
		return err
	})
	assert.True(t, errors.Is(err, ErrAlreadyReleased))
	assert.Len(t, f.entries(LedgerFilter{MilestoneID: m.ID, Type: model.TransactionRelease}), 1)
}
