package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexafund/milestoned/model"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:   time.Second,
		RetryAttempts:  3,
		BatchSize:      10,
		ClaimTimeout:   time.Minute,
		ConfirmTimeout: time.Hour,
	}
}

// approvedRelease funds a campaign and approves its first milestone,
// returning the PENDING release it wrote.
func approvedRelease(t *testing.T, f *fixture) model.EscrowTransaction {
	c := f.campaign(1000)
	f.contribute(c.ID, "backer", 1000)
	m := f.voting(f.plan(c.ID, 300, 300, 300)[0])
	_, entry, err := f.engine.ApproveMilestone(context.Background(), m.ID, "admin")
	require.Nil(t, err)
	require.Equal(t, model.TransactionPending, entry.Status)
	return entry
}

func transaction(t *testing.T, f *fixture, id string) model.EscrowTransaction {
	entry, err := f.store.GetTransaction(context.Background(), id)
	require.Nil(t, err)
	return *entry
}

func TestWorkerSubmitsAndConfirms(t *testing.T) {
	f := newFixture(t)
	rec := &recordingPublisher{}
	f.engine.publisher = rec
	client := NewMockClient()
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())
	entry := approvedRelease(t, f)

	result, err := worker.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Submitted: 1, Confirmed: 1}, result)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "releaseFunds", calls[0].Method)
	assert.Equal(t, entry.Recipient, calls[0].Recipient)
	assert.Equal(t, "RELEASE:"+entry.ID, calls[0].Memo)
	assert.True(t, calls[0].Amount.Equal(decimal.NewFromInt(300)))

	settled := transaction(t, f, entry.ID)
	assert.Equal(t, model.TransactionConfirmed, settled.Status)
	assert.Equal(t, calls[0].Ref, settled.SettlementRef)
	assert.Equal(t, 1, settled.Attempts)
	require.NotNil(t, settled.SettledAt)
	assert.Contains(t, rec.types(), EventSettlementConfirmed)

	// nothing left to do
	result, err = worker.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, RoundResult{}, result)
	assert.Len(t, client.Calls(), 1)
}

func TestWorkerRetriesUnavailableSettlement(t *testing.T) {
	f := newFixture(t)
	client := NewMockClient()
	client.FailNext(
		pkgerrors.Wrap(ErrSettlementUnavailable, "dial"),
		pkgerrors.Wrap(ErrSettlementUnavailable, "dial"),
	)
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())
	entry := approvedRelease(t, f)

	result, err := worker.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, result.Submitted)
	assert.Len(t, client.Calls(), 1)
	assert.Equal(t, model.TransactionConfirmed, transaction(t, f, entry.ID).Status)
}

func TestWorkerGivesUpAfterRetryLimit(t *testing.T) {
	f := newFixture(t)
	client := NewMockClient()
	for i := 0; i < 3; i++ {
		client.FailNext(pkgerrors.Wrap(ErrSettlementUnavailable, "dial"))
	}
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())
	entry := approvedRelease(t, f)

	result, err := worker.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Failed: 1}, result)
	assert.Empty(t, client.Calls())

	failed := transaction(t, f, entry.ID)
	assert.Equal(t, model.TransactionFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, ErrSettlementUnavailable.Error())

	// funds stay reserved while the entry is FAILED
	balance, err := f.engine.Ledger().Balance(context.Background(), entry.CampaignID)
	require.Nil(t, err)
	assert.True(t, balance.Escrow.Equal(decimal.NewFromInt(700)))
}

func TestWorkerDoesNotRetryAmbiguousFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := NewMockClient()
	client.FailNext(errors.New("nonce too low"))
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())
	entry := approvedRelease(t, f)

	result, err := worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Failed: 1}, result)
	assert.Empty(t, client.Calls())

	failed := transaction(t, f, entry.ID)
	assert.Equal(t, model.TransactionFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "nonce too low")

	// a FAILED entry is never picked up again on its own
	result, err = worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{}, result)

	retried, err := f.engine.ReconcileTransaction(ctx, entry.ID, Reconciliation{Action: ReconcileRetry, ExecutedBy: "ops"})
	require.Nil(t, err)
	assert.Equal(t, model.TransactionPending, retried.Status)
	assert.Nil(t, retried.SubmittedAt)
	assert.Empty(t, retried.FailureReason)

	result, err = worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Submitted: 1, Confirmed: 1}, result)

	settled := transaction(t, f, entry.ID)
	assert.Equal(t, model.TransactionConfirmed, settled.Status)
	assert.Equal(t, 2, settled.Attempts)
}

func TestWorkerTimesOutUnconfirmedSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := NewMockClient()
	client.Hold(true)
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())
	entry := approvedRelease(t, f)

	result, err := worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Submitted: 1}, result)

	f.advance(30 * time.Minute)
	result, err = worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{}, result)

	f.advance(time.Hour)
	result, err = worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Failed: 1}, result)

	failed := transaction(t, f, entry.ID)
	assert.Equal(t, model.TransactionFailed, failed.Status)
	assert.Equal(t, FailureConfirmTimeout, failed.FailureReason)
	assert.NotEmpty(t, failed.SettlementRef)

	// the operator verified the transfer out of band
	confirmed, err := f.engine.ReconcileTransaction(ctx, entry.ID, Reconciliation{
		Action:        ReconcileConfirm,
		SettlementRef: failed.SettlementRef,
		ExecutedBy:    "ops",
	})
	require.Nil(t, err)
	assert.Equal(t, model.TransactionConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.SettledAt)

	_, err = f.engine.ReconcileTransaction(ctx, entry.ID, Reconciliation{Action: ReconcileRetry, ExecutedBy: "ops"})
	assert.True(t, errors.Is(err, ErrInvalidState))

	report, err := f.engine.Ledger().Audit(ctx, entry.CampaignID)
	require.Nil(t, err)
	assert.True(t, report.OK(), "%v", report.Violations)
}

func TestWorkerMarksRevertedSettlementFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := NewMockClient()
	client.Hold(true)
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())
	entry := approvedRelease(t, f)

	_, err := worker.RunOnce(ctx)
	require.Nil(t, err)
	calls := client.Calls()
	require.Len(t, calls, 1)
	client.SetState(calls[0].Ref, SettlementFailed)

	result, err := worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Failed: 1}, result)
	assert.Equal(t, FailureReverted, transaction(t, f, entry.ID).FailureReason)
}

func TestWorkerFailsStaleClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := NewMockClient()
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())
	entry := approvedRelease(t, f)

	// a previous worker claimed the entry and died before recording a reference
	ok, err := f.engine.Ledger().claim(ctx, entry.ID)
	require.Nil(t, err)
	require.True(t, ok)

	result, err := worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{}, result)

	f.advance(2 * time.Minute)
	result, err = worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Failed: 1}, result)
	assert.Empty(t, client.Calls())
	assert.Equal(t, FailureUnknownOutcome, transaction(t, f, entry.ID).FailureReason)
}

func TestWorkerSettlesRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := NewMockClient()
	worker := NewSettlementWorker(f.engine, client, testWorkerConfig())

	c := f.campaign(1000)
	f.contribute(c.ID, "backer", 200)
	m := f.voting(f.plan(c.ID, 300, 300, 300)[0])
	_, err := f.engine.RejectMilestone(ctx, m.ID, "admin", "no delivery")
	require.Nil(t, err)
	entry, err := f.engine.RefundBacker(ctx, m.ID, "backer", decimal.NewFromInt(200), "admin")
	require.Nil(t, err)

	result, err := worker.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, RoundResult{Submitted: 1, Confirmed: 1}, result)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "refundFunds", calls[0].Method)
	assert.Equal(t, "wallet-backer", calls[0].Recipient)
	assert.Equal(t, model.TransactionConfirmed, transaction(t, f, entry.ID).Status)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	worker := NewSettlementWorker(f.engine, NewMockClient(), testWorkerConfig())
	f.engine.notify = worker.Notify
	entry := approvedRelease(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	assert.Eventually(t, func() bool {
		row, err := f.store.GetTransaction(context.Background(), entry.ID)
		return err == nil && row.Status == model.TransactionConfirmed
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
