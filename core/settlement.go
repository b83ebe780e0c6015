package core

import (
	"context"
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/nexafund/milestoned/metrics"
	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	FailureConfirmTimeout = "confirmation timeout"
	FailureUnknownOutcome = "settlement outcome unknown"
	FailureReverted       = "settlement reverted"
)

type WorkerConfig struct {
	PollInterval   time.Duration
	RetryAttempts  uint
	RetryBackoff   time.Duration
	BatchSize      int
	ClaimTimeout   time.Duration
	ConfirmTimeout time.Duration
}

// SettlementWorker drives PENDING outflows to CONFIRMED or FAILED. It never
// runs inside a database transaction and never re-sends an entry whose
// outcome is unknown.
type SettlementWorker struct {
	store     *storage.Store
	ledger    *Ledger
	client    SettlementClient
	logger    logrus.FieldLogger
	publisher Publisher
	metrics   *metrics.EngineMetrics
	config    WorkerConfig
	now       func() time.Time
	kick      chan struct{}
}

func NewSettlementWorker(engine *Engine, client SettlementClient, config WorkerConfig) *SettlementWorker {
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 15 * time.Second
	}
	return &SettlementWorker{
		store:     engine.store,
		ledger:    engine.ledger,
		client:    client,
		logger:    engine.logger.WithField("module", "settlement"),
		publisher: engine.publisher,
		metrics:   engine.metrics,
		config:    config,
		now:       engine.clock,
		kick:      make(chan struct{}, 1),
	}
}

// Notify wakes the worker without blocking.
func (w *SettlementWorker) Notify() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run processes outflows until ctx is done.
func (w *SettlementWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.WithField("interval", w.config.PollInterval).Info("Settlement worker started")
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithField("err", err).Error("Settlement round failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Settlement worker stopped")
			return nil
		case <-ticker.C:
		case <-w.kick:
		}
	}
}

type RoundResult struct {
	Submitted int
	Confirmed int
	Failed    int
}

// RunOnce fails stale claims, submits unsent outflows and confirms sent ones.
func (w *SettlementWorker) RunOnce(ctx context.Context) (_ RoundResult, err error) {
	ctx, span := startSpan(ctx, "SettlementWorker.RunOnce")
	defer func() { endSpan(span, err) }()

	var result RoundResult
	if err := w.failStale(ctx, &result); err != nil {
		return result, err
	}
	if err := w.submitPending(ctx, &result); err != nil {
		return result, err
	}
	if err := w.confirmSubmitted(ctx, &result); err != nil {
		return result, err
	}
	span.SetAttributes(
		attribute.Int("submitted", result.Submitted),
		attribute.Int("confirmed", result.Confirmed),
		attribute.Int("failed", result.Failed),
	)
	return result, nil
}

func (w *SettlementWorker) failStale(ctx context.Context, result *RoundResult) error {
	cutoff := w.now().Add(-w.config.ClaimTimeout)
	stale, err := w.store.StaleClaims(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return err
	}
	for i := range stale {
		w.fail(ctx, &stale[i], FailureUnknownOutcome, result)
	}
	return nil
}

func (w *SettlementWorker) submitPending(ctx context.Context, result *RoundResult) error {
	entries, err := w.store.Unsubmitted(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}
	for i := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.submit(ctx, &entries[i], result)
	}
	return nil
}

func (w *SettlementWorker) submit(ctx context.Context, entry *model.EscrowTransaction, result *RoundResult) {
	logger := w.logger.WithFields(logrus.Fields{
		"transaction": entry.ID,
		"type":        entry.Type,
		"amount":      entry.Amount.String(),
	})

	ok, err := w.ledger.claim(ctx, entry.ID)
	if err != nil {
		logger.WithField("err", err).Error("Claim escrow transaction failed")
		return
	}
	if !ok {
		return
	}

	memo := fmt.Sprintf("%s:%s", entry.Type, entry.ID)
	var ref string
	var lastErr error
	action := func(attempt uint) error {
		switch entry.Type {
		case model.TransactionRelease:
			ref, lastErr = w.client.ReleaseFunds(ctx, entry.Recipient, entry.Amount, memo)
		case model.TransactionRefund:
			ref, lastErr = w.client.RefundFunds(ctx, entry.Recipient, entry.Amount, memo)
		default:
			lastErr = errors.Errorf("escrow transaction type %s is not settled", entry.Type)
		}
		if lastErr != nil {
			logger.WithFields(logrus.Fields{"attempt": attempt, "err": lastErr}).Warn("Settlement call failed")
		}
		return lastErr
	}
	// only calls that provably broadcast nothing are retried
	retryable := func(attempt uint) bool {
		return attempt == 0 || errors.Is(lastErr, ErrSettlementUnavailable)
	}

	err = retry.Retry(action,
		retryable,
		strategy.Limit(w.config.RetryAttempts),
		strategy.Backoff(backoff.Fibonacci(w.config.RetryBackoff)),
	)
	if err != nil {
		w.fail(ctx, entry, err.Error(), result)
		return
	}

	if err := w.ledger.MarkSubmitted(ctx, entry.ID, ref); err != nil {
		logger.WithFields(logrus.Fields{"ref": ref, "err": err}).Error("Record settlement reference failed")
		return
	}
	result.Submitted++
	logger.WithField("ref", ref).Info("Settlement submitted")
}

func (w *SettlementWorker) confirmSubmitted(ctx context.Context, result *RoundResult) error {
	entries, err := w.store.AwaitingConfirmation(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}
	for i := range entries {
		entry := &entries[i]
		state, err := w.client.SettlementStatus(ctx, entry.SettlementRef)
		if err != nil {
			w.logger.WithFields(logrus.Fields{
				"transaction": entry.ID,
				"ref":         entry.SettlementRef,
				"err":         err,
			}).Warn("Query settlement status failed")
			continue
		}

		switch state {
		case SettlementConfirmed:
			if err := w.ledger.MarkConfirmed(ctx, entry.ID); err != nil {
				w.logger.WithFields(logrus.Fields{"transaction": entry.ID, "err": err}).Error("Confirm escrow transaction failed")
				continue
			}
			result.Confirmed++
			w.metrics.ObserveSettlement(string(entry.Type), string(model.TransactionConfirmed))
			w.publish(ctx, EventSettlementConfirmed, entry, nil)
			w.logger.WithFields(logrus.Fields{"transaction": entry.ID, "ref": entry.SettlementRef}).Info("Settlement confirmed")
		case SettlementFailed:
			w.fail(ctx, entry, FailureReverted, result)
		case SettlementPending:
			if entry.SubmittedAt != nil && w.now().Sub(*entry.SubmittedAt) > w.config.ConfirmTimeout {
				w.fail(ctx, entry, FailureConfirmTimeout, result)
			}
		}
	}
	return nil
}

func (w *SettlementWorker) fail(ctx context.Context, entry *model.EscrowTransaction, reason string, result *RoundResult) {
	if err := w.ledger.MarkFailed(ctx, entry.ID, reason); err != nil {
		w.logger.WithFields(logrus.Fields{"transaction": entry.ID, "err": err}).Error("Mark escrow transaction failed")
		return
	}
	result.Failed++
	w.metrics.ObserveSettlement(string(entry.Type), string(model.TransactionFailed))
	w.publish(ctx, EventSettlementFailed, entry, map[string]any{"reason": reason})
	w.logger.WithFields(logrus.Fields{
		"transaction": entry.ID,
		"campaign":    entry.CampaignID,
		"type":        entry.Type,
		"amount":      entry.Amount.String(),
		"reason":      reason,
	}).Error("Settlement failed, manual reconciliation required")
}

func (w *SettlementWorker) publish(ctx context.Context, kind string, entry *model.EscrowTransaction, attrs map[string]any) {
	ev := Event{
		Type:          kind,
		CampaignID:    entry.CampaignID,
		TransactionID: entry.ID,
		Attributes:    attrs,
		OccurredAt:    w.now(),
	}
	if entry.MilestoneID != nil {
		ev.MilestoneID = *entry.MilestoneID
	}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		w.logger.WithFields(logrus.Fields{"event": kind, "err": err}).Warn("Publish event failed")
	}
}
