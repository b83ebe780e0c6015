package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexafund/milestoned/metrics"
	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ExpiredAnnotation   = "Milestone expired - deadline passed without submission"
	AutoRejectionReason = "Insufficient community approval"

	// campaigns at or above this target must be split into MinMilestones stages
	LargeCampaignTarget = 500
	MinMilestones       = 3
)

var tracer = otel.Tracer("github.com/nexafund/milestoned/core")

// Engine is the milestone state machine. It is the only writer of
// milestone status and of ledger entries.
type Engine struct {
	store     *storage.Store
	ledger    *Ledger
	logger    logrus.FieldLogger
	publisher Publisher
	metrics   *metrics.EngineMetrics
	now       func() time.Time
	notify    func()
}

type Option func(*Engine)

// WithClock replaces the wall clock used for deadlines and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithSettlementNotifier sets a callback run after an outflow commits.
func WithSettlementNotifier(fn func()) Option {
	return func(e *Engine) {
		e.notify = fn
	}
}

func NewEngine(store *storage.Store, logger logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		logger:    logger,
		publisher: nopPublisher{},
		metrics:   metrics.Engine(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewLedger(store, logger, e.clock)
	return e
}

func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// changes collects what a committed transaction must announce.
type changes struct {
	events      []Event
	transitions []transition
	outflows    int
}

type transition struct {
	to    model.MilestoneStatus
	actor string
}

func (c *changes) add(other changes) {
	c.events = append(c.events, other.events...)
	c.transitions = append(c.transitions, other.transitions...)
	c.outflows += other.outflows
}

// commit publishes what a transaction changed once it is durable.
func (e *Engine) commit(ctx context.Context, c changes) {
	for _, t := range c.transitions {
		e.metrics.ObserveTransition(string(t.to), t.actor)
	}
	if c.outflows > 0 {
		e.metrics.ObserveLedgerEntry(string(model.TransactionRelease))
		if e.notify != nil {
			e.notify()
		}
	}
	for _, ev := range c.events {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.WithFields(logrus.Fields{
				"event":     ev.Type,
				"milestone": ev.MilestoneID,
				"err":       err,
			}).Warn("Publish event failed")
		}
	}
}

func (e *Engine) event(kind string, m *model.Milestone, attrs map[string]any) Event {
	return Event{
		Type:        kind,
		CampaignID:  m.CampaignID,
		MilestoneID: m.ID,
		Attributes:  attrs,
		OccurredAt:  e.clock(),
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type MilestoneInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Deadline    time.Time       `json:"deadline"`
	Order       int             `json:"order"`
}

func validateInputs(inputs []MilestoneInput, now time.Time) error {
	if len(inputs) == 0 {
		return validationf("at least one milestone is required")
	}
	seen := make(map[int]bool, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return validationf("milestone %d: title is required", i+1)
		}
		if !in.Amount.IsPositive() {
			return validationf("milestone %d: amount must be positive", i+1)
		}
		if !in.Amount.Equal(in.Amount.Round(2)) {
			return validationf("milestone %d: amount has more than two decimal places", i+1)
		}
		if !in.Deadline.After(now) {
			return validationf("milestone %d: deadline must be in the future", i+1)
		}
		if in.Order < 1 || in.Order > len(inputs) || seen[in.Order] {
			return validationf("milestone orders must be sequential starting from 1")
		}
		seen[in.Order] = true
	}
	return nil
}

// CreateMilestones creates all milestones of a campaign at once.
func (e *Engine) CreateMilestones(ctx context.Context, campaignID string, inputs []MilestoneInput) (_ []model.Milestone, err error) {
	ctx, span := startSpan(ctx, "Engine.CreateMilestones", attribute.String("campaign", campaignID))
	defer func() { endSpan(span, err) }()

	now := e.clock()
	if err := validateInputs(inputs, now); err != nil {
		return nil, err
	}

	sorted := append([]MilestoneInput(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	var rows []model.Milestone
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		campaign, err := tx.GetCampaign(ctx, campaignID)
		if err != nil {
			return mapStoreErr(err)
		}
		n, err := tx.CountMilestones(ctx, campaignID)
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.Wrapf(ErrMilestonesExist, "campaign %s", campaignID)
		}

		total := decimal.Zero
		for _, in := range sorted {
			total = total.Add(in.Amount)
		}
		if total.GreaterThan(campaign.TargetAmount) {
			e.metrics.ObserveInvariantFailure("campaign_target")
			e.logger.WithFields(logrus.Fields{
				"campaign": campaignID,
				"total":    total.String(),
				"target":   campaign.TargetAmount.String(),
			}).Error("Milestone amounts exceed campaign target")
			return errors.Wrapf(ErrTargetExceeded, "total %s exceeds target %s", total, campaign.TargetAmount)
		}

		rows = make([]model.Milestone, 0, len(sorted))
		for _, in := range sorted {
			rows = append(rows, model.Milestone{
				ID:          uuid.NewString(),
				CampaignID:  campaignID,
				Order:       in.Order,
				Title:       strings.TrimSpace(in.Title),
				Description: in.Description,
				Amount:      in.Amount,
				Deadline:    in.Deadline.UTC(),
				Status:      model.MilestonePending,
			})
		}
		if err := tx.CreateMilestones(ctx, rows); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return errors.Wrapf(ErrMilestonesExist, "campaign %s", campaignID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"campaign": campaignID,
		"count":    len(rows),
	}).Info("Milestones created")
	return rows, nil
}

type Submission struct {
	Evidence    string `json:"evidence"`
	Description string `json:"description"`
}

// SubmitMilestone records the creator's evidence of completion.
func (e *Engine) SubmitMilestone(ctx context.Context, milestoneID, submitterID string, sub Submission) (_ model.Milestone, err error) {
	ctx, span := startSpan(ctx, "Engine.SubmitMilestone", attribute.String("milestone", milestoneID))
	defer func() { endSpan(span, err) }()

	now := e.clock()
	var m *model.Milestone
	var c changes
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		var err error
		m, err = tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}
		campaign, err := tx.GetCampaign(ctx, m.CampaignID)
		if err != nil {
			return mapStoreErr(err)
		}
		if campaign.CreatorID != submitterID {
			return errors.Wrapf(ErrNotOwner, "submitter %s", submitterID)
		}
		if m.Status != model.MilestonePending {
			return errors.Wrapf(ErrInvalidState, "cannot submit milestone in %s", m.Status)
		}

		ok, err := tx.TransitionMilestone(ctx, m.ID, model.MilestonePending, model.MilestoneSubmitted, map[string]any{
			"evidence":               sub.Evidence,
			"submission_description": sub.Description,
			"submitted_at":           now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrInvalidState, "milestone %s is no longer PENDING", m.ID)
		}

		m.Status = model.MilestoneSubmitted
		m.Evidence = sub.Evidence
		m.SubmissionDescription = sub.Description
		m.SubmittedAt = &now
		c.transitions = append(c.transitions, transition{to: model.MilestoneSubmitted, actor: submitterID})
		c.events = append(c.events, e.event(EventMilestoneSubmitted, m, nil))
		return nil
	})
	if err != nil {
		return model.Milestone{}, err
	}

	e.commit(ctx, c)
	return *m, nil
}

// OpenVoting starts the fixed voting window of a submitted milestone. An
// open window is never extended.
func (e *Engine) OpenVoting(ctx context.Context, milestoneID string) (_ model.Milestone, err error) {
	ctx, span := startSpan(ctx, "Engine.OpenVoting", attribute.String("milestone", milestoneID))
	defer func() { endSpan(span, err) }()

	now := e.clock()
	deadline := now.Add(VotingPeriod)
	var m *model.Milestone
	var c changes
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		var err error
		m, err = tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}
		switch m.Status {
		case model.MilestoneSubmitted:
		case model.MilestoneVoting:
			return errors.Wrapf(ErrVotingAlreadyOpen, "milestone %s", m.ID)
		default:
			return errors.Wrapf(ErrInvalidState, "cannot open voting on milestone in %s", m.Status)
		}

		ok, err := tx.TransitionMilestone(ctx, m.ID, model.MilestoneSubmitted, model.MilestoneVoting, map[string]any{
			"voting_deadline":  deadline,
			"voting_opened_at": now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrInvalidState, "milestone %s is no longer SUBMITTED", m.ID)
		}

		m.Status = model.MilestoneVoting
		m.VotingDeadline = &deadline
		m.VotingOpenedAt = &now
		c.transitions = append(c.transitions, transition{to: model.MilestoneVoting, actor: ExecutorSystem})
		c.events = append(c.events, e.event(EventMilestoneVotingOpened, m, map[string]any{
			"voting_deadline": deadline,
		}))
		return nil
	})
	if err != nil {
		return model.Milestone{}, err
	}

	e.commit(ctx, c)
	return *m, nil
}

// EvaluateResolution applies the resolution rule to a milestone's current
// tally. It is a no-op for milestones that are not VOTING.
func (e *Engine) EvaluateResolution(ctx context.Context, milestoneID string) (Decision, error) {
	return e.evaluate(ctx, milestoneID, e.clock())
}

func (e *Engine) evaluate(ctx context.Context, milestoneID string, now time.Time) (_ Decision, err error) {
	ctx, span := startSpan(ctx, "Engine.EvaluateResolution", attribute.String("milestone", milestoneID))
	defer func() { endSpan(span, err) }()

	decision := DecisionNone
	var c changes
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		m, err := tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}
		var rc changes
		decision, rc, err = e.resolve(ctx, tx, m, now)
		if err != nil {
			return err
		}
		c.add(rc)
		return nil
	})
	if err != nil {
		return DecisionNone, err
	}

	e.commit(ctx, c)
	return decision, nil
}

// resolve applies the automatic decision, if any, inside tx.
func (e *Engine) resolve(ctx context.Context, tx *storage.Store, m *model.Milestone, now time.Time) (Decision, changes, error) {
	decision := Resolve(m.Status, tallyOf(m), m.VotingDeadline, now)
	switch decision {
	case DecisionApprove:
		_, c, err := e.approve(ctx, tx, m, ExecutorAutoApproved, now)
		return decision, c, err
	case DecisionReject:
		c, err := e.reject(ctx, tx, m, ExecutorAutoRejected, AutoRejectionReason, now)
		return decision, c, err
	default:
		return DecisionNone, changes{}, nil
	}
}

// ApproveMilestone approves a VOTING milestone and records the release of
// its funds. The release is settled asynchronously.
func (e *Engine) ApproveMilestone(ctx context.Context, milestoneID, executedBy string) (_ model.Milestone, _ model.EscrowTransaction, err error) {
	ctx, span := startSpan(ctx, "Engine.ApproveMilestone", attribute.String("milestone", milestoneID))
	defer func() { endSpan(span, err) }()

	if executedBy == "" {
		return model.Milestone{}, model.EscrowTransaction{}, validationf("executor is required")
	}

	now := e.clock()
	var m *model.Milestone
	var entry *model.EscrowTransaction
	var c changes
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		var err error
		m, err = tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}
		entry, c, err = e.approve(ctx, tx, m, executedBy, now)
		return err
	})
	if err != nil {
		return model.Milestone{}, model.EscrowTransaction{}, err
	}

	e.commit(ctx, c)
	return *m, *entry, nil
}

func (e *Engine) approve(ctx context.Context, tx *storage.Store, m *model.Milestone, executedBy string, now time.Time) (*model.EscrowTransaction, changes, error) {
	if m.Status != model.MilestoneVoting {
		return nil, changes{}, errors.Wrapf(ErrInvalidState, "cannot approve milestone in %s", m.Status)
	}
	campaign, err := tx.GetCampaign(ctx, m.CampaignID)
	if err != nil {
		return nil, changes{}, mapStoreErr(err)
	}

	ok, err := tx.TransitionMilestone(ctx, m.ID, model.MilestoneVoting, model.MilestoneApproved, map[string]any{
		"approved_at": now,
		"decided_by":  executedBy,
	})
	if err != nil {
		return nil, changes{}, err
	}
	if !ok {
		return nil, changes{}, errors.Wrapf(ErrInvalidState, "milestone %s is no longer VOTING", m.ID)
	}

	entry, err := e.ledger.release(ctx, tx, m, campaign.CreatorWallet, executedBy, now)
	if err != nil {
		return nil, changes{}, err
	}

	m.Status = model.MilestoneApproved
	m.ApprovedAt = &now
	m.DecidedBy = executedBy

	e.logger.WithFields(logrus.Fields{
		"milestone":   m.ID,
		"campaign":    m.CampaignID,
		"amount":      m.Amount.String(),
		"executed_by": executedBy,
		"approve":     m.ApproveWeight,
		"reject":      m.RejectWeight,
	}).Info("Milestone approved")

	ev := e.event(EventMilestoneApproved, m, map[string]any{
		"amount":      m.Amount.String(),
		"executed_by": executedBy,
	})
	ev.TransactionID = entry.ID
	return entry, changes{
		events:      []Event{ev},
		transitions: []transition{{to: model.MilestoneApproved, actor: executedBy}},
		outflows:    1,
	}, nil
}

// RejectMilestone rejects a VOTING milestone. Its funds stay in escrow.
func (e *Engine) RejectMilestone(ctx context.Context, milestoneID, executedBy, reason string) (_ model.Milestone, err error) {
	ctx, span := startSpan(ctx, "Engine.RejectMilestone", attribute.String("milestone", milestoneID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(reason) == "" {
		return model.Milestone{}, validationf("rejection reason is required")
	}
	if executedBy == "" {
		return model.Milestone{}, validationf("executor is required")
	}

	now := e.clock()
	var m *model.Milestone
	var c changes
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		var err error
		m, err = tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}
		c, err = e.reject(ctx, tx, m, executedBy, reason, now)
		return err
	})
	if err != nil {
		return model.Milestone{}, err
	}

	e.commit(ctx, c)
	return *m, nil
}

func (e *Engine) reject(ctx context.Context, tx *storage.Store, m *model.Milestone, executedBy, reason string, now time.Time) (changes, error) {
	if m.Status != model.MilestoneVoting {
		return changes{}, errors.Wrapf(ErrInvalidState, "cannot reject milestone in %s", m.Status)
	}

	ok, err := tx.TransitionMilestone(ctx, m.ID, model.MilestoneVoting, model.MilestoneRejected, map[string]any{
		"rejected_at": now,
		"admin_notes": reason,
		"decided_by":  executedBy,
	})
	if err != nil {
		return changes{}, err
	}
	if !ok {
		return changes{}, errors.Wrapf(ErrInvalidState, "milestone %s is no longer VOTING", m.ID)
	}

	m.Status = model.MilestoneRejected
	m.RejectedAt = &now
	m.AdminNotes = reason
	m.DecidedBy = executedBy

	e.logger.WithFields(logrus.Fields{
		"milestone":   m.ID,
		"campaign":    m.CampaignID,
		"executed_by": executedBy,
		"approve":     m.ApproveWeight,
		"reject":      m.RejectWeight,
	}).Info("Milestone rejected")

	return changes{
		events: []Event{e.event(EventMilestoneRejected, m, map[string]any{
			"reason":      reason,
			"executed_by": executedBy,
		})},
		transitions: []transition{{to: model.MilestoneRejected, actor: executedBy}},
	}, nil
}

// expire moves an overdue PENDING milestone to EXPIRED.
func (e *Engine) expire(ctx context.Context, milestoneID string, now time.Time) (bool, error) {
	var c changes
	expired := false
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		m, err := tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}
		if m.Status != model.MilestonePending || !m.Deadline.Before(now) {
			return nil
		}

		ok, err := tx.TransitionMilestone(ctx, m.ID, model.MilestonePending, model.MilestoneExpired, map[string]any{
			"expired_at":  now,
			"admin_notes": ExpiredAnnotation,
			"decided_by":  ExecutorAutoExpired,
		})
		if err != nil || !ok {
			return err
		}

		m.Status = model.MilestoneExpired
		expired = true
		c.transitions = append(c.transitions, transition{to: model.MilestoneExpired, actor: ExecutorAutoExpired})
		c.events = append(c.events, e.event(EventMilestoneExpired, m, map[string]any{
			"deadline": m.Deadline,
		}))
		return nil
	})
	if err != nil {
		return false, err
	}

	e.commit(ctx, c)
	return expired, nil
}

type SweepResult struct {
	Expired        int `json:"expired"`
	VotingExamined int `json:"voting_examined"`
	Approved       int `json:"approved"`
	Rejected       int `json:"rejected"`
	Failed         int `json:"failed"`
}

// SweepExpired expires overdue PENDING milestones and re-evaluates VOTING
// milestones whose window has closed. Every milestone is handled in its own
// transaction; a failure is logged and the sweep moves on.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (_ SweepResult, err error) {
	ctx, span := startSpan(ctx, "Engine.SweepExpired")
	defer func() { endSpan(span, err) }()

	now = now.UTC()
	var result SweepResult

	pending, err := e.store.OverduePending(ctx, now, 0)
	if err != nil {
		return result, err
	}
	for _, m := range pending {
		expired, err := e.expire(ctx, m.ID, now)
		if err != nil {
			result.Failed++
			e.logger.WithFields(logrus.Fields{"milestone": m.ID, "err": err}).Error("Expire milestone failed")
			continue
		}
		if expired {
			result.Expired++
		}
	}

	voting, err := e.store.ClosedVoting(ctx, now, 0)
	if err != nil {
		return result, err
	}
	for _, m := range voting {
		result.VotingExamined++
		decision, err := e.evaluate(ctx, m.ID, now)
		if err != nil {
			result.Failed++
			e.logger.WithFields(logrus.Fields{"milestone": m.ID, "err": err}).Error("Evaluate milestone failed")
			continue
		}
		switch decision {
		case DecisionApprove:
			result.Approved++
		case DecisionReject:
			result.Rejected++
		case DecisionNone:
			e.logger.WithFields(logrus.Fields{
				"milestone": m.ID,
				"approve":   m.ApproveWeight,
				"reject":    m.RejectWeight,
			}).Warn("Voting closed without a decision, awaiting administrator")
		}
	}

	span.SetAttributes(
		attribute.Int("expired", result.Expired),
		attribute.Int("voting_examined", result.VotingExamined),
	)
	return result, nil
}

type Validation struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// ValidateMilestoneRequirements checks a campaign's milestone plan.
func (e *Engine) ValidateMilestoneRequirements(ctx context.Context, campaignID string) (Validation, error) {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Validation{}, mapStoreErr(err)
	}
	milestones, err := e.store.ListMilestones(ctx, campaignID)
	if err != nil {
		return Validation{}, err
	}

	v := Validation{Errors: []string{}}
	if campaign.TargetAmount.GreaterThanOrEqual(decimal.NewFromInt(LargeCampaignTarget)) && len(milestones) < MinMilestones {
		v.Errors = append(v.Errors, "Campaigns with target amount >= 500 must have at least 3 milestones")
	}
	total := decimal.Zero
	for i, m := range milestones {
		if m.Order != i+1 {
			v.Errors = append(v.Errors, "Milestone orders must be sequential starting from 1")
			break
		}
	}
	for _, m := range milestones {
		total = total.Add(m.Amount)
	}
	if total.GreaterThan(campaign.TargetAmount) {
		v.Errors = append(v.Errors, "Total milestone amounts cannot exceed campaign target")
	}
	v.IsValid = len(v.Errors) == 0
	return v, nil
}

type Stats struct {
	Total               int             `json:"total"`
	Pending             int             `json:"pending"`
	Submitted           int             `json:"submitted"`
	Voting              int             `json:"voting"`
	Approved            int             `json:"approved"`
	Rejected            int             `json:"rejected"`
	Expired             int             `json:"expired"`
	TotalApprovedAmount decimal.Decimal `json:"total_approved_amount"`
}

func (e *Engine) GetMilestoneStats(ctx context.Context, campaignID string) (Stats, error) {
	milestones, err := e.store.ListMilestones(ctx, campaignID)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Total: len(milestones), TotalApprovedAmount: decimal.Zero}
	for _, m := range milestones {
		if _, err := m.Status.Terminal(); err != nil {
			return Stats{}, errors.Wrapf(err, "milestone %s", m.ID)
		}
		switch m.Status {
		case model.MilestonePending:
			stats.Pending++
		case model.MilestoneSubmitted:
			stats.Submitted++
		case model.MilestoneVoting:
			stats.Voting++
		case model.MilestoneApproved:
			stats.Approved++
			stats.TotalApprovedAmount = stats.TotalApprovedAmount.Add(m.Amount)
		case model.MilestoneRejected:
			stats.Rejected++
		case model.MilestoneExpired:
			stats.Expired++
		}
	}
	return stats, nil
}

func (e *Engine) GetMilestone(ctx context.Context, milestoneID string) (model.Milestone, error) {
	m, err := e.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return model.Milestone{}, mapStoreErr(err)
	}
	return *m, nil
}

func (e *Engine) ListMilestones(ctx context.Context, campaignID string) ([]model.Milestone, error) {
	return e.store.ListMilestones(ctx, campaignID)
}

type ContributionInput struct {
	CampaignID   string          `json:"campaign_id"`
	BackerID     string          `json:"backer_id"`
	BackerWallet string          `json:"backer_wallet"`
	Amount       decimal.Decimal `json:"amount"`
}

// RecordContribution stores a confirmed contribution and deposits it into
// escrow in one transaction.
func (e *Engine) RecordContribution(ctx context.Context, in ContributionInput) (_ model.Contribution, _ model.EscrowTransaction, err error) {
	ctx, span := startSpan(ctx, "Engine.RecordContribution", attribute.String("campaign", in.CampaignID))
	defer func() { endSpan(span, err) }()

	if in.BackerID == "" {
		return model.Contribution{}, model.EscrowTransaction{}, validationf("backer is required")
	}
	if !in.Amount.IsPositive() {
		return model.Contribution{}, model.EscrowTransaction{}, validationf("contribution amount must be positive")
	}

	now := e.clock()
	contribution := model.Contribution{
		ID:           uuid.NewString(),
		CampaignID:   in.CampaignID,
		BackerID:     in.BackerID,
		BackerWallet: in.BackerWallet,
		Amount:       in.Amount,
		Status:       model.ContributionConfirmed,
		CreatedAt:    now,
	}
	var entry *model.EscrowTransaction
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		if _, err := tx.GetCampaign(ctx, in.CampaignID); err != nil {
			return mapStoreErr(err)
		}
		if err := tx.CreateContribution(ctx, &contribution); err != nil {
			return err
		}
		var err error
		entry, err = e.ledger.deposit(ctx, tx, in.CampaignID, in.BackerID, in.Amount, "Contribution "+contribution.ID, now)
		return err
	})
	if err != nil {
		return model.Contribution{}, model.EscrowTransaction{}, err
	}

	e.metrics.ObserveLedgerEntry(string(model.TransactionDeposit))
	return contribution, *entry, nil
}

// RefundBacker returns part of a backer's contribution after a milestone
// was rejected or expired. Refunds are capped by the backer's confirmed
// contributions.
func (e *Engine) RefundBacker(ctx context.Context, milestoneID, backerID string, amount decimal.Decimal, executedBy string) (_ model.EscrowTransaction, err error) {
	ctx, span := startSpan(ctx, "Engine.RefundBacker", attribute.String("milestone", milestoneID))
	defer func() { endSpan(span, err) }()

	if !amount.IsPositive() {
		return model.EscrowTransaction{}, validationf("refund amount must be positive")
	}
	if executedBy == "" {
		return model.EscrowTransaction{}, validationf("executor is required")
	}

	now := e.clock()
	var entry *model.EscrowTransaction
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		m, err := tx.LockMilestone(ctx, milestoneID)
		if err != nil {
			return mapStoreErr(err)
		}
		if m.Status != model.MilestoneRejected && m.Status != model.MilestoneExpired {
			return errors.Wrapf(ErrInvalidState, "cannot refund against milestone in %s", m.Status)
		}

		contributions, err := tx.ConfirmedContributions(ctx, m.CampaignID, backerID)
		if err != nil {
			return err
		}
		if len(contributions) == 0 {
			return errors.Wrapf(ErrNotEligible, "backer %s", backerID)
		}
		contributed := decimal.Zero
		for _, c := range contributions {
			contributed = contributed.Add(c.Amount)
		}
		wallet := contributions[len(contributions)-1].BackerWallet

		prior, err := tx.ListTransactions(ctx, LedgerFilter{
			CampaignID: m.CampaignID,
			BackerID:   backerID,
			Type:       model.TransactionRefund,
		})
		if err != nil {
			return err
		}
		refunded := decimal.Zero
		for _, p := range prior {
			refunded = refunded.Add(p.Amount)
		}
		if refunded.Add(amount).GreaterThan(contributed) {
			return validationf("refund %s exceeds remaining contribution %s", amount, contributed.Sub(refunded))
		}

		entry, err = e.ledger.refund(ctx, tx, m, backerID, wallet, amount, executedBy, now)
		return err
	})
	if err != nil {
		return model.EscrowTransaction{}, err
	}

	e.metrics.ObserveLedgerEntry(string(model.TransactionRefund))
	if e.notify != nil {
		e.notify()
	}
	e.logger.WithFields(logrus.Fields{
		"milestone":   milestoneID,
		"backer":      backerID,
		"amount":      amount.String(),
		"executed_by": executedBy,
	}).Info("Refund recorded")
	return *entry, nil
}

// ReconcileTransaction resolves a FAILED ledger entry by hand.
func (e *Engine) ReconcileTransaction(ctx context.Context, txID string, r Reconciliation) (model.EscrowTransaction, error) {
	entry, err := e.ledger.Reconcile(ctx, txID, r)
	if err != nil {
		return model.EscrowTransaction{}, err
	}
	if r.Action == ReconcileRetry && e.notify != nil {
		e.notify()
	}
	return entry, nil
}

func (e *Engine) ListTransactions(ctx context.Context, filter LedgerFilter) ([]model.EscrowTransaction, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationf("unknown transaction status %q", filter.Status)
	}
	if filter.Type != "" {
		if _, err := filter.Type.Outflow(); err != nil {
			return nil, validationf("%v", err)
		}
	}
	return e.ledger.ListTransactions(ctx, filter)
}
