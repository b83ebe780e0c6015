package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/repo"
	"github.com/nexafund/milestoned/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const creatorID = "creator-1"

type fixture struct {
	t      *testing.T
	store  *storage.Store
	engine *Engine
	hook   *test.Hook

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	config := repo.DefaultConfig(t.TempDir())
	db, err := storage.Open(config)
	require.Nil(t, err)
	require.Nil(t, storage.Migrate(db))
	t.Cleanup(func() { _ = storage.Close(db) })

	logger, hook := test.NewNullLogger()
	f := &fixture{
		t:     t,
		store: storage.New(db),
		hook:  hook,
		now:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, logger, WithClock(f.clock))
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) campaign(target int64) *model.Campaign {
	c := &model.Campaign{
		ID:            uuid.NewString(),
		Title:         "Community solar kiosk",
		CreatorID:     creatorID,
		CreatorWallet: "0xc0ffee0000000000000000000000000000000001",
		TargetAmount:  decimal.NewFromInt(target),
	}
	require.Nil(f.t, f.store.CreateCampaign(context.Background(), c))
	return c
}

func (f *fixture) contribute(campaignID, backerID string, amount int64) {
	_, _, err := f.engine.RecordContribution(context.Background(), ContributionInput{
		CampaignID:   campaignID,
		BackerID:     backerID,
		BackerWallet: "wallet-" + backerID,
		Amount:       decimal.NewFromInt(amount),
	})
	require.Nil(f.t, err)
}

func (f *fixture) inputs(amounts ...int64) []MilestoneInput {
	inputs := make([]MilestoneInput, 0, len(amounts))
	for i, a := range amounts {
		inputs = append(inputs, MilestoneInput{
			Title:       fmt.Sprintf("Stage %d", i+1),
			Description: "deliverable",
			Amount:      decimal.NewFromInt(a),
			Deadline:    f.clock().Add(30 * 24 * time.Hour),
			Order:       i + 1,
		})
	}
	return inputs
}

func (f *fixture) plan(campaignID string, amounts ...int64) []model.Milestone {
	milestones, err := f.engine.CreateMilestones(context.Background(), campaignID, f.inputs(amounts...))
	require.Nil(f.t, err)
	return milestones
}

// voting submits the milestone and opens its voting window.
func (f *fixture) voting(m model.Milestone) model.Milestone {
	ctx := context.Background()
	_, err := f.engine.SubmitMilestone(ctx, m.ID, creatorID, Submission{Evidence: "ipfs://evidence", Description: "done"})
	require.Nil(f.t, err)
	opened, err := f.engine.OpenVoting(ctx, m.ID)
	require.Nil(f.t, err)
	return opened
}

func (f *fixture) milestone(id string) model.Milestone {
	m, err := f.engine.GetMilestone(context.Background(), id)
	require.Nil(f.t, err)
	return m
}

func (f *fixture) vote(milestoneID, backerID string, approve bool) {
	_, err := f.engine.CastVote(context.Background(), milestoneID, backerID, VoteInput{IsApproval: approve})
	require.Nil(f.t, err)
}

func (f *fixture) entries(filter LedgerFilter) []model.EscrowTransaction {
	rows, err := f.engine.ListTransactions(context.Background(), filter)
	require.Nil(f.t, err)
	return rows
}
