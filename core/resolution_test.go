package core

import (
	"testing"
	"time"

	"github.com/nexafund/milestoned/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPower(t *testing.T) {
	tests := []struct {
		total string
		want  string
	}{
		{"0", "0"},
		{"-10", "0"},
		{"25", "0.5"},
		{"50", "1"},
		{"75", "1.5"},
		{"100", "2"},
		{"250", "5"},
		{"1000", "5"},
	}
	for _, tt := range tests {
		got := Power(decimal.RequireFromString(tt.total))
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "power(%s) = %s, want %s", tt.total, got, tt.want)
	}

	assert.Equal(t, int64(1), tallyWeight(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(0), tallyWeight(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(5), tallyWeight(PowerCap))
}

func TestResolve(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(6 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name     string
		status   model.MilestoneStatus
		tally    Tally
		deadline *time.Time
		want     Decision
	}{
		{"three equal approvals before deadline", model.MilestoneVoting, Tally{Approve: 6, Ballots: 3}, &future, DecisionApprove},
		{"two ballots are below the floor", model.MilestoneVoting, Tally{Approve: 3, Reject: 1, Ballots: 2}, &future, DecisionNone},
		{"exactly sixty percent approves", model.MilestoneVoting, Tally{Approve: 3, Reject: 2, Ballots: 3}, &future, DecisionApprove},
		{"approval after deadline", model.MilestoneVoting, Tally{Approve: 9, Reject: 1, Ballots: 4}, &past, DecisionApprove},
		{"twenty percent after deadline rejects", model.MilestoneVoting, Tally{Approve: 2, Reject: 8, Ballots: 3}, &past, DecisionReject},
		{"twenty percent before deadline waits", model.MilestoneVoting, Tally{Approve: 2, Reject: 8, Ballots: 3}, &future, DecisionNone},
		{"no votes after deadline rejects", model.MilestoneVoting, Tally{}, &past, DecisionReject},
		{"deadline reached exactly", model.MilestoneVoting, Tally{Reject: 1, Ballots: 1}, &now, DecisionReject},
		{"forty percent after deadline stays", model.MilestoneVoting, Tally{Approve: 4, Reject: 6, Ballots: 3}, &past, DecisionNone},
		{"fifty percent after deadline stays", model.MilestoneVoting, Tally{Approve: 5, Reject: 5, Ballots: 4}, &past, DecisionNone},
		{"approved milestone is final", model.MilestoneApproved, Tally{Approve: 6, Ballots: 3}, &past, DecisionNone},
		{"submitted milestone has no window", model.MilestoneSubmitted, Tally{}, nil, DecisionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.status, tt.tally, tt.deadline, now))
			// same inputs, same answer
			assert.Equal(t, tt.want, Resolve(tt.status, tt.tally, tt.deadline, now))
		})
	}
}

func TestTallyApprovalPercent(t *testing.T) {
	assert.Equal(t, float64(0), Tally{}.ApprovalPercent())
	assert.Equal(t, float64(75), Tally{Approve: 3, Reject: 1}.ApprovalPercent())
	assert.Equal(t, "approve", DecisionApprove.String())
	assert.Equal(t, "none", DecisionNone.String())
}
