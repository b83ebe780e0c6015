package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type SettlementState int

const (
	SettlementPending SettlementState = iota
	SettlementConfirmed
	SettlementFailed
)

func (s SettlementState) String() string {
	switch s {
	case SettlementConfirmed:
		return "confirmed"
	case SettlementFailed:
		return "failed"
	default:
		return "pending"
	}
}

// SettlementClient moves funds out of escrow on the settlement layer.
// Errors matching ErrSettlementUnavailable guarantee nothing was broadcast.
type SettlementClient interface {
	ReleaseFunds(ctx context.Context, recipient string, amount decimal.Decimal, memo string) (string, error)

	RefundFunds(ctx context.Context, backer string, amount decimal.Decimal, memo string) (string, error)

	SettlementStatus(ctx context.Context, ref string) (SettlementState, error)
}

var _ SettlementClient = (*MockClient)(nil)

type SettlementCall struct {
	Method    string
	Recipient string
	Amount    decimal.Decimal
	Memo      string
	Ref       string
}

// MockClient settles instantly. Queued errors are returned by the next
// submissions in order, and SetState overrides the status of a reference.
type MockClient struct {
	mu     sync.Mutex
	calls  []SettlementCall
	errs   []error
	states map[string]SettlementState
	hold   bool
}

func NewMockClient() *MockClient {
	return &MockClient{states: make(map[string]SettlementState)}
}

// FailNext queues errors for upcoming ReleaseFunds/RefundFunds calls.
func (mc *MockClient) FailNext(errs ...error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.errs = append(mc.errs, errs...)
}

func (mc *MockClient) SetState(ref string, state SettlementState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.states[ref] = state
}

// Hold leaves new references pending until SetState is called.
func (mc *MockClient) Hold(hold bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.hold = hold
}

func (mc *MockClient) Calls() []SettlementCall {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]SettlementCall(nil), mc.calls...)
}

func (mc *MockClient) ReleaseFunds(ctx context.Context, recipient string, amount decimal.Decimal, memo string) (string, error) {
	return mc.submit("releaseFunds", recipient, amount, memo)
}

func (mc *MockClient) RefundFunds(ctx context.Context, backer string, amount decimal.Decimal, memo string) (string, error) {
	return mc.submit("refundFunds", backer, amount, memo)
}

func (mc *MockClient) SettlementStatus(ctx context.Context, ref string) (SettlementState, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.states == nil {
		mc.states = make(map[string]SettlementState)
	}
	state, ok := mc.states[ref]
	if !ok {
		return SettlementPending, errors.Errorf("unknown settlement reference %s", ref)
	}
	return state, nil
}

func (mc *MockClient) submit(method, recipient string, amount decimal.Decimal, memo string) (string, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if len(mc.errs) > 0 {
		err := mc.errs[0]
		mc.errs = mc.errs[1:]
		if err != nil {
			return "", err
		}
	}

	ref := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%s:%s:%d", method, recipient, amount, memo, len(mc.calls)))).Hex()
	mc.calls = append(mc.calls, SettlementCall{
		Method:    method,
		Recipient: recipient,
		Amount:    amount,
		Memo:      memo,
		Ref:       ref,
	})
	if mc.states == nil {
		mc.states = make(map[string]SettlementState)
	}
	if _, ok := mc.states[ref]; !ok {
		mc.states[ref] = SettlementConfirmed
		if mc.hold {
			mc.states[ref] = SettlementPending
		}
	}
	return ref, nil
}
