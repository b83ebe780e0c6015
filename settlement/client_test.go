package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nexafund/milestoned/core"
	"github.com/nexafund/milestoned/repo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	nonce    uint64
	nonceErr error
	sendErr  error
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(7)}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestClient(t *testing.T, backend Backend) *Client {
	key, err := crypto.GenerateKey()
	require.Nil(t, err)

	c := repo.DefaultConfig(t.TempDir()).Settlement
	c.Mode = "eth"
	c.ContractAddress = "0x0000000000000000000000000000000000001001"
	c.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))

	client, err := New(backend, &c, logrus.New())
	require.Nil(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), client.From())
	return client
}

func TestReleaseFundsSendsSignedCall(t *testing.T) {
	backend := &fakeBackend{nonce: 3, receipts: map[common.Hash]*types.Receipt{}}
	client := newTestClient(t, backend)

	recipient := "0x1100000000000000000000000000000000000011"
	ref, err := client.ReleaseFunds(context.Background(), recipient, decimal.RequireFromString("300.50"), "RELEASE:abc")
	require.Nil(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, ref, tx.Hash().Hex())
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000001001"), *tx.To())
	assert.Equal(t, uint64(300000), tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.Nil(t, err)
	assert.Equal(t, client.From(), sender)

	method, err := client.abi.MethodById(tx.Data()[:4])
	require.Nil(t, err)
	assert.Equal(t, "releaseFunds", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.Nil(t, err)
	assert.Equal(t, common.HexToAddress(recipient), args[0])
	want, _ := new(big.Int).SetString("300500000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(args[1].(*big.Int)))
	assert.Equal(t, "RELEASE:abc", args[2])
}

func TestRefundFundsUsesRefundMethod(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend)

	_, err := client.RefundFunds(context.Background(), "0x2200000000000000000000000000000000000022", decimal.NewFromInt(20), "REFUND:def")
	require.Nil(t, err)
	method, err := client.abi.MethodById(backend.sent[0].Data()[:4])
	require.Nil(t, err)
	assert.Equal(t, "refundFunds", method.Name)
}

func TestFailuresBeforeBroadcastAreRetryable(t *testing.T) {
	backend := &fakeBackend{nonceErr: errors.New("connection refused")}
	client := newTestClient(t, backend)

	_, err := client.ReleaseFunds(context.Background(), "0x1100000000000000000000000000000000000011", decimal.NewFromInt(1), "m")
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, core.ErrSettlementUnavailable))

	// a send error may have reached the node, so it is not marked retryable
	backend.nonceErr = nil
	backend.sendErr = errors.New("timeout")
	_, err = client.ReleaseFunds(context.Background(), "0x1100000000000000000000000000000000000011", decimal.NewFromInt(1), "m")
	require.NotNil(t, err)
	assert.False(t, errors.Is(err, core.ErrSettlementUnavailable))

	_, err = client.ReleaseFunds(context.Background(), "not-an-address", decimal.NewFromInt(1), "m")
	require.NotNil(t, err)
	assert.False(t, errors.Is(err, core.ErrSettlementUnavailable))
}

func TestSettlementStatus(t *testing.T) {
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		ok:       {Status: types.ReceiptStatusSuccessful},
		reverted: {Status: types.ReceiptStatusFailed},
	}}
	client := newTestClient(t, backend)
	ctx := context.Background()

	state, err := client.SettlementStatus(ctx, ok.Hex())
	require.Nil(t, err)
	assert.Equal(t, core.SettlementConfirmed, state)

	state, err = client.SettlementStatus(ctx, reverted.Hex())
	require.Nil(t, err)
	assert.Equal(t, core.SettlementFailed, state)

	state, err = client.SettlementStatus(ctx, common.HexToHash("0x03").Hex())
	require.Nil(t, err)
	assert.Equal(t, core.SettlementPending, state)
}

func TestToBaseUnits(t *testing.T) {
	units, err := ToBaseUnits(decimal.RequireFromString("1.25"), 2)
	require.Nil(t, err)
	assert.Equal(t, int64(125), units.Int64())

	_, err = ToBaseUnits(decimal.RequireFromString("1.255"), 2)
	assert.NotNil(t, err)

	_, err = ToBaseUnits(decimal.NewFromInt(-1), 2)
	assert.NotNil(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	c := repo.DefaultConfig(t.TempDir()).Settlement
	c.ContractAddress = "nope"
	_, err := New(&fakeBackend{}, &c, logrus.New())
	assert.NotNil(t, err)

	c.ContractAddress = "0x0000000000000000000000000000000000001001"
	c.PrivateKey = "zz"
	_, err = New(&fakeBackend{}, &c, logrus.New())
	assert.NotNil(t, err)
}
