package settlement

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/nexafund/milestoned/core"
	"github.com/nexafund/milestoned/repo"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const escrowABI = `[
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[
		{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"memo","type":"string"}],"outputs":[]},
	{"type":"function","name":"refundFunds","stateMutability":"nonpayable","inputs":[
		{"name":"backer","type":"address"},{"name":"amount","type":"uint256"},{"name":"memo","type":"string"}],"outputs":[]}
]`

var _ core.SettlementClient = (*Client)(nil)

// Backend is the subset of ethclient.Client used to submit and track
// settlement transactions.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	SendTransaction(ctx context.Context, tx *types.Transaction) error

	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client calls the escrow contract with EIP-1559 transactions signed by the
// platform key.
type Client struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	decimals int32
	gasLimit uint64
	logger   logrus.FieldLogger

	// one transaction at a time keeps nonces ordered
	mu sync.Mutex
}

// Dial connects to the configured node, retrying with Fibonacci backoff.
func Dial(ctx context.Context, config *repo.Settlement, logger logrus.FieldLogger) (*Client, error) {
	var client *ethclient.Client
	action := func(attempt uint) error {
		var err error
		client, err = ethclient.DialContext(ctx, config.DialUrl)
		if err != nil {
			logger.WithFields(logrus.Fields{"attempt": attempt, "err": err}).Warn("Dial settlement node failed")
		}
		return err
	}
	if err := retry.Retry(action, strategy.Limit(5), strategy.Backoff(backoff.Fibonacci(time.Second))); err != nil {
		return nil, errors.Wrapf(err, "dial %s", config.DialUrl)
	}
	return New(client, config, logger)
}

func New(backend Backend, config *repo.Settlement, logger logrus.FieldLogger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse escrow abi")
	}
	if !common.IsHexAddress(config.ContractAddress) {
		return nil, errors.Errorf("invalid escrow contract address %q", config.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse settlement private key")
	}

	return &Client{
		backend:  backend,
		abi:      parsed,
		contract: common.HexToAddress(config.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).SetUint64(config.ChainID),
		decimals: config.TokenDecimals,
		gasLimit: config.GasLimit,
		logger:   logger,
	}, nil
}

func (c *Client) From() common.Address {
	return c.from
}

func (c *Client) ReleaseFunds(ctx context.Context, recipient string, amount decimal.Decimal, memo string) (string, error) {
	return c.call(ctx, "releaseFunds", recipient, amount, memo)
}

func (c *Client) RefundFunds(ctx context.Context, backer string, amount decimal.Decimal, memo string) (string, error) {
	return c.call(ctx, "refundFunds", backer, amount, memo)
}

// SettlementStatus maps the transaction receipt to a settlement state. A
// transaction without a receipt is still pending.
func (c *Client) SettlementStatus(ctx context.Context, ref string) (core.SettlementState, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return core.SettlementPending, nil
	}
	if err != nil {
		return core.SettlementPending, errors.Wrapf(err, "receipt of %s", ref)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return core.SettlementConfirmed, nil
	}
	return core.SettlementFailed, nil
}

// ToBaseUnits converts a token amount to the contract's integer units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	units := amount.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, errors.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	if units.IsNegative() {
		return nil, errors.Errorf("negative amount %s", amount)
	}
	return units.BigInt(), nil
}

// call builds, signs and broadcasts one contract call. Failures before
// SendTransaction wrap core.ErrSettlementUnavailable since nothing left
// the process.
func (c *Client) call(ctx context.Context, method, to string, amount decimal.Decimal, memo string) (string, error) {
	if !common.IsHexAddress(to) {
		return "", errors.Errorf("invalid recipient address %q", to)
	}
	units, err := ToBaseUnits(amount, c.decimals)
	if err != nil {
		return "", err
	}
	data, err := c.abi.Pack(method, common.HexToAddress(to), units, memo)
	if err != nil {
		return "", errors.Wrapf(err, "pack %s", method)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", errors.Wrapf(core.ErrSettlementUnavailable, "pending nonce: %v", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", errors.Wrapf(core.ErrSettlementUnavailable, "gas tip: %v", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", errors.Wrapf(core.ErrSettlementUnavailable, "latest header: %v", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       c.gasLimit,
		To:        &c.contract,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", errors.Wrap(err, "sign settlement transaction")
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrapf(err, "send %s", method)
	}

	hash := signed.Hash().Hex()
	c.logger.WithFields(logrus.Fields{
		"method": method,
		"to":     to,
		"amount": amount.String(),
		"nonce":  nonce,
		"hash":   hash,
	}).Info("Settlement transaction sent")
	return hash, nil
}
