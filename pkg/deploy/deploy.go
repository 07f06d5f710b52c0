// Package deploy sends a mined salt and init payload through the
// deterministic deployment factory and checks the contract landed where
// the miner predicted.
package deploy

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/screa/hook-miner/internal/crypto"
	minertypes "github.com/screa/hook-miner/pkg/types"
)

const DefaultGasLimit uint64 = 8_000_000

var (
	ErrPredictionMismatch = errors.New("salt and init code do not derive the planned address")
	ErrAlreadyDeployed    = errors.New("code already exists at planned address")
	ErrReverted           = errors.New("deployment transaction reverted")
	ErrNoCodeAfterDeploy  = errors.New("no code at planned address after deployment")
	ErrNotFound           = errors.New("outcome has no salt")
)

// Backend is the RPC surface the deployer needs; *ethclient.Client satisfies it.
// It includes bind.DeployBackend for receipt waiting.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ bind.DeployBackend = Backend(nil)

// Plan is everything needed to issue one factory deployment.
type Plan struct {
	Factory   common.Address
	Salt      [32]byte
	InitCode  []byte
	Predicted common.Address
	GasLimit  uint64
}

// PlanFromOutcome builds a plan from a Found mining outcome.
func PlanFromOutcome(factory common.Address, outcome *minertypes.Outcome, initCode []byte, gasLimit uint64) (Plan, error) {
	if outcome == nil || outcome.Status != minertypes.Found {
		return Plan{}, ErrNotFound
	}
	return Plan{
		Factory:   factory,
		Salt:      outcome.SaltBytes(),
		InitCode:  initCode,
		Predicted: outcome.Address,
		GasLimit:  gasLimit,
	}, nil
}

// Calldata is the factory input: salt (32 bytes) followed by the init code.
func (p Plan) Calldata() []byte {
	data := make([]byte, 0, len(p.Salt)+len(p.InitCode))
	data = append(data, p.Salt[:]...)
	return append(data, p.InitCode...)
}

// Verify re-derives the address offline and compares it with the prediction.
func (p Plan) Verify() error {
	got := crypto.Create2Address(p.Factory, p.Salt, crypto.InitCodeHash(p.InitCode))
	if got != p.Predicted {
		return fmt.Errorf("%w: derived %s, planned %s", ErrPredictionMismatch, got.Hex(), p.Predicted.Hex())
	}
	return nil
}

// Result describes a confirmed deployment.
type Result struct {
	TxHash      common.Hash
	Address     common.Address
	BlockNumber *big.Int
	GasUsed     uint64
}

// Deployer signs and sends factory deployments with one key.
type Deployer struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	logger  log.Logger
}

// NewDeployer creates a deployer. logger may be nil.
func NewDeployer(backend Backend, key *ecdsa.PrivateKey, logger log.Logger) *Deployer {
	if logger == nil {
		logger = log.Root()
	}
	return &Deployer{
		backend: backend,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		logger:  logger,
	}
}

// Address returns the sending account.
func (d *Deployer) Address() common.Address {
	return d.from
}

// Deploy sends the factory transaction, waits for it and checks the code landed.
func (d *Deployer) Deploy(ctx context.Context, plan Plan) (*Result, error) {
	if err := plan.Verify(); err != nil {
		return nil, err
	}
	code, err := d.backend.CodeAt(ctx, plan.Predicted, nil)
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	if len(code) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDeployed, plan.Predicted.Hex())
	}

	tx, err := d.buildTx(ctx, plan)
	if err != nil {
		return nil, err
	}
	if err := d.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	d.logger.Info("Sent factory deployment", "tx", tx.Hash(), "factory", plan.Factory, "address", plan.Predicted)

	receipt, err := bind.WaitMined(ctx, d.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", ErrReverted, tx.Hash().Hex())
	}

	code, err = d.backend.CodeAt(ctx, plan.Predicted, nil)
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCodeAfterDeploy, plan.Predicted.Hex())
	}

	return &Result{
		TxHash:      tx.Hash(),
		Address:     plan.Predicted,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (d *Deployer) buildTx(ctx context.Context, plan Plan) (*types.Transaction, error) {
	chainID, err := d.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	nonce, err := d.backend.PendingNonceAt(ctx, d.from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	tip, err := d.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := d.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gasLimit := plan.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	factory := plan.Factory

	//  EIP-1559 only
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &factory,
		Data:      plan.Calldata(),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), d.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}
