package deploy

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/screa/hook-miner/internal/crypto"
	minertypes "github.com/screa/hook-miner/pkg/types"
)

// fakeChain behaves like a node with the deterministic deployment proxy:
// a call to the factory with salt ‖ initCode places code at the CREATE2 address.
type fakeChain struct {
	mu       sync.Mutex
	chainID  *big.Int
	code     map[common.Address][]byte
	sent     []*types.Transaction
	revert   bool
	pending  int // receipt lookups answered with NotFound first
	receipts map[common.Hash]*types.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:  big.NewInt(31337),
		code:     map[common.Address][]byte{},
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChain) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[addr], nil
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(7)}, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)

	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	} else {
		data := tx.Data()
		var salt [32]byte
		copy(salt[:], data[:32])
		addr := crypto.Create2Address(*tx.To(), salt, crypto.InitCodeHash(data[32:]))
		f.code[addr] = []byte{0x60, 0x80}
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(101), GasUsed: 123456}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func testPlan(t *testing.T) Plan {
	t.Helper()
	factory := common.HexToAddress(crypto.FactoryAddress)
	initCode := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	salt := uint256.NewInt(35900)
	outcome := &minertypes.Outcome{
		Status:  minertypes.Found,
		Salt:    salt,
		Address: crypto.Create2Address(factory, crypto.SaltBytes(salt), crypto.InitCodeHash(initCode)),
	}
	plan, err := PlanFromOutcome(factory, outcome, initCode, 0)
	require.NoError(t, err)
	return plan
}

func newTestDeployer(t *testing.T, backend Backend) *Deployer {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return NewDeployer(backend, key, nil)
}

func TestPlanCalldata(t *testing.T) {
	plan := testPlan(t)
	data := plan.Calldata()
	require.Len(t, data, 32+len(plan.InitCode))
	require.Equal(t, plan.Salt[:], data[:32])
	require.Equal(t, plan.InitCode, data[32:])
	// 35900 = 0x8c3c
	require.Equal(t, byte(0x8c), data[30])
	require.Equal(t, byte(0x3c), data[31])
}

func TestPlanVerify(t *testing.T) {
	plan := testPlan(t)
	require.NoError(t, plan.Verify())

	plan.InitCode = append([]byte{}, plan.InitCode...)
	plan.InitCode[0] ^= 0x01
	require.ErrorIs(t, plan.Verify(), ErrPredictionMismatch)
}

func TestPlanFromOutcomeExhausted(t *testing.T) {
	_, err := PlanFromOutcome(common.Address{}, &minertypes.Outcome{Status: minertypes.Exhausted}, nil, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeploy(t *testing.T) {
	chain := newFakeChain()
	chain.pending = 1
	d := newTestDeployer(t, chain)
	plan := testPlan(t)

	res, err := d.Deploy(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, plan.Predicted, res.Address)
	require.Equal(t, uint64(123456), res.GasUsed)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	require.Equal(t, plan.Factory, *tx.To())
	require.Equal(t, plan.Calldata(), tx.Data())
	require.Equal(t, DefaultGasLimit, tx.Gas())
	require.Zero(t, big.NewInt(1e9+14).Cmp(tx.GasFeeCap()))

	sender, err := types.Sender(types.LatestSignerForChainID(chain.chainID), tx)
	require.NoError(t, err)
	require.Equal(t, d.Address(), sender)
}

func TestDeployErrors(t *testing.T) {
	t.Run("already deployed", func(t *testing.T) {
		chain := newFakeChain()
		plan := testPlan(t)
		chain.code[plan.Predicted] = []byte{0x01}
		_, err := newTestDeployer(t, chain).Deploy(context.Background(), plan)
		require.ErrorIs(t, err, ErrAlreadyDeployed)
		require.Empty(t, chain.sent)
	})

	t.Run("reverted", func(t *testing.T) {
		chain := newFakeChain()
		chain.revert = true
		_, err := newTestDeployer(t, chain).Deploy(context.Background(), testPlan(t))
		require.ErrorIs(t, err, ErrReverted)
	})

	t.Run("mismatch refuses to send", func(t *testing.T) {
		chain := newFakeChain()
		plan := testPlan(t)
		plan.Predicted = common.HexToAddress("0x0000000000000000000000000000000000000044")
		_, err := newTestDeployer(t, chain).Deploy(context.Background(), plan)
		require.True(t, errors.Is(err, ErrPredictionMismatch))
		require.Empty(t, chain.sent)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		chain := newFakeChain()
		chain.pending = 1 << 30
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := newTestDeployer(t, chain).Deploy(ctx, testPlan(t))
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
