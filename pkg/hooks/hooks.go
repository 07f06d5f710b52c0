// Package hooks maps pool-hook capability flags onto the address bits the
// pool manager inspects, and builds the fee hook's init payload.
package hooks

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/screa/hook-miner/pkg/types"
)

// Permission bits, read from the low 14 bits of the hook address.
const (
	BeforeInitialize                uint64 = 1 << 13
	AfterInitialize                 uint64 = 1 << 12
	BeforeAddLiquidity              uint64 = 1 << 11
	AfterAddLiquidity               uint64 = 1 << 10
	BeforeRemoveLiquidity           uint64 = 1 << 9
	AfterRemoveLiquidity            uint64 = 1 << 8
	BeforeSwap                      uint64 = 1 << 7
	AfterSwap                       uint64 = 1 << 6
	BeforeDonate                    uint64 = 1 << 5
	AfterDonate                     uint64 = 1 << 4
	BeforeSwapReturnDelta           uint64 = 1 << 3
	AfterSwapReturnDelta            uint64 = 1 << 2
	AfterAddLiquidityReturnDelta    uint64 = 1 << 1
	AfterRemoveLiquidityReturnDelta uint64 = 1 << 0

	AllHookMask uint64 = (1 << 14) - 1

	// The fee hook takes its cut after the swap and returns a delta.
	FeeHookFlags = AfterSwap | AfterSwapReturnDelta
)

var flagsByName = map[string]uint64{
	"beforeInitialize":                BeforeInitialize,
	"afterInitialize":                 AfterInitialize,
	"beforeAddLiquidity":              BeforeAddLiquidity,
	"afterAddLiquidity":               AfterAddLiquidity,
	"beforeRemoveLiquidity":           BeforeRemoveLiquidity,
	"afterRemoveLiquidity":            AfterRemoveLiquidity,
	"beforeSwap":                      BeforeSwap,
	"afterSwap":                       AfterSwap,
	"beforeDonate":                    BeforeDonate,
	"afterDonate":                     AfterDonate,
	"beforeSwapReturnDelta":           BeforeSwapReturnDelta,
	"afterSwapReturnDelta":            AfterSwapReturnDelta,
	"afterAddLiquidityReturnDelta":    AfterAddLiquidityReturnDelta,
	"afterRemoveLiquidityReturnDelta": AfterRemoveLiquidityReturnDelta,
}

// ParseFlags ORs the named permissions together. Names are case-insensitive.
func ParseFlags(names []string) (uint64, error) {
	var bits uint64
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		bit, ok := lookup(name)
		if !ok {
			return 0, fmt.Errorf("unknown hook flag %q", name)
		}
		bits |= bit
	}
	return bits, nil
}

func lookup(name string) (uint64, bool) {
	for k, v := range flagsByName {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return 0, false
}

// FlagNames lists the permissions set in bits, highest bit first.
func FlagNames(bits uint64) []string {
	var names []string
	for name, bit := range flagsByName {
		if bits&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return flagsByName[names[i]] > flagsByName[names[j]]
	})
	return names
}

// ConstraintFor requires exactly the given permissions: those bits set, every
// other bit of the 14-bit field clear.
func ConstraintFor(bits uint64) (types.Constraint, error) {
	if bits&^AllHookMask != 0 {
		return types.Constraint{}, fmt.Errorf("flags %#x outside hook permission bits", bits)
	}
	return types.NewConstraint(AllHookMask, bits), nil
}

// FeeHookArgs are the constructor arguments of the fee hook.
type FeeHookArgs struct {
	PoolManager common.Address
	Owner       common.Address
	BuyTaxBps   *big.Int
	SellTaxBps  *big.Int
}

var feeHookConstructor = newArguments("address", "address", "uint256", "uint256")

func newArguments(typeNames ...string) abi.Arguments {
	var args abi.Arguments
	for i, tn := range typeNames {
		abiType, err := abi.NewType(tn, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: abiType})
	}
	return args
}

// EncodeConstructorArgs ABI-encodes (address,address,uint256,uint256).
func EncodeConstructorArgs(args FeeHookArgs) ([]byte, error) {
	if args.BuyTaxBps == nil || args.SellTaxBps == nil {
		return nil, fmt.Errorf("tax rates must be set")
	}
	packed, err := feeHookConstructor.Pack(args.PoolManager, args.Owner, args.BuyTaxBps, args.SellTaxBps)
	if err != nil {
		return nil, fmt.Errorf("encode constructor args: %w", err)
	}
	return packed, nil
}

// InitPayload concatenates creation bytecode and encoded constructor args.
// The result is a fresh slice; neither input is modified.
func InitPayload(bytecode, args []byte) []byte {
	out := make([]byte, 0, len(bytecode)+len(args))
	out = append(out, bytecode...)
	return append(out, args...)
}
