package chain

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrNoCode is returned by Preflight when a required contract is missing.
var ErrNoCode = errors.New("no contract code at address")

// CodeReader is the part of an RPC client the occupancy checks need.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Options controls timeouts and the retry policy of code lookups.
type Options struct {
	CallTimeout time.Duration
	Retries     int // extra attempts after the first failure
	RetryDelay  time.Duration
}

// DefaultOptions returns conservative settings for public RPC endpoints.
func DefaultOptions() Options {
	return Options{
		CallTimeout: 15 * time.Second,
		Retries:     2,
		RetryDelay:  time.Second,
	}
}

// Client wraps an RPC connection. Its CodeExistsAt is the occupancy oracle
// the miner consumes; retries happen here, never in the miner.
type Client struct {
	*ethclient.Client
	code CodeReader
	opts Options
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string, opts Options) (*Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Client{Client: c, code: c, opts: opts}, nil
}

// NewWithReader builds a Client around any CodeReader, without an RPC connection.
func NewWithReader(code CodeReader, opts Options) *Client {
	return &Client{code: code, opts: opts}
}

// Close releases the RPC connection, if any.
func (c *Client) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}

// CodeExistsAt reports whether any bytecode is deployed at addr at the latest block.
func (c *Client) CodeExistsAt(ctx context.Context, addr common.Address) (bool, error) {
	retries := c.opts.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), uint64(retries)),
		ctx,
	)

	var (
		code     []byte
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		var err error
		code, err = c.codeAt(ctx, addr)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("get code at %s after %d attempts: %w", addr.Hex(), attempts, err)
	}
	return len(code) > 0, nil
}

func (c *Client) codeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	return c.code.CodeAt(ctx, addr, nil)
}

// Preflight checks that every named dependency already has code, e.g. the
// deployment factory and the pool manager the hook will plug into.
// Names are checked in sorted order, so the first missing one is reported.
func (c *Client) Preflight(ctx context.Context, deps map[string]common.Address) error {
	for _, name := range slices.Sorted(maps.Keys(deps)) {
		addr := deps[name]
		ok, err := c.CodeExistsAt(ctx, addr)
		if err != nil {
			return fmt.Errorf("preflight %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("preflight %s %s: %w", name, addr.Hex(), ErrNoCode)
		}
	}
	return nil
}
