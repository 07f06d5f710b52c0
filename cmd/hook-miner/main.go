package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/screa/hook-miner/internal/chain"
	"github.com/screa/hook-miner/internal/config"
	"github.com/screa/hook-miner/internal/crypto"
	logpkg "github.com/screa/hook-miner/internal/logger"
	"github.com/screa/hook-miner/pkg/deploy"
	"github.com/screa/hook-miner/pkg/hooks"
	minerpkg "github.com/screa/hook-miner/pkg/miner"
	"github.com/screa/hook-miner/pkg/types"
)

var (
	cfg       = config.NewConfig()
	logger    log.Logger
	logCloser io.Closer
)

func main() {
	if err := execute(newRootCmd()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute runs the command tree and closes the log file on every path; cobra
// skips post-run hooks when a command fails.
func execute(rootCmd *cobra.Command) error {
	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
	return err
}

func newRootCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "hook-miner",
		Short: "CREATE2 salt miner for Uniswap v4 fee hooks",
		Long: `Finds the lowest salt for which the deterministic deployment factory places
the fee hook at an address whose low bits encode the required hook permissions,
skipping addresses that already hold code.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd)
			if err != nil {
				return err
			}
			cfg = config.Load(v)
			logger, logCloser, err = logpkg.Setup(cfg.LogFile, cfg.Verbose)
			return err
		},
	}
	config.AddFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "mine",
			Short: "Search for a salt and print it",
			RunE:  runMine,
		},
		&cobra.Command{
			Use:   "address <salt>",
			Short: "Print the address the factory would deploy to for a salt",
			Args:  cobra.ExactArgs(1),
			RunE:  runAddress,
		},
		&cobra.Command{
			Use:   "deploy",
			Short: "Mine a salt and deploy the hook through the factory",
			RunE:  runDeploy,
		},
	)
	return rootCmd
}

func runMine(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	owner, err := resolveOwner()
	if err != nil {
		return err
	}
	contentHash, _, err := cfg.ContentHash(owner)
	if err != nil {
		return err
	}

	ctx := context.Background()
	oracle, closeOracle, err := openOracle(ctx)
	if err != nil {
		return err
	}
	defer closeOracle()

	outcome, err := mine(ctx, contentHash, oracle)
	if err != nil {
		return err
	}
	return outcome.Err()
}

func runAddress(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	salt, err := crypto.ParseSalt(args[0])
	if err != nil {
		return err
	}
	factory, err := cfg.FactoryAddress()
	if err != nil {
		return err
	}
	owner, err := resolveOwner()
	if err != nil {
		return err
	}
	contentHash, _, err := cfg.ContentHash(owner)
	if err != nil {
		return err
	}
	constraint, err := cfg.Constraint()
	if err != nil {
		return err
	}

	addr := crypto.Create2Address(factory, crypto.SaltBytes(salt), contentHash)
	logger.Info("Derived address", "salt", salt.Dec(), "address", addr, "initCodeHash", contentHash, "matches", constraint.Matches(&addr))
	fmt.Println(addr.Hex())
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateDeploy(); err != nil {
		return err
	}
	ctx := context.Background()
	factory, err := cfg.FactoryAddress()
	if err != nil {
		return err
	}

	var client *chain.Client
	if cfg.RPCURL != "" {
		if client, err = chain.Dial(ctx, cfg.RPCURL, chainOptions()); err != nil {
			return err
		}
		defer client.Close()
		if !cfg.SkipPreflight {
			poolManager, err := crypto.ParseAddress(cfg.PoolManager)
			if err != nil {
				return fmt.Errorf("pool manager: %w", err)
			}
			deps := map[string]common.Address{"factory": factory}
			if !cfg.RawInitCode {
				deps["pool manager"] = poolManager
			}
			if err := client.Preflight(ctx, deps); err != nil {
				return err
			}
		}
	}

	owner, err := resolveOwner()
	if err != nil {
		return err
	}
	contentHash, payload, err := cfg.ContentHash(owner)
	if err != nil {
		return err
	}

	var oracle minerpkg.Oracle
	if client != nil {
		oracle = client
	} else {
		logger.Warn("No RPC endpoint, treating every address as empty")
		oracle = minerpkg.Unoccupied
	}
	outcome, err := mine(ctx, contentHash, oracle)
	if err != nil {
		return err
	}
	if err := outcome.Err(); err != nil {
		return err
	}

	plan, err := deploy.PlanFromOutcome(factory, outcome, payload, cfg.GasLimit)
	if err != nil {
		return err
	}
	if err := plan.Verify(); err != nil {
		return err
	}
	if cfg.DryRun {
		logger.Info("Dry run, not sending", "to", plan.Factory, "address", plan.Predicted, "gas", plan.GasLimit)
		fmt.Println(hexutil.Encode(plan.Calldata()))
		return nil
	}

	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return err
	}
	deployer := deploy.NewDeployer(client, key, logger)
	res, err := deployer.Deploy(ctx, plan)
	if err != nil {
		return err
	}
	logger.Info("Hook deployed", "address", res.Address, "tx", res.TxHash, "block", res.BlockNumber, "gasUsed", res.GasUsed)
	fmt.Println(res.Address.Hex())
	return nil
}

// mine runs the search and handles Ctrl+C by stopping the miner and printing
// the salt to resume from.
func mine(ctx context.Context, contentHash common.Hash, oracle minerpkg.Oracle) (*types.Outcome, error) {
	factory, err := cfg.FactoryAddress()
	if err != nil {
		return nil, err
	}
	constraint, err := cfg.Constraint()
	if err != nil {
		return nil, err
	}
	start, max, err := cfg.SaltRange()
	if err != nil {
		return nil, err
	}

	logger.Info("Starting hook miner", "workers", cfg.Workers, "target", cfg.GetTargetDescription())
	logger.Info("Search range", "factory", factory, "initCodeHash", contentHash, "start", start.Dec(), "max", max.Dec())
	if cfg.Artifact != "" {
		logger.Info("Bytecode artifact", "file", cfg.Artifact)
	} else if cfg.BytecodeFile != "" {
		logger.Info("Bytecode file", "file", cfg.BytecodeFile)
	} else if cfg.Bytecode != "" {
		logger.Info("Bytecode", "prefix", cfg.Bytecode[:min(20, len(cfg.Bytecode))]+"...")
	}

	miner := minerpkg.NewMiner(minerpkg.Options{
		Workers:     cfg.Workers,
		LogInterval: time.Duration(cfg.LogInterval) * time.Second,
	}, logger)

	// Set up signal handling for Ctrl+C
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	type result struct {
		outcome *types.Outcome
		err     error
	}
	resultChan := make(chan result, 1)
	go func() {
		outcome, err := miner.Mine(ctx, minerpkg.Request{
			Factory:     factory,
			ContentHash: contentHash,
			StartSalt:   start,
			MaxSalt:     max,
			Constraint:  constraint,
			Oracle:      oracle,
		})
		resultChan <- result{outcome, err}
	}()

	select {
	case r := <-resultChan:
		if r.err != nil {
			logProgress(miner.Progress())
			return nil, r.err
		}
		report(r.outcome)
		return r.outcome, nil
	case <-sigChan:
		logger.Warn("Received interrupt signal, stopping miner")
		miner.Stop()
		r := <-resultChan
		if r.err == nil {
			// finished before the stop was observed
			report(r.outcome)
			return r.outcome, nil
		}
		logProgress(miner.Progress())
		return nil, r.err
	}
}

func report(outcome *types.Outcome) {
	rate := 0.0
	if outcome.Duration.Seconds() > 0 {
		rate = float64(outcome.Attempts) / outcome.Duration.Seconds()
	}
	if outcome.Status != types.Found {
		logger.Warn("No salt found in range", "attempts", outcome.Attempts, "candidates", outcome.Candidates, "collisions", outcome.Collisions, "duration", outcome.Duration)
		return
	}
	salt := outcome.SaltBytes()
	logger.Info("Found salt",
		"salt", outcome.Salt.Dec(),
		"saltHex", hexutil.Encode(salt[:]),
		"address", outcome.Address,
		"flags", strings.Join(hooks.FlagNames(addressFlags(outcome.Address)), ","),
		"attempts", outcome.Attempts,
		"collisions", outcome.Collisions,
		"duration", outcome.Duration,
		"rate", fmt.Sprintf("%.2f hashes/sec", rate),
	)
	fmt.Printf("%s %s\n", outcome.Salt.Dec(), outcome.Address.Hex())
}

// addressFlags reads the hook permission bits from the low bytes of addr.
func addressFlags(addr common.Address) uint64 {
	low := uint64(addr[common.AddressLength-2])<<8 | uint64(addr[common.AddressLength-1])
	return low & hooks.AllHookMask
}

func logProgress(p minerpkg.Progress) {
	logger.Info("Search interrupted", "attempts", p.Attempts, "candidates", p.Candidates, "collisions", p.Collisions, "elapsed", p.Elapsed)
	if p.Cursor != nil {
		logger.Info("Resume with", "flag", "--start-salt "+p.Cursor.Dec())
	}
}

func openOracle(ctx context.Context) (minerpkg.Oracle, func(), error) {
	if cfg.RPCURL == "" {
		logger.Warn("No RPC endpoint, treating every address as empty")
		return minerpkg.Unoccupied, func() {}, nil
	}
	client, err := chain.Dial(ctx, cfg.RPCURL, chainOptions())
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func chainOptions() chain.Options {
	opts := chain.DefaultOptions()
	opts.Retries = cfg.RPCRetries
	if cfg.RPCTimeout > 0 {
		opts.CallTimeout = time.Duration(cfg.RPCTimeout) * time.Second
	}
	return opts
}

// resolveOwner returns the address used when --owner is empty: the deployer's.
func resolveOwner() (common.Address, error) {
	if cfg.Owner != "" || cfg.RawInitCode {
		return common.Address{}, nil
	}
	if cfg.Bytecode == "" && cfg.BytecodeFile == "" && cfg.Artifact == "" {
		// mining from a precomputed hash
		return common.Address{}, nil
	}
	if cfg.PrivateKey == "" {
		return common.Address{}, errors.New("must specify --owner or --private-key to encode constructor args")
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey), nil
}

func parsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
