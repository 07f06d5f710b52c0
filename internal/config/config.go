package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/gjson"

	"github.com/screa/hook-miner/internal/crypto"
	"github.com/screa/hook-miner/pkg/hooks"
	"github.com/screa/hook-miner/pkg/types"
)

// EnvPrefix namespaces environment overrides, e.g. HOOKMINER_RPC_URL.
const EnvPrefix = "HOOKMINER"

// Mainnet pool manager the fee hook registers with.
const DefaultPoolManager = "0x000000000004444c5dc75cB358380D2e3dE08A90"

// Flag names, also used as viper keys.
const (
	FlagWorkers       = "workers"
	FlagVerbose       = "verbose"
	FlagLogFile       = "log-file"
	FlagLogInterval   = "log-interval"
	FlagBytecode      = "bytecode"
	FlagBytecodeFile  = "bytecode-file"
	FlagArtifact      = "artifact"
	FlagInitCodeHash  = "init-code-hash"
	FlagRawInitCode   = "raw-init-code"
	FlagFactory       = "factory"
	FlagPoolManager   = "pool-manager"
	FlagOwner         = "owner"
	FlagBuyTax        = "buy-tax-bps"
	FlagSellTax       = "sell-tax-bps"
	FlagFlags         = "flags"
	FlagMask          = "mask"
	FlagTarget        = "target"
	FlagStartSalt     = "start-salt"
	FlagMaxSalt       = "max-salt"
	FlagRPCURL        = "rpc-url"
	FlagPrivateKey    = "private-key"
	FlagGasLimit      = "gas-limit"
	FlagRetries       = "rpc-retries"
	FlagCallTimeout   = "rpc-timeout"
	FlagDryRun        = "dry-run"
	FlagSkipPreflight = "skip-preflight"
)

// Errors
var (
	ErrNoBytecodeSpecified  = errors.New("must specify one of --bytecode, --bytecode-file or --artifact")
	ErrNoInitCodeSpecified  = errors.New("must specify init code (--bytecode, --bytecode-file, --artifact) or --init-code-hash")
	ErrNoBytecodeInArtifact = errors.New("artifact has no bytecode")
	ErrNoRPCURL             = errors.New("must specify --rpc-url")
	ErrNoPrivateKey         = errors.New("must specify --private-key")
	ErrMaskWithoutTarget    = errors.New("--mask and --target must be given together")
	ErrNegativeRPCSetting   = errors.New("rpc retries and timeout must not be negative")
)

// Config holds the application configuration
type Config struct {
	Workers     int
	Verbose     bool
	LogFile     string
	LogInterval int // Logging interval in seconds

	Bytecode     string
	BytecodeFile string
	Artifact     string
	InitCodeHash string
	RawInitCode  bool // use the bytecode as-is, without constructor args

	Factory     string
	PoolManager string
	Owner       string
	BuyTaxBps   int64
	SellTaxBps  int64

	Flags     []string
	Mask      string
	Target    string
	StartSalt string
	MaxSalt   string

	RPCURL        string
	PrivateKey    string
	GasLimit      uint64
	RPCRetries    int
	RPCTimeout    int // seconds
	DryRun        bool
	SkipPreflight bool
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Workers:     runtime.NumCPU(),
		LogInterval: 5, // Default 5 seconds
		Factory:     crypto.FactoryAddress,
		PoolManager: DefaultPoolManager,
		BuyTaxBps:   300,
		SellTaxBps:  300,
		Flags:       hooks.FlagNames(hooks.FeeHookFlags),
		StartSalt:   "0",
		MaxSalt:     "999999",
		GasLimit:    8_000_000,
		RPCRetries:  2,
		RPCTimeout:  15,
	}
}

// AddFlags registers every option on cmd with the defaults of NewConfig.
func AddFlags(cmd *cobra.Command) {
	d := NewConfig()
	f := cmd.PersistentFlags()
	f.IntP(FlagWorkers, "w", d.Workers, "Number of goroutines filtering salts (result does not depend on it)")
	f.BoolP(FlagVerbose, "v", d.Verbose, "Verbose output")
	f.StringP(FlagLogFile, "l", d.LogFile, "Log file for progress tracking (default: stdout)")
	f.IntP(FlagLogInterval, "i", d.LogInterval, "Progress logging interval in seconds, 0 disables")
	f.StringP(FlagBytecode, "B", d.Bytecode, "Contract creation bytecode (hex)")
	f.StringP(FlagBytecodeFile, "F", d.BytecodeFile, "File containing contract creation bytecode (hex)")
	f.StringP(FlagArtifact, "a", d.Artifact, "Hardhat or Foundry artifact JSON holding the bytecode")
	f.String(FlagInitCodeHash, d.InitCodeHash, "Precomputed keccak256 of the init code (mining only)")
	f.Bool(FlagRawInitCode, d.RawInitCode, "Do not append constructor args to the bytecode")
	f.String(FlagFactory, d.Factory, "Deterministic deployment factory address")
	f.String(FlagPoolManager, d.PoolManager, "Pool manager passed to the hook constructor")
	f.String(FlagOwner, d.Owner, "Hook owner passed to the constructor (default: deployer address)")
	f.Int64(FlagBuyTax, d.BuyTaxBps, "Buy tax in basis points")
	f.Int64(FlagSellTax, d.SellTaxBps, "Sell tax in basis points")
	f.StringSlice(FlagFlags, d.Flags, "Hook permission flags the address must encode")
	f.String(FlagMask, d.Mask, "Explicit address bit mask (hex), overrides --flags")
	f.String(FlagTarget, d.Target, "Explicit masked target (hex), overrides --flags")
	f.String(FlagStartSalt, d.StartSalt, "First salt to try (decimal or 0x hex)")
	f.String(FlagMaxSalt, d.MaxSalt, "Last salt to try, inclusive (decimal or 0x hex)")
	f.String(FlagRPCURL, d.RPCURL, "RPC endpoint; without it mining runs offline")
	f.String(FlagPrivateKey, d.PrivateKey, "Deployer private key (hex)")
	f.Uint64(FlagGasLimit, d.GasLimit, "Gas limit of the factory deployment")
	f.Int(FlagRetries, d.RPCRetries, "Extra attempts for a failed code lookup")
	f.Int(FlagCallTimeout, d.RPCTimeout, "Per-call RPC timeout in seconds")
	f.Bool(FlagDryRun, d.DryRun, "Mine and print the factory calldata without sending")
	f.Bool(FlagSkipPreflight, d.SkipPreflight, "Do not check that factory and pool manager have code")
}

// NewViper binds cmd's flags and HOOKMINER_* environment variables.
func NewViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads a Config from v; keys that are not set keep NewConfig defaults.
func Load(v *viper.Viper) *Config {
	c := NewConfig()
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v.IsSet(key) {
			*dst = v.GetInt64(key)
		}
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	setInt(FlagWorkers, &c.Workers)
	setBool(FlagVerbose, &c.Verbose)
	setString(FlagLogFile, &c.LogFile)
	setInt(FlagLogInterval, &c.LogInterval)
	setString(FlagBytecode, &c.Bytecode)
	setString(FlagBytecodeFile, &c.BytecodeFile)
	setString(FlagArtifact, &c.Artifact)
	setString(FlagInitCodeHash, &c.InitCodeHash)
	setBool(FlagRawInitCode, &c.RawInitCode)
	setString(FlagFactory, &c.Factory)
	setString(FlagPoolManager, &c.PoolManager)
	setString(FlagOwner, &c.Owner)
	setInt64(FlagBuyTax, &c.BuyTaxBps)
	setInt64(FlagSellTax, &c.SellTaxBps)
	if v.IsSet(FlagFlags) {
		c.Flags = splitList(v.GetStringSlice(FlagFlags))
	}
	setString(FlagMask, &c.Mask)
	setString(FlagTarget, &c.Target)
	setString(FlagStartSalt, &c.StartSalt)
	setString(FlagMaxSalt, &c.MaxSalt)
	setString(FlagRPCURL, &c.RPCURL)
	setString(FlagPrivateKey, &c.PrivateKey)
	if v.IsSet(FlagGasLimit) {
		c.GasLimit = v.GetUint64(FlagGasLimit)
	}
	setInt(FlagRetries, &c.RPCRetries)
	setInt(FlagCallTimeout, &c.RPCTimeout)
	setBool(FlagDryRun, &c.DryRun)
	setBool(FlagSkipPreflight, &c.SkipPreflight)
	return c
}

// splitList flattens comma-separated entries. Environment values reach viper
// as one string split only on whitespace.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate validates the configuration needed for mining
func (c *Config) Validate() error {
	if c.Bytecode == "" && c.BytecodeFile == "" && c.Artifact == "" && c.InitCodeHash == "" {
		return ErrNoInitCodeSpecified
	}
	if (c.Mask == "") != (c.Target == "") {
		return ErrMaskWithoutTarget
	}
	if c.RPCRetries < 0 {
		return fmt.Errorf("%w: --%s is %d", ErrNegativeRPCSetting, FlagRetries, c.RPCRetries)
	}
	if c.RPCTimeout < 0 {
		return fmt.Errorf("%w: --%s is %d", ErrNegativeRPCSetting, FlagCallTimeout, c.RPCTimeout)
	}
	if _, err := crypto.ParseAddress(c.Factory); err != nil {
		return fmt.Errorf("factory: %w", err)
	}
	if _, err := c.Constraint(); err != nil {
		return err
	}
	_, _, err := c.SaltRange()
	return err
}

// ValidateDeploy additionally requires what sending the deployment needs.
func (c *Config) ValidateDeploy() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Bytecode == "" && c.BytecodeFile == "" && c.Artifact == "" {
		return ErrNoBytecodeSpecified
	}
	if c.RPCURL == "" && !c.DryRun {
		return ErrNoRPCURL
	}
	if c.PrivateKey == "" && !c.DryRun {
		return ErrNoPrivateKey
	}
	return nil
}

// Constraint returns the address bit pattern, from --mask/--target or --flags.
func (c *Config) Constraint() (types.Constraint, error) {
	if c.Mask != "" {
		var con types.Constraint
		if err := con.Mask.SetFromHex(normalizeHexNumber(c.Mask)); err != nil {
			return types.Constraint{}, fmt.Errorf("mask: %w", err)
		}
		if err := con.Target.SetFromHex(normalizeHexNumber(c.Target)); err != nil {
			return types.Constraint{}, fmt.Errorf("target: %w", err)
		}
		if err := con.Validate(); err != nil {
			return types.Constraint{}, err
		}
		return con, nil
	}
	bits, err := hooks.ParseFlags(c.Flags)
	if err != nil {
		return types.Constraint{}, err
	}
	return hooks.ConstraintFor(bits)
}

// GetTargetDescription returns a human-readable description of the target
func (c *Config) GetTargetDescription() string {
	con, err := c.Constraint()
	if err != nil {
		return "invalid: " + err.Error()
	}
	if c.Mask != "" {
		return fmt.Sprintf("address & %s == %s", con.Mask.Hex(), con.Target.Hex())
	}
	return fmt.Sprintf("hook flags [%s] (address & %s == %s)", strings.Join(hooks.FlagNames(con.Target.Uint64()), ", "), con.Mask.Hex(), con.Target.Hex())
}

// SaltRange parses the inclusive salt bounds.
func (c *Config) SaltRange() (*uint256.Int, *uint256.Int, error) {
	start, err := crypto.ParseSalt(c.StartSalt)
	if err != nil {
		return nil, nil, fmt.Errorf("start salt: %w", err)
	}
	max, err := crypto.ParseSalt(c.MaxSalt)
	if err != nil {
		return nil, nil, fmt.Errorf("max salt: %w", err)
	}
	if start.Gt(max) {
		return nil, nil, fmt.Errorf("start salt %s is above max salt %s", start.Dec(), max.Dec())
	}
	return start, max, nil
}

// FactoryAddress returns the parsed factory address.
func (c *Config) FactoryAddress() (common.Address, error) {
	return crypto.ParseAddress(c.Factory)
}

// GetBytecode returns the bytecode to use for address calculation
func (c *Config) GetBytecode() ([]byte, error) {
	// Check if an artifact is specified
	if c.Artifact != "" {
		return readBytecodeFromArtifact(c.Artifact)
	}

	// Check if bytecode file is specified
	if c.BytecodeFile != "" {
		return readBytecodeFromFile(c.BytecodeFile)
	}

	// Check if bytecode is provided directly
	if c.Bytecode != "" {
		return crypto.DecodeHex(c.Bytecode)
	}

	return nil, ErrNoBytecodeSpecified
}

// InitPayload is the bytecode followed by the hook's ABI-encoded constructor
// args. owner fills in when --owner is empty.
func (c *Config) InitPayload(owner common.Address) ([]byte, error) {
	bytecode, err := c.GetBytecode()
	if err != nil {
		return nil, err
	}
	if c.RawInitCode {
		return bytecode, nil
	}

	poolManager, err := crypto.ParseAddress(c.PoolManager)
	if err != nil {
		return nil, fmt.Errorf("pool manager: %w", err)
	}
	if c.Owner != "" {
		if owner, err = crypto.ParseAddress(c.Owner); err != nil {
			return nil, fmt.Errorf("owner: %w", err)
		}
	}
	args, err := hooks.EncodeConstructorArgs(hooks.FeeHookArgs{
		PoolManager: poolManager,
		Owner:       owner,
		BuyTaxBps:   big.NewInt(c.BuyTaxBps),
		SellTaxBps:  big.NewInt(c.SellTaxBps),
	})
	if err != nil {
		return nil, err
	}
	return hooks.InitPayload(bytecode, args), nil
}

// ContentHash returns --init-code-hash when given, otherwise hashes the init payload.
func (c *Config) ContentHash(owner common.Address) (common.Hash, []byte, error) {
	if c.InitCodeHash != "" && c.Bytecode == "" && c.BytecodeFile == "" && c.Artifact == "" {
		h, err := crypto.ParseHash(c.InitCodeHash)
		return h, nil, err
	}
	payload, err := c.InitPayload(owner)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return crypto.InitCodeHash(payload), payload, nil
}

// normalizeHexNumber strips leading zeros so uint256 accepts values like 0x0044.
func normalizeHexNumber(s string) string {
	h := strings.TrimSpace(s)
	if len(h) >= 2 && (h[0:2] == "0x" || h[0:2] == "0X") {
		h = h[2:]
	}
	h = strings.TrimLeft(h, "0")
	if h == "" {
		h = "0"
	}
	return "0x" + h
}

// readBytecodeFromFile reads bytecode from a file
func readBytecodeFromFile(filename string) ([]byte, error) {
	// Read file content
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	// Convert to string and clean up
	code := strings.TrimSpace(string(content))
	if len(code) > 2 && code[:2] == "0x" {
		code = code[2:]
	}

	return crypto.DecodeHex(code)
}

// readBytecodeFromArtifact reads "bytecode" (Hardhat) or "bytecode.object" (Foundry).
func readBytecodeFromArtifact(filename string) ([]byte, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("artifact %s is not valid JSON", filename)
	}

	field := gjson.GetBytes(raw, "bytecode")
	if field.IsObject() {
		field = field.Get("object")
	}
	code := field.String()
	if !field.Exists() || code == "" || code == "0x" {
		return nil, fmt.Errorf("%s: %w", filename, ErrNoBytecodeInArtifact)
	}
	return crypto.DecodeHex(code)
}
