package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/screa/hook-miner/internal/crypto"
	"github.com/screa/hook-miner/pkg/hooks"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	require.Equal(t, crypto.FactoryAddress, c.Factory)
	require.Equal(t, "999999", c.MaxSalt)
	require.Equal(t, []string{"afterSwap", "afterSwapReturnDelta"}, c.Flags)

	con, err := c.Constraint()
	require.NoError(t, err)
	require.Equal(t, hooks.AllHookMask, con.Mask.Uint64())
	require.Equal(t, uint64(0x44), con.Target.Uint64())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{name: "bytecode", modify: func(c *Config) { c.Bytecode = "0x6080" }},
		{name: "init code hash only", modify: func(c *Config) { c.InitCodeHash = common.Hash{1}.Hex() }},
		{name: "nothing to hash", modify: func(c *Config) {}, wantErr: ErrNoInitCodeSpecified},
		{name: "mask without target", modify: func(c *Config) { c.Bytecode = "0x00"; c.Mask = "0x3fff" }, wantErr: ErrMaskWithoutTarget},
		{name: "negative retries", modify: func(c *Config) { c.Bytecode = "0x00"; c.RPCRetries = -1 }, wantErr: ErrNegativeRPCSetting},
		{name: "negative timeout", modify: func(c *Config) { c.Bytecode = "0x00"; c.RPCTimeout = -5 }, wantErr: ErrNegativeRPCSetting},
		{name: "zero retries", modify: func(c *Config) { c.Bytecode = "0x00"; c.RPCRetries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "short factory", modify: func(c *Config) { c.Factory = "0x1234" }},
		{name: "unknown flag", modify: func(c *Config) { c.Flags = []string{"afterFish"} }},
		{name: "target outside mask", modify: func(c *Config) { c.Mask = "0x3fff"; c.Target = "0x4000" }},
		{name: "start above max", modify: func(c *Config) { c.StartSalt = "10"; c.MaxSalt = "9" }},
		{name: "bad salt", modify: func(c *Config) { c.MaxSalt = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			c.Bytecode = "0x6080"
			tt.modify(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestValidateDeploy(t *testing.T) {
	c := NewConfig()
	c.InitCodeHash = common.Hash{1}.Hex()
	require.ErrorIs(t, c.ValidateDeploy(), ErrNoBytecodeSpecified)

	c.Bytecode = "0x6080"
	require.ErrorIs(t, c.ValidateDeploy(), ErrNoRPCURL)

	c.RPCURL = "http://localhost:8545"
	require.ErrorIs(t, c.ValidateDeploy(), ErrNoPrivateKey)

	c.PrivateKey = "0x01"
	require.NoError(t, c.ValidateDeploy())

	dry := NewConfig()
	dry.Bytecode = "0x6080"
	dry.DryRun = true
	require.NoError(t, dry.ValidateDeploy())
}

func TestExplicitMaskTarget(t *testing.T) {
	c := NewConfig()
	c.Mask = "0x3FFF"
	c.Target = "0x0044"
	con, err := c.Constraint()
	require.NoError(t, err)
	require.Equal(t, uint64(0x3fff), con.Mask.Uint64())
	require.Equal(t, uint64(0x44), con.Target.Uint64())
	require.Contains(t, c.GetTargetDescription(), "== 0x44")
}

func TestGetBytecode(t *testing.T) {
	hardhat := writeFile(t, "Hook.json", `{"contractName":"FeeHook","bytecode":"0x60806040"}`)
	foundry := writeFile(t, "Hook.sol.json", `{"abi":[],"bytecode":{"object":"0x60806040","linkReferences":{}}}`)
	empty := writeFile(t, "Iface.json", `{"abi":[],"bytecode":"0x"}`)
	broken := writeFile(t, "broken.json", `{"bytecode":`)
	plain := writeFile(t, "hook.bin", "0x60806040\n")
	odd := writeFile(t, "odd.bin", "0x6080604")

	want := []byte{0x60, 0x80, 0x60, 0x40}
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "inline", config: Config{Bytecode: "0x60806040"}},
		{name: "file", config: Config{BytecodeFile: plain}},
		{name: "hardhat artifact", config: Config{Artifact: hardhat}},
		{name: "foundry artifact", config: Config{Artifact: foundry}},
		{name: "artifact wins over inline", config: Config{Artifact: foundry, Bytecode: "0xff"}},
		{name: "empty artifact", config: Config{Artifact: empty}, wantErr: true},
		{name: "broken artifact", config: Config{Artifact: broken}, wantErr: true},
		{name: "odd file", config: Config{BytecodeFile: odd}, wantErr: true},
		{name: "missing", config: Config{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.config.GetBytecode()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestEmptyArtifactError(t *testing.T) {
	c := Config{Artifact: writeFile(t, "Iface.json", `{"bytecode":{"object":""}}`)}
	_, err := c.GetBytecode()
	require.ErrorIs(t, err, ErrNoBytecodeInArtifact)
}

func TestInitPayload(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	c := NewConfig()
	c.Bytecode = "0x6080"

	payload, err := c.InitPayload(owner)
	require.NoError(t, err)
	require.Len(t, payload, 2+4*32)
	require.Equal(t, []byte{0x60, 0x80}, payload[:2])
	require.Equal(t, owner.Bytes(), payload[2+32+12:2+64])

	c.RawInitCode = true
	payload, err = c.InitPayload(owner)
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x80}, payload)

	c.RawInitCode = false
	c.Owner = "0x00000000000000000000000000000000000000bb"
	payload, err = c.InitPayload(owner)
	require.NoError(t, err)
	require.Equal(t, byte(0xbb), payload[2+63])
}

func TestContentHash(t *testing.T) {
	c := NewConfig()
	c.Bytecode = "0x6080"
	c.RawInitCode = true
	h, payload, err := c.ContentHash(common.Address{})
	require.NoError(t, err)
	require.Equal(t, crypto.InitCodeHash([]byte{0x60, 0x80}), h)
	require.Equal(t, []byte{0x60, 0x80}, payload)

	hashOnly := NewConfig()
	hashOnly.InitCodeHash = h.Hex()
	got, payload, err := hashOnly.ContentHash(common.Address{})
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Nil(t, payload)
}

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set(FlagWorkers, 3)
	v.Set(FlagMaxSalt, "0xff")
	v.Set(FlagFlags, []string{"beforeSwap"})
	c := Load(v)
	require.Equal(t, 3, c.Workers)
	require.Equal(t, "0xff", c.MaxSalt)
	require.Equal(t, []string{"beforeSwap"}, c.Flags)
	require.Equal(t, "0", c.StartSalt)
	require.Equal(t, DefaultPoolManager, c.PoolManager)
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("HOOKMINER_RPC_URL", "http://node:8545")
	t.Setenv("HOOKMINER_BUY_TAX_BPS", "150")
	t.Setenv("HOOKMINER_FLAGS", "afterSwap,afterSwapReturnDelta")

	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--start-salt", "100", "-w", "2"}))

	v, err := NewViper(cmd)
	require.NoError(t, err)
	c := Load(v)
	require.Equal(t, "100", c.StartSalt)
	require.Equal(t, 2, c.Workers)
	require.Equal(t, "http://node:8545", c.RPCURL)
	require.Equal(t, int64(150), c.BuyTaxBps)
	require.Equal(t, int64(300), c.SellTaxBps)
	require.Equal(t, []string{"afterSwap", "afterSwapReturnDelta"}, c.Flags)
}

func TestLoadFlagsFromEnvList(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want []string
	}{
		{name: "comma", env: "afterSwap,afterSwapReturnDelta", want: []string{"afterSwap", "afterSwapReturnDelta"}},
		{name: "comma and space", env: "beforeSwap, afterSwap", want: []string{"beforeSwap", "afterSwap"}},
		{name: "space", env: "beforeSwap afterSwap", want: []string{"beforeSwap", "afterSwap"}},
		{name: "single", env: "afterSwap", want: []string{"afterSwap"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOOKMINER_FLAGS", tt.env)

			cmd := &cobra.Command{Use: "test"}
			AddFlags(cmd)
			require.NoError(t, cmd.ParseFlags(nil))
			v, err := NewViper(cmd)
			require.NoError(t, err)

			c := Load(v)
			require.Equal(t, tt.want, c.Flags)
			_, err = c.Constraint()
			require.NoError(t, err)
		})
	}
}

func TestLoadFeeHookFlagsFromEnv(t *testing.T) {
	t.Setenv("HOOKMINER_FLAGS", "afterSwap,afterSwapReturnDelta")

	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	require.NoError(t, cmd.ParseFlags(nil))
	v, err := NewViper(cmd)
	require.NoError(t, err)

	con, err := Load(v).Constraint()
	require.NoError(t, err)
	require.Equal(t, hooks.AllHookMask, con.Mask.Uint64())
	require.Equal(t, hooks.FeeHookFlags, con.Target.Uint64())
}
