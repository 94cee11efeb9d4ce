package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, Duration(5*time.Minute), cfg.Sync.ResyncInterval)
	require.Equal(t, 5, cfg.Retry.Attempts)
	require.Equal(t, Duration(5*time.Second), cfg.Retry.Delay)
}

func TestFromFile(t *testing.T) {
	raw := `
[Sync]
ResyncInterval = "2m30s"

[Retry]
Attempts = 3
Delay = "1s"

[[Chains]]
ChainID = 5
Name = "goerli"
ProviderURL = "wss://example.invalid/ws"
ContractAddress = "0x1234567890123456789012345678901234567890"
SubgraphURL = "https://example.invalid/subgraph"
StorageGateway = "https://example.invalid/arweave"
MnemonicEnv = "ARCHON_TEST_MNEMONIC"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, Duration(150*time.Second), cfg.Sync.ResyncInterval)
	require.Equal(t, 3, cfg.Retry.Attempts)

	cc, ok := cfg.ChainByID(5)
	require.True(t, ok)
	require.Equal(t, "goerli", cc.Name)

	_, ok = cfg.ChainByID(1)
	require.False(t, ok)
}

func TestValidateChain(t *testing.T) {
	cc := Chain{
		ChainID:         5,
		ProviderURL:     "wss://example.invalid/ws",
		ContractAddress: "0x1234567890123456789012345678901234567890",
		SubgraphURL:     "https://example.invalid/subgraph",
		StorageGateway:  "https://example.invalid/arweave",
		MnemonicEnv:     "ARCHON_TEST_MNEMONIC",
	}

	t.Setenv("ARCHON_TEST_MNEMONIC", "test test test test test test test test test test test junk")
	mnemonic, err := cc.ValidateChain()
	require.NoError(t, err)
	require.NotEmpty(t, mnemonic)

	t.Setenv("ARCHON_TEST_MNEMONIC", "")
	_, err = cc.ValidateChain()
	require.ErrorIs(t, err, ErrMissingSetting)

	missing := cc
	missing.ProviderURL = ""
	_, err = missing.ValidateChain()
	require.ErrorIs(t, err, ErrMissingSetting)
}
