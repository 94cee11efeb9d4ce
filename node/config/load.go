package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// ErrMissingSetting wraps every fatal configuration error: a chain id was
// requested but the settings it needs are absent. Startup must abort, never
// retry.
var ErrMissingSetting = xerrors.New("missing required setting")

// FromFile loads config over the defaults from a TOML file.
func FromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, xerrors.Errorf("decoding config file %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateChain checks that everything a network context needs is present,
// and resolves the mnemonic from the environment. Any absence is fatal.
func (cc *Chain) ValidateChain() (mnemonic string, err error) {
	if cc.ProviderURL == "" {
		return "", xerrors.Errorf("chain %d: provider URL: %w", cc.ChainID, ErrMissingSetting)
	}
	if cc.ContractAddress == "" {
		return "", xerrors.Errorf("chain %d: contract address: %w", cc.ChainID, ErrMissingSetting)
	}
	if cc.SubgraphURL == "" {
		return "", xerrors.Errorf("chain %d: subgraph URL: %w", cc.ChainID, ErrMissingSetting)
	}
	if cc.StorageGateway == "" {
		return "", xerrors.Errorf("chain %d: storage gateway: %w", cc.ChainID, ErrMissingSetting)
	}
	if cc.MnemonicEnv == "" {
		return "", xerrors.Errorf("chain %d: mnemonic env var name: %w", cc.ChainID, ErrMissingSetting)
	}
	mnemonic = os.Getenv(cc.MnemonicEnv)
	if mnemonic == "" {
		return "", xerrors.Errorf("chain %d: environment variable %s is empty: %w", cc.ChainID, cc.MnemonicEnv, ErrMissingSetting)
	}
	return mnemonic, nil
}
