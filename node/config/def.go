package config

import (
	"encoding"
	"time"
)

// Config is the full archon daemon configuration.
type Config struct {
	Libp2p      Libp2p
	Sync        Sync
	Retry       Retry
	Negotiation Negotiation
	Chains      []Chain
}

// Libp2p contains configs for the transport host.
type Libp2p struct {
	ListenAddresses []string
}

// Sync controls the defensive periodic reconciliation sweep.
type Sync struct {
	ResyncInterval Duration
}

// Retry applies to every remote call (chain RPC, storage fetch).
type Retry struct {
	Attempts int
	Delay    Duration
}

// Negotiation bounds inbound negotiation streams.
type Negotiation struct {
	MaxMessageSize int64
	// TimestampSkew is how far ahead of local time a request timestamp may
	// sit before it is rejected.
	TimestampSkew Duration
}

// Chain configures one network context. MnemonicEnv names the environment
// variable holding the BIP-39 mnemonic; the secret itself never lives in
// the config file.
type Chain struct {
	ChainID         uint64
	Name            string
	ProviderURL     string
	ContractAddress string
	SubgraphURL     string
	StorageGateway  string
	MnemonicEnv     string
}

func DefaultConfig() *Config {
	return &Config{
		Libp2p: Libp2p{
			ListenAddresses: []string{"/ip4/0.0.0.0/tcp/9010"},
		},
		Sync: Sync{
			ResyncInterval: Duration(5 * time.Minute),
		},
		Retry: Retry{
			Attempts: 5,
			Delay:    Duration(5 * time.Second),
		},
		Negotiation: Negotiation{
			MaxMessageSize: 1 << 16,
			TimestampSkew:  Duration(60 * time.Second),
		},
	}
}

// ChainByID returns the chain table for id.
func (c *Config) ChainByID(id uint64) (*Chain, bool) {
	for i := range c.Chains {
		if c.Chains[i].ChainID == id {
			return &c.Chains[i], true
		}
	}
	return nil, false
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration for decoding and encoding
// from/to TOML.
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding.
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
