package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store    string                   `mapstructure:"store"`
	Mongo    MongoConfig              `mapstructure:"mongo"`
	Log      LogConfig                `mapstructure:"log"`
	Wallet   WalletConfig             `mapstructure:"wallet"`
	Tx       TxConfig                 `mapstructure:"tx"`
	Networks map[string]NetworkConfig `mapstructure:"networks"`
}

type MongoConfig struct {
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type WalletConfig struct {
	// MnemonicStrength is the entropy of generated mnemonics, 128 or 256.
	MnemonicStrength int `mapstructure:"mnemonic_strength"`

	// SolanaScheme is "salted" or "slip10".
	SolanaScheme string `mapstructure:"solana_scheme"`
}

type TxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// NetworkConfig is the endpoint of one network. The map key in Config is
// the network name, e.g. "ethereum" or "bitcoin-testnet".
type NetworkConfig struct {
	RPC        string        `mapstructure:"rpc"`
	APIKey     string        `mapstructure:"api_key"`
	ChainID    int64         `mapstructure:"chain_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`

	// FinalityDepth overrides the registry default when non zero.
	FinalityDepth uint64 `mapstructure:"finality_depth"`

	// FeeLimit caps TRC-20 energy spend, in sun.
	FeeLimit int64 `mapstructure:"fee_limit"`
}

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"

	DefaultNetworkTimeout = 15 * time.Second
	DefaultMaxRetries     = 3
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StoreMongo)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "hdwallet")
	v.SetDefault("mongo.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("wallet.mnemonic_strength", 256)
	v.SetDefault("wallet.solana_scheme", "salted")
	v.SetDefault("tx.poll_interval", 15*time.Second)
	v.SetDefault("tx.confirm_timeout", 30*time.Minute)
}

// Load reads a YAML file, then applies environment overrides where a key
// like mongo.uri maps to MONGO_URI. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// ENV 覆盖 YAML
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMongo, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Wallet.MnemonicStrength != 128 && c.Wallet.MnemonicStrength != 256 {
		return fmt.Errorf("wallet.mnemonic_strength must be 128 or 256, got %d",
			c.Wallet.MnemonicStrength)
	}
	switch c.Wallet.SolanaScheme {
	case "salted", "slip10":
	default:
		return fmt.Errorf("unknown wallet.solana_scheme %q", c.Wallet.SolanaScheme)
	}
	for name, n := range c.Networks {
		if n.RPC == "" {
			return fmt.Errorf("networks.%s.rpc is required", name)
		}
	}
	return nil
}

// Network returns the endpoint config of a network with timeouts and
// retries defaulted.
func (c *Config) Network(name string) (NetworkConfig, bool) {
	n, ok := c.Networks[name]
	if !ok {
		return NetworkConfig{}, false
	}
	if n.Timeout <= 0 {
		n.Timeout = DefaultNetworkTimeout
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = DefaultMaxRetries
	}
	return n, true
}
