package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nenkoz/1launch-sub000/pkg/logger"
)

// Config is the full settlement service configuration, loaded from YAML
// with environment variable overrides for secrets and endpoints.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        logger.Config    `yaml:"log"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Venue      VenueConfig      `yaml:"venue"`
	Chain      ChainConfig      `yaml:"chain"`
	Settlement SettlementConfig `yaml:"settlement"`
	Secrets    SecretsConfig    `yaml:"secrets"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`
	// SettleInterval is how often the background loop scans for auctions
	// past their end time. Zero disables the loop (settle via API only).
	SettleInterval time.Duration `yaml:"settle_interval"`
}

type OracleConfig struct {
	BaseURL string        `yaml:"base_url"`
	WSURL   string        `yaml:"ws_url"` // optional live price feed
	Timeout time.Duration `yaml:"timeout"`
}

type VenueConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	RatePerSec  float64       `yaml:"rate_per_sec"` // venue call rate limit
	Concurrency int           `yaml:"concurrency"`  // parallel conversions
}

type ChainConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	ChainID        int64  `yaml:"chain_id"`
	ExecutorAddr   string `yaml:"executor_addr"`   // auction executor contract
	StableToken    string `yaml:"stable_token"`    // unit-of-account ERC-20
	DerivationPath string `yaml:"derivation_path"` // relay key derivation
}

type SettlementConfig struct {
	// SlippageTolerance is the maximum fraction by which tokens owed may
	// fall below the committed fill before distribution rejects the bid.
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
}

type SecretsConfig struct {
	StorePath string `yaml:"store_path"` // badger dir holding the relay mnemonic
}

// Load reads the YAML file at path, applies defaults, then env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         ":8080",
			DBPath:         "data/launch.db",
			SettleInterval: time.Minute,
		},
		Log: logger.Config{
			Level:      "info",
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
		},
		Oracle: OracleConfig{Timeout: 10 * time.Second},
		Venue: VenueConfig{
			Timeout:     30 * time.Second,
			RatePerSec:  5,
			Concurrency: 4,
		},
		Chain:      ChainConfig{ChainID: 137, DerivationPath: "m/44'/60'/0'/0/0"},
		Settlement: SettlementConfig{SlippageTolerance: 0.01},
		Secrets:    SecretsConfig{StorePath: "data/secrets"},
	}
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Listen, "LAUNCH_LISTEN")
	set(&c.Server.DBPath, "LAUNCH_DB")
	set(&c.Oracle.BaseURL, "LAUNCH_ORACLE_URL")
	set(&c.Oracle.WSURL, "LAUNCH_ORACLE_WS_URL")
	set(&c.Venue.BaseURL, "LAUNCH_VENUE_URL")
	set(&c.Chain.RPCURL, "LAUNCH_RPC_URL")
	set(&c.Chain.ExecutorAddr, "LAUNCH_EXECUTOR_ADDR")
	set(&c.Chain.StableToken, "LAUNCH_STABLE_TOKEN")
	set(&c.Secrets.StorePath, "LAUNCH_SECRETS_DIR")
}

func (c *Config) Validate() error {
	if c.Server.DBPath == "" {
		return fmt.Errorf("config: server.db_path is required")
	}
	if c.Venue.Concurrency <= 0 {
		return fmt.Errorf("config: venue.concurrency must be positive")
	}
	if c.Settlement.SlippageTolerance < 0 || c.Settlement.SlippageTolerance >= 1 {
		return fmt.Errorf("config: settlement.slippage_tolerance must be in [0,1)")
	}
	if c.Chain.ExecutorAddr != "" && !strings.HasPrefix(c.Chain.ExecutorAddr, "0x") {
		return fmt.Errorf("config: chain.executor_addr must be a hex address")
	}
	if c.Chain.StableToken != "" && !strings.HasPrefix(c.Chain.StableToken, "0x") {
		return fmt.Errorf("config: chain.stable_token must be a hex address")
	}
	return nil
}
