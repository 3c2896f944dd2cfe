// Copyright 2025 Certen Protocol
//
// Configuration for the block-builder and validity-prover services.
// YAML structs loaded once at startup, with ${VAR} environment overlay.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use human-readable
// strings ("30s", "2m") instead of raw nanosecond integers.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// FeeEntry is one (token, amount) pair in a fee schedule.
type FeeEntry struct {
	TokenIndex uint32 `yaml:"token_index"`
	Amount     string `yaml:"amount"`
}

// ChainConfig describes how to reach the L1/L2 RPC endpoints and the
// contracts the poster and observer interact with.
type ChainConfig struct {
	L1RPCURL             string `yaml:"l1_rpc_url"`
	L2RPCURL             string `yaml:"l2_rpc_url"`
	LiquidityContract    string `yaml:"liquidity_contract"`
	RollupContract       string `yaml:"rollup_contract"`
	ChainID              int64  `yaml:"chain_id"`
	ConfirmationBlocks   uint64 `yaml:"confirmation_blocks"`
}

// BuilderConfig covers the block-builder service.
type BuilderConfig struct {
	PrivateKey              string              `yaml:"block_builder_private_key"`
	Address                 string              `yaml:"block_builder_address"`
	BeneficiaryPubkey       string              `yaml:"beneficiary_pubkey"`
	EthAllowanceForBlock    string              `yaml:"eth_allowance_for_block"`
	AcceptingTxInterval     Duration            `yaml:"accepting_tx_interval"`
	ProposingBlockInterval  Duration            `yaml:"proposing_block_interval"`
	DepositCheckInterval    Duration            `yaml:"deposit_check_interval"`
	InitialHeartBeatDelay   Duration            `yaml:"initial_heart_beat_delay"`
	HeartBeatInterval       Duration            `yaml:"heart_beat_interval"`
	TxTimeout               Duration            `yaml:"tx_timeout"`
	NumBlockPostChannel     int                 `yaml:"num_block_post_channel"`
	MainFee                 map[uint32]FeeEntry `yaml:"main_fee"`
	CollateralFee           map[uint32]FeeEntry `yaml:"collateral_fee"`
	GasBumpFactorPercent    int                 `yaml:"gas_bump_factor_percent"`
	GasBumpMaxRetries       int                 `yaml:"gas_bump_max_retries"`
}

// ObserverConfig covers the chain-event observer cadence.
type ObserverConfig struct {
	PollInterval         Duration `yaml:"poll_interval"`
	MaxBlockRange        uint64   `yaml:"max_block_range"`
	DepositSyncInterval  Duration `yaml:"deposit_sync_interval"`
}

// ProverConfig covers the validity-prover service.
type ProverConfig struct {
	WitnessGenerationInterval Duration `yaml:"witness_generation_interval"`
	TransitionWorkerCount     int      `yaml:"transition_worker_count"`
	ValidityProofChainDepth   int      `yaml:"validity_proof_chain_depth"`
}

// StorageConfig covers Postgres and Redis connection settings.
type StorageConfig struct {
	DatabaseURL          string   `yaml:"database_url"`
	DatabaseMaxConns     int      `yaml:"database_max_conns"`
	DatabaseMinConns     int      `yaml:"database_min_conns"`
	DatabaseMaxIdleTime  Duration `yaml:"database_max_idle_time"`
	DatabaseMaxLifetime  Duration `yaml:"database_max_lifetime"`
	RedisURL             string   `yaml:"redis_url"`
	RedisKeyPrefix       string   `yaml:"redis_key_prefix"`
}

// MetricsConfig covers the Prometheus exporter.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration for both cmd/block-builder and
// cmd/validity-prover; each binary only reads the sections it needs.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Builder  BuilderConfig  `yaml:"builder"`
	Observer ObserverConfig `yaml:"observer"`
	Prover   ProverConfig   `yaml:"prover"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvVars replaces ${VAR} occurrences with the environment
// variable's value, leaving the placeholder untouched if unset.
func substituteEnvVars(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applying ${VAR}
// environment substitution before unmarshalling, then fills defaults
// and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	raw = substituteEnvVars(raw)

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Builder.AcceptingTxInterval.Duration == 0 {
		cfg.Builder.AcceptingTxInterval = Duration{2 * time.Second}
	}
	if cfg.Builder.ProposingBlockInterval.Duration == 0 {
		cfg.Builder.ProposingBlockInterval = Duration{2 * time.Second}
	}
	if cfg.Builder.DepositCheckInterval.Duration == 0 {
		cfg.Builder.DepositCheckInterval = Duration{10 * time.Second}
	}
	if cfg.Builder.HeartBeatInterval.Duration == 0 {
		cfg.Builder.HeartBeatInterval = Duration{60 * time.Second}
	}
	if cfg.Builder.TxTimeout.Duration == 0 {
		cfg.Builder.TxTimeout = Duration{80 * time.Second}
	}
	if cfg.Builder.NumBlockPostChannel == 0 {
		cfg.Builder.NumBlockPostChannel = 100
	}
	if cfg.Builder.GasBumpFactorPercent == 0 {
		cfg.Builder.GasBumpFactorPercent = 110
	}
	if cfg.Builder.GasBumpMaxRetries == 0 {
		cfg.Builder.GasBumpMaxRetries = 5
	}
	if cfg.Observer.PollInterval.Duration == 0 {
		cfg.Observer.PollInterval = Duration{5 * time.Second}
	}
	if cfg.Observer.MaxBlockRange == 0 {
		cfg.Observer.MaxBlockRange = 10000
	}
	if cfg.Prover.TransitionWorkerCount == 0 {
		cfg.Prover.TransitionWorkerCount = 4
	}
	if cfg.Storage.DatabaseMaxConns == 0 {
		cfg.Storage.DatabaseMaxConns = 20
	}
	if cfg.Storage.DatabaseMinConns == 0 {
		cfg.Storage.DatabaseMinConns = 2
	}
	if cfg.Storage.DatabaseMaxIdleTime.Duration == 0 {
		cfg.Storage.DatabaseMaxIdleTime = Duration{5 * time.Minute}
	}
	if cfg.Storage.DatabaseMaxLifetime.Duration == 0 {
		cfg.Storage.DatabaseMaxLifetime = Duration{time.Hour}
	}
	if cfg.Storage.RedisKeyPrefix == "" {
		cfg.Storage.RedisKeyPrefix = "rollup:"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}

// Validate checks required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.database_url is required")
	}
	if c.Chain.L2RPCURL == "" {
		return fmt.Errorf("chain.l2_rpc_url is required")
	}
	if c.Builder.NumBlockPostChannel < 0 {
		return fmt.Errorf("builder.num_block_post_channel must be >= 0")
	}
	for id, fee := range c.Builder.MainFee {
		if _, err := strconv.ParseUint(fee.Amount, 10, 64); err != nil && fee.Amount != "" {
			return fmt.Errorf("builder.main_fee[%d].amount %q is not a valid integer: %w", id, fee.Amount, err)
		}
	}
	return nil
}
