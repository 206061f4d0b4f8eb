// Package config loads and strictly validates the kernel configuration.
// Unknown keys anywhere in the document are a hard load-time failure.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoopConfig paces the autonomous loop driver.
type LoopConfig struct {
	MinDelaySeconds              float64 `yaml:"min_delay_seconds"`
	MaxDelaySeconds              float64 `yaml:"max_delay_seconds"`
	MaxConsecutiveErrors         int     `yaml:"max_consecutive_errors"`
	ResourceCheckIntervalSeconds float64 `yaml:"resource_check_interval_seconds"`
}

// SimulationConfig bounds a simulation run.
type SimulationConfig struct {
	DefaultDurationSeconds float64    `yaml:"default_duration_seconds"`
	MaxRuntimeSeconds      float64    `yaml:"max_runtime_seconds"`
	SummaryIntervalSeconds float64    `yaml:"summary_interval_seconds"`
	Loop                   LoopConfig `yaml:"loop"`
}

// PrincipalsConfig describes the genesis principals.
type PrincipalsConfig struct {
	Count                  int     `yaml:"count"`
	IDPrefix               string  `yaml:"id_prefix"`
	StartingScrip          int64   `yaml:"starting_scrip"`
	StartingLLMBudget      float64 `yaml:"starting_llm_budget"`
	StartingDiskQuotaBytes int64   `yaml:"starting_disk_quota_bytes"`
}

// RateLimitsConfig holds per-window capacities for the rolling rate windows.
type RateLimitsConfig struct {
	LLMCallsPerWindow   float64 `yaml:"llm_calls_per_window"`
	LLMTokensPerWindow  float64 `yaml:"llm_tokens_per_window"`
	CPUSecondsPerWindow float64 `yaml:"cpu_seconds_per_window"`
}

// ResourcesConfig configures resource metering.
type ResourcesConfig struct {
	RateWindowSeconds float64          `yaml:"rate_window_seconds"`
	RateLimits        RateLimitsConfig `yaml:"rate_limits"`
}

// LLMConfig configures the external LLM capability and the cost estimator.
type LLMConfig struct {
	DefaultModel   string   `yaml:"default_model"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	AllowedModels  []string `yaml:"allowed_models"`
	// Estimator constants: chars/4 tokens priced per 1000 tokens with a floor.
	PricePer1KTokens       float64 `yaml:"price_per_1k_tokens"`
	MinimumCallCost        float64 `yaml:"minimum_call_cost"`
	EnableBootstrapLoopLLM bool    `yaml:"enable_bootstrap_loop_llm"`
	BaseURL                string  `yaml:"base_url"`
}

// ContractsConfig selects default kernel contracts.
type ContractsConfig struct {
	DefaultWhenMissing    string `yaml:"default_when_missing"`
	DefaultForNewArtifact string `yaml:"default_for_new_artifact"`
}

// Issuance rule names accepted by MintConfig.IssuanceRule.
const (
	IssuanceSecondPrice  = "second_price"
	IssuanceTopKPool     = "top_k_pool"
	IssuanceUniformPrice = "uniform_price"
)

// MintConfig configures the auction-based mint.
type MintConfig struct {
	Enabled                  bool    `yaml:"enabled"`
	MinimumBid               int64   `yaml:"minimum_bid"`
	FirstAuctionDelaySeconds float64 `yaml:"first_auction_delay_seconds"`
	BiddingWindowSeconds     float64 `yaml:"bidding_window_seconds"`
	PeriodSeconds            float64 `yaml:"period_seconds"`
	MintRatio                int64   `yaml:"mint_ratio"`
	IssuanceRule             string  `yaml:"issuance_rule"`
	TopK                     int     `yaml:"top_k"`
	PoolSize                 int64   `yaml:"pool_size"`
	UnitIssuance             int64   `yaml:"unit_issuance"`
}

// DashboardConfig configures the read-only HTTP projection.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig configures event log persistence.
type LoggingConfig struct {
	LogsDir          string `yaml:"logs_dir"`
	EventFileName    string `yaml:"event_file_name"`
	SQLiteFileName   string `yaml:"sqlite_file_name"`
	RecentEventLimit int    `yaml:"recent_event_limit"`
}

// Config is the validated root configuration consumed by the kernel at boot.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Principals PrincipalsConfig `yaml:"principals"`
	Resources  ResourcesConfig  `yaml:"resources"`
	LLM        LLMConfig        `yaml:"llm"`
	Contracts  ContractsConfig  `yaml:"contracts"`
	Mint       MintConfig       `yaml:"mint"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns the baseline configuration used when no file is given.
func Default() *Config {
	return &Config{
		Simulation: SimulationConfig{
			DefaultDurationSeconds: 120,
			MaxRuntimeSeconds:      3600,
			SummaryIntervalSeconds: 15,
			Loop: LoopConfig{
				MinDelaySeconds:              0.2,
				MaxDelaySeconds:              8.0,
				MaxConsecutiveErrors:         5,
				ResourceCheckIntervalSeconds: 1.0,
			},
		},
		Principals: PrincipalsConfig{
			Count:                  3,
			IDPrefix:               "alpha_",
			StartingScrip:          100,
			StartingLLMBudget:      2.0,
			StartingDiskQuotaBytes: 250000,
		},
		Resources: ResourcesConfig{
			RateWindowSeconds: 60,
			RateLimits: RateLimitsConfig{
				LLMCallsPerWindow:   120,
				LLMTokensPerWindow:  200000,
				CPUSecondsPerWindow: 12.0,
			},
		},
		LLM: LLMConfig{
			DefaultModel:     "gpt-4o-mini",
			TimeoutSeconds:   60,
			PricePer1KTokens: 0.003,
			MinimumCallCost:  0.0002,
		},
		Contracts: ContractsConfig{
			DefaultWhenMissing:    "kernel_contract_freeware",
			DefaultForNewArtifact: "kernel_contract_freeware",
		},
		Mint: MintConfig{
			Enabled:                  true,
			MinimumBid:               1,
			FirstAuctionDelaySeconds: 20,
			BiddingWindowSeconds:     30,
			PeriodSeconds:            60,
			MintRatio:                10,
			IssuanceRule:             IssuanceSecondPrice,
			TopK:                     3,
			PoolSize:                 50,
			UnitIssuance:             10,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9000,
		},
		Logging: LoggingConfig{
			LogsDir:          "logs",
			EventFileName:    "events.jsonl",
			RecentEventLimit: 500,
		},
	}
}

// Load reads path, decodes it strictly over the defaults, and validates.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Principals.Count < 1 {
		return fmt.Errorf("config: principals.count must be >= 1")
	}
	if c.Principals.StartingScrip < 0 {
		return fmt.Errorf("config: principals.starting_scrip must be >= 0")
	}
	if c.Principals.StartingDiskQuotaBytes < 0 {
		return fmt.Errorf("config: principals.starting_disk_quota_bytes must be >= 0")
	}
	if c.Resources.RateWindowSeconds <= 0 {
		return fmt.Errorf("config: resources.rate_window_seconds must be > 0")
	}
	if c.Mint.Enabled {
		switch c.Mint.IssuanceRule {
		case IssuanceSecondPrice, IssuanceTopKPool, IssuanceUniformPrice:
		default:
			return fmt.Errorf("config: mint.issuance_rule %q is not a known rule", c.Mint.IssuanceRule)
		}
		if c.Mint.MinimumBid < 1 {
			return fmt.Errorf("config: mint.minimum_bid must be >= 1")
		}
		if c.Mint.MintRatio < 1 {
			return fmt.Errorf("config: mint.mint_ratio must be >= 1")
		}
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: llm.timeout_seconds must be > 0")
	}
	return nil
}
