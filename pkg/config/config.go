// Package config loads daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all vaultd configuration.
type Config struct {
	Vault struct {
		Account     string `yaml:"account"`
		Owner       string `yaml:"owner"`
		RiskAsset   string `yaml:"risk_asset"`
		StableAsset string `yaml:"stable_asset"`

		FeeRateBps   int64 `yaml:"fee_rate_bps"`
		TargetLTVBps int64 `yaml:"target_ltv_bps"`
		MaxLTVBps    int64 `yaml:"max_ltv_bps"`
		LiqLTVBps    int64 `yaml:"liquidation_ltv_bps"`
		SlippageBps  int64 `yaml:"slippage_bps"`
	} `yaml:"vault"`

	Oracle struct {
		MinUpdateIntervalSecs int64 `yaml:"min_update_interval_secs"`
		PriceThresholdBps     int64 `yaml:"price_threshold_bps"`
		BreakerMaxChangeBps   int64 `yaml:"breaker_max_change_bps"`
	} `yaml:"oracle"`

	Strike struct {
		MinSweepIntervalSecs int64 `yaml:"min_sweep_interval_secs"`
	} `yaml:"strike"`

	Schedule struct {
		SweepCron string `yaml:"sweep_cron"`
		NAVCron   string `yaml:"nav_cron"`
		LTVCron   string `yaml:"ltv_cron"`
	} `yaml:"schedule"`

	API struct {
		Port        int `yaml:"port"`
		MetricsPort int `yaml:"metrics_port"`
	} `yaml:"api"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file yields a default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("VAULT_ACCOUNT"); v != "" {
		cfg.Vault.Account = v
	}
	if v := os.Getenv("VAULT_OWNER"); v != "" {
		cfg.Vault.Owner = v
	}
	if v := os.Getenv("VAULT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("VAULT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("VAULT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("VAULT_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.MetricsPort = port
		}
	}
	if v := os.Getenv("VAULT_FEE_RATE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Vault.FeeRateBps = bps
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Vault.Account == "" {
		c.Vault.Account = "vault"
	}
	if c.Vault.Owner == "" {
		c.Vault.Owner = "owner"
	}
	if c.Vault.RiskAsset == "" {
		c.Vault.RiskAsset = "WBTC"
	}
	if c.Vault.StableAsset == "" {
		c.Vault.StableAsset = "USDC"
	}
	if c.Vault.FeeRateBps == 0 {
		c.Vault.FeeRateBps = 500
	}
	if c.Vault.TargetLTVBps == 0 {
		c.Vault.TargetLTVBps = 6500
	}
	if c.Vault.MaxLTVBps == 0 {
		c.Vault.MaxLTVBps = 7500
	}
	if c.Vault.LiqLTVBps == 0 {
		c.Vault.LiqLTVBps = 8500
	}
	if c.Vault.SlippageBps == 0 {
		c.Vault.SlippageBps = 100
	}
	if c.Oracle.MinUpdateIntervalSecs == 0 {
		c.Oracle.MinUpdateIntervalSecs = 60
	}
	if c.Oracle.PriceThresholdBps == 0 {
		c.Oracle.PriceThresholdBps = 50
	}
	if c.Oracle.BreakerMaxChangeBps == 0 {
		c.Oracle.BreakerMaxChangeBps = 2000
	}
	if c.Strike.MinSweepIntervalSecs == 0 {
		c.Strike.MinSweepIntervalSecs = 60
	}
	if c.Schedule.SweepCron == "" {
		c.Schedule.SweepCron = "0 */2 * * * *"
	}
	if c.Schedule.NAVCron == "" {
		c.Schedule.NAVCron = "30 * * * * *"
	}
	if c.Schedule.LTVCron == "" {
		c.Schedule.LTVCron = "0 */5 * * * *"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.MetricsPort == 0 {
		c.API.MetricsPort = 9090
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "vault.events"
	}
}
