package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"buildescrow/native/market"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`

	SweepIntervalSecs int64 `toml:"SweepIntervalSecs"`
	SweepBatchLimit   int   `toml:"SweepBatchLimit"`

	Market MarketBootstrap `toml:"market"`
}

// MarketBootstrap seeds the on-disk market config the first time the daemon
// starts against an empty data directory. Addresses are 0x-prefixed hex.
type MarketBootstrap struct {
	Authority         string `toml:"authority"`
	Treasury          string `toml:"treasury"`
	InsuranceTreasury string `toml:"insurance_treasury"`
	Arbiter           string `toml:"arbiter"`
	FeeBps            uint32 `toml:"fee_bps"`
	InsuranceBps      uint32 `toml:"insurance_bps"`
	RetentionBps      uint32 `toml:"retention_bps"`
	WarrantyDays      int64  `toml:"warranty_days"`
	QuorumM           uint8  `toml:"quorum_m"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8547"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups < 0 {
		c.LogMaxBackups = 0
	}
	if c.LogMaxAgeDays < 0 {
		c.LogMaxAgeDays = 0
	}
	if c.SweepIntervalSecs <= 0 {
		c.SweepIntervalSecs = 60
	}
	if c.SweepBatchLimit <= 0 {
		c.SweepBatchLimit = 256
	}
}

// Validate rejects configurations that would only fail later at runtime.
func (c *Config) Validate() error {
	if c.Market.FeeBps > 10_000 || c.Market.InsuranceBps > 10_000 || c.Market.RetentionBps > 10_000 {
		return fmt.Errorf("config: market basis points out of range")
	}
	if c.Market.FeeBps+c.Market.InsuranceBps+c.Market.RetentionBps > 10_000 {
		return fmt.Errorf("config: market fee, insurance and retention exceed 100%%")
	}
	if c.Market.WarrantyDays < 0 {
		return fmt.Errorf("config: market warranty_days must be non-negative")
	}
	for field, value := range map[string]string{
		"authority":          c.Market.Authority,
		"treasury":           c.Market.Treasury,
		"insurance_treasury": c.Market.InsuranceTreasury,
		"arbiter":            c.Market.Arbiter,
	} {
		if value == "" {
			continue
		}
		if _, err := parseAddress(value); err != nil {
			return fmt.Errorf("config: market.%s: %w", field, err)
		}
	}
	return nil
}

// MarketConfig converts the bootstrap table into a runtime market config.
func (c *Config) MarketConfig() (*market.Config, error) {
	cfg := &market.Config{
		FeeBps:       c.Market.FeeBps,
		InsuranceBps: c.Market.InsuranceBps,
		RetentionBps: c.Market.RetentionBps,
		WarrantyDays: c.Market.WarrantyDays,
		QuorumM:      c.Market.QuorumM,
	}
	var err error
	if cfg.Authority, err = parseAddress(c.Market.Authority); err != nil {
		return nil, fmt.Errorf("config: market.authority: %w", err)
	}
	if cfg.Treasury, err = parseAddress(c.Market.Treasury); err != nil {
		return nil, fmt.Errorf("config: market.treasury: %w", err)
	}
	if cfg.InsuranceTreasury, err = parseAddress(c.Market.InsuranceTreasury); err != nil {
		return nil, fmt.Errorf("config: market.insurance_treasury: %w", err)
	}
	if cfg.Arbiter, err = parseAddress(c.Market.Arbiter); err != nil {
		return nil, fmt.Errorf("config: market.arbiter: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasMarketBootstrap reports whether the config carries a market table usable
// for first-start initialization.
func (c *Config) HasMarketBootstrap() bool {
	return strings.TrimSpace(c.Market.Authority) != ""
}

func parseAddress(s string) ([20]byte, error) {
	trimmed := strings.TrimSpace(s)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("not a hex address: %q", s)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:     ":8547",
		DataDir:           "./escrow-data",
		Environment:       "dev",
		LogMaxSizeMB:      100,
		SweepIntervalSecs: 60,
		SweepBatchLimit:   256,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
