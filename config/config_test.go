package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `ListenAddress = "0.0.0.0:9100"
DataDir = "./data"
Environment = "prod"
LogFile = "/var/log/escrowd.log"
LogMaxSizeMB = 50
SweepIntervalSecs = 30
SweepBatchLimit = 64

[market]
authority = "0x1111111111111111111111111111111111111111"
treasury = "0x2222222222222222222222222222222222222222"
insurance_treasury = "0x3333333333333333333333333333333333333333"
arbiter = "0x4444444444444444444444444444444444444444"
fee_bps = 100
insurance_bps = 50
retention_bps = 500
warranty_days = 30
quorum_m = 2
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesMarketBootstrap(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9100" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.SweepIntervalSecs != 30 || cfg.SweepBatchLimit != 64 {
		t.Fatalf("unexpected sweep settings %d/%d", cfg.SweepIntervalSecs, cfg.SweepBatchLimit)
	}
	if !cfg.HasMarketBootstrap() {
		t.Fatal("expected market bootstrap to be present")
	}

	mkt, err := cfg.MarketConfig()
	if err != nil {
		t.Fatalf("market config: %v", err)
	}
	if mkt.Authority[0] != 0x11 || mkt.Arbiter[0] != 0x44 {
		t.Fatal("addresses not decoded")
	}
	if mkt.FeeBps != 100 || mkt.InsuranceBps != 50 || mkt.RetentionBps != 500 {
		t.Fatalf("unexpected bps %d/%d/%d", mkt.FeeBps, mkt.InsuranceBps, mkt.RetentionBps)
	}
	if mkt.WarrantyDays != 30 || mkt.QuorumM != 2 {
		t.Fatalf("unexpected warranty/quorum %d/%d", mkt.WarrantyDays, mkt.QuorumM)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "DataDir = \"./d\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress == "" || cfg.Environment != "dev" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SweepIntervalSecs != 60 || cfg.SweepBatchLimit != 256 {
		t.Fatalf("sweep defaults not applied: %d/%d", cfg.SweepIntervalSecs, cfg.SweepBatchLimit)
	}
	if cfg.HasMarketBootstrap() {
		t.Fatal("empty config should carry no bootstrap")
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "./escrow-data" {
		t.Fatalf("unexpected default data dir %q", cfg.DataDir)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
}

func TestLoadRejectsBadRates(t *testing.T) {
	bad := `[market]
authority = "0x1111111111111111111111111111111111111111"
fee_bps = 9000
insurance_bps = 2000
retention_bps = 0
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected combined rate rejection")
	}
}

func TestLoadRejectsBadAddress(t *testing.T) {
	bad := `[market]
authority = "not-an-address"
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected address rejection")
	}
}
