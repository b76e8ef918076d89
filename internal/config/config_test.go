package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ARBITRATION_WINDOW_HOURS", "")
	t.Setenv("ARBITERS_PER_DISPUTE", "")
	cfg := Load()

	if cfg.ArbitrationWindow != 72*time.Hour {
		t.Errorf("ArbitrationWindow = %v, want 72h", cfg.ArbitrationWindow)
	}
	if cfg.ArbitersPerDispute != 3 {
		t.Errorf("ArbitersPerDispute = %d, want 3", cfg.ArbitersPerDispute)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADMIN_ADDRESSES", " EQadmin1 , ,EQadmin2")
	t.Setenv("TIMEOUT_SCAN_INTERVAL_SECONDS", "5")
	t.Setenv("ARBITRATION_QUORUM", "notanumber")
	cfg := Load()

	if len(cfg.AdminAddresses) != 2 || !cfg.IsAdmin("EQadmin2") || cfg.IsAdmin("EQother") {
		t.Errorf("AdminAddresses = %v", cfg.AdminAddresses)
	}
	if cfg.TimeoutScanInterval != 5*time.Second {
		t.Errorf("TimeoutScanInterval = %v, want 5s", cfg.TimeoutScanInterval)
	}
	if cfg.ArbitrationQuorum != 0 {
		t.Errorf("ArbitrationQuorum = %d, want fallback 0", cfg.ArbitrationQuorum)
	}
}

func TestValidateNormalises(t *testing.T) {
	cfg := &Config{StoreBackend: "sqlite", ArbitersPerDispute: 0, ScanConcurrency: -1}
	cfg.Validate(zap.NewNop())

	if cfg.StoreBackend != StoreBackendPostgres {
		t.Errorf("StoreBackend = %q, want postgres", cfg.StoreBackend)
	}
	if cfg.ArbitersPerDispute != 3 {
		t.Errorf("ArbitersPerDispute = %d, want 3", cfg.ArbitersPerDispute)
	}
	if cfg.ScanConcurrency != 1 {
		t.Errorf("ScanConcurrency = %d, want 1", cfg.ScanConcurrency)
	}
}
