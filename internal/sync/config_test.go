package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SYNC_DEVICES", "dev-1, dev-2 ,dev-3")
	t.Setenv("SYNC_CONFIG", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Devices) != 3 || cfg.Devices[1] != "dev-2" {
		t.Fatalf("devices: %v", cfg.Devices)
	}
	if cfg.BatchSize != 5 {
		t.Fatalf("batch size: %d", cfg.BatchSize)
	}
	if cfg.FirstSyncLookback() != 30*24*time.Hour {
		t.Fatalf("lookback: %s", cfg.FirstSyncLookback())
	}
	if cfg.DedupTimeTolerance() != 2*time.Minute || cfg.DedupDistancePct != 0.05 {
		t.Fatalf("dedup tolerances: %s %v", cfg.DedupTimeTolerance(), cfg.DedupDistancePct)
	}
	if cfg.StaleProcessingBound() != 15*time.Minute {
		t.Fatalf("stale bound: %s", cfg.StaleProcessingBound())
	}
}

func TestLoadConfigYAMLOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	payload := `
devices:
  - dev-9
batch_size: 2
first_sync_lookback_days: 7
dedup_time_tolerance_minutes: 5
`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNC_DEVICES", "dev-1")
	t.Setenv("SYNC_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0] != "dev-9" {
		t.Fatalf("devices: %v", cfg.Devices)
	}
	if cfg.BatchSize != 2 || cfg.FirstSyncLookbackDays != 7 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.DedupTimeTolerance() != 5*time.Minute {
		t.Fatalf("dedup tolerance: %s", cfg.DedupTimeTolerance())
	}
}

func TestLoadConfigRequiresDevices(t *testing.T) {
	t.Setenv("SYNC_DEVICES", "")
	t.Setenv("SYNC_CONFIG", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error with no devices")
	}
}
