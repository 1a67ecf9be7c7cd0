package sync

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the trip sync tunables. Loaded from a yaml file with env
// fallbacks; all values are operator-adjusted constants.
type Config struct {
	// Devices is the fleet to sweep.
	Devices []string `yaml:"devices"`

	// BatchSize bounds devices processed per run so a large fleet is
	// swept across several scheduled runs rather than in one burst.
	BatchSize int `yaml:"batch_size"`

	FirstSyncLookbackDays int `yaml:"first_sync_lookback_days"`

	// Safety margin between devices beyond the client's own throttling.
	InterDeviceDelayMS int `yaml:"inter_device_delay_ms"`

	BackfillWindowMinutes int `yaml:"backfill_window_minutes"`

	// Fuzzy dedup tolerances. Empirically chosen defaults, not derived
	// bounds; tune per fleet.
	DedupTimeToleranceMinutes int     `yaml:"dedup_time_tolerance_minutes"`
	DedupDistancePct          float64 `yaml:"dedup_distance_pct"`

	// A checkpoint stuck in processing longer than this is resumable.
	StaleProcessingMinutes int `yaml:"stale_processing_minutes"`

	IntervalMinutes int `yaml:"interval_minutes"`
}

// LoadConfig loads sync configuration from SYNC_CONFIG yaml (if set) over
// env-derived defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		Devices:                   splitCSV(os.Getenv("SYNC_DEVICES")),
		BatchSize:                 getenvIntDefault("SYNC_BATCH_SIZE", 5),
		FirstSyncLookbackDays:     getenvIntDefault("SYNC_FIRST_LOOKBACK_DAYS", 30),
		InterDeviceDelayMS:        getenvIntDefault("SYNC_INTER_DEVICE_DELAY_MS", 500),
		BackfillWindowMinutes:     getenvIntDefault("SYNC_BACKFILL_WINDOW_MINUTES", 15),
		DedupTimeToleranceMinutes: getenvIntDefault("SYNC_DEDUP_TIME_TOLERANCE_MINUTES", 2),
		DedupDistancePct:          getenvFloatDefault("SYNC_DEDUP_DISTANCE_PCT", 0.05),
		StaleProcessingMinutes:    getenvIntDefault("SYNC_STALE_PROCESSING_MINUTES", 15),
		IntervalMinutes:           getenvIntDefault("SYNC_INTERVAL_MINUTES", 10),
	}

	if path := os.Getenv("SYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.FirstSyncLookbackDays <= 0 {
		cfg.FirstSyncLookbackDays = 30
	}
	if cfg.DedupDistancePct <= 0 {
		cfg.DedupDistancePct = 0.05
	}
	if len(cfg.Devices) == 0 {
		return cfg, errors.New("sync: no devices configured")
	}
	return cfg, nil
}

func (c Config) FirstSyncLookback() time.Duration {
	return time.Duration(c.FirstSyncLookbackDays) * 24 * time.Hour
}

func (c Config) InterDeviceDelay() time.Duration {
	return time.Duration(c.InterDeviceDelayMS) * time.Millisecond
}

func (c Config) BackfillWindow() time.Duration {
	return time.Duration(c.BackfillWindowMinutes) * time.Minute
}

func (c Config) DedupTimeTolerance() time.Duration {
	return time.Duration(c.DedupTimeToleranceMinutes) * time.Minute
}

func (c Config) StaleProcessingBound() time.Duration {
	return time.Duration(c.StaleProcessingMinutes) * time.Minute
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
