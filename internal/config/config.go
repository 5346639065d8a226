package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the pipeline reads. All values come from
// environment variables with the documented defaults; secrets (DATABASE_URL,
// MARKETPLACE_TOKEN) have no defaults and are validated in main.
type Config struct {
	DatabaseURL        string
	MarketplaceBaseURL string
	MarketplaceToken   string
	Port               string
	AllowedOrigins     string
	DemoMode           bool

	SyncInterval        time.Duration // scheduler tick
	MinBetweenSyncs     time.Duration // per-seller min interval between runs
	MarketPageTimeout   time.Duration // single page fetch deadline
	MarketPageRetries   int           // attempts per page
	UpsertBatchSize     int
	RepoBatchTimeout    time.Duration
	SyncHardCap         time.Duration // whole-run deadline
	GlobalConcurrency   int           // max concurrent SyncRuns
	CorrelationLookback time.Duration

	FeeDriftBaselineDays   int
	FeeDriftMinHistoryDays int
	FeeDriftMinSamples     int
	MicroLeakMinOccurrence int
	MicroLeakMinValue      float64
}

// FromEnv builds a Config from the environment, applying defaults for every
// non-secret knob.
func FromEnv() Config {
	return Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MarketplaceBaseURL: os.Getenv("MARKETPLACE_BASE_URL"),
		MarketplaceToken:   os.Getenv("MARKETPLACE_TOKEN"),
		Port:               envOr("PORT", "5440"),
		AllowedOrigins:     os.Getenv("ALLOWED_ORIGINS"),
		DemoMode:           os.Getenv("DEMO_MODE") == "1",

		SyncInterval:        time.Duration(envInt("SYNC_INTERVAL_HOURS", 1)) * time.Hour,
		MinBetweenSyncs:     time.Duration(envInt("MIN_HOURS_BETWEEN_SYNCS", 1)) * time.Hour,
		MarketPageTimeout:   time.Duration(envInt("MARKET_PAGE_TIMEOUT_S", 30)) * time.Second,
		MarketPageRetries:   envInt("MARKET_PAGE_RETRIES", 5),
		UpsertBatchSize:     envInt("UPSERT_BATCH_SIZE", 1000),
		RepoBatchTimeout:    time.Duration(envInt("REPO_BATCH_TIMEOUT_S", 15)) * time.Second,
		SyncHardCap:         time.Duration(envInt("SYNC_HARD_CAP_HOURS", 2)) * time.Hour,
		GlobalConcurrency:   envInt("GLOBAL_SYNC_CONCURRENCY", 8),
		CorrelationLookback: time.Duration(envInt("CORRELATION_LOOKBACK_DAYS", 90)) * 24 * time.Hour,

		FeeDriftBaselineDays:   envInt("FEE_DRIFT_BASELINE_DAYS", 30),
		FeeDriftMinHistoryDays: envInt("FEE_DRIFT_MIN_HISTORY_DAYS", 45),
		FeeDriftMinSamples:     envInt("FEE_DRIFT_MIN_SAMPLES", 10),
		MicroLeakMinOccurrence: envInt("MICRO_LEAK_MIN_OCCURRENCES", 50),
		MicroLeakMinValue:      envFloat("MICRO_LEAK_MIN_VALUE", 25),
	}
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}
