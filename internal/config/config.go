package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// All configuration comes from environment variables. A .env file is
// loaded by main for local development; production supplies real env.
// Secrets have no fallback defaults, tuning knobs do.

// SourceName identifies an upstream data source.
type SourceName string

const (
	SourcePrimary  SourceName = "primary"
	SourceFallback SourceName = "fallback"
)

// SourceSettings is the per-source throughput tuning applied by the
// indexer client whenever the active source changes.
type SourceSettings struct {
	BaseURL             string
	BatchSize           int
	MaxConcurrent       int
	MinRequestDelay     time.Duration
	BatchDelay          time.Duration
	EnableRateLimiting  bool
	TransactionFetchCap int
	RequestTimeout      time.Duration
}

// MultiHopConfig bounds the BFS traversal.
type MultiHopConfig struct {
	DefaultDepth         int
	MaxDepth             int
	TimeWindowBlocks     int64
	MaxBranchesPerWallet int
}

// HistoricalConfig gates the Level 0 detection lane.
type HistoricalConfig struct {
	Enabled          bool
	TimeWindowBlocks int64
}

// BackgroundJobConfig drives the enhancement scheduler.
type BackgroundJobConfig struct {
	Enabled              bool
	IntervalMinutes      int
	RunOnStart           bool
	MinUnknownsThreshold int
}

// ParallelConfig controls per-event concurrency inside one run.
type ParallelConfig struct {
	Enabled       bool
	BatchSize     int
	MaxConcurrent int
}

// EnhancementConfig is the full enhancement knob tree.
type EnhancementConfig struct {
	MaxHops               int
	TimeWindowBlocks      int64
	MinConfidence         float64
	FailedRetryHours      int
	BackgroundJob         BackgroundJobConfig
	MultiHop              MultiHopConfig
	HistoricalDetection   HistoricalConfig
	HistoricalConnections struct{ Enabled bool }
	Parallel              ParallelConfig
}

// Config is the complete engine configuration.
type Config struct {
	Port             string
	DBPath           string
	BlockTimeSeconds int64
	// Periods maps a label ("24h") to its span in blocks.
	Periods map[string]int64

	ActiveSource SourceName
	Primary      SourceSettings
	Fallback     SourceSettings

	SyncIntervalMinutes   int
	RetentionWindowBlocks int64

	ExchangeAddressFile string
	NodeRegistryURL     string

	Enhancement EnhancementConfig
}

// Load builds the configuration from the environment, applying defaults
// for everything that is pure tuning.
func Load() Config {
	blockTime := envInt64("BLOCK_TIME_SECONDS", 30)
	blocksPerDay := int64(86400) / blockTime

	cfg := Config{
		Port:             envStr("PORT", "5340"),
		DBPath:           envStr("DB_PATH", "./fluxflow.db"),
		BlockTimeSeconds: blockTime,
		Periods:          parsePeriods(os.Getenv("PERIODS"), blocksPerDay),
		ActiveSource:     SourceName(envStr("ACTIVE_DATA_SOURCE", string(SourcePrimary))),
		Primary: SourceSettings{
			BaseURL:             envStr("PRIMARY_URL", "http://localhost:3000"),
			BatchSize:           envInt("PRIMARY_BATCH_SIZE", 50),
			MaxConcurrent:       envInt("PRIMARY_MAX_CONCURRENT", 10),
			MinRequestDelay:     envDuration("PRIMARY_MIN_REQUEST_DELAY", 50*time.Millisecond),
			BatchDelay:          envDuration("PRIMARY_BATCH_DELAY", 100*time.Millisecond),
			EnableRateLimiting:  envBool("PRIMARY_ENABLE_RATE_LIMITING", false),
			TransactionFetchCap: envInt("PRIMARY_TRANSACTION_FETCH_LIMIT", 500),
			RequestTimeout:      envDuration("PRIMARY_REQUEST_TIMEOUT", 30*time.Second),
		},
		Fallback: SourceSettings{
			BaseURL:             envStr("FALLBACK_URL", "https://explorer.runonflux.io"),
			BatchSize:           envInt("FALLBACK_BATCH_SIZE", 10),
			MaxConcurrent:       envInt("FALLBACK_MAX_CONCURRENT", 2),
			MinRequestDelay:     envDuration("FALLBACK_MIN_REQUEST_DELAY", 500*time.Millisecond),
			BatchDelay:          envDuration("FALLBACK_BATCH_DELAY", 2*time.Second),
			EnableRateLimiting:  envBool("FALLBACK_ENABLE_RATE_LIMITING", true),
			TransactionFetchCap: envInt("FALLBACK_TRANSACTION_FETCH_LIMIT", 100),
			RequestTimeout:      envDuration("FALLBACK_REQUEST_TIMEOUT", 30*time.Second),
		},
		SyncIntervalMinutes: envInt("SYNC_INTERVAL_MINUTES", 2),
		// One year of 30-second blocks. The retention sweep keeps the
		// stored span within 110% of this window.
		RetentionWindowBlocks: envInt64("RETENTION_WINDOW_BLOCKS", 365*blocksPerDay),
		ExchangeAddressFile:   envStr("EXCHANGE_ADDRESS_FILE", "./config/exchanges.json"),
		NodeRegistryURL:       envStr("NODE_REGISTRY_URL", "https://api.runonflux.io/daemon/listzelnodes"),
	}

	cfg.Enhancement = EnhancementConfig{
		MaxHops:          envInt("ENHANCEMENT_MAX_HOPS", 3),
		TimeWindowBlocks: envInt64("ENHANCEMENT_TIME_WINDOW_BLOCKS", 365*blocksPerDay),
		MinConfidence:    envFloat("ENHANCEMENT_MIN_CONFIDENCE", 0.5),
		FailedRetryHours: envInt("ENHANCEMENT_FAILED_RETRY_HOURS", 24),
		BackgroundJob: BackgroundJobConfig{
			Enabled:              envBool("ENHANCEMENT_BACKGROUND_ENABLED", true),
			IntervalMinutes:      envInt("ENHANCEMENT_BACKGROUND_INTERVAL_MINUTES", 10),
			RunOnStart:           envBool("ENHANCEMENT_BACKGROUND_RUN_ON_START", false),
			MinUnknownsThreshold: envInt("ENHANCEMENT_MIN_UNKNOWNS_THRESHOLD", 5),
		},
		MultiHop: MultiHopConfig{
			DefaultDepth:         envInt("ENHANCEMENT_MULTIHOP_DEFAULT_DEPTH", 2),
			MaxDepth:             envInt("ENHANCEMENT_MULTIHOP_MAX_DEPTH", 3),
			TimeWindowBlocks:     envInt64("ENHANCEMENT_MULTIHOP_TIME_WINDOW_BLOCKS", 30*blocksPerDay),
			MaxBranchesPerWallet: envInt("ENHANCEMENT_MULTIHOP_MAX_BRANCHES", 5),
		},
		HistoricalDetection: HistoricalConfig{
			Enabled:          envBool("ENHANCEMENT_HISTORICAL_ENABLED", true),
			TimeWindowBlocks: envInt64("ENHANCEMENT_HISTORICAL_TIME_WINDOW_BLOCKS", 365*blocksPerDay),
		},
		Parallel: ParallelConfig{
			Enabled:       envBool("ENHANCEMENT_PARALLEL_ENABLED", true),
			BatchSize:     envInt("ENHANCEMENT_PARALLEL_BATCH_SIZE", 6),
			MaxConcurrent: envInt("ENHANCEMENT_PARALLEL_MAX_CONCURRENT", 6),
		},
	}
	cfg.Enhancement.HistoricalConnections.Enabled = envBool("ENHANCEMENT_HISTORICAL_CONNECTIONS_ENABLED", true)

	return cfg
}

// Validate rejects configurations the engine cannot run with. Called once
// at startup, before any scheduler arms; failures here are fatal.
func (c Config) Validate() error {
	if c.ActiveSource != SourcePrimary && c.ActiveSource != SourceFallback {
		return fmt.Errorf("unknown ACTIVE_DATA_SOURCE %q (want primary or fallback)", c.ActiveSource)
	}
	if c.BlockTimeSeconds <= 0 {
		return fmt.Errorf("BLOCK_TIME_SECONDS must be positive, got %d", c.BlockTimeSeconds)
	}
	if c.RetentionWindowBlocks <= 0 {
		return fmt.Errorf("RETENTION_WINDOW_BLOCKS must be positive, got %d", c.RetentionWindowBlocks)
	}
	for _, s := range []struct {
		name     string
		settings SourceSettings
	}{{"primary", c.Primary}, {"fallback", c.Fallback}} {
		if s.settings.BaseURL == "" {
			return fmt.Errorf("%s source has no base URL", s.name)
		}
		if s.settings.BatchSize <= 0 || s.settings.MaxConcurrent <= 0 {
			return fmt.Errorf("%s source needs positive batch size and concurrency", s.name)
		}
	}
	e := c.Enhancement
	if e.MaxHops <= 0 || e.MaxHops > 10 {
		return fmt.Errorf("ENHANCEMENT_MAX_HOPS out of range: %d", e.MaxHops)
	}
	if e.Parallel.Enabled && e.Parallel.BatchSize <= 0 {
		return fmt.Errorf("parallel enhancement needs a positive batch size")
	}
	if e.FailedRetryHours <= 0 {
		return fmt.Errorf("ENHANCEMENT_FAILED_RETRY_HOURS must be positive, got %d", e.FailedRetryHours)
	}
	return nil
}

// SourceSettingsFor returns the tuning block for a named source.
func (c Config) SourceSettingsFor(name SourceName) SourceSettings {
	if name == SourceFallback {
		return c.Fallback
	}
	return c.Primary
}

// parsePeriods reads "label:blocks" pairs, e.g. "24h:2880,7d:20160".
// Empty input yields the standard period set derived from block time.
func parsePeriods(raw string, blocksPerDay int64) map[string]int64 {
	periods := map[string]int64{
		"24h": blocksPerDay,
		"7d":  7 * blocksPerDay,
		"30d": 30 * blocksPerDay,
	}
	if raw == "" {
		return periods
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out[parts[0]] = n
	}
	if len(out) == 0 {
		return periods
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
