package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.BlockTimeSeconds != 30 {
		t.Errorf("block time = %d, want 30", cfg.BlockTimeSeconds)
	}
	// One year of 30-second blocks.
	if cfg.RetentionWindowBlocks != 365*2880 {
		t.Errorf("retention window = %d, want %d", cfg.RetentionWindowBlocks, 365*2880)
	}
	if cfg.ActiveSource != SourcePrimary {
		t.Errorf("active source = %s, want primary", cfg.ActiveSource)
	}
	if cfg.Primary.BatchSize <= cfg.Fallback.BatchSize {
		t.Error("primary should be the aggressive source")
	}
	if cfg.Primary.EnableRateLimiting || !cfg.Fallback.EnableRateLimiting {
		t.Error("rate limiting belongs on the fallback, not the primary")
	}
	if cfg.Enhancement.MaxHops != 3 {
		t.Errorf("max hops = %d, want 3", cfg.Enhancement.MaxHops)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLOCK_TIME_SECONDS", "60")
	t.Setenv("RETENTION_WINDOW_BLOCKS", "5000")
	t.Setenv("ACTIVE_DATA_SOURCE", "fallback")
	t.Setenv("PRIMARY_MIN_REQUEST_DELAY", "250ms")
	t.Setenv("FALLBACK_BATCH_DELAY", "1500") // bare millis accepted too

	cfg := Load()
	if cfg.BlockTimeSeconds != 60 {
		t.Errorf("block time override failed: %d", cfg.BlockTimeSeconds)
	}
	if cfg.RetentionWindowBlocks != 5000 {
		t.Errorf("retention override failed: %d", cfg.RetentionWindowBlocks)
	}
	if cfg.ActiveSource != SourceFallback {
		t.Errorf("source override failed: %s", cfg.ActiveSource)
	}
	if cfg.Primary.MinRequestDelay != 250*time.Millisecond {
		t.Errorf("duration override failed: %s", cfg.Primary.MinRequestDelay)
	}
	if cfg.Fallback.BatchDelay != 1500*time.Millisecond {
		t.Errorf("bare-millis duration failed: %s", cfg.Fallback.BatchDelay)
	}
	// Derived defaults follow the block time: 86400/60 = 1440 blocks/day.
	if cfg.Periods["24h"] != 1440 {
		t.Errorf("24h period = %d, want 1440", cfg.Periods["24h"])
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Unknown source", func(c *Config) { c.ActiveSource = "tertiary" }},
		{"Zero block time", func(c *Config) { c.BlockTimeSeconds = 0 }},
		{"Negative retention", func(c *Config) { c.RetentionWindowBlocks = -1 }},
		{"Missing base URL", func(c *Config) { c.Primary.BaseURL = "" }},
		{"Zero batch size", func(c *Config) { c.Fallback.BatchSize = 0 }},
		{"Hops out of range", func(c *Config) { c.Enhancement.MaxHops = 11 }},
		{"Zero hops", func(c *Config) { c.Enhancement.MaxHops = 0 }},
		{"Zero retry hours", func(c *Config) { c.Enhancement.FailedRetryHours = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParsePeriods(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected map[string]int64
	}{
		{"Empty uses defaults", "", map[string]int64{"24h": 2880, "7d": 20160, "30d": 86400}},
		{"Custom pairs", "1h:120,12h:1440", map[string]int64{"1h": 120, "12h": 1440}},
		{"Garbage falls back", "nonsense", map[string]int64{"24h": 2880, "7d": 20160, "30d": 86400}},
		{"Bad values skipped", "ok:100,bad:-5,alsobad:x", map[string]int64{"ok": 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePeriods(tt.raw, 2880)
			if len(got) != len(tt.expected) {
				t.Fatalf("got %v, want %v", got, tt.expected)
			}
			for k, v := range tt.expected {
				if got[k] != v {
					t.Errorf("period %s = %d, want %d", k, got[k], v)
				}
			}
		})
	}
}

func TestSourceSettingsFor(t *testing.T) {
	cfg := Load()
	if cfg.SourceSettingsFor(SourcePrimary).BaseURL != cfg.Primary.BaseURL {
		t.Error("primary settings mismatch")
	}
	if cfg.SourceSettingsFor(SourceFallback).BaseURL != cfg.Fallback.BaseURL {
		t.Error("fallback settings mismatch")
	}
}
