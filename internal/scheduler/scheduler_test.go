package scheduler

import (
	"context"
	"testing"

	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/enhancer"
)

type countingEnhancer struct {
	runs int
}

func (c *countingEnhancer) EnhanceUnknowns(ctx context.Context) (enhancer.RunReport, error) {
	c.runs++
	return enhancer.RunReport{}, nil
}

type fixedCounter struct {
	n int
}

func (f *fixedCounter) CountUnknowns(ctx context.Context, retryAfterSeconds int64) (int, error) {
	return f.n, nil
}

type noopPipeline struct{}

func (noopPipeline) Tick(ctx context.Context) error { return nil }

func schedConfig(threshold int) config.Config {
	cfg := config.Config{SyncIntervalMinutes: 2}
	cfg.Enhancement.FailedRetryHours = 24
	cfg.Enhancement.BackgroundJob = config.BackgroundJobConfig{
		Enabled:              true,
		IntervalMinutes:      10,
		MinUnknownsThreshold: threshold,
	}
	return cfg
}

func TestEnhancementPassThreshold(t *testing.T) {
	tests := []struct {
		name     string
		unknowns int
		expected int
	}{
		{"Below threshold skips", 3, 0},
		{"At threshold runs", 5, 1},
		{"Above threshold runs", 50, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enh := &countingEnhancer{}
			s := New(schedConfig(5), noopPipeline{}, enh, &fixedCounter{n: tt.unknowns})
			s.enhancementPass(context.Background())
			if enh.runs != tt.expected {
				t.Errorf("runs = %d, want %d", enh.runs, tt.expected)
			}
		})
	}
}

func TestEnhancementPassToggle(t *testing.T) {
	enh := &countingEnhancer{}
	s := New(schedConfig(0), noopPipeline{}, enh, &fixedCounter{n: 100})

	s.SetBackgroundEnabled(false)
	s.enhancementPass(context.Background())
	if enh.runs != 0 {
		t.Fatalf("disabled job still ran %d times", enh.runs)
	}

	s.SetBackgroundEnabled(true)
	s.enhancementPass(context.Background())
	if enh.runs != 1 {
		t.Errorf("re-enabled job ran %d times, want 1", enh.runs)
	}
	if !s.BackgroundEnabled() {
		t.Error("toggle state lost")
	}
}

func TestZeroThresholdAlwaysRuns(t *testing.T) {
	enh := &countingEnhancer{}
	s := New(schedConfig(0), noopPipeline{}, enh, &fixedCounter{n: 0})
	s.enhancementPass(context.Background())
	if enh.runs != 1 {
		t.Errorf("threshold 0 should never skip, runs = %d", enh.runs)
	}
}
