package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/enhancer"
)

// IngestionRunner is one pipeline tick.
type IngestionRunner interface {
	Tick(ctx context.Context) error
}

// EnhancementRunner is one enhancement pass plus the unknown-count probe
// the threshold check needs.
type EnhancementRunner interface {
	EnhanceUnknowns(ctx context.Context) (enhancer.RunReport, error)
}

// UnknownCounter reports how many eligible unknown-wallet events exist.
type UnknownCounter interface {
	CountUnknowns(ctx context.Context, retryAfterSeconds int64) (int, error)
}

// Scheduler drives the two periodic jobs: block ingestion and background
// enhancement. Each job runs on its own ticker; overlap within a job is
// prevented by the job's own is-running guard, so a slow pass makes the
// next ticks no-ops rather than queueing.
type Scheduler struct {
	cfg      config.Config
	pipeline IngestionRunner
	enhancer EnhancementRunner
	counter  UnknownCounter

	cancel context.CancelFunc
	wg     sync.WaitGroup

	backgroundOn atomic.Bool
}

// New builds a scheduler; Start arms the tickers.
func New(cfg config.Config, pipeline IngestionRunner, enh EnhancementRunner, counter UnknownCounter) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		pipeline: pipeline,
		enhancer: enh,
		counter:  counter,
	}
	s.backgroundOn.Store(cfg.Enhancement.BackgroundJob.Enabled)
	return s
}

// Start launches the ticker goroutines. The ingestion job fires once
// immediately so a fresh process begins syncing without waiting a full
// interval.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runIngestion(ctx)

	s.wg.Add(1)
	go s.runEnhancement(ctx)

	log.Printf("[Scheduler] Started: ingestion every %dm, enhancement every %dm (enabled=%v)",
		s.cfg.SyncIntervalMinutes,
		s.cfg.Enhancement.BackgroundJob.IntervalMinutes,
		s.cfg.Enhancement.BackgroundJob.Enabled)
}

// Stop cancels both loops and waits for any in-flight pass to complete.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped")
}

// SetBackgroundEnabled toggles the enhancement job at runtime. A pass
// already in flight is never interrupted.
func (s *Scheduler) SetBackgroundEnabled(on bool) {
	s.backgroundOn.Store(on)
	log.Printf("[Scheduler] Background enhancement enabled=%v", on)
}

// BackgroundEnabled reports the current toggle state.
func (s *Scheduler) BackgroundEnabled() bool {
	return s.backgroundOn.Load()
}

func (s *Scheduler) runIngestion(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.SyncIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 2 * time.Minute
	}

	if err := s.pipeline.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Scheduler] Ingestion tick failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pipeline.Tick(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Scheduler] Ingestion tick failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) runEnhancement(ctx context.Context) {
	defer s.wg.Done()

	job := s.cfg.Enhancement.BackgroundJob
	interval := time.Duration(job.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	if job.RunOnStart {
		s.enhancementPass(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enhancementPass(ctx)
		}
	}
}

// enhancementPass runs one background enhancement cycle, skipping when
// the job is toggled off or too few unknowns have accumulated to be
// worth the upstream traffic.
func (s *Scheduler) enhancementPass(ctx context.Context) {
	if !s.backgroundOn.Load() {
		return
	}

	threshold := s.cfg.Enhancement.BackgroundJob.MinUnknownsThreshold
	if threshold > 0 && s.counter != nil {
		retryAfter := int64(s.cfg.Enhancement.FailedRetryHours) * 3600
		n, err := s.counter.CountUnknowns(ctx, retryAfter)
		if err != nil {
			log.Printf("[Scheduler] Unknown count failed: %v", err)
			return
		}
		if n < threshold {
			log.Printf("[Scheduler] %d unknowns below threshold %d, skipping enhancement", n, threshold)
			return
		}
	}

	if _, err := s.enhancer.EnhanceUnknowns(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Scheduler] Enhancement pass failed: %v", err)
	}
}
