package indexer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/metrics"
)

const maxAttempts = 3

// Client hides the primary/fallback split behind the Source capability
// set. Every call retries with exponential backoff; when one source is
// exhausted the client switches to the other, reloads that source's
// throughput settings, and tries once more. The switch is one-shot per
// call so a single request can never ping-pong between sources.
type Client struct {
	cfg config.Config

	mu       sync.RWMutex
	active   Source
	settings config.SourceSettings

	sources map[config.SourceName]Source

	// consecutiveErrors drives the adaptive minimum delay: each failure
	// doubles it, each success walks it back (saturating at zero).
	consecutiveErrors atomic.Int64
	switchCount       atomic.Int64
	lastRequest       atomic.Int64 // unix nanos
}

// NewClient wires both sources and activates the configured one.
func NewClient(cfg config.Config) *Client {
	c := &Client{
		cfg: cfg,
		sources: map[config.SourceName]Source{
			config.SourcePrimary:  NewPrimarySource(cfg.Primary.BaseURL, cfg.Primary.RequestTimeout),
			config.SourceFallback: NewFallbackSource(cfg.Fallback.BaseURL, cfg.Fallback.RequestTimeout),
		},
	}
	c.activate(cfg.ActiveSource)
	return c
}

// NewClientWithSources is the test seam: inject scripted sources.
func NewClientWithSources(cfg config.Config, primary, fallback Source) *Client {
	c := &Client{
		cfg: cfg,
		sources: map[config.SourceName]Source{
			config.SourcePrimary:  primary,
			config.SourceFallback: fallback,
		},
	}
	c.activate(cfg.ActiveSource)
	return c
}

// activate swaps the live source and reloads its settings atomically so
// no caller observes a torn (source, settings) pair.
func (c *Client) activate(name config.SourceName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = c.sources[name]
	c.settings = c.cfg.SourceSettingsFor(name)
}

// Settings returns the tuning block for the currently active source.
func (c *Client) Settings() config.SourceSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// ActiveSourceName names the source currently in use.
func (c *Client) ActiveSourceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active.Name()
}

// ConsecutiveErrors exposes the saturating error counter.
func (c *Client) ConsecutiveErrors() int64 { return c.consecutiveErrors.Load() }

// SwitchCount exposes how many times the client has flipped sources.
func (c *Client) SwitchCount() int64 { return c.switchCount.Load() }

func (c *Client) snapshot() (Source, config.SourceSettings) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.settings
}

// switchSource flips to whichever source is not currently active.
func (c *Client) switchSource() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := config.SourcePrimary
	if c.active.Name() == string(config.SourcePrimary) {
		next = config.SourceFallback
	}
	log.Printf("[Indexer] Switching data source %s -> %s", c.active.Name(), next)
	c.active = c.sources[next]
	c.settings = c.cfg.SourceSettingsFor(next)
	c.switchCount.Add(1)
	metrics.SourceSwitches.Inc()
}

// do runs fn against the active source with retry, backoff and a single
// source switch on exhaustion.
func (c *Client) do(ctx context.Context, fn func(Source) error) error {
	err := c.attempt(ctx, fn)
	if err == nil {
		return nil
	}
	// All retries on the active source failed; switch once and retry.
	c.switchSource()
	return c.attempt(ctx, fn)
}

func (c *Client) attempt(ctx context.Context, fn func(Source) error) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		src, settings := c.snapshot()
		c.throttle(ctx, settings)

		lastErr = fn(src)
		if lastErr == nil {
			c.recordSuccess()
			return nil
		}
		c.recordFailure()

		if ctx.Err() != nil {
			return lastErr
		}

		backoff := time.Duration(1<<i) * 500 * time.Millisecond
		if IsRateLimited(lastErr) {
			// 429 means the upstream is telling us to slow down; back
			// off harder than a plain failure.
			backoff *= 4
			log.Printf("[Indexer] Rate limited by %s, backing off %s", src.Name(), backoff)
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// throttle enforces the source's minimum per-request delay. When rate
// limiting is on, the effective minimum doubles with each consecutive
// error, so a struggling upstream sees exponentially gentler traffic.
func (c *Client) throttle(ctx context.Context, settings config.SourceSettings) {
	if !settings.EnableRateLimiting || settings.MinRequestDelay <= 0 {
		return
	}

	delay := c.effectiveMinDelay(settings)

	last := c.lastRequest.Load()
	now := time.Now().UnixNano()
	if elapsed := time.Duration(now - last); last > 0 && elapsed < delay {
		select {
		case <-ctx.Done():
		case <-time.After(delay - elapsed):
		}
	}
	c.lastRequest.Store(time.Now().UnixNano())
}

// effectiveMinDelay doubles the configured minimum per consecutive
// error, shifting at most 6 so the worst case is 64x.
func (c *Client) effectiveMinDelay(settings config.SourceSettings) time.Duration {
	delay := settings.MinRequestDelay
	if errs := c.consecutiveErrors.Load(); errs > 0 {
		shift := errs
		if shift > 6 {
			shift = 6
		}
		delay *= time.Duration(1 << shift)
	}
	return delay
}

func (c *Client) recordSuccess() {
	// Saturating decrement.
	for {
		cur := c.consecutiveErrors.Load()
		if cur == 0 {
			return
		}
		if c.consecutiveErrors.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (c *Client) recordFailure() {
	c.consecutiveErrors.Add(1)
}

// ChainHeight returns the current tip height.
func (c *Client) ChainHeight(ctx context.Context) (int64, error) {
	var height int64
	err := c.do(ctx, func(s Source) error {
		h, err := s.ChainHeight(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// GetBlock fetches one normalized block.
func (c *Client) GetBlock(ctx context.Context, height int64) (*Block, error) {
	var block *Block
	err := c.do(ctx, func(s Source) error {
		b, err := s.GetBlock(ctx, height)
		if err != nil {
			return err
		}
		block = b
		return nil
	})
	return block, err
}

// GetTransaction fetches one normalized transaction body.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	var tx *Tx
	err := c.do(ctx, func(s Source) error {
		t, err := s.GetTransaction(ctx, txid)
		if err != nil {
			return err
		}
		tx = t
		return nil
	})
	return tx, err
}

// GetAddressTransactions fetches a wallet's chronological history.
func (c *Client) GetAddressTransactions(ctx context.Context, addr string) ([]WalletTx, error) {
	var list []WalletTx
	err := c.do(ctx, func(s Source) error {
		l, err := s.GetAddressTransactions(ctx, addr)
		if err != nil {
			return err
		}
		list = l
		return nil
	})
	return list, err
}
