package enhancer

import (
	"testing"
	"time"

	"github.com/rawblock/fluxflow-engine/internal/indexer"
)

func TestTTLCacheExpiry(t *testing.T) {
	c := newTTLCache("test", 20*time.Millisecond)

	c.set("k", 42)
	if v, ok := c.get("k"); !ok || v.(int) != 42 {
		t.Fatalf("fresh entry missing: (%v, %v)", v, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expired entry still served")
	}
	// Lazy eviction removed it.
	if c.size() != 0 {
		t.Errorf("expired entry not evicted, size = %d", c.size())
	}
}

func TestTTLCacheCounters(t *testing.T) {
	c := newTTLCache("test", time.Minute)

	c.get("missing")
	c.set("k", "v")
	c.get("k")
	c.get("k")

	if c.hits.Load() != 2 || c.misses.Load() != 1 || c.saves.Load() != 1 {
		t.Errorf("counters = hits %d misses %d saves %d, want 2/1/1",
			c.hits.Load(), c.misses.Load(), c.saves.Load())
	}
}

func TestNegativeResultsCached(t *testing.T) {
	c := NewCache()

	// A not-found coinbase scan is still worth remembering.
	c.SetCoinbase("wallet_u", 0, 1000, CoinbaseCheck{Found: false})
	got, ok := c.Coinbase("wallet_u", 0, 1000)
	if !ok {
		t.Fatal("negative coinbase result not cached")
	}
	if got.Found {
		t.Error("cached negative turned positive")
	}

	// Different window is a different key.
	if _, ok := c.Coinbase("wallet_u", 0, 2000); ok {
		t.Error("window must be part of the cache key")
	}
}

func TestClearExpiredSweepsAllSubCaches(t *testing.T) {
	c := NewCache()
	c.SetWalletTxs("a", []indexer.WalletTx{{Txid: "t"}})
	c.SetOperator("b", OperatorStatus{IsOperator: true})

	// Nothing has expired yet.
	if n := c.ClearExpired(); n != 0 {
		t.Errorf("fresh entries swept: %d", n)
	}

	stats := c.Stats()
	if stats["wallet_txs"].Entries != 1 || stats["operator_status"].Entries != 1 {
		t.Errorf("stats wrong: %+v", stats)
	}
}

func TestCacheStatsKeys(t *testing.T) {
	stats := NewCache().Stats()
	for _, name := range []string{"wallet_txs", "coinbase", "connections", "operator_status", "tx_bodies"} {
		if _, ok := stats[name]; !ok {
			t.Errorf("missing stats for sub-cache %s", name)
		}
	}
}
