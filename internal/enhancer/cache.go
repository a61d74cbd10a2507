package enhancer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/internal/metrics"
)

// Default TTLs per sub-cache. Short-lived entries (wallet histories,
// operator status) turn over within an enhancement run; derived results
// (coinbase, connection checks) live longer because they are pure
// functions of an immutable chain window.
const (
	walletTxTTL       = 5 * time.Minute
	coinbaseTTL       = 60 * time.Minute
	connectionTTL     = 60 * time.Minute
	operatorStatusTTL = 5 * time.Minute
	txBodyTTL         = 10 * time.Minute
)

// ttlCache is one map of structured key → {value, expiresAt} under a
// single mutex. One enhancement run dominates traffic at a time, so the
// lock is uncontended in practice. Negative results are cached with the
// same TTL; that is what keeps the BFS from re-walking shared subgraphs.
type ttlCache struct {
	name    string
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]ttlEntry

	hits   atomic.Int64
	misses atomic.Int64
	saves  atomic.Int64
}

type ttlEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newTTLCache(name string, ttl time.Duration) *ttlCache {
	return &ttlCache{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]ttlEntry),
	}
}

// get returns the cached value, lazily evicting an expired entry.
func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses.Add(1)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}
	c.hits.Add(1)
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return entry.value, true
}

func (c *ttlCache) set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.saves.Add(1)
}

func (c *ttlCache) clearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *ttlCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheStats is the per-sub-cache counter snapshot.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Saves   int64 `json:"saves"`
}

// Cache memoizes upstream lookups for the enhancement engine. It is a
// memoization layer, not a coherence mechanism: momentarily stale
// negative entries are tolerated because TTLs are short relative to a
// run.
type Cache struct {
	walletTxs   *ttlCache
	coinbase    *ttlCache
	connections *ttlCache
	operators   *ttlCache
	txBodies    *ttlCache
}

// NewCache builds the five sub-caches with their default TTLs.
func NewCache() *Cache {
	return &Cache{
		walletTxs:   newTTLCache("wallet_txs", walletTxTTL),
		coinbase:    newTTLCache("coinbase", coinbaseTTL),
		connections: newTTLCache("connections", connectionTTL),
		operators:   newTTLCache("operator_status", operatorStatusTTL),
		txBodies:    newTTLCache("tx_bodies", txBodyTTL),
	}
}

// CoinbaseCheck is the cached outcome of a coinbase-receipt scan over a
// block window. Found=false entries are cached too.
type CoinbaseCheck struct {
	Found        bool    `json:"found"`
	Count        int     `json:"count"`
	LastBlock    int64   `json:"lastBlock"`
	DaysInactive float64 `json:"daysInactive"`
}

// ConnectionCheck is the cached outcome of a historical-connection scan.
type ConnectionCheck struct {
	Found          bool    `json:"found"`
	NodeWallet     string  `json:"nodeWallet"`
	Method         string  `json:"method"`
	ConnectionTxid string  `json:"connectionTxid"`
	DaysAgo        float64 `json:"daysAgo"`
	CoinbaseCount  int     `json:"coinbaseCount"`
}

// OperatorStatus is the cached outcome of a current-operator lookup.
type OperatorStatus struct {
	IsOperator bool `json:"isOperator"`
	NodeCount  int  `json:"nodeCount"`
	Cumulus    int  `json:"cumulus"`
	Nimbus     int  `json:"nimbus"`
	Stratus    int  `json:"stratus"`
}

func (c *Cache) WalletTxs(addr string) ([]indexer.WalletTx, bool) {
	if v, ok := c.walletTxs.get(addr); ok {
		return v.([]indexer.WalletTx), true
	}
	return nil, false
}

func (c *Cache) SetWalletTxs(addr string, txs []indexer.WalletTx) {
	c.walletTxs.set(addr, txs)
}

func (c *Cache) Coinbase(addr string, fromBlock, toBlock int64) (CoinbaseCheck, bool) {
	key := fmt.Sprintf("%s:%d:%d", addr, fromBlock, toBlock)
	if v, ok := c.coinbase.get(key); ok {
		return v.(CoinbaseCheck), true
	}
	return CoinbaseCheck{}, false
}

func (c *Cache) SetCoinbase(addr string, fromBlock, toBlock int64, result CoinbaseCheck) {
	c.coinbase.set(fmt.Sprintf("%s:%d:%d", addr, fromBlock, toBlock), result)
}

func (c *Cache) Connection(addr, direction string, fromBlock int64) (ConnectionCheck, bool) {
	key := fmt.Sprintf("%s:%s:%d", addr, direction, fromBlock)
	if v, ok := c.connections.get(key); ok {
		return v.(ConnectionCheck), true
	}
	return ConnectionCheck{}, false
}

func (c *Cache) SetConnection(addr, direction string, fromBlock int64, result ConnectionCheck) {
	c.connections.set(fmt.Sprintf("%s:%s:%d", addr, direction, fromBlock), result)
}

func (c *Cache) Operator(addr string) (OperatorStatus, bool) {
	if v, ok := c.operators.get(addr); ok {
		return v.(OperatorStatus), true
	}
	return OperatorStatus{}, false
}

func (c *Cache) SetOperator(addr string, status OperatorStatus) {
	c.operators.set(addr, status)
}

func (c *Cache) TxBody(txid string) (*indexer.Tx, bool) {
	if v, ok := c.txBodies.get(txid); ok {
		return v.(*indexer.Tx), true
	}
	return nil, false
}

func (c *Cache) SetTxBody(txid string, tx *indexer.Tx) {
	c.txBodies.set(txid, tx)
}

// ClearExpired sweeps all sub-caches; called opportunistically at the
// end of a run.
func (c *Cache) ClearExpired() int {
	total := 0
	for _, sub := range c.subCaches() {
		total += sub.clearExpired()
	}
	return total
}

// Stats returns per-sub-cache counters keyed by cache name.
func (c *Cache) Stats() map[string]CacheStats {
	out := make(map[string]CacheStats, 5)
	for _, sub := range c.subCaches() {
		out[sub.name] = CacheStats{
			Entries: sub.size(),
			Hits:    sub.hits.Load(),
			Misses:  sub.misses.Load(),
			Saves:   sub.saves.Load(),
		}
	}
	return out
}

func (c *Cache) subCaches() []*ttlCache {
	return []*ttlCache{c.walletTxs, c.coinbase, c.connections, c.operators, c.txBodies}
}
