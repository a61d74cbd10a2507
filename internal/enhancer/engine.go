package enhancer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/db"
	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/internal/metrics"
	"github.com/rawblock/fluxflow-engine/pkg/models"
)

// operatorStalenessLimit is how old the node-operator snapshot may be
// before a run forces a registry refresh.
const operatorStalenessLimit = 10 * time.Minute

// ChainReader is the slice of the indexer client the engine needs.
type ChainReader interface {
	GetTransaction(ctx context.Context, txid string) (*indexer.Tx, error)
	GetAddressTransactions(ctx context.Context, addr string) ([]indexer.WalletTx, error)
}

// OperatorLookup is the slice of the classifier the engine needs.
type OperatorLookup interface {
	IsNodeOperator(addr string) (models.NodeDetails, bool)
	RefreshIfStale(maxAge time.Duration)
}

// FlowStore is the slice of the store the engine needs.
type FlowStore interface {
	GetUnknownWallets(ctx context.Context, retryAfterSeconds int64) (db.UnknownWallets, error)
	UpdateFlowEventClassification(ctx context.Context, id int64, patch models.ClassificationPatch) error
}

// Engine resolves unknown flow-event counterparties. For each unknown
// wallet it first tries direct historical detection (coinbase receipts,
// past connections to known operators), then a bounded breadth-first
// search over the transaction graph for an operator reachable through
// intermediary wallets. Hits rewrite the event row in place; misses
// stamp a cooldown.
type Engine struct {
	store      FlowStore
	chain      ChainReader
	classifier OperatorLookup
	cache      *Cache
	cfg        config.EnhancementConfig
	blockTime  int64 // seconds per block, for day math

	isRunning atomic.Bool

	// Lifetime counters, exposed on the progress endpoint.
	totalRuns          atomic.Int64
	totalProcessed     atomic.Int64
	totalEnhanced      atomic.Int64
	totalMisses        atomic.Int64
	circularDetections atomic.Int64
	lastRunUnix        atomic.Int64
}

// New builds an engine. The cache is owned by the engine for its
// lifetime; entries outlive individual runs up to their TTL.
func New(store FlowStore, chain ChainReader, cls OperatorLookup, cfg config.EnhancementConfig, blockTimeSeconds int64) *Engine {
	return &Engine{
		store:      store,
		chain:      chain,
		classifier: cls,
		cache:      NewCache(),
		cfg:        cfg,
		blockTime:  blockTimeSeconds,
	}
}

// Cache exposes the engine's cache for stats reporting.
func (e *Engine) Cache() *Cache { return e.cache }

// RunReport summarizes one enhancement run.
type RunReport struct {
	RunID     string         `json:"runId"`
	Processed int            `json:"processed"`
	Enhanced  int            `json:"enhanced"`
	Misses    int            `json:"misses"`
	Errors    int            `json:"errors"`
	ByMethod  map[string]int `json:"byMethod"`
	Duration  time.Duration  `json:"durationNs"`
	StartedAt time.Time      `json:"startedAt"`
}

// Progress is the lifetime counter snapshot.
type Progress struct {
	IsRunning          bool  `json:"isRunning"`
	TotalRuns          int64 `json:"totalRuns"`
	TotalProcessed     int64 `json:"totalProcessed"`
	TotalEnhanced      int64 `json:"totalEnhanced"`
	TotalMisses        int64 `json:"totalMisses"`
	CircularDetections int64 `json:"circularDetections"`
	LastRunUnix        int64 `json:"lastRunUnix"`
}

// GetProgress returns lifetime counters (thread-safe).
func (e *Engine) GetProgress() Progress {
	return Progress{
		IsRunning:          e.isRunning.Load(),
		TotalRuns:          e.totalRuns.Load(),
		TotalProcessed:     e.totalProcessed.Load(),
		TotalEnhanced:      e.totalEnhanced.Load(),
		TotalMisses:        e.totalMisses.Load(),
		CircularDetections: e.circularDetections.Load(),
		LastRunUnix:        e.lastRunUnix.Load(),
	}
}

// CircularDetections exposes the circular-path suppression counter.
func (e *Engine) CircularDetections() int64 { return e.circularDetections.Load() }

// EnhanceUnknowns runs one full enhancement pass. Overlapping runs are
// rejected with an is-running guard; a skipped run is harmless because
// the next one re-derives all work from the store.
func (e *Engine) EnhanceUnknowns(ctx context.Context) (RunReport, error) {
	report := RunReport{
		RunID:     uuid.NewString(),
		ByMethod:  map[string]int{},
		StartedAt: time.Now(),
	}

	if !e.isRunning.CompareAndSwap(false, true) {
		log.Printf("[Enhancer] Run already in progress, skipping")
		return report, nil
	}
	defer e.isRunning.Store(false)

	e.classifier.RefreshIfStale(operatorStalenessLimit)

	retryAfter := int64(e.cfg.FailedRetryHours) * 3600
	unknowns, err := e.store.GetUnknownWallets(ctx, retryAfter)
	if err != nil {
		return report, err
	}
	if unknowns.Total == 0 {
		return report, nil
	}

	log.Printf("[Enhancer] Run %s: %d unknowns (%d buys, %d sells)",
		report.RunID, unknowns.Total, len(unknowns.Buys), len(unknowns.Sells))

	tasks := make([]task, 0, unknowns.Total)
	for _, ev := range unknowns.Buys {
		tasks = append(tasks, task{event: ev, direction: directionOutbound})
	}
	for _, ev := range unknowns.Sells {
		tasks = append(tasks, task{event: ev, direction: directionInbound})
	}

	batchSize := e.cfg.Parallel.BatchSize
	if !e.cfg.Parallel.Enabled || batchSize <= 0 {
		batchSize = 1
	}
	maxConcurrent := e.cfg.Parallel.MaxConcurrent
	if maxConcurrent <= 0 || maxConcurrent > batchSize {
		maxConcurrent = batchSize
	}
	sem := make(chan struct{}, maxConcurrent)

	var mu sync.Mutex
	// Batches run serially; tasks within a batch run concurrently, at
	// most maxConcurrent in flight. No two tasks ever target the same
	// event id, so row contention is eliminated by partitioning.
	for start := 0; start < len(tasks); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := tasks[start:end]

		var wg sync.WaitGroup
		for i := range batch {
			t := batch[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				outcome := e.analyzeEvent(ctx, t.event, t.direction)
				mu.Lock()
				defer mu.Unlock()
				report.Processed++
				switch {
				case outcome.err != nil:
					report.Errors++
				case outcome.hit:
					report.Enhanced++
					report.ByMethod[outcome.method]++
				default:
					report.Misses++
				}
			}()
		}
		wg.Wait()
	}

	report.Duration = time.Since(report.StartedAt)
	e.totalRuns.Add(1)
	e.totalProcessed.Add(int64(report.Processed))
	e.totalEnhanced.Add(int64(report.Enhanced))
	e.totalMisses.Add(int64(report.Misses))
	e.lastRunUnix.Store(time.Now().Unix())

	expired := e.cache.ClearExpired()
	log.Printf("[Enhancer] Run %s done: %d processed, %d enhanced, %d misses, %d errors in %s (evicted %d cache entries)",
		report.RunID, report.Processed, report.Enhanced, report.Misses, report.Errors,
		report.Duration.Round(time.Millisecond), expired)
	return report, nil
}

type task struct {
	event     models.FlowEvent
	direction direction
}

type outcome struct {
	hit    bool
	method string
	err    error
}

// analyzeEvent runs both detection lanes for one unknown event and
// writes the single final store update (hit rewrite or cooldown stamp).
func (e *Engine) analyzeEvent(ctx context.Context, event models.FlowEvent, dir direction) outcome {
	wallet := event.ToAddress
	if dir == directionInbound {
		wallet = event.FromAddress
	}

	// Lane A: direct historical checks on the observed wallet itself.
	if e.cfg.HistoricalDetection.Enabled {
		if hit := e.directHistorical(ctx, event, wallet, dir); hit != nil {
			if err := e.applyHit(ctx, event, dir, *hit); err != nil {
				return outcome{err: err}
			}
			metrics.EventsEnhanced.WithLabelValues(hit.method).Inc()
			return outcome{hit: true, method: hit.method}
		}
	}

	// Lane B: bounded BFS through intermediary wallets.
	hit, err := e.multiHopSearch(ctx, event, wallet, dir)
	if err != nil {
		// Upstream failure: stamp nothing so the event is retried on
		// the next run rather than cooled down.
		return outcome{err: err}
	}
	if hit != nil {
		if err := e.applyHit(ctx, event, dir, *hit); err != nil {
			return outcome{err: err}
		}
		metrics.EventsEnhanced.WithLabelValues(hit.method).Inc()
		return outcome{hit: true, method: hit.method}
	}

	// Miss: cooldown stamp only.
	now := time.Now().Unix()
	if err := e.store.UpdateFlowEventClassification(ctx, event.ID, models.ClassificationPatch{
		AnalysisTimestamp: &now,
	}); err != nil {
		return outcome{err: err}
	}
	metrics.EnhancementMisses.Inc()
	return outcome{}
}

// detectionHit carries everything needed to rewrite an event row.
type detectionHit struct {
	level      int
	method     string // current_api / historical_coinbase / historical_connection
	status     string // active / historical
	nodeWallet string
	hopChain   []string // intermediaries, length == level, excludes nodeWallet
	hopTxids   []string
	node       *models.NodeDetails
	coinbase   *CoinbaseCheck
	connection *ConnectionCheck
}

// applyHit writes the enhanced classification back to the store in one
// call, keeping crash idempotence: either the full rewrite lands or the
// event remains eligible.
func (e *Engine) applyHit(ctx context.Context, event models.FlowEvent, dir direction, hit detectionHit) error {
	now := time.Now().Unix()
	enhanced := models.SourceEnhanced
	nodeType := models.AddressNodeOperator

	details := models.EnhancedNodeDetails{
		NodeWallet:        hit.nodeWallet,
		DetectionMethod:   hit.method,
		Status:            hit.status,
		HopCount:          hit.level,
		IntermediaryTxids: hit.hopTxids,
	}
	if hit.node != nil {
		details.NodeCount = hit.node.NodeCount
		tiers := hit.node.Tiers
		details.Tiers = &tiers
	}
	if hit.coinbase != nil {
		details.DaysInactive = hit.coinbase.DaysInactive
		details.CoinbaseCount = hit.coinbase.Count
		details.LastBlock = hit.coinbase.LastBlock
	}
	if hit.connection != nil && details.CoinbaseCount == 0 {
		details.CoinbaseCount = hit.connection.CoinbaseCount
	}

	var detailJSON = models.MarshalDetails(details)
	if hit.method == methodHistoricalConnection && hit.connection != nil {
		detailJSON = models.MarshalDetails(models.HistoricalConnectionDetails{
			NodeWallet:      hit.connection.NodeWallet,
			DetectionMethod: hit.method,
			ConnectionTxid:  hit.connection.ConnectionTxid,
			DaysAgo:         hit.connection.DaysAgo,
			CoinbaseCount:   hit.connection.CoinbaseCount,
		})
	}

	patch := models.ClassificationPatch{
		ClassificationLevel: &hit.level,
		AnalysisTimestamp:   &now,
		DataSource:          &enhanced,
	}
	if hit.level > 0 {
		patch.HopChain = hit.hopChain
		first := hit.hopChain[0]
		patch.IntermediaryWallet = &first
	}
	if dir == directionInbound {
		patch.FromType = &nodeType
		patch.FromDetails = detailJSON
	} else {
		patch.ToType = &nodeType
		patch.ToDetails = detailJSON
	}
	return e.store.UpdateFlowEventClassification(ctx, event.ID, patch)
}
