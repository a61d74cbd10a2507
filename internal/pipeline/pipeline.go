package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/internal/metrics"
	"github.com/rawblock/fluxflow-engine/pkg/models"
)

// retentionSlack lets the stored span exceed the window by 10% before a
// sweep runs, so cleanup is periodic instead of per-tick.
const retentionSlack = 1.1

// operatorStaleness for the pre-tick classifier refresh.
const operatorStaleness = 10 * time.Minute

// BlockSource is the slice of the indexer client the pipeline uses.
type BlockSource interface {
	ChainHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, height int64) (*indexer.Block, error)
	GetTransaction(ctx context.Context, txid string) (*indexer.Tx, error)
	Settings() config.SourceSettings
	ConsecutiveErrors() int64
}

// AddressClassifier is the slice of the classifier the pipeline uses.
type AddressClassifier interface {
	Classify(addr string) models.Classification
	RefreshIfStale(maxAge time.Duration)
}

// FlowStore is the slice of the store the pipeline uses.
type FlowStore interface {
	SaveBlock(ctx context.Context, b models.Block) error
	SaveTransaction(ctx context.Context, t models.Transaction) error
	SaveFlowEventsBatch(ctx context.Context, events []models.FlowEvent) error
	CleanupOldData(ctx context.Context, currentBlock, windowBlocks int64) error
	HeightRange(ctx context.Context) (min, max, count int64, err error)
}

// Tick states, for the status endpoint.
const (
	StateIdle       = "idle"
	StateFetching   = "fetching"
	StateProcessing = "processing"
	StateCommitting = "committing"
)

// Pipeline keeps the store's flow events within the retention window of
// the chain tip. Each tick fetches forward toward the tip, or backward
// to fill the window, in concurrency-bounded chunks, then commits one
// batched flow-event write.
type Pipeline struct {
	source     BlockSource
	classifier AddressClassifier
	store      FlowStore
	window     int64 // retention window in blocks

	isRunning atomic.Bool
	state     atomic.Value // string

	// notify, when set, receives every committed flow-event batch.
	notify func([]models.FlowEvent)

	// Performance counters.
	blocksIngested    atomic.Int64
	lastBatchSize     atomic.Int64
	lastBatchDuration atomic.Int64 // nanoseconds
	blocksPerMinute   atomic.Int64 // scaled x100
	lastTipHeight     atomic.Int64
	lastSyncedHeight  atomic.Int64
}

// New builds a pipeline over the given collaborators.
func New(source BlockSource, cls AddressClassifier, store FlowStore, windowBlocks int64) *Pipeline {
	p := &Pipeline{
		source:     source,
		classifier: cls,
		store:      store,
		window:     windowBlocks,
	}
	p.state.Store(StateIdle)
	return p
}

// SetNotifier registers a callback invoked with each committed batch of
// flow events. Must be set before the first tick.
func (p *Pipeline) SetNotifier(fn func([]models.FlowEvent)) {
	p.notify = fn
}

// Status is the pipeline's progress snapshot for the API.
type Status struct {
	State             string  `json:"state"`
	BlocksIngested    int64   `json:"blocksIngested"`
	LastBatchSize     int64   `json:"lastBatchSize"`
	LastBatchMillis   int64   `json:"lastBatchMillis"`
	BlocksPerMinute   float64 `json:"blocksPerMinute"`
	TipHeight         int64   `json:"tipHeight"`
	LastSyncedHeight  int64   `json:"lastSyncedHeight"`
	ConsecutiveErrors int64   `json:"consecutiveErrors"`
}

// GetStatus returns the current counters (thread-safe).
func (p *Pipeline) GetStatus() Status {
	return Status{
		State:             p.state.Load().(string),
		BlocksIngested:    p.blocksIngested.Load(),
		LastBatchSize:     p.lastBatchSize.Load(),
		LastBatchMillis:   p.lastBatchDuration.Load() / int64(time.Millisecond),
		BlocksPerMinute:   float64(p.blocksPerMinute.Load()) / 100.0,
		TipHeight:         p.lastTipHeight.Load(),
		LastSyncedHeight:  p.lastSyncedHeight.Load(),
		ConsecutiveErrors: p.source.ConsecutiveErrors(),
	}
}

// Tick runs one sync pass. Overlapping ticks are rejected: if the
// previous pass has not returned to idle the new tick logs and returns.
func (p *Pipeline) Tick(ctx context.Context) error {
	if !p.isRunning.CompareAndSwap(false, true) {
		log.Printf("[Pipeline] Previous tick still running, skipping")
		return nil
	}
	defer func() {
		p.isRunning.Store(false)
		p.state.Store(StateIdle)
	}()

	p.classifier.RefreshIfStale(operatorStaleness)

	p.state.Store(StateFetching)
	tip, err := p.source.ChainHeight(ctx)
	if err != nil {
		return err
	}
	p.lastTipHeight.Store(tip)
	metrics.ConsecutiveErrors.Set(float64(p.source.ConsecutiveErrors()))

	minStored, maxStored, count, err := p.store.HeightRange(ctx)
	if err != nil {
		return err
	}

	settings := p.source.Settings()
	batch := int64(settings.BatchSize)

	var heights []int64
	switch {
	case count == 0:
		// Fresh store: start at the tip and let backfill ticks walk
		// backward into the window.
		start := tip - batch + 1
		if start < 1 {
			start = 1
		}
		heights = heightRange(start, tip)
	case maxStored < tip:
		end := maxStored + batch
		if end > tip {
			end = tip
		}
		heights = heightRange(maxStored+1, end)
	case count < p.window && minStored > tip-p.window:
		// Backfill toward the retention floor.
		start := minStored - batch
		floor := tip - p.window
		if start < floor {
			start = floor
		}
		if start < 1 {
			start = 1
		}
		if start <= minStored-1 {
			heights = heightRange(start, minStored-1)
		}
	}

	if len(heights) == 0 {
		// Caught up; the sweep still runs so a full store stays bounded.
		p.maybeSweep(ctx, tip, maxStored, minStored, count)
		return nil
	}

	started := time.Now()
	blocks := p.fetchBlocks(ctx, heights, settings)

	p.state.Store(StateProcessing)
	var allEvents []models.FlowEvent
	for _, block := range blocks {
		events := p.processBlock(ctx, block, settings)
		allEvents = append(allEvents, events...)
	}

	p.state.Store(StateCommitting)
	// Blocks and transactions are saved individually (upserts); the
	// flow events land in one atomic batch.
	for _, block := range blocks {
		if err := p.store.SaveBlock(ctx, models.Block{
			Height:  block.Height,
			Hash:    block.Hash,
			Time:    block.Time,
			TxCount: len(block.Txs),
			Size:    block.Size,
		}); err != nil {
			return err
		}
		for _, tx := range block.Txs {
			if tx.Kind != "" && tx.Kind != indexer.KindTransfer {
				continue
			}
			var totalIn, totalOut int64
			for _, in := range tx.Vin {
				totalIn += in.Value
			}
			for _, out := range tx.Vout {
				totalOut += out.Value
			}
			if err := p.store.SaveTransaction(ctx, models.Transaction{
				Txid:        tx.Txid,
				BlockHeight: block.Height,
				NumInputs:   len(tx.Vin),
				NumOutputs:  len(tx.Vout),
				TotalIn:     float64(totalIn) / 1e8,
				TotalOut:    float64(totalOut) / 1e8,
			}); err != nil {
				return err
			}
		}
	}
	if err := p.store.SaveFlowEventsBatch(ctx, allEvents); err != nil {
		return err
	}
	if p.notify != nil && len(allEvents) > 0 {
		p.notify(allEvents)
	}

	elapsed := time.Since(started)
	p.blocksIngested.Add(int64(len(blocks)))
	p.lastBatchSize.Store(int64(len(blocks)))
	p.lastBatchDuration.Store(int64(elapsed))
	if elapsed > 0 {
		perMin := float64(len(blocks)) / elapsed.Minutes()
		p.blocksPerMinute.Store(int64(perMin * 100))
		metrics.BlocksPerMinute.Set(perMin)
	}
	if n := len(blocks); n > 0 {
		p.lastSyncedHeight.Store(blocks[n-1].Height)
	}
	metrics.BlocksIngested.Add(float64(len(blocks)))
	metrics.FlowEventsWritten.Add(float64(len(allEvents)))

	log.Printf("[Pipeline] Committed %d blocks, %d flow events in %s (tip %d)",
		len(blocks), len(allEvents), elapsed.Round(time.Millisecond), tip)

	p.maybeSweep(ctx, tip, maxStored, minStored, count)
	return nil
}

// fetchBlocks splits heights into chunks of the source's concurrency
// limit; chunks run serially with the inter-batch delay, blocks within a
// chunk concurrently. A block that fails after the client's retries is
// skipped; the batch commits what it got.
func (p *Pipeline) fetchBlocks(ctx context.Context, heights []int64, settings config.SourceSettings) []*indexer.Block {
	conc := settings.MaxConcurrent
	if conc <= 0 {
		conc = 1
	}

	byHeight := make(map[int64]*indexer.Block, len(heights))
	var mu sync.Mutex

	for start := 0; start < len(heights); start += conc {
		if ctx.Err() != nil {
			break
		}
		end := start + conc
		if end > len(heights) {
			end = len(heights)
		}
		chunk := heights[start:end]

		var wg sync.WaitGroup
		for _, h := range chunk {
			wg.Add(1)
			go func(height int64) {
				defer wg.Done()
				block, err := p.source.GetBlock(ctx, height)
				if err != nil {
					log.Printf("[Pipeline] Block %d failed after retries, skipping: %v", height, err)
					metrics.BlockFetchErrors.Inc()
					return
				}
				mu.Lock()
				byHeight[height] = block
				mu.Unlock()
			}(h)
		}
		wg.Wait()

		if end < len(heights) && settings.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(settings.BatchDelay):
			}
		}
	}

	// Preserve height order for commit.
	blocks := make([]*indexer.Block, 0, len(byHeight))
	for _, h := range heights {
		if b, ok := byHeight[h]; ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// processBlock applies the relevance filter and builds flow events for
// every relevant transfer in the block.
func (p *Pipeline) processBlock(ctx context.Context, block *indexer.Block, settings config.SourceSettings) []models.FlowEvent {
	var events []models.FlowEvent
	fetched := 0

	for _, tx := range block.Txs {
		// Coinbase and node-confirmation transactions never produce
		// flow events; when the source labels kinds inline they are
		// dropped before any full fetch.
		if tx.Kind != "" && tx.Kind != indexer.KindTransfer {
			continue
		}

		body := tx
		if len(tx.Vin) == 0 && len(tx.Vout) == 0 {
			// Kindless txid-only listing: fetch the body, bounded by
			// the source's per-block cap.
			if fetched >= settings.TransactionFetchCap {
				continue
			}
			full, err := p.source.GetTransaction(ctx, tx.Txid)
			if err != nil {
				log.Printf("[Pipeline] Tx %s fetch failed, skipping: %v", tx.Txid, err)
				continue
			}
			fetched++
			body = *full
		}
		if isCoinbaseTx(body) {
			continue
		}

		events = append(events, p.extractFlowEvents(block, body)...)
	}
	return events
}

func isCoinbaseTx(tx indexer.Tx) bool {
	for _, in := range tx.Vin {
		if in.Coinbase {
			return true
		}
	}
	return false
}

// extractFlowEvents emits one event per classified output. The source
// side carries the transaction's primary input identity; the destination
// side the per-output classification. Transactions where every address
// is unknown are discarded here.
func (p *Pipeline) extractFlowEvents(block *indexer.Block, tx indexer.Tx) []models.FlowEvent {
	fromAddr, fromClass, anyKnownInput := p.primaryInput(tx)

	anyKnown := anyKnownInput
	outClasses := make([]models.Classification, len(tx.Vout))
	for i, out := range tx.Vout {
		addr := firstAddress(out.Addresses)
		if addr == "" {
			continue
		}
		outClasses[i] = p.classifier.Classify(addr)
		if outClasses[i].Type != models.AddressUnknown {
			anyKnown = true
		}
	}
	if !anyKnown {
		return nil
	}

	events := make([]models.FlowEvent, 0, len(tx.Vout))
	for i, out := range tx.Vout {
		addr := firstAddress(out.Addresses)
		if addr == "" {
			continue
		}
		toClass := outClasses[i]
		if toClass.Type == "" {
			toClass = models.Classification{Type: models.AddressUnknown}
		}

		events = append(events, models.FlowEvent{
			Txid:        tx.Txid,
			Vout:        out.N,
			BlockHeight: block.Height,
			BlockTime:   block.Time,
			FromAddress: fromAddr,
			FromType:    fromClass.Type,
			FromDetails: fromClass.Details,
			ToAddress:   addr,
			ToType:      toClass.Type,
			ToDetails:   toClass.Details,
			FlowType:    models.ClassifyFlow(fromClass.Type, toClass.Type),
			Amount:      float64(out.Value) / 1e8,
			DataSource:  models.SourceSync,
		})
	}
	return events
}

// primaryInput picks the transaction's source identity over all inputs
// by priority exchange > node_operator > foundation > unknown.
func (p *Pipeline) primaryInput(tx indexer.Tx) (string, models.Classification, bool) {
	priority := func(t models.AddressType) int {
		switch t {
		case models.AddressExchange:
			return 3
		case models.AddressNodeOperator:
			return 2
		case models.AddressFoundation:
			return 1
		default:
			return 0
		}
	}

	var bestAddr string
	best := models.Classification{Type: models.AddressUnknown}
	anyKnown := false

	for _, in := range tx.Vin {
		addr := firstAddress(in.Addresses)
		if addr == "" {
			continue
		}
		class := p.classifier.Classify(addr)
		if class.Type != models.AddressUnknown {
			anyKnown = true
		}
		if bestAddr == "" || priority(class.Type) > priority(best.Type) {
			bestAddr = addr
			best = class
		}
	}
	return bestAddr, best, anyKnown
}

// maybeSweep runs the retention sweep when the stored span exceeds the
// window by more than 10%. It runs between commits, never during one.
func (p *Pipeline) maybeSweep(ctx context.Context, tip, maxStored, minStored, count int64) {
	if count == 0 {
		return
	}
	span := maxStored - minStored
	if tip > maxStored {
		span = tip - minStored
	}
	if float64(span) <= float64(p.window)*retentionSlack {
		return
	}
	if err := p.store.CleanupOldData(ctx, tip, p.window); err != nil {
		log.Printf("[Pipeline] Retention sweep failed: %v", err)
		return
	}
	metrics.RetentionSweeps.Inc()
}

func firstAddress(addrs []string) string {
	for _, a := range addrs {
		if a != "" {
			return a
		}
	}
	return ""
}

func heightRange(from, to int64) []int64 {
	if to < from {
		return nil
	}
	out := make([]int64, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}
