package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/pkg/models"
)

type fakeSource struct {
	mu       sync.Mutex
	settings config.SourceSettings
	tip      int64
	blocks   map[int64]*indexer.Block
	txs      map[string]*indexer.Tx
	txCalls  int
	gate     chan struct{} // when set, ChainHeight blocks until closed
}

func (f *fakeSource) ChainHeight(ctx context.Context) (int64, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.tip, nil
}

func (f *fakeSource) GetBlock(ctx context.Context, height int64) (*indexer.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[height]; ok {
		return b, nil
	}
	return &indexer.Block{Height: height, Time: height * 30}, nil
}

func (f *fakeSource) GetTransaction(ctx context.Context, txid string) (*indexer.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if tx, ok := f.txs[txid]; ok {
		return tx, nil
	}
	return &indexer.Tx{Txid: txid}, nil
}

func (f *fakeSource) Settings() config.SourceSettings { return f.settings }
func (f *fakeSource) ConsecutiveErrors() int64        { return 0 }

type fakeStore struct {
	mu         sync.Mutex
	minStored  int64
	maxStored  int64
	count      int64
	blocks     []models.Block
	txs        []models.Transaction
	events     []models.FlowEvent
	cleanups   int
	cleanupArg int64
}

func (f *fakeStore) SaveBlock(ctx context.Context, b models.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b)
	return nil
}

func (f *fakeStore) SaveTransaction(ctx context.Context, t models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, t)
	return nil
}

func (f *fakeStore) SaveFlowEventsBatch(ctx context.Context, events []models.FlowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) CleanupOldData(ctx context.Context, currentBlock, windowBlocks int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	f.cleanupArg = currentBlock - windowBlocks
	return nil
}

func (f *fakeStore) HeightRange(ctx context.Context) (int64, int64, int64, error) {
	return f.minStored, f.maxStored, f.count, nil
}

type fakeClassifier struct {
	types map[string]models.AddressType
}

func (f *fakeClassifier) Classify(addr string) models.Classification {
	if t, ok := f.types[addr]; ok {
		return models.Classification{Type: t}
	}
	return models.Classification{Type: models.AddressUnknown}
}

func (f *fakeClassifier) RefreshIfStale(time.Duration) {}

func testSettings() config.SourceSettings {
	return config.SourceSettings{
		BatchSize:           5,
		MaxConcurrent:       2,
		TransactionFetchCap: 100,
	}
}

func transferTx(txid string, inAddr string, outs ...indexer.Vout) indexer.Tx {
	return indexer.Tx{
		Txid: txid,
		Kind: indexer.KindTransfer,
		Vin:  []indexer.Vin{{Addresses: []string{inAddr}, Value: 500000000}},
		Vout: outs,
	}
}

func TestTickForwardSync(t *testing.T) {
	source := &fakeSource{
		settings: testSettings(),
		tip:      102,
		blocks: map[int64]*indexer.Block{
			101: {Height: 101, Time: 3030, Txs: []indexer.Tx{
				transferTx("buy_tx", "ex_addr",
					indexer.Vout{N: 0, Value: 250000000, Addresses: []string{"someone"}},
					indexer.Vout{N: 1, Value: 250000000, Addresses: []string{"ex_change"}},
				),
				// Every address unknown: no flow events.
				transferTx("noise_tx", "rando",
					indexer.Vout{N: 0, Value: 100, Addresses: []string{"rando2"}},
				),
				// Coinbase never produces events.
				{Txid: "cb_tx", Kind: indexer.KindCoinbase},
			}},
			102: {Height: 102, Time: 3060, Txs: []indexer.Tx{
				transferTx("sell_tx", "seller",
					indexer.Vout{N: 0, Value: 300000000, Addresses: []string{"ex_addr"}},
				),
			}},
		},
	}
	store := &fakeStore{minStored: 50, maxStored: 100, count: 51}
	cls := &fakeClassifier{types: map[string]models.AddressType{
		"ex_addr":   models.AddressExchange,
		"ex_change": models.AddressExchange,
	}}

	p := New(source, cls, store, 100000)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(store.blocks) != 2 || store.blocks[0].Height != 101 || store.blocks[1].Height != 102 {
		t.Fatalf("expected blocks 101, 102 saved in order, got %+v", store.blocks)
	}

	// buy_tx: two classified outputs. sell_tx: one.
	if len(store.events) != 3 {
		t.Fatalf("expected 3 flow events, got %d: %+v", len(store.events), store.events)
	}

	buy := store.events[0]
	if buy.Txid != "buy_tx" || buy.Vout != 0 {
		t.Fatalf("first event wrong: %+v", buy)
	}
	if buy.FlowType != models.FlowBuying || buy.FromType != models.AddressExchange || buy.ToType != models.AddressUnknown {
		t.Errorf("buy classification wrong: %+v", buy)
	}
	if buy.Amount != 2.5 {
		t.Errorf("amount = %v, want 2.5 whole coins", buy.Amount)
	}
	if buy.ClassificationLevel != 0 || buy.DataSource != models.SourceSync {
		t.Errorf("fresh event must be level 0 from sync: %+v", buy)
	}

	// Exchange to exchange is p2p, not buying.
	change := store.events[1]
	if change.Vout != 1 || change.FlowType != models.FlowP2P {
		t.Errorf("exchange-to-exchange output wrong: %+v", change)
	}

	sell := store.events[2]
	if sell.FlowType != models.FlowSelling || sell.BlockHeight != 102 {
		t.Errorf("sell event wrong: %+v", sell)
	}

	status := p.GetStatus()
	if status.BlocksIngested != 2 || status.TipHeight != 102 || status.LastSyncedHeight != 102 {
		t.Errorf("status counters wrong: %+v", status)
	}
}

func TestTickFreshStoreStartsAtTip(t *testing.T) {
	source := &fakeSource{settings: testSettings(), tip: 10}
	store := &fakeStore{}
	p := New(source, &fakeClassifier{}, store, 100000)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	// Batch size 5: the first tick grabs the 5 newest blocks.
	if len(store.blocks) != 5 || store.blocks[0].Height != 6 || store.blocks[4].Height != 10 {
		t.Errorf("fresh store should sync [6..10], got %+v", store.blocks)
	}
}

func TestTickBackfillsTowardWindow(t *testing.T) {
	source := &fakeSource{settings: testSettings(), tip: 1000}
	// Caught up at the tip but the window is not filled yet.
	store := &fakeStore{minStored: 900, maxStored: 1000, count: 101}
	p := New(source, &fakeClassifier{}, store, 500)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(store.blocks) != 5 || store.blocks[0].Height != 895 || store.blocks[4].Height != 899 {
		t.Errorf("backfill should fetch [895..899], got %+v", store.blocks)
	}
}

func TestTickOverlapRejected(t *testing.T) {
	gate := make(chan struct{})
	source := &fakeSource{settings: testSettings(), tip: 10, gate: gate}
	store := &fakeStore{}
	p := New(source, &fakeClassifier{}, store, 100000)

	done := make(chan error, 1)
	go func() { done <- p.Tick(context.Background()) }()

	// Wait for the first tick to take the guard.
	deadline := time.Now().Add(time.Second)
	for p.GetStatus().State == StateIdle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := p.Tick(context.Background()); err != nil {
		t.Errorf("overlapping tick should be a silent no-op, got %v", err)
	}
	if len(store.blocks) != 0 {
		t.Error("overlapping tick wrote to the store")
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
}

func TestPrimaryInputPriority(t *testing.T) {
	source := &fakeSource{
		settings: testSettings(),
		tip:      1,
		blocks: map[int64]*indexer.Block{
			1: {Height: 1, Txs: []indexer.Tx{{
				Txid: "multi_in",
				Kind: indexer.KindTransfer,
				Vin: []indexer.Vin{
					{Addresses: []string{"rando"}},
					{Addresses: []string{"op_addr"}},
					{Addresses: []string{"ex_addr"}},
				},
				Vout: []indexer.Vout{{N: 0, Value: 100000000, Addresses: []string{"dest"}}},
			}}},
		},
	}
	store := &fakeStore{}
	cls := &fakeClassifier{types: map[string]models.AddressType{
		"ex_addr": models.AddressExchange,
		"op_addr": models.AddressNodeOperator,
	}}
	p := New(source, cls, store, 100000)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(store.events))
	}
	// Exchange outranks node operator as the source identity.
	if store.events[0].FromAddress != "ex_addr" || store.events[0].FromType != models.AddressExchange {
		t.Errorf("primary input priority wrong: %+v", store.events[0])
	}
}

func TestTxidOnlyBlockRespectsFetchCap(t *testing.T) {
	settings := testSettings()
	settings.TransactionFetchCap = 2
	source := &fakeSource{
		settings: settings,
		tip:      1,
		blocks: map[int64]*indexer.Block{
			1: {Height: 1, Txs: []indexer.Tx{
				{Txid: "t1"}, {Txid: "t2"}, {Txid: "t3"}, {Txid: "t4"},
			}},
		},
		txs: map[string]*indexer.Tx{},
	}
	store := &fakeStore{}
	p := New(source, &fakeClassifier{}, store, 100000)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if source.txCalls != 2 {
		t.Errorf("fetched %d tx bodies, cap is 2", source.txCalls)
	}
}

func TestRetentionSweepTriggersPastSlack(t *testing.T) {
	source := &fakeSource{settings: testSettings(), tip: 1200}
	// Span 1200 - 0 = 1200 > 1000 * 1.1.
	store := &fakeStore{minStored: 0, maxStored: 1200, count: 1000}
	p := New(source, &fakeClassifier{}, store, 1000)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if store.cleanups != 1 {
		t.Fatalf("expected 1 retention sweep, got %d", store.cleanups)
	}
	if store.cleanupArg != 200 {
		t.Errorf("sweep floor = %d, want 200", store.cleanupArg)
	}
}

func TestRetentionSweepSkippedInsideSlack(t *testing.T) {
	source := &fakeSource{settings: testSettings(), tip: 1050}
	store := &fakeStore{minStored: 0, maxStored: 1050, count: 1050}
	p := New(source, &fakeClassifier{}, store, 1000)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if store.cleanups != 0 {
		t.Errorf("sweep ran inside the 10%% slack, cleanups = %d", store.cleanups)
	}
}
