package enhancer

import (
	"context"

	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/internal/metrics"
	"github.com/rawblock/fluxflow-engine/pkg/models"
)

// bfsEntry is one wallet awaiting expansion. chain holds every wallet
// traversed so far including this one, so on a hit at depth d the chain
// is exactly the intermediary list of length d+1 (the final node wallet
// is never appended).
type bfsEntry struct {
	wallet   string
	depth    int
	chain    []string
	txids    []string
	refBlock int64
	refTime  int64
}

// multiHopSearch is Lane B: a bounded breadth-first search through the
// transaction graph. For buys it follows where the unknown wallet sent
// funds next; for sells, where its funds came from. Each hop's
// counterparty is checked against the current operator set first, then
// (when enabled) against historical coinbase receipts. A wallet is never
// expanded twice within one traversal.
func (e *Engine) multiHopSearch(ctx context.Context, event models.FlowEvent, wallet string, dir direction) (*detectionHit, error) {
	maxHops := e.cfg.MaxHops
	if maxHops <= 0 {
		return nil, nil
	}
	maxBranches := e.cfg.MultiHop.MaxBranchesPerWallet
	if maxBranches <= 0 {
		maxBranches = 1
	}

	window := e.cfg.MultiHop.TimeWindowBlocks
	histFrom := event.BlockHeight - e.cfg.HistoricalDetection.TimeWindowBlocks
	if histFrom < 0 {
		histFrom = 0
	}

	visited := map[string]bool{wallet: true}
	queue := []bfsEntry{{
		wallet:   wallet,
		depth:    0,
		chain:    []string{wallet},
		refBlock: event.BlockHeight,
		refTime:  event.BlockTime,
	}}

	var firstErr error
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		entry := queue[0]
		queue = queue[1:]

		hops, err := e.nextHops(ctx, entry, dir, window, maxBranches)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, hop := range hops {
			if visited[hop.counterparty] {
				// Circular path: U -> V -> U never re-expands U.
				e.circularDetections.Add(1)
				metrics.CircularDetections.Inc()
				continue
			}

			// Current operator set wins over historical evidence.
			if details, ok := e.operatorStatus(hop.counterparty); ok {
				d := details
				return &detectionHit{
					level:      entry.depth + 1,
					method:     methodCurrentAPI,
					status:     statusActive,
					nodeWallet: hop.counterparty,
					hopChain:   entry.chain,
					hopTxids:   append(append([]string{}, entry.txids...), hop.txid),
					node:       &d,
				}, nil
			}

			if e.cfg.HistoricalDetection.Enabled {
				cb := e.coinbaseCheck(ctx, hop.counterparty, histFrom, event.BlockHeight)
				if cb.Found {
					cbCopy := cb
					return &detectionHit{
						level:      entry.depth + 1,
						method:     methodHistoricalCoinbase,
						status:     statusHistorical,
						nodeWallet: hop.counterparty,
						hopChain:   entry.chain,
						hopTxids:   append(append([]string{}, entry.txids...), hop.txid),
						coinbase:   &cbCopy,
					}, nil
				}
			}

			if entry.depth+1 < maxHops {
				visited[hop.counterparty] = true
				queue = append(queue, bfsEntry{
					wallet:   hop.counterparty,
					depth:    entry.depth + 1,
					chain:    append(append([]string{}, entry.chain...), hop.counterparty),
					txids:    append(append([]string{}, entry.txids...), hop.txid),
					refBlock: hop.block,
					refTime:  hop.timestamp,
				})
			}
		}
	}

	// The traversal exhausted its bounds. If every expansion failed on
	// upstream errors, surface that so the event is not cooled down.
	return nil, firstErr
}

type hopCandidate struct {
	counterparty string
	txid         string
	block        int64
	timestamp    int64
}

// nextHops finds the wallet's candidate hop transactions and their
// counterparties. Outbound: the earliest sent transactions strictly
// after the reference point. Inbound: the most recent received
// transactions strictly before it. Branching is capped per wallet.
func (e *Engine) nextHops(ctx context.Context, entry bfsEntry, dir direction, window int64, maxBranches int) ([]hopCandidate, error) {
	txs, err := e.walletTransactions(ctx, entry.wallet)
	if err != nil {
		return nil, err
	}

	candidates := make([]hopCandidate, 0, maxBranches)

	if dir == directionOutbound {
		// History is chronological; walk forward for the next sends.
		for _, wtx := range txs {
			if len(candidates) >= maxBranches {
				break
			}
			if wtx.Direction != indexer.DirectionSent || wtx.IsCoinbase {
				continue
			}
			if !after(wtx, entry.refBlock, entry.refTime) {
				continue
			}
			if window > 0 && wtx.BlockHeight > entry.refBlock+window {
				break
			}
			cp := e.counterpartyOf(ctx, wtx.Txid, entry.wallet, dir)
			if cp == "" {
				continue
			}
			candidates = append(candidates, hopCandidate{
				counterparty: cp,
				txid:         wtx.Txid,
				block:        wtx.BlockHeight,
				timestamp:    wtx.Timestamp,
			})
		}
		return candidates, nil
	}

	// Inbound: walk backward for the most recent receipts.
	for i := len(txs) - 1; i >= 0; i-- {
		wtx := txs[i]
		if len(candidates) >= maxBranches {
			break
		}
		if wtx.Direction != indexer.DirectionReceived || wtx.IsCoinbase {
			continue
		}
		if !before(wtx, entry.refBlock, entry.refTime) {
			continue
		}
		if window > 0 && wtx.BlockHeight < entry.refBlock-window {
			break
		}
		cp := e.counterpartyOf(ctx, wtx.Txid, entry.wallet, dir)
		if cp == "" {
			continue
		}
		candidates = append(candidates, hopCandidate{
			counterparty: cp,
			txid:         wtx.Txid,
			block:        wtx.BlockHeight,
			timestamp:    wtx.Timestamp,
		})
	}
	return candidates, nil
}

func after(wtx indexer.WalletTx, refBlock, refTime int64) bool {
	if wtx.BlockHeight != refBlock {
		return wtx.BlockHeight > refBlock
	}
	return wtx.Timestamp > refTime
}

func before(wtx indexer.WalletTx, refBlock, refTime int64) bool {
	if wtx.BlockHeight != refBlock {
		return wtx.BlockHeight < refBlock
	}
	return wtx.Timestamp < refTime
}
