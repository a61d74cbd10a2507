package enhancer

import (
	"context"

	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/pkg/models"
)

// Detection method names. historical_coinbase covers every coinbase-based
// hit, Level 0 and BFS alike; there is deliberately no separate
// "coinbase" label.
const (
	methodCurrentAPI           = "current_api"
	methodHistoricalCoinbase   = "historical_coinbase"
	methodHistoricalConnection = "historical_connection"
)

const (
	statusActive     = "active"
	statusHistorical = "historical"
)

// connectionScanCap bounds how many recent counterparties a historical
// connection check inspects.
const connectionScanCap = 20

type direction string

const (
	directionOutbound direction = "outbound" // buys: follow money leaving the wallet
	directionInbound  direction = "inbound"  // sells: follow money that funded the wallet
)

// directHistorical is Lane A: Level 0 checks on the observed wallet.
// A hit here means the wallet itself is (or was) a node operator, with
// no intermediaries involved.
func (e *Engine) directHistorical(ctx context.Context, event models.FlowEvent, wallet string, dir direction) *detectionHit {
	window := e.cfg.HistoricalDetection.TimeWindowBlocks
	fromBlock := event.BlockHeight - window
	if fromBlock < 0 {
		fromBlock = 0
	}

	// 1. Coinbase receipts inside the window mean the wallet earned
	// block rewards, i.e. operated a node.
	cb := e.coinbaseCheck(ctx, wallet, fromBlock, event.BlockHeight)
	if cb.Found {
		cbCopy := cb
		return &detectionHit{
			level:      0,
			method:     methodHistoricalCoinbase,
			status:     statusHistorical,
			nodeWallet: wallet,
			coinbase:   &cbCopy,
		}
	}

	// 2. A recent transfer to/from a wallet that is, or was, an
	// operator.
	if e.cfg.HistoricalConnections.Enabled {
		conn := e.connectionCheck(ctx, event, wallet, dir, fromBlock)
		if conn.Found {
			connCopy := conn
			return &detectionHit{
				level:      0,
				method:     methodHistoricalConnection,
				status:     statusHistorical,
				nodeWallet: conn.NodeWallet,
				connection: &connCopy,
			}
		}
	}
	return nil
}

// coinbaseCheck scans the wallet's history for coinbase receipts within
// [fromBlock, toBlock]. Results, including negatives, are cached.
func (e *Engine) coinbaseCheck(ctx context.Context, wallet string, fromBlock, toBlock int64) CoinbaseCheck {
	if cached, ok := e.cache.Coinbase(wallet, fromBlock, toBlock); ok {
		return cached
	}

	result := CoinbaseCheck{}
	txs, err := e.walletTransactions(ctx, wallet)
	if err == nil {
		for _, tx := range txs {
			if !tx.IsCoinbase || tx.Direction != indexer.DirectionReceived {
				continue
			}
			if tx.BlockHeight < fromBlock || tx.BlockHeight > toBlock {
				continue
			}
			result.Found = true
			result.Count++
			if tx.BlockHeight > result.LastBlock {
				result.LastBlock = tx.BlockHeight
			}
		}
		if result.Found {
			result.DaysInactive = e.blocksToDays(toBlock - result.LastBlock)
		}
		e.cache.SetCoinbase(wallet, fromBlock, toBlock, result)
	}
	return result
}

// connectionCheck inspects the wallet's most recent counterparties (at
// most connectionScanCap, deduplicated) looking for one that is a
// current operator or has historical coinbase receipts. Short-circuits
// on the first hit.
func (e *Engine) connectionCheck(ctx context.Context, event models.FlowEvent, wallet string, dir direction, fromBlock int64) ConnectionCheck {
	if cached, ok := e.cache.Connection(wallet, string(dir), fromBlock); ok {
		return cached
	}

	result := ConnectionCheck{}
	txs, err := e.walletTransactions(ctx, wallet)
	if err != nil {
		return result
	}

	// Buys look at where the wallet sent funds; sells at who funded it.
	wantDirection := indexer.DirectionSent
	if dir == directionInbound {
		wantDirection = indexer.DirectionReceived
	}

	seen := map[string]bool{}
	inspected := 0
	// Histories are chronological; walk newest first.
	for i := len(txs) - 1; i >= 0 && inspected < connectionScanCap; i-- {
		wtx := txs[i]
		if wtx.Direction != wantDirection || wtx.IsCoinbase {
			continue
		}
		if wtx.BlockHeight < fromBlock || wtx.BlockHeight > event.BlockHeight {
			continue
		}

		counterparty := e.counterpartyOf(ctx, wtx.Txid, wallet, dir)
		if counterparty == "" || seen[counterparty] {
			continue
		}
		seen[counterparty] = true
		inspected++

		if _, ok := e.operatorStatus(counterparty); ok {
			result.Found = true
			result.NodeWallet = counterparty
			result.Method = methodHistoricalConnection
			result.ConnectionTxid = wtx.Txid
			result.DaysAgo = e.blocksToDays(event.BlockHeight - wtx.BlockHeight)
			break
		}

		cb := e.coinbaseCheck(ctx, counterparty, fromBlock, event.BlockHeight)
		if cb.Found {
			result.Found = true
			result.NodeWallet = counterparty
			result.Method = methodHistoricalConnection
			result.ConnectionTxid = wtx.Txid
			result.DaysAgo = e.blocksToDays(event.BlockHeight - wtx.BlockHeight)
			result.CoinbaseCount = cb.Count
			break
		}
	}

	e.cache.SetConnection(wallet, string(dir), fromBlock, result)
	return result
}

// operatorStatus resolves current node-operator membership through the
// cache; negative lookups are cached with the same TTL.
func (e *Engine) operatorStatus(addr string) (models.NodeDetails, bool) {
	if cached, ok := e.cache.Operator(addr); ok {
		if !cached.IsOperator {
			return models.NodeDetails{}, false
		}
		return models.NodeDetails{
			NodeCount: cached.NodeCount,
			Tiers: models.TierCounts{
				Cumulus: cached.Cumulus,
				Nimbus:  cached.Nimbus,
				Stratus: cached.Stratus,
			},
		}, true
	}

	details, ok := e.classifier.IsNodeOperator(addr)
	e.cache.SetOperator(addr, OperatorStatus{
		IsOperator: ok,
		NodeCount:  details.NodeCount,
		Cumulus:    details.Tiers.Cumulus,
		Nimbus:     details.Tiers.Nimbus,
		Stratus:    details.Tiers.Stratus,
	})
	return details, ok
}

// walletTransactions fetches an address history through the cache.
func (e *Engine) walletTransactions(ctx context.Context, addr string) ([]indexer.WalletTx, error) {
	if cached, ok := e.cache.WalletTxs(addr); ok {
		return cached, nil
	}
	txs, err := e.chain.GetAddressTransactions(ctx, addr)
	if err != nil {
		return nil, err
	}
	e.cache.SetWalletTxs(addr, txs)
	return txs, nil
}

// transactionBody fetches a full transaction through the cache.
func (e *Engine) transactionBody(ctx context.Context, txid string) (*indexer.Tx, error) {
	if cached, ok := e.cache.TxBody(txid); ok {
		return cached, nil
	}
	tx, err := e.chain.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	e.cache.SetTxBody(txid, tx)
	return tx, nil
}

// counterpartyOf extracts the other side of a transfer: the first output
// address that is not self for outbound flows, the first input address
// that is not self for inbound flows.
func (e *Engine) counterpartyOf(ctx context.Context, txid, self string, dir direction) string {
	tx, err := e.transactionBody(ctx, txid)
	if err != nil {
		return ""
	}
	if dir == directionOutbound {
		for _, out := range tx.Vout {
			for _, a := range out.Addresses {
				if a != "" && a != self {
					return a
				}
			}
		}
		return ""
	}
	for _, in := range tx.Vin {
		for _, a := range in.Addresses {
			if a != "" && a != self {
				return a
			}
		}
	}
	return ""
}

func (e *Engine) blocksToDays(blocks int64) float64 {
	if blocks < 0 {
		blocks = 0
	}
	return float64(blocks*e.blockTime) / 86400.0
}
