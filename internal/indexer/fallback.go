package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// FallbackSource speaks the public explorer's blockbook-style /api/v2
// protocol. It is the conservative source: small batches, low
// concurrency, mandatory delays, exponential backoff on 429.
type FallbackSource struct {
	baseURL string
	client  *http.Client
}

func NewFallbackSource(baseURL string, timeout time.Duration) *FallbackSource {
	return &FallbackSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *FallbackSource) Name() string { return "fallback" }

func (f *FallbackSource) ChainHeight(ctx context.Context) (int64, error) {
	raw, err := f.getJSON(ctx, "/api/v2")
	if err != nil {
		return 0, err
	}
	if h, ok := probeHeight(raw); ok {
		return h, nil
	}
	return 0, fmt.Errorf("fallback: chain height not found in status payload")
}

// fallbackTx mirrors the blockbook tx shape. Values are decimal strings
// in satoshis; output addresses arrive either flat or nested under
// scriptPubKey.
type fallbackTx struct {
	Txid string `json:"txid"`
	Vin  []struct {
		Txid      string   `json:"txid"`
		Vout      int      `json:"vout"`
		Addresses []string `json:"addresses"`
		Value     satoshis `json:"value"`
		IsAddress bool     `json:"isAddress"`
		Coinbase  string   `json:"coinbase"`
	} `json:"vin"`
	Vout []struct {
		N            int      `json:"n"`
		Value        satoshis `json:"value"`
		Addresses    []string `json:"addresses"`
		ScriptPubKey struct {
			Addresses []string `json:"addresses"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
	BlockHeight int64 `json:"blockHeight"`
	BlockTime   int64 `json:"blockTime"`
}

func (t fallbackTx) normalize() Tx {
	tx := Tx{Txid: t.Txid}
	for _, v := range t.Vin {
		tx.Vin = append(tx.Vin, Vin{
			Txid:      v.Txid,
			Vout:      v.Vout,
			Addresses: v.Addresses,
			Value:     int64(v.Value),
			Coinbase:  v.Coinbase != "" || (v.Txid == "" && !v.IsAddress),
		})
	}
	for _, v := range t.Vout {
		addrs := v.Addresses
		if len(addrs) == 0 {
			addrs = v.ScriptPubKey.Addresses
		}
		tx.Vout = append(tx.Vout, Vout{N: v.N, Value: int64(v.Value), Addresses: addrs})
	}
	return tx
}

func (f *FallbackSource) GetBlock(ctx context.Context, height int64) (*Block, error) {
	raw, err := f.getJSON(ctx, fmt.Sprintf("/api/v2/block/%d", height))
	if err != nil {
		return nil, err
	}

	var fb struct {
		Height int64        `json:"height"`
		Hash   string       `json:"hash"`
		Time   int64        `json:"time"`
		Size   int          `json:"size"`
		Txs    []fallbackTx `json:"txs"`
	}
	if err := json.Unmarshal(raw, &fb); err != nil {
		return nil, fmt.Errorf("fallback: decode block %d: %w", height, err)
	}
	if fb.Height == 0 {
		fb.Height = height
	}

	block := &Block{Height: fb.Height, Hash: fb.Hash, Time: fb.Time, Size: fb.Size}
	for _, t := range fb.Txs {
		block.Txs = append(block.Txs, t.normalize())
	}
	return block, nil
}

func (f *FallbackSource) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	raw, err := f.getJSON(ctx, "/api/v2/tx/"+url.PathEscape(txid))
	if err != nil {
		return nil, err
	}
	var ft fallbackTx
	if err := json.Unmarshal(raw, &ft); err != nil {
		return nil, fmt.Errorf("fallback: decode tx %s: %w", txid, err)
	}
	if ft.Txid == "" {
		ft.Txid = txid
	}
	tx := ft.normalize()
	return &tx, nil
}

func (f *FallbackSource) GetAddressTransactions(ctx context.Context, addr string) ([]WalletTx, error) {
	raw, err := f.getJSON(ctx, "/api/v2/address/"+url.PathEscape(addr)+"?details=txs")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Address      string       `json:"address"`
		Transactions []fallbackTx `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("fallback: decode address txs for %s: %w", addr, err)
	}

	// Blockbook returns full bodies; reduce each to the wallet's own
	// perspective: direction and coinbase flag.
	list := make([]WalletTx, 0, len(resp.Transactions))
	for _, t := range resp.Transactions {
		wt := WalletTx{
			Txid:        t.Txid,
			BlockHeight: t.BlockHeight,
			Timestamp:   t.BlockTime,
			Direction:   DirectionReceived,
		}
		for _, in := range t.Vin {
			if in.Coinbase != "" || (in.Txid == "" && !in.IsAddress) {
				wt.IsCoinbase = true
			}
			for _, a := range in.Addresses {
				if a == addr {
					wt.Direction = DirectionSent
				}
			}
		}
		list = append(list, wt)
	}

	// Blockbook pages newest-first; callers expect chronological order.
	sort.Slice(list, func(i, j int) bool {
		if list[i].BlockHeight != list[j].BlockHeight {
			return list[i].BlockHeight < list[j].BlockHeight
		}
		return list[i].Timestamp < list[j].Timestamp
	})
	return list, nil
}

func (f *FallbackSource) getJSON(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fallback %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode, URL: path}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fallback %s: read body: %w", path, err)
	}
	return body, nil
}
