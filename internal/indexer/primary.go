package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// PrimarySource speaks the private local indexer's /api/v1 protocol. It
// is the aggressive source: big batches, high concurrency, no rate
// limiting. The block endpoint includes a per-tx kind summary, which lets
// the pipeline discard coinbase and node-confirmation transactions before
// fetching anything else.
type PrimarySource struct {
	baseURL string
	client  *http.Client
}

func NewPrimarySource(baseURL string, timeout time.Duration) *PrimarySource {
	return &PrimarySource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *PrimarySource) Name() string { return "primary" }

func (p *PrimarySource) ChainHeight(ctx context.Context) (int64, error) {
	// /status and /blocks/latest have both carried the tip over time,
	// in different JSON positions. Probe both.
	for _, path := range []string{"/api/v1/status", "/api/v1/blocks/latest"} {
		raw, err := p.getJSON(ctx, path)
		if err != nil {
			continue
		}
		if h, ok := probeHeight(raw); ok {
			return h, nil
		}
	}
	return 0, fmt.Errorf("primary: chain height not found in status or latest-block payloads")
}

// primaryBlock mirrors the upstream /api/v1/blocks/{height} shape.
type primaryBlock struct {
	Height    int64    `json:"height"`
	Hash      string   `json:"hash"`
	Time      int64    `json:"time"`
	Size      int      `json:"size"`
	Tx        []string `json:"tx"`
	TxDetails []struct {
		Txid string          `json:"txid"`
		Kind string          `json:"kind"`
		Vin  []primaryInput  `json:"vin"`
		Vout []primaryOutput `json:"vout"`
	} `json:"txDetails"`
}

type primaryInput struct {
	Txid      string   `json:"txid"`
	Vout      int      `json:"vout"`
	Addresses []string `json:"addresses"`
	Addr      string   `json:"addr"`
	Value     satoshis `json:"value"`
	Coinbase  string   `json:"coinbase"`
}

type primaryOutput struct {
	N            int      `json:"n"`
	Value        satoshis `json:"value"`
	Addresses    []string `json:"addresses"`
	ScriptPubKey struct {
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
}

func (p *PrimarySource) GetBlock(ctx context.Context, height int64) (*Block, error) {
	raw, err := p.getJSON(ctx, fmt.Sprintf("/api/v1/blocks/%d", height))
	if err != nil {
		return nil, err
	}

	var pb primaryBlock
	if err := json.Unmarshal(raw, &pb); err != nil {
		return nil, fmt.Errorf("primary: decode block %d: %w", height, err)
	}
	if pb.Height == 0 {
		pb.Height = height
	}

	block := &Block{
		Height: pb.Height,
		Hash:   pb.Hash,
		Time:   pb.Time,
		Size:   pb.Size,
	}
	for _, td := range pb.TxDetails {
		block.Txs = append(block.Txs, Tx{
			Txid: td.Txid,
			Kind: td.Kind,
			Vin:  normalizeInputs(td.Vin),
			Vout: normalizeOutputs(td.Vout),
		})
	}
	// Older deployments return only txids; expose them kindless so the
	// caller can decide whether to fetch bodies.
	if len(block.Txs) == 0 {
		for _, txid := range pb.Tx {
			block.Txs = append(block.Txs, Tx{Txid: txid})
		}
	}
	return block, nil
}

func (p *PrimarySource) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	raw, err := p.getJSON(ctx, "/api/v1/transactions/"+url.PathEscape(txid))
	if err != nil {
		return nil, err
	}

	var pt struct {
		Txid string          `json:"txid"`
		Kind string          `json:"kind"`
		Vin  []primaryInput  `json:"vin"`
		Vout []primaryOutput `json:"vout"`
	}
	if err := json.Unmarshal(raw, &pt); err != nil {
		return nil, fmt.Errorf("primary: decode tx %s: %w", txid, err)
	}
	if pt.Txid == "" {
		pt.Txid = txid
	}
	return &Tx{
		Txid: pt.Txid,
		Kind: pt.Kind,
		Vin:  normalizeInputs(pt.Vin),
		Vout: normalizeOutputs(pt.Vout),
	}, nil
}

func (p *PrimarySource) GetAddressTransactions(ctx context.Context, addr string) ([]WalletTx, error) {
	raw, err := p.getJSON(ctx, "/api/v1/addresses/"+url.PathEscape(addr)+"/transactions")
	if err != nil {
		return nil, err
	}

	var list []WalletTx
	if err := json.Unmarshal(raw, &list); err != nil {
		// Some deployments wrap the list.
		var wrapped struct {
			Transactions []WalletTx `json:"transactions"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("primary: decode address txs for %s: %w", addr, err)
		}
		list = wrapped.Transactions
	}
	return list, nil
}

func (p *PrimarySource) getJSON(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("primary %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode, URL: path}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("primary %s: read body: %w", path, err)
	}
	return body, nil
}

// normalizeInputs lifts addresses into the normalized slot and marks
// coinbase inputs.
func normalizeInputs(in []primaryInput) []Vin {
	out := make([]Vin, 0, len(in))
	for _, v := range in {
		addrs := v.Addresses
		if len(addrs) == 0 && v.Addr != "" {
			addrs = []string{v.Addr}
		}
		out = append(out, Vin{
			Txid:      v.Txid,
			Vout:      v.Vout,
			Addresses: addrs,
			Value:     int64(v.Value),
			Coinbase:  v.Coinbase != "",
		})
	}
	return out
}

// normalizeOutputs lifts scriptPubKey.addresses to the top level.
func normalizeOutputs(in []primaryOutput) []Vout {
	out := make([]Vout, 0, len(in))
	for i, v := range in {
		n := v.N
		if n == 0 && i > 0 {
			n = i
		}
		addrs := v.Addresses
		if len(addrs) == 0 {
			addrs = v.ScriptPubKey.Addresses
		}
		out = append(out, Vout{
			N:         n,
			Value:     int64(v.Value),
			Addresses: addrs,
		})
	}
	return out
}

// HTTPError carries the status code so callers can special-case 429.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d for %s", e.Status, e.URL)
}

// IsRateLimited reports whether err is an HTTP 429 from upstream.
func IsRateLimited(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusTooManyRequests
}
