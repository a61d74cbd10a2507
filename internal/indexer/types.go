package indexer

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Transaction kinds reported inline by the primary source. Only transfers
// are relevant to flow extraction; coinbase and node-confirmation
// transactions are dropped before any full fetch happens.
const (
	KindTransfer = "transfer"
	KindCoinbase = "coinbase"
)

// Wallet transaction directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Block is the normalized block shape every source must produce.
type Block struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
	Time   int64  `json:"time"`
	Size   int    `json:"size"`
	Txs    []Tx   `json:"txs"`
}

// Tx is a normalized transaction. Kind may be empty when the source does
// not expose an inline summary.
type Tx struct {
	Txid string `json:"txid"`
	Kind string `json:"kind,omitempty"`
	Vin  []Vin  `json:"vin"`
	Vout []Vout `json:"vout"`
}

// Vin is a normalized input. Addresses are resolved by the source when
// the upstream exposes them inline.
type Vin struct {
	Txid      string   `json:"txid,omitempty"`
	Vout      int      `json:"vout"`
	Addresses []string `json:"addresses,omitempty"`
	Value     int64    `json:"value"` // satoshis
	Coinbase  bool     `json:"coinbase,omitempty"`
}

// Vout is a normalized output. Addresses nested under
// scriptPubKey.addresses upstream are lifted here during normalization.
type Vout struct {
	N         int      `json:"n"`
	Value     int64    `json:"value"` // satoshis
	Addresses []string `json:"addresses,omitempty"`
}

// WalletTx is one entry of an address's chronological history.
type WalletTx struct {
	Txid        string `json:"txid"`
	BlockHeight int64  `json:"blockHeight"`
	Timestamp   int64  `json:"timestamp"`
	Direction   string `json:"direction"` // sent / received
	IsCoinbase  bool   `json:"isCoinbase"`
}

// Source is the capability set both upstream implementations satisfy.
// Source-specific throughput knobs live beside the implementation, not
// inside callers.
type Source interface {
	Name() string
	ChainHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, height int64) (*Block, error)
	GetTransaction(ctx context.Context, txid string) (*Tx, error)
	GetAddressTransactions(ctx context.Context, addr string) ([]WalletTx, error)
}

// satoshis tolerates the three numeric encodings seen upstream: plain
// integers, floats, and decimal strings.
type satoshis int64

func (s *satoshis) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	if n, err := strconv.ParseInt(str, 10, 64); err == nil {
		*s = satoshis(n)
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return err
	}
	*s = satoshis(f)
	return nil
}

// probeHeight digs a chain height out of whichever of the known JSON
// positions the status payload uses.
func probeHeight(raw json.RawMessage) (int64, bool) {
	var flat struct {
		Height      int64 `json:"height"`
		Blocks      int64 `json:"blocks"`
		BlockHeight int64 `json:"blockHeight"`
		BestHeight  int64 `json:"bestHeight"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil {
		for _, h := range []int64{flat.Height, flat.Blocks, flat.BlockHeight, flat.BestHeight} {
			if h > 0 {
				return h, true
			}
		}
	}

	var nested struct {
		Data    json.RawMessage `json:"data"`
		Status  json.RawMessage `json:"status"`
		Backend json.RawMessage `json:"backend"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		for _, inner := range []json.RawMessage{nested.Data, nested.Status, nested.Backend} {
			if len(inner) == 0 {
				continue
			}
			if h, ok := probeHeight(inner); ok {
				return h, true
			}
		}
	}
	return 0, false
}
