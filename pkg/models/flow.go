package models

import "encoding/json"

// AddressType is the classification of an on-chain address.
type AddressType string

const (
	AddressExchange     AddressType = "exchange"
	AddressFoundation   AddressType = "foundation"
	AddressNodeOperator AddressType = "node_operator"
	AddressUnknown      AddressType = "unknown"
)

// FlowType describes the direction of value relative to exchanges.
type FlowType string

const (
	FlowBuying  FlowType = "buying"
	FlowSelling FlowType = "selling"
	FlowP2P     FlowType = "p2p"
)

// DataSource records which subsystem last wrote a flow event.
type DataSource string

const (
	SourceSync     DataSource = "sync"
	SourceEnhanced DataSource = "enhanced"
)

// ClassifyFlow derives the flow type from the two sides of a transfer.
// An exchange on the input side and not on the output side is a buy
// (funds leaving the exchange); the mirror case is a sell; everything
// else, including exchange-to-exchange, is p2p.
func ClassifyFlow(from, to AddressType) FlowType {
	switch {
	case from == AddressExchange && to != AddressExchange:
		return FlowBuying
	case to == AddressExchange && from != AddressExchange:
		return FlowSelling
	default:
		return FlowP2P
	}
}

// Classification pairs an address type with its side-car details.
type Classification struct {
	Type    AddressType     `json:"type"`
	Details json.RawMessage `json:"details,omitempty"`
}

// FlowEvent is one (txid, vout) pair whose transaction touches at least
// one classified address. It is created by the ingestion pipeline at
// classification level 0 and may later be rewritten in place by the
// enhancement engine.
type FlowEvent struct {
	ID          int64  `json:"id"`
	Txid        string `json:"txid"`
	Vout        int    `json:"vout"`
	BlockHeight int64  `json:"blockHeight"`
	BlockTime   int64  `json:"blockTime"`

	FromAddress string          `json:"fromAddress"`
	FromType    AddressType     `json:"fromType"`
	FromDetails json.RawMessage `json:"fromDetails,omitempty"`
	ToAddress   string          `json:"toAddress"`
	ToType      AddressType     `json:"toType"`
	ToDetails   json.RawMessage `json:"toDetails,omitempty"`

	FlowType FlowType `json:"flowType"`
	Amount   float64  `json:"amount"` // whole coins, vout value / 1e8

	ClassificationLevel int        `json:"classificationLevel"`
	IntermediaryWallet  string     `json:"intermediaryWallet,omitempty"`
	HopChain            []string   `json:"hopChain,omitempty"`
	AnalysisTimestamp   int64      `json:"analysisTimestamp,omitempty"` // epoch seconds, 0 = never analyzed
	DataSource          DataSource `json:"dataSource"`
}

// ClassificationPatch is a partial update applied to a flow event by the
// enhancement engine. Nil pointer fields are left untouched.
type ClassificationPatch struct {
	ClassificationLevel *int
	IntermediaryWallet  *string
	HopChain            []string
	AnalysisTimestamp   *int64
	DataSource          *DataSource
	FromType            *AddressType
	FromDetails         json.RawMessage
	ToType              *AddressType
	ToDetails           json.RawMessage
}

// Block is a chain block as stored, keyed by height.
type Block struct {
	Height  int64  `json:"height"`
	Hash    string `json:"hash"`
	Time    int64  `json:"time"`
	TxCount int    `json:"txCount"`
	Size    int    `json:"size"`
}

// Transaction is the stored aggregate view of a chain transaction.
type Transaction struct {
	Txid        string  `json:"txid"`
	BlockHeight int64   `json:"blockHeight"`
	NumInputs   int     `json:"numInputs"`
	NumOutputs  int     `json:"numOutputs"`
	TotalIn     float64 `json:"totalIn"`
	TotalOut    float64 `json:"totalOut"`
}
