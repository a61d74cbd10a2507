package models

import "encoding/json"

// Detail payloads are heterogeneous: a flow event side can carry exchange
// metadata, node-operator tier counts, or enhancement evidence depending on
// how the address was classified. They are persisted as self-describing
// JSON so columns never need schema migrations when a payload grows.

// ExchangeDetails identifies a known exchange address.
type ExchangeDetails struct {
	Name string `json:"name"`
	Logo string `json:"logo,omitempty"`
}

// FoundationDetails identifies a foundation-controlled address.
type FoundationDetails struct {
	Name string `json:"name"`
}

// TierCounts holds per-tier node counts for an operator wallet.
type TierCounts struct {
	Cumulus int `json:"CUMULUS"`
	Nimbus  int `json:"NIMBUS"`
	Stratus int `json:"STRATUS"`
}

// NodeDetails describes a currently registered node operator.
type NodeDetails struct {
	NodeCount int        `json:"node_count"`
	Tiers     TierCounts `json:"tiers"`
}

// EnhancedNodeDetails is attached by the enhancement engine when an
// unknown wallet resolves to a node operator, directly or through hops.
type EnhancedNodeDetails struct {
	NodeWallet        string      `json:"nodeWallet"`
	DetectionMethod   string      `json:"detectionMethod"` // current_api / historical_coinbase / historical_connection
	Status            string      `json:"status"`          // active / historical
	HopCount          int         `json:"hopCount"`
	IntermediaryTxids []string    `json:"intermediaryTxids,omitempty"`
	NodeCount         int         `json:"node_count,omitempty"`
	Tiers             *TierCounts `json:"tiers,omitempty"`
	DaysInactive      float64     `json:"daysInactive,omitempty"`
	CoinbaseCount     int         `json:"coinbaseCount,omitempty"`
	LastBlock         int64       `json:"lastBlock,omitempty"`
}

// HistoricalConnectionDetails records a Level 0 link between the observed
// wallet and a wallet that is, or historically was, a node operator.
type HistoricalConnectionDetails struct {
	NodeWallet      string  `json:"nodeWallet"`
	DetectionMethod string  `json:"detectionMethod"`
	ConnectionTxid  string  `json:"connectionTxid"`
	DaysAgo         float64 `json:"daysAgo"`
	CoinbaseCount   int     `json:"coinbaseCount,omitempty"`
}

// MarshalDetails encodes a detail payload, returning nil for nil input so
// empty columns stay NULL instead of holding "null".
func MarshalDetails(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
