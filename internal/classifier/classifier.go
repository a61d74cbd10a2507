package classifier

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/rawblock/fluxflow-engine/pkg/models"
)

// Classifier maps any address to {exchange, foundation, node_operator,
// unknown} in O(1). The exchange and foundation sets are loaded once at
// startup and never change; the node-operator set is replaced wholesale
// by Refresh via an atomic pointer swap, so concurrent Classify calls
// never observe a partially built map.
type Classifier struct {
	exchanges  map[string]models.ExchangeDetails
	foundation map[string]models.FoundationDetails

	operators   atomic.Pointer[operatorSet]
	registry    RegistryFetcher
	lastRefresh atomic.Int64 // unix seconds of last successful refresh
}

type operatorSet struct {
	byAddress map[string]models.NodeDetails
}

// RegistryFetcher fetches the raw node registry records.
type RegistryFetcher interface {
	FetchNodes() ([]RegistryNode, error)
}

// RegistryNode is one record from the node registry endpoint.
type RegistryNode struct {
	PaymentAddress string `json:"payment_address"`
	Tier           string `json:"tier"`
	Collateral     string `json:"collateral"`
}

// addressFile is the static exchange/foundation address list shape.
type addressFile struct {
	Exchanges []struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Logo    string `json:"logo"`
	} `json:"exchanges"`
	Foundation []struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"foundation"`
}

// New loads the static address sets from path and wires the registry
// fetcher. The operator set starts empty until the first Refresh.
func New(path string, registry RegistryFetcher) (*Classifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exchange address file: %w", err)
	}
	var file addressFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse exchange address file: %w", err)
	}

	c := &Classifier{
		exchanges:  make(map[string]models.ExchangeDetails, len(file.Exchanges)),
		foundation: make(map[string]models.FoundationDetails, len(file.Foundation)),
		registry:   registry,
	}
	for _, e := range file.Exchanges {
		c.exchanges[e.Address] = models.ExchangeDetails{Name: e.Name, Logo: e.Logo}
	}
	for _, f := range file.Foundation {
		c.foundation[f.Address] = models.FoundationDetails{Name: f.Name}
	}
	c.operators.Store(&operatorSet{byAddress: map[string]models.NodeDetails{}})

	log.Printf("[Classifier] Loaded %d exchange and %d foundation addresses", len(c.exchanges), len(c.foundation))
	return c, nil
}

// NewFromSets builds a classifier from in-memory sets. Test seam, also
// used by tooling that provides address lists without a file.
func NewFromSets(exchanges map[string]models.ExchangeDetails, foundation map[string]models.FoundationDetails, registry RegistryFetcher) *Classifier {
	c := &Classifier{
		exchanges:  exchanges,
		foundation: foundation,
		registry:   registry,
	}
	if c.exchanges == nil {
		c.exchanges = map[string]models.ExchangeDetails{}
	}
	if c.foundation == nil {
		c.foundation = map[string]models.FoundationDetails{}
	}
	c.operators.Store(&operatorSet{byAddress: map[string]models.NodeDetails{}})
	return c
}

// Classify resolves an address. Evaluation order is fixed: exchange,
// then foundation, then node operator, then unknown.
func (c *Classifier) Classify(addr string) models.Classification {
	if d, ok := c.exchanges[addr]; ok {
		return models.Classification{Type: models.AddressExchange, Details: models.MarshalDetails(d)}
	}
	if d, ok := c.foundation[addr]; ok {
		return models.Classification{Type: models.AddressFoundation, Details: models.MarshalDetails(d)}
	}
	if d, ok := c.operators.Load().byAddress[addr]; ok {
		return models.Classification{Type: models.AddressNodeOperator, Details: models.MarshalDetails(d)}
	}
	return models.Classification{Type: models.AddressUnknown}
}

// IsNodeOperator reports whether an address is in the current operator
// set, with its details. Used by the enhancement engine's BFS.
func (c *Classifier) IsNodeOperator(addr string) (models.NodeDetails, bool) {
	d, ok := c.operators.Load().byAddress[addr]
	return d, ok
}

// OperatorCount returns the number of distinct operator payment addresses.
func (c *Classifier) OperatorCount() int {
	return len(c.operators.Load().byAddress)
}

// Refresh replaces the node-operator set from the registry. Fail-open:
// on error the previous snapshot stays in place and the error is logged,
// never propagated to classification callers.
func (c *Classifier) Refresh() error {
	nodes, err := c.registry.FetchNodes()
	if err != nil {
		log.Printf("[Classifier] Node registry refresh failed, keeping previous snapshot: %v", err)
		return err
	}

	byAddress := make(map[string]models.NodeDetails)
	for _, n := range nodes {
		if n.PaymentAddress == "" {
			continue
		}
		d := byAddress[n.PaymentAddress]
		d.NodeCount++
		switch n.Tier {
		case "CUMULUS":
			d.Tiers.Cumulus++
		case "NIMBUS":
			d.Tiers.Nimbus++
		case "STRATUS":
			d.Tiers.Stratus++
		}
		byAddress[n.PaymentAddress] = d
	}

	c.operators.Store(&operatorSet{byAddress: byAddress})
	c.lastRefresh.Store(time.Now().Unix())
	log.Printf("[Classifier] Node registry refreshed: %d nodes across %d payment addresses", len(nodes), len(byAddress))
	return nil
}

// RefreshIfStale refreshes when the snapshot is older than maxAge.
func (c *Classifier) RefreshIfStale(maxAge time.Duration) {
	last := c.lastRefresh.Load()
	if last == 0 || time.Since(time.Unix(last, 0)) > maxAge {
		_ = c.Refresh()
	}
}
