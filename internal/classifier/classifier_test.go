package classifier

import (
	"errors"
	"testing"
	"time"

	"github.com/rawblock/fluxflow-engine/pkg/models"
)

type fakeRegistry struct {
	nodes []RegistryNode
	err   error
	calls int
}

func (f *fakeRegistry) FetchNodes() ([]RegistryNode, error) {
	f.calls++
	return f.nodes, f.err
}

func newTestClassifier(registry RegistryFetcher) *Classifier {
	return NewFromSets(
		map[string]models.ExchangeDetails{
			"ex_kraken": {Name: "Kraken", Logo: "kraken.png"},
		},
		map[string]models.FoundationDetails{
			"found_1": {Name: "Flux Foundation"},
		},
		registry,
	)
}

func TestClassifyOrder(t *testing.T) {
	reg := &fakeRegistry{nodes: []RegistryNode{
		{PaymentAddress: "op_1", Tier: "CUMULUS"},
		// An operator address that is also listed as exchange must still
		// classify as exchange.
		{PaymentAddress: "ex_kraken", Tier: "STRATUS"},
	}}
	c := newTestClassifier(reg)
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	tests := []struct {
		name     string
		addr     string
		expected models.AddressType
	}{
		{"Exchange address", "ex_kraken", models.AddressExchange},
		{"Foundation address", "found_1", models.AddressFoundation},
		{"Node operator address", "op_1", models.AddressNodeOperator},
		{"Unknown address", "nobody", models.AddressUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.addr); got.Type != tt.expected {
				t.Errorf("Classify(%s).Type = %s, want %s", tt.addr, got.Type, tt.expected)
			}
		})
	}

	if got := c.Classify("nobody"); got.Details != nil {
		t.Errorf("unknown classification must carry no details, got %s", got.Details)
	}
}

func TestRefreshTierCounting(t *testing.T) {
	reg := &fakeRegistry{nodes: []RegistryNode{
		{PaymentAddress: "op_multi", Tier: "CUMULUS"},
		{PaymentAddress: "op_multi", Tier: "CUMULUS"},
		{PaymentAddress: "op_multi", Tier: "STRATUS"},
		{PaymentAddress: "op_single", Tier: "NIMBUS"},
		{PaymentAddress: "", Tier: "CUMULUS"}, // no payment address, dropped
	}}
	c := newTestClassifier(reg)
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if c.OperatorCount() != 2 {
		t.Fatalf("OperatorCount = %d, want 2", c.OperatorCount())
	}

	d, ok := c.IsNodeOperator("op_multi")
	if !ok {
		t.Fatal("op_multi should be an operator")
	}
	if d.NodeCount != 3 || d.Tiers.Cumulus != 2 || d.Tiers.Stratus != 1 || d.Tiers.Nimbus != 0 {
		t.Errorf("tier counts wrong: %+v", d)
	}
}

func TestRefreshFailOpen(t *testing.T) {
	reg := &fakeRegistry{nodes: []RegistryNode{{PaymentAddress: "op_1", Tier: "NIMBUS"}}}
	c := newTestClassifier(reg)
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Registry goes down: the previous snapshot must survive.
	reg.nodes = nil
	reg.err = errors.New("registry unreachable")
	if err := c.Refresh(); err == nil {
		t.Fatal("expected error from failing refresh")
	}

	if _, ok := c.IsNodeOperator("op_1"); !ok {
		t.Error("failed refresh dropped the previous operator set")
	}
}

func TestRefreshIfStale(t *testing.T) {
	reg := &fakeRegistry{}
	c := newTestClassifier(reg)

	// Never refreshed: must fetch.
	c.RefreshIfStale(10 * time.Minute)
	if reg.calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", reg.calls)
	}
	// Fresh snapshot: must not fetch again.
	c.RefreshIfStale(10 * time.Minute)
	if reg.calls != 1 {
		t.Errorf("fresh snapshot re-fetched, calls = %d", reg.calls)
	}
}

func TestDecodeRegistryShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"Uppercase wrapper", `{"FluxNodes":[{"payment_address":"a","tier":"CUMULUS"}]}`, 1, false},
		{"Lowercase wrapper", `{"fluxNodes":[{"payment_address":"a"},{"payment_address":"b"}]}`, 2, false},
		{"Bare array", `[{"payment_address":"a"}]`, 1, false},
		{"Garbage", `"nope"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes, err := decodeRegistry([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Error("expected decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeRegistry failed: %v", err)
			}
			if len(nodes) != tt.want {
				t.Errorf("decoded %d nodes, want %d", len(nodes), tt.want)
			}
		})
	}
}
