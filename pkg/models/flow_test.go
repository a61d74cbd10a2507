package models

import "testing"

func TestClassifyFlow(t *testing.T) {
	tests := []struct {
		name     string
		from     AddressType
		to       AddressType
		expected FlowType
	}{
		{"Exchange to unknown is buying", AddressExchange, AddressUnknown, FlowBuying},
		{"Exchange to node operator is buying", AddressExchange, AddressNodeOperator, FlowBuying},
		{"Exchange to foundation is buying", AddressExchange, AddressFoundation, FlowBuying},
		{"Unknown to exchange is selling", AddressUnknown, AddressExchange, FlowSelling},
		{"Node operator to exchange is selling", AddressNodeOperator, AddressExchange, FlowSelling},
		{"Exchange to exchange is p2p", AddressExchange, AddressExchange, FlowP2P},
		{"Unknown to unknown is p2p", AddressUnknown, AddressUnknown, FlowP2P},
		{"Foundation to node operator is p2p", AddressFoundation, AddressNodeOperator, FlowP2P},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFlow(tt.from, tt.to); got != tt.expected {
				t.Errorf("ClassifyFlow(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}
