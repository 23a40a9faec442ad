package x402

import (
	"errors"
	"testing"
)

func TestChainConfigs(t *testing.T) {
	tests := []struct {
		name    string
		config  ChainConfig
		chainID int64
	}{
		{"BaseMainnet", BaseMainnet, 8453},
		{"PolygonMainnet", PolygonMainnet, 137},
		{"AvalancheMainnet", AvalancheMainnet, 43114},
		{"EthereumMainnet", EthereumMainnet, 1},
		{"BaseSepolia", BaseSepolia, 84532},
		{"PolygonAmoy", PolygonAmoy, 80002},
		{"AvalancheFuji", AvalancheFuji, 43113},
		{"Sepolia", Sepolia, 11155111},
		{"LocalChain", LocalChain, 31337},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.USDCAddress == "" {
				t.Error("USDCAddress should not be empty")
			}
			if tt.config.Decimals != 6 {
				t.Errorf("Decimals = %d; want 6", tt.config.Decimals)
			}
			if tt.config.EIP3009Name == "" || tt.config.EIP3009Version == "" {
				t.Error("EIP-3009 domain parameters should be set")
			}
			if got := tt.config.ChainID().Int64(); got != tt.chainID {
				t.Errorf("ChainID() = %d; want %d", got, tt.chainID)
			}

			found, err := GetChainConfig(tt.config.Network)
			if err != nil {
				t.Fatalf("GetChainConfig() error = %v", err)
			}
			if found != tt.config {
				t.Errorf("GetChainConfig() = %+v; want %+v", found, tt.config)
			}
		})
	}
}

func TestGetChainConfigUnknown(t *testing.T) {
	if _, err := GetChainConfig("eip155:999999"); !errors.Is(err, ErrInvalidNetwork) {
		t.Errorf("error = %v; want ErrInvalidNetwork", err)
	}
}

func TestValidateNetwork(t *testing.T) {
	tests := []struct {
		network string
		wantErr bool
	}{
		{NetworkBase, false},
		{"eip155:31337", false},
		{"", true},
		{"base", true},
		{"eip155:", true},
		{"eip155:abc", true},
		{"eip155:-1", true},
		{"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", true},
	}

	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			err := ValidateNetwork(tt.network)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNetwork(%q) error = %v, wantErr %v", tt.network, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidNetwork) {
				t.Errorf("error should wrap ErrInvalidNetwork, got %v", err)
			}
		})
	}
}
