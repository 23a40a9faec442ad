package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeLocal || cfg.Server.Addr != ":8080" || cfg.Storage.Driver != "memory" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Session.TTL != 24*time.Hour || cfg.Redis.Prefix != "x402" {
		t.Errorf("session/redis defaults = %+v %+v", cfg.Session, cfg.Redis)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mode: chain
server:
  addr: ":9000"
  read_timeout: 5s
chain:
  rpc_url: http://localhost:8545
  ledger_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  processor_address: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
  receiver: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
  min_relayer_balance: "5000"
redis:
  addr: localhost:6379
`)
	t.Setenv("RELAYER_PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("X402_ADDR", ":9100")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Redis.DB != 3 || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	wei, err := cfg.MinRelayerBalance()
	if err != nil || wei.Int64() != 5000 {
		t.Errorf("MinRelayerBalance() = %v, %v", wei, err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "bad.yaml", "server: [")); err == nil {
		t.Error("expected error for invalid yaml")
	}
	t.Setenv("REDIS_DB", "zero")
	var cfgErr *ConfigError
	if _, err := Load(""); !errors.As(err, &cfgErr) {
		t.Errorf("Load() = %v, want ConfigError", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown mode", func(c *Config) { c.Mode = "cloud" }, ErrUnknownMode},
		{"bad owner", func(c *Config) { c.Local.Owner = "alice" }, ErrInvalidOwner},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, ErrUnknownDriver},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = "sqlite3" }, ErrMissingDSN},
		{"short session secret", func(c *Config) { c.Session.Secret = "short" }, ErrShortSessionSecret},
		{"chain without rpc", func(c *Config) { c.Mode = ModeChain }, ErrMissingRPCURL},
		{"chain without contracts", func(c *Config) {
			c.Mode = ModeChain
			c.Chain.RPCURL = "http://localhost:8545"
		}, ErrMissingContract},
		{"chain without key", func(c *Config) {
			c.Mode = ModeChain
			c.Chain.RPCURL = "http://localhost:8545"
			c.Chain.LedgerAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
			c.Chain.ProcessorAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
			c.Chain.Receiver = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
		}, ErrMissingRelayerKey},
		{"chain with volatile redemptions", func(c *Config) {
			c.Mode = ModeChain
			c.Chain.RPCURL = "http://localhost:8545"
			c.Chain.LedgerAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
			c.Chain.ProcessorAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
			c.Chain.Receiver = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
			c.Chain.RelayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
		}, ErrVolatileRedemptions},
		{"chain with sqlite redemptions", func(c *Config) {
			c.Mode = ModeChain
			c.Chain.RPCURL = "http://localhost:8545"
			c.Chain.LedgerAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
			c.Chain.ProcessorAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
			c.Chain.Receiver = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
			c.Chain.RelayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
			c.Storage.Driver = "sqlite3"
			c.Storage.DSN = "redemptions.db"
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateFundAmounts(t *testing.T) {
	cfg, _ := Load("")
	cfg.Local.Fund = map[string]string{"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266": "-1"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative fund amount")
	}
	cfg.Local.Fund = map[string]string{"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266": "1000000"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "X402_TEST_DOTENV=from-file\n")
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"), path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("X402_TEST_DOTENV") })
	if got := os.Getenv("X402_TEST_DOTENV"); got != "from-file" {
		t.Errorf("X402_TEST_DOTENV = %q", got)
	}
}
