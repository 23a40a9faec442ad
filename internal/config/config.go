// Package config loads the server configuration from a YAML file, a .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Modes the server can run in.
const (
	ModeLocal = "local"
	ModeChain = "chain"
)

// Config represents the complete server configuration
type Config struct {
	Mode    string        `yaml:"mode"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Local   LocalConfig   `yaml:"local"`
	Chain   ChainConfig   `yaml:"chain"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Session SessionConfig `yaml:"session"`
	Auth    AuthConfig    `yaml:"auth"`
	Relay   RelayConfig   `yaml:"relay"`
}

// ServerConfig contains server-specific settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ChargeOnSuccess bool          `yaml:"charge_on_success"`
	MCPEnabled      bool          `yaml:"mcp_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LocalConfig configures the in-process network.
type LocalConfig struct {
	// Owner operates the ledger and receives payments.
	Owner string `yaml:"owner"`

	// Fund mints test tokens to accounts at startup, in atomic units.
	Fund map[string]string `yaml:"fund"`
}

// ChainConfig configures a deployed ledger and processor.
type ChainConfig struct {
	Network          string `yaml:"network"`
	RPCURL           string `yaml:"rpc_url"`
	LedgerAddress    string `yaml:"ledger_address"`
	ProcessorAddress string `yaml:"processor_address"`
	Receiver         string `yaml:"receiver"`
	RelayerKey       string `yaml:"relayer_key"`

	// MinRelayerBalance is the relayer's gas floor in wei.
	MinRelayerBalance string `yaml:"min_relayer_balance"`
}

// StorageConfig selects the local ledger store. In chain mode only the
// redemption set is kept there.
type StorageConfig struct {
	// Driver is "memory", "sqlite3" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables shared redemption and lock state across replicas.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// SessionConfig enables bearer sessions issued by POST /session.
type SessionConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// AuthConfig tunes wallet proof verification.
type AuthConfig struct {
	ProofMaxAge time.Duration `yaml:"proof_max_age"`
	ClockSkew   time.Duration `yaml:"clock_skew"`
}

// RelayConfig tunes challenges and settlement.
type RelayConfig struct {
	ChallengeTTL  time.Duration `yaml:"challenge_ttl"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// LoadDotEnv loads variables from .env files into the environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Load reads configuration from file and environment variables. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

// Override with environment variables
func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Mode, "X402_MODE")
	setString(&c.Server.Addr, "X402_ADDR")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Local.Owner, "X402_OWNER")
	setString(&c.Chain.Network, "X402_NETWORK")
	setString(&c.Chain.RPCURL, "X402_RPC_URL")
	setString(&c.Chain.LedgerAddress, "X402_LEDGER_ADDRESS")
	setString(&c.Chain.ProcessorAddress, "X402_PROCESSOR_ADDRESS")
	setString(&c.Chain.Receiver, "X402_RECEIVER")
	setString(&c.Chain.RelayerKey, "RELAYER_PRIVATE_KEY")
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.DSN, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Session.Secret, "SESSION_SECRET")

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{"REDIS_DB must be an integer"}
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("X402_MCP_ENABLED"); v != "" {
		c.Server.MCPEnabled = v == "true"
	}
	if v := os.Getenv("X402_CHARGE_ON_SUCCESS"); v != "" {
		c.Server.ChargeOnSuccess = v == "true"
	}
	return nil
}

// Set defaults
func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Local.Owner == "" {
		c.Local.Owner = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	}
	if c.Chain.Network == "" {
		c.Chain.Network = x402.NetworkBaseSepolia
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "x402"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 30 * time.Second
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Auth.ProofMaxAge == 0 {
		c.Auth.ProofMaxAge = 5 * time.Minute
	}
	if c.Relay.VerifyTimeout == 0 {
		c.Relay.VerifyTimeout = x402.DefaultTimeouts.VerifyTimeout
	}
	if c.Relay.SettleTimeout == 0 {
		c.Relay.SettleTimeout = x402.DefaultTimeouts.SettleTimeout
	}
}

// Timeouts returns the payment timeouts the relay runs with.
func (c *Config) Timeouts() x402.TimeoutConfig {
	return x402.DefaultTimeouts.
		WithVerifyTimeout(c.Relay.VerifyTimeout).
		WithSettleTimeout(c.Relay.SettleTimeout)
}

// MinRelayerBalance parses the configured gas floor, or returns nil to use
// the relay's default.
func (c *Config) MinRelayerBalance() (*big.Int, error) {
	if c.Chain.MinRelayerBalance == "" {
		return nil, nil
	}
	wei, ok := new(big.Int).SetString(c.Chain.MinRelayerBalance, 10)
	if !ok || wei.Sign() < 0 {
		return nil, ErrInvalidRelayerBalance
	}
	return wei, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
		if !common.IsHexAddress(c.Local.Owner) {
			return ErrInvalidOwner
		}
		for addr, amount := range c.Local.Fund {
			if !common.IsHexAddress(addr) {
				return &ConfigError{"invalid fund address " + addr}
			}
			if _, err := x402.ParseAtomic(amount); err != nil {
				return &ConfigError{"invalid fund amount for " + addr}
			}
		}
	case ModeChain:
		if c.Chain.RPCURL == "" {
			return ErrMissingRPCURL
		}
		if err := x402.ValidateNetwork(c.Chain.Network); err != nil {
			return &ConfigError{"unsupported network " + c.Chain.Network}
		}
		for _, addr := range []string{c.Chain.LedgerAddress, c.Chain.ProcessorAddress, c.Chain.Receiver} {
			if !common.IsHexAddress(addr) {
				return ErrMissingContract
			}
		}
		if c.Chain.RelayerKey == "" {
			return ErrMissingRelayerKey
		}
		if _, err := c.MinRelayerBalance(); err != nil {
			return err
		}
		// The chain ledger outlives the process; so must the redemption set.
		if c.Redis.Addr == "" && c.Storage.Driver == "memory" {
			return ErrVolatileRedemptions
		}
	default:
		return ErrUnknownMode
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.Storage.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return ErrUnknownDriver
	}

	if c.Session.Secret != "" && len(c.Session.Secret) < 32 {
		return ErrShortSessionSecret
	}
	if err := c.Timeouts().Validate(); err != nil {
		return &ConfigError{err.Error()}
	}
	return nil
}

// Errors
var (
	ErrUnknownMode           = &ConfigError{"mode must be local or chain"}
	ErrInvalidOwner          = &ConfigError{"local owner must be an address"}
	ErrUnknownDriver         = &ConfigError{"storage driver must be memory, sqlite3 or postgres"}
	ErrMissingDSN            = &ConfigError{"storage dsn is required"}
	ErrMissingRPCURL         = &ConfigError{"chain rpc url is required"}
	ErrMissingContract       = &ConfigError{"ledger, processor and receiver addresses are required"}
	ErrMissingRelayerKey     = &ConfigError{"relayer private key is required"}
	ErrInvalidRelayerBalance = &ConfigError{"min relayer balance must be a non-negative integer"}
	ErrShortSessionSecret    = &ConfigError{"session secret must be at least 32 bytes"}
	ErrVolatileRedemptions   = &ConfigError{"chain mode needs redis or a sql storage driver to keep redemptions"}
)

// ConfigError represents a configuration error
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Message
}
