// Package config defines all configuration for the arbitrage task execution
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Primary  VenueConfig    `mapstructure:"primary"`
	Hedge    VenueConfig    `mapstructure:"hedge"`
	Task     TaskConfig     `mapstructure:"task"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing orders on one venue.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds one venue's REST/WS endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty, the client derives
// them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	WSChainURL  string `mapstructure:"ws_chain_url"` // on-chain log subscription endpoint
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// VenueConfig bundles everything one venue (primary P or hedge H) needs to
// construct its exchange.Client: the wallet that signs its orders and the
// endpoints it talks to. The engine constructs two of these, never sharing
// state between them (§6 DOMAIN STACK: two-venue parameterization).
type VenueConfig struct {
	Label  string       `mapstructure:"label"` // "primary" or "hedge", used in logs/metrics
	Wallet WalletConfig `mapstructure:"wallet"`
	API    APIConfig    `mapstructure:"api"`
	// ExchangeContract is the CTF Exchange contract address this venue's
	// ChainEventStream subscribes to OrderFilled logs on.
	ExchangeContract string `mapstructure:"exchange_contract"`
}

// TaskConfig carries every row of the Task Execution Engine's configuration
// table (§6 expansion). cmd/arbbot applies the book-cache, cost-poll,
// REST-reconcile and hedge fields to every TaskExecutor the registry spawns;
// OrderTimeout and TickPrimary are validated but not read there, since each
// task takes its own from TaskParams.
type TaskConfig struct {
	OrderTimeout       time.Duration `mapstructure:"order_timeout"`
	MaxHedgeRetries    int           `mapstructure:"max_hedge_retries"`
	MinHedgeNotional   float64       `mapstructure:"min_hedge_notional"`
	CostPollInterval   time.Duration `mapstructure:"cost_poll_interval"`
	RestReconcileEvery time.Duration `mapstructure:"rest_reconcile_interval"`
	BookCacheTTL       time.Duration `mapstructure:"book_cache_ttl"`
	BookCacheStale     time.Duration `mapstructure:"book_cache_stale"`
	FeeRateBps         int           `mapstructure:"fee_rate_bps"`
	TickPrimary        float64       `mapstructure:"tick_primary"`
	TickHedge          float64       `mapstructure:"tick_hedge"`
	HedgePollInterval  time.Duration `mapstructure:"hedge_poll_interval"`
	HedgePollTimeout   time.Duration `mapstructure:"hedge_poll_timeout"`
}

// RegistryConfig tunes TaskRegistry's own bookkeeping (§4.9 expansion).
type RegistryConfig struct {
	HistoryRetention  time.Duration `mapstructure:"history_retention"`
	CancelWaitTimeout time.Duration `mapstructure:"cancel_wait_timeout"`
	HistoryPersistDir string        `mapstructure:"history_persist_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_PRIMARY_PRIVATE_KEY, ARB_PRIMARY_API_KEY,
// ARB_PRIMARY_API_SECRET, ARB_PRIMARY_PASSPHRASE, and the ARB_HEDGE_* equivalents.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	overrideVenue(&cfg.Primary, "ARB_PRIMARY")
	overrideVenue(&cfg.Hedge, "ARB_HEDGE")

	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func overrideVenue(v *VenueConfig, prefix string) {
	if key := os.Getenv(prefix + "_PRIVATE_KEY"); key != "" {
		v.Wallet.PrivateKey = key
	}
	if key := os.Getenv(prefix + "_API_KEY"); key != "" {
		v.API.ApiKey = key
	}
	if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
		v.API.Secret = secret
	}
	if pass := os.Getenv(prefix + "_PASSPHRASE"); pass != "" {
		v.API.Passphrase = pass
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if err := c.Primary.validate("primary"); err != nil {
		return err
	}
	if err := c.Hedge.validate("hedge"); err != nil {
		return err
	}
	if c.Task.OrderTimeout <= 0 {
		return fmt.Errorf("task.order_timeout must be > 0")
	}
	if c.Task.MinHedgeNotional <= 0 {
		return fmt.Errorf("task.min_hedge_notional is required and must be > 0")
	}
	if c.Task.MaxHedgeRetries < 0 {
		return fmt.Errorf("task.max_hedge_retries must be >= 0")
	}
	if c.Task.TickPrimary <= 0 {
		return fmt.Errorf("task.tick_primary must be > 0")
	}
	if c.Task.TickHedge <= 0 {
		return fmt.Errorf("task.tick_hedge must be > 0")
	}
	return nil
}

func (v *VenueConfig) validate(name string) error {
	if v.Wallet.PrivateKey == "" {
		return fmt.Errorf("%s.wallet.private_key is required", name)
	}
	if v.Wallet.ChainID == 0 {
		return fmt.Errorf("%s.wallet.chain_id is required", name)
	}
	switch v.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("%s.wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)", name)
	}
	if v.Wallet.SignatureType != 0 && v.Wallet.FunderAddress == "" {
		return fmt.Errorf("%s.wallet.funder_address is required when signature_type is 1 or 2", name)
	}
	if v.API.CLOBBaseURL == "" {
		return fmt.Errorf("%s.api.clob_base_url is required", name)
	}
	if v.API.WSChainURL == "" {
		return fmt.Errorf("%s.api.ws_chain_url is required", name)
	}
	if v.ExchangeContract == "" {
		return fmt.Errorf("%s.exchange_contract is required", name)
	}
	return nil
}
