// Package config loads and validates the engine's runtime configuration.
//
// Configuration is read from a YAML file via viper, with a small set of
// secret fields overridable from environment variables (POLY_-prefixed) so
// credentials never need to be committed to the config file. Every other
// option gets a code-level default, overridable from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WalletConfig holds the signing wallet identity.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int64  `mapstructure:"chain_id"`
}

// APIConfig holds exchange endpoint addresses and L2 credentials.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	ApiSecret    string `mapstructure:"api_secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// BlackoutWindow is a daily trading-suspension window in a named timezone.
type BlackoutWindow struct {
	Timezone  string `mapstructure:"timezone"`
	StartHour int    `mapstructure:"start_hour"`
	StartMin  int    `mapstructure:"start_min"`
	EndHour   int    `mapstructure:"end_hour"`
	EndMin    int    `mapstructure:"end_min"`
}

// Location parses the configured timezone, defaulting to UTC on error.
func (b BlackoutWindow) Location() *time.Location {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GradualEntryConfig controls optional tranched entry for wide spreads.
type GradualEntryConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Tranches       int  `mapstructure:"tranches"`
	DelaySeconds   int  `mapstructure:"delay_s"`
	MinSpreadCents int  `mapstructure:"min_spread_cents"`
}

// ArbConfig holds every arbitrage-engine tuning parameter.
type ArbConfig struct {
	Assets                     []string           `mapstructure:"assets"`
	MinSpreadUSD               float64            `mapstructure:"min_spread_usd"`
	BalanceSizingPct           float64            `mapstructure:"balance_sizing_pct"`
	MaxTradeSizeUSD            float64            `mapstructure:"max_trade_size_usd"`
	MinTradeSizeUSD            float64            `mapstructure:"min_trade_size_usd"`
	MaxPerWindowUSD            float64            `mapstructure:"max_per_window_usd"`
	MaxLiquidityConsumptionPct float64            `mapstructure:"max_liquidity_consumption_pct"`
	ParallelFillTimeoutS       int                `mapstructure:"parallel_fill_timeout_s"`
	StaleThresholdS            int                `mapstructure:"stale_threshold_s"`
	RebalanceThreshold         float64            `mapstructure:"rebalance_threshold"`
	MinRebalanceProfitPerShare float64            `mapstructure:"min_rebalance_profit_per_share"`
	MaxRebalanceAttempts       int                `mapstructure:"max_rebalance_attempts"`
	RebalanceNoGoSBeforeEnd    int                `mapstructure:"rebalance_no_go_s_before_end"`
	ResolutionWaitS            int                `mapstructure:"resolution_wait_s"`
	ClaimSellPrice             float64            `mapstructure:"claim_sell_price"`
	SettlementBaseRetryS       int                `mapstructure:"settlement_base_retry_s"`
	SettlementMaxRetryS        int                `mapstructure:"settlement_max_retry_s"`
	MaxClaimAttempts           int                `mapstructure:"max_claim_attempts"`
	CBWarnFailures             int                `mapstructure:"cb_warn_failures"`
	CBCautionFailures          int                `mapstructure:"cb_caution_failures"`
	CBHaltFailures             int                `mapstructure:"cb_halt_failures"`
	CBWarnLossUSD              float64            `mapstructure:"cb_warn_loss_usd"`
	CBCautionLossUSD           float64            `mapstructure:"cb_caution_loss_usd"`
	CBHaltLossUSD              float64            `mapstructure:"cb_halt_loss_usd"`
	CBResetHourUTC             int                `mapstructure:"cb_reset_hour_utc"`
	CBResetMinUTC              int                `mapstructure:"cb_reset_min_utc"`
	BlackoutWindow             BlackoutWindow     `mapstructure:"blackout_window"`
	GradualEntry               GradualEntryConfig `mapstructure:"gradual_entry"`
}

// StoreConfig controls the durable persistence layer.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // sqlite file path, e.g. "data/arb.db"
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// Config is the root configuration object.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Wallet  WalletConfig  `mapstructure:"wallet"`
	API     APIConfig     `mapstructure:"api"`
	Arb     ArbConfig     `mapstructure:"arb"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)

	v.SetDefault("wallet.signature_type", 0)
	v.SetDefault("wallet.chain_id", 137)

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.ws_user_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")

	v.SetDefault("arb.assets", []string{"BTC", "ETH", "SOL"})
	v.SetDefault("arb.min_spread_usd", 0.02)
	v.SetDefault("arb.balance_sizing_pct", 0.25)
	v.SetDefault("arb.max_trade_size_usd", 25.0)
	v.SetDefault("arb.min_trade_size_usd", 3.0)
	v.SetDefault("arb.max_per_window_usd", 50.0)
	v.SetDefault("arb.max_liquidity_consumption_pct", 0.50)
	v.SetDefault("arb.parallel_fill_timeout_s", 10)
	v.SetDefault("arb.stale_threshold_s", 10)
	v.SetDefault("arb.rebalance_threshold", 0.80)
	v.SetDefault("arb.min_rebalance_profit_per_share", 0.02)
	v.SetDefault("arb.max_rebalance_attempts", 5)
	v.SetDefault("arb.rebalance_no_go_s_before_end", 60)
	v.SetDefault("arb.resolution_wait_s", 600)
	v.SetDefault("arb.claim_sell_price", 0.99)
	v.SetDefault("arb.settlement_base_retry_s", 60)
	v.SetDefault("arb.settlement_max_retry_s", 3600)
	v.SetDefault("arb.max_claim_attempts", 5)
	v.SetDefault("arb.cb_warn_failures", 3)
	v.SetDefault("arb.cb_caution_failures", 4)
	v.SetDefault("arb.cb_halt_failures", 5)
	v.SetDefault("arb.cb_warn_loss_usd", 50.0)
	v.SetDefault("arb.cb_caution_loss_usd", 75.0)
	v.SetDefault("arb.cb_halt_loss_usd", 100.0)
	v.SetDefault("arb.cb_reset_hour_utc", 0)
	v.SetDefault("arb.cb_reset_min_utc", 0)
	v.SetDefault("arb.blackout_window.timezone", "America/Chicago")
	v.SetDefault("arb.blackout_window.start_hour", 5)
	v.SetDefault("arb.blackout_window.start_min", 0)
	// The window check is half-open [start, end), so suppressing through
	// the end of the 05:29 minute needs end_min=30.
	v.SetDefault("arb.blackout_window.end_hour", 5)
	v.SetDefault("arb.blackout_window.end_min", 30)
	v.SetDefault("arb.gradual_entry.enabled", false)
	v.SetDefault("arb.gradual_entry.tranches", 3)
	v.SetDefault("arb.gradual_entry.delay_s", 30)
	v.SetDefault("arb.gradual_entry.min_spread_cents", 3)

	v.SetDefault("store.dsn", "data/arb.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from path (YAML) and overlays environment
// variables for secrets. A missing file is not an error — defaults plus
// env vars may be sufficient for a smoke test.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if k := os.Getenv("POLY_PRIVATE_KEY"); k != "" {
		cfg.Wallet.PrivateKey = k
	}
	if k := os.Getenv("POLY_API_KEY"); k != "" {
		cfg.API.ApiKey = k
	}
	if k := os.Getenv("POLY_API_SECRET"); k != "" {
		cfg.API.ApiSecret = k
	}
	if k := os.Getenv("POLY_PASSPHRASE"); k != "" {
		cfg.API.Passphrase = k
	}
	if k := os.Getenv("POLY_DRY_RUN"); k == "true" || k == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks that required fields are present and internally
// consistent. It is the only place startup misconfiguration is fatal.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key (or POLY_PRIVATE_KEY) is required")
	}
	if len(c.Arb.Assets) == 0 {
		return fmt.Errorf("arb.assets must list at least one asset")
	}
	if c.Arb.MinTradeSizeUSD > c.Arb.MaxTradeSizeUSD {
		return fmt.Errorf("arb.min_trade_size_usd (%v) must not exceed arb.max_trade_size_usd (%v)",
			c.Arb.MinTradeSizeUSD, c.Arb.MaxTradeSizeUSD)
	}
	if c.Arb.CBWarnFailures > c.Arb.CBCautionFailures || c.Arb.CBCautionFailures > c.Arb.CBHaltFailures {
		return fmt.Errorf("circuit breaker failure thresholds must be non-decreasing: warn <= caution <= halt")
	}
	if c.Arb.CBWarnLossUSD > c.Arb.CBCautionLossUSD || c.Arb.CBCautionLossUSD > c.Arb.CBHaltLossUSD {
		return fmt.Errorf("circuit breaker loss thresholds must be non-decreasing: warn <= caution <= halt")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}
