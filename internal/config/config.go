// Package config defines all configuration for the exchange-adapter engine.
// Config is loaded from a YAML file (default: configs/engine.yaml) with
// sensitive fields overridable via XC_* environment variables.
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
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Candles  CandlesConfig  `mapstructure:"candles"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Margin   MarginConfig   `mapstructure:"margin"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig selects and parameterizes the venue.
type ExchangeConfig struct {
	Name       string `mapstructure:"name"`
	BaseURL    string `mapstructure:"base_url"`
	WSUrl      string `mapstructure:"ws_url"`
	Key        string `mapstructure:"key"`
	Secret     string `mapstructure:"secret"`
	Password   string `mapstructure:"password"`
	StakeCcy   string `mapstructure:"stake_currency"`
	TradingFutures bool `mapstructure:"trading_futures"`

	// Capabilities is the user layer of the capability matrix; it wins
	// over venue and futures overrides.
	Capabilities map[string]any `mapstructure:"capabilities"`

	// MarketReloadInterval is how often the market table is reloaded.
	MarketReloadInterval time.Duration `mapstructure:"market_reload_interval"`
}

// CandlesConfig tunes the market-data cache and refresh engine.
//
//   - Timeframe: the primary candle duration, e.g. "5m".
//   - StartupCandleCount: history required before the first refresh serves.
//   - Pairs: the whitelist of pairs kept warm.
//   - UseWebsocket: trust the push feed where the venue allows it.
type CandlesConfig struct {
	Timeframe          string        `mapstructure:"timeframe"`
	StartupCandleCount int           `mapstructure:"startup_candle_count"`
	Pairs              []string      `mapstructure:"pairs"`
	UseWebsocket       bool          `mapstructure:"use_websocket"`
	WSResetInterval    time.Duration `mapstructure:"ws_reset_interval"`
}

// SidePricing configures rate selection for one intent (entry or exit).
type SidePricing struct {
	PriceSide        string  `mapstructure:"price_side"` // bid, ask, same, other
	UseOrderBook     bool    `mapstructure:"use_order_book"`
	OrderBookTop     int     `mapstructure:"order_book_top"`
	PriceLastBalance float64 `mapstructure:"price_last_balance"` // [0,1]
}

// PricingConfig holds both intents plus the market-order slippage cap.
type PricingConfig struct {
	Entry       SidePricing `mapstructure:"entry"`
	Exit        SidePricing `mapstructure:"exit"`
	MaxSlippage float64     `mapstructure:"max_slippage"` // dry-run market fill cap, default 0.05
}

// OrdersConfig tunes the order lifecycle manager.
type OrdersConfig struct {
	StoplossOnExchange  bool    `mapstructure:"stoploss_on_exchange"`
	StopLimitRatio      float64 `mapstructure:"stop_limit_ratio"` // default 0.99
	AmountReservePct    float64 `mapstructure:"amount_reserve_percent"`
	Stoploss            float64 `mapstructure:"stoploss"` // e.g. -0.05
	DryRunWalletBalance float64 `mapstructure:"dry_run_wallet"`
}

// MarginConfig tunes leverage and liquidation handling.
type MarginConfig struct {
	MarginMode          string  `mapstructure:"margin_mode"` // isolated or cross
	LiquidationBuffer   float64 `mapstructure:"liquidation_buffer"`
	FundingRateFallback *float64 `mapstructure:"funding_rate_fallback"`
}

// StoreConfig sets where sidecar files live (trade caches, leverage tiers).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: XC_KEY, XC_SECRET, XC_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("XC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("candles.timeframe", "5m")
	v.SetDefault("candles.startup_candle_count", 0)
	v.SetDefault("candles.ws_reset_interval", time.Hour)
	v.SetDefault("exchange.market_reload_interval", time.Hour)
	v.SetDefault("exchange.stake_currency", "USDT")
	v.SetDefault("pricing.entry.price_side", "same")
	v.SetDefault("pricing.exit.price_side", "same")
	v.SetDefault("pricing.entry.order_book_top", 1)
	v.SetDefault("pricing.exit.order_book_top", 1)
	v.SetDefault("pricing.max_slippage", 0.05)
	v.SetDefault("orders.stop_limit_ratio", 0.99)
	v.SetDefault("orders.dry_run_wallet", 1000)
	v.SetDefault("margin.margin_mode", "isolated")
	v.SetDefault("store.data_dir", "user_data")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("XC_KEY"); key != "" {
		cfg.Exchange.Key = key
	}
	if secret := os.Getenv("XC_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("XC_PASSWORD"); pass != "" {
		cfg.Exchange.Password = pass
	}
	if os.Getenv("XC_DRY_RUN") == "true" || os.Getenv("XC_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges. Violations surface as
// plain errors here; the engine wraps them into the configuration kind.
func (c *Config) Validate() error {
	if c.Exchange.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}
	if len(c.Candles.Pairs) == 0 {
		return fmt.Errorf("candles.pairs must list at least one pair")
	}
	if c.Candles.StartupCandleCount < 0 {
		return fmt.Errorf("candles.startup_candle_count must be >= 0")
	}
	for _, intent := range []struct {
		name string
		sp   SidePricing
	}{{"entry", c.Pricing.Entry}, {"exit", c.Pricing.Exit}} {
		switch intent.sp.PriceSide {
		case "bid", "ask", "same", "other":
		default:
			return fmt.Errorf("pricing.%s.price_side must be bid, ask, same, or other", intent.name)
		}
		if intent.sp.PriceLastBalance < 0 || intent.sp.PriceLastBalance > 1 {
			return fmt.Errorf("pricing.%s.price_last_balance must be within [0,1]", intent.name)
		}
		if intent.sp.UseOrderBook && intent.sp.OrderBookTop < 1 {
			return fmt.Errorf("pricing.%s.order_book_top must be >= 1", intent.name)
		}
	}
	if c.Orders.StopLimitRatio <= 0 || c.Orders.StopLimitRatio >= 2 {
		return fmt.Errorf("orders.stop_limit_ratio must be within (0,2)")
	}
	if c.Margin.MarginMode != "isolated" && c.Margin.MarginMode != "cross" {
		return fmt.Errorf("margin.margin_mode must be isolated or cross")
	}
	return nil
}
