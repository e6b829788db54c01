// Package config loads secrets from .env (the teacher's own godotenv
// pattern) and the structured configuration record from a YAML file via
// viper, validating it into a typed Config before the engine constructs
// any component.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aster-quant/lick-engine/internal/engineerr"
	"github.com/aster-quant/lick-engine/internal/model"
)

// SymbolConfig is the per-symbol block of the configuration record (§6).
type SymbolConfig struct {
	VolumeThresholdLong  float64            `mapstructure:"volume_threshold_long" yaml:"volume_threshold_long"`
	VolumeThresholdShort float64            `mapstructure:"volume_threshold_short" yaml:"volume_threshold_short"`
	Leverage             int                `mapstructure:"leverage" yaml:"leverage"`
	MarginType           model.MarginType   `mapstructure:"margin_type" yaml:"margin_type"`
	TradeSide            model.TradeSide    `mapstructure:"trade_side" yaml:"trade_side"`
	TradeValueUSDT       float64            `mapstructure:"trade_value_usdt" yaml:"trade_value_usdt"`
	PriceOffsetPct       float64            `mapstructure:"price_offset_pct" yaml:"price_offset_pct"`
	MaxPositionUSDT      float64            `mapstructure:"max_position_usdt" yaml:"max_position_usdt"`
	TakeProfitEnabled    bool               `mapstructure:"take_profit_enabled" yaml:"take_profit_enabled"`
	TakeProfitPct        float64            `mapstructure:"take_profit_pct" yaml:"take_profit_pct"`
	StopLossEnabled      bool               `mapstructure:"stop_loss_enabled" yaml:"stop_loss_enabled"`
	StopLossPct          float64            `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct"`
	WorkingType          model.WorkingType  `mapstructure:"working_type" yaml:"working_type"`
	PriceProtect         bool               `mapstructure:"price_protect" yaml:"price_protect"`
}

// TranchePnLBasis selects how "aggregate position P&L percent" is computed
// for the new-tranche-vs-absorb decision (SPEC_FULL.md §9 Open Question 4).
type TranchePnLBasis string

const (
	BasisAggregate    TranchePnLBasis = "aggregate"
	BasisLatestTranche TranchePnLBasis = "latest_tranche"
)

// Config is the fully validated, typed configuration record of SPEC_FULL.md §6.
type Config struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	UseTestnet       bool
	MySQLDSN         string
	TelegramToken    string
	TelegramChatID   int64

	WindowMs                 int64
	SimulateOnly             bool
	HedgeMode                bool
	MultiAssetsMode          bool
	OrderTTLMs               int64
	MaxOpenOrdersPerSymbol   int
	MaxTotalExposureUSDT     float64
	TimeInForce              string
	RateLimitBufferPct       float64
	TranchePnLIncrementPct   float64
	TranchePnLBasis          TranchePnLBasis
	MaxTranchesPerSymbolSide int
	UsePositionMonitor       bool
	InstantTPEnabled         bool
	PriceMonitorReconnectMs  int64
	BatchOrdersEnabled       bool
	ReconcileInterval        time.Duration

	Symbols map[string]SymbolConfig
}

// Load reads .env for secrets and path for the structured YAML record,
// applying environment overrides, then validates the result.
func Load(envPath, configPath string) (*Config, error) {
	_ = godotenv.Load(envPath) // missing .env is tolerated; env vars may already be set

	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("window_ms", 60_000)
	v.SetDefault("order_ttl_ms", 120_000)
	v.SetDefault("max_open_orders_per_symbol", 3)
	v.SetDefault("max_total_exposure_usdt", 5_000.0)
	v.SetDefault("time_in_force", "GTC")
	v.SetDefault("rate_limit_buffer_pct", 0.1)
	v.SetDefault("tranche_pnl_increment_pct", 2.0)
	v.SetDefault("tranche_pnl_basis", string(BasisAggregate))
	v.SetDefault("max_tranches_per_symbol_side", 3)
	v.SetDefault("use_position_monitor", true)
	v.SetDefault("instant_tp_enabled", true)
	v.SetDefault("price_monitor_reconnect_ms", 3_000)
	v.SetDefault("batch_orders_enabled", true)
	v.SetDefault("reconcile_interval_s", 60)

	if err := v.ReadInConfig(); err != nil {
		return nil, engineerr.ConfigInvalidf("reading config file %s: %v", configPath, err)
	}

	cfg := &Config{
		BinanceAPIKey:    sanitizeSecret(v.GetString("binance_api_key")),
		BinanceAPISecret: sanitizeSecret(v.GetString("binance_api_secret")),
		UseTestnet:       v.GetBool("use_testnet"),
		MySQLDSN:         v.GetString("mysql_dsn"),
		TelegramToken:    sanitizeSecret(v.GetString("telegram_bot_token")),
		TelegramChatID:   v.GetInt64("telegram_chat_id"),

		WindowMs:                 v.GetInt64("window_ms"),
		SimulateOnly:             v.GetBool("simulate_only"),
		HedgeMode:                v.GetBool("hedge_mode"),
		MultiAssetsMode:          v.GetBool("multi_assets_mode"),
		OrderTTLMs:               v.GetInt64("order_ttl_ms"),
		MaxOpenOrdersPerSymbol:   v.GetInt("max_open_orders_per_symbol"),
		MaxTotalExposureUSDT:     v.GetFloat64("max_total_exposure_usdt"),
		TimeInForce:              v.GetString("time_in_force"),
		RateLimitBufferPct:       v.GetFloat64("rate_limit_buffer_pct"),
		TranchePnLIncrementPct:   v.GetFloat64("tranche_pnl_increment_pct"),
		TranchePnLBasis:          TranchePnLBasis(v.GetString("tranche_pnl_basis")),
		MaxTranchesPerSymbolSide: v.GetInt("max_tranches_per_symbol_side"),
		UsePositionMonitor:       v.GetBool("use_position_monitor"),
		InstantTPEnabled:         v.GetBool("instant_tp_enabled"),
		PriceMonitorReconnectMs:  v.GetInt64("price_monitor_reconnect_ms"),
		BatchOrdersEnabled:       v.GetBool("batch_orders_enabled"),
		ReconcileInterval:        time.Duration(v.GetInt64("reconcile_interval_s")) * time.Second,
	}

	var symbols map[string]SymbolConfig
	if err := v.UnmarshalKey("symbols", &symbols); err != nil {
		return nil, engineerr.ConfigInvalidf("parsing symbols block: %v", err)
	}
	cfg.Symbols = symbols

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BinanceAPIKey == "" || c.BinanceAPISecret == "" {
		return engineerr.ConfigInvalidf("binance_api_key and binance_api_secret are required")
	}
	if len(c.Symbols) == 0 {
		return engineerr.ConfigInvalidf("at least one symbol must be configured")
	}
	if c.TranchePnLBasis != BasisAggregate && c.TranchePnLBasis != BasisLatestTranche {
		return engineerr.ConfigInvalidf("tranche_pnl_basis must be %q or %q, got %q", BasisAggregate, BasisLatestTranche, c.TranchePnLBasis)
	}
	for sym, sc := range c.Symbols {
		if sc.VolumeThresholdLong < 0 || sc.VolumeThresholdShort < 0 {
			return engineerr.ConfigInvalidf("symbol %s: volume thresholds must be non-negative", sym)
		}
		if sc.Leverage <= 0 {
			return engineerr.ConfigInvalidf("symbol %s: leverage must be positive", sym)
		}
		if sc.TradeValueUSDT <= 0 {
			return engineerr.ConfigInvalidf("symbol %s: trade_value_usdt must be positive", sym)
		}
		if sc.TakeProfitEnabled && sc.TakeProfitPct <= 0 {
			return engineerr.ConfigInvalidf("symbol %s: take_profit_pct must be positive when enabled", sym)
		}
		if sc.StopLossEnabled && sc.StopLossPct <= 0 {
			return engineerr.ConfigInvalidf("symbol %s: stop_loss_pct must be positive when enabled", sym)
		}
		if sc.TradeSide != model.TradeSideOpposite && sc.TradeSide != model.TradeSideSame {
			return engineerr.ConfigInvalidf("symbol %s: trade_side must be OPPOSITE or SAME, got %q", sym, sc.TradeSide)
		}
	}
	return nil
}

// sanitizeSecret mirrors the teacher's SecureLoad: trims whitespace and
// surrounding quotes that sneak into .env files from copy-paste.
func sanitizeSecret(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
