// Package config loads and validates the engine's typed configuration tree from
// a single YAML file via viper, and implements the adaptive parameter resolver of
// spec §4.9.1 as a set of typed pure functions instead of a dynamically-typed
// config merge (spec §9 redesign note).
package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/quantforge/perpscalp/internal/domain"
)

// Config is the root configuration tree for the engine.
type Config struct {
	Exchange       ExchangeConfig               `mapstructure:"exchange"`
	Engine         EngineConfig                 `mapstructure:"engine"`
	Leverage       int                          `mapstructure:"leverage"`
	Commission     CommissionConfig             `mapstructure:"commission"`
	Margin         MarginConfig                 `mapstructure:"margin"`
	Risk           RiskConfig                   `mapstructure:"risk"`
	Scalping       ScalpingConfig               `mapstructure:"scalping"`
	AdaptiveRegime AdaptiveRegimeConfig         `mapstructure:"adaptive_regime"`
	Profiles       map[domain.BalanceProfile]ProfileConfig `mapstructure:"profiles"`
	SymbolProfiles map[string]SymbolProfileConfig          `mapstructure:"symbol_profiles"`
	MaxSizeLimiter MaxSizeLimiterConfig         `mapstructure:"max_size_limiter"`
	OrderCoordinator OrderCoordinatorConfig     `mapstructure:"order_coordinator"`
	PositionSync   PositionSyncConfig           `mapstructure:"position_sync"`
	WebSocket      WebSocketConfig              `mapstructure:"websocket"`
	Journal        JournalConfig                `mapstructure:"journal"`
	Logging        LoggingConfig                `mapstructure:"logging"`
}

// ExchangeConfig holds venue connection details (§6.1/§6.2).
type ExchangeConfig struct {
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
	Passphrase     string `mapstructure:"passphrase"`
	RESTBaseURL    string `mapstructure:"rest_base_url"`
	PublicWSURL    string `mapstructure:"public_ws_url"`
	PrivateWSURL   string `mapstructure:"private_ws_url"`
	RequestTimeoutMs int  `mapstructure:"request_timeout_ms"`
}

// EngineConfig controls the main loop (§4.8).
type EngineConfig struct {
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
	Symbols              []string `mapstructure:"symbols"`
	AllowConcurrentPositions bool `mapstructure:"allow_concurrent_positions"`
}

// CommissionConfig holds the fee rates used for TP/PH buffers and PnL (§4.7, §8 scenario 1).
// maker_fee_rate and taker_fee_rate (or trading_fee_rate) are required — no fallback.
type CommissionConfig struct {
	MakerFeeRate   decimal.Decimal `mapstructure:"maker_fee_rate"`
	TakerFeeRate   decimal.Decimal `mapstructure:"taker_fee_rate"`
	TradingFeeRate decimal.Decimal `mapstructure:"trading_fee_rate"`
}

// EffectiveRoundTrip returns the round-trip fee rate actually configured:
// maker/taker when either is set (an unset one counts as zero), otherwise
// 2×trading_fee_rate.
func (c CommissionConfig) EffectiveRoundTrip(openMaker, closeMaker bool) decimal.Decimal {
	if !c.MakerFeeRate.IsZero() || !c.TakerFeeRate.IsZero() {
		open := c.TakerFeeRate
		if openMaker {
			open = c.MakerFeeRate
		}
		close := c.TakerFeeRate
		if closeMaker {
			close = c.MakerFeeRate
		}
		return open.Add(close)
	}
	return c.TradingFeeRate.Mul(decimal.NewFromInt(2))
}

// MarginConfig holds margin-ratio constants. maintenance_margin_ratio and
// initial_margin_ratio are required — no fallback (§4.9.1).
type MarginConfig struct {
	MaintenanceMarginRatio decimal.Decimal                  `mapstructure:"maintenance_margin_ratio"`
	InitialMarginRatio     decimal.Decimal                  `mapstructure:"initial_margin_ratio"`
	ByRegime               map[domain.Regime]RegimeMarginConfig `mapstructure:"by_regime"`
}

// RegimeMarginConfig carries the per-regime safety threshold, required with no
// hardcoded fallback (§4.9.1).
type RegimeMarginConfig struct {
	SafetyThreshold       decimal.Decimal `mapstructure:"safety_threshold"`
	MaxDrawdownPercent    decimal.Decimal `mapstructure:"max_drawdown_percent"`
	MinLockMinutes        int             `mapstructure:"min_lock_minutes"`
	UnlockThresholdPercent decimal.Decimal `mapstructure:"unlock_threshold_percent"`
}

// RiskConfig is the global risk-manager config (§4.4.1).
type RiskConfig struct {
	RiskPerTradePercent decimal.Decimal `mapstructure:"risk_per_trade_percent"`
}

// ScalpingConfig is the global fallback tier of the adaptive resolver (§4.9.1).
type ScalpingConfig struct {
	BaseRiskPercentage   decimal.Decimal `mapstructure:"base_risk_percentage"`
	TPPercent            decimal.Decimal `mapstructure:"tp_percent"`
	SLPercent            decimal.Decimal `mapstructure:"sl_percent"`
	MinHoldingSeconds    int             `mapstructure:"min_holding_seconds"`
	MaxHoldingMinutes    int             `mapstructure:"max_holding_minutes"`
	SignalCooldownSeconds int            `mapstructure:"signal_cooldown_seconds"`
	SlippageBufferPercent decimal.Decimal `mapstructure:"slippage_buffer_percent"`
	TPBufferPercent       decimal.Decimal `mapstructure:"tp_buffer_percent"`
	MinProfitToClose      decimal.Decimal `mapstructure:"min_profit_to_close"`
	OrderType             OrderTypeConfig `mapstructure:"order_type"`
}

// OrderTypeConfig configures the entry order's type (spec §4.4 step 2:
// "configured order_type is limit with optional post-only").
type OrderTypeConfig struct {
	PostOnly bool `mapstructure:"post_only"`
}

// AdaptiveRegimeConfig is the per-regime tier of the adaptive resolver.
type AdaptiveRegimeConfig struct {
	Regimes map[domain.Regime]RegimeParams `mapstructure:"regimes"`
}

// RegimeParams are the per-regime adaptive parameters (§4.6, §4.7, §4.9.1).
type RegimeParams struct {
	TPPercent             decimal.Decimal `mapstructure:"tp_percent"`
	SLPercent             decimal.Decimal `mapstructure:"sl_percent"`
	MinHoldingSeconds     int             `mapstructure:"min_holding_seconds"`
	RiskPerTradePercent   decimal.Decimal `mapstructure:"risk_per_trade_percent"`
	TrailingPercent       decimal.Decimal `mapstructure:"trailing_percent"`
	MinProfitToClose      decimal.Decimal `mapstructure:"min_profit_to_close"`
	LossCutPercent        decimal.Decimal `mapstructure:"loss_cut_percent"`
	TimeoutMinutes        int             `mapstructure:"timeout_minutes"`
	ExtendTimeOnProfit    bool            `mapstructure:"extend_time_on_profit"`
	ExtendTimeMultiplier  decimal.Decimal `mapstructure:"extend_time_multiplier"`
	PHThreshold           decimal.Decimal `mapstructure:"ph_threshold"`
	PHTimeLimitSeconds    int             `mapstructure:"ph_time_limit_seconds"`
	MinTrendStrength      decimal.Decimal `mapstructure:"min_trend_strength"`
	ExtensionStep         decimal.Decimal `mapstructure:"extension_step"`
	MaxTPPercent          decimal.Decimal `mapstructure:"max_tp_percent"`
	TPATRMultiplier       decimal.Decimal `mapstructure:"tp_atr_multiplier"`
	BigProfitThreshold    decimal.Decimal `mapstructure:"big_profit_threshold"`
	BigProfitTrailingPct  decimal.Decimal `mapstructure:"big_profit_trailing_pct"`
	BigProfitTrailingPctStrongTrend decimal.Decimal `mapstructure:"big_profit_trailing_pct_strong_trend"`
	PartialTPTriggerPercent decimal.Decimal `mapstructure:"partial_tp_trigger_percent"`
	PartialTPFraction       decimal.Decimal `mapstructure:"partial_tp_fraction"`
	PartialTPLimitOffsetBps decimal.Decimal `mapstructure:"partial_tp_limit_offset_bps"`
	MaxEmergencyLossPercent decimal.Decimal `mapstructure:"max_emergency_loss_percent"`
	EmergencyMinAgeSeconds  int             `mapstructure:"emergency_min_age_seconds"`
	MinProfitForExtension   decimal.Decimal `mapstructure:"min_profit_for_extension"`
	ExtensionPercent        decimal.Decimal `mapstructure:"extension_percent"`
	SmartIndicatorExitEnabled bool          `mapstructure:"smart_indicator_exit_enabled"`
	IntervalMultiplier        decimal.Decimal `mapstructure:"interval_multiplier"`
}

// SymbolProfileConfig is the per-symbol tier of the adaptive resolver, which may
// itself hold per-regime overrides (the highest-priority tier).
type SymbolProfileConfig struct {
	RegimeParams `mapstructure:",squash"`
	Multiplier decimal.Decimal                     `mapstructure:"multiplier"`
	Regimes    map[domain.Regime]RegimeParams      `mapstructure:"regimes"`
}

// ProfileConfig is the per-balance-profile sizing tier. base_position_usd,
// min_position_usd, max_position_usd, max_open_positions, max_position_percent
// are required (§4.9.1).
type ProfileConfig struct {
	MinBalance          decimal.Decimal `mapstructure:"min_balance"`
	MaxBalance          decimal.Decimal `mapstructure:"max_balance"`
	BasePositionUSD     decimal.Decimal `mapstructure:"base_position_usd"`
	SizeAtMin           decimal.Decimal `mapstructure:"size_at_min"`
	SizeAtMax           decimal.Decimal `mapstructure:"size_at_max"`
	ThresholdBalance    decimal.Decimal `mapstructure:"threshold_balance"`
	Progressive         bool            `mapstructure:"progressive"`
	MinPositionUSD      decimal.Decimal `mapstructure:"min_position_usd"`
	MaxPositionUSD      decimal.Decimal `mapstructure:"max_position_usd"`
	MaxOpenPositions    int             `mapstructure:"max_open_positions"`
	MaxPositionPercent  decimal.Decimal `mapstructure:"max_position_percent"`
}

// MaxSizeLimiterConfig bounds aggregate exposure (§4.4.1).
type MaxSizeLimiterConfig struct {
	MaxTotalSizeUSD  decimal.Decimal `mapstructure:"max_total_size_usd"`
	MaxSingleSizeUSD decimal.Decimal `mapstructure:"max_single_size_usd"`
	MaxPositions     int             `mapstructure:"max_positions"`
}

// OrderCoordinatorConfig drives the limit-order sweep (§4.5).
type OrderCoordinatorConfig struct {
	SweepIntervalSeconds       int             `mapstructure:"sweep_interval_seconds"`
	DriftCancelThresholdPct    decimal.Decimal `mapstructure:"drift_cancel_threshold_pct"`
	AutoRepriceDriftPct        decimal.Decimal `mapstructure:"auto_reprice_drift_pct"`
	MaxWaitSeconds             int             `mapstructure:"max_wait_seconds"`
	AmendThrottleSeconds       int             `mapstructure:"amend_throttle_seconds"`
	PostOnlyStuckSeconds       int             `mapstructure:"post_only_stuck_seconds"`
	PostOnlyStuckWinsOverDrift bool            `mapstructure:"post_only_stuck_wins_over_drift"`
	ReplaceWithMarket          bool            `mapstructure:"replace_with_market"`
	MaxConsecutiveMarketReplaces int           `mapstructure:"max_consecutive_market_replaces"`
	ReentryBlockMinutes        int             `mapstructure:"reentry_block_minutes"`
	RateLimitWindowMinutes     int             `mapstructure:"rate_limit_window_minutes"`
	RateLimitWarnThreshold     int             `mapstructure:"rate_limit_warn_threshold"`
	CacheStaleSeconds          int             `mapstructure:"cache_stale_seconds"`
	EntryWindowSeconds         int             `mapstructure:"entry_window_seconds"`
}

// PositionSyncConfig drives the drift reconciler (§4.11).
type PositionSyncConfig struct {
	BaseIntervalSeconds int `mapstructure:"base_interval_seconds"`
}

// WebSocketConfig drives reconnect/heartbeat/staleness behavior (§4.10).
type WebSocketConfig struct {
	HeartbeatSeconds         int `mapstructure:"heartbeat_seconds"`
	HeartbeatTimeoutMultiple int `mapstructure:"heartbeat_timeout_multiple"`
	ReconnectBaseSeconds     int `mapstructure:"reconnect_base_seconds"`
	ReconnectCapSeconds      int `mapstructure:"reconnect_cap_seconds"`
	MaxReconnectAttemptsPublic  int `mapstructure:"max_reconnect_attempts_public"`
	MaxReconnectAttemptsPrivate int `mapstructure:"max_reconnect_attempts_private"`
	DedupeTTLSeconds         int `mapstructure:"dedupe_ttl_seconds"`
	DedupeCapacity           int `mapstructure:"dedupe_capacity"`
	StaleSeconds             int `mapstructure:"ws_stale_seconds"`
	APIRequestDelayMs        int `mapstructure:"api_request_delay_ms"`
}

// JournalConfig points at the CSV trade journal (§6.3). It has no setting
// for a JSONL structured log; the engine writes none.
type JournalConfig struct {
	CSVPath string `mapstructure:"csv_path"`
}

// LoggingConfig holds the YAML logging section. cmd/engine builds its zap
// logger from the -log-level flag and does not read these fields.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // "console" or "json"
	FilePath string `mapstructure:"file_path"`
}

// Load reads and unmarshals the YAML config at path into a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the "Required keys" list of §4.9.1: the engine refuses to
// start rather than silently falling back for these.
func (c *Config) Validate() error {
	if c.Leverage <= 0 {
		return fmt.Errorf("config: missing required key \"leverage\"")
	}
	if c.Margin.MaintenanceMarginRatio.IsZero() {
		return fmt.Errorf("config: missing required key \"maintenance_margin_ratio\"")
	}
	if c.Margin.InitialMarginRatio.IsZero() {
		return fmt.Errorf("config: missing required key \"initial_margin_ratio\"")
	}
	if len(c.Margin.ByRegime) == 0 {
		return fmt.Errorf("config: missing required key \"margin.by_regime\"")
	}
	for _, r := range []domain.Regime{domain.RegimeTrending, domain.RegimeRanging, domain.RegimeChoppy} {
		rc, ok := c.Margin.ByRegime[r]
		if !ok || rc.SafetyThreshold.IsZero() {
			return fmt.Errorf("config: missing required key \"margin.by_regime.%s.safety_threshold\"", r)
		}
	}
	if (c.Commission.MakerFeeRate.IsZero() || c.Commission.TakerFeeRate.IsZero()) && c.Commission.TradingFeeRate.IsZero() {
		return fmt.Errorf("config: missing required key \"commission.maker_fee_rate\"/\"taker_fee_rate\" or \"trading_fee_rate\"")
	}
	for _, p := range []domain.BalanceProfile{domain.ProfileSmall, domain.ProfileMedium, domain.ProfileLarge} {
		pc, ok := c.Profiles[p]
		if !ok {
			return fmt.Errorf("config: missing required key \"profiles.%s\"", p)
		}
		if pc.BasePositionUSD.IsZero() {
			return fmt.Errorf("config: missing required key \"profiles.%s.base_position_usd\"", p)
		}
		if pc.MinPositionUSD.IsZero() {
			return fmt.Errorf("config: missing required key \"profiles.%s.min_position_usd\"", p)
		}
		if pc.MaxPositionUSD.IsZero() {
			return fmt.Errorf("config: missing required key \"profiles.%s.max_position_usd\"", p)
		}
		if pc.MaxOpenPositions == 0 {
			return fmt.Errorf("config: missing required key \"profiles.%s.max_open_positions\"", p)
		}
		if pc.MaxPositionPercent.IsZero() {
			return fmt.Errorf("config: missing required key \"profiles.%s.max_position_percent\"", p)
		}
	}
	return nil
}

// ResolveProfile determines the balance profile from equity via monotonic
// thresholds over the configured profile min/max balances.
func (c *Config) ResolveProfile(equity decimal.Decimal) domain.BalanceProfile {
	best := domain.ProfileSmall
	bestMin := decimal.Zero
	for name, p := range c.Profiles {
		if equity.GreaterThanOrEqual(p.MinBalance) && p.MinBalance.GreaterThanOrEqual(bestMin) {
			best = name
			bestMin = p.MinBalance
		}
	}
	return best
}
