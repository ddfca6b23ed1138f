// Package types provides configuration types for the trading agent.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeConfig selects the exchange connection for a bot.
type ExchangeConfig struct {
	ExchangeID      string `json:"exchangeId" mapstructure:"exchange_id"`
	CredentialsName string `json:"credentialsName" mapstructure:"credentials_name"`
	Sandbox         bool   `json:"sandbox" mapstructure:"sandbox"`
	RateLimit       bool   `json:"rateLimit" mapstructure:"rate_limit"`
}

// RiskConfig is the per-bot risk policy block.
type RiskConfig struct {
	MaxPositionSize      decimal.Decimal `json:"maxPositionSize" mapstructure:"max_position_size"`
	StopLossPercentage   decimal.Decimal `json:"stopLossPercentage" mapstructure:"stop_loss_percentage"`
	MaxDailyLoss         decimal.Decimal `json:"maxDailyLoss" mapstructure:"max_daily_loss"`
	MinOrderSize         decimal.Decimal `json:"minOrderSize" mapstructure:"min_order_size"`
	TakeProfitPercentage decimal.Decimal `json:"takeProfitPercentage,omitempty" mapstructure:"take_profit_percentage"`
	// CooldownAfterLoss makes the risk gate deny every trade, buys and sells
	// alike, for this long after a losing close.
	CooldownAfterLoss time.Duration `json:"cooldownAfterLoss,omitempty" mapstructure:"cooldown_after_loss"`
	// ClosePositionsOnStop flattens positions during an emergency stop.
	ClosePositionsOnStop bool `json:"closePositionsOnStop" mapstructure:"close_positions_on_stop"`
}

// Validate checks the risk policy.
func (c RiskConfig) Validate() error {
	if c.MaxPositionSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk: max_position_size must be positive")
	}
	if c.StopLossPercentage.IsNegative() || c.StopLossPercentage.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk: stop_loss_percentage must be in [0,1]")
	}
	if c.MaxDailyLoss.IsNegative() {
		return fmt.Errorf("risk: max_daily_loss must not be negative")
	}
	return nil
}

// GridDistribution selects how grid level prices are spaced.
type GridDistribution string

const (
	GridArithmetic GridDistribution = "arithmetic"
	GridGeometric  GridDistribution = "geometric"
)

// GridConfig configures the grid engine.
type GridConfig struct {
	UpperPrice    decimal.Decimal  `json:"upperPrice" mapstructure:"upper_price"`
	LowerPrice    decimal.Decimal  `json:"lowerPrice" mapstructure:"lower_price"`
	Levels        int              `json:"levels" mapstructure:"levels"`
	QuotePerLevel decimal.Decimal  `json:"quotePerLevel" mapstructure:"quote_per_level"`
	ProfitMargin  decimal.Decimal  `json:"profitMargin" mapstructure:"profit_margin"`
	Distribution  GridDistribution `json:"distribution" mapstructure:"distribution"`
	// Trailing grid: shift the window after price has stayed outside the
	// range for TrailingAfter.
	TrailingEnabled bool          `json:"trailingEnabled" mapstructure:"trailing_enabled"`
	TrailingAfter   time.Duration `json:"trailingAfter" mapstructure:"trailing_after"`
	FeeRate         decimal.Decimal `json:"feeRate" mapstructure:"fee_rate"`
}

// DefaultGridConfig returns a conservative grid setup.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Levels:        10,
		ProfitMargin:  decimal.NewFromFloat(0.01),
		Distribution:  GridArithmetic,
		TrailingAfter: 15 * time.Minute,
		FeeRate:       decimal.NewFromFloat(0.001),
	}
}

// Validate checks the grid parameters.
func (c GridConfig) Validate() error {
	if c.Levels < 2 || c.Levels > 100 {
		return fmt.Errorf("grid: levels must be in [2,100], got %d", c.Levels)
	}
	if c.LowerPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("grid: lower_price must be positive")
	}
	if c.UpperPrice.LessThanOrEqual(c.LowerPrice) {
		return fmt.Errorf("grid: upper_price must exceed lower_price")
	}
	if c.QuotePerLevel.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("grid: quote_per_level must be positive")
	}
	if c.ProfitMargin.IsNegative() {
		return fmt.Errorf("grid: profit_margin must not be negative")
	}
	if c.Distribution != GridArithmetic && c.Distribution != GridGeometric {
		return fmt.Errorf("grid: unknown distribution %q", c.Distribution)
	}
	return nil
}

// SafetyProgression selects how safety-order amounts grow.
type SafetyProgression string

const (
	SafetyFixed     SafetyProgression = "fixed"
	SafetyLinear    SafetyProgression = "linear"
	SafetyGeometric SafetyProgression = "geometric"
)

// DCAConfig configures the DCA engine.
type DCAConfig struct {
	BaseOrderSize    decimal.Decimal   `json:"baseOrderSize" mapstructure:"base_order_size"`
	SafetyOrderSize  decimal.Decimal   `json:"safetyOrderSize" mapstructure:"safety_order_size"`
	MaxSafetyOrders  int               `json:"maxSafetyOrders" mapstructure:"max_safety_orders"`
	SafetyStepPct    decimal.Decimal   `json:"safetyStepPct" mapstructure:"safety_step_pct"`
	Progression      SafetyProgression `json:"progression" mapstructure:"progression"`
	ProgressionRatio decimal.Decimal   `json:"progressionRatio" mapstructure:"progression_ratio"`
	// StepFromBase anchors safety steps on the base entry instead of the
	// previous fill.
	StepFromBase bool `json:"stepFromBase" mapstructure:"step_from_base"`

	TakeProfitPct decimal.Decimal `json:"takeProfitPct" mapstructure:"take_profit_pct"`
	StopLossPct   decimal.Decimal `json:"stopLossPct" mapstructure:"stop_loss_pct"`

	TrailingEnabled     bool            `json:"trailingEnabled" mapstructure:"trailing_enabled"`
	ActivationProfitPct decimal.Decimal `json:"activationProfitPct" mapstructure:"activation_profit_pct"`
	TrailingDistancePct decimal.Decimal `json:"trailingDistancePct" mapstructure:"trailing_distance_pct"`
	// TrailingDistanceAbs, when positive, takes precedence over the
	// percentage distance.
	TrailingDistanceAbs decimal.Decimal `json:"trailingDistanceAbs,omitempty" mapstructure:"trailing_distance_abs"`

	// Entry gate.
	EntryRangeLow       decimal.Decimal `json:"entryRangeLow,omitempty" mapstructure:"entry_range_low"`
	EntryRangeHigh      decimal.Decimal `json:"entryRangeHigh,omitempty" mapstructure:"entry_range_high"`
	SupportDistancePct  decimal.Decimal `json:"supportDistancePct" mapstructure:"support_distance_pct"`
	RSIThreshold        float64         `json:"rsiThreshold" mapstructure:"rsi_threshold"`
	VolumeMultiplier    float64         `json:"volumeMultiplier" mapstructure:"volume_multiplier"`
	ConfluenceEnabled   bool            `json:"confluenceEnabled" mapstructure:"confluence_enabled"`
	ConfluenceThreshold float64         `json:"confluenceThreshold" mapstructure:"confluence_threshold"`
	MaxConcurrentDeals  int             `json:"maxConcurrentDeals" mapstructure:"max_concurrent_deals"`
	MinDealInterval     time.Duration   `json:"minDealInterval" mapstructure:"min_deal_interval"`
}

// DefaultDCAConfig returns the stock DCA parameters.
func DefaultDCAConfig() DCAConfig {
	return DCAConfig{
		MaxSafetyOrders:     3,
		SafetyStepPct:       decimal.NewFromFloat(0.02),
		Progression:         SafetyFixed,
		ProgressionRatio:    decimal.NewFromFloat(1.5),
		TakeProfitPct:       decimal.NewFromFloat(0.03),
		StopLossPct:         decimal.NewFromFloat(0.10),
		TrailingEnabled:     true,
		ActivationProfitPct: decimal.NewFromFloat(0.015),
		TrailingDistancePct: decimal.NewFromFloat(0.008),
		SupportDistancePct:  decimal.NewFromFloat(0.03),
		RSIThreshold:        40,
		VolumeMultiplier:    1.2,
		ConfluenceEnabled:   true,
		ConfluenceThreshold: 0.75,
		MaxConcurrentDeals:  1,
		MinDealInterval:     time.Hour,
	}
}

// Validate checks the DCA parameters.
func (c DCAConfig) Validate() error {
	if c.BaseOrderSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("dca: base_order_size must be positive")
	}
	if c.MaxSafetyOrders < 0 {
		return fmt.Errorf("dca: max_safety_orders must not be negative")
	}
	if c.MaxSafetyOrders > 0 && c.SafetyOrderSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("dca: safety_order_size must be positive when safety orders are enabled")
	}
	if c.MaxSafetyOrders > 0 && c.SafetyStepPct.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("dca: safety_step_pct must be positive")
	}
	switch c.Progression {
	case SafetyFixed, SafetyLinear, SafetyGeometric, "":
	default:
		return fmt.Errorf("dca: unknown progression %q", c.Progression)
	}
	if c.Progression == SafetyGeometric && c.ProgressionRatio.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("dca: geometric progression needs progression_ratio > 1")
	}
	if c.TrailingEnabled && c.TrailingDistancePct.LessThanOrEqual(decimal.Zero) && c.TrailingDistanceAbs.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("dca: trailing needs a positive distance")
	}
	if c.ConfluenceEnabled && (c.ConfluenceThreshold <= 0 || c.ConfluenceThreshold > 1) {
		return fmt.Errorf("dca: confluence_threshold must be in (0,1]")
	}
	return nil
}

// TrendConfig configures the trend-follower engine.
type TrendConfig struct {
	Timeframe Timeframe `json:"timeframe" mapstructure:"timeframe"`

	EMAFastPeriod int `json:"emaFastPeriod" mapstructure:"ema_fast_period"`
	EMASlowPeriod int `json:"emaSlowPeriod" mapstructure:"ema_slow_period"`
	ATRPeriod     int `json:"atrPeriod" mapstructure:"atr_period"`
	RSIPeriod     int `json:"rsiPeriod" mapstructure:"rsi_period"`

	StrongTrendPct  float64 `json:"strongTrendPct" mapstructure:"strong_trend_pct"`
	WeakTrendPct    float64 `json:"weakTrendPct" mapstructure:"weak_trend_pct"`
	MaxATRFilterPct float64 `json:"maxAtrFilterPct" mapstructure:"max_atr_filter_pct"`

	PullbackTolerancePct float64 `json:"pullbackTolerancePct" mapstructure:"pullback_tolerance_pct"`
	VolumeMultiplier     float64 `json:"volumeMultiplier" mapstructure:"volume_multiplier"`

	RiskPerTradePct   decimal.Decimal `json:"riskPerTradePct" mapstructure:"risk_per_trade_pct"`
	Capital           decimal.Decimal `json:"capital" mapstructure:"capital"`
	HalveAfterLosses  int             `json:"halveAfterLosses" mapstructure:"halve_after_losses"`

	// Phase-keyed ATR multipliers for SL/TP.
	SLMultSideways float64 `json:"slMultSideways" mapstructure:"sl_mult_sideways"`
	SLMultWeak     float64 `json:"slMultWeak" mapstructure:"sl_mult_weak"`
	SLMultStrong   float64 `json:"slMultStrong" mapstructure:"sl_mult_strong"`
	TPMultSideways float64 `json:"tpMultSideways" mapstructure:"tp_mult_sideways"`
	TPMultWeak     float64 `json:"tpMultWeak" mapstructure:"tp_mult_weak"`
	TPMultStrong   float64 `json:"tpMultStrong" mapstructure:"tp_mult_strong"`

	BreakevenATR      float64 `json:"breakevenAtr" mapstructure:"breakeven_atr"`
	TrailingStartATR  float64 `json:"trailingStartAtr" mapstructure:"trailing_start_atr"`
	TrailingGapATR    float64 `json:"trailingGapAtr" mapstructure:"trailing_gap_atr"`
	PartialCloseAtTP  float64 `json:"partialCloseAtTp" mapstructure:"partial_close_at_tp"`
	PartialCloseFrac  float64 `json:"partialCloseFrac" mapstructure:"partial_close_frac"`
}

// DefaultTrendConfig returns the stock trend-follower parameters.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		Timeframe:            Timeframe1h,
		EMAFastPeriod:        20,
		EMASlowPeriod:        50,
		ATRPeriod:            14,
		RSIPeriod:            14,
		StrongTrendPct:       0.015,
		WeakTrendPct:         0.005,
		MaxATRFilterPct:      0.05,
		PullbackTolerancePct: 0.004,
		VolumeMultiplier:     1.5,
		RiskPerTradePct:      decimal.NewFromFloat(0.01),
		HalveAfterLosses:     3,
		SLMultSideways:       1.0,
		SLMultWeak:           1.0,
		SLMultStrong:         1.0,
		TPMultSideways:       1.2,
		TPMultWeak:           1.8,
		TPMultStrong:         2.5,
		BreakevenATR:         1.0,
		TrailingStartATR:     1.5,
		TrailingGapATR:       0.5,
		PartialCloseAtTP:     0.7,
		PartialCloseFrac:     0.5,
	}
}

// Validate checks the trend-follower parameters.
func (c TrendConfig) Validate() error {
	if c.EMAFastPeriod <= 0 || c.EMASlowPeriod <= c.EMAFastPeriod {
		return fmt.Errorf("trend_follower: need 0 < ema_fast_period < ema_slow_period")
	}
	if c.ATRPeriod <= 0 || c.RSIPeriod <= 0 {
		return fmt.Errorf("trend_follower: indicator periods must be positive")
	}
	if c.WeakTrendPct <= 0 || c.StrongTrendPct <= c.WeakTrendPct {
		return fmt.Errorf("trend_follower: need 0 < weak_trend_pct < strong_trend_pct")
	}
	if c.RiskPerTradePct.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("trend_follower: risk_per_trade_pct must be positive")
	}
	if c.Capital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("trend_follower: capital must be positive")
	}
	if c.PartialCloseFrac < 0 || c.PartialCloseFrac >= 1 {
		return fmt.Errorf("trend_follower: partial_close_frac must be in [0,1)")
	}
	return nil
}

// SMCPartial is one rung of the SMC partial-close schedule.
type SMCPartial struct {
	RMultiple float64 `json:"rMultiple" mapstructure:"r_multiple"`
	Fraction  float64 `json:"fraction" mapstructure:"fraction"`
}

// SMCConfig configures the smart-money-concepts engine.
type SMCConfig struct {
	SwingLookback    int     `json:"swingLookback" mapstructure:"swing_lookback"`
	StructureBuffer  float64 `json:"structureBuffer" mapstructure:"structure_buffer"`
	ZoneMergePct     float64 `json:"zoneMergePct" mapstructure:"zone_merge_pct"`
	ZoneMaxPenetration float64 `json:"zoneMaxPenetration" mapstructure:"zone_max_penetration"`
	MinRiskReward    float64 `json:"minRiskReward" mapstructure:"min_risk_reward"`
	MinConfidence    float64 `json:"minConfidence" mapstructure:"min_confidence"`
	VolumeConfirm    bool    `json:"volumeConfirm" mapstructure:"volume_confirm"`

	// Sizing.
	KellyEnabled  bool            `json:"kellyEnabled" mapstructure:"kelly_enabled"`
	KellyFraction float64         `json:"kellyFraction" mapstructure:"kelly_fraction"`
	FixedRiskPct  decimal.Decimal `json:"fixedRiskPct" mapstructure:"fixed_risk_pct"`
	Capital       decimal.Decimal `json:"capital" mapstructure:"capital"`

	Partials []SMCPartial `json:"partials,omitempty" mapstructure:"partials"`

	// AnalysisTTL is how long zone analysis is reused before a scheduled
	// refresh. An H4 structure break invalidates it early.
	AnalysisTTL time.Duration `json:"analysisTtl" mapstructure:"analysis_ttl"`
}

// DefaultSMCConfig returns the stock SMC parameters.
func DefaultSMCConfig() SMCConfig {
	return SMCConfig{
		SwingLookback:      5,
		StructureBuffer:    0.002,
		ZoneMergePct:       0.01,
		ZoneMaxPenetration: 0.5,
		MinRiskReward:      2.5,
		MinConfidence:      0.6,
		VolumeConfirm:      true,
		KellyEnabled:       true,
		KellyFraction:      0.25,
		FixedRiskPct:       decimal.NewFromFloat(0.02),
		Partials: []SMCPartial{
			{RMultiple: 1.5, Fraction: 0.5},
			{RMultiple: 2.5, Fraction: 0.3},
			{RMultiple: 4.0, Fraction: 0.2},
		},
		AnalysisTTL: 5 * time.Minute,
	}
}

// Validate checks the SMC parameters.
func (c SMCConfig) Validate() error {
	if c.SwingLookback < 2 {
		return fmt.Errorf("smc: swing_lookback must be at least 2")
	}
	if c.MinRiskReward <= 0 {
		return fmt.Errorf("smc: min_risk_reward must be positive")
	}
	if c.KellyEnabled && (c.KellyFraction <= 0 || c.KellyFraction > 1) {
		return fmt.Errorf("smc: kelly_fraction must be in (0,1]")
	}
	if c.Capital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("smc: capital must be positive")
	}
	var total float64
	for _, p := range c.Partials {
		if p.Fraction <= 0 || p.RMultiple <= 0 {
			return fmt.Errorf("smc: partial fractions and r-multiples must be positive")
		}
		total += p.Fraction
	}
	if len(c.Partials) > 0 && (total < 0.999 || total > 1.001) {
		return fmt.Errorf("smc: partial fractions must sum to 1, got %.3f", total)
	}
	return nil
}

// BotConfig is the full per-bot configuration surface.
type BotConfig struct {
	Name       string         `json:"name" mapstructure:"name"`
	Symbol     string         `json:"symbol" mapstructure:"symbol"`
	Strategy   StrategyKind   `json:"strategy" mapstructure:"strategy"`
	Exchange   ExchangeConfig `json:"exchange" mapstructure:"exchange"`
	MarketType MarketType     `json:"marketType" mapstructure:"market_type"`

	Grid  *GridConfig  `json:"grid,omitempty" mapstructure:"grid"`
	DCA   *DCAConfig   `json:"dca,omitempty" mapstructure:"dca"`
	Trend *TrendConfig `json:"trendFollower,omitempty" mapstructure:"trend_follower"`
	SMC   *SMCConfig   `json:"smc,omitempty" mapstructure:"smc"`

	Risk RiskConfig `json:"riskManagement" mapstructure:"risk_management"`

	DryRun    bool `json:"dryRun" mapstructure:"dry_run"`
	AutoStart bool `json:"autoStart" mapstructure:"auto_start"`
	// RegimeFilter gates strategies by the detected market regime.
	RegimeFilter bool `json:"regimeFilter" mapstructure:"regime_filter"`

	// Staleness threshold for signal execution (fraction of price).
	StalenessPct float64 `json:"stalenessPct" mapstructure:"staleness_pct"`
}

// Validate checks the whole bot configuration, including that each selected
// strategy has its parameter block. Invalid configurations fail startup.
func (c BotConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("bot: name is required")
	}
	if c.Symbol == "" {
		return fmt.Errorf("bot %s: symbol is required", c.Name)
	}
	if c.MarketType != MarketTypeSpot && c.MarketType != MarketTypeLinear {
		return fmt.Errorf("bot %s: market_type must be spot or linear", c.Name)
	}
	if c.Exchange.Sandbox && c.MarketType != MarketTypeLinear {
		return fmt.Errorf("bot %s: the demo endpoint requires market_type linear", c.Name)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("bot %s: %w", c.Name, err)
	}
	if c.StalenessPct < 0 {
		return fmt.Errorf("bot %s: staleness_pct must not be negative", c.Name)
	}

	need := func(kind StrategyKind, block any, name string) error {
		type validator interface{ Validate() error }
		if block == nil {
			return fmt.Errorf("bot %s: strategy %s requires a %s block", c.Name, kind, name)
		}
		if v, ok := block.(validator); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("bot %s: %w", c.Name, err)
			}
		}
		return nil
	}

	switch c.Strategy {
	case StrategyGrid:
		if c.Grid == nil {
			return need(c.Strategy, nil, "grid")
		}
		return need(c.Strategy, *c.Grid, "grid")
	case StrategyDCA:
		if c.DCA == nil {
			return need(c.Strategy, nil, "dca")
		}
		return need(c.Strategy, *c.DCA, "dca")
	case StrategyTrend:
		if c.Trend == nil {
			return need(c.Strategy, nil, "trend_follower")
		}
		return need(c.Strategy, *c.Trend, "trend_follower")
	case StrategySMC:
		if c.SMC == nil {
			return need(c.Strategy, nil, "smc")
		}
		return need(c.Strategy, *c.SMC, "smc")
	case StrategyHybrid:
		if c.Grid == nil {
			return need(c.Strategy, nil, "grid")
		}
		if err := need(c.Strategy, *c.Grid, "grid"); err != nil {
			return err
		}
		if c.DCA == nil {
			return need(c.Strategy, nil, "dca")
		}
		return need(c.Strategy, *c.DCA, "dca")
	default:
		return fmt.Errorf("bot %s: unknown strategy %q", c.Name, c.Strategy)
	}
}
