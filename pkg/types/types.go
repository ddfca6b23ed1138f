// Package types provides shared type definitions for the trading agent.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the normalized order status set. Exchange-native status
// strings never cross the adapter boundary; adapters map them to this set
// before any order reaches the core.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusClosed          OrderStatus = "closed"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusError           OrderStatus = "error"
)

// IsTerminal reports whether the status never transitions again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsLive reports whether the order may still be resting on the exchange.
func (s OrderStatus) IsLive() bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// OrderRole identifies which part of a strategy an order serves.
type OrderRole string

const (
	RoleBaseOrder    OrderRole = "base_order"
	RoleSafetyOrder  OrderRole = "safety_order"
	RoleGridBuy      OrderRole = "grid_buy"
	RoleGridSell     OrderRole = "grid_sell"
	RoleTakeProfit   OrderRole = "take_profit"
	RoleStopLoss     OrderRole = "stop_loss"
	RoleTrailingExit OrderRole = "trailing_exit"
)

// MarketType represents the market category the bot trades.
type MarketType string

const (
	MarketTypeSpot   MarketType = "spot"
	MarketTypeLinear MarketType = "linear"
)

// PositionSide represents long or short position direction.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// BotState is the bot lifecycle state.
type BotState string

const (
	BotStateInitializing BotState = "initializing"
	BotStateRunning      BotState = "running"
	BotStatePaused       BotState = "paused"
	BotStateStopped      BotState = "stopped"
	BotStateError        BotState = "error"
)

// StrategyKind names a strategy engine.
type StrategyKind string

const (
	StrategyGrid   StrategyKind = "grid"
	StrategyDCA    StrategyKind = "dca"
	StrategyTrend  StrategyKind = "trend_follower"
	StrategySMC    StrategyKind = "smc"
	StrategyHybrid StrategyKind = "hybrid"
)

// RegimeType is the coarse market regime classification.
type RegimeType string

const (
	RegimeTrendingUp   RegimeType = "trending_up"
	RegimeTrendingDown RegimeType = "trending_down"
	RegimeRanging      RegimeType = "ranging"
	RegimeVolatile     RegimeType = "volatile"
	RegimeUnknown      RegimeType = "unknown"
)

// Timeframe represents candle timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Market describes a tradable symbol and its precision constraints.
type Market struct {
	Symbol      string          `json:"symbol"`
	Type        MarketType      `json:"type"`
	PriceTick   decimal.Decimal `json:"priceTick"`
	AmountStep  decimal.Decimal `json:"amountStep"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order represents a trading order owned by a bot.
type Order struct {
	LocalID    string          `json:"localId"`
	ExchangeID string          `json:"exchangeId,omitempty"`
	BotName    string          `json:"botName"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	FilledQty  decimal.Decimal `json:"filledQty"`
	AvgPrice   decimal.Decimal `json:"avgPrice,omitempty"`
	Status     OrderStatus     `json:"status"`
	Role       OrderRole       `json:"role"`
	// Tag carries a strategy-specific association: grid level index,
	// safety-order index, or the trend engine's JSON-encoded exit levels.
	Tag          string     `json:"tag,omitempty"`
	DealID       string     `json:"dealId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	AckedAt      *time.Time `json:"ackedAt,omitempty"`
	FilledAt     *time.Time `json:"filledAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Deal aggregates a base order and its safety orders into one averaged
// position with a shared exit policy.
type Deal struct {
	ID        string          `json:"id"`
	BotName   string          `json:"botName"`
	Symbol    string          `json:"symbol"`
	Direction PositionSide    `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`    // total base filled
	QuoteCost decimal.Decimal `json:"quoteCost"` // total quote spent
	AvgEntry  decimal.Decimal `json:"avgEntry"`  // QuoteCost / Amount
	// HighestPrice is the best favorable excursion since entry. Monotonic
	// while the deal is active; safety-order fills never reset it.
	HighestPrice     decimal.Decimal `json:"highestPrice"`
	TrailingActive   bool            `json:"trailingActive"`
	SafetyOrdersUsed int             `json:"safetyOrdersUsed"`
	Active           bool            `json:"active"`
	CloseReason      string          `json:"closeReason,omitempty"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl"`
	OpenedAt         time.Time       `json:"openedAt"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
	// ConfigSnapshot is a free-form parameter record. No engine fills it in
	// or reads it; exit rules use the engine's current config.
	ConfigSnapshot map[string]string `json:"configSnapshot,omitempty"`
}

// ApplyFill folds a fill into the deal and re-derives the average entry.
// The highest-price watermark is deliberately left untouched.
func (d *Deal) ApplyFill(price, amount decimal.Decimal) {
	d.Amount = d.Amount.Add(amount)
	d.QuoteCost = d.QuoteCost.Add(price.Mul(amount))
	if !d.Amount.IsZero() {
		d.AvgEntry = d.QuoteCost.Div(d.Amount)
	}
}

// UpdateHighest advances the watermark if price is a new favorable extreme.
func (d *Deal) UpdateHighest(price decimal.Decimal) {
	if d.Direction == PositionSideShort {
		if d.HighestPrice.IsZero() || price.LessThan(d.HighestPrice) {
			d.HighestPrice = price
		}
		return
	}
	if price.GreaterThan(d.HighestPrice) {
		d.HighestPrice = price
	}
}

// TakeProfitTarget is one take-profit price with the fraction of the
// position to close there. Fractions across a signal sum to 1.
type TakeProfitTarget struct {
	Price    decimal.Decimal `json:"price"`
	Fraction decimal.Decimal `json:"fraction"`
}

// Signal is a graded entry produced by a strategy's analysis step.
type Signal struct {
	ID          string             `json:"id"`
	Strategy    StrategyKind       `json:"strategy"`
	Symbol      string             `json:"symbol"`
	Direction   PositionSide       `json:"direction"`
	Entry       decimal.Decimal    `json:"entry"`
	StopLoss    decimal.Decimal    `json:"stopLoss"`
	TakeProfits []TakeProfitTarget `json:"takeProfits"`
	Confidence  float64            `json:"confidence"`
	RiskReward  float64            `json:"riskReward"`
	GeneratedAt time.Time          `json:"generatedAt"`
	// MaxAge is the lifetime the SMC engine gives its signals. The
	// orchestrator's staleness gate checks price drift and does not read it.
	MaxAge time.Duration `json:"maxAge"`
}

// MarketSnapshot is the per-tick view of a symbol's market.
type MarketSnapshot struct {
	Symbol    string                `json:"symbol"`
	LastPrice decimal.Decimal       `json:"lastPrice"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Candles   map[Timeframe][]OHLCV `json:"-"`
}

// Regime is the detector's output: a classification plus confidence.
type Regime struct {
	Type       RegimeType `json:"type"`
	Confidence float64    `json:"confidence"`
	DetectedAt time.Time  `json:"detectedAt"`
}

// Balance is one asset's free/total balance.
type Balance struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
	Total decimal.Decimal `json:"total"`
}

// Trade records a realized round trip for history and capital accounting.
type Trade struct {
	ID          string          `json:"id"`
	BotName     string          `json:"botName"`
	Symbol      string          `json:"symbol"`
	DealID      string          `json:"dealId,omitempty"`
	Side        OrderSide       `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	ExecutedAt  time.Time       `json:"executedAt"`
}
