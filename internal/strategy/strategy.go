// Package strategy provides the trading strategy engines. Engines are
// deterministic: given the tick input and their own restored state they
// produce Intents; the orchestrator owns all I/O, so the same engines run
// unchanged under live trading, dry-run and backtests.
package strategy

import (
	"encoding/json"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// TickInput is everything an engine may consume on one tick.
type TickInput struct {
	Now       time.Time
	Price     decimal.Decimal
	Market    types.Market
	Candles   map[types.Timeframe][]types.OHLCV
	FreeQuote decimal.Decimal
}

// IntentKind tags what the orchestrator should do with an intent.
type IntentKind string

const (
	IntentPlaceOrder  IntentKind = "place_order"
	IntentCancelOrder IntentKind = "cancel_order"
	IntentCloseDeal   IntentKind = "close_deal"
)

// Intent is a strategy's request to the orchestrator. For placements the
// engine pre-assigns LocalID so it can track the order without a callback.
type Intent struct {
	Kind IntentKind

	// Placement fields.
	LocalID  string
	Side     types.OrderSide
	Type     types.OrderType
	Price    decimal.Decimal
	Amount   decimal.Decimal
	Role     types.OrderRole
	Tag      string
	DealID   string
	PostOnly bool
	// RefPrice is the price the decision was made against; the
	// orchestrator's staleness gate compares it to the market. Zero skips
	// the gate (grid counter-orders are price-anchored by design).
	RefPrice decimal.Decimal

	// Signal attaches the originating analysis for signal events and the
	// staleness gate.
	Signal *types.Signal

	// Close fields.
	CloseReason string
}

// Engine is a pluggable strategy. Engines are not safe for concurrent use;
// the orchestrator sequences all calls within its single-threaded loop.
type Engine interface {
	Kind() types.StrategyKind

	// Init binds the engine to its market before the first tick.
	Init(market types.Market) error

	// OnTick produces zero or more intents for the current tick.
	OnTick(input TickInput) ([]Intent, error)

	// OnOrderUpdate informs the engine that one of its orders reached a
	// terminal status; returned intents are follow-ups (counter-orders,
	// next safety order, exits).
	OnOrderUpdate(order types.Order, input TickInput) []Intent

	// OnOrderFailed reverts bookkeeping for a placement that was denied or
	// failed, so the engine can regenerate the intent when still warranted.
	OnOrderFailed(localID string)

	// Deals returns the engine's active deals for checkpointing.
	Deals() []types.Deal

	// DrainClosed returns deals closed since the previous drain. Realized
	// PnL on these feeds the risk manager and the event bus.
	DrainClosed() []types.Deal

	// MarshalState serializes engine-internal state for the snapshot.
	MarshalState() (json.RawMessage, error)

	// RestoreState reinstates engine-internal state from a snapshot.
	RestoreState(raw json.RawMessage) error
}
