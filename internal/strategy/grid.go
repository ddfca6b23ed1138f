package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/atlas-desktop/trading-agent/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// levelState is the per-level state machine:
// idle -> buy_open -> sell_open -> idle (mirrored on the upper side).
type levelState string

const (
	levelIdle     levelState = "idle"
	levelBuyOpen  levelState = "buy_open"
	levelSellOpen levelState = "sell_open"
)

// pendingCounter is a counter-order that could not be placed yet (half-open
// cycle); the engine re-issues it each tick until placement succeeds.
type pendingCounter struct {
	Side   types.OrderSide `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// gridLevel is one rung of the ladder.
type gridLevel struct {
	Index int             `json:"index"`
	Price decimal.Decimal `json:"price"`
	State levelState      `json:"state"`
	// OrderID is the local id of the level's live order, if any.
	OrderID string `json:"orderId,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	// CycleEntry records the fill price that opened the in-flight cycle.
	CycleEntry decimal.Decimal `json:"cycleEntry"`
	// CycleFromBuy marks the cycle direction: buy->sell or sell->buy.
	CycleFromBuy bool            `json:"cycleFromBuy"`
	Pending      *pendingCounter `json:"pending,omitempty"`
}

// gridState is the serialized engine state.
type gridState struct {
	Initialized  bool            `json:"initialized"`
	Levels       []gridLevel     `json:"levels"`
	OutsideSince *time.Time      `json:"outsideSince,omitempty"`
	LowerPrice   decimal.Decimal `json:"lowerPrice"`
	UpperPrice   decimal.Decimal `json:"upperPrice"`
	CyclesClosed int             `json:"cyclesClosed"`
}

// GridEngine maintains a ladder of limit orders between a lower and upper
// bound and harvests the spread between adjacent levels.
type GridEngine struct {
	logger *zap.Logger
	config types.GridConfig
	market types.Market

	state  gridState
	closed []types.Deal
}

// NewGridEngine creates a grid engine.
func NewGridEngine(logger *zap.Logger, config types.GridConfig) *GridEngine {
	return &GridEngine{
		logger: logger.Named("grid"),
		config: config,
		state: gridState{
			LowerPrice: config.LowerPrice,
			UpperPrice: config.UpperPrice,
		},
	}
}

// Kind implements Engine.
func (g *GridEngine) Kind() types.StrategyKind { return types.StrategyGrid }

// Init implements Engine.
func (g *GridEngine) Init(market types.Market) error {
	g.market = market
	return nil
}

// levelPrices computes the ladder from the distribution.
func (g *GridEngine) levelPrices(lower, upper decimal.Decimal) []decimal.Decimal {
	n := g.config.Levels
	prices := make([]decimal.Decimal, n)
	if g.config.Distribution == types.GridGeometric {
		// ratio = (upper/lower)^(1/(n-1)) via float; levels snap to tick.
		lowerF, _ := lower.Float64()
		upperF, _ := upper.Float64()
		ratio := math.Pow(upperF/lowerF, 1/float64(n-1))
		p := lowerF
		for i := 0; i < n; i++ {
			prices[i] = utils.RoundToTick(decimal.NewFromFloat(p), g.market.PriceTick, false)
			p *= ratio
		}
		prices[n-1] = utils.RoundToTick(upper, g.market.PriceTick, false)
		return prices
	}
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(n - 1)))
	for i := 0; i < n; i++ {
		prices[i] = utils.RoundToTick(lower.Add(step.Mul(decimal.NewFromInt(int64(i)))), g.market.PriceTick, false)
	}
	prices[n-1] = utils.RoundToTick(upper, g.market.PriceTick, false)
	return prices
}

// buildLevels lays out every ladder level idle with its amount. OnTick then
// gives each idle level a side through desiredSide: below price buys, above
// price sells, and a level within one tick of price is skipped that round.
func (g *GridEngine) buildLevels(price decimal.Decimal) {
	prices := g.levelPrices(g.state.LowerPrice, g.state.UpperPrice)
	levels := make([]gridLevel, len(prices))
	for i, p := range prices {
		amount := utils.RoundToStep(g.config.QuotePerLevel.Div(p), g.market.AmountStep)
		levels[i] = gridLevel{Index: i, Price: p, State: levelIdle, Amount: amount}
	}
	g.state.Levels = levels
	g.state.Initialized = true
}

// desiredSide decides which side an idle level should quote given price.
// ok=false means the level sits within one tick of price and is skipped.
func (g *GridEngine) desiredSide(level gridLevel, price decimal.Decimal) (types.OrderSide, bool) {
	tick := g.market.PriceTick
	if tick.IsZero() {
		tick = decimal.New(1, -8)
	}
	if level.Price.LessThanOrEqual(price.Sub(tick)) {
		return types.OrderSideBuy, true
	}
	if level.Price.GreaterThanOrEqual(price.Add(tick)) {
		return types.OrderSideSell, true
	}
	return "", false
}

// OnTick implements Engine.
func (g *GridEngine) OnTick(input TickInput) ([]Intent, error) {
	if input.Price.IsZero() {
		return nil, nil
	}
	if !g.state.Initialized {
		g.buildLevels(input.Price)
	}

	var intents []Intent

	if shift := g.maybeTrail(input); shift != nil {
		intents = append(intents, shift...)
	}

	for i := range g.state.Levels {
		level := &g.state.Levels[i]

		// Half-open cycles retry their counter-order first.
		if level.Pending != nil {
			intents = append(intents, g.placeCounter(level))
			continue
		}
		if level.State != levelIdle || level.Amount.IsZero() {
			continue
		}
		side, ok := g.desiredSide(*level, input.Price)
		if !ok {
			continue
		}

		localID := uuid.NewString()
		role := types.RoleGridBuy
		newState := levelBuyOpen
		if side == types.OrderSideSell {
			role = types.RoleGridSell
			newState = levelSellOpen
		}
		level.State = newState
		level.OrderID = localID
		level.CycleEntry = decimal.Zero

		intents = append(intents, Intent{
			Kind:    IntentPlaceOrder,
			LocalID: localID,
			Side:    side,
			Type:    types.OrderTypeLimit,
			Price:   level.Price,
			Amount:  level.Amount,
			Role:    role,
			Tag:     fmt.Sprintf("%d", level.Index),
		})
	}
	return intents, nil
}

// maybeTrail shifts the window when price has stayed outside the range
// longer than the configured cooldown.
func (g *GridEngine) maybeTrail(input TickInput) []Intent {
	if !g.config.TrailingEnabled {
		return nil
	}
	outside := input.Price.LessThan(g.state.LowerPrice) || input.Price.GreaterThan(g.state.UpperPrice)
	if !outside {
		g.state.OutsideSince = nil
		return nil
	}
	if g.state.OutsideSince == nil {
		t := input.Now
		g.state.OutsideSince = &t
		return nil
	}
	if input.Now.Sub(*g.state.OutsideSince) < g.config.TrailingAfter {
		return nil
	}

	// Recenter the window around the current price, keeping its width.
	width := g.state.UpperPrice.Sub(g.state.LowerPrice)
	half := width.Div(decimal.NewFromInt(2))
	newLower := utils.RoundToTick(input.Price.Sub(half), g.market.PriceTick, false)
	newUpper := utils.RoundToTick(input.Price.Add(half), g.market.PriceTick, false)

	g.logger.Info("trailing grid shift",
		zap.String("from", g.state.LowerPrice.String()+"-"+g.state.UpperPrice.String()),
		zap.String("to", newLower.String()+"-"+newUpper.String()))

	var cancels []Intent
	for i := range g.state.Levels {
		level := &g.state.Levels[i]
		if level.OrderID != "" && level.State != levelIdle {
			cancels = append(cancels, Intent{Kind: IntentCancelOrder, LocalID: level.OrderID})
		}
	}
	g.state.LowerPrice = newLower
	g.state.UpperPrice = newUpper
	g.state.OutsideSince = nil
	g.buildLevels(input.Price)
	return cancels
}

// placeCounter emits the retry intent for a half-open cycle.
func (g *GridEngine) placeCounter(level *gridLevel) Intent {
	localID := uuid.NewString()
	level.OrderID = localID
	role := types.RoleGridSell
	state := levelSellOpen
	if level.Pending.Side == types.OrderSideBuy {
		role = types.RoleGridBuy
		state = levelBuyOpen
	}
	level.State = state
	intent := Intent{
		Kind:    IntentPlaceOrder,
		LocalID: localID,
		Side:    level.Pending.Side,
		Type:    types.OrderTypeLimit,
		Price:   level.Pending.Price,
		Amount:  level.Pending.Amount,
		Role:    role,
		Tag:     fmt.Sprintf("%d", level.Index),
	}
	level.Pending = nil
	return intent
}

// OnOrderUpdate implements Engine: the heart of the grid.
func (g *GridEngine) OnOrderUpdate(order types.Order, input TickInput) []Intent {
	level := g.levelByOrder(order.LocalID)
	if level == nil {
		return nil
	}

	switch order.Status {
	case types.OrderStatusCancelled, types.OrderStatusRejected, types.OrderStatusError:
		level.State = levelIdle
		level.OrderID = ""
		level.CycleEntry = decimal.Zero
		return nil
	case types.OrderStatusClosed:
	default:
		return nil
	}

	fillPrice := order.AvgPrice
	if fillPrice.IsZero() {
		fillPrice = order.Price
	}
	level.OrderID = ""

	if order.Side == types.OrderSideBuy {
		if !level.CycleEntry.IsZero() && !level.CycleFromBuy {
			// Counter buy of a sell->buy cycle: realize the spread.
			g.closeCycle(level, level.CycleEntry, fillPrice, order.Amount, input.Now)
			return nil
		}
		// Fresh buy: open a cycle and place the sell counter one margin up.
		level.CycleEntry = fillPrice
		level.CycleFromBuy = true
		counter := utils.RoundToTick(
			fillPrice.Mul(decimal.NewFromInt(1).Add(g.config.ProfitMargin)),
			g.market.PriceTick, false)
		level.Pending = &pendingCounter{Side: types.OrderSideSell, Price: counter, Amount: order.Amount}
		return []Intent{g.placeCounter(level)}
	}

	// Sell side.
	if !level.CycleEntry.IsZero() && level.CycleFromBuy {
		// Counter sell of a buy->sell cycle: realize the spread.
		g.closeCycle(level, level.CycleEntry, fillPrice, order.Amount, input.Now)
		return nil
	}
	// Fresh sell: open a cycle and place the buy counter one margin down.
	level.CycleEntry = fillPrice
	level.CycleFromBuy = false
	counter := utils.RoundToTick(
		fillPrice.Mul(decimal.NewFromInt(1).Sub(g.config.ProfitMargin)),
		g.market.PriceTick, true)
	level.Pending = &pendingCounter{Side: types.OrderSideBuy, Price: counter, Amount: order.Amount}
	return []Intent{g.placeCounter(level)}
}

// closeCycle records a completed buy/sell pair.
func (g *GridEngine) closeCycle(level *gridLevel, entry, exit, amount decimal.Decimal, now time.Time) {
	buyPrice, sellPrice := entry, exit
	if !level.CycleFromBuy {
		buyPrice, sellPrice = exit, entry
	}
	fees := buyPrice.Add(sellPrice).Mul(amount).Mul(g.config.FeeRate)
	pnl := sellPrice.Sub(buyPrice).Mul(amount).Sub(fees)

	level.State = levelIdle
	level.CycleEntry = decimal.Zero
	g.state.CyclesClosed++

	closedAt := now
	g.closed = append(g.closed, types.Deal{
		ID:          uuid.NewString(),
		Symbol:      g.market.Symbol,
		Direction:   types.PositionSideLong,
		Amount:      amount,
		QuoteCost:   buyPrice.Mul(amount),
		AvgEntry:    buyPrice,
		CloseReason: "grid_cycle",
		RealizedPnL: pnl,
		ClosedAt:    &closedAt,
	})

	g.logger.Debug("grid cycle closed",
		zap.Int("level", level.Index),
		zap.String("buy", buyPrice.String()),
		zap.String("sell", sellPrice.String()),
		zap.String("pnl", pnl.String()))
}

// OnOrderFailed implements Engine: revert the level so the intent can be
// regenerated on the next tick. A failed counter-order degrades the cycle
// to half-open and keeps retrying with the same parameters.
func (g *GridEngine) OnOrderFailed(localID string) {
	level := g.levelByOrder(localID)
	if level == nil {
		return
	}
	if !level.CycleEntry.IsZero() {
		// The failed order was a counter: re-queue it.
		side := types.OrderSideSell
		price := utils.RoundToTick(
			level.CycleEntry.Mul(decimal.NewFromInt(1).Add(g.config.ProfitMargin)),
			g.market.PriceTick, false)
		if !level.CycleFromBuy {
			side = types.OrderSideBuy
			price = utils.RoundToTick(
				level.CycleEntry.Mul(decimal.NewFromInt(1).Sub(g.config.ProfitMargin)),
				g.market.PriceTick, true)
		}
		level.Pending = &pendingCounter{Side: side, Price: price, Amount: level.Amount}
		level.OrderID = ""
		level.State = levelIdle
		return
	}
	level.State = levelIdle
	level.OrderID = ""
}

func (g *GridEngine) levelByOrder(localID string) *gridLevel {
	if localID == "" {
		return nil
	}
	for i := range g.state.Levels {
		if g.state.Levels[i].OrderID == localID {
			return &g.state.Levels[i]
		}
	}
	return nil
}

// Deals implements Engine. Grid carries no averaged position.
func (g *GridEngine) Deals() []types.Deal { return nil }

// DrainClosed implements Engine.
func (g *GridEngine) DrainClosed() []types.Deal {
	out := g.closed
	g.closed = nil
	return out
}

// MarshalState implements Engine.
func (g *GridEngine) MarshalState() (json.RawMessage, error) {
	return json.Marshal(g.state)
}

// RestoreState implements Engine.
func (g *GridEngine) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &g.state)
}
