package strategy

import (
	"encoding/json"

	"github.com/atlas-desktop/trading-agent/internal/indicators"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/atlas-desktop/trading-agent/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// trendPhase is the detected market phase on the engine's timeframe.
type trendPhase string

const (
	phaseStrongUp   trendPhase = "strong_trend_up"
	phaseStrongDown trendPhase = "strong_trend_down"
	phaseWeakUp     trendPhase = "weak_trend_up"
	phaseWeakDown   trendPhase = "weak_trend_down"
	phaseSideways   trendPhase = "sideways"
)

func (p trendPhase) up() bool   { return p == phaseStrongUp || p == phaseWeakUp }
func (p trendPhase) down() bool { return p == phaseStrongDown || p == phaseWeakDown }

// trendPosition is the engine's live position with its exit levels.
type trendPosition struct {
	Deal     types.Deal      `json:"deal"`
	Stop     decimal.Decimal `json:"stop"`
	Target   decimal.Decimal `json:"target"`
	EntryATR decimal.Decimal `json:"entryAtr"`
	Phase    trendPhase      `json:"phase"`

	BreakevenDone bool `json:"breakevenDone"`
	TrailingOn    bool `json:"trailingOn"`
	PartialDone   bool `json:"partialDone"`
}

// trendState is the serialized engine state.
type trendState struct {
	Position          *trendPosition `json:"position,omitempty"`
	EntryOrderID      string         `json:"entryOrderId,omitempty"`
	PartialOrderID    string         `json:"partialOrderId,omitempty"`
	ExitOrderID       string         `json:"exitOrderId,omitempty"`
	ExitReason        string         `json:"exitReason,omitempty"`
	ConsecutiveLosses int            `json:"consecutiveLosses"`
	PrevRSI           float64        `json:"prevRsi"`
}

// TrendEngine trades continuations of established trends on a single
// timeframe with phase-adaptive exits.
type TrendEngine struct {
	logger *zap.Logger
	config types.TrendConfig
	market types.Market

	state  trendState
	closed []types.Deal
}

// NewTrendEngine creates a trend-follower engine.
func NewTrendEngine(logger *zap.Logger, config types.TrendConfig) *TrendEngine {
	return &TrendEngine{logger: logger.Named("trend"), config: config}
}

// Kind implements Engine.
func (t *TrendEngine) Kind() types.StrategyKind { return types.StrategyTrend }

// Init implements Engine.
func (t *TrendEngine) Init(market types.Market) error {
	t.market = market
	return nil
}

// bundle is the per-tick indicator snapshot.
type bundle struct {
	fast, slow float64
	atr        float64
	rsi        float64
	price      float64
	volume     float64
	volMean    float64
	phase      trendPhase
	ok         bool
}

func (t *TrendEngine) compute(input TickInput) bundle {
	bars := input.Candles[t.config.Timeframe]
	need := t.config.EMASlowPeriod + 1
	if len(bars) < need {
		return bundle{}
	}
	closes := indicators.Closes(bars)
	fast, okF := indicators.EMALast(closes, t.config.EMAFastPeriod)
	slow, okS := indicators.EMALast(closes, t.config.EMASlowPeriod)
	atr, okA := indicators.ATR(bars, t.config.ATRPeriod)
	rsi, okR := indicators.RSI(closes, t.config.RSIPeriod)
	if !okF || !okS || !okA || !okR {
		return bundle{}
	}
	price, _ := input.Price.Float64()
	if price <= 0 {
		return bundle{}
	}

	volumes := indicators.Volumes(bars)
	volMean := indicators.SMA(volumes[:len(volumes)-1], 20)
	lastVol := volumes[len(volumes)-1]

	divergence := (fast - slow) / price
	var phase trendPhase
	switch {
	case divergence > t.config.StrongTrendPct:
		phase = phaseStrongUp
	case divergence > t.config.WeakTrendPct:
		phase = phaseWeakUp
	case divergence < -t.config.StrongTrendPct:
		phase = phaseStrongDown
	case divergence < -t.config.WeakTrendPct:
		phase = phaseWeakDown
	default:
		phase = phaseSideways
	}

	return bundle{
		fast: fast, slow: slow, atr: atr, rsi: rsi,
		price: price, volume: lastVol, volMean: volMean,
		phase: phase, ok: true,
	}
}

func (t *TrendEngine) slMult(p trendPhase) float64 {
	switch p {
	case phaseStrongUp, phaseStrongDown:
		return t.config.SLMultStrong
	case phaseWeakUp, phaseWeakDown:
		return t.config.SLMultWeak
	default:
		return t.config.SLMultSideways
	}
}

func (t *TrendEngine) tpMult(p trendPhase) float64 {
	switch p {
	case phaseStrongUp, phaseStrongDown:
		return t.config.TPMultStrong
	case phaseWeakUp, phaseWeakDown:
		return t.config.TPMultWeak
	default:
		return t.config.TPMultSideways
	}
}

// OnTick implements Engine.
func (t *TrendEngine) OnTick(input TickInput) ([]Intent, error) {
	if input.Price.IsZero() {
		return nil, nil
	}
	b := t.compute(input)
	if !b.ok {
		return nil, nil
	}
	defer func() { t.state.PrevRSI = b.rsi }()

	if t.state.Position != nil {
		return t.manage(input, b), nil
	}
	if t.state.EntryOrderID != "" {
		return nil, nil
	}

	// The high-volatility override inhibits new entries.
	if b.atr/b.price > t.config.MaxATRFilterPct {
		return nil, nil
	}
	return t.maybeEnter(input, b), nil
}

// maybeEnter evaluates the phase-specific entry conditions.
func (t *TrendEngine) maybeEnter(input TickInput, b bundle) []Intent {
	bars := input.Candles[t.config.Timeframe]
	last := bars[len(bars)-1]
	lastOpen, _ := last.Open.Float64()
	lastClose, _ := last.Close.Float64()
	lastLow, _ := last.Low.Float64()
	lastHigh, _ := last.High.Float64()

	volConfirmed := b.volMean > 0 && b.volume >= b.volMean*t.config.VolumeMultiplier

	var direction types.PositionSide
	entered := false

	switch {
	case b.phase.up():
		// Pullback to EMA(20) with a rejection bar, volume confirmed.
		touched := lastLow <= b.fast*(1+t.config.PullbackTolerancePct)
		rejected := lastClose > lastOpen && lastClose > b.fast
		if touched && rejected && volConfirmed {
			direction = types.PositionSideLong
			entered = true
		}
	case b.phase.down():
		touched := lastHigh >= b.fast*(1-t.config.PullbackTolerancePct)
		rejected := lastClose < lastOpen && lastClose < b.fast
		if touched && rejected && volConfirmed {
			direction = types.PositionSideShort
			entered = true
		}
	default:
		// Sideways: RSI crossing up from oversold, or a range breakout.
		rsiCross := t.state.PrevRSI > 0 && t.state.PrevRSI < 30 && b.rsi >= 30
		rangeTop := recentHigh(bars[:len(bars)-1], 20)
		breakout := rangeTop > 0 && lastClose > rangeTop
		if (rsiCross || breakout) && volConfirmed {
			direction = types.PositionSideLong
			entered = true
		}
	}
	if !entered {
		return nil
	}

	atrD := decimal.NewFromFloat(b.atr)
	sl := decimal.NewFromFloat(t.slMult(b.phase)).Mul(atrD)
	tp := decimal.NewFromFloat(t.tpMult(b.phase)).Mul(atrD)

	var stop, target decimal.Decimal
	side := types.OrderSideBuy
	if direction == types.PositionSideLong {
		stop = input.Price.Sub(sl)
		target = input.Price.Add(tp)
	} else {
		side = types.OrderSideSell
		stop = input.Price.Add(sl)
		target = input.Price.Sub(tp)
	}

	amount := t.size(input.Price, stop)
	if amount.IsZero() {
		return nil
	}

	localID := uuid.NewString()
	t.state.EntryOrderID = localID

	signal := &types.Signal{
		ID:        uuid.NewString(),
		Strategy:  types.StrategyTrend,
		Symbol:    t.market.Symbol,
		Direction: direction,
		Entry:     input.Price,
		StopLoss:  stop,
		TakeProfits: []types.TakeProfitTarget{
			{Price: target, Fraction: decimal.NewFromInt(1)},
		},
		Confidence:  0.6,
		GeneratedAt: input.Now,
	}
	if risk := input.Price.Sub(stop).Abs(); risk.IsPositive() {
		rr, _ := target.Sub(input.Price).Abs().Div(risk).Float64()
		signal.RiskReward = rr
	}

	t.logger.Info("trend entry",
		zap.String("phase", string(b.phase)),
		zap.String("direction", string(direction)),
		zap.String("stop", stop.String()),
		zap.String("target", target.String()))

	// Exit levels ride along in the tag so the fill handler can restore
	// them without re-deriving indicators.
	meta, _ := json.Marshal(trendPosition{
		Stop: stop, Target: target,
		EntryATR: atrD, Phase: b.phase,
	})

	return []Intent{{
		Kind:     IntentPlaceOrder,
		LocalID:  localID,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Amount:   amount,
		Role:     types.RoleBaseOrder,
		Tag:      string(meta),
		RefPrice: input.Price,
		Signal:   signal,
	}}
}

// size computes the risk-based position size, halved after a loss streak.
func (t *TrendEngine) size(entry, stop decimal.Decimal) decimal.Decimal {
	riskDistance := entry.Sub(stop).Abs()
	if riskDistance.IsZero() {
		return decimal.Zero
	}
	risk := t.config.RiskPerTradePct.Mul(t.config.Capital)
	amount := risk.Div(riskDistance)
	if t.config.HalveAfterLosses > 0 && t.state.ConsecutiveLosses >= t.config.HalveAfterLosses {
		amount = amount.Div(decimal.NewFromInt(2))
	}
	return utils.RoundToStep(amount, t.market.AmountStep)
}

func recentHigh(bars []types.OHLCV, lookback int) float64 {
	if len(bars) < lookback {
		lookback = len(bars)
	}
	high := 0.0
	for _, b := range bars[len(bars)-lookback:] {
		h, _ := b.High.Float64()
		if h > high {
			high = h
		}
	}
	return high
}

// manage drives a live position: breakeven, trailing, partial close, exits.
func (t *TrendEngine) manage(input TickInput, b bundle) []Intent {
	pos := t.state.Position
	pos.Deal.UpdateHighest(input.Price)

	if t.state.ExitOrderID != "" {
		return nil
	}

	long := pos.Deal.Direction == types.PositionSideLong
	entry := pos.Deal.AvgEntry
	atr := pos.EntryATR

	var profit decimal.Decimal
	if long {
		profit = input.Price.Sub(entry)
	} else {
		profit = entry.Sub(input.Price)
	}

	// Breakeven once a full ATR in profit.
	if !pos.BreakevenDone && profit.GreaterThanOrEqual(atr.Mul(decimal.NewFromFloat(t.config.BreakevenATR))) {
		pos.BreakevenDone = true
		if long && pos.Stop.LessThan(entry) {
			pos.Stop = entry
		} else if !long && pos.Stop.GreaterThan(entry) {
			pos.Stop = entry
		}
	}

	// Trailing after 1.5 ATR: gap below (above) the watermark.
	if profit.GreaterThanOrEqual(atr.Mul(decimal.NewFromFloat(t.config.TrailingStartATR))) {
		pos.TrailingOn = true
	}
	if pos.TrailingOn {
		gap := atr.Mul(decimal.NewFromFloat(t.config.TrailingGapATR))
		if long {
			if trail := pos.Deal.HighestPrice.Sub(gap); trail.GreaterThan(pos.Stop) {
				pos.Stop = trail
			}
		} else {
			if trail := pos.Deal.HighestPrice.Add(gap); trail.LessThan(pos.Stop) {
				pos.Stop = trail
			}
		}
	}

	// Hard exits.
	if long {
		if input.Price.LessThanOrEqual(pos.Stop) {
			return t.closePosition("stop_loss", pos.Deal.Amount)
		}
		if input.Price.GreaterThanOrEqual(pos.Target) {
			return t.closePosition("take_profit", pos.Deal.Amount)
		}
	} else {
		if input.Price.GreaterThanOrEqual(pos.Stop) {
			return t.closePosition("stop_loss", pos.Deal.Amount)
		}
		if input.Price.LessThanOrEqual(pos.Target) {
			return t.closePosition("take_profit", pos.Deal.Amount)
		}
	}

	// Partial close at the configured fraction of the TP distance.
	if !pos.PartialDone && t.config.PartialCloseFrac > 0 && t.state.PartialOrderID == "" {
		distance := pos.Target.Sub(entry).Abs()
		threshold := distance.Mul(decimal.NewFromFloat(t.config.PartialCloseAtTP))
		if profit.GreaterThanOrEqual(threshold) {
			qty := utils.RoundToStep(
				pos.Deal.Amount.Mul(decimal.NewFromFloat(t.config.PartialCloseFrac)),
				t.market.AmountStep)
			if qty.IsPositive() {
				localID := uuid.NewString()
				t.state.PartialOrderID = localID
				side := types.OrderSideSell
				if !long {
					side = types.OrderSideBuy
				}
				return []Intent{{
					Kind:    IntentPlaceOrder,
					LocalID: localID,
					Side:    side,
					Type:    types.OrderTypeMarket,
					Amount:  qty,
					Role:    types.RoleTakeProfit,
					DealID:  pos.Deal.ID,
				}}
			}
		}
	}
	return nil
}

// closePosition emits the full-exit market order.
func (t *TrendEngine) closePosition(reason string, amount decimal.Decimal) []Intent {
	pos := t.state.Position
	localID := uuid.NewString()
	t.state.ExitOrderID = localID
	t.state.ExitReason = reason

	role := types.RoleStopLoss
	if reason == "take_profit" {
		role = types.RoleTakeProfit
	}
	side := types.OrderSideSell
	if pos.Deal.Direction == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	return []Intent{{
		Kind:        IntentPlaceOrder,
		LocalID:     localID,
		Side:        side,
		Type:        types.OrderTypeMarket,
		Amount:      amount,
		Role:        role,
		DealID:      pos.Deal.ID,
		CloseReason: reason,
	}}
}

// OnOrderUpdate implements Engine.
func (t *TrendEngine) OnOrderUpdate(order types.Order, input TickInput) []Intent {
	if order.LocalID == "" {
		return nil
	}
	switch order.LocalID {
	case t.state.EntryOrderID:
		t.onEntryUpdate(order, input)
	case t.state.PartialOrderID:
		t.onPartialUpdate(order)
	case t.state.ExitOrderID:
		t.onExitUpdate(order, input)
	}
	return nil
}

func (t *TrendEngine) onEntryUpdate(order types.Order, input TickInput) {
	t.state.EntryOrderID = ""
	if order.Status != types.OrderStatusClosed {
		return
	}
	fill := order.AvgPrice
	if fill.IsZero() {
		fill = order.Price
	}

	var meta trendPosition
	if order.Tag != "" {
		_ = json.Unmarshal([]byte(order.Tag), &meta)
	}

	direction := types.PositionSideLong
	if order.Side == types.OrderSideSell {
		direction = types.PositionSideShort
	}
	deal := types.Deal{
		ID:           uuid.NewString(),
		Symbol:       t.market.Symbol,
		Direction:    direction,
		HighestPrice: fill,
		Active:       true,
		OpenedAt:     input.Now,
	}
	deal.ApplyFill(fill, order.FilledQty)

	meta.Deal = deal
	t.state.Position = &meta
}

func (t *TrendEngine) onPartialUpdate(order types.Order) {
	t.state.PartialOrderID = ""
	if order.Status != types.OrderStatusClosed || t.state.Position == nil {
		return
	}
	pos := t.state.Position
	exit := order.AvgPrice
	if exit.IsZero() {
		exit = order.Price
	}

	qty := order.FilledQty
	var chunk decimal.Decimal
	if pos.Deal.Direction == types.PositionSideLong {
		chunk = exit.Sub(pos.Deal.AvgEntry).Mul(qty)
	} else {
		chunk = pos.Deal.AvgEntry.Sub(exit).Mul(qty)
	}
	pos.Deal.RealizedPnL = pos.Deal.RealizedPnL.Add(chunk)
	pos.Deal.QuoteCost = pos.Deal.QuoteCost.Sub(pos.Deal.AvgEntry.Mul(qty))
	pos.Deal.Amount = pos.Deal.Amount.Sub(qty)
	pos.PartialDone = true

	t.logger.Info("partial close",
		zap.String("qty", qty.String()),
		zap.String("chunk", chunk.String()))
}

func (t *TrendEngine) onExitUpdate(order types.Order, input TickInput) {
	reason := t.state.ExitReason
	t.state.ExitOrderID = ""
	t.state.ExitReason = ""
	if order.Status != types.OrderStatusClosed {
		return
	}
	pos := t.state.Position
	if pos == nil {
		return
	}
	exit := order.AvgPrice
	if exit.IsZero() {
		exit = order.Price
	}

	var chunk decimal.Decimal
	if pos.Deal.Direction == types.PositionSideLong {
		chunk = exit.Sub(pos.Deal.AvgEntry).Mul(order.FilledQty)
	} else {
		chunk = pos.Deal.AvgEntry.Sub(exit).Mul(order.FilledQty)
	}

	now := input.Now
	deal := pos.Deal
	deal.Active = false
	deal.CloseReason = reason
	deal.RealizedPnL = deal.RealizedPnL.Add(chunk)
	deal.ClosedAt = &now

	if deal.RealizedPnL.IsNegative() {
		t.state.ConsecutiveLosses++
	} else if deal.RealizedPnL.IsPositive() {
		t.state.ConsecutiveLosses = 0
	}

	t.closed = append(t.closed, deal)
	t.state.Position = nil
}

// OnOrderFailed implements Engine.
func (t *TrendEngine) OnOrderFailed(localID string) {
	switch localID {
	case t.state.EntryOrderID:
		t.state.EntryOrderID = ""
	case t.state.PartialOrderID:
		t.state.PartialOrderID = ""
	case t.state.ExitOrderID:
		t.state.ExitOrderID = ""
		t.state.ExitReason = ""
	}
}

// Deals implements Engine.
func (t *TrendEngine) Deals() []types.Deal {
	if t.state.Position != nil {
		return []types.Deal{t.state.Position.Deal}
	}
	return nil
}

// DrainClosed implements Engine.
func (t *TrendEngine) DrainClosed() []types.Deal {
	out := t.closed
	t.closed = nil
	return out
}

// MarshalState implements Engine.
func (t *TrendEngine) MarshalState() (json.RawMessage, error) {
	return json.Marshal(t.state)
}

// RestoreState implements Engine.
func (t *TrendEngine) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &t.state)
}
