package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/indicators"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/atlas-desktop/trading-agent/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Confluence weights for the DCA entry gate.
const (
	dcaWeightTrend      = 3.0
	dcaWeightPrice      = 2.0
	dcaWeightIndicators = 2.0
	dcaWeightRisk       = 1.0
	dcaWeightTiming     = 1.0
	dcaWeightTotal      = dcaWeightTrend + dcaWeightPrice + dcaWeightIndicators + dcaWeightRisk + dcaWeightTiming
)

// dcaState is the serialized engine state.
type dcaState struct {
	Deal          *types.Deal `json:"deal,omitempty"`
	BaseOrderID   string      `json:"baseOrderId,omitempty"`
	SafetyOrderID string      `json:"safetyOrderId,omitempty"`
	CloseOrderID  string      `json:"closeOrderId,omitempty"`
	CloseReason   string      `json:"closeReason,omitempty"`
	// LastFillPrice anchors the next safety step unless StepFromBase.
	LastFillPrice decimal.Decimal `json:"lastFillPrice"`
	// BaseEntry is the base order's fill price, the anchor when
	// StepFromBase is set.
	BaseEntry decimal.Decimal `json:"baseEntry"`
	LastClosedAt  time.Time       `json:"lastClosedAt,omitempty"`
	Closing       bool            `json:"closing"`
}

// DCAEngine opens a long on a confluence signal, averages down with safety
// orders and exits via trailing stop, fixed take-profit or stop-loss.
type DCAEngine struct {
	logger *zap.Logger
	config types.DCAConfig
	market types.Market

	state  dcaState
	closed []types.Deal
}

// NewDCAEngine creates a DCA engine.
func NewDCAEngine(logger *zap.Logger, config types.DCAConfig) *DCAEngine {
	return &DCAEngine{logger: logger.Named("dca"), config: config}
}

// Kind implements Engine.
func (d *DCAEngine) Kind() types.StrategyKind { return types.StrategyDCA }

// Init implements Engine.
func (d *DCAEngine) Init(market types.Market) error {
	d.market = market
	return nil
}

// OnTick implements Engine.
func (d *DCAEngine) OnTick(input TickInput) ([]Intent, error) {
	if input.Price.IsZero() {
		return nil, nil
	}

	if d.state.Deal != nil && d.state.Deal.Active {
		return d.manage(input), nil
	}
	if d.state.BaseOrderID != "" || d.state.Closing {
		// Base order or close in flight; wait for the terminal update.
		return nil, nil
	}
	return d.maybeEnter(input), nil
}

// gateResult is the tagged outcome of the entry gate: either a signal to
// act on or the reason analysis aborted.
type gateResult struct {
	ok     bool
	score  float64
	reason string
}

// evaluateGate runs the multi-condition confluence check.
func (d *DCAEngine) evaluateGate(input TickInput) gateResult {
	bars := input.Candles[types.Timeframe1h]
	if len(bars) < 55 {
		return gateResult{reason: "insufficient candles"}
	}
	closes := indicators.Closes(bars)
	price, _ := input.Price.Float64()

	// Trend: fast EMA above slow.
	fast, okF := indicators.EMALast(closes, 20)
	slow, okS := indicators.EMALast(closes, 50)
	if !okF || !okS {
		return gateResult{reason: "insufficient candles"}
	}
	trendOK := fast > slow

	// Price: inside the configured entry range and near support.
	priceOK := true
	if d.config.EntryRangeLow.IsPositive() && input.Price.LessThan(d.config.EntryRangeLow) {
		priceOK = false
	}
	if d.config.EntryRangeHigh.IsPositive() && input.Price.GreaterThan(d.config.EntryRangeHigh) {
		priceOK = false
	}
	if priceOK {
		support := recentLow(bars, 20)
		maxDist, _ := d.config.SupportDistancePct.Float64()
		if support > 0 && (price-support)/support > maxDist {
			priceOK = false
		}
	}

	// Indicators: RSI depressed, volume elevated, price near the lower
	// Bollinger band.
	indicatorsOK := false
	rsi, okR := indicators.RSI(closes, 14)
	_, _, lowerBand, okB := indicators.Bollinger(closes, 20, 2)
	volumes := indicators.Volumes(bars)
	volMean := indicators.SMA(volumes[:len(volumes)-1], 30)
	lastVol := volumes[len(volumes)-1]
	if okR && okB {
		rsiOK := rsi < d.config.RSIThreshold
		volOK := volMean > 0 && lastVol >= volMean*d.config.VolumeMultiplier
		bandOK := price <= lowerBand*1.01
		passed := 0
		for _, ok := range []bool{rsiOK, volOK, bandOK} {
			if ok {
				passed++
			}
		}
		indicatorsOK = passed >= 2
	}

	// Risk and timing filters.
	riskOK := d.config.MaxConcurrentDeals <= 0 || d.activeDeals() < d.config.MaxConcurrentDeals
	timingOK := d.state.LastClosedAt.IsZero() ||
		input.Now.Sub(d.state.LastClosedAt) >= d.config.MinDealInterval

	if !d.config.ConfluenceEnabled {
		if trendOK && priceOK && indicatorsOK && riskOK && timingOK {
			return gateResult{ok: true, score: 1}
		}
		return gateResult{reason: "conditions not met"}
	}

	score := 0.0
	if trendOK {
		score += dcaWeightTrend
	}
	if priceOK {
		score += dcaWeightPrice
	}
	if indicatorsOK {
		score += dcaWeightIndicators
	}
	if riskOK {
		score += dcaWeightRisk
	}
	if timingOK {
		score += dcaWeightTiming
	}
	score /= dcaWeightTotal

	// Risk and timing are hard filters regardless of score.
	if !riskOK || !timingOK {
		return gateResult{reason: "risk/timing filter", score: score}
	}
	if score < d.config.ConfluenceThreshold {
		return gateResult{reason: fmt.Sprintf("confluence %.2f below threshold", score), score: score}
	}
	return gateResult{ok: true, score: score}
}

func (d *DCAEngine) activeDeals() int {
	if d.state.Deal != nil && d.state.Deal.Active {
		return 1
	}
	return 0
}

func recentLow(bars []types.OHLCV, lookback int) float64 {
	if len(bars) < lookback {
		lookback = len(bars)
	}
	low := 0.0
	for _, b := range bars[len(bars)-lookback:] {
		l, _ := b.Low.Float64()
		if low == 0 || l < low {
			low = l
		}
	}
	return low
}

// maybeEnter opens the base order when the gate fires.
func (d *DCAEngine) maybeEnter(input TickInput) []Intent {
	gate := d.evaluateGate(input)
	if !gate.ok {
		return nil
	}

	amount := utils.RoundToStep(d.config.BaseOrderSize.Div(input.Price), d.market.AmountStep)
	if amount.IsZero() {
		return nil
	}

	localID := uuid.NewString()
	d.state.BaseOrderID = localID

	signal := &types.Signal{
		ID:          uuid.NewString(),
		Strategy:    types.StrategyDCA,
		Symbol:      d.market.Symbol,
		Direction:   types.PositionSideLong,
		Entry:       input.Price,
		Confidence:  gate.score,
		GeneratedAt: input.Now,
	}

	d.logger.Info("dca entry",
		zap.String("price", input.Price.String()),
		zap.Float64("confluence", gate.score))

	return []Intent{{
		Kind:     IntentPlaceOrder,
		LocalID:  localID,
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Amount:   amount,
		Role:     types.RoleBaseOrder,
		RefPrice: input.Price,
		Signal:   signal,
	}}
}

// manage drives an active deal: advance the watermark, then evaluate exits
// in order. First match wins.
func (d *DCAEngine) manage(input TickInput) []Intent {
	deal := d.state.Deal
	deal.UpdateHighest(input.Price)

	if d.state.Closing {
		return nil
	}

	one := decimal.NewFromInt(1)

	// 1. Trailing stop.
	if d.config.TrailingEnabled {
		profit := utils.PctChange(deal.AvgEntry, input.Price)
		if !deal.TrailingActive && profit.GreaterThanOrEqual(d.config.ActivationProfitPct) {
			deal.TrailingActive = true
			d.logger.Info("trailing activated",
				zap.String("highest", deal.HighestPrice.String()))
		}
		if deal.TrailingActive {
			var stop decimal.Decimal
			if d.config.TrailingDistanceAbs.IsPositive() {
				stop = deal.HighestPrice.Sub(d.config.TrailingDistanceAbs)
			} else {
				stop = deal.HighestPrice.Mul(one.Sub(d.config.TrailingDistancePct))
			}
			if input.Price.LessThanOrEqual(stop) {
				return d.closeDeal("trailing_stop")
			}
		}
	}

	// 2. Fixed take-profit.
	if d.config.TakeProfitPct.IsPositive() {
		target := deal.AvgEntry.Mul(one.Add(d.config.TakeProfitPct))
		if input.Price.GreaterThanOrEqual(target) {
			return d.closeDeal("take_profit")
		}
	}

	// 3. Stop-loss.
	if d.config.StopLossPct.IsPositive() {
		floor := deal.AvgEntry.Mul(one.Sub(d.config.StopLossPct))
		if input.Price.LessThanOrEqual(floor) {
			return d.closeDeal("stop_loss")
		}
	}

	// Re-arm a safety order whose placement failed earlier.
	if d.state.SafetyOrderID == "" && deal.SafetyOrdersUsed < d.config.MaxSafetyOrders {
		return d.nextSafety()
	}
	return nil
}

// closeDeal emits the full-exit intents: cancel the outstanding safety
// order, then market-sell the whole position.
func (d *DCAEngine) closeDeal(reason string) []Intent {
	deal := d.state.Deal
	var intents []Intent
	if d.state.SafetyOrderID != "" {
		intents = append(intents, Intent{Kind: IntentCancelOrder, LocalID: d.state.SafetyOrderID})
		d.state.SafetyOrderID = ""
	}

	localID := uuid.NewString()
	d.state.CloseOrderID = localID
	d.state.CloseReason = reason
	d.state.Closing = true

	role := types.RoleTrailingExit
	switch reason {
	case "take_profit":
		role = types.RoleTakeProfit
	case "stop_loss":
		role = types.RoleStopLoss
	}

	intents = append(intents, Intent{
		Kind:        IntentPlaceOrder,
		LocalID:     localID,
		Side:        types.OrderSideSell,
		Type:        types.OrderTypeMarket,
		Amount:      deal.Amount,
		Role:        role,
		DealID:      deal.ID,
		CloseReason: reason,
	})
	return intents
}

// safetyQuote returns the quote size of safety order n (1-based).
func (d *DCAEngine) safetyQuote(n int) decimal.Decimal {
	switch d.config.Progression {
	case types.SafetyLinear:
		return d.config.SafetyOrderSize.Mul(decimal.NewFromInt(int64(n)))
	case types.SafetyGeometric:
		q := d.config.SafetyOrderSize
		for i := 1; i < n; i++ {
			q = q.Mul(d.config.ProgressionRatio)
		}
		return q
	default:
		return d.config.SafetyOrderSize
	}
}

// nextSafety emits the next safety order, anchored on the previous fill or
// the base entry.
func (d *DCAEngine) nextSafety() []Intent {
	deal := d.state.Deal
	n := deal.SafetyOrdersUsed + 1
	if n > d.config.MaxSafetyOrders {
		return nil
	}

	step := d.config.SafetyStepPct
	var target decimal.Decimal
	if d.config.StepFromBase {
		// Step n sits n drops below the base entry.
		drop := step.Mul(decimal.NewFromInt(int64(n)))
		target = d.state.BaseEntry.Mul(decimal.NewFromInt(1).Sub(drop))
	} else {
		target = d.state.LastFillPrice.Mul(decimal.NewFromInt(1).Sub(step))
	}
	price := utils.RoundToTick(target, d.market.PriceTick, true)

	quote := d.safetyQuote(n)
	amount := utils.RoundToStep(quote.Div(price), d.market.AmountStep)
	if amount.IsZero() {
		return nil
	}

	localID := uuid.NewString()
	d.state.SafetyOrderID = localID

	return []Intent{{
		Kind:    IntentPlaceOrder,
		LocalID: localID,
		Side:    types.OrderSideBuy,
		Type:    types.OrderTypeLimit,
		Price:   price,
		Amount:  amount,
		Role:    types.RoleSafetyOrder,
		Tag:     fmt.Sprintf("%d", n),
		DealID:  deal.ID,
	}}
}

// OnOrderUpdate implements Engine.
func (d *DCAEngine) OnOrderUpdate(order types.Order, input TickInput) []Intent {
	if order.LocalID == "" {
		return nil
	}
	switch order.LocalID {
	case d.state.BaseOrderID:
		return d.onBaseUpdate(order, input)
	case d.state.SafetyOrderID:
		return d.onSafetyUpdate(order)
	case d.state.CloseOrderID:
		return d.onCloseUpdate(order, input)
	}
	return nil
}

func (d *DCAEngine) onBaseUpdate(order types.Order, input TickInput) []Intent {
	d.state.BaseOrderID = ""
	if order.Status != types.OrderStatusClosed {
		return nil
	}

	fill := order.AvgPrice
	if fill.IsZero() {
		fill = order.Price
	}
	deal := &types.Deal{
		ID:           uuid.NewString(),
		Symbol:       d.market.Symbol,
		Direction:    types.PositionSideLong,
		HighestPrice: fill,
		Active:       true,
		OpenedAt:     input.Now,
	}
	deal.ApplyFill(fill, order.FilledQty)
	d.state.Deal = deal
	d.state.LastFillPrice = fill
	d.state.BaseEntry = fill

	d.logger.Info("deal opened",
		zap.String("deal", deal.ID),
		zap.String("entry", fill.String()),
		zap.String("amount", deal.Amount.String()))

	return d.nextSafety()
}

func (d *DCAEngine) onSafetyUpdate(order types.Order) []Intent {
	if order.Status != types.OrderStatusClosed {
		if order.Status.IsTerminal() || order.Status == types.OrderStatusError {
			d.state.SafetyOrderID = ""
		}
		return nil
	}
	d.state.SafetyOrderID = ""

	deal := d.state.Deal
	if deal == nil || !deal.Active {
		return nil
	}
	fill := order.AvgPrice
	if fill.IsZero() {
		fill = order.Price
	}

	// The averaged entry moves; the highest-price watermark must not.
	deal.ApplyFill(fill, order.FilledQty)
	deal.SafetyOrdersUsed++
	d.state.LastFillPrice = fill

	d.logger.Info("safety order filled",
		zap.Int("n", deal.SafetyOrdersUsed),
		zap.String("avgEntry", deal.AvgEntry.String()),
		zap.String("highest", deal.HighestPrice.String()))

	return d.nextSafety()
}

func (d *DCAEngine) onCloseUpdate(order types.Order, input TickInput) []Intent {
	if order.Status != types.OrderStatusClosed {
		if order.Status.IsTerminal() || order.Status == types.OrderStatusError {
			// Close failed; re-evaluate next tick.
			d.state.CloseOrderID = ""
			d.state.Closing = false
		}
		return nil
	}

	deal := d.state.Deal
	if deal == nil {
		d.state.CloseOrderID = ""
		d.state.Closing = false
		return nil
	}
	exit := order.AvgPrice
	if exit.IsZero() {
		exit = order.Price
	}

	now := input.Now
	if order.FilledAt != nil {
		now = *order.FilledAt
	}
	deal.Active = false
	deal.CloseReason = d.state.CloseReason
	deal.RealizedPnL = exit.Mul(order.FilledQty).Sub(deal.QuoteCost)
	deal.ClosedAt = &now

	d.closed = append(d.closed, *deal)
	d.state.LastClosedAt = now
	d.state.Deal = nil
	d.state.CloseOrderID = ""
	d.state.CloseReason = ""
	d.state.Closing = false
	d.state.LastFillPrice = decimal.Zero

	d.logger.Info("deal closed",
		zap.String("deal", deal.ID),
		zap.String("reason", deal.CloseReason),
		zap.String("pnl", deal.RealizedPnL.String()))
	return nil
}

// OnOrderFailed implements Engine.
func (d *DCAEngine) OnOrderFailed(localID string) {
	switch localID {
	case d.state.BaseOrderID:
		d.state.BaseOrderID = ""
	case d.state.SafetyOrderID:
		// Clearing the id lets manage re-issue the safety order on the
		// next tick.
		d.state.SafetyOrderID = ""
	case d.state.CloseOrderID:
		d.state.CloseOrderID = ""
		d.state.Closing = false
	}
}

// Deals implements Engine.
func (d *DCAEngine) Deals() []types.Deal {
	if d.state.Deal != nil && d.state.Deal.Active {
		return []types.Deal{*d.state.Deal}
	}
	return nil
}

// DrainClosed implements Engine.
func (d *DCAEngine) DrainClosed() []types.Deal {
	out := d.closed
	d.closed = nil
	return out
}

// MarshalState implements Engine.
func (d *DCAEngine) MarshalState() (json.RawMessage, error) {
	return json.Marshal(d.state)
}

// RestoreState implements Engine.
func (d *DCAEngine) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &d.state)
}
