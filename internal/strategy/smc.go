package strategy

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/indicators"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/atlas-desktop/trading-agent/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// structureTrend is the per-timeframe structural classification.
type structureTrend string

const (
	structureBullish structureTrend = "bullish"
	structureBearish structureTrend = "bearish"
	structureRanging structureTrend = "ranging"
)

// structureEvent marks a violated swing.
type structureEvent string

const (
	eventNone  structureEvent = ""
	eventBOS   structureEvent = "bos"   // continuation
	eventCHoCH structureEvent = "choch" // reversal
)

// zoneKind distinguishes the two confluence-zone sources.
type zoneKind string

const (
	zoneOrderBlock zoneKind = "order_block"
	zoneFVG        zoneKind = "fvg"
)

// smcZone is one confluence zone. Zones persist across ticks and are
// re-scored; they are dropped on invalidation, or oldest first once more
// than 64 are held.
type smcZone struct {
	ID        string          `json:"id"`
	Kind      zoneKind        `json:"kind"`
	Direction types.PositionSide `json:"direction"` // long = demand, short = supply
	Low       decimal.Decimal `json:"low"`
	High      decimal.Decimal `json:"high"`
	CreatedAt time.Time       `json:"createdAt"`
	Score     float64         `json:"score"`
	// ExtremeSince tracks the deepest penetration since creation.
	ExtremeSince decimal.Decimal `json:"extremeSince"`
	Mitigated    bool            `json:"mitigated"`
	Invalid      bool            `json:"invalid"`
}

func (z *smcZone) height() decimal.Decimal { return z.High.Sub(z.Low) }

func (z *smcZone) contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(z.Low) && price.LessThanOrEqual(z.High)
}

// observe updates penetration bookkeeping with the current price and
// invalidates the zone once penetration exceeds half its height.
func (z *smcZone) observe(price decimal.Decimal, maxPenetration float64) {
	if z.Invalid {
		return
	}
	h := z.height()
	if !h.IsPositive() {
		z.Invalid = true
		return
	}

	var depth decimal.Decimal
	if z.Direction == types.PositionSideLong {
		// Demand: price attacks from above; depth measured from the top.
		if z.ExtremeSince.IsZero() || price.LessThan(z.ExtremeSince) {
			z.ExtremeSince = price
		}
		if z.ExtremeSince.GreaterThanOrEqual(z.High) {
			return
		}
		depth = z.High.Sub(z.ExtremeSince)
	} else {
		if z.ExtremeSince.IsZero() || price.GreaterThan(z.ExtremeSince) {
			z.ExtremeSince = price
		}
		if z.ExtremeSince.LessThanOrEqual(z.Low) {
			return
		}
		depth = z.ExtremeSince.Sub(z.Low)
	}

	ratio, _ := depth.Div(h).Float64()
	if ratio > maxPenetration {
		z.Invalid = true
	}
}

// smcAnalysis is the cached multi-timeframe structural read.
type smcAnalysis struct {
	D1Trend    structureTrend `json:"d1Trend"`
	H4Trend    structureTrend `json:"h4Trend"`
	H4Event    structureEvent `json:"h4Event"`
	AnalyzedAt time.Time      `json:"analyzedAt"`
}

// smcPartialState tracks one rung of the partial schedule.
type smcPartialState struct {
	RMultiple float64 `json:"rMultiple"`
	Fraction  float64 `json:"fraction"`
	Done      bool    `json:"done"`
	OrderID   string  `json:"orderId,omitempty"`
}

// smcPosition is the live position and its risk frame.
type smcPosition struct {
	Deal           types.Deal        `json:"deal"`
	Stop           decimal.Decimal   `json:"stop"`
	RiskPerUnit    decimal.Decimal   `json:"riskPerUnit"`
	OriginalAmount decimal.Decimal   `json:"originalAmount"`
	Partials       []smcPartialState `json:"partials"`
	SignalID       string            `json:"signalId"`
}

// smcStats feeds the Kelly estimate.
type smcStats struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
}

// smcState is the serialized engine state.
type smcState struct {
	Zones        []smcZone    `json:"zones"`
	Analysis     smcAnalysis  `json:"analysis"`
	Position     *smcPosition `json:"position,omitempty"`
	EntryOrderID string       `json:"entryOrderId,omitempty"`
	ExitOrderID  string       `json:"exitOrderId,omitempty"`
	ExitReason   string       `json:"exitReason,omitempty"`
	PendingStop  decimal.Decimal `json:"pendingStop"`
	PendingRisk  decimal.Decimal `json:"pendingRisk"`
	PendingSignal string         `json:"pendingSignal,omitempty"`
	Stats        smcStats     `json:"stats"`
}

// SMCEngine produces graded entry signals from multi-timeframe structure
// analysis: D1 trend, H4 structure, H1 confluence zones, M15 entry timing.
type SMCEngine struct {
	logger *zap.Logger
	config types.SMCConfig
	market types.Market

	state  smcState
	closed []types.Deal
}

// NewSMCEngine creates an SMC engine.
func NewSMCEngine(logger *zap.Logger, config types.SMCConfig) *SMCEngine {
	return &SMCEngine{logger: logger.Named("smc"), config: config}
}

// Kind implements Engine.
func (s *SMCEngine) Kind() types.StrategyKind { return types.StrategySMC }

// Init implements Engine.
func (s *SMCEngine) Init(market types.Market) error {
	s.market = market
	return nil
}

// classifyStructure reads the swing sequence: higher highs and higher lows
// are bullish, lower highs and lower lows bearish. The last close violating
// a swing beyond the structural buffer flags BOS (with trend) or CHoCH
// (against it).
func (s *SMCEngine) classifyStructure(bars []types.OHLCV) (structureTrend, structureEvent) {
	swings := indicators.Swings(bars, s.config.SwingLookback)
	var highs, lows []float64
	for _, sw := range swings {
		if sw.IsHigh {
			highs = append(highs, sw.Price)
		} else {
			lows = append(lows, sw.Price)
		}
	}
	if len(highs) < 2 || len(lows) < 2 {
		return structureRanging, eventNone
	}

	hh := highs[len(highs)-1] > highs[len(highs)-2]
	hl := lows[len(lows)-1] > lows[len(lows)-2]
	lh := highs[len(highs)-1] < highs[len(highs)-2]
	ll := lows[len(lows)-1] < lows[len(lows)-2]

	trend := structureRanging
	switch {
	case hh && hl:
		trend = structureBullish
	case lh && ll:
		trend = structureBearish
	}

	lastClose, _ := bars[len(bars)-1].Close.Float64()
	buffer := s.config.StructureBuffer
	lastHigh := highs[len(highs)-1]
	lastLow := lows[len(lows)-1]

	event := eventNone
	switch trend {
	case structureBullish:
		if lastClose > lastHigh*(1+buffer) {
			event = eventBOS
		} else if lastClose < lastLow*(1-buffer) {
			event = eventCHoCH
		}
	case structureBearish:
		if lastClose < lastLow*(1-buffer) {
			event = eventBOS
		} else if lastClose > lastHigh*(1+buffer) {
			event = eventCHoCH
		}
	}
	return trend, event
}

// detectZones scans H1 for order blocks and fair value gaps.
func (s *SMCEngine) detectZones(bars []types.OHLCV, now time.Time) []smcZone {
	var zones []smcZone

	// Fair value gaps: a three-candle imbalance.
	for i := 2; i < len(bars); i++ {
		h0, _ := bars[i-2].High.Float64()
		l2, _ := bars[i].Low.Float64()
		if h0 < l2 {
			zones = append(zones, smcZone{
				ID:        uuid.NewString(),
				Kind:      zoneFVG,
				Direction: types.PositionSideLong,
				Low:       bars[i-2].High,
				High:      bars[i].Low,
				CreatedAt: now,
				Score:     0.6,
			})
		}
		l0, _ := bars[i-2].Low.Float64()
		h2, _ := bars[i].High.Float64()
		if l0 > h2 {
			zones = append(zones, smcZone{
				ID:        uuid.NewString(),
				Kind:      zoneFVG,
				Direction: types.PositionSideShort,
				Low:       bars[i].High,
				High:      bars[i-2].Low,
				CreatedAt: now,
				Score:     0.6,
			})
		}
	}

	// Order blocks: the last opposite candle before a displacement.
	if len(bars) > 12 {
		var bodySum float64
		for _, b := range bars[len(bars)-11 : len(bars)-1] {
			o, _ := b.Open.Float64()
			c, _ := b.Close.Float64()
			bodySum += abs64(c - o)
		}
		avgBody := bodySum / 10

		for i := 11; i < len(bars); i++ {
			o, _ := bars[i].Open.Float64()
			c, _ := bars[i].Close.Float64()
			body := c - o
			if abs64(body) < avgBody*1.5 || avgBody == 0 {
				continue
			}
			// Walk back to the last opposite-direction candle.
			for j := i - 1; j >= i-3 && j >= 0; j-- {
				po, _ := bars[j].Open.Float64()
				pc, _ := bars[j].Close.Float64()
				if body > 0 && pc < po {
					zones = append(zones, smcZone{
						ID:        uuid.NewString(),
						Kind:      zoneOrderBlock,
						Direction: types.PositionSideLong,
						Low:       bars[j].Low,
						High:      bars[j].High,
						CreatedAt: now,
						Score:     0.8,
					})
					break
				}
				if body < 0 && pc > po {
					zones = append(zones, smcZone{
						ID:        uuid.NewString(),
						Kind:      zoneOrderBlock,
						Direction: types.PositionSideShort,
						Low:       bars[j].Low,
						High:      bars[j].High,
						CreatedAt: now,
						Score:     0.8,
					})
					break
				}
			}
		}
	}
	return zones
}

// mergeZones folds freshly detected zones into the persisted set, merging
// same-direction overlaps within the merge threshold.
func (s *SMCEngine) mergeZones(fresh []smcZone) {
	for _, nz := range fresh {
		merged := false
		for i := range s.state.Zones {
			z := &s.state.Zones[i]
			if z.Invalid || z.Direction != nz.Direction {
				continue
			}
			if zonesOverlap(z, &nz, s.config.ZoneMergePct) {
				if nz.Low.LessThan(z.Low) {
					z.Low = nz.Low
				}
				if nz.High.GreaterThan(z.High) {
					z.High = nz.High
				}
				if nz.Score > z.Score {
					z.Score = nz.Score
				}
				merged = true
				break
			}
		}
		if !merged {
			s.state.Zones = append(s.state.Zones, nz)
		}
	}

	// Drop invalidated zones and cap the set.
	kept := s.state.Zones[:0]
	for _, z := range s.state.Zones {
		if !z.Invalid {
			kept = append(kept, z)
		}
	}
	s.state.Zones = kept
	if len(s.state.Zones) > 64 {
		sort.Slice(s.state.Zones, func(i, j int) bool {
			return s.state.Zones[i].CreatedAt.After(s.state.Zones[j].CreatedAt)
		})
		s.state.Zones = s.state.Zones[:64]
	}
}

func zonesOverlap(a, b *smcZone, mergePct float64) bool {
	tol := a.High.Mul(decimal.NewFromFloat(mergePct))
	return !(a.High.Add(tol).LessThan(b.Low) || b.High.Add(tol).LessThan(a.Low))
}

// refreshAnalysis re-derives structure and zones when the cache expires or
// an H4 structure break invalidated it early.
func (s *SMCEngine) refreshAnalysis(input TickInput) bool {
	d1 := input.Candles[types.Timeframe1d]
	h4 := input.Candles[types.Timeframe4h]
	h1 := input.Candles[types.Timeframe1h]
	m15 := input.Candles[types.Timeframe15m]
	if len(d1) == 0 || len(h4) == 0 || len(h1) == 0 || len(m15) == 0 {
		return false
	}

	h4Trend, h4Event := s.classifyStructure(h4)
	cacheFresh := input.Now.Sub(s.state.Analysis.AnalyzedAt) < s.config.AnalysisTTL
	if cacheFresh && h4Event == eventNone {
		// Re-score persisted zones against the current price only.
		for i := range s.state.Zones {
			s.state.Zones[i].observe(input.Price, s.config.ZoneMaxPenetration)
		}
		return true
	}

	d1Trend, _ := s.classifyStructure(d1)
	s.state.Analysis = smcAnalysis{
		D1Trend:    d1Trend,
		H4Trend:    h4Trend,
		H4Event:    h4Event,
		AnalyzedAt: input.Now,
	}
	s.mergeZones(s.detectZones(h1, input.Now))
	for i := range s.state.Zones {
		s.state.Zones[i].observe(input.Price, s.config.ZoneMaxPenetration)
	}
	return true
}

// m15Pattern grades the most recent closed entry-timing bar.
func m15Pattern(bars []types.OHLCV, direction types.PositionSide) float64 {
	if len(bars) < 2 {
		return 0
	}
	prev, last := bars[len(bars)-2], bars[len(bars)-1]
	po, _ := prev.Open.Float64()
	pc, _ := prev.Close.Float64()
	lo, _ := last.Open.Float64()
	lc, _ := last.Close.Float64()
	lh, _ := last.High.Float64()
	ll, _ := last.Low.Float64()
	ph, _ := prev.High.Float64()
	pl, _ := prev.Low.Float64()

	body := abs64(lc - lo)
	rng := lh - ll

	if direction == types.PositionSideLong {
		// Bullish engulfing.
		if pc < po && lc > lo && lc >= po && lo <= pc {
			return 0.9
		}
		// Pin bar: long lower wick, close in the upper third.
		lowerWick := min64(lo, lc) - ll
		if rng > 0 && body > 0 && lowerWick >= 2*body && lc >= lh-rng/3 {
			return 0.8
		}
		// Inside bar.
		if lh <= ph && ll >= pl {
			return 0.6
		}
		return 0
	}

	// Short mirrors.
	if pc > po && lc < lo && lc <= po && lo >= pc {
		return 0.9
	}
	upperWick := lh - max64(lo, lc)
	if rng > 0 && body > 0 && upperWick >= 2*body && lc <= ll+rng/3 {
		return 0.8
	}
	if lh <= ph && ll >= pl {
		return 0.6
	}
	return 0
}

// OnTick implements Engine.
func (s *SMCEngine) OnTick(input TickInput) ([]Intent, error) {
	if input.Price.IsZero() {
		return nil, nil
	}
	if !s.refreshAnalysis(input) {
		return nil, nil
	}

	if s.state.Position != nil {
		return s.manage(input), nil
	}
	if s.state.EntryOrderID != "" {
		return nil, nil
	}
	return s.maybeEnter(input), nil
}

// maybeEnter generates a graded signal inside the freshest unmitigated
// zone aligned with the higher-timeframe trend.
func (s *SMCEngine) maybeEnter(input TickInput) []Intent {
	a := s.state.Analysis
	var direction types.PositionSide
	switch {
	case a.D1Trend == structureBullish && a.H4Trend != structureBearish:
		direction = types.PositionSideLong
	case a.D1Trend == structureBearish && a.H4Trend != structureBullish:
		direction = types.PositionSideShort
	default:
		return nil
	}

	zone := s.freshestZone(direction, input.Price)
	if zone == nil {
		return nil
	}

	m15 := input.Candles[types.Timeframe15m]
	quality := m15Pattern(m15, direction)
	if quality == 0 {
		return nil
	}
	if s.config.VolumeConfirm {
		vols := indicators.Volumes(m15)
		mean := indicators.SMA(vols[:len(vols)-1], 20)
		if mean > 0 && vols[len(vols)-1] < mean {
			quality -= 0.2
		}
	}
	confidence := quality * zone.Score / 0.8
	if confidence > 1 {
		confidence = 1
	}
	if confidence < s.config.MinConfidence {
		return nil
	}

	entry := input.Price
	buffer := decimal.NewFromFloat(s.config.StructureBuffer)
	one := decimal.NewFromInt(1)

	var stop decimal.Decimal
	if direction == types.PositionSideLong {
		stop = zone.Low.Mul(one.Sub(buffer))
	} else {
		stop = zone.High.Mul(one.Add(buffer))
	}
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		// A zero-risk trade is rejected outright.
		return nil
	}
	if direction == types.PositionSideLong && stop.GreaterThanOrEqual(entry) {
		return nil
	}
	if direction == types.PositionSideShort && stop.LessThanOrEqual(entry) {
		return nil
	}

	amount := s.size(risk)
	amount = utils.RoundToStep(amount, s.market.AmountStep)
	if amount.IsZero() {
		return nil
	}

	// Targets from the partial schedule, final target capped by minimum RR.
	rr := decimal.NewFromFloat(s.config.MinRiskReward)
	var tps []types.TakeProfitTarget
	if len(s.config.Partials) > 0 {
		for _, p := range s.config.Partials {
			var tp decimal.Decimal
			if direction == types.PositionSideLong {
				tp = entry.Add(risk.Mul(decimal.NewFromFloat(p.RMultiple)))
			} else {
				tp = entry.Sub(risk.Mul(decimal.NewFromFloat(p.RMultiple)))
			}
			tps = append(tps, types.TakeProfitTarget{
				Price:    tp,
				Fraction: decimal.NewFromFloat(p.Fraction),
			})
		}
	} else {
		var tp decimal.Decimal
		if direction == types.PositionSideLong {
			tp = entry.Add(risk.Mul(rr))
		} else {
			tp = entry.Sub(risk.Mul(rr))
		}
		tps = append(tps, types.TakeProfitTarget{Price: tp, Fraction: one})
	}

	signal := &types.Signal{
		ID:          uuid.NewString(),
		Strategy:    types.StrategySMC,
		Symbol:      s.market.Symbol,
		Direction:   direction,
		Entry:       entry,
		StopLoss:    stop,
		TakeProfits: tps,
		Confidence:  confidence,
		RiskReward:  s.config.MinRiskReward,
		GeneratedAt: input.Now,
		MaxAge:      s.config.AnalysisTTL,
	}

	localID := uuid.NewString()
	s.state.EntryOrderID = localID
	s.state.PendingStop = stop
	s.state.PendingRisk = risk
	s.state.PendingSignal = signal.ID

	side := types.OrderSideBuy
	if direction == types.PositionSideShort {
		side = types.OrderSideSell
	}

	s.logger.Info("smc signal",
		zap.String("direction", string(direction)),
		zap.String("zone", string(zone.Kind)),
		zap.Float64("confidence", confidence),
		zap.String("stop", stop.String()))

	return []Intent{{
		Kind:     IntentPlaceOrder,
		LocalID:  localID,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Amount:   amount,
		Role:     types.RoleBaseOrder,
		RefPrice: entry,
		Signal:   signal,
	}}
}

// freshestZone returns the newest valid, unmitigated zone of the given
// direction containing the current price.
func (s *SMCEngine) freshestZone(direction types.PositionSide, price decimal.Decimal) *smcZone {
	var best *smcZone
	for i := range s.state.Zones {
		z := &s.state.Zones[i]
		if z.Invalid || z.Mitigated || z.Direction != direction || !z.contains(price) {
			continue
		}
		if best == nil || z.CreatedAt.After(best.CreatedAt) {
			best = z
		}
	}
	return best
}

// size converts risk-per-unit into a position size via fractional Kelly or
// fixed risk.
func (s *SMCEngine) size(riskPerUnit decimal.Decimal) decimal.Decimal {
	riskQuote := s.config.FixedRiskPct.Mul(s.config.Capital)

	if s.config.KellyEnabled {
		wins, losses := s.state.Stats.Wins, s.state.Stats.Losses
		w := 0.5
		if wins+losses >= 5 {
			w = float64(wins) / float64(wins+losses)
		}
		r := s.config.MinRiskReward
		f := w - (1-w)/r
		f *= s.config.KellyFraction
		if f > 0 {
			kellyQuote := s.config.Capital.Mul(decimal.NewFromFloat(f))
			// Fractional Kelly still respects a 2x fixed-risk ceiling.
			ceiling := riskQuote.Mul(decimal.NewFromInt(2))
			if kellyQuote.GreaterThan(ceiling) {
				kellyQuote = ceiling
			}
			riskQuote = kellyQuote
		}
	}
	return riskQuote.Div(riskPerUnit)
}

// manage drives the open position: stop, partial ladder, runner.
func (s *SMCEngine) manage(input TickInput) []Intent {
	pos := s.state.Position
	pos.Deal.UpdateHighest(input.Price)

	if s.state.ExitOrderID != "" {
		return nil
	}

	long := pos.Deal.Direction == types.PositionSideLong

	// Stop first.
	if (long && input.Price.LessThanOrEqual(pos.Stop)) ||
		(!long && input.Price.GreaterThanOrEqual(pos.Stop)) {
		return s.closePosition("stop_loss", pos.Deal.Amount)
	}

	// Partial ladder at R multiples.
	for i := range pos.Partials {
		p := &pos.Partials[i]
		if p.Done || p.OrderID != "" {
			continue
		}
		var target decimal.Decimal
		if long {
			target = pos.Deal.AvgEntry.Add(pos.RiskPerUnit.Mul(decimal.NewFromFloat(p.RMultiple)))
		} else {
			target = pos.Deal.AvgEntry.Sub(pos.RiskPerUnit.Mul(decimal.NewFromFloat(p.RMultiple)))
		}
		hit := (long && input.Price.GreaterThanOrEqual(target)) ||
			(!long && input.Price.LessThanOrEqual(target))
		if !hit {
			break
		}

		qty := utils.RoundToStep(
			pos.OriginalAmount.Mul(decimal.NewFromFloat(p.Fraction)),
			s.market.AmountStep)
		if qty.GreaterThan(pos.Deal.Amount) || i == len(pos.Partials)-1 {
			qty = pos.Deal.Amount
		}
		if !qty.IsPositive() {
			p.Done = true
			continue
		}

		localID := uuid.NewString()
		p.OrderID = localID
		side := types.OrderSideSell
		if !long {
			side = types.OrderSideBuy
		}
		role := types.RoleTakeProfit
		intent := Intent{
			Kind:    IntentPlaceOrder,
			LocalID: localID,
			Side:    side,
			Type:    types.OrderTypeMarket,
			Amount:  qty,
			Role:    role,
			DealID:  pos.Deal.ID,
		}
		if qty.Equal(pos.Deal.Amount) {
			intent.CloseReason = "take_profit"
			s.state.ExitOrderID = localID
			s.state.ExitReason = "take_profit"
			p.OrderID = ""
			p.Done = true
		}
		return []Intent{intent}
	}
	return nil
}

// closePosition emits the full exit.
func (s *SMCEngine) closePosition(reason string, amount decimal.Decimal) []Intent {
	pos := s.state.Position
	localID := uuid.NewString()
	s.state.ExitOrderID = localID
	s.state.ExitReason = reason

	side := types.OrderSideSell
	if pos.Deal.Direction == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	role := types.RoleStopLoss
	if reason == "take_profit" {
		role = types.RoleTakeProfit
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
func (s *SMCEngine) OnOrderUpdate(order types.Order, input TickInput) []Intent {
	if order.LocalID == "" {
		return nil
	}
	if order.LocalID == s.state.EntryOrderID {
		s.onEntryUpdate(order, input)
		return nil
	}
	if order.LocalID == s.state.ExitOrderID {
		s.onExitUpdate(order, input)
		return nil
	}
	if pos := s.state.Position; pos != nil {
		for i := range pos.Partials {
			if pos.Partials[i].OrderID == order.LocalID {
				s.onPartialUpdate(&pos.Partials[i], order)
				return nil
			}
		}
	}
	return nil
}

func (s *SMCEngine) onEntryUpdate(order types.Order, input TickInput) {
	s.state.EntryOrderID = ""
	if order.Status != types.OrderStatusClosed {
		s.state.PendingSignal = ""
		return
	}
	fill := order.AvgPrice
	if fill.IsZero() {
		fill = order.Price
	}

	direction := types.PositionSideLong
	if order.Side == types.OrderSideSell {
		direction = types.PositionSideShort
	}
	deal := types.Deal{
		ID:           uuid.NewString(),
		Symbol:       s.market.Symbol,
		Direction:    direction,
		HighestPrice: fill,
		Active:       true,
		OpenedAt:     input.Now,
	}
	deal.ApplyFill(fill, order.FilledQty)

	partials := make([]smcPartialState, 0, len(s.config.Partials))
	for _, p := range s.config.Partials {
		partials = append(partials, smcPartialState{RMultiple: p.RMultiple, Fraction: p.Fraction})
	}

	s.state.Position = &smcPosition{
		Deal:           deal,
		Stop:           s.state.PendingStop,
		RiskPerUnit:    s.state.PendingRisk,
		OriginalAmount: deal.Amount,
		Partials:       partials,
		SignalID:       s.state.PendingSignal,
	}
	s.state.PendingStop = decimal.Zero
	s.state.PendingRisk = decimal.Zero
	s.state.PendingSignal = ""

	// The zone that produced the entry is consumed.
	for i := range s.state.Zones {
		if s.state.Zones[i].contains(fill) && s.state.Zones[i].Direction == direction {
			s.state.Zones[i].Mitigated = true
		}
	}
}

func (s *SMCEngine) onPartialUpdate(p *smcPartialState, order types.Order) {
	p.OrderID = ""
	if order.Status != types.OrderStatusClosed || s.state.Position == nil {
		return
	}
	p.Done = true
	pos := s.state.Position
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

	// After the first partial the runner trades risk-free.
	if pos.Deal.Direction == types.PositionSideLong {
		if pos.Stop.LessThan(pos.Deal.AvgEntry) {
			pos.Stop = pos.Deal.AvgEntry
		}
	} else if pos.Stop.GreaterThan(pos.Deal.AvgEntry) {
		pos.Stop = pos.Deal.AvgEntry
	}
}

func (s *SMCEngine) onExitUpdate(order types.Order, input TickInput) {
	reason := s.state.ExitReason
	s.state.ExitOrderID = ""
	s.state.ExitReason = ""
	if order.Status != types.OrderStatusClosed || s.state.Position == nil {
		return
	}
	pos := s.state.Position
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

	if deal.RealizedPnL.IsPositive() {
		s.state.Stats.Wins++
	} else if deal.RealizedPnL.IsNegative() {
		s.state.Stats.Losses++
	}

	s.closed = append(s.closed, deal)
	s.state.Position = nil
}

// OnOrderFailed implements Engine.
func (s *SMCEngine) OnOrderFailed(localID string) {
	if localID == s.state.EntryOrderID {
		s.state.EntryOrderID = ""
		s.state.PendingSignal = ""
		return
	}
	if localID == s.state.ExitOrderID {
		s.state.ExitOrderID = ""
		s.state.ExitReason = ""
		return
	}
	if pos := s.state.Position; pos != nil {
		for i := range pos.Partials {
			if pos.Partials[i].OrderID == localID {
				pos.Partials[i].OrderID = ""
			}
		}
	}
}

// Deals implements Engine.
func (s *SMCEngine) Deals() []types.Deal {
	if s.state.Position != nil {
		return []types.Deal{s.state.Position.Deal}
	}
	return nil
}

// DrainClosed implements Engine.
func (s *SMCEngine) DrainClosed() []types.Deal {
	out := s.closed
	s.closed = nil
	return out
}

// MarshalState implements Engine.
func (s *SMCEngine) MarshalState() (json.RawMessage, error) {
	return json.Marshal(s.state)
}

// RestoreState implements Engine.
func (s *SMCEngine) RestoreState(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &s.state)
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
