package strategy_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/strategy"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func smcConfig() types.SMCConfig {
	cfg := types.DefaultSMCConfig()
	cfg.Capital = decimal.NewFromInt(10000)
	return cfg
}

func smcMarket() types.Market {
	return types.Market{
		Symbol:     "X/USDT",
		Type:       types.MarketTypeLinear,
		PriceTick:  decimal.NewFromFloat(0.001),
		AmountStep: decimal.NewFromFloat(0.0001),
	}
}

var smcNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

// smcCandles builds the four timeframe windows. The M15 window ends with a
// bullish engulfing bar on elevated volume; the other windows are small and
// structurally neutral so injected analysis stays in force.
func smcCandles() map[types.Timeframe][]types.OHLCV {
	flat := func(n int, price float64) []types.OHLCV {
		bars := make([]types.OHLCV, n)
		for i := range bars {
			bars[i] = types.OHLCV{
				Timestamp: smcNow.Add(time.Duration(i-n) * time.Hour),
				Open:      decimal.NewFromFloat(price),
				High:      decimal.NewFromFloat(price + 0.1),
				Low:       decimal.NewFromFloat(price - 0.1),
				Close:     decimal.NewFromFloat(price),
				Volume:    decimal.NewFromInt(1000),
			}
		}
		return bars
	}

	m15 := flat(30, 100.5)
	// Bearish bar then a bullish bar engulfing its body.
	m15[28].Open = decimal.NewFromFloat(100.6)
	m15[28].Close = decimal.NewFromFloat(100.4)
	m15[29].Open = decimal.NewFromFloat(100.35)
	m15[29].Close = decimal.NewFromFloat(100.65)
	m15[29].High = decimal.NewFromFloat(100.7)
	m15[29].Low = decimal.NewFromFloat(100.3)
	m15[29].Volume = decimal.NewFromInt(1500)

	return map[types.Timeframe][]types.OHLCV{
		types.Timeframe1d:  flat(6, 100),
		types.Timeframe4h:  flat(6, 100),
		types.Timeframe1h:  flat(30, 100),
		types.Timeframe15m: m15,
	}
}

func smcTick(price float64) strategy.TickInput {
	return strategy.TickInput{
		Now:     smcNow,
		Price:   decimal.NewFromFloat(price),
		Market:  smcMarket(),
		Candles: smcCandles(),
	}
}

// smcStateJSON builds serialized engine state with one demand zone and a
// fresh bullish analysis.
func smcStateJSON(zoneLow, zoneHigh float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"zones":[{"id":"z1","kind":"order_block","direction":"long","low":"%v","high":"%v",`+
			`"createdAt":"2025-06-10T11:58:00Z","score":0.8,"extremeSince":"0","mitigated":false,"invalid":false}],`+
			`"analysis":{"d1Trend":"bullish","h4Trend":"bullish","h4Event":"","analyzedAt":"2025-06-10T11:59:00Z"},`+
			`"pendingStop":"0","pendingRisk":"0","stats":{"wins":0,"losses":0}}`,
		zoneLow, zoneHigh))
}

// smcPositionJSON builds serialized state holding a long position: entry
// 100, stop 98, risk-per-unit 2, amount 1, full partial ladder pending.
func smcPositionJSON() json.RawMessage {
	return json.RawMessage(`{
		"zones":[],
		"analysis":{"d1Trend":"bullish","h4Trend":"bullish","h4Event":"","analyzedAt":"2025-06-10T11:59:00Z"},
		"position":{
			"deal":{"id":"d1","botName":"","symbol":"X/USDT","direction":"long","amount":"1",
				"quoteCost":"100","avgEntry":"100","highestPrice":"100","trailingActive":false,
				"safetyOrdersUsed":0,"active":true,"realizedPnl":"0","openedAt":"2025-06-10T10:00:00Z"},
			"stop":"98","riskPerUnit":"2","originalAmount":"1",
			"partials":[
				{"rMultiple":1.5,"fraction":0.5,"done":false},
				{"rMultiple":2.5,"fraction":0.3,"done":false},
				{"rMultiple":4,"fraction":0.2,"done":false}
			],
			"signalId":"sig-1"},
		"pendingStop":"0","pendingRisk":"0","stats":{"wins":0,"losses":0}}`)
}

func TestSMCSignalInDemandZone(t *testing.T) {
	e := strategy.NewSMCEngine(zap.NewNop(), smcConfig())
	e.Init(smcMarket())
	if err := e.RestoreState(smcStateJSON(99, 101)); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	intents, err := e.OnTick(smcTick(100.5))
	if err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("intent count = %d, want 1 entry", len(intents))
	}
	in := intents[0]
	if in.Side != types.OrderSideBuy || in.Role != types.RoleBaseOrder {
		t.Fatalf("entry = %+v, want base buy", in)
	}
	if in.Signal == nil {
		t.Fatal("entry must carry its signal")
	}
	sig := in.Signal

	// Stop sits just beyond the zone's far edge: 99 * (1 - 0.002).
	wantStop := decimal.NewFromFloat(98.802)
	if !sig.StopLoss.Equal(wantStop) {
		t.Errorf("stop = %s, want %s", sig.StopLoss, wantStop)
	}
	if sig.Confidence < smcConfig().MinConfidence {
		t.Errorf("confidence %v below minimum", sig.Confidence)
	}
	if len(sig.TakeProfits) != 3 {
		t.Fatalf("take profits = %d, want 3 partial targets", len(sig.TakeProfits))
	}
	// Fractions sum to 1.
	sum := decimal.Zero
	for _, tp := range sig.TakeProfits {
		sum = sum.Add(tp.Fraction)
		if !tp.Price.GreaterThan(sig.Entry) {
			t.Errorf("target %s not above entry %s", tp.Price, sig.Entry)
		}
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		t.Errorf("partial fractions sum = %s, want 1", sum)
	}
	if !in.Amount.IsPositive() {
		t.Error("sized amount must be positive")
	}
}

func TestSMCZeroRiskSignalRejected(t *testing.T) {
	cfg := smcConfig()
	cfg.StructureBuffer = 0
	cfg.ZoneMaxPenetration = 1 // a touch of the lower edge keeps the zone valid
	e := strategy.NewSMCEngine(zap.NewNop(), cfg)
	e.Init(smcMarket())
	// Zone lower edge equals the entry price: stop == entry, zero risk.
	e.RestoreState(smcStateJSON(100.5, 101.5))

	intents, _ := e.OnTick(smcTick(100.5))
	if len(intents) != 0 {
		t.Errorf("zero-risk signal must be rejected, got %d intents", len(intents))
	}
}

func TestSMCNoEntryOutsideZone(t *testing.T) {
	e := strategy.NewSMCEngine(zap.NewNop(), smcConfig())
	e.Init(smcMarket())
	e.RestoreState(smcStateJSON(90, 92))

	intents, _ := e.OnTick(smcTick(100.5))
	if len(intents) != 0 {
		t.Errorf("no entry expected outside the zone, got %d intents", len(intents))
	}
}

func TestSMCZoneInvalidatedByPenetration(t *testing.T) {
	e := strategy.NewSMCEngine(zap.NewNop(), smcConfig())
	e.Init(smcMarket())
	e.RestoreState(smcStateJSON(100, 102))

	// 100.9 penetrates 55% of the zone height from the top: invalidated.
	if intents, _ := e.OnTick(smcTick(100.9)); len(intents) != 0 {
		t.Fatal("no entry expected during the invalidating tick")
	}
	// Even back inside the zone the entry stays off.
	if intents, _ := e.OnTick(smcTick(101.5)); len(intents) != 0 {
		t.Error("invalidated zone must not produce entries")
	}
}

func TestSMCPartialLadder(t *testing.T) {
	e := strategy.NewSMCEngine(zap.NewNop(), smcConfig())
	e.Init(smcMarket())
	if err := e.RestoreState(smcPositionJSON()); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	// 1.5R = 103: first partial, 50%.
	intents, _ := e.OnTick(smcTick(103))
	if len(intents) != 1 {
		t.Fatalf("intents at 103 = %d, want first partial", len(intents))
	}
	p1 := intents[0]
	if !p1.Amount.Equal(decimal.NewFromFloat(0.5)) || p1.Side != types.OrderSideSell {
		t.Fatalf("first partial = %+v, want sell 0.5", p1)
	}
	e.OnOrderUpdate(types.Order{
		LocalID: p1.LocalID, Side: types.OrderSideSell, Status: types.OrderStatusClosed,
		AvgPrice: decimal.NewFromInt(103), FilledQty: p1.Amount, Amount: p1.Amount,
	}, smcTick(103))

	if got := e.Deals()[0].Amount; !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("amount after first partial = %s, want 0.5", got)
	}

	// 2.5R = 105: second partial, 30%.
	intents, _ = e.OnTick(smcTick(105))
	if len(intents) != 1 {
		t.Fatalf("intents at 105 = %d, want second partial", len(intents))
	}
	p2 := intents[0]
	if !p2.Amount.Equal(decimal.NewFromFloat(0.3)) {
		t.Fatalf("second partial = %s, want 0.3", p2.Amount)
	}
	e.OnOrderUpdate(types.Order{
		LocalID: p2.LocalID, Side: types.OrderSideSell, Status: types.OrderStatusClosed,
		AvgPrice: decimal.NewFromInt(105), FilledQty: p2.Amount, Amount: p2.Amount,
	}, smcTick(105))

	// 4R = 108: the runner closes the position.
	intents, _ = e.OnTick(smcTick(108))
	if len(intents) != 1 {
		t.Fatalf("intents at 108 = %d, want runner close", len(intents))
	}
	runner := intents[0]
	if runner.CloseReason != "take_profit" {
		t.Errorf("runner close reason = %s, want take_profit", runner.CloseReason)
	}
	if !runner.Amount.Equal(decimal.NewFromFloat(0.2)) {
		t.Errorf("runner amount = %s, want 0.2", runner.Amount)
	}
	e.OnOrderUpdate(types.Order{
		LocalID: runner.LocalID, Side: types.OrderSideSell, Status: types.OrderStatusClosed,
		AvgPrice: decimal.NewFromInt(108), FilledQty: runner.Amount, Amount: runner.Amount,
	}, smcTick(108))

	closed := e.DrainClosed()
	if len(closed) != 1 {
		t.Fatalf("closed deals = %d, want 1", len(closed))
	}
	// 0.5*3 + 0.3*5 + 0.2*8 = 1.5 + 1.5 + 1.6 = 4.6.
	if !closed[0].RealizedPnL.Equal(decimal.NewFromFloat(4.6)) {
		t.Errorf("realized = %s, want 4.6", closed[0].RealizedPnL)
	}
}

func TestSMCStopMovesToBreakevenAfterPartial(t *testing.T) {
	e := strategy.NewSMCEngine(zap.NewNop(), smcConfig())
	e.Init(smcMarket())
	e.RestoreState(smcPositionJSON())

	intents, _ := e.OnTick(smcTick(103))
	p1 := intents[0]
	e.OnOrderUpdate(types.Order{
		LocalID: p1.LocalID, Side: types.OrderSideSell, Status: types.OrderStatusClosed,
		AvgPrice: decimal.NewFromInt(103), FilledQty: p1.Amount, Amount: p1.Amount,
	}, smcTick(103))

	// 99.9 sits above the original stop 98 but below breakeven.
	intents, _ = e.OnTick(smcTick(99.9))
	if len(intents) != 1 {
		t.Fatalf("intents at 99.9 = %d, want stop exit", len(intents))
	}
	if intents[0].CloseReason != "stop_loss" {
		t.Errorf("close reason = %s, want stop_loss at breakeven", intents[0].CloseReason)
	}
}

func TestSMCStateRoundTrip(t *testing.T) {
	e := strategy.NewSMCEngine(zap.NewNop(), smcConfig())
	e.Init(smcMarket())
	e.RestoreState(smcStateJSON(99, 101))
	e.OnTick(smcTick(100.5))

	raw, err := e.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	restored := strategy.NewSMCEngine(zap.NewNop(), smcConfig())
	restored.Init(smcMarket())
	if err := restored.RestoreState(raw); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	raw2, _ := restored.MarshalState()
	if string(raw) != string(raw2) {
		t.Errorf("state round trip mismatch:\n%s\n%s", raw, raw2)
	}
}
