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

func trendConfig() types.TrendConfig {
	cfg := types.DefaultTrendConfig()
	cfg.Capital = decimal.NewFromInt(10000)
	return cfg
}

func trendMarket() types.Market {
	return types.Market{
		Symbol:     "X/USDT",
		Type:       types.MarketTypeLinear,
		PriceTick:  decimal.NewFromFloat(0.01),
		AmountStep: decimal.NewFromFloat(0.0001),
	}
}

// pullbackCandles builds a strong uptrend whose last bar pulls back to the
// fast EMA and rejects with elevated volume.
func pullbackCandles(n int) []types.OHLCV {
	bars := make([]types.OHLCV, n)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		c := 100 + 0.5*float64(i+1)
		o := c - 0.5
		bars[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(o),
			High:      decimal.NewFromFloat(c + 0.5),
			Low:       decimal.NewFromFloat(o - 0.5),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	// Rejection bar: dips to the EMA zone, closes above its open.
	last := &bars[n-1]
	c, _ := last.Close.Float64()
	last.Open = decimal.NewFromFloat(c - 0.5)
	last.Low = decimal.NewFromFloat(c - 5.5)
	last.Volume = decimal.NewFromInt(2000)
	return bars
}

// flatCandles builds a quiet constant-price window for management tests.
func flatCandles(n int) []types.OHLCV {
	bars := make([]types.OHLCV, n)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromFloat(100.5),
			Low:       decimal.NewFromFloat(99.5),
			Close:     decimal.NewFromInt(100),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func trendTick(price float64, bars []types.OHLCV) strategy.TickInput {
	return strategy.TickInput{
		Now:     time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
		Price:   decimal.NewFromFloat(price),
		Market:  trendMarket(),
		Candles: map[types.Timeframe][]types.OHLCV{types.Timeframe1h: bars},
	}
}

// positionState builds serialized engine state holding a long position with
// the given exit levels (the S4 setup: entry 100, ATR 2, strong trend).
func positionState(entry, stop, target, atr float64) json.RawMessage {
	deal := fmt.Sprintf(`{"id":"d1","botName":"","symbol":"X/USDT","direction":"long",`+
		`"amount":"1","quoteCost":"%v","avgEntry":"%v","highestPrice":"%v",`+
		`"trailingActive":false,"safetyOrdersUsed":0,"active":true,"realizedPnl":"0",`+
		`"openedAt":"2025-06-10T10:00:00Z"}`, entry, entry, entry)
	return json.RawMessage(fmt.Sprintf(
		`{"position":{"deal":%s,"stop":"%v","target":"%v","entryAtr":"%v",`+
			`"phase":"strong_trend_up","breakevenDone":false,"trailingOn":false,"partialDone":false},`+
			`"consecutiveLosses":0,"prevRsi":50}`, deal, stop, target, atr))
}

func TestTrendEntryOnPullback(t *testing.T) {
	e := strategy.NewTrendEngine(zap.NewNop(), trendConfig())
	e.Init(trendMarket())

	bars := pullbackCandles(100)
	price, _ := bars[len(bars)-1].Close.Float64()
	intents, err := e.OnTick(trendTick(price, bars))
	if err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("intent count = %d, want 1 entry", len(intents))
	}
	in := intents[0]
	if in.Side != types.OrderSideBuy || in.Type != types.OrderTypeMarket {
		t.Errorf("entry = %+v, want market buy", in)
	}
	if in.Signal == nil {
		t.Fatal("entry must carry its signal")
	}
	if !in.Signal.StopLoss.LessThan(in.Signal.Entry) {
		t.Errorf("stop %s not below entry %s", in.Signal.StopLoss, in.Signal.Entry)
	}
	if !in.Signal.TakeProfits[0].Price.GreaterThan(in.Signal.Entry) {
		t.Errorf("target %s not above entry %s", in.Signal.TakeProfits[0].Price, in.Signal.Entry)
	}
	if !in.Amount.IsPositive() {
		t.Error("sized amount must be positive")
	}
}

func TestTrendATRFilterInhibitsEntries(t *testing.T) {
	e := strategy.NewTrendEngine(zap.NewNop(), trendConfig())
	e.Init(trendMarket())

	bars := pullbackCandles(100)
	// Blow up every bar's range to push ATR/price over the filter.
	for i := range bars {
		c, _ := bars[i].Close.Float64()
		bars[i].High = decimal.NewFromFloat(c + 10)
		bars[i].Low = decimal.NewFromFloat(c - 10)
	}
	price, _ := bars[len(bars)-1].Close.Float64()
	intents, _ := e.OnTick(trendTick(price, bars))
	if len(intents) != 0 {
		t.Errorf("expected no entries under the volatility filter, got %d", len(intents))
	}
}

// TestTrendBreakevenMove covers the S4 breakeven step: after price reaches
// entry + 1 ATR the stop sits at entry.
func TestTrendBreakevenMove(t *testing.T) {
	e := strategy.NewTrendEngine(zap.NewNop(), trendConfig())
	e.Init(trendMarket())
	if err := e.RestoreState(positionState(100, 98, 105, 2)); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	bars := flatCandles(60)

	if intents, _ := e.OnTick(trendTick(102, bars)); len(intents) != 0 {
		t.Fatalf("no exit expected at 102, got %d intents", len(intents))
	}
	// 99.5 sits above the original stop 98 but below breakeven.
	intents, _ := e.OnTick(trendTick(99.5, bars))
	if len(intents) != 1 {
		t.Fatalf("exit intents = %d, want 1", len(intents))
	}
	if intents[0].CloseReason != "stop_loss" {
		t.Errorf("close reason = %s, want stop_loss (breakeven stop)", intents[0].CloseReason)
	}
}

// TestTrendPartialClose covers the S4 partial step: at 70% of the TP
// distance half the position closes and the rest rides the trail.
func TestTrendPartialClose(t *testing.T) {
	e := strategy.NewTrendEngine(zap.NewNop(), trendConfig())
	e.Init(trendMarket())
	e.RestoreState(positionState(100, 98, 105, 2))
	bars := flatCandles(60)

	intents, _ := e.OnTick(trendTick(103.5, bars))
	if len(intents) != 1 {
		t.Fatalf("intents at 103.5 = %d, want 1 partial close", len(intents))
	}
	partial := intents[0]
	if partial.Side != types.OrderSideSell || !partial.Amount.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("partial = %+v, want sell of 0.5", partial)
	}

	e.OnOrderUpdate(types.Order{
		LocalID:   partial.LocalID,
		Side:      types.OrderSideSell,
		Status:    types.OrderStatusClosed,
		AvgPrice:  decimal.NewFromFloat(103.5),
		FilledQty: partial.Amount,
		Amount:    partial.Amount,
	}, trendTick(103.5, bars))

	if got := e.Deals()[0].Amount; !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("remaining amount = %s, want 0.5", got)
	}

	// The remainder exits at the target.
	intents, _ = e.OnTick(trendTick(105, bars))
	if len(intents) != 1 || intents[0].CloseReason != "take_profit" {
		t.Fatalf("expected take_profit exit at 105, got %+v", intents)
	}
	exit := intents[0]
	e.OnOrderUpdate(types.Order{
		LocalID:   exit.LocalID,
		Side:      types.OrderSideSell,
		Status:    types.OrderStatusClosed,
		AvgPrice:  decimal.NewFromInt(105),
		FilledQty: exit.Amount,
		Amount:    exit.Amount,
	}, trendTick(105, bars))

	closed := e.DrainClosed()
	if len(closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(closed))
	}
	// 0.5*(103.5-100) + 0.5*(105-100) = 1.75 + 2.5 = 4.25.
	if !closed[0].RealizedPnL.Equal(decimal.NewFromFloat(4.25)) {
		t.Errorf("realized = %s, want 4.25", closed[0].RealizedPnL)
	}
}

// TestTrendTrailingStop covers the S4 trailing step: at 1.5 ATR the stop
// trails 0.5 ATR below the watermark.
func TestTrendTrailingStop(t *testing.T) {
	e := strategy.NewTrendEngine(zap.NewNop(), trendConfig())
	e.Init(trendMarket())
	e.RestoreState(positionState(100, 98, 105, 2))
	bars := flatCandles(60)

	// 103 activates trailing: stop = 103 - 1 = 102.
	if intents, _ := e.OnTick(trendTick(103, bars)); len(intents) != 0 {
		t.Fatalf("no exit expected at 103, got %d intents", len(intents))
	}
	intents, _ := e.OnTick(trendTick(101.9, bars))
	if len(intents) != 1 {
		t.Fatalf("exit intents = %d, want 1", len(intents))
	}
	if intents[0].CloseReason != "stop_loss" {
		t.Errorf("close reason = %s, want stop_loss (trailing)", intents[0].CloseReason)
	}
}

func TestTrendSizeHalvedAfterLossStreak(t *testing.T) {
	bars := pullbackCandles(100)
	price, _ := bars[len(bars)-1].Close.Float64()

	normal := strategy.NewTrendEngine(zap.NewNop(), trendConfig())
	normal.Init(trendMarket())
	baseIntents, _ := normal.OnTick(trendTick(price, bars))
	if len(baseIntents) != 1 {
		t.Fatal("expected baseline entry")
	}

	bruised := strategy.NewTrendEngine(zap.NewNop(), trendConfig())
	bruised.Init(trendMarket())
	bruised.RestoreState(json.RawMessage(`{"consecutiveLosses":3,"prevRsi":50}`))
	halfIntents, _ := bruised.OnTick(trendTick(price, bars))
	if len(halfIntents) != 1 {
		t.Fatal("expected halved entry")
	}

	ratio := baseIntents[0].Amount.Div(halfIntents[0].Amount)
	if ratio.Sub(decimal.NewFromInt(2)).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		t.Errorf("size ratio = %s, want 2 (halved after 3 losses)", ratio)
	}
}
