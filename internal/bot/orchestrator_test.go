package bot_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/bot"
	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/exchange"
	"github.com/atlas-desktop/trading-agent/internal/marketdata"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/internal/regime"
	"github.com/atlas-desktop/trading-agent/internal/risk"
	"github.com/atlas-desktop/trading-agent/internal/state"
	"github.com/atlas-desktop/trading-agent/internal/strategy"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type harness struct {
	orch  *bot.Orchestrator
	paper *exchange.PaperExchange
	feed  *marketdata.Feed
	store *state.Store
	bus   *events.Bus
}

// setPrice feeds both the simulated exchange and the price cache, so a
// synchronous tick observes the new price immediately.
func (h *harness) setPrice(price float64) {
	d := decimal.NewFromFloat(price)
	h.paper.SetPrice("X/USDT", d)
	h.feed.SetPrice("X/USDT", d)
}

func gridBotConfig() types.BotConfig {
	grid := types.DefaultGridConfig()
	grid.LowerPrice = decimal.NewFromInt(95)
	grid.UpperPrice = decimal.NewFromInt(105)
	grid.Levels = 10
	grid.QuotePerLevel = decimal.NewFromFloat(0.95)
	grid.ProfitMargin = decimal.NewFromFloat(0.01)
	grid.FeeRate = decimal.Zero

	return types.BotConfig{
		Name:       "grid-x",
		Symbol:     "X/USDT",
		Strategy:   types.StrategyGrid,
		MarketType: types.MarketTypeSpot,
		Grid:       &grid,
		Risk: types.RiskConfig{
			MaxPositionSize:    decimal.NewFromInt(1000),
			StopLossPercentage: decimal.NewFromFloat(0.9),
			MaxDailyLoss:       decimal.NewFromInt(500),
			MinOrderSize:       decimal.NewFromFloat(0.1),
		},
	}
}

func newHarness(t *testing.T, botCfg types.BotConfig, dbPath string) *harness {
	t.Helper()
	logger := zap.NewNop()

	paper := exchange.NewPaperExchange(logger)
	paper.SetMarket(types.Market{
		Symbol:     "X/USDT",
		Type:       types.MarketTypeSpot,
		PriceTick:  decimal.NewFromFloat(0.01),
		AmountStep: decimal.NewFromFloat(0.0001),
	})
	paper.SetPrice("X/USDT", decimal.NewFromInt(100))

	store, err := state.NewStore(logger, dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(logger, events.DefaultBusConfig())
	t.Cleanup(bus.Stop)

	feed := marketdata.NewFeed(logger, marketdata.DefaultConfig(), paper)

	cfg := bot.DefaultConfig(botCfg)
	cfg.TickInterval = time.Hour // background loop stays quiet; tests drive TickOnce
	cfg.CheckpointInterval = 0   // checkpoint every tick

	orch, err := bot.New(logger, cfg, paper, feed, store, bus,
		risk.NewManager(logger), regime.NewDetector(logger, regime.DefaultConfig()), metrics.NewNop())
	if err != nil {
		t.Fatalf("bot.New: %v", err)
	}
	return &harness{orch: orch, paper: paper, feed: feed, store: store, bus: bus}
}

// waitForEvent polls the journal for an event of the given type.
func (h *harness) waitForEvent(t *testing.T, botName string, eventType events.EventType) *events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range h.bus.Journal(botName) {
			if e.Type == eventType {
				found := e
				return &found
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// TestGridEndToEnd walks the S1 scenario through the full stack: grid at
// 95..105, price 100 -> 94.5 -> 101, one cycle on the 95 level with pnl
// (95.95-95)*0.01.
func TestGridEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, gridBotConfig(), filepath.Join(t.TempDir(), "state.db"))

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.orch.State() != types.BotStateRunning {
		t.Fatalf("state = %s, want running", h.orch.State())
	}

	// Tick 1: the ladder goes out.
	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	open, _ := h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) != 10 {
		t.Fatalf("open orders after ladder placement = %d, want 10", len(open))
	}

	// Price walks down: buy levels fill on the exchange.
	h.setPrice(94.5)
	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	// The 95 buy produced a sell counter at 95.95.
	open, _ = h.paper.FetchOpenOrders(ctx, "X/USDT")
	var counterAt9595 bool
	for _, o := range open {
		if o.Side == types.OrderSideSell && o.Price.Equal(decimal.NewFromFloat(95.95)) {
			counterAt9595 = true
		}
	}
	if !counterAt9595 {
		t.Fatal("no sell counter-order at 95.95 after the 95 buy filled")
	}

	// Price recovers: counters fill, cycles close.
	h.setPrice(101)
	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}

	if e := h.waitForEvent(t, "grid-x", events.EventDealClosed); e == nil {
		t.Fatal("no deal_closed event after the cycle completed")
	}

	var cyclePnLSeen bool
	for _, e := range h.bus.Journal("grid-x") {
		if e.Type == events.EventDealClosed {
			if pnl, ok := e.Payload["realized_pnl"].(string); ok && pnl == "0.0095" {
				cyclePnLSeen = true
			}
		}
	}
	if !cyclePnLSeen {
		t.Error("no cycle closed with realized pnl 0.0095")
	}
}

// TestRestartReconciliation walks the S6 scenario: while the bot is down,
// order A fills, B is cancelled externally, C remains open. On restart the
// fill is ingested (counter placed), B goes idle, C stays untouched.
func TestRestartReconciliation(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	cfg := gridBotConfig()
	cfg.Grid.Levels = 4 // 95, 98.33, 101.66, 105

	h1 := newHarness(t, cfg, dbPath)
	if err := h1.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h1.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	open, _ := h1.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) != 4 {
		t.Fatalf("open orders = %d, want 4", len(open))
	}

	// The bot goes dark. Meanwhile on the exchange: the 98.33 buy fills and
	// the 105 sell is cancelled externally.
	var orderA, orderB types.Order
	for _, o := range open {
		if o.Side == types.OrderSideBuy && o.Price.Equal(decimal.NewFromFloat(98.33)) {
			orderA = o
		}
		if o.Side == types.OrderSideSell && o.Price.Equal(decimal.NewFromInt(105)) {
			orderB = o
		}
	}
	if orderA.ExchangeID == "" || orderB.ExchangeID == "" {
		t.Fatal("expected the 98.33 buy and the 105 sell on the book")
	}
	h1.paper.SetPrice("X/USDT", decimal.NewFromFloat(98.0)) // fills A
	if _, err := h1.paper.CancelOrder(ctx, "X/USDT", orderB.ExchangeID); err != nil {
		t.Fatalf("external cancel: %v", err)
	}
	h1.paper.SetPrice("X/USDT", decimal.NewFromFloat(99.0))

	// Restart: a fresh orchestrator over the same store and exchange.
	h2 := &harness{paper: h1.paper, bus: h1.bus}
	logger := zap.NewNop()
	store2, err := state.NewStore(logger, dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { store2.Close() })
	h2.store = store2
	h2.feed = marketdata.NewFeed(logger, marketdata.DefaultConfig(), h1.paper)

	orchCfg := bot.DefaultConfig(cfg)
	orchCfg.TickInterval = time.Hour
	orchCfg.CheckpointInterval = 0
	orch2, err := bot.New(logger, orchCfg, h1.paper, h2.feed, store2, h1.bus,
		risk.NewManager(logger), regime.NewDetector(logger, regime.DefaultConfig()), metrics.NewNop())
	if err != nil {
		t.Fatalf("bot.New: %v", err)
	}
	h2.orch = orch2

	if err := orch2.Start(ctx); err != nil {
		t.Fatalf("restart Start: %v", err)
	}

	// A's fill was ingested: its counter sell sits at 98.33*1.01 = 99.31
	// (rounded down to the 0.01 tick). C (the 95 buy and the 101.66 sell)
	// is untouched.
	open, _ = h1.paper.FetchOpenOrders(ctx, "X/USDT")
	var counterSeen, buy95Seen, sell10166Seen bool
	for _, o := range open {
		switch {
		case o.Side == types.OrderSideSell && o.Price.Equal(decimal.NewFromFloat(99.31)):
			counterSeen = true
		case o.Side == types.OrderSideBuy && o.Price.Equal(decimal.NewFromInt(95)):
			buy95Seen = true
		case o.Side == types.OrderSideSell && o.Price.Equal(decimal.NewFromFloat(101.66)):
			sell10166Seen = true
		}
	}
	if !counterSeen {
		t.Error("counter-order for the offline fill was not placed during reconciliation")
	}
	if !buy95Seen || !sell10166Seen {
		t.Error("untouched open orders did not survive reconciliation")
	}
	if orch2.State() != types.BotStateRunning {
		t.Errorf("state after restart = %s, want running", orch2.State())
	}
}

// stubEngine injects intents straight into the pipeline.
type stubEngine struct {
	kind    types.StrategyKind
	intents []strategy.Intent
	failed  []string
}

func (s *stubEngine) Kind() types.StrategyKind          { return s.kind }
func (s *stubEngine) Init(types.Market) error           { return nil }
func (s *stubEngine) OnTick(strategy.TickInput) ([]strategy.Intent, error) {
	out := s.intents
	s.intents = nil
	return out, nil
}
func (s *stubEngine) OnOrderUpdate(types.Order, strategy.TickInput) []strategy.Intent { return nil }
func (s *stubEngine) OnOrderFailed(localID string) { s.failed = append(s.failed, localID) }
func (s *stubEngine) Deals() []types.Deal          { return nil }
func (s *stubEngine) DrainClosed() []types.Deal    { return nil }
func (s *stubEngine) MarshalState() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
func (s *stubEngine) RestoreState(json.RawMessage) error     { return nil }

// TestStaleSignalRejected walks the S5 scenario: a signal whose entry
// deviates more than 2% from the market is rejected, no order is placed.
func TestStaleSignalRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, gridBotConfig(), filepath.Join(t.TempDir(), "state.db"))

	stale := &stubEngine{
		kind: types.StrategySMC,
		intents: []strategy.Intent{{
			Kind:     strategy.IntentPlaceOrder,
			LocalID:  "stale-1",
			Side:     types.OrderSideBuy,
			Type:     types.OrderTypeMarket,
			Amount:   decimal.NewFromInt(1),
			Role:     types.RoleBaseOrder,
			RefPrice: decimal.NewFromInt(97), // market is 100: 3% drift
		}},
	}
	h.orch.UseEngines(stale)

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	open, _ := h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) != 0 {
		t.Fatalf("open orders = %d, want 0 (stale signal)", len(open))
	}
	if len(stale.failed) != 1 || stale.failed[0] != "stale-1" {
		t.Errorf("engine was not informed of the rejection: %v", stale.failed)
	}

	e := h.waitForEvent(t, "grid-x", events.EventSignalRejected)
	if e == nil {
		t.Fatal("no signal_rejected event")
	}
	if reason, _ := e.Payload["reason"].(string); reason != "stale" {
		t.Errorf("rejection reason = %q, want stale", reason)
	}
}

// TestRiskDenialDropsIntent: an intent breaching max position size is
// denied with no state mutation.
func TestRiskDenialDropsIntent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, gridBotConfig(), filepath.Join(t.TempDir(), "state.db"))

	greedy := &stubEngine{
		kind: types.StrategySMC,
		intents: []strategy.Intent{{
			Kind:    strategy.IntentPlaceOrder,
			LocalID: "big-1",
			Side:    types.OrderSideBuy,
			Type:    types.OrderTypeLimit,
			Price:   decimal.NewFromInt(100),
			Amount:  decimal.NewFromInt(50), // 5000 quote vs 1000 cap
			Role:    types.RoleBaseOrder,
		}},
	}
	h.orch.UseEngines(greedy)

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	open, _ := h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) != 0 {
		t.Fatalf("open orders = %d, want 0 (risk denied)", len(open))
	}
	e := h.waitForEvent(t, "grid-x", events.EventSignalRejected)
	if e == nil {
		t.Fatal("no signal_rejected event")
	}
	if reason, _ := e.Payload["reason"].(string); reason != string(risk.DenyPositionSize) {
		t.Errorf("rejection reason = %q, want %s", reason, risk.DenyPositionSize)
	}
}

// TestEmergencyStopCancelsEverything: after an emergency stop no orders
// remain and the bot sits in ERROR until an external start.
func TestEmergencyStopCancelsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, gridBotConfig(), filepath.Join(t.TempDir(), "state.db"))

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	open, _ := h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) == 0 {
		t.Fatal("expected live grid orders before the stop")
	}

	h.orch.EmergencyStop(ctx, "operator")

	open, _ = h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) != 0 {
		t.Errorf("open orders after emergency stop = %d, want 0", len(open))
	}
	if h.orch.State() != types.BotStateError {
		t.Errorf("state = %s, want error", h.orch.State())
	}
	if e := h.waitForEvent(t, "grid-x", events.EventEmergencyStop); e == nil {
		t.Error("no emergency_stop event")
	}

	// Ticks in ERROR place nothing new.
	_ = h.orch.TickOnce(ctx)
	open, _ = h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) != 0 {
		t.Errorf("orders were placed after emergency stop: %d", len(open))
	}
}

// TestPauseHaltsDecisions: a paused bot reconciles but places nothing.
func TestPauseHaltsDecisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, gridBotConfig(), filepath.Join(t.TempDir(), "state.db"))

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.orch.Pause()
	if h.orch.State() != types.BotStatePaused {
		t.Fatalf("state = %s, want paused", h.orch.State())
	}

	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	open, _ := h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) != 0 {
		t.Fatalf("paused bot placed %d orders", len(open))
	}

	h.orch.Resume()
	if err := h.orch.TickOnce(ctx); err != nil {
		t.Fatalf("tick after resume: %v", err)
	}
	open, _ = h.paper.FetchOpenOrders(ctx, "X/USDT")
	if len(open) == 0 {
		t.Error("resumed bot placed no orders")
	}
}

func TestSupervisorRejectsDuplicateNames(t *testing.T) {
	h := newHarness(t, gridBotConfig(), filepath.Join(t.TempDir(), "state.db"))
	h2 := newHarness(t, gridBotConfig(), filepath.Join(t.TempDir(), "state.db"))

	sup := bot.NewSupervisor(zap.NewNop())
	if err := sup.Add(h.orch); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := sup.Add(h2.orch); err == nil {
		t.Fatal("second Add with the same name must fail")
	}
}
