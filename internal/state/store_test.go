package state_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/state"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot() state.BotSnapshot {
	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return state.BotSnapshot{
		BotName:  "grid-btc",
		State:    types.BotStateRunning,
		Strategy: types.StrategyGrid,
		Symbol:   "BTC/USDT",
		Regime:   types.Regime{Type: types.RegimeRanging, Confidence: 0.8, DetectedAt: opened},
		Deals: []types.Deal{{
			ID:           "deal-1",
			BotName:      "grid-btc",
			Symbol:       "BTC/USDT",
			Direction:    types.PositionSideLong,
			Amount:       decimal.NewFromInt(2),
			QuoteCost:    decimal.NewFromInt(195),
			AvgEntry:     decimal.NewFromFloat(97.5),
			HighestPrice: decimal.NewFromInt(103),
			Active:       true,
			OpenedAt:     opened,
		}},
		Orders: []types.Order{{
			LocalID:   "ord-1",
			BotName:   "grid-btc",
			Symbol:    "BTC/USDT",
			Side:      types.OrderSideBuy,
			Type:      types.OrderTypeLimit,
			Price:     decimal.NewFromInt(95),
			Amount:    decimal.NewFromInt(1),
			FilledQty: decimal.Zero,
			Status:    types.OrderStatusOpen,
			Role:      types.RoleGridBuy,
			Tag:       "3",
			CreatedAt: opened,
		}},
		Risk: state.RiskCounters{
			DailyLoss:         decimal.NewFromFloat(12.5),
			DailyResetAt:      opened,
			ConsecutiveLosses: 2,
		},
		StrategyState: map[string]json.RawMessage{"grid": json.RawMessage(`{"levels":[95,96,97]}`)},
		CheckpointAt:  opened,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	snap := sampleSnapshot()
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, ok, err := s.LoadSnapshot(ctx, "grid-btc")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !ok {
		t.Fatal("snapshot not found after save")
	}

	// JSON round trip must reproduce identical in-memory state.
	want, _ := json.Marshal(snap)
	got, _ := json.Marshal(loaded)
	if string(want) != string(got) {
		t.Errorf("round trip mismatch:\nwant %s\ngot  %s", want, got)
	}
	if !loaded.Deals[0].HighestPrice.Equal(snap.Deals[0].HighestPrice) {
		t.Errorf("highest price changed across round trip")
	}
	if !reflect.DeepEqual(loaded.StrategyState, snap.StrategyState) {
		t.Errorf("strategy state changed across round trip")
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	s := newStore(t)
	_, ok, err := s.LoadSnapshot(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing bot")
	}
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	snap := sampleSnapshot()
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	snap.State = types.BotStateStopped
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("second SaveSnapshot: %v", err)
	}

	loaded, _, err := s.LoadSnapshot(ctx, "grid-btc")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded.State != types.BotStateStopped {
		t.Errorf("state = %s, want stopped", loaded.State)
	}
}

func TestOrderHistoryUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	order := sampleSnapshot().Orders[0]
	if err := s.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	order.Status = types.OrderStatusClosed
	order.FilledQty = order.Amount
	if err := s.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("UpsertOrder update: %v", err)
	}

	orders, err := s.ListOrders(ctx, "grid-btc")
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("order count = %d, want 1 (upsert, not append)", len(orders))
	}
	if orders[0].Status != types.OrderStatusClosed {
		t.Errorf("status = %s, want closed", orders[0].Status)
	}
}

func TestTradeHistory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, pnl := range []int64{5, -3} {
		trade := types.Trade{
			ID:          string(rune('a' + i)),
			BotName:     "grid-btc",
			Symbol:      "BTC/USDT",
			Side:        types.OrderSideSell,
			Amount:      decimal.NewFromInt(1),
			Price:       decimal.NewFromInt(100),
			RealizedPnL: decimal.NewFromInt(pnl),
			ExecutedAt:  time.Date(2025, 6, 1, 12, i, 0, 0, time.UTC),
		}
		if err := s.AppendTrade(ctx, trade); err != nil {
			t.Fatalf("AppendTrade: %v", err)
		}
	}

	trades, err := s.ListTrades(ctx, "grid-btc")
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trade count = %d, want 2", len(trades))
	}
	if !trades[0].RealizedPnL.Equal(decimal.NewFromInt(5)) {
		t.Errorf("first trade pnl = %s, want 5", trades[0].RealizedPnL)
	}
}
