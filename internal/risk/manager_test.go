package risk_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/risk"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func policy() types.RiskConfig {
	return types.RiskConfig{
		MaxPositionSize:    decimal.NewFromInt(1000),
		StopLossPercentage: decimal.NewFromFloat(0.1),
		MaxDailyLoss:       decimal.NewFromInt(50),
		MinOrderSize:       decimal.NewFromInt(10),
	}
}

func TestCheckTradeAllows(t *testing.T) {
	m := risk.NewManager(zap.NewNop())
	m.Register("b1", policy(), decimal.NewFromInt(1000))

	d := m.CheckTrade("b1", types.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(500))
	if !d.Allowed {
		t.Fatalf("expected allow, got deny %s", d.Reason)
	}
}

func TestDenyReasons(t *testing.T) {
	m := risk.NewManager(zap.NewNop())
	m.Register("b1", policy(), decimal.NewFromInt(1000))

	cases := []struct {
		name   string
		amount decimal.Decimal
		price  decimal.Decimal
		free   decimal.Decimal
		want   risk.DenyReason
	}{
		{"below min notional", decimal.NewFromFloat(0.05), decimal.NewFromInt(100), decimal.NewFromInt(500), risk.DenyMinNotional},
		{"position size", decimal.NewFromInt(20), decimal.NewFromInt(100), decimal.NewFromInt(5000), risk.DenyPositionSize},
		{"insufficient balance", decimal.NewFromInt(5), decimal.NewFromInt(100), decimal.NewFromInt(100), risk.DenyInsufficient},
	}
	for _, tc := range cases {
		d := m.CheckTrade("b1", types.OrderSideBuy, tc.amount, tc.price, tc.free)
		if d.Allowed {
			t.Errorf("%s: expected deny", tc.name)
			continue
		}
		if d.Reason != tc.want {
			t.Errorf("%s: reason = %s, want %s", tc.name, d.Reason, tc.want)
		}
	}
}

func TestDailyLossBoundaryInclusive(t *testing.T) {
	m := risk.NewManager(zap.NewNop())
	m.Register("b1", policy(), decimal.NewFromInt(1000))

	// Exactly at the limit: the next trade must be denied.
	m.RecordFill("b1", decimal.NewFromInt(-50))
	d := m.CheckTrade("b1", types.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(500))
	if d.Allowed {
		t.Fatal("expected deny at exactly max_daily_loss")
	}
	if d.Reason != risk.DenyDailyLoss {
		t.Errorf("reason = %s, want %s", d.Reason, risk.DenyDailyLoss)
	}
}

func TestDailyResetClearsLoss(t *testing.T) {
	m := risk.NewManager(zap.NewNop())
	base := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })
	m.Register("b1", policy(), decimal.NewFromInt(1000))

	m.RecordFill("b1", decimal.NewFromInt(-60))
	if d := m.CheckTrade("b1", types.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(500)); d.Allowed {
		t.Fatal("expected deny before midnight")
	}

	// Cross UTC midnight: counters roll automatically.
	now = base.Add(2 * time.Hour)
	if d := m.CheckTrade("b1", types.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(500)); !d.Allowed {
		t.Fatalf("expected allow after daily reset, got %s", d.Reason)
	}
}

func TestCheckAndRecordReservesExposure(t *testing.T) {
	m := risk.NewManager(zap.NewNop())
	m.Register("b1", policy(), decimal.NewFromInt(1000))

	// First buy consumes 600 of the 1000 cap.
	d := m.CheckAndRecord("b1", types.OrderSideBuy, decimal.NewFromInt(6), decimal.NewFromInt(100), decimal.NewFromInt(-1))
	if !d.Allowed {
		t.Fatalf("first buy denied: %s", d.Reason)
	}
	// Second buy of 600 would breach the cap even though it passes alone.
	d = m.CheckAndRecord("b1", types.OrderSideBuy, decimal.NewFromInt(6), decimal.NewFromInt(100), decimal.NewFromInt(-1))
	if d.Allowed {
		t.Fatal("second buy should be denied by reserved exposure")
	}
	if d.Reason != risk.DenyPositionSize {
		t.Errorf("reason = %s, want %s", d.Reason, risk.DenyPositionSize)
	}

	// Releasing the reservation restores headroom.
	m.ReleaseExposure("b1", decimal.NewFromInt(6), decimal.NewFromInt(100))
	if d := m.CheckAndRecord("b1", types.OrderSideBuy, decimal.NewFromInt(6), decimal.NewFromInt(100), decimal.NewFromInt(-1)); !d.Allowed {
		t.Fatalf("buy after release denied: %s", d.Reason)
	}
}

func TestPortfolioStopLoss(t *testing.T) {
	m := risk.NewManager(zap.NewNop())
	m.Register("b1", policy(), decimal.NewFromInt(1000))

	if d := m.EvaluatePortfolio("b1", decimal.NewFromInt(950)); d.Stop {
		t.Fatal("no stop expected at -5%")
	}
	d := m.EvaluatePortfolio("b1", decimal.NewFromInt(900))
	if !d.Stop {
		t.Fatal("expected stop at -10%")
	}
	if d.Reason != risk.StopLossHit {
		t.Errorf("reason = %s, want %s", d.Reason, risk.StopLossHit)
	}
}

func TestPortfolioTakeProfitGraceful(t *testing.T) {
	cfg := policy()
	cfg.TakeProfitPercentage = decimal.NewFromFloat(0.2)
	m := risk.NewManager(zap.NewNop())
	m.Register("b1", cfg, decimal.NewFromInt(1000))

	d := m.EvaluatePortfolio("b1", decimal.NewFromInt(1200))
	if !d.Stop || !d.Graceful {
		t.Fatalf("expected graceful take-profit stop, got %+v", d)
	}
	if d.Reason != risk.StopTakeProfit {
		t.Errorf("reason = %s, want %s", d.Reason, risk.StopTakeProfit)
	}
}

func TestHaltBlocksEverything(t *testing.T) {
	m := risk.NewManager(zap.NewNop())
	m.Register("b1", policy(), decimal.NewFromInt(1000))

	m.Halt("b1", "operator")
	d := m.CheckTrade("b1", types.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(500))
	if d.Allowed || d.Reason != risk.DenyHalted {
		t.Fatalf("expected halted deny, got %+v", d)
	}

	m.Resume("b1")
	if d := m.CheckTrade("b1", types.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(500)); !d.Allowed {
		t.Fatalf("expected allow after resume, got %s", d.Reason)
	}
}
