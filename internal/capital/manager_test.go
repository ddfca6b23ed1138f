package capital_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/capital"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newManager(t *testing.T) (*capital.Manager, *time.Time) {
	t.Helper()
	m := capital.NewManager(zap.NewNop(), capital.Config{
		TotalCapital: decimal.NewFromInt(10000),
	})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestStartPhase1Allocation(t *testing.T) {
	m, _ := newManager(t)
	alloc := m.StartPhase1()
	if !alloc.Equal(decimal.NewFromInt(500)) {
		t.Errorf("phase 1 allocation = %s, want 500 (5%%)", alloc)
	}
	if m.Phase() != capital.Phase1 {
		t.Errorf("phase = %s, want phase_1", m.Phase())
	}
}

func winStreak(m *capital.Manager, wins, losses int) {
	for i := 0; i < wins; i++ {
		m.RecordTrade(true, decimal.NewFromInt(10))
	}
	for i := 0; i < losses; i++ {
		m.RecordTrade(false, decimal.NewFromInt(-5))
	}
}

func TestEvaluateScalingBlockers(t *testing.T) {
	m, now := newManager(t)
	m.StartPhase1()

	// Immediately: everything blocks.
	report := m.EvaluateScaling()
	if report.CanScale {
		t.Fatal("fresh phase must not scale")
	}
	if len(report.Blockers) == 0 {
		t.Fatal("expected blockers on a fresh phase")
	}

	// Meet trades/winrate/pnl but not duration.
	winStreak(m, 4, 1)
	report = m.EvaluateScaling()
	if report.CanScale {
		t.Fatal("duration gate must still block")
	}

	// Advance the clock past 3 days: all gates pass.
	*now = now.Add(73 * time.Hour)
	report = m.EvaluateScaling()
	if !report.CanScale {
		t.Fatalf("expected can_scale, blockers: %v", report.Blockers)
	}
}

func TestAdvancePhaseFailsWhenBlocked(t *testing.T) {
	m, _ := newManager(t)
	m.StartPhase1()
	if _, err := m.AdvancePhase(); err == nil {
		t.Fatal("AdvancePhase must fail while blocked")
	}
}

func TestAdvanceThroughPhases(t *testing.T) {
	m, now := newManager(t)
	m.StartPhase1()
	winStreak(m, 4, 1)
	*now = now.Add(73 * time.Hour)

	alloc, err := m.AdvancePhase()
	if err != nil {
		t.Fatalf("AdvancePhase to 2: %v", err)
	}
	if !alloc.Equal(decimal.NewFromInt(2500)) {
		t.Errorf("phase 2 allocation = %s, want 2500 (25%%)", alloc)
	}

	// Phase 2 gates: 20 trades, 45% win rate, 7 days.
	winStreak(m, 10, 10)
	*now = now.Add(8 * 24 * time.Hour)
	alloc, err = m.AdvancePhase()
	if err != nil {
		t.Fatalf("AdvancePhase to 3: %v", err)
	}
	if !alloc.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("phase 3 allocation = %s, want 10000 (100%%)", alloc)
	}

	// No phase beyond 3.
	if _, err := m.AdvancePhase(); err == nil {
		t.Error("AdvancePhase beyond phase 3 must fail")
	}
}

func TestDrawdownBlocksScaling(t *testing.T) {
	m, now := newManager(t)
	m.StartPhase1()

	// A deep loss trips the 5% phase-1 drawdown gate.
	m.RecordTrade(true, decimal.NewFromInt(50))
	m.RecordTrade(false, decimal.NewFromInt(-100))
	winStreak(m, 3, 0)
	*now = now.Add(73 * time.Hour)

	report := m.EvaluateScaling()
	if report.CanScale {
		t.Fatal("drawdown gate should block scaling")
	}
}

func TestHaltBlocksScaling(t *testing.T) {
	m, now := newManager(t)
	m.StartPhase1()
	winStreak(m, 4, 1)
	*now = now.Add(73 * time.Hour)

	m.Halt("operator stop")
	report := m.EvaluateScaling()
	if report.CanScale {
		t.Fatal("halted manager must not scale")
	}
}

func TestRestoreResumesPhaseTimer(t *testing.T) {
	m, now := newManager(t)
	m.StartPhase1()
	winStreak(m, 4, 1)
	started := m.Snapshot().PhaseStartedAt

	// Restart: a new manager restores the snapshot and keeps the timer.
	m2 := capital.NewManager(zap.NewNop(), capital.Config{
		TotalCapital: decimal.NewFromInt(10000),
	})
	m2.SetClock(func() time.Time { return *now })
	m2.Restore(m.Snapshot())
	if !m2.Snapshot().PhaseStartedAt.Equal(started) {
		t.Error("phase timer should resume from the snapshot")
	}

	// With the toggle, the timer resets instead.
	m3 := capital.NewManager(zap.NewNop(), capital.Config{
		TotalCapital:        decimal.NewFromInt(10000),
		ResetPhaseOnRestart: true,
	})
	later := now.Add(48 * time.Hour)
	m3.SetClock(func() time.Time { return later })
	m3.Restore(m.Snapshot())
	if m3.Snapshot().PhaseStartedAt.Equal(started) {
		t.Error("phase timer should reset when configured")
	}
}
