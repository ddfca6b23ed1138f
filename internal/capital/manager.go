// Package capital enforces phased capital deployment: a small allocation
// must earn its way to a larger one through performance gates.
package capital

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Phase identifies the deployment stage.
type Phase int

const (
	PhaseNone Phase = iota
	Phase1
	Phase2
	Phase3
)

func (p Phase) String() string {
	switch p {
	case Phase1:
		return "phase_1"
	case Phase2:
		return "phase_2"
	case Phase3:
		return "phase_3"
	default:
		return "none"
	}
}

// phaseGate is the requirement set to leave a phase.
type phaseGate struct {
	AllocationPct decimal.Decimal
	MinDuration   time.Duration
	MinTrades     int
	MinWinRate    float64
	MaxDrawdown   float64
	RequireProfit bool
}

var gates = map[Phase]phaseGate{
	Phase1: {
		AllocationPct: decimal.NewFromFloat(0.05),
		MinDuration:   3 * 24 * time.Hour,
		MinTrades:     5,
		MinWinRate:    0.40,
		MaxDrawdown:   0.05,
		RequireProfit: true,
	},
	Phase2: {
		AllocationPct: decimal.NewFromFloat(0.25),
		MinDuration:   7 * 24 * time.Hour,
		MinTrades:     20,
		MinWinRate:    0.45,
		MaxDrawdown:   0.10,
		RequireProfit: true,
	},
	Phase3: {
		AllocationPct: decimal.NewFromInt(1),
	},
}

// Config configures the capital manager.
type Config struct {
	TotalCapital decimal.Decimal `json:"totalCapital"`
	// ResetPhaseOnRestart restarts the phase timer instead of resuming it
	// from the persisted snapshot.
	ResetPhaseOnRestart bool `json:"resetPhaseOnRestart"`
}

// ScalingReport is the pure inspection of advancement readiness.
type ScalingReport struct {
	CanScale bool     `json:"canScale"`
	Blockers []string `json:"blockers"`
	Reasons  []string `json:"reasons"`
}

// State is the persisted slice of the manager.
type State struct {
	Phase          Phase           `json:"phase"`
	PhaseStartedAt time.Time       `json:"phaseStartedAt"`
	Trades         int             `json:"trades"`
	Wins           int             `json:"wins"`
	NetPnL         decimal.Decimal `json:"netPnl"`
	PeakEquity     decimal.Decimal `json:"peakEquity"`
	MaxDrawdown    float64         `json:"maxDrawdown"`
	Errors         int             `json:"errors"`
	Halted         bool            `json:"halted"`
	HaltReason     string          `json:"haltReason,omitempty"`
}

// Manager tracks phase performance and gates advancement.
type Manager struct {
	logger *zap.Logger
	config Config

	mu    sync.Mutex
	state State
	now   func() time.Time
}

// NewManager creates a capital manager.
func NewManager(logger *zap.Logger, config Config) *Manager {
	return &Manager{
		logger: logger.Named("capital"),
		config: config,
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// StartPhase1 begins deployment and returns the allocated quote.
func (m *Manager) StartPhase1() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{
		Phase:          Phase1,
		PhaseStartedAt: m.now(),
	}
	alloc := m.allocationLocked()
	m.logger.Info("capital phase 1 started", zap.String("allocation", alloc.String()))
	return alloc
}

func (m *Manager) allocationLocked() decimal.Decimal {
	gate, ok := gates[m.state.Phase]
	if !ok {
		return decimal.Zero
	}
	return m.config.TotalCapital.Mul(gate.AllocationPct)
}

// Allocation returns the current phase's allocated quote.
func (m *Manager) Allocation() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocationLocked()
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

// RecordTrade folds a realized trade into the phase statistics.
func (m *Manager) RecordTrade(won bool, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Trades++
	if won {
		m.state.Wins++
	}
	m.state.NetPnL = m.state.NetPnL.Add(pnl)

	// Drawdown off the equity curve of this phase.
	equity := m.allocationLocked().Add(m.state.NetPnL)
	if equity.GreaterThan(m.state.PeakEquity) {
		m.state.PeakEquity = equity
	}
	if m.state.PeakEquity.IsPositive() {
		dd, _ := m.state.PeakEquity.Sub(equity).Div(m.state.PeakEquity).Float64()
		if dd > m.state.MaxDrawdown {
			m.state.MaxDrawdown = dd
		}
	}
}

// RecordError counts an operational error against the phase.
func (m *Manager) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Errors++
}

// EvaluateScaling inspects advancement readiness without side effects.
func (m *Manager) EvaluateScaling() ScalingReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked()
}

func (m *Manager) evaluateLocked() ScalingReport {
	report := ScalingReport{}
	if m.state.Halted {
		report.Blockers = append(report.Blockers, "halted: "+m.state.HaltReason)
		return report
	}
	gate, ok := gates[m.state.Phase]
	if !ok || m.state.Phase == Phase3 {
		report.Blockers = append(report.Blockers, "no further phase")
		return report
	}

	elapsed := m.now().Sub(m.state.PhaseStartedAt)
	if elapsed < gate.MinDuration {
		report.Blockers = append(report.Blockers,
			fmt.Sprintf("duration %s below required %s", elapsed.Round(time.Hour), gate.MinDuration))
	} else {
		report.Reasons = append(report.Reasons, "duration requirement met")
	}

	if m.state.Trades < gate.MinTrades {
		report.Blockers = append(report.Blockers,
			fmt.Sprintf("%d trades below required %d", m.state.Trades, gate.MinTrades))
	} else {
		report.Reasons = append(report.Reasons, "trade count requirement met")
	}

	winRate := 0.0
	if m.state.Trades > 0 {
		winRate = float64(m.state.Wins) / float64(m.state.Trades)
	}
	if winRate < gate.MinWinRate {
		report.Blockers = append(report.Blockers,
			fmt.Sprintf("win rate %.0f%% below required %.0f%%", winRate*100, gate.MinWinRate*100))
	} else {
		report.Reasons = append(report.Reasons, "win rate requirement met")
	}

	if m.state.MaxDrawdown > gate.MaxDrawdown {
		report.Blockers = append(report.Blockers,
			fmt.Sprintf("drawdown %.1f%% exceeds allowed %.1f%%", m.state.MaxDrawdown*100, gate.MaxDrawdown*100))
	} else {
		report.Reasons = append(report.Reasons, "drawdown within bounds")
	}

	if gate.RequireProfit && !m.state.NetPnL.IsPositive() {
		report.Blockers = append(report.Blockers, "net pnl not positive")
	} else {
		report.Reasons = append(report.Reasons, "net pnl positive")
	}

	report.CanScale = len(report.Blockers) == 0
	return report
}

// AdvancePhase moves to the next phase; it fails unless EvaluateScaling
// reports can_scale.
func (m *Manager) AdvancePhase() (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := m.evaluateLocked()
	if !report.CanScale {
		return decimal.Zero, fmt.Errorf("capital: cannot advance from %s: %v", m.state.Phase, report.Blockers)
	}

	from := m.state.Phase
	m.state = State{
		Phase:          m.state.Phase + 1,
		PhaseStartedAt: m.now(),
	}
	alloc := m.allocationLocked()
	m.logger.Info("capital phase advanced",
		zap.String("from", from.String()),
		zap.String("to", m.state.Phase.String()),
		zap.String("allocation", alloc.String()))
	return alloc, nil
}

// Halt blocks advancement until an operator intervenes.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Halted = true
	m.state.HaltReason = reason
	m.logger.Warn("capital deployment halted", zap.String("reason", reason))
}

// Snapshot returns the persisted state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restore reinstates persisted state after a restart. The phase timer
// resumes unless ResetPhaseOnRestart is set.
func (m *Manager) Restore(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	if m.config.ResetPhaseOnRestart && m.state.Phase != PhaseNone {
		m.state.PhaseStartedAt = m.now()
	}
}

// MarshalJSON exposes the state for snapshot embedding.
func (m *Manager) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}
