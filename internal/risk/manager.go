// Package risk provides the trade gate and portfolio-level stop. The
// manager is shared across bots; counters are per bot and every gate
// decision that reserves exposure happens under one lock.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DenyReason explains a rejected trade.
type DenyReason string

const (
	DenyDailyLoss    DenyReason = "daily_loss_exceeded"
	DenyPositionSize DenyReason = "position_size_exceeded"
	DenyMinNotional  DenyReason = "below_min_notional"
	DenyInsufficient DenyReason = "insufficient_free_balance"
	DenyCooldown     DenyReason = "cooldown"
	DenyHalted       DenyReason = "halted"
)

// Decision is the trade-gate verdict.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Allow is the passing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a rejection with its reason.
func Deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// StopReason explains a portfolio-level stop.
type StopReason string

const (
	StopLossHit     StopReason = "portfolio_stop_loss_hit"
	StopDrawdownHit StopReason = "max_drawdown_hit"
	StopTakeProfit  StopReason = "take_profit_hit"
)

// PortfolioDecision is the per-tick portfolio verdict.
type PortfolioDecision struct {
	Stop   bool
	Reason StopReason
	// Graceful marks a take-profit close-all rather than an emergency.
	Graceful bool
}

// botRisk holds one bot's counters and policy.
type botRisk struct {
	config types.RiskConfig

	// Baseline is the allocation the portfolio stop is measured against.
	baseline decimal.Decimal
	peak     decimal.Decimal

	exposure          decimal.Decimal // open quote exposure
	dailyPnL          decimal.Decimal
	dailyDay          time.Time // UTC midnight of the tracked day
	consecutiveLosses int
	lastLossAt        time.Time
	halted            bool
	haltReason        string
}

// Manager gates prospective trades and evaluates the portfolio stop.
type Manager struct {
	logger *zap.Logger
	mu     sync.Mutex
	bots   map[string]*botRisk
	now    func() time.Time
}

// NewManager creates an empty risk manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("risk"),
		bots:   make(map[string]*botRisk),
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Register binds a bot's risk policy and its allocation baseline.
func (m *Manager) Register(botName string, config types.RiskConfig, baseline decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[botName] = &botRisk{
		config:   config,
		baseline: baseline,
		peak:     baseline,
		dailyDay: utcMidnight(m.now()),
	}
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rollDayLocked resets daily counters when the UTC day has changed.
func (m *Manager) rollDayLocked(b *botRisk) {
	today := utcMidnight(m.now())
	if today.After(b.dailyDay) {
		b.dailyPnL = decimal.Zero
		b.dailyDay = today
	}
}

// CheckTrade gates a prospective trade. The free balance is the quote the
// bot can still spend; pass a negative decimal to skip the balance check.
func (m *Manager) CheckTrade(botName string, side types.OrderSide, amount, price, freeBalance decimal.Decimal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(botName, side, amount, price, freeBalance)
}

func (m *Manager) checkLocked(botName string, side types.OrderSide, amount, price, freeBalance decimal.Decimal) Decision {
	b, ok := m.bots[botName]
	if !ok {
		return Deny(DenyHalted)
	}
	m.rollDayLocked(b)

	if b.halted {
		return Deny(DenyHalted)
	}

	notional := amount.Mul(price)
	if notional.LessThan(b.config.MinOrderSize) {
		return Deny(DenyMinNotional)
	}

	// The boundary is inclusive of the deny side: a bot sitting exactly at
	// max_daily_loss is done for the day.
	if b.config.MaxDailyLoss.IsPositive() && b.dailyPnL.Neg().GreaterThanOrEqual(b.config.MaxDailyLoss) {
		return Deny(DenyDailyLoss)
	}

	if !b.lastLossAt.IsZero() && b.config.CooldownAfterLoss > 0 {
		if m.now().Sub(b.lastLossAt) < b.config.CooldownAfterLoss {
			return Deny(DenyCooldown)
		}
	}

	if side == types.OrderSideBuy {
		if b.exposure.Add(notional).GreaterThan(b.config.MaxPositionSize) {
			return Deny(DenyPositionSize)
		}
		if !freeBalance.IsNegative() && notional.GreaterThan(freeBalance) {
			return Deny(DenyInsufficient)
		}
	}
	return Allow()
}

// CheckAndRecord combines the gate with the exposure reservation so two
// engines in the same tick cannot both pass on the same headroom.
func (m *Manager) CheckAndRecord(botName string, side types.OrderSide, amount, price, freeBalance decimal.Decimal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	decision := m.checkLocked(botName, side, amount, price, freeBalance)
	if !decision.Allowed {
		return decision
	}
	b := m.bots[botName]
	notional := amount.Mul(price)
	if side == types.OrderSideBuy {
		b.exposure = b.exposure.Add(notional)
	} else {
		b.exposure = b.exposure.Sub(notional)
		if b.exposure.IsNegative() {
			b.exposure = decimal.Zero
		}
	}
	return decision
}

// ReleaseExposure returns reserved exposure after a failed or cancelled buy.
func (m *Manager) ReleaseExposure(botName string, amount, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botName]
	if !ok {
		return
	}
	b.exposure = b.exposure.Sub(amount.Mul(price))
	if b.exposure.IsNegative() {
		b.exposure = decimal.Zero
	}
}

// RecordFill updates running totals after a realized close.
func (m *Manager) RecordFill(botName string, realizedPnL decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botName]
	if !ok {
		return
	}
	m.rollDayLocked(b)

	b.dailyPnL = b.dailyPnL.Add(realizedPnL)
	if realizedPnL.IsNegative() {
		b.consecutiveLosses++
		b.lastLossAt = m.now()
	} else if realizedPnL.IsPositive() {
		b.consecutiveLosses = 0
	}

	m.logger.Debug("fill recorded",
		zap.String("bot", botName),
		zap.String("pnl", realizedPnL.String()),
		zap.String("dailyPnL", b.dailyPnL.String()),
		zap.Int("consecutiveLosses", b.consecutiveLosses))
}

// EvaluatePortfolio runs the portfolio-level stop for one bot against its
// current portfolio value.
func (m *Manager) EvaluatePortfolio(botName string, portfolioValue decimal.Decimal) PortfolioDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botName]
	if !ok || b.baseline.IsZero() {
		return PortfolioDecision{}
	}

	if portfolioValue.GreaterThan(b.peak) {
		b.peak = portfolioValue
	}

	if b.config.StopLossPercentage.IsPositive() {
		floor := b.baseline.Mul(decimal.NewFromInt(1).Sub(b.config.StopLossPercentage))
		if portfolioValue.LessThanOrEqual(floor) {
			return PortfolioDecision{Stop: true, Reason: StopLossHit}
		}
	}
	if b.config.StopLossPercentage.IsPositive() && b.peak.IsPositive() {
		drawdown := b.peak.Sub(portfolioValue).Div(b.peak)
		if drawdown.GreaterThanOrEqual(b.config.StopLossPercentage.Mul(decimal.NewFromInt(2))) {
			return PortfolioDecision{Stop: true, Reason: StopDrawdownHit}
		}
	}
	if b.config.TakeProfitPercentage.IsPositive() {
		ceiling := b.baseline.Mul(decimal.NewFromInt(1).Add(b.config.TakeProfitPercentage))
		if portfolioValue.GreaterThanOrEqual(ceiling) {
			return PortfolioDecision{Stop: true, Reason: StopTakeProfit, Graceful: true}
		}
	}
	return PortfolioDecision{}
}

// Halt blocks all further trades for a bot.
func (m *Manager) Halt(botName, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[botName]; ok {
		b.halted = true
		b.haltReason = reason
	}
	m.logger.Warn("bot halted", zap.String("bot", botName), zap.String("reason", reason))
}

// Resume lifts a halt (external start command).
func (m *Manager) Resume(botName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[botName]; ok {
		b.halted = false
		b.haltReason = ""
	}
}

// ResetDaily clears daily counters at once. The automatic UTC-midnight
// rollover is done by rollDayLocked.
func (m *Manager) ResetDaily(botName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[botName]; ok {
		b.dailyPnL = decimal.Zero
		b.dailyDay = utcMidnight(m.now())
	}
}

// Counters exposes the persisted slice of a bot's risk state.
func (m *Manager) Counters(botName string) (dailyPnL decimal.Decimal, consecutiveLosses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[botName]; ok {
		return b.dailyPnL, b.consecutiveLosses
	}
	return decimal.Zero, 0
}

// RestoreCounters reinstates persisted counters after a restart.
func (m *Manager) RestoreCounters(botName string, dailyPnL decimal.Decimal, resetAt time.Time, consecutiveLosses int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botName]
	if !ok {
		return fmt.Errorf("risk: bot %s not registered", botName)
	}
	b.dailyPnL = dailyPnL
	b.consecutiveLosses = consecutiveLosses
	if !resetAt.IsZero() {
		b.dailyDay = utcMidnight(resetAt)
	}
	return nil
}
