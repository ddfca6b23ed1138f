// Package bot provides the per-symbol supervisor: it owns the trading
// loop, drives the strategy engines, executes intents through the exchange
// adapter, reconciles order state, enforces risk policy and checkpoints to
// the state store.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/exchange"
	"github.com/atlas-desktop/trading-agent/internal/marketdata"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/internal/regime"
	"github.com/atlas-desktop/trading-agent/internal/risk"
	"github.com/atlas-desktop/trading-agent/internal/state"
	"github.com/atlas-desktop/trading-agent/internal/strategy"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes the orchestrator loop.
type Config struct {
	Bot types.BotConfig

	TickInterval       time.Duration `json:"tickInterval"`
	CheckpointInterval time.Duration `json:"checkpointInterval"`
	TickWarnBudget     time.Duration `json:"tickWarnBudget"`
	TickDropBudget     time.Duration `json:"tickDropBudget"`
	MaxMissedTicks     int           `json:"maxMissedTicks"`

	// Baseline is the allocated quote the portfolio stop measures against.
	Baseline decimal.Decimal `json:"baseline"`
}

// DefaultConfig returns loop defaults.
func DefaultConfig(botCfg types.BotConfig) Config {
	return Config{
		Bot:                botCfg,
		TickInterval:       time.Second,
		CheckpointInterval: 30 * time.Second,
		TickWarnBudget:     900 * time.Millisecond,
		TickDropBudget:     2 * time.Second,
		MaxMissedTicks:     5,
	}
}

// Orchestrator supervises one bot. All loop work is single-threaded; the
// public control operations serialize against the loop through actMu.
type Orchestrator struct {
	logger  *zap.Logger
	config  Config
	ex      exchange.Exchange
	feed    *marketdata.Feed
	store   *state.Store
	bus     *events.Bus
	risk    *risk.Manager
	regimes *regime.Detector
	metrics *metrics.Metrics

	// actMu guarantees exactly one step (tick, control op) runs at a time.
	actMu sync.Mutex

	engines  []strategy.Engine
	draining []strategy.Engine

	market types.Market

	stateMu  sync.RWMutex
	botState types.BotState

	orders           map[string]*types.Order // by local id
	knownDeals       map[string]bool
	failCounts       map[string]int
	pendingFollowups []followup
	realizedPnL  decimal.Decimal
	lastPrice    decimal.Decimal
	lastError    string
	lastCheckpt  time.Time
	missedTicks  int
	currentRegime types.Regime

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. Engines are constructed from the bot config.
func New(
	logger *zap.Logger,
	config Config,
	ex exchange.Exchange,
	feed *marketdata.Feed,
	store *state.Store,
	bus *events.Bus,
	riskMgr *risk.Manager,
	detector *regime.Detector,
	m *metrics.Metrics,
) (*Orchestrator, error) {
	engines, err := buildEngines(logger, config.Bot)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		logger:     logger.Named("bot").With(zap.String("bot", config.Bot.Name)),
		config:     config,
		ex:         ex,
		feed:       feed,
		store:      store,
		bus:        bus,
		risk:       riskMgr,
		regimes:    detector,
		metrics:    m,
		engines:    engines,
		botState:   types.BotStateInitializing,
		orders:     make(map[string]*types.Order),
		knownDeals: make(map[string]bool),
		failCounts: make(map[string]int),
		currentRegime: types.Regime{Type: types.RegimeUnknown},
	}, nil
}

func buildEngines(logger *zap.Logger, cfg types.BotConfig) ([]strategy.Engine, error) {
	mk := func(kind types.StrategyKind) (strategy.Engine, error) {
		switch kind {
		case types.StrategyGrid:
			return strategy.NewGridEngine(logger, *cfg.Grid), nil
		case types.StrategyDCA:
			return strategy.NewDCAEngine(logger, *cfg.DCA), nil
		case types.StrategyTrend:
			return strategy.NewTrendEngine(logger, *cfg.Trend), nil
		case types.StrategySMC:
			return strategy.NewSMCEngine(logger, *cfg.SMC), nil
		default:
			return nil, fmt.Errorf("bot %s: unknown strategy %q", cfg.Name, kind)
		}
	}
	if cfg.Strategy == types.StrategyHybrid {
		grid, err := mk(types.StrategyGrid)
		if err != nil {
			return nil, err
		}
		dca, err := mk(types.StrategyDCA)
		if err != nil {
			return nil, err
		}
		return []strategy.Engine{grid, dca}, nil
	}
	engine, err := mk(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return []strategy.Engine{engine}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() types.BotState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.botState
}

// Name returns the bot name.
func (o *Orchestrator) Name() string { return o.config.Bot.Name }

func (o *Orchestrator) setState(to types.BotState, reason string) {
	o.stateMu.Lock()
	from := o.botState
	o.botState = to
	o.stateMu.Unlock()
	if from == to {
		return
	}
	o.metrics.BotState.WithLabelValues(o.config.Bot.Name, string(from)).Set(0)
	o.metrics.BotState.WithLabelValues(o.config.Bot.Name, string(to)).Set(1)
	o.bus.Publish(events.BotStateChanged(o.config.Bot.Name, string(from), string(to), reason))
	o.logger.Info("state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}

// Start initializes, restores the last snapshot, reconciles against the
// exchange and enters the loop. No order is placed before reconciliation
// completes.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.actMu.Lock()
	defer o.actMu.Unlock()

	if o.done != nil {
		return fmt.Errorf("bot %s already running", o.config.Bot.Name)
	}

	market, err := o.ex.FetchMarket(ctx, o.config.Bot.Symbol)
	if err != nil {
		return fmt.Errorf("fetch market %s: %w", o.config.Bot.Symbol, err)
	}
	o.market = market
	for _, engine := range o.engines {
		if err := engine.Init(market); err != nil {
			return fmt.Errorf("init %s engine: %w", engine.Kind(), err)
		}
	}

	baseline := o.config.Baseline
	if baseline.IsZero() {
		baseline = o.config.Bot.Risk.MaxPositionSize
	}
	o.risk.Register(o.config.Bot.Name, o.config.Bot.Risk, baseline)

	if err := o.restore(ctx); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if err := o.reconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	o.setState(types.BotStateRunning, "started")
	if err := o.checkpoint(ctx); err != nil {
		o.logger.Warn("initial checkpoint failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(loopCtx)
	return nil
}

// restore loads the last snapshot into memory.
func (o *Orchestrator) restore(ctx context.Context) error {
	snap, ok, err := o.store.LoadSnapshot(ctx, o.config.Bot.Name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for i := range snap.Orders {
		order := snap.Orders[i]
		o.orders[order.LocalID] = &order
	}
	for _, deal := range snap.Deals {
		o.knownDeals[deal.ID] = true
	}
	for _, engine := range o.engines {
		if raw, ok := snap.StrategyState[string(engine.Kind())]; ok {
			if err := engine.RestoreState(raw); err != nil {
				return fmt.Errorf("restore %s state: %w", engine.Kind(), err)
			}
		}
	}
	if err := o.risk.RestoreCounters(o.config.Bot.Name, snap.Risk.DailyLoss.Neg(), snap.Risk.DailyResetAt, snap.Risk.ConsecutiveLosses); err != nil {
		return err
	}
	o.currentRegime = snap.Regime
	o.lastError = snap.LastError
	o.logger.Info("snapshot restored",
		zap.Int("orders", len(snap.Orders)),
		zap.Int("deals", len(snap.Deals)))
	return nil
}

// reconcileStartup aligns local order state with the exchange's view: a
// fill or cancellation that happened while the bot was down is applied
// retroactively before the first decision tick.
func (o *Orchestrator) reconcileStartup(ctx context.Context) error {
	price, err := o.feed.Price(ctx, o.config.Bot.Symbol)
	if err != nil {
		return err
	}
	o.lastPrice = price

	for _, order := range o.liveOrders() {
		if order.ExchangeID == "" {
			// Never acknowledged: it cannot exist on the exchange.
			o.markOrderError(order, "no exchange id after restart")
			continue
		}
		remote, err := o.ex.FetchOrder(ctx, order.Symbol, order.ExchangeID)
		if err != nil {
			if exchange.IsTransient(err) {
				return err
			}
			o.markOrderError(order, "unknown to exchange: "+err.Error())
			continue
		}
		o.applyRemote(ctx, order, remote)
	}

	// Follow-ups from retroactive fills (grid counter-orders, next safety
	// orders) execute as part of reconciliation, before the first tick.
	input := strategy.TickInput{
		Now:       time.Now().UTC(),
		Price:     price,
		Market:    o.market,
		FreeQuote: o.freeQuote(ctx),
	}
	o.applyFollowups(ctx, input)
	o.drainClosedDeals(ctx)
	o.publishNewDeals()
	return nil
}

func (o *Orchestrator) liveOrders() []*types.Order {
	var out []*types.Order
	for _, order := range o.orders {
		if order.Status.IsLive() {
			out = append(out, order)
		}
	}
	return out
}

func (o *Orchestrator) markOrderError(order *types.Order, message string) {
	order.Status = types.OrderStatusError
	order.ErrorMessage = message
	o.metrics.ReconcileMisses.WithLabelValues(o.config.Bot.Name).Inc()
	o.bus.Publish(events.OrderError(o.config.Bot.Name, order.LocalID, "reconcile", message))
	o.logger.Warn("order marked error", zap.String("local_id", order.LocalID), zap.String("message", message))
}

// loop is the cooperative scheduler: one tick about every second.
func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			o.actMu.Lock()
			if o.State() == types.BotStateError || o.State() == types.BotStateStopped {
				o.actMu.Unlock()
				return
			}
			err := o.tick(ctx)
			o.actMu.Unlock()

			elapsed := time.Since(start)
			o.metrics.TickDuration.WithLabelValues(o.config.Bot.Name).Observe(elapsed.Seconds())
			if err != nil && ctx.Err() == nil {
				o.logger.Warn("tick failed", zap.Error(err))
			}

			switch {
			case elapsed > o.config.TickDropBudget:
				o.metrics.TickOverruns.WithLabelValues(o.config.Bot.Name).Inc()
				o.missedTicks++
				o.logger.Warn("tick exceeded drop budget", zap.Duration("elapsed", elapsed))
				if o.missedTicks > o.config.MaxMissedTicks {
					o.actMu.Lock()
					o.fail(ctx, "missed more than 5 consecutive ticks")
					o.actMu.Unlock()
					return
				}
			case elapsed > o.config.TickWarnBudget:
				o.logger.Warn("tick exceeded warn budget", zap.Duration("elapsed", elapsed))
				o.missedTicks = 0
			default:
				o.missedTicks = 0
			}
		}
	}
}

// candleNeeds returns the windows each engine requires this tick.
func (o *Orchestrator) candleNeeds() map[types.Timeframe]int {
	needs := make(map[types.Timeframe]int)
	merge := func(tf types.Timeframe, n int) {
		if needs[tf] < n {
			needs[tf] = n
		}
	}
	for _, engine := range append(append([]strategy.Engine{}, o.engines...), o.draining...) {
		switch engine.Kind() {
		case types.StrategyDCA:
			merge(types.Timeframe1h, 60)
		case types.StrategyTrend:
			tf := types.Timeframe1h
			if o.config.Bot.Trend != nil && o.config.Bot.Trend.Timeframe != "" {
				tf = o.config.Bot.Trend.Timeframe
			}
			merge(tf, 120)
		case types.StrategySMC:
			merge(types.Timeframe1d, 60)
			merge(types.Timeframe4h, 120)
			merge(types.Timeframe1h, 120)
			merge(types.Timeframe15m, 60)
		}
	}
	merge(types.Timeframe1h, 60) // regime detector bundle
	return needs
}

// tick runs one pass of the decision loop.
func (o *Orchestrator) tick(ctx context.Context) error {
	snap, err := o.feed.Snapshot(ctx, o.config.Bot.Symbol, o.candleNeeds())
	if err != nil {
		return fmt.Errorf("market snapshot: %w", err)
	}
	o.lastPrice = snap.LastPrice
	now := time.Now().UTC()

	// Regime refresh on its own cadence.
	if o.regimes.Due(now) {
		newRegime, changed := o.regimes.Update(snap.Candles[types.Timeframe1h], snap.LastPrice, now)
		if changed {
			o.bus.Publish(events.RegimeChanged(o.config.Bot.Name, string(o.currentRegime.Type), string(newRegime.Type)))
		}
		o.currentRegime = newRegime
	}

	input := strategy.TickInput{
		Now:       now,
		Price:     snap.LastPrice,
		Market:    o.market,
		Candles:   snap.Candles,
		FreeQuote: o.freeQuote(ctx),
	}

	if o.State() == types.BotStateRunning {
		intents := o.collectIntents(input)
		o.processIntents(ctx, intents, input, false)
		o.applyFollowups(ctx, input)
	}

	if err := o.reconcile(ctx, input); err != nil {
		o.logger.Warn("reconciliation failed", zap.Error(err))
	}
	o.applyFollowups(ctx, input)
	o.drainClosedDeals(ctx)
	o.publishNewDeals()

	if stop := o.risk.EvaluatePortfolio(o.config.Bot.Name, o.portfolioValue()); stop.Stop {
		o.emergencyStopLocked(ctx, string(stop.Reason), stop.Graceful)
		return nil
	}

	if time.Since(o.lastCheckpt) >= o.config.CheckpointInterval {
		if err := o.checkpoint(ctx); err != nil {
			o.logger.Warn("checkpoint failed", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) freeQuote(ctx context.Context) decimal.Decimal {
	balances, err := o.ex.FetchBalance(ctx)
	if err != nil {
		return decimal.NewFromInt(-1) // unknown: the risk gate skips the check
	}
	_, quote := splitSymbol(o.config.Bot.Symbol)
	if b, ok := balances[quote]; ok {
		return b.Free
	}
	return decimal.NewFromInt(-1)
}

func splitSymbol(symbol string) (string, string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, ""
}

// collectIntents merges engine intents round-robin so neither hybrid
// engine starves the other.
func (o *Orchestrator) collectIntents(input strategy.TickInput) []pendingIntent {
	perEngine := make([][]pendingIntent, 0, len(o.engines)+len(o.draining))

	gather := func(engine strategy.Engine, drainingEngine bool) {
		intents, err := engine.OnTick(input)
		if err != nil {
			o.logger.Warn("engine tick failed",
				zap.String("engine", string(engine.Kind())), zap.Error(err))
			return
		}
		var list []pendingIntent
		for _, intent := range intents {
			if drainingEngine && isEntryIntent(intent) {
				// Positions of an outgoing strategy complete under its exit
				// rules; new entries belong to the incoming strategy.
				engine.OnOrderFailed(intent.LocalID)
				continue
			}
			list = append(list, pendingIntent{intent: intent, engine: engine})
		}
		perEngine = append(perEngine, list)
	}
	for _, engine := range o.engines {
		gather(engine, false)
	}
	for _, engine := range o.draining {
		gather(engine, true)
	}

	var merged []pendingIntent
	for i := 0; ; i++ {
		advanced := false
		for _, list := range perEngine {
			if i < len(list) {
				merged = append(merged, list[i])
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	return merged
}

func isEntryIntent(intent strategy.Intent) bool {
	if intent.Kind != strategy.IntentPlaceOrder {
		return false
	}
	switch intent.Role {
	case types.RoleBaseOrder, types.RoleGridBuy, types.RoleGridSell:
		return true
	}
	return false
}

type pendingIntent struct {
	intent strategy.Intent
	engine strategy.Engine
}

// processIntents runs each intent through the staleness, regime and risk
// gates, then executes the survivors.
func (o *Orchestrator) processIntents(ctx context.Context, intents []pendingIntent, input strategy.TickInput, followup bool) {
	for _, pi := range intents {
		intent := pi.intent
		switch intent.Kind {
		case strategy.IntentCancelOrder:
			o.executeCancel(ctx, intent)
			continue
		case strategy.IntentPlaceOrder, strategy.IntentCloseDeal:
		default:
			continue
		}

		// Staleness gate for price-referenced intents.
		if !intent.RefPrice.IsZero() && !input.Price.IsZero() {
			threshold := o.config.Bot.StalenessPct
			if threshold <= 0 {
				threshold = 0.02
			}
			drift, _ := intent.RefPrice.Sub(input.Price).Abs().Div(input.Price).Float64()
			if drift > threshold {
				o.rejectIntent(pi, "stale")
				continue
			}
		}

		// Regime filter applies to new entries only.
		if o.config.Bot.RegimeFilter && !followup && isEntryIntent(intent) {
			if !regime.Allows(o.currentRegime.Type, pi.engine.Kind()) {
				o.rejectIntent(pi, "regime_filter")
				continue
			}
		}

		// Risk gate: check and reserve atomically.
		price := intent.Price
		if price.IsZero() {
			price = input.Price
		}
		decision := o.risk.CheckAndRecord(o.config.Bot.Name, intent.Side, intent.Amount, price, input.FreeQuote)
		if !decision.Allowed {
			o.metrics.RiskDenials.WithLabelValues(o.config.Bot.Name, string(decision.Reason)).Inc()
			o.rejectIntent(pi, "risk_denied")
			o.bus.Publish(events.SignalRejected(o.config.Bot.Name, string(decision.Reason)))
			continue
		}

		if intent.Signal != nil {
			tps := make([]string, 0, len(intent.Signal.TakeProfits))
			for _, tp := range intent.Signal.TakeProfits {
				tps = append(tps, tp.Price.String())
			}
			o.bus.Publish(events.SignalGenerated(
				o.config.Bot.Name, string(intent.Signal.Strategy), string(intent.Signal.Direction),
				intent.Signal.Entry, intent.Signal.StopLoss, tps, intent.Signal.Confidence))
		}

		o.executePlace(ctx, pi, input)
	}
}

func (o *Orchestrator) rejectIntent(pi pendingIntent, reason string) {
	if pi.intent.LocalID != "" {
		pi.engine.OnOrderFailed(pi.intent.LocalID)
	}
	o.metrics.SignalsRejected.WithLabelValues(o.config.Bot.Name, reason).Inc()
	if reason != "risk_denied" { // risk denials publish their specific reason
		o.bus.Publish(events.SignalRejected(o.config.Bot.Name, reason))
	}
}

// executePlace submits a placement intent to the adapter.
func (o *Orchestrator) executePlace(ctx context.Context, pi pendingIntent, input strategy.TickInput) {
	intent := pi.intent
	req := exchange.PlaceOrderRequest{
		Symbol:   o.config.Bot.Symbol,
		Side:     intent.Side,
		Type:     intent.Type,
		Amount:   intent.Amount,
		Price:    intent.Price,
		PostOnly: intent.PostOnly,
	}
	placed, err := o.ex.PlaceOrder(ctx, req)
	if err != nil {
		o.handlePlaceError(ctx, pi, input, err)
		return
	}

	order := &types.Order{
		LocalID:    intent.LocalID,
		ExchangeID: placed.ExchangeID,
		BotName:    o.config.Bot.Name,
		Symbol:     o.config.Bot.Symbol,
		Side:       intent.Side,
		Type:       intent.Type,
		Price:      intent.Price,
		Amount:     intent.Amount,
		Status:     types.OrderStatusOpen,
		Role:       intent.Role,
		Tag:        intent.Tag,
		DealID:     intent.DealID,
		CreatedAt:  time.Now().UTC(),
		AckedAt:    placed.AckedAt,
	}
	o.orders[order.LocalID] = order
	delete(o.failCounts, intentKey(intent))

	o.metrics.OrdersPlaced.WithLabelValues(o.config.Bot.Name, string(intent.Side), string(intent.Role)).Inc()
	o.bus.Publish(events.OrderPlaced(
		o.config.Bot.Name, order.LocalID, order.ExchangeID,
		string(order.Role), string(order.Side), order.Price, order.Amount))

	if err := o.store.UpsertOrder(ctx, *order); err != nil {
		o.logger.Warn("order persist failed", zap.Error(err))
	}

	// Market orders come back filled from the adapter.
	if placed.Status.IsTerminal() {
		o.applyRemote(ctx, order, placed)
	}
}

func intentKey(intent strategy.Intent) string {
	return fmt.Sprintf("%s|%s|%s|%s", intent.Role, intent.Side, intent.Price, intent.Amount)
}

// handlePlaceError classifies a placement failure per the error policy.
func (o *Orchestrator) handlePlaceError(ctx context.Context, pi pendingIntent, input strategy.TickInput, err error) {
	intent := pi.intent
	kind := exchange.KindOf(err)
	o.metrics.OrderErrors.WithLabelValues(o.config.Bot.Name, string(kind)).Inc()
	o.bus.Publish(events.OrderError(o.config.Bot.Name, intent.LocalID, string(kind), err.Error()))
	o.risk.ReleaseExposure(o.config.Bot.Name, intent.Amount, nonZeroPrice(intent.Price, input.Price))
	pi.engine.OnOrderFailed(intent.LocalID)

	switch kind {
	case exchange.ErrAuth:
		o.logger.Error("authentication failure", zap.Error(err))
		o.emergencyStopLocked(ctx, "authentication_error", false)
	case exchange.ErrInvalidOrder:
		key := intentKey(intent)
		o.failCounts[key]++
		o.logger.Warn("invalid order", zap.Error(err), zap.Int("failures", o.failCounts[key]))
		if o.failCounts[key] > 3 {
			o.fail(ctx, "repeated invalid order: "+err.Error())
		}
	case exchange.ErrInsufficient:
		o.logger.Warn("insufficient funds", zap.Error(err))
	default:
		// Transient and unknown failures: the intent re-enters next tick
		// if still warranted.
		o.logger.Warn("order placement failed", zap.Error(err))
	}
}

func nonZeroPrice(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return b
	}
	return a
}

// executeCancel cancels an order; local state clears only after the
// adapter confirms or reports the order unknown.
func (o *Orchestrator) executeCancel(ctx context.Context, intent strategy.Intent) {
	order, ok := o.orders[intent.LocalID]
	if !ok || !order.Status.IsLive() {
		return
	}
	result, err := o.ex.CancelOrder(ctx, order.Symbol, order.ExchangeID)
	if err != nil {
		o.logger.Warn("cancel failed", zap.String("local_id", order.LocalID), zap.Error(err))
		return
	}
	_ = result // ok and unknown both mean the order is no longer live

	now := time.Now().UTC()
	order.Status = types.OrderStatusCancelled
	order.CancelledAt = &now
	o.metrics.OrdersCancelled.WithLabelValues(o.config.Bot.Name).Inc()
	o.bus.Publish(events.OrderCancelled(o.config.Bot.Name, order.LocalID))
	if err := o.store.UpsertOrder(ctx, *order); err != nil {
		o.logger.Warn("order persist failed", zap.Error(err))
	}
}

// reconcile compares local live orders against the authoritative open set
// and resolves the ones that disappeared. Replays against an unchanged
// exchange view are idempotent.
func (o *Orchestrator) reconcile(ctx context.Context, input strategy.TickInput) error {
	live := o.liveOrders()
	if len(live) == 0 {
		return nil
	}

	open, err := o.ex.FetchOpenOrders(ctx, o.config.Bot.Symbol)
	if err != nil {
		return err
	}
	openByID := make(map[string]types.Order, len(open))
	for _, r := range open {
		openByID[r.ExchangeID] = r
	}

	for _, order := range live {
		if remote, ok := openByID[order.ExchangeID]; ok {
			// Still live: pick up partial-fill progress.
			if remote.Status != order.Status || !remote.FilledQty.Equal(order.FilledQty) {
				o.applyRemote(ctx, order, remote)
			}
			continue
		}
		remote, err := o.ex.FetchOrder(ctx, order.Symbol, order.ExchangeID)
		if err != nil {
			if exchange.IsTransient(err) {
				continue
			}
			o.markOrderError(order, "unknown to exchange: "+err.Error())
			continue
		}
		o.applyRemote(ctx, order, remote)
	}
	return nil
}

// followup holds engine reactions generated while applying remote updates;
// they run through the normal gates at the end of the step.
type followup struct {
	intents []strategy.Intent
	engine  strategy.Engine
}

func (o *Orchestrator) applyFollowups(ctx context.Context, input strategy.TickInput) {
	for len(o.pendingFollowups) > 0 {
		batch := o.pendingFollowups
		o.pendingFollowups = nil
		for _, f := range batch {
			var pis []pendingIntent
			for _, intent := range f.intents {
				pis = append(pis, pendingIntent{intent: intent, engine: f.engine})
			}
			o.processIntents(ctx, pis, input, true)
		}
	}
}

// applyRemote folds the exchange's view of an order into local state and
// lets the owning engine react. Terminal statuses never transition out.
func (o *Orchestrator) applyRemote(ctx context.Context, order *types.Order, remote types.Order) {
	if order.Status.IsTerminal() {
		return
	}
	if remote.Status == order.Status && remote.FilledQty.Equal(order.FilledQty) {
		return
	}
	if remote.FilledQty.GreaterThan(order.Amount) {
		o.fail(ctx, fmt.Sprintf("invariant violation: filled %s exceeds amount %s on %s",
			remote.FilledQty, order.Amount, order.LocalID))
		return
	}

	order.Status = remote.Status
	order.FilledQty = remote.FilledQty
	if !remote.AvgPrice.IsZero() {
		order.AvgPrice = remote.AvgPrice
	}
	now := time.Now().UTC()
	switch remote.Status {
	case types.OrderStatusClosed:
		order.FilledAt = &now
		fillPrice := order.AvgPrice
		if fillPrice.IsZero() {
			fillPrice = order.Price
		}
		o.metrics.OrdersFilled.WithLabelValues(o.config.Bot.Name, string(order.Side)).Inc()
		o.bus.Publish(events.OrderFilled(o.config.Bot.Name, order.LocalID, order.ExchangeID, fillPrice, order.FilledQty, nil))
		// Exposure is released when a sell passes the risk gate's
		// CheckAndRecord; a fill needs no risk update here.
	case types.OrderStatusCancelled:
		order.CancelledAt = &now
		o.bus.Publish(events.OrderCancelled(o.config.Bot.Name, order.LocalID))
	case types.OrderStatusRejected, types.OrderStatusError:
		o.bus.Publish(events.OrderError(o.config.Bot.Name, order.LocalID, string(remote.Status), order.ErrorMessage))
	}

	if err := o.store.UpsertOrder(ctx, *order); err != nil {
		o.logger.Warn("order persist failed", zap.Error(err))
	}

	if order.Status.IsTerminal() || order.Status == types.OrderStatusError {
		// Engines self-match by local id; foreign updates are no-ops.
		update := strategy.TickInput{Now: now, Price: o.lastPrice, Market: o.market}
		for _, engine := range append(append([]strategy.Engine{}, o.engines...), o.draining...) {
			if intents := engine.OnOrderUpdate(*order, update); len(intents) > 0 {
				o.pendingFollowups = append(o.pendingFollowups, followup{intents: intents, engine: engine})
			}
		}
	}
}

// drainClosedDeals collects realized deals from every engine, records
// their PnL and publishes deal_closed events.
func (o *Orchestrator) drainClosedDeals(ctx context.Context) {
	for _, engine := range append(append([]strategy.Engine{}, o.engines...), o.draining...) {
		for _, deal := range engine.DrainClosed() {
			deal.BotName = o.config.Bot.Name
			o.realizedPnL = o.realizedPnL.Add(deal.RealizedPnL)
			o.risk.RecordFill(o.config.Bot.Name, deal.RealizedPnL)
			o.metrics.RealizedPnL.WithLabelValues(o.config.Bot.Name).Add(mustFloat(deal.RealizedPnL))
			delete(o.knownDeals, deal.ID)

			var pct decimal.Decimal
			if deal.QuoteCost.IsPositive() {
				pct = deal.RealizedPnL.Div(deal.QuoteCost)
			}
			o.bus.Publish(events.DealClosed(o.config.Bot.Name, deal.ID, deal.CloseReason, deal.RealizedPnL, pct))

			executedAt := time.Now().UTC()
			if deal.ClosedAt != nil {
				executedAt = *deal.ClosedAt
			}
			trade := types.Trade{
				ID:          uuid.NewString(),
				BotName:     o.config.Bot.Name,
				Symbol:      o.config.Bot.Symbol,
				DealID:      deal.ID,
				Side:        types.OrderSideSell,
				Amount:      deal.Amount,
				Price:       deal.AvgEntry,
				RealizedPnL: deal.RealizedPnL,
				ExecutedAt:  executedAt,
			}
			if err := o.store.AppendTrade(ctx, trade); err != nil {
				o.logger.Warn("trade persist failed", zap.Error(err))
			}
		}
	}
	o.pruneDraining()
}

// pruneDraining drops outgoing engines once their positions are flat.
func (o *Orchestrator) pruneDraining() {
	kept := o.draining[:0]
	for _, engine := range o.draining {
		if len(engine.Deals()) > 0 {
			kept = append(kept, engine)
		}
	}
	o.draining = kept
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// publishNewDeals emits deal_opened for deals that appeared this step.
func (o *Orchestrator) publishNewDeals() {
	for _, engine := range append(append([]strategy.Engine{}, o.engines...), o.draining...) {
		for _, deal := range engine.Deals() {
			if o.knownDeals[deal.ID] {
				continue
			}
			o.knownDeals[deal.ID] = true
			o.bus.Publish(events.DealOpened(o.config.Bot.Name, deal.ID, deal.AvgEntry, deal.Amount))
		}
	}
}

// portfolioValue approximates allocation + realized + unrealized PnL.
func (o *Orchestrator) portfolioValue() decimal.Decimal {
	baseline := o.config.Baseline
	if baseline.IsZero() {
		baseline = o.config.Bot.Risk.MaxPositionSize
	}
	value := baseline.Add(o.realizedPnL)
	if o.lastPrice.IsZero() {
		return value
	}
	for _, engine := range append(append([]strategy.Engine{}, o.engines...), o.draining...) {
		for _, deal := range engine.Deals() {
			var unrealized decimal.Decimal
			if deal.Direction == types.PositionSideShort {
				unrealized = deal.AvgEntry.Sub(o.lastPrice).Mul(deal.Amount)
			} else {
				unrealized = o.lastPrice.Sub(deal.AvgEntry).Mul(deal.Amount)
			}
			value = value.Add(unrealized)
		}
	}
	return value
}

// checkpoint writes the full bot snapshot.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	snap := state.BotSnapshot{
		BotName:      o.config.Bot.Name,
		State:        o.State(),
		Strategy:     o.config.Bot.Strategy,
		Symbol:       o.config.Bot.Symbol,
		Regime:       o.currentRegime,
		LastError:    o.lastError,
		CheckpointAt: time.Now().UTC(),
	}

	dailyPnL, losses := o.risk.Counters(o.config.Bot.Name)
	snap.Risk = state.RiskCounters{
		DailyLoss:         dailyPnL.Neg(),
		DailyResetAt:      time.Now().UTC(),
		ConsecutiveLosses: losses,
	}

	for _, order := range o.orders {
		snap.Orders = append(snap.Orders, *order)
	}
	snap.StrategyState = make(map[string]json.RawMessage, len(o.engines))
	for _, engine := range append(append([]strategy.Engine{}, o.engines...), o.draining...) {
		raw, err := engine.MarshalState()
		if err != nil {
			return fmt.Errorf("marshal %s state: %w", engine.Kind(), err)
		}
		snap.StrategyState[string(engine.Kind())] = raw
		snap.Deals = append(snap.Deals, engine.Deals()...)
	}

	if err := o.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	o.lastCheckpt = time.Now()
	return nil
}

// Pause halts the decision phase; live orders stay on the exchange and
// reconciliation keeps running.
func (o *Orchestrator) Pause() {
	o.actMu.Lock()
	defer o.actMu.Unlock()
	if o.State() == types.BotStateRunning {
		o.setState(types.BotStatePaused, "pause requested")
	}
}

// Resume restarts the decision phase.
func (o *Orchestrator) Resume() {
	o.actMu.Lock()
	defer o.actMu.Unlock()
	if o.State() == types.BotStatePaused {
		o.setState(types.BotStateRunning, "resume requested")
	}
}

// Stop shuts down gracefully: cancel open orders, checkpoint, emit.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.actMu.Lock()
	defer o.actMu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}

	if _, err := o.ex.CancelAll(ctx, o.config.Bot.Symbol); err != nil {
		o.logger.Warn("cancel-all on stop failed", zap.Error(err))
	}
	now := time.Now().UTC()
	for _, order := range o.orders {
		if order.Status.IsLive() {
			order.Status = types.OrderStatusCancelled
			order.CancelledAt = &now
		}
	}

	o.setState(types.BotStateStopped, "stop requested")
	if err := o.checkpoint(ctx); err != nil {
		o.logger.Warn("final checkpoint failed", zap.Error(err))
	}
	o.awaitLoop()
	return nil
}

// EmergencyStop cancels everything, optionally flattens, and moves to
// ERROR. No new orders are placed until an external start is re-issued.
func (o *Orchestrator) EmergencyStop(ctx context.Context, reason string) {
	o.actMu.Lock()
	defer o.actMu.Unlock()
	o.emergencyStopLocked(ctx, reason, false)
	o.awaitLoop()
}

func (o *Orchestrator) emergencyStopLocked(ctx context.Context, reason string, graceful bool) {
	o.metrics.EmergencyStops.WithLabelValues(o.config.Bot.Name, reason).Inc()
	o.bus.Publish(events.EmergencyStop(o.config.Bot.Name, reason))
	o.logger.Error("emergency stop", zap.String("reason", reason))

	if _, err := o.ex.CancelAll(ctx, o.config.Bot.Symbol); err != nil {
		o.logger.Warn("cancel-all failed during emergency stop", zap.Error(err))
	}
	now := time.Now().UTC()
	for _, order := range o.orders {
		if order.Status.IsLive() {
			order.Status = types.OrderStatusCancelled
			order.CancelledAt = &now
		}
	}

	if o.config.Bot.Risk.ClosePositionsOnStop || graceful {
		o.flattenPositions(ctx)
	}

	o.risk.Halt(o.config.Bot.Name, reason)
	o.lastError = reason
	if graceful {
		o.setState(types.BotStateStopped, reason)
	} else {
		o.setState(types.BotStateError, reason)
	}
	if err := o.checkpoint(ctx); err != nil {
		o.logger.Warn("emergency checkpoint failed", zap.Error(err))
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// flattenPositions market-closes every active deal.
func (o *Orchestrator) flattenPositions(ctx context.Context) {
	for _, engine := range append(append([]strategy.Engine{}, o.engines...), o.draining...) {
		for _, deal := range engine.Deals() {
			side := types.OrderSideSell
			if deal.Direction == types.PositionSideShort {
				side = types.OrderSideBuy
			}
			_, err := o.ex.PlaceOrder(ctx, exchange.PlaceOrderRequest{
				Symbol: o.config.Bot.Symbol,
				Side:   side,
				Type:   types.OrderTypeMarket,
				Amount: deal.Amount,
			})
			if err != nil {
				o.logger.Error("flatten failed",
					zap.String("deal", deal.ID), zap.Error(err))
			}
		}
	}
}

// fail transitions to ERROR without the cancel-all sequence.
func (o *Orchestrator) fail(ctx context.Context, reason string) {
	o.lastError = reason
	o.risk.Halt(o.config.Bot.Name, reason)
	o.setState(types.BotStateError, reason)

	// The loop context may already be cancelled; the final checkpoint gets
	// its own budget.
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.checkpoint(cctx); err != nil {
		o.logger.Warn("failure checkpoint failed", zap.Error(err))
	}
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) awaitLoop() {
	if o.done == nil {
		return
	}
	done := o.done
	o.done = nil
	o.actMu.Unlock()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		o.logger.Warn("loop did not exit within the shutdown budget")
	}
	o.actMu.Lock()
}

// SwitchStrategy atomically replaces the strategy. Active positions of the
// outgoing strategy complete under its exit rules; the outgoing engine
// keeps draining until flat.
func (o *Orchestrator) SwitchStrategy(kind types.StrategyKind) error {
	o.actMu.Lock()
	defer o.actMu.Unlock()

	cfg := o.config.Bot
	cfg.Strategy = kind
	if err := cfg.Validate(); err != nil {
		return err
	}

	engines, err := buildEngines(o.logger, cfg)
	if err != nil {
		return err
	}
	for _, engine := range engines {
		if err := engine.Init(o.market); err != nil {
			return err
		}
	}

	for _, old := range o.engines {
		if len(old.Deals()) > 0 {
			o.draining = append(o.draining, old)
		}
	}
	o.engines = engines
	o.config.Bot = cfg
	o.logger.Info("strategy switched", zap.String("to", string(kind)))
	return nil
}

// UseEngines replaces the configured engines before Start. Backtest
// harnesses and tests inject engines with their own price/time sources;
// the loop, gates and persistence behave identically.
func (o *Orchestrator) UseEngines(engines ...strategy.Engine) {
	o.actMu.Lock()
	defer o.actMu.Unlock()
	o.engines = engines
}

// TickOnce runs a single tick synchronously; intended for tests and the
// dry-run harness, where the caller owns the cadence.
func (o *Orchestrator) TickOnce(ctx context.Context) error {
	o.actMu.Lock()
	defer o.actMu.Unlock()
	return o.tick(ctx)
}
