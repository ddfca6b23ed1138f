package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/atlas-desktop/trading-agent/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperExchange is the dry-run adapter: orders are simulated locally against
// prices fed through SetPrice, but the contract and the state transitions
// the core observes are the real ones.
type PaperExchange struct {
	logger *zap.Logger
	mu     sync.Mutex

	prices   map[string]decimal.Decimal
	candles  map[string]map[types.Timeframe][]types.OHLCV
	markets  map[string]types.Market
	balances map[string]types.Balance
	orders   map[string]*types.Order // keyed by exchange id

	// enforceFunds makes buy placements check free quote funds and fills
	// settle the seeded balances.
	enforceFunds bool
	feeRate      decimal.Decimal
}

// NewPaperExchange creates an empty simulator.
func NewPaperExchange(logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		logger:   logger.Named("paper"),
		prices:   make(map[string]decimal.Decimal),
		candles:  make(map[string]map[types.Timeframe][]types.OHLCV),
		markets:  make(map[string]types.Market),
		balances: make(map[string]types.Balance),
		orders:   make(map[string]*types.Order),
		feeRate:  decimal.NewFromFloat(0.001),
	}
}

// SetMarket registers a market's precision constraints.
func (p *PaperExchange) SetMarket(m types.Market) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markets[m.Symbol] = m
}

// SetBalance seeds an asset balance and turns on funds enforcement.
func (p *PaperExchange) SetBalance(asset string, free decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = types.Balance{Asset: asset, Free: free, Total: free}
	p.enforceFunds = true
}

// SetCandles seeds a candle window for FetchOHLCV.
func (p *PaperExchange) SetCandles(symbol string, tf types.Timeframe, bars []types.OHLCV) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candles[symbol] == nil {
		p.candles[symbol] = make(map[types.Timeframe][]types.OHLCV)
	}
	p.candles[symbol][tf] = bars
}

// SetPrice feeds a trade price and fills any limit orders it crosses.
func (p *PaperExchange) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	for _, order := range p.orders {
		if order.Symbol != symbol || !order.Status.IsLive() || order.Type != types.OrderTypeLimit {
			continue
		}
		crossed := (order.Side == types.OrderSideBuy && price.LessThanOrEqual(order.Price)) ||
			(order.Side == types.OrderSideSell && price.GreaterThanOrEqual(order.Price))
		if crossed {
			p.fillLocked(order, order.Price)
		}
	}
}

// fillLocked marks an order fully filled at the given price.
func (p *PaperExchange) fillLocked(order *types.Order, price decimal.Decimal) {
	now := time.Now().UTC()
	order.Status = types.OrderStatusClosed
	order.FilledQty = order.Amount
	order.AvgPrice = price
	order.FilledAt = &now
	p.settleLocked(order, price)
}

// settleLocked applies the fill to seeded balances.
func (p *PaperExchange) settleLocked(order *types.Order, price decimal.Decimal) {
	if !p.enforceFunds {
		return
	}
	base, quote := utils.ParseSymbol(order.Symbol)
	cost := price.Mul(order.Amount)
	fee := cost.Mul(p.feeRate)

	if order.Side == types.OrderSideBuy {
		q := p.balances[quote]
		q.Free = q.Free.Sub(cost).Sub(fee)
		q.Total = q.Total.Sub(cost).Sub(fee)
		p.balances[quote] = q
		b := p.balances[base]
		b.Asset = base
		b.Free = b.Free.Add(order.Amount)
		b.Total = b.Total.Add(order.Amount)
		p.balances[base] = b
		return
	}
	b := p.balances[base]
	b.Free = b.Free.Sub(order.Amount)
	b.Total = b.Total.Sub(order.Amount)
	p.balances[base] = b
	q := p.balances[quote]
	q.Asset = quote
	q.Free = q.Free.Add(cost).Sub(fee)
	q.Total = q.Total.Add(cost).Sub(fee)
	p.balances[quote] = q
}

// FetchPrice returns the last fed price.
func (p *PaperExchange) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, NewError(ErrUnknown, "no price for "+symbol, nil)
	}
	return price, nil
}

// FetchOHLCV serves the seeded candle window.
func (p *PaperExchange) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.OHLCV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars := p.candles[symbol][tf]
	if len(bars) > limit && limit > 0 {
		bars = bars[len(bars)-limit:]
	}
	out := make([]types.OHLCV, len(bars))
	copy(out, bars)
	return out, nil
}

// FetchBalance returns seeded balances.
func (p *PaperExchange) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]types.Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// FetchOpenOrders returns live simulated orders.
func (p *PaperExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Order
	for _, o := range p.orders {
		if o.Symbol == symbol && o.Status.IsLive() {
			out = append(out, *o)
		}
	}
	return out, nil
}

// FetchOrder returns any simulated order by exchange id.
func (p *PaperExchange) FetchOrder(ctx context.Context, symbol, exchangeID string) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[exchangeID]
	if !ok {
		return types.Order{}, NewError(ErrUnknown, "order not found: "+exchangeID, nil)
	}
	return *o, nil
}

// PlaceOrder simulates a placement. Market orders fill immediately at the
// last price; limit orders rest until SetPrice crosses them.
func (p *PaperExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return types.Order{}, NewError(ErrInvalidOrder, "amount must be positive", nil)
	}
	if req.Type == types.OrderTypeLimit && req.Price.LessThanOrEqual(decimal.Zero) {
		return types.Order{}, NewError(ErrInvalidOrder, "limit order requires a price", nil)
	}
	if m, ok := p.markets[req.Symbol]; ok {
		if !m.AmountStep.IsZero() && !req.Amount.Mod(m.AmountStep).IsZero() {
			return types.Order{}, NewError(ErrInvalidOrder,
				fmt.Sprintf("amount %s not aligned to step %s", req.Amount, m.AmountStep), nil)
		}
		if req.Type == types.OrderTypeLimit && !m.PriceTick.IsZero() && !req.Price.Mod(m.PriceTick).IsZero() {
			return types.Order{}, NewError(ErrInvalidOrder,
				fmt.Sprintf("price %s not aligned to tick %s", req.Price, m.PriceTick), nil)
		}
	}

	price := req.Price
	if req.Type == types.OrderTypeMarket {
		last, ok := p.prices[req.Symbol]
		if !ok {
			return types.Order{}, NewError(ErrUnknown, "no price for "+req.Symbol, nil)
		}
		price = last
	}

	if p.enforceFunds && req.Side == types.OrderSideBuy {
		_, quote := utils.ParseSymbol(req.Symbol)
		cost := price.Mul(req.Amount)
		if p.balances[quote].Free.LessThan(cost) {
			return types.Order{}, NewError(ErrInsufficient,
				fmt.Sprintf("need %s %s, have %s", cost, quote, p.balances[quote].Free), nil)
		}
	}

	now := time.Now().UTC()
	order := &types.Order{
		ExchangeID: uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Amount:     req.Amount,
		Status:     types.OrderStatusOpen,
		CreatedAt:  now,
		AckedAt:    &now,
	}
	p.orders[order.ExchangeID] = order

	if req.Type == types.OrderTypeMarket {
		p.fillLocked(order, price)
	}
	return *order, nil
}

// CancelOrder cancels a live simulated order.
func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, exchangeID string) (CancelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[exchangeID]
	if !ok {
		return CancelUnknown, nil
	}
	if !o.Status.IsLive() {
		return CancelUnknown, nil
	}
	now := time.Now().UTC()
	o.Status = types.OrderStatusCancelled
	o.CancelledAt = &now
	return CancelOK, nil
}

// CancelAll cancels every live order on the symbol.
func (p *PaperExchange) CancelAll(ctx context.Context, symbol string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, o := range p.orders {
		if o.Symbol == symbol && o.Status.IsLive() {
			o.Status = types.OrderStatusCancelled
			o.CancelledAt = &now
			count++
		}
	}
	return count, nil
}

// FetchMarket returns the registered market, defaulting to permissive
// precision when none was set.
func (p *PaperExchange) FetchMarket(ctx context.Context, symbol string) (types.Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.markets[symbol]; ok {
		return m, nil
	}
	return types.Market{Symbol: symbol, Type: types.MarketTypeSpot}, nil
}
