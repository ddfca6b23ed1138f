// Package marketdata produces last-traded prices and historical candle
// windows for the strategies. Prices come from a short-TTL cache fed by
// REST polling and, when enabled, a public-trade websocket stream.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/exchange"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/atlas-desktop/trading-agent/pkg/utils"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the feed.
type Config struct {
	// PriceTTL is the maximum staleness served from the price cache.
	PriceTTL time.Duration `json:"priceTtl"`
	// CandleTTL is the minimum interval between candle refetches per
	// (symbol, timeframe).
	CandleTTL time.Duration `json:"candleTtl"`
	// StreamURL enables the public websocket trade stream when non-empty.
	StreamURL string `json:"streamUrl"`
}

// DefaultConfig returns feed defaults honoring the 5 s price cadence.
func DefaultConfig() Config {
	return Config{
		PriceTTL:  5 * time.Second,
		CandleTTL: time.Minute,
	}
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

type candleKey struct {
	symbol string
	tf     types.Timeframe
}

type candleWindow struct {
	bars      []types.OHLCV
	fetchedAt time.Time
}

// Feed caches prices and candle windows over an Exchange.
type Feed struct {
	logger   *zap.Logger
	config   Config
	exchange exchange.Exchange

	mu      sync.RWMutex
	prices  map[string]pricePoint
	candles map[candleKey]candleWindow

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates a market data feed.
func NewFeed(logger *zap.Logger, config Config, ex exchange.Exchange) *Feed {
	if config.PriceTTL <= 0 {
		config.PriceTTL = 5 * time.Second
	}
	if config.CandleTTL <= 0 {
		config.CandleTTL = time.Minute
	}
	return &Feed{
		logger:   logger.Named("marketdata"),
		config:   config,
		exchange: ex,
		prices:   make(map[string]pricePoint),
		candles:  make(map[candleKey]candleWindow),
	}
}

// Price returns the last traded price, served from cache within the TTL.
func (f *Feed) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	point, ok := f.prices[symbol]
	f.mu.RUnlock()
	if ok && time.Since(point.at) < f.config.PriceTTL {
		return point.price, nil
	}

	price, err := f.exchange.FetchPrice(ctx, symbol)
	if err != nil {
		// A stale cache beats no price for one tick; the next tick retries.
		if ok {
			f.logger.Warn("price fetch failed, serving stale cache",
				zap.String("symbol", symbol), zap.Error(err))
			return point.price, nil
		}
		return decimal.Zero, err
	}

	f.mu.Lock()
	f.prices[symbol] = pricePoint{price: price, at: time.Now()}
	f.mu.Unlock()
	return price, nil
}

// Candles returns the most recent limit candles for the timeframe, cached
// between refreshes.
func (f *Feed) Candles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.OHLCV, error) {
	key := candleKey{symbol: symbol, tf: tf}

	f.mu.RLock()
	window, ok := f.candles[key]
	f.mu.RUnlock()

	ttl := f.config.CandleTTL
	if d := tf.Duration(); d < ttl {
		ttl = d
	}
	if ok && time.Since(window.fetchedAt) < ttl && len(window.bars) >= limit {
		return window.bars[len(window.bars)-limit:], nil
	}

	bars, err := f.exchange.FetchOHLCV(ctx, symbol, tf, limit)
	if err != nil {
		if ok {
			f.logger.Warn("candle fetch failed, serving stale window",
				zap.String("symbol", symbol), zap.String("tf", string(tf)), zap.Error(err))
			return window.bars, nil
		}
		return nil, err
	}

	f.mu.Lock()
	f.candles[key] = candleWindow{bars: bars, fetchedAt: time.Now()}
	f.mu.Unlock()
	return bars, nil
}

// Snapshot assembles the per-tick market view for a symbol.
func (f *Feed) Snapshot(ctx context.Context, symbol string, needs map[types.Timeframe]int) (types.MarketSnapshot, error) {
	price, err := f.Price(ctx, symbol)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("snapshot price: %w", err)
	}

	snap := types.MarketSnapshot{
		Symbol:    symbol,
		LastPrice: price,
		UpdatedAt: time.Now().UTC(),
	}
	if len(needs) > 0 {
		snap.Candles = make(map[types.Timeframe][]types.OHLCV, len(needs))
		for tf, limit := range needs {
			bars, err := f.Candles(ctx, symbol, tf, limit)
			if err != nil {
				return types.MarketSnapshot{}, fmt.Errorf("snapshot candles %s: %w", tf, err)
			}
			snap.Candles[tf] = bars
		}
	}
	return snap, nil
}

// SetPrice injects a price into the cache (websocket stream, tests).
func (f *Feed) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[symbol] = pricePoint{price: price, at: time.Now()}
	f.mu.Unlock()
}

// StartStream subscribes to the public trade stream for the symbols and
// feeds the price cache until the context is cancelled. Reconnects with
// linear backoff on failure.
func (f *Feed) StartStream(ctx context.Context, symbols []string) error {
	if f.config.StreamURL == "" {
		return fmt.Errorf("marketdata: no stream url configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			if err := f.streamOnce(ctx, symbols); err != nil && ctx.Err() == nil {
				f.logger.Warn("trade stream dropped", zap.Error(err),
					zap.Duration("retry_in", backoff))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff += time.Second
				}
				continue
			}
			backoff = time.Second
		}
	}()
	return nil
}

// StopStream tears down the websocket stream.
func (f *Feed) StopStream() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

type streamTrade struct {
	Topic string `json:"topic"`
	Data  []struct {
		Price  string `json:"p"`
		Symbol string `json:"s"`
	} `json:"data"`
}

func (f *Feed) streamOnce(ctx context.Context, symbols []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.config.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	args := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, s := range symbols {
		wire := utils.ExchangeSymbol(s)
		args = append(args, "publicTrade."+wire)
		bySymbol[wire] = s
	}
	sub := map[string]any{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg streamTrade
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		for _, trade := range msg.Data {
			price, err := decimal.NewFromString(trade.Price)
			if err != nil {
				continue
			}
			symbol, ok := bySymbol[trade.Symbol]
			if !ok {
				continue
			}
			f.SetPrice(symbol, price)
		}
	}
}

// MarshalJSON exposes cache freshness for diagnostics.
func (f *Feed) MarshalJSON() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ages := make(map[string]string, len(f.prices))
	for s, p := range f.prices {
		ages[s] = time.Since(p.at).Round(time.Millisecond).String()
	}
	return json.Marshal(map[string]any{"priceCacheAges": ages})
}
