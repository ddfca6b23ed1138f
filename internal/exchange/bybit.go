package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/atlas-desktop/trading-agent/pkg/utils"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitDemoURL    = "https://api-demo.bybit.com"
)

// BybitConfig configures the V5 REST client.
type BybitConfig struct {
	APIKey     string        `json:"apiKey"`
	APISecret  string        `json:"-"`
	Demo       bool          `json:"demo"`
	Category   string        `json:"category"` // "spot" or "linear"
	RecvWindow time.Duration `json:"recvWindow"`
	Timeout    time.Duration `json:"timeout"`
	// RateLimitPerMin caps outbound requests; 0 disables the limiter.
	RateLimitPerMin int `json:"rateLimitPerMin"`
}

// DefaultBybitConfig returns production-shaped client defaults.
func DefaultBybitConfig() BybitConfig {
	return BybitConfig{
		Category:        "linear",
		RecvWindow:      10 * time.Second,
		Timeout:         15 * time.Second,
		RateLimitPerMin: 1000,
	}
}

// BybitClient implements Exchange over the ByBit V5 REST API. Transient
// network, 5xx and 429 failures are retried with exponential backoff inside
// the client; auth, balance and order-validation failures surface
// immediately.
type BybitClient struct {
	logger  *zap.Logger
	config  BybitConfig
	baseURL string
	http    *retryablehttp.Client
	limiter *tokenBucket
}

// NewBybitClient creates a V5 REST client.
func NewBybitClient(logger *zap.Logger, config BybitConfig) *BybitClient {
	if config.RecvWindow <= 0 {
		config.RecvWindow = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Category == "" {
		config.Category = "linear"
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.HTTPClient.Timeout = config.Timeout
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return true, nil
		}
		return false, nil
	}

	baseURL := bybitMainnetURL
	if config.Demo {
		baseURL = bybitDemoURL
	}

	var limiter *tokenBucket
	if config.RateLimitPerMin > 0 {
		limiter = newTokenBucket(config.RateLimitPerMin, time.Minute)
	}

	return &BybitClient{
		logger:  logger.Named("bybit"),
		config:  config,
		baseURL: baseURL,
		http:    rc,
		limiter: limiter,
	}
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// classifyRetCode maps V5 business codes onto the core error taxonomy.
func classifyRetCode(code int, msg string) *Error {
	switch code {
	case 0:
		return nil
	case 10003, 10004, 10005, 10007, 33004:
		return NewError(ErrAuth, msg, nil)
	case 10006, 10018:
		return NewError(ErrRateLimited, msg, nil)
	case 110004, 110007, 110012, 110052, 170131:
		return NewError(ErrInsufficient, msg, nil)
	case 10001, 110003, 110009, 110017, 110094, 170130, 170140:
		return NewError(ErrInvalidOrder, msg, nil)
	default:
		return NewError(ErrUnknown, fmt.Sprintf("retCode %d: %s", code, msg), nil)
	}
}

func (c *BybitClient) sign(timestamp string, payload string) string {
	recvMs := strconv.FormatInt(c.config.RecvWindow.Milliseconds(), 10)
	mac := hmac.New(sha256.New, []byte(c.config.APISecret))
	mac.Write([]byte(timestamp + c.config.APIKey + recvMs + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BybitClient) do(ctx context.Context, method, path string, query url.Values, body map[string]any, signed bool) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, NewError(ErrNetwork, "rate limiter wait cancelled", err)
		}
	}

	var payload string
	var bodyBytes []byte
	if method == http.MethodGet {
		payload = canonicalQuery(query)
	} else {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, NewError(ErrUnknown, "marshal request body", err)
		}
		payload = string(bodyBytes)
	}

	u := c.baseURL + path
	if method == http.MethodGet && len(query) > 0 {
		u += "?" + canonicalQuery(query)
	}

	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, NewError(ErrUnknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", c.config.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(c.config.RecvWindow.Milliseconds(), 10))
		req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(ErrNetwork, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ErrNetwork, "read response body", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, NewError(ErrAuth, fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewError(ErrNetwork, fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(ErrUnknown, "decode response envelope", err)
	}
	if apiErr := classifyRetCode(env.RetCode, env.RetMsg); apiErr != nil {
		return nil, apiErr
	}
	return env.Result, nil
}

// canonicalQuery renders query parameters sorted by key, the ordering the
// V5 signature is computed over.
func canonicalQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(query.Get(k))
	}
	return sb.String()
}

// FetchPrice returns the last traded price.
func (c *BybitClient) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("category", c.config.Category)
	q.Set("symbol", utils.ExchangeSymbol(symbol))
	result, err := c.do(ctx, http.MethodGet, "/v5/market/tickers", q, nil, false)
	if err != nil {
		return decimal.Zero, err
	}

	var parsed struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return decimal.Zero, NewError(ErrUnknown, "decode tickers", err)
	}
	if len(parsed.List) == 0 {
		return decimal.Zero, NewError(ErrInvalidOrder, "symbol unknown: "+symbol, nil)
	}
	price, err := decimal.NewFromString(parsed.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, NewError(ErrUnknown, "parse lastPrice", err)
	}
	return price, nil
}

var bybitIntervals = map[types.Timeframe]string{
	types.Timeframe1m:  "1",
	types.Timeframe5m:  "5",
	types.Timeframe15m: "15",
	types.Timeframe1h:  "60",
	types.Timeframe4h:  "240",
	types.Timeframe1d:  "D",
}

// FetchOHLCV returns the most recent limit candles, ascending by time.
func (c *BybitClient) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.OHLCV, error) {
	interval, ok := bybitIntervals[tf]
	if !ok {
		return nil, NewError(ErrInvalidOrder, "unsupported timeframe "+string(tf), nil)
	}
	q := url.Values{}
	q.Set("category", c.config.Category)
	q.Set("symbol", utils.ExchangeSymbol(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	result, err := c.do(ctx, http.MethodGet, "/v5/market/kline", q, nil, false)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, NewError(ErrUnknown, "decode kline", err)
	}

	// V5 returns newest first; the core wants ascending.
	bars := make([]types.OHLCV, 0, len(parsed.List))
	for i := len(parsed.List) - 1; i >= 0; i-- {
		row := parsed.List[i]
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, NewError(ErrUnknown, "parse kline timestamp", err)
		}
		bar := types.OHLCV{Timestamp: time.UnixMilli(ms).UTC()}
		fields := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for j, dst := range fields {
			v, err := decimal.NewFromString(row[j+1])
			if err != nil {
				return nil, NewError(ErrUnknown, "parse kline field", err)
			}
			*dst = v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// FetchBalance returns free/total balances per asset.
func (c *BybitClient) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	result, err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, true)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				Equity          string `json:"equity"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, NewError(ErrUnknown, "decode wallet balance", err)
	}

	balances := make(map[string]types.Balance)
	for _, acct := range parsed.List {
		for _, coin := range acct.Coin {
			total, _ := decimal.NewFromString(coin.WalletBalance)
			free, err := decimal.NewFromString(coin.AvailableToWithdraw)
			if err != nil {
				free = total
			}
			balances[coin.Coin] = types.Balance{Asset: coin.Coin, Free: free, Total: total}
		}
	}
	return balances, nil
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (c *BybitClient) toOrder(symbol string, o bybitOrder) types.Order {
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.Qty)
	filled, _ := decimal.NewFromString(o.CumExecQty)
	avg, _ := decimal.NewFromString(o.AvgPrice)

	order := types.Order{
		LocalID:    o.OrderLinkID,
		ExchangeID: o.OrderID,
		Symbol:     symbol,
		Side:       types.OrderSide(strings.ToLower(o.Side)),
		Type:       types.OrderType(strings.ToLower(o.OrderType)),
		Price:      price,
		Amount:     qty,
		FilledQty:  filled,
		AvgPrice:   avg,
		Status:     NormalizeStatus(o.OrderStatus),
	}
	if ms, err := strconv.ParseInt(o.CreatedTime, 10, 64); err == nil {
		order.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return order
}

// FetchOpenOrders returns the authoritative set of currently-live orders.
func (c *BybitClient) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	q := url.Values{}
	q.Set("category", c.config.Category)
	q.Set("symbol", utils.ExchangeSymbol(symbol))
	result, err := c.do(ctx, http.MethodGet, "/v5/order/realtime", q, nil, true)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []bybitOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, NewError(ErrUnknown, "decode open orders", err)
	}

	orders := make([]types.Order, 0, len(parsed.List))
	for _, o := range parsed.List {
		orders = append(orders, c.toOrder(symbol, o))
	}
	return orders, nil
}

// FetchOrder looks up a single order, including terminal ones.
func (c *BybitClient) FetchOrder(ctx context.Context, symbol, exchangeID string) (types.Order, error) {
	q := url.Values{}
	q.Set("category", c.config.Category)
	q.Set("symbol", utils.ExchangeSymbol(symbol))
	q.Set("orderId", exchangeID)

	// Realtime covers live orders; history covers terminal ones.
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		result, err := c.do(ctx, http.MethodGet, path, q, nil, true)
		if err != nil {
			return types.Order{}, err
		}
		var parsed struct {
			List []bybitOrder `json:"list"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil {
			return types.Order{}, NewError(ErrUnknown, "decode order lookup", err)
		}
		if len(parsed.List) > 0 {
			return c.toOrder(symbol, parsed.List[0]), nil
		}
	}
	return types.Order{}, NewError(ErrUnknown, "order not found: "+exchangeID, nil)
}

// PlaceOrder submits an order and returns it with the exchange id set.
func (c *BybitClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return types.Order{}, NewError(ErrInvalidOrder, "amount must be positive", nil)
	}
	if req.Type == types.OrderTypeLimit && req.Price.LessThanOrEqual(decimal.Zero) {
		return types.Order{}, NewError(ErrInvalidOrder, "limit order requires a price", nil)
	}

	side := "Buy"
	if req.Side == types.OrderSideSell {
		side = "Sell"
	}
	orderType := "Market"
	if req.Type == types.OrderTypeLimit {
		orderType = "Limit"
	}
	body := map[string]any{
		"category":  c.config.Category,
		"symbol":    utils.ExchangeSymbol(req.Symbol),
		"side":      side,
		"orderType": orderType,
		"qty":       req.Amount.String(),
	}
	if req.Type == types.OrderTypeLimit {
		body["price"] = req.Price.String()
	}
	switch {
	case req.PostOnly:
		body["timeInForce"] = "PostOnly"
	case req.TimeInForce != "":
		body["timeInForce"] = req.TimeInForce
	}

	result, err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, true)
	if err != nil {
		return types.Order{}, err
	}

	var parsed struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return types.Order{}, NewError(ErrUnknown, "decode order create", err)
	}

	now := time.Now().UTC()
	return types.Order{
		LocalID:    parsed.OrderLinkID,
		ExchangeID: parsed.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Amount:     req.Amount,
		Status:     types.OrderStatusOpen,
		CreatedAt:  now,
		AckedAt:    &now,
	}, nil
}

// CancelOrder cancels one order. An order the exchange no longer knows is
// reported as CancelUnknown, not an error, so reconciliation can decide.
func (c *BybitClient) CancelOrder(ctx context.Context, symbol, exchangeID string) (CancelResult, error) {
	body := map[string]any{
		"category": c.config.Category,
		"symbol":   utils.ExchangeSymbol(symbol),
		"orderId":  exchangeID,
	}
	_, err := c.do(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true)
	if err != nil {
		if KindOf(err) == ErrInvalidOrder {
			// Already terminal or unknown to the matching engine.
			return CancelUnknown, nil
		}
		return "", err
	}
	return CancelOK, nil
}

// CancelAll cancels every live order on the symbol and returns the count.
func (c *BybitClient) CancelAll(ctx context.Context, symbol string) (int, error) {
	body := map[string]any{
		"category": c.config.Category,
		"symbol":   utils.ExchangeSymbol(symbol),
	}
	result, err := c.do(ctx, http.MethodPost, "/v5/order/cancel-all", nil, body, true)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		List []struct {
			OrderID string `json:"orderId"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return 0, NewError(ErrUnknown, "decode cancel-all", err)
	}
	return len(parsed.List), nil
}

// FetchMarket returns the symbol's precision constraints.
func (c *BybitClient) FetchMarket(ctx context.Context, symbol string) (types.Market, error) {
	q := url.Values{}
	q.Set("category", c.config.Category)
	q.Set("symbol", utils.ExchangeSymbol(symbol))
	result, err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil, false)
	if err != nil {
		return types.Market{}, err
	}

	var parsed struct {
		List []struct {
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep        string `json:"qtyStep"`
				MinOrderQty    string `json:"minOrderQty"`
				MinNotionalVal string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return types.Market{}, NewError(ErrUnknown, "decode instruments-info", err)
	}
	if len(parsed.List) == 0 {
		return types.Market{}, NewError(ErrInvalidOrder, "symbol unknown: "+symbol, nil)
	}

	info := parsed.List[0]
	tick, _ := decimal.NewFromString(info.PriceFilter.TickSize)
	step, _ := decimal.NewFromString(info.LotSizeFilter.QtyStep)
	minNotional, _ := decimal.NewFromString(info.LotSizeFilter.MinNotionalVal)

	marketType := types.MarketTypeSpot
	if c.config.Category == "linear" {
		marketType = types.MarketTypeLinear
	}
	return types.Market{
		Symbol:      symbol,
		Type:        marketType,
		PriceTick:   tick,
		AmountStep:  step,
		MinNotional: minNotional,
	}, nil
}
