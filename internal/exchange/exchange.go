// Package exchange defines the narrow I/O contract the core consumes and
// its implementations: the ByBit V5 REST client and the paper simulator.
//
// Exchange-native order status strings are translated to the normalized
// types.OrderStatus set inside this package and never escape it.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrorKind classifies adapter failures for the core's handling policy.
type ErrorKind string

const (
	ErrAuth         ErrorKind = "auth"
	ErrRateLimited  ErrorKind = "rate_limited"
	ErrInsufficient ErrorKind = "insufficient"
	ErrInvalidOrder ErrorKind = "invalid_order"
	ErrNetwork      ErrorKind = "network"
	ErrUnknown      ErrorKind = "unknown"
)

// Error is the typed failure surfaced to the core. Core code branches on
// Kind, never on the message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed adapter error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting to ErrUnknown.
func KindOf(err error) ErrorKind {
	var ex *Error
	if errors.As(err, &ex) {
		return ex.Kind
	}
	return ErrUnknown
}

// IsTransient reports whether the failure may clear on its own.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case ErrNetwork, ErrRateLimited:
		return true
	}
	return false
}

// CancelResult reports the outcome of a cancel request.
type CancelResult string

const (
	CancelOK      CancelResult = "ok"
	CancelUnknown CancelResult = "unknown"
)

// PlaceOrderRequest carries everything an adapter needs to submit an order.
type PlaceOrderRequest struct {
	Symbol      string
	Side        types.OrderSide
	Type        types.OrderType
	Amount      decimal.Decimal
	Price       decimal.Decimal // zero for market orders
	PostOnly    bool
	TimeInForce string
}

// Exchange is the adapter contract consumed by the orchestrator and the
// market data feed. All monetary values are decimals already rounded to the
// market's tick/step; adapters reject invalid precision rather than
// silently rounding.
type Exchange interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.OHLCV, error)
	FetchBalance(ctx context.Context) (map[string]types.Balance, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchOrder(ctx context.Context, symbol, exchangeID string) (types.Order, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) (CancelResult, error)
	CancelAll(ctx context.Context, symbol string) (int, error)
	FetchMarket(ctx context.Context, symbol string) (types.Market, error)
}

// Credentials resolves an API key pair by name. Implemented by the external
// credential store; the core never persists raw secrets.
type Credentials interface {
	Resolve(name string) (key, secret string, demo bool, err error)
}

// NormalizeStatus maps an exchange-native order status string onto the
// core's closed status set. Unrecognized statuses map to error: failing to
// normalize is a bug, not a value.
func NormalizeStatus(native string) types.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "filled", "deal", "triggered":
		return types.OrderStatusClosed
	case "new", "accepted", "untriggered", "active":
		return types.OrderStatusOpen
	case "created":
		return types.OrderStatusPending
	case "partiallyfilled", "partially_filled", "partialfilled":
		return types.OrderStatusPartiallyFilled
	case "cancelled", "cancel", "canceled", "partiallyfilledcanceled", "deactivated":
		return types.OrderStatusCancelled
	case "rejected":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusError
	}
}
