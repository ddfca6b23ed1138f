// Package utils provides shared helpers for the trading agent.
package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatSymbol normalizes a trading symbol to BASE/QUOTE.
func FormatSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	if !strings.Contains(symbol, "/") {
		quotes := []string{"USDT", "USDC", "USD", "BTC", "ETH"}
		for _, quote := range quotes {
			if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
				return strings.TrimSuffix(symbol, quote) + "/" + quote
			}
		}
	}
	return symbol
}

// ParseSymbol extracts base and quote from a symbol.
func ParseSymbol(symbol string) (base, quote string) {
	parts := strings.Split(symbol, "/")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return symbol, ""
}

// ExchangeSymbol strips the separator for exchange wire format (BTCUSDT).
func ExchangeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// RoundToTick snaps a price onto the market's price tick, rounding up when
// roundUp is set and down otherwise.
func RoundToTick(price, tick decimal.Decimal, roundUp bool) decimal.Decimal {
	if tick.LessThanOrEqual(decimal.Zero) {
		return price
	}
	q := price.Div(tick)
	if roundUp {
		q = q.Ceil()
	} else {
		q = q.Floor()
	}
	return q.Mul(tick)
}

// RoundToStep snaps an amount down onto the market's amount step.
func RoundToStep(amount, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return amount
	}
	return amount.Div(step).Floor().Mul(step)
}

// PctChange returns (b - a) / a, or zero when a is zero.
func PctChange(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return decimal.Zero
	}
	return b.Sub(a).Div(a)
}

// AbsPctDiff returns |a - b| / b, or zero when b is zero.
func AbsPctDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(b)
}
