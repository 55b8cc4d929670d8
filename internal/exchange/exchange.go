// Package exchange defines the surface the order and adapter layers depend
// on, keeping them independent of any one venue's wire format.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
)

// Exchange is a spot trading venue. Implementations must be safe for
// concurrent use.
type Exchange interface {
	Name() string

	// Rules fetches the trading filters for every requested symbol in one
	// round trip.
	Rules(ctx context.Context, symbols []string) (map[string]core.Rules, error)

	// TickerPrice returns the latest trade price for one symbol.
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceOrder submits req. With test set, the venue validates and signs
	// the order but does not execute it.
	PlaceOrder(ctx context.Context, req core.OrderRequest, test bool) (core.OrderResult, error)

	// CancelOrder cancels by exchange order id or client order id.
	CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error)

	// QueryOrder looks up the current state of an order.
	QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error)

	// Balances returns the non-zero asset balances of the account.
	Balances(ctx context.Context) (map[string]core.AssetBalance, error)

	Close() error
}
