package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type TimeInForce string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Market          OrderType = "MARKET"
	Limit           OrderType = "LIMIT"
	StopLoss        OrderType = "STOP_LOSS"
	StopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	TakeProfit      OrderType = "TAKE_PROFIT"
	TakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// RequiresPrice reports whether the order type cannot be submitted without a
// limit price.
func (t OrderType) RequiresPrice() bool {
	switch t {
	case Limit, StopLossLimit, TakeProfitLimit:
		return true
	}
	return false
}

// RequiresTimeInForce reports whether the exchange expects a timeInForce
// parameter for the order type. Market orders must not carry one.
func (t OrderType) RequiresTimeInForce() bool {
	return t != Market && t != StopLoss && t != TakeProfit
}

// OrderRequest describes one order to be placed. It is constructed once per
// trading decision and not mutated afterwards; normalization produces a copy.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   TimeInForce
	ClientOrderID string
}

// OrderResult is the uniform outcome of a placement, cancellation or lookup.
// Failures carry ErrorMessage and Success=false instead of an error value so
// the agent layer never has to distinguish failure classes.
type OrderResult struct {
	Success         bool
	OrderID         string
	ClientOrderID   string
	Status          OrderStatus
	FilledQty       decimal.Decimal
	FilledPrice     decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	ErrorMessage    string
	Time            time.Time
}

// Notional returns the filled quantity times the filled price.
func (r OrderResult) Notional() decimal.Decimal {
	return r.FilledQty.Mul(r.FilledPrice)
}

// Rules are the exchange-published trading filters for one symbol. Fetched
// once at startup and treated as immutable for the process lifetime.
type Rules struct {
	BaseAsset   string
	QuoteAsset  string
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	QtyStep     decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	PriceTick   decimal.Decimal
	MinNotional decimal.Decimal
}

// AssetBalance is one asset's free/locked split from the account endpoint.
type AssetBalance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b AssetBalance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Kline is one candlestick from the klines endpoint.
type Kline struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// TradeRecord is one row appended to the external trade ledger after a
// successful buy or sell.
type TradeRecord struct {
	Time           time.Time
	Action         string
	Asset          string
	Amount         decimal.Decimal
	Price          decimal.Decimal
	RemainingBase  decimal.Decimal
	RemainingQuote decimal.Decimal
}
