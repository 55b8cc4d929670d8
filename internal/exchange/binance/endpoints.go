package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
	"agent-wallet/internal/security"
)

// PriceLevel is one side of the order book at one price.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth is an order book snapshot.
type Depth struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// Trade is one public trade from the recent trades endpoint.
type Trade struct {
	ID           int64
	Price        decimal.Decimal
	Qty          decimal.Decimal
	Time         time.Time
	IsBuyerMaker bool
}

// BookTicker is the best bid and ask for one symbol.
type BookTicker struct {
	Symbol   string
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
}

// Ticker24h is the rolling 24-hour statistics for one symbol.
type Ticker24h struct {
	Symbol             string
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	LastPrice          decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ping", nil, AuthNone)
	return err
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/time", nil, AuthNone)
	if err != nil {
		return time.Time{}, err
	}
	var resp serverTimeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("%w: decode server time: %v", core.ErrTransport, err)
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// Rules fetches trading filters for the given symbols. An empty slice fetches
// the full exchange info.
func (c *Client) Rules(ctx context.Context, symbols []string) (map[string]core.Rules, error) {
	params := security.NewParams()
	if len(symbols) == 1 {
		params.Set("symbol", symbols[0])
	} else if len(symbols) > 1 {
		quoted := make([]string, len(symbols))
		for i, s := range symbols {
			quoted[i] = strconv.Quote(s)
		}
		params.Set("symbols", "["+strings.Join(quoted, ",")+"]")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode exchange info: %v", core.ErrTransport, err)
	}
	rules := make(map[string]core.Rules, len(resp.Symbols))
	for _, sym := range resp.Symbols {
		if sym.Status != "" && sym.Status != "TRADING" {
			continue
		}
		rules[sym.Symbol] = parseSymbolRules(sym)
	}
	return rules, nil
}

func (c *Client) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	params := security.NewParams().Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/depth", params, AuthNone)
	if err != nil {
		return Depth{}, err
	}
	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Depth{}, fmt.Errorf("%w: decode depth: %v", core.ErrTransport, err)
	}
	parseLevels := func(raw [][]string) []PriceLevel {
		levels := make([]PriceLevel, 0, len(raw))
		for _, pair := range raw {
			if len(pair) < 2 {
				continue
			}
			levels = append(levels, PriceLevel{Price: mustDecimal(pair[0]), Qty: mustDecimal(pair[1])})
		}
		return levels
	}
	return Depth{
		LastUpdateID: resp.LastUpdateID,
		Bids:         parseLevels(resp.Bids),
		Asks:         parseLevels(resp.Asks),
	}, nil
}

func (c *Client) RecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	params := security.NewParams().Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/trades", params, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp []tradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode trades: %v", core.ErrTransport, err)
	}
	trades := make([]Trade, 0, len(resp))
	for _, t := range resp {
		trades = append(trades, Trade{
			ID:           t.ID,
			Price:        mustDecimal(t.Price),
			Qty:          mustDecimal(t.Qty),
			Time:         time.UnixMilli(t.Time),
			IsBuyerMaker: t.IsBuyerMaker,
		})
	}
	return trades, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	params := security.NewParams().Set("symbol", symbol).Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone)
	if err != nil {
		return nil, err
	}
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode klines: %v", core.ErrTransport, err)
	}
	klines := make([]core.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		var openTime, closeTime int64
		var open, high, low, closePx, volume string
		if json.Unmarshal(row[0], &openTime) != nil ||
			json.Unmarshal(row[1], &open) != nil ||
			json.Unmarshal(row[2], &high) != nil ||
			json.Unmarshal(row[3], &low) != nil ||
			json.Unmarshal(row[4], &closePx) != nil ||
			json.Unmarshal(row[5], &volume) != nil ||
			json.Unmarshal(row[6], &closeTime) != nil {
			continue
		}
		klines = append(klines, core.Kline{
			OpenTime:  time.UnixMilli(openTime),
			Open:      mustDecimal(open),
			High:      mustDecimal(high),
			Low:       mustDecimal(low),
			Close:     mustDecimal(closePx),
			Volume:    mustDecimal(volume),
			CloseTime: time.UnixMilli(closeTime),
		})
	}
	return klines, nil
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := security.NewParams().Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone)
	if err != nil {
		return decimal.Zero, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode ticker price: %v", core.ErrTransport, err)
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad price %q for %s", core.ErrTransport, resp.Price, symbol)
	}
	return price, nil
}

// AllTickerPrices fetches last prices for every symbol in one call.
func (c *Client) AllTickerPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", nil, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp []tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode ticker prices: %v", core.ErrTransport, err)
	}
	prices := make(map[string]decimal.Decimal, len(resp))
	for _, t := range resp {
		prices[t.Symbol] = mustDecimal(t.Price)
	}
	return prices, nil
}

func (c *Client) BookTicker(ctx context.Context, symbol string) (BookTicker, error) {
	params := security.NewParams().Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", params, AuthNone)
	if err != nil {
		return BookTicker{}, err
	}
	var resp bookTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return BookTicker{}, fmt.Errorf("%w: decode book ticker: %v", core.ErrTransport, err)
	}
	return BookTicker{
		Symbol:   resp.Symbol,
		BidPrice: mustDecimal(resp.BidPrice),
		BidQty:   mustDecimal(resp.BidQty),
		AskPrice: mustDecimal(resp.AskPrice),
		AskQty:   mustDecimal(resp.AskQty),
	}, nil
}

func (c *Client) Ticker24h(ctx context.Context, symbol string) (Ticker24h, error) {
	params := security.NewParams().Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/24hr", params, AuthNone)
	if err != nil {
		return Ticker24h{}, err
	}
	var resp ticker24hResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticker24h{}, fmt.Errorf("%w: decode 24h ticker: %v", core.ErrTransport, err)
	}
	return parseTicker24h(resp), nil
}

func parseTicker24h(resp ticker24hResponse) Ticker24h {
	return Ticker24h{
		Symbol:             resp.Symbol,
		PriceChange:        mustDecimal(resp.PriceChange),
		PriceChangePercent: mustDecimal(resp.PriceChangePercent),
		LastPrice:          mustDecimal(resp.LastPrice),
		HighPrice:          mustDecimal(resp.HighPrice),
		LowPrice:           mustDecimal(resp.LowPrice),
		Volume:             mustDecimal(resp.Volume),
		QuoteVolume:        mustDecimal(resp.QuoteVolume),
	}
}

func (c *Client) Balances(ctx context.Context) (map[string]core.AssetBalance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", security.NewParams(), AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode account: %v", core.ErrTransport, err)
	}
	balances := make(map[string]core.AssetBalance)
	for _, b := range resp.Balances {
		free := mustDecimal(b.Free)
		locked := mustDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances[b.Asset] = core.AssetBalance{Free: free, Locked: locked}
	}
	return balances, nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.OrderResult, error) {
	params := security.NewParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode open orders: %v", core.ErrTransport, err)
	}
	orders := make([]core.OrderResult, 0, len(resp))
	for _, ord := range resp {
		orders = append(orders, parseOrderResult(ord))
	}
	return orders, nil
}

// PlaceOrder submits an order. With test set the exchange validates the
// request end to end without creating an order; the success result carries
// the generated client order id and no fills.
func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest, test bool) (core.OrderResult, error) {
	if err := security.ValidateOrderPayload(req.Symbol, req.Side, req.Qty); err != nil {
		return core.OrderResult{}, err
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = c.signer.NewClientOrderID(c.getClientOrderPrefix())
	}
	params := security.NewParams().
		Set("symbol", req.Symbol).
		Set("side", string(req.Side)).
		Set("type", string(req.Type)).
		Set("quantity", req.Qty.String())
	if req.Type.RequiresPrice() {
		params.Set("price", req.Price.String())
	}
	if req.Type.RequiresTimeInForce() {
		tif := req.TimeInForce
		if tif == "" {
			tif = core.GTC
		}
		params.Set("timeInForce", string(tif))
	}
	params.Set("newClientOrderId", clientID)
	params.Set("newOrderRespType", "FULL")

	path := "/api/v3/order"
	if test {
		path = "/api/v3/order/test"
	}
	body, err := c.doRequest(ctx, http.MethodPost, path, params, AuthSigned)
	if err != nil {
		return core.OrderResult{}, err
	}
	if test {
		// Test orders return an empty object on success.
		return core.OrderResult{
			Success:       true,
			ClientOrderID: clientID,
			Status:        core.OrderNew,
			Time:          time.Now(),
		}, nil
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderResult{}, fmt.Errorf("%w: decode order response: %v", core.ErrTransport, err)
	}
	return parseOrderResult(resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	if orderID == "" && clientOrderID == "" {
		return core.OrderResult{}, fmt.Errorf("%w: order id or client order id required", core.ErrValidation)
	}
	params := security.NewParams().Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}
	body, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderResult{}, fmt.Errorf("%w: decode cancel response: %v", core.ErrTransport, err)
	}
	result := parseOrderResult(resp)
	result.Status = core.OrderCanceled
	return result, nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.OrderResult, error) {
	if orderID == "" && clientOrderID == "" {
		return core.OrderResult{}, fmt.Errorf("%w: order id or client order id required", core.ErrValidation)
	}
	params := security.NewParams().Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderResult{}, fmt.Errorf("%w: decode order query: %v", core.ErrTransport, err)
	}
	return parseOrderResult(resp), nil
}

func (c *Client) AllOrders(ctx context.Context, symbol string, limit int) ([]core.OrderResult, error) {
	params := security.NewParams().Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/allOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode all orders: %v", core.ErrTransport, err)
	}
	orders := make([]core.OrderResult, 0, len(resp))
	for _, ord := range resp {
		orders = append(orders, parseOrderResult(ord))
	}
	return orders, nil
}

// parseOrderResult flattens an order response. The filled price is the
// volume-weighted average: cumulative quote over executed quantity, falling
// back to per-fill averaging when the cumulative field is absent.
func parseOrderResult(resp orderResponse) core.OrderResult {
	executed := mustDecimal(resp.ExecutedQty)
	cumQuote := mustDecimal(resp.CumulativeQuoteQty)

	filledPrice := decimal.Zero
	if executed.Cmp(decimal.Zero) > 0 && cumQuote.Cmp(decimal.Zero) > 0 {
		filledPrice = cumQuote.Div(executed)
	} else if executed.Cmp(decimal.Zero) > 0 && len(resp.Fills) > 0 {
		quote := decimal.Zero
		for _, f := range resp.Fills {
			quote = quote.Add(mustDecimal(f.Price).Mul(mustDecimal(f.Qty)))
		}
		filledPrice = quote.Div(executed)
	} else if resp.Price != "" {
		filledPrice = mustDecimal(resp.Price)
	}

	commission := decimal.Zero
	commissionAsset := ""
	for _, f := range resp.Fills {
		commission = commission.Add(mustDecimal(f.Commission))
		if commissionAsset == "" {
			commissionAsset = f.CommissionAsset
		}
	}

	ts := resp.TransactTime
	if ts == 0 {
		ts = resp.UpdateTime
	}
	if ts == 0 {
		ts = resp.Time
	}
	at := time.Time{}
	if ts > 0 {
		at = time.UnixMilli(ts)
	}

	clientID := resp.ClientOrderID
	if clientID == "" {
		clientID = resp.OrigClientOrderID
	}
	status := core.OrderStatus(resp.Status)
	return core.OrderResult{
		Success:         status != core.OrderRejected && status != core.OrderExpired,
		OrderID:         strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   clientID,
		Status:          status,
		FilledQty:       executed,
		FilledPrice:     filledPrice,
		Commission:      commission,
		CommissionAsset: commissionAsset,
		Time:            at,
	}
}
