package binance

import (
	"strconv"

	"github.com/shopspring/decimal"

	"agent-wallet/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIError is an error response from the exchange, preserved verbatim so
// callers can inspect the venue's code alongside the classified sentinel.
type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type orderResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	OrigClientOrderID  string `json:"origClientOrderId"`
	TransactTime       int64  `json:"transactTime"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
	Fills              []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

type ticker24hResponse struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type tradeResponse struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType  string `json:"filterType"`
		MinQty      string `json:"minQty"`
		MaxQty      string `json:"maxQty"`
		StepSize    string `json:"stepSize"`
		MinPrice    string `json:"minPrice"`
		MaxPrice    string `json:"maxPrice"`
		TickSize    string `json:"tickSize"`
		MinNotional string `json:"minNotional"`
	} `json:"filters"`
}

func parseSymbolRules(src symbolInfoResponse) core.Rules {
	rules := core.Rules{
		BaseAsset:  src.BaseAsset,
		QuoteAsset: src.QuoteAsset,
	}
	setDec := func(dst *decimal.Decimal, s string) {
		if s == "" {
			return
		}
		if v, err := decimal.NewFromString(s); err == nil {
			*dst = v
		}
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			setDec(&rules.MinQty, f.MinQty)
			setDec(&rules.MaxQty, f.MaxQty)
			setDec(&rules.QtyStep, f.StepSize)
		case "PRICE_FILTER":
			setDec(&rules.MinPrice, f.MinPrice)
			setDec(&rules.MaxPrice, f.MaxPrice)
			setDec(&rules.PriceTick, f.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			if f.MinNotional != "" {
				if v, err := decimal.NewFromString(f.MinNotional); err == nil {
					// Keep the stricter minimum when both filters appear.
					if v.Cmp(rules.MinNotional) > 0 {
						rules.MinNotional = v
					}
				}
			}
		}
	}
	return rules
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
