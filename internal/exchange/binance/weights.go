package binance

import (
	"net/url"
	"strconv"
)

// Endpoint weights as published for the spot API. Unknown endpoints get
// defaultWeight so a missing entry degrades to over-counting, never under.
const defaultWeight = 1

var endpointWeights = map[string]int{
	"/api/v3/ping":              1,
	"/api/v3/time":              1,
	"/api/v3/exchangeInfo":      10,
	"/api/v3/trades":            1,
	"/api/v3/klines":            1,
	"/api/v3/avgPrice":          1,
	"/api/v3/account":           10,
	"/api/v3/order":             1,
	"/api/v3/order/test":        1,
	"/api/v3/allOrders":         10,
	"/api/v3/myTrades":          10,
	"/api/v3/ticker/price":      1,
	"/api/v3/ticker/bookTicker": 1,
	"/api/v3/ticker/24hr":       1,
	"/api/v3/openOrders":        3,
	"/api/v3/depth":             5,
}

// Weights that grow when the symbol parameter is omitted (all-symbol
// variants) or with the requested depth.
func requestWeight(path string, params url.Values) int {
	switch path {
	case "/api/v3/depth":
		limit := 100
		if v := params.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		switch {
		case limit <= 100:
			return 5
		case limit <= 500:
			return 25
		case limit <= 1000:
			return 50
		default:
			return 250
		}
	case "/api/v3/ticker/24hr":
		if params.Get("symbol") == "" {
			return 40
		}
		return 1
	case "/api/v3/ticker/price", "/api/v3/ticker/bookTicker":
		if params.Get("symbol") == "" {
			return 2
		}
		return 1
	case "/api/v3/openOrders":
		if params.Get("symbol") == "" {
			return 40
		}
		return 3
	}
	if w, ok := endpointWeights[path]; ok {
		return w
	}
	return defaultWeight
}

// isOrderPath reports whether the endpoint counts against the order quota in
// addition to request weight.
func isOrderPath(method, path string) bool {
	if method != "POST" {
		return false
	}
	return path == "/api/v3/order" || path == "/api/v3/order/test"
}
